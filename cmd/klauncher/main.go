// Command klauncher is the content-engine CLI of the launcher:
// install, update, verify, and patch the game from the command line.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/Maayk/klauncher-hytale/internal/cache"
	"github.com/Maayk/klauncher-hytale/internal/config"
	"github.com/Maayk/klauncher-hytale/internal/download"
	"github.com/Maayk/klauncher-hytale/internal/logging"
	"github.com/Maayk/klauncher-hytale/internal/patch"
	"github.com/Maayk/klauncher-hytale/internal/paths"
	"github.com/Maayk/klauncher-hytale/internal/ratelimit"
	"github.com/Maayk/klauncher-hytale/internal/state"
	"github.com/Maayk/klauncher-hytale/internal/ui"
)

var version = "dev"

// app wires the engine's dependency chain once per invocation. The
// chain is one-way: orchestrator -> service -> engine -> limiter, with
// state and paths as leaves.
type app struct {
	log       zerolog.Logger
	closeLogs func()
	resolver  *paths.Resolver
	store     *state.Store
	cfg       *config.Config
	limiter   *ratelimit.Limiter
	cache     *cache.Store
	svc       *download.Service
	orch      *patch.Orchestrator
	presenter ui.Presenter
}

type rootFlags struct {
	rootDir    string
	configPath string
	bwLimit    string
	workers    int
	verbose    bool
	quiet      bool
	logFile    string
}

func newApp(flags rootFlags) (*app, error) {
	level := "info"
	if flags.verbose {
		level = "debug"
	}
	log, closeLogs, err := logging.New(logging.Options{
		Level:   level,
		LogFile: flags.logFile,
		Quiet:   flags.quiet,
	})
	if err != nil {
		return nil, fmt.Errorf("configure logging: %w", err)
	}

	rootDir := flags.rootDir
	if rootDir == "" {
		home, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("resolve home dir: %w", err)
		}
		rootDir = filepath.Join(home, ".klauncher")
	}
	resolver := paths.NewResolver(rootDir)

	configPath := flags.configPath
	if configPath == "" {
		configPath = filepath.Join(rootDir, "config.json")
	}
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	store := state.Open(resolver.SettingsFile(), resolver.VersionFile(),
		logging.Component(log, "state"))
	settings := store.Settings()

	maxBps := settings.MaxDownloadSpeedBps
	if flags.bwLimit != "" {
		maxBps, err = ui.ParseSize(flags.bwLimit)
		if err != nil {
			return nil, fmt.Errorf("invalid --bwlimit: %w", err)
		}
	}
	limiter := ratelimit.New(maxBps)

	cacheStore, err := cache.Open(cache.Options{Dir: resolver.CacheDir()},
		logging.Component(log, "cache"))
	if err != nil {
		return nil, err
	}

	workers := settings.MaxParallelDownloads
	if flags.workers > 0 {
		workers = flags.workers
	}

	engine := download.NewEngine(limiter, logging.Component(log, "download"))
	svc := download.NewService(engine, cacheStore,
		download.ServiceOptions{MaxParallel: workers},
		logging.Component(log, "download"))

	orch := patch.New(svc, store, resolver, cfg, logging.Component(log, "patch"))

	var presenter ui.Presenter
	if flags.quiet {
		presenter = ui.NewQuiet()
	} else {
		presenter = ui.NewPlain(os.Stdout)
	}

	return &app{
		log:       log,
		closeLogs: closeLogs,
		resolver:  resolver,
		store:     store,
		cfg:       cfg,
		limiter:   limiter,
		cache:     cacheStore,
		svc:       svc,
		orch:      orch,
		presenter: presenter,
	}, nil
}

func main() {
	os.Exit(run())
}

func run() int {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	flags := rootFlags{}
	var showVersion bool

	rootCmd := &cobra.Command{
		Use:           "klauncher",
		Short:         "Hytale launcher content engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			// Operator defaults fill in flags not set on the CLI.
			defaults, err := config.LoadDefaults("")
			if err != nil {
				return nil // defaults are always optional
			}
			if !cmd.Flags().Changed("workers") && defaults.Workers != nil {
				flags.workers = *defaults.Workers
			}
			if !cmd.Flags().Changed("bwlimit") && defaults.BWLimit != nil {
				flags.bwLimit = *defaults.BWLimit
			}
			if !cmd.Flags().Changed("verbose") && defaults.Verbose != nil {
				flags.verbose = *defaults.Verbose
			}
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if showVersion {
				fmt.Fprintf(os.Stdout, "klauncher %s\n", version)
				return nil
			}
			return cmd.Help()
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flags.rootDir, "root", "", "application root directory (default ~/.klauncher)")
	pf.StringVar(&flags.configPath, "config", "", "path to config.json (default <root>/config.json)")
	pf.StringVar(&flags.bwLimit, "bwlimit", "", "bandwidth cap, e.g. 2MB (0 = unlimited)")
	pf.IntVar(&flags.workers, "workers", 0, "parallel downloads (1-10)")
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "debug logging")
	pf.BoolVarP(&flags.quiet, "quiet", "q", false, "errors only")
	pf.StringVar(&flags.logFile, "log-file", "", "also write JSON logs to this file")
	rootCmd.Flags().BoolVar(&showVersion, "version", false, "print version and exit")

	rootCmd.AddCommand(
		newInstallCmd(&flags),
		newRepairCmd(&flags),
		newDownloadCmd(&flags),
		newVerifyCmd(&flags),
		newPatchBinaryCmd(&flags),
		newCacheCmd(&flags),
		newProbeCmd(&flags),
	)

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "klauncher: %v\n", err)
		return 1
	}
	return 0
}

// channelArg picks the channel: positional argument first, then the
// stored settings.
func channelArg(args []string, store *state.Store) string {
	if len(args) > 0 {
		return args[0]
	}
	return store.Settings().GameChannel
}
