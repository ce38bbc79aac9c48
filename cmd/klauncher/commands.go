package main

import (
	"fmt"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/Maayk/klauncher-hytale/internal/binpatch"
	"github.com/Maayk/klauncher-hytale/internal/cdn"
	"github.com/Maayk/klauncher-hytale/internal/download"
	"github.com/Maayk/klauncher-hytale/internal/hashutil"
	"github.com/Maayk/klauncher-hytale/internal/logging"
	"github.com/Maayk/klauncher-hytale/internal/stats"
)

func newInstallCmd(flags *rootFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "install [channel]",
		Aliases: []string{"update"},
		Short:   "Install or update a channel to the newest build",
		Args:    cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			channel := channelArg(args, a.store)
			if err := a.orch.InstallOrUpdate(cmd.Context(), channel, a.presenter.Sink()); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, a.presenter.Summary(a.svc.Stats()))
			return nil
		},
	}
	return cmd
}

func newRepairCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "repair [channel]",
		Short: "Delete a channel's game files so the next install starts clean",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			channel := channelArg(args, a.store)
			if err := a.orch.Repair(cmd.Context(), channel); err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%s repaired; run `klauncher install %s` to reinstall\n", channel, channel)
			return nil
		},
	}
}

func newDownloadCmd(flags *rootFlags) *cobra.Command {
	var sha256Hex string
	var size int64

	cmd := &cobra.Command{
		Use:   "download <url> <dest>",
		Short: "Download a single file with resume, caching, and verification",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			task := download.Task{URL: args[0], DestPath: args[1], Resume: true}
			if sha256Hex != "" {
				task.ExpectedHash = &hashutil.FileHash{Size: size, SHA256: strings.ToLower(sha256Hex)}
			}

			result, err := a.svc.Download(cmd.Context(), task, a.presenter.Sink())
			if err != nil {
				return err
			}
			source := "network"
			if result.FromCache {
				source = "cache"
			}
			fmt.Fprintf(os.Stdout, "%s  %s  from %s in %s\n",
				result.Path, stats.FormatBytes(result.Size), source, result.Duration.Round(time.Millisecond))
			return nil
		},
	}
	cmd.Flags().StringVar(&sha256Hex, "sha256", "", "expected SHA-256 of the file")
	cmd.Flags().Int64Var(&size, "size", 0, "expected size in bytes")
	return cmd
}

func newVerifyCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "verify <path>...",
		Short: "Print the digests of local files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, path := range args {
				h, err := hashutil.HashFile(path)
				if err != nil {
					return err
				}
				fmt.Fprintf(os.Stdout, "%s\n  size   %d\n  md5    %s\n  sha1   %s\n  sha256 %s\n",
					path, h.Size, h.MD5, h.SHA1, h.SHA256)
			}
			return nil
		},
	}
}

func newPatchBinaryCmd(flags *rootFlags) *cobra.Command {
	var encodingName string
	var smart bool

	cmd := &cobra.Command{
		Use:   "patch-binary <path> <old> <new>",
		Short: "Rewrite a literal string inside an executable or archive",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			enc := binpatch.Encoding(strings.ToLower(encodingName))
			kind := binpatch.Simple
			if smart {
				kind = binpatch.SmartDomain
			}

			patcher := binpatch.New(logging.Component(a.log, "binpatch"))
			report, err := patcher.Patch(args[0], []binpatch.Rule{
				{Kind: kind, Old: args[1], New: args[2]},
			}, enc)
			if err != nil {
				return err
			}
			fmt.Fprintf(os.Stdout, "%d replacements across %d files\n",
				report.Replacements, report.FilesModified)
			return nil
		},
	}
	cmd.Flags().StringVar(&encodingName, "encoding", string(binpatch.UTF16LE), "utf-8 or utf-16le")
	cmd.Flags().BoolVar(&smart, "smart-domain", true, "use smart-domain matching for TLD substitution")
	return cmd
}

func newCacheCmd(flags *rootFlags) *cobra.Command {
	cacheCmd := &cobra.Command{
		Use:   "cache",
		Short: "Inspect and maintain the download cache",
	}

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Show cache usage",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			entries := a.cache.Entries()
			fmt.Fprintf(os.Stdout, "%d entries, %s\n", len(entries), stats.FormatBytes(a.cache.TotalSize()))

			sort.Slice(entries, func(i, j int) bool { return entries[i].Hash.Size > entries[j].Hash.Size })
			for _, e := range entries {
				fmt.Fprintf(os.Stdout, "  %-10s %s\n", stats.FormatBytes(e.Hash.Size), e.Key)
			}
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "verify",
		Short: "Re-validate every cache entry, evicting corrupt ones",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			evicted := a.cache.VerifyIntegrity()
			fmt.Fprintf(os.Stdout, "verified %d entries, evicted %d\n", a.cache.Len()+evicted, evicted)
			return nil
		},
	})

	cacheCmd.AddCommand(&cobra.Command{
		Use:   "clear",
		Short: "Remove every cached file",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			if err := a.cache.Clear(); err != nil {
				return err
			}
			fmt.Fprintln(os.Stdout, "cache cleared")
			return nil
		},
	})

	return cacheCmd
}

func newProbeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "probe [channel]",
		Short: "Show the newest available build for a channel",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(*flags)
			if err != nil {
				return err
			}
			defer a.closeLogs()

			channel := channelArg(args, a.store)
			probe := cdn.New(a.cfg.BaseURL(), channel, logging.Component(a.log, "cdn"))

			latest, err := probe.FindLatestBase(cmd.Context())
			if err != nil {
				return err
			}
			if latest == nil {
				fmt.Fprintf(os.Stdout, "%s: no builds published\n", channel)
				return nil
			}
			fmt.Fprintf(os.Stdout, "%s: latest base build %d\n", channel, latest.ToBuild)

			installed := a.store.BuildRecord(channel)
			if installed.Installed() {
				next, err := probe.FindNextPatch(cmd.Context(), installed.Build)
				if err != nil {
					return err
				}
				if next != nil {
					fmt.Fprintf(os.Stdout, "installed build %d, incremental %d -> %d available\n",
						installed.Build, next.FromBuild, next.ToBuild)
				} else {
					fmt.Fprintf(os.Stdout, "installed build %d is up to date\n", installed.Build)
				}
			}
			return nil
		},
	}
}
