// Package patch decides between fresh install, incremental update, and
// rescue for each channel, driving the external differential patch
// tool over payloads fetched by the download service.
package patch

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/Maayk/klauncher-hytale/internal/cdn"
	"github.com/Maayk/klauncher-hytale/internal/config"
	"github.com/Maayk/klauncher-hytale/internal/download"
	"github.com/Maayk/klauncher-hytale/internal/event"
	"github.com/Maayk/klauncher-hytale/internal/paths"
	"github.com/Maayk/klauncher-hytale/internal/state"
)

// repairRetries and repairDelay tolerate transient file locks right
// after a game process exits.
const (
	repairRetries = 3
	repairDelay   = time.Second
)

// probeFactory builds a version probe for a channel. Indirected for
// tests.
type probeFactory func(channel string) *cdn.Probe

// Orchestrator owns the install lifecycle of every channel. It holds
// references down the dependency chain (download service, state store,
// path resolver); nothing refers back to it.
type Orchestrator struct {
	svc      *download.Service
	store    *state.Store
	resolver *paths.Resolver
	cfg      *config.Config
	log      zerolog.Logger

	newProbe probeFactory
	tool     toolRunner

	mu       sync.Mutex
	channels map[string]*sync.Mutex
}

// New creates an Orchestrator.
func New(svc *download.Service, store *state.Store, resolver *paths.Resolver, cfg *config.Config, log zerolog.Logger) *Orchestrator {
	o := &Orchestrator{
		svc:      svc,
		store:    store,
		resolver: resolver,
		cfg:      cfg,
		log:      log,
		channels: make(map[string]*sync.Mutex),
	}
	o.newProbe = func(channel string) *cdn.Probe {
		return cdn.New(cfg.BaseURL(), channel, log)
	}
	o.tool = &execToolRunner{
		toolsDir: resolver.ToolsDir(),
		toolURL:  cfg.ToolURL(),
		svc:      svc,
		log:      log,
	}
	return o
}

// channelLock serializes operations per channel; different channels
// proceed concurrently.
func (o *Orchestrator) channelLock(channel string) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	lock, ok := o.channels[channel]
	if !ok {
		lock = &sync.Mutex{}
		o.channels[channel] = lock
	}
	return lock
}

// InstallOrUpdate brings channel to the newest available build:
// local-archive override, then fresh install or the incremental patch
// loop, with rescue as the fallback.
func (o *Orchestrator) InstallOrUpdate(ctx context.Context, channel string, sink event.Sink) error {
	lock := o.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	log := o.log.With().Str("channel", channel).Logger()
	event.Emit(sink, event.Event{Stage: event.Checking, Message: "checking installed version"})

	probe := o.newProbe(channel)

	if err := o.tryLocalOverride(ctx, channel, probe, sink, log); err != nil {
		return err
	}

	current, err := o.reconcile(ctx, channel, probe, sink, log)
	if err != nil {
		return err
	}

	if current == 0 {
		current, err = o.freshInstall(ctx, channel, probe, sink, log)
		if err != nil {
			return err
		}
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		next, err := probe.FindNextPatch(ctx, current)
		if err != nil {
			return fmt.Errorf("probe next patch: %w", err)
		}
		if next == nil {
			break
		}

		log.Info().Uint64("from", next.FromBuild).Uint64("to", next.ToBuild).Msg("applying incremental patch")
		if err := o.applyOrRescue(ctx, channel, *next, sink, log); err != nil {
			return err
		}
		if err := o.store.SetBuild(channel, next.ToBuild); err != nil {
			return err
		}
		current = next.ToBuild
	}

	event.Emit(sink, event.Event{Stage: event.Complete, Percent: 100,
		Message: fmt.Sprintf("build %d up to date", current)})
	return nil
}

// reconcile aligns the recorded build with on-disk ground truth. A
// recorded build without its executable demotes to 0; game files
// without a record adopt the CDN's latest base (a known approximation,
// rescued later if stale).
func (o *Orchestrator) reconcile(ctx context.Context, channel string, probe *cdn.Probe, sink event.Sink, log zerolog.Logger) (uint64, error) {
	record := o.store.BuildRecord(channel)
	exe := o.resolver.ClientExecutable(channel)
	_, statErr := os.Stat(exe)
	exeExists := statErr == nil

	switch {
	case record.Installed() && !exeExists:
		log.Warn().Uint64("recorded", record.Build).Msg("executable missing, forcing fresh install")
		if err := o.store.ClearBuild(channel); err != nil {
			return 0, err
		}
		return 0, nil

	case !record.Installed() && exeExists:
		event.Emit(sink, event.Event{Stage: event.Syncing, Message: "adopting existing installation"})
		latest, err := probe.FindLatestBase(ctx)
		if err != nil {
			return 0, fmt.Errorf("probe latest base: %w", err)
		}
		if latest == nil {
			return 0, nil
		}
		log.Info().Uint64("build", latest.ToBuild).Msg("assuming latest base for unrecorded installation")
		if err := o.store.SetBuild(channel, latest.ToBuild); err != nil {
			return 0, err
		}
		return latest.ToBuild, nil
	}

	return record.Build, nil
}

// freshInstall downloads and applies the newest full patch.
func (o *Orchestrator) freshInstall(ctx context.Context, channel string, probe *cdn.Probe, sink event.Sink, log zerolog.Logger) (uint64, error) {
	latest, err := probe.FindLatestBase(ctx)
	if err != nil {
		return 0, fmt.Errorf("probe latest base: %w", err)
	}
	if latest == nil {
		return 0, errors.New("no builds available on the CDN")
	}

	log.Info().Uint64("build", latest.ToBuild).Msg("fresh install")
	if err := o.applyPatch(ctx, channel, *latest, sink); err != nil {
		return 0, err
	}
	if err := o.store.SetBuild(channel, latest.ToBuild); err != nil {
		return 0, err
	}
	return latest.ToBuild, nil
}

// applyOrRescue tries the incremental patch and falls back to the full
// payload for the same target build. Rescue is never itself rescued.
func (o *Orchestrator) applyOrRescue(ctx context.Context, channel string, info cdn.PatchInfo, sink event.Sink, log zerolog.Logger) error {
	err := o.applyPatch(ctx, channel, info, sink)
	if err == nil {
		return nil
	}
	if ctx.Err() != nil {
		return err
	}

	log.Warn().Err(err).Uint64("from", info.FromBuild).Uint64("to", info.ToBuild).
		Msg("incremental patch failed, rescuing with full payload")
	event.Emit(sink, event.Event{Stage: event.RescueMode,
		Message: fmt.Sprintf("redownloading build %d", info.ToBuild)})

	probe := o.newProbe(channel)
	rescue := cdn.PatchInfo{
		FromBuild: 0,
		ToBuild:   info.ToBuild,
		URL:       probe.PatchURL(0, info.ToBuild),
		IsFull:    true,
	}
	if rescueErr := o.applyPatch(ctx, channel, rescue, sink); rescueErr != nil {
		return fmt.Errorf("rescue for build %d failed: %w", info.ToBuild, rescueErr)
	}
	return nil
}

// applyPatch downloads the payload and hands it to the external tool.
// The payload and staging directory are always cleaned up.
func (o *Orchestrator) applyPatch(ctx context.Context, channel string, info cdn.PatchInfo, sink event.Sink) error {
	gameDir := o.resolver.GameDir(channel)
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		return fmt.Errorf("create game dir: %w", err)
	}

	tempDir := o.resolver.TempDir()
	if err := os.MkdirAll(tempDir, 0o755); err != nil {
		return fmt.Errorf("create temp dir: %w", err)
	}

	patchFile := filepath.Join(tempDir, fmt.Sprintf("%d-%d-%s.pwr", info.FromBuild, info.ToBuild, channel))
	stagingDir := filepath.Join(tempDir, "staging-"+uuid.NewString())
	defer func() {
		_ = os.Remove(patchFile)
		_ = os.RemoveAll(stagingDir)
	}()

	// The external tool validates its own payload, so no expected
	// hash here.
	if _, err := o.svc.Download(ctx, download.Task{
		URL:      info.URL,
		DestPath: patchFile,
		Resume:   true,
	}, sink); err != nil {
		return fmt.Errorf("download patch %s: %w", info.URL, err)
	}

	event.Emit(sink, event.Event{Stage: event.Patching,
		Message: fmt.Sprintf("applying patch %d -> %d", info.FromBuild, info.ToBuild)})

	if err := o.tool.Apply(ctx, patchFile, gameDir, stagingDir); err != nil {
		return err
	}
	return nil
}

// tryLocalOverride installs from a configured or dropped-in archive
// before touching the CDN. Precedence: config HTTP URL, then config
// file path, then the newest zip under <app>/cdn. An override that
// yields no game executable is ignored.
func (o *Orchestrator) tryLocalOverride(ctx context.Context, channel string, probe *cdn.Probe, sink event.Sink, log zerolog.Logger) error {
	if o.store.BuildRecord(channel).Installed() {
		return nil
	}

	kind, location := o.cfg.ChannelOverride(channel)
	if kind == config.OverrideNone {
		if zip := paths.LocalOverrideArchive(o.resolver.Root()); zip != "" {
			kind, location = config.OverrideFile, zip
		}
	}
	if kind == config.OverrideNone {
		return nil
	}

	archive := location
	if kind == config.OverrideHTTP {
		tempDir := o.resolver.TempDir()
		if err := os.MkdirAll(tempDir, 0o755); err != nil {
			return err
		}
		archive = filepath.Join(tempDir, "override-"+filepath.Base(location))
		if _, err := o.svc.Download(ctx, download.Task{
			URL:      location,
			DestPath: archive,
			Resume:   true,
		}, sink); err != nil {
			log.Warn().Err(err).Str("url", location).Msg("override archive download failed, falling back to CDN")
			return nil
		}
		defer os.Remove(archive)
	}

	if _, err := os.Stat(archive); err != nil {
		log.Warn().Str("archive", archive).Msg("override archive missing, falling back to CDN")
		return nil
	}

	gameDir := o.resolver.GameDir(channel)
	if err := os.MkdirAll(gameDir, 0o755); err != nil {
		return err
	}

	event.Emit(sink, event.Event{Stage: event.Extracting, Message: "extracting local archive"})
	log.Info().Str("archive", archive).Msg("installing from local override archive")
	if err := extractArchive(archive, gameDir); err != nil {
		log.Warn().Err(err).Msg("override extraction failed, falling back to CDN")
		return nil
	}

	if _, err := os.Stat(o.resolver.ClientExecutable(channel)); err != nil {
		log.Warn().Msg("override archive produced no game executable, falling back to CDN")
		return nil
	}

	// Synthesize a record so the incremental loop can continue from
	// the CDN's view of the world.
	latest, err := probe.FindLatestBase(ctx)
	if err != nil || latest == nil {
		return err
	}
	return o.store.SetBuild(channel, latest.ToBuild)
}

// Repair deletes the channel's game directory so the next install
// starts clean. Deletion retries to ride out lingering file locks.
func (o *Orchestrator) Repair(ctx context.Context, channel string) error {
	lock := o.channelLock(channel)
	lock.Lock()
	defer lock.Unlock()

	gameDir := o.resolver.GameDir(channel)
	var lastErr error
	for attempt := 1; attempt <= repairRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}
		lastErr = os.RemoveAll(gameDir)
		if lastErr == nil {
			break
		}
		o.log.Warn().Err(lastErr).Int("attempt", attempt).Msg("repair delete failed, retrying")
		if attempt < repairRetries {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(repairDelay):
			}
		}
	}
	if lastErr != nil {
		return fmt.Errorf("delete game dir: %w", lastErr)
	}

	if err := o.store.ClearBuild(channel); err != nil {
		return err
	}
	o.log.Info().Str("channel", channel).Msg("repair complete, next update will reinstall")
	return nil
}
