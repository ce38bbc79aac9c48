package patch

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"regexp"
	"strconv"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Maayk/klauncher-hytale/internal/cache"
	"github.com/Maayk/klauncher-hytale/internal/cdn"
	"github.com/Maayk/klauncher-hytale/internal/config"
	"github.com/Maayk/klauncher-hytale/internal/download"
	"github.com/Maayk/klauncher-hytale/internal/event"
	"github.com/Maayk/klauncher-hytale/internal/paths"
	"github.com/Maayk/klauncher-hytale/internal/ratelimit"
	"github.com/Maayk/klauncher-hytale/internal/state"
)

var pwrPath = regexp.MustCompile(`/(\d+)/(\d+)\.pwr$`)

// fakeCDN serves a set of patch files ("0/7", "7/8" keys) and any
// extra payloads registered by path.
type fakeCDN struct {
	mu      sync.Mutex
	patches map[string]bool
	extra   map[string][]byte
	fetched []string
}

func newFakeCDN(patches ...string) *fakeCDN {
	f := &fakeCDN{patches: map[string]bool{}, extra: map[string][]byte{}}
	for _, p := range patches {
		f.patches[p] = true
	}
	return f
}

func (f *fakeCDN) handler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		if body, ok := f.extra[r.URL.Path]; ok {
			if r.Method == http.MethodGet {
				f.fetched = append(f.fetched, r.URL.Path)
			}
			f.mu.Unlock()
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusOK)
				return
			}
			_, _ = w.Write(body)
			return
		}
		f.mu.Unlock()

		m := pwrPath.FindStringSubmatch(r.URL.Path)
		if m == nil {
			http.NotFound(w, r)
			return
		}
		from, _ := strconv.ParseUint(m[1], 10, 64)
		to, _ := strconv.ParseUint(m[2], 10, 64)
		key := fmt.Sprintf("%d/%d", from, to)

		f.mu.Lock()
		exists := f.patches[key]
		if exists && r.Method == http.MethodGet {
			f.fetched = append(f.fetched, key)
		}
		f.mu.Unlock()

		if !exists {
			http.NotFound(w, r)
			return
		}
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusOK)
			return
		}
		_, _ = w.Write([]byte("pwr:" + key))
	}
}

func (f *fakeCDN) fetchedKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.fetched...)
}

// fakeTool records applied patches and writes the Client executable,
// failing the keys listed in failOnce exactly once.
type fakeTool struct {
	mu       sync.Mutex
	applied  []string
	failOnce map[string]bool
}

func (ft *fakeTool) Apply(_ context.Context, patchFile, gameDir, _ string) error {
	data, err := os.ReadFile(patchFile)
	if err != nil {
		return err
	}
	key := string(bytes.TrimPrefix(data, []byte("pwr:")))

	ft.mu.Lock()
	defer ft.mu.Unlock()
	if ft.failOnce[key] {
		delete(ft.failOnce, key)
		return fmt.Errorf("simulated tool failure for %s: exit status 1", key)
	}
	ft.applied = append(ft.applied, key)

	exe := filepath.Join(gameDir, "Client")
	return os.WriteFile(exe, []byte("client@"+key), 0o755)
}

func (ft *fakeTool) appliedKeys() []string {
	ft.mu.Lock()
	defer ft.mu.Unlock()
	return append([]string(nil), ft.applied...)
}

type fixture struct {
	orch     *Orchestrator
	store    *state.Store
	resolver *paths.Resolver
	cdn      *fakeCDN
	tool     *fakeTool
	srv      *httptest.Server
}

func newFixture(t *testing.T, cdnFake *fakeCDN, cfgMut ...func(*config.Config)) *fixture {
	t.Helper()

	root := t.TempDir()
	resolver := paths.NewResolver(root)
	srv := httptest.NewServer(cdnFake.handler())
	t.Cleanup(srv.Close)

	cfg := &config.Config{
		Hytale:       map[string]config.ReleaseInfo{},
		PatchBaseURL: srv.URL,
	}
	for _, m := range cfgMut {
		m(cfg)
	}

	store := state.Open(resolver.SettingsFile(), resolver.VersionFile(), zerolog.Nop())
	cacheStore, err := cache.Open(cache.Options{Dir: resolver.CacheDir()}, zerolog.Nop())
	require.NoError(t, err)

	engine := download.NewEngine(ratelimit.New(0), zerolog.Nop())
	svc := download.NewService(engine, cacheStore, download.ServiceOptions{MaxParallel: 2}, zerolog.Nop())

	orch := New(svc, store, resolver, cfg, zerolog.Nop())
	tool := &fakeTool{}
	orch.tool = tool
	orch.newProbe = func(channel string) *cdn.Probe {
		return cdn.New(srv.URL, channel, zerolog.Nop())
	}

	return &fixture{orch: orch, store: store, resolver: resolver, cdn: cdnFake, tool: tool, srv: srv}
}

func TestFreshInstall(t *testing.T) {
	t.Parallel()

	// S1: CDN serves 0/1..0/7 and 6/7; a fresh install applies only
	// the full 0/7 payload.
	f := newFixture(t, newFakeCDN("0/1", "0/2", "0/3", "0/4", "0/5", "0/6", "0/7", "6/7"))

	var stages []event.Stage
	sink := func(e event.Event) { stages = append(stages, e.Stage) }

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", sink))

	assert.Equal(t, []string{"0/7"}, f.tool.appliedKeys())
	assert.Equal(t, []string{"0/7"}, f.cdn.fetchedKeys())

	record := f.store.BuildRecord("latest")
	assert.Equal(t, uint64(7), record.Build)

	_, err := os.Stat(f.resolver.ClientExecutable("latest"))
	assert.NoError(t, err)
	assert.Contains(t, stages, event.Checking)
	assert.Contains(t, stages, event.Complete)
}

func TestIncrementalUpdate(t *testing.T) {
	t.Parallel()

	// S2: recorded build 7, CDN adds 7/8 and 8/9.
	f := newFixture(t, newFakeCDN("0/1", "0/7", "7/8", "8/9"))

	// Seed an existing installation at build 7.
	require.NoError(t, os.MkdirAll(f.resolver.GameDir("latest"), 0o755))
	require.NoError(t, os.WriteFile(f.resolver.ClientExecutable("latest"), []byte("v7"), 0o755))
	require.NoError(t, f.store.SetBuild("latest", 7))

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))

	assert.Equal(t, []string{"7/8", "8/9"}, f.tool.appliedKeys())
	assert.Equal(t, uint64(9), f.store.BuildRecord("latest").Build)
	require.NotNil(t, f.store.BuildRecord("latest").PatchedAt)
}

func TestRescueFallback(t *testing.T) {
	t.Parallel()

	// S3: 7/8 exists but the tool fails once; rescue applies 0/8.
	f := newFixture(t, newFakeCDN("0/1", "0/7", "0/8", "7/8"))
	f.tool.failOnce = map[string]bool{"7/8": true}

	require.NoError(t, os.MkdirAll(f.resolver.GameDir("latest"), 0o755))
	require.NoError(t, os.WriteFile(f.resolver.ClientExecutable("latest"), []byte("v7"), 0o755))
	require.NoError(t, f.store.SetBuild("latest", 7))

	var rescued bool
	sink := func(e event.Event) {
		if e.Stage == event.RescueMode {
			rescued = true
		}
	}

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", sink))

	assert.True(t, rescued)
	assert.Equal(t, []string{"0/8"}, f.tool.appliedKeys())
	assert.Equal(t, uint64(8), f.store.BuildRecord("latest").Build)
}

func TestRescueFailureIsTerminal(t *testing.T) {
	t.Parallel()

	// Both the incremental and the rescue payload fail: the error
	// surfaces, nothing recurses.
	f := newFixture(t, newFakeCDN("0/1", "0/7", "0/8", "7/8"))
	f.tool.failOnce = map[string]bool{"7/8": true, "0/8": true}

	require.NoError(t, os.MkdirAll(f.resolver.GameDir("latest"), 0o755))
	require.NoError(t, os.WriteFile(f.resolver.ClientExecutable("latest"), []byte("v7"), 0o755))
	require.NoError(t, f.store.SetBuild("latest", 7))

	err := f.orch.InstallOrUpdate(context.Background(), "latest", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rescue")
	assert.Equal(t, uint64(7), f.store.BuildRecord("latest").Build, "failed update must not advance the record")
}

func TestMissingExecutableForcesFreshInstall(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCDN("0/1", "0/2", "0/3", "0/4", "0/5"))
	// Record says build 3, but nothing on disk.
	require.NoError(t, f.store.SetBuild("latest", 3))

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))

	assert.Equal(t, []string{"0/5"}, f.tool.appliedKeys())
	assert.Equal(t, uint64(5), f.store.BuildRecord("latest").Build)
}

func TestAdoptExistingInstallation(t *testing.T) {
	t.Parallel()

	// Game files exist but no record: adopt the CDN's latest base.
	f := newFixture(t, newFakeCDN("0/1", "0/2", "0/3", "0/4", "0/5", "0/6"))
	require.NoError(t, os.MkdirAll(f.resolver.GameDir("latest"), 0o755))
	require.NoError(t, os.WriteFile(f.resolver.ClientExecutable("latest"), []byte("unknown"), 0o755))

	var synced bool
	sink := func(e event.Event) {
		if e.Stage == event.Syncing {
			synced = true
		}
	}

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", sink))

	assert.True(t, synced)
	assert.Empty(t, f.tool.appliedKeys(), "adoption must not re-download")
	assert.Equal(t, uint64(6), f.store.BuildRecord("latest").Build)
}

func TestChannelIsolation(t *testing.T) {
	t.Parallel()

	// P10: latest and beta update concurrently without touching each
	// other's records.
	f := newFixture(t, newFakeCDN("0/1", "0/4"))

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i, ch := range []string{"latest", "beta"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.orch.InstallOrUpdate(context.Background(), ch, nil)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, uint64(4), f.store.BuildRecord("latest").Build)
	assert.Equal(t, uint64(4), f.store.BuildRecord("beta").Build)
	for _, ch := range []string{"latest", "beta"} {
		_, err := os.Stat(f.resolver.ClientExecutable(ch))
		assert.NoError(t, err, ch)
	}
}

func TestRepairThenReinstall(t *testing.T) {
	t.Parallel()

	// P11: repair wipes the channel; the next update reinstalls at
	// the highest base.
	f := newFixture(t, newFakeCDN("0/1", "0/2", "0/3", "0/4", "0/5", "0/6", "0/7", "0/8", "0/9"))

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))
	require.Equal(t, uint64(9), f.store.BuildRecord("latest").Build)

	require.NoError(t, f.orch.Repair(context.Background(), "latest"))
	_, err := os.Stat(f.resolver.GameDir("latest"))
	assert.True(t, os.IsNotExist(err))
	assert.False(t, f.store.BuildRecord("latest").Installed())

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))
	assert.Equal(t, uint64(9), f.store.BuildRecord("latest").Build)
	_, err = os.Stat(f.resolver.ClientExecutable("latest"))
	assert.NoError(t, err)
}

func makeOverrideZip(t *testing.T, withClient bool) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	if withClient {
		fw, err := w.Create("Client")
		require.NoError(t, err)
		_, err = fw.Write([]byte("client-from-archive"))
		require.NoError(t, err)
	}
	fw, err := w.Create("assets/data.bin")
	require.NoError(t, err)
	_, err = fw.Write([]byte("assets"))
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestLocalOverrideHTTP(t *testing.T) {
	t.Parallel()

	cdnFake := newFakeCDN("0/1", "0/7")
	f := newFixture(t, cdnFake, func(cfg *config.Config) {
		cfg.Hytale["latest"] = config.ReleaseInfo{URL: "OVERRIDE"}
	})
	cdnFake.extra["/override.zip"] = makeOverrideZip(t, true)
	// Point the override at the running test server.
	f.orch.cfg.Hytale["latest"] = config.ReleaseInfo{URL: f.srv.URL + "/override.zip"}

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))

	// Installed from the archive, record synthesized from latest base.
	assert.Empty(t, f.tool.appliedKeys())
	assert.Equal(t, uint64(7), f.store.BuildRecord("latest").Build)

	data, err := os.ReadFile(f.resolver.ClientExecutable("latest"))
	require.NoError(t, err)
	assert.Equal(t, "client-from-archive", string(data))
}

func TestLocalOverrideWithoutGameFallsThrough(t *testing.T) {
	t.Parallel()

	cdnFake := newFakeCDN("0/1", "0/7")
	f := newFixture(t, cdnFake)
	cdnFake.extra["/override.zip"] = makeOverrideZip(t, false)
	f.orch.cfg.Hytale["latest"] = config.ReleaseInfo{URL: f.srv.URL + "/override.zip"}

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))

	// Archive had no Client: normal fresh install takes over.
	assert.Equal(t, []string{"0/7"}, f.tool.appliedKeys())
	assert.Equal(t, uint64(7), f.store.BuildRecord("latest").Build)
}

func TestLocalOverrideDroppedInCDNDir(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCDN("0/1", "0/2", "0/3"))
	cdnDir := filepath.Join(f.resolver.Root(), "cdn")
	require.NoError(t, os.MkdirAll(cdnDir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(cdnDir, "drop.zip"), makeOverrideZip(t, true), 0o644))

	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))

	assert.Empty(t, f.tool.appliedKeys())
	assert.Equal(t, uint64(3), f.store.BuildRecord("latest").Build)
}

func TestPatchPayloadCleanedUp(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCDN("0/1", "0/2"))
	require.NoError(t, f.orch.InstallOrUpdate(context.Background(), "latest", nil))

	entries, err := os.ReadDir(f.resolver.TempDir())
	if err == nil {
		for _, e := range entries {
			assert.NotContains(t, e.Name(), ".pwr", "payloads must be deleted after use")
			assert.NotContains(t, e.Name(), "staging", "staging dirs must be deleted after use")
		}
	}
}

func TestSerializedPerChannel(t *testing.T) {
	t.Parallel()

	f := newFixture(t, newFakeCDN("0/1", "0/2"))

	// Two concurrent invocations on the same channel must both
	// succeed and leave a consistent record.
	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := range 2 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs[i] = f.orch.InstallOrUpdate(context.Background(), "latest", nil)
		}()
	}
	wg.Wait()

	require.NoError(t, errs[0])
	require.NoError(t, errs[1])
	assert.Equal(t, uint64(2), f.store.BuildRecord("latest").Build)
}
