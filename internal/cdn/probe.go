// Package cdn discovers available game builds by probing the CDN's
// patch URL tree. Probes never download file bodies.
package cdn

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"strings"
	"time"

	"github.com/rs/zerolog"
)

// DefaultMaxSearch bounds the binary search for the latest base build.
const DefaultMaxSearch = 100

// probeTimeout caps each individual probe request.
const probeTimeout = 8 * time.Second

// PatchInfo identifies one downloadable patch. IsFull reports a
// full-install payload (FromBuild == 0).
type PatchInfo struct {
	FromBuild uint64
	ToBuild   uint64
	URL       string
	IsFull    bool
}

// Probe locates builds for one channel.
type Probe struct {
	baseURL   string
	client    *http.Client
	log       zerolog.Logger
	maxSearch uint64
}

// Option customises probe construction.
type Option func(*Probe)

// WithMaxSearch overrides the binary-search upper bound.
func WithMaxSearch(n uint64) Option {
	return func(p *Probe) {
		if n > 0 {
			p.maxSearch = n
		}
	}
}

// WithClient swaps the HTTP client (primarily for tests).
func WithClient(c *http.Client) Option {
	return func(p *Probe) { p.client = c }
}

// New creates a Probe for channel rooted at baseURL. The CDN maps the
// beta channel to its pre-release prefix and everything else to
// release.
func New(baseURL, channel string, log zerolog.Logger, opts ...Option) *Probe {
	cdnChannel := "release"
	if channel == "beta" {
		cdnChannel = "pre-release"
	}

	p := &Probe{
		baseURL: fmt.Sprintf("%s/%s/%s/%s",
			strings.TrimRight(baseURL, "/"), runtime.GOOS, cdnArch(), cdnChannel),
		client:    &http.Client{Timeout: probeTimeout},
		log:       log,
		maxSearch: DefaultMaxSearch,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func cdnArch() string {
	switch runtime.GOARCH {
	case "amd64":
		return "x64"
	case "arm64":
		return "arm64"
	default:
		return runtime.GOARCH
	}
}

// PatchURL returns the CDN location of the from→to patch file.
func (p *Probe) PatchURL(from, to uint64) string {
	return fmt.Sprintf("%s/%d/%d.pwr", p.baseURL, from, to)
}

// FindNextPatch reports the current→current+1 incremental patch, or
// nil when the CDN does not serve one yet.
func (p *Probe) FindNextPatch(ctx context.Context, current uint64) (*PatchInfo, error) {
	url := p.PatchURL(current, current+1)
	ok, err := p.exists(ctx, url)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}
	return &PatchInfo{FromBuild: current, ToBuild: current + 1, URL: url}, nil
}

// FindLatestBase locates the highest build N for which the full patch
// 0/N.pwr exists, binary-searching [1, maxSearch]. The search assumes
// the bases are contiguous (every 0/k.pwr with k <= N exists); with gaps
// it may settle below the highest one. Returns nil when the CDN serves
// no builds at all.
func (p *Probe) FindLatestBase(ctx context.Context) (*PatchInfo, error) {
	ok, err := p.exists(ctx, p.PatchURL(0, 1))
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, nil
	}

	lo, hi := uint64(1), p.maxSearch
	// Invariant: 0/lo.pwr exists.
	for lo < hi {
		mid := lo + (hi-lo+1)/2
		ok, err := p.exists(ctx, p.PatchURL(0, mid))
		if err != nil {
			return nil, err
		}
		if ok {
			lo = mid
		} else {
			hi = mid - 1
		}
	}

	p.log.Debug().Uint64("build", lo).Msg("latest base located")
	return &PatchInfo{FromBuild: 0, ToBuild: lo, URL: p.PatchURL(0, lo), IsFull: true}, nil
}

// exists probes url without downloading its body: HEAD first, and on
// any HEAD failure a GET restricted to the first byte. Any 2xx is
// success, everything else is absence.
func (p *Probe) exists(ctx context.Context, url string) (bool, error) {
	probeCtx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	ok, headErr := p.probeOnce(probeCtx, http.MethodHead, url, false)
	if headErr == nil {
		return ok, nil
	}
	if ctx.Err() != nil {
		return false, headErr
	}

	getCtx, cancelGet := context.WithTimeout(ctx, probeTimeout)
	defer cancelGet()
	ok, err := p.probeOnce(getCtx, http.MethodGet, url, true)
	if err != nil {
		if ctx.Err() != nil {
			return false, err
		}
		// Unreachable counts as absent; discovery degrades rather
		// than failing the whole update.
		p.log.Debug().Err(err).Str("url", url).Msg("probe failed")
		return false, nil
	}
	return ok, nil
}

func (p *Probe) probeOnce(ctx context.Context, method, url string, ranged bool) (bool, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, nil)
	if err != nil {
		return false, err
	}
	if ranged {
		req.Header.Set("Range", "bytes=0-0")
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return false, err
	}
	defer resp.Body.Close()

	if method == http.MethodHead && resp.StatusCode == http.StatusMethodNotAllowed {
		// Some edges refuse HEAD outright; let the GET fallback decide.
		return false, fmt.Errorf("probe %s: HEAD not allowed", url)
	}
	return resp.StatusCode >= 200 && resp.StatusCode < 300, nil
}
