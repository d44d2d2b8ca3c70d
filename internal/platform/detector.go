// Package platform maps mint identifiers to their launch platform. The
// fast path is a mint-suffix rule; an optional authoritative lookup
// resolves the creating program id, with a bounded retry queue for mints
// neither path can settle immediately.
package platform

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"

	"github.com/mintwatch/mintwatch/internal/metrics"
	"github.com/mintwatch/mintwatch/internal/token"
)

// Lookup resolves the program id that created a mint and maps it to a
// platform. Implementations call external directories and may be slow.
type Lookup interface {
	Resolve(ctx context.Context, mint string) (token.Detection, error)
}

// suffixRules maps mint suffixes to platforms. Highest-priority detection
// path; no external call.
var suffixRules = []struct {
	suffix   string
	platform token.Platform
}{
	{"pump", token.PlatformPumpFun},
	{"bonk", token.PlatformBonk},
	{"moon", token.PlatformMoonshot},
}

// Config tunes the detector.
type Config struct {
	CacheTTL         time.Duration
	FallbackPlatform token.Platform
	LookupRPS        float64
}

// Detector classifies mints. Safe for concurrent use; verdicts are
// memoized in the injected cache.
type Detector struct {
	cfg     Config
	cache   Cache
	lookup  Lookup
	limiter *rate.Limiter
	metrics *metrics.Registry

	retry *retryQueue

	mu     sync.Mutex
	closed bool
}

// Option customizes a Detector.
type Option func(*Detector)

// WithLookup installs the authoritative program-id lookup.
func WithLookup(l Lookup) Option {
	return func(d *Detector) { d.lookup = l }
}

// WithMetrics installs a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(d *Detector) { d.metrics = m }
}

// NewDetector creates a detector backed by cache.
func NewDetector(cfg Config, cache Cache, opts ...Option) *Detector {
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 24 * time.Hour
	}
	if cfg.LookupRPS <= 0 {
		cfg.LookupRPS = 5
	}
	if cache == nil {
		cache = NewMemoryCache(0)
	}
	d := &Detector{
		cfg:     cfg,
		cache:   cache,
		limiter: rate.NewLimiter(rate.Limit(cfg.LookupRPS), 1),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.retry = newRetryQueue(d)
	return d
}

// Detect classifies mint. It never blocks beyond the authoritative lookup
// and its rate limit; callers that cannot wait should use DetectAsync.
func (d *Detector) Detect(ctx context.Context, mint string) token.Detection {
	if det, ok := d.cache.Get(mint); ok {
		return det
	}

	if det, ok := d.detectBySuffix(mint); ok {
		d.cache.Set(mint, det, d.cfg.CacheTTL)
		d.countLookup(det.Method)
		return det
	}

	if d.lookup != nil {
		if det, ok := d.detectByProgram(ctx, mint); ok {
			d.cache.Set(mint, det, d.cfg.CacheTTL)
			d.countLookup(det.Method)
			return det
		}
	}

	det := d.fallback()
	d.countLookup(token.MethodFallback)
	// Fallback verdicts are not cached: a later retry may settle the mint.
	return det
}

// DetectAsync classifies mint without waiting on the authoritative path.
// If the suffix rule misses it returns a provisional verdict immediately
// and enqueues the mint for background resolution; resolved is invoked
// from the retry worker when (and if) a concrete platform is found.
func (d *Detector) DetectAsync(mint string, resolved func(string, token.Detection)) token.Detection {
	if det, ok := d.cache.Get(mint); ok {
		return det
	}
	if det, ok := d.detectBySuffix(mint); ok {
		d.cache.Set(mint, det, d.cfg.CacheTTL)
		d.countLookup(det.Method)
		return det
	}
	if d.lookup != nil {
		d.retry.enqueue(mint, resolved)
	}
	d.countLookup(token.MethodFallback)
	return d.fallback()
}

func (d *Detector) detectBySuffix(mint string) (token.Detection, bool) {
	lower := strings.ToLower(mint)
	for _, rule := range suffixRules {
		if strings.HasSuffix(lower, rule.suffix) {
			return token.Detection{
				Platform:   rule.platform,
				Confidence: 0.99,
				Method:     token.MethodMintPattern,
			}, true
		}
	}
	return token.Detection{}, false
}

func (d *Detector) detectByProgram(ctx context.Context, mint string) (token.Detection, bool) {
	if err := d.limiter.Wait(ctx); err != nil {
		return token.Detection{}, false
	}
	det, err := d.lookup.Resolve(ctx, mint)
	if err != nil {
		log.Debug().Err(err).Str("mint", mint).Msg("Program id lookup failed")
		return token.Detection{}, false
	}
	if !det.Platform.Known() || det.Confidence < 0.95 {
		return token.Detection{}, false
	}
	det.Method = token.MethodProgramID
	return det, true
}

func (d *Detector) fallback() token.Detection {
	if d.cfg.FallbackPlatform.Known() {
		return token.Detection{
			Platform:   d.cfg.FallbackPlatform,
			Confidence: 0,
			Method:     token.MethodFallback,
		}
	}
	return token.Detection{
		Platform:   token.PlatformUnknown,
		Confidence: 0,
		Method:     token.MethodFallback,
	}
}

func (d *Detector) countLookup(method token.DetectionMethod) {
	if d.metrics != nil {
		d.metrics.DetectorLookups.WithLabelValues(string(method)).Inc()
	}
}

// ClearCache drops every memoized verdict.
func (d *Detector) ClearCache() {
	d.cache.Clear()
}

// Shutdown stops the retry worker. Idempotent.
func (d *Detector) Shutdown() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return
	}
	d.closed = true
	d.retry.stop()
}
