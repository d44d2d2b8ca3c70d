// Package trend periodically derives price trends for every tracked
// token from the sink's aggregated history.
package trend

import (
	"context"
	"math"
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/config"
	"github.com/mintwatch/mintwatch/internal/metrics"
	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
)

// Population is the tracker surface the analyzer consumes.
type Population interface {
	GetAll() []token.Snapshot
	SetTrend(token.Trend)
}

// Thresholds for direction and strength grading, in percent.
const (
	sidewaysBand      = 2.0
	strongChange      = 20.0
	moderateChange    = 10.0
	strongVolatility  = 0.1
	moderateVol       = 0.2
	emitDeltaPct      = 5.0
	confidenceBuckets = 20
	queryTimeout      = 10 * time.Second
)

// Analyzer computes per-window trends on a fixed interval.
type Analyzer struct {
	cfg        config.AnalyzerConfig
	sink       sink.Sink
	population Population
	metrics    *metrics.Registry
	now        func() time.Time

	mu          sync.Mutex
	lastEmitted map[string]token.Trend

	stopCh   chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// Option customizes an Analyzer.
type Option func(*Analyzer)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(a *Analyzer) { a.now = now }
}

// WithMetrics installs a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(a *Analyzer) { a.metrics = m }
}

// New builds an analyzer over the given sink and population.
func New(cfg config.AnalyzerConfig, s sink.Sink, p Population, opts ...Option) *Analyzer {
	a := &Analyzer{
		cfg:         cfg,
		sink:        s,
		population:  p,
		now:         time.Now,
		lastEmitted: make(map[string]token.Trend),
		stopCh:      make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Start launches the analysis loop.
func (a *Analyzer) Start() {
	go a.loop()
}

// Stop halts the loop and waits for the in-flight pass to finish.
func (a *Analyzer) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	<-a.done
}

func (a *Analyzer) loop() {
	defer close(a.done)
	ticker := time.NewTicker(a.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			a.RunOnce(context.Background())
		}
	}
}

// RunOnce performs one full analysis pass over the tracked population.
func (a *Analyzer) RunOnce(ctx context.Context) {
	start := a.now()
	emitted := 0
	for _, snapshot := range a.population.GetAll() {
		select {
		case <-a.stopCh:
			return
		default:
		}
		for _, window := range token.Windows() {
			trend, ok := a.analyze(ctx, snapshot, window)
			if !ok {
				continue
			}
			if a.shouldEmit(trend) {
				a.population.SetTrend(trend)
				emitted++
			}
		}
	}
	if emitted > 0 {
		log.Debug().Int("emitted", emitted).
			Dur("elapsed", time.Since(start)).Msg("Trend analysis pass completed")
	}
}

func (a *Analyzer) analyze(ctx context.Context, snapshot token.Snapshot, window token.TrendWindow) (token.Trend, bool) {
	now := a.now()
	tr := sink.TimeRange{From: now.Add(-window.Duration()), To: now}

	qctx, cancel := context.WithTimeout(ctx, queryTimeout)
	buckets, err := a.sink.QueryPriceHistory(qctx, snapshot.Mint, tr, window.Bucket(), sink.AggMean)
	cancel()
	if err != nil {
		log.Warn().Err(err).Str("mint", snapshot.Mint).Str("window", string(window)).
			Msg("Trend history query failed")
		return token.Trend{}, false
	}
	if len(buckets) < 2 {
		return token.Trend{}, false
	}

	startPrice := buckets[0].Price
	endPrice := buckets[len(buckets)-1].Price
	if startPrice <= 0 {
		return token.Trend{}, false
	}

	change := endPrice - startPrice
	changePct := change / startPrice * 100

	direction := token.TrendSideways
	switch {
	case changePct > sidewaysBand:
		direction = token.TrendUp
	case changePct < -sidewaysBand:
		direction = token.TrendDown
	}

	vol := returnVolatility(buckets)
	strength := token.StrengthWeak
	switch {
	case math.Abs(changePct) > strongChange && vol < strongVolatility:
		strength = token.StrengthStrong
	case math.Abs(changePct) > moderateChange && vol < moderateVol:
		strength = token.StrengthModerate
	}

	var totalVolume float64
	sparse := false
	for _, b := range buckets {
		totalVolume += b.Volume
		if b.Count <= 0 {
			sparse = true
		}
	}
	coverage := math.Min(float64(len(buckets))/confidenceBuckets, 1)
	density := 1.0
	if sparse {
		density = 0.5
	}

	return token.Trend{
		Mint:          snapshot.Mint,
		Symbol:        snapshot.Symbol,
		Platform:      snapshot.Platform,
		Window:        window,
		Direction:     direction,
		Strength:      strength,
		Change:        change,
		ChangePercent: changePct,
		Confidence:    (coverage + density) / 2,
		StartPrice:    startPrice,
		EndPrice:      endPrice,
		Volume:        totalVolume,
		Timestamp:     now,
	}, true
}

// shouldEmit suppresses repeats: a trend is published only when it is
// new for its (mint, window) key, its direction or strength changed, or
// its magnitude moved materially.
func (a *Analyzer) shouldEmit(trend token.Trend) bool {
	key := trend.Mint + ":" + string(trend.Window)

	a.mu.Lock()
	defer a.mu.Unlock()

	prev, seen := a.lastEmitted[key]
	if seen &&
		prev.Direction == trend.Direction &&
		prev.Strength == trend.Strength &&
		math.Abs(prev.ChangePercent-trend.ChangePercent) <= emitDeltaPct {
		return false
	}
	a.lastEmitted[key] = trend
	return true
}

// Forget drops the emission memory for a mint, so a re-tracked token
// starts fresh.
func (a *Analyzer) Forget(mint string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, window := range token.Windows() {
		delete(a.lastEmitted, mint+":"+string(window))
	}
}

// returnVolatility is the standard deviation of per-bucket returns.
func returnVolatility(buckets []sink.PriceBucket) float64 {
	var returns []float64
	for i := 1; i < len(buckets); i++ {
		if buckets[i-1].Price <= 0 {
			continue
		}
		returns = append(returns, (buckets[i].Price-buckets[i-1].Price)/buckets[i-1].Price)
	}
	if len(returns) == 0 {
		return 0
	}
	var mean float64
	for _, r := range returns {
		mean += r
	}
	mean /= float64(len(returns))
	var variance float64
	for _, r := range returns {
		variance += (r - mean) * (r - mean)
	}
	variance /= float64(len(returns))
	return math.Sqrt(variance)
}
