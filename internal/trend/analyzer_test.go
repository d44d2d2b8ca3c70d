package trend

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/mintwatch/internal/config"
	"github.com/mintwatch/mintwatch/internal/sink/memory"
	"github.com/mintwatch/mintwatch/internal/token"
)

var trendBase = time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)

type fakePopulation struct {
	mu        sync.Mutex
	snapshots []token.Snapshot
	emitted   []token.Trend
}

func (p *fakePopulation) GetAll() []token.Snapshot {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]token.Snapshot(nil), p.snapshots...)
}

func (p *fakePopulation) SetTrend(tr token.Trend) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitted = append(p.emitted, tr)
}

func (p *fakePopulation) forWindow(w token.TrendWindow) []token.Trend {
	p.mu.Lock()
	defer p.mu.Unlock()
	var out []token.Trend
	for _, tr := range p.emitted {
		if tr.Window == w {
			out = append(out, tr)
		}
	}
	return out
}

func (p *fakePopulation) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.emitted = nil
}

type trendFixture struct {
	analyzer   *Analyzer
	store      *memory.Store
	population *fakePopulation
}

func newTrendFixture(mints ...string) *trendFixture {
	pop := &fakePopulation{}
	for _, mint := range mints {
		pop.snapshots = append(pop.snapshots, token.Snapshot{
			Mint: mint, Symbol: "TST", Platform: token.PlatformPumpFun,
		})
	}
	store := memory.New()
	a := New(config.AnalyzerConfig{Interval: time.Hour}, store, pop,
		WithClock(func() time.Time { return trendBase }))
	return &trendFixture{analyzer: a, store: store, population: pop}
}

// seedRamp writes one price point per 5-minute bucket across the last
// hour, moving linearly from start to end.
func (f *trendFixture) seedRamp(mint string, start, end float64) {
	const steps = 12
	for i := 0; i <= steps; i++ {
		price := start + (end-start)*float64(i)/steps
		f.store.AddPricePoints(token.PricePoint{
			Mint:      mint,
			Platform:  token.PlatformPumpFun,
			Price:     price,
			Volume:    100,
			Timestamp: trendBase.Add(-time.Hour + time.Duration(i)*5*time.Minute),
		})
	}
}

func TestAnalyzer_StrongUptrend(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.0, 1.3) // +30%, smooth

	f.analyzer.RunOnce(context.Background())

	trends := f.population.forWindow(token.Window1h)
	require.Len(t, trends, 1)
	tr := trends[0]
	assert.Equal(t, token.TrendUp, tr.Direction)
	assert.Equal(t, token.StrengthStrong, tr.Strength)
	assert.InDelta(t, 30, tr.ChangePercent, 0.01)
	assert.Equal(t, 1.0, tr.StartPrice)
	assert.Equal(t, 1.3, tr.EndPrice)
	// 13 buckets of 20 → coverage 0.65, full density → (0.65+1)/2.
	assert.InDelta(t, 0.825, tr.Confidence, 0.001)
	assert.Equal(t, 1300.0, tr.Volume)
}

func TestAnalyzer_StrongDowntrend(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.3, 1.0) // -23%

	f.analyzer.RunOnce(context.Background())

	trends := f.population.forWindow(token.Window1h)
	require.Len(t, trends, 1)
	assert.Equal(t, token.TrendDown, trends[0].Direction)
	assert.Equal(t, token.StrengthStrong, trends[0].Strength)
}

func TestAnalyzer_ModerateTrend(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.0, 1.15) // +15%

	f.analyzer.RunOnce(context.Background())

	trends := f.population.forWindow(token.Window1h)
	require.Len(t, trends, 1)
	assert.Equal(t, token.TrendUp, trends[0].Direction)
	assert.Equal(t, token.StrengthModerate, trends[0].Strength)
}

func TestAnalyzer_SidewaysInsideBand(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.0, 1.01) // +1%, inside the ±2% band

	f.analyzer.RunOnce(context.Background())

	trends := f.population.forWindow(token.Window1h)
	require.Len(t, trends, 1)
	assert.Equal(t, token.TrendSideways, trends[0].Direction)
	assert.Equal(t, token.StrengthWeak, trends[0].Strength)
}

func TestAnalyzer_ChoppyBigMoveIsNotStrong(t *testing.T) {
	f := newTrendFixture("A")
	// +30% net but violently alternating between halves and doubles.
	prices := []float64{1, 2, 0.9, 1.9, 0.8, 1.8, 0.9, 2.0, 1.0, 2.1, 1.1, 2.2, 1.3}
	for i, price := range prices {
		f.store.AddPricePoints(token.PricePoint{
			Mint: "A", Platform: token.PlatformPumpFun, Price: price, Volume: 100,
			Timestamp: trendBase.Add(-time.Hour + time.Duration(i)*5*time.Minute),
		})
	}

	f.analyzer.RunOnce(context.Background())

	trends := f.population.forWindow(token.Window1h)
	require.Len(t, trends, 1)
	assert.Equal(t, token.TrendUp, trends[0].Direction)
	assert.Equal(t, token.StrengthWeak, trends[0].Strength)
}

func TestAnalyzer_SingleBucketYieldsNothing(t *testing.T) {
	f := newTrendFixture("A")
	f.store.AddPricePoints(token.PricePoint{
		Mint: "A", Platform: token.PlatformPumpFun, Price: 1, Volume: 100,
		Timestamp: trendBase.Add(-time.Minute),
	})

	f.analyzer.RunOnce(context.Background())

	assert.Empty(t, f.population.emitted)
}

func TestAnalyzer_UnknownMintYieldsNothing(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("B", 1.0, 2.0) // history for an untracked mint

	f.analyzer.RunOnce(context.Background())

	assert.Empty(t, f.population.emitted)
}

func TestAnalyzer_RepeatPassesAreSuppressed(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.0, 1.3)

	f.analyzer.RunOnce(context.Background())
	first := len(f.population.emitted)
	require.Positive(t, first)

	// Identical data, identical clock: every window repeats exactly.
	f.population.reset()
	f.analyzer.RunOnce(context.Background())
	assert.Empty(t, f.population.emitted)
}

func TestAnalyzer_ForgetClearsEmissionMemory(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.0, 1.3)

	f.analyzer.RunOnce(context.Background())
	first := len(f.population.emitted)

	f.analyzer.Forget("A")
	f.population.reset()
	f.analyzer.RunOnce(context.Background())
	assert.Len(t, f.population.emitted, first)
}

func TestAnalyzer_MaterialMoveReEmits(t *testing.T) {
	f := newTrendFixture("A")
	f.seedRamp("A", 1.0, 1.3)
	f.analyzer.RunOnce(context.Background())
	f.population.reset()

	// Push the final bucket's mean far enough that the 1h change percent
	// moves by more than the 5-point re-emission threshold.
	f.store.AddPricePoints(token.PricePoint{
		Mint: "A", Platform: token.PlatformPumpFun, Price: 1.6, Volume: 100,
		Timestamp: trendBase,
	})

	f.analyzer.RunOnce(context.Background())
	trends := f.population.forWindow(token.Window1h)
	require.Len(t, trends, 1)
	// Final 5m bucket now averages (1.3+1.6)/2 = 1.45.
	assert.InDelta(t, 45, trends[0].ChangePercent, 0.01)
}

func TestAnalyzer_StartStop(t *testing.T) {
	f := newTrendFixture()
	f.analyzer.Start()
	f.analyzer.Stop()
}
