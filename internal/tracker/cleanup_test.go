package tracker

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/token"
)

// seedKeepers installs n healthy tokens so removals stay clear of the
// population floor.
func (f *fixture) seedKeepers(n int) {
	for i := 0; i < n; i++ {
		f.track(fmt.Sprintf("keeper%d", i), 1, 100, 1000)
	}
}

// refreshKeepers gives every keeper a fresh trade so they never become
// cleanup candidates themselves.
func (f *fixture) refreshKeepers(n int) {
	for i := 0; i < n; i++ {
		f.tracker.RecordTrade(token.Trade{Mint: fmt.Sprintf("keeper%d", i), Side: token.SideBuy})
	}
}

func TestCleanup_GracePeriodProtects(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	// Brand new token with every failure signal lit: zero liquidity,
	// zero volume.
	f.track("A", 1, 0, 0)
	f.seedKeepers(2)
	f.clock.Advance(5 * time.Minute)
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	assert.Equal(t, 3, f.tracker.Count())
	assert.Zero(t, m.ActuallyRemoved)
	assert.Empty(t, f.store.CleanupEvents())
}

func TestCleanup_RuggedByPriceViaForce(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	cleaned := f.bus.Subscribe(bus.TopicTokenCleanedUp)

	f.track("A", 1, 100, 1000)
	f.clock.Advance(time.Hour + time.Second)
	f.track("A", 0.04, 100, 1000) // 96% drop from peak

	// A single tracked token sits below the population floor; only the
	// forced path may remove it.
	m, err := f.tracker.ForceCleanup(0.5, "test")
	require.NoError(t, err)

	assert.Equal(t, 1, m.ActuallyRemoved)
	assert.Equal(t, 1, m.RuggedDetected)
	assert.Zero(t, f.tracker.Count())

	events := f.store.CleanupEvents()
	require.Len(t, events, 1)
	assert.Equal(t, "A", events[0].Mint)
	assert.Equal(t, token.ReasonRugged, events[0].Reason)
	assert.Equal(t, "Price dropped 96.00% from peak", events[0].Details)
	assert.Equal(t, 0.04, events[0].FinalPrice)
	assert.Equal(t, 1.0, events[0].PeakPrice)

	// Exactly one cleaned-up notification for the composition root to
	// route into the feed unsubscribe.
	msg := <-cleaned.C
	ev, ok := msg.Payload.(CleanedUpEvent)
	require.True(t, ok)
	assert.Equal(t, "A", ev.Mint)
	select {
	case extra := <-cleaned.C:
		t.Fatalf("duplicate cleanup notification: %+v", extra.Payload)
	default:
	}
}

func TestCleanup_Inactive(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)

	// Age everything past grace; A last trades 65 minutes before the
	// cleanup cycle.
	f.clock.Advance(55 * time.Minute)
	f.track("A", 1, 100, 1000)
	f.clock.Advance(65 * time.Minute)
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	assert.Equal(t, 1, m.ActuallyRemoved)
	assert.Equal(t, 1, m.InactiveDetected)
	events := f.store.CleanupEvents()
	require.Len(t, events, 1)
	assert.Equal(t, token.ReasonInactive, events[0].Reason)
	assert.Equal(t, "No trades for 65 minutes", events[0].Details)

	assert.Equal(t, 2, f.tracker.Count())
}

func TestCleanup_LowVolumeAfterThreePeriods(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	f.clock.Advance(31 * time.Minute) // past grace

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.track("A", 1, 5, 1000)
	}
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	assert.Equal(t, 1, m.ActuallyRemoved)
	assert.Equal(t, 1, m.LowVolumeDetected)
	events := f.store.CleanupEvents()
	require.Len(t, events, 1)
	assert.Equal(t, token.ReasonLowVolume, events[0].Reason)
}

func TestCleanup_VolumeRecoveryResetsCounter(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	f.clock.Advance(31 * time.Minute)

	for i := 0; i < 3; i++ {
		f.clock.Advance(time.Minute)
		f.track("A", 1, 5, 1000)
	}
	// Recovery before the next cycle clears the streak.
	f.clock.Advance(time.Minute)
	f.track("A", 1, 15, 1000)
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	assert.Zero(t, m.ActuallyRemoved)
	assert.Empty(t, f.store.CleanupEvents())
	assert.Equal(t, 3, f.tracker.Count())
}

func TestCleanup_WhitelistOverridesEvenForced(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.Whitelist = []string{"A"}
	f := newFixture(t, cfg)

	f.track("A", 1, 100, 1000)
	f.clock.Advance(time.Hour + time.Second)
	f.track("A", 0.04, 100, 1000)

	m, err := f.tracker.ForceCleanup(0.5, "test")
	require.NoError(t, err)

	assert.Zero(t, m.ActuallyRemoved)
	assert.Equal(t, 1, m.SavedByWhitelist)
	assert.Equal(t, 1, f.tracker.Count())
	assert.Empty(t, f.store.CleanupEvents())
}

func TestCleanup_PerCycleCap(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.MaxCleanupPercentage = 0.10
	cfg.MinTokensToKeep = 5
	f := newFixture(t, cfg)

	for i := 0; i < 20; i++ {
		f.track(fmt.Sprintf("M%02d", i), 1, 100, 1000)
	}
	f.clock.Advance(time.Hour)
	for i := 0; i < 20; i++ {
		f.track(fmt.Sprintf("M%02d", i), 0.01, 100, 1000) // 99% drop, all rugged
	}

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	assert.Equal(t, 20, m.TotalEvaluated)
	assert.Equal(t, 20, m.RuggedDetected)
	assert.Equal(t, 2, m.ActuallyRemoved)
	assert.Equal(t, 18, m.SavedByLimit)
	assert.Equal(t, 18, f.tracker.Count())
	assert.Len(t, f.store.CleanupEvents(), 2)
}

func TestCleanup_FloorBeatsCap(t *testing.T) {
	cfg := testTrackerConfig()
	cfg.MaxCleanupPercentage = 0.10
	cfg.MinTokensToKeep = 100
	f := newFixture(t, cfg)

	for i := 0; i < 101; i++ {
		f.track(fmt.Sprintf("M%03d", i), 1, 100, 1000)
	}
	f.clock.Advance(time.Hour)
	f.track("M000", 0.01, 100, 1000) // one rugged candidate
	for i := 1; i < 101; i++ {
		f.track(fmt.Sprintf("M%03d", i), 1, 100, 1000)
	}

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	// Removing even one token would land exactly on the floor; the
	// floor wins over the ⌊101·0.1⌋ = 10 cap.
	assert.Zero(t, m.ActuallyRemoved)
	assert.Equal(t, 101, f.tracker.Count())
}

func TestCleanup_ExactRugDropCounts(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	f.clock.Advance(time.Hour)
	f.track("A", 0.05, 100, 1000) // exactly RUG_PRICE_DROP = 0.95
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActuallyRemoved)
	assert.Equal(t, "Price dropped 95.00% from peak", f.store.CleanupEvents()[0].Details)
}

func TestCleanup_LiquidityRug(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	f.clock.Advance(time.Hour)
	f.track("A", 1, 100, 50) // below the 100 liquidity threshold
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)
	assert.Equal(t, 1, m.ActuallyRemoved)
	events := f.store.CleanupEvents()
	require.Len(t, events, 1)
	assert.Equal(t, token.ReasonRugged, events[0].Reason)
	assert.Contains(t, events[0].Details, "Liquidity")
}

func TestCleanup_RemovalClearsAllState(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	_, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertThreshold, Condition: token.ConditionAbove, Value: 10,
	})
	require.NoError(t, err)
	f.tracker.SetTrend(token.Trend{Mint: "A", Window: token.Window1h, Direction: token.TrendUp})

	f.clock.Advance(time.Hour)
	f.track("A", 0.01, 100, 1000)
	f.refreshKeepers(2)

	_, err = f.tracker.RunCleanup()
	require.NoError(t, err)

	_, tracked := f.tracker.GetSnapshot("A")
	assert.False(t, tracked)
	_, hasHealth := f.tracker.GetHealth("A")
	assert.False(t, hasHealth)
	assert.Empty(t, f.tracker.GetHistory("A", 0))
	assert.Empty(t, f.tracker.GetAlerts())
	_, hasTrend := f.tracker.GetTrend("A", token.Window1h)
	assert.False(t, hasTrend)

	stats := f.tracker.Stats()
	assert.Equal(t, uint64(1), stats.TotalRemoved)
	assert.Equal(t, 1, stats.RemovedByReason["rugged"])
}

func TestCleanup_MetricsWrittenWhenCandidatesEvaluated(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	f.clock.Advance(time.Hour)
	f.track("A", 0.01, 100, 1000)
	f.refreshKeepers(2)

	_, err := f.tracker.RunCleanup()
	require.NoError(t, err)
	require.Len(t, f.store.CleanupMetrics(), 1)
	assert.Equal(t, 1, f.store.CleanupMetrics()[0].ActuallyRemoved)

	// A quiet cycle writes nothing.
	_, err = f.tracker.RunCleanup()
	require.NoError(t, err)
	assert.Len(t, f.store.CleanupMetrics(), 1)
}

func TestCleanup_EvaluationGuardClearedOnSurvivors(t *testing.T) {
	cfg := testTrackerConfig() // cap 0.5 → at most 1 of 3 removed
	f := newFixture(t, cfg)

	f.track("A", 1, 100, 1000)
	f.track("B", 1, 100, 1000)
	f.seedKeepers(1)
	f.clock.Advance(time.Hour)
	f.track("A", 0.01, 100, 1000)
	f.track("B", 0.01, 100, 1000)
	f.refreshKeepers(1)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)
	require.Equal(t, 1, m.ActuallyRemoved)
	require.Equal(t, 1, m.SavedByLimit)

	// The candidate spared by the cap must have its guard released.
	assert.Equal(t, 2, f.tracker.Count())
	for _, snap := range f.tracker.GetAll() {
		h, ok := f.tracker.GetHealth(snap.Mint)
		require.True(t, ok)
		assert.False(t, h.IsBeingEvaluated, "guard leaked on %s", snap.Mint)
	}
}

func TestCleanup_SinkFailureDoesNotBlockRemoval(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	f.store.SetFailWrites(true)

	f.track("A", 1, 100, 1000)
	f.seedKeepers(2)
	f.clock.Advance(time.Hour)
	f.track("A", 0.01, 100, 1000)
	f.refreshKeepers(2)

	m, err := f.tracker.RunCleanup()
	require.NoError(t, err)

	// In-memory removal is authoritative even when persistence fails:
	// neither the audit record nor the cycle aggregate landed, yet the
	// token is gone.
	assert.Equal(t, 1, m.ActuallyRemoved)
	_, tracked := f.tracker.GetSnapshot("A")
	assert.False(t, tracked)
	assert.Empty(t, f.store.CleanupEvents())
	assert.Empty(t, f.store.CleanupMetrics())
}

func TestForceCleanup_RejectsBadPercentage(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	_, err := f.tracker.ForceCleanup(0, "test")
	assert.Error(t, err)
	_, err = f.tracker.ForceCleanup(0.6, "test")
	assert.Error(t, err)
}

func TestCleanup_ConcurrentRunRefused(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	f.tracker.cleanupMu.Lock()
	_, err := f.tracker.RunCleanup()
	f.tracker.cleanupMu.Unlock()
	assert.ErrorIs(t, err, ErrCleanupRunning)
}
