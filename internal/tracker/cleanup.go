package tracker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/token"
)

// ErrCleanupRunning is returned when a cleanup transaction is already in
// flight.
var ErrCleanupRunning = errors.New("tracker: cleanup already running")

// ErrCleanupHalted is returned when emergency state blocks cleanup.
var ErrCleanupHalted = errors.New("tracker: cleanup halted")

const cleanupWriteTimeout = 5 * time.Second

// candidate is one phase-1 evaluation result carried into phase 2.
type candidate struct {
	mint    string
	reason  token.CleanupReason
	details string
}

type cleanupOptions struct {
	maxPct     float64
	honorFloor bool
	bypassHold bool // ignore pause/disable flags (forced run)
}

// RunCleanup executes one timer-driven cleanup transaction.
func (t *Tracker) RunCleanup() (token.CleanupMetrics, error) {
	return t.runCleanup(cleanupOptions{
		maxPct:     t.cfg.MaxCleanupPercentage,
		honorFloor: true,
	})
}

// ForceCleanup runs one immediate transaction with the percentage cap
// overridden (at most 0.5). It bypasses the pause flags and the
// population floor but still honors whitelists and the grace period.
func (t *Tracker) ForceCleanup(pct float64, reason string) (token.CleanupMetrics, error) {
	if pct <= 0 || pct > 0.5 {
		return token.CleanupMetrics{}, fmt.Errorf("force cleanup percentage must be in (0, 0.5], got %g", pct)
	}

	t.mu.RLock()
	stopped := t.emergency.stopped
	t.mu.RUnlock()
	if stopped {
		return token.CleanupMetrics{}, ErrCleanupHalted
	}

	log.Warn().Float64("percentage", pct).Str("reason", reason).Msg("Forced cleanup requested")
	m, err := t.runCleanup(cleanupOptions{maxPct: pct, bypassHold: true})
	if err == nil {
		t.publish(bus.TopicEmergencyCleanupCompleted, m)
	}
	return m, err
}

func (t *Tracker) runCleanup(opts cleanupOptions) (token.CleanupMetrics, error) {
	if !t.cleanupMu.TryLock() {
		return token.CleanupMetrics{}, ErrCleanupRunning
	}
	defer t.cleanupMu.Unlock()

	if !opts.bypassHold {
		t.mu.RLock()
		halted := t.emergency.stopped || t.emergency.paused || t.emergency.disableAllCleanup
		t.mu.RUnlock()
		if halted {
			return token.CleanupMetrics{}, ErrCleanupHalted
		}
	}

	start := t.now()
	if t.metrics != nil {
		t.metrics.CleanupCycles.Inc()
	}

	var (
		m      token.CleanupMetrics
		tagged []string
	)

	// The evaluation guard must be released on every exit path,
	// exceptional ones included.
	defer func() {
		t.mu.Lock()
		for _, mint := range tagged {
			if h, ok := t.health[mint]; ok {
				h.IsBeingEvaluated = false
			}
		}
		t.cleanupCycles++
		t.lastCleanup = t.now()
		t.mu.Unlock()
	}()

	candidates, trackedBefore := t.evaluatePhase(opts, &m, &tagged)

	removed := t.executePhase(candidates, trackedBefore, opts, &m)
	m.ActuallyRemoved = removed
	m.ExecutionTimeMs = time.Since(start).Milliseconds()
	m.Timestamp = t.now()

	if t.metrics != nil {
		t.metrics.CleanupDuration.Observe(time.Since(start).Seconds())
	}

	if m.TotalEvaluated > 0 {
		ctx, cancel := context.WithTimeout(context.Background(), cleanupWriteTimeout)
		if err := t.sink.WriteCleanupMetrics(ctx, m); err != nil {
			log.Warn().Err(err).Msg("Failed to persist cleanup metrics")
		}
		cancel()
		t.publish(bus.TopicCleanupMetrics, m)
		log.Info().Int("evaluated", m.TotalEvaluated).Int("removed", m.ActuallyRemoved).
			Int("saved_by_whitelist", m.SavedByWhitelist).
			Int("saved_by_grace", m.SavedByGracePeriod).
			Int("saved_by_limit", m.SavedByLimit).
			Int64("execution_ms", m.ExecutionTimeMs).Msg("Cleanup cycle completed")
	}
	return m, nil
}

// evaluatePhase is phase 1: tag every candidate with the evaluation
// guard and re-derive its removal reason. Read-only with respect to the
// population; the only mutation is the guard flag.
func (t *Tracker) evaluatePhase(opts cleanupOptions, m *token.CleanupMetrics, tagged *[]string) ([]candidate, int) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	trackedBefore := len(t.current)
	if opts.honorFloor && trackedBefore <= t.effectiveMinTokensLocked() {
		return nil, trackedBefore
	}

	// Index membership decays between writes; a token that stopped
	// trading never reindexes itself. Refresh against the current clock
	// before collecting candidates.
	for mint := range t.current {
		t.reindex(mint, now)
	}

	set := make(map[string]struct{})
	for mint := range t.indices.ruggedCandidates {
		set[mint] = struct{}{}
	}
	for mint := range t.indices.inactive {
		set[mint] = struct{}{}
	}
	for mint := range t.indices.lowVolume {
		set[mint] = struct{}{}
	}

	var candidates []candidate
	for mint := range set {
		h, ok := t.health[mint]
		if !ok {
			continue
		}
		snapshot, ok := t.current[mint]
		if !ok {
			continue
		}

		h.IsBeingEvaluated = true
		*tagged = append(*tagged, mint)
		m.TotalEvaluated++

		if h.IsWhitelisted || t.emergency.whitelisted(mint) {
			m.SavedByWhitelist++
			continue
		}
		if now.Sub(h.FirstSeenTime) < t.cfg.GracePeriod {
			m.SavedByGracePeriod++
			continue
		}

		reason, details, ok := t.deriveReason(snapshot, h, now)
		if !ok {
			continue
		}
		switch reason {
		case token.ReasonRugged:
			m.RuggedDetected++
		case token.ReasonInactive:
			m.InactiveDetected++
		case token.ReasonLowVolume:
			m.LowVolumeDetected++
		}
		candidates = append(candidates, candidate{mint: mint, reason: reason, details: details})
	}
	return candidates, trackedBefore
}

// executePhase is phase 2: apply the per-cycle limit and the population
// floor, re-check each candidate against its current snapshot, and
// untrack survivors of the re-check.
func (t *Tracker) executePhase(candidates []candidate, trackedBefore int, opts cleanupOptions, m *token.CleanupMetrics) int {
	if len(candidates) == 0 {
		return 0
	}

	limit := int(float64(trackedBefore) * opts.maxPct)
	if opts.bypassHold {
		// A forced run must be able to act on tiny populations.
		limit = int(math.Ceil(float64(trackedBefore) * opts.maxPct))
	}
	removed := 0

	for _, c := range candidates {
		if removed >= limit {
			m.SavedByLimit++
			continue
		}

		ev, ok := t.untrack(c, opts)
		if !ok {
			if ev.Reason == reasonFloor {
				m.SavedByLimit++
			}
			continue
		}
		removed++
		t.afterUntrack(ev)
	}
	return removed
}

// reasonFloor marks a phase-2 skip caused by the population floor.
const reasonFloor = token.CleanupReason("floor")

// untrack re-checks c under the write lock and, when still warranted,
// removes the mint from every tracker structure. The returned event is
// only valid when ok is true.
func (t *Tracker) untrack(c candidate, opts cleanupOptions) (token.CleanupEvent, bool) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	if opts.honorFloor && len(t.current)-1 <= t.effectiveMinTokensLocked() {
		return token.CleanupEvent{Reason: reasonFloor}, false
	}

	snapshot, ok := t.current[c.mint]
	if !ok {
		return token.CleanupEvent{}, false
	}
	h, ok := t.health[c.mint]
	if !ok {
		return token.CleanupEvent{}, false
	}

	// The condition may have cleared between phases.
	reason, details, still := t.deriveReason(snapshot, h, now)
	if !still {
		return token.CleanupEvent{}, false
	}
	if reason != c.reason {
		c.reason, c.details = reason, details
	}

	ev := token.CleanupEvent{
		Mint:            c.mint,
		Symbol:          snapshot.Symbol,
		Platform:        snapshot.Platform,
		Reason:          c.reason,
		Details:         c.details,
		FinalPrice:      snapshot.Price,
		FinalVolume:     snapshot.Volume24h,
		FinalLiquidity:  snapshot.Liquidity,
		FinalMarketCap:  snapshot.MarketCap,
		PeakPrice:       h.PeakPrice,
		PeakVolume:      h.PeakVolume24h,
		TrackedDuration: now.Sub(h.FirstSeenTime),
		TotalTrades:     t.tradeCounts[c.mint],
		Timestamp:       now,
	}

	delete(t.current, c.mint)
	delete(t.health, c.mint)
	delete(t.history, c.mint)
	delete(t.tradeCounts, c.mint)
	t.indices.drop(c.mint)
	t.removeAlertsFor(c.mint)
	t.removeTrendsFor(c.mint)

	t.totalRemoved++
	t.removedBy[string(c.reason)]++
	t.updateGauges()
	return ev, true
}

// afterUntrack performs the suspension-point work that must not hold the
// write lock: best-effort persistence and event emission. The in-memory
// removal is already authoritative.
func (t *Tracker) afterUntrack(ev token.CleanupEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), cleanupWriteTimeout)
	if err := t.sink.WriteCleanupEvent(ctx, ev); err != nil {
		log.Warn().Err(err).Str("mint", ev.Mint).Msg("Failed to persist cleanup event")
	}
	cancel()

	if t.metrics != nil {
		t.metrics.TokensRemoved.WithLabelValues(string(ev.Reason)).Inc()
	}
	log.Info().Str("mint", ev.Mint).Str("symbol", ev.Symbol).
		Str("reason", string(ev.Reason)).Str("details", ev.Details).
		Msg("Token untracked")

	t.publish(bus.TopicTokenCleanedUp, CleanedUpEvent{
		Mint:     ev.Mint,
		Symbol:   ev.Symbol,
		Platform: ev.Platform,
		Reason:   ev.Reason,
		Details:  ev.Details,
	})
}

// deriveReason applies the authoritative detection rules in precedence
// order: rugged, then inactive, then low-volume. Caller holds the lock.
func (t *Tracker) deriveReason(snapshot token.Snapshot, h *token.Health, now time.Time) (token.CleanupReason, string, bool) {
	if h.PeakPrice > 0 {
		priceDrop := (h.PeakPrice - snapshot.Price) / h.PeakPrice
		if priceDrop >= t.cfg.RugPriceDrop {
			return token.ReasonRugged,
				fmt.Sprintf("Price dropped %.2f%% from peak", priceDrop*100), true
		}
	}
	if h.CurrentLiquidity < t.cfg.LiquidityThreshold {
		return token.ReasonRugged,
			fmt.Sprintf("Liquidity $%.2f below $%.2f threshold", h.CurrentLiquidity, t.cfg.LiquidityThreshold), true
	}
	if h.PeakVolume24h > 0 {
		volumeDrop := (h.PeakVolume24h - snapshot.Volume24h) / h.PeakVolume24h
		if volumeDrop >= t.cfg.RugVolumeDrop {
			return token.ReasonRugged,
				fmt.Sprintf("Volume dropped %.2f%% from peak", volumeDrop*100), true
		}
	}

	if sinceTrade := now.Sub(h.LastTradeTime); sinceTrade > t.cfg.InactivityThreshold {
		return token.ReasonInactive,
			fmt.Sprintf("No trades for %d minutes", int(sinceTrade.Minutes())), true
	}

	if snapshot.Volume24h < t.cfg.MinVolume24h &&
		h.ConsecutiveZeroVolumePeriods >= t.cfg.ConsecutiveZeroVolumePeriods {
		return token.ReasonLowVolume,
			fmt.Sprintf("Volume %.2f below %.2f for %d consecutive periods",
				snapshot.Volume24h, t.cfg.MinVolume24h, h.ConsecutiveZeroVolumePeriods), true
	}

	return "", "", false
}

func (t *Tracker) effectiveMinTokensLocked() int {
	min := t.cfg.MinTokensToKeep
	if t.emergency.forceMinimumTokens {
		min *= 2
	}
	return min
}
