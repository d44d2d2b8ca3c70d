package tracker

import (
	"time"

	"github.com/mintwatch/mintwatch/internal/token"
)

// indexSet holds the five derived indices over the tracked population.
// A mint appears in at most one of {newTokens, recentlyActive};
// newTokens membership suppresses the failure indices entirely.
type indexSet struct {
	newTokens        map[string]struct{}
	recentlyActive   map[string]struct{}
	inactive         map[string]struct{}
	lowVolume        map[string]struct{}
	ruggedCandidates map[string]struct{}
}

func newIndexSet() indexSet {
	return indexSet{
		newTokens:        make(map[string]struct{}),
		recentlyActive:   make(map[string]struct{}),
		inactive:         make(map[string]struct{}),
		lowVolume:        make(map[string]struct{}),
		ruggedCandidates: make(map[string]struct{}),
	}
}

func (s *indexSet) drop(mint string) {
	delete(s.newTokens, mint)
	delete(s.recentlyActive, mint)
	delete(s.inactive, mint)
	delete(s.lowVolume, mint)
	delete(s.ruggedCandidates, mint)
}

// reindex recomputes index membership for mint. Caller holds the write
// lock.
func (t *Tracker) reindex(mint string, now time.Time) {
	t.indices.drop(mint)

	snapshot, ok := t.current[mint]
	if !ok {
		return
	}
	h, ok := t.health[mint]
	if !ok {
		return
	}

	if now.Sub(h.FirstSeenTime) < t.cfg.GracePeriod {
		t.indices.newTokens[mint] = struct{}{}
		return
	}

	sinceTrade := now.Sub(h.LastTradeTime)
	if sinceTrade < t.cfg.InactivityThreshold/2 {
		t.indices.recentlyActive[mint] = struct{}{}
	}
	if sinceTrade > t.cfg.InactivityThreshold {
		t.indices.inactive[mint] = struct{}{}
	}
	if snapshot.Volume24h < t.cfg.MinVolume24h &&
		h.ConsecutiveZeroVolumePeriods >= t.cfg.ConsecutiveZeroVolumePeriods {
		t.indices.lowVolume[mint] = struct{}{}
	}
	if t.isRuggedCandidate(snapshot, h) {
		t.indices.ruggedCandidates[mint] = struct{}{}
	}
}

// isRuggedCandidate applies the rug detection rules: liquidity floor,
// price collapse from peak, or volume collapse from peak.
func (t *Tracker) isRuggedCandidate(snapshot token.Snapshot, h *token.Health) bool {
	if h.CurrentLiquidity < t.cfg.LiquidityThreshold {
		return true
	}
	if h.PeakPrice > 0 {
		priceDrop := (h.PeakPrice - snapshot.Price) / h.PeakPrice
		if priceDrop >= t.cfg.RugPriceDrop {
			return true
		}
	}
	if h.PeakVolume24h > 0 {
		volumeDrop := (h.PeakVolume24h - snapshot.Volume24h) / h.PeakVolume24h
		if volumeDrop >= t.cfg.RugVolumeDrop {
			return true
		}
	}
	return false
}
