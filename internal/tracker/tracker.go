// Package tracker owns the in-memory token population: current
// snapshots, bounded price history, per-token health, alerts, derived
// indices, trends, and the cleanup protocol that decides whether a token
// stays tracked.
package tracker

import (
	"sync"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/config"
	"github.com/mintwatch/mintwatch/internal/metrics"
	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
)

// TrackedEvent is the payload published on tokenTracked.
type TrackedEvent struct {
	Mint  string  `json:"mint"`
	Price float64 `json:"price"`
}

// CleanedUpEvent is the payload published on tokenCleanedUp. The
// composition root routes it to FeedClient.Unsubscribe.
type CleanedUpEvent struct {
	Mint     string              `json:"mint"`
	Symbol   string              `json:"symbol"`
	Platform token.Platform      `json:"platform"`
	Reason   token.CleanupReason `json:"reason"`
	Details  string              `json:"details"`
}

// AlertEvent is the payload published on alertTriggered.
type AlertEvent struct {
	Alert    token.Alert    `json:"alert"`
	Snapshot token.Snapshot `json:"snapshot"`
}

// Stats is a read-only view of the tracker's population.
type Stats struct {
	Tracked          int            `json:"tracked"`
	MaxTokens        int            `json:"max_tokens"`
	NewTokens        int            `json:"new_tokens"`
	RecentlyActive   int            `json:"recently_active"`
	Inactive         int            `json:"inactive"`
	LowVolume        int            `json:"low_volume"`
	RuggedCandidates int            `json:"rugged_candidates"`
	Alerts           int            `json:"alerts"`
	CleanupCycles    uint64         `json:"cleanup_cycles"`
	TotalRemoved     uint64         `json:"total_removed"`
	RemovedByReason  map[string]int `json:"removed_by_reason"`
	LastCleanup      time.Time      `json:"last_cleanup"`
}

// Tracker is the sole owner of the tracked-token state. All mutations go
// through its write lock; reads use the read lock.
type Tracker struct {
	cfg     config.TrackerConfig
	bus     *bus.Bus
	sink    sink.Sink
	metrics *metrics.Registry
	now     func() time.Time

	mu          sync.RWMutex
	current     map[string]token.Snapshot
	health      map[string]*token.Health
	history     map[string][]token.PricePoint
	tradeCounts map[string]int64
	alerts      map[string]*token.Alert
	trends      map[string]token.Trend
	indices     indexSet
	whitelist   map[string]struct{}

	emergency emergencyState

	alertSeq uint64

	cleanupMu     sync.Mutex // serializes cleanup transactions
	cleanupCycles uint64
	totalRemoved  uint64
	removedBy     map[string]int
	lastCleanup   time.Time

	stopCh   chan struct{}
	stopOnce sync.Once
}

// Option customizes a Tracker.
type Option func(*Tracker)

// WithClock overrides the time source. Test hook.
func WithClock(now func() time.Time) Option {
	return func(t *Tracker) { t.now = now }
}

// WithMetrics installs a metrics registry.
func WithMetrics(m *metrics.Registry) Option {
	return func(t *Tracker) { t.metrics = m }
}

// New validates cfg and builds a tracker. The error path refuses to
// start on invalid thresholds.
func New(cfg config.TrackerConfig, b *bus.Bus, s sink.Sink, opts ...Option) (*Tracker, error) {
	if err := cfg.Validate(0); err != nil {
		return nil, err
	}

	t := &Tracker{
		cfg:         cfg,
		bus:         b,
		sink:        s,
		now:         time.Now,
		current:     make(map[string]token.Snapshot),
		health:      make(map[string]*token.Health),
		history:     make(map[string][]token.PricePoint),
		tradeCounts: make(map[string]int64),
		alerts:      make(map[string]*token.Alert),
		trends:      make(map[string]token.Trend),
		indices:     newIndexSet(),
		whitelist:   make(map[string]struct{}),
		removedBy:   make(map[string]int),
		stopCh:      make(chan struct{}),
	}
	t.emergency.whitelist = make(map[string]struct{})
	for _, mint := range cfg.Whitelist {
		t.whitelist[mint] = struct{}{}
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Start launches the cleanup timer when cleanup is enabled.
func (t *Tracker) Start() {
	if !t.cfg.CleanupEnabled {
		log.Info().Msg("Cleanup disabled by configuration")
		return
	}
	go t.cleanupLoop()
}

// Stop halts the cleanup timer.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stopCh) })
}

func (t *Tracker) cleanupLoop() {
	ticker := time.NewTicker(t.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-t.stopCh:
			return
		case <-ticker.C:
			t.RunCleanup()
		}
	}
}

// TrackToken upserts a snapshot: current state, health, history, alerts,
// and index membership. Updates are skipped silently while the mint is
// under cleanup evaluation.
func (t *Tracker) TrackToken(snapshot token.Snapshot) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	h, exists := t.health[snapshot.Mint]
	if exists && h.IsBeingEvaluated {
		return
	}

	t.current[snapshot.Mint] = snapshot

	if !exists {
		_, wl := t.whitelist[snapshot.Mint]
		h = &token.Health{
			Mint:             snapshot.Mint,
			FirstSeenTime:    now,
			LastTradeTime:    now,
			PeakPrice:        snapshot.Price,
			PeakVolume24h:    snapshot.Volume24h,
			CurrentLiquidity: snapshot.Liquidity,
			IsWhitelisted:    wl,
		}
		t.health[snapshot.Mint] = h
		t.publish(bus.TopicTokenTracked, TrackedEvent{Mint: snapshot.Mint, Price: snapshot.Price})
		log.Debug().Str("mint", snapshot.Mint).Str("symbol", snapshot.Symbol).
			Str("platform", string(snapshot.Platform)).Msg("Tracking new token")
	} else {
		h.LastTradeTime = now
		if snapshot.Price > h.PeakPrice {
			h.PeakPrice = snapshot.Price
		}
		if snapshot.Volume24h > h.PeakVolume24h {
			h.PeakVolume24h = snapshot.Volume24h
		}
		h.CurrentLiquidity = snapshot.Liquidity
		if snapshot.Volume24h < t.cfg.MinVolume24h {
			h.ConsecutiveZeroVolumePeriods++
		} else {
			h.ConsecutiveZeroVolumePeriods = 0
		}
	}

	if snapshot.Price > 0 {
		t.appendHistory(snapshot)
	}

	t.evaluateAlerts(snapshot)
	t.reindex(snapshot.Mint, now)
	t.updateGauges()
}

// RecordTrade advances the mint's last-trade time. Trades for unknown
// mints are ignored.
func (t *Tracker) RecordTrade(trade token.Trade) {
	now := t.now()

	t.mu.Lock()
	defer t.mu.Unlock()

	h, ok := t.health[trade.Mint]
	if !ok {
		return
	}
	t.tradeCounts[trade.Mint]++
	if h.IsBeingEvaluated {
		return
	}
	h.LastTradeTime = now
	t.reindex(trade.Mint, now)
}

// RetrackToken re-adds a previously untracked mint, resetting health as
// if first-seen. Returns false if the mint is already tracked.
func (t *Tracker) RetrackToken(snapshot token.Snapshot, reason string) bool {
	t.mu.Lock()
	if _, exists := t.current[snapshot.Mint]; exists {
		t.mu.Unlock()
		return false
	}
	delete(t.tradeCounts, snapshot.Mint)
	t.mu.Unlock()

	log.Info().Str("mint", snapshot.Mint).Str("reason", reason).Msg("Re-tracking token")
	t.TrackToken(snapshot)
	return true
}

func (t *Tracker) appendHistory(snapshot token.Snapshot) {
	point := token.PricePoint{
		Mint:      snapshot.Mint,
		Platform:  snapshot.Platform,
		Price:     snapshot.Price,
		Volume:    snapshot.Volume24h,
		Source:    "tracker",
		Timestamp: snapshot.Timestamp,
	}
	ring := append(t.history[snapshot.Mint], point)
	// Points arrive in order from the single writer; trim FIFO at cap.
	if limit := t.historyLimit(); len(ring) > limit {
		ring = ring[len(ring)-limit:]
	}
	t.history[snapshot.Mint] = ring
}

func (t *Tracker) historyLimit() int {
	if t.cfg.HistoryLimit > 0 {
		return t.cfg.HistoryLimit
	}
	return 1000
}

// GetSnapshot returns the current snapshot for mint.
func (t *Tracker) GetSnapshot(mint string) (token.Snapshot, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	s, ok := t.current[mint]
	return s, ok
}

// GetAll returns a copy of every tracked snapshot.
func (t *Tracker) GetAll() []token.Snapshot {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]token.Snapshot, 0, len(t.current))
	for _, s := range t.current {
		out = append(out, s)
	}
	return out
}

// GetHealth returns a copy of the mint's health record.
func (t *Tracker) GetHealth(mint string) (token.Health, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	h, ok := t.health[mint]
	if !ok {
		return token.Health{}, false
	}
	return *h, true
}

// GetHistory returns up to limit most-recent price points for mint.
func (t *Tracker) GetHistory(mint string, limit int) []token.PricePoint {
	t.mu.RLock()
	defer t.mu.RUnlock()
	ring := t.history[mint]
	if limit <= 0 || limit > len(ring) {
		limit = len(ring)
	}
	out := make([]token.PricePoint, limit)
	copy(out, ring[len(ring)-limit:])
	return out
}

// Count returns the tracked population size.
func (t *Tracker) Count() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.current)
}

// Stats returns the tracker's population statistics.
func (t *Tracker) Stats() Stats {
	t.mu.RLock()
	defer t.mu.RUnlock()

	removed := make(map[string]int, len(t.removedBy))
	for k, v := range t.removedBy {
		removed[k] = v
	}
	return Stats{
		Tracked:          len(t.current),
		MaxTokens:        t.cfg.MaxTokensTracked,
		NewTokens:        len(t.indices.newTokens),
		RecentlyActive:   len(t.indices.recentlyActive),
		Inactive:         len(t.indices.inactive),
		LowVolume:        len(t.indices.lowVolume),
		RuggedCandidates: len(t.indices.ruggedCandidates),
		Alerts:           len(t.alerts),
		CleanupCycles:    t.cleanupCycles,
		TotalRemoved:     t.totalRemoved,
		RemovedByReason:  removed,
		LastCleanup:      t.lastCleanup,
	}
}

func (t *Tracker) publish(topic string, payload any) {
	if t.bus != nil {
		t.bus.Publish(topic, payload)
	}
}

func (t *Tracker) updateGauges() {
	if t.metrics == nil {
		return
	}
	t.metrics.TokensTracked.Set(float64(len(t.current)))
	t.metrics.IndexSize.WithLabelValues("new_tokens").Set(float64(len(t.indices.newTokens)))
	t.metrics.IndexSize.WithLabelValues("recently_active").Set(float64(len(t.indices.recentlyActive)))
	t.metrics.IndexSize.WithLabelValues("inactive").Set(float64(len(t.indices.inactive)))
	t.metrics.IndexSize.WithLabelValues("low_volume").Set(float64(len(t.indices.lowVolume)))
	t.metrics.IndexSize.WithLabelValues("rugged_candidates").Set(float64(len(t.indices.ruggedCandidates)))
}
