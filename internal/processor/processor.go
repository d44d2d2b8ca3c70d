// Package processor is the single entry point from the feed into the
// core: it validates, deduplicates, fans accepted events to the tracker,
// and batches persistence to the sink.
package processor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sony/gobreaker"

	"github.com/mintwatch/mintwatch/internal/metrics"
	"github.com/mintwatch/mintwatch/internal/platform"
	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
)

// ErrBackpressure is returned by Submit when the queue stays full past
// the configured deadline.
var ErrBackpressure = errors.New("processor: queue full")

// ErrStopped is returned by Submit after Stop.
var ErrStopped = errors.New("processor: stopped")

// ErrSinkUnavailable is surfaced in stats while the write breaker is open.
var ErrSinkUnavailable = errors.New("processor: sink unavailable")

// Tracker is the slice of the token tracker the processor drives.
type Tracker interface {
	TrackToken(snapshot token.Snapshot)
	RecordTrade(trade token.Trade)
}

// Config tunes the pipeline.
type Config struct {
	QueueCapacity  int
	BatchSize      int
	FlushInterval  time.Duration
	DedupWindow    time.Duration
	SubmitDeadline time.Duration
}

// Stats is a snapshot of processor counters.
type Stats struct {
	Received         uint64 `json:"received"`
	Accepted         uint64 `json:"accepted"`
	Deduped          uint64 `json:"deduped"`
	ValidationErrors uint64 `json:"validation_errors"`
	DatabaseErrors   uint64 `json:"database_errors"`
	BatchesFlushed   uint64 `json:"batches_flushed"`
	BatchesRequeued  uint64 `json:"batches_requeued"`
	QueueDepth       int    `json:"queue_depth"`
	SinkUnavailable  bool   `json:"sink_unavailable"`
}

// Processor owns the ingestion queue. A single consumer goroutine drains
// it, so same-mint ordering is preserved end to end.
type Processor struct {
	cfg      Config
	tracker  Tracker
	sink     sink.Sink
	detector *platform.Detector
	metrics  *metrics.Registry
	breaker  *gobreaker.CircuitBreaker

	queue   chan token.Event
	flushCh chan chan struct{}
	stopCh  chan struct{}
	doneCh  chan struct{}

	stopOnce sync.Once

	statsMu sync.Mutex
	stats   Stats

	// requeued holds the one batch re-queued at the head after a sink
	// failure; merged before the next flush. Consumer-owned.
	requeued *sink.Batch
}

// New creates a processor. Call Start before Submit.
func New(cfg Config, tracker Tracker, s sink.Sink, detector *platform.Detector, m *metrics.Registry) *Processor {
	if cfg.QueueCapacity <= 0 {
		cfg.QueueCapacity = 10000
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = time.Second
	}
	if cfg.SubmitDeadline <= 0 {
		cfg.SubmitDeadline = 100 * time.Millisecond
	}

	p := &Processor{
		cfg:      cfg,
		tracker:  tracker,
		sink:     s,
		detector: detector,
		metrics:  m,
		queue:    make(chan token.Event, cfg.QueueCapacity),
		flushCh:  make(chan chan struct{}),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}

	p.breaker = gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:    "sink-writes",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 2
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			log.Warn().Str("breaker", name).
				Str("from", from.String()).Str("to", to.String()).
				Msg("Sink write breaker state change")
		},
	})
	return p
}

// Start launches the consumer goroutine.
func (p *Processor) Start() {
	go p.consume()
}

// Submit enqueues an event. Non-blocking up to the submit deadline; fails
// with ErrBackpressure when no slot frees in time.
func (p *Processor) Submit(ev token.Event) error {
	select {
	case <-p.stopCh:
		return ErrStopped
	default:
	}

	p.count(func(s *Stats) { s.Received++ })
	if p.metrics != nil {
		p.metrics.EventsReceived.WithLabelValues(string(ev.Kind)).Inc()
	}

	select {
	case p.queue <- ev:
		return nil
	default:
	}

	timer := time.NewTimer(p.cfg.SubmitDeadline)
	defer timer.Stop()
	select {
	case p.queue <- ev:
		return nil
	case <-timer.C:
		if p.metrics != nil {
			p.metrics.EventsDropped.WithLabelValues("backpressure").Inc()
		}
		return ErrBackpressure
	case <-p.stopCh:
		return ErrStopped
	}
}

// Flush drains the queue and forces the current batch to the sink,
// returning once the flush completed.
func (p *Processor) Flush() {
	ack := make(chan struct{})
	select {
	case p.flushCh <- ack:
		<-ack
	case <-p.doneCh:
	}
}

// Stop drains the queue, flushes, and quiesces. Further Submit calls fail
// with ErrStopped.
func (p *Processor) Stop() {
	p.stopOnce.Do(func() { close(p.stopCh) })
	<-p.doneCh
}

// Stats returns a copy of the counters.
func (p *Processor) Stats() Stats {
	p.statsMu.Lock()
	defer p.statsMu.Unlock()
	s := p.stats
	s.QueueDepth = len(p.queue)
	s.SinkUnavailable = p.breaker.State() == gobreaker.StateOpen
	return s
}

func (p *Processor) count(fn func(*Stats)) {
	p.statsMu.Lock()
	fn(&p.stats)
	p.statsMu.Unlock()
}

// consume is the single logical consumer of the queue.
func (p *Processor) consume() {
	defer close(p.doneCh)

	dedup := newDedupMap(p.cfg.DedupWindow)
	ticker := time.NewTicker(p.cfg.FlushInterval)
	defer ticker.Stop()

	var batch sink.Batch

	flush := func() {
		p.writeBatch(&batch)
		dedup.sweep(time.Now())
	}

	for {
		select {
		case <-p.stopCh:
			// Drain whatever is already queued, then final flush.
			for {
				select {
				case ev := <-p.queue:
					p.processEvent(ev, dedup, &batch)
				default:
					flush()
					return
				}
			}

		case ack := <-p.flushCh:
			for {
				select {
				case ev := <-p.queue:
					p.processEvent(ev, dedup, &batch)
					continue
				default:
				}
				break
			}
			flush()
			close(ack)

		case <-ticker.C:
			flush()

		case ev := <-p.queue:
			p.processEvent(ev, dedup, &batch)
			if batch.Size() >= p.cfg.BatchSize {
				flush()
			}
		}
	}
}

// processEvent validates and routes one event, appending persistence
// records to batch.
func (p *Processor) processEvent(ev token.Event, dedup *dedupMap, batch *sink.Batch) {
	switch ev.Kind {
	case token.EventTrade:
		p.processTrade(ev.Trade, batch)
	case token.EventNewToken:
		p.processToken(ev.NewToken, dedup, batch)
	default:
		if p.metrics != nil {
			p.metrics.EventsDropped.WithLabelValues("unknown_kind").Inc()
		}
	}
}

func (p *Processor) processTrade(e *token.TradeEvent, batch *sink.Batch) {
	if err := validateTradeEvent(e); err != nil {
		log.Debug().Err(err).Msg("Dropping invalid trade event")
		p.count(func(s *Stats) { s.ValidationErrors++ })
		if p.metrics != nil {
			p.metrics.ValidationErrors.WithLabelValues("trade").Inc()
		}
		return
	}

	det := p.detector.DetectAsync(e.Mint, nil)
	trade := token.Trade{
		Mint:      e.Mint,
		Platform:  det.Platform,
		Side:      e.Side,
		Amount:    e.Amount,
		Price:     e.Price,
		Value:     e.Amount * e.Price,
		Wallet:    e.Wallet,
		Signature: e.Signature,
		Timestamp: e.Timestamp,
	}

	p.tracker.RecordTrade(trade)
	batch.Trades = append(batch.Trades, trade)
	p.count(func(s *Stats) { s.Accepted++ })
}

func (p *Processor) processToken(e *token.NewTokenEvent, dedup *dedupMap, batch *sink.Batch) {
	if err := validateTokenEvent(e); err != nil {
		log.Debug().Err(err).Msg("Dropping invalid token event")
		p.count(func(s *Stats) { s.ValidationErrors++ })
		if p.metrics != nil {
			p.metrics.ValidationErrors.WithLabelValues("token").Inc()
		}
		return
	}

	if !dedup.shouldProcess(e.Mint, time.Now()) {
		p.count(func(s *Stats) { s.Deduped++ })
		if p.metrics != nil {
			p.metrics.DedupDrops.Inc()
		}
		return
	}

	det := p.detector.DetectAsync(e.Mint, nil)
	if !det.Platform.Known() {
		// Only finite platforms may be stored on a snapshot; without a
		// configured fallback the update is rejected.
		log.Debug().Str("mint", e.Mint).Msg("Dropping token update with unresolved platform")
		p.count(func(s *Stats) { s.ValidationErrors++ })
		if p.metrics != nil {
			p.metrics.ValidationErrors.WithLabelValues("platform").Inc()
		}
		return
	}

	snapshot := token.Snapshot{
		Mint:               e.Mint,
		Symbol:             e.Symbol,
		Name:               e.Name,
		Platform:           det.Platform,
		PlatformConfidence: det.Confidence,
		Price:              e.Price,
		Volume24h:          e.Volume24h,
		MarketCap:          e.MarketCap,
		Liquidity:          e.Liquidity,
		PriceChange24h:     e.PriceChange24h,
		VolumeChange24h:    e.VolumeChange24h,
		Holders:            e.Holders,
		URI:                e.URI,
		Socials:            e.Socials,
		Timestamp:          e.Timestamp,
	}

	p.tracker.TrackToken(snapshot)
	batch.Snapshots = append(batch.Snapshots, snapshot)
	if snapshot.Price > 0 {
		batch.PricePoints = append(batch.PricePoints, token.PricePoint{
			Mint:      snapshot.Mint,
			Platform:  snapshot.Platform,
			Price:     snapshot.Price,
			Volume:    snapshot.Volume24h,
			Source:    "feed",
			Timestamp: snapshot.Timestamp,
		})
	}
	p.count(func(s *Stats) { s.Accepted++ })
}

// writeBatch submits the pending batch (merged behind any re-queued one)
// through the breaker. On failure the batch is re-queued once at the
// head; a failing re-queued batch is dropped.
func (p *Processor) writeBatch(batch *sink.Batch) {
	pending := *batch
	*batch = sink.Batch{}

	var merged sink.Batch
	requeuedAgain := false
	if p.requeued != nil {
		merged = *p.requeued
		merged.Snapshots = append(merged.Snapshots, pending.Snapshots...)
		merged.PricePoints = append(merged.PricePoints, pending.PricePoints...)
		merged.Trades = append(merged.Trades, pending.Trades...)
		requeuedAgain = true
		p.requeued = nil
	} else {
		merged = pending
	}

	if merged.Empty() {
		return
	}

	start := time.Now()
	_, err := p.breaker.Execute(func() (any, error) {
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		return nil, p.sink.WriteBatch(ctx, merged)
	})

	if err != nil {
		p.count(func(s *Stats) { s.DatabaseErrors++ })
		if p.metrics != nil {
			p.metrics.DatabaseErrors.Inc()
		}
		if requeuedAgain {
			log.Error().Err(err).Int("records", merged.Size()).
				Msg("Dropping batch after repeated sink failure")
			return
		}
		log.Warn().Err(err).Int("records", merged.Size()).Msg("Sink write failed, re-queueing batch")
		p.requeued = &merged
		p.count(func(s *Stats) { s.BatchesRequeued++ })
		if p.metrics != nil {
			p.metrics.BatchesRequeued.Inc()
		}
		return
	}

	p.count(func(s *Stats) { s.BatchesFlushed++ })
	if p.metrics != nil {
		p.metrics.BatchesFlushed.Inc()
		p.metrics.BatchSize.Observe(float64(merged.Size()))
		p.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	}
}
