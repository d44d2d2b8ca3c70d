// Package memory implements the sink interface entirely in memory. It
// backs tests and db-less runs; retention is bounded so a long-lived
// process does not grow without limit.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
)

const maxRowsPerTable = 100000

// Store is an in-memory sink.
type Store struct {
	mu             sync.RWMutex
	snapshots      []token.Snapshot
	pricePoints    []token.PricePoint
	trades         []token.Trade
	cleanupEvents  []token.CleanupEvent
	cleanupMetrics []token.CleanupMetrics
	tradeSigs      map[string]struct{}

	failWrites bool
	writeCalls int
}

// New creates an empty in-memory sink.
func New() *Store {
	return &Store{tradeSigs: make(map[string]struct{})}
}

// SetFailWrites makes every subsequent write method fail. Test hook.
func (s *Store) SetFailWrites(fail bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failWrites = fail
}

// WriteCalls returns how many WriteBatch calls were attempted.
func (s *Store) WriteCalls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writeCalls
}

// WriteBatch stores the batch vectors. All-or-nothing: a configured
// failure leaves no partial rows behind.
func (s *Store) WriteBatch(ctx context.Context, batch sink.Batch) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writeCalls++
	if s.failWrites {
		return context.DeadlineExceeded
	}

	s.snapshots = append(s.snapshots, batch.Snapshots...)
	s.pricePoints = append(s.pricePoints, batch.PricePoints...)
	for _, t := range batch.Trades {
		if _, dup := s.tradeSigs[t.Signature]; dup {
			continue
		}
		s.tradeSigs[t.Signature] = struct{}{}
		s.trades = append(s.trades, t)
	}
	s.trim()
	return nil
}

func (s *Store) trim() {
	if n := len(s.snapshots); n > maxRowsPerTable {
		s.snapshots = append([]token.Snapshot(nil), s.snapshots[n-maxRowsPerTable:]...)
	}
	if n := len(s.pricePoints); n > maxRowsPerTable {
		s.pricePoints = append([]token.PricePoint(nil), s.pricePoints[n-maxRowsPerTable:]...)
	}
	if n := len(s.trades); n > maxRowsPerTable {
		for _, t := range s.trades[:n-maxRowsPerTable] {
			delete(s.tradeSigs, t.Signature)
		}
		s.trades = append([]token.Trade(nil), s.trades[n-maxRowsPerTable:]...)
	}
}

// WriteCleanupEvent stores one untrack audit record.
func (s *Store) WriteCleanupEvent(ctx context.Context, ev token.CleanupEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return context.DeadlineExceeded
	}
	s.cleanupEvents = append(s.cleanupEvents, ev)
	return nil
}

// WriteCleanupMetrics stores one cleanup cycle aggregate.
func (s *Store) WriteCleanupMetrics(ctx context.Context, m token.CleanupMetrics) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failWrites {
		return context.DeadlineExceeded
	}
	s.cleanupMetrics = append(s.cleanupMetrics, m)
	return nil
}

// QueryTokenSnapshots filters stored snapshots, newest first.
func (s *Store) QueryTokenSnapshots(ctx context.Context, f sink.SnapshotFilter) ([]token.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []token.Snapshot
	for i := len(s.snapshots) - 1; i >= 0; i-- {
		sn := s.snapshots[i]
		if f.Mint != "" && sn.Mint != f.Mint {
			continue
		}
		if f.Platform.Known() && sn.Platform != f.Platform {
			continue
		}
		if f.MinVolume > 0 && sn.Volume24h < f.MinVolume {
			continue
		}
		if !inRange(sn.Timestamp, f.Range) {
			continue
		}
		out = append(out, sn)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// QueryPriceHistory buckets stored price points with date_bin semantics.
func (s *Store) QueryPriceHistory(ctx context.Context, mint string, tr sink.TimeRange, bucket time.Duration, agg sink.Aggregation) ([]sink.PriceBucket, error) {
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		sum    float64
		max    float64
		last   float64
		lastTS time.Time
		volume float64
		count  int
	}
	buckets := make(map[int64]*acc)
	for _, p := range s.pricePoints {
		if p.Mint != mint || !inRange(p.Timestamp, tr) {
			continue
		}
		key := p.Timestamp.UnixNano() / int64(bucket)
		a, ok := buckets[key]
		if !ok {
			a = &acc{}
			buckets[key] = a
		}
		a.sum += p.Price
		if p.Price > a.max {
			a.max = p.Price
		}
		if p.Timestamp.After(a.lastTS) || a.count == 0 {
			a.last = p.Price
			a.lastTS = p.Timestamp
		}
		a.volume += p.Volume
		a.count++
	}

	keys := make([]int64, 0, len(buckets))
	for k := range buckets {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })

	out := make([]sink.PriceBucket, 0, len(keys))
	for _, k := range keys {
		a := buckets[k]
		price := a.sum / float64(a.count)
		switch agg {
		case sink.AggLast:
			price = a.last
		case sink.AggMax:
			price = a.max
		}
		out = append(out, sink.PriceBucket{
			Bucket: time.Unix(0, k*int64(bucket)),
			Price:  price,
			Volume: a.volume,
			Count:  a.count,
		})
	}
	return out, nil
}

// QueryVolumeAnalysis aggregates snapshot volume per platform.
func (s *Store) QueryVolumeAnalysis(ctx context.Context, tr sink.TimeRange) ([]sink.VolumeRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	type acc struct {
		mints map[string]struct{}
		total float64
		max   float64
		count int
	}
	byPlatform := make(map[token.Platform]*acc)
	for _, sn := range s.snapshots {
		if !inRange(sn.Timestamp, tr) {
			continue
		}
		a, ok := byPlatform[sn.Platform]
		if !ok {
			a = &acc{mints: make(map[string]struct{})}
			byPlatform[sn.Platform] = a
		}
		a.mints[sn.Mint] = struct{}{}
		a.total += sn.Volume24h
		if sn.Volume24h > a.max {
			a.max = sn.Volume24h
		}
		a.count++
	}

	out := make([]sink.VolumeRow, 0, len(byPlatform))
	for p, a := range byPlatform {
		out = append(out, sink.VolumeRow{
			Platform:    p,
			TokenCount:  len(a.mints),
			TotalVolume: a.total,
			AvgVolume:   a.total / float64(a.count),
			MaxVolume:   a.max,
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TotalVolume > out[j].TotalVolume })
	return out, nil
}

// QueryCleanupEvents filters stored cleanup events, newest first.
func (s *Store) QueryCleanupEvents(ctx context.Context, f sink.CleanupFilter) ([]token.CleanupEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []token.CleanupEvent
	for i := len(s.cleanupEvents) - 1; i >= 0; i-- {
		ev := s.cleanupEvents[i]
		if f.Mint != "" && ev.Mint != f.Mint {
			continue
		}
		if f.Reason != "" && ev.Reason != f.Reason {
			continue
		}
		if !inRange(ev.Timestamp, f.Range) {
			continue
		}
		out = append(out, ev)
		if f.Limit > 0 && len(out) >= f.Limit {
			break
		}
	}
	return out, nil
}

// CleanupEvents returns a copy of every stored cleanup event. Test hook.
func (s *Store) CleanupEvents() []token.CleanupEvent {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]token.CleanupEvent(nil), s.cleanupEvents...)
}

// CleanupMetrics returns a copy of every stored cycle aggregate. Test hook.
func (s *Store) CleanupMetrics() []token.CleanupMetrics {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]token.CleanupMetrics(nil), s.cleanupMetrics...)
}

// Counts returns stored row counts (snapshots, price points, trades).
func (s *Store) Counts() (int, int, int) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.snapshots), len(s.pricePoints), len(s.trades)
}

// AddPricePoints seeds price history directly, bypassing batching. Used
// by trend analyzer tests.
func (s *Store) AddPricePoints(points ...token.PricePoint) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pricePoints = append(s.pricePoints, points...)
}

// Ping always succeeds.
func (s *Store) Ping(ctx context.Context) error { return nil }

// Close is a no-op.
func (s *Store) Close() error { return nil }

func inRange(ts time.Time, tr sink.TimeRange) bool {
	if !tr.From.IsZero() && ts.Before(tr.From) {
		return false
	}
	if !tr.To.IsZero() && ts.After(tr.To) {
		return false
	}
	return true
}
