// Package sink defines the time-series persistence interface the core
// writes enriched records into. Implementations live in subpackages
// (postgres for the durable store, memory for tests and db-less runs).
package sink

import (
	"context"
	"time"

	"github.com/mintwatch/mintwatch/internal/token"
)

// Batch carries the three parallel write vectors one processor flush
// produces. WriteBatch is all-or-nothing per call.
type Batch struct {
	Snapshots   []token.Snapshot
	PricePoints []token.PricePoint
	Trades      []token.Trade
}

// Empty reports whether the batch carries no records.
func (b *Batch) Empty() bool {
	return len(b.Snapshots) == 0 && len(b.PricePoints) == 0 && len(b.Trades) == 0
}

// Size returns the total record count across all vectors.
func (b *Batch) Size() int {
	return len(b.Snapshots) + len(b.PricePoints) + len(b.Trades)
}

// TimeRange bounds a history query.
type TimeRange struct {
	From time.Time
	To   time.Time
}

// Aggregation selects how price buckets are reduced.
type Aggregation string

const (
	AggMean Aggregation = "mean"
	AggLast Aggregation = "last"
	AggMax  Aggregation = "max"
)

// PriceBucket is one row of an aggregated price history query.
type PriceBucket struct {
	Bucket time.Time `db:"bucket"`
	Price  float64   `db:"price"`
	Volume float64   `db:"volume"`
	Count  int       `db:"sample_count"`
}

// SnapshotFilter narrows a token snapshot query.
type SnapshotFilter struct {
	Mint      string
	Platform  token.Platform
	MinVolume float64
	Range     TimeRange
	Limit     int
}

// VolumeRow is one row of a per-platform volume analysis.
type VolumeRow struct {
	Platform    token.Platform `db:"platform"`
	TokenCount  int            `db:"token_count"`
	TotalVolume float64        `db:"total_volume"`
	AvgVolume   float64        `db:"avg_volume"`
	MaxVolume   float64        `db:"max_volume"`
}

// CleanupFilter narrows a cleanup history query.
type CleanupFilter struct {
	Mint   string
	Reason token.CleanupReason
	Range  TimeRange
	Limit  int
}

// Sink is the time-series store interface the core consumes. All calls
// honor the caller's context deadline; the sink performs no internal
// retries.
type Sink interface {
	WriteBatch(ctx context.Context, batch Batch) error
	WriteCleanupEvent(ctx context.Context, event token.CleanupEvent) error
	WriteCleanupMetrics(ctx context.Context, metrics token.CleanupMetrics) error

	QueryTokenSnapshots(ctx context.Context, filter SnapshotFilter) ([]token.Snapshot, error)
	QueryPriceHistory(ctx context.Context, mint string, tr TimeRange, bucket time.Duration, agg Aggregation) ([]PriceBucket, error)
	QueryVolumeAnalysis(ctx context.Context, tr TimeRange) ([]VolumeRow, error)
	QueryCleanupEvents(ctx context.Context, filter CleanupFilter) ([]token.CleanupEvent, error)

	Ping(ctx context.Context) error
	Close() error
}
