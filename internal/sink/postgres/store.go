// Package postgres implements the time-series sink on PostgreSQL via
// sqlx. Batch writes run in a single transaction with prepared
// statements; aggregate queries bucket with date_bin.
package postgres

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/lib/pq"
	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/sink"
	"github.com/mintwatch/mintwatch/internal/token"
)

// Store is the PostgreSQL sink implementation.
type Store struct {
	db      *sqlx.DB
	timeout time.Duration
}

// Config holds connection parameters for the store.
type Config struct {
	DSN          string
	MaxOpenConns int
	MaxIdleConns int
	QueryTimeout time.Duration
}

// New connects to PostgreSQL and verifies the connection.
func New(ctx context.Context, cfg Config) (*Store, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("postgres DSN is required")
	}
	if cfg.QueryTimeout <= 0 {
		cfg.QueryTimeout = 10 * time.Second
	}

	db, err := sqlx.Open("postgres", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}
	if cfg.MaxIdleConns > 0 {
		db.SetMaxIdleConns(cfg.MaxIdleConns)
	}
	db.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, cfg.QueryTimeout)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info().Int("max_open_conns", cfg.MaxOpenConns).Msg("Connected to PostgreSQL sink")
	return &Store{db: db, timeout: cfg.QueryTimeout}, nil
}

// WriteBatch persists the three write vectors atomically.
func (s *Store) WriteBatch(ctx context.Context, batch sink.Batch) error {
	if batch.Empty() {
		return nil
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin batch transaction: %w", err)
	}
	defer tx.Rollback()

	if err := insertSnapshots(ctx, tx, batch.Snapshots); err != nil {
		return err
	}
	if err := insertPricePoints(ctx, tx, batch.PricePoints); err != nil {
		return err
	}
	if err := insertTrades(ctx, tx, batch.Trades); err != nil {
		return err
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit batch: %w", err)
	}
	return nil
}

func insertSnapshots(ctx context.Context, tx *sqlx.Tx, snaps []token.Snapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO token_snapshots
			(ts, mint, symbol, name, platform, platform_confidence, price,
			 volume_24h, market_cap, liquidity, price_change_24h,
			 volume_change_24h, holders, uri)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`)
	if err != nil {
		return fmt.Errorf("failed to prepare snapshot insert: %w", err)
	}
	defer stmt.Close()

	for _, sn := range snaps {
		if _, err := stmt.ExecContext(ctx,
			sn.Timestamp, sn.Mint, sn.Symbol, sn.Name, sn.Platform,
			sn.PlatformConfidence, sn.Price, sn.Volume24h, sn.MarketCap,
			sn.Liquidity, sn.PriceChange24h, sn.VolumeChange24h,
			sn.Holders, sn.URI); err != nil {
			return fmt.Errorf("failed to insert snapshot %s: %w", sn.Mint, err)
		}
	}
	return nil
}

func insertPricePoints(ctx context.Context, tx *sqlx.Tx, points []token.PricePoint) error {
	if len(points) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_points (ts, mint, platform, price, volume, source)
		VALUES ($1, $2, $3, $4, $5, $6)`)
	if err != nil {
		return fmt.Errorf("failed to prepare price point insert: %w", err)
	}
	defer stmt.Close()

	for _, p := range points {
		if _, err := stmt.ExecContext(ctx,
			p.Timestamp, p.Mint, p.Platform, p.Price, p.Volume, p.Source); err != nil {
			return fmt.Errorf("failed to insert price point %s: %w", p.Mint, err)
		}
	}
	return nil
}

func insertTrades(ctx context.Context, tx *sqlx.Tx, trades []token.Trade) error {
	if len(trades) == 0 {
		return nil
	}
	// ON CONFLICT keeps a re-queued batch idempotent on signature.
	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO trades (ts, mint, platform, side, amount, price, value, wallet, signature)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		ON CONFLICT (signature) DO NOTHING`)
	if err != nil {
		return fmt.Errorf("failed to prepare trade insert: %w", err)
	}
	defer stmt.Close()

	for _, t := range trades {
		if _, err := stmt.ExecContext(ctx,
			t.Timestamp, t.Mint, t.Platform, t.Side, t.Amount, t.Price,
			t.Value, t.Wallet, t.Signature); err != nil {
			if pqErr, ok := err.(*pq.Error); ok && pqErr.Code == "23505" {
				continue
			}
			return fmt.Errorf("failed to insert trade %s: %w", t.Signature, err)
		}
	}
	return nil
}

// WriteCleanupEvent persists one untrack audit record.
func (s *Store) WriteCleanupEvent(ctx context.Context, ev token.CleanupEvent) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_events
			(ts, mint, symbol, platform, reason, details, final_price,
			 final_volume, final_liquidity, final_market_cap, peak_price,
			 peak_volume, tracked_duration_ms, total_trades)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		ev.Timestamp, ev.Mint, ev.Symbol, ev.Platform, ev.Reason, ev.Details,
		ev.FinalPrice, ev.FinalVolume, ev.FinalLiquidity, ev.FinalMarketCap,
		ev.PeakPrice, ev.PeakVolume, ev.TrackedDuration.Milliseconds(), ev.TotalTrades)
	if err != nil {
		return fmt.Errorf("failed to insert cleanup event for %s: %w", ev.Mint, err)
	}
	return nil
}

// WriteCleanupMetrics persists one cleanup cycle aggregate.
func (s *Store) WriteCleanupMetrics(ctx context.Context, m token.CleanupMetrics) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO cleanup_metrics
			(ts, total_evaluated, rugged_detected, inactive_detected,
			 low_volume_detected, actually_removed, saved_by_whitelist,
			 saved_by_grace_period, saved_by_limit, execution_time_ms)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		m.Timestamp, m.TotalEvaluated, m.RuggedDetected, m.InactiveDetected,
		m.LowVolumeDetected, m.ActuallyRemoved, m.SavedByWhitelist,
		m.SavedByGracePeriod, m.SavedByLimit, m.ExecutionTimeMs)
	if err != nil {
		return fmt.Errorf("failed to insert cleanup metrics: %w", err)
	}
	return nil
}

// QueryTokenSnapshots returns the latest snapshot rows matching filter.
func (s *Store) QueryTokenSnapshots(ctx context.Context, f sink.SnapshotFilter) ([]token.Snapshot, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Mint != "" {
		conds = append(conds, "mint = "+arg(f.Mint))
	}
	if f.Platform.Known() {
		conds = append(conds, "platform = "+arg(string(f.Platform)))
	}
	if f.MinVolume > 0 {
		conds = append(conds, "volume_24h >= "+arg(f.MinVolume))
	}
	if !f.Range.From.IsZero() {
		conds = append(conds, "ts >= "+arg(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		conds = append(conds, "ts <= "+arg(f.Range.To))
	}

	query := `
		SELECT ts, mint, symbol, name, platform, platform_confidence, price,
		       volume_24h, market_cap, liquidity, price_change_24h,
		       volume_change_24h, holders, uri
		FROM token_snapshots`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += " LIMIT " + arg(limit)

	var rows []token.Snapshot
	if err := s.db.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, fmt.Errorf("failed to query token snapshots: %w", err)
	}
	return rows, nil
}

// QueryPriceHistory returns bucketed price aggregates for mint over tr.
func (s *Store) QueryPriceHistory(ctx context.Context, mint string, tr sink.TimeRange, bucket time.Duration, agg sink.Aggregation) ([]sink.PriceBucket, error) {
	if mint == "" {
		return nil, fmt.Errorf("mint is required for price history")
	}
	if bucket <= 0 {
		bucket = 5 * time.Minute
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var priceExpr string
	switch agg {
	case sink.AggLast:
		// last value per bucket by max ts
		priceExpr = "(array_agg(price ORDER BY ts DESC))[1]"
	case sink.AggMax:
		priceExpr = "MAX(price)"
	default:
		priceExpr = "AVG(price)"
	}

	query := fmt.Sprintf(`
		SELECT date_bin(make_interval(secs => $1), ts, TIMESTAMPTZ '2000-01-01') AS bucket,
		       %s AS price,
		       SUM(volume) AS volume,
		       COUNT(*) AS sample_count
		FROM price_points
		WHERE mint = $2 AND ts >= $3 AND ts <= $4
		GROUP BY bucket
		ORDER BY bucket ASC`, priceExpr)

	var rows []sink.PriceBucket
	if err := s.db.SelectContext(ctx, &rows, query, bucket.Seconds(), mint, tr.From, tr.To); err != nil {
		return nil, fmt.Errorf("failed to query price history for %s: %w", mint, err)
	}
	return rows, nil
}

// QueryVolumeAnalysis aggregates snapshot volume per platform over tr.
func (s *Store) QueryVolumeAnalysis(ctx context.Context, tr sink.TimeRange) ([]sink.VolumeRow, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var rows []sink.VolumeRow
	err := s.db.SelectContext(ctx, &rows, `
		SELECT platform,
		       COUNT(DISTINCT mint) AS token_count,
		       SUM(volume_24h) AS total_volume,
		       AVG(volume_24h) AS avg_volume,
		       MAX(volume_24h) AS max_volume
		FROM token_snapshots
		WHERE ts >= $1 AND ts <= $2
		GROUP BY platform
		ORDER BY total_volume DESC`, tr.From, tr.To)
	if err != nil {
		return nil, fmt.Errorf("failed to query volume analysis: %w", err)
	}
	return rows, nil
}

// QueryCleanupEvents returns untrack audit rows matching filter.
func (s *Store) QueryCleanupEvents(ctx context.Context, f sink.CleanupFilter) ([]token.CleanupEvent, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	var (
		conds []string
		args  []any
	)
	arg := func(v any) string {
		args = append(args, v)
		return fmt.Sprintf("$%d", len(args))
	}

	if f.Mint != "" {
		conds = append(conds, "mint = "+arg(f.Mint))
	}
	if f.Reason != "" {
		conds = append(conds, "reason = "+arg(string(f.Reason)))
	}
	if !f.Range.From.IsZero() {
		conds = append(conds, "ts >= "+arg(f.Range.From))
	}
	if !f.Range.To.IsZero() {
		conds = append(conds, "ts <= "+arg(f.Range.To))
	}

	query := `
		SELECT ts, mint, symbol, platform, reason, details, final_price,
		       final_volume, final_liquidity, final_market_cap, peak_price,
		       peak_volume, tracked_duration_ms, total_trades
		FROM cleanup_events`
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY ts DESC"
	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 1000
	}
	query += " LIMIT " + arg(limit)

	rows, err := s.db.QueryxContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query cleanup events: %w", err)
	}
	defer rows.Close()

	var events []token.CleanupEvent
	for rows.Next() {
		var (
			ev    token.CleanupEvent
			durMS int64
		)
		if err := rows.Scan(&ev.Timestamp, &ev.Mint, &ev.Symbol, &ev.Platform,
			&ev.Reason, &ev.Details, &ev.FinalPrice, &ev.FinalVolume,
			&ev.FinalLiquidity, &ev.FinalMarketCap, &ev.PeakPrice,
			&ev.PeakVolume, &durMS, &ev.TotalTrades); err != nil {
			return nil, fmt.Errorf("failed to scan cleanup event: %w", err)
		}
		ev.TrackedDuration = time.Duration(durMS) * time.Millisecond
		events = append(events, ev)
	}
	return events, rows.Err()
}

// Ping verifies the database connection.
func (s *Store) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	return s.db.PingContext(ctx)
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.db.Close()
}
