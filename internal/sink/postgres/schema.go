package postgres

import "context"

// schema is applied idempotently at startup. Tables are append-only time
// series keyed on (mint, ts); trades additionally enforce signature
// uniqueness so a re-queued batch cannot double-insert.
const schema = `
CREATE TABLE IF NOT EXISTS token_snapshots (
    id                  BIGSERIAL PRIMARY KEY,
    ts                  TIMESTAMPTZ NOT NULL,
    mint                TEXT NOT NULL,
    symbol              TEXT NOT NULL,
    name                TEXT NOT NULL DEFAULT '',
    platform            TEXT NOT NULL,
    platform_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
    price               DOUBLE PRECISION NOT NULL DEFAULT 0,
    volume_24h          DOUBLE PRECISION NOT NULL DEFAULT 0,
    market_cap          DOUBLE PRECISION NOT NULL DEFAULT 0,
    liquidity           DOUBLE PRECISION NOT NULL DEFAULT 0,
    price_change_24h    DOUBLE PRECISION NOT NULL DEFAULT 0,
    volume_change_24h   DOUBLE PRECISION NOT NULL DEFAULT 0,
    holders             BIGINT NOT NULL DEFAULT 0,
    uri                 TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_token_snapshots_mint_ts ON token_snapshots (mint, ts DESC);
CREATE INDEX IF NOT EXISTS idx_token_snapshots_ts ON token_snapshots (ts DESC);

CREATE TABLE IF NOT EXISTS price_points (
    id       BIGSERIAL PRIMARY KEY,
    ts       TIMESTAMPTZ NOT NULL,
    mint     TEXT NOT NULL,
    platform TEXT NOT NULL,
    price    DOUBLE PRECISION NOT NULL,
    volume   DOUBLE PRECISION NOT NULL DEFAULT 0,
    source   TEXT NOT NULL DEFAULT ''
);
CREATE INDEX IF NOT EXISTS idx_price_points_mint_ts ON price_points (mint, ts DESC);

CREATE TABLE IF NOT EXISTS trades (
    id        BIGSERIAL PRIMARY KEY,
    ts        TIMESTAMPTZ NOT NULL,
    mint      TEXT NOT NULL,
    platform  TEXT NOT NULL,
    side      TEXT NOT NULL,
    amount    DOUBLE PRECISION NOT NULL,
    price     DOUBLE PRECISION NOT NULL,
    value     DOUBLE PRECISION NOT NULL,
    wallet    TEXT NOT NULL DEFAULT '',
    signature TEXT NOT NULL UNIQUE
);
CREATE INDEX IF NOT EXISTS idx_trades_mint_ts ON trades (mint, ts DESC);

CREATE TABLE IF NOT EXISTS cleanup_events (
    id                  BIGSERIAL PRIMARY KEY,
    ts                  TIMESTAMPTZ NOT NULL,
    mint                TEXT NOT NULL,
    symbol              TEXT NOT NULL,
    platform            TEXT NOT NULL,
    reason              TEXT NOT NULL,
    details             TEXT NOT NULL DEFAULT '',
    final_price         DOUBLE PRECISION NOT NULL DEFAULT 0,
    final_volume        DOUBLE PRECISION NOT NULL DEFAULT 0,
    final_liquidity     DOUBLE PRECISION NOT NULL DEFAULT 0,
    final_market_cap    DOUBLE PRECISION NOT NULL DEFAULT 0,
    peak_price          DOUBLE PRECISION NOT NULL DEFAULT 0,
    peak_volume         DOUBLE PRECISION NOT NULL DEFAULT 0,
    tracked_duration_ms BIGINT NOT NULL DEFAULT 0,
    total_trades        BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_cleanup_events_ts ON cleanup_events (ts DESC);
CREATE INDEX IF NOT EXISTS idx_cleanup_events_mint ON cleanup_events (mint);

CREATE TABLE IF NOT EXISTS cleanup_metrics (
    id                    BIGSERIAL PRIMARY KEY,
    ts                    TIMESTAMPTZ NOT NULL,
    total_evaluated       INT NOT NULL DEFAULT 0,
    rugged_detected       INT NOT NULL DEFAULT 0,
    inactive_detected     INT NOT NULL DEFAULT 0,
    low_volume_detected   INT NOT NULL DEFAULT 0,
    actually_removed      INT NOT NULL DEFAULT 0,
    saved_by_whitelist    INT NOT NULL DEFAULT 0,
    saved_by_grace_period INT NOT NULL DEFAULT 0,
    saved_by_limit        INT NOT NULL DEFAULT 0,
    execution_time_ms     BIGINT NOT NULL DEFAULT 0
);
`

// EnsureSchema creates the sink tables and indexes if they do not exist.
func (s *Store) EnsureSchema(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()
	_, err := s.db.ExecContext(ctx, schema)
	return err
}
