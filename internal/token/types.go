package token

import (
	"time"
)

// Platform identifies the launch venue a mint originated from.
type Platform string

const (
	PlatformPumpFun  Platform = "pumpfun"
	PlatformBonk     Platform = "bonk"
	PlatformRaydium  Platform = "raydium"
	PlatformMoonshot Platform = "moonshot"
	PlatformUnknown  Platform = "unknown"
)

// Known reports whether p is a concrete platform (not unknown).
func (p Platform) Known() bool {
	return p != PlatformUnknown && p != ""
}

// DetectionMethod records how a platform assignment was derived.
type DetectionMethod string

const (
	MethodMintPattern DetectionMethod = "mint_pattern"
	MethodProgramID   DetectionMethod = "program_id"
	MethodFallback    DetectionMethod = "fallback"
)

// TradeSide is the direction of a trade.
type TradeSide string

const (
	SideBuy  TradeSide = "buy"
	SideSell TradeSide = "sell"
)

// Socials holds optional off-chain metadata attached to a token.
type Socials struct {
	Twitter  string `json:"twitter,omitempty"`
	Telegram string `json:"telegram,omitempty"`
	Website  string `json:"website,omitempty"`
}

// Snapshot is the canonical record of a token at a timestamp. The tracker
// keeps exactly one per mint and overwrites it in place on every accepted
// update; the sink receives one row per accepted update.
type Snapshot struct {
	Mint               string    `json:"mint" db:"mint"`
	Symbol             string    `json:"symbol" db:"symbol"`
	Name               string    `json:"name" db:"name"`
	Platform           Platform  `json:"platform" db:"platform"`
	PlatformConfidence float64   `json:"platform_confidence" db:"platform_confidence"`
	Price              float64   `json:"price" db:"price"`
	Volume24h          float64   `json:"volume_24h" db:"volume_24h"`
	MarketCap          float64   `json:"market_cap" db:"market_cap"`
	Liquidity          float64   `json:"liquidity" db:"liquidity"`
	PriceChange24h     float64   `json:"price_change_24h" db:"price_change_24h"`
	VolumeChange24h    float64   `json:"volume_change_24h" db:"volume_change_24h"`
	Holders            int64     `json:"holders" db:"holders"`
	URI                string    `json:"uri,omitempty" db:"uri"`
	Socials            *Socials  `json:"socials,omitempty" db:"-"`
	Timestamp          time.Time `json:"timestamp" db:"ts"`
}

// PricePoint is a single observation on a token's price series. Derived
// from every accepted snapshot with price > 0.
type PricePoint struct {
	Mint      string    `json:"mint" db:"mint"`
	Platform  Platform  `json:"platform" db:"platform"`
	Price     float64   `json:"price" db:"price"`
	Volume    float64   `json:"volume" db:"volume"`
	Source    string    `json:"source" db:"source"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// Trade is a single swap against a tracked mint. Write-only from the
// core's perspective: it advances Health.LastTradeTime and is persisted.
type Trade struct {
	Mint      string    `json:"mint" db:"mint"`
	Platform  Platform  `json:"platform" db:"platform"`
	Side      TradeSide `json:"side" db:"side"`
	Amount    float64   `json:"amount" db:"amount"`
	Price     float64   `json:"price" db:"price"`
	Value     float64   `json:"value" db:"value"`
	Wallet    string    `json:"wallet" db:"wallet"`
	Signature string    `json:"signature" db:"signature"`
	Timestamp time.Time `json:"timestamp" db:"ts"`
}

// Health is the tracker's per-mint lifecycle bookkeeping. Never persisted;
// rebuilt from the live feed after a restart.
type Health struct {
	Mint                         string    `json:"mint"`
	FirstSeenTime                time.Time `json:"first_seen_time"`
	LastTradeTime                time.Time `json:"last_trade_time"`
	ConsecutiveZeroVolumePeriods int       `json:"consecutive_zero_volume_periods"`
	PeakPrice                    float64   `json:"peak_price"`
	PeakVolume24h                float64   `json:"peak_volume_24h"`
	CurrentLiquidity             float64   `json:"current_liquidity"`
	IsWhitelisted                bool      `json:"is_whitelisted"`
	IsBeingEvaluated             bool      `json:"is_being_evaluated"`
}

// AlertKind discriminates alert trigger semantics.
type AlertKind string

const (
	AlertThreshold  AlertKind = "threshold"
	AlertPercentage AlertKind = "percentage"
)

// AlertCondition is the comparison direction of an alert.
type AlertCondition string

const (
	ConditionAbove AlertCondition = "above"
	ConditionBelow AlertCondition = "below"
)

// Alert is a one-shot price alert. Once triggered it stays fired until
// removed.
type Alert struct {
	ID          string         `json:"id"`
	Mint        string         `json:"mint"`
	Symbol      string         `json:"symbol"`
	Kind        AlertKind      `json:"kind"`
	Condition   AlertCondition `json:"condition"`
	Value       float64        `json:"value"`
	Enabled     bool           `json:"enabled"`
	Triggered   bool           `json:"triggered"`
	CreatedAt   time.Time      `json:"created_at"`
	TriggeredAt *time.Time     `json:"triggered_at,omitempty"`
}

// TrendWindow is the lookback of a trend computation.
type TrendWindow string

const (
	Window1h  TrendWindow = "1h"
	Window24h TrendWindow = "24h"
	Window7d  TrendWindow = "7d"
)

// Duration returns the wall-clock span of the window.
func (w TrendWindow) Duration() time.Duration {
	switch w {
	case Window1h:
		return time.Hour
	case Window24h:
		return 24 * time.Hour
	case Window7d:
		return 7 * 24 * time.Hour
	}
	return 0
}

// Bucket returns the aggregation bucket used when querying the sink for
// this window: 5m for 1h, 1h for 24h, 4h for 7d.
func (w TrendWindow) Bucket() time.Duration {
	switch w {
	case Window1h:
		return 5 * time.Minute
	case Window24h:
		return time.Hour
	case Window7d:
		return 4 * time.Hour
	}
	return 0
}

// Windows lists every trend window in ascending span order.
func Windows() []TrendWindow {
	return []TrendWindow{Window1h, Window24h, Window7d}
}

// TrendDirection is the sign of a detected trend.
type TrendDirection string

const (
	TrendUp       TrendDirection = "up"
	TrendDown     TrendDirection = "down"
	TrendSideways TrendDirection = "sideways"
)

// TrendStrength grades a trend by magnitude and volatility.
type TrendStrength string

const (
	StrengthWeak     TrendStrength = "weak"
	StrengthModerate TrendStrength = "moderate"
	StrengthStrong   TrendStrength = "strong"
)

// Trend is one analyzer result, keyed by (mint, window).
type Trend struct {
	Mint          string         `json:"mint"`
	Symbol        string         `json:"symbol"`
	Platform      Platform       `json:"platform"`
	Window        TrendWindow    `json:"window"`
	Direction     TrendDirection `json:"direction"`
	Strength      TrendStrength  `json:"strength"`
	Change        float64        `json:"change"`
	ChangePercent float64        `json:"change_percent"`
	Confidence    float64        `json:"confidence"`
	StartPrice    float64        `json:"start_price"`
	EndPrice      float64        `json:"end_price"`
	Volume        float64        `json:"volume"`
	Timestamp     time.Time      `json:"timestamp"`
}

// CleanupReason names why a token was (or would be) untracked.
type CleanupReason string

const (
	ReasonRugged    CleanupReason = "rugged"
	ReasonInactive  CleanupReason = "inactive"
	ReasonLowVolume CleanupReason = "low_volume"
)

// CleanupEvent is the audit record written for every successful untrack.
type CleanupEvent struct {
	Mint            string        `json:"mint" db:"mint"`
	Symbol          string        `json:"symbol" db:"symbol"`
	Platform        Platform      `json:"platform" db:"platform"`
	Reason          CleanupReason `json:"reason" db:"reason"`
	Details         string        `json:"details" db:"details"`
	FinalPrice      float64       `json:"final_price" db:"final_price"`
	FinalVolume     float64       `json:"final_volume" db:"final_volume"`
	FinalLiquidity  float64       `json:"final_liquidity" db:"final_liquidity"`
	FinalMarketCap  float64       `json:"final_market_cap" db:"final_market_cap"`
	PeakPrice       float64       `json:"peak_price" db:"peak_price"`
	PeakVolume      float64       `json:"peak_volume" db:"peak_volume"`
	TrackedDuration time.Duration `json:"tracked_duration" db:"tracked_duration_ms"`
	TotalTrades     int64         `json:"total_trades" db:"total_trades"`
	Timestamp       time.Time     `json:"timestamp" db:"ts"`
}

// CleanupMetrics aggregates one cleanup cycle. Written once per cycle when
// at least one candidate was evaluated.
type CleanupMetrics struct {
	TotalEvaluated     int       `json:"total_evaluated" db:"total_evaluated"`
	RuggedDetected     int       `json:"rugged_detected" db:"rugged_detected"`
	InactiveDetected   int       `json:"inactive_detected" db:"inactive_detected"`
	LowVolumeDetected  int       `json:"low_volume_detected" db:"low_volume_detected"`
	ActuallyRemoved    int       `json:"actually_removed" db:"actually_removed"`
	SavedByWhitelist   int       `json:"saved_by_whitelist" db:"saved_by_whitelist"`
	SavedByGracePeriod int       `json:"saved_by_grace_period" db:"saved_by_grace_period"`
	SavedByLimit       int       `json:"saved_by_limit" db:"saved_by_limit"`
	ExecutionTimeMs    int64     `json:"execution_time_ms" db:"execution_time_ms"`
	Timestamp          time.Time `json:"timestamp" db:"ts"`
}

// Detection is a platform detector verdict.
type Detection struct {
	Platform   Platform        `json:"platform"`
	Confidence float64         `json:"confidence"`
	Method     DetectionMethod `json:"method"`
}
