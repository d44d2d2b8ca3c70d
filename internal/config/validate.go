package config

import (
	"fmt"
	"time"

	"github.com/rs/zerolog/log"
)

// Validate checks the tracker and pipeline thresholds. Errors refuse
// startup; warnings are logged and startup continues.
func (c *Config) Validate() error {
	if err := c.Tracker.Validate(c.Analyzer.Interval); err != nil {
		return err
	}
	if c.Processor.BatchSize <= 0 {
		return fmt.Errorf("processor batch_size must be positive, got %d", c.Processor.BatchSize)
	}
	if c.Processor.QueueCapacity <= 0 {
		return fmt.Errorf("processor queue_capacity must be positive, got %d", c.Processor.QueueCapacity)
	}
	if c.Processor.DedupWindow <= 0 {
		return fmt.Errorf("processor dedup_window must be positive, got %s", c.Processor.DedupWindow)
	}
	return nil
}

// Validate checks the tracker thresholds alone. A zero analysisInterval
// skips the cadence cross-check.
func (t *TrackerConfig) Validate(analysisInterval time.Duration) error {
	switch {
	case t.CleanupInterval <= 0:
		return fmt.Errorf("cleanup_interval must be positive, got %s", t.CleanupInterval)
	case t.GracePeriod <= 0:
		return fmt.Errorf("grace_period must be positive, got %s", t.GracePeriod)
	case t.InactivityThreshold <= 0:
		return fmt.Errorf("inactivity_threshold must be positive, got %s", t.InactivityThreshold)
	case t.MinVolume24h <= 0:
		return fmt.Errorf("min_volume_24h must be positive, got %g", t.MinVolume24h)
	case t.ConsecutiveZeroVolumePeriods <= 0:
		return fmt.Errorf("consecutive_zero_volume_periods must be positive, got %d", t.ConsecutiveZeroVolumePeriods)
	case t.LiquidityThreshold <= 0:
		return fmt.Errorf("liquidity_threshold must be positive, got %g", t.LiquidityThreshold)
	case t.MinTokensToKeep <= 0:
		return fmt.Errorf("min_tokens_to_keep must be positive, got %d", t.MinTokensToKeep)
	case t.HistoryLimit <= 0:
		return fmt.Errorf("history_limit must be positive, got %d", t.HistoryLimit)
	}

	if t.MaxCleanupPercentage <= 0 || t.MaxCleanupPercentage > 1 {
		return fmt.Errorf("max_cleanup_percentage must be in (0, 1], got %g", t.MaxCleanupPercentage)
	}
	if t.RugPriceDrop <= 0 || t.RugPriceDrop > 1 {
		return fmt.Errorf("rug_price_drop must be in (0, 1], got %g", t.RugPriceDrop)
	}
	if t.RugVolumeDrop <= 0 || t.RugVolumeDrop > 1 {
		return fmt.Errorf("rug_volume_drop must be in (0, 1], got %g", t.RugVolumeDrop)
	}

	if t.InactivityThreshold < time.Minute {
		log.Warn().Dur("inactivity_threshold", t.InactivityThreshold).
			Msg("Inactivity threshold below 1 minute, tokens will churn quickly")
	}
	if t.CleanupInterval < time.Minute {
		log.Warn().Dur("cleanup_interval", t.CleanupInterval).
			Msg("Cleanup interval below 1 minute")
	}
	if t.MaxCleanupPercentage > 0.5 {
		log.Warn().Float64("max_cleanup_percentage", t.MaxCleanupPercentage).
			Msg("Cleanup cap above 50% of tracked population per cycle")
	}
	if t.GracePeriod < 5*time.Minute {
		log.Warn().Dur("grace_period", t.GracePeriod).
			Msg("Grace period below 5 minutes, new tokens barely protected")
	}
	if analysisInterval > 0 && t.CleanupInterval < analysisInterval {
		log.Warn().Dur("cleanup_interval", t.CleanupInterval).Dur("analysis_interval", analysisInterval).
			Msg("Cleanup runs more often than trend analysis")
	}
	if t.InactivityThreshold < t.GracePeriod {
		log.Warn().Dur("inactivity_threshold", t.InactivityThreshold).Dur("grace_period", t.GracePeriod).
			Msg("Inactivity threshold inside grace period, tokens will never be considered inactive")
	}
	return nil
}
