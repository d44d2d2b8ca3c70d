package tracker

import (
	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/token"
)

func trendKey(mint string, window token.TrendWindow) string {
	return mint + ":" + string(window)
}

// SetTrend installs an analyzer result and publishes it on the bus.
// Trends for mints that are no longer tracked are discarded.
func (t *Tracker) SetTrend(trend token.Trend) {
	t.mu.Lock()
	if _, tracked := t.current[trend.Mint]; !tracked {
		t.mu.Unlock()
		return
	}
	t.trends[trendKey(trend.Mint, trend.Window)] = trend
	t.mu.Unlock()

	if t.metrics != nil {
		t.metrics.TrendsEmitted.WithLabelValues(string(trend.Window), string(trend.Direction)).Inc()
	}
	t.publish(bus.TopicTrendDetected, trend)
}

// GetTrend returns the stored trend for (mint, window).
func (t *Tracker) GetTrend(mint string, window token.TrendWindow) (token.Trend, bool) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tr, ok := t.trends[trendKey(mint, window)]
	return tr, ok
}

// GetAllTrends returns a copy of every stored trend.
func (t *Tracker) GetAllTrends() []token.Trend {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]token.Trend, 0, len(t.trends))
	for _, tr := range t.trends {
		out = append(out, tr)
	}
	return out
}
