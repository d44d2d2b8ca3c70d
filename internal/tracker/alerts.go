package tracker

import (
	"fmt"
	"sort"
	"strings"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/token"
)

// AlertSpec describes a new alert.
type AlertSpec struct {
	Mint      string
	Kind      token.AlertKind
	Condition token.AlertCondition
	Value     float64
}

// AddAlert registers a one-shot alert and returns its id.
func (t *Tracker) AddAlert(spec AlertSpec) (string, error) {
	if spec.Mint == "" {
		return "", fmt.Errorf("alert mint is required")
	}
	if spec.Kind != token.AlertThreshold && spec.Kind != token.AlertPercentage {
		return "", fmt.Errorf("invalid alert kind %q", spec.Kind)
	}
	if spec.Condition != token.ConditionAbove && spec.Condition != token.ConditionBelow {
		return "", fmt.Errorf("invalid alert condition %q", spec.Condition)
	}

	seq := atomic.AddUint64(&t.alertSeq, 1)
	id := fmt.Sprintf("alert-%d-%s", seq, uuid.NewString()[:8])

	t.mu.Lock()
	defer t.mu.Unlock()

	symbol := spec.Mint
	if s, ok := t.current[spec.Mint]; ok {
		symbol = s.Symbol
	}
	t.alerts[id] = &token.Alert{
		ID:        id,
		Mint:      spec.Mint,
		Symbol:    symbol,
		Kind:      spec.Kind,
		Condition: spec.Condition,
		Value:     spec.Value,
		Enabled:   true,
		CreatedAt: t.now(),
	}
	return id, nil
}

// RemoveAlert deletes an alert by id.
func (t *Tracker) RemoveAlert(id string) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.alerts[id]; !ok {
		return false
	}
	delete(t.alerts, id)
	return true
}

// GetAlerts returns a copy of every registered alert, ordered by id.
func (t *Tracker) GetAlerts() []token.Alert {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]token.Alert, 0, len(t.alerts))
	for _, a := range t.alerts {
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// evaluateAlerts fires any armed alert whose condition holds at the
// snapshot's price. One-shot: a triggered alert stays fired until it is
// removed. Caller holds the write lock.
func (t *Tracker) evaluateAlerts(snapshot token.Snapshot) {
	for _, a := range t.alerts {
		if a.Mint != snapshot.Mint || !a.Enabled || a.Triggered {
			continue
		}
		if !t.alertCondition(a, snapshot) {
			continue
		}

		now := t.now()
		a.Triggered = true
		a.TriggeredAt = &now
		if t.metrics != nil {
			t.metrics.AlertsTriggered.Inc()
		}
		log.Info().Str("alert", a.ID).Str("mint", a.Mint).
			Float64("price", snapshot.Price).Msg("Alert triggered")
		t.publish(bus.TopicAlertTriggered, AlertEvent{Alert: *a, Snapshot: snapshot})
	}
}

func (t *Tracker) alertCondition(a *token.Alert, snapshot token.Snapshot) bool {
	switch a.Kind {
	case token.AlertThreshold:
		if a.Condition == token.ConditionAbove {
			return snapshot.Price > a.Value
		}
		return snapshot.Price < a.Value

	case token.AlertPercentage:
		ring := t.history[a.Mint]
		if len(ring) == 0 {
			return false
		}
		baseline := ring[0].Price
		if baseline <= 0 {
			return false
		}
		changePct := 100 * (snapshot.Price - baseline) / baseline
		if a.Condition == token.ConditionAbove {
			return changePct >= a.Value
		}
		return changePct <= -a.Value
	}
	return false
}

// removeAlertsFor drops every alert keyed to mint. Caller holds the
// write lock.
func (t *Tracker) removeAlertsFor(mint string) {
	for id, a := range t.alerts {
		if a.Mint == mint {
			delete(t.alerts, id)
		}
	}
}

// removeTrendsFor drops every trend entry whose key starts with mint.
// Caller holds the write lock.
func (t *Tracker) removeTrendsFor(mint string) {
	prefix := mint + ":"
	for key := range t.trends {
		if strings.HasPrefix(key, prefix) {
			delete(t.trends, key)
		}
	}
}
