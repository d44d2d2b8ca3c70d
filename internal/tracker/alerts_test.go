package tracker

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mintwatch/mintwatch/internal/bus"
	"github.com/mintwatch/mintwatch/internal/token"
)

func TestAddAlert_Validation(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	tests := []struct {
		name string
		spec AlertSpec
	}{
		{"missing mint", AlertSpec{Kind: token.AlertThreshold, Condition: token.ConditionAbove, Value: 1}},
		{"bad kind", AlertSpec{Mint: "A", Kind: "spike", Condition: token.ConditionAbove, Value: 1}},
		{"bad condition", AlertSpec{Mint: "A", Kind: token.AlertThreshold, Condition: "near", Value: 1}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.tracker.AddAlert(tt.spec)
			assert.Error(t, err)
		})
	}
}

func TestAlert_ThresholdAbove(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	triggered := f.bus.Subscribe(bus.TopicAlertTriggered)

	f.track("A", 1, 100, 500)
	id, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertThreshold, Condition: token.ConditionAbove, Value: 2,
	})
	require.NoError(t, err)

	f.track("A", 1.5, 100, 500) // below threshold
	select {
	case msg := <-triggered.C:
		t.Fatalf("premature alert: %+v", msg.Payload)
	default:
	}

	f.track("A", 2.5, 100, 500)
	msg := <-triggered.C
	ev, ok := msg.Payload.(AlertEvent)
	require.True(t, ok)
	assert.Equal(t, id, ev.Alert.ID)
	assert.Equal(t, 2.5, ev.Snapshot.Price)
	require.NotNil(t, ev.Alert.TriggeredAt)
}

func TestAlert_ThresholdBelow(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	triggered := f.bus.Subscribe(bus.TopicAlertTriggered)

	f.track("A", 1, 100, 500)
	_, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertThreshold, Condition: token.ConditionBelow, Value: 0.5,
	})
	require.NoError(t, err)

	f.track("A", 0.4, 100, 500)
	msg := <-triggered.C
	ev := msg.Payload.(AlertEvent)
	assert.Equal(t, 0.4, ev.Snapshot.Price)
}

func TestAlert_PercentageUsesOldestHistoryPoint(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	triggered := f.bus.Subscribe(bus.TopicAlertTriggered)

	f.track("A", 1, 100, 500) // baseline
	_, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertPercentage, Condition: token.ConditionAbove, Value: 50,
	})
	require.NoError(t, err)

	f.track("A", 1.4, 100, 500) // +40%, below
	select {
	case msg := <-triggered.C:
		t.Fatalf("premature alert: %+v", msg.Payload)
	default:
	}

	f.track("A", 1.5, 100, 500) // exactly +50%
	msg := <-triggered.C
	ev := msg.Payload.(AlertEvent)
	assert.Equal(t, token.AlertPercentage, ev.Alert.Kind)
}

func TestAlert_PercentageBelowIsDrop(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	triggered := f.bus.Subscribe(bus.TopicAlertTriggered)

	f.track("A", 2, 100, 500)
	_, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertPercentage, Condition: token.ConditionBelow, Value: 25,
	})
	require.NoError(t, err)

	f.track("A", 1.4, 100, 500) // -30% from the 2.0 baseline
	msg := <-triggered.C
	ev := msg.Payload.(AlertEvent)
	assert.Equal(t, 1.4, ev.Snapshot.Price)
}

func TestAlert_IsOneShot(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	triggered := f.bus.Subscribe(bus.TopicAlertTriggered)

	f.track("A", 1, 100, 500)
	_, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertThreshold, Condition: token.ConditionAbove, Value: 2,
	})
	require.NoError(t, err)

	f.track("A", 3, 100, 500)
	<-triggered.C

	// Re-crossing keeps the alert fired; no second notification.
	f.track("A", 1, 100, 500)
	f.track("A", 4, 100, 500)
	select {
	case msg := <-triggered.C:
		t.Fatalf("one-shot alert fired twice: %+v", msg.Payload)
	default:
	}

	alerts := f.tracker.GetAlerts()
	require.Len(t, alerts, 1)
	assert.True(t, alerts[0].Triggered)
}

func TestAlert_UntrackedMintNeverFires(t *testing.T) {
	f := newFixture(t, testTrackerConfig())
	triggered := f.bus.Subscribe(bus.TopicAlertTriggered)

	// Alerts may be registered before the first sighting.
	id, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertThreshold, Condition: token.ConditionAbove, Value: 1,
	})
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	f.track("B", 5, 100, 500)
	select {
	case msg := <-triggered.C:
		t.Fatalf("alert fired for the wrong mint: %+v", msg.Payload)
	default:
	}
}

func TestRemoveAlert(t *testing.T) {
	f := newFixture(t, testTrackerConfig())

	id, err := f.tracker.AddAlert(AlertSpec{
		Mint: "A", Kind: token.AlertThreshold, Condition: token.ConditionAbove, Value: 1,
	})
	require.NoError(t, err)

	assert.True(t, f.tracker.RemoveAlert(id))
	assert.False(t, f.tracker.RemoveAlert(id))
	assert.Empty(t, f.tracker.GetAlerts())
}
