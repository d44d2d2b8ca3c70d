package tracker

import (
	"time"

	"github.com/rs/zerolog/log"

	"github.com/mintwatch/mintwatch/internal/bus"
)

// emergencyState holds the operator controls that override the normal
// cleanup schedule. Guarded by the tracker's lock.
type emergencyState struct {
	stopped   bool
	stoppedAt time.Time
	paused    bool

	disableAllCleanup  bool
	forceMinimumTokens bool

	whitelist map[string]struct{}
}

func (e *emergencyState) whitelisted(mint string) bool {
	_, ok := e.whitelist[mint]
	return ok
}

// EmergencyStatus is a read-only view of the emergency controls.
type EmergencyStatus struct {
	Stopped            bool      `json:"stopped"`
	StoppedAt          time.Time `json:"stopped_at,omitempty"`
	Paused             bool      `json:"paused"`
	DisableAllCleanup  bool      `json:"disable_all_cleanup"`
	ForceMinimumTokens bool      `json:"force_minimum_tokens"`
	Whitelist          []string  `json:"whitelist"`
}

// Overrides are the operator-settable cleanup switches.
type Overrides struct {
	DisableAllCleanup  bool `json:"disable_all_cleanup"`
	ForceMinimumTokens bool `json:"force_minimum_tokens"`
}

// WhitelistEvent is the payload published on emergencyWhitelistUpdated.
type WhitelistEvent struct {
	Added   []string `json:"added,omitempty"`
	Removed []string `json:"removed,omitempty"`
	Size    int      `json:"size"`
	Reason  string   `json:"reason"`
}

// EmergencyStop latches the stop flag. All cleanup, scheduled and
// forced, is refused until ResumeCleanup.
func (t *Tracker) EmergencyStop(reason string) {
	t.mu.Lock()
	already := t.emergency.stopped
	if !already {
		t.emergency.stopped = true
		t.emergency.stoppedAt = t.now()
	}
	t.mu.Unlock()

	if already {
		return
	}
	log.Error().Str("reason", reason).Msg("EMERGENCY STOP activated")
	t.publish(bus.TopicEmergencyStop, map[string]string{"reason": reason})
}

// PauseCleanup suspends scheduled cleanup until ResumeCleanup.
func (t *Tracker) PauseCleanup(reason string) {
	t.mu.Lock()
	t.emergency.paused = true
	t.mu.Unlock()
	log.Warn().Str("reason", reason).Msg("Cleanup paused")
}

// ResumeCleanup lifts a pause and, when one is latched, the emergency
// stop.
func (t *Tracker) ResumeCleanup(reason string) {
	t.mu.Lock()
	t.emergency.paused = false
	wasStopped := t.emergency.stopped
	t.emergency.stopped = false
	t.emergency.stoppedAt = time.Time{}
	t.mu.Unlock()

	if wasStopped {
		log.Warn().Str("reason", reason).Msg("Emergency stop lifted, cleanup resumed")
		return
	}
	log.Info().Str("reason", reason).Msg("Cleanup resumed")
}

// SetOverrides replaces both operator switches.
func (t *Tracker) SetOverrides(o Overrides, reason string) {
	t.mu.Lock()
	t.emergency.disableAllCleanup = o.DisableAllCleanup
	t.emergency.forceMinimumTokens = o.ForceMinimumTokens
	t.mu.Unlock()
	log.Warn().Bool("disable_all_cleanup", o.DisableAllCleanup).
		Bool("force_minimum_tokens", o.ForceMinimumTokens).
		Str("reason", reason).Msg("Cleanup overrides updated")
}

// AddEmergencyWhitelist shields mints from removal until they are
// explicitly removed from the emergency whitelist.
func (t *Tracker) AddEmergencyWhitelist(mints []string, reason string) {
	if len(mints) == 0 {
		return
	}
	t.mu.Lock()
	for _, mint := range mints {
		t.emergency.whitelist[mint] = struct{}{}
	}
	size := len(t.emergency.whitelist)
	t.mu.Unlock()

	log.Warn().Strs("mints", mints).Str("reason", reason).Msg("Emergency whitelist extended")
	t.publish(bus.TopicEmergencyWhitelistUpdated, WhitelistEvent{Added: mints, Size: size, Reason: reason})
}

// RemoveEmergencyWhitelist lifts the emergency shield from mints.
func (t *Tracker) RemoveEmergencyWhitelist(mints []string, reason string) {
	if len(mints) == 0 {
		return
	}
	t.mu.Lock()
	for _, mint := range mints {
		delete(t.emergency.whitelist, mint)
	}
	size := len(t.emergency.whitelist)
	t.mu.Unlock()

	log.Warn().Strs("mints", mints).Str("reason", reason).Msg("Emergency whitelist reduced")
	t.publish(bus.TopicEmergencyWhitelistUpdated, WhitelistEvent{Removed: mints, Size: size, Reason: reason})
}

// EmergencyStatus reports the current emergency controls.
func (t *Tracker) EmergencyStatus() EmergencyStatus {
	t.mu.RLock()
	defer t.mu.RUnlock()

	wl := make([]string, 0, len(t.emergency.whitelist))
	for mint := range t.emergency.whitelist {
		wl = append(wl, mint)
	}
	return EmergencyStatus{
		Stopped:            t.emergency.stopped,
		StoppedAt:          t.emergency.stoppedAt,
		Paused:             t.emergency.paused,
		DisableAllCleanup:  t.emergency.disableAllCleanup,
		ForceMinimumTokens: t.emergency.forceMinimumTokens,
		Whitelist:          wl,
	}
}
