// Package anomaly inspects every access event for brute-force, cloning and
// repeated-failure patterns. Detection state lives in synchronized in-process
// sliding windows: best-effort working state, rebuilt empty on restart, never
// the system of record.
package anomaly

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/portcullis-systems/portcullis/internal/logging"
	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

// Config holds detection thresholds. Defaults mirror the deployed values.
type Config struct {
	SpamThreshold    int           // attempts within SpamWindow that trip the spam detector
	SpamMinFailures  int           // of which at least this many must be denials
	SpamWindow       time.Duration
	CloningWindow    time.Duration // max gap between grants at ungrouped doors
	FailureThreshold int           // consecutive denials that trip the failure detector
	FailureLookback  int           // events inspected by the failure detector
	CacheTTL         time.Duration // eviction age for detection state
}

// DefaultConfig returns the standard thresholds.
func DefaultConfig() Config {
	return Config{
		SpamThreshold:    5,
		SpamMinFailures:  3,
		SpamWindow:       time.Minute,
		CloningWindow:    15 * time.Second,
		FailureThreshold: 3,
		FailureLookback:  10,
		CacheTTL:         5 * time.Minute,
	}
}

// AlertSink receives the alerts the detectors emit.
type AlertSink interface {
	Emit(ctx context.Context, a *models.Alert) error
}

// Event is one evaluation outcome fed to the engine.
type Event struct {
	BadgeUID string
	UserName string
	DoorID   int64
	DoorName string
	Granted  bool
}

type attempt struct {
	at      time.Time
	granted bool
}

type windowState struct {
	attempts []attempt
	fired    bool // spam alert emitted for the current window
}

type lastGrant struct {
	doorID   int64
	doorName string
	at       time.Time
}

// Engine runs the detectors. One instance serves all requests; the mutex
// guards the sliding-window maps.
type Engine struct {
	cfg    Config
	doors  repository.DoorStore
	events repository.EventStore
	alerts AlertSink
	log    *logging.Logger

	mu        sync.Mutex
	windows   map[string]*windowState // keyed badgeUID:doorID
	locations map[string]lastGrant    // keyed badgeUID

	now func() time.Time
}

// NewEngine returns an engine with empty detection state.
func NewEngine(cfg Config, doors repository.DoorStore, events repository.EventStore, sink AlertSink, log *logging.Logger) *Engine {
	return &Engine{
		cfg:       cfg,
		doors:     doors,
		events:    events,
		alerts:    sink,
		log:       log,
		windows:   make(map[string]*windowState),
		locations: make(map[string]lastGrant),
		now:       time.Now,
	}
}

// ProcessEvent runs every applicable detector against one access event.
// Detector errors are logged and swallowed: detection is best-effort and must
// never fail the access path.
func (e *Engine) ProcessEvent(ctx context.Context, ev *Event) {
	e.detectSpam(ctx, ev)

	if ev.Granted {
		e.detectCloning(ctx, ev)
	} else {
		if err := e.detectConsecutiveFailures(ctx, ev); err != nil {
			e.log.ErrorContext(ctx, "consecutive-failure detection failed", "error", err)
		}
	}
}

// detectSpam trips when the attempt count for a (badge, door) pair reaches
// the threshold inside the window with enough denials. It fires once and does
// not re-arm until the window naturally empties.
func (e *Engine) detectSpam(ctx context.Context, ev *Event) {
	now := e.now()
	key := ev.BadgeUID + ":" + fmt.Sprint(ev.DoorID)

	e.mu.Lock()
	w, ok := e.windows[key]
	if !ok {
		w = &windowState{}
		e.windows[key] = w
	}

	w.attempts = trimOlderThan(w.attempts, now.Add(-e.cfg.SpamWindow))
	if len(w.attempts) == 0 {
		// The window emptied naturally; the detector may fire again.
		w.fired = false
	}
	w.attempts = append(w.attempts, attempt{at: now, granted: ev.Granted})

	failed := 0
	for _, a := range w.attempts {
		if !a.granted {
			failed++
		}
	}

	shouldFire := len(w.attempts) >= e.cfg.SpamThreshold &&
		failed >= e.cfg.SpamMinFailures &&
		!w.fired
	if shouldFire {
		w.fired = true
	}
	total := len(w.attempts)
	e.mu.Unlock()

	if !shouldFire {
		return
	}

	name := ev.UserName
	if name == "" {
		name = "unknown badge"
	}
	e.emit(ctx, &models.Alert{
		Type:     models.AlertSpamAttempts,
		Severity: models.SeverityHigh,
		Message: fmt.Sprintf("spam detected: %s attempted %q %d times within one minute (%d failures), possible intrusion attempt",
			name, ev.DoorName, total, failed),
		DoorID:   &ev.DoorID,
		BadgeUID: ev.BadgeUID,
		Metadata: map[string]any{
			"attempts_count": total,
			"failed_count":   failed,
			"success_count":  total - failed,
			"window":         e.cfg.SpamWindow.String(),
			"detection_rule": "SPAM_ATTEMPTS",
		},
	})

	e.log.WarnContext(ctx, "spam detected",
		"badge_uid", ev.BadgeUID, "door_id", ev.DoorID, "attempts", total, "failed", failed)
}

// detectCloning trips when a badge is granted at two doors faster than travel
// allows and the doors share no door group. Doors in a common group (several
// readers on the same room) are normal and stay silent. The last-known
// location is always updated, alert or not.
func (e *Engine) detectCloning(ctx context.Context, ev *Event) {
	now := e.now()

	e.mu.Lock()
	last, seen := e.locations[ev.BadgeUID]
	e.locations[ev.BadgeUID] = lastGrant{doorID: ev.DoorID, doorName: ev.DoorName, at: now}
	e.mu.Unlock()

	if !seen || last.doorID == ev.DoorID {
		return
	}

	gap := now.Sub(last.at)
	if gap >= e.cfg.CloningWindow {
		return
	}

	shared, err := e.doors.DoorsShareGroup(ctx, last.doorID, ev.DoorID)
	if err != nil {
		// Assume a shared group on lookup failure rather than raise a false
		// critical alert.
		e.log.ErrorContext(ctx, "door group lookup failed", "error", err)
		return
	}
	if shared {
		e.log.DebugContext(ctx, "rapid access within shared door group",
			"badge_uid", ev.BadgeUID, "door1", last.doorID, "door2", ev.DoorID)
		return
	}

	e.emit(ctx, &models.Alert{
		Type:     models.AlertCloningAttempt,
		Severity: models.SeverityCritical,
		Message: fmt.Sprintf("cloning suspected: %s granted at %q then %q %.0f seconds apart; the doors share no group",
			ev.UserName, last.doorName, ev.DoorName, gap.Seconds()),
		DoorID:   &ev.DoorID,
		BadgeUID: ev.BadgeUID,
		Metadata: map[string]any{
			"door1_id":          last.doorID,
			"door1_name":        last.doorName,
			"door2_id":          ev.DoorID,
			"door2_name":        ev.DoorName,
			"time_diff_seconds": int(gap.Seconds()),
			"same_group":        false,
			"detection_rule":    "CLONING_ATTEMPT",
		},
	})

	e.log.ErrorContext(ctx, "cloning suspected",
		"badge_uid", ev.BadgeUID, "door1", last.doorID, "door2", ev.DoorID, "gap", gap)
}

// detectConsecutiveFailures counts denials in the recent access log from the
// newest event backward, stopping at the first grant.
func (e *Engine) detectConsecutiveFailures(ctx context.Context, ev *Event) error {
	outcomes, err := e.events.RecentOutcomes(ctx, ev.BadgeUID, ev.DoorID, e.cfg.FailureLookback)
	if err != nil {
		return fmt.Errorf("failed to load recent outcomes: %w", err)
	}

	if len(outcomes) < e.cfg.FailureThreshold {
		return nil
	}

	failures := 0
	for _, granted := range outcomes {
		if granted {
			break
		}
		failures++
	}

	if failures < e.cfg.FailureThreshold {
		return nil
	}

	name := ev.UserName
	if name == "" {
		name = "unknown badge"
	}
	e.emit(ctx, &models.Alert{
		Type:     models.AlertConsecutiveFailures,
		Severity: models.SeverityMedium,
		Message: fmt.Sprintf("repeated failures: %s denied %d consecutive times at %q; check access rights or a defective badge",
			name, failures, ev.DoorName),
		DoorID:   &ev.DoorID,
		BadgeUID: ev.BadgeUID,
		Metadata: map[string]any{
			"consecutive_failures": failures,
			"detection_rule":       "CONSECUTIVE_FAILURES",
		},
	})

	e.log.WarnContext(ctx, "consecutive failures",
		"badge_uid", ev.BadgeUID, "door_id", ev.DoorID, "failures", failures)
	return nil
}

// ReportInvalidKey is the direct path from the evaluator's key check: a badge
// presented with a wrong per-badge secret.
func (e *Engine) ReportInvalidKey(ctx context.Context, badgeUID string, doorID *int64, doorName string) {
	e.emit(ctx, &models.Alert{
		Type:     models.AlertInvalidKey,
		Severity: models.SeverityCritical,
		Message: fmt.Sprintf("badge %s presented at %q with an invalid security key; badge cloned or compromised",
			badgeUID, doorName),
		DoorID:   doorID,
		BadgeUID: badgeUID,
		Metadata: map[string]any{
			"attack_type":    "badge_cloning",
			"detection_rule": "INVALID_ENCRYPTION_KEY",
		},
	})

	e.log.ErrorContext(ctx, "invalid badge key", "badge_uid", badgeUID)
}

// Run purges stale detection state on a fixed cadence until ctx is done.
func (e *Engine) Run(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			e.purge()
		}
	}
}

// purge evicts window entries and locations older than the cache TTL. It
// bounds memory only; durable alert records are untouched.
func (e *Engine) purge() {
	now := e.now()
	cutoff := now.Add(-e.cfg.CacheTTL)

	e.mu.Lock()
	defer e.mu.Unlock()

	for key, w := range e.windows {
		w.attempts = trimOlderThan(w.attempts, cutoff)
		if len(w.attempts) == 0 {
			delete(e.windows, key)
		}
	}

	for badge, loc := range e.locations {
		if loc.at.Before(cutoff) {
			delete(e.locations, badge)
		}
	}
}

func (e *Engine) emit(ctx context.Context, a *models.Alert) {
	if err := e.alerts.Emit(ctx, a); err != nil {
		e.log.ErrorContext(ctx, "failed to emit alert", "type", a.Type, "error", err)
	}
}

// trimOlderThan drops attempts at or before cutoff, keeping order.
func trimOlderThan(attempts []attempt, cutoff time.Time) []attempt {
	kept := attempts[:0]
	for _, a := range attempts {
		if a.at.After(cutoff) {
			kept = append(kept, a)
		}
	}
	return kept
}
