// Package policy implements the access decision function: given a presented
// credential, a target door controller and the current time, decide grant or
// deny with an auditable reason.
package policy

import (
	"context"
	"crypto/subtle"
	"fmt"
	"time"

	"github.com/portcullis-systems/portcullis/internal/models"
	"github.com/portcullis-systems/portcullis/internal/repository"
)

// Deny reasons returned to controllers and written to the access log.
const (
	ReasonUnregistered  = "badge not registered for this door"
	ReasonInvalidKey    = "invalid security key - possible cloning attempt"
	ReasonBadgeInactive = "badge deactivated"
	ReasonUserInactive  = "user deactivated"
	ReasonDoorInactive  = "door deactivated"
	ReasonRuleInactive  = "access rule deactivated"
	ReasonBadgeExpired  = "badge expired"
	ReasonNotYetActive  = "access not yet active"
	ReasonPeriodExpired = "access period expired"
	ReasonDayNotAllowed = "day not allowed"
	ReasonOutsideWindow = "outside allowed time window"
	ReasonStoreError    = "server error during verification"
)

// Decision is the outcome of one evaluation.
type Decision struct {
	Granted     bool
	SubjectName string
	Reason      string
	RuleType    models.RuleType
	BadgeID     *int64
	DoorID      *int64
	DoorName    string

	// CloneSignal is set when the presented key mismatched the stored key;
	// the caller must forward it to the anomaly engine.
	CloneSignal bool
}

// Evaluator resolves credential presentations against the rule store. It is
// stateless and safe for concurrent use.
type Evaluator struct {
	rules repository.RuleStore
	now   func() time.Time
}

// NewEvaluator returns an evaluator reading from the given rule store.
func NewEvaluator(rules repository.RuleStore) *Evaluator {
	return &Evaluator{rules: rules, now: time.Now}
}

// Evaluate runs the check sequence against every rule binding the badge to
// the door, in lookup priority order. The first rule that survives all checks
// grants; if none does, the deny reason comes from the highest-priority rule.
// No error path ever grants.
func (e *Evaluator) Evaluate(ctx context.Context, badgeUID, deviceID, presentedKey string) (*Decision, error) {
	rules, err := e.rules.ResolveRules(ctx, badgeUID, deviceID)
	if err != nil {
		return &Decision{Reason: ReasonStoreError}, fmt.Errorf("rule resolution failed: %w", err)
	}

	if len(rules) == 0 {
		return &Decision{Reason: ReasonUnregistered}, nil
	}

	first := rules[0]
	decision := &Decision{
		SubjectName: first.UserName,
		BadgeID:     &first.BadgeID,
		DoorID:      &first.DoorID,
		DoorName:    first.DoorName,
		RuleType:    first.RuleType,
	}

	// The stored key is a property of the badge, identical on every row; a
	// mismatch denies before any rule is considered and is itself a
	// clone-detection signal.
	if presentedKey != "" && subtle.ConstantTimeCompare([]byte(presentedKey), []byte(first.EncryptionKey)) != 1 {
		decision.Reason = ReasonInvalidKey
		decision.CloneSignal = true
		return decision, nil
	}

	now := e.now()
	denyReason := ""
	for i := range rules {
		reason := e.checkRule(&rules[i], now)
		if reason == "" {
			r := &rules[i]
			decision.Granted = true
			decision.RuleType = r.RuleType
			decision.SubjectName = r.UserName
			decision.BadgeID = &r.BadgeID
			decision.DoorID = &r.DoorID
			decision.DoorName = r.DoorName
			decision.Reason = grantReason(r)
			return decision, nil
		}
		if denyReason == "" {
			denyReason = reason
		}
	}

	decision.Reason = denyReason
	return decision, nil
}

// checkRule applies the ordered status and temporal checks to one resolved
// rule. Returns the deny reason of the first failing check, or "" on pass.
func (e *Evaluator) checkRule(r *models.ResolvedRule, now time.Time) string {
	switch {
	case !r.BadgeActive:
		return ReasonBadgeInactive
	case !r.UserActive:
		return ReasonUserInactive
	case !r.DoorActive:
		return ReasonDoorInactive
	case !r.RuleActive:
		return ReasonRuleInactive
	}

	if r.BadgeExpires != nil && r.BadgeExpires.Before(now) {
		return ReasonBadgeExpired
	}

	if now.Before(r.ValidFrom) {
		return ReasonNotYetActive
	}
	if r.ValidUntil != nil && now.After(*r.ValidUntil) {
		return ReasonPeriodExpired
	}

	// ISO day numbering, Sunday mapped to 7.
	isoDay := int(now.Weekday())
	if isoDay == 0 {
		isoDay = 7
	}
	if !r.AllowsDay(isoDay) {
		return ReasonDayNotAllowed
	}

	// Inclusive on both bounds, local wall-clock time. The window bounds are
	// "HH:MM:SS" strings, so lexical comparison matches chronological order.
	clock := now.Format("15:04:05")
	if clock < r.StartTime || clock > r.EndTime {
		return ReasonOutsideWindow
	}

	return ""
}

// grantReason names the rule path that matched, for audit.
func grantReason(r *models.ResolvedRule) string {
	switch r.RuleType {
	case models.RuleIndividualBadge:
		return "access granted (individual badge)"
	case models.RuleUserGroup:
		return fmt.Sprintf("access granted (user group: %s)", r.GroupName)
	case models.RuleBadgeGroup:
		return fmt.Sprintf("access granted (badge group: %s)", r.GroupName)
	case models.RuleDoorGroup:
		return fmt.Sprintf("access granted (door group: %s)", r.GroupName)
	default:
		return "access granted"
	}
}
