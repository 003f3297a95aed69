package models

import (
	"time"

	"github.com/google/uuid"
)

// Severity levels for rules and alerts.
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// ParseSeverity normalizes a severity string, defaulting to medium.
func ParseSeverity(s string) Severity {
	switch Severity(s) {
	case SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical:
		return Severity(s)
	default:
		return SeverityMedium
	}
}

// Weight returns a numeric weight for scoring and sorting.
func (s Severity) Weight() int {
	switch s {
	case SeverityCritical:
		return 7
	case SeverityHigh:
		return 5
	case SeverityMedium:
		return 3
	case SeverityLow:
		return 1
	default:
		return 1
	}
}

// Alert is the output artifact of a matched rule. Immutable once handed
// to the emitter.
type Alert struct {
	AlertID   uuid.UUID         `json:"alert_id"`
	RuleID    string            `json:"rule_id"`
	RuleName  string            `json:"rule_name,omitempty"`
	Severity  Severity          `json:"severity"`
	Tactics   []string          `json:"tactics,omitempty"`
	Entity    string            `json:"entity_key"`
	EventID   uint64            `json:"event_id"`
	TsMonoNs  uint64            `json:"ts_mono_ns"`
	Timestamp time.Time         `json:"@timestamp"`
	Captured  map[string]string `json:"captured,omitempty"`
}

// NewAlert stamps a fresh alert for a rule match on an event.
func NewAlert(ruleID, ruleName string, severity Severity, tactics []string, ev *Event, captured map[string]TypedValue) *Alert {
	var snap map[string]string
	if len(captured) > 0 {
		snap = make(map[string]string, len(captured))
		for k, v := range captured {
			snap[k] = v.String()
		}
	}
	return &Alert{
		AlertID:   uuid.New(),
		RuleID:    ruleID,
		RuleName:  ruleName,
		Severity:  severity,
		Tactics:   tactics,
		Entity:    ev.Entity.Hex(),
		EventID:   ev.EventID,
		TsMonoNs:  ev.TsMonoNs,
		Timestamp: time.Unix(0, int64(ev.TsWallNs)).UTC(),
		Captured:  snap,
	}
}
