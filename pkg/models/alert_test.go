package models

import (
	"testing"

	"github.com/google/uuid"
)

func TestParseSeverityDefaultsToMedium(t *testing.T) {
	cases := map[string]Severity{
		"low":      SeverityLow,
		"medium":   SeverityMedium,
		"high":     SeverityHigh,
		"critical": SeverityCritical,
		"":         SeverityMedium,
		"extreme":  SeverityMedium,
	}
	for in, want := range cases {
		if got := ParseSeverity(in); got != want {
			t.Fatalf("ParseSeverity(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestSeverityWeightOrdering(t *testing.T) {
	order := []Severity{SeverityLow, SeverityMedium, SeverityHigh, SeverityCritical}
	for i := 1; i < len(order); i++ {
		if order[i].Weight() <= order[i-1].Weight() {
			t.Fatalf("%s should outweigh %s", order[i], order[i-1])
		}
	}
	if Severity("unknown").Weight() != SeverityLow.Weight() {
		t.Fatalf("unknown severity should weigh like low")
	}
}

func TestNewAlertRendersCapturedValues(t *testing.T) {
	ev, err := NewEventBuilder().
		EventType(1).
		TsMono(1000).
		TsWall(2000).
		Entity(EntityKeyFromUint64(1, 2)).
		Build()
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	ev.EventID = 42

	a := NewAlert("r1", "Rule One", SeverityHigh, []string{"execution"}, ev, map[string]TypedValue{
		"name": StringValue("bash"),
		"pid":  IntValue(1234),
	})
	if a.AlertID == uuid.Nil {
		t.Fatalf("alert id not assigned")
	}
	if a.RuleID != "r1" || a.EventID != 42 || a.Entity != ev.Entity.Hex() {
		t.Fatalf("alert fields: %+v", a)
	}
	if a.Captured["name"] != "bash" || a.Captured["pid"] != "1234" {
		t.Fatalf("captured values not rendered: %v", a.Captured)
	}
}
