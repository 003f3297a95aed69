package rules

import (
	"testing"
	"time"
)

func TestParseManifestSingle(t *testing.T) {
	m, err := ParseManifest([]byte(`
id: bash-exec
name: Bash Execution
severity: high
tags: [execution]
kind: single
backend: cel
predicate: bash_exec.cel
capture: bash_exec_capture.cel
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if m.ID != "bash-exec" || m.Kind != KindSingle || m.Backend != "cel" {
		t.Fatalf("unexpected manifest: %+v", m)
	}
	if m.Capture != "bash_exec_capture.cel" {
		t.Fatalf("capture not parsed: %q", m.Capture)
	}
}

func TestParseManifestSequence(t *testing.T) {
	m, err := ParseManifest([]byte(`
id: connect-then-shell
name: Connect Then Shell
severity: critical
kind: sequence
backend: cel
stages:
  - predicate: stage0.cel
    window_ms: 10000
  - predicate: stage1.cel
    capture: stage1_capture.cel
`))
	if err != nil {
		t.Fatalf("parse failed: %v", err)
	}
	if len(m.Stages) != 2 {
		t.Fatalf("expected 2 stages, got %d", len(m.Stages))
	}
	if m.Stages[0].Window() != 10*time.Second {
		t.Fatalf("stage window: got %s", m.Stages[0].Window())
	}
	if m.Stages[1].Window() != 0 {
		t.Fatalf("unset window should be zero, got %s", m.Stages[1].Window())
	}
}

func TestManifestValidation(t *testing.T) {
	cases := []struct {
		name string
		yaml string
	}{
		{"missing id", "kind: single\nbackend: cel\npredicate: p.cel"},
		{"missing kind", "id: r\nbackend: cel\npredicate: p.cel"},
		{"unknown kind", "id: r\nkind: batch\nbackend: cel\npredicate: p.cel"},
		{"missing backend", "id: r\nkind: single\npredicate: p.cel"},
		{"single without predicate", "id: r\nkind: single\nbackend: cel"},
		{"single with stages", "id: r\nkind: single\nbackend: cel\npredicate: p.cel\nstages:\n  - predicate: s.cel"},
		{"sequence with one stage", "id: r\nkind: sequence\nbackend: cel\nstages:\n  - predicate: s.cel"},
		{"stage without predicate", "id: r\nkind: sequence\nbackend: cel\nstages:\n  - predicate: a.cel\n  - window_ms: 5000"},
		{"negative window", "id: r\nkind: sequence\nbackend: cel\nstages:\n  - predicate: a.cel\n    window_ms: -1\n  - predicate: b.cel"},
		{"not yaml", "{{{"},
	}
	for _, tc := range cases {
		if _, err := ParseManifest([]byte(tc.yaml)); err == nil {
			t.Fatalf("%s: expected validation error", tc.name)
		}
	}
}
