package runtime

import (
	"context"
	"errors"
	"testing"

	"kestrel/pkg/models"
)

func procEvent(t *testing.T, name string) *models.Event {
	t.Helper()
	ev, err := models.NewEventBuilder().
		EventType(1).
		TsMono(1000).
		TsWall(1000).
		Entity(models.EntityKeyFromUint64(1, 2)).
		Source("sensor-1").
		Field(1, models.IntValue(1234)).
		Field(3, models.StringValue(name)).
		Build()
	if err != nil {
		t.Fatalf("build event: %v", err)
	}
	return ev
}

func celPool(t *testing.T) *Pool {
	t.Helper()
	backend, err := NewCELBackend(CELConfig{})
	if err != nil {
		t.Fatalf("cel backend: %v", err)
	}
	pool := NewPool(0)
	pool.Register(backend)
	return pool
}

func TestCELEvalPredicate(t *testing.T) {
	pool := celPool(t)
	prog, err := pool.Compile(BackendCEL, Source{
		RuleID:    "bash-exec",
		Predicate: []byte(`3 in fields && fields[3] == "bash"`),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer prog.Close()

	matched, err := pool.Eval(context.Background(), prog, procEvent(t, "bash"))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if !matched {
		t.Fatalf("expected match for bash")
	}

	matched, err = pool.Eval(context.Background(), prog, procEvent(t, "sshd"))
	if err != nil {
		t.Fatalf("eval: %v", err)
	}
	if matched {
		t.Fatalf("unexpected match for sshd")
	}
}

func TestCELRejectsNonBoolPredicate(t *testing.T) {
	pool := celPool(t)
	_, err := pool.Compile(BackendCEL, Source{
		RuleID:    "bad",
		Predicate: []byte(`"not a bool"`),
	})
	var compileErr *CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if compileErr.RuleID != "bad" || compileErr.Backend != BackendCEL {
		t.Fatalf("unexpected error detail: %+v", compileErr)
	}
}

func TestCELRejectsBadSyntax(t *testing.T) {
	pool := celPool(t)
	_, err := pool.Compile(BackendCEL, Source{
		RuleID:    "bad-syntax",
		Predicate: []byte(`fields[3] ==`),
	})
	var compileErr *CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if compileErr.Diag == "" {
		t.Fatalf("expected backend diagnostic")
	}
}

func TestCELCapture(t *testing.T) {
	pool := celPool(t)
	prog, err := pool.Compile(BackendCEL, Source{
		RuleID:    "bash-exec",
		Predicate: []byte(`true`),
		Capture:   []byte(`{"name": fields[3], "pid": fields[1]}`),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer prog.Close()

	fields, err := pool.Capture(context.Background(), prog, procEvent(t, "bash"))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if got, _ := fields["name"].AsString(); got != "bash" {
		t.Fatalf("captured name: got %q", got)
	}
	if got, _ := fields["pid"].AsInt(); got != 1234 {
		t.Fatalf("captured pid: got %d", got)
	}
}

func TestCELCaptureAbsentWhenNotDeclared(t *testing.T) {
	pool := celPool(t)
	prog, err := pool.Compile(BackendCEL, Source{
		RuleID:    "no-capture",
		Predicate: []byte(`true`),
	})
	if err != nil {
		t.Fatalf("compile: %v", err)
	}
	defer prog.Close()

	fields, err := pool.Capture(context.Background(), prog, procEvent(t, "bash"))
	if err != nil {
		t.Fatalf("capture: %v", err)
	}
	if fields != nil {
		t.Fatalf("expected nil capture, got %v", fields)
	}
}

func TestPoolRejectsUnknownBackend(t *testing.T) {
	pool := NewPool(0)
	_, err := pool.Compile("wasm", Source{RuleID: "r", Predicate: []byte("true")})
	var compileErr *CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError for unknown backend, got %v", err)
	}
}
