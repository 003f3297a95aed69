package rules

import (
	"errors"
	"testing"

	"kestrel/internal/runtime"
)

func testRegistry(t *testing.T) *Registry {
	t.Helper()
	backend, err := runtime.NewCELBackend(runtime.CELConfig{})
	if err != nil {
		t.Fatalf("cel backend: %v", err)
	}
	pool := runtime.NewPool(0)
	pool.Register(backend)
	return NewRegistry(pool)
}

func singleManifest(id string) Manifest {
	return Manifest{
		ID:        id,
		Name:      "Test Rule",
		Severity:  "high",
		Kind:      KindSingle,
		Backend:   runtime.BackendCEL,
		Predicate: "rule.cel",
	}
}

func TestLoadPublishesNewSnapshot(t *testing.T) {
	reg := testRegistry(t)
	before := reg.Snapshot()

	err := reg.Load(singleManifest("r1"), Sources{Predicate: []byte("true")})
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}

	after := reg.Snapshot()
	if after == before {
		t.Fatalf("snapshot not replaced")
	}
	if after.Version() <= before.Version() {
		t.Fatalf("version did not advance: %d -> %d", before.Version(), after.Version())
	}
	if _, ok := before.Get("r1"); ok {
		t.Fatalf("old snapshot mutated")
	}
	r, ok := after.Get("r1")
	if !ok || !r.Enabled {
		t.Fatalf("rule not visible in new snapshot")
	}
	if len(after.Single()) != 1 {
		t.Fatalf("expected 1 enabled single rule, got %d", len(after.Single()))
	}
}

func TestCompileFailureLeavesSnapshotUntouched(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Load(singleManifest("good"), Sources{Predicate: []byte("true")}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	before := reg.Snapshot()

	err := reg.Load(singleManifest("bad"), Sources{Predicate: []byte(`"not a bool"`)})
	var compileErr *runtime.CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}

	if reg.Snapshot() != before {
		t.Fatalf("failed load replaced the snapshot")
	}
	if _, ok := reg.Get("bad"); ok {
		t.Fatalf("failed rule is visible")
	}
}

func TestMalformedSequenceManifestRejected(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Load(singleManifest("good"), Sources{Predicate: []byte("true")}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	before := reg.Snapshot()

	m := Manifest{
		ID:      "seq",
		Kind:    KindSequence,
		Backend: runtime.BackendCEL,
		Stages: []StageManifest{
			{Predicate: "a.cel"},
			{}, // missing predicate
		},
	}
	err := reg.Load(m, Sources{Stages: []StageSource{
		{Predicate: []byte("true")},
		{Predicate: []byte("true")},
	}})
	var compileErr *runtime.CompileError
	if !errors.As(err, &compileErr) {
		t.Fatalf("expected CompileError, got %v", err)
	}
	if reg.Snapshot() != before {
		t.Fatalf("rejected manifest replaced the snapshot")
	}
}

func TestEnableDisable(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Load(singleManifest("r1"), Sources{Predicate: []byte("true")}); err != nil {
		t.Fatalf("load failed: %v", err)
	}

	if err := reg.Disable("r1"); err != nil {
		t.Fatalf("disable failed: %v", err)
	}
	snap := reg.Snapshot()
	if len(snap.Single()) != 0 {
		t.Fatalf("disabled rule still evaluated")
	}
	if r, ok := snap.Get("r1"); !ok || r.Enabled {
		t.Fatalf("disabled rule should stay loaded with Enabled=false")
	}

	if err := reg.Enable("r1"); err != nil {
		t.Fatalf("enable failed: %v", err)
	}
	if len(reg.Snapshot().Single()) != 1 {
		t.Fatalf("enabled rule not evaluated")
	}

	if err := reg.Disable("missing"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestUnload(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Load(singleManifest("r1"), Sources{Predicate: []byte("true")}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := reg.Unload("r1"); err != nil {
		t.Fatalf("unload failed: %v", err)
	}
	if _, ok := reg.Get("r1"); ok {
		t.Fatalf("rule still visible after unload")
	}
	if err := reg.Unload("r1"); !errors.Is(err, ErrRuleNotFound) {
		t.Fatalf("expected ErrRuleNotFound, got %v", err)
	}
}

func TestReloadReplacesRule(t *testing.T) {
	reg := testRegistry(t)
	if err := reg.Load(singleManifest("r1"), Sources{Predicate: []byte("true")}); err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if err := reg.Load(singleManifest("r1"), Sources{Predicate: []byte("false")}); err != nil {
		t.Fatalf("reload failed: %v", err)
	}
	snap := reg.Snapshot()
	if snap.Len() != 1 {
		t.Fatalf("reload duplicated the rule: %d loaded", snap.Len())
	}
	if len(snap.Single()) != 1 {
		t.Fatalf("reloaded rule not enabled")
	}
}
