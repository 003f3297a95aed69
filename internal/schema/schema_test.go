package schema

import "testing"

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.RegisterField("process.name", 3); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.RegisterField("process.name", 99); err == nil {
		t.Fatalf("duplicate path accepted")
	}
	if err := r.RegisterField("other.path", 3); err == nil {
		t.Fatalf("duplicate id accepted")
	}

	if err := r.RegisterEventType("process_exec", 1); err != nil {
		t.Fatalf("register failed: %v", err)
	}
	if err := r.RegisterEventType("process_exec", 2); err == nil {
		t.Fatalf("duplicate type name accepted")
	}
}

func TestDefaultSchemaResolvesBothDirections(t *testing.T) {
	r := Default()

	id, ok := r.FieldID("process.name")
	if !ok || id != FieldProcessName {
		t.Fatalf("field lookup: id=%d ok=%v", id, ok)
	}
	path, ok := r.FieldPath(FieldProcessName)
	if !ok || path != "process.name" {
		t.Fatalf("reverse field lookup: %q", path)
	}

	tid, ok := r.EventTypeID("net_connect")
	if !ok || tid != EventNetConnect {
		t.Fatalf("type lookup: id=%d ok=%v", tid, ok)
	}
	name, ok := r.EventTypeName(EventNetConnect)
	if !ok || name != "net_connect" {
		t.Fatalf("reverse type lookup: %q", name)
	}

	if _, ok := r.FieldID("no.such.field"); ok {
		t.Fatalf("unknown field resolved")
	}
}

func TestDefaultSchemaFieldPathsOrderedByID(t *testing.T) {
	paths := Default().FieldPaths()
	if len(paths) != 15 {
		t.Fatalf("expected 15 built-in field paths, got %d", len(paths))
	}
	if paths[0] != "process.pid" || paths[len(paths)-1] != "user.name" {
		t.Fatalf("paths not in id order: first=%q last=%q", paths[0], paths[len(paths)-1])
	}
}
