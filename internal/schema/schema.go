// Package schema maps field paths and event type names to the numeric
// identifiers carried on events.
package schema

import (
	"fmt"
	"sort"

	"kestrel/pkg/models"
)

// Registry resolves field paths and event type names in both directions.
// It is built once at startup and read-only afterwards.
type Registry struct {
	fieldsByPath map[string]models.FieldID
	fieldsByID   map[models.FieldID]string
	typesByName  map[string]models.EventTypeID
	typesByID    map[models.EventTypeID]string
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		fieldsByPath: make(map[string]models.FieldID),
		fieldsByID:   make(map[models.FieldID]string),
		typesByName:  make(map[string]models.EventTypeID),
		typesByID:    make(map[models.EventTypeID]string),
	}
}

// RegisterField adds a field path with a fixed id.
func (r *Registry) RegisterField(path string, id models.FieldID) error {
	if _, ok := r.fieldsByPath[path]; ok {
		return fmt.Errorf("schema: field path already registered: %s", path)
	}
	if _, ok := r.fieldsByID[id]; ok {
		return fmt.Errorf("schema: field id already registered: %d", id)
	}
	r.fieldsByPath[path] = id
	r.fieldsByID[id] = path
	return nil
}

// RegisterEventType adds an event type name with a fixed id.
func (r *Registry) RegisterEventType(name string, id models.EventTypeID) error {
	if _, ok := r.typesByName[name]; ok {
		return fmt.Errorf("schema: event type already registered: %s", name)
	}
	if _, ok := r.typesByID[id]; ok {
		return fmt.Errorf("schema: event type id already registered: %d", id)
	}
	r.typesByName[name] = id
	r.typesByID[id] = name
	return nil
}

// FieldID resolves a field path.
func (r *Registry) FieldID(path string) (models.FieldID, bool) {
	id, ok := r.fieldsByPath[path]
	return id, ok
}

// FieldPath resolves a field id back to its path.
func (r *Registry) FieldPath(id models.FieldID) (string, bool) {
	path, ok := r.fieldsByID[id]
	return path, ok
}

// EventTypeID resolves an event type name.
func (r *Registry) EventTypeID(name string) (models.EventTypeID, bool) {
	id, ok := r.typesByName[name]
	return id, ok
}

// EventTypeName resolves an event type id back to its name.
func (r *Registry) EventTypeName(id models.EventTypeID) (string, bool) {
	name, ok := r.typesByID[id]
	return name, ok
}

// FieldPaths lists registered field paths in id order.
func (r *Registry) FieldPaths() []string {
	ids := make([]int, 0, len(r.fieldsByID))
	for id := range r.fieldsByID {
		ids = append(ids, int(id))
	}
	sort.Ints(ids)
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		out = append(out, r.fieldsByID[models.FieldID(id)])
	}
	return out
}

// Built-in endpoint telemetry event types.
const (
	EventProcessExec models.EventTypeID = 1
	EventProcessExit models.EventTypeID = 2
	EventFileOpen    models.EventTypeID = 3
	EventFileWrite   models.EventTypeID = 4
	EventNetConnect  models.EventTypeID = 5
	EventNetListen   models.EventTypeID = 6
	EventDNSQuery    models.EventTypeID = 7
)

// Built-in field ids.
const (
	FieldProcessPID     models.FieldID = 1
	FieldProcessPPID    models.FieldID = 2
	FieldProcessName    models.FieldID = 3
	FieldProcessPath    models.FieldID = 4
	FieldProcessCmdline models.FieldID = 5
	FieldProcessUID     models.FieldID = 6
	FieldFilePath       models.FieldID = 10
	FieldFileMode       models.FieldID = 11
	FieldNetRemoteAddr  models.FieldID = 20
	FieldNetRemotePort  models.FieldID = 21
	FieldNetLocalAddr   models.FieldID = 22
	FieldNetLocalPort   models.FieldID = 23
	FieldNetProto       models.FieldID = 24
	FieldDNSName        models.FieldID = 30
	FieldUserName       models.FieldID = 40
)

// Default returns the registry preloaded with the built-in endpoint
// telemetry schema.
func Default() *Registry {
	r := NewRegistry()

	types := []struct {
		name string
		id   models.EventTypeID
	}{
		{"process_exec", EventProcessExec},
		{"process_exit", EventProcessExit},
		{"file_open", EventFileOpen},
		{"file_write", EventFileWrite},
		{"net_connect", EventNetConnect},
		{"net_listen", EventNetListen},
		{"dns_query", EventDNSQuery},
	}
	for _, t := range types {
		if err := r.RegisterEventType(t.name, t.id); err != nil {
			panic(err)
		}
	}

	fields := []struct {
		path string
		id   models.FieldID
	}{
		{"process.pid", FieldProcessPID},
		{"process.ppid", FieldProcessPPID},
		{"process.name", FieldProcessName},
		{"process.path", FieldProcessPath},
		{"process.cmdline", FieldProcessCmdline},
		{"process.uid", FieldProcessUID},
		{"file.path", FieldFilePath},
		{"file.mode", FieldFileMode},
		{"net.remote_addr", FieldNetRemoteAddr},
		{"net.remote_port", FieldNetRemotePort},
		{"net.local_addr", FieldNetLocalAddr},
		{"net.local_port", FieldNetLocalPort},
		{"net.proto", FieldNetProto},
		{"dns.name", FieldDNSName},
		{"user.name", FieldUserName},
	}
	for _, f := range fields {
		if err := r.RegisterField(f.path, f.id); err != nil {
			panic(err)
		}
	}

	return r
}
