package models

import (
	"encoding/hex"
	"fmt"
	"sort"
)

// FieldID identifies a schema field.
type FieldID uint32

// EventTypeID identifies an event type.
type EventTypeID uint16

// EntityKey groups events for sequence correlation (for example a process
// lineage). All events with the same key are routed to the same partition.
type EntityKey [16]byte

// EntityKeyFromUint64 builds a key from two 64-bit halves.
func EntityKeyFromUint64(hi, lo uint64) EntityKey {
	var k EntityKey
	for i := 0; i < 8; i++ {
		k[i] = byte(hi >> (56 - 8*i))
		k[8+i] = byte(lo >> (56 - 8*i))
	}
	return k
}

// ParseEntityKey decodes a 32-character hex key.
func ParseEntityKey(s string) (EntityKey, error) {
	var k EntityKey
	raw, err := hex.DecodeString(s)
	if err != nil {
		return k, fmt.Errorf("parse entity key: %w", err)
	}
	if len(raw) != len(k) {
		return k, fmt.Errorf("parse entity key: want %d bytes, got %d", len(k), len(raw))
	}
	copy(k[:], raw)
	return k, nil
}

// Hex returns the lowercase hex form of the key.
func (k EntityKey) Hex() string {
	return hex.EncodeToString(k[:])
}

// IsZero reports whether the key is unset.
func (k EntityKey) IsZero() bool {
	return k == EntityKey{}
}

// ValueKind tags a TypedValue variant.
type ValueKind uint8

const (
	KindNone ValueKind = iota
	KindString
	KindInt
	KindUint
	KindBool
	KindBytes
)

// TypedValue is a tagged union over the field value types. Wrong-kind
// accessors return ok=false rather than faulting.
type TypedValue struct {
	kind ValueKind
	str  string
	num  uint64
	flag bool
	blob []byte
}

// StringValue wraps a string.
func StringValue(s string) TypedValue { return TypedValue{kind: KindString, str: s} }

// IntValue wraps a signed integer.
func IntValue(v int64) TypedValue { return TypedValue{kind: KindInt, num: uint64(v)} }

// UintValue wraps an unsigned integer.
func UintValue(v uint64) TypedValue { return TypedValue{kind: KindUint, num: v} }

// BoolValue wraps a boolean.
func BoolValue(v bool) TypedValue { return TypedValue{kind: KindBool, flag: v} }

// BytesValue wraps a byte blob. The slice is not copied.
func BytesValue(b []byte) TypedValue { return TypedValue{kind: KindBytes, blob: b} }

// Kind returns the variant tag.
func (v TypedValue) Kind() ValueKind { return v.kind }

// AsString returns the string value if the kind matches.
func (v TypedValue) AsString() (string, bool) {
	if v.kind != KindString {
		return "", false
	}
	return v.str, true
}

// AsInt returns the signed integer value if the kind matches.
func (v TypedValue) AsInt() (int64, bool) {
	if v.kind != KindInt {
		return 0, false
	}
	return int64(v.num), true
}

// AsUint returns the unsigned integer value if the kind matches.
func (v TypedValue) AsUint() (uint64, bool) {
	if v.kind != KindUint {
		return 0, false
	}
	return v.num, true
}

// AsBool returns the boolean value if the kind matches.
func (v TypedValue) AsBool() (bool, bool) {
	if v.kind != KindBool {
		return false, false
	}
	return v.flag, true
}

// AsBytes returns the blob if the kind matches. Callers must not modify it.
func (v TypedValue) AsBytes() ([]byte, bool) {
	if v.kind != KindBytes {
		return nil, false
	}
	return v.blob, true
}

// Interface returns the underlying value as a plain Go value for handing
// into rule runtimes.
func (v TypedValue) Interface() interface{} {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return int64(v.num)
	case KindUint:
		return v.num
	case KindBool:
		return v.flag
	case KindBytes:
		return v.blob
	default:
		return nil
	}
}

// String renders the value for logs and alert payloads.
func (v TypedValue) String() string {
	switch v.kind {
	case KindString:
		return v.str
	case KindInt:
		return fmt.Sprintf("%d", int64(v.num))
	case KindUint:
		return fmt.Sprintf("%d", v.num)
	case KindBool:
		if v.flag {
			return "true"
		}
		return "false"
	case KindBytes:
		return hex.EncodeToString(v.blob)
	default:
		return ""
	}
}

// Field is one (field id, value) pair on an event.
type Field struct {
	ID    FieldID
	Value TypedValue
}

// Event is an immutable telemetry event. Fields are kept sorted by field
// id with no duplicates; lookups are binary searches.
type Event struct {
	EventID   uint64
	EventType EventTypeID
	TsMonoNs  uint64
	TsWallNs  uint64
	Entity    EntityKey
	Source    string

	fields []Field
}

// Get returns the field value for id, or ok=false when absent.
func (e *Event) Get(id FieldID) (TypedValue, bool) {
	idx := sort.Search(len(e.fields), func(i int) bool { return e.fields[i].ID >= id })
	if idx < len(e.fields) && e.fields[idx].ID == id {
		return e.fields[idx].Value, true
	}
	return TypedValue{}, false
}

// Has reports whether the event carries field id.
func (e *Event) Has(id FieldID) bool {
	_, ok := e.Get(id)
	return ok
}

// Fields returns the sorted field list. Callers must not modify it.
func (e *Event) Fields() []Field {
	return e.fields
}

// WithField returns a copy of the event with the field set, preserving
// sorted order. An existing field with the same id is replaced.
func (e *Event) WithField(id FieldID, v TypedValue) *Event {
	clone := *e
	clone.fields = insertField(append([]Field(nil), e.fields...), id, v)
	return &clone
}

func insertField(fields []Field, id FieldID, v TypedValue) []Field {
	idx := sort.Search(len(fields), func(i int) bool { return fields[i].ID >= id })
	if idx < len(fields) && fields[idx].ID == id {
		fields[idx].Value = v
		return fields
	}
	fields = append(fields, Field{})
	copy(fields[idx+1:], fields[idx:])
	fields[idx] = Field{ID: id, Value: v}
	return fields
}

// BuildError reports a malformed event rejected before entering the
// pipeline.
type BuildError struct {
	Missing string
}

func (e *BuildError) Error() string {
	return "build event: missing required field " + e.Missing
}

// EventBuilder assembles an Event and validates required fields on Build.
type EventBuilder struct {
	event     Event
	hasType   bool
	hasMono   bool
	hasWall   bool
	hasEntity bool
}

// NewEventBuilder returns an empty builder.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{}
}

// EventID sets the monotonic event id. Normally assigned by the engine on
// ingest; setting it here is for replay inputs.
func (b *EventBuilder) EventID(id uint64) *EventBuilder {
	b.event.EventID = id
	return b
}

// EventType sets the event type id.
func (b *EventBuilder) EventType(id EventTypeID) *EventBuilder {
	b.event.EventType = id
	b.hasType = true
	return b
}

// TsMono sets the monotonic timestamp in nanoseconds (the ordering key).
func (b *EventBuilder) TsMono(ns uint64) *EventBuilder {
	b.event.TsMonoNs = ns
	b.hasMono = true
	return b
}

// TsWall sets the wall-clock timestamp in nanoseconds (display only).
func (b *EventBuilder) TsWall(ns uint64) *EventBuilder {
	b.event.TsWallNs = ns
	b.hasWall = true
	return b
}

// Entity sets the grouping key.
func (b *EventBuilder) Entity(k EntityKey) *EventBuilder {
	b.event.Entity = k
	b.hasEntity = true
	return b
}

// Source sets the optional source identifier.
func (b *EventBuilder) Source(s string) *EventBuilder {
	b.event.Source = s
	return b
}

// Field adds a field, keeping the field list sorted. A duplicate field id
// replaces the earlier value.
func (b *EventBuilder) Field(id FieldID, v TypedValue) *EventBuilder {
	b.event.fields = insertField(b.event.fields, id, v)
	return b
}

// Build validates required fields and returns the immutable event.
func (b *EventBuilder) Build() (*Event, error) {
	switch {
	case !b.hasType:
		return nil, &BuildError{Missing: "event_type_id"}
	case !b.hasMono:
		return nil, &BuildError{Missing: "ts_mono_ns"}
	case !b.hasWall:
		return nil, &BuildError{Missing: "ts_wall_ns"}
	case !b.hasEntity:
		return nil, &BuildError{Missing: "entity_key"}
	}
	ev := b.event
	return &ev, nil
}
