// Package wire decodes collector JSON documents into engine events
// through the schema registry.
package wire

import (
	"encoding/json"
	"fmt"

	"kestrel/internal/logger"
	"kestrel/internal/schema"
	"kestrel/pkg/models"
)

// envelope is the collector wire format. event_type and field keys are
// schema names; entity_key is the 32-character hex grouping key.
type envelope struct {
	EventType string                     `json:"event_type"`
	TsMonoNs  uint64                     `json:"ts_mono_ns"`
	TsWallNs  uint64                     `json:"ts_wall_ns"`
	EntityKey string                     `json:"entity_key"`
	Source    string                     `json:"source"`
	Fields    map[string]json.RawMessage `json:"fields"`
}

// Decoder turns wire documents into events.
type Decoder struct {
	reg *schema.Registry
	log logger.Component
}

// NewDecoder creates a decoder over a schema registry.
func NewDecoder(reg *schema.Registry) *Decoder {
	return &Decoder{reg: reg, log: logger.WithComponent("wire")}
}

// Decode parses one wire document. Unknown field paths are skipped with
// a debug log; structural problems (bad JSON, unknown event type, bad
// entity key, missing required members) reject the document.
func (d *Decoder) Decode(data []byte) (*models.Event, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	typeID, ok := d.reg.EventTypeID(env.EventType)
	if !ok {
		return nil, fmt.Errorf("decode event: unknown event type %q", env.EventType)
	}
	entity, err := models.ParseEntityKey(env.EntityKey)
	if err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}
	if entity.IsZero() {
		return nil, fmt.Errorf("decode event: zero entity key")
	}
	if env.TsWallNs == 0 {
		env.TsWallNs = env.TsMonoNs
	}

	b := models.NewEventBuilder().
		EventType(typeID).
		Entity(entity).
		Source(env.Source)
	// Leave absent timestamps unset so the builder rejects the document.
	if env.TsMonoNs != 0 {
		b.TsMono(env.TsMonoNs)
	}
	if env.TsWallNs != 0 {
		b.TsWall(env.TsWallNs)
	}

	for path, raw := range env.Fields {
		id, ok := d.reg.FieldID(path)
		if !ok {
			d.log.Debugf("skipping unknown field %q", path)
			continue
		}
		v, ok := decodeValue(raw)
		if !ok {
			d.log.Debugf("skipping field %q: unsupported value", path)
			continue
		}
		b.Field(id, v)
	}

	return b.Build()
}

func decodeValue(raw json.RawMessage) (models.TypedValue, bool) {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return models.StringValue(s), true
	}
	var flag bool
	if err := json.Unmarshal(raw, &flag); err == nil {
		return models.BoolValue(flag), true
	}
	var i int64
	if err := json.Unmarshal(raw, &i); err == nil {
		return models.IntValue(i), true
	}
	var u uint64
	if err := json.Unmarshal(raw, &u); err == nil {
		return models.UintValue(u), true
	}
	return models.TypedValue{}, false
}
