package event

import (
	"encoding/json"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"
)

// PayloadVersion is the standardized payload format version.
const PayloadVersion = "1.0.0"

// Source identifies where an operation came from.
type Source string

// Operation sources.
const (
	SourceCLI     Source = "cli"
	SourceMCP     Source = "mcp"
	SourceAPI     Source = "api"
	SourceWebhook Source = "webhook"
)

// OperationContext travels with every emitted event.
type OperationContext struct {
	ProjectRoot string         `json:"projectRoot" validate:"required"`
	Session     map[string]any `json:"session" validate:"required"`
	Source      Source         `json:"source" validate:"required,oneof=cli mcp api webhook"`
	RequestID   string         `json:"requestId,omitempty"`
	User        string         `json:"user,omitempty"`
}

// Payload is the standardized event payload. It is not mutated after
// creation; With returns a modified copy.
type Payload struct {
	Version   string           `json:"version" validate:"required"`
	EventID   string           `json:"eventId" validate:"required,startswith=evt_"`
	Type      string           `json:"type" validate:"required"`
	Timestamp string           `json:"timestamp" validate:"required,datetime=2006-01-02T15:04:05.999999999Z07:00"`
	Context   OperationContext `json:"context"`

	// Data holds the event-type specific fields. They are serialized at the
	// top level of the JSON object.
	Data map[string]any `json:"-"`
}

// NewPayload builds a standardized payload for eventType.
func NewPayload(eventType string, ctx OperationContext, data map[string]any) *Payload {
	now := time.Now().UTC()
	return &Payload{
		Version:   PayloadVersion,
		EventID:   NewEventID(now),
		Type:      eventType,
		Timestamp: now.Format(time.RFC3339Nano),
		Context:   ctx,
		Data:      maps.Clone(data),
	}
}

// NewEventID returns an id of the form evt_<epochMillis>_<random>.
func NewEventID(now time.Time) string {
	random := strings.ReplaceAll(uuid.NewString(), "-", "")[:9]
	return fmt.Sprintf("evt_%d_%s", now.UnixMilli(), random)
}

// Get returns a data field.
func (p *Payload) Get(key string) (any, bool) {
	v, ok := p.Data[key]
	return v, ok
}

// With returns a copy of p with key set in its data.
func (p *Payload) With(key string, value any) *Payload {
	cp := *p
	cp.Data = maps.Clone(p.Data)
	if cp.Data == nil {
		cp.Data = make(map[string]any, 1)
	}
	cp.Data[key] = value
	return &cp
}

var reservedKeys = map[string]bool{
	"version": true, "eventId": true, "type": true, "timestamp": true, "context": true,
}

// MarshalJSON flattens Data into the top-level object.
func (p Payload) MarshalJSON() ([]byte, error) {
	out := make(map[string]any, len(p.Data)+5)
	for k, v := range p.Data {
		if !reservedKeys[k] {
			out[k] = v
		}
	}
	out["version"] = p.Version
	out["eventId"] = p.EventID
	out["type"] = p.Type
	out["timestamp"] = p.Timestamp
	out["context"] = p.Context
	return json.Marshal(out)
}

// UnmarshalJSON collects non-standard fields into Data.
func (p *Payload) UnmarshalJSON(b []byte) error {
	type header struct {
		Version   string           `json:"version"`
		EventID   string           `json:"eventId"`
		Type      string           `json:"type"`
		Timestamp string           `json:"timestamp"`
		Context   OperationContext `json:"context"`
	}
	var h header
	if err := json.Unmarshal(b, &h); err != nil {
		return err
	}
	var all map[string]any
	if err := json.Unmarshal(b, &all); err != nil {
		return err
	}
	for k := range reservedKeys {
		delete(all, k)
	}
	*p = Payload{
		Version:   h.Version,
		EventID:   h.EventID,
		Type:      h.Type,
		Timestamp: h.Timestamp,
		Context:   h.Context,
		Data:      all,
	}
	return nil
}

// Marshal serializes a payload.
func Marshal(p *Payload) ([]byte, error) {
	return json.Marshal(p)
}

// Unmarshal deserializes a payload.
func Unmarshal(b []byte) (*Payload, error) {
	var p Payload
	if err := json.Unmarshal(b, &p); err != nil {
		return nil, fmt.Errorf("decode payload: %w", err)
	}
	return &p, nil
}
