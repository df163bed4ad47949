// Package handlers shapes canonical events into persisted documents.
//
// Every handler is a pure transform. A handler may decline an event it
// considers noise by returning false; missing or mistyped fields never
// cause a failure.
package handlers

import (
	"time"

	"github.com/google/uuid"

	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// DefaultSurvivalDelayMs is the edit-survival checkpoint that gets persisted.
const DefaultSurvivalDelayMs = 300000

const (
	NameEditArc            = "edit-arc"
	NameEditSourcesDetails = "edit-sources-details"
	NameEditSurvival       = "edit-survival"
	NameConversation       = "conversation"
	NameGeneral            = "general"
)

// Input is everything a handler may look at.
type Input struct {
	Event      model.CanonicalEvent
	Session    model.SessionContext
	CapturedAt time.Time
}

// Handler transforms one event. The bool is false when the event is
// filtered out.
type Handler interface {
	Name() string
	Handle(in Input) (*model.PersistedDocument, bool)
}

// Options configures the handler set.
type Options struct {
	Index           string
	SurvivalDelayMs float64
}

// Set is the full family of handlers built from one Options value.
type Set struct {
	EditArc            Handler
	EditSourcesDetails Handler
	EditSurvival       Handler
	Conversation       Handler
	General            Handler
}

// NewSet builds every handler. Zero options select the defaults.
func NewSet(opts Options) Set {
	if opts.Index == "" {
		opts.Index = model.IndexTelemetry
	}
	if opts.SurvivalDelayMs == 0 {
		opts.SurvivalDelayMs = DefaultSurvivalDelayMs
	}
	b := base{index: opts.Index}
	return Set{
		EditArc:            &EditArc{base: b},
		EditSourcesDetails: &EditSourcesDetails{base: b},
		EditSurvival:       &EditSurvival{base: b, checkpointMs: opts.SurvivalDelayMs},
		Conversation:       &Conversation{base: b},
		General:            &General{base: b},
	}
}

// All returns the handlers in a stable order.
func (s Set) All() []Handler {
	return []Handler{s.EditArc, s.EditSourcesDetails, s.EditSurvival, s.Conversation, s.General}
}

type base struct {
	index string
}

// frame builds the document fields every handler shares.
func (b base) frame(in Input) *model.PersistedDocument {
	ts := in.CapturedAt
	if ts.IsZero() {
		ts = time.Now()
	}
	return &model.PersistedDocument{
		ID:           uuid.NewString(),
		Index:        b.index,
		User:         in.Session.Username,
		UserIP:       in.Session.ClientIP,
		ConnectionID: in.Session.ConnectionID,
		Timestamp:    ts.UTC(),
		Request: map[string]interface{}{
			"url":      in.Session.URL,
			"baseData": in.Event.Name,
		},
	}
}

// attach copies measurements and properties, substituting empty maps so
// the document shape is stable for the search index.
func attach(req map[string]interface{}, ev model.CanonicalEvent) {
	req["measurements"] = orEmpty(ev.Measurements)
	req["properties"] = orEmpty(ev.Properties)
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// str returns m[key] as a string, or "" when absent or not a string.
func str(m map[string]interface{}, key string) string {
	if m == nil {
		return ""
	}
	v, _ := m[key].(string)
	return v
}

// number returns m[key] as a float64 when it holds a JSON number.
func number(m map[string]interface{}, key string) (float64, bool) {
	if m == nil {
		return 0, false
	}
	switch v := m[key].(type) {
	case float64:
		return v, true
	case int:
		return float64(v), true
	case int64:
		return float64(v), true
	default:
		return 0, false
	}
}

// measurement looks in measurements first and then in the raw payload.
func measurement(ev model.CanonicalEvent, key string) (float64, bool) {
	if v, ok := number(ev.Measurements, key); ok {
		return v, true
	}
	return number(ev.Payload, key)
}

// copyStrings copies the named string properties, defaulting to "".
func copyStrings(req, props map[string]interface{}, keys ...string) {
	for _, k := range keys {
		req[k] = str(props, k)
	}
}
