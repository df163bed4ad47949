// Package model defines the records that flow through the telemetry tap.
package model

import (
	"net/http"
	"time"
)

// AnonymousUser is the username recorded when authentication is disabled
// or an exempt URL was reached without credentials.
const AnonymousUser = "anonymous"

// Default index names. All three are configurable.
const (
	IndexTelemetry = "telemetry-streaming"
	IndexTraffic   = "mitmproxy-stream"
	IndexRaw       = "telemetry-raw"
)

// Direction tells whether a flow carries the request or the response half of an exchange.
type Direction string

const (
	DirectionRequest  Direction = "request"
	DirectionResponse Direction = "response"
)

// RawFlow is one half of an intercepted HTTP exchange. It is owned by a
// single pipeline pass and discarded afterwards.
type RawFlow struct {
	Method       string
	URL          string
	Direction    Direction
	Header       http.Header
	Body         []byte
	ClientIP     string
	ConnectionID string
	StartedAt    time.Time
}

// ContentEncoding returns the declared Content-Encoding, or "" when absent.
func (f *RawFlow) ContentEncoding() string {
	if f.Header == nil {
		return ""
	}
	return f.Header.Get("Content-Encoding")
}

// CanonicalEvent is a normalized telemetry record.
type CanonicalEvent struct {
	// Name is the full declared name, e.g.
	// GitHub.copilot-chat/vscode.editTelemetry.reportEditArc.
	Name string
	// Type is the routing key derived from Name. Never empty.
	Type string
	// Synthetic is set when the normalizer had to build the descriptor.
	Synthetic    bool
	BaseData     map[string]any
	Properties   map[string]any
	Measurements map[string]any
	Payload      map[string]any
}

// SessionContext identifies who produced a flow.
type SessionContext struct {
	Username     string
	ClientIP     string
	ConnectionID string
	URL          string
}

// PersistedDocument is the sink-bound record. ID and Index are routing
// metadata and are not part of the serialized body.
type PersistedDocument struct {
	ID           string         `json:"-"`
	Index        string         `json:"-"`
	User         string         `json:"user"`
	UserIP       string         `json:"user_ip"`
	ConnectionID string         `json:"connectionid"`
	Timestamp    time.Time      `json:"timestamp"`
	Request      map[string]any `json:"request,omitempty"`
	Payload      map[string]any `json:"payload,omitempty"`
}

// Category returns the index the document belongs to.
func (d *PersistedDocument) Category() string {
	return d.Index
}

// EventName returns request.baseData when it is a string.
func (d *PersistedDocument) EventName() string {
	if d.Request == nil {
		return ""
	}
	name, _ := d.Request["baseData"].(string)
	return name
}
