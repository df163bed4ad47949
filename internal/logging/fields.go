package logging

import (
	"log/slog"
	"time"
)

// Common field names for consistent logging across packages.
const (
	FieldService      = "service"
	FieldUsername     = "username"
	FieldIP           = "ip"
	FieldConnectionID = "connection_id"
	FieldMethod       = "method"
	FieldURL          = "url"
	FieldStatus       = "status"
	FieldDuration     = "duration_ms"
	FieldError        = "error"
	FieldEventType    = "event_type"
	FieldHandler      = "handler"
	FieldIndex        = "index"
	FieldSink         = "sink"
)

// Service returns a slog attribute for the service name.
func Service(name string) slog.Attr {
	return slog.String(FieldService, name)
}

// Username returns a slog attribute for the username.
func Username(name string) slog.Attr {
	return slog.String(FieldUsername, name)
}

// IP returns a slog attribute for the client IP address.
func IP(ip string) slog.Attr {
	return slog.String(FieldIP, ip)
}

// ConnectionID returns a slog attribute for the proxy connection id.
func ConnectionID(id string) slog.Attr {
	return slog.String(FieldConnectionID, id)
}

// Method returns a slog attribute for the HTTP method.
func Method(method string) slog.Attr {
	return slog.String(FieldMethod, method)
}

// URL returns a slog attribute for a request URL.
func URL(u string) slog.Attr {
	return slog.String(FieldURL, u)
}

// Status returns a slog attribute for the HTTP status code.
func Status(code int) slog.Attr {
	return slog.Int(FieldStatus, code)
}

// Duration returns a slog attribute for a duration in milliseconds.
func Duration(d time.Duration) slog.Attr {
	return slog.Int64(FieldDuration, d.Milliseconds())
}

// Error returns a slog attribute for an error.
func Error(err error) slog.Attr {
	if err == nil {
		return slog.String(FieldError, "")
	}
	return slog.String(FieldError, err.Error())
}

// EventType returns a slog attribute for a telemetry event type.
func EventType(t string) slog.Attr {
	return slog.String(FieldEventType, t)
}

// Handler returns a slog attribute for the handler that processed an event.
func Handler(name string) slog.Attr {
	return slog.String(FieldHandler, name)
}

// Index returns a slog attribute for a search index name.
func Index(name string) slog.Attr {
	return slog.String(FieldIndex, name)
}

// Sink returns a slog attribute for a sink name.
func Sink(name string) slog.Attr {
	return slog.String(FieldSink, name)
}
