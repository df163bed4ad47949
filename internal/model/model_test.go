package model

import (
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRawFlow_ContentEncoding(t *testing.T) {
	f := &RawFlow{}
	assert.Equal(t, "", f.ContentEncoding())

	f.Header = http.Header{}
	f.Header.Set("Content-Encoding", "gzip")
	assert.Equal(t, "gzip", f.ContentEncoding())
}

func TestPersistedDocument_JSONShape(t *testing.T) {
	doc := PersistedDocument{
		ID:           "abc",
		Index:        IndexTelemetry,
		User:         "alice",
		UserIP:       "10.0.0.1",
		ConnectionID: "conn-1",
		Timestamp:    time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC),
		Request:      map[string]any{"url": "https://example.com/telemetry", "baseData": "reportEditArc"},
	}

	data, err := json.Marshal(doc)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(data, &out))

	assert.Equal(t, "alice", out["user"])
	assert.Equal(t, "10.0.0.1", out["user_ip"])
	assert.Equal(t, "conn-1", out["connectionid"])
	assert.Equal(t, "2026-03-01T12:00:00Z", out["timestamp"])
	assert.NotContains(t, out, "ID")
	assert.NotContains(t, out, "payload")
	assert.Equal(t, IndexTelemetry, doc.Category())
	assert.Equal(t, "reportEditArc", doc.EventName())
}

func TestRawPayload_Constructors(t *testing.T) {
	assert.Equal(t, PayloadEmpty, EmptyPayload().Kind)
	assert.Equal(t, PayloadObject, ObjectPayload(map[string]any{}).Kind)
	assert.Equal(t, PayloadList, ListPayload(nil).Kind)
	assert.Equal(t, PayloadScalar, ScalarPayload(1.0).Kind)

	p := MalformedPayload(errors.New("bad"))
	assert.Equal(t, PayloadMalformed, p.Kind)
	assert.EqualError(t, p.Err, "bad")
	assert.Equal(t, "malformed", p.Kind.String())
}
