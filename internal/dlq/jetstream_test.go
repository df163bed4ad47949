package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

type fakeJetStream struct {
	mu       sync.Mutex
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeJetStream) PublishSync(_ context.Context, subject string, data []byte) (*jetstream.PubAck, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return nil, f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return &jetstream.PubAck{Stream: "TAP_DLQ", Sequence: uint64(len(f.payloads))}, nil
}

func testDoc() *model.PersistedDocument {
	return &model.PersistedDocument{
		ID:        "doc-1",
		Index:     model.IndexTelemetry,
		User:      "alice",
		Timestamp: time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC),
		Request:   map[string]interface{}{"baseData": "reportEditArc"},
	}
}

func TestPublisher_PublishFailure(t *testing.T) {
	js := &fakeJetStream{}
	p := newPublisher(js, DefaultSubjectPrefix, logging.Discard())

	err := p.PublishFailure(context.Background(), "opensearch", testDoc(), errors.New("connection refused"))
	require.NoError(t, err)

	require.Len(t, js.subjects, 1)
	assert.Equal(t, "tap.dlq.opensearch", js.subjects[0])

	var failed FailedWrite
	require.NoError(t, json.Unmarshal(js.payloads[0], &failed))
	assert.Equal(t, "opensearch", failed.Sink)
	assert.Equal(t, model.IndexTelemetry, failed.Index)
	assert.Equal(t, "doc-1", failed.DocID)
	assert.Equal(t, "connection refused", failed.Error)
	require.NotNil(t, failed.Document)
	assert.Equal(t, "alice", failed.Document.User)

	stats := p.Stats(context.Background())
	assert.Equal(t, uint64(1), stats["written_local"])
}

func TestPublisher_PublishError(t *testing.T) {
	js := &fakeJetStream{err: errors.New("no responders")}
	p := newPublisher(js, "custom.dlq", logging.Discard())

	err := p.PublishFailure(context.Background(), "archive", testDoc(), errors.New("disk full"))
	assert.ErrorContains(t, err, "no responders")
	assert.Equal(t, "custom.dlq.archive", p.Subject("archive"))
	assert.Equal(t, uint64(0), p.Stats(context.Background())["written_local"])
}

func TestPublisher_Nil(t *testing.T) {
	var p *Publisher
	assert.NoError(t, p.PublishFailure(context.Background(), "archive", testDoc(), nil))
	assert.Equal(t, false, p.Stats(context.Background())["enabled"])
}

func TestNewPublisher_NilClient(t *testing.T) {
	_, err := NewPublisher(context.Background(), nil, "", logging.Discard())
	assert.Error(t, err)
}
