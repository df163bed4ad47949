// Package dlq publishes documents that a sink failed to persist so they
// can be replayed later.
package dlq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
	"github.com/telhawk-systems/telemetry-tap/internal/messaging/nats"
	"github.com/telhawk-systems/telemetry-tap/internal/model"
)

// DefaultSubjectPrefix is used when no prefix is configured.
const DefaultSubjectPrefix = "tap.dlq"

// FailedWrite captures a failed sink write for replay.
type FailedWrite struct {
	Timestamp time.Time                `json:"timestamp"`
	Sink      string                   `json:"sink"`
	Index     string                   `json:"index"`
	DocID     string                   `json:"doc_id"`
	Error     string                   `json:"error"`
	Document  *model.PersistedDocument `json:"document"`
}

// publisher is the subset of the JetStream client the queue needs.
type publisher interface {
	PublishSync(ctx context.Context, subject string, data []byte) (*jetstream.PubAck, error)
}

// Publisher writes failed sink writes to JetStream. Safe for concurrent use.
type Publisher struct {
	js      publisher
	stream  jetstream.Stream
	prefix  string
	logger  *logging.Logger
	written atomic.Uint64
}

// NewPublisher ensures the DLQ stream exists and returns a publisher for it.
func NewPublisher(ctx context.Context, js *nats.JetStreamClient, subjectPrefix string, logger *logging.Logger) (*Publisher, error) {
	if js == nil {
		return nil, errors.New("jetstream client is nil")
	}
	if subjectPrefix == "" {
		subjectPrefix = DefaultSubjectPrefix
	}

	streamCfg := nats.DLQStream(subjectPrefix)
	stream, err := js.CreateOrUpdateStream(ctx, streamCfg)
	if err != nil {
		return nil, fmt.Errorf("create dlq stream: %w", err)
	}

	p := newPublisher(js, subjectPrefix, logger)
	p.stream = stream
	p.logger.InfoContext(ctx, "dlq stream ready", "stream", streamCfg.Name)
	return p, nil
}

func newPublisher(js publisher, prefix string, logger *logging.Logger) *Publisher {
	if logger == nil {
		logger = logging.Default()
	}
	return &Publisher{
		js:     js,
		prefix: prefix,
		logger: logger.With(logging.Service("dlq")),
	}
}

// Subject returns the subject failures of sinkName are published on.
func (p *Publisher) Subject(sinkName string) string {
	return p.prefix + "." + sinkName
}

// PublishFailure records doc and the error that kept sinkName from
// persisting it.
func (p *Publisher) PublishFailure(ctx context.Context, sinkName string, doc *model.PersistedDocument, cause error) error {
	if p == nil {
		return nil
	}

	failed := FailedWrite{
		Timestamp: time.Now().UTC(),
		Sink:      sinkName,
		Index:     doc.Index,
		DocID:     doc.ID,
		Document:  doc,
	}
	if cause != nil {
		failed.Error = cause.Error()
	}

	data, err := json.Marshal(failed)
	if err != nil {
		return fmt.Errorf("marshal dlq entry: %w", err)
	}

	if _, err := p.js.PublishSync(ctx, p.Subject(sinkName), data); err != nil {
		return fmt.Errorf("publish dlq entry: %w", err)
	}

	p.written.Add(1)
	p.logger.DebugContext(ctx, "published failed write", logging.Sink(sinkName), logging.Index(doc.Index))
	return nil
}

// Stats returns local and stream counters for the admin surface.
func (p *Publisher) Stats(ctx context.Context) map[string]interface{} {
	if p == nil {
		return map[string]interface{}{"enabled": false}
	}

	stats := map[string]interface{}{
		"enabled":       true,
		"backend":       "jetstream",
		"written_local": p.written.Load(),
	}
	if p.stream == nil {
		return stats
	}

	info, err := p.stream.Info(ctx)
	if err != nil {
		stats["error"] = err.Error()
		return stats
	}
	stats["total_messages"] = info.State.Msgs
	stats["total_bytes"] = info.State.Bytes
	return stats
}
