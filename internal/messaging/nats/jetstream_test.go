package nats

import (
	"testing"
	"time"

	"github.com/nats-io/nats.go/jetstream"
	"github.com/stretchr/testify/assert"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
)

func TestDLQStream(t *testing.T) {
	cfg := DLQStream("tap.dlq")

	assert.Equal(t, "TAP_DLQ", cfg.Name)
	assert.Equal(t, []string{"tap.dlq.>"}, cfg.Subjects)
	assert.Equal(t, jetstream.LimitsPolicy, cfg.Retention)
	assert.Equal(t, jetstream.FileStorage, cfg.Storage)
	assert.Equal(t, 7*24*time.Hour, cfg.MaxAge)
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, "nats://127.0.0.1:4222", cfg.URL)
	assert.Equal(t, -1, cfg.MaxReconnects)
}

func TestNewClient_ConnectionFailure(t *testing.T) {
	cfg := DefaultConfig()
	cfg.URL = "nats://127.0.0.1:1"
	cfg.Timeout = 200 * time.Millisecond

	client, err := NewJetStreamClient(cfg, logging.Discard())
	assert.Error(t, err)
	assert.Nil(t, client)
}
