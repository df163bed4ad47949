// Package nats wraps the NATS connection used for dead-letter publishing.
package nats

import (
	"errors"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
)

// drainTimeout bounds how long Close waits for buffered publishes.
const drainTimeout = 5 * time.Second

// Config describes one connection. MaxReconnects < 0 retries forever.
type Config struct {
	URL           string
	Name          string
	MaxReconnects int
	ReconnectWait time.Duration
	Timeout       time.Duration
}

// DefaultConfig connects to the local server and never gives up
// reconnecting, so a NATS restart does not disable the DLQ.
func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		Name:          "telemetry-tap",
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
		Timeout:       5 * time.Second,
	}
}

// Client owns a NATS connection and logs its lifecycle events.
type Client struct {
	conn   *nats.Conn
	logger *logging.Logger
}

func NewClient(cfg Config, logger *logging.Logger) (*Client, error) {
	if logger == nil {
		logger = logging.Default()
	}
	c := &Client{logger: logger.With(logging.Service("nats"))}

	conn, err := nats.Connect(cfg.URL, c.options(cfg)...)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to NATS at %s: %w", cfg.URL, err)
	}
	c.conn = conn
	c.logger.Info("nats connected", "url", conn.ConnectedUrlRedacted())
	return c, nil
}

func (c *Client) options(cfg Config) []nats.Option {
	return []nats.Option{
		nats.Name(cfg.Name),
		nats.Timeout(cfg.Timeout),
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DrainTimeout(drainTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				c.logger.Warn("nats disconnected", logging.Error(err))
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			c.logger.Info("nats reconnected", "url", nc.ConnectedUrlRedacted())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, _ *nats.Subscription, err error) {
			c.logger.Warn("nats async error", logging.Error(err))
		}),
	}
}

// IsConnected reports whether the connection is currently up.
func (c *Client) IsConnected() bool {
	return c.conn.IsConnected()
}

// Close drains buffered publishes, then closes. A connection that is
// already closed is not an error.
func (c *Client) Close() error {
	if err := c.conn.Drain(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
		c.conn.Close()
		return fmt.Errorf("failed to drain NATS connection: %w", err)
	}
	return nil
}
