package usage

import (
	"context"
	"sync"
	"time"

	"github.com/telhawk-systems/telemetry-tap/internal/logging"
)

// Batch holds counters for one user and day awaiting a flush.
type Batch struct {
	User      string
	Day       string
	Counts    map[string]int64
	ClientIPs map[string]struct{}
}

func newBatch(user, day string) *Batch {
	return &Batch{
		User:      user,
		Day:       day,
		Counts:    make(map[string]int64),
		ClientIPs: make(map[string]struct{}),
	}
}

// Total returns the number of documents counted in the batch.
func (b *Batch) Total() int64 {
	var n int64
	for _, c := range b.Counts {
		n += c
	}
	return n
}

func (b *Batch) merge(other *Batch) {
	for k, v := range other.Counts {
		b.Counts[k] += v
	}
	for ip := range other.ClientIPs {
		b.ClientIPs[ip] = struct{}{}
	}
}

// flusher is the part of Client the collector needs.
type flusher interface {
	FlushBatch(ctx context.Context, batch *Batch) error
}

// Collector accumulates counters in memory and flushes them to Redis
// periodically. Safe for concurrent use.
type Collector struct {
	client        flusher
	flushInterval time.Duration
	logger        *logging.Logger

	mu      sync.Mutex
	batches map[string]*Batch // user|day -> batch

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewCollector starts a background flush loop.
func NewCollector(client *Client, flushInterval time.Duration, logger *logging.Logger) *Collector {
	return newCollector(client, flushInterval, logger)
}

func newCollector(client flusher, flushInterval time.Duration, logger *logging.Logger) *Collector {
	if logger == nil {
		logger = logging.Default()
	}
	if flushInterval <= 0 {
		flushInterval = 10 * time.Second
	}

	ctx, cancel := context.WithCancel(context.Background())
	c := &Collector{
		client:        client,
		flushInterval: flushInterval,
		logger:        logger.With(logging.Service("usage")),
		batches:       make(map[string]*Batch),
		cancel:        cancel,
	}

	c.wg.Add(1)
	go c.flushLoop(ctx)
	return c
}

// Record counts one persisted document of eventType for user.
func (c *Collector) Record(user, eventType, clientIP string, at time.Time) {
	day := Day(at)
	key := user + "|" + day

	c.mu.Lock()
	defer c.mu.Unlock()

	batch, ok := c.batches[key]
	if !ok {
		batch = newBatch(user, day)
		c.batches[key] = batch
	}
	batch.Counts[eventType]++
	if clientIP != "" {
		batch.ClientIPs[clientIP] = struct{}{}
	}
}

func (c *Collector) flushLoop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			// Final flush on shutdown
			c.flush()
			return
		case <-ticker.C:
			c.flush()
		}
	}
}

func (c *Collector) flush() {
	c.mu.Lock()
	batches := c.batches
	c.batches = make(map[string]*Batch)
	c.mu.Unlock()

	if len(batches) == 0 {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var flushed int
	for key, batch := range batches {
		if err := c.client.FlushBatch(ctx, batch); err != nil {
			c.logger.Error("failed to flush usage batch",
				logging.Username(batch.User), "day", batch.Day, logging.Error(err))
			// Merge back for the next tick.
			c.mu.Lock()
			if existing, ok := c.batches[key]; ok {
				existing.merge(batch)
			} else {
				c.batches[key] = batch
			}
			c.mu.Unlock()
			continue
		}
		flushed++
	}

	if flushed > 0 {
		c.logger.Debug("flushed usage counters", "batches", flushed)
	}
}

// FlushNow forces an immediate flush.
func (c *Collector) FlushNow() {
	c.flush()
}

// Stop stops the flush loop after a final flush.
func (c *Collector) Stop() {
	c.cancel()
	c.wg.Wait()
}

// Pending returns unflushed document counts per user.
func (c *Collector) Pending() map[string]int64 {
	c.mu.Lock()
	defer c.mu.Unlock()

	out := make(map[string]int64, len(c.batches))
	for _, b := range c.batches {
		out[b.User] += b.Total()
	}
	return out
}
