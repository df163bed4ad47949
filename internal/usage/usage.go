// Package usage keeps per-user daily event counters in Redis.
//
// Designed for several proxy instances writing concurrently. Counters can
// be read back by any process.
//
// Redis Key Structure:
//
//	tap:usage:{user}:{YYYYMMDD} - Hash of event type -> document count
//	tap:ips:{user}:{YYYYMMDD}   - Set of client IPs seen that day
//	tap:users:{YYYYMMDD}        - Set of users active that day
package usage

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultTTL is how long daily keys are kept when no TTL is configured.
const DefaultTTL = 30 * 24 * time.Hour

const dayLayout = "20060102"

// DailyUsage is one user's activity for one UTC day.
type DailyUsage struct {
	User        string           `json:"user" yaml:"user"`
	Date        string           `json:"date" yaml:"date"`
	TotalEvents int64            `json:"total_events" yaml:"total_events"`
	ByType      map[string]int64 `json:"by_type" yaml:"by_type"`
	ClientIPs   []string         `json:"client_ips,omitempty" yaml:"client_ips,omitempty"`
}

// Client reads and writes usage counters.
type Client struct {
	redis *redis.Client
	ttl   time.Duration
}

// NewClient connects to redisURL and verifies the connection.
func NewClient(ctx context.Context, redisURL string, ttl time.Duration) (*Client, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("redis connection failed: %w", err)
	}

	return NewClientFromRedis(client, ttl), nil
}

// NewClientFromRedis creates a client from an existing Redis connection.
func NewClientFromRedis(client *redis.Client, ttl time.Duration) *Client {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &Client{redis: client, ttl: ttl}
}

func usageKey(user, day string) string { return fmt.Sprintf("tap:usage:%s:%s", user, day) }

func ipsKey(user, day string) string { return fmt.Sprintf("tap:ips:%s:%s", user, day) }

func usersKey(day string) string { return "tap:users:" + day }

// FlushBatch writes accumulated counters in one pipeline.
func (c *Client) FlushBatch(ctx context.Context, batch *Batch) error {
	if batch.Total() == 0 {
		return nil
	}

	pipe := c.redis.Pipeline()

	uKey := usageKey(batch.User, batch.Day)
	for eventType, n := range batch.Counts {
		pipe.HIncrBy(ctx, uKey, eventType, n)
	}
	pipe.Expire(ctx, uKey, c.ttl)

	if len(batch.ClientIPs) > 0 {
		ips := make([]interface{}, 0, len(batch.ClientIPs))
		for ip := range batch.ClientIPs {
			ips = append(ips, ip)
		}
		iKey := ipsKey(batch.User, batch.Day)
		pipe.SAdd(ctx, iKey, ips...)
		pipe.Expire(ctx, iKey, c.ttl)
	}

	pipe.SAdd(ctx, usersKey(batch.Day), batch.User)
	pipe.Expire(ctx, usersKey(batch.Day), c.ttl)

	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to flush batch: %w", err)
	}
	return nil
}

// GetDailyUsage returns the counters of user on day (YYYYMMDD).
func (c *Client) GetDailyUsage(ctx context.Context, user, day string) (*DailyUsage, error) {
	pipe := c.redis.Pipeline()
	countsCmd := pipe.HGetAll(ctx, usageKey(user, day))
	ipsCmd := pipe.SMembers(ctx, ipsKey(user, day))

	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to get usage: %w", err)
	}

	out := &DailyUsage{User: user, Date: day, ByType: make(map[string]int64)}
	if counts, err := countsCmd.Result(); err == nil {
		for eventType, raw := range counts {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			out.ByType[eventType] = n
			out.TotalEvents += n
		}
	}
	if ips, err := ipsCmd.Result(); err == nil {
		out.ClientIPs = ips
	}
	return out, nil
}

// ListUsers returns the users active on day (YYYYMMDD).
func (c *Client) ListUsers(ctx context.Context, day string) ([]string, error) {
	users, err := c.redis.SMembers(ctx, usersKey(day)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to list users: %w", err)
	}
	return users, nil
}

// Ping checks the Redis connection.
func (c *Client) Ping(ctx context.Context) error {
	return c.redis.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (c *Client) Close() error {
	return c.redis.Close()
}

// Day formats t as a UTC partition day.
func Day(t time.Time) string {
	return t.UTC().Format(dayLayout)
}
