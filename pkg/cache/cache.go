// Package cache mirrors governance counters into Redis: daily spend totals
// that survive restarts and a pub/sub channel carrying blackboard messages
// to other replicas.
//
// A nil *Cache is valid and fails open: writes are dropped and reads return zero.
package cache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/blackboard"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/ledger"
	"github.com/bigdegenenergy/open-cloud-ops/governor/internal/logging"
)

// spendTTL keeps daily counters around long enough for a monthly rollup.
const spendTTL = 35 * 24 * time.Hour

// Cache wraps a Redis client with governor-specific operations.
type Cache struct {
	client  *redis.Client
	channel string
	logger  *slog.Logger
}

// New connects to Redis at addr ("host:port") and verifies connectivity.
func New(ctx context.Context, addr, password, channel string, logger *slog.Logger) (*Cache, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           0,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 2,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("cache: failed to connect to Redis at %s: %w", addr, err)
	}

	logger = logging.OrDiscard(logger)
	logger.Info("connected to redis", "addr", addr, "channel", channel)
	return &Cache{client: client, channel: channel, logger: logger}, nil
}

// Enabled reports whether c is backed by a live client.
func (c *Cache) Enabled() bool {
	return c != nil && c.client != nil
}

// Close shuts down the Redis client.
func (c *Cache) Close() error {
	if !c.Enabled() {
		return nil
	}
	return c.client.Close()
}

func dailySpendKey(day time.Time) string {
	return "governor:spend:daily:" + day.UTC().Format("2006-01-02")
}

func endpointSpendKey(day time.Time, endpoint string) string {
	return fmt.Sprintf("governor:spend:endpoint:%s:%s", day.UTC().Format("2006-01-02"), endpoint)
}

// incrWithExpireLua atomically increments a key and sets TTL if the key has no expiry.
var incrWithExpireLua = redis.NewScript(`
	local newval = redis.call('INCRBYFLOAT', KEYS[1], ARGV[1])
	if redis.call('TTL', KEYS[1]) == -1 then
		redis.call('EXPIRE', KEYS[1], ARGV[2])
	end
	return newval
`)

func (c *Cache) incr(ctx context.Context, key string, amount float64) (float64, error) {
	result, err := incrWithExpireLua.Run(ctx, c.client, []string{key},
		strconv.FormatFloat(amount, 'f', 10, 64), int(spendTTL/time.Second)).Result()
	if err != nil {
		return 0, fmt.Errorf("cache: incr %q: %w", key, err)
	}
	return parseScriptFloat(result)
}

// parseScriptFloat reads a Lua INCRBYFLOAT reply, which arrives as a string.
func parseScriptFloat(result any) (float64, error) {
	switch v := result.(type) {
	case string:
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return 0, fmt.Errorf("cache: parse incr result %q: %w", v, err)
		}
		return f, nil
	case float64:
		return v, nil
	case int64:
		return float64(v), nil
	default:
		return 0, fmt.Errorf("cache: unexpected result type %T from Lua script", result)
	}
}

// IncrDailySpend adds amount to the spend counter of day and returns the new total.
func (c *Cache) IncrDailySpend(ctx context.Context, day time.Time, amount float64) (float64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	return c.incr(ctx, dailySpendKey(day), amount)
}

// GetDailySpend returns the spend counter of day, 0 when unset.
func (c *Cache) GetDailySpend(ctx context.Context, day time.Time) (float64, error) {
	if !c.Enabled() {
		return 0, nil
	}
	key := dailySpendKey(day)
	val, err := c.client.Get(ctx, key).Float64()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("cache: get daily spend %q: %w", key, err)
	}
	return val, nil
}

// RecordCost adds a record's cost to the daily and per-endpoint counters.
// It satisfies ledger.Sink. Zero-cost records are skipped.
func (c *Cache) RecordCost(ctx context.Context, r ledger.Record) error {
	if !c.Enabled() || r.Cost <= 0 {
		return nil
	}
	if _, err := c.IncrDailySpend(ctx, r.Timestamp, r.Cost); err != nil {
		return err
	}
	if r.Endpoint != "" {
		if _, err := c.incr(ctx, endpointSpendKey(r.Timestamp, r.Endpoint), r.Cost); err != nil {
			return err
		}
	}
	return nil
}

// PublishMessage fans a blackboard message out on the configured channel.
func (c *Cache) PublishMessage(ctx context.Context, m blackboard.Message) error {
	if !c.Enabled() || c.channel == "" {
		return nil
	}
	payload, err := json.Marshal(m)
	if err != nil {
		return fmt.Errorf("cache: encode message %s: %w", m.ID, err)
	}
	if err := c.client.Publish(ctx, c.channel, payload).Err(); err != nil {
		return fmt.Errorf("cache: publish message %s: %w", m.ID, err)
	}
	return nil
}

