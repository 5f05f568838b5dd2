// Package ratelimit meters usage of rate limited and billed upstreams.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	apperrors "github.com/stellar-lineage/internal/errors"
	"github.com/stellar-lineage/internal/logging"
	"github.com/stellar-lineage/internal/metrics"
)

// Default budget configuration values.
const (
	DefaultDailyByteBudget = 10 << 30       // 10 GiB read per day
	DefaultKeyTTL          = 48 * time.Hour // keep yesterday's counters for reporting
	dayLayout              = "20060102"
)

// Redis key prefixes for query budget tracking.
const (
	KeyPrefixBytes = "budget:bytes:"
	KeyPrefixCalls = "budget:calls:"
)

// QueryBudgetTracker meters bytes read from the analytics warehouse against
// a daily budget shared by every worker through Redis. It is constructed
// once per process and passed to the clients that spend the budget.
type QueryBudgetTracker struct {
	redis    redis.Cmdable
	resource string
	budget   int64
	keyTTL   time.Duration
	metrics  *metrics.Metrics
	now      func() time.Time
}

// QueryBudgetTrackerConfig holds configuration for the budget tracker.
type QueryBudgetTrackerConfig struct {
	// Redis is the Redis client for cross-worker coordination. Required.
	Redis redis.Cmdable

	// Resource names the metered upstream in keys and errors.
	Resource string

	// DailyByteBudget is the number of bytes that may be read per UTC day.
	// Default: 10 GiB.
	DailyByteBudget int64

	// KeyTTL is the TTL for the daily counters. Default: 48h.
	KeyTTL time.Duration

	// Metrics receives bytes read. Optional.
	Metrics *metrics.Metrics
}

// QueryUsage is the usage of one UTC day
type QueryUsage struct {
	Day       string `json:"day"`
	BytesRead int64  `json:"bytesRead"`
	Budget    int64  `json:"budget"`
	Succeeded int64  `json:"succeeded"`
	Failed    int64  `json:"failed"`
	Remaining int64  `json:"remaining"`
}

// Validate checks if the configuration is valid.
func (c *QueryBudgetTrackerConfig) Validate() error {
	if c.Redis == nil {
		return errors.New("redis client is required")
	}
	if c.Resource == "" {
		return errors.New("resource name is required")
	}
	if c.DailyByteBudget < 0 {
		return errors.New("daily byte budget cannot be negative")
	}
	return nil
}

// NewQueryBudgetTracker creates a new tracker with the given configuration.
func NewQueryBudgetTracker(cfg *QueryBudgetTrackerConfig) (*QueryBudgetTracker, error) {
	if cfg == nil {
		return nil, errors.New("configuration is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	budget := cfg.DailyByteBudget
	if budget == 0 {
		budget = DefaultDailyByteBudget
	}
	keyTTL := cfg.KeyTTL
	if keyTTL == 0 {
		keyTTL = DefaultKeyTTL
	}

	return &QueryBudgetTracker{
		redis:    cfg.Redis,
		resource: cfg.Resource,
		budget:   budget,
		keyTTL:   keyTTL,
		metrics:  cfg.Metrics,
		now:      time.Now,
	}, nil
}

func (t *QueryBudgetTracker) keys() (day, bytesKey, callsKey string) {
	day = t.now().UTC().Format(dayLayout)
	return day, KeyPrefixBytes + t.resource + ":" + day, KeyPrefixCalls + t.resource + ":" + day
}

// Check returns a transient budget-exceeded error once today's budget is spent.
// Redis failures allow the query: metering is for cost tracking and must not
// stall the pipeline.
func (t *QueryBudgetTracker) Check(ctx context.Context) error {
	_, bytesKey, _ := t.keys()

	used, err := t.redis.Get(ctx, bytesKey).Int64()
	if err != nil && !errors.Is(err, redis.Nil) {
		logging.FromContext(ctx).WithError(err).Warn("Failed to read query budget, allowing query")
		return nil
	}
	if used >= t.budget {
		return apperrors.NewBudgetExceededError(t.resource, used, t.budget)
	}
	return nil
}

// Record logs one query with its outcome and byte count and adds the bytes
// to today's counter
func (t *QueryBudgetTracker) Record(ctx context.Context, query string, bytesRead int64, queryErr error) error {
	day, bytesKey, callsKey := t.keys()

	outcome := "succeeded"
	if queryErr != nil {
		outcome = "failed"
	}

	logger := logging.FromContext(ctx).WithFields(map[string]interface{}{
		"resource":  t.resource,
		"query":     query,
		"bytesRead": bytesRead,
		"outcome":   outcome,
		"day":       day,
	})
	if queryErr != nil {
		logger.WithError(queryErr).Warn("Warehouse query failed")
	} else {
		logger.Info("Warehouse query completed")
	}

	t.metrics.AddWarehouseBytes(bytesRead)

	pipe := t.redis.TxPipeline()
	if bytesRead > 0 {
		pipe.IncrBy(ctx, bytesKey, bytesRead)
		pipe.Expire(ctx, bytesKey, t.keyTTL)
	}
	pipe.HIncrBy(ctx, callsKey, outcome, 1)
	pipe.Expire(ctx, callsKey, t.keyTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("failed to record query usage: %w", err)
	}
	return nil
}

// Usage returns today's usage
func (t *QueryBudgetTracker) Usage(ctx context.Context) (*QueryUsage, error) {
	day, bytesKey, callsKey := t.keys()

	pipe := t.redis.Pipeline()
	bytesCmd := pipe.Get(ctx, bytesKey)
	callsCmd := pipe.HGetAll(ctx, callsKey)
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to read query usage: %w", err)
	}

	used, _ := bytesCmd.Int64()
	usage := &QueryUsage{
		Day:       day,
		BytesRead: used,
		Budget:    t.budget,
		Remaining: t.budget - used,
	}
	if usage.Remaining < 0 {
		usage.Remaining = 0
	}

	calls := callsCmd.Val()
	usage.Succeeded, _ = strconv.ParseInt(calls["succeeded"], 10, 64)
	usage.Failed, _ = strconv.ParseInt(calls["failed"], 10, 64)
	return usage, nil
}

// Budget returns the configured daily byte budget
func (t *QueryBudgetTracker) Budget() int64 {
	return t.budget
}
