// Package threat provides rate limiting and request heuristics for the
// authentication endpoints.
package threat

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

var (
	// ErrRateLimited indicates the caller exceeded their budget. Handlers
	// translate this to a generic 429 without details.
	ErrRateLimited = errors.New("rate limited")
	// ErrUnavailable indicates the limiter backend could not be reached.
	ErrUnavailable = errors.New("limiter unavailable")
)

// Limiter is a fixed-window rate limiter backed by redis. All instances
// sharing a redis database see the same counters, so limits hold across
// multiple app processes.
type Limiter struct {
	client *redis.Client
	prefix string
	max    int64
	window time.Duration
}

// NewLimiter creates a limiter that allows max events per key per window.
// The prefix keeps limiters for different concerns from sharing counters.
func NewLimiter(client *redis.Client, prefix string, max int, window time.Duration) *Limiter {
	return &Limiter{
		client: client,
		prefix: prefix,
		max:    int64(max),
		window: window,
	}
}

// Allow counts an event for the key and reports whether it fits the budget.
// The count is incremented also for rejected events, hammering a limited
// key does not get it unstuck.
func (l *Limiter) Allow(ctx context.Context, key string) error {
	redisKey := l.prefix + ":" + key

	count, err := l.client.Incr(ctx, redisKey).Result()
	if err != nil {
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if count == 1 {
		if err := l.client.Expire(ctx, redisKey, l.window).Err(); err != nil {
			return fmt.Errorf("%w: %v", ErrUnavailable, err)
		}
	}

	if count > l.max {
		return ErrRateLimited
	}

	return nil
}

// Cooldown enforces an escalating delay between repeated events for the
// same key. The first event is free, after that the delay doubles from base
// up to max. The escalation decays once a key stays quiet for resetAfter.
type Cooldown struct {
	client     *redis.Client
	prefix     string
	base       time.Duration
	max        time.Duration
	resetAfter time.Duration
}

func NewCooldown(client *redis.Client, prefix string, base, max, resetAfter time.Duration) *Cooldown {
	return &Cooldown{
		client:     client,
		prefix:     prefix,
		base:       base,
		max:        max,
		resetAfter: resetAfter,
	}
}

// Reserve attempts to claim the key. On success it returns the delay until
// the key can be claimed again, which callers can advertise to clients. If
// the key is still cooling down it returns the remaining delay together
// with ErrRateLimited.
func (c *Cooldown) Reserve(ctx context.Context, key string) (time.Duration, error) {
	holdKey := c.prefix + ":hold:" + key
	countKey := c.prefix + ":count:" + key

	remaining, err := c.client.TTL(ctx, holdKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if remaining > 0 {
		return remaining, ErrRateLimited
	}

	count, err := c.client.Incr(ctx, countKey).Result()
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	if err := c.client.Expire(ctx, countKey, c.resetAfter).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	delay := c.delayFor(count)
	if err := c.client.Set(ctx, holdKey, 1, delay).Err(); err != nil {
		return 0, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}

	return delay, nil
}

func (c *Cooldown) delayFor(count int64) time.Duration {
	delay := c.base
	for i := int64(1); i < count && delay < c.max; i++ {
		delay *= 2
	}

	if delay > c.max {
		return c.max
	}

	return delay
}
