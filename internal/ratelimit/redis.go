package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces every rate counter key.
const keyPrefix = "aex:rate"

// RedisWindow approximates the sliding window from per-minute counters:
// the previous minute's bucket is weighted by how much of it still
// overlaps the window. Counters expire on their own; the durable store
// stays the source of truth when Redis is cold or down.
type RedisWindow struct {
	client *redis.Client
}

// NewRedisWindow connects a fast-path window to a Redis endpoint and
// verifies connectivity.
func NewRedisWindow(addr, password string, db int) (*RedisWindow, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		Password:     password,
		DB:           db,
		DialTimeout:  3 * time.Second,
		ReadTimeout:  2 * time.Second,
		WriteTimeout: 2 * time.Second,
	})
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("ratelimit: redis ping %s: %w", addr, err)
	}
	return &RedisWindow{client: client}, nil
}

// NewRedisWindowFromClient wraps an existing client. Tests use this with
// a miniature server.
func NewRedisWindowFromClient(client *redis.Client) *RedisWindow {
	return &RedisWindow{client: client}
}

// Close releases the underlying client.
func (w *RedisWindow) Close() error {
	return w.client.Close()
}

func requestKey(agentID string, minute int64) string {
	return fmt.Sprintf("%s:req:%s:%d", keyPrefix, agentID, minute)
}

func tokenKey(agentID string, minute int64) string {
	return fmt.Sprintf("%s:tok:%s:%d", keyPrefix, agentID, minute)
}

// Window returns the approximate sliding totals for the agent.
func (w *RedisWindow) Window(ctx context.Context, agentID string, now time.Time) (WindowTotals, error) {
	minute := now.Unix() / 60
	pipe := w.client.Pipeline()
	curReq := pipe.Get(ctx, requestKey(agentID, minute))
	prevReq := pipe.Get(ctx, requestKey(agentID, minute-1))
	curTok := pipe.Get(ctx, tokenKey(agentID, minute))
	prevTok := pipe.Get(ctx, tokenKey(agentID, minute-1))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return WindowTotals{}, err
	}

	// Fraction of the previous minute still inside the window.
	weight := 1 - float64(now.Unix()%60)/60

	requests := counterValue(curReq) + int64(float64(counterValue(prevReq))*weight)
	tokens := counterValue(curTok) + int64(float64(counterValue(prevTok))*weight)
	return WindowTotals{Requests: int(requests), Tokens: tokens}, nil
}

// Record bumps the current minute's counters and refreshes their TTL.
func (w *RedisWindow) Record(ctx context.Context, agentID string, at time.Time, requests int, tokens int64) error {
	minute := at.Unix() / 60
	pipe := w.client.TxPipeline()
	if requests > 0 {
		key := requestKey(agentID, minute)
		pipe.IncrBy(ctx, key, int64(requests))
		pipe.Expire(ctx, key, 2*Window)
	}
	if tokens > 0 {
		key := tokenKey(agentID, minute)
		pipe.IncrBy(ctx, key, tokens)
		pipe.Expire(ctx, key, 2*Window)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func counterValue(cmd *redis.StringCmd) int64 {
	v, err := cmd.Int64()
	if err != nil {
		return 0
	}
	return v
}
