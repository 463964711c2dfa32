// Package redis implements the store contract on a Redis deployment with the
// RediSearch module loaded. Streams back the dispatch queue, pub/sub backs the
// fan-out pipeline, and FT.SEARCH / FT.AGGREGATE back the analytics surface.
package redis

import (
	"context"
	"fmt"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/queueline/queueline/internal/store"
)

// Config tunes the Redis client. The pool is capped because managed Redis
// plans meter connections; the pub/sub subscriber owns its own connection
// outside this pool.
type Config struct {
	URL           string
	PoolSize      int
	SocketTimeout time.Duration
}

func (c Config) normalize() Config {
	if c.URL == "" {
		c.URL = "redis://localhost:6379/0"
	}
	if c.PoolSize <= 0 {
		c.PoolSize = 10
	}
	if c.SocketTimeout <= 0 {
		c.SocketTimeout = 5 * time.Second
	}
	return c
}

// Store is the Redis-backed store implementation.
type Store struct {
	rdb *goredis.Client
}

var _ store.Store = (*Store)(nil)

// New connects to Redis and verifies the connection with a ping.
func New(ctx context.Context, cfg Config) (*Store, error) {
	cfg = cfg.normalize()
	opts, err := goredis.ParseURL(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	opts.PoolSize = cfg.PoolSize
	opts.DialTimeout = cfg.SocketTimeout
	opts.ReadTimeout = cfg.SocketTimeout
	opts.WriteTimeout = cfg.SocketTimeout
	// The search commands are parsed in their RESP2 shape.
	opts.Protocol = 2

	client := goredis.NewClient(opts)
	pingCtx, cancel := context.WithTimeout(ctx, cfg.SocketTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping: %w", err)
	}
	return &Store{rdb: client}, nil
}

// Ping verifies the connection.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.rdb.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("redis ping: %w", err)
	}
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	return s.rdb.Close()
}

// Incr increments the counter at key and returns the new value.
func (s *Store) Incr(ctx context.Context, key string) (int64, error) {
	v, err := s.rdb.Incr(ctx, key).Result()
	if err != nil {
		return 0, fmt.Errorf("incr %s: %w", key, err)
	}
	return v, nil
}

// Get reads a plain key; ok is false when the key does not exist.
func (s *Store) Get(ctx context.Context, key string) (string, bool, error) {
	v, err := s.rdb.Get(ctx, key).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get %s: %w", key, err)
	}
	return v, true, nil
}

// Set writes a plain key without expiry.
func (s *Store) Set(ctx context.Context, key, value string) error {
	if err := s.rdb.Set(ctx, key, value, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

// SetNX writes key with a TTL only when absent; reports whether it won.
func (s *Store) SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error) {
	ok, err := s.rdb.SetNX(ctx, key, value, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("setnx %s: %w", key, err)
	}
	return ok, nil
}

// Delete removes a key.
func (s *Store) Delete(ctx context.Context, key string) error {
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return fmt.Errorf("del %s: %w", key, err)
	}
	return nil
}

// HSet writes hash fields.
func (s *Store) HSet(ctx context.Context, key string, fields map[string]string) error {
	if err := s.rdb.HSet(ctx, key, fields).Err(); err != nil {
		return fmt.Errorf("hset %s: %w", key, err)
	}
	return nil
}

// HGetAll reads all hash fields; an empty map means the key does not exist.
func (s *Store) HGetAll(ctx context.Context, key string) (map[string]string, error) {
	m, err := s.rdb.HGetAll(ctx, key).Result()
	if err != nil {
		return nil, fmt.Errorf("hgetall %s: %w", key, err)
	}
	return m, nil
}

// WriteTicket pipelines the ticket hash write and the bounded stream append.
func (s *Store) WriteTicket(ctx context.Context, key string, fields map[string]string, stream string, streamValues map[string]string, maxLen int64) error {
	pipe := s.rdb.Pipeline()
	pipe.HSet(ctx, key, fields)
	pipe.XAdd(ctx, &goredis.XAddArgs{
		Stream: stream,
		MaxLen: maxLen,
		Approx: true,
		Values: toValues(streamValues),
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("write ticket %s: %w", key, err)
	}
	return nil
}

// BumpStats pipelines hash-field increments and plain key writes.
func (s *Store) BumpStats(ctx context.Context, deltas []store.FieldDelta, sets map[string]string) error {
	pipe := s.rdb.Pipeline()
	for _, d := range deltas {
		pipe.HIncrBy(ctx, d.Key, d.Field, d.Delta)
	}
	for k, v := range sets {
		pipe.Set(ctx, k, v, 0)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("bump stats: %w", err)
	}
	return nil
}

// EnsureGroup creates the consumer group at stream id 0, creating the stream
// when missing. An existing group is not an error.
func (s *Store) EnsureGroup(ctx context.Context, stream, group string) error {
	err := s.rdb.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
		return fmt.Errorf("xgroup create %s: %w", stream, err)
	}
	return nil
}

// ReadGroup pulls at most one new entry for the consumer, without blocking.
// The consumer-group semantics deliver each entry to exactly one consumer.
func (s *Store) ReadGroup(ctx context.Context, stream, group, consumer string) (*store.Entry, error) {
	res, err := s.rdb.XReadGroup(ctx, &goredis.XReadGroupArgs{
		Group:    group,
		Consumer: consumer,
		Streams:  []string{stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err == goredis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("xreadgroup %s: %w", stream, err)
	}
	if len(res) == 0 || len(res[0].Messages) == 0 {
		return nil, nil
	}
	msg := res[0].Messages[0]
	values := make(map[string]string, len(msg.Values))
	for k, v := range msg.Values {
		values[k] = fmt.Sprint(v)
	}
	return &store.Entry{ID: msg.ID, Values: values}, nil
}

// Ack acknowledges a delivered entry.
func (s *Store) Ack(ctx context.Context, stream, group, entryID string) error {
	if err := s.rdb.XAck(ctx, stream, group, entryID).Err(); err != nil {
		return fmt.Errorf("xack %s %s: %w", stream, entryID, err)
	}
	return nil
}

// Publish sends a pub/sub message.
func (s *Store) Publish(ctx context.Context, channel, payload string) error {
	if err := s.rdb.Publish(ctx, channel, payload).Err(); err != nil {
		return fmt.Errorf("publish %s: %w", channel, err)
	}
	return nil
}

// PSubscribe opens a pattern subscription on a dedicated connection.
func (s *Store) PSubscribe(ctx context.Context, pattern string) (store.Subscription, error) {
	ps := s.rdb.PSubscribe(ctx, pattern)
	// Force the subscription handshake so connection errors surface here.
	if _, err := ps.Receive(ctx); err != nil {
		_ = ps.Close()
		return nil, fmt.Errorf("psubscribe %s: %w", pattern, err)
	}
	sub := &subscription{ps: ps, out: make(chan store.Message)}
	go sub.pump()
	return sub, nil
}

type subscription struct {
	ps  *goredis.PubSub
	out chan store.Message
}

func (s *subscription) pump() {
	defer close(s.out)
	for msg := range s.ps.Channel() {
		s.out <- store.Message{Channel: msg.Channel, Pattern: msg.Pattern, Payload: msg.Payload}
	}
}

func (s *subscription) Messages() <-chan store.Message { return s.out }

func (s *subscription) Close() error { return s.ps.Close() }

// ScanKeys iterates keys matching pattern.
func (s *Store) ScanKeys(ctx context.Context, pattern string) ([]string, error) {
	var keys []string
	iter := s.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("scan %s: %w", pattern, err)
	}
	return keys, nil
}

func toValues(m map[string]string) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}
