// Package store defines the contract the queue engine requires from its
// backing store: an atomic counter, hash records, bounded streams with
// consumer groups, pub/sub, and secondary-index aggregation over tickets.
// Any backend providing these primitives can run the engine; redis is the
// production backend and memory backs tests and local development.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrIndexMissing signals that the ticket secondary index does not exist on
// the backend. Callers recreate the index and degrade the current query.
var ErrIndexMissing = errors.New("ticket index missing")

// Entry is a single stream record delivered to a consumer group member.
type Entry struct {
	ID     string
	Values map[string]string
}

// Message is a pub/sub delivery.
type Message struct {
	Channel string
	Pattern string
	Payload string
}

// Subscription is a live pattern subscription. Messages terminates when the
// subscription is closed or the backing connection is lost.
type Subscription interface {
	Messages() <-chan Message
	Close() error
}

// TicketFilter narrows ticket index queries. Zero values mean "no constraint".
type TicketFilter struct {
	Service       string
	Statuses      []string
	CreatedBefore float64 // exclusive upper bound on created_at
}

// ServiceStatusCount is one row of the live (service, status) aggregation.
type ServiceStatusCount struct {
	Service string
	Status  string
	Count   int64
}

// HourCount is one row of the hourly demand aggregation.
type HourCount struct {
	Hour  int
	Count int64
}

// FieldDelta is a single hash-field increment inside a pipelined stats write.
type FieldDelta struct {
	Key   string
	Field string
	Delta int64
}

// Store is the thin contract over the backing store.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	// Counter and plain keys.
	Incr(ctx context.Context, key string) (int64, error)
	Get(ctx context.Context, key string) (value string, ok bool, err error)
	Set(ctx context.Context, key, value string) error
	SetNX(ctx context.Context, key, value string, ttl time.Duration) (bool, error)
	Delete(ctx context.Context, key string) error

	// Hash records.
	HSet(ctx context.Context, key string, fields map[string]string) error
	HGetAll(ctx context.Context, key string) (map[string]string, error)

	// WriteTicket pipelines the ticket hash write and the bounded stream
	// append. Readers may observe the two sub-writes in either order.
	WriteTicket(ctx context.Context, key string, fields map[string]string, stream string, streamValues map[string]string, maxLen int64) error

	// BumpStats pipelines hash-field increments and plain key writes.
	BumpStats(ctx context.Context, deltas []FieldDelta, sets map[string]string) error

	// Streams with consumer groups. ReadGroup returns nil when the stream
	// has no new entries for the group.
	EnsureGroup(ctx context.Context, stream, group string) error
	ReadGroup(ctx context.Context, stream, group, consumer string) (*Entry, error)
	Ack(ctx context.Context, stream, group, entryID string) error

	// Pub/sub.
	Publish(ctx context.Context, channel, payload string) error
	PSubscribe(ctx context.Context, pattern string) (Subscription, error)

	// Key iteration for stats rows.
	ScanKeys(ctx context.Context, pattern string) ([]string, error)

	// Secondary index over ticket hashes.
	EnsureTicketIndex(ctx context.Context) error
	CountTickets(ctx context.Context, filter TicketFilter) (int64, error)
	ServingTicketKeys(ctx context.Context, service string) ([]string, error)
	LiveCounts(ctx context.Context) ([]ServiceStatusCount, error)
	HourlyDemand(ctx context.Context, tzOffsetSeconds int) ([]HourCount, error)
}
