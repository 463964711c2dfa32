// Package memory implements the store contract in process memory. It backs
// unit tests and local development; the consumer-group, pub/sub, and TTL
// semantics mirror the redis backend closely enough for the engine's
// invariants to be exercised without a server.
package memory

import (
	"context"
	"fmt"
	"path"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/queueline/queueline/internal/store"
)

// Store is the in-memory store implementation.
type Store struct {
	mu sync.Mutex

	values  map[string]string
	expires map[string]time.Time
	hashes  map[string]map[string]string
	streams map[string]*stream
	groups  map[string]*group
	subs    []*subscription

	now func() time.Time
}

type stream struct {
	firstSeq int64
	entries  []store.Entry
	nextSeq  int64
}

type group struct {
	cursor int64 // absolute sequence of the next entry to deliver
	acked  map[string]bool
}

var _ store.Store = (*Store)(nil)

// New constructs an empty in-memory store.
func New() *Store {
	return &Store{
		values:  make(map[string]string),
		expires: make(map[string]time.Time),
		hashes:  make(map[string]map[string]string),
		streams: make(map[string]*stream),
		groups:  make(map[string]*group),
		subs:    nil,
		now:     time.Now,
	}
}

// SetClock overrides the wall clock used for key expiry. Test hook.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Ping always succeeds.
func (s *Store) Ping(context.Context) error { return nil }

// Close terminates every open subscription.
func (s *Store) Close() error {
	s.mu.Lock()
	subs := s.subs
	s.subs = nil
	s.mu.Unlock()
	for _, sub := range subs {
		sub.closeLocked()
	}
	return nil
}

// Incr increments the counter at key and returns the new value.
func (s *Store) Incr(_ context.Context, key string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	n, _ := strconv.ParseInt(s.values[key], 10, 64)
	n++
	s.values[key] = strconv.FormatInt(n, 10)
	return n, nil
}

func (s *Store) expired(key string) bool {
	if exp, ok := s.expires[key]; ok && !exp.After(s.now()) {
		delete(s.values, key)
		delete(s.expires, key)
		return true
	}
	return false
}

// Get reads a plain key.
func (s *Store) Get(_ context.Context, key string) (string, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.expired(key) {
		return "", false, nil
	}
	v, ok := s.values[key]
	return v, ok, nil
}

// Set writes a plain key without expiry.
func (s *Store) Set(_ context.Context, key, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = value
	delete(s.expires, key)
	return nil
}

// SetNX writes key with a TTL only when absent.
func (s *Store) SetNX(_ context.Context, key, value string, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.expired(key) {
		if _, ok := s.values[key]; ok {
			return false, nil
		}
	}
	s.values[key] = value
	if ttl > 0 {
		s.expires[key] = s.now().Add(ttl)
	}
	return true, nil
}

// Delete removes a key or hash.
func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.values, key)
	delete(s.expires, key)
	delete(s.hashes, key)
	return nil
}

// HSet writes hash fields.
func (s *Store) HSet(_ context.Context, key string, fields map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, fields)
	return nil
}

func (s *Store) hsetLocked(key string, fields map[string]string) {
	h, ok := s.hashes[key]
	if !ok {
		h = make(map[string]string, len(fields))
		s.hashes[key] = h
	}
	for k, v := range fields {
		h[k] = v
	}
}

// HGetAll reads all hash fields; an empty map means the key does not exist.
func (s *Store) HGetAll(_ context.Context, key string) (map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[string]string, len(s.hashes[key]))
	for k, v := range s.hashes[key] {
		out[k] = v
	}
	return out, nil
}

// WriteTicket writes the ticket hash and appends to the bounded stream.
func (s *Store) WriteTicket(_ context.Context, key string, fields map[string]string, streamKey string, streamValues map[string]string, maxLen int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.hsetLocked(key, fields)
	s.appendLocked(streamKey, streamValues, maxLen)
	return nil
}

func (s *Store) appendLocked(streamKey string, values map[string]string, maxLen int64) {
	st, ok := s.streams[streamKey]
	if !ok {
		st = &stream{firstSeq: 0, entries: nil, nextSeq: 0}
		s.streams[streamKey] = st
	}
	copied := make(map[string]string, len(values))
	for k, v := range values {
		copied[k] = v
	}
	st.entries = append(st.entries, store.Entry{
		ID:     fmt.Sprintf("%d-0", st.nextSeq),
		Values: copied,
	})
	st.nextSeq++
	if maxLen > 0 {
		for int64(len(st.entries)) > maxLen {
			st.entries = st.entries[1:]
			st.firstSeq++
		}
	}
}

// BumpStats applies hash-field increments and plain key writes.
func (s *Store) BumpStats(_ context.Context, deltas []store.FieldDelta, sets map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, d := range deltas {
		h, ok := s.hashes[d.Key]
		if !ok {
			h = make(map[string]string)
			s.hashes[d.Key] = h
		}
		n, _ := strconv.ParseInt(h[d.Field], 10, 64)
		h[d.Field] = strconv.FormatInt(n+d.Delta, 10)
	}
	for k, v := range sets {
		s.values[k] = v
		delete(s.expires, k)
	}
	return nil
}

func groupID(streamKey, grp string) string { return streamKey + "\x00" + grp }

// EnsureGroup creates the consumer group at the start of the stream.
func (s *Store) EnsureGroup(_ context.Context, streamKey, grp string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.streams[streamKey]; !ok {
		s.streams[streamKey] = &stream{firstSeq: 0, entries: nil, nextSeq: 0}
	}
	id := groupID(streamKey, grp)
	if _, ok := s.groups[id]; !ok {
		s.groups[id] = &group{cursor: 0, acked: make(map[string]bool)}
	}
	return nil
}

// ReadGroup delivers the next undelivered entry to the group, or nil.
// Each entry is delivered to exactly one consumer of the group.
func (s *Store) ReadGroup(_ context.Context, streamKey, grp, _ string) (*store.Entry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, ok := s.streams[streamKey]
	if !ok {
		return nil, nil
	}
	g, ok := s.groups[groupID(streamKey, grp)]
	if !ok {
		return nil, fmt.Errorf("no such consumer group %q on %q", grp, streamKey)
	}
	if g.cursor < st.firstSeq {
		g.cursor = st.firstSeq
	}
	idx := g.cursor - st.firstSeq
	if idx >= int64(len(st.entries)) {
		return nil, nil
	}
	entry := st.entries[idx]
	g.cursor++
	copied := make(map[string]string, len(entry.Values))
	for k, v := range entry.Values {
		copied[k] = v
	}
	return &store.Entry{ID: entry.ID, Values: copied}, nil
}

// Ack records the acknowledgement.
func (s *Store) Ack(_ context.Context, streamKey, grp, entryID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if g, ok := s.groups[groupID(streamKey, grp)]; ok {
		g.acked[entryID] = true
	}
	return nil
}

// Publish fans the message out to every matching pattern subscription.
func (s *Store) Publish(_ context.Context, channel, payload string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, sub := range s.subs {
		if sub.closed {
			continue
		}
		if ok, _ := path.Match(sub.pattern, channel); !ok {
			continue
		}
		select {
		case sub.ch <- store.Message{Channel: channel, Pattern: sub.pattern, Payload: payload}:
		default:
		}
	}
	return nil
}

type subscription struct {
	st      *Store
	pattern string
	ch      chan store.Message
	closed  bool
}

func (sub *subscription) Messages() <-chan store.Message { return sub.ch }

func (sub *subscription) Close() error {
	sub.st.mu.Lock()
	defer sub.st.mu.Unlock()
	sub.closeLocked()
	return nil
}

func (sub *subscription) closeLocked() {
	if sub.closed {
		return
	}
	sub.closed = true
	close(sub.ch)
}

// PSubscribe opens a pattern subscription.
func (s *Store) PSubscribe(_ context.Context, pattern string) (store.Subscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sub := &subscription{st: s, pattern: pattern, ch: make(chan store.Message, 64), closed: false}
	s.subs = append(s.subs, sub)
	return sub, nil
}

// ScanKeys lists hash and plain keys matching pattern.
func (s *Store) ScanKeys(_ context.Context, pattern string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var keys []string
	for k := range s.hashes {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	for k := range s.values {
		if ok, _ := path.Match(pattern, k); ok {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	return keys, nil
}

// EnsureTicketIndex is a no-op; the memory backend scans hashes directly.
func (s *Store) EnsureTicketIndex(context.Context) error { return nil }

func matches(h map[string]string, filter store.TicketFilter) bool {
	if filter.Service != "" && h["service"] != filter.Service {
		return false
	}
	if len(filter.Statuses) > 0 {
		ok := false
		for _, st := range filter.Statuses {
			if h["status"] == st {
				ok = true
				break
			}
		}
		if !ok {
			return false
		}
	}
	if filter.CreatedBefore > 0 {
		created, err := strconv.ParseFloat(h["created_at"], 64)
		if err != nil || created > filter.CreatedBefore {
			return false
		}
	}
	return true
}

func (s *Store) eachTicket(fn func(key string, h map[string]string)) {
	for k, h := range s.hashes {
		if !strings.HasPrefix(k, store.TicketKeyPrefix) {
			continue
		}
		if _, err := strconv.ParseInt(strings.TrimPrefix(k, store.TicketKeyPrefix), 10, 64); err != nil {
			continue
		}
		fn(k, h)
	}
}

// CountTickets returns the cardinality of the filtered ticket set.
func (s *Store) CountTickets(_ context.Context, filter store.TicketFilter) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	s.eachTicket(func(_ string, h map[string]string) {
		if matches(h, filter) {
			n++
		}
	})
	return n, nil
}

// ServingTicketKeys returns the hash keys of every serving ticket of a service.
func (s *Store) ServingTicketKeys(_ context.Context, service string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	filter := store.TicketFilter{Service: service, Statuses: []string{"serving"}}
	var keys []string
	s.eachTicket(func(k string, h map[string]string) {
		if matches(h, filter) {
			keys = append(keys, k)
		}
	})
	sort.Strings(keys)
	return keys, nil
}

// LiveCounts aggregates waiting and serving tickets per (service, status).
func (s *Store) LiveCounts(_ context.Context) ([]store.ServiceStatusCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[[2]string]int64)
	s.eachTicket(func(_ string, h map[string]string) {
		status := h["status"]
		if status != "waiting" && status != "serving" {
			return
		}
		counts[[2]string{h["service"], status}]++
	})
	rows := make([]store.ServiceStatusCount, 0, len(counts))
	for k, v := range counts {
		rows = append(rows, store.ServiceStatusCount{Service: k[0], Status: k[1], Count: v})
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].Service != rows[j].Service {
			return rows[i].Service < rows[j].Service
		}
		return rows[i].Status < rows[j].Status
	})
	return rows, nil
}

// HourlyDemand groups all tickets by local hour of day of their creation.
func (s *Store) HourlyDemand(_ context.Context, tzOffsetSeconds int) ([]store.HourCount, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	counts := make(map[int]int64)
	s.eachTicket(func(_ string, h map[string]string) {
		created, err := strconv.ParseInt(h["created_at"], 10, 64)
		if err != nil {
			return
		}
		hour := int(((created + int64(tzOffsetSeconds)) / 3600) % 24)
		counts[hour]++
	})
	rows := make([]store.HourCount, 0, len(counts))
	for hour, n := range counts {
		rows = append(rows, store.HourCount{Hour: hour, Count: n})
	}
	sort.Slice(rows, func(i, j int) bool { return rows[i].Hour < rows[j].Hour })
	return rows, nil
}
