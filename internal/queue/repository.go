package queue

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/queueline/queueline/errs"
	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/store"
)

// streamMaxLen bounds each service's queue stream to roughly the most
// recent thousand entries.
const streamMaxLen = 1000

// aheadEpsilon keeps a ticket from counting itself when two tickets share
// a created_at second.
const aheadEpsilon = 0.001

// Repository owns ticket CRUD and state transitions against the store.
type Repository struct {
	store store.Store
	clock func() time.Time
}

// NewRepository constructs a ticket repository.
func NewRepository(st store.Store) *Repository {
	return &Repository{store: st, clock: time.Now}
}

// SetClock overrides the wall clock. Test hook.
func (r *Repository) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Create allocates the next global number, persists the ticket as waiting,
// and appends it to the service's queue stream. The hash write and stream
// append are pipelined; readers may observe them in either order.
func (r *Repository) Create(ctx context.Context, service, lineUserID string) (*Ticket, error) {
	id, err := r.store.Incr(ctx, store.GlobalIDKey)
	if err != nil {
		return nil, errs.New(errs.CodeStore, errs.WithMessage("allocate ticket id"), errs.WithCause(err))
	}
	t := &Ticket{
		ID:         id,
		Service:    service,
		Status:     StatusWaiting,
		CreatedAt:  r.clock().Unix(),
		CalledAt:   0,
		Counter:    "",
		LineUserID: lineUserID,
		Token:      uuid.NewString(),
	}
	err = r.store.WriteTicket(ctx, store.TicketKey(id), t.fields(),
		store.StreamKey(service), map[string]string{"ticket_id": strconv.FormatInt(id, 10)}, streamMaxLen)
	if err != nil {
		return nil, errs.New(errs.CodeStore, errs.WithMessage("persist ticket"), errs.WithCause(err))
	}
	return t, nil
}

// Cancel marks the ticket cancelled. Cancelling an already-terminal ticket
// is tolerated as an idempotent write: the last writer wins and callers see
// no distinction. Returns false when the ticket does not exist.
func (r *Repository) Cancel(ctx context.Context, id int64) (bool, error) {
	key := store.TicketKey(id)
	h, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return false, errs.New(errs.CodeStore, errs.WithMessage("load ticket"), errs.WithCause(err))
	}
	if len(h) == 0 {
		return false, nil
	}
	if err := r.store.HSet(ctx, key, map[string]string{"status": string(StatusCancelled)}); err != nil {
		return false, errs.New(errs.CodeStore, errs.WithMessage("cancel ticket"), errs.WithCause(err))
	}
	return true, nil
}

// Get loads a ticket view, including the ahead count (waiting tickets of the
// same service created strictly earlier) and the service's current number.
func (r *Repository) Get(ctx context.Context, id int64) (*View, error) {
	t, err := r.load(ctx, id)
	if err != nil {
		return nil, err
	}
	var ahead int64
	if t.Status == StatusWaiting {
		ahead = r.aheadCount(ctx, t)
	}
	current, err := r.CurrentNumber(ctx, t.Service)
	if err != nil {
		return nil, err
	}
	return t.view(ahead, current), nil
}

func (r *Repository) load(ctx context.Context, id int64) (*Ticket, error) {
	h, err := r.store.HGetAll(ctx, store.TicketKey(id))
	if err != nil {
		return nil, errs.New(errs.CodeStore, errs.WithMessage("load ticket"), errs.WithCause(err))
	}
	if len(h) == 0 {
		return nil, errs.New(errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("ticket %d not found", id)))
	}
	return ticketFromHash(h), nil
}

// aheadCount queries the secondary index. A missing index is re-created in
// place and the current call degrades to zero.
func (r *Repository) aheadCount(ctx context.Context, t *Ticket) int64 {
	filter := store.TicketFilter{
		Service:       t.Service,
		Statuses:      []string{string(StatusWaiting)},
		CreatedBefore: float64(t.CreatedAt) - aheadEpsilon,
	}
	n, err := r.store.CountTickets(ctx, filter)
	if err == nil {
		return n
	}
	if errors.Is(err, store.ErrIndexMissing) {
		if createErr := r.store.EnsureTicketIndex(ctx); createErr != nil {
			observability.Log().Error("recreate ticket index",
				observability.Field{Key: "error", Value: createErr.Error()})
		}
	} else {
		observability.Log().Error("ahead count query",
			observability.Field{Key: "ticket_id", Value: t.ID},
			observability.Field{Key: "error", Value: err.Error()})
	}
	return 0
}

// CurrentNumber reads the service's current-number pointer; zero when the
// service has never dispatched.
func (r *Repository) CurrentNumber(ctx context.Context, service string) (int64, error) {
	v, ok, err := r.store.Get(ctx, store.CurrentNumberKey(service))
	if err != nil {
		return 0, errs.New(errs.CodeStore, errs.WithMessage("read current number"), errs.WithCause(err))
	}
	if !ok {
		return 0, nil
	}
	n, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, errs.New(errs.CodeStore, errs.WithMessage("parse current number"), errs.WithCause(err))
	}
	return n, nil
}

// markServing transitions the ticket to serving at a counter and advances
// the service's current-number pointer.
func (r *Repository) markServing(ctx context.Context, t *Ticket, counter string, now int64) error {
	err := r.store.HSet(ctx, store.TicketKey(t.ID), map[string]string{
		"status":    string(StatusServing),
		"called_at": strconv.FormatInt(now, 10),
		"counter":   counter,
	})
	if err != nil {
		return fmt.Errorf("mark serving: %w", err)
	}
	t.Status = StatusServing
	t.CalledAt = now
	t.Counter = counter
	if err := r.store.Set(ctx, store.CurrentNumberKey(t.Service), strconv.FormatInt(t.Number(), 10)); err != nil {
		return fmt.Errorf("advance current number: %w", err)
	}
	return nil
}

// completeKey closes a still-serving ticket hash to done. A ticket that
// left serving between the index query and this write is left alone.
func (r *Repository) completeKey(ctx context.Context, key string) error {
	h, err := r.store.HGetAll(ctx, key)
	if err != nil {
		return fmt.Errorf("load %s: %w", key, err)
	}
	if len(h) == 0 {
		return nil
	}
	if !CanTransition(Status(h["status"]), StatusDone) {
		return nil
	}
	if err := r.store.HSet(ctx, key, map[string]string{"status": string(StatusDone)}); err != nil {
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}
