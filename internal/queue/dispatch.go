package queue

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/queueline/queueline/errs"
	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/store"
)

// Engine is the dispatch hot path: it pulls the next waiting ticket for a
// counter off the service's stream, relying on the store's consumer-group
// semantics to guarantee each stream entry reaches exactly one counter.
type Engine struct {
	store store.Store
	repo  *Repository
	stats *Recorder
	clock func() time.Time

	servedCounter  metric.Int64Counter
	skippedCounter metric.Int64Counter
	emptyCounter   metric.Int64Counter
	dispatchTiming metric.Float64Histogram
}

// NewEngine constructs a dispatch engine.
func NewEngine(st store.Store, repo *Repository, stats *Recorder) *Engine {
	e := &Engine{
		store: st,
		repo:  repo,
		stats: stats,
		clock: time.Now,
	}
	meter := otel.Meter("dispatch")
	e.servedCounter, _ = meter.Int64Counter("dispatch.tickets.served",
		metric.WithDescription("Tickets successfully moved to serving"),
		metric.WithUnit("{ticket}"))
	e.skippedCounter, _ = meter.Int64Counter("dispatch.tickets.skipped",
		metric.WithDescription("Stream entries skipped during dispatch (cancelled or vanished)"),
		metric.WithUnit("{ticket}"))
	e.emptyCounter, _ = meter.Int64Counter("dispatch.pulls.empty",
		metric.WithDescription("Dispatch attempts that found an empty queue"),
		metric.WithUnit("{pull}"))
	e.dispatchTiming, _ = meter.Float64Histogram("dispatch.duration",
		metric.WithDescription("Dispatch duration"),
		metric.WithUnit("ms"))
	return e
}

// SetClock overrides the wall clock. Test hook.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// CallNext dispatches the next waiting ticket of service to counter.
// Returns (nil, nil) when the queue is empty.
//
// Pressing "next" is also the finish signal: any ticket of the service still
// marked serving is closed to done before the pull, restoring the at most
// one serving per service invariant. Entries are acknowledged on read; a
// cancelled or vanished ticket is skipped without consuming the operator's
// attention.
func (e *Engine) CallNext(ctx context.Context, service, counter string) (*View, error) {
	started := e.clock()
	defer func() {
		if e.dispatchTiming != nil {
			e.dispatchTiming.Record(ctx, float64(time.Since(started).Milliseconds()),
				metric.WithAttributes(attribute.String("service", service)))
		}
	}()

	e.completeServing(ctx, service)

	streamKey := store.StreamKey(service)
	if err := e.store.EnsureGroup(ctx, streamKey, store.ConsumerGroup); err != nil {
		return nil, errs.New(errs.CodeStore, errs.WithMessage("ensure consumer group"), errs.WithCause(err))
	}

	for {
		entry, err := e.store.ReadGroup(ctx, streamKey, store.ConsumerGroup, counter)
		if err != nil {
			return nil, errs.New(errs.CodeStore, errs.WithMessage("read queue stream"), errs.WithCause(err))
		}
		if entry == nil {
			e.count(ctx, e.emptyCounter, service)
			return nil, nil
		}
		// At-most-once: acknowledge on read. A counter crashing here loses
		// the entry, but the ticket stays waiting and the skip-and-retry
		// below picks it up on the next operator action.
		if err := e.store.Ack(ctx, streamKey, store.ConsumerGroup, entry.ID); err != nil {
			observability.Log().Error("ack stream entry",
				observability.Field{Key: "entry", Value: entry.ID},
				observability.Field{Key: "error", Value: err.Error()})
		}

		id, ok := parseTicketID(entry.Values["ticket_id"])
		if !ok {
			e.count(ctx, e.skippedCounter, service)
			continue
		}
		h, err := e.store.HGetAll(ctx, store.TicketKey(id))
		if err != nil {
			return nil, errs.New(errs.CodeStore, errs.WithMessage("load ticket"), errs.WithCause(err))
		}
		if len(h) == 0 {
			// Stream entry pointing at a vanished ticket.
			e.count(ctx, e.skippedCounter, service)
			continue
		}
		t := ticketFromHash(h)
		if !CanTransition(t.Status, StatusServing) {
			e.count(ctx, e.skippedCounter, service)
			continue
		}

		now := e.clock().Unix()
		if err := e.repo.markServing(ctx, t, counter, now); err != nil {
			return nil, errs.New(errs.CodeStore, errs.WithMessage("mark serving"), errs.WithCause(err))
		}
		if err := e.stats.Record(ctx, service, counter, now); err != nil {
			observability.Log().Error("record dispatch stats",
				observability.Field{Key: "service", Value: service},
				observability.Field{Key: "counter", Value: counter},
				observability.Field{Key: "error", Value: err.Error()})
		}
		e.publish(ctx, t)
		e.count(ctx, e.servedCounter, service)
		return t.view(0, t.Number()), nil
	}
}

// completeServing closes every still-serving ticket of the service. Two
// counters racing here both issue the same idempotent write.
func (e *Engine) completeServing(ctx context.Context, service string) {
	keys, err := e.store.ServingTicketKeys(ctx, service)
	if err != nil {
		observability.Log().Error("serving sweep",
			observability.Field{Key: "service", Value: service},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	var sweepErrs []error
	for _, key := range keys {
		if err := e.repo.completeKey(ctx, key); err != nil {
			sweepErrs = append(sweepErrs, err)
		}
	}
	// Dispatch proceeds regardless; still-serving stragglers are retried
	// on the next pull.
	_ = observability.AggregateErrors("auto-complete serving tickets", sweepErrs,
		observability.Field{Key: "service", Value: service})
}

func (e *Engine) publish(ctx context.Context, t *Ticket) {
	payload, err := Event{
		TicketID: t.ID,
		Number:   t.Number(),
		Service:  t.Service,
		Counter:  t.Counter,
		CalledAt: t.CalledAt,
	}.Encode()
	if err != nil {
		observability.Log().Error("encode queue event",
			observability.Field{Key: "ticket_id", Value: t.ID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if err := e.store.Publish(ctx, store.UpdateChannel(t.Service), payload); err != nil {
		observability.Log().Error("publish queue event",
			observability.Field{Key: "ticket_id", Value: t.ID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}

func (e *Engine) count(ctx context.Context, counter metric.Int64Counter, service string) {
	if counter != nil {
		counter.Add(ctx, 1, metric.WithAttributes(attribute.String("service", service)))
	}
}
