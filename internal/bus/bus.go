// Package bus multiplexes the store's pub/sub feed to in-process listeners.
// Exactly one subscriber connection exists per process; every connected
// live-view client reads from the fan-out, never from the store directly.
// This keeps the process within the backing store's connection quota.
package bus

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/sourcegraph/conc"

	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/queue"
	"github.com/queueline/queueline/internal/store"
)

const (
	// listenerQueueCap bounds each listener's buffer. A client behind a
	// slow network is dropped rather than allowed to grow the bus's
	// memory; clients are expected to reconnect.
	listenerQueueCap = 5

	maxReconnectInterval = 30 * time.Second
)

// Announcer fans a message out to every registered listener without
// blocking. A listener whose queue is full is evicted: its channel closes
// and the corresponding client stream terminates.
type Announcer struct {
	mu        sync.Mutex
	listeners []chan queue.Event
}

// NewAnnouncer constructs an empty announcer.
func NewAnnouncer() *Announcer {
	return &Announcer{mu: sync.Mutex{}, listeners: nil}
}

// Listen registers a new listener and returns its event channel. The channel
// closes when the listener is evicted.
func (a *Announcer) Listen() <-chan queue.Event {
	ch := make(chan queue.Event, listenerQueueCap)
	a.mu.Lock()
	a.listeners = append(a.listeners, ch)
	a.mu.Unlock()
	return ch
}

// Announce attempts non-blocking delivery to every listener. Iteration runs
// right to left so indices stay valid during in-place removal.
func (a *Announcer) Announce(ev queue.Event) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i := len(a.listeners) - 1; i >= 0; i-- {
		select {
		case a.listeners[i] <- ev:
		default:
			close(a.listeners[i])
			a.listeners = append(a.listeners[:i], a.listeners[i+1:]...)
		}
	}
}

// Len reports the number of live listeners.
func (a *Announcer) Len() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.listeners)
}

// Handler consumes each bus event for side effects (chat push).
type Handler func(ctx context.Context, ev queue.Event)

// Runner owns the process's single pattern subscription and feeds the
// announcer and side-effect handlers. Start is idempotent.
type Runner struct {
	store     store.Store
	announcer *Announcer
	handlers  []Handler

	started atomic.Bool
	wg      conc.WaitGroup
}

// NewRunner constructs a bus runner.
func NewRunner(st store.Store, announcer *Announcer, handlers ...Handler) *Runner {
	return &Runner{store: st, announcer: announcer, handlers: handlers}
}

// Start launches the subscriber loop. A second call is a no-op.
func (r *Runner) Start(ctx context.Context) {
	if !r.started.CompareAndSwap(false, true) {
		observability.Log().Debug("bus already running, skipping start")
		return
	}
	r.wg.Go(func() {
		r.run(ctx)
	})
}

// Wait blocks until the subscriber loop has exited.
func (r *Runner) Wait() {
	r.wg.Wait()
}

// run keeps a single subscription alive until the context terminates,
// re-dialing with exponential backoff when the feed drops.
func (r *Runner) run(ctx context.Context) {
	backoffCfg := backoff.NewExponentialBackOff()
	backoffCfg.MaxInterval = maxReconnectInterval

	for {
		if ctx.Err() != nil {
			return
		}
		sub, err := r.store.PSubscribe(ctx, store.UpdateChannelPattern)
		if err != nil {
			observability.Log().Error("bus subscribe",
				observability.Field{Key: "error", Value: err.Error()})
			if !r.sleep(ctx, backoffCfg) {
				return
			}
			continue
		}
		observability.Log().Info("bus subscriber attached",
			observability.Field{Key: "pattern", Value: store.UpdateChannelPattern})
		backoffCfg.Reset()

		if !r.consume(ctx, sub) {
			return
		}
		if !r.sleep(ctx, backoffCfg) {
			return
		}
	}
}

// consume relays messages until the subscription drops (true) or the
// context ends (false).
func (r *Runner) consume(ctx context.Context, sub store.Subscription) bool {
	defer func() {
		if err := sub.Close(); err != nil {
			observability.Log().Debug("bus subscription close",
				observability.Field{Key: "error", Value: err.Error()})
		}
	}()
	for {
		select {
		case <-ctx.Done():
			return false
		case msg, ok := <-sub.Messages():
			if !ok {
				return true
			}
			ev, err := queue.DecodeEvent(msg.Payload)
			if err != nil {
				observability.Log().Error("bus decode event",
					observability.Field{Key: "channel", Value: msg.Channel},
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			r.announcer.Announce(ev)
			for _, h := range r.handlers {
				h(ctx, ev)
			}
		}
	}
}

func (r *Runner) sleep(ctx context.Context, cfg *backoff.ExponentialBackOff) bool {
	wait := cfg.NextBackOff()
	if wait == backoff.Stop {
		wait = maxReconnectInterval
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(wait):
		return true
	}
}
