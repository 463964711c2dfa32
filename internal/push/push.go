// Package push delivers at-most-once chat notifications for dispatched
// tickets. Multiple processes sharing the store race on a short-lived
// set-if-absent lease; whoever writes it wins the push right.
package push

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"

	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/queue"
	"github.com/queueline/queueline/internal/store"
)

// leaseTTL is the dedup window per (ticket, number) pair. The lease is never
// released on failure: the TTL is the retry gate when the operator
// immediately re-dispatches.
const leaseTTL = 60 * time.Second

// Sender delivers a text message to an external chat user.
type Sender interface {
	Push(ctx context.Context, userID, text string) error
}

// Dispatcher consumes bus events and pushes to bound chat users.
type Dispatcher struct {
	store   store.Store
	sender  Sender
	limiter *rate.Limiter
}

// NewDispatcher constructs a push dispatcher. A nil sender disables pushes.
func NewDispatcher(st store.Store, sender Sender, pushesPerSecond float64, burst int) *Dispatcher {
	if pushesPerSecond <= 0 {
		pushesPerSecond = 10
	}
	if burst <= 0 {
		burst = 5
	}
	return &Dispatcher{
		store:   st,
		sender:  sender,
		limiter: rate.NewLimiter(rate.Limit(pushesPerSecond), burst),
	}
}

// Handle processes one queue event: acquire the dedup lease, resolve the
// push target, and send. External failures are logged and swallowed; the
// lease stays held.
func (d *Dispatcher) Handle(ctx context.Context, ev queue.Event) {
	if d.sender == nil || ev.TicketID <= 0 {
		return
	}
	won, err := d.store.SetNX(ctx, store.DedupPushKey(ev.TicketID, ev.Number), "1", leaseTTL)
	if err != nil {
		observability.Log().Error("push lease",
			observability.Field{Key: "ticket_id", Value: ev.TicketID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	if !won {
		return
	}

	h, err := d.store.HGetAll(ctx, store.TicketKey(ev.TicketID))
	if err != nil {
		observability.Log().Error("push target lookup",
			observability.Field{Key: "ticket_id", Value: ev.TicketID},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	userID := h["line_user_id"]
	if userID == "" {
		return
	}

	if err := d.limiter.Wait(ctx); err != nil {
		return
	}
	text := fmt.Sprintf("📢 號碼到囉！\n\n您的號碼：%d\n請前往：%s", ev.Number, ev.Counter)
	if err := d.sender.Push(ctx, userID, text); err != nil {
		observability.Log().Error("chat push",
			observability.Field{Key: "ticket_id", Value: ev.TicketID},
			observability.Field{Key: "user", Value: userID},
			observability.Field{Key: "error", Value: err.Error()})
	}
}
