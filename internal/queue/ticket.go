// Package queue implements the service-counter queue engine: ticket
// lifecycle, FIFO dispatch over the store's consumer groups, per-day
// statistics, and the read-only analytics surface.
package queue

import (
	"strconv"
)

// Status enumerates the ticket lifecycle states.
type Status string

const (
	// StatusWaiting marks a ticket queued and not yet called.
	StatusWaiting Status = "waiting"
	// StatusServing marks the ticket currently at a counter.
	StatusServing Status = "serving"
	// StatusDone marks a completed ticket.
	StatusDone Status = "done"
	// StatusCancelled marks a withdrawn ticket.
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether the status admits no further transitions.
func (s Status) Terminal() bool {
	return s == StatusDone || s == StatusCancelled
}

// CanTransition reports whether the state machine admits from -> to.
// waiting -> {serving, cancelled}; serving -> {done, cancelled}.
func CanTransition(from, to Status) bool {
	switch from {
	case StatusWaiting:
		return to == StatusServing || to == StatusCancelled
	case StatusServing:
		return to == StatusDone || to == StatusCancelled
	default:
		return false
	}
}

// Ticket is the persisted ticket record. The id doubles as the displayed
// number and is allocated from a single global counter.
type Ticket struct {
	ID         int64
	Service    string
	Status     Status
	CreatedAt  int64
	CalledAt   int64
	Counter    string
	LineUserID string
	Token      string
}

// Number returns the displayed queue number.
func (t *Ticket) Number() int64 { return t.ID }

// fields renders the ticket as its hash representation.
func (t *Ticket) fields() map[string]string {
	calledAt := ""
	if t.CalledAt > 0 {
		calledAt = strconv.FormatInt(t.CalledAt, 10)
	}
	return map[string]string{
		"id":           strconv.FormatInt(t.ID, 10),
		"service":      t.Service,
		"status":       string(t.Status),
		"created_at":   strconv.FormatInt(t.CreatedAt, 10),
		"called_at":    calledAt,
		"counter":      t.Counter,
		"line_user_id": t.LineUserID,
		"token":        t.Token,
	}
}

// parseTicketID parses a stream entry's ticket_id value.
func parseTicketID(raw string) (int64, bool) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}

// ticketFromHash rebuilds a ticket from its hash representation.
func ticketFromHash(h map[string]string) *Ticket {
	id, _ := strconv.ParseInt(h["id"], 10, 64)
	created, _ := strconv.ParseInt(h["created_at"], 10, 64)
	called, _ := strconv.ParseInt(h["called_at"], 10, 64)
	return &Ticket{
		ID:         id,
		Service:    h["service"],
		Status:     Status(h["status"]),
		CreatedAt:  created,
		CalledAt:   called,
		Counter:    h["counter"],
		LineUserID: h["line_user_id"],
		Token:      h["token"],
	}
}

// View is the caller-facing projection of a ticket. AheadCount is only
// meaningful while the ticket is waiting; CurrentNumber is the service's
// most recently called number. The capability token never serialises.
type View struct {
	TicketID      int64  `json:"ticket_id"`
	Number        int64  `json:"number"`
	Service       string `json:"service"`
	Status        Status `json:"status"`
	CreatedAt     int64  `json:"created_at"`
	CalledAt      int64  `json:"called_at,omitempty"`
	Counter       string `json:"counter,omitempty"`
	AheadCount    int64  `json:"ahead_count"`
	CurrentNumber int64  `json:"current_number"`
	LineUserID    string `json:"-"`
	Token         string `json:"-"`
}

// Passed reports whether the operator has already moved beyond this ticket:
// it is nominally serving but the service's pointer advanced past it.
func (v *View) Passed() bool {
	return v.Status == StatusServing && v.CurrentNumber > v.Number
}

// Expired reports whether a live view should render the expired state.
func (v *View) Expired() bool {
	return v.Status.Terminal() || v.Passed()
}

func (t *Ticket) view(aheadCount, currentNumber int64) *View {
	return &View{
		TicketID:      t.ID,
		Number:        t.Number(),
		Service:       t.Service,
		Status:        t.Status,
		CreatedAt:     t.CreatedAt,
		CalledAt:      t.CalledAt,
		Counter:       t.Counter,
		AheadCount:    aheadCount,
		CurrentNumber: currentNumber,
		LineUserID:    t.LineUserID,
		Token:         t.Token,
	}
}
