package queue

import (
	json "github.com/goccy/go-json"
)

// Event is the queue-update message published on the service's channel and
// fanned out to live viewers and the push dispatcher.
type Event struct {
	TicketID int64  `json:"ticket_id"`
	Number   int64  `json:"number"`
	Service  string `json:"service"`
	Counter  string `json:"counter"`
	CalledAt int64  `json:"called_at,omitempty"`
	Status   string `json:"status,omitempty"`
}

// Encode renders the event as its wire JSON.
func (e Event) Encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

// DecodeEvent parses a wire JSON payload.
func DecodeEvent(payload string) (Event, error) {
	var e Event
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return Event{}, err
	}
	return e, nil
}
