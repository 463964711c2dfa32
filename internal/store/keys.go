package store

import (
	"fmt"
	"strconv"
	"strings"
)

// Key layout shared by every backend. The ticket index is built over the
// TicketKeyPrefix hash space.
const (
	TicketKeyPrefix = "ticket:"
	GlobalIDKey     = "ticket:global:id"
	ConsumerGroup   = "counters_group"
	TicketIndex     = "idx:ticket"

	updateChannelPrefix = "channel:queue_update:"

	// UpdateChannelPattern matches the per-service update channels.
	UpdateChannelPattern = updateChannelPrefix + "*"
)

// TicketKey returns the hash key for a ticket id.
func TicketKey(id int64) string {
	return TicketKeyPrefix + strconv.FormatInt(id, 10)
}

// StreamKey returns the queue stream for a service.
func StreamKey(service string) string {
	return "queue_stream:" + service
}

// CurrentNumberKey returns the current-number pointer for a service.
func CurrentNumberKey(service string) string {
	return "current_number:" + service
}

// StatsKey returns the per-day stats hash for a (service, counter) pair.
// Counter is "ALL" for the service-wide bucket.
func StatsKey(date, service, counter string) string {
	return fmt.Sprintf("stats:%s:%s:%s", date, service, counter)
}

// StatsPattern matches every stats hash of one date.
func StatsPattern(date string) string {
	return fmt.Sprintf("stats:%s:*", date)
}

// ParseStatsKey extracts service and counter from a stats key.
func ParseStatsKey(key string) (service, counter string, ok bool) {
	parts := strings.Split(key, ":")
	if len(parts) < 4 {
		return "", "", false
	}
	return parts[2], parts[3], true
}

// LastActivityKey returns the last-dispatch timestamp key for a counter.
func LastActivityKey(service, counter string) string {
	return fmt.Sprintf("counter:last_activity:%s:%s", service, counter)
}

// DedupPushKey returns the push dedup lease key for a (ticket, number) pair.
func DedupPushKey(ticketID, number int64) string {
	return fmt.Sprintf("dedup:push:%d:%d", ticketID, number)
}

// LineUserKey returns the chat binding hash for an external chat user.
func LineUserKey(userID string) string {
	return "line_user:" + userID
}

// UpdateChannel returns the pub/sub channel for a service.
func UpdateChannel(service string) string {
	return updateChannelPrefix + service
}
