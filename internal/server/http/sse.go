package httpserver

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/queueline/queueline/internal/observability"
	"github.com/queueline/queueline/internal/queue"
)

// keepaliveInterval spaces comment frames so idle proxies keep the stream
// open.
const keepaliveInterval = 15 * time.Second

// streamEvents serves /events/{service}: an initial synthetic frame carrying
// the service's current number, then one frame per dispatch until the client
// disconnects or the bus evicts its listener.
func (s *httpServer) streamEvents(w http.ResponseWriter, r *http.Request) {
	service := strings.Trim(strings.TrimPrefix(r.URL.Path, eventsPrefix), "/")
	if service == "" {
		writeError(w, http.StatusNotFound, "service required")
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)

	// Register before the initial frame so no dispatch between the snapshot
	// and the live tail is lost.
	events := s.announcer.Listen()

	current, err := s.repo.CurrentNumber(r.Context(), service)
	if err != nil {
		observability.Log().Error("sse initial frame",
			observability.Field{Key: "service", Value: service},
			observability.Field{Key: "error", Value: err.Error()})
		current = 0
	}
	initial := queue.Event{TicketID: 0, Number: current, Service: service, Status: "update"}
	if !writeFrame(w, flusher, initial) {
		return
	}

	keepalive := time.NewTicker(keepaliveInterval)
	defer keepalive.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-keepalive.C:
			if _, err := fmt.Fprint(w, ": keepalive\n\n"); err != nil {
				return
			}
			flusher.Flush()
		case ev, open := <-events:
			if !open {
				// Evicted as a slow listener; the client reconnects.
				return
			}
			if ev.Service != service {
				continue
			}
			if !writeFrame(w, flusher, ev) {
				return
			}
		}
	}
}

func writeFrame(w http.ResponseWriter, flusher http.Flusher, ev queue.Event) bool {
	payload, err := ev.Encode()
	if err != nil {
		observability.Log().Error("sse encode frame",
			observability.Field{Key: "error", Value: err.Error()})
		return true
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", payload); err != nil {
		return false
	}
	flusher.Flush()
	return true
}
