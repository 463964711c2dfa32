package httpserver

import (
	"net/http"

	"github.com/coder/websocket"

	"github.com/queueline/queueline/internal/observability"
)

// counterFeed serves /counter/{service}/feed: a websocket mirror of the
// service's dispatch events for operator consoles. Frames are the same JSON
// documents the SSE stream carries.
func (s *httpServer) counterFeed(w http.ResponseWriter, r *http.Request, service string) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		observability.Log().Debug("counter feed accept",
			observability.Field{Key: "service", Value: service},
			observability.Field{Key: "error", Value: err.Error()})
		return
	}
	defer conn.CloseNow()

	ctx := r.Context()
	events := s.announcer.Listen()
	for {
		select {
		case <-ctx.Done():
			conn.Close(websocket.StatusNormalClosure, "server shutting down")
			return
		case ev, open := <-events:
			if !open {
				conn.Close(websocket.StatusTryAgainLater, "feed lagging, reconnect")
				return
			}
			if ev.Service != service {
				continue
			}
			payload, err := ev.Encode()
			if err != nil {
				observability.Log().Error("counter feed encode",
					observability.Field{Key: "error", Value: err.Error()})
				continue
			}
			if err := conn.Write(ctx, websocket.MessageText, []byte(payload)); err != nil {
				return
			}
		}
	}
}
