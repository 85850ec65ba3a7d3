package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/wright-agent/internal/events"
)

const (
	eventsWriteWait  = 10 * time.Second
	eventsPingPeriod = 30 * time.Second
	eventsBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 4096,
	// Dashboards are served from other origins.
	CheckOrigin: func(*http.Request) bool { return true },
}

// eventFilters builds bus filters from the query string:
// source=agent,adhoc limits sources and request_id follows one request.
func eventFilters(r *http.Request) []events.Filter {
	var filters []events.Filter
	if src := r.URL.Query().Get("source"); src != "" {
		filters = append(filters, events.FromSources(strings.Split(src, ",")...))
	}
	if id := r.URL.Query().Get("request_id"); id != "" {
		filters = append(filters, events.ForRequest(id))
	}
	return filters
}

// handleEvents streams bus events to a WebSocket client as JSON, one
// event per message, until the client goes away.
// GET /v1/events[?source=a,b][&request_id=id]
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.bus == nil {
		s.errorResponse(w, http.StatusServiceUnavailable, "event stream not enabled")
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.logger.Debug("websocket upgrade failed", "error", err)
		return
	}
	defer conn.Close()

	ch := s.bus.Subscribe(eventsBuffer, eventFilters(r)...)
	defer s.bus.Unsubscribe(ch)

	s.logger.Info("event stream client connected", "remote", r.RemoteAddr)

	// Drain client frames so close and pong control frames are handled.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					s.logger.Debug("event stream read error", "error", err)
				}
				return
			}
		}
	}()

	ping := time.NewTicker(eventsPingPeriod)
	defer ping.Stop()

	for {
		select {
		case <-r.Context().Done():
			return
		case <-closed:
			s.logger.Info("event stream client disconnected", "remote", r.RemoteAddr)
			return
		case ev, ok := <-ch:
			if !ok {
				return
			}
			_ = conn.SetWriteDeadline(time.Now().Add(eventsWriteWait))
			if err := conn.WriteJSON(ev); err != nil {
				s.logger.Debug("event stream write failed", "error", err)
				return
			}
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(eventsWriteWait)); err != nil {
				return
			}
		}
	}
}
