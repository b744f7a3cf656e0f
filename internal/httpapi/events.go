package httpapi

import (
	"context"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/relaypost/internal/events"
)

const (
	eventFeedBuffer   = 64
	eventWriteTimeout = 5 * time.Second
)

// handleEvents streams hub events as JSON websocket messages. The optional
// types query parameter is a comma separated allow list.
func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		writeError(w, http.StatusNotFound, "not_found", "event feed disabled", getCorrelationID(r))
		return
	}
	allowed := map[string]bool{}
	for _, t := range strings.Split(r.URL.Query().Get("types"), ",") {
		if t = strings.TrimSpace(t); t != "" {
			allowed[t] = true
		}
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.OriginPatterns})
	if err != nil {
		s.logger.Debug("websocket upgrade failed", zap.Error(err))
		return
	}
	status, reason := websocket.StatusNormalClosure, ""
	defer func() { conn.Close(status, reason) }()

	feed, cancel := s.events.Subscribe(eventFeedBuffer)
	defer cancel()
	ctx := conn.CloseRead(r.Context())
	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-feed:
			if !ok {
				status, reason = websocket.StatusGoingAway, "feed closed"
				return
			}
			if len(allowed) > 0 && !allowed[event.Type] {
				continue
			}
			if err := writeEvent(ctx, conn, event); err != nil {
				s.logger.Debug("event write failed", zap.Error(err))
				status, reason = websocket.StatusInternalError, "event write failed"
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, event events.Event) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return wsjson.Write(ctx, conn, event)
}
