package gateway

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wesheets/personal-ai-agent/internal/bus"
)

type wsClient struct {
	conn *websocket.Conn
}

type wsEvent struct {
	Topic   string `json:"topic"`
	Payload any    `json:"payload,omitempty"`
	TS      int64  `json:"ts"`
}

// originAllowed enforces the AllowOrigins list for browser connections.
// Requests without an Origin header (non-browser clients) are always allowed.
func (s *Server) originAllowed(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if parsed.Host == r.Host {
		return true
	}
	for _, allowed := range s.cfg.AllowOrigins {
		if origin == allowed || parsed.Host == allowed {
			return true
		}
	}
	return false
}

// handleWS streams bus events to the client as JSON. The optional ?topic=
// query parameter narrows the stream to a topic prefix (e.g. "loop.").
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	if !s.originAllowed(r) {
		http.Error(w, "origin not allowed", http.StatusForbidden)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true, // origin checked above
	})
	if err != nil {
		s.cfg.Logger.Warn("websocket accept failed", "error", err)
		return
	}

	client := &wsClient{conn: conn}
	s.clientsMu.Lock()
	s.clients[client] = struct{}{}
	s.clientsMu.Unlock()

	defer func() {
		s.clientsMu.Lock()
		delete(s.clients, client)
		s.clientsMu.Unlock()
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	sub := s.cfg.Bus.Subscribe(r.URL.Query().Get("topic"))
	defer s.cfg.Bus.Unsubscribe(sub)

	ctx := r.Context()
	// Drain client frames so pings and close frames are processed.
	go func() {
		for {
			if _, _, err := conn.Read(ctx); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case event, ok := <-sub.Ch():
			if !ok {
				return
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err := wsjson.Write(writeCtx, conn, wsEvent{
				Topic:   event.Topic,
				Payload: event.Payload,
				TS:      time.Now().Unix(),
			})
			cancel()
			if err != nil {
				return
			}
		}
	}
}

// BroadcastTopics returns the well-known event topics for clients.
func BroadcastTopics() []string {
	return []string{
		bus.TopicRunStarted, bus.TopicRunCompleted, bus.TopicRunFailed,
		bus.TopicLoopStarted, bus.TopicLoopCycle, bus.TopicLoopCompleted,
		bus.TopicLoopCapped, bus.TopicLoopFailed,
		bus.TopicDelegationAccepted, bus.TopicDelegationRefused,
		bus.TopicAgentCreated, bus.TopicAgentState, bus.TopicMemoryWritten,
	}
}
