package gateway

import (
	"context"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/wesheets/personal-ai-agent/internal/bus"
)

func TestWSStreamsBusEvents(t *testing.T) {
	fx := newFixture(t, "")
	wsURL := strings.Replace(fx.server.URL, "http://", "ws://", 1) + "/ws?topic=loop."

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "done")

	// A loop invocation publishes loop.started and loop.cycle events.
	go func() {
		resp, err := http.Post(fx.server.URL+"/api/loop", "application/json",
			strings.NewReader(`{"agent_id":"hal","loop_type":"reflective"}`))
		if err == nil {
			resp.Body.Close()
		}
	}()

	var event wsEvent
	if err := wsjson.Read(ctx, conn, &event); err != nil {
		t.Fatalf("read event: %v", err)
	}
	if !strings.HasPrefix(event.Topic, "loop.") {
		t.Errorf("topic = %q, want loop.* only", event.Topic)
	}
	if event.TS == 0 {
		t.Error("expected a timestamp on the event")
	}
}

func TestWSRejectsDisallowedOrigin(t *testing.T) {
	fx := newFixture(t, "")
	req, err := http.NewRequest(http.MethodGet, fx.server.URL+"/ws", nil)
	if err != nil {
		t.Fatalf("new request: %v", err)
	}
	req.Header.Set("Origin", "https://evil.example.com")
	req.Header.Set("Connection", "Upgrade")
	req.Header.Set("Upgrade", "websocket")
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("do: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusForbidden {
		t.Errorf("status = %d, want 403", resp.StatusCode)
	}
}

func TestBroadcastTopicsCoverLifecycle(t *testing.T) {
	topics := BroadcastTopics()
	want := []string{bus.TopicLoopCapped, bus.TopicDelegationRefused, bus.TopicMemoryWritten}
	for _, topic := range want {
		found := false
		for _, got := range topics {
			if got == topic {
				found = true
				break
			}
		}
		if !found {
			t.Errorf("topic %q missing from broadcast set", topic)
		}
	}
}
