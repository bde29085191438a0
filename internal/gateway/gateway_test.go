package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/delegate"
	"github.com/wesheets/personal-ai-agent/internal/engine"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
)

type stubProvider struct {
	mu       sync.Mutex
	calls    int
	response string
}

func (p *stubProvider) Infer(ctx context.Context, prompt, model string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.response, nil
}

type testFixture struct {
	server   *httptest.Server
	provider *stubProvider
	store    *persistence.Store
	bus      *bus.Bus
}

func newFixture(t *testing.T, authToken string) *testFixture {
	t.Helper()
	eventBus := bus.New()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), eventBus)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	ctx := context.Background()
	registry, err := agent.New(ctx, store, eventBus, nil, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	provider := &stubProvider{response: "stub response"}
	caps := config.CapsConfig{MaxLoopsPerTask: 2, MaxDelegationDepth: 3}
	run := engine.NewRunEngine(registry, store, provider, eventBus, nil, nil, "test-model")
	loop := engine.NewLoopScheduler(registry, store, provider, caps, eventBus, nil, nil, "test-model")
	mgr := delegate.NewManager(registry, store, run, caps, eventBus, nil, nil)

	srv := New(Config{
		Store:             store,
		Registry:          registry,
		Run:               run,
		Loop:              loop,
		Delegate:          mgr,
		Bus:               eventBus,
		AuthToken:         authToken,
		ConfigFingerprint: "cfg-test",
	})
	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)
	return &testFixture{server: ts, provider: provider, store: store, bus: eventBus}
}

func postJSON(t *testing.T, url string, body any) (*http.Response, map[string]any) {
	t.Helper()
	raw, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal body: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("POST %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func getJSON(t *testing.T, url string) (*http.Response, map[string]any) {
	t.Helper()
	resp, err := http.Get(url)
	if err != nil {
		t.Fatalf("GET %s: %v", url, err)
	}
	defer resp.Body.Close()
	var decoded map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	return resp, decoded
}

func TestGateway(t *testing.T) {
	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "healthz reports healthy",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, body := getJSON(t, fx.server.URL+"/healthz")
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("status = %d", resp.StatusCode)
				}
				if body["healthy"] != true {
					t.Errorf("healthy = %v", body["healthy"])
				}
				if body["contract_version"] != "v1" {
					t.Errorf("contract_version = %v", body["contract_version"])
				}
				if body["agent_count"].(float64) < 4 {
					t.Errorf("agent_count = %v, want at least the core roster", body["agent_count"])
				}
			},
		},
		{
			name: "healthz degrades to 503 when storage is down",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				fx.store.Close()
				resp, body := getJSON(t, fx.server.URL+"/healthz")
				if resp.StatusCode != http.StatusServiceUnavailable {
					t.Fatalf("status = %d, want 503", resp.StatusCode)
				}
				if body["healthy"] != false {
					t.Errorf("healthy = %v, want false", body["healthy"])
				}
			},
		},
		{
			name: "run endpoint returns structured result",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, body := postJSON(t, fx.server.URL+"/api/run", map[string]any{
					"agent_id": "hal", "task_id": "t1", "project_id": "p1", "objective": "test",
				})
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("status = %d", resp.StatusCode)
				}
				if body["status"] != "success" {
					t.Fatalf("body = %v", body)
				}
				if body["contract_version"] != "v1" {
					t.Errorf("contract_version = %v", body["contract_version"])
				}
				output, ok := body["output"].(map[string]any)
				if !ok || output["result_text"] != "stub response" {
					t.Errorf("output = %v", body["output"])
				}
			},
		},
		{
			name: "run without agent_id is a 400",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, _ := postJSON(t, fx.server.URL+"/api/run", map[string]any{"objective": "x"})
				if resp.StatusCode != http.StatusBadRequest {
					t.Errorf("status = %d, want 400", resp.StatusCode)
				}
			},
		},
		{
			name: "run for unknown agent is a structured error at 200",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, body := postJSON(t, fx.server.URL+"/api/run", map[string]any{
					"agent_id": "ghost", "objective": "x",
				})
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("status = %d", resp.StatusCode)
				}
				if body["status"] != "error" || body["code"] != "not_found" {
					t.Errorf("body = %v", body)
				}
			},
		},
		{
			name: "loop caps over successive invocations",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				for i := 0; i < 2; i++ {
					resp, body := postJSON(t, fx.server.URL+"/api/loop", map[string]any{
						"agent_id": "hal", "loop_type": "task", "task": "keep going",
					})
					if resp.StatusCode != http.StatusOK || body["status"] != "ok" {
						t.Fatalf("invocation %d: status=%d body=%v", i+1, resp.StatusCode, body)
					}
				}
				_, body := postJSON(t, fx.server.URL+"/api/loop", map[string]any{
					"agent_id": "hal", "loop_type": "task", "task": "keep going",
				})
				if body["status"] != "capped" || body["code"] != "cap_exceeded" {
					t.Fatalf("capped invocation body = %v", body)
				}

				// Operator reset clears the halt.
				resp, _ := postJSON(t, fx.server.URL+"/api/agents/hal/reset", map[string]any{})
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("reset status = %d", resp.StatusCode)
				}
				_, body = postJSON(t, fx.server.URL+"/api/loop", map[string]any{
					"agent_id": "hal", "loop_type": "task", "task": "keep going",
				})
				if body["status"] != "ok" {
					t.Errorf("post-reset loop body = %v", body)
				}
			},
		},
		{
			name: "delegate refusal at depth cap",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				_, body := postJSON(t, fx.server.URL+"/api/delegate", map[string]any{
					"from_agent": "hal", "to_agent": "ash", "task": "x", "delegation_depth": 3,
				})
				if body["status"] != "refused" || body["code"] != "cap_exceeded" {
					t.Fatalf("body = %v", body)
				}
			},
		},
		{
			name: "create agent then conflict on duplicate",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, body := postJSON(t, fx.server.URL+"/api/agents", map[string]any{
					"agent_id": "newbie", "description": "fresh agent",
				})
				if resp.StatusCode != http.StatusCreated || body["status"] != "ok" {
					t.Fatalf("create: status=%d body=%v", resp.StatusCode, body)
				}
				resp, body = postJSON(t, fx.server.URL+"/api/agents", map[string]any{
					"agent_id": "newbie",
				})
				if resp.StatusCode != http.StatusConflict {
					t.Fatalf("duplicate: status = %d, want 409", resp.StatusCode)
				}
				if body["code"] != "already_exists" {
					t.Errorf("duplicate body = %v", body)
				}
			},
		},
		{
			name: "get unknown agent is a structured 404",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, body := getJSON(t, fx.server.URL+"/api/agents/ghost")
				if resp.StatusCode != http.StatusNotFound {
					t.Fatalf("status = %d", resp.StatusCode)
				}
				if body["code"] != "not_found" {
					t.Errorf("body = %v", body)
				}
			},
		},
		{
			name: "memory write then read returns the entry",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, body := postJSON(t, fx.server.URL+"/api/memory", map[string]any{
					"agent_id": "ash", "project_id": "p1", "type": "observation", "content": "x",
				})
				if resp.StatusCode != http.StatusCreated || body["memory_id"] == "" {
					t.Fatalf("write: status=%d body=%v", resp.StatusCode, body)
				}
				resp, body = getJSON(t, fx.server.URL+"/api/memory?agent_id=ash&project_id=p1&type=observation&limit=1")
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("read status = %d", resp.StatusCode)
				}
				memories, ok := body["memories"].([]any)
				if !ok || len(memories) != 1 {
					t.Fatalf("memories = %v", body["memories"])
				}
				entry := memories[0].(map[string]any)
				if entry["content"] != "x" {
					t.Errorf("entry = %v", entry)
				}
			},
		},
		{
			name: "memory read requires agent_id",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				resp, _ := getJSON(t, fx.server.URL+"/api/memory")
				if resp.StatusCode != http.StatusBadRequest {
					t.Errorf("status = %d, want 400", resp.StatusCode)
				}
			},
		},
		{
			name: "auth token guards the api",
			fn: func(t *testing.T) {
				fx := newFixture(t, "secret-token")
				resp, err := http.Post(fx.server.URL+"/api/run", "application/json",
					bytes.NewReader([]byte(`{"agent_id":"hal","objective":"x"}`)))
				if err != nil {
					t.Fatalf("POST: %v", err)
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusUnauthorized {
					t.Fatalf("unauthenticated status = %d, want 401", resp.StatusCode)
				}

				req, err := http.NewRequest(http.MethodPost, fx.server.URL+"/api/run",
					bytes.NewReader([]byte(`{"agent_id":"hal","objective":"x"}`)))
				if err != nil {
					t.Fatalf("new request: %v", err)
				}
				req.Header.Set("Authorization", "Bearer secret-token")
				resp, err = http.DefaultClient.Do(req)
				if err != nil {
					t.Fatalf("authed POST: %v", err)
				}
				resp.Body.Close()
				if resp.StatusCode != http.StatusOK {
					t.Errorf("authed status = %d, want 200", resp.StatusCode)
				}
			},
		},
		{
			name: "delegations listing",
			fn: func(t *testing.T) {
				fx := newFixture(t, "")
				if _, body := postJSON(t, fx.server.URL+"/api/delegate", map[string]any{
					"from_agent": "hal", "to_agent": "ops", "task": "coordinate",
				}); body["status"] != "ok" {
					t.Fatalf("delegate body = %v", body)
				}
				resp, body := getJSON(t, fx.server.URL+"/api/delegations?agent_id=hal")
				if resp.StatusCode != http.StatusOK {
					t.Fatalf("status = %d", resp.StatusCode)
				}
				records, ok := body["delegations"].([]any)
				if !ok || len(records) != 1 {
					t.Errorf("delegations = %v", body["delegations"])
				}
			},
		},
	}
	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}
