package delegate

import (
	"context"
	"path/filepath"
	"sync"
	"testing"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/engine"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
)

type countingProvider struct {
	mu       sync.Mutex
	calls    int
	response string
}

func (p *countingProvider) Infer(ctx context.Context, prompt, model string) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.calls++
	return p.response, nil
}

func (p *countingProvider) callCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.calls
}

func newTestManager(t *testing.T, provider engine.InferenceProvider, caps config.CapsConfig) (*Manager, *agent.Registry, *persistence.Store) {
	t.Helper()
	store, err := persistence.Open(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	ctx := context.Background()
	reg, err := agent.New(ctx, store, nil, nil, nil)
	if err != nil {
		t.Fatalf("new registry: %v", err)
	}
	run := engine.NewRunEngine(reg, store, provider, nil, nil, nil, "test-model")
	return NewManager(reg, store, run, caps, nil, nil, nil), reg, store
}

func TestDelegate(t *testing.T) {
	ctx := context.Background()
	caps := config.CapsConfig{MaxLoopsPerTask: 5, MaxDelegationDepth: 3}

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "accepted delegation writes a memory entry and a record",
			fn: func(t *testing.T) {
				provider := &countingProvider{response: "delegated result"}
				mgr, reg, store := newTestManager(t, provider, caps)
				result := mgr.Delegate(ctx, Request{
					FromAgent: "hal", ToAgent: "ash", Task: "analyze the logs", ProjectID: "p1",
				})
				if result.Status != "ok" {
					t.Fatalf("status=%q code=%q: %s", result.Status, result.Code, result.Message)
				}
				if result.Details == nil || result.Details.MemoryID == "" {
					t.Fatalf("expected delegation details with memory_id: %+v", result.Details)
				}
				entries, err := store.QueryMemories(ctx, persistence.MemoryFilter{
					AgentID: "hal", ProjectID: "p1", Type: persistence.MemoryTypeDelegation,
				})
				if err != nil {
					t.Fatalf("QueryMemories: %v", err)
				}
				if len(entries) != 1 {
					t.Fatalf("expected 1 delegation memory entry, got %d", len(entries))
				}
				recs, err := store.ListDelegations(ctx, "hal", 10)
				if err != nil {
					t.Fatalf("ListDelegations: %v", err)
				}
				if len(recs) != 1 || recs[0].Status != persistence.DelegationStatusAccepted {
					t.Fatalf("unexpected delegation records: %+v", recs)
				}
				rec, err := reg.Get(ctx, "hal")
				if err != nil {
					t.Fatalf("Get: %v", err)
				}
				if rec.AgentState != persistence.AgentStateIdle {
					t.Errorf("from agent left in state %q", rec.AgentState)
				}
				if provider.callCount() != 0 {
					t.Errorf("inference ran without auto_execute: %d calls", provider.callCount())
				}
			},
		},
		{
			name: "depth at cap is refused before any side effect",
			fn: func(t *testing.T) {
				provider := &countingProvider{response: "never"}
				mgr, _, store := newTestManager(t, provider, caps)
				result := mgr.Delegate(ctx, Request{
					FromAgent: "hal", ToAgent: "ash", Task: "go deeper",
					DelegationDepth: 3, AutoExecute: true,
				})
				if result.Status != "refused" || result.Code != engine.KindCapExceeded {
					t.Fatalf("status=%q code=%q", result.Status, result.Code)
				}
				if provider.callCount() != 0 {
					t.Errorf("inference ran on a refused delegation: %d calls", provider.callCount())
				}
				entries, err := store.QueryMemories(ctx, persistence.MemoryFilter{
					AgentID: "hal", Type: persistence.MemoryTypeDelegation,
				})
				if err != nil {
					t.Fatalf("QueryMemories: %v", err)
				}
				if len(entries) != 0 {
					t.Errorf("refused delegation wrote %d memory entries", len(entries))
				}
				recs, err := store.ListDelegations(ctx, "hal", 10)
				if err != nil {
					t.Fatalf("ListDelegations: %v", err)
				}
				if len(recs) != 1 || recs[0].Status != persistence.DelegationStatusRefused {
					t.Fatalf("expected one refused record, got %+v", recs)
				}
			},
		},
		{
			name: "depth beyond cap is also refused",
			fn: func(t *testing.T) {
				provider := &countingProvider{}
				mgr, _, _ := newTestManager(t, provider, caps)
				result := mgr.Delegate(ctx, Request{
					FromAgent: "hal", ToAgent: "ash", Task: "x", DelegationDepth: 7,
				})
				if result.Status != "refused" {
					t.Fatalf("status = %q, want refused", result.Status)
				}
			},
		},
		{
			name: "auto execute runs the target agent",
			fn: func(t *testing.T) {
				provider := &countingProvider{response: "analysis done"}
				mgr, _, store := newTestManager(t, provider, caps)
				result := mgr.Delegate(ctx, Request{
					FromAgent: "hal", ToAgent: "ash", Task: "analyze", ProjectID: "p1",
					DelegationDepth: 1, AutoExecute: true,
				})
				if result.Status != "ok" {
					t.Fatalf("status=%q: %s", result.Status, result.Message)
				}
				if provider.callCount() != 1 {
					t.Fatalf("inference calls = %d, want 1", provider.callCount())
				}
				if result.Details.RunResult == nil || result.Details.RunResult.Status != "success" {
					t.Fatalf("unexpected run result: %+v", result.Details.RunResult)
				}
				// The target agent's run leaves a task execution memory.
				entries, err := store.QueryMemories(ctx, persistence.MemoryFilter{
					AgentID: "ash", ProjectID: "p1", Type: persistence.MemoryTypeTaskExecution,
				})
				if err != nil {
					t.Fatalf("QueryMemories: %v", err)
				}
				if len(entries) != 1 {
					t.Errorf("expected 1 task execution entry for ash, got %d", len(entries))
				}
				recs, err := store.ListDelegations(ctx, "ash", 10)
				if err != nil {
					t.Fatalf("ListDelegations: %v", err)
				}
				if len(recs) != 1 || recs[0].Status != persistence.DelegationStatusExecuted {
					t.Fatalf("expected executed record, got %+v", recs)
				}
			},
		},
		{
			name: "unknown agents are rejected",
			fn: func(t *testing.T) {
				provider := &countingProvider{}
				mgr, _, _ := newTestManager(t, provider, caps)
				result := mgr.Delegate(ctx, Request{FromAgent: "ghost", ToAgent: "ash", Task: "x"})
				if result.Status != "error" || result.Code != engine.KindNotFound {
					t.Fatalf("from: status=%q code=%q", result.Status, result.Code)
				}
				result = mgr.Delegate(ctx, Request{FromAgent: "hal", ToAgent: "ghost", Task: "x"})
				if result.Status != "error" || result.Code != engine.KindNotFound {
					t.Fatalf("to: status=%q code=%q", result.Status, result.Code)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}
