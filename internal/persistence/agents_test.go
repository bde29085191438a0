package persistence

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/google/uuid"
)

func TestAgents(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	tests := []struct {
		name string
		fn   func(t *testing.T)
	}{
		{
			name: "create and get round-trip",
			fn: func(t *testing.T) {
				id := uuid.NewString()
				rec := AgentRecord{
					AgentID:     id,
					Name:        "Test Agent",
					Description: "does testing",
					Traits:      []string{"careful"},
					Modules:     []string{"memory", "loop"},
					Tone:        "neutral",
					AgentState:  AgentStateIdle,
				}
				if err := store.CreateAgent(ctx, rec); err != nil {
					t.Fatalf("CreateAgent: %v", err)
				}
				got, err := store.GetAgent(ctx, id)
				if err != nil {
					t.Fatalf("GetAgent: %v", err)
				}
				if got.Name != "Test Agent" || got.Description != "does testing" {
					t.Errorf("unexpected record: %+v", got)
				}
				if len(got.Traits) != 1 || got.Traits[0] != "careful" {
					t.Errorf("traits did not round-trip: %+v", got.Traits)
				}
				if len(got.Modules) != 2 {
					t.Errorf("modules did not round-trip: %+v", got.Modules)
				}
				if got.AgentState != AgentStateIdle {
					t.Errorf("state = %q, want idle", got.AgentState)
				}
				if got.CreatedAt.IsZero() || got.UpdatedAt.IsZero() {
					t.Error("expected created_at and updated_at to be set")
				}
			},
		},
		{
			name: "duplicate create returns ErrAlreadyExists",
			fn: func(t *testing.T) {
				id := uuid.NewString()
				rec := AgentRecord{AgentID: id, Name: "First", AgentState: AgentStateIdle}
				if err := store.CreateAgent(ctx, rec); err != nil {
					t.Fatalf("CreateAgent: %v", err)
				}
				rec.Name = "Second"
				err := store.CreateAgent(ctx, rec)
				if !errors.Is(err, ErrAlreadyExists) {
					t.Fatalf("expected ErrAlreadyExists, got %v", err)
				}
				got, err := store.GetAgent(ctx, id)
				if err != nil {
					t.Fatalf("GetAgent: %v", err)
				}
				if got.Name != "First" {
					t.Errorf("existing record was mutated: %+v", got)
				}
			},
		},
		{
			name: "get missing returns ErrNotFound",
			fn: func(t *testing.T) {
				_, err := store.GetAgent(ctx, "no-such-agent")
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "update state touches last_active",
			fn: func(t *testing.T) {
				id := uuid.NewString()
				if err := store.CreateAgent(ctx, AgentRecord{AgentID: id, Name: "S", AgentState: AgentStateIdle}); err != nil {
					t.Fatalf("CreateAgent: %v", err)
				}
				if err := store.UpdateAgentState(ctx, id, AgentStateResponding, true); err != nil {
					t.Fatalf("UpdateAgentState: %v", err)
				}
				got, err := store.GetAgent(ctx, id)
				if err != nil {
					t.Fatalf("GetAgent: %v", err)
				}
				if got.AgentState != AgentStateResponding {
					t.Errorf("state = %q, want responding", got.AgentState)
				}
				if got.LastActive == nil {
					t.Error("expected last_active to be set")
				}
			},
		},
		{
			name: "update state of missing agent returns ErrNotFound",
			fn: func(t *testing.T) {
				err := store.UpdateAgentState(ctx, "absent", AgentStateIdle, false)
				if !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound, got %v", err)
				}
			},
		},
		{
			name: "set loop count is absolute",
			fn: func(t *testing.T) {
				id := uuid.NewString()
				if err := store.CreateAgent(ctx, AgentRecord{AgentID: id, Name: "L", AgentState: AgentStateIdle}); err != nil {
					t.Fatalf("CreateAgent: %v", err)
				}
				if err := store.SetLoopCount(ctx, id, 4); err != nil {
					t.Fatalf("SetLoopCount: %v", err)
				}
				got, err := store.GetAgent(ctx, id)
				if err != nil {
					t.Fatalf("GetAgent: %v", err)
				}
				if got.LoopCount != 4 {
					t.Errorf("loop_count = %d, want 4", got.LoopCount)
				}
				if err := store.SetLoopCount(ctx, id, 0); err != nil {
					t.Fatalf("SetLoopCount reset: %v", err)
				}
				got, _ = store.GetAgent(ctx, id)
				if got.LoopCount != 0 {
					t.Errorf("loop_count after reset = %d, want 0", got.LoopCount)
				}
			},
		},
		{
			name: "delete removes the row",
			fn: func(t *testing.T) {
				id := uuid.NewString()
				if err := store.CreateAgent(ctx, AgentRecord{AgentID: id, Name: "D", AgentState: AgentStateIdle}); err != nil {
					t.Fatalf("CreateAgent: %v", err)
				}
				if err := store.DeleteAgent(ctx, id); err != nil {
					t.Fatalf("DeleteAgent: %v", err)
				}
				if _, err := store.GetAgent(ctx, id); !errors.Is(err, ErrNotFound) {
					t.Errorf("expected ErrNotFound after delete, got %v", err)
				}
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, tc.fn)
	}
}

func TestListAgentsOrder(t *testing.T) {
	dir := t.TempDir()
	store, err := Open(filepath.Join(dir, "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	defer store.Close()
	ctx := context.Background()

	for _, id := range []string{"zeta", "alpha", "mid"} {
		if err := store.CreateAgent(ctx, AgentRecord{AgentID: id, Name: id, AgentState: AgentStateIdle}); err != nil {
			t.Fatalf("CreateAgent %s: %v", id, err)
		}
	}
	agents, err := store.ListAgents(ctx)
	if err != nil {
		t.Fatalf("ListAgents: %v", err)
	}
	if len(agents) != 3 {
		t.Fatalf("expected 3 agents, got %d", len(agents))
	}
	// Same-second inserts fall back to agent_id ordering.
	seen := map[string]bool{}
	for _, a := range agents {
		seen[a.AgentID] = true
	}
	for _, id := range []string{"zeta", "alpha", "mid"} {
		if !seen[id] {
			t.Errorf("agent %s missing from list", id)
		}
	}
}
