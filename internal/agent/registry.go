// Package agent maintains the durable agent registry: identity, runtime
// state and loop counters. All read-check-increment sequences for one agent
// run under that agent's lock so concurrent loop invocations cannot both
// pass the cap check.
package agent

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
)

// Core agents are always present. If one is missing from the durable store
// at load time it is synthesized back with default metadata.
var coreAgents = []persistence.AgentRecord{
	{
		AgentID:     "hal",
		Name:        "HAL",
		Description: "Primary task execution agent",
		Traits:      []string{"precise", "methodical"},
		Modules:     []string{"memory", "reflection", "loop", "delegate"},
		Core:        true,
	},
	{
		AgentID:     "ash",
		Name:        "ASH",
		Description: "Analysis and observation agent",
		Traits:      []string{"analytical", "detached"},
		Modules:     []string{"memory", "reflection", "loop"},
		Core:        true,
	},
	{
		AgentID:     "ops",
		Name:        "OPS",
		Description: "Operational coordination agent",
		Traits:      []string{"pragmatic", "direct"},
		Modules:     []string{"memory", "loop", "delegate"},
		Core:        true,
	},
	{
		AgentID:     "memory",
		Name:        "Memory",
		Description: "Memory curation agent",
		Traits:      []string{"thorough"},
		Modules:     []string{"memory", "reflection"},
		Core:        true,
	},
}

// CoreAgentIDs returns the IDs guaranteed present after load.
func CoreAgentIDs() []string {
	ids := make([]string, len(coreAgents))
	for i, a := range coreAgents {
		ids[i] = a.AgentID
	}
	return ids
}

// Registry fronts the agents table with per-agent locking.
type Registry struct {
	store  *persistence.Store
	logger *slog.Logger
	bus    *bus.Bus

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// New builds a Registry and self-heals the core roster. Agents defined in
// config are created if absent; existing records are never mutated.
func New(ctx context.Context, store *persistence.Store, eventBus *bus.Bus, logger *slog.Logger, roster []config.AgentEntry) (*Registry, error) {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		store:  store,
		logger: logger,
		bus:    eventBus,
		locks:  make(map[string]*sync.Mutex),
	}
	if err := r.ensureCoreAgents(ctx); err != nil {
		return nil, err
	}
	r.registerRoster(ctx, roster)
	return r, nil
}

func (r *Registry) ensureCoreAgents(ctx context.Context) error {
	for _, core := range coreAgents {
		_, err := r.store.GetAgent(ctx, core.AgentID)
		if err == nil {
			continue
		}
		if !errors.Is(err, persistence.ErrNotFound) {
			return fmt.Errorf("load core agent %q: %w", core.AgentID, err)
		}
		if err := r.store.CreateAgent(ctx, core); err != nil {
			if errors.Is(err, persistence.ErrAlreadyExists) {
				continue
			}
			return fmt.Errorf("restore core agent %q: %w", core.AgentID, err)
		}
		r.logger.Info("core agent restored", "agent_id", core.AgentID)
	}
	return nil
}

func (r *Registry) registerRoster(ctx context.Context, roster []config.AgentEntry) {
	for _, entry := range roster {
		rec := persistence.AgentRecord{
			AgentID:     entry.AgentID,
			Name:        entry.Name,
			Description: entry.Description,
			Tone:        entry.Tone,
			Persona:     entry.Persona,
			Modules:     []string{"memory", "loop"},
		}
		if err := r.store.CreateAgent(ctx, rec); err != nil {
			if errors.Is(err, persistence.ErrAlreadyExists) {
				continue
			}
			r.logger.Warn("register roster agent failed", "agent_id", entry.AgentID, "error", err)
		}
	}
}

// lockFor returns the mutex guarding the named agent's state.
func (r *Registry) lockFor(agentID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	lock, ok := r.locks[agentID]
	if !ok {
		lock = &sync.Mutex{}
		r.locks[agentID] = lock
	}
	return lock
}

// Create registers a new agent. Returns persistence.ErrAlreadyExists if the
// ID is taken; the existing record is left untouched.
func (r *Registry) Create(ctx context.Context, agentID, description string, traits []string) (*persistence.AgentRecord, error) {
	rec := persistence.AgentRecord{
		AgentID:     agentID,
		Name:        agentID,
		Description: description,
		Traits:      traits,
		Modules:     []string{"memory", "loop"},
		AgentState:  persistence.AgentStateIdle,
	}
	if err := r.store.CreateAgent(ctx, rec); err != nil {
		return nil, err
	}
	r.logger.Info("agent created", "agent_id", agentID)
	return r.store.GetAgent(ctx, agentID)
}

// Get returns the agent record or persistence.ErrNotFound.
func (r *Registry) Get(ctx context.Context, agentID string) (*persistence.AgentRecord, error) {
	return r.store.GetAgent(ctx, agentID)
}

// List returns all agents in a stable order.
func (r *Registry) List(ctx context.Context) ([]persistence.AgentRecord, error) {
	return r.store.ListAgents(ctx)
}

// UpdateState sets the agent's runtime state, touching last_active.
func (r *Registry) UpdateState(ctx context.Context, agentID, state string) error {
	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	prev, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return err
	}
	if err := r.store.UpdateAgentState(ctx, agentID, state, true); err != nil {
		return err
	}
	if r.bus != nil && prev.AgentState != state {
		r.bus.Publish(bus.TopicAgentState, bus.AgentStateEvent{
			AgentID:  agentID,
			OldState: prev.AgentState,
			NewState: state,
		})
	}
	return nil
}

// IncrementLoopCount bumps the agent's loop counter and returns the new
// value. Read and write happen under the agent's lock.
func (r *Registry) IncrementLoopCount(ctx context.Context, agentID string) (int, error) {
	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, err
	}
	next := rec.LoopCount + 1
	if err := r.store.SetLoopCount(ctx, agentID, next); err != nil {
		return 0, err
	}
	return next, nil
}

// CheckAndIncrementLoop is the cap gate. Under the agent's lock it reads the
// loop counter, and either increments it (returning the new count) or, when
// the counter has reached maxLoops, marks the agent system_halt and reports
// capped without incrementing. No side effect precedes the check.
func (r *Registry) CheckAndIncrementLoop(ctx context.Context, agentID string, maxLoops int) (count int, capped bool, err error) {
	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	rec, err := r.store.GetAgent(ctx, agentID)
	if err != nil {
		return 0, false, err
	}
	if rec.LoopCount >= maxLoops {
		if err := r.store.UpdateAgentState(ctx, agentID, persistence.AgentStateSystemHalt, true); err != nil {
			return rec.LoopCount, true, err
		}
		return rec.LoopCount, true, nil
	}
	next := rec.LoopCount + 1
	if err := r.store.SetLoopCount(ctx, agentID, next); err != nil {
		return 0, false, err
	}
	if err := r.store.UpdateAgentState(ctx, agentID, persistence.AgentStateLooping, true); err != nil {
		return next, false, err
	}
	return next, false, nil
}

// ResetLoopCount zeroes the counter and returns the agent to idle. This is
// an explicit operator action, never triggered by the scheduler itself.
func (r *Registry) ResetLoopCount(ctx context.Context, agentID string) error {
	lock := r.lockFor(agentID)
	lock.Lock()
	defer lock.Unlock()

	if err := r.store.SetLoopCount(ctx, agentID, 0); err != nil {
		return err
	}
	return r.store.UpdateAgentState(ctx, agentID, persistence.AgentStateIdle, false)
}
