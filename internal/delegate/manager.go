// Package delegate transfers tasks between agents, enforcing the delegation
// depth cap before any side effect.
package delegate

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/engine"
	"github.com/wesheets/personal-ai-agent/internal/otel"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
	"github.com/wesheets/personal-ai-agent/internal/shared"
)

// Manager coordinates agent-to-agent task transfer.
type Manager struct {
	registry *agent.Registry
	store    *persistence.Store
	run      *engine.RunEngine
	caps     config.CapsConfig
	eventBus *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
}

func NewManager(registry *agent.Registry, store *persistence.Store, run *engine.RunEngine, caps config.CapsConfig, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		registry: registry,
		store:    store,
		run:      run,
		caps:     caps,
		eventBus: eventBus,
		logger:   logger,
		metrics:  metrics,
	}
}

// Request describes one delegation attempt.
type Request struct {
	FromAgent       string `json:"from_agent"`
	ToAgent         string `json:"to_agent"`
	Task            string `json:"task"`
	ProjectID       string `json:"project_id,omitempty"`
	TaskID          string `json:"task_id,omitempty"`
	DelegationDepth int    `json:"delegation_depth,omitempty"`
	AutoExecute     bool   `json:"auto_execute,omitempty"`
}

// Details carries delegation metadata for the caller.
type Details struct {
	DelegationID    string            `json:"delegation_id,omitempty"`
	FromAgent       string            `json:"from_agent"`
	ToAgent         string            `json:"to_agent"`
	DelegationDepth int               `json:"delegation_depth"`
	MemoryID        string            `json:"memory_id,omitempty"`
	RunResult       *engine.RunResult `json:"run_result,omitempty"`
}

// Result is the structured outcome. Status is "ok", "refused" or "error".
type Result struct {
	Status  string           `json:"status"`
	Code    engine.ErrorKind `json:"code,omitempty"`
	Message string           `json:"message"`
	Details *Details         `json:"details,omitempty"`
}

// Delegate transfers a task from one agent to another. The depth cap is
// checked before any side effect; a refused delegation performs no run.
func (m *Manager) Delegate(ctx context.Context, req Request) Result {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	traceID := shared.TraceID(ctx)

	if _, err := m.registry.Get(ctx, req.FromAgent); err != nil {
		return Result{Status: "error", Code: engine.Classify(err), Message: fmt.Sprintf("agent %q not found", req.FromAgent)}
	}
	if _, err := m.registry.Get(ctx, req.ToAgent); err != nil {
		return Result{Status: "error", Code: engine.Classify(err), Message: fmt.Sprintf("agent %q not found", req.ToAgent)}
	}

	depth := req.DelegationDepth
	if depth < 0 {
		depth = 0
	}
	delegationID := uuid.NewString()

	if depth >= m.caps.MaxDelegationDepth {
		message := fmt.Sprintf("delegation refused: depth %d reached max_delegation_depth %d", depth, m.caps.MaxDelegationDepth)
		if err := m.store.InsertDelegation(ctx, persistence.DelegationRecord{
			DelegationID: delegationID,
			FromAgent:    req.FromAgent,
			ToAgent:      req.ToAgent,
			Task:         req.Task,
			Depth:        depth,
			Status:       persistence.DelegationStatusRefused,
			Detail:       message,
		}); err != nil {
			m.logger.Error("record refused delegation failed", "error", err, "trace_id", traceID)
		}
		if m.metrics != nil {
			m.metrics.DelegationRefused.Add(ctx, 1)
		}
		if m.eventBus != nil {
			m.eventBus.Publish(bus.TopicDelegationRefused, bus.DelegationEvent{
				DelegationID: delegationID, FromAgent: req.FromAgent, ToAgent: req.ToAgent, Depth: depth,
			})
		}
		m.logger.Warn("delegation refused",
			"from_agent", req.FromAgent, "to_agent", req.ToAgent, "depth", depth, "trace_id", traceID)
		return Result{
			Status:  "refused",
			Code:    engine.KindCapExceeded,
			Message: message,
			Details: &Details{DelegationID: delegationID, FromAgent: req.FromAgent, ToAgent: req.ToAgent, DelegationDepth: depth},
		}
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = "default"
	}

	if err := m.registry.UpdateState(ctx, req.FromAgent, persistence.AgentStateDelegating); err != nil {
		return Result{Status: "error", Code: engine.Classify(err), Message: fmt.Sprintf("mark agent delegating: %v", err)}
	}
	defer func() {
		if err := m.registry.UpdateState(context.WithoutCancel(ctx), req.FromAgent, persistence.AgentStateIdle); err != nil {
			m.logger.Error("restore agent state failed", "agent_id", req.FromAgent, "error", err)
		}
	}()

	memoryID, err := m.store.AppendMemory(ctx, persistence.MemoryEntry{
		AgentID:   req.FromAgent,
		ProjectID: projectID,
		Type:      persistence.MemoryTypeDelegation,
		Content:   fmt.Sprintf("delegated to %s at depth %d: %s", req.ToAgent, depth, req.Task),
		TaskID:    req.TaskID,
		TraceID:   traceID,
		Tags:      []string{"delegation", req.ToAgent},
	})
	if err != nil {
		return Result{Status: "error", Code: engine.KindStorage, Message: fmt.Sprintf("memory write failed: %v", err)}
	}

	status := persistence.DelegationStatusAccepted
	details := &Details{
		DelegationID:    delegationID,
		FromAgent:       req.FromAgent,
		ToAgent:         req.ToAgent,
		DelegationDepth: depth,
		MemoryID:        memoryID,
	}

	if req.AutoExecute {
		// The delegated run carries depth+1 so a further delegation it
		// triggers counts against the chain.
		runCtx := shared.WithDelegationDepth(ctx, depth+1)
		runResult := m.run.Run(runCtx, engine.RunRequest{
			AgentID:   req.ToAgent,
			TaskID:    req.TaskID,
			ProjectID: projectID,
			Objective: req.Task,
		})
		details.RunResult = &runResult
		if runResult.Status == "success" {
			status = persistence.DelegationStatusExecuted
		} else {
			status = persistence.DelegationStatusFailed
		}
	}

	if err := m.store.InsertDelegation(ctx, persistence.DelegationRecord{
		DelegationID: delegationID,
		FromAgent:    req.FromAgent,
		ToAgent:      req.ToAgent,
		Task:         req.Task,
		Depth:        depth,
		Status:       status,
		Detail:       fmt.Sprintf("memory_id=%s", memoryID),
	}); err != nil {
		m.logger.Error("record delegation failed", "error", err, "trace_id", traceID)
	}
	if m.metrics != nil {
		m.metrics.DelegationsTotal.Add(ctx, 1)
	}
	if m.eventBus != nil {
		m.eventBus.Publish(bus.TopicDelegationAccepted, bus.DelegationEvent{
			DelegationID: delegationID, FromAgent: req.FromAgent, ToAgent: req.ToAgent, Depth: depth,
		})
	}
	m.logger.Info("delegation accepted",
		"delegation_id", delegationID, "from_agent", req.FromAgent, "to_agent", req.ToAgent,
		"depth", depth, "auto_execute", req.AutoExecute, "trace_id", traceID)

	return Result{
		Status:  "ok",
		Message: fmt.Sprintf("task delegated from %s to %s", req.FromAgent, req.ToAgent),
		Details: details,
	}
}
