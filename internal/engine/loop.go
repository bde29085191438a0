package engine

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/config"
	"github.com/wesheets/personal-ai-agent/internal/otel"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
	"github.com/wesheets/personal-ai-agent/internal/shared"
	"github.com/wesheets/personal-ai-agent/internal/tokenutil"
)

// LoopType is the closed set of loop dispatch variants.
type LoopType string

const (
	LoopReflective LoopType = "reflective"
	LoopTask       LoopType = "task"
	LoopPlanning   LoopType = "planning"
)

// ParseLoopType validates a loop type string against the closed set.
func ParseLoopType(raw string) (LoopType, error) {
	switch LoopType(strings.ToLower(strings.TrimSpace(raw))) {
	case LoopReflective:
		return LoopReflective, nil
	case LoopTask:
		return LoopTask, nil
	case LoopPlanning:
		return LoopPlanning, nil
	default:
		return "", fmt.Errorf("unknown loop type %q (supported: reflective, task, planning)", raw)
	}
}

const (
	defaultMemoryLimit = 10

	// memoryTokenBudget bounds how much recalled memory goes into a loop
	// prompt. Older entries are dropped first.
	memoryTokenBudget = 4000
)

// LoopScheduler runs bounded iterative cycles for one agent. The loop cap is
// a gate checked before every cycle: a capped invocation performs no
// inference and no memory context gathering.
type LoopScheduler struct {
	registry *agent.Registry
	store    *persistence.Store
	provider InferenceProvider
	caps     config.CapsConfig
	eventBus *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	model    string
}

func NewLoopScheduler(registry *agent.Registry, store *persistence.Store, provider InferenceProvider, caps config.CapsConfig, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, model string) *LoopScheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoopScheduler{
		registry: registry,
		store:    store,
		provider: provider,
		caps:     caps,
		eventBus: eventBus,
		logger:   logger,
		metrics:  metrics,
		model:    model,
	}
}

// LoopRequest describes one loop invocation.
type LoopRequest struct {
	AgentID        string   `json:"agent_id"`
	LoopType       string   `json:"loop_type"`
	ProjectID      string   `json:"project_id,omitempty"`
	TaskID         string   `json:"task_id,omitempty"`
	Task           string   `json:"task,omitempty"`
	MemoryLimit    int      `json:"memory_limit,omitempty"`
	MaxCycles      int      `json:"max_cycles,omitempty"`
	ExitConditions []string `json:"exit_conditions,omitempty"`
}

// LoopResult is the structured outcome. Status is "ok", "capped" or "error".
type LoopResult struct {
	Status      string    `json:"status"`
	Code        ErrorKind `json:"code,omitempty"`
	Message     string    `json:"message,omitempty"`
	LoopID      string    `json:"loop_id,omitempty"`
	LoopType    string    `json:"loop_type"`
	LoopCycles  int       `json:"loop_cycles"`
	LoopResult  string    `json:"loop_result,omitempty"`
	LoopSummary string    `json:"loop_summary,omitempty"`
}

// Loop executes up to MaxCycles cycles (default 1), each gated by the
// per-task cap. All failures come back as structured results.
func (s *LoopScheduler) Loop(ctx context.Context, req LoopRequest) LoopResult {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	traceID := shared.TraceID(ctx)

	loopType, err := ParseLoopType(req.LoopType)
	if err != nil {
		return LoopResult{Status: "error", Code: KindUnknown, Message: err.Error(), LoopType: req.LoopType}
	}

	rec, err := s.registry.Get(ctx, req.AgentID)
	if err != nil {
		return LoopResult{Status: "error", Code: Classify(err), Message: fmt.Sprintf("agent %q not found", req.AgentID), LoopType: string(loopType)}
	}

	projectID := req.ProjectID
	if projectID == "" {
		projectID = "default"
	}
	memoryLimit := req.MemoryLimit
	if memoryLimit <= 0 {
		memoryLimit = defaultMemoryLimit
	}
	maxCycles := req.MaxCycles
	if maxCycles <= 0 {
		maxCycles = 1
	}

	loopID := uuid.NewString()
	if err := s.store.InsertLoopRun(ctx, persistence.LoopRun{
		LoopID:    loopID,
		AgentID:   req.AgentID,
		TaskID:    req.TaskID,
		ProjectID: projectID,
		LoopType:  string(loopType),
	}); err != nil {
		return LoopResult{Status: "error", Code: KindStorage, Message: fmt.Sprintf("record loop run: %v", err), LoopType: string(loopType)}
	}

	if s.metrics != nil {
		s.metrics.ActiveLoops.Add(ctx, 1)
		defer s.metrics.ActiveLoops.Add(ctx, -1)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicLoopStarted, bus.LoopEvent{
			LoopID: loopID, AgentID: req.AgentID, LoopType: string(loopType),
		})
	}
	s.logger.Info("loop started",
		"loop_id", loopID, "agent_id", req.AgentID, "loop_type", string(loopType),
		"max_cycles", maxCycles, "trace_id", traceID)

	var lastResult string
	loopCycles := rec.LoopCount

	for cycle := 0; cycle < maxCycles; cycle++ {
		// Cap gate. Strictly before any inference or context gathering.
		count, capped, err := s.registry.CheckAndIncrementLoop(ctx, req.AgentID, s.caps.MaxLoopsPerTask)
		if err != nil {
			s.finish(ctx, loopID, persistence.LoopReasonError, loopCycles, err.Error())
			return LoopResult{Status: "error", Code: Classify(err), Message: err.Error(), LoopID: loopID, LoopType: string(loopType), LoopCycles: loopCycles}
		}
		if capped {
			return s.haltCapped(ctx, req, loopID, loopType, projectID, count, traceID)
		}
		loopCycles = count

		memContext, err := s.store.QueryMemories(ctx, persistence.MemoryFilter{
			AgentID:   req.AgentID,
			ProjectID: projectID,
			Limit:     memoryLimit,
		})
		if err != nil {
			s.restoreIdle(ctx, req.AgentID)
			s.finish(ctx, loopID, persistence.LoopReasonError, loopCycles, err.Error())
			return LoopResult{Status: "error", Code: KindStorage, Message: fmt.Sprintf("gather memory context: %v", err), LoopID: loopID, LoopType: string(loopType), LoopCycles: loopCycles}
		}

		prompt := buildLoopPrompt(rec, loopType, req.Task, memContext)
		responseText, err := s.provider.Infer(ctx, prompt, s.model)
		if err != nil {
			if s.metrics != nil {
				s.metrics.InferenceErrors.Add(ctx, 1)
			}
			s.logger.Error("loop inference failed",
				"loop_id", loopID, "agent_id", req.AgentID, "cycle", count,
				"class", string(ClassifyInferenceError(err)), "error", err, "trace_id", traceID)
			s.restoreIdle(ctx, req.AgentID)
			s.finish(ctx, loopID, persistence.LoopReasonError, loopCycles, err.Error())
			if s.eventBus != nil {
				s.eventBus.Publish(bus.TopicLoopFailed, bus.LoopEvent{
					LoopID: loopID, AgentID: req.AgentID, LoopType: string(loopType), Cycle: count, Status: "error",
				})
			}
			return LoopResult{Status: "error", Code: KindInference, Message: fmt.Sprintf("inference failed: %v", err), LoopID: loopID, LoopType: string(loopType), LoopCycles: loopCycles}
		}
		lastResult = responseText

		if _, err := s.store.AppendMemory(ctx, persistence.MemoryEntry{
			AgentID:   req.AgentID,
			ProjectID: projectID,
			Type:      memoryTypeFor(loopType),
			Content:   responseText,
			TaskID:    req.TaskID,
			TraceID:   traceID,
			Tags:      []string{"loop", string(loopType)},
		}); err != nil {
			s.restoreIdle(ctx, req.AgentID)
			s.finish(ctx, loopID, persistence.LoopReasonError, loopCycles, err.Error())
			return LoopResult{Status: "error", Code: KindStorage, Message: fmt.Sprintf("memory write failed: %v", err), LoopID: loopID, LoopType: string(loopType), LoopCycles: loopCycles}
		}
		if s.metrics != nil {
			s.metrics.MemoryWrites.Add(ctx, 1)
			s.metrics.LoopCycles.Add(ctx, 1)
		}
		if s.eventBus != nil {
			s.eventBus.Publish(bus.TopicLoopCycle, bus.LoopEvent{
				LoopID: loopID, AgentID: req.AgentID, LoopType: string(loopType), Cycle: count,
			})
		}

		if matchesExitCondition(responseText, req.ExitConditions) {
			s.logger.Info("loop exit condition met", "loop_id", loopID, "agent_id", req.AgentID, "cycle", count)
			break
		}
	}

	s.restoreIdle(ctx, req.AgentID)
	summary := summarize(lastResult)
	s.finish(ctx, loopID, persistence.LoopReasonCompleted, loopCycles, summary)
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicLoopCompleted, bus.LoopEvent{
			LoopID: loopID, AgentID: req.AgentID, LoopType: string(loopType), Cycle: loopCycles, Status: "completed",
		})
	}
	s.logger.Info("loop completed", "loop_id", loopID, "agent_id", req.AgentID, "cycles", loopCycles, "trace_id", traceID)

	return LoopResult{
		Status:      "ok",
		LoopID:      loopID,
		LoopType:    string(loopType),
		LoopCycles:  loopCycles,
		LoopResult:  lastResult,
		LoopSummary: summary,
	}
}

// haltCapped records the limit breach and returns the terminal capped
// result. The agent stays in system_halt until an operator resets it.
func (s *LoopScheduler) haltCapped(ctx context.Context, req LoopRequest, loopID string, loopType LoopType, projectID string, count int, traceID string) LoopResult {
	detail := fmt.Sprintf("loop cap reached for agent %s: loop_count=%d max_loops_per_task=%d", req.AgentID, count, s.caps.MaxLoopsPerTask)
	if _, err := s.store.AppendMemory(ctx, persistence.MemoryEntry{
		AgentID:   req.AgentID,
		ProjectID: projectID,
		Type:      persistence.MemoryTypeSystemHalt,
		Content:   detail,
		TaskID:    req.TaskID,
		TraceID:   traceID,
	}); err != nil {
		s.logger.Error("system_halt memory write failed", "agent_id", req.AgentID, "error", err)
	}
	if s.metrics != nil {
		s.metrics.LoopsCapped.Add(ctx, 1)
	}
	if s.eventBus != nil {
		s.eventBus.Publish(bus.TopicLoopCapped, bus.LoopEvent{
			LoopID: loopID, AgentID: req.AgentID, LoopType: string(loopType), Cycle: count, Status: "capped",
		})
	}
	s.finish(ctx, loopID, persistence.LoopReasonCapped, count, detail)
	s.logger.Warn("loop capped", "loop_id", loopID, "agent_id", req.AgentID, "loop_count", count, "trace_id", traceID)

	return LoopResult{
		Status:      "capped",
		Code:        KindCapExceeded,
		Message:     detail,
		LoopID:      loopID,
		LoopType:    string(loopType),
		LoopCycles:  count,
		LoopSummary: detail,
	}
}

func (s *LoopScheduler) restoreIdle(ctx context.Context, agentID string) {
	if err := s.registry.UpdateState(context.WithoutCancel(ctx), agentID, persistence.AgentStateIdle); err != nil {
		s.logger.Error("restore agent state failed", "agent_id", agentID, "error", err)
	}
}

func (s *LoopScheduler) finish(ctx context.Context, loopID, reason string, cycles int, summary string) {
	if err := s.store.FinishLoopRun(context.WithoutCancel(ctx), loopID, reason, cycles, summary); err != nil {
		s.logger.Error("finish loop run failed", "loop_id", loopID, "error", err)
	}
}

func memoryTypeFor(loopType LoopType) string {
	switch loopType {
	case LoopReflective:
		return persistence.MemoryTypeReflection
	case LoopPlanning:
		return persistence.MemoryTypePlanning
	default:
		return persistence.MemoryTypeTaskExecution
	}
}

func buildLoopPrompt(rec *persistence.AgentRecord, loopType LoopType, task string, entries []persistence.MemoryEntry) string {
	var b strings.Builder
	if rec.Persona != "" {
		b.WriteString(rec.Persona)
	} else {
		fmt.Fprintf(&b, "You are %s. %s", rec.Name, rec.Description)
	}
	b.WriteString("\n\nRecent memory (newest first):\n")
	lines := make([]string, 0, len(entries))
	for _, entry := range entries {
		lines = append(lines, fmt.Sprintf("- [%s] %s", entry.Type, entry.Content))
	}
	lines = tokenutil.FitWithinBudget(lines, memoryTokenBudget)
	if len(lines) == 0 {
		b.WriteString("(none)\n")
	}
	for _, line := range lines {
		b.WriteString(line)
		b.WriteByte('\n')
	}

	switch loopType {
	case LoopReflective:
		b.WriteString("\nReflect on the memories above. What patterns, mistakes or insights stand out? Respond with a concise reflection.")
	case LoopPlanning:
		b.WriteString("\nBased on the memories above, produce a short ordered plan for what to do next.")
	case LoopTask:
		b.WriteString("\nTask: " + task)
		b.WriteString("\nUse the memories above as context and carry out the task. Respond with the result.")
	}
	return b.String()
}

func matchesExitCondition(responseText string, conditions []string) bool {
	if len(conditions) == 0 {
		return false
	}
	lower := strings.ToLower(responseText)
	for _, cond := range conditions {
		if cond == "" {
			continue
		}
		if strings.Contains(lower, strings.ToLower(cond)) {
			return true
		}
	}
	return false
}

func summarize(text string) string {
	text = strings.TrimSpace(text)
	const maxLen = 200
	if len(text) <= maxLen {
		return text
	}
	return text[:maxLen] + "..."
}
