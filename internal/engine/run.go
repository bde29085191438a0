package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/otel"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
	"github.com/wesheets/personal-ai-agent/internal/pricing"
	"github.com/wesheets/personal-ai-agent/internal/shared"
	"github.com/wesheets/personal-ai-agent/internal/tokenutil"
)

// ContractVersion is stamped on every run result so external callers can
// detect response-shape changes.
const ContractVersion = "v1"

// RunEngine executes a single agent invocation: prompt assembly, one
// inference call, a memory write, and registry state bookkeeping. Every
// failure is converted to a structured result at this boundary.
type RunEngine struct {
	registry *agent.Registry
	store    *persistence.Store
	provider InferenceProvider
	eventBus *bus.Bus
	logger   *slog.Logger
	metrics  *otel.Metrics
	model    string
}

func NewRunEngine(registry *agent.Registry, store *persistence.Store, provider InferenceProvider, eventBus *bus.Bus, logger *slog.Logger, metrics *otel.Metrics, model string) *RunEngine {
	if logger == nil {
		logger = slog.Default()
	}
	return &RunEngine{
		registry: registry,
		store:    store,
		provider: provider,
		eventBus: eventBus,
		logger:   logger,
		metrics:  metrics,
		model:    model,
	}
}

// RunRequest describes one agent invocation.
type RunRequest struct {
	AgentID            string          `json:"agent_id"`
	TaskID             string          `json:"task_id"`
	ProjectID          string          `json:"project_id"`
	Objective          string          `json:"objective"`
	InputData          map[string]any  `json:"input_data,omitempty"`
	MemoryTraceID      string          `json:"memory_trace_id,omitempty"`
	ExpectedOutputType string          `json:"expected_output_type,omitempty"`
	ResponseSchema     json.RawMessage `json:"response_schema,omitempty"`
}

// RunOutput carries the inference result.
type RunOutput struct {
	ResultText     string  `json:"result_text"`
	Format         string  `json:"format"`
	ProcessingTime float64 `json:"processing_time"`
	MemoryID       string  `json:"memory_id,omitempty"`
}

// RunResult is the structured outcome of a run. Status is "success" or
// "error"; Code carries the taxonomy kind on error.
type RunResult struct {
	Status          string     `json:"status"`
	Code            ErrorKind  `json:"code,omitempty"`
	Message         string     `json:"message,omitempty"`
	Log             []string   `json:"log,omitempty"`
	Output          *RunOutput `json:"output,omitempty"`
	TaskID          string     `json:"task_id"`
	ProjectID       string     `json:"project_id"`
	MemoryTraceID   string     `json:"memory_trace_id,omitempty"`
	ContractVersion string     `json:"contract_version"`
}

func (e *RunEngine) errorResult(req RunRequest, kind ErrorKind, message string, log []string) RunResult {
	return RunResult{
		Status:          "error",
		Code:            kind,
		Message:         message,
		Log:             log,
		TaskID:          req.TaskID,
		ProjectID:       req.ProjectID,
		MemoryTraceID:   req.MemoryTraceID,
		ContractVersion: ContractVersion,
	}
}

// Run performs one invocation. It never returns a Go error; all failure
// modes come back as a structured result.
func (e *RunEngine) Run(ctx context.Context, req RunRequest) RunResult {
	if shared.TraceID(ctx) == "-" {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	traceID := shared.TraceID(ctx)
	var log []string

	rec, err := e.registry.Get(ctx, req.AgentID)
	if err != nil {
		kind := Classify(err)
		e.logger.Warn("run rejected", "agent_id", req.AgentID, "task_id", req.TaskID, "code", string(kind), "trace_id", traceID)
		return e.errorResult(req, kind, fmt.Sprintf("agent %q not found", req.AgentID), log)
	}

	if err := e.registry.UpdateState(ctx, req.AgentID, persistence.AgentStateResponding); err != nil {
		return e.errorResult(req, Classify(err), "failed to mark agent responding", log)
	}
	// The agent never stays stuck in responding, even on the error paths.
	defer func() {
		if err := e.registry.UpdateState(context.WithoutCancel(ctx), req.AgentID, persistence.AgentStateIdle); err != nil {
			e.logger.Error("restore agent state failed", "agent_id", req.AgentID, "error", err)
		}
	}()

	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicRunStarted, bus.RunEvent{
			AgentID: req.AgentID, TaskID: req.TaskID, ProjectID: req.ProjectID,
		})
	}

	prompt := buildRunPrompt(rec, req.Objective, req.InputData)
	log = append(log, fmt.Sprintf("prompt assembled for agent %s (%d chars)", req.AgentID, len(prompt)))

	start := time.Now()
	responseText, err := e.provider.Infer(ctx, prompt, e.model)
	elapsed := time.Since(start)
	if e.metrics != nil {
		e.metrics.InferenceDuration.Record(ctx, elapsed.Seconds())
	}
	if err != nil {
		if e.metrics != nil {
			e.metrics.InferenceErrors.Add(ctx, 1)
		}
		e.logger.Error("inference failed",
			"agent_id", req.AgentID, "task_id", req.TaskID,
			"class", string(ClassifyInferenceError(err)), "error", err, "trace_id", traceID)
		e.recordErrorMemory(ctx, req, fmt.Sprintf("inference failed: %v", err))
		if e.eventBus != nil {
			e.eventBus.Publish(bus.TopicRunFailed, bus.RunEvent{
				AgentID: req.AgentID, TaskID: req.TaskID, ProjectID: req.ProjectID, Status: "error",
			})
		}
		return e.errorResult(req, KindInference, fmt.Sprintf("inference failed: %v", err), log)
	}
	log = append(log, fmt.Sprintf("inference completed in %.3fs", elapsed.Seconds()))

	resultText := responseText
	format := "text"
	if req.ExpectedOutputType == "json" {
		if extracted := ExtractJSON(responseText); extracted != "" {
			resultText = extracted
			format = "json"
		} else {
			log = append(log, "expected json output but none found; returning raw text")
		}
	}
	if len(req.ResponseSchema) > 0 {
		validator, vErr := NewStructuredValidator(req.ResponseSchema)
		if vErr != nil {
			return e.errorResult(req, KindUnknown, fmt.Sprintf("invalid response schema: %v", vErr), log)
		}
		if _, vErr := validator.ValidateResponse(responseText); vErr != nil {
			e.recordErrorMemory(ctx, req, fmt.Sprintf("schema validation failed: %v", vErr))
			return e.errorResult(req, KindInference, fmt.Sprintf("response failed schema validation: %v", vErr), log)
		}
		format = "json"
	}

	memoryContent, _ := json.Marshal(map[string]string{
		"objective": req.Objective,
		"response":  responseText,
	})
	// Runs reached through a delegation chain carry the depth in their tags
	// so the memory log shows which executions were hand-offs.
	var tags []string
	if depth := shared.DelegationDepth(ctx); depth > 0 {
		tags = []string{"delegated", fmt.Sprintf("depth:%d", depth)}
	}
	memoryID, err := e.store.AppendMemory(ctx, persistence.MemoryEntry{
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		Type:      persistence.MemoryTypeTaskExecution,
		Content:   string(memoryContent),
		TaskID:    req.TaskID,
		TraceID:   traceID,
		Tags:      tags,
	})
	if err != nil {
		e.logger.Error("memory write failed", "agent_id", req.AgentID, "error", err, "trace_id", traceID)
		return e.errorResult(req, KindStorage, fmt.Sprintf("memory write failed: %v", err), log)
	}
	if e.metrics != nil {
		e.metrics.MemoryWrites.Add(ctx, 1)
	}
	log = append(log, "memory entry written: "+memoryID)

	if e.eventBus != nil {
		e.eventBus.Publish(bus.TopicRunCompleted, bus.RunEvent{
			AgentID: req.AgentID, TaskID: req.TaskID, ProjectID: req.ProjectID, Status: "success",
		})
	}
	promptTokens := tokenutil.EstimateTokens(prompt)
	completionTokens := tokenutil.EstimateTokens(responseText)
	e.logger.Info("run completed",
		"agent_id", req.AgentID, "task_id", req.TaskID, "project_id", req.ProjectID,
		"elapsed_s", elapsed.Seconds(), "memory_id", memoryID,
		"prompt_tokens_est", promptTokens, "completion_tokens_est", completionTokens,
		"cost_usd_est", pricing.EstimateCost(e.model, promptTokens, completionTokens),
		"trace_id", traceID)

	return RunResult{
		Status: "success",
		Log:    log,
		Output: &RunOutput{
			ResultText:     resultText,
			Format:         format,
			ProcessingTime: elapsed.Seconds(),
			MemoryID:       memoryID,
		},
		TaskID:          req.TaskID,
		ProjectID:       req.ProjectID,
		MemoryTraceID:   req.MemoryTraceID,
		ContractVersion: ContractVersion,
	}
}

func (e *RunEngine) recordErrorMemory(ctx context.Context, req RunRequest, detail string) {
	_, err := e.store.AppendMemory(context.WithoutCancel(ctx), persistence.MemoryEntry{
		AgentID:   req.AgentID,
		ProjectID: req.ProjectID,
		Type:      persistence.MemoryTypeError,
		Content:   detail,
		TaskID:    req.TaskID,
		TraceID:   shared.TraceID(ctx),
	})
	if err != nil {
		e.logger.Error("error memory write failed", "agent_id", req.AgentID, "error", err)
	}
}

func buildRunPrompt(rec *persistence.AgentRecord, objective string, inputData map[string]any) string {
	header := fmt.Sprintf("You are %s. %s", rec.Name, rec.Description)
	if rec.Persona != "" {
		header = rec.Persona
	}
	prompt := header + "\n\nObjective: " + objective
	if len(inputData) > 0 {
		if serialized, err := json.MarshalIndent(inputData, "", "  "); err == nil {
			prompt += "\n\nInput data:\n" + string(serialized)
		}
	}
	if rec.Tone != "" {
		prompt += "\n\nRespond in a " + rec.Tone + " tone."
	}
	return prompt
}
