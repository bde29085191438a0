// Package gateway exposes the orchestration core over HTTP: run, loop and
// delegate operations, agent and memory endpoints, a health probe that keeps
// answering when storage is down, and a WebSocket event stream.
package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/wesheets/personal-ai-agent/internal/agent"
	"github.com/wesheets/personal-ai-agent/internal/audit"
	"github.com/wesheets/personal-ai-agent/internal/bus"
	"github.com/wesheets/personal-ai-agent/internal/delegate"
	"github.com/wesheets/personal-ai-agent/internal/engine"
	"github.com/wesheets/personal-ai-agent/internal/otel"
	"github.com/wesheets/personal-ai-agent/internal/persistence"
	"github.com/wesheets/personal-ai-agent/internal/shared"
)

type Config struct {
	Store     *persistence.Store
	Registry  *agent.Registry
	Run       *engine.RunEngine
	Loop      *engine.LoopScheduler
	Delegate  *delegate.Manager
	Bus       *bus.Bus
	Logger    *slog.Logger
	Metrics   *otel.Metrics
	AuthToken string

	// AllowOrigins controls accepted Origin headers for browser WS
	// connections. Empty means same-origin only.
	AllowOrigins []string

	// ConfigFingerprint is the hash of active config exposed in /healthz.
	ConfigFingerprint string
}

type Server struct {
	cfg Config

	clientsMu sync.RWMutex
	clients   map[*wsClient]struct{}
}

func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Server{
		cfg:     cfg,
		clients: map[*wsClient]struct{}{},
	}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", s.handleWS)
	mux.HandleFunc("/healthz", s.handleHealthz)
	mux.HandleFunc("/metrics", s.handleMetrics)

	mux.HandleFunc("/api/run", s.handleRun)
	mux.HandleFunc("/api/loop", s.handleLoop)
	mux.HandleFunc("/api/delegate", s.handleDelegate)
	mux.HandleFunc("/api/agents", s.handleAgents)
	mux.HandleFunc("/api/agents/", s.handleAgentByID)
	mux.HandleFunc("/api/memory", s.handleMemory)
	mux.HandleFunc("/api/delegations", s.handleDelegations)

	return mux
}

func (s *Server) authorize(r *http.Request) bool {
	if s.cfg.AuthToken == "" {
		return true
	}
	header := r.Header.Get("Authorization")
	return header == "Bearer "+s.cfg.AuthToken
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"status": "error", "message": message})
}

func (s *Server) requestContext(r *http.Request) context.Context {
	ctx := r.Context()
	if traceID := r.Header.Get("X-Trace-Id"); traceID != "" {
		ctx = shared.WithTraceID(ctx, traceID)
	} else {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
	}
	return ctx
}

func (s *Server) observe(ctx context.Context, start time.Time) {
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}
}

// handleHealthz answers even when the database is unreachable: degraded
// mode reports healthy=false with a 503 instead of failing to respond.
func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	dbOK := true
	var agentCount int64
	if err := s.cfg.Store.Ping(ctx); err != nil {
		dbOK = false
	} else if count, err := s.cfg.Store.CountAgents(ctx); err == nil {
		agentCount = count
	} else {
		dbOK = false
	}

	payload := map[string]any{
		"healthy":            dbOK,
		"db_ok":              dbOK,
		"agent_count":        agentCount,
		"config_fingerprint": s.cfg.ConfigFingerprint,
		"contract_version":   engine.ContractVersion,
	}
	status := http.StatusOK
	if !dbOK {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, payload)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := r.Context()
	mem := &runtime.MemStats{}
	runtime.ReadMemStats(mem)

	agentCount, _ := s.cfg.Store.CountAgents(ctx)
	memoryCount, _ := s.cfg.Store.CountMemories(ctx)
	delegationCount, _ := s.cfg.Store.CountDelegations(ctx)

	s.clientsMu.RLock()
	wsClients := len(s.clients)
	s.clientsMu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"agents":         agentCount,
		"memories":       memoryCount,
		"delegations":    delegationCount,
		"ws_clients":     wsClients,
		"audit_refusals": audit.RefusalCount(),
		"goroutines":     runtime.NumGoroutine(),
		"heap_alloc_mb":  mem.HeapAlloc / 1024 / 1024,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req engine.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	ctx := s.requestContext(r)
	start := time.Now()
	result := s.cfg.Run.Run(ctx, req)
	s.observe(ctx, start)
	audit.Record("run", req.AgentID, auditOutcome(result.Status), result.Message, shared.TraceID(ctx))
	writeJSON(w, http.StatusOK, result)
}

// auditOutcome maps result statuses onto the audit outcome set.
func auditOutcome(status string) string {
	switch status {
	case "success", "ok":
		return audit.OutcomeOK
	case "capped":
		return audit.OutcomeCapped
	case "refused":
		return audit.OutcomeRefused
	default:
		return audit.OutcomeError
	}
}

func (s *Server) handleLoop(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req engine.LoopRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.AgentID) == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	ctx := s.requestContext(r)
	start := time.Now()
	result := s.cfg.Loop.Loop(ctx, req)
	s.observe(ctx, start)
	audit.Record("loop", req.AgentID, auditOutcome(result.Status), result.Message, shared.TraceID(ctx))
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDelegate(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	var req delegate.Request
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if strings.TrimSpace(req.FromAgent) == "" || strings.TrimSpace(req.ToAgent) == "" {
		writeError(w, http.StatusBadRequest, "from_agent and to_agent are required")
		return
	}
	ctx := s.requestContext(r)
	start := time.Now()
	result := s.cfg.Delegate.Delegate(ctx, req)
	s.observe(ctx, start)
	audit.Record("delegate", req.FromAgent, auditOutcome(result.Status), result.Message, shared.TraceID(ctx))
	writeJSON(w, http.StatusOK, result)
}

type createAgentRequest struct {
	AgentID     string   `json:"agent_id"`
	Description string   `json:"description,omitempty"`
	Traits      []string `json:"traits,omitempty"`
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := s.requestContext(r)
	switch r.Method {
	case http.MethodGet:
		agents, err := s.cfg.Registry.List(ctx)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list agents: "+err.Error())
			return
		}
		summaries := make([]map[string]any, 0, len(agents))
		for _, a := range agents {
			summaries = append(summaries, map[string]any{
				"agent_id":    a.AgentID,
				"name":        a.Name,
				"created_at":  a.CreatedAt,
				"modules":     a.Modules,
				"agent_state": a.AgentState,
				"loop_count":  a.LoopCount,
			})
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "agents": summaries})
	case http.MethodPost:
		var req createAgentRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		if strings.TrimSpace(req.AgentID) == "" {
			writeError(w, http.StatusBadRequest, "agent_id is required")
			return
		}
		rec, err := s.cfg.Registry.Create(ctx, req.AgentID, req.Description, req.Traits)
		if err != nil {
			if errors.Is(err, persistence.ErrAlreadyExists) {
				writeJSON(w, http.StatusConflict, map[string]any{
					"status": "error", "code": string(engine.KindAlreadyExists),
					"message": "agent " + req.AgentID + " already exists",
				})
				return
			}
			writeError(w, http.StatusInternalServerError, "create agent: "+err.Error())
			return
		}
		audit.Record("create_agent", rec.AgentID, audit.OutcomeOK, "", shared.TraceID(ctx))
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "agent_id": rec.AgentID})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := s.requestContext(r)
	rest := strings.TrimPrefix(r.URL.Path, "/api/agents/")
	parts := strings.Split(strings.Trim(rest, "/"), "/")
	if len(parts) == 0 || parts[0] == "" {
		http.NotFound(w, r)
		return
	}
	agentID := parts[0]

	// POST /api/agents/{id}/reset zeroes the loop counter. This is the
	// explicit operator action that clears a system_halt.
	if len(parts) == 2 && parts[1] == "reset" && r.Method == http.MethodPost {
		if err := s.cfg.Registry.ResetLoopCount(ctx, agentID); err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				writeError(w, http.StatusNotFound, "agent "+agentID+" not found")
				return
			}
			writeError(w, http.StatusInternalServerError, "reset loop count: "+err.Error())
			return
		}
		audit.Record("reset_loop_count", agentID, audit.OutcomeOK, "", shared.TraceID(ctx))
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "agent_id": agentID})
		return
	}

	// GET /api/agents/{id}/loops lists recent loop runs.
	if len(parts) == 2 && parts[1] == "loops" && r.Method == http.MethodGet {
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		runs, err := s.cfg.Store.ListLoopRuns(ctx, agentID, limit)
		if err != nil {
			writeError(w, http.StatusInternalServerError, "list loop runs: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "loops": runs})
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		rec, err := s.cfg.Registry.Get(ctx, agentID)
		if err != nil {
			if errors.Is(err, persistence.ErrNotFound) {
				writeJSON(w, http.StatusNotFound, map[string]any{
					"status": "error", "code": string(engine.KindNotFound),
					"message": "agent " + agentID + " not found",
				})
				return
			}
			writeError(w, http.StatusInternalServerError, "get agent: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "agent": rec})
		return
	}

	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
}

type memoryWriteRequest struct {
	AgentID   string   `json:"agent_id"`
	ProjectID string   `json:"project_id"`
	Type      string   `json:"type"`
	Content   string   `json:"content"`
	Tags      []string `json:"tags,omitempty"`
	TaskID    string   `json:"task_id,omitempty"`
}

func (s *Server) handleMemory(w http.ResponseWriter, r *http.Request) {
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := s.requestContext(r)
	switch r.Method {
	case http.MethodPost:
		var req memoryWriteRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
			return
		}
		memoryID, err := s.cfg.Store.AppendMemory(ctx, persistence.MemoryEntry{
			AgentID:   req.AgentID,
			ProjectID: req.ProjectID,
			Type:      req.Type,
			Content:   req.Content,
			Tags:      req.Tags,
			TaskID:    req.TaskID,
			TraceID:   shared.TraceID(ctx),
		})
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if s.cfg.Metrics != nil {
			s.cfg.Metrics.MemoryWrites.Add(ctx, 1)
		}
		writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "memory_id": memoryID})
	case http.MethodGet:
		q := r.URL.Query()
		agentID := q.Get("agent_id")
		if agentID == "" {
			writeError(w, http.StatusBadRequest, "agent_id is required")
			return
		}
		limit, _ := strconv.Atoi(q.Get("limit"))
		memories, err := s.cfg.Store.QueryMemories(ctx, persistence.MemoryFilter{
			AgentID:   agentID,
			ProjectID: q.Get("project_id"),
			Type:      q.Get("type"),
			Limit:     limit,
		})
		if err != nil {
			writeError(w, http.StatusInternalServerError, "query memories: "+err.Error())
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "memories": memories})
	default:
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	}
}

func (s *Server) handleDelegations(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}
	if !s.authorize(r) {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	ctx := s.requestContext(r)
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	records, err := s.cfg.Store.ListDelegations(ctx, r.URL.Query().Get("agent_id"), limit)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "list delegations: "+err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "delegations": records})
}
