// Package audit appends one JSONL record per API action to
// <home>/logs/audit.jsonl so operators can reconstruct what the daemon was
// asked to do and how it answered. Secrets are redacted before persistence.
package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/wesheets/personal-ai-agent/internal/shared"
)

// Outcomes recorded for an action. Capped and refused actions feed the
// refusal counter exposed in /metrics.
const (
	OutcomeOK      = "ok"
	OutcomeError   = "error"
	OutcomeCapped  = "capped"
	OutcomeRefused = "refused"
)

type entry struct {
	Timestamp string `json:"timestamp"`
	Action    string `json:"action"`
	AgentID   string `json:"agent_id,omitempty"`
	Outcome   string `json:"outcome"`
	Detail    string `json:"detail,omitempty"`
	TraceID   string `json:"trace_id,omitempty"`
}

var (
	mu           sync.Mutex
	file         *os.File
	refusalCount atomic.Int64
)

// Init opens the audit log. Safe to call more than once.
func Init(homeDir string) error {
	mu.Lock()
	defer mu.Unlock()
	if file != nil {
		return nil
	}
	logDir := filepath.Join(homeDir, "logs")
	if err := os.MkdirAll(logDir, 0o755); err != nil {
		return err
	}
	f, err := os.OpenFile(filepath.Join(logDir, "audit.jsonl"), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	file = f
	return nil
}

func Close() error {
	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return nil
	}
	err := file.Close()
	file = nil
	return err
}

// RefusalCount returns the number of capped or refused actions since startup.
func RefusalCount() int64 {
	return refusalCount.Load()
}

// Record appends one audit entry. A nil audit log (Init not called, as in
// tests) drops the entry silently.
func Record(action, agentID, outcome, detail, traceID string) {
	if outcome == OutcomeCapped || outcome == OutcomeRefused {
		refusalCount.Add(1)
	}

	detail = shared.Redact(detail)

	mu.Lock()
	defer mu.Unlock()
	if file == nil {
		return
	}
	ev := entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Action:    action,
		AgentID:   agentID,
		Outcome:   outcome,
		Detail:    detail,
		TraceID:   traceID,
	}
	b, err := json.Marshal(ev)
	if err == nil {
		_, _ = file.Write(append(b, '\n'))
	}
}
