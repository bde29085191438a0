package persistence

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/wesheets/personal-ai-agent/internal/bus"
)

// Agent states. system_halt is reached only when the loop cap fires.
const (
	AgentStateIdle       = "idle"
	AgentStateResponding = "responding"
	AgentStateLooping    = "looping"
	AgentStateDelegating = "delegating"
	AgentStateSystemHalt = "system_halt"
	AgentStateError      = "error"
)

// AgentRecord represents a row in the agents table.
type AgentRecord struct {
	AgentID     string     `json:"agent_id"`
	Name        string     `json:"name"`
	Description string     `json:"description"`
	Traits      []string   `json:"traits"`
	Modules     []string   `json:"modules"`
	Tone        string     `json:"tone,omitempty"`
	Persona     string     `json:"persona,omitempty"`
	LoopCount   int        `json:"loop_count"`
	AgentState  string     `json:"agent_state"`
	Core        bool       `json:"core"`
	LastActive  *time.Time `json:"last_active,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
}

func encodeStringList(list []string) string {
	if len(list) == 0 {
		return "[]"
	}
	b, err := json.Marshal(list)
	if err != nil {
		return "[]"
	}
	return string(b)
}

func decodeStringList(raw string) []string {
	if raw == "" || raw == "[]" {
		return nil
	}
	var out []string
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil
	}
	return out
}

// CreateAgent inserts a new agent row. Returns ErrAlreadyExists if the
// agent_id is taken; the existing row is never mutated.
func (s *Store) CreateAgent(ctx context.Context, rec AgentRecord) error {
	state := rec.AgentState
	if state == "" {
		state = AgentStateIdle
	}
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO agents (agent_id, name, description, traits, modules, tone, persona,
				loop_count, agent_state, core, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, rec.AgentID, rec.Name, rec.Description, encodeStringList(rec.Traits),
			encodeStringList(rec.Modules), rec.Tone, rec.Persona, rec.LoopCount, state, rec.Core)
		return err
	})
	if err != nil {
		if isUniqueViolation(err) {
			return fmt.Errorf("agent %q: %w", rec.AgentID, ErrAlreadyExists)
		}
		return fmt.Errorf("create agent: %w", err)
	}
	s.publish(bus.TopicAgentCreated, rec.AgentID)
	return nil
}

func scanAgent(scanFn func(dest ...any) error) (*AgentRecord, error) {
	var rec AgentRecord
	var traits, modules string
	var lastActive sql.NullTime
	if err := scanFn(&rec.AgentID, &rec.Name, &rec.Description, &traits, &modules,
		&rec.Tone, &rec.Persona, &rec.LoopCount, &rec.AgentState, &rec.Core,
		&lastActive, &rec.CreatedAt, &rec.UpdatedAt); err != nil {
		return nil, err
	}
	rec.Traits = decodeStringList(traits)
	rec.Modules = decodeStringList(modules)
	if lastActive.Valid {
		t := lastActive.Time
		rec.LastActive = &t
	}
	return &rec, nil
}

const agentColumns = `agent_id, name, description, traits, modules, tone, persona,
	loop_count, agent_state, core, last_active, created_at, updated_at`

// GetAgent returns the agent record for the given ID, or ErrNotFound.
func (s *Store) GetAgent(ctx context.Context, agentID string) (*AgentRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+agentColumns+` FROM agents WHERE agent_id = ?;`, agentID)
	rec, err := scanAgent(row.Scan)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
		}
		return nil, fmt.Errorf("get agent: %w", err)
	}
	return rec, nil
}

// ListAgents returns all agent records ordered by creation time, then ID for
// a stable order within a process run.
func (s *Store) ListAgents(ctx context.Context) ([]AgentRecord, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+agentColumns+` FROM agents ORDER BY created_at ASC, agent_id ASC;`)
	if err != nil {
		return nil, fmt.Errorf("list agents: %w", err)
	}
	defer rows.Close()
	var out []AgentRecord
	for rows.Next() {
		rec, err := scanAgent(rows.Scan)
		if err != nil {
			return nil, fmt.Errorf("scan agent: %w", err)
		}
		out = append(out, *rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list agents: iterate: %w", err)
	}
	return out, nil
}

// UpdateAgentState sets agent_state and optionally touches last_active.
func (s *Store) UpdateAgentState(ctx context.Context, agentID, state string, touchLastActive bool) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		if touchLastActive {
			res, err = s.db.ExecContext(ctx, `
				UPDATE agents SET agent_state = ?, last_active = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
				WHERE agent_id = ?;
			`, state, agentID)
		} else {
			res, err = s.db.ExecContext(ctx, `
				UPDATE agents SET agent_state = ?, updated_at = CURRENT_TIMESTAMP
				WHERE agent_id = ?;
			`, state, agentID)
		}
		return err
	})
	if err != nil {
		return fmt.Errorf("update agent state: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("update agent state: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// SetLoopCount writes an absolute loop_count value. The registry serializes
// read-check-increment sequences per agent before calling this.
func (s *Store) SetLoopCount(ctx context.Context, agentID string, count int) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE agents SET loop_count = ?, last_active = CURRENT_TIMESTAMP, updated_at = CURRENT_TIMESTAMP
			WHERE agent_id = ?;
		`, count, agentID)
		return err
	})
	if err != nil {
		return fmt.Errorf("set loop count: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("set loop count: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// DeleteAgent removes an agent row. Core agents are restored on next startup
// by the registry's self-heal pass.
func (s *Store) DeleteAgent(ctx context.Context, agentID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM agents WHERE agent_id = ?;`, agentID)
	if err != nil {
		return fmt.Errorf("delete agent: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("delete agent: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("agent %q: %w", agentID, ErrNotFound)
	}
	return nil
}

// CountAgents returns the number of registered agents.
func (s *Store) CountAgents(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM agents;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count agents: %w", err)
	}
	return count, nil
}
