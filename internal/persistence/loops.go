package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// Loop terminal reasons.
const (
	LoopReasonCompleted = "completed"
	LoopReasonCapped    = "capped"
	LoopReasonError     = "error"
)

// LoopRun records one loop invocation for audit and inspection.
type LoopRun struct {
	LoopID         string    `json:"loop_id"`
	AgentID        string    `json:"agent_id"`
	TaskID         string    `json:"task_id,omitempty"`
	ProjectID      string    `json:"project_id,omitempty"`
	LoopType       string    `json:"loop_type"`
	CyclesExecuted int       `json:"cycles_executed"`
	TerminalReason string    `json:"terminal_reason,omitempty"`
	Summary        string    `json:"summary,omitempty"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// InsertLoopRun persists a new loop run row.
func (s *Store) InsertLoopRun(ctx context.Context, run LoopRun) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO loop_runs (loop_id, agent_id, task_id, project_id, loop_type,
				cycles_executed, terminal_reason, summary, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP);
		`, run.LoopID, run.AgentID, run.TaskID, run.ProjectID, run.LoopType,
			run.CyclesExecuted, run.TerminalReason, run.Summary)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert loop run: %w", err)
	}
	return nil
}

// FinishLoopRun records the terminal reason and final cycle count.
func (s *Store) FinishLoopRun(ctx context.Context, loopID, terminalReason string, cyclesExecuted int, summary string) error {
	var res sql.Result
	err := retryOnBusy(ctx, 5, func() error {
		var err error
		res, err = s.db.ExecContext(ctx, `
			UPDATE loop_runs SET terminal_reason = ?, cycles_executed = ?, summary = ?, updated_at = CURRENT_TIMESTAMP
			WHERE loop_id = ?;
		`, terminalReason, cyclesExecuted, summary, loopID)
		return err
	})
	if err != nil {
		return fmt.Errorf("finish loop run: %w", err)
	}
	n, rowsErr := res.RowsAffected()
	if rowsErr != nil {
		return fmt.Errorf("finish loop run: rows affected: %w", rowsErr)
	}
	if n == 0 {
		return fmt.Errorf("loop run %q: %w", loopID, ErrNotFound)
	}
	return nil
}

// GetLoopRun returns a single loop run by ID.
func (s *Store) GetLoopRun(ctx context.Context, loopID string) (*LoopRun, error) {
	var run LoopRun
	err := s.db.QueryRowContext(ctx, `
		SELECT loop_id, agent_id, task_id, project_id, loop_type, cycles_executed,
			terminal_reason, summary, created_at, updated_at
		FROM loop_runs WHERE loop_id = ?;
	`, loopID).Scan(&run.LoopID, &run.AgentID, &run.TaskID, &run.ProjectID, &run.LoopType,
		&run.CyclesExecuted, &run.TerminalReason, &run.Summary, &run.CreatedAt, &run.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("loop run %q: %w", loopID, ErrNotFound)
		}
		return nil, fmt.Errorf("get loop run: %w", err)
	}
	return &run, nil
}

// ListLoopRuns returns recent loop runs for an agent, newest first.
func (s *Store) ListLoopRuns(ctx context.Context, agentID string, limit int) ([]LoopRun, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT loop_id, agent_id, task_id, project_id, loop_type, cycles_executed,
			terminal_reason, summary, created_at, updated_at
		FROM loop_runs WHERE agent_id = ?
		ORDER BY created_at DESC LIMIT ?;
	`, agentID, limit)
	if err != nil {
		return nil, fmt.Errorf("list loop runs: %w", err)
	}
	defer rows.Close()
	var out []LoopRun
	for rows.Next() {
		var run LoopRun
		if err := rows.Scan(&run.LoopID, &run.AgentID, &run.TaskID, &run.ProjectID, &run.LoopType,
			&run.CyclesExecuted, &run.TerminalReason, &run.Summary, &run.CreatedAt, &run.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan loop run: %w", err)
		}
		out = append(out, run)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("loop run rows: %w", err)
	}
	return out, nil
}
