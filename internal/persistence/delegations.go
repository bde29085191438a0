package persistence

import (
	"context"
	"fmt"
	"time"
)

// Delegation statuses.
const (
	DelegationStatusAccepted = "accepted"
	DelegationStatusRefused  = "refused"
	DelegationStatusExecuted = "executed"
	DelegationStatusFailed   = "failed"
)

// DelegationRecord records one delegation attempt, accepted or refused.
type DelegationRecord struct {
	DelegationID string    `json:"delegation_id"`
	FromAgent    string    `json:"from_agent"`
	ToAgent      string    `json:"to_agent"`
	Task         string    `json:"task"`
	Depth        int       `json:"depth"`
	Status       string    `json:"status"`
	Detail       string    `json:"detail,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
}

// InsertDelegation persists a delegation attempt.
func (s *Store) InsertDelegation(ctx context.Context, rec DelegationRecord) error {
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO delegations (delegation_id, from_agent, to_agent, task, depth, status, detail, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP);
		`, rec.DelegationID, rec.FromAgent, rec.ToAgent, rec.Task, rec.Depth, rec.Status, rec.Detail)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert delegation: %w", err)
	}
	return nil
}

// ListDelegations returns recent delegations involving an agent, newest
// first. An empty agentID returns all.
func (s *Store) ListDelegations(ctx context.Context, agentID string, limit int) ([]DelegationRecord, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `SELECT delegation_id, from_agent, to_agent, task, depth, status, detail, created_at
		FROM delegations`
	args := []any{}
	if agentID != "" {
		query += ` WHERE from_agent = ? OR to_agent = ?`
		args = append(args, agentID, agentID)
	}
	query += ` ORDER BY created_at DESC LIMIT ?;`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list delegations: %w", err)
	}
	defer rows.Close()
	var out []DelegationRecord
	for rows.Next() {
		var rec DelegationRecord
		if err := rows.Scan(&rec.DelegationID, &rec.FromAgent, &rec.ToAgent, &rec.Task,
			&rec.Depth, &rec.Status, &rec.Detail, &rec.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan delegation: %w", err)
		}
		out = append(out, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("delegation rows: %w", err)
	}
	return out, nil
}

// CountDelegations returns the total number of delegation records.
func (s *Store) CountDelegations(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM delegations;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count delegations: %w", err)
	}
	return count, nil
}
