package persistence

import (
	"context"
	"fmt"
	"time"
)

// Retention purges. Memories are append-only and kept forever unless the
// operator sets an explicit retention window; loop runs and delegations are
// audit data with bounded windows.

// PurgeLoopRunsBefore deletes loop runs created before the cutoff.
func (s *Store) PurgeLoopRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM loop_runs WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge loop runs: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge loop runs: rows affected: %w", err)
	}
	return n, nil
}

// PurgeDelegationsBefore deletes delegation records created before the cutoff.
func (s *Store) PurgeDelegationsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM delegations WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge delegations: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge delegations: rows affected: %w", err)
	}
	return n, nil
}

// PurgeMemoriesBefore deletes memory entries created before the cutoff. Only
// called when the operator has configured a memory retention window.
func (s *Store) PurgeMemoriesBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM memories WHERE created_at < ?;`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge memories: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purge memories: rows affected: %w", err)
	}
	return n, nil
}
