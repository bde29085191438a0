package persistence

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/wesheets/personal-ai-agent/internal/bus"
)

// Memory entry types written by the orchestration core. The type column is
// free-form; these are the values the engine itself produces.
const (
	MemoryTypeTaskExecution = "task_execution"
	MemoryTypeReflection    = "reflection"
	MemoryTypePlanning      = "planning"
	MemoryTypeDelegation    = "delegation"
	MemoryTypeSystemHalt    = "system_halt"
	MemoryTypeError         = "error"
)

// MemoryEntry is one immutable row in the append-only memory log.
type MemoryEntry struct {
	Seq       int64     `json:"seq"`
	MemoryID  string    `json:"memory_id"`
	AgentID   string    `json:"agent_id"`
	ProjectID string    `json:"project_id"`
	Type      string    `json:"type"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	TaskID    string    `json:"task_id,omitempty"`
	TraceID   string    `json:"trace_id,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// MemoryFilter selects entries for recall. AgentID is required; the rest
// narrow the match. Limit <= 0 means all matching entries.
type MemoryFilter struct {
	AgentID   string
	ProjectID string
	Type      string
	Limit     int
}

// AppendMemory assigns a memory_id and write timestamp and appends the entry.
// Entries are never updated or deleted in normal operation; a zero CreatedAt
// takes the current time.
func (s *Store) AppendMemory(ctx context.Context, entry MemoryEntry) (string, error) {
	if strings.TrimSpace(entry.AgentID) == "" {
		return "", fmt.Errorf("append memory: agent_id is required")
	}
	if strings.TrimSpace(entry.ProjectID) == "" {
		return "", fmt.Errorf("append memory: project_id is required")
	}
	if strings.TrimSpace(entry.Type) == "" {
		return "", fmt.Errorf("append memory: type is required")
	}

	memoryID := uuid.NewString()
	createdAt := entry.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}

	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO memories (memory_id, agent_id, project_id, type, content, tags, task_id, trace_id, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?);
		`, memoryID, entry.AgentID, entry.ProjectID, entry.Type, entry.Content,
			encodeStringList(entry.Tags), entry.TaskID, entry.TraceID, createdAt)
		return err
	})
	if err != nil {
		return "", fmt.Errorf("append memory: %w", err)
	}
	s.publish(bus.TopicMemoryWritten, memoryID)
	return memoryID, nil
}

// QueryMemories returns entries matching the filter, newest first. Entries
// with equal timestamps come back in insertion order.
func (s *Store) QueryMemories(ctx context.Context, filter MemoryFilter) ([]MemoryEntry, error) {
	if strings.TrimSpace(filter.AgentID) == "" {
		return nil, fmt.Errorf("query memories: agent_id is required")
	}

	query := `SELECT seq, memory_id, agent_id, project_id, type, content, tags, task_id, trace_id, created_at
		FROM memories WHERE agent_id = ?`
	args := []any{filter.AgentID}
	if filter.ProjectID != "" {
		query += ` AND project_id = ?`
		args = append(args, filter.ProjectID)
	}
	if filter.Type != "" {
		query += ` AND type = ?`
		args = append(args, filter.Type)
	}
	query += ` ORDER BY created_at DESC, seq ASC`
	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}
	query += `;`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query memories: %w", err)
	}
	defer rows.Close()

	var out []MemoryEntry
	for rows.Next() {
		var entry MemoryEntry
		var tags string
		if err := rows.Scan(&entry.Seq, &entry.MemoryID, &entry.AgentID, &entry.ProjectID,
			&entry.Type, &entry.Content, &tags, &entry.TaskID, &entry.TraceID, &entry.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan memory: %w", err)
		}
		entry.Tags = decodeStringList(tags)
		out = append(out, entry)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("memory rows: %w", err)
	}
	return out, nil
}

// CountMemories returns the total number of memory entries.
func (s *Store) CountMemories(ctx context.Context) (int64, error) {
	var count int64
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(1) FROM memories;`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count memories: %w", err)
	}
	return count, nil
}
