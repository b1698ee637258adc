package sqlite

import (
	"context"
	"fmt"

	"taskboard/internal/models"
)

// LogActivity appends an entry to the activity log of a project.
func (s *Store) LogActivity(ctx context.Context, entry models.ActivityLog) error {
	if entry.Action == "" {
		return fmt.Errorf("activity action must not be empty")
	}
	entry.ID = newID()
	entry.CreatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO task_activity_logs(id, project_id, task_id, actor_id, action, details, created_at)
		VALUES(:id, :project_id, :task_id, :actor_id, :action, :details, :created_at)`, entry)
	if err != nil {
		return fmt.Errorf("insert activity: %w", mapError(err))
	}
	return nil
}

// ListActivity returns the newest activity entries of a project, at most limit.
func (s *Store) ListActivity(ctx context.Context, projectID string, limit int) ([]models.ActivityLog, error) {
	if limit <= 0 {
		limit = 500
	}
	logs := []models.ActivityLog{}
	err := s.db.SelectContext(ctx, &logs, `SELECT id, project_id, task_id, actor_id, action, details, created_at
		FROM task_activity_logs WHERE project_id = ? ORDER BY created_at DESC, rowid DESC LIMIT ?`, projectID, limit)
	if err != nil {
		return nil, fmt.Errorf("list activity: %w", err)
	}
	return logs, nil
}
