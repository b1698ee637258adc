package sqlite

import (
	"context"
	"fmt"
	"strings"

	"taskboard/internal/models"
)

// ListComments returns the comments of a task with their author email, oldest first.
func (s *Store) ListComments(ctx context.Context, taskID string) ([]models.Comment, error) {
	comments := []models.Comment{}
	err := s.db.SelectContext(ctx, &comments, `SELECT c.id, c.task_id, c.author_id, c.body, c.created_at, COALESCE(u.email, '') AS author_email
		FROM task_comments c LEFT JOIN users u ON u.id = c.author_id
		WHERE c.task_id = ? ORDER BY c.created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	return comments, nil
}

// InsertComment adds a comment to a task.
func (s *Store) InsertComment(ctx context.Context, c models.Comment) (models.Comment, error) {
	c.Body = strings.TrimSpace(c.Body)
	if c.Body == "" {
		return models.Comment{}, fmt.Errorf("comment must not be empty")
	}
	c.ID = newID()
	c.CreatedAt = s.now()
	_, err := s.db.ExecContext(ctx, `INSERT INTO task_comments(id, task_id, author_id, body, created_at) VALUES(?, ?, ?, ?, ?)`,
		c.ID, c.TaskID, c.AuthorID, c.Body, c.CreatedAt)
	if err != nil {
		return models.Comment{}, fmt.Errorf("insert comment: %w", mapError(err))
	}
	return c, nil
}
