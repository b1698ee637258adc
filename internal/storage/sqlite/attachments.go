package sqlite

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/models"
)

const attachmentColumns = `id, task_id, file_name, file_path, file_size, mime_type, created_by, created_at`

// ListAttachments returns the attachments of a task, oldest first.
func (s *Store) ListAttachments(ctx context.Context, taskID string) ([]models.Attachment, error) {
	attachments := []models.Attachment{}
	err := s.db.SelectContext(ctx, &attachments, `SELECT `+attachmentColumns+` FROM task_attachments WHERE task_id = ? ORDER BY created_at ASC`, taskID)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

// ListAttachmentsForTasks returns the attachments of several tasks, oldest first.
func (s *Store) ListAttachmentsForTasks(ctx context.Context, taskIDs []string) ([]models.Attachment, error) {
	attachments := []models.Attachment{}
	if len(taskIDs) == 0 {
		return attachments, nil
	}
	query, args, err := sqlx.In(`SELECT `+attachmentColumns+` FROM task_attachments WHERE task_id IN (?) ORDER BY created_at ASC`, taskIDs)
	if err != nil {
		return nil, fmt.Errorf("build attachments query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &attachments, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return attachments, nil
}

// GetAttachment fetches attachment metadata by id.
func (s *Store) GetAttachment(ctx context.Context, id string) (models.Attachment, error) {
	var a models.Attachment
	err := s.db.GetContext(ctx, &a, `SELECT `+attachmentColumns+` FROM task_attachments WHERE id = ?`, id)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("attachment: %w", mapError(err))
	}
	return a, nil
}

// InsertAttachment stores the metadata of an uploaded file.
func (s *Store) InsertAttachment(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	a.ID = newID()
	a.CreatedAt = s.now()
	_, err := s.db.NamedExecContext(ctx, `INSERT INTO task_attachments(id, task_id, file_name, file_path, file_size, mime_type, created_by, created_at)
		VALUES(:id, :task_id, :file_name, :file_path, :file_size, :mime_type, :created_by, :created_at)`, a)
	if err != nil {
		return models.Attachment{}, fmt.Errorf("insert attachment: %w", mapError(err))
	}
	return a, nil
}

// DeleteAttachment removes attachment metadata. The stored object is not touched.
func (s *Store) DeleteAttachment(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_attachments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return affectedOne(res, "attachment")
}
