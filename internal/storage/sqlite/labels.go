package sqlite

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"taskboard/internal/models"
	"taskboard/internal/util"
)

// ListLabels returns the labels of a project ordered by name.
func (s *Store) ListLabels(ctx context.Context, projectID string) ([]models.Label, error) {
	labels := []models.Label{}
	err := s.db.SelectContext(ctx, &labels, `SELECT id, project_id, name FROM project_labels WHERE project_id = ? ORDER BY name_key, name`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list labels: %w", err)
	}
	return labels, nil
}

// ListTaskLabels returns the label associations of every task of a project.
func (s *Store) ListTaskLabels(ctx context.Context, projectID string) ([]models.TaskLabel, error) {
	links := []models.TaskLabel{}
	err := s.db.SelectContext(ctx, &links, `SELECT tl.task_id, tl.label_id FROM task_labels tl
		JOIN tasks t ON t.id = tl.task_id WHERE t.project_id = ?`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list task labels: %w", err)
	}
	return links, nil
}

// FindOrCreateLabel returns the project label whose name matches case and
// whitespace insensitively, creating it when missing.
func (s *Store) FindOrCreateLabel(ctx context.Context, projectID, name string) (models.Label, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Label{}, fmt.Errorf("label name must not be empty")
	}

	label, err := s.findLabel(ctx, projectID, name)
	if err == nil {
		return label, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return models.Label{}, err
	}

	label = models.Label{ID: newID(), ProjectID: projectID, Name: name}
	_, err = s.db.ExecContext(ctx, `INSERT INTO project_labels(id, project_id, name, name_key) VALUES(?, ?, ?, ?)`,
		label.ID, projectID, name, util.NormalizeName(name))
	if err != nil {
		err = mapError(err)
		if errors.Is(err, ErrConflict) {
			return s.findLabel(ctx, projectID, name)
		}
		return models.Label{}, fmt.Errorf("insert label: %w", err)
	}
	return label, nil
}

func (s *Store) findLabel(ctx context.Context, projectID, name string) (models.Label, error) {
	var label models.Label
	err := s.db.GetContext(ctx, &label, `SELECT id, project_id, name FROM project_labels
		WHERE project_id = ? AND name_key = ?`, projectID, util.NormalizeName(name))
	if err != nil {
		return models.Label{}, fmt.Errorf("label: %w", mapError(err))
	}
	return label, nil
}

// AttachLabel associates a label with a task. It reports false when the
// association already existed.
func (s *Store) AttachLabel(ctx context.Context, taskID, labelID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `INSERT OR IGNORE INTO task_labels(task_id, label_id) VALUES(?, ?)`, taskID, labelID)
	if err != nil {
		return false, fmt.Errorf("attach label: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// DetachLabel removes a label from a task.
func (s *Store) DetachLabel(ctx context.Context, taskID, labelID string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM task_labels WHERE task_id = ? AND label_id = ?`, taskID, labelID)
	if err != nil {
		return fmt.Errorf("detach label: %w", err)
	}
	return affectedOne(res, "task label")
}

// GetLabel fetches a label by id.
func (s *Store) GetLabel(ctx context.Context, id string) (models.Label, error) {
	var label models.Label
	err := s.db.GetContext(ctx, &label, `SELECT id, project_id, name FROM project_labels WHERE id = ?`, id)
	if err != nil {
		return models.Label{}, fmt.Errorf("label: %w", mapError(err))
	}
	return label, nil
}

// DeleteLabel removes a project label and its task associations.
func (s *Store) DeleteLabel(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_labels WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete label: %w", err)
	}
	return affectedOne(res, "label")
}
