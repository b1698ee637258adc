package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/models"
)

// ListStages returns the stages of a project in board order.
func (s *Store) ListStages(ctx context.Context, projectID string) ([]models.Stage, error) {
	stages := []models.Stage{}
	err := s.db.SelectContext(ctx, &stages, `SELECT id, project_id, name, order_position FROM project_stages
		WHERE project_id = ? ORDER BY order_position ASC, rowid ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list stages: %w", err)
	}
	return stages, nil
}

// GetStage fetches a stage by id.
func (s *Store) GetStage(ctx context.Context, id string) (models.Stage, error) {
	var st models.Stage
	err := s.db.GetContext(ctx, &st, `SELECT id, project_id, name, order_position FROM project_stages WHERE id = ?`, id)
	if err != nil {
		return models.Stage{}, fmt.Errorf("stage: %w", mapError(err))
	}
	return st, nil
}

// CreateStages appends stages after the existing ones of a project.
func (s *Store) CreateStages(ctx context.Context, projectID string, names []string) ([]models.Stage, error) {
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var maxPos int64
		if err := tx.GetContext(ctx, &maxPos, `SELECT COALESCE(MAX(order_position), 0) FROM project_stages WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("select stage position: %w", err)
		}
		return insertStages(ctx, tx, projectID, names, maxPos+1)
	})
	if err != nil {
		return nil, err
	}
	return s.ListStages(ctx, projectID)
}

// EnsureStages creates the default template stages for a project that has none.
// It reports whether stages were created.
func (s *Store) EnsureStages(ctx context.Context, projectID string) ([]models.Stage, bool, error) {
	stages, err := s.ListStages(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if len(stages) > 0 {
		return stages, false, nil
	}
	stages, err = s.CreateStages(ctx, projectID, models.TemplateStages(models.DefaultTemplate))
	if err != nil {
		return nil, false, fmt.Errorf("create default stages: %w", err)
	}
	return stages, true, nil
}

// UpdateStage renames a stage and sets its order position.
func (s *Store) UpdateStage(ctx context.Context, id, name string, orderPosition int64) (models.Stage, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Stage{}, fmt.Errorf("stage name must not be empty")
	}
	if orderPosition < 1 {
		return models.Stage{}, fmt.Errorf("stage order must be a positive number")
	}
	res, err := s.db.ExecContext(ctx, `UPDATE project_stages SET name = ?, order_position = ? WHERE id = ?`, name, orderPosition, id)
	if err != nil {
		return models.Stage{}, fmt.Errorf("update stage: %w", err)
	}
	if err := affectedOne(res, "stage"); err != nil {
		return models.Stage{}, err
	}
	return s.GetStage(ctx, id)
}

// DeleteStage removes a stage and the tasks in it.
func (s *Store) DeleteStage(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_stages WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete stage: %w", err)
	}
	return affectedOne(res, "stage")
}

func insertStages(ctx context.Context, tx *sqlx.Tx, projectID string, names []string, firstPosition int64) error {
	for i, name := range names {
		name = strings.TrimSpace(name)
		if name == "" {
			return fmt.Errorf("stage name must not be empty")
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO project_stages(id, project_id, name, order_position) VALUES(?, ?, ?, ?)`,
			newID(), projectID, name, firstPosition+int64(i))
		if err != nil {
			return fmt.Errorf("insert stage: %w", mapError(err))
		}
	}
	return nil
}
