package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/models"
)

const taskColumns = `id, project_id, stage_id, title, description_html, done, order_position, deadline_date, created_at, updated_at`

// TaskChanges lists the editable fields of a task; nil fields are left as they are.
type TaskChanges struct {
	Title           *string
	DescriptionHTML *string
	Done            *bool
}

// ListTasks returns the tasks of a project ordered by stage and position.
func (s *Store) ListTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	tasks := []models.Task{}
	err := s.db.SelectContext(ctx, &tasks, `SELECT `+taskColumns+` FROM tasks WHERE project_id = ? ORDER BY stage_id, order_position`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// ListTasksForProjects returns the tasks of several projects at once.
func (s *Store) ListTasksForProjects(ctx context.Context, projectIDs []string) ([]models.Task, error) {
	tasks := []models.Task{}
	if len(projectIDs) == 0 {
		return tasks, nil
	}
	query, args, err := sqlx.In(`SELECT `+taskColumns+` FROM tasks WHERE project_id IN (?) ORDER BY order_position`, projectIDs)
	if err != nil {
		return nil, fmt.Errorf("build tasks query: %w", err)
	}
	if err := s.db.SelectContext(ctx, &tasks, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	return tasks, nil
}

// GetTask retrieves a task by id.
func (s *Store) GetTask(ctx context.Context, id string) (models.Task, error) {
	var t models.Task
	err := s.db.GetContext(ctx, &t, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id)
	if err != nil {
		return models.Task{}, fmt.Errorf("task: %w", mapError(err))
	}
	return t, nil
}

// CreateTask inserts a task. A zero OrderPosition is replaced by the next free
// position of the stage.
func (s *Store) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	title := strings.TrimSpace(t.Title)
	if title == "" {
		return models.Task{}, fmt.Errorf("task title must not be empty")
	}

	t.ID = newID()
	now := s.now()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		var stageProject string
		if err := tx.GetContext(ctx, &stageProject, `SELECT project_id FROM project_stages WHERE id = ?`, t.StageID); err != nil {
			return fmt.Errorf("stage: %w", mapError(err))
		}
		if stageProject != t.ProjectID {
			return fmt.Errorf("stage does not belong to project")
		}
		if t.OrderPosition <= 0 {
			pos, err := nextPosition(ctx, tx, t.StageID)
			if err != nil {
				return err
			}
			t.OrderPosition = pos
		}
		_, err := tx.ExecContext(ctx, `INSERT INTO tasks(id, project_id, stage_id, title, description_html, done, order_position, deadline_date, created_at, updated_at)
			VALUES(?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			t.ID, t.ProjectID, t.StageID, title, t.DescriptionHTML, t.Done, t.OrderPosition, t.DeadlineDate, now, now)
		if err != nil {
			return fmt.Errorf("insert task: %w", mapError(err))
		}
		return nil
	})
	if err != nil {
		return models.Task{}, err
	}
	return s.GetTask(ctx, t.ID)
}

// UpdateTask applies the non-nil changes to a task.
func (s *Store) UpdateTask(ctx context.Context, id string, changes TaskChanges) (models.Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}

	if changes.Title != nil {
		title := strings.TrimSpace(*changes.Title)
		if title == "" {
			return models.Task{}, fmt.Errorf("task title must not be empty")
		}
		current.Title = title
	}
	if changes.DescriptionHTML != nil {
		current.DescriptionHTML = *changes.DescriptionHTML
	}
	if changes.Done != nil {
		current.Done = *changes.Done
	}

	_, err = s.db.ExecContext(ctx, `UPDATE tasks SET title = ?, description_html = ?, done = ?, updated_at = ? WHERE id = ?`,
		current.Title, current.DescriptionHTML, current.Done, s.now(), id)
	if err != nil {
		return models.Task{}, fmt.Errorf("update task: %w", err)
	}
	return s.GetTask(ctx, id)
}

// MoveTask places a task at a position of a stage and optionally changes its done flag.
func (s *Store) MoveTask(ctx context.Context, id, stageID string, position int64, done *bool) (models.Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	if done != nil {
		current.Done = *done
	}
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET stage_id = ?, order_position = ?, done = ?, updated_at = ? WHERE id = ?`,
		stageID, position, current.Done, s.now(), id)
	if err != nil {
		return models.Task{}, fmt.Errorf("move task: %w", mapError(err))
	}
	if err := affectedOne(res, "task"); err != nil {
		return models.Task{}, err
	}
	return s.GetTask(ctx, id)
}

// SetDeadline sets or clears (nil) the deadline date of a task.
func (s *Store) SetDeadline(ctx context.Context, id string, deadline *string) (models.Task, error) {
	res, err := s.db.ExecContext(ctx, `UPDATE tasks SET deadline_date = ?, updated_at = ? WHERE id = ?`, deadline, s.now(), id)
	if err != nil {
		return models.Task{}, fmt.Errorf("set deadline: %w", err)
	}
	if err := affectedOne(res, "task"); err != nil {
		return models.Task{}, err
	}
	return s.GetTask(ctx, id)
}

// DeleteTask removes a task; attachments metadata, comments and labels cascade.
func (s *Store) DeleteTask(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM tasks WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete task: %w", err)
	}
	return affectedOne(res, "task")
}

// ApplyPlacements writes each phase of placements in order within one
// transaction. Either every phase is stored or none is.
func (s *Store) ApplyPlacements(ctx context.Context, phases ...[]models.Placement) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		stmt, err := tx.PreparexContext(ctx, `UPDATE tasks SET stage_id = ?, order_position = ?, updated_at = ? WHERE id = ?`)
		if err != nil {
			return fmt.Errorf("prepare placement: %w", err)
		}
		defer stmt.Close()

		now := s.now()
		for _, phase := range phases {
			for _, p := range phase {
				res, err := stmt.ExecContext(ctx, p.StageID, p.Position, now, p.TaskID)
				if err != nil {
					return fmt.Errorf("place task %s: %w", p.TaskID, mapError(err))
				}
				if err := affectedOne(res, "task "+p.TaskID); err != nil {
					return err
				}
			}
		}
		return nil
	})
}

func nextPosition(ctx context.Context, tx *sqlx.Tx, stageID string) (int64, error) {
	var position int64
	err := tx.GetContext(ctx, &position, `SELECT COALESCE(MAX(order_position), 0) FROM tasks WHERE stage_id = ?`, stageID)
	if err != nil {
		return 0, fmt.Errorf("select position: %w", err)
	}
	return position + 1, nil
}
