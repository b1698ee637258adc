package sqlite

import (
	"context"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/models"
	"taskboard/internal/util"
)

const projectColumns = `p.id, p.name, p.description, p.owner_id, p.created_at, p.updated_at`

// ProjectInput carries the fields of a project create or update.
type ProjectInput struct {
	Name        string
	Description string
	OwnerID     string
	StageNames  []string
	MemberIDs   []string
}

// ListProjects retrieves every project ordered by creation date.
func (s *Store) ListProjects(ctx context.Context) ([]models.Project, error) {
	projects := []models.Project{}
	err := s.db.SelectContext(ctx, &projects, `SELECT `+projectColumns+` FROM projects p ORDER BY p.created_at ASC`)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// ListProjectsForUser returns projects the user owns or is a member of, newest first.
func (s *Store) ListProjectsForUser(ctx context.Context, userID string) ([]models.Project, error) {
	projects := []models.Project{}
	err := s.db.SelectContext(ctx, &projects, `SELECT `+projectColumns+` FROM projects p
		WHERE p.owner_id = ? OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = ?)
		ORDER BY p.created_at DESC`, userID, userID)
	if err != nil {
		return nil, fmt.Errorf("list projects: %w", err)
	}
	return projects, nil
}

// GetProject fetches a single project by id.
func (s *Store) GetProject(ctx context.Context, id string) (models.Project, error) {
	var p models.Project
	err := s.db.GetContext(ctx, &p, `SELECT `+projectColumns+` FROM projects p WHERE p.id = ?`, id)
	if err != nil {
		return models.Project{}, fmt.Errorf("project: %w", mapError(err))
	}
	return p, nil
}

// CanAccessProject reports whether the user owns or is a member of the project.
func (s *Store) CanAccessProject(ctx context.Context, projectID, userID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM projects p
		WHERE p.id = ? AND (p.owner_id = ? OR EXISTS (SELECT 1 FROM project_members m WHERE m.project_id = p.id AND m.user_id = ?))`,
		projectID, userID, userID)
	if err != nil {
		return false, fmt.Errorf("check project access: %w", err)
	}
	return n > 0, nil
}

// ProjectNameTaken reports whether the owner already has a project with the same
// trimmed, case-insensitive name, ignoring excludeID.
func (s *Store) ProjectNameTaken(ctx context.Context, ownerID, name, excludeID string) (bool, error) {
	var n int
	err := s.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM projects
		WHERE owner_id = ? AND name_key = ? AND id <> ?`, ownerID, util.NormalizeName(name), excludeID)
	if err != nil {
		return false, fmt.Errorf("check project name: %w", err)
	}
	return n > 0, nil
}

// CreateProject persists a project together with its stages and members.
func (s *Store) CreateProject(ctx context.Context, in ProjectInput) (models.Project, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return models.Project{}, fmt.Errorf("project name must not be empty")
	}
	stageNames := in.StageNames
	if len(stageNames) == 0 {
		stageNames = models.TemplateStages(models.DefaultTemplate)
	}

	id := newID()
	now := s.now()
	err := s.withTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, `INSERT INTO projects(id, name, name_key, description, owner_id, created_at, updated_at) VALUES(?, ?, ?, ?, ?, ?, ?)`,
			id, name, util.NormalizeName(name), strings.TrimSpace(in.Description), in.OwnerID, now, now)
		if err != nil {
			return fmt.Errorf("insert project: %w", mapError(err))
		}
		if err := insertStages(ctx, tx, id, stageNames, 1); err != nil {
			return err
		}
		return insertMembers(ctx, tx, id, in.OwnerID, in.MemberIDs, now)
	})
	if err != nil {
		return models.Project{}, err
	}
	return s.GetProject(ctx, id)
}

// UpdateProject renames a project and changes its description.
func (s *Store) UpdateProject(ctx context.Context, id, name, description string) (models.Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return models.Project{}, fmt.Errorf("project name must not be empty")
	}

	res, err := s.db.ExecContext(ctx, `UPDATE projects SET name = ?, name_key = ?, description = ?, updated_at = ? WHERE id = ?`,
		name, util.NormalizeName(name), strings.TrimSpace(description), s.now(), id)
	if err != nil {
		return models.Project{}, fmt.Errorf("update project: %w", mapError(err))
	}
	if err := affectedOne(res, "project"); err != nil {
		return models.Project{}, err
	}
	return s.GetProject(ctx, id)
}

// DeleteProject removes a project along with everything that belongs to it.
func (s *Store) DeleteProject(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM projects WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("delete project: %w", err)
	}
	return affectedOne(res, "project")
}
