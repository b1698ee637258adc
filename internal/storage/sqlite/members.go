package sqlite

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"

	"taskboard/internal/models"
)

// ListMembers returns the members of a project with their email, oldest first.
func (s *Store) ListMembers(ctx context.Context, projectID string) ([]models.Member, error) {
	members := []models.Member{}
	err := s.db.SelectContext(ctx, &members, `SELECT m.id, m.project_id, m.user_id, m.created_at, COALESCE(u.email, '') AS email
		FROM project_members m LEFT JOIN users u ON u.id = m.user_id
		WHERE m.project_id = ? ORDER BY m.created_at ASC`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	return members, nil
}

// AddMember grants a user access to a project.
func (s *Store) AddMember(ctx context.Context, projectID, userID string) (models.Member, error) {
	m := models.Member{ID: newID(), ProjectID: projectID, UserID: userID, CreatedAt: s.now()}
	_, err := s.db.ExecContext(ctx, `INSERT INTO project_members(id, project_id, user_id, created_at) VALUES(?, ?, ?, ?)`,
		m.ID, m.ProjectID, m.UserID, m.CreatedAt)
	if err != nil {
		return models.Member{}, fmt.Errorf("add member: %w", mapError(err))
	}
	return m, nil
}

// GetMember fetches a membership by id.
func (s *Store) GetMember(ctx context.Context, id string) (models.Member, error) {
	var m models.Member
	err := s.db.GetContext(ctx, &m, `SELECT id, project_id, user_id, created_at FROM project_members WHERE id = ?`, id)
	if err != nil {
		return models.Member{}, fmt.Errorf("member: %w", mapError(err))
	}
	return m, nil
}

// RemoveMember revokes a membership.
func (s *Store) RemoveMember(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM project_members WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("remove member: %w", err)
	}
	return affectedOne(res, "member")
}

// SyncMembers makes the membership of a project match userIDs exactly.
func (s *Store) SyncMembers(ctx context.Context, projectID, ownerID string, userIDs []string) error {
	return s.withTx(ctx, func(tx *sqlx.Tx) error {
		var existing []string
		if err := tx.SelectContext(ctx, &existing, `SELECT user_id FROM project_members WHERE project_id = ?`, projectID); err != nil {
			return fmt.Errorf("list members: %w", err)
		}
		wanted := make(map[string]struct{}, len(userIDs))
		for _, id := range userIDs {
			if id != "" && id != ownerID {
				wanted[id] = struct{}{}
			}
		}
		for _, id := range existing {
			if _, ok := wanted[id]; ok {
				delete(wanted, id)
				continue
			}
			if _, err := tx.ExecContext(ctx, `DELETE FROM project_members WHERE project_id = ? AND user_id = ?`, projectID, id); err != nil {
				return fmt.Errorf("remove member: %w", err)
			}
		}
		toAdd := make([]string, 0, len(wanted))
		for id := range wanted {
			toAdd = append(toAdd, id)
		}
		return insertMembers(ctx, tx, projectID, ownerID, toAdd, s.now())
	})
}

func insertMembers(ctx context.Context, tx *sqlx.Tx, projectID, ownerID string, userIDs []string, now time.Time) error {
	for _, userID := range userIDs {
		if userID == "" || userID == ownerID {
			continue
		}
		_, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO project_members(id, project_id, user_id, created_at) VALUES(?, ?, ?, ?)`,
			newID(), projectID, userID, now)
		if err != nil {
			return fmt.Errorf("insert member: %w", mapError(err))
		}
	}
	return nil
}
