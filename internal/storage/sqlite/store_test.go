package sqlite

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/models"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()

	s, err := Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() {
		if err := s.Close(); err != nil {
			t.Errorf("closing test store: %v", err)
		}
	})
	return s
}

func createUser(t *testing.T, s *Store, email string) models.User {
	t.Helper()
	u, err := s.CreateUser(context.Background(), email, "hash", models.RoleUser)
	require.NoError(t, err)
	return u
}

func createProject(t *testing.T, s *Store, owner models.User, name string) (models.Project, []models.Stage) {
	t.Helper()
	ctx := context.Background()
	p, err := s.CreateProject(ctx, ProjectInput{Name: name, OwnerID: owner.ID})
	require.NoError(t, err)
	stages, err := s.ListStages(ctx, p.ID)
	require.NoError(t, err)
	return p, stages
}

func TestMigrateIsIdempotent(t *testing.T) {
	s := newTestStore(t)
	require.NoError(t, s.migrate())

	var version int
	require.NoError(t, s.db.Get(&version, `SELECT MAX(version) FROM schema_version`))
	assert.Equal(t, len(migrations), version)
}

func TestCreateProjectDefaultStages(t *testing.T) {
	s := newTestStore(t)
	owner := createUser(t, s, "owner@example.com")

	_, stages := createProject(t, s, owner, "Website")
	require.Len(t, stages, 3)
	for i, want := range []string{"Not Started", "In Progress", "Done"} {
		assert.Equal(t, want, stages[i].Name)
		assert.Equal(t, int64(i+1), stages[i].OrderPosition)
	}
}

func TestProjectNameTaken(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner@example.com")
	other := createUser(t, s, "other@example.com")
	p, _ := createProject(t, s, owner, "Roadmap")

	taken, err := s.ProjectNameTaken(ctx, owner.ID, "  roadmap ", "")
	require.NoError(t, err)
	assert.True(t, taken)

	taken, err = s.ProjectNameTaken(ctx, owner.ID, "Roadmap", p.ID)
	require.NoError(t, err)
	assert.False(t, taken, "a project does not collide with itself")

	taken, err = s.ProjectNameTaken(ctx, other.ID, "Roadmap", "")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestProjectNameTakenFoldsNonASCII(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner@example.com")
	p, _ := createProject(t, s, owner, "Übersicht")

	taken, err := s.ProjectNameTaken(ctx, owner.ID, " übersicht ", "")
	require.NoError(t, err)
	assert.True(t, taken)

	_, err = s.UpdateProject(ctx, p.ID, "Éclair", "")
	require.NoError(t, err)
	taken, err = s.ProjectNameTaken(ctx, owner.ID, "ÉCLAIR", "")
	require.NoError(t, err)
	assert.True(t, taken)
	taken, err = s.ProjectNameTaken(ctx, owner.ID, "Übersicht", "")
	require.NoError(t, err)
	assert.False(t, taken)
}

func TestProjectAccessAndMembers(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner@example.com")
	member := createUser(t, s, "member@example.com")
	stranger := createUser(t, s, "stranger@example.com")

	p, err := s.CreateProject(ctx, ProjectInput{Name: "Shared", OwnerID: owner.ID, MemberIDs: []string{member.ID, owner.ID}})
	require.NoError(t, err)

	for _, tc := range []struct {
		user models.User
		want bool
	}{{owner, true}, {member, true}, {stranger, false}} {
		ok, err := s.CanAccessProject(ctx, p.ID, tc.user.ID)
		require.NoError(t, err)
		assert.Equal(t, tc.want, ok, tc.user.Email)
	}

	members, err := s.ListMembers(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, members, 1, "the owner is never stored as member")
	assert.Equal(t, "member@example.com", members[0].Email)

	_, err = s.AddMember(ctx, p.ID, member.ID)
	assert.ErrorIs(t, err, ErrConflict)

	require.NoError(t, s.SyncMembers(ctx, p.ID, owner.ID, []string{stranger.ID}))
	members, err = s.ListMembers(ctx, p.ID)
	require.NoError(t, err)
	require.Len(t, members, 1)
	assert.Equal(t, stranger.ID, members[0].UserID)

	projects, err := s.ListProjectsForUser(ctx, stranger.ID)
	require.NoError(t, err)
	require.Len(t, projects, 1)
}

func TestCreateTaskAssignsNextPosition(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner@example.com")
	p, stages := createProject(t, s, owner, "Board")

	first, err := s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "A"})
	require.NoError(t, err)
	second, err := s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "B"})
	require.NoError(t, err)
	other, err := s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[1].ID, Title: "C"})
	require.NoError(t, err)

	assert.Equal(t, int64(1), first.OrderPosition)
	assert.Equal(t, int64(2), second.OrderPosition)
	assert.Equal(t, int64(1), other.OrderPosition)

	_, err = s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "dup", OrderPosition: 2})
	assert.ErrorIs(t, err, ErrConflict)

	_, err = s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "  "})
	assert.Error(t, err)
}

func TestApplyPlacementsSwap(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner@example.com")
	p, stages := createProject(t, s, owner, "Board")

	a, err := s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "A"})
	require.NoError(t, err)
	b, err := s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "B"})
	require.NoError(t, err)

	swap := []models.Placement{
		{TaskID: a.ID, StageID: stages[0].ID, Position: 2},
		{TaskID: b.ID, StageID: stages[0].ID, Position: 1},
	}

	// Writing the final positions directly collides with the uniqueness constraint
	// and leaves both tasks untouched.
	err = s.ApplyPlacements(ctx, swap)
	require.ErrorIs(t, err, ErrConflict)
	got, err := s.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.OrderPosition)

	temporary := []models.Placement{
		{TaskID: a.ID, StageID: stages[0].ID, Position: 2_000_000_000},
		{TaskID: b.ID, StageID: stages[0].ID, Position: 1_999_999_999},
	}
	require.NoError(t, s.ApplyPlacements(ctx, temporary, swap))

	got, err = s.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.OrderPosition)
	got, err = s.GetTask(ctx, b.ID)
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.OrderPosition)
}

func TestDeleteProjectCascades(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	owner := createUser(t, s, "owner@example.com")
	p, stages := createProject(t, s, owner, "Board")

	task, err := s.CreateTask(ctx, models.Task{ProjectID: p.ID, StageID: stages[0].ID, Title: "A"})
	require.NoError(t, err)
	_, err = s.InsertComment(ctx, models.Comment{TaskID: task.ID, AuthorID: owner.ID, Body: "hi"})
	require.NoError(t, err)

	require.NoError(t, s.DeleteProject(ctx, p.ID))
	_, err = s.GetTask(ctx, task.ID)
	assert.ErrorIs(t, err, ErrNotFound)
	assert.ErrorIs(t, s.DeleteProject(ctx, p.ID), ErrNotFound)
}
