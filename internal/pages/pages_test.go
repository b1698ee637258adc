package pages

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/backend"
	"taskboard/internal/blob"
	"taskboard/internal/board"
	"taskboard/internal/models"
	"taskboard/internal/realtime"
	"taskboard/internal/storage/sqlite"
)

func TestResolve(t *testing.T) {
	cases := []struct {
		path, query string
		page        Page
		id          string
	}{
		{"/", "", PageHome, ""},
		{"/login/", "", PageLogin, ""},
		{"/dashboard", "id=ignored", PageDashboard, ""},
		{"/projects/new", "", PageProjectForm, ""},
		{"/projects/p1/edit", "", PageProjectForm, "p1"},
		{"/projects/p1/users/", "", PageUsers, "p1"},
		{"/project/p1/tasks", "", PageBoard, "p1"},
		{"/project/p1", "", PageBoard, "p1"},
		{"/project/p%201/activity", "", PageActivity, "p 1"},
		{"/project/p1/deadlines/", "", PageDeadlines, "p1"},
		{"/project-labels/", "id=p2", PageLabels, "p2"},
		{"/project-activity", "", PageActivity, ""},
		{"/project/", "id=p3", PageProjectForm, "p3"},
		{"/project/p1/unknown", "", PageNotFound, ""},
		{"/nope", "", PageNotFound, ""},
	}
	for _, c := range cases {
		t.Run(c.path, func(t *testing.T) {
			q, err := url.ParseQuery(c.query)
			require.NoError(t, err)
			r := Resolve(c.path, q)
			assert.Equal(t, c.page, r.Page)
			assert.Equal(t, c.id, r.ProjectID)
		})
	}
}

func TestMatchesDeadline(t *testing.T) {
	date := func(s string) *string { return &s }
	today, week := "2026-10-19", "2026-10-26"

	none := models.Task{}
	past := models.Task{DeadlineDate: date("2026-10-01")}
	pastDone := models.Task{DeadlineDate: date("2026-10-01"), Done: true}
	now := models.Task{DeadlineDate: date(today)}
	soon := models.Task{DeadlineDate: date("2026-10-26")}
	later := models.Task{DeadlineDate: date("2026-11-30")}

	assert.True(t, MatchesDeadline(none, FilterAll, today, week))
	assert.True(t, MatchesDeadline(none, FilterNone, today, week))
	assert.False(t, MatchesDeadline(later, FilterNone, today, week))
	assert.False(t, MatchesDeadline(none, FilterOverdue, today, week))
	assert.True(t, MatchesDeadline(past, FilterOverdue, today, week))
	assert.False(t, MatchesDeadline(pastDone, FilterOverdue, today, week))
	assert.True(t, MatchesDeadline(now, FilterToday, today, week))
	assert.True(t, MatchesDeadline(now, FilterNext7, today, week))
	assert.True(t, MatchesDeadline(soon, FilterNext7, today, week))
	assert.False(t, MatchesDeadline(later, FilterNext7, today, week))
}

func TestSummarizeDetails(t *testing.T) {
	assert.Equal(t, "Changed: title, done", SummarizeDetails(models.Details{"changed_fields": []any{"title", "done"}}))
	assert.Equal(t, "Label: Bug", SummarizeDetails(models.Details{"label_name": "Bug", "file_name": "x"}))
	assert.Equal(t, "File: a.txt", SummarizeDetails(models.Details{"file_name": "a.txt"}))
	assert.Equal(t, "Looks good", SummarizeDetails(models.Details{"comment_preview": "Looks good"}))
	assert.Equal(t, "Deadline: 2026-12-01", SummarizeDetails(models.Details{"deadline_date": "2026-12-01"}))
	assert.Equal(t, "", SummarizeDetails(models.Details{"task_title": "A"}))
}

type harness struct {
	builder *Builder
	client  *backend.Client
	ctx     context.Context
	owner   models.User
	project models.Project
	stages  []models.Stage
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	store, err := sqlite.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	bucket, err := blob.Open(t.TempDir(), "task-attachments", []byte("secret"), "")
	require.NoError(t, err)

	client := backend.New(store, bucket, realtime.NewHub(64, nil), time.Hour, nil)
	registry := board.NewRegistry(client, client.Hub(), time.Millisecond, nil)
	t.Cleanup(registry.Close)

	owner, err := store.CreateUser(context.Background(), "owner@example.com", "x", models.RoleUser)
	require.NoError(t, err)
	ctx := backend.WithActor(context.Background(), owner.ID)
	project, err := client.CreateProject(ctx, sqlite.ProjectInput{Name: "Launch", StageNames: models.TemplateStages("basic")})
	require.NoError(t, err)
	stages, err := store.ListStages(ctx, project.ID)
	require.NoError(t, err)

	b := New(client, registry, nil)
	b.now = func() time.Time { return time.Date(2026, 10, 19, 9, 0, 0, 0, time.UTC) }
	return &harness{builder: b, client: client, ctx: ctx, owner: owner, project: project, stages: stages}
}

func (h *harness) task(t *testing.T, title string, stage int, deadline string) models.Task {
	t.Helper()
	task, err := h.client.CreateTask(h.ctx, models.Task{ProjectID: h.project.ID, StageID: h.stages[stage].ID, Title: title})
	require.NoError(t, err)
	if deadline != "" {
		task, err = h.client.SetDeadline(h.ctx, task.ID, &deadline)
		require.NoError(t, err)
	}
	return task
}

func (h *harness) build(path, query string) View {
	q, _ := url.ParseQuery(query)
	return h.builder.Build(h.ctx, Resolve(path, q))
}

func TestSignedOutRedirects(t *testing.T) {
	h := newHarness(t)

	v := h.builder.Build(context.Background(), Resolve("/project/"+h.project.ID+"/tasks", nil))
	assert.Equal(t, "/login/", v.Redirect)
	assert.Nil(t, v.Data)

	v = h.builder.Build(context.Background(), Resolve("/", nil))
	assert.Empty(t, v.Redirect)
	assert.Equal(t, HomeView{SignedIn: false}, v.Data)

	v = h.build("/login/", "")
	assert.Equal(t, "/dashboard/", v.Redirect)
}

func TestMissingProjectIDWarns(t *testing.T) {
	h := newHarness(t)
	v := h.build("/project-deadlines/", "")
	require.NotNil(t, v.Message)
	assert.Equal(t, MissingProjectID, v.Message.Text)
	assert.Equal(t, VariantWarning, v.Message.Variant)
	assert.Nil(t, v.Data)
}

func TestForeignProjectIsRefused(t *testing.T) {
	h := newHarness(t)
	stranger, err := h.client.CreateUser(h.ctx, "stranger@example.com", "x", models.RoleUser)
	require.NoError(t, err)

	v := h.builder.Build(backend.WithActor(context.Background(), stranger.ID), Resolve("/project/"+h.project.ID+"/labels", nil))
	require.NotNil(t, v.Message)
	assert.Equal(t, VariantDanger, v.Message.Variant)
	assert.Equal(t, "Unable to load tasks.", v.Empty)
	assert.Nil(t, v.Data)

	v = h.build("/project/missing/tasks", "")
	require.NotNil(t, v.Message)
	assert.Equal(t, "Project not found.", v.Message.Text)
}

func TestBoardView(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 0, "")
	h.task(t, "B", 0, "")
	h.task(t, "C", 2, "")
	label, err := h.client.FindOrCreateLabel(h.ctx, h.project.ID, "Bug")
	require.NoError(t, err)
	_, err = h.client.AttachLabel(h.ctx, a.ID, label.ID)
	require.NoError(t, err)

	v := h.build("/project/"+h.project.ID+"/tasks", "")
	require.Nil(t, v.Message)
	require.NotNil(t, v.Project)
	assert.True(t, v.Project.IsOwner)
	view := v.Data.(BoardView)
	require.Len(t, view.Columns, 3)
	assert.Len(t, view.Columns[0].Tasks, 2)
	assert.Equal(t, "A", view.Columns[0].Tasks[0].Title)
	assert.Len(t, view.Columns[2].Tasks, 1)
	assert.True(t, view.DragEnabled)
	assert.Equal(t, 3, view.Summary.Total)

	v = h.build("/project/"+h.project.ID+"/tasks", "label="+label.ID)
	view = v.Data.(BoardView)
	assert.False(t, view.DragEnabled)
	assert.Len(t, view.Columns[0].Tasks, 1)
	assert.Empty(t, view.Columns[2].Tasks)
}

func TestDeadlinesView(t *testing.T) {
	h := newHarness(t)
	h.task(t, "zeta", 0, "2026-10-20")
	h.task(t, "Alpha", 1, "2026-10-20")
	h.task(t, "Old", 0, "2026-10-01")
	h.task(t, "Someday", 0, "")

	v := h.build("/project/"+h.project.ID+"/deadlines", "filter=bogus")
	view := v.Data.(DeadlinesView)
	assert.Equal(t, FilterAll, view.Filter)
	require.Len(t, view.Tasks, 4)
	assert.Equal(t, []string{"Old", "Alpha", "zeta", "Someday"}, taskTitles(view.Tasks))
	assert.True(t, view.Tasks[0].Overdue)
	assert.Equal(t, h.stages[1].Name, view.Tasks[1].Stage)

	v = h.build("/project/"+h.project.ID+"/deadlines", "filter=next7")
	assert.Equal(t, []string{"Alpha", "zeta"}, taskTitles(v.Data.(DeadlinesView).Tasks))

	v = h.build("/project/"+h.project.ID+"/deadlines", "filter=today")
	assert.Empty(t, v.Data.(DeadlinesView).Tasks)
	assert.Equal(t, "No tasks for this deadline filter.", v.Empty)
}

func taskTitles(rows []TaskRow) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i] = r.Title
	}
	return out
}

func TestLabelsView(t *testing.T) {
	h := newHarness(t)
	a := h.task(t, "A", 0, "")
	b := h.task(t, "B", 1, "")
	bug, err := h.client.FindOrCreateLabel(h.ctx, h.project.ID, "Bug")
	require.NoError(t, err)
	docs, err := h.client.FindOrCreateLabel(h.ctx, h.project.ID, "Docs")
	require.NoError(t, err)
	for _, id := range []string{a.ID, b.ID} {
		_, err = h.client.AttachLabel(h.ctx, id, bug.ID)
		require.NoError(t, err)
	}

	v := h.build("/project/"+h.project.ID+"/labels", "")
	view := v.Data.(LabelsView)
	assert.Equal(t, bug.ID, view.ActiveLabel)
	require.Len(t, view.Labels, 2)
	assert.Equal(t, 2, view.Labels[0].Count)
	assert.Equal(t, 0, view.Labels[1].Count)
	assert.Equal(t, []string{"A", "B"}, taskTitles(view.Tasks))

	v = h.build("/project/"+h.project.ID+"/labels", "label="+docs.ID)
	assert.Empty(t, v.Data.(LabelsView).Tasks)
	assert.Equal(t, "No tasks for this label.", v.Empty)
}

func TestActivityView(t *testing.T) {
	h := newHarness(t)
	task := h.task(t, "Write copy", 0, "")
	title := "Write better copy"
	_, err := h.client.UpdateTask(h.ctx, task.ID, sqlite.TaskChanges{Title: &title})
	require.NoError(t, err)

	v := h.build("/project/"+h.project.ID+"/activity", "")
	view := v.Data.(ActivityView)
	require.Len(t, view.Entries, 2)
	assert.Equal(t, "Task Updated", view.Entries[0].ActionLabel)
	assert.Equal(t, "Changed: title", view.Entries[0].Details)
	assert.Equal(t, "owner@example.com", view.Entries[0].Actor)
	assert.Equal(t, []ActionOption{
		{Value: models.ActionTaskCreated, Label: "Task Created"},
		{Value: models.ActionTaskUpdated, Label: "Task Updated"},
	}, view.Actions)

	v = h.build("/project/"+h.project.ID+"/activity", "action="+models.ActionTaskCreated)
	entries := v.Data.(ActivityView).Entries
	require.Len(t, entries, 1)
	assert.Equal(t, "Write copy", entries[0].TaskTitle)
}

func TestUsersView(t *testing.T) {
	h := newHarness(t)
	member, err := h.client.CreateUser(h.ctx, "member@example.com", "x", models.RoleUser)
	require.NoError(t, err)
	_, err = h.client.CreateUser(h.ctx, "other@example.com", "x", models.RoleUser)
	require.NoError(t, err)
	_, err = h.client.AddMember(h.ctx, h.project.ID, member.ID)
	require.NoError(t, err)

	view := h.build("/project/"+h.project.ID+"/users", "").Data.(UsersView)
	assert.Equal(t, "owner@example.com", view.Owner.Email)
	assert.True(t, view.CanManage)
	require.Len(t, view.Members, 1)
	require.Len(t, view.Candidates, 1)
	assert.Equal(t, "other@example.com", view.Candidates[0].Email)

	memberView := h.builder.Build(backend.WithActor(context.Background(), member.ID),
		Resolve("/project/"+h.project.ID+"/users", nil)).Data.(UsersView)
	assert.False(t, memberView.CanManage)
}

func TestDashboardAndProjects(t *testing.T) {
	h := newHarness(t)
	h.task(t, "A", 0, "")
	done := h.task(t, "B", 2, "")
	d := true
	_, err := h.client.UpdateTask(h.ctx, done.ID, sqlite.TaskChanges{Done: &d})
	require.NoError(t, err)
	_, err = h.client.CreateProject(h.ctx, sqlite.ProjectInput{Name: "Second"})
	require.NoError(t, err)

	view := h.build("/dashboard/", "").Data.(DashboardView)
	assert.Equal(t, DashboardSummary{Projects: 2, Total: 2, Pending: 1, Done: 1}, view.Summary)
	assert.Equal(t, h.project.ID, view.Selected)
	require.Len(t, view.Columns, 3)
	assert.Len(t, view.Columns[0].Tasks, 1)

	view = h.build("/dashboard/", "q=second").Data.(DashboardView)
	require.Len(t, view.Projects, 1)
	assert.Equal(t, "Second", view.Projects[0].Project.Name)

	list := h.build("/projects/", "").Data.(ProjectsView)
	require.Len(t, list.Projects, 2)
	assert.Equal(t, 1, list.Projects[0].Open)
	assert.Equal(t, 1, list.Projects[0].Done)
	assert.Equal(t, 3, list.Projects[0].Stages)
}

func TestProjectForm(t *testing.T) {
	h := newHarness(t)
	add := h.build("/projects/new", "").Data.(FormView)
	assert.Equal(t, "add", add.Mode)
	assert.Len(t, add.Templates, len(models.StageTemplates))

	edit := h.build("/projects/"+h.project.ID+"/edit", "").Data.(FormView)
	assert.Equal(t, "edit", edit.Mode)
	require.NotNil(t, edit.Project)
	assert.Len(t, edit.Stages, 3)
}

func TestAdminRequiresRole(t *testing.T) {
	h := newHarness(t)
	v := h.build("/admin/", "")
	assert.Equal(t, "/dashboard/", v.Redirect)
	require.NotNil(t, v.Message)
	assert.Equal(t, "Admin role required.", v.Message.Text)

	admin, err := h.client.CreateUser(h.ctx, "admin@example.com", "x", models.RoleAdmin)
	require.NoError(t, err)
	h.task(t, "A", 0, "")
	v = h.builder.Build(backend.WithActor(context.Background(), admin.ID), Resolve("/admin/", url.Values{"project": {h.project.ID}}))
	view := v.Data.(AdminView)
	require.Len(t, view.Projects, 1)
	assert.Equal(t, "owner@example.com", view.Projects[0].OwnerEmail)
	assert.Len(t, view.Users, 2)
	assert.Len(t, view.Tasks, 1)
}
