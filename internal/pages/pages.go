// Package pages builds the view models of the front-end pages. Every builder
// loads what its page needs in parallel and reports read failures as a
// message on an empty view instead of an error.
package pages

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"taskboard/internal/backend"
	"taskboard/internal/board"
	"taskboard/internal/models"
	"taskboard/internal/storage/sqlite"
)

// MissingProjectID is shown by project pages opened without an id.
const MissingProjectID = "Missing project id. Open this page from a project."

// ActivityLimit caps the entries shown on the activity page.
const ActivityLimit = 500

// Message variants.
const (
	VariantInfo    = "secondary"
	VariantSuccess = "success"
	VariantWarning = "warning"
	VariantDanger  = "danger"
)

// Message is a banner shown on top of a page.
type Message struct {
	Text    string `json:"text"`
	Variant string `json:"variant"`
}

// View is the rendered state of one page.
type View struct {
	Page      Page     `json:"page"`
	Title     string   `json:"title"`
	ProjectID string   `json:"project_id,omitempty"`
	Project   *Project `json:"project,omitempty"`
	Message   *Message `json:"message,omitempty"`
	Empty     string   `json:"empty,omitempty"`
	Redirect  string   `json:"redirect,omitempty"`
	Data      any      `json:"data,omitempty"`
}

// Project is the header shown on project pages.
type Project struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	BoardLink string `json:"board_link"`
	IsOwner   bool   `json:"is_owner"`
}

// Source is the read side of the backend used by the builders.
type Source interface {
	Authorize(ctx context.Context, projectID string) (models.Project, error)
	IsAdmin(ctx context.Context) (bool, error)
	GetUser(ctx context.Context, id string) (models.User, error)
	ListUsers(ctx context.Context) ([]models.User, error)
	ListProfiles(ctx context.Context, ids ...string) ([]models.Profile, error)
	ListProjects(ctx context.Context) ([]models.Project, error)
	ListProjectsForUser(ctx context.Context, userID string) ([]models.Project, error)
	ListStages(ctx context.Context, projectID string) ([]models.Stage, error)
	ListTasks(ctx context.Context, projectID string) ([]models.Task, error)
	ListTasksForProjects(ctx context.Context, projectIDs []string) ([]models.Task, error)
	ListLabels(ctx context.Context, projectID string) ([]models.Label, error)
	ListTaskLabels(ctx context.Context, projectID string) ([]models.TaskLabel, error)
	ListMembers(ctx context.Context, projectID string) ([]models.Member, error)
	ListActivity(ctx context.Context, projectID string, limit int) ([]models.ActivityLog, error)
}

// Boards hands out live project boards.
type Boards interface {
	Get(ctx context.Context, projectID string) (*board.Board, error)
}

// Builder renders pages for the acting user carried by the context.
type Builder struct {
	src    Source
	boards Boards
	logger *slog.Logger
	now    func() time.Time
}

// New returns a Builder.
func New(src Source, boards Boards, logger *slog.Logger) *Builder {
	if logger == nil {
		logger = slog.Default()
	}
	return &Builder{src: src, boards: boards, logger: logger, now: time.Now}
}

var titles = map[Page]string{
	PageHome:        "Home",
	PageLogin:       "Login",
	PageRegister:    "Register",
	PageDashboard:   "Dashboard",
	PageProjects:    "Projects",
	PageProjectForm: "Project",
	PageBoard:       "Project Tasks",
	PageUsers:       "Project Users",
	PageLabels:      "Project Labels",
	PageDeadlines:   "Project Deadlines",
	PageActivity:    "Project Activity",
	PageAdmin:       "Admin",
	PageNotFound:    "Not Found",
}

// Build renders the page of a route. The session check is left to the caller;
// an empty actor is treated as signed out.
func (b *Builder) Build(ctx context.Context, r Route) View {
	v := View{Page: r.Page, Title: "Taskboard | " + titles[r.Page]}
	signedIn := backend.Actor(ctx) != ""

	if !r.Page.Public() && !signedIn {
		v.Redirect = "/login/"
		return v
	}
	if r.Page.ProjectScoped() {
		if r.ProjectID == "" {
			v.warn(MissingProjectID)
			v.Empty = "Project id is missing."
			return v
		}
		v.ProjectID = r.ProjectID
	}

	switch r.Page {
	case PageHome:
		v.Data = HomeView{SignedIn: signedIn}
	case PageLogin, PageRegister:
		if signedIn {
			v.Redirect = "/dashboard/"
		}
	case PageDashboard:
		b.dashboard(ctx, &v, r)
	case PageProjects:
		b.projects(ctx, &v)
	case PageProjectForm:
		b.projectForm(ctx, &v, r)
	case PageBoard:
		b.board(ctx, &v, r)
	case PageUsers:
		b.users(ctx, &v, r)
	case PageLabels:
		b.labels(ctx, &v, r)
	case PageDeadlines:
		b.deadlines(ctx, &v, r)
	case PageActivity:
		b.activity(ctx, &v, r)
	case PageAdmin:
		b.admin(ctx, &v, r)
	default:
		v.warn("Page not found.")
	}
	return v
}

// HomeView is the landing page.
type HomeView struct {
	SignedIn bool `json:"signed_in"`
}

func (v *View) setMessage(text, variant string) {
	if text == "" {
		v.Message = nil
		return
	}
	v.Message = &Message{Text: text, Variant: variant}
}

func (v *View) warn(text string) { v.setMessage(text, VariantWarning) }

// fail reports a read failure on an empty view.
func (b *Builder) fail(v *View, err error, fallback, empty string) {
	text := fallback
	switch {
	case errors.Is(err, sqlite.ErrNotFound):
		text = "Project not found."
	case errors.Is(err, backend.ErrForbidden):
		text = "You do not have access to this project."
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		text = "The request was cancelled."
	}
	b.logger.Warn("building page failed", "page", v.Page, "project_id", v.ProjectID, "error", err)
	v.setMessage(text, VariantDanger)
	v.Empty = empty
	v.Data = nil
}

// project authorizes access and fills the page header.
func (b *Builder) project(ctx context.Context, v *View, projectID, empty string) (models.Project, bool) {
	p, err := b.src.Authorize(ctx, projectID)
	if err != nil {
		b.fail(v, err, "Failed to load project.", empty)
		return models.Project{}, false
	}
	v.Project = &Project{
		ID:        p.ID,
		Name:      p.Name,
		BoardLink: "/project/" + p.ID + "/tasks",
		IsOwner:   p.OwnerID == backend.Actor(ctx),
	}
	return p, true
}

func stageNames(stages []models.Stage) map[string]string {
	out := make(map[string]string, len(stages))
	for _, s := range stages {
		out[s.ID] = s.Name
	}
	return out
}

// TaskRow is a task listed in a table outside the board.
type TaskRow struct {
	ID       string  `json:"id"`
	Title    string  `json:"title"`
	Stage    string  `json:"stage"`
	Status   string  `json:"status"`
	Deadline *string `json:"deadline_date"`
	Overdue  bool    `json:"overdue"`
}

func taskRow(t models.Task, stages map[string]string, today string) TaskRow {
	row := TaskRow{ID: t.ID, Title: t.Title, Stage: stages[t.StageID], Status: "Open", Deadline: t.DeadlineDate}
	if row.Title == "" {
		row.Title = "Untitled"
	}
	if row.Stage == "" {
		row.Stage = "Unknown"
	}
	if t.Done {
		row.Status = "Done"
	}
	row.Overdue = !t.Done && t.DeadlineDate != nil && *t.DeadlineDate != "" && *t.DeadlineDate < today
	return row
}

func (b *Builder) today() string {
	return b.now().Format(time.DateOnly)
}
