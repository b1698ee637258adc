package pages

import (
	"context"
	"slices"
	"sort"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"taskboard/internal/backend"
	"taskboard/internal/board"
	"taskboard/internal/models"
	"taskboard/internal/util"
)

// Column is one stage of the board with its visible tasks.
type Column struct {
	Stage models.Stage  `json:"stage"`
	Tasks []models.Task `json:"tasks"`
}

// BoardView is the project board.
type BoardView struct {
	Columns     []Column                       `json:"columns"`
	Attachments map[string][]models.Attachment `json:"attachments"`
	Labels      []models.Label                 `json:"labels"`
	TaskLabels  map[string][]string            `json:"task_labels"`
	Summary     board.Summary                  `json:"summary"`
	LabelFilter string                         `json:"label_filter"`
	DragEnabled bool                           `json:"drag_enabled"`
	Saving      bool                           `json:"saving"`
}

func (b *Builder) board(ctx context.Context, v *View, r Route) {
	if _, ok := b.project(ctx, v, r.ProjectID, "Unable to load tasks."); !ok {
		return
	}
	bd, err := b.boards.Get(ctx, r.ProjectID)
	if err != nil {
		b.fail(v, err, "Failed to load tasks.", "Unable to load tasks.")
		return
	}
	snap := bd.Snapshot()
	filter := strings.TrimSpace(r.Query.Get("label"))

	stages := slices.Clone(snap.Stages)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].OrderPosition < stages[j].OrderPosition })

	view := BoardView{
		Attachments: snap.Attachments,
		Labels:      snap.Labels,
		TaskLabels:  snap.TaskLabels,
		Summary:     snap.Summary,
		LabelFilter: filter,
		DragEnabled: board.DragAllowed(filter),
		Saving:      bd.Saving(),
	}
	for _, s := range stages {
		col := Column{Stage: s, Tasks: []models.Task{}}
		for _, t := range snap.Tasks {
			if t.StageID != s.ID {
				continue
			}
			if filter != "" && !slices.Contains(snap.TaskLabels[t.ID], filter) {
				continue
			}
			col.Tasks = append(col.Tasks, t)
		}
		sort.SliceStable(col.Tasks, func(i, j int) bool { return col.Tasks[i].OrderPosition < col.Tasks[j].OrderPosition })
		view.Columns = append(view.Columns, col)
	}
	if len(snap.Tasks) == 0 {
		v.Empty = "No tasks yet."
	}
	v.Data = view
}

// UsersView lists the owner and members of a project.
type UsersView struct {
	Owner      models.Profile   `json:"owner"`
	Members    []models.Member  `json:"members"`
	Candidates []models.Profile `json:"candidates"`
	CanManage  bool             `json:"can_manage"`
}

func (b *Builder) users(ctx context.Context, v *View, r Route) {
	p, ok := b.project(ctx, v, r.ProjectID, "Unable to load users.")
	if !ok {
		return
	}

	var (
		members  []models.Member
		profiles []models.Profile
		admin    bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		members, err = b.src.ListMembers(gctx, p.ID)
		return err
	})
	g.Go(func() (err error) {
		profiles, err = b.src.ListProfiles(gctx)
		return err
	})
	g.Go(func() (err error) {
		admin, err = b.src.IsAdmin(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		b.fail(v, err, "Failed to load project users.", "Unable to load users.")
		return
	}

	view := UsersView{
		Owner:      models.Profile{ID: p.OwnerID, Email: "Unknown"},
		Members:    members,
		Candidates: []models.Profile{},
		CanManage:  admin || p.OwnerID == backend.Actor(ctx),
	}
	taken := map[string]bool{p.OwnerID: true}
	for _, m := range members {
		taken[m.UserID] = true
	}
	for _, pr := range profiles {
		if pr.ID == p.OwnerID {
			view.Owner = pr
		}
		if !taken[pr.ID] {
			view.Candidates = append(view.Candidates, pr)
		}
	}
	if len(members) == 0 {
		v.Empty = "No members yet."
	}
	v.Data = view
}

// LabelCount is a label with the number of tasks carrying it.
type LabelCount struct {
	Label  models.Label `json:"label"`
	Count  int          `json:"count"`
	Active bool         `json:"active"`
}

// LabelsView groups the tasks of a project by label.
type LabelsView struct {
	Labels      []LabelCount `json:"labels"`
	ActiveLabel string       `json:"active_label"`
	Tasks       []TaskRow    `json:"tasks"`
}

type projectData struct {
	stages     []models.Stage
	tasks      []models.Task
	labels     []models.Label
	taskLabels []models.TaskLabel
}

// load fetches stages and tasks, plus labels when withLabels is set.
func (b *Builder) load(ctx context.Context, projectID string, withLabels bool) (projectData, error) {
	var d projectData
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		d.stages, err = b.src.ListStages(gctx, projectID)
		return err
	})
	g.Go(func() (err error) {
		d.tasks, err = b.src.ListTasks(gctx, projectID)
		return err
	})
	if withLabels {
		g.Go(func() (err error) {
			d.labels, err = b.src.ListLabels(gctx, projectID)
			return err
		})
		g.Go(func() (err error) {
			d.taskLabels, err = b.src.ListTaskLabels(gctx, projectID)
			return err
		})
	}
	return d, g.Wait()
}

func (b *Builder) labels(ctx context.Context, v *View, r Route) {
	if _, ok := b.project(ctx, v, r.ProjectID, "Unable to load tasks."); !ok {
		return
	}
	d, err := b.load(ctx, r.ProjectID, true)
	if err != nil {
		b.fail(v, err, "Failed to load labels.", "Unable to load tasks.")
		return
	}

	taskByID := make(map[string]models.Task, len(d.tasks))
	for _, t := range d.tasks {
		taskByID[t.ID] = t
	}
	labelByID := make(map[string]bool, len(d.labels))
	for _, l := range d.labels {
		labelByID[l.ID] = true
	}
	byLabel := map[string][]models.Task{}
	for _, tl := range d.taskLabels {
		t, ok := taskByID[tl.TaskID]
		if !ok || !labelByID[tl.LabelID] {
			continue
		}
		byLabel[tl.LabelID] = append(byLabel[tl.LabelID], t)
	}

	view := LabelsView{Labels: []LabelCount{}, Tasks: []TaskRow{}}
	if len(d.labels) == 0 {
		v.Empty = "No labels found for this project."
		v.Data = view
		return
	}

	active := r.Query.Get("label")
	if !labelByID[active] {
		active = d.labels[0].ID
	}
	view.ActiveLabel = active
	for _, l := range d.labels {
		view.Labels = append(view.Labels, LabelCount{Label: l, Count: len(byLabel[l.ID]), Active: l.ID == active})
	}

	selected := byLabel[active]
	sort.SliceStable(selected, func(i, j int) bool { return selected[i].OrderPosition < selected[j].OrderPosition })
	names := stageNames(d.stages)
	today := b.today()
	for _, t := range selected {
		view.Tasks = append(view.Tasks, taskRow(t, names, today))
	}
	if len(view.Tasks) == 0 {
		v.Empty = "No tasks for this label."
	}
	v.Data = view
}

// Deadline filters.
const (
	FilterAll     = "all"
	FilterNone    = "none"
	FilterOverdue = "overdue"
	FilterToday   = "today"
	FilterNext7   = "next7"
)

// DeadlineFilters lists the filters in display order.
var DeadlineFilters = []string{FilterAll, FilterNone, FilterOverdue, FilterToday, FilterNext7}

// DeadlinesView lists tasks ordered by deadline.
type DeadlinesView struct {
	Filter  string    `json:"filter"`
	Filters []string  `json:"filters"`
	Today   string    `json:"today"`
	Tasks   []TaskRow `json:"tasks"`
}

// MatchesDeadline reports whether a task passes a deadline filter.
// Dates are compared as YYYY-MM-DD strings.
func MatchesDeadline(t models.Task, filter, today, weekAhead string) bool {
	deadline := ""
	if t.DeadlineDate != nil {
		deadline = strings.TrimSpace(*t.DeadlineDate)
	}
	if filter == FilterNone {
		return deadline == ""
	}
	if deadline == "" {
		return filter == FilterAll
	}
	switch filter {
	case FilterOverdue:
		return !t.Done && deadline < today
	case FilterToday:
		return deadline == today
	case FilterNext7:
		return deadline >= today && deadline <= weekAhead
	}
	return true
}

func (b *Builder) deadlines(ctx context.Context, v *View, r Route) {
	if _, ok := b.project(ctx, v, r.ProjectID, "Unable to load tasks."); !ok {
		return
	}
	d, err := b.load(ctx, r.ProjectID, false)
	if err != nil {
		b.fail(v, err, "Failed to load deadlines.", "Unable to load tasks.")
		return
	}

	filter := r.Query.Get("filter")
	if !slices.Contains(DeadlineFilters, filter) {
		filter = FilterAll
	}
	now := b.now()
	today := now.Format(time.DateOnly)
	weekAhead := now.AddDate(0, 0, 7).Format(time.DateOnly)

	matched := []models.Task{}
	for _, t := range d.tasks {
		if MatchesDeadline(t, filter, today, weekAhead) {
			matched = append(matched, t)
		}
	}
	sort.SliceStable(matched, func(i, j int) bool {
		di, dj := deadlineKey(matched[i]), deadlineKey(matched[j])
		if di != dj {
			return di < dj
		}
		return util.NormalizeName(matched[i].Title) < util.NormalizeName(matched[j].Title)
	})

	view := DeadlinesView{Filter: filter, Filters: DeadlineFilters, Today: today, Tasks: []TaskRow{}}
	names := stageNames(d.stages)
	for _, t := range matched {
		view.Tasks = append(view.Tasks, taskRow(t, names, today))
	}
	if len(view.Tasks) == 0 {
		v.Empty = "No tasks for this deadline filter."
	}
	v.Data = view
}

func deadlineKey(t models.Task) string {
	if t.DeadlineDate == nil || *t.DeadlineDate == "" {
		return "9999-12-31"
	}
	return *t.DeadlineDate
}

// ActionOption is an entry of the activity action filter.
type ActionOption struct {
	Value string `json:"value"`
	Label string `json:"label"`
}

// ActivityRow is one rendered activity entry.
type ActivityRow struct {
	ID          string    `json:"id"`
	CreatedAt   time.Time `json:"created_at"`
	TaskTitle   string    `json:"task_title"`
	Action      string    `json:"action"`
	ActionLabel string    `json:"action_label"`
	Details     string    `json:"details"`
	Actor       string    `json:"actor"`
}

// ActivityView lists the latest activity of a project.
type ActivityView struct {
	Actions []ActionOption `json:"actions"`
	Filter  string         `json:"filter"`
	Entries []ActivityRow  `json:"entries"`
}

// SummarizeDetails renders the most relevant detail of an activity entry.
func SummarizeDetails(d models.Details) string {
	if fields, ok := d["changed_fields"].([]any); ok && len(fields) > 0 {
		names := make([]string, 0, len(fields))
		for _, f := range fields {
			if s, ok := f.(string); ok {
				names = append(names, s)
			}
		}
		return "Changed: " + strings.Join(names, ", ")
	}
	if fields, ok := d["changed_fields"].([]string); ok && len(fields) > 0 {
		return "Changed: " + strings.Join(fields, ", ")
	}
	for _, k := range []struct{ key, prefix string }{
		{"label_name", "Label: "},
		{"file_name", "File: "},
		{"comment_preview", ""},
		{"deadline_date", "Deadline: "},
	} {
		if s, ok := d[k.key].(string); ok && s != "" {
			return k.prefix + s
		}
	}
	return ""
}

func (b *Builder) activity(ctx context.Context, v *View, r Route) {
	if _, ok := b.project(ctx, v, r.ProjectID, "Unable to load activity logs."); !ok {
		return
	}
	logs, err := b.src.ListActivity(ctx, r.ProjectID, ActivityLimit)
	if err != nil {
		b.fail(v, err, "Failed to load activity.", "Unable to load activity logs.")
		return
	}

	view := ActivityView{Actions: []ActionOption{}, Entries: []ActivityRow{}}
	if len(logs) == 0 {
		v.Empty = "No task activity yet."
		v.Data = view
		return
	}

	var actorIDs, actions []string
	for _, l := range logs {
		if l.ActorID != "" && !slices.Contains(actorIDs, l.ActorID) {
			actorIDs = append(actorIDs, l.ActorID)
		}
		if l.Action != "" && !slices.Contains(actions, l.Action) {
			actions = append(actions, l.Action)
		}
	}
	emails := map[string]string{}
	if len(actorIDs) > 0 {
		profiles, err := b.src.ListProfiles(ctx, actorIDs...)
		if err != nil {
			b.logger.Warn("loading activity authors failed", "project_id", r.ProjectID, "error", err)
			v.setMessage("Failed to load activity authors.", VariantDanger)
		}
		for _, p := range profiles {
			emails[p.ID] = p.Email
		}
	}

	sort.SliceStable(actions, func(i, j int) bool {
		return strings.ToLower(util.FormatActionLabel(actions[i])) < strings.ToLower(util.FormatActionLabel(actions[j]))
	})
	for _, a := range actions {
		view.Actions = append(view.Actions, ActionOption{Value: a, Label: util.FormatActionLabel(a)})
	}

	view.Filter = r.Query.Get("action")
	for _, l := range logs {
		if view.Filter != "" && l.Action != view.Filter {
			continue
		}
		row := ActivityRow{
			ID:          l.ID,
			CreatedAt:   l.CreatedAt,
			Action:      l.Action,
			ActionLabel: util.FormatActionLabel(l.Action),
			Details:     SummarizeDetails(l.Details),
			Actor:       emails[l.ActorID],
		}
		if title, ok := l.Details["task_title"].(string); ok && title != "" {
			row.TaskTitle = title
		} else if l.TaskID != "" {
			row.TaskTitle = l.TaskID
		} else {
			row.TaskTitle = "Task"
		}
		if row.Actor == "" {
			row.Actor = "Unknown"
		}
		view.Entries = append(view.Entries, row)
	}
	if len(view.Entries) == 0 {
		v.Empty = "No activity for this action."
	}
	v.Data = view
}

// Template is a stage template offered by the project form.
type Template struct {
	Key    string   `json:"key"`
	Stages []string `json:"stages"`
}

// FormView is the create or edit project form.
type FormView struct {
	Mode            string           `json:"mode"`
	Project         *models.Project  `json:"project,omitempty"`
	Stages          []models.Stage   `json:"stages"`
	MemberIDs       []string         `json:"member_ids"`
	Users           []models.Profile `json:"users"`
	Templates       []Template       `json:"templates"`
	DefaultTemplate string           `json:"default_template"`
}

func templates() []Template {
	out := make([]Template, 0, len(models.StageTemplates))
	for key, stages := range models.StageTemplates {
		out = append(out, Template{Key: key, Stages: stages})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

func (b *Builder) projectForm(ctx context.Context, v *View, r Route) {
	view := FormView{
		Mode:            "add",
		Stages:          []models.Stage{},
		MemberIDs:       []string{},
		Templates:       templates(),
		DefaultTemplate: models.DefaultTemplate,
	}
	actor := backend.Actor(ctx)

	var (
		project  models.Project
		members  []models.Member
		profiles []models.Profile
	)
	if r.ProjectID != "" {
		p, ok := b.project(ctx, v, r.ProjectID, "Unable to load project.")
		if !ok {
			return
		}
		admin, err := b.src.IsAdmin(ctx)
		if err != nil {
			b.fail(v, err, "Failed to load project.", "Unable to load project.")
			return
		}
		if p.OwnerID != actor && !admin {
			v.setMessage("Only the project owner can edit this project.", VariantDanger)
			v.Empty = "Unable to load project."
			return
		}
		project = p
		view.Mode = "edit"
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		profiles, err = b.src.ListProfiles(gctx)
		return err
	})
	if view.Mode == "edit" {
		g.Go(func() (err error) {
			view.Stages, err = b.src.ListStages(gctx, project.ID)
			return err
		})
		g.Go(func() (err error) {
			members, err = b.src.ListMembers(gctx, project.ID)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		b.fail(v, err, "Failed to load project form.", "Unable to load project.")
		return
	}

	if view.Mode == "edit" {
		view.Project = &project
		for _, m := range members {
			view.MemberIDs = append(view.MemberIDs, m.UserID)
		}
	}
	owner := actor
	if view.Project != nil {
		owner = view.Project.OwnerID
	}
	view.Users = []models.Profile{}
	for _, p := range profiles {
		if p.ID != owner {
			view.Users = append(view.Users, p)
		}
	}
	v.Data = view
}
