package pages

import (
	"context"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"taskboard/internal/backend"
	"taskboard/internal/models"
)

// ProjectCard summarizes one project in a list.
type ProjectCard struct {
	Project models.Project `json:"project"`
	Stages  int            `json:"stages"`
	Open    int            `json:"open"`
	Done    int            `json:"done"`
	IsOwner bool           `json:"is_owner"`
}

// DashboardSummary counts the work across the user's projects.
type DashboardSummary struct {
	Projects int `json:"projects"`
	Total    int `json:"total"`
	Pending  int `json:"pending"`
	Done     int `json:"done"`
}

// DashboardView is the signed-in landing page.
type DashboardView struct {
	Projects  []ProjectCard    `json:"projects"`
	Summary   DashboardSummary `json:"summary"`
	Search    string           `json:"search"`
	Selected  string           `json:"selected"`
	BoardLink string           `json:"board_link"`
	Columns   []Column         `json:"columns"`
}

// ProjectsView lists the user's projects.
type ProjectsView struct {
	Projects []ProjectCard `json:"projects"`
}

type overview struct {
	projects []models.Project
	stages   [][]models.Stage
	tasks    []models.Task
}

// overview loads the user's projects oldest first with their stages and tasks.
func (b *Builder) overview(ctx context.Context) (overview, error) {
	var o overview
	projects, err := b.src.ListProjectsForUser(ctx, backend.Actor(ctx))
	if err != nil {
		return o, err
	}
	sort.SliceStable(projects, func(i, j int) bool { return projects[i].CreatedAt.Before(projects[j].CreatedAt) })
	o.projects = projects
	if len(projects) == 0 {
		return o, nil
	}

	ids := make([]string, len(projects))
	for i, p := range projects {
		ids[i] = p.ID
	}
	o.stages = make([][]models.Stage, len(projects))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	g.Go(func() (err error) {
		o.tasks, err = b.src.ListTasksForProjects(gctx, ids)
		return err
	})
	for i, id := range ids {
		g.Go(func() (err error) {
			o.stages[i], err = b.src.ListStages(gctx, id)
			return err
		})
	}
	return o, g.Wait()
}

func (o overview) cards(actor string) []ProjectCard {
	index := make(map[string]int, len(o.projects))
	cards := make([]ProjectCard, len(o.projects))
	for i, p := range o.projects {
		index[p.ID] = i
		cards[i] = ProjectCard{Project: p, Stages: len(o.stages[i]), IsOwner: p.OwnerID == actor}
	}
	for _, t := range o.tasks {
		i, ok := index[t.ProjectID]
		if !ok {
			continue
		}
		if t.Done {
			cards[i].Done++
		} else {
			cards[i].Open++
		}
	}
	return cards
}

func (b *Builder) dashboard(ctx context.Context, v *View, r Route) {
	o, err := b.overview(ctx)
	if err != nil {
		b.fail(v, err, "Failed to load projects.", "No projects loaded.")
		return
	}

	view := DashboardView{Projects: []ProjectCard{}, Columns: []Column{}}
	if len(o.projects) == 0 {
		v.warn("No projects found for your account.")
		v.Data = view
		return
	}

	all := o.cards(backend.Actor(ctx))
	view.Summary.Projects = len(all)
	for _, c := range all {
		view.Summary.Done += c.Done
		view.Summary.Total += c.Open + c.Done
	}
	view.Summary.Pending = view.Summary.Total - view.Summary.Done

	view.Search = strings.TrimSpace(r.Query.Get("q"))
	needle := strings.ToLower(view.Search)
	for _, c := range all {
		if needle == "" || strings.Contains(strings.ToLower(c.Project.Name), needle) ||
			strings.Contains(strings.ToLower(c.Project.Description), needle) {
			view.Projects = append(view.Projects, c)
		}
	}
	if len(view.Projects) == 0 {
		v.Empty = "No matching projects."
	}

	selected := 0
	if want := r.Query.Get("project"); want != "" {
		for i, p := range o.projects {
			if p.ID == want {
				selected = i
			}
		}
	}
	p := o.projects[selected]
	view.Selected = p.ID
	view.BoardLink = "/project/" + p.ID + "/tasks"

	stages := append([]models.Stage(nil), o.stages[selected]...)
	sort.SliceStable(stages, func(i, j int) bool { return stages[i].OrderPosition < stages[j].OrderPosition })
	for _, s := range stages {
		col := Column{Stage: s, Tasks: []models.Task{}}
		for _, t := range o.tasks {
			if t.StageID == s.ID {
				col.Tasks = append(col.Tasks, t)
			}
		}
		sort.SliceStable(col.Tasks, func(i, j int) bool { return col.Tasks[i].OrderPosition < col.Tasks[j].OrderPosition })
		view.Columns = append(view.Columns, col)
	}
	v.Data = view
}

func (b *Builder) projects(ctx context.Context, v *View) {
	o, err := b.overview(ctx)
	if err != nil {
		b.fail(v, err, "Failed to load projects.", "No projects loaded.")
		return
	}
	view := ProjectsView{Projects: []ProjectCard{}}
	if len(o.projects) > 0 {
		view.Projects = o.cards(backend.Actor(ctx))
	} else {
		v.Empty = "No projects yet."
	}
	v.Data = view
}

// AdminProject is a project row of the admin page.
type AdminProject struct {
	Project    models.Project `json:"project"`
	OwnerEmail string         `json:"owner_email"`
}

// AdminView lists every project and account.
type AdminView struct {
	Projects []AdminProject `json:"projects"`
	Users    []models.User  `json:"users"`
	Selected string         `json:"selected"`
	Stages   []models.Stage `json:"stages"`
	Tasks    []TaskRow      `json:"tasks"`
}

func (b *Builder) admin(ctx context.Context, v *View, r Route) {
	admin, err := b.src.IsAdmin(ctx)
	if err != nil {
		b.fail(v, err, "Failed to load role.", "")
		return
	}
	if !admin {
		v.warn("Admin role required.")
		v.Redirect = "/dashboard/"
		return
	}

	var (
		projects []models.Project
		profiles []models.Profile
		users    []models.User
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		projects, err = b.src.ListProjects(gctx)
		return err
	})
	g.Go(func() (err error) {
		profiles, err = b.src.ListProfiles(gctx)
		return err
	})
	g.Go(func() (err error) {
		users, err = b.src.ListUsers(gctx)
		return err
	})
	if err := g.Wait(); err != nil {
		b.fail(v, err, "Failed to load admin data.", "")
		return
	}

	emails := make(map[string]string, len(profiles))
	for _, p := range profiles {
		emails[p.ID] = p.Email
	}
	view := AdminView{Projects: []AdminProject{}, Users: users, Stages: []models.Stage{}, Tasks: []TaskRow{}}
	for _, p := range projects {
		email := emails[p.OwnerID]
		if email == "" {
			email = "Unknown"
		}
		view.Projects = append(view.Projects, AdminProject{Project: p, OwnerEmail: email})
	}

	view.Selected = r.Query.Get("project")
	if view.Selected == "" {
		v.Empty = "Select a project to load stages."
		v.Data = view
		return
	}
	d, err := b.load(ctx, view.Selected, false)
	if err != nil {
		v.setMessage("Failed to load tasks.", VariantDanger)
		v.Data = view
		return
	}
	sort.SliceStable(d.stages, func(i, j int) bool { return d.stages[i].OrderPosition < d.stages[j].OrderPosition })
	sort.SliceStable(d.tasks, func(i, j int) bool { return d.tasks[i].OrderPosition < d.tasks[j].OrderPosition })
	view.Stages = d.stages
	names := stageNames(d.stages)
	today := b.today()
	for _, t := range d.tasks {
		view.Tasks = append(view.Tasks, taskRow(t, names, today))
	}
	v.Data = view
}
