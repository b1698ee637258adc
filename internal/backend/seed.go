package backend

import (
	"context"
	"fmt"

	"taskboard/internal/auth"
	"taskboard/internal/models"
	"taskboard/internal/storage/sqlite"
	"taskboard/internal/util"
)

// SeedAccount is a sign-in created by Seed.
type SeedAccount struct {
	Email    string
	Password string
	Role     string
}

var seedAccounts = []SeedAccount{
	{Email: "admin@example.com", Password: "admin-pass", Role: models.RoleAdmin},
	{Email: "maria@example.com", Password: "maria-pass", Role: models.RoleUser},
	{Email: "peter@example.com", Password: "peter-pass", Role: models.RoleUser},
}

type seedTask struct {
	stage    int
	title    string
	body     string
	done     bool
	deadline string
	labels   []string
	comment  string
}

var seedTasks = []seedTask{
	{stage: 0, title: "Collect requirements", body: "Interview the sales team.\nList the must-have pages.", labels: []string{"Research"}},
	{stage: 0, title: "Pick a colour palette", labels: []string{"Design"}, deadline: "2026-11-02"},
	{stage: 1, title: "Draft landing page copy", body: "Hero, features, pricing.", labels: []string{"Content"}, comment: "First draft is in the shared folder."},
	{stage: 2, title: "Set up hosting", labels: []string{"Ops", "Urgent"}, deadline: "2026-10-25"},
	{stage: 3, title: "Review navigation", labels: []string{"Design"}},
	{stage: 4, title: "Register domain", done: true, labels: []string{"Ops"}},
}

// Seed fills an empty database with demo accounts and a sample project.
// It does nothing when any user exists and returns the created accounts.
func (c *Client) Seed(ctx context.Context, passwords *auth.PasswordManager) ([]SeedAccount, error) {
	users, err := c.Store.ListUsers(ctx)
	if err != nil {
		return nil, err
	}
	if len(users) > 0 {
		return nil, nil
	}

	ids := make([]string, len(seedAccounts))
	for i, a := range seedAccounts {
		hash, err := passwords.HashPassword(a.Password)
		if err != nil {
			return nil, fmt.Errorf("hash seed password: %w", err)
		}
		u, err := c.Store.CreateUser(ctx, a.Email, hash, a.Role)
		if err != nil {
			return nil, fmt.Errorf("seed user %s: %w", a.Email, err)
		}
		ids[i] = u.ID
	}

	owner := ids[1]
	ctx = WithActor(ctx, owner)
	project, err := c.CreateProject(ctx, sqlite.ProjectInput{
		Name:        "Website Launch",
		Description: "Everything needed to ship the new marketing site.",
		OwnerID:     owner,
		StageNames:  models.TemplateStages("kanban"),
		MemberIDs:   []string{ids[2]},
	})
	if err != nil {
		return nil, fmt.Errorf("seed project: %w", err)
	}
	stages, err := c.Store.ListStages(ctx, project.ID)
	if err != nil {
		return nil, err
	}

	for _, st := range seedTasks {
		task, err := c.CreateTask(ctx, models.Task{
			ProjectID:       project.ID,
			StageID:         stages[st.stage].ID,
			Title:           st.title,
			DescriptionHTML: util.PlainTextToHTML(st.body),
			Done:            st.done,
		})
		if err != nil {
			return nil, fmt.Errorf("seed task %q: %w", st.title, err)
		}
		for _, name := range st.labels {
			label, err := c.FindOrCreateLabel(ctx, project.ID, name)
			if err != nil {
				return nil, err
			}
			if _, err := c.AttachLabel(ctx, task.ID, label.ID); err != nil {
				return nil, err
			}
		}
		if st.deadline != "" {
			d := st.deadline
			if _, err := c.SetDeadline(ctx, task.ID, &d); err != nil {
				return nil, err
			}
		}
		if st.comment != "" {
			if _, err := c.InsertComment(ctx, models.Comment{TaskID: task.ID, Body: st.comment}); err != nil {
				return nil, err
			}
		}
	}

	c.logger.Info("seeded sample data", "project_id", project.ID, "accounts", len(seedAccounts))
	return append([]SeedAccount(nil), seedAccounts...), nil
}
