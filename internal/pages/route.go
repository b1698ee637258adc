package pages

import (
	"net/url"
	"strings"
)

// Page names a view of the front end.
type Page string

const (
	PageHome        Page = "home"
	PageLogin       Page = "login"
	PageRegister    Page = "register"
	PageDashboard   Page = "dashboard"
	PageProjects    Page = "projects"
	PageProjectForm Page = "project-form"
	PageBoard       Page = "project-tasks"
	PageUsers       Page = "project-users"
	PageLabels      Page = "project-labels"
	PageDeadlines   Page = "project-deadlines"
	PageActivity    Page = "project-activity"
	PageAdmin       Page = "admin"
	PageNotFound    Page = "not-found"
)

// Public reports whether the page can be shown without a session.
func (p Page) Public() bool {
	switch p {
	case PageHome, PageLogin, PageRegister, PageNotFound:
		return true
	}
	return false
}

// ProjectScoped reports whether the page shows a single project.
func (p Page) ProjectScoped() bool {
	switch p {
	case PageBoard, PageUsers, PageLabels, PageDeadlines, PageActivity:
		return true
	}
	return false
}

// Route is a browser location resolved to a page.
type Route struct {
	Page      Page
	ProjectID string
	Query     url.Values
}

var projectSections = map[string]Page{
	"tasks":     PageBoard,
	"users":     PageUsers,
	"labels":    PageLabels,
	"deadlines": PageDeadlines,
	"activity":  PageActivity,
}

var topLevel = map[string]Page{
	"":                  PageHome,
	"index.html":        PageHome,
	"login":             PageLogin,
	"register":          PageRegister,
	"dashboard":         PageDashboard,
	"projects":          PageProjects,
	"admin":             PageAdmin,
	"project":           PageProjectForm,
	"project-tasks":     PageBoard,
	"project-users":     PageUsers,
	"project-labels":    PageLabels,
	"project-deadlines": PageDeadlines,
	"project-activity":  PageActivity,
}

// Resolve maps a browser path such as /project/{id}/tasks to its page.
// Pages addressed without an id in the path read it from ?id=.
func Resolve(path string, query url.Values) Route {
	if query == nil {
		query = url.Values{}
	}
	r := Route{Page: PageNotFound, Query: query}

	parts := splitPath(path)
	switch {
	case len(parts) <= 1:
		name := ""
		if len(parts) == 1 {
			name = parts[0]
		}
		if p, ok := topLevel[name]; ok {
			r.Page = p
			r.ProjectID = strings.TrimSpace(query.Get("id"))
		}
	case len(parts) == 2 && parts[0] == "projects" && parts[1] == "new":
		r.Page = PageProjectForm
	case len(parts) == 2 && parts[0] == "project":
		r.Page = PageBoard
		r.ProjectID = parts[1]
	case len(parts) == 3 && parts[0] == "projects" && parts[2] == "edit":
		r.Page = PageProjectForm
		r.ProjectID = parts[1]
	case len(parts) == 3 && parts[0] == "projects" && parts[2] == "users":
		r.Page = PageUsers
		r.ProjectID = parts[1]
	case len(parts) == 3 && parts[0] == "project" && parts[2] == "edit":
		r.Page = PageProjectForm
		r.ProjectID = parts[1]
	case len(parts) == 3 && parts[0] == "project":
		if p, ok := projectSections[parts[2]]; ok {
			r.Page = p
			r.ProjectID = parts[1]
		}
	}
	if !r.Page.ProjectScoped() && r.Page != PageProjectForm {
		r.ProjectID = ""
	}
	return r
}

func splitPath(path string) []string {
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p == "" {
			continue
		}
		if unescaped, err := url.PathUnescape(p); err == nil {
			p = unescaped
		}
		parts = append(parts, p)
	}
	return parts
}
