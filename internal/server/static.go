package server

import (
	"net/http"
	"os"
	"path"
	"path/filepath"
	"strings"

	"github.com/gin-gonic/gin"

	"taskboard/internal/pages"
)

// pageEntries maps a page to the directory of its built HTML entry.
var pageEntries = map[pages.Page]string{
	pages.PageHome:        "",
	pages.PageLogin:       "login",
	pages.PageRegister:    "register",
	pages.PageDashboard:   "dashboard",
	pages.PageProjects:    "projects",
	pages.PageProjectForm: "project",
	pages.PageBoard:       "project-tasks",
	pages.PageUsers:       "project-users",
	pages.PageLabels:      "project-labels",
	pages.PageDeadlines:   "project-deadlines",
	pages.PageActivity:    "project-activity",
	pages.PageAdmin:       "admin",
}

// mountStatic serves the compiled frontend from the configured directory.
func (s *Server) mountStatic() {
	s.engine.NoRoute(apiNotFound)
	if s.staticDir == "" {
		s.logger.Warn("static directory not configured; API only mode")
		return
	}

	info, err := os.Stat(s.staticDir)
	if err != nil || !info.IsDir() {
		s.logger.Warn("static directory missing", "path", s.staticDir, "error", err)
		return
	}

	indexPath := filepath.Join(s.staticDir, "index.html")
	if _, err := os.Stat(indexPath); err != nil {
		s.logger.Warn("index.html not found", "path", indexPath, "error", err)
	}

	assetsDir := filepath.Join(s.staticDir, "assets")
	if _, err := os.Stat(assetsDir); err == nil {
		s.engine.StaticFS("/assets", gin.Dir(assetsDir, false))
	}

	favicon := filepath.Join(s.staticDir, "favicon.ico")
	if _, err := os.Stat(favicon); err == nil {
		s.engine.StaticFile("/favicon.ico", favicon)
	}

	s.engine.NoRoute(func(c *gin.Context) {
		if strings.HasPrefix(c.Request.URL.Path, "/api/") {
			apiNotFound(c)
			return
		}
		if c.Request.Method != http.MethodGet && c.Request.Method != http.MethodHead {
			c.Status(http.StatusMethodNotAllowed)
			return
		}
		if file, ok := s.staticFile(c.Request.URL.Path); ok {
			c.File(file)
			return
		}
		c.File(s.entryFor(c.Request.URL.Path, indexPath))
	})
}

func apiNotFound(c *gin.Context) {
	c.JSON(http.StatusNotFound, gin.H{"error": "endpoint not found"})
}

// staticFile resolves a request path to a regular file inside the static directory.
func (s *Server) staticFile(urlPath string) (string, bool) {
	clean := path.Clean("/" + urlPath)
	if clean == "/" {
		return "", false
	}
	file := filepath.Join(s.staticDir, filepath.FromSlash(clean))
	info, err := os.Stat(file)
	if err != nil || info.IsDir() {
		return "", false
	}
	return file, true
}

// entryFor picks the HTML entry of the page a browser path belongs to,
// falling back to the root index.
func (s *Server) entryFor(urlPath, fallback string) string {
	route := pages.Resolve(urlPath, nil)
	dir, ok := pageEntries[route.Page]
	if !ok {
		return fallback
	}
	entry := filepath.Join(s.staticDir, dir, "index.html")
	if _, err := os.Stat(entry); err != nil {
		return fallback
	}
	return entry
}
