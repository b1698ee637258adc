package server

import (
	"net/http"

	"github.com/gin-gonic/gin"

	"taskboard/internal/pages"
)

// handlePage returns the view model of a front-end page.
func (s *Server) handlePage(c *gin.Context) {
	route := pages.Resolve(c.Param("path"), c.Request.URL.Query())
	view := s.pages.Build(c.Request.Context(), route)

	status := http.StatusOK
	switch {
	case view.Redirect == "/login/":
		status = http.StatusUnauthorized
	case view.Page == pages.PageNotFound:
		status = http.StatusNotFound
	}
	c.JSON(status, view)
}
