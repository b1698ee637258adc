package server

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/gin-gonic/gin"

	"taskboard/internal/auth"
	"taskboard/internal/models"
)

// handleListUsers returns every account with its role.
func (s *Server) handleListUsers(c *gin.Context) {
	users, err := s.client.ListUsers(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"users": users})
}

type userRequest struct {
	Email string `json:"email" binding:"required"`
	Role  string `json:"role" binding:"required"`
}

// handleUpdateUser changes the email and role of an account.
func (s *Server) handleUpdateUser(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req userRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	email, err := auth.NormalizeEmail(req.Email)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.Role != models.RoleAdmin && req.Role != models.RoleUser {
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("role must be %q or %q", models.RoleAdmin, models.RoleUser))
		return
	}
	if id == currentUser(c).ID && req.Role != models.RoleAdmin {
		s.respondError(c, http.StatusBadRequest, errors.New("you cannot remove your own admin role"))
		return
	}
	user, err := s.client.UpdateUser(c.Request.Context(), id, email, req.Role)
	if err != nil {
		s.fail(c, err)
		return
	}
	s.logger.Info("user updated", "user_id", id, "role", req.Role, "by", currentUser(c).ID)
	respondSuccess(c, http.StatusOK, gin.H{"user": user})
}

// handleDeleteUser removes an account and the projects it owns.
func (s *Server) handleDeleteUser(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	if id == currentUser(c).ID {
		s.respondError(c, http.StatusBadRequest, errors.New("you cannot delete your own account"))
		return
	}
	ctx := c.Request.Context()
	owned, err := s.client.ListProjectsForUser(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if err := s.client.DeleteUser(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	for _, p := range owned {
		if p.OwnerID == id {
			s.boards.Forget(p.ID)
		}
	}
	s.logger.Info("user deleted", "user_id", id, "by", currentUser(c).ID)
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleAdminProjects returns every project.
func (s *Server) handleAdminProjects(c *gin.Context) {
	projects, err := s.client.ListProjects(c.Request.Context())
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"projects": projects})
}
