package server

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"taskboard/internal/models"
	"taskboard/internal/storage/sqlite"
	"taskboard/internal/util"
)

type projectRequest struct {
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Template    string    `json:"template"`
	Stages      []string  `json:"stages"`
	MemberIDs   *[]string `json:"member_ids"`
}

// handleListProjects returns the projects the user owns or belongs to.
func (s *Server) handleListProjects(c *gin.Context) {
	projects, err := s.client.ListProjectsForUser(c.Request.Context(), currentUser(c).ID)
	if err != nil {
		s.respondError(c, http.StatusInternalServerError, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"projects": projects})
}

// handleCreateProject creates a project from a stage template or an explicit stage list.
func (s *Server) handleCreateProject(c *gin.Context) {
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := util.ValidateProjectName(req.Name); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	stages := cleanNames(req.Stages)
	if len(stages) == 0 {
		stages = models.TemplateStages(req.Template)
	}
	in := sqlite.ProjectInput{
		Name:        req.Name,
		Description: req.Description,
		OwnerID:     currentUser(c).ID,
		StageNames:  stages,
	}
	if req.MemberIDs != nil {
		in.MemberIDs = *req.MemberIDs
	}

	project, err := s.client.CreateProject(c.Request.Context(), in)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"project": project})
}

// handleGetProject returns a project with its stages and members.
func (s *Server) handleGetProject(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	project, err := s.client.Authorize(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	stages, err := s.client.ListStages(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	members, err := s.client.ListMembers(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"project": project, "stages": stages, "members": members})
}

// handleUpdateProject renames a project and optionally replaces its members.
func (s *Server) handleUpdateProject(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req projectRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	if err := util.ValidateProjectName(req.Name); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}

	ctx := c.Request.Context()
	current, err := s.client.AuthorizeOwner(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	project, err := s.client.UpdateProject(ctx, id, req.Name, req.Description)
	if err != nil {
		s.fail(c, err)
		return
	}
	if req.MemberIDs != nil {
		if err := s.client.SyncMembers(ctx, id, current.OwnerID, *req.MemberIDs); err != nil {
			s.respondPartial(c, gin.H{"project": project}, err)
			return
		}
	}
	respondSuccess(c, http.StatusOK, gin.H{"project": project})
}

// handleDeleteProject removes a project and everything in it.
func (s *Server) handleDeleteProject(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.AuthorizeOwner(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.client.DeleteProject(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	s.boards.Forget(id)
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleListStages returns the stages of a project, creating the default
// ones when it has none.
func (s *Server) handleListStages(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	stages, created, err := s.client.EnsureStages(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"stages": stages, "created": created})
}

type stagesRequest struct {
	Names []string `json:"names" binding:"required"`
}

// handleCreateStages appends stages to a project.
func (s *Server) handleCreateStages(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req stagesRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	names := cleanNames(req.Names)
	if len(names) == 0 {
		s.respondError(c, http.StatusBadRequest, errMissing("stage names"))
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.AuthorizeOwner(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	stages, err := s.client.CreateStages(ctx, id, names)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"stages": stages})
}

type stageRequest struct {
	Name          string `json:"name" binding:"required"`
	OrderPosition int64  `json:"order_position"`
}

// handleUpdateStage renames or reorders a stage.
func (s *Server) handleUpdateStage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req stageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	stage, err := s.client.GetStage(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.client.AuthorizeOwner(ctx, stage.ProjectID); err != nil {
		s.fail(c, err)
		return
	}
	if req.OrderPosition <= 0 {
		req.OrderPosition = stage.OrderPosition
	}
	stage, err = s.client.UpdateStage(ctx, id, strings.TrimSpace(req.Name), req.OrderPosition)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"stage": stage})
}

// handleDeleteStage removes a stage and its tasks.
func (s *Server) handleDeleteStage(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	stage, err := s.client.GetStage(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.client.AuthorizeOwner(ctx, stage.ProjectID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.client.DeleteStage(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleListMembers returns the members of a project.
func (s *Server) handleListMembers(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	members, err := s.client.ListMembers(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"members": members})
}

type memberRequest struct {
	UserID string `json:"user_id" binding:"required"`
}

// handleAddMember grants a user access to a project.
func (s *Server) handleAddMember(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req memberRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.AuthorizeOwner(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	member, err := s.client.AddMember(ctx, id, req.UserID)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusCreated, gin.H{"member": member})
}

// handleRemoveMember revokes a membership.
func (s *Server) handleRemoveMember(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	member, err := s.client.GetMember(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.client.AuthorizeOwner(ctx, member.ProjectID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.client.RemoveMember(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleListLabels returns the labels of a project.
func (s *Server) handleListLabels(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	labels, err := s.client.ListLabels(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	taskLabels, err := s.client.ListTaskLabels(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"labels": labels, "task_labels": taskLabels})
}

// handleDeleteLabel removes a label from its project and every task.
func (s *Server) handleDeleteLabel(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	label, err := s.client.GetLabel(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	if _, err := s.client.Authorize(ctx, label.ProjectID); err != nil {
		s.fail(c, err)
		return
	}
	if err := s.client.DeleteLabel(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusNoContent, nil)
}

// handleListActivity returns the newest activity entries of a project.
func (s *Server) handleListActivity(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	limit, err := strconv.Atoi(c.DefaultQuery("limit", "500"))
	if err != nil || limit <= 0 || limit > 500 {
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("limit must be between 1 and 500"))
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	logs, err := s.client.ListActivity(ctx, id, limit)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"activity": logs})
}

func cleanNames(names []string) []string {
	out := make([]string, 0, len(names))
	for _, n := range names {
		if n = strings.TrimSpace(n); n != "" {
			out = append(out, n)
		}
	}
	return out
}
