package server

import (
	"context"
	"errors"
	"fmt"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"taskboard/internal/board"
	"taskboard/internal/editor"
	"taskboard/internal/models"
	"taskboard/internal/pages"
	"taskboard/internal/storage/sqlite"
)

// maxUploadMemory is the part of a multipart form kept in memory.
const maxUploadMemory = 32 << 20

func errMissing(what string) error {
	return fmt.Errorf("%s is required", what)
}

type taskRequest struct {
	StageID     string `json:"stage_id" form:"stage_id"`
	Title       string `json:"title" form:"title"`
	Description string `json:"description" form:"description"`
	Done        bool   `json:"done" form:"done"`
}

// readTaskForm reads a task dialog submission sent either as JSON or as a
// multipart form with "files" attachments. The returned closer releases the
// uploaded files.
func readTaskForm(c *gin.Context) (taskRequest, []editor.File, func(), error) {
	var req taskRequest
	noop := func() {}
	if !strings.HasPrefix(c.ContentType(), "multipart/") {
		if err := c.ShouldBindJSON(&req); err != nil {
			return req, nil, noop, invalid(err)
		}
		return req, nil, noop, nil
	}

	if err := c.Request.ParseMultipartForm(maxUploadMemory); err != nil {
		return req, nil, noop, invalid(err)
	}
	form := c.Request.MultipartForm
	req.StageID = c.PostForm("stage_id")
	req.Title = c.PostForm("title")
	req.Description = c.PostForm("description")
	req.Done, _ = strconv.ParseBool(c.DefaultPostForm("done", "false"))

	var (
		files  []editor.File
		opened []multipart.File
	)
	closeAll := func() {
		for _, f := range opened {
			_ = f.Close()
		}
		_ = form.RemoveAll()
	}
	for _, fh := range form.File["files"] {
		f, err := fh.Open()
		if err != nil {
			closeAll()
			return req, nil, noop, fmt.Errorf("open upload %s: %w", fh.Filename, err)
		}
		opened = append(opened, f)
		files = append(files, editor.File{
			Name:        fh.Filename,
			ContentType: fh.Header.Get("Content-Type"),
			Body:        f,
		})
	}
	return req, files, closeAll, nil
}

// dialog is a task editor controller bound to one request.
type dialog struct {
	*editor.Controller
	messages []pages.Message
}

func (s *Server) newDialog(c *gin.Context, projectID string, bd *board.Board) *dialog {
	d := &dialog{messages: []pages.Message{}}
	d.Controller = editor.New(editor.Deps{
		Backend:   s.client,
		UserID:    currentUser(c).ID,
		ProjectID: projectID,
		ShowMessage: func(message string, severity editor.Severity) {
			d.messages = append(d.messages, pages.Message{Text: message, Variant: string(severity)})
		},
		OnSaved: func(ctx context.Context, _ editor.Mode, taskID string) error {
			task, err := s.client.GetTask(ctx, taskID)
			if err != nil {
				return err
			}
			bd.Upsert(task)
			return nil
		},
		OnAttachmentRemoved: func(context.Context, string) error {
			bd.MarkStale()
			return nil
		},
		OnCommentAdded: func(context.Context, string) error {
			return nil
		},
	})
	return d
}

// taskAccess loads a task the user may see, with the live board of its project.
func (s *Server) taskAccess(c *gin.Context) (models.Task, *board.Board, bool) {
	id, ok := parseID(c, "id")
	if !ok {
		return models.Task{}, nil, false
	}
	ctx := c.Request.Context()
	task, err := s.client.GetTask(ctx, id)
	if err != nil {
		s.fail(c, err)
		return models.Task{}, nil, false
	}
	if _, err := s.client.Authorize(ctx, task.ProjectID); err != nil {
		s.fail(c, err)
		return models.Task{}, nil, false
	}
	bd, err := s.boards.Get(ctx, task.ProjectID)
	if err != nil {
		s.fail(c, err)
		return models.Task{}, nil, false
	}
	return task, bd, true
}

// openDialog opens the editor on a task. A failed load of attachments or
// comments is reported in the messages only.
func (s *Server) openDialog(c *gin.Context, task models.Task, bd *board.Board) *dialog {
	d := s.newDialog(c, task.ProjectID, bd)
	if err := d.OpenEdit(c.Request.Context(), task); err != nil {
		s.logger.Warn("loading task details failed", "task_id", task.ID, "error", err)
	}
	return d
}

// respondDialog reports the outcome of a dialog submission. A save that
// stored the task but failed afterwards is a partial success.
func (s *Server) respondDialog(c *gin.Context, status int, d *dialog, taskID string, err error) {
	if err != nil && taskID == "" {
		if errors.Is(err, editor.ErrTitleRequired) {
			c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": err.Error(), "editor": d.State()})
			return
		}
		s.fail(c, err)
		return
	}
	task, getErr := s.client.GetTask(c.Request.Context(), taskID)
	if getErr != nil {
		s.fail(c, getErr)
		return
	}
	payload := gin.H{"task": task, "editor": d.State(), "messages": d.messages}
	if err != nil {
		s.respondPartial(c, payload, err)
		return
	}
	respondSuccess(c, status, payload)
}

// handleBoard returns the live board of a project.
func (s *Server) handleBoard(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	bd, err := s.boards.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"board": bd.Snapshot(), "saving": bd.Saving()})
}

type reorderRequest struct {
	TaskID      string       `json:"task_id" binding:"required"`
	LabelFilter string       `json:"label_filter"`
	Layout      board.Layout `json:"layout" binding:"required"`
}

// handleReorder persists the column layout produced by a drag and drop.
func (s *Server) handleReorder(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req reorderRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, id); err != nil {
		s.fail(c, err)
		return
	}
	bd, err := s.boards.Get(ctx, id)
	if err != nil {
		s.fail(c, err)
		return
	}
	snap, err := bd.Reorder(ctx, req.TaskID, req.LabelFilter, req.Layout)
	if err != nil {
		status := statusFor(err)
		s.logger.Warn("reorder failed", "project_id", id, "status", status, "error", err)
		c.AbortWithStatusJSON(status, gin.H{"error": err.Error(), "board": snap})
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"board": snap})
}

// handleCreateTask adds a task to a stage through the task dialog.
func (s *Server) handleCreateTask(c *gin.Context) {
	projectID, ok := parseID(c, "id")
	if !ok {
		return
	}
	req, files, release, err := readTaskForm(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer release()
	if req.StageID == "" {
		s.respondError(c, http.StatusBadRequest, errMissing("stage_id"))
		return
	}

	ctx := c.Request.Context()
	if _, err := s.client.Authorize(ctx, projectID); err != nil {
		s.fail(c, err)
		return
	}
	stage, err := s.client.GetStage(ctx, req.StageID)
	if err != nil || stage.ProjectID != projectID {
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("stage does not belong to this project"))
		return
	}
	bd, err := s.boards.Get(ctx, projectID)
	if err != nil {
		s.fail(c, err)
		return
	}

	d := s.newDialog(c, projectID, bd)
	d.OpenAdd(stage.ID)
	d.SetSaveHandler(func(ctx context.Context, r editor.SaveRequest) (string, error) {
		task := models.Task{
			ProjectID:       projectID,
			StageID:         r.StageID,
			Title:           r.Title,
			DescriptionHTML: r.DescriptionHTML,
			Done:            r.Done,
			OrderPosition:   bd.NextPosition(r.StageID),
		}
		created, err := s.client.CreateTask(ctx, task)
		if errors.Is(err, sqlite.ErrConflict) {
			// The board lagged behind another insert; let the store pick.
			task.OrderPosition = 0
			created, err = s.client.CreateTask(ctx, task)
		}
		return created.ID, err
	})
	taskID, err := d.Submit(ctx, editor.Form{Title: req.Title, Description: req.Description, Done: req.Done, Files: files})
	s.respondDialog(c, http.StatusCreated, d, taskID, err)
}

// handleGetTask returns a task as shown in the edit dialog.
func (s *Server) handleGetTask(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	d := s.openDialog(c, task, bd)
	respondSuccess(c, http.StatusOK, gin.H{"task": task, "editor": d.State(), "messages": d.messages})
}

// handleUpdateTask saves the edit dialog of a task.
func (s *Server) handleUpdateTask(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	req, files, release, err := readTaskForm(c)
	if err != nil {
		s.fail(c, err)
		return
	}
	defer release()

	d := s.openDialog(c, task, bd)
	d.SetSaveHandler(func(ctx context.Context, r editor.SaveRequest) (string, error) {
		updated, err := s.client.UpdateTask(ctx, r.TaskID, sqlite.TaskChanges{
			Title:           &r.Title,
			DescriptionHTML: &r.DescriptionHTML,
			Done:            &r.Done,
		})
		return updated.ID, err
	})
	taskID, err := d.Submit(c.Request.Context(), editor.Form{Title: req.Title, Description: req.Description, Done: req.Done, Files: files})
	s.respondDialog(c, http.StatusOK, d, taskID, err)
}

// handleDeleteTask removes a task from its board.
func (s *Server) handleDeleteTask(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	summary, err := bd.RemoveTask(c.Request.Context(), task.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"summary": summary})
}

type moveRequest struct {
	Direction board.Direction `json:"direction" binding:"required"`
}

// handleMoveTask moves a card one step up, down, left or right.
func (s *Server) handleMoveTask(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	var req moveRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	switch req.Direction {
	case board.Up, board.Down, board.Left, board.Right:
	default:
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("unknown direction %q", req.Direction))
		return
	}
	snap, err := bd.Move(c.Request.Context(), task.ID, req.Direction)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"board": snap})
}

type markRequest struct {
	Target board.MarkTarget `json:"target" binding:"required"`
}

// handleMarkTask moves a card to the In Progress or Done stage.
func (s *Server) handleMarkTask(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	var req markRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	if req.Target != board.MarkInProgress && req.Target != board.MarkDone {
		s.respondError(c, http.StatusBadRequest, fmt.Errorf("unknown target %q", req.Target))
		return
	}
	snap, err := bd.MarkStage(c.Request.Context(), task.ID, req.Target)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"board": snap})
}

type deadlineRequest struct {
	DeadlineDate string `json:"deadline_date"`
}

// handleSetDeadline sets or clears the deadline of a task.
func (s *Server) handleSetDeadline(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	var req deadlineRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	d := s.openDialog(c, task, bd)
	updated, err := d.SetDeadline(c.Request.Context(), req.DeadlineDate)
	if err != nil {
		s.fail(c, err)
		return
	}
	bd.Upsert(updated)
	respondSuccess(c, http.StatusOK, gin.H{"task": updated})
}

// handleListAttachments returns the attachments of a task with signed links.
func (s *Server) handleListAttachments(c *gin.Context) {
	task, _, ok := s.taskAccess(c)
	if !ok {
		return
	}
	attachments, err := s.client.ListAttachments(c.Request.Context(), task.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"attachments": attachments})
}

// handleRemoveAttachment deletes the stored file and then its metadata.
func (s *Server) handleRemoveAttachment(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	attachmentID, ok := parseID(c, "attachmentID")
	if !ok {
		return
	}
	d := s.openDialog(c, task, bd)
	if err := d.RemoveAttachment(c.Request.Context(), attachmentID); err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"attachments": d.State().Attachments, "messages": d.messages})
}

// handleListComments returns the comments of a task.
func (s *Server) handleListComments(c *gin.Context) {
	task, _, ok := s.taskAccess(c)
	if !ok {
		return
	}
	comments, err := s.client.ListComments(c.Request.Context(), task.ID)
	if err != nil {
		s.fail(c, err)
		return
	}
	respondSuccess(c, http.StatusOK, gin.H{"comments": comments})
}

type commentRequest struct {
	Body string `json:"body"`
}

// handlePostComment adds a comment and returns the refreshed list.
func (s *Server) handlePostComment(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	var req commentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	d := s.openDialog(c, task, bd)
	comment, err := d.PostComment(c.Request.Context(), req.Body)
	if err != nil && comment.ID == "" {
		s.fail(c, err)
		return
	}
	payload := gin.H{"comment": comment, "comments": d.State().Comments}
	if err != nil {
		s.respondPartial(c, payload, err)
		return
	}
	respondSuccess(c, http.StatusCreated, payload)
}

type labelsRequest struct {
	Names []string `json:"names" binding:"required"`
}

// handleAddLabels attaches labels by name, creating missing project labels.
func (s *Server) handleAddLabels(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	var req labelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, http.StatusBadRequest, err)
		return
	}
	d := s.openDialog(c, task, bd)
	labels, err := d.AddLabels(c.Request.Context(), req.Names...)
	bd.MarkStale()
	payload := gin.H{"labels": labels, "messages": d.messages}
	switch {
	case errors.Is(err, editor.ErrPartial):
		s.respondPartial(c, payload, err)
	case err != nil:
		s.fail(c, err)
	default:
		respondSuccess(c, http.StatusOK, payload)
	}
}

// handleRemoveLabel detaches a label from a task.
func (s *Server) handleRemoveLabel(c *gin.Context) {
	task, bd, ok := s.taskAccess(c)
	if !ok {
		return
	}
	labelID, ok := parseID(c, "labelID")
	if !ok {
		return
	}
	d := s.openDialog(c, task, bd)
	if err := d.RemoveLabel(c.Request.Context(), labelID); err != nil {
		s.fail(c, err)
		return
	}
	bd.MarkStale()
	respondSuccess(c, http.StatusNoContent, nil)
}
