// Package editor implements the shared create/edit task dialog: form
// validation, the save hand-off, attachment upload and removal, comments,
// labels and deadlines.
package editor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"taskboard/internal/models"
	"taskboard/internal/util"
)

var (
	ErrTitleRequired   = errors.New("title is required")
	ErrCommentRequired = errors.New("comment must not be empty")
	ErrBusy            = errors.New("another request is still running")
	ErrNotEditing      = errors.New("no task is open for editing")
	ErrNoSaveHandler   = errors.New("no save handler configured")
	ErrInvalidDeadline = errors.New("deadline must be a YYYY-MM-DD date")
	ErrNoAttachment    = errors.New("attachment is not on this task")
	// ErrPartial marks an operation that completed only for some of its items.
	ErrPartial = errors.New("completed with warnings")
)

// Mode tells whether the dialog creates or edits a task.
type Mode string

const (
	ModeAdd  Mode = "add"
	ModeEdit Mode = "edit"
)

// Severity styles a message shown to the user.
type Severity string

const (
	Info    Severity = "secondary"
	Success Severity = "success"
	Warning Severity = "warning"
	Danger  Severity = "danger"
)

// Backend is what the dialog reads and writes.
type Backend interface {
	Upload(ctx context.Context, objectPath string, r io.Reader) (int64, error)
	RemoveObjects(ctx context.Context, objectPaths ...string) error
	ListAttachments(ctx context.Context, taskID string) ([]models.Attachment, error)
	InsertAttachment(ctx context.Context, a models.Attachment) (models.Attachment, error)
	DeleteAttachment(ctx context.Context, id string) error
	ListComments(ctx context.Context, taskID string) ([]models.Comment, error)
	InsertComment(ctx context.Context, c models.Comment) (models.Comment, error)
	FindOrCreateLabel(ctx context.Context, projectID, name string) (models.Label, error)
	AttachLabel(ctx context.Context, taskID, labelID string) (bool, error)
	DetachLabel(ctx context.Context, taskID, labelID string) error
	SetDeadline(ctx context.Context, taskID string, deadline *string) (models.Task, error)
}

// SaveRequest carries the validated form to the save handler.
type SaveRequest struct {
	Mode            Mode
	TaskID          string
	StageID         string
	Title           string
	DescriptionHTML string
	Done            bool
}

// SaveHandler performs the create or update and returns the task id.
type SaveHandler func(ctx context.Context, req SaveRequest) (string, error)

// File is an attachment selected in the form.
type File struct {
	Name        string
	ContentType string
	Body        io.Reader
}

// Form is the submitted dialog content.
type Form struct {
	Title       string
	Description string
	Done        bool
	Files       []File
}

// Deps are the collaborators of a Controller. Converters and callbacks may
// be nil.
type Deps struct {
	Backend   Backend
	UserID    string
	ProjectID string

	ShowMessage      func(message string, severity Severity)
	PlainTextToHTML  func(string) string
	HTMLToPlainText  func(string) string
	SanitizeFileName func(string) string

	OnSaved             func(ctx context.Context, mode Mode, taskID string) error
	OnAttachmentRemoved func(ctx context.Context, taskID string) error
	OnCommentAdded      func(ctx context.Context, taskID string) error
}

// State is what the dialog currently shows.
type State struct {
	Open        bool                `json:"open"`
	Mode        Mode                `json:"mode"`
	TaskID      string              `json:"task_id,omitempty"`
	StageID     string              `json:"stage_id,omitempty"`
	Title       string              `json:"title"`
	Description string              `json:"description"`
	Done        bool                `json:"done"`
	TitleError  string              `json:"title_error,omitempty"`
	Attachments []models.Attachment `json:"attachments"`
	Comments    []models.Comment    `json:"comments"`
}

// Controller drives one task dialog.
type Controller struct {
	deps Deps

	mu    sync.Mutex
	state State
	save  SaveHandler

	submitting atomic.Bool
	commenting atomic.Bool
}

// New returns a closed dialog.
func New(deps Deps) *Controller {
	if deps.ShowMessage == nil {
		deps.ShowMessage = func(string, Severity) {}
	}
	if deps.PlainTextToHTML == nil {
		deps.PlainTextToHTML = util.PlainTextToHTML
	}
	if deps.HTMLToPlainText == nil {
		deps.HTMLToPlainText = util.HTMLToPlainText
	}
	if deps.SanitizeFileName == nil {
		deps.SanitizeFileName = util.SanitizeFileName
	}
	return &Controller{deps: deps, state: State{Mode: ModeAdd}}
}

// SetSaveHandler installs the function that persists the task.
func (c *Controller) SetSaveHandler(fn SaveHandler) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.save = fn
}

// State returns a copy of what the dialog shows.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.state
	s.Attachments = append([]models.Attachment{}, c.state.Attachments...)
	s.Comments = append([]models.Comment{}, c.state.Comments...)
	return s
}

// OpenAdd resets the dialog to a blank task in stageID.
func (c *Controller) OpenAdd(stageID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = State{Open: true, Mode: ModeAdd, StageID: stageID}
}

// OpenEdit fills the dialog from task and loads its attachments and comments.
// A failed load leaves the dialog open with empty lists.
func (c *Controller) OpenEdit(ctx context.Context, task models.Task) error {
	c.mu.Lock()
	c.state = State{
		Open:        true,
		Mode:        ModeEdit,
		TaskID:      task.ID,
		StageID:     task.StageID,
		Title:       task.Title,
		Description: c.deps.HTMLToPlainText(task.DescriptionHTML),
		Done:        task.Done,
	}
	c.mu.Unlock()

	var (
		attachments []models.Attachment
		comments    []models.Comment
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		attachments, err = c.deps.Backend.ListAttachments(gctx, task.ID)
		if err != nil {
			return fmt.Errorf("load attachments: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		var err error
		comments, err = c.deps.Backend.ListComments(gctx, task.ID)
		if err != nil {
			return fmt.Errorf("load comments: %w", err)
		}
		return nil
	})
	err := g.Wait()
	if err != nil {
		c.deps.ShowMessage(err.Error(), Danger)
		attachments, comments = nil, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.TaskID == task.ID {
		c.state.Attachments = attachments
		c.state.Comments = comments
	}
	return err
}

// Close hides the dialog.
func (c *Controller) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state.Open = false
	c.state.TitleError = ""
}

// Submit validates the form, saves the task, uploads the selected files one
// after another and closes the dialog. Any failure leaves the dialog open.
func (c *Controller) Submit(ctx context.Context, form Form) (string, error) {
	if !c.submitting.CompareAndSwap(false, true) {
		return "", ErrBusy
	}
	defer c.submitting.Store(false)

	title := strings.TrimSpace(form.Title)
	c.mu.Lock()
	c.state.TitleError = ""
	c.state.Title = form.Title
	c.state.Description = form.Description
	c.state.Done = form.Done
	if title == "" {
		c.state.TitleError = "Title is required."
		c.mu.Unlock()
		return "", ErrTitleRequired
	}
	req := SaveRequest{
		Mode:            c.state.Mode,
		TaskID:          c.state.TaskID,
		StageID:         c.state.StageID,
		Title:           title,
		DescriptionHTML: c.deps.PlainTextToHTML(strings.TrimSpace(form.Description)),
		Done:            form.Done,
	}
	save := c.save
	c.mu.Unlock()

	if save == nil {
		return "", ErrNoSaveHandler
	}

	taskID, err := save(ctx, req)
	if err != nil {
		c.deps.ShowMessage(err.Error(), Danger)
		return "", err
	}
	if taskID == "" {
		return "", fmt.Errorf("save handler returned no task id")
	}

	c.mu.Lock()
	c.state.TaskID = taskID
	c.mu.Unlock()

	for _, f := range form.Files {
		if err := c.upload(ctx, taskID, f); err != nil {
			c.deps.ShowMessage(err.Error(), Danger)
			return taskID, err
		}
	}

	if c.deps.OnSaved != nil {
		if err := c.deps.OnSaved(ctx, req.Mode, taskID); err != nil {
			c.deps.ShowMessage(err.Error(), Danger)
			return taskID, err
		}
	}
	c.Close()
	return taskID, nil
}

func (c *Controller) upload(ctx context.Context, taskID string, f File) error {
	objectPath := fmt.Sprintf("%s/%s-%s", taskID, uuid.NewString(), c.deps.SanitizeFileName(f.Name))

	size, err := c.deps.Backend.Upload(ctx, objectPath, f.Body)
	if err != nil {
		return fmt.Errorf("upload %s: %w", f.Name, err)
	}

	_, err = c.deps.Backend.InsertAttachment(ctx, models.Attachment{
		TaskID:    taskID,
		FileName:  f.Name,
		FilePath:  objectPath,
		FileSize:  size,
		MimeType:  f.ContentType,
		CreatedBy: c.deps.UserID,
	})
	if err != nil {
		// Without a row nothing references the object.
		_ = c.deps.Backend.RemoveObjects(ctx, objectPath)
		return fmt.Errorf("save attachment metadata for %s: %w", f.Name, err)
	}
	return nil
}

// PostComment adds a comment to the open task and reloads the comment list.
func (c *Controller) PostComment(ctx context.Context, body string) (models.Comment, error) {
	body = strings.TrimSpace(body)
	if body == "" {
		return models.Comment{}, ErrCommentRequired
	}
	taskID, err := c.editingTask()
	if err != nil {
		return models.Comment{}, err
	}
	if !c.commenting.CompareAndSwap(false, true) {
		return models.Comment{}, ErrBusy
	}
	defer c.commenting.Store(false)

	comment, err := c.deps.Backend.InsertComment(ctx, models.Comment{TaskID: taskID, AuthorID: c.deps.UserID, Body: body})
	if err != nil {
		c.deps.ShowMessage(err.Error(), Danger)
		return models.Comment{}, fmt.Errorf("post comment: %w", err)
	}

	comments, err := c.deps.Backend.ListComments(ctx, taskID)
	if err != nil {
		c.deps.ShowMessage(err.Error(), Danger)
		return comment, fmt.Errorf("reload comments: %w", err)
	}
	c.mu.Lock()
	c.state.Comments = comments
	c.mu.Unlock()

	if c.deps.OnCommentAdded != nil {
		if err := c.deps.OnCommentAdded(ctx, taskID); err != nil {
			return comment, err
		}
	}
	return comment, nil
}

// RemoveAttachment deletes the stored object and then its metadata row.
// The steps are not atomic: when the second fails the first stays done.
func (c *Controller) RemoveAttachment(ctx context.Context, attachmentID string) error {
	taskID, err := c.editingTask()
	if err != nil {
		return err
	}

	c.mu.Lock()
	target := findAttachment(c.state.Attachments, attachmentID)
	c.mu.Unlock()
	if target == nil {
		// The dialog may predate the attachment or may have failed to load it.
		current, err := c.deps.Backend.ListAttachments(ctx, taskID)
		if err != nil {
			return fmt.Errorf("load attachments: %w", err)
		}
		if target = findAttachment(current, attachmentID); target == nil {
			return fmt.Errorf("%s: %w", attachmentID, ErrNoAttachment)
		}
	}

	c.deps.ShowMessage("Removing attachment...", Info)
	if err := c.deps.Backend.RemoveObjects(ctx, target.FilePath); err != nil {
		c.deps.ShowMessage("Failed to remove attachment file.", Danger)
		return fmt.Errorf("remove attachment file: %w", err)
	}
	if err := c.deps.Backend.DeleteAttachment(ctx, attachmentID); err != nil {
		c.deps.ShowMessage("Failed to remove attachment metadata.", Danger)
		return fmt.Errorf("remove attachment metadata: %w", err)
	}

	c.mu.Lock()
	kept := c.state.Attachments[:0]
	for _, a := range c.state.Attachments {
		if a.ID != attachmentID {
			kept = append(kept, a)
		}
	}
	c.state.Attachments = kept
	c.mu.Unlock()

	if c.deps.OnAttachmentRemoved != nil {
		if err := c.deps.OnAttachmentRemoved(ctx, taskID); err != nil {
			return err
		}
	}
	c.deps.ShowMessage("Attachment removed.", Success)
	return nil
}

func findAttachment(attachments []models.Attachment, id string) *models.Attachment {
	for i := range attachments {
		if attachments[i].ID == id {
			a := attachments[i]
			return &a
		}
	}
	return nil
}

// AddLabels attaches the named labels to the open task, reusing project
// labels that match case and whitespace insensitively. When only some names
// succeed the error wraps ErrPartial.
func (c *Controller) AddLabels(ctx context.Context, names ...string) ([]models.Label, error) {
	taskID, err := c.editingTask()
	if err != nil {
		return nil, err
	}

	seen := map[string]bool{}
	var wanted []string
	for _, n := range names {
		key := util.NormalizeName(n)
		if key == "" || seen[key] {
			continue
		}
		seen[key] = true
		wanted = append(wanted, strings.TrimSpace(n))
	}
	if len(wanted) == 0 {
		return nil, nil
	}

	var (
		labels   []models.Label
		failures []string
	)
	for _, name := range wanted {
		label, err := c.deps.Backend.FindOrCreateLabel(ctx, c.deps.ProjectID, name)
		if err == nil {
			_, err = c.deps.Backend.AttachLabel(ctx, taskID, label.ID)
		}
		if err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
			continue
		}
		labels = append(labels, label)
	}

	switch {
	case len(failures) == 0:
		return labels, nil
	case len(labels) == 0:
		err := fmt.Errorf("add labels: %s", strings.Join(failures, "; "))
		c.deps.ShowMessage(err.Error(), Danger)
		return nil, err
	default:
		err := fmt.Errorf("%w: %d of %d labels failed (%s)", ErrPartial, len(failures), len(wanted), strings.Join(failures, "; "))
		c.deps.ShowMessage(err.Error(), Warning)
		return labels, err
	}
}

// RemoveLabel detaches a label from the open task.
func (c *Controller) RemoveLabel(ctx context.Context, labelID string) error {
	taskID, err := c.editingTask()
	if err != nil {
		return err
	}
	if err := c.deps.Backend.DetachLabel(ctx, taskID, labelID); err != nil {
		c.deps.ShowMessage(err.Error(), Danger)
		return fmt.Errorf("remove label: %w", err)
	}
	return nil
}

// SetDeadline sets the deadline of the open task; an empty date clears it.
func (c *Controller) SetDeadline(ctx context.Context, date string) (models.Task, error) {
	taskID, err := c.editingTask()
	if err != nil {
		return models.Task{}, err
	}

	var deadline *string
	if date = strings.TrimSpace(date); date != "" {
		if _, err := time.Parse(time.DateOnly, date); err != nil {
			return models.Task{}, ErrInvalidDeadline
		}
		deadline = &date
	}
	task, err := c.deps.Backend.SetDeadline(ctx, taskID, deadline)
	if err != nil {
		c.deps.ShowMessage(err.Error(), Danger)
		return models.Task{}, fmt.Errorf("set deadline: %w", err)
	}
	return task, nil
}

func (c *Controller) editingTask() (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Mode != ModeEdit || c.state.TaskID == "" {
		return "", ErrNotEditing
	}
	return c.state.TaskID, nil
}
