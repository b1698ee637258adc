// Package backend is the single entry point the rest of the application uses
// for persistence, object storage and change notification. Mutations made
// through the Client are recorded in the activity log and published on the
// realtime hub.
package backend

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"slices"
	"strconv"
	"time"

	"taskboard/internal/blob"
	"taskboard/internal/models"
	"taskboard/internal/realtime"
	"taskboard/internal/storage/sqlite"
	"taskboard/internal/util"
)

// ErrForbidden is returned when the acting user may not touch a project.
var ErrForbidden = errors.New("you do not have access to this project")

// Realtime table names.
const (
	TableProjects    = "projects"
	TableStages      = "project_stages"
	TableTasks       = "tasks"
	TableAttachments = "task_attachments"
	TableComments    = "task_comments"
	TableLabels      = "project_labels"
	TableTaskLabels  = "task_labels"
	TableMembers     = "project_members"
)

type actorKey struct{}

// WithActor returns a context whose mutations are attributed to userID.
func WithActor(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, actorKey{}, userID)
}

// Actor returns the user id attached by WithActor.
func Actor(ctx context.Context) string {
	id, _ := ctx.Value(actorKey{}).(string)
	return id
}

// Client wraps the store, the attachments bucket and the change hub.
type Client struct {
	*sqlite.Store

	bucket  *blob.Bucket
	hub     *realtime.Hub
	logger  *slog.Logger
	signTTL time.Duration
}

// New builds a client. Signed attachment URLs stay valid for signTTL.
func New(store *sqlite.Store, bucket *blob.Bucket, hub *realtime.Hub, signTTL time.Duration, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	if signTTL <= 0 {
		signTTL = time.Hour
	}
	return &Client{Store: store, bucket: bucket, hub: hub, logger: logger, signTTL: signTTL}
}

// Hub returns the change hub.
func (c *Client) Hub() *realtime.Hub {
	return c.hub
}

// Bucket returns the attachments bucket.
func (c *Client) Bucket() *blob.Bucket {
	return c.bucket
}

func (c *Client) publish(table string, typ realtime.EventType, rowID, projectID string, fields map[string]string) {
	if fields == nil {
		fields = map[string]string{}
	}
	fields["project_id"] = projectID
	c.hub.Publish(realtime.Event{Table: table, Type: typ, RowID: rowID, Fields: fields})
}

// logActivity records an entry; a failure only costs the log line.
func (c *Client) logActivity(ctx context.Context, projectID, taskID, action string, details models.Details) {
	err := c.Store.LogActivity(ctx, models.ActivityLog{
		ProjectID: projectID,
		TaskID:    taskID,
		ActorID:   Actor(ctx),
		Action:    action,
		Details:   details,
	})
	if err != nil {
		c.logger.Warn("recording activity failed", "action", action, "task_id", taskID, "error", err)
	}
}

// Authorize checks that the acting user is an admin, the owner or a member
// of the project, and returns it.
func (c *Client) Authorize(ctx context.Context, projectID string) (models.Project, error) {
	project, err := c.Store.GetProject(ctx, projectID)
	if err != nil {
		return models.Project{}, err
	}
	actor := Actor(ctx)
	ok, err := c.Store.CanAccessProject(ctx, projectID, actor)
	if err != nil {
		return models.Project{}, err
	}
	if ok {
		return project, nil
	}
	if admin, err := c.IsAdmin(ctx); err != nil || !admin {
		return models.Project{}, ErrForbidden
	}
	return project, nil
}

// AuthorizeOwner is Authorize restricted to the owner and admins.
func (c *Client) AuthorizeOwner(ctx context.Context, projectID string) (models.Project, error) {
	project, err := c.Authorize(ctx, projectID)
	if err != nil {
		return models.Project{}, err
	}
	if project.OwnerID == Actor(ctx) {
		return project, nil
	}
	if admin, err := c.IsAdmin(ctx); err != nil || !admin {
		return models.Project{}, ErrForbidden
	}
	return project, nil
}

// IsAdmin reports whether the acting user holds the admin role.
func (c *Client) IsAdmin(ctx context.Context) (bool, error) {
	actor := Actor(ctx)
	if actor == "" {
		return false, nil
	}
	u, err := c.Store.GetUser(ctx, actor)
	if err != nil {
		return false, err
	}
	return u.IsAdmin(), nil
}

// Upload stores a new object in the attachments bucket.
func (c *Client) Upload(ctx context.Context, objectPath string, r io.Reader) (int64, error) {
	return c.bucket.Upload(ctx, objectPath, r)
}

// RemoveObjects deletes objects from the attachments bucket. Paths the
// bucket could never have stored are skipped.
func (c *Client) RemoveObjects(ctx context.Context, objectPaths ...string) error {
	for _, p := range objectPaths {
		err := c.bucket.Remove(ctx, p)
		if errors.Is(err, blob.ErrInvalidPath) {
			c.logger.Warn("skipping attachment object with invalid path", "path", p)
			continue
		}
		if err != nil {
			return err
		}
	}
	return nil
}

// OpenObject opens a stored object for reading.
func (c *Client) OpenObject(objectPath string) (*os.File, error) {
	return c.bucket.Open(objectPath)
}

// SignURL returns a time limited download URL for an object.
func (c *Client) SignURL(objectPath string) (string, error) {
	return c.bucket.SignURL(objectPath, c.signTTL)
}

// signAll fills in SignedURL. Attachments that cannot be signed are kept
// with an empty URL so they can still be listed and removed.
func (c *Client) signAll(attachments []models.Attachment) []models.Attachment {
	for i := range attachments {
		u, err := c.SignURL(attachments[i].FilePath)
		if err != nil {
			c.logger.Warn("signing attachment url failed", "path", attachments[i].FilePath, "error", err)
			continue
		}
		attachments[i].SignedURL = u
	}
	return attachments
}

// ListAttachments returns the attachments of a task with signed URLs.
func (c *Client) ListAttachments(ctx context.Context, taskID string) ([]models.Attachment, error) {
	attachments, err := c.Store.ListAttachments(ctx, taskID)
	if err != nil {
		return nil, err
	}
	return c.signAll(attachments), nil
}

// ListAttachmentsForTasks returns the attachments of many tasks with signed URLs.
func (c *Client) ListAttachmentsForTasks(ctx context.Context, taskIDs []string) ([]models.Attachment, error) {
	attachments, err := c.Store.ListAttachmentsForTasks(ctx, taskIDs)
	if err != nil {
		return nil, err
	}
	return c.signAll(attachments), nil
}

// InsertAttachment stores attachment metadata.
func (c *Client) InsertAttachment(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	task, err := c.Store.GetTask(ctx, a.TaskID)
	if err != nil {
		return models.Attachment{}, err
	}
	if a.CreatedBy == "" {
		a.CreatedBy = Actor(ctx)
	}
	inserted, err := c.Store.InsertAttachment(ctx, a)
	if err != nil {
		return models.Attachment{}, err
	}
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionAttachmentAdded, models.Details{"task_title": task.Title, "file_name": inserted.FileName})
	c.publish(TableAttachments, realtime.Insert, inserted.ID, task.ProjectID, map[string]string{"task_id": task.ID})
	return inserted, nil
}

// DeleteAttachment removes attachment metadata. The object is not touched.
func (c *Client) DeleteAttachment(ctx context.Context, id string) error {
	a, err := c.Store.GetAttachment(ctx, id)
	if err != nil {
		return err
	}
	task, err := c.Store.GetTask(ctx, a.TaskID)
	if err != nil {
		return err
	}
	if err := c.Store.DeleteAttachment(ctx, id); err != nil {
		return err
	}
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionAttachmentRemoved, models.Details{"task_title": task.Title, "file_name": a.FileName})
	c.publish(TableAttachments, realtime.Delete, id, task.ProjectID, map[string]string{"task_id": task.ID})
	return nil
}

// InsertComment adds a comment by the acting user.
func (c *Client) InsertComment(ctx context.Context, cm models.Comment) (models.Comment, error) {
	task, err := c.Store.GetTask(ctx, cm.TaskID)
	if err != nil {
		return models.Comment{}, err
	}
	if cm.AuthorID == "" {
		cm.AuthorID = Actor(ctx)
	}
	inserted, err := c.Store.InsertComment(ctx, cm)
	if err != nil {
		return models.Comment{}, err
	}
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionCommentAdded, models.Details{
		"task_title":      task.Title,
		"comment_preview": util.TruncateText(inserted.Body, 120),
	})
	c.publish(TableComments, realtime.Insert, inserted.ID, task.ProjectID, map[string]string{"task_id": task.ID})
	return inserted, nil
}

// AttachLabel associates a label with a task once.
func (c *Client) AttachLabel(ctx context.Context, taskID, labelID string) (bool, error) {
	task, label, err := c.taskAndLabel(ctx, taskID, labelID)
	if err != nil {
		return false, err
	}
	added, err := c.Store.AttachLabel(ctx, taskID, labelID)
	if err != nil || !added {
		return added, err
	}
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionLabelAdded, models.Details{"task_title": task.Title, "label_name": label.Name})
	c.publish(TableTaskLabels, realtime.Insert, taskID+":"+labelID, task.ProjectID, map[string]string{"task_id": taskID})
	return true, nil
}

// DetachLabel removes a label from a task.
func (c *Client) DetachLabel(ctx context.Context, taskID, labelID string) error {
	task, label, err := c.taskAndLabel(ctx, taskID, labelID)
	if err != nil {
		return err
	}
	if err := c.Store.DetachLabel(ctx, taskID, labelID); err != nil {
		return err
	}
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionLabelRemoved, models.Details{"task_title": task.Title, "label_name": label.Name})
	c.publish(TableTaskLabels, realtime.Delete, taskID+":"+labelID, task.ProjectID, map[string]string{"task_id": taskID})
	return nil
}

func (c *Client) taskAndLabel(ctx context.Context, taskID, labelID string) (models.Task, models.Label, error) {
	task, err := c.Store.GetTask(ctx, taskID)
	if err != nil {
		return models.Task{}, models.Label{}, err
	}
	label, err := c.Store.GetLabel(ctx, labelID)
	if err != nil {
		return models.Task{}, models.Label{}, err
	}
	if label.ProjectID != task.ProjectID {
		return models.Task{}, models.Label{}, fmt.Errorf("label belongs to another project")
	}
	return task, label, nil
}

// FindOrCreateLabel returns the project label matching name, creating it if needed.
func (c *Client) FindOrCreateLabel(ctx context.Context, projectID, name string) (models.Label, error) {
	label, err := c.Store.FindOrCreateLabel(ctx, projectID, name)
	if err != nil {
		return models.Label{}, err
	}
	c.publish(TableLabels, realtime.Update, label.ID, projectID, nil)
	return label, nil
}

// DeleteLabel removes a project label and its task associations.
func (c *Client) DeleteLabel(ctx context.Context, id string) error {
	label, err := c.Store.GetLabel(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Store.DeleteLabel(ctx, id); err != nil {
		return err
	}
	c.publish(TableLabels, realtime.Delete, id, label.ProjectID, nil)
	return nil
}

// CreateTask inserts a task and records it.
func (c *Client) CreateTask(ctx context.Context, t models.Task) (models.Task, error) {
	created, err := c.Store.CreateTask(ctx, t)
	if err != nil {
		return models.Task{}, err
	}
	c.logActivity(ctx, created.ProjectID, created.ID, models.ActionTaskCreated, models.Details{"task_title": created.Title})
	c.publishTask(realtime.Insert, created)
	return created, nil
}

// UpdateTask edits a task and records which fields changed.
func (c *Client) UpdateTask(ctx context.Context, id string, changes sqlite.TaskChanges) (models.Task, error) {
	before, err := c.Store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	after, err := c.Store.UpdateTask(ctx, id, changes)
	if err != nil {
		return models.Task{}, err
	}

	var changed []string
	if before.Title != after.Title {
		changed = append(changed, "title")
	}
	if before.DescriptionHTML != after.DescriptionHTML {
		changed = append(changed, "description")
	}
	if before.Done != after.Done {
		changed = append(changed, "done")
	}
	if len(changed) > 0 {
		c.logActivity(ctx, after.ProjectID, after.ID, models.ActionTaskUpdated, models.Details{"task_title": after.Title, "changed_fields": changed})
	}
	c.publishTask(realtime.Update, after)
	return after, nil
}

// MoveTask places a task in a stage and records the move.
func (c *Client) MoveTask(ctx context.Context, id, stageID string, position int64, done *bool) (models.Task, error) {
	before, err := c.Store.GetTask(ctx, id)
	if err != nil {
		return models.Task{}, err
	}
	stage, err := c.Store.GetStage(ctx, stageID)
	if err != nil {
		return models.Task{}, err
	}
	if stage.ProjectID != before.ProjectID {
		return models.Task{}, fmt.Errorf("stage belongs to another project")
	}
	after, err := c.Store.MoveTask(ctx, id, stageID, position, done)
	if err != nil {
		return models.Task{}, err
	}
	if before.StageID != after.StageID || before.Done != after.Done {
		c.logActivity(ctx, after.ProjectID, after.ID, models.ActionTaskMoved, models.Details{
			"task_title": after.Title,
			"from_stage": before.StageID,
			"to_stage":   stage.Name,
		})
	}
	c.publishTask(realtime.Update, after)
	return after, nil
}

// ApplyPlacements writes reorder phases atomically and records stage changes.
func (c *Client) ApplyPlacements(ctx context.Context, phases ...[]models.Placement) error {
	if len(phases) == 0 {
		return nil
	}
	final := phases[len(phases)-1]
	before := make(map[string]models.Task, len(final))
	for _, p := range final {
		t, err := c.Store.GetTask(ctx, p.TaskID)
		if err != nil {
			return err
		}
		before[p.TaskID] = t
	}
	for _, p := range final {
		st, err := c.Store.GetStage(ctx, p.StageID)
		if err != nil {
			return err
		}
		if st.ProjectID != before[p.TaskID].ProjectID {
			return fmt.Errorf("stage belongs to another project")
		}
	}

	if err := c.Store.ApplyPlacements(ctx, phases...); err != nil {
		return err
	}

	for _, p := range final {
		t := before[p.TaskID]
		if t.StageID != p.StageID {
			c.logActivity(ctx, t.ProjectID, t.ID, models.ActionTaskMoved, models.Details{
				"task_title": t.Title,
				"from_stage": t.StageID,
				"to_stage":   p.StageID,
			})
		}
		t.StageID, t.OrderPosition = p.StageID, p.Position
		c.publishTask(realtime.Update, t)
	}
	return nil
}

// SetDeadline sets or clears the deadline of a task.
func (c *Client) SetDeadline(ctx context.Context, id string, deadline *string) (models.Task, error) {
	task, err := c.Store.SetDeadline(ctx, id, deadline)
	if err != nil {
		return models.Task{}, err
	}
	value := ""
	if deadline != nil {
		value = *deadline
	}
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionDeadlineSet, models.Details{"task_title": task.Title, "deadline_date": value})
	c.publishTask(realtime.Update, task)
	return task, nil
}

// DeleteTask removes a task and the stored objects of its attachments.
// Objects that cannot be removed are logged and left behind.
func (c *Client) DeleteTask(ctx context.Context, id string) error {
	task, err := c.Store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	attachments, err := c.Store.ListAttachments(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Store.DeleteTask(ctx, id); err != nil {
		return err
	}
	c.removeObjects(ctx, attachments)
	c.logActivity(ctx, task.ProjectID, task.ID, models.ActionTaskDeleted, models.Details{"task_title": task.Title})
	c.publishTask(realtime.Delete, task)
	return nil
}

func (c *Client) removeObjects(ctx context.Context, attachments []models.Attachment) {
	if len(attachments) == 0 {
		return
	}
	paths := make([]string, len(attachments))
	for i, a := range attachments {
		paths[i] = a.FilePath
	}
	if err := c.RemoveObjects(ctx, paths...); err != nil {
		c.logger.Warn("removing attachment objects failed", "count", len(paths), "error", err)
	}
}

func (c *Client) publishTask(typ realtime.EventType, t models.Task) {
	c.publish(TableTasks, typ, t.ID, t.ProjectID, map[string]string{
		"stage_id":       t.StageID,
		"order_position": strconv.FormatInt(t.OrderPosition, 10),
	})
}

// CreateProject creates a project with its stages and members.
func (c *Client) CreateProject(ctx context.Context, in sqlite.ProjectInput) (models.Project, error) {
	if err := util.ValidateProjectName(in.Name); err != nil {
		return models.Project{}, err
	}
	if in.OwnerID == "" {
		in.OwnerID = Actor(ctx)
	}
	taken, err := c.Store.ProjectNameTaken(ctx, in.OwnerID, in.Name, "")
	if err != nil {
		return models.Project{}, err
	}
	if taken {
		return models.Project{}, fmt.Errorf("%w: you already have a project with this title", sqlite.ErrConflict)
	}
	project, err := c.Store.CreateProject(ctx, in)
	if err != nil {
		return models.Project{}, err
	}
	c.publish(TableProjects, realtime.Insert, project.ID, project.ID, nil)
	return project, nil
}

// UpdateProject renames a project, keeping titles unique per owner.
func (c *Client) UpdateProject(ctx context.Context, id, name, description string) (models.Project, error) {
	if err := util.ValidateProjectName(name); err != nil {
		return models.Project{}, err
	}
	current, err := c.Store.GetProject(ctx, id)
	if err != nil {
		return models.Project{}, err
	}
	taken, err := c.Store.ProjectNameTaken(ctx, current.OwnerID, name, id)
	if err != nil {
		return models.Project{}, err
	}
	if taken {
		return models.Project{}, fmt.Errorf("%w: you already have a project with this title", sqlite.ErrConflict)
	}
	project, err := c.Store.UpdateProject(ctx, id, name, description)
	if err != nil {
		return models.Project{}, err
	}
	c.publish(TableProjects, realtime.Update, project.ID, project.ID, nil)
	return project, nil
}

// DeleteProject removes a project, everything in it and its stored objects.
func (c *Client) DeleteProject(ctx context.Context, id string) error {
	tasks, err := c.Store.ListTasks(ctx, id)
	if err != nil {
		return err
	}
	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	attachments, err := c.Store.ListAttachmentsForTasks(ctx, ids)
	if err != nil {
		return err
	}
	if err := c.Store.DeleteProject(ctx, id); err != nil {
		return err
	}
	c.removeObjects(ctx, attachments)
	c.publish(TableProjects, realtime.Delete, id, id, nil)
	return nil
}

// EnsureStages creates default stages for a project that has none.
func (c *Client) EnsureStages(ctx context.Context, projectID string) ([]models.Stage, bool, error) {
	stages, created, err := c.Store.EnsureStages(ctx, projectID)
	if err != nil {
		return nil, false, err
	}
	if created {
		c.publish(TableStages, realtime.Insert, projectID, projectID, nil)
	}
	return stages, created, nil
}

// CreateStages appends stages to a project.
func (c *Client) CreateStages(ctx context.Context, projectID string, names []string) ([]models.Stage, error) {
	stages, err := c.Store.CreateStages(ctx, projectID, names)
	if err != nil {
		return nil, err
	}
	c.publish(TableStages, realtime.Insert, projectID, projectID, nil)
	return stages, nil
}

// UpdateStage renames or reorders a stage.
func (c *Client) UpdateStage(ctx context.Context, id, name string, orderPosition int64) (models.Stage, error) {
	stage, err := c.Store.UpdateStage(ctx, id, name, orderPosition)
	if err != nil {
		return models.Stage{}, err
	}
	c.publish(TableStages, realtime.Update, stage.ID, stage.ProjectID, nil)
	return stage, nil
}

// DeleteStage removes a stage and its tasks.
func (c *Client) DeleteStage(ctx context.Context, id string) error {
	stage, err := c.Store.GetStage(ctx, id)
	if err != nil {
		return err
	}
	tasks, err := c.Store.ListTasks(ctx, stage.ProjectID)
	if err != nil {
		return err
	}
	var ids []string
	for _, t := range tasks {
		if t.StageID == id {
			ids = append(ids, t.ID)
		}
	}
	attachments, err := c.Store.ListAttachmentsForTasks(ctx, ids)
	if err != nil {
		return err
	}
	if err := c.Store.DeleteStage(ctx, id); err != nil {
		return err
	}
	c.removeObjects(ctx, attachments)
	c.publish(TableStages, realtime.Delete, id, stage.ProjectID, nil)
	return nil
}

// AddMember grants a user access to a project.
func (c *Client) AddMember(ctx context.Context, projectID, userID string) (models.Member, error) {
	project, err := c.Store.GetProject(ctx, projectID)
	if err != nil {
		return models.Member{}, err
	}
	if project.OwnerID == userID {
		return models.Member{}, fmt.Errorf("%w: the owner already has access", sqlite.ErrConflict)
	}
	m, err := c.Store.AddMember(ctx, projectID, userID)
	if err != nil {
		return models.Member{}, err
	}
	c.publish(TableMembers, realtime.Insert, m.ID, projectID, nil)
	return m, nil
}

// RemoveMember revokes a membership.
func (c *Client) RemoveMember(ctx context.Context, id string) error {
	m, err := c.Store.GetMember(ctx, id)
	if err != nil {
		return err
	}
	if err := c.Store.RemoveMember(ctx, id); err != nil {
		return err
	}
	c.publish(TableMembers, realtime.Delete, id, m.ProjectID, nil)
	return nil
}

// SyncMembers replaces the member list of a project.
func (c *Client) SyncMembers(ctx context.Context, projectID, ownerID string, userIDs []string) error {
	userIDs = slices.DeleteFunc(slices.Clone(userIDs), func(id string) bool { return id == "" })
	if err := c.Store.SyncMembers(ctx, projectID, ownerID, userIDs); err != nil {
		return err
	}
	c.publish(TableMembers, realtime.Update, projectID, projectID, nil)
	return nil
}
