package editor

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/models"
	"taskboard/internal/util"
)

type message struct {
	text     string
	severity Severity
}

type fakeBackend struct {
	mu sync.Mutex

	objects     map[string]string
	attachments []models.Attachment
	comments    []models.Comment
	labels      map[string]models.Label
	taskLabels  map[string]bool

	uploadErrOn  int
	uploads      int
	insertErr    error
	removeErr    error
	deleteErr    error
	labelErrFor  string
	commentGate  chan struct{}
	commentEnter chan struct{}
	deadline     *string
}

func newFakeBackend() *fakeBackend {
	return &fakeBackend{objects: map[string]string{}, labels: map[string]models.Label{}, taskLabels: map[string]bool{}}
}

func (f *fakeBackend) Upload(ctx context.Context, p string, r io.Reader) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.uploads++
	if f.uploadErrOn == f.uploads {
		return 0, errors.New("storage unavailable")
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	f.objects[p] = string(data)
	return int64(len(data)), nil
}

func (f *fakeBackend) RemoveObjects(ctx context.Context, paths ...string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.removeErr != nil {
		return f.removeErr
	}
	for _, p := range paths {
		delete(f.objects, p)
	}
	return nil
}

func (f *fakeBackend) ListAttachments(ctx context.Context, taskID string) ([]models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Attachment
	for _, a := range f.attachments {
		if a.TaskID == taskID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (f *fakeBackend) InsertAttachment(ctx context.Context, a models.Attachment) (models.Attachment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return models.Attachment{}, f.insertErr
	}
	a.ID = "att-" + a.FilePath
	f.attachments = append(f.attachments, a)
	return a, nil
}

func (f *fakeBackend) DeleteAttachment(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.deleteErr != nil {
		return f.deleteErr
	}
	for i, a := range f.attachments {
		if a.ID == id {
			f.attachments = append(f.attachments[:i], f.attachments[i+1:]...)
			return nil
		}
	}
	return errors.New("not found")
}

func (f *fakeBackend) ListComments(ctx context.Context, taskID string) ([]models.Comment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Comment(nil), f.comments...), nil
}

func (f *fakeBackend) InsertComment(ctx context.Context, c models.Comment) (models.Comment, error) {
	if f.commentEnter != nil {
		f.commentEnter <- struct{}{}
		<-f.commentGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	c.ID = "c" + string(rune('0'+len(f.comments)))
	f.comments = append(f.comments, c)
	return c, nil
}

func (f *fakeBackend) FindOrCreateLabel(ctx context.Context, projectID, name string) (models.Label, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.labelErrFor != "" && util.NormalizeName(name) == f.labelErrFor {
		return models.Label{}, errors.New("label insert rejected")
	}
	key := util.NormalizeName(name)
	if l, ok := f.labels[key]; ok {
		return l, nil
	}
	l := models.Label{ID: "l-" + key, ProjectID: projectID, Name: name}
	f.labels[key] = l
	return l, nil
}

func (f *fakeBackend) AttachLabel(ctx context.Context, taskID, labelID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	key := taskID + "/" + labelID
	if f.taskLabels[key] {
		return false, nil
	}
	f.taskLabels[key] = true
	return true, nil
}

func (f *fakeBackend) DetachLabel(ctx context.Context, taskID, labelID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.taskLabels, taskID+"/"+labelID)
	return nil
}

func (f *fakeBackend) SetDeadline(ctx context.Context, taskID string, deadline *string) (models.Task, error) {
	f.deadline = deadline
	return models.Task{ID: taskID, DeadlineDate: deadline}, nil
}

type harness struct {
	backend  *fakeBackend
	ctrl     *Controller
	messages []message
	saved    []string
	removed  int
	comments int
	requests []SaveRequest
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{backend: newFakeBackend()}
	h.ctrl = New(Deps{
		Backend:   h.backend,
		UserID:    "user-1",
		ProjectID: "project-1",
		ShowMessage: func(msg string, sev Severity) {
			h.messages = append(h.messages, message{msg, sev})
		},
		OnSaved: func(ctx context.Context, mode Mode, taskID string) error {
			h.saved = append(h.saved, string(mode)+":"+taskID)
			return nil
		},
		OnAttachmentRemoved: func(ctx context.Context, taskID string) error {
			h.removed++
			return nil
		},
		OnCommentAdded: func(ctx context.Context, taskID string) error {
			h.comments++
			return nil
		},
	})
	h.ctrl.SetSaveHandler(func(ctx context.Context, req SaveRequest) (string, error) {
		h.requests = append(h.requests, req)
		if req.TaskID != "" {
			return req.TaskID, nil
		}
		return "task-new", nil
	})
	return h
}

func TestSubmitRequiresTitle(t *testing.T) {
	h := newHarness(t)
	h.ctrl.OpenAdd("stage-1")

	_, err := h.ctrl.Submit(context.Background(), Form{Title: "   "})
	assert.ErrorIs(t, err, ErrTitleRequired)
	state := h.ctrl.State()
	assert.True(t, state.Open)
	assert.Equal(t, "Title is required.", state.TitleError)
	assert.Empty(t, h.requests)
}

func TestSubmitCreatesAndUploads(t *testing.T) {
	h := newHarness(t)
	h.ctrl.OpenAdd("stage-1")

	id, err := h.ctrl.Submit(context.Background(), Form{
		Title:       " Write docs ",
		Description: "line one\nline <two>",
		Files: []File{
			{Name: "notes v1.txt", ContentType: "text/plain", Body: strings.NewReader("hello")},
			{Name: "diagram.png", ContentType: "image/png", Body: strings.NewReader("png")},
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "task-new", id)

	require.Len(t, h.requests, 1)
	req := h.requests[0]
	assert.Equal(t, ModeAdd, req.Mode)
	assert.Equal(t, "stage-1", req.StageID)
	assert.Equal(t, "Write docs", req.Title)
	assert.Equal(t, "line one<br>line &lt;two&gt;", req.DescriptionHTML)

	require.Len(t, h.backend.attachments, 2)
	first := h.backend.attachments[0]
	assert.Equal(t, "notes v1.txt", first.FileName)
	assert.True(t, strings.HasPrefix(first.FilePath, "task-new/"))
	assert.True(t, strings.HasSuffix(first.FilePath, "-notes_v1.txt"))
	assert.Equal(t, int64(5), first.FileSize)
	assert.Equal(t, "user-1", first.CreatedBy)

	assert.Equal(t, []string{"add:task-new"}, h.saved)
	assert.False(t, h.ctrl.State().Open)
}

func TestSubmitStopsAtFirstFailedUpload(t *testing.T) {
	h := newHarness(t)
	h.backend.uploadErrOn = 2
	h.ctrl.OpenAdd("stage-1")

	_, err := h.ctrl.Submit(context.Background(), Form{
		Title: "Task",
		Files: []File{
			{Name: "a.txt", Body: strings.NewReader("a")},
			{Name: "b.txt", Body: strings.NewReader("b")},
			{Name: "c.txt", Body: strings.NewReader("c")},
		},
	})
	require.Error(t, err)
	assert.Equal(t, 2, h.backend.uploads)
	assert.Len(t, h.backend.attachments, 1)
	assert.Empty(t, h.saved)
	assert.True(t, h.ctrl.State().Open)
	require.NotEmpty(t, h.messages)
	assert.Equal(t, Danger, h.messages[len(h.messages)-1].severity)
}

func TestSubmitRemovesObjectWhenMetadataFails(t *testing.T) {
	h := newHarness(t)
	h.backend.insertErr = errors.New("row rejected")
	h.ctrl.OpenAdd("stage-1")

	_, err := h.ctrl.Submit(context.Background(), Form{Title: "Task", Files: []File{{Name: "a.txt", Body: strings.NewReader("a")}}})
	require.Error(t, err)
	assert.Empty(t, h.backend.objects)
}

func TestSubmitSaveFailureKeepsDialogOpen(t *testing.T) {
	h := newHarness(t)
	h.ctrl.SetSaveHandler(func(ctx context.Context, req SaveRequest) (string, error) {
		return "", errors.New("permission denied")
	})
	h.ctrl.OpenAdd("stage-1")

	_, err := h.ctrl.Submit(context.Background(), Form{Title: "Task"})
	require.Error(t, err)
	assert.True(t, h.ctrl.State().Open)
	assert.Equal(t, message{"permission denied", Danger}, h.messages[0])
}

func TestOpenEditLoadsTask(t *testing.T) {
	h := newHarness(t)
	h.backend.attachments = []models.Attachment{{ID: "a1", TaskID: "t1", FilePath: "t1/x-a.txt"}, {ID: "a2", TaskID: "other"}}
	h.backend.comments = []models.Comment{{ID: "c1", TaskID: "t1", Body: "hi"}}

	err := h.ctrl.OpenEdit(context.Background(), models.Task{ID: "t1", StageID: "s1", Title: "T", DescriptionHTML: "a<br>b &amp; c", Done: true})
	require.NoError(t, err)

	state := h.ctrl.State()
	assert.Equal(t, ModeEdit, state.Mode)
	assert.Equal(t, "a\nb & c", state.Description)
	assert.True(t, state.Done)
	assert.Len(t, state.Attachments, 1)
	assert.Len(t, state.Comments, 1)

	_, err = h.ctrl.Submit(context.Background(), Form{Title: "T2", Done: false})
	require.NoError(t, err)
	assert.Equal(t, "t1", h.requests[0].TaskID)
	assert.Equal(t, []string{"edit:t1"}, h.saved)
}

func TestRemoveAttachment(t *testing.T) {
	h := newHarness(t)
	h.backend.objects["t1/x-a.txt"] = "a"
	h.backend.attachments = []models.Attachment{{ID: "a1", TaskID: "t1", FilePath: "t1/x-a.txt"}}
	require.NoError(t, h.ctrl.OpenEdit(context.Background(), models.Task{ID: "t1"}))

	h.backend.deleteErr = errors.New("metadata locked")
	err := h.ctrl.RemoveAttachment(context.Background(), "a1")
	require.Error(t, err)
	assert.Empty(t, h.backend.objects, "the object step already ran")
	assert.Len(t, h.ctrl.State().Attachments, 1)
	assert.Zero(t, h.removed)

	h.backend.deleteErr = nil
	require.NoError(t, h.ctrl.RemoveAttachment(context.Background(), "a1"))
	assert.Empty(t, h.ctrl.State().Attachments)
	assert.Equal(t, 1, h.removed)
	assert.Equal(t, message{"Attachment removed.", Success}, h.messages[len(h.messages)-1])
}

func TestRemoveAttachmentStorageFailureKeepsRow(t *testing.T) {
	h := newHarness(t)
	h.backend.attachments = []models.Attachment{{ID: "a1", TaskID: "t1", FilePath: "t1/x-a.txt"}}
	require.NoError(t, h.ctrl.OpenEdit(context.Background(), models.Task{ID: "t1"}))

	h.backend.removeErr = errors.New("bucket offline")
	require.Error(t, h.ctrl.RemoveAttachment(context.Background(), "a1"))
	assert.Len(t, h.backend.attachments, 1)
}

func TestRemoveAttachmentNotYetInDialog(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.OpenEdit(ctx, models.Task{ID: "t1"}))
	require.Empty(t, h.ctrl.State().Attachments)

	h.backend.objects["t1/x-late.txt"] = "late"
	h.backend.attachments = []models.Attachment{{ID: "a9", TaskID: "t1", FilePath: "t1/x-late.txt"}}

	require.NoError(t, h.ctrl.RemoveAttachment(ctx, "a9"))
	assert.Empty(t, h.backend.attachments)
	assert.Empty(t, h.backend.objects)

	err := h.ctrl.RemoveAttachment(ctx, "a9")
	assert.ErrorIs(t, err, ErrNoAttachment)
}

func TestPostComment(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	_, err := h.ctrl.PostComment(ctx, "hello")
	assert.ErrorIs(t, err, ErrNotEditing)

	require.NoError(t, h.ctrl.OpenEdit(ctx, models.Task{ID: "t1"}))
	_, err = h.ctrl.PostComment(ctx, "  ")
	assert.ErrorIs(t, err, ErrCommentRequired)

	c, err := h.ctrl.PostComment(ctx, " looks good ")
	require.NoError(t, err)
	assert.Equal(t, "looks good", c.Body)
	assert.Equal(t, "user-1", c.AuthorID)
	assert.Len(t, h.ctrl.State().Comments, 1)
	assert.Equal(t, 1, h.comments)
}

func TestPostCommentBusy(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.OpenEdit(ctx, models.Task{ID: "t1"}))

	h.backend.commentEnter = make(chan struct{})
	h.backend.commentGate = make(chan struct{})
	errc := make(chan error, 1)
	go func() {
		_, err := h.ctrl.PostComment(ctx, "first")
		errc <- err
	}()
	<-h.backend.commentEnter

	_, err := h.ctrl.PostComment(ctx, "second")
	assert.ErrorIs(t, err, ErrBusy)

	close(h.backend.commentGate)
	require.NoError(t, <-errc)
}

func TestAddLabelsDeduplicates(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.OpenEdit(ctx, models.Task{ID: "t1"}))

	labels, err := h.ctrl.AddLabels(ctx, "Bug", "bug", " BUG ", "")
	require.NoError(t, err)
	require.Len(t, labels, 1)
	assert.Len(t, h.backend.labels, 1)
	assert.Len(t, h.backend.taskLabels, 1)

	_, err = h.ctrl.AddLabels(ctx, "bug")
	require.NoError(t, err)
	assert.Len(t, h.backend.taskLabels, 1)

	require.NoError(t, h.ctrl.RemoveLabel(ctx, labels[0].ID))
	assert.Empty(t, h.backend.taskLabels)
}

func TestAddLabelsPartialFailure(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.OpenEdit(ctx, models.Task{ID: "t1"}))
	h.backend.labelErrFor = "ops"

	labels, err := h.ctrl.AddLabels(ctx, "ui", "ops")
	assert.ErrorIs(t, err, ErrPartial)
	assert.Len(t, labels, 1)
	assert.Equal(t, Warning, h.messages[len(h.messages)-1].severity)

	_, err = h.ctrl.AddLabels(ctx, "ops")
	require.Error(t, err)
	assert.NotErrorIs(t, err, ErrPartial)
}

func TestSetDeadline(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.ctrl.OpenEdit(ctx, models.Task{ID: "t1"}))

	_, err := h.ctrl.SetDeadline(ctx, "31/12/2026")
	assert.ErrorIs(t, err, ErrInvalidDeadline)

	task, err := h.ctrl.SetDeadline(ctx, "2026-12-31")
	require.NoError(t, err)
	require.NotNil(t, task.DeadlineDate)
	assert.Equal(t, "2026-12-31", *task.DeadlineDate)

	_, err = h.ctrl.SetDeadline(ctx, "")
	require.NoError(t, err)
	assert.Nil(t, h.backend.deadline)
}
