package board

import (
	"context"
	"errors"
	"math/rand"
	"sort"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"taskboard/internal/models"
	"taskboard/internal/storage/sqlite"
)

type fakeStore struct {
	mu          sync.Mutex
	stages      []models.Stage
	tasks       []models.Task
	attachments []models.Attachment
	labels      []models.Label
	taskLabels  []models.TaskLabel

	applyCalls int
	applied    [][]models.Placement
	applyErr   error
	applyGate  chan struct{}
	entered    chan struct{}
	moveCalls  int
}

func (f *fakeStore) EnsureStages(ctx context.Context, projectID string) ([]models.Stage, bool, error) {
	return append([]models.Stage(nil), f.stages...), false, nil
}

func (f *fakeStore) ListTasks(ctx context.Context, projectID string) ([]models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.Task(nil), f.tasks...), nil
}

func (f *fakeStore) ListLabels(ctx context.Context, projectID string) ([]models.Label, error) {
	return f.labels, nil
}

func (f *fakeStore) ListTaskLabels(ctx context.Context, projectID string) ([]models.TaskLabel, error) {
	return f.taskLabels, nil
}

func (f *fakeStore) ListAttachmentsForTasks(ctx context.Context, ids []string) ([]models.Attachment, error) {
	return f.attachments, nil
}

func (f *fakeStore) ApplyPlacements(ctx context.Context, phases ...[]models.Placement) error {
	if f.entered != nil {
		f.entered <- struct{}{}
	}
	if f.applyGate != nil {
		<-f.applyGate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.applyCalls++
	f.applied = phases
	return f.applyErr
}

func (f *fakeStore) MoveTask(ctx context.Context, id, stageID string, position int64, done *bool) (models.Task, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.moveCalls++
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks[i].StageID = stageID
			f.tasks[i].OrderPosition = position
			if done != nil {
				f.tasks[i].Done = *done
			}
			return f.tasks[i], nil
		}
	}
	return models.Task{}, sqlite.ErrNotFound
}

func (f *fakeStore) DeleteTask(ctx context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	for i := range f.tasks {
		if f.tasks[i].ID == id {
			f.tasks = append(f.tasks[:i], f.tasks[i+1:]...)
			return nil
		}
	}
	return sqlite.ErrNotFound
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		stages: []models.Stage{
			{ID: "s1", ProjectID: "p", Name: "Not Started", OrderPosition: 1},
			{ID: "s2", ProjectID: "p", Name: "In Progress", OrderPosition: 2},
			{ID: "s3", ProjectID: "p", Name: " DONE ", OrderPosition: 3},
		},
		tasks: []models.Task{
			{ID: "a", ProjectID: "p", StageID: "s1", OrderPosition: 1},
			{ID: "b", ProjectID: "p", StageID: "s1", OrderPosition: 2},
			{ID: "c", ProjectID: "p", StageID: "s2", OrderPosition: 1, Done: true},
		},
		attachments: []models.Attachment{{ID: "f1", TaskID: "a"}, {ID: "f2", TaskID: "c"}},
		labels:      []models.Label{{ID: "l1", ProjectID: "p", Name: "bug"}},
		taskLabels:  []models.TaskLabel{{TaskID: "a", LabelID: "l1"}, {TaskID: "c", LabelID: "l1"}},
	}
}

func loadBoard(t *testing.T, store Store) *Board {
	t.Helper()
	b := New("p", store, nil)
	require.NoError(t, b.Refresh(context.Background()))
	return b
}

func positions(tasks []models.Task) map[string]int64 {
	out := map[string]int64{}
	for _, task := range tasks {
		out[task.ID] = task.OrderPosition
	}
	return out
}

func TestBuildUpdatesOnlyChanged(t *testing.T) {
	tasks := newFakeStore().tasks

	assert.Empty(t, BuildUpdates(tasks, Layout{{StageID: "s1", TaskIDs: []string{"a", "b"}}, {StageID: "s2", TaskIDs: []string{"c"}}}))

	updates := BuildUpdates(tasks, Layout{
		{StageID: "s1", TaskIDs: []string{"b"}},
		{StageID: "s2", TaskIDs: []string{"c", "a", "ghost", "a"}},
	})
	assert.Equal(t, []models.Placement{
		{TaskID: "b", StageID: "s1", Position: 1},
		{TaskID: "a", StageID: "s2", Position: 2},
	}, updates)
}

func TestTwoPhase(t *testing.T) {
	assert.Nil(t, TwoPhase(nil))

	updates := []models.Placement{{TaskID: "a", StageID: "s1", Position: 2}, {TaskID: "b", StageID: "s1", Position: 1}}
	phases := TwoPhase(updates)
	require.Len(t, phases, 2)
	assert.Equal(t, []models.Placement{
		{TaskID: "a", StageID: "s1", Position: TemporaryBase},
		{TaskID: "b", StageID: "s1", Position: TemporaryBase - 1},
	}, phases[0])
	assert.Equal(t, updates, phases[1])
}

func TestNextPosition(t *testing.T) {
	tasks := []models.Task{{StageID: "s1", OrderPosition: 4}, {StageID: "s1", OrderPosition: 9}, {StageID: "s2", OrderPosition: 20}}
	assert.Equal(t, int64(10), NextPosition(tasks, "s1"))
	assert.Equal(t, int64(1), NextPosition(tasks, "empty"))
	assert.Equal(t, int64(1), NextPosition(nil, "s1"))
}

func TestDropWithoutChangesWritesNothing(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)

	_, err := b.Reorder(context.Background(), "a", "", Layout{
		{StageID: "s1", TaskIDs: []string{"a", "b"}},
		{StageID: "s2", TaskIDs: []string{"c"}},
	})
	require.NoError(t, err)
	assert.Zero(t, store.applyCalls)
	assert.Equal(t, Idle, b.Gesture())
}

func TestDropPersistsAndPatchesState(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)

	snap, err := b.Reorder(context.Background(), "a", "", Layout{
		{StageID: "s1", TaskIDs: []string{"b"}},
		{StageID: "s2", TaskIDs: []string{"c"}},
		{StageID: "s3", TaskIDs: []string{"a"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, store.applyCalls)
	require.Len(t, store.applied, 2)
	assert.Equal(t, TemporaryBase, store.applied[0][0].Position)

	got := map[string]models.Task{}
	for _, task := range snap.Tasks {
		got[task.ID] = task
	}
	assert.Equal(t, "s3", got["a"].StageID)
	assert.Equal(t, int64(1), got["a"].OrderPosition)
	assert.Equal(t, int64(1), got["b"].OrderPosition)
}

func TestDropFailureKeepsLastKnownGoodState(t *testing.T) {
	store := newFakeStore()
	store.applyErr = errors.New("duplicate key value violates unique constraint")
	b := loadBoard(t, store)
	before := b.Snapshot()

	snap, err := b.Reorder(context.Background(), "b", "", Layout{{StageID: "s1", TaskIDs: []string{"b", "a"}}})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "duplicate key value")
	assert.Equal(t, before.Tasks, snap.Tasks)
	assert.Equal(t, Idle, b.Gesture())
}

func TestDragDisabledWhileFiltered(t *testing.T) {
	assert.True(t, DragAllowed(""))
	assert.False(t, DragAllowed("l1"))

	store := newFakeStore()
	b := loadBoard(t, store)
	_, err := b.Reorder(context.Background(), "b", "l1", Layout{{StageID: "s1", TaskIDs: []string{"b", "a"}}})
	assert.ErrorIs(t, err, ErrDragDisabled)
	assert.Zero(t, store.applyCalls)
}

func TestDropWithoutDrag(t *testing.T) {
	b := loadBoard(t, newFakeStore())

	d, err := b.BeginDrag("a", "")
	require.NoError(t, err)
	assert.Equal(t, Dragging, d.State())
	d.Cancel()
	assert.Equal(t, Idle, d.State())
	_, err = d.Drop(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotDragging)

	_, err = b.BeginDrag("missing", "")
	assert.ErrorIs(t, err, ErrUnknownTask)
}

func TestDropTwiceFails(t *testing.T) {
	b := loadBoard(t, newFakeStore())
	d, err := b.BeginDrag("b", "")
	require.NoError(t, err)

	_, err = d.Drop(context.Background(), Layout{{StageID: "s1", TaskIDs: []string{"b", "a"}}})
	require.NoError(t, err)
	assert.Equal(t, Idle, d.State())

	_, err = d.Drop(context.Background(), nil)
	assert.ErrorIs(t, err, ErrNotDragging)
}

func TestMoveDoesNotCancelAnotherDrag(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)
	ctx := context.Background()

	d, err := b.BeginDrag("b", "")
	require.NoError(t, err)

	_, err = b.Move(ctx, "a", Down)
	require.NoError(t, err)
	assert.Equal(t, Dragging, d.State())

	snap, err := d.Drop(ctx, Layout{
		{StageID: "s1", TaskIDs: []string{"a"}},
		{StageID: "s2", TaskIDs: []string{"c", "b"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.applyCalls)
	assert.Equal(t, "s2", findTask(snap.Tasks, "b").StageID)
	assert.Equal(t, int64(2), findTask(snap.Tasks, "b").OrderPosition)
}

func TestOverlappingDragsBothDrop(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)
	ctx := context.Background()

	first, err := b.BeginDrag("a", "")
	require.NoError(t, err)
	second, err := b.BeginDrag("c", "")
	require.NoError(t, err)

	_, err = first.Drop(ctx, Layout{{StageID: "s1", TaskIDs: []string{"b", "a"}}})
	require.NoError(t, err)
	_, err = second.Drop(ctx, Layout{
		{StageID: "s1", TaskIDs: []string{"c", "b", "a"}},
		{StageID: "s2"},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, store.applyCalls)
}

func TestConcurrentDropIsDiscarded(t *testing.T) {
	store := newFakeStore()
	store.applyGate = make(chan struct{})
	store.entered = make(chan struct{}, 1)
	b := loadBoard(t, store)

	swap := Layout{{StageID: "s1", TaskIDs: []string{"b", "a"}}}
	late, err := b.BeginDrag("a", "")
	require.NoError(t, err)

	errc := make(chan error, 1)
	go func() {
		_, err := b.Reorder(context.Background(), "b", "", swap)
		errc <- err
	}()

	<-store.entered
	assert.True(t, b.Saving())
	assert.Equal(t, Persisting, b.Gesture())
	_, err = late.Drop(context.Background(), swap)
	assert.ErrorIs(t, err, ErrSaveInProgress)
	_, err = b.Reorder(context.Background(), "a", "", swap)
	assert.ErrorIs(t, err, ErrSaveInProgress)

	close(store.applyGate)
	require.NoError(t, <-errc)
	assert.Equal(t, 1, store.applyCalls)
	assert.False(t, b.Saving())
	assert.Equal(t, Idle, late.State())
}

func TestMoveVerticalAndHorizontal(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)
	ctx := context.Background()

	snap, err := b.Move(ctx, "b", Up)
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{"a": 2, "b": 1, "c": 1}, positions(snap.Tasks))

	// Already at the top.
	_, err = b.Move(ctx, "b", Up)
	require.NoError(t, err)
	assert.Equal(t, 1, store.applyCalls)

	snap, err = b.Move(ctx, "a", Right)
	require.NoError(t, err)
	for _, task := range snap.Tasks {
		if task.ID == "a" {
			assert.Equal(t, "s2", task.StageID)
			assert.Equal(t, int64(2), task.OrderPosition)
		}
	}

	_, err = b.Move(ctx, "b", Left)
	require.NoError(t, err)
	assert.Equal(t, 1, store.moveCalls)

	_, err = b.Move(ctx, "b", Direction("diagonal"))
	assert.Error(t, err)
}

func TestMarkStage(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)
	ctx := context.Background()

	snap, err := b.MarkStage(ctx, "a", MarkDone)
	require.NoError(t, err)
	for _, task := range snap.Tasks {
		if task.ID == "a" {
			assert.Equal(t, "s3", task.StageID)
			assert.Equal(t, int64(1), task.OrderPosition)
			assert.True(t, task.Done)
		}
	}
	assert.Equal(t, Summary{Total: 3, Pending: 1, Done: 2, Stages: 3}, snap.Summary)

	snap, err = b.MarkStage(ctx, "a", MarkInProgress)
	require.NoError(t, err)
	for _, task := range snap.Tasks {
		if task.ID == "a" {
			assert.Equal(t, "s2", task.StageID)
			assert.Equal(t, int64(2), task.OrderPosition)
			assert.False(t, task.Done)
		}
	}

	store.stages = store.stages[:1]
	b.MarkStale()
	_, err = b.MarkStage(ctx, "a", MarkDone)
	assert.ErrorIs(t, err, ErrStageNotFound)
}

func TestRemoveTaskDropsAssociations(t *testing.T) {
	store := newFakeStore()
	b := loadBoard(t, store)
	assert.Equal(t, Summary{Total: 3, Pending: 2, Done: 1, Stages: 3}, b.Summary())
	assert.Len(t, b.TasksWithLabel("l1"), 2)

	summary, err := b.RemoveTask(context.Background(), "a")
	require.NoError(t, err)
	assert.Equal(t, Summary{Total: 2, Pending: 1, Done: 1, Stages: 3}, summary)

	snap := b.Snapshot()
	assert.NotContains(t, snap.Attachments, "a")
	assert.NotContains(t, snap.TaskLabels, "a")
	assert.Contains(t, snap.Attachments, "c")
	assert.Len(t, b.TasksWithLabel("l1"), 1)

	_, err = b.RemoveTask(context.Background(), "a")
	assert.ErrorIs(t, err, sqlite.ErrNotFound)
}

func newSQLiteBoard(t *testing.T) (*sqlite.Store, *Board, []models.Stage) {
	t.Helper()
	store, err := sqlite.Open(":memory:", nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	ctx := context.Background()
	owner, err := store.CreateUser(ctx, "owner@example.com", "x", models.RoleUser)
	require.NoError(t, err)
	project, err := store.CreateProject(ctx, sqlite.ProjectInput{Name: "Launch", OwnerID: owner.ID})
	require.NoError(t, err)
	stages, err := store.ListStages(ctx, project.ID)
	require.NoError(t, err)

	b := New(project.ID, store, nil)
	require.NoError(t, b.Refresh(ctx))
	return store, b, stages
}

func TestEndToEndDragAboveFirst(t *testing.T) {
	store, b, stages := newSQLiteBoard(t)
	ctx := context.Background()

	require.Len(t, stages, 3)
	assert.Equal(t, "Not Started", stages[0].Name)
	assert.Equal(t, []int64{1, 2, 3}, []int64{stages[0].OrderPosition, stages[1].OrderPosition, stages[2].OrderPosition})

	a, err := store.CreateTask(ctx, models.Task{ProjectID: b.ProjectID(), StageID: stages[0].ID, Title: "A"})
	require.NoError(t, err)
	assert.Equal(t, int64(1), a.OrderPosition)
	bt, err := store.CreateTask(ctx, models.Task{ProjectID: b.ProjectID(), StageID: stages[0].ID, Title: "B"})
	require.NoError(t, err)
	assert.Equal(t, int64(2), bt.OrderPosition)

	require.NoError(t, b.Refresh(ctx))
	_, err = b.Reorder(ctx, bt.ID, "", Layout{{StageID: stages[0].ID, TaskIDs: []string{bt.ID, a.ID}}})
	require.NoError(t, err)

	stored, err := store.ListTasks(ctx, b.ProjectID())
	require.NoError(t, err)
	assert.Equal(t, map[string]int64{a.ID: 2, bt.ID: 1}, positions(stored))
	assert.Equal(t, map[string]int64{a.ID: 2, bt.ID: 1}, positions(b.Snapshot().Tasks))
}

func TestRandomDragsKeepDensePositions(t *testing.T) {
	store, b, stages := newSQLiteBoard(t)
	ctx := context.Background()
	stage := stages[0].ID

	for i := 0; i < 6; i++ {
		_, err := store.CreateTask(ctx, models.Task{ProjectID: b.ProjectID(), StageID: stage, Title: "task"})
		require.NoError(t, err)
	}
	require.NoError(t, b.Refresh(ctx))

	rng := rand.New(rand.NewSource(7))
	for round := 0; round < 25; round++ {
		order := layoutOf(b.Snapshot().Stages, b.Snapshot().Tasks)
		var ids []string
		for _, col := range order {
			if col.StageID == stage {
				ids = col.TaskIDs
			}
		}
		from, to := rng.Intn(len(ids)), rng.Intn(len(ids))
		moved := ids[from]
		ids = append(ids[:from], ids[from+1:]...)
		ids = append(ids[:to], append([]string{moved}, ids[to:]...)...)

		_, err := b.Reorder(ctx, moved, "", Layout{{StageID: stage, TaskIDs: ids}})
		require.NoError(t, err)

		stored, err := store.ListTasks(ctx, b.ProjectID())
		require.NoError(t, err)
		sort.Slice(stored, func(i, j int) bool { return stored[i].OrderPosition < stored[j].OrderPosition })
		for i, task := range stored {
			assert.Equal(t, int64(i+1), task.OrderPosition)
			assert.Equal(t, ids[i], task.ID)
		}
	}
}

func TestMoveAcrossStagesUsesNextPosition(t *testing.T) {
	store, b, stages := newSQLiteBoard(t)
	ctx := context.Background()

	a, err := store.CreateTask(ctx, models.Task{ProjectID: b.ProjectID(), StageID: stages[0].ID, Title: "A"})
	require.NoError(t, err)
	for i := 0; i < 2; i++ {
		_, err := store.CreateTask(ctx, models.Task{ProjectID: b.ProjectID(), StageID: stages[1].ID, Title: "busy"})
		require.NoError(t, err)
	}
	require.NoError(t, b.Refresh(ctx))

	_, err = b.Move(ctx, a.ID, Right)
	require.NoError(t, err)

	moved, err := store.GetTask(ctx, a.ID)
	require.NoError(t, err)
	assert.Equal(t, stages[1].ID, moved.StageID)
	assert.Equal(t, int64(3), moved.OrderPosition)
}

func findTask(tasks []models.Task, id string) models.Task {
	for _, task := range tasks {
		if task.ID == id {
			return task
		}
	}
	return models.Task{}
}
