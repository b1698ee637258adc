package board

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"taskboard/internal/models"
)

var (
	// ErrSaveInProgress is returned when a drop arrives while another save
	// of the same board is still running. The drop is discarded.
	ErrSaveInProgress = errors.New("task positions are still being saved")
	// ErrDragDisabled is returned when a drag starts while a label filter is active.
	ErrDragDisabled = errors.New("clear the label filter to reorder tasks")
	// ErrNotDragging is returned when a drop has no matching drag.
	ErrNotDragging = errors.New("no drag in progress")
	// ErrUnknownTask is returned for a task id that is not on the board.
	ErrUnknownTask = errors.New("task is not on this board")
	// ErrStageNotFound is returned when a quick action targets a stage the project lacks.
	ErrStageNotFound = errors.New("stage not found")
)

// Store is the backend used by a board.
type Store interface {
	EnsureStages(ctx context.Context, projectID string) ([]models.Stage, bool, error)
	ListTasks(ctx context.Context, projectID string) ([]models.Task, error)
	ListLabels(ctx context.Context, projectID string) ([]models.Label, error)
	ListTaskLabels(ctx context.Context, projectID string) ([]models.TaskLabel, error)
	ListAttachmentsForTasks(ctx context.Context, taskIDs []string) ([]models.Attachment, error)
	ApplyPlacements(ctx context.Context, phases ...[]models.Placement) error
	MoveTask(ctx context.Context, id, stageID string, position int64, done *bool) (models.Task, error)
	DeleteTask(ctx context.Context, id string) error
}

// GestureState is the step a drag gesture has reached.
type GestureState int

const (
	Idle GestureState = iota
	Dragging
	Dropped
	Persisting
)

func (g GestureState) String() string {
	switch g {
	case Dragging:
		return "dragging"
	case Dropped:
		return "dropped"
	case Persisting:
		return "persisting"
	default:
		return "idle"
	}
}

// Direction is a discrete move of a card.
type Direction string

const (
	Up    Direction = "up"
	Down  Direction = "down"
	Left  Direction = "left"
	Right Direction = "right"
)

// MarkTarget names a quick action moving a card to a well-known stage.
type MarkTarget string

const (
	MarkInProgress MarkTarget = "in-progress"
	MarkDone       MarkTarget = "done"
)

func (m MarkTarget) stageName() string {
	if m == MarkDone {
		return "done"
	}
	return "in progress"
}

// Summary counts the tasks of a board.
type Summary struct {
	Total   int `json:"total"`
	Pending int `json:"pending"`
	Done    int `json:"done"`
	Stages  int `json:"stages"`
}

// Snapshot is a copy of the board state suitable for rendering.
type Snapshot struct {
	ProjectID   string                         `json:"project_id"`
	Stages      []models.Stage                 `json:"stages"`
	Tasks       []models.Task                  `json:"tasks"`
	Attachments map[string][]models.Attachment `json:"attachments"`
	Labels      []models.Label                 `json:"labels"`
	TaskLabels  map[string][]string            `json:"task_labels"`
	Summary     Summary                        `json:"summary"`
	Gesture     string                         `json:"gesture"`
}

// Board holds the in-memory state of one project board.
type Board struct {
	projectID string
	store     Store
	logger    *slog.Logger

	mu          sync.Mutex
	stages      []models.Stage
	tasks       []models.Task
	attachments map[string][]models.Attachment
	labels      []models.Label
	taskLabels  map[string][]string

	saving atomic.Bool
	stale  atomic.Bool
}

// New returns an empty board for a project. Call Refresh to load it.
func New(projectID string, store Store, logger *slog.Logger) *Board {
	if logger == nil {
		logger = slog.Default()
	}
	b := &Board{
		projectID:   projectID,
		store:       store,
		logger:      logger,
		attachments: map[string][]models.Attachment{},
		taskLabels:  map[string][]string{},
	}
	b.stale.Store(true)
	return b
}

// ProjectID returns the project shown by the board.
func (b *Board) ProjectID() string {
	return b.projectID
}

// MarkStale flags the board for a reload before its next write.
func (b *Board) MarkStale() {
	b.stale.Store(true)
}

// Stale reports whether the board needs a reload.
func (b *Board) Stale() bool {
	return b.stale.Load()
}

// Saving reports whether a reorder is being persisted.
func (b *Board) Saving() bool {
	return b.saving.Load()
}

// Refresh reloads stages, tasks, labels and attachments from the store.
// Missing stages are created from the default template.
func (b *Board) Refresh(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.refreshLocked(ctx)
}

func (b *Board) refreshLocked(ctx context.Context) error {
	b.stale.Store(false)

	stages, created, err := b.store.EnsureStages(ctx, b.projectID)
	if err != nil {
		b.stale.Store(true)
		return fmt.Errorf("load stages: %w", err)
	}
	if created {
		b.logger.Info("created default stages", "project_id", b.projectID)
	}

	var (
		tasks      []models.Task
		labels     []models.Label
		taskLabels []models.TaskLabel
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		tasks, err = b.store.ListTasks(gctx, b.projectID)
		return err
	})
	g.Go(func() error {
		var err error
		labels, err = b.store.ListLabels(gctx, b.projectID)
		return err
	})
	g.Go(func() error {
		var err error
		taskLabels, err = b.store.ListTaskLabels(gctx, b.projectID)
		return err
	})
	if err := g.Wait(); err != nil {
		b.stale.Store(true)
		return fmt.Errorf("load board: %w", err)
	}

	ids := make([]string, len(tasks))
	for i, t := range tasks {
		ids[i] = t.ID
	}
	attachments, err := b.store.ListAttachmentsForTasks(ctx, ids)
	if err != nil {
		b.stale.Store(true)
		return fmt.Errorf("load attachments: %w", err)
	}

	b.stages = stages
	b.tasks = tasks
	b.labels = labels
	b.attachments = make(map[string][]models.Attachment, len(tasks))
	for _, a := range attachments {
		b.attachments[a.TaskID] = append(b.attachments[a.TaskID], a)
	}
	b.taskLabels = make(map[string][]string, len(taskLabels))
	for _, tl := range taskLabels {
		b.taskLabels[tl.TaskID] = append(b.taskLabels[tl.TaskID], tl.LabelID)
	}
	return nil
}

func (b *Board) ensureFresh(ctx context.Context) error {
	if !b.stale.Load() {
		return nil
	}
	return b.refreshLocked(ctx)
}

// Snapshot returns a copy of the current state.
func (b *Board) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.snapshotLocked()
}

func (b *Board) snapshotLocked() Snapshot {
	snap := Snapshot{
		ProjectID:   b.projectID,
		Stages:      append([]models.Stage(nil), b.stages...),
		Tasks:       append([]models.Task(nil), b.tasks...),
		Attachments: make(map[string][]models.Attachment, len(b.attachments)),
		Labels:      append([]models.Label(nil), b.labels...),
		TaskLabels:  make(map[string][]string, len(b.taskLabels)),
		Summary:     b.summaryLocked(),
		Gesture:     b.Gesture().String(),
	}
	for k, v := range b.attachments {
		snap.Attachments[k] = append([]models.Attachment(nil), v...)
	}
	for k, v := range b.taskLabels {
		snap.TaskLabels[k] = append([]string(nil), v...)
	}
	return snap
}

// Summary returns the task counts of the board.
func (b *Board) Summary() Summary {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.summaryLocked()
}

func (b *Board) summaryLocked() Summary {
	s := Summary{Total: len(b.tasks), Stages: len(b.stages)}
	for _, t := range b.tasks {
		if t.Done {
			s.Done++
		}
	}
	s.Pending = s.Total - s.Done
	return s
}

// Gesture reports Persisting while a save runs and Idle otherwise. The
// steps of an individual drag are tracked by its Drag.
func (b *Board) Gesture() GestureState {
	if b.saving.Load() {
		return Persisting
	}
	return Idle
}

// Drag is one client's drag gesture. Gestures of different clients on the
// same board are independent; only an in-flight save rejects a drop.
type Drag struct {
	board  *Board
	taskID string
	state  atomic.Int32
}

// BeginDrag starts a drag of taskID. It fails while a label filter is active.
func (b *Board) BeginDrag(taskID, labelFilter string) (*Drag, error) {
	if !DragAllowed(labelFilter) {
		return nil, ErrDragDisabled
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.indexOf(taskID) < 0 {
		return nil, fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}
	d := &Drag{board: b, taskID: taskID}
	d.state.Store(int32(Dragging))
	return d, nil
}

// TaskID returns the dragged task.
func (d *Drag) TaskID() string {
	return d.taskID
}

// State returns the step the drag has reached.
func (d *Drag) State() GestureState {
	return GestureState(d.state.Load())
}

// Cancel abandons a drag that has not been dropped.
func (d *Drag) Cancel() {
	d.state.CompareAndSwap(int32(Dragging), int32(Idle))
}

// Drop persists the layout produced by the drag. A drop while another save
// is in flight returns ErrSaveInProgress and changes nothing. On failure the
// returned snapshot is the last known-good state.
func (d *Drag) Drop(ctx context.Context, layout Layout) (Snapshot, error) {
	b := d.board
	if !d.state.CompareAndSwap(int32(Dragging), int32(Dropped)) {
		return b.Snapshot(), ErrNotDragging
	}
	defer d.state.Store(int32(Idle))

	if !b.saving.CompareAndSwap(false, true) {
		return Snapshot{}, ErrSaveInProgress
	}
	defer b.saving.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureFresh(ctx); err != nil {
		return b.snapshotLocked(), err
	}
	d.state.Store(int32(Persisting))
	if err := b.persistLocked(ctx, layout); err != nil {
		return b.snapshotLocked(), err
	}
	return b.snapshotLocked(), nil
}

// Reorder runs a whole drag gesture of taskID ending in layout.
func (b *Board) Reorder(ctx context.Context, taskID, labelFilter string, layout Layout) (Snapshot, error) {
	if b.saving.Load() {
		return Snapshot{}, ErrSaveInProgress
	}
	d, err := b.BeginDrag(taskID, labelFilter)
	if err != nil {
		return b.Snapshot(), err
	}
	return d.Drop(ctx, layout)
}

func (b *Board) persistLocked(ctx context.Context, layout Layout) error {
	updates := BuildUpdates(b.tasks, b.validLayout(layout))
	if len(updates) == 0 {
		return nil
	}

	if err := b.store.ApplyPlacements(ctx, TwoPhase(updates)...); err != nil {
		b.logger.Warn("saving task positions failed", "project_id", b.projectID, "error", err)
		return fmt.Errorf("save task positions: %w", err)
	}

	for _, u := range updates {
		if i := b.indexOf(u.TaskID); i >= 0 {
			b.tasks[i].StageID = u.StageID
			b.tasks[i].OrderPosition = u.Position
		}
	}
	return nil
}

// validLayout drops columns of stages that are not on this board.
func (b *Board) validLayout(layout Layout) Layout {
	known := make(map[string]bool, len(b.stages))
	for _, st := range b.stages {
		known[st.ID] = true
	}
	out := make(Layout, 0, len(layout))
	for _, col := range layout {
		if known[col.StageID] {
			out = append(out, col)
		}
	}
	return out
}

// Move shifts a task one step. Up and down swap it with its neighbour in the
// stage; left and right send it to the end of the adjacent stage. A move past
// the edge of the board is a no-op.
func (b *Board) Move(ctx context.Context, taskID string, dir Direction) (Snapshot, error) {
	switch dir {
	case Up, Down:
		return b.moveVertical(ctx, taskID, dir)
	case Left, Right:
		return b.moveHorizontal(ctx, taskID, dir)
	default:
		return b.Snapshot(), fmt.Errorf("unknown direction %q", dir)
	}
}

func (b *Board) moveVertical(ctx context.Context, taskID string, dir Direction) (Snapshot, error) {
	if !b.saving.CompareAndSwap(false, true) {
		return Snapshot{}, ErrSaveInProgress
	}
	defer b.saving.Store(false)

	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureFresh(ctx); err != nil {
		return b.snapshotLocked(), err
	}
	i := b.indexOf(taskID)
	if i < 0 {
		return b.snapshotLocked(), fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}

	layout := layoutOf(b.stages, b.tasks)
	for c := range layout {
		if layout[c].StageID != b.tasks[i].StageID {
			continue
		}
		ids := layout[c].TaskIDs
		at := indexString(ids, taskID)
		to := at - 1
		if dir == Down {
			to = at + 1
		}
		if to < 0 || to >= len(ids) {
			return b.snapshotLocked(), nil
		}
		ids[at], ids[to] = ids[to], ids[at]
	}

	if err := b.persistLocked(ctx, layout); err != nil {
		return b.snapshotLocked(), err
	}
	return b.snapshotLocked(), nil
}

func (b *Board) moveHorizontal(ctx context.Context, taskID string, dir Direction) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureFresh(ctx); err != nil {
		return b.snapshotLocked(), err
	}
	i := b.indexOf(taskID)
	if i < 0 {
		return b.snapshotLocked(), fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}

	stages := b.sortedStages()
	at := -1
	for s, st := range stages {
		if st.ID == b.tasks[i].StageID {
			at = s
			break
		}
	}
	to := at + 1
	if dir == Left {
		to = at - 1
	}
	if at < 0 || to < 0 || to >= len(stages) {
		return b.snapshotLocked(), nil
	}
	return b.placeLocked(ctx, i, stages[to].ID, nil)
}

// MarkStage moves a task to the end of the "In Progress" or "Done" stage
// and sets its done flag to match.
func (b *Board) MarkStage(ctx context.Context, taskID string, target MarkTarget) (Snapshot, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.ensureFresh(ctx); err != nil {
		return b.snapshotLocked(), err
	}
	i := b.indexOf(taskID)
	if i < 0 {
		return b.snapshotLocked(), fmt.Errorf("%s: %w", taskID, ErrUnknownTask)
	}

	name := target.stageName()
	var stageID string
	for _, st := range b.stages {
		if strings.ToLower(strings.TrimSpace(st.Name)) == name {
			stageID = st.ID
			break
		}
	}
	if stageID == "" {
		return b.snapshotLocked(), fmt.Errorf("stage %q was not found for this project: %w", name, ErrStageNotFound)
	}
	done := target == MarkDone
	return b.placeLocked(ctx, i, stageID, &done)
}

func (b *Board) placeLocked(ctx context.Context, i int, stageID string, done *bool) (Snapshot, error) {
	position := NextPosition(b.tasks, stageID)
	updated, err := b.store.MoveTask(ctx, b.tasks[i].ID, stageID, position, done)
	if err != nil {
		return b.snapshotLocked(), fmt.Errorf("update task: %w", err)
	}
	b.tasks[i].StageID = updated.StageID
	b.tasks[i].OrderPosition = updated.OrderPosition
	b.tasks[i].Done = updated.Done
	b.tasks[i].UpdatedAt = updated.UpdatedAt
	return b.snapshotLocked(), nil
}

// RemoveTask deletes a task and forgets its attachments and labels.
func (b *Board) RemoveTask(ctx context.Context, taskID string) (Summary, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.store.DeleteTask(ctx, taskID); err != nil {
		return b.summaryLocked(), fmt.Errorf("delete task: %w", err)
	}
	b.forgetLocked(taskID)
	return b.summaryLocked(), nil
}

func (b *Board) forgetLocked(taskID string) {
	if i := b.indexOf(taskID); i >= 0 {
		b.tasks = append(b.tasks[:i], b.tasks[i+1:]...)
	}
	delete(b.attachments, taskID)
	delete(b.taskLabels, taskID)
}

// Upsert records a task created or edited elsewhere without a reload.
func (b *Board) Upsert(task models.Task) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if task.ProjectID != b.projectID {
		return
	}
	if i := b.indexOf(task.ID); i >= 0 {
		b.tasks[i] = task
		return
	}
	b.tasks = append(b.tasks, task)
}

// NextPosition returns the next free position of a stage on this board.
func (b *Board) NextPosition(stageID string) int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return NextPosition(b.tasks, stageID)
}

// TasksWithLabel returns the tasks carrying labelID, or all tasks when
// labelID is empty.
func (b *Board) TasksWithLabel(labelID string) []models.Task {
	b.mu.Lock()
	defer b.mu.Unlock()
	if labelID == "" {
		return append([]models.Task(nil), b.tasks...)
	}
	var out []models.Task
	for _, t := range b.tasks {
		if indexString(b.taskLabels[t.ID], labelID) >= 0 {
			out = append(out, t)
		}
	}
	return out
}

func (b *Board) indexOf(taskID string) int {
	for i, t := range b.tasks {
		if t.ID == taskID {
			return i
		}
	}
	return -1
}

func (b *Board) sortedStages() []models.Stage {
	stages := append([]models.Stage(nil), b.stages...)
	sort.SliceStable(stages, func(i, j int) bool {
		return stages[i].OrderPosition < stages[j].OrderPosition
	})
	return stages
}

func sortedStageTasks(tasks []models.Task, stageID string) []models.Task {
	var out []models.Task
	for _, t := range tasks {
		if t.StageID == stageID {
			out = append(out, t)
		}
	}
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].OrderPosition < out[j].OrderPosition
	})
	return out
}

func indexString(values []string, v string) int {
	for i, s := range values {
		if s == v {
			return i
		}
	}
	return -1
}
