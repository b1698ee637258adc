package board

import (
	"taskboard/internal/models"
)

// TemporaryBase is the first parking position used while placements are
// rewritten. Parked tasks count down from it so no two collide.
const TemporaryBase int64 = 2_000_000_000

// Column is the top-to-bottom order of task ids shown in one stage after a
// drag or move.
type Column struct {
	StageID string   `json:"stage_id"`
	TaskIDs []string `json:"task_ids"`
}

// Layout is the order of every stage column on the board.
type Layout []Column

// BuildUpdates compares a layout with the known tasks and returns a placement
// for every task whose stage or position differs. Positions are index+1 in
// the column. Ids that are not known tasks keep their slot but produce no
// placement, and a task listed twice is placed at its first occurrence.
func BuildUpdates(tasks []models.Task, layout Layout) []models.Placement {
	byID := make(map[string]models.Task, len(tasks))
	for _, t := range tasks {
		byID[t.ID] = t
	}

	seen := make(map[string]bool, len(tasks))
	var updates []models.Placement
	for _, col := range layout {
		for i, id := range col.TaskIDs {
			task, ok := byID[id]
			if !ok || seen[id] {
				continue
			}
			seen[id] = true

			position := int64(i + 1)
			if task.StageID != col.StageID || task.OrderPosition != position {
				updates = append(updates, models.Placement{TaskID: id, StageID: col.StageID, Position: position})
			}
		}
	}
	return updates
}

// TwoPhase returns the parking phase followed by the final phase for a set of
// placements. Writing both in order never puts two tasks of a stage on the
// same position, whatever the starting order.
func TwoPhase(updates []models.Placement) [][]models.Placement {
	if len(updates) == 0 {
		return nil
	}
	parked := make([]models.Placement, len(updates))
	for i, u := range updates {
		parked[i] = models.Placement{TaskID: u.TaskID, StageID: u.StageID, Position: TemporaryBase - int64(i)}
	}
	final := make([]models.Placement, len(updates))
	copy(final, updates)
	return [][]models.Placement{parked, final}
}

// NextPosition returns one past the highest position in a stage, or 1 when
// the stage is empty.
func NextPosition(tasks []models.Task, stageID string) int64 {
	var highest int64
	for _, t := range tasks {
		if t.StageID == stageID && t.OrderPosition > highest {
			highest = t.OrderPosition
		}
	}
	return highest + 1
}

// DragAllowed reports whether a drag may start while labelFilter is applied.
// A filtered board hides cards, so visual order no longer maps to positions.
func DragAllowed(labelFilter string) bool {
	return labelFilter == ""
}

// layoutOf returns the current column order of the board.
func layoutOf(stages []models.Stage, tasks []models.Task) Layout {
	layout := make(Layout, 0, len(stages))
	for _, st := range stages {
		col := Column{StageID: st.ID}
		for _, t := range sortedStageTasks(tasks, st.ID) {
			col.TaskIDs = append(col.TaskIDs, t.ID)
		}
		layout = append(layout, col)
	}
	return layout
}
