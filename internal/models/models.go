package models

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// Project groups the stages and tasks of one board.
type Project struct {
	ID          string    `db:"id" json:"id"`
	Name        string    `db:"name" json:"name"`
	Description string    `db:"description" json:"description"`
	OwnerID     string    `db:"owner_id" json:"owner_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// Stage is one column of a project board.
type Stage struct {
	ID            string `db:"id" json:"id"`
	ProjectID     string `db:"project_id" json:"project_id"`
	Name          string `db:"name" json:"name"`
	OrderPosition int64  `db:"order_position" json:"order_position"`
}

// Task represents a single card in a stage.
type Task struct {
	ID              string    `db:"id" json:"id"`
	ProjectID       string    `db:"project_id" json:"project_id"`
	StageID         string    `db:"stage_id" json:"stage_id"`
	Title           string    `db:"title" json:"title"`
	DescriptionHTML string    `db:"description_html" json:"description_html"`
	Done            bool      `db:"done" json:"done"`
	OrderPosition   int64     `db:"order_position" json:"order_position"`
	DeadlineDate    *string   `db:"deadline_date" json:"deadline_date"`
	CreatedAt       time.Time `db:"created_at" json:"created_at"`
	UpdatedAt       time.Time `db:"updated_at" json:"updated_at"`
}

// Attachment is the metadata row of a file kept in the attachments bucket.
type Attachment struct {
	ID        string    `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	FileName  string    `db:"file_name" json:"file_name"`
	FilePath  string    `db:"file_path" json:"file_path"`
	FileSize  int64     `db:"file_size" json:"file_size"`
	MimeType  string    `db:"mime_type" json:"mime_type"`
	CreatedBy string    `db:"created_by" json:"created_by"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	// SignedURL is filled in when the attachment is handed to a view.
	SignedURL string `db:"-" json:"signed_url,omitempty"`
}

// Comment is a note left on a task.
type Comment struct {
	ID        string    `db:"id" json:"id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	AuthorID  string    `db:"author_id" json:"author_id"`
	Body      string    `db:"body" json:"body"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	AuthorEmail string `db:"author_email" json:"author_email,omitempty"`
}

// Label is a project scoped tag that can be attached to tasks.
type Label struct {
	ID        string `db:"id" json:"id"`
	ProjectID string `db:"project_id" json:"project_id"`
	Name      string `db:"name" json:"name"`
}

// TaskLabel associates a label with a task.
type TaskLabel struct {
	TaskID  string `db:"task_id" json:"task_id"`
	LabelID string `db:"label_id" json:"label_id"`
}

// Member grants a user access to a project they do not own.
type Member struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	UserID    string    `db:"user_id" json:"user_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`

	Email string `db:"email" json:"email,omitempty"`
}

// User is an account able to sign in.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	Role         string    `db:"role" json:"role"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
}

// IsAdmin reports whether the user holds the admin role.
func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}

// Profile is the public part of a user.
type Profile struct {
	ID    string `db:"id" json:"id"`
	Email string `db:"email" json:"email"`
}

// Roles known to user_roles.
const (
	RoleAdmin = "admin"
	RoleUser  = "user"
)

// ActivityLog records one mutation of a task.
type ActivityLog struct {
	ID        string    `db:"id" json:"id"`
	ProjectID string    `db:"project_id" json:"project_id"`
	TaskID    string    `db:"task_id" json:"task_id"`
	ActorID   string    `db:"actor_id" json:"actor_id"`
	Action    string    `db:"action" json:"action"`
	Details   Details   `db:"details" json:"details"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// Activity actions.
const (
	ActionTaskCreated       = "task_created"
	ActionTaskUpdated       = "task_updated"
	ActionTaskMoved         = "task_moved"
	ActionTaskDeleted       = "task_deleted"
	ActionLabelAdded        = "label_added"
	ActionLabelRemoved      = "label_removed"
	ActionAttachmentAdded   = "attachment_added"
	ActionAttachmentRemoved = "attachment_removed"
	ActionCommentAdded      = "comment_added"
	ActionDeadlineSet       = "deadline_set"
)

// Details is a free form JSON object stored alongside an activity entry.
type Details map[string]any

// Value implements driver.Valuer.
func (d Details) Value() (driver.Value, error) {
	if d == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return nil, fmt.Errorf("marshal details: %w", err)
	}
	return string(raw), nil
}

// Scan implements sql.Scanner.
func (d *Details) Scan(src any) error {
	var raw []byte
	switch v := src.(type) {
	case nil:
		*d = Details{}
		return nil
	case string:
		raw = []byte(v)
	case []byte:
		raw = v
	default:
		return fmt.Errorf("unsupported details type %T", src)
	}
	out := Details{}
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("unmarshal details: %w", err)
	}
	*d = out
	return nil
}

// StageTemplates lists the stage names a new project can start with.
var StageTemplates = map[string][]string{
	"basic":        {"Not Started", "In Progress", "Done"},
	"kanban":       {"Backlog", "Selected", "In Progress", "Review", "Done"},
	"bug-tracking": {"Reported", "Triaged", "In Progress", "QA", "Done"},
	"content":      {"Ideas", "Draft", "Editing", "Scheduled", "Published"},
}

// DefaultTemplate is used when a project is created without a template or has no stages.
const DefaultTemplate = "basic"

// TemplateStages returns the stage names for key, falling back to the default template.
func TemplateStages(key string) []string {
	if stages, ok := StageTemplates[key]; ok {
		return stages
	}
	return StageTemplates[DefaultTemplate]
}

// Placement assigns a task to a stage at an order position.
type Placement struct {
	TaskID   string `json:"id"`
	StageID  string `json:"stage_id"`
	Position int64  `json:"order_position"`
}
