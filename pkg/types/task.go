package types

import "time"

// TaskType identifies what a task does when it runs.
type TaskType string

const (
	TaskFullIndex    TaskType = "FULL_INDEX"
	TaskIncremental  TaskType = "INCREMENTAL"
	TaskReindex      TaskType = "REINDEX"
	TaskWikiGenerate TaskType = "WIKI_GENERATE"
)

// Valid reports whether t is a known task type.
func (t TaskType) Valid() bool {
	switch t {
	case TaskFullIndex, TaskIncremental, TaskReindex, TaskWikiGenerate:
		return true
	}
	return false
}

// TaskStatus is the lifecycle state of a task.
//
// PENDING -> RUNNING -> COMPLETED | FAILED, and PENDING | RUNNING -> CANCELLED.
// COMPLETED, FAILED and CANCELLED are terminal.
type TaskStatus string

const (
	TaskPending   TaskStatus = "PENDING"
	TaskRunning   TaskStatus = "RUNNING"
	TaskCompleted TaskStatus = "COMPLETED"
	TaskFailed    TaskStatus = "FAILED"
	TaskCancelled TaskStatus = "CANCELLED"
)

// Terminal reports whether no further transition is allowed out of s.
func (s TaskStatus) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCancelled
}

var taskStatuses = []TaskStatus{TaskPending, TaskRunning, TaskCompleted, TaskFailed, TaskCancelled}

// Valid reports whether s is a known status.
func (s TaskStatus) Valid() bool {
	for _, known := range taskStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// CanTransition reports whether the state machine allows moving from s to next.
func (s TaskStatus) CanTransition(next TaskStatus) bool {
	switch s {
	case TaskPending:
		return next == TaskRunning || next == TaskCancelled
	case TaskRunning:
		return next == TaskCompleted || next == TaskFailed || next == TaskCancelled
	}
	return false
}

// StatusesInto lists every status that may move to next.
func StatusesInto(next TaskStatus) []TaskStatus {
	var from []TaskStatus
	for _, s := range taskStatuses {
		if s.CanTransition(next) {
			from = append(from, s)
		}
	}
	return from
}

// TriggerSource records who enqueued a task.
type TriggerSource string

const (
	TriggerCLI TriggerSource = "CLI"
	TriggerWeb TriggerSource = "WEB"
)

// IndexOptions are the recognized per-run switches.
type IndexOptions struct {
	// Verbose raises per-file log lines from debug to info. No behavior change.
	Verbose bool `json:"verbose,omitempty"`
	// DryRun exercises read and compute paths but skips every write.
	DryRun bool `json:"dry_run,omitempty"`
	// SkipLLM omits the summarize phase.
	SkipLLM bool `json:"skip_llm,omitempty"`
	// Force reprocesses every file as if it were modified.
	Force bool `json:"force,omitempty"`
}

// TaskCounters are the progress counters persisted on a task row.
type TaskCounters struct {
	FilesTotal         int `gorm:"not null;default:0" json:"files_total"`
	FilesProcessed     int `gorm:"not null;default:0" json:"files_processed"`
	ChunksCreated      int `gorm:"not null;default:0" json:"chunks_created"`
	SummariesGenerated int `gorm:"not null;default:0" json:"summaries_generated"`
}

// Task is one unit of scheduled work against a source.
//
// Status and counters are written only by the worker that claimed the task.
// CancelRequested is the only field an outside caller may set.
type Task struct {
	ID                string        `gorm:"primaryKey;type:text" json:"id"`
	SourceID          int64         `gorm:"index;not null" json:"source_id"`
	SourceType        SourceType    `gorm:"type:text;not null" json:"source_type"`
	TaskType          TaskType      `gorm:"type:text;not null" json:"task_type"`
	Status            TaskStatus    `gorm:"type:text;index;not null" json:"status"`
	TriggeredBy       TriggerSource `gorm:"type:text;not null" json:"triggered_by"`
	Options           IndexOptions  `gorm:"serializer:json;type:text" json:"options"`
	Counters          TaskCounters  `gorm:"embedded" json:"counters"`
	WorkerID          string        `gorm:"type:text" json:"worker_id,omitempty"`
	ErrorMessage      string        `gorm:"type:text" json:"error_message,omitempty"`
	CancelRequested   bool          `gorm:"not null;default:false" json:"cancel_requested"`
	CancelRequestedAt *time.Time    `json:"cancel_requested_at,omitempty"`
	CreatedAt         time.Time     `gorm:"index" json:"created_at"`
	StartedAt         *time.Time    `json:"started_at,omitempty"`
	CompletedAt       *time.Time    `json:"completed_at,omitempty"`
	UpdatedAt         time.Time     `json:"updated_at"`
}

// Validate checks the fields a caller must supply before enqueueing.
func (t *Task) Validate() error {
	if t.SourceID <= 0 {
		return &ValidationError{Field: "source_id", Message: "must be positive"}
	}
	if !t.TaskType.Valid() {
		return &ValidationError{Field: "task_type", Message: "unknown task type " + string(t.TaskType)}
	}
	if t.TriggeredBy != TriggerCLI && t.TriggeredBy != TriggerWeb {
		return &ValidationError{Field: "triggered_by", Message: "must be CLI or WEB"}
	}
	if t.TaskType == TaskWikiGenerate && t.Options.SkipLLM {
		return &ValidationError{Field: "options.skip_llm", Message: "cannot skip generation on a WIKI_GENERATE task"}
	}
	return nil
}

// LogLevel is the severity of a task log entry.
type LogLevel string

const (
	LogDebug LogLevel = "DEBUG"
	LogInfo  LogLevel = "INFO"
	LogWarn  LogLevel = "WARN"
	LogError LogLevel = "ERROR"
)

// TaskLog is an append-only log line attached to a task.
type TaskLog struct {
	ID        int64     `gorm:"primaryKey;autoIncrement" json:"id"`
	TaskID    string    `gorm:"type:text;index;not null" json:"task_id"`
	Level     LogLevel  `gorm:"type:text;not null" json:"level"`
	Phase     string    `gorm:"type:text" json:"phase,omitempty"`
	Message   string    `gorm:"type:text;not null" json:"message"`
	CreatedAt time.Time `json:"created_at"`
}
