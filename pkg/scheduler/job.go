// Package scheduler runs named background jobs with parent/child dependency
// graphs. A parent job is dispatched only once every child completed; a
// failed child fails the parent without running it. State transitions are
// atomic per job and terminal states are final.
package scheduler

import "time"

// State is a job lifecycle state.
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
)

// Terminal reports whether the state is final.
func (s State) Terminal() bool {
	return s == StateCompleted || s == StateFailed
}

// Job is one unit of background work.
type Job struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Queue string         `json:"queue"`
	Data  map[string]any `json:"data"`

	State        State  `json:"state"`
	Progress     int    `json:"progress"`
	ReturnValue  any    `json:"returnValue,omitempty"`
	FailedReason string `json:"failedReason,omitempty"`

	ParentID string   `json:"parentId,omitempty"`
	ChildIDs []string `json:"childIds,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// JobSpec describes one node of a DAG to enqueue. Children run first; the
// node itself runs only after every child completed.
type JobSpec struct {
	Name     string         `json:"name"`
	Queue    string         `json:"queueName"`
	Data     map[string]any `json:"data"`
	Children []JobSpec      `json:"children,omitempty"`
}

// Handle references an enqueued DAG.
type Handle struct {
	RootID string
	Queue  string
	All    []string // every job id in the DAG, root first
}

// EventType is a job lifecycle event kind.
type EventType string

const (
	EventProgress  EventType = "progress"
	EventCompleted EventType = "completed"
	EventFailed    EventType = "failed"
)

// Event is a raw scheduler lifecycle event. It carries the id plus the
// delta; subscribers needing the full record fetch it by id.
type Event struct {
	Type         EventType `json:"type"`
	JobID        string    `json:"jobId"`
	Queue        string    `json:"queue"`
	Name         string    `json:"name"`
	Progress     int       `json:"progress,omitempty"`
	ReturnValue  any       `json:"returnValue,omitempty"`
	FailedReason string    `json:"failedReason,omitempty"`
}
