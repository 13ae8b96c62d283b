package tracing

import "time"

// A TaskStep is a milestone reached while processing a task.
type TaskStep struct {
	Time time.Time `json:"time"`
	What string    `json:"what"`
}

// A Task is one traced memory-management operation, such as a page fault,
// a TLB shootdown, or a copy-on-write divergence.
type Task struct {
	ID        string      `json:"id"`
	ParentID  string      `json:"parent_id"`
	Kind      string      `json:"kind"`
	What      string      `json:"what"`
	Where     string      `json:"where"`
	StartTime time.Time   `json:"start_time"`
	EndTime   time.Time   `json:"end_time"`
	Steps     []TaskStep  `json:"steps"`
	Detail    interface{} `json:"-"`
}

// TaskFilter selects interesting tasks. Returning true keeps the task.
type TaskFilter func(t Task) bool
