package tracing

import (
	"sync"
	"time"

	"github.com/kestrelos/kestrel/hooking"
	"github.com/kestrelos/kestrel/recording"
)

// taskEntry is the flat row shape persisted for one finished task.
type taskEntry struct {
	ID        string
	ParentID  string
	Kind      string
	What      string
	Where     string
	StartTime int64
	EndTime   int64
}

// A DBTracer hooks onto a component and persists every finished task into a
// recorder table. It only keeps tasks the filter accepts; a nil filter keeps
// everything.
type DBTracer struct {
	recorder  recording.Recorder
	tableName string
	filter    TaskFilter

	mu         sync.Mutex
	inProgress map[string]Task
}

// NewDBTracer creates a tracer that writes finished tasks into the named
// table of the recorder.
func NewDBTracer(recorder recording.Recorder, tableName string) *DBTracer {
	t := &DBTracer{
		recorder:   recorder,
		tableName:  tableName,
		inProgress: make(map[string]Task),
	}
	recorder.CreateTable(tableName, taskEntry{})

	return t
}

// WithFilter restricts recording to tasks the filter accepts.
func (t *DBTracer) WithFilter(f TaskFilter) *DBTracer {
	t.filter = f
	return t
}

// Func implements hooking.Hook by tracking the task lifecycle.
func (t *DBTracer) Func(ctx hooking.HookCtx) {
	task, ok := ctx.Item.(Task)
	if !ok {
		return
	}

	switch ctx.Pos {
	case HookPosTaskStart:
		t.startTask(task)
	case HookPosTaskStep:
		t.stepTask(task)
	case HookPosTaskEnd:
		t.endTask(task)
	}
}

func (t *DBTracer) startTask(task Task) {
	task.StartTime = time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	t.inProgress[task.ID] = task
}

func (t *DBTracer) stepTask(step Task) {
	t.mu.Lock()
	defer t.mu.Unlock()

	task, ok := t.inProgress[step.ID]
	if !ok {
		return
	}

	for _, s := range step.Steps {
		s.Time = time.Now()
		task.Steps = append(task.Steps, s)
	}
	t.inProgress[step.ID] = task
}

func (t *DBTracer) endTask(end Task) {
	t.mu.Lock()
	task, ok := t.inProgress[end.ID]
	delete(t.inProgress, end.ID)
	t.mu.Unlock()

	if !ok {
		return
	}

	task.EndTime = time.Now()

	if t.filter != nil && !t.filter(task) {
		return
	}

	t.recorder.InsertData(t.tableName, taskEntry{
		ID:        task.ID,
		ParentID:  task.ParentID,
		Kind:      task.Kind,
		What:      task.What,
		Where:     task.Where,
		StartTime: task.StartTime.UnixNano(),
		EndTime:   task.EndTime.UnixNano(),
	})
}
