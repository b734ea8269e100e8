package server

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// TaskStatus defines the possible states of a task.
type TaskStatus string

const (
	TaskStatusStarted   TaskStatus = "started"
	TaskStatusRunning   TaskStatus = "running"
	TaskStatusCompleted TaskStatus = "completed"
	TaskStatusFailed    TaskStatus = "failed"
)

// maxFinishedTasks bounds how many finished tasks are remembered.
const maxFinishedTasks = 256

// Task represents a long-running maintenance operation (snapshot, rewrite).
type Task struct {
	mu         sync.RWMutex
	id         string
	kind       string
	status     TaskStatus
	err        string
	startedAt  time.Time
	finishedAt time.Time
}

// TaskView is the JSON form of a task.
type TaskView struct {
	ID         string     `json:"id"`
	Kind       string     `json:"kind"`
	Status     TaskStatus `json:"status"`
	Error      string     `json:"error,omitempty"`
	StartedAt  time.Time  `json:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty"`
}

// TaskManager tracks asynchronous tasks.
type TaskManager struct {
	mu       sync.RWMutex
	tasks    map[string]*Task
	finished []string
}

// NewTaskManager creates a new task manager.
func NewTaskManager() *TaskManager {
	return &TaskManager{
		tasks: make(map[string]*Task),
	}
}

// Run registers a task of the given kind and executes fn in a goroutine.
func (tm *TaskManager) Run(kind string, fn func() error) *Task {
	task := &Task{
		id:        uuid.New().String(),
		kind:      kind,
		status:    TaskStatusStarted,
		startedAt: time.Now(),
	}
	tm.mu.Lock()
	tm.tasks[task.id] = task
	tm.mu.Unlock()

	go func() {
		task.setStatus(TaskStatusRunning)
		task.finish(fn())
		tm.retire(task.id)
	}()
	return task
}

// GetTask retrieves a task by its ID.
func (tm *TaskManager) GetTask(id string) (*Task, bool) {
	tm.mu.RLock()
	defer tm.mu.RUnlock()
	task, found := tm.tasks[id]
	return task, found
}

// retire forgets the oldest finished tasks beyond maxFinishedTasks.
func (tm *TaskManager) retire(id string) {
	tm.mu.Lock()
	defer tm.mu.Unlock()
	tm.finished = append(tm.finished, id)
	for len(tm.finished) > maxFinishedTasks {
		delete(tm.tasks, tm.finished[0])
		tm.finished = tm.finished[1:]
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

func (t *Task) setStatus(status TaskStatus) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.status = status
}

func (t *Task) finish(err error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.finishedAt = time.Now()
	if err != nil {
		t.status = TaskStatusFailed
		t.err = err.Error()
		return
	}
	t.status = TaskStatusCompleted
}

// View returns a consistent copy for serialization.
func (t *Task) View() TaskView {
	t.mu.RLock()
	defer t.mu.RUnlock()
	v := TaskView{
		ID:        t.id,
		Kind:      t.kind,
		Status:    t.status,
		Error:     t.err,
		StartedAt: t.startedAt,
	}
	if !t.finishedAt.IsZero() {
		f := t.finishedAt
		v.FinishedAt = &f
	}
	return v
}
