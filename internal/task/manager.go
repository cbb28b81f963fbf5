package task

import (
	"context"
	"fmt"
	"log"
	"time"

	"github.com/google/uuid"

	"grindbot.ai/internal/store"
)

// ErrInvalidTransition rejects a state change the lifecycle does not allow,
// including any transition out of a terminal state.
type ErrInvalidTransition struct {
	TaskID string
	From   string
	To     string
}

func (e *ErrInvalidTransition) Error() string {
	return fmt.Sprintf("task %s: invalid transition %s -> %s", e.TaskID, e.From, e.To)
}

// transitions is the lifecycle DAG. Terminal states have no outgoing edges.
var transitions = map[string][]string{
	store.StateIdle:    {store.StatePending},
	store.StatePending: {store.StateRunning, store.StateCompleted, store.StateFailed},
	store.StateRunning: {store.StatePaused, store.StateCompleted, store.StateFailed},
	store.StatePaused:  {store.StateRunning, store.StateCompleted, store.StateFailed},
}

func canTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Manager enforces the task lifecycle on top of the store. One task per
// character may be non-terminal at a time; the store enforces that at create.
type Manager struct {
	store  *store.Store
	logger *log.Logger
	nowFn  func() time.Time
	newID  func() string
}

func NewManager(s *store.Store, logger *log.Logger) *Manager {
	return &Manager{
		store:  s,
		logger: logger,
		nowFn:  time.Now,
		newID:  uuid.NewString,
	}
}

// Create registers a new PENDING task and returns it. scriptName plus
// scriptArgs are the runner invocation to replay on recovery.
func (m *Manager) Create(ctx context.Context, character, taskType, scriptName string, scriptArgs []string, taskData map[string]any) (*store.Task, error) {
	if taskData == nil {
		taskData = map[string]any{}
	}
	now := m.nowFn().UTC()
	t := store.Task{
		ID:         m.newID(),
		Character:  character,
		TaskType:   taskType,
		ScriptName: scriptName,
		ScriptArgs: scriptArgs,
		TaskData:   taskData,
		State:      store.StatePending,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if err := m.store.CreateTask(ctx, t); err != nil {
		return nil, err
	}
	m.printf("task %s created for %s (%s)", t.ID, character, taskType)
	return &t, nil
}

// Start moves a PENDING task to RUNNING and records the runner's process id.
func (m *Manager) Start(ctx context.Context, id string, processID int) error {
	return m.transition(ctx, id, store.StateRunning, func(t *store.Task) {
		t.ProcessID = processID
	})
}

func (m *Manager) Pause(ctx context.Context, id string) error {
	return m.transition(ctx, id, store.StatePaused, nil)
}

// Resume moves a PAUSED (or recovered RUNNING) task back to RUNNING under a
// new process id.
func (m *Manager) Resume(ctx context.Context, id string, processID int) error {
	return m.transition(ctx, id, store.StateRunning, func(t *store.Task) {
		t.ProcessID = processID
	})
}

func (m *Manager) Complete(ctx context.Context, id string) error {
	return m.transition(ctx, id, store.StateCompleted, nil)
}

func (m *Manager) Fail(ctx context.Context, id, errorMessage string) error {
	return m.transition(ctx, id, store.StateFailed, func(t *store.Task) {
		t.ErrorMessage = errorMessage
	})
}

// Cancel is an operator stop: the task ends COMPLETED, not FAILED, with a
// canceled marker so the two are distinguishable afterwards.
func (m *Manager) Cancel(ctx context.Context, id string) error {
	return m.transition(ctx, id, store.StateCompleted, func(t *store.Task) {
		if t.TaskData == nil {
			t.TaskData = map[string]any{}
		}
		t.TaskData["canceled"] = true
	})
}

func (m *Manager) Get(ctx context.Context, id string) (*store.Task, error) {
	return m.store.GetTask(ctx, id)
}

// GetRunning returns the character's current non-terminal task, or nil.
func (m *Manager) GetRunning(ctx context.Context, character string) (*store.Task, error) {
	return m.store.GetActiveTask(ctx, character)
}

func (m *Manager) TasksForRecovery(ctx context.Context) ([]store.Task, error) {
	return m.store.GetTasksForRecovery(ctx)
}

// CleanupOld deletes terminal tasks older than daysToKeep.
func (m *Manager) CleanupOld(ctx context.Context, daysToKeep int) (int64, error) {
	if daysToKeep < 1 {
		daysToKeep = 1
	}
	cutoff := m.nowFn().UTC().AddDate(0, 0, -daysToKeep)
	n, err := m.store.DeleteTerminalTasksBefore(ctx, cutoff)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.printf("cleaned up %d terminal tasks older than %d days", n, daysToKeep)
	}
	return n, nil
}

// transition loads, validates, mutates and persists in one pass. Reading and
// writing are not atomic across processes, but only one writer ever owns a
// given task id: its runner, or the supervisor while no runner is alive.
func (m *Manager) transition(ctx context.Context, id, to string, mutate func(*store.Task)) error {
	t, err := m.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	if !canTransition(t.State, to) {
		return &ErrInvalidTransition{TaskID: id, From: t.State, To: to}
	}
	from := t.State
	t.State = to
	t.UpdatedAt = m.nowFn().UTC()
	if mutate != nil {
		mutate(t)
	}
	if err := m.store.UpdateTask(ctx, *t); err != nil {
		return err
	}
	m.printf("task %s: %s -> %s", id, from, to)
	return nil
}

func (m *Manager) printf(format string, args ...any) {
	if m != nil && m.logger != nil {
		m.logger.Printf(format, args...)
	}
}
