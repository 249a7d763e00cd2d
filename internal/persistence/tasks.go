package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/halyard/stackgraph/internal/errs"
)

type TaskState string

const (
	TaskPending    TaskState = "pending"
	TaskInProgress TaskState = "in_progress"
	TaskCompleted  TaskState = "completed"
	TaskFailed     TaskState = "failed"
	TaskCancelled  TaskState = "cancelled"
)

// allowedTransitions is the closed task state machine. Terminal states have
// no outgoing edges.
var allowedTransitions = map[TaskState]map[TaskState]struct{}{
	TaskPending: {
		TaskInProgress: {},
		TaskCancelled:  {},
	},
	TaskInProgress: {
		TaskCompleted: {},
		TaskFailed:    {},
		TaskCancelled: {},
	},
}

func canTransition(from, to TaskState) bool {
	next, ok := allowedTransitions[from]
	if !ok {
		return false
	}
	_, ok = next[to]
	return ok
}

// Terminal reports whether a state has no outgoing transitions.
func Terminal(s TaskState) bool {
	return len(allowedTransitions[s]) == 0
}

// Task is one unit of agent work.
type Task struct {
	ID          string     `json:"id"`
	AgentKind   string     `json:"agent_kind"`
	Description string     `json:"description"`
	Payload     string     `json:"payload"`
	State       TaskState  `json:"state"`
	Result      string     `json:"result,omitempty"`
	Error       string     `json:"error,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// TaskEvent is one recorded state transition.
type TaskEvent struct {
	ID        int64     `json:"id"`
	TaskID    string    `json:"task_id"`
	FromState TaskState `json:"from_state"`
	ToState   TaskState `json:"to_state"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

// CreateTask inserts a new pending task and returns its id.
func (s *Store) CreateTask(ctx context.Context, agentKind, description, payload string) (string, error) {
	if agentKind == "" {
		return "", errs.Ef("persistence.CreateTask", errs.KindBadRequest, "agent kind is required")
	}
	if payload == "" {
		payload = "{}"
	}
	id := uuid.NewString()
	now := time.Now().UTC()
	err := retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO tasks (id, agent_kind, description, payload, state, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			id, agentKind, description, payload, TaskPending, now, now)
		return err
	})
	if err != nil {
		return "", errs.E("persistence.CreateTask", errs.KindTransientIO, err)
	}
	return id, nil
}

// GetTask fetches one task by id.
func (s *Store) GetTask(ctx context.Context, id string) (*Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, agent_kind, description, payload, state, result, error,
		       created_at, updated_at, started_at, finished_at
		FROM tasks WHERE id = ?`, id)
	task, err := scanTask(row.Scan)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errs.Ef("persistence.GetTask", errs.KindNotFound, "task %s not found", id)
	}
	if err != nil {
		return nil, errs.E("persistence.GetTask", errs.KindTransientIO, err)
	}
	return task, nil
}

// ListTasks returns tasks filtered by state ("" means all), newest first.
func (s *Store) ListTasks(ctx context.Context, state TaskState, limit int) ([]Task, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, agent_kind, description, payload, state, result, error,
		       created_at, updated_at, started_at, finished_at
		FROM tasks`
	args := []any{}
	if state != "" {
		query += ` WHERE state = ?`
		args = append(args, state)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errs.E("persistence.ListTasks", errs.KindTransientIO, err)
	}
	defer rows.Close()

	var tasks []Task
	for rows.Next() {
		task, err := scanTask(rows.Scan)
		if err != nil {
			return nil, errs.E("persistence.ListTasks", errs.KindTransientIO, err)
		}
		tasks = append(tasks, *task)
	}
	if err := rows.Err(); err != nil {
		return nil, errs.E("persistence.ListTasks", errs.KindTransientIO, err)
	}
	return tasks, nil
}

// StartTask moves a pending task to in_progress.
func (s *Store) StartTask(ctx context.Context, id string) error {
	return s.transition(ctx, id, TaskInProgress, "", "")
}

// CompleteTask moves an in_progress task to completed with a result.
func (s *Store) CompleteTask(ctx context.Context, id, result string) error {
	return s.transition(ctx, id, TaskCompleted, result, "")
}

// FailTask moves an in_progress task to failed with an error message.
func (s *Store) FailTask(ctx context.Context, id, errMsg string) error {
	return s.transition(ctx, id, TaskFailed, "", errMsg)
}

// CancelTask cancels a pending or in_progress task. Cancelling a task that
// is already terminal fails the precondition.
func (s *Store) CancelTask(ctx context.Context, id string) error {
	return s.transition(ctx, id, TaskCancelled, "", "cancelled by request")
}

// transition applies one state machine edge inside a transaction and
// records the event. An edge not in allowedTransitions is rejected without
// touching the row.
func (s *Store) transition(ctx context.Context, id string, to TaskState, result, errMsg string) error {
	op := fmt.Sprintf("persistence.transition(%s)", to)
	return retryOnBusy(ctx, 5, func() error {
		tx, err := s.db.BeginTx(ctx, nil)
		if err != nil {
			return errs.E(op, errs.KindTransientIO, err)
		}
		defer tx.Rollback()

		var from TaskState
		err = tx.QueryRowContext(ctx, `SELECT state FROM tasks WHERE id = ?`, id).Scan(&from)
		if errors.Is(err, sql.ErrNoRows) {
			return errs.Ef(op, errs.KindNotFound, "task %s not found", id)
		}
		if err != nil {
			return errs.E(op, errs.KindTransientIO, err)
		}
		if !canTransition(from, to) {
			return errs.Ef(op, errs.KindPreconditionFailed, "task %s: invalid transition %s -> %s", id, from, to)
		}

		now := time.Now().UTC()
		set := `state = ?, updated_at = ?`
		args := []any{to, now}
		switch to {
		case TaskInProgress:
			set += `, started_at = ?`
			args = append(args, now)
		case TaskCompleted:
			set += `, result = ?, finished_at = ?`
			args = append(args, result, now)
		case TaskFailed, TaskCancelled:
			set += `, error = ?, finished_at = ?`
			args = append(args, errMsg, now)
		}
		args = append(args, id)
		if _, err := tx.ExecContext(ctx, `UPDATE tasks SET `+set+` WHERE id = ?`, args...); err != nil {
			return errs.E(op, errs.KindTransientIO, err)
		}

		detail := result
		if detail == "" {
			detail = errMsg
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO task_events (task_id, from_state, to_state, detail, created_at)
			VALUES (?, ?, ?, ?, ?)`,
			id, from, to, detail, now); err != nil {
			return errs.E(op, errs.KindTransientIO, err)
		}
		if err := tx.Commit(); err != nil {
			return errs.E(op, errs.KindTransientIO, err)
		}
		return nil
	})
}

// TaskEvents returns the transition history of a task in order.
func (s *Store) TaskEvents(ctx context.Context, taskID string) ([]TaskEvent, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, task_id, from_state, to_state, detail, created_at
		FROM task_events WHERE task_id = ? ORDER BY id`, taskID)
	if err != nil {
		return nil, errs.E("persistence.TaskEvents", errs.KindTransientIO, err)
	}
	defer rows.Close()

	var events []TaskEvent
	for rows.Next() {
		var ev TaskEvent
		var detail sql.NullString
		if err := rows.Scan(&ev.ID, &ev.TaskID, &ev.FromState, &ev.ToState, &detail, &ev.CreatedAt); err != nil {
			return nil, errs.E("persistence.TaskEvents", errs.KindTransientIO, err)
		}
		ev.Detail = detail.String
		events = append(events, ev)
	}
	return events, rows.Err()
}

// RecoverInProgress fails every in_progress task, run once at startup so a
// crash never strands work in a non-terminal state.
func (s *Store) RecoverInProgress(ctx context.Context) (int64, error) {
	tasks, err := s.ListTasks(ctx, TaskInProgress, 10000)
	if err != nil {
		return 0, err
	}
	var recovered int64
	for _, task := range tasks {
		if err := s.FailTask(ctx, task.ID, "interrupted by restart"); err != nil {
			return recovered, err
		}
		recovered++
	}
	return recovered, nil
}

func scanTask(scan func(dest ...any) error) (*Task, error) {
	var task Task
	var result, errMsg sql.NullString
	var started, finished sql.NullTime
	err := scan(&task.ID, &task.AgentKind, &task.Description, &task.Payload, &task.State,
		&result, &errMsg, &task.CreatedAt, &task.UpdatedAt, &started, &finished)
	if err != nil {
		return nil, err
	}
	task.Result = result.String
	task.Error = errMsg.String
	if started.Valid {
		t := started.Time
		task.StartedAt = &t
	}
	if finished.Valid {
		t := finished.Time
		task.FinishedAt = &t
	}
	return &task, nil
}
