package queue

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"

	"disburse/internal/domain"
	"disburse/internal/store"
)

var (
	ErrNotFound        = errors.New("task not found")
	ErrVersionConflict = errors.New("task was modified concurrently")
)

// ActorScheduler marks history rows written by the scheduler engine and the
// task strategies.
const ActorScheduler = "scheduler"

var node, _ = os.Hostname()

type Repository interface {
	Create(ctx context.Context, t domain.Task) (domain.Task, error)
	Get(ctx context.Context, id string) (domain.Task, error)
	Due(ctx context.Context, now time.Time, limit int) ([]domain.Task, error)
	Complete(ctx context.Context, t domain.Task, msg string) error
	Fail(ctx context.Context, t domain.Task, msg string, next time.Time) error
	Defer(ctx context.Context, t domain.Task, msg string, next time.Time) error
	Manual(ctx context.Context, t domain.Task, msg string) error
	Update(ctx context.Context, id string, status domain.Status, msg string, next time.Time, actor string) (domain.Task, error)
	Rerun(ctx context.Context, id, actor string) (domain.Task, error)
	List(ctx context.Context, f Filter) ([]domain.Task, int, error)
	History(ctx context.Context, id string) ([]domain.TaskHistory, error)
}

// Filter selects tasks for the admin listing. Page is 1-based.
type Filter struct {
	Statuses []domain.Status
	Kind     domain.Kind
	After    time.Time
	Page     int
	PageSize int
}

type Tasks struct{ q store.Querier }

// New binds the task ledger to q, which may be the database or an open
// transaction.
func New(q store.Querier) *Tasks { return &Tasks{q: q} }

const taskColumns = `id,kind,payload,status,attempt,version,correlation_key,created_at,updated_at,scheduled_for,message`

func (r *Tasks) Create(ctx context.Context, t domain.Task) (domain.Task, error) {
	now := time.Now().UTC()
	if t.ID == "" {
		t.ID = "tsk_" + uuid.NewString()
	}
	if t.Payload == nil {
		t.Payload = []byte("{}")
	}
	if t.ScheduledFor.IsZero() {
		t.ScheduledFor = now
	}
	t.Status = domain.StatusInProgress
	t.Attempt = 0
	t.Version = 0
	t.CreatedAt = now
	t.UpdatedAt = now
	t.ScheduledFor = t.ScheduledFor.UTC()

	_, err := r.q.ExecContext(ctx, `
INSERT INTO task (`+taskColumns+`)
VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, string(t.Kind), t.Payload, string(t.Status), t.Attempt, t.Version, t.CorrelationKey,
		t.CreatedAt, t.UpdatedAt, t.ScheduledFor, t.Message)
	if err != nil {
		return domain.Task{}, fmt.Errorf("insert task: %w", err)
	}
	if err := r.record(ctx, t, ActorScheduler); err != nil {
		return domain.Task{}, err
	}
	return t, nil
}

func (r *Tasks) Get(ctx context.Context, id string) (domain.Task, error) {
	row := r.q.QueryRowContext(ctx, `SELECT `+taskColumns+` FROM task WHERE id = ?`, id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Task{}, ErrNotFound
	}
	return t, err
}

// Due returns runnable tasks scheduled at or before now, oldest first.
func (r *Tasks) Due(ctx context.Context, now time.Time, limit int) ([]domain.Task, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT `+taskColumns+`
FROM task
WHERE status IN ('IN_PROGRESS','FAIL') AND scheduled_for <= ?
ORDER BY scheduled_for ASC, created_at ASC
LIMIT ?`, now.UTC(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tasks []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

func (r *Tasks) Complete(ctx context.Context, t domain.Task, msg string) error {
	t.Status = domain.StatusComplete
	t.Message = msg
	return r.transition(ctx, t, ActorScheduler)
}

// Fail records a failed attempt and schedules the next one.
func (r *Tasks) Fail(ctx context.Context, t domain.Task, msg string, next time.Time) error {
	t.Status = domain.StatusFail
	t.Attempt++
	t.Message = msg
	t.ScheduledFor = next
	return r.transition(ctx, t, ActorScheduler)
}

// Defer keeps the task in progress but moves it to next; used when the work
// is waiting on someone else rather than failing.
func (r *Tasks) Defer(ctx context.Context, t domain.Task, msg string, next time.Time) error {
	t.Status = domain.StatusInProgress
	t.Attempt++
	t.Message = msg
	t.ScheduledFor = next
	return r.transition(ctx, t, ActorScheduler)
}

func (r *Tasks) Manual(ctx context.Context, t domain.Task, msg string) error {
	t.Status = domain.StatusManual
	t.Attempt++
	t.Message = msg
	return r.transition(ctx, t, ActorScheduler)
}

// Update overrides status and message on behalf of an operator.
func (r *Tasks) Update(ctx context.Context, id string, status domain.Status, msg string, next time.Time, actor string) (domain.Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = status
	t.Message = msg
	if !next.IsZero() {
		t.ScheduledFor = next
	}
	if err := r.transition(ctx, t, actor); err != nil {
		return domain.Task{}, err
	}
	return r.Get(ctx, id)
}

// Rerun puts a task back in progress with a fresh attempt counter.
func (r *Tasks) Rerun(ctx context.Context, id, actor string) (domain.Task, error) {
	t, err := r.Get(ctx, id)
	if err != nil {
		return domain.Task{}, err
	}
	t.Status = domain.StatusInProgress
	t.Attempt = 0
	t.Message = "rerun by " + actor
	t.ScheduledFor = time.Now().UTC()
	if err := r.transition(ctx, t, actor); err != nil {
		return domain.Task{}, err
	}
	return r.Get(ctx, id)
}

func (r *Tasks) List(ctx context.Context, f Filter) ([]domain.Task, int, error) {
	var (
		where []string
		args  []any
	)
	if len(f.Statuses) > 0 {
		marks := make([]string, len(f.Statuses))
		for i, s := range f.Statuses {
			marks[i] = "?"
			args = append(args, string(s))
		}
		where = append(where, "status IN ("+strings.Join(marks, ",")+")")
	}
	if f.Kind != "" {
		where = append(where, "kind = ?")
		args = append(args, string(f.Kind))
	}
	if !f.After.IsZero() {
		where = append(where, "created_at >= ?")
		args = append(args, f.After.UTC())
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := r.q.QueryRowContext(ctx, `SELECT COUNT(*) FROM task`+clause, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	page, size := f.Page, f.PageSize
	if page < 1 {
		page = 1
	}
	if size < 1 {
		size = 20
	}
	rows, err := r.q.QueryContext(ctx, `SELECT `+taskColumns+` FROM task`+clause+` ORDER BY created_at DESC, id ASC LIMIT ? OFFSET ?`,
		append(args, size, (page-1)*size)...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	tasks := []domain.Task{}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, 0, err
		}
		tasks = append(tasks, t)
	}
	return tasks, total, rows.Err()
}

func (r *Tasks) History(ctx context.Context, id string) ([]domain.TaskHistory, error) {
	rows, err := r.q.QueryContext(ctx, `
SELECT id,task_id,status,attempt,message,actor,node,created_at
FROM task_history WHERE task_id = ? ORDER BY created_at ASC, id ASC`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	history := []domain.TaskHistory{}
	for rows.Next() {
		var (
			h      domain.TaskHistory
			status string
		)
		if err := rows.Scan(&h.ID, &h.TaskID, &status, &h.Attempt, &h.Message, &h.Actor, &h.Node, &h.CreatedAt); err != nil {
			return nil, err
		}
		h.Status = domain.Status(status)
		h.CreatedAt = h.CreatedAt.UTC()
		history = append(history, h)
	}
	return history, rows.Err()
}

// transition writes t guarded by the version it was read with and appends a
// history row.
func (r *Tasks) transition(ctx context.Context, t domain.Task, actor string) error {
	now := time.Now().UTC()
	res, err := r.q.ExecContext(ctx, `
UPDATE task
SET status = ?, attempt = ?, message = ?, scheduled_for = ?, updated_at = ?, version = version + 1
WHERE id = ? AND version = ?`,
		string(t.Status), t.Attempt, t.Message, t.ScheduledFor.UTC(), now, t.ID, t.Version)
	if err != nil {
		return fmt.Errorf("update task %s: %w", t.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if _, err := r.Get(ctx, t.ID); err != nil {
			return err
		}
		return fmt.Errorf("%w: %s", ErrVersionConflict, t.ID)
	}
	t.UpdatedAt = now
	return r.record(ctx, t, actor)
}

func (r *Tasks) record(ctx context.Context, t domain.Task, actor string) error {
	// uuid v7 keeps history ids ordered within the same timestamp
	id, err := uuid.NewV7()
	if err != nil {
		return err
	}
	_, err = r.q.ExecContext(ctx, `
INSERT INTO task_history (id,task_id,status,attempt,message,actor,node,created_at)
VALUES (?,?,?,?,?,?,?,?)`,
		id.String(), t.ID, string(t.Status), t.Attempt, t.Message, actor, node, t.UpdatedAt)
	if err != nil {
		return fmt.Errorf("insert task history: %w", err)
	}
	return nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanTask(s scanner) (domain.Task, error) {
	var (
		t            domain.Task
		kind, status string
	)
	if err := s.Scan(&t.ID, &kind, &t.Payload, &status, &t.Attempt, &t.Version, &t.CorrelationKey,
		&t.CreatedAt, &t.UpdatedAt, &t.ScheduledFor, &t.Message); err != nil {
		return domain.Task{}, err
	}
	t.Kind = domain.Kind(kind)
	t.Status = domain.Status(status)
	t.CreatedAt = t.CreatedAt.UTC()
	t.UpdatedAt = t.UpdatedAt.UTC()
	t.ScheduledFor = t.ScheduledFor.UTC()
	return t, nil
}
