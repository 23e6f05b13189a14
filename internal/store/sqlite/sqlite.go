// Package sqlite is the durable Store backend. One connection, WAL mode,
// timestamps stored as epoch milliseconds, JSON blobs for nested fields.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log"
	"time"

	_ "modernc.org/sqlite"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/store"
)

const schema = `
CREATE TABLE IF NOT EXISTS tasks (
	id          TEXT PRIMARY KEY,
	session_id  TEXT NOT NULL DEFAULT '',
	type        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	priority    TEXT NOT NULL DEFAULT 'medium',
	status      TEXT NOT NULL DEFAULT 'queued',
	assigned_to TEXT NOT NULL DEFAULT '',
	context     TEXT NOT NULL DEFAULT '{}',
	result      TEXT,
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_tasks_status ON tasks(status);
CREATE INDEX IF NOT EXISTS idx_tasks_session ON tasks(session_id);
CREATE INDEX IF NOT EXISTS idx_tasks_status_type ON tasks(status, type);

CREATE TABLE IF NOT EXISTS file_locks (
	path        TEXT PRIMARY KEY,
	owner       TEXT NOT NULL,
	lock_token  TEXT NOT NULL UNIQUE,
	operation   TEXT NOT NULL,
	acquired_at INTEGER NOT NULL,
	expires_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_file_locks_expires ON file_locks(expires_at);

CREATE TABLE IF NOT EXISTS contexts (
	id           TEXT PRIMARY KEY,
	messages     TEXT NOT NULL DEFAULT '[]',
	shared_state TEXT NOT NULL DEFAULT '{}',
	last_updated INTEGER NOT NULL
);
`

type Store struct {
	db     *sql.DB
	logger *log.Logger
	now    func() time.Time
	notify func()
}

var _ store.Store = (*Store)(nil)

// Open opens (creating if needed) the database at path and runs migrations.
func Open(path string, logger *log.Logger) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite %s: %w", path, err)
	}
	// Single writer connection; WAL lets a sibling process read while we hold it.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL;",
		"PRAGMA busy_timeout=5000;",
		"PRAGMA foreign_keys=ON;",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("apply %s: %w", pragma, err)
		}
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	logger.Printf("state store ready: %s", path)
	return &Store{db: db, logger: logger, now: time.Now, notify: func() {}}, nil
}

// SetNotifyHook installs a callback invoked after every successful mutation.
// The app layer points it at the signal-file toucher.
func (s *Store) SetNotifyHook(fn func()) {
	if fn != nil {
		s.notify = fn
	}
}

// SetClock overrides the store's clock. Tests use it to force expiry.
func (s *Store) SetClock(now func() time.Time) { s.now = now }

func (s *Store) Close() error { return s.db.Close() }

func toMS(t time.Time) int64 { return t.UnixMilli() }

func fromMS(ms int64) time.Time { return time.UnixMilli(ms).UTC() }

func (s *Store) EnqueueTask(ctx context.Context, task *domain.Task) (string, error) {
	id := domain.NewTaskID()
	status := task.Status
	if status == "" {
		status = domain.StatusQueued
	}
	priority := task.Priority
	if !domain.ValidPriority(priority) {
		priority = domain.PriorityMedium
	}
	ctxJSON, err := json.Marshal(task.Context)
	if err != nil {
		return "", errors.Wrap(errors.CodeEnqueueError, err, "encode task context")
	}
	now := toMS(s.now())
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tasks (id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, '', ?, NULL, ?, ?)`,
		id, task.SessionID, string(task.Type), task.Description,
		string(priority), string(status), string(ctxJSON), now, now)
	if err != nil {
		return "", errors.Wrap(errors.CodeEnqueueError, err, "insert task")
	}
	s.notify()
	return id, nil
}

// Priority ranks as a SQL expression so the queue order lives in one place
// per backend. Matches domain.Priority.Rank.
const priorityRank = `CASE priority
	WHEN 'urgent' THEN 4 WHEN 'high' THEN 3 WHEN 'medium' THEN 2 WHEN 'low' THEN 1 ELSE 0 END`

func (s *Store) DequeueTask(ctx context.Context, capabilities []string, exclude ...string) (*domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE status = 'queued'
		ORDER BY `+priorityRank+` DESC, created_at ASC, id ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDequeueError, err, "scan queued tasks")
	}
	defer rows.Close()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(errors.CodeDequeueError, err, "decode task row")
		}
		if skip[t.ID] || !domain.MatchesCapabilities(t.Type, capabilities) {
			continue
		}
		return t, nil
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(errors.CodeDequeueError, err, "iterate queued tasks")
	}
	return nil, nil
}

func (s *Store) GetTask(ctx context.Context, id string) (*domain.Task, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE id = ?`, id)
	t, err := scanTask(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeDequeueError, err, "read task %s", id)
	}
	return t, nil
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, assignee domain.Agent) (*domain.Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errors.TaskNotFound(id)
	}
	if !domain.CanTransition(current.Status, status) {
		if status == domain.StatusClaimed && current.Status != domain.StatusQueued {
			return nil, errors.TaskAlreadyClaimed(id)
		}
		return nil, errors.InvalidTransition(id, string(current.Status), string(status))
	}
	newAssignee := current.AssignedTo
	switch {
	case status == domain.StatusHandedOff:
		newAssignee = ""
	case assignee != "":
		newAssignee = assignee
	}
	// Conditional on the status we just read. A racing writer makes
	// RowsAffected zero and we report the conflict instead of clobbering.
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, assigned_to = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(status), string(newAssignee), toMS(s.now()), id, string(current.Status))
	if err != nil {
		return nil, errors.Wrap(errors.CodeUpdateTaskError, err, "update task %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, errors.Wrap(errors.CodeUpdateTaskError, err, "update task %s", id)
	}
	if n == 0 {
		if status == domain.StatusClaimed {
			return nil, errors.TaskAlreadyClaimed(id)
		}
		return nil, errors.InvalidTransition(id, string(current.Status), string(status))
	}
	s.notify()
	return s.GetTask(ctx, id)
}

func (s *Store) UpdateTaskResult(ctx context.Context, id string, result domain.TaskResult) (*domain.Task, error) {
	current, err := s.GetTask(ctx, id)
	if err != nil {
		return nil, err
	}
	if current == nil {
		return nil, errors.TaskNotFound(id)
	}
	target := domain.StatusCompleted
	if !result.Success {
		target = domain.StatusFailed
	}
	if !domain.CanTransition(current.Status, target) {
		return nil, errors.InvalidTransition(id, string(current.Status), string(target))
	}
	resJSON, err := json.Marshal(result)
	if err != nil {
		return nil, errors.Wrap(errors.CodeUpdateTaskError, err, "encode result")
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE tasks SET status = ?, result = ?, updated_at = ?
		WHERE id = ? AND status = ?`,
		string(target), string(resJSON), toMS(s.now()), id, string(current.Status))
	if err != nil {
		return nil, errors.Wrap(errors.CodeUpdateTaskError, err, "store result for %s", id)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, errors.InvalidTransition(id, string(current.Status), string(target))
	}
	s.notify()
	return s.GetTask(ctx, id)
}

func (s *Store) GetSessionTasks(ctx context.Context, sessionID string) ([]domain.Task, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, session_id, type, description, priority, status, assigned_to, context, result, created_at, updated_at
		FROM tasks WHERE session_id = ? ORDER BY created_at ASC, id ASC`, sessionID)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDequeueError, err, "list session tasks")
	}
	defer rows.Close()

	var out []domain.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, errors.Wrap(errors.CodeDequeueError, err, "decode task row")
		}
		out = append(out, *t)
	}
	return out, rows.Err()
}

func (s *Store) AcquireLock(ctx context.Context, path string, owner domain.Agent, op domain.LockOperation, ttl time.Duration) (*domain.FileLock, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "begin lock tx")
	}
	defer tx.Rollback()

	now := s.now()
	if _, err := tx.ExecContext(ctx,
		`DELETE FROM file_locks WHERE path = ? AND expires_at <= ?`, path, toMS(now)); err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "sweep %s", path)
	}
	var holder, heldOp string
	var expiresMS int64
	err = tx.QueryRowContext(ctx,
		`SELECT owner, operation, expires_at FROM file_locks WHERE path = ?`, path).
		Scan(&holder, &heldOp, &expiresMS)
	switch {
	case err == nil:
		return nil, errors.FileAlreadyLocked(path, holder).WithDetails(map[string]any{
			"locked_by":  holder,
			"operation":  heldOp,
			"expires_at": fromMS(expiresMS),
		})
	case !stderrors.Is(err, sql.ErrNoRows):
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "check holder of %s", path)
	}

	lock := &domain.FileLock{
		Path:       path,
		Owner:      owner,
		LockToken:  domain.NewLockToken(),
		Operation:  op,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO file_locks (path, owner, lock_token, operation, acquired_at, expires_at)
		VALUES (?, ?, ?, ?, ?, ?)`,
		lock.Path, string(lock.Owner), lock.LockToken, string(lock.Operation),
		toMS(lock.AcquiredAt), toMS(lock.ExpiresAt)); err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "insert lock on %s", path)
	}
	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "commit lock on %s", path)
	}
	s.notify()
	return lock, nil
}

func (s *Store) ReleaseLock(ctx context.Context, token string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE lock_token = ?`, token)
	if err != nil {
		return errors.Wrap(errors.CodeLockStoreError, err, "release token %s", token)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return errors.LockNotFound(token)
	}
	s.notify()
	return nil
}

func (s *Store) IsLocked(ctx context.Context, path string) (*domain.FileLock, error) {
	now := toMS(s.now())
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM file_locks WHERE path = ? AND expires_at <= ?`, path, now); err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "sweep %s", path)
	}
	row := s.db.QueryRowContext(ctx, `
		SELECT path, owner, lock_token, operation, acquired_at, expires_at
		FROM file_locks WHERE path = ?`, path)
	lock, err := scanLock(row)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "read lock on %s", path)
	}
	return lock, nil
}

func (s *Store) GetAllLocks(ctx context.Context) ([]domain.FileLock, error) {
	now := toMS(s.now())
	if _, err := s.db.ExecContext(ctx,
		`DELETE FROM file_locks WHERE expires_at <= ?`, now); err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "sweep expired locks")
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT path, owner, lock_token, operation, acquired_at, expires_at
		FROM file_locks ORDER BY acquired_at ASC, path ASC`)
	if err != nil {
		return nil, errors.Wrap(errors.CodeLockStoreError, err, "list locks")
	}
	defer rows.Close()

	var out []domain.FileLock
	for rows.Next() {
		lock, err := scanLock(rows)
		if err != nil {
			return nil, errors.Wrap(errors.CodeLockStoreError, err, "decode lock row")
		}
		out = append(out, *lock)
	}
	return out, rows.Err()
}

func (s *Store) ReleaseAllLocksForAgent(ctx context.Context, agent domain.Agent) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE owner = ?`, string(agent))
	if err != nil {
		return 0, errors.Wrap(errors.CodeLockStoreError, err, "release locks for %s", agent)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notify()
	}
	return int(n), nil
}

func (s *Store) SweepExpiredLocks(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `DELETE FROM file_locks WHERE expires_at <= ?`, toMS(now))
	if err != nil {
		return 0, errors.Wrap(errors.CodeLockStoreError, err, "sweep expired locks")
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		s.notify()
	}
	return int(n), nil
}

func (s *Store) SaveContext(ctx context.Context, c *domain.ConversationContext) error {
	if c.ID == "" {
		c.ID = domain.NewContextID()
	}
	msgs, err := json.Marshal(c.Messages)
	if err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "encode messages")
	}
	state, err := json.Marshal(c.SharedState)
	if err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "encode shared state")
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO contexts (id, messages, shared_state, last_updated) VALUES (?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET messages = excluded.messages,
			shared_state = excluded.shared_state, last_updated = excluded.last_updated`,
		c.ID, string(msgs), string(state), toMS(s.now()))
	if err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "save context %s", c.ID)
	}
	s.notify()
	return nil
}

func (s *Store) LoadContext(ctx context.Context, id string) (*domain.ConversationContext, error) {
	var msgs, state string
	var updatedMS int64
	err := s.db.QueryRowContext(ctx,
		`SELECT messages, shared_state, last_updated FROM contexts WHERE id = ?`, id).
		Scan(&msgs, &state, &updatedMS)
	if stderrors.Is(err, sql.ErrNoRows) {
		return nil, errors.ContextNotFound(id)
	}
	if err != nil {
		return nil, errors.Wrap(errors.CodeContextSaveError, err, "load context %s", id)
	}
	c := &domain.ConversationContext{ID: id, LastUpdated: fromMS(updatedMS)}
	if err := json.Unmarshal([]byte(msgs), &c.Messages); err != nil {
		return nil, errors.Wrap(errors.CodeContextSaveError, err, "decode messages of %s", id)
	}
	if err := json.Unmarshal([]byte(state), &c.SharedState); err != nil {
		return nil, errors.Wrap(errors.CodeContextSaveError, err, "decode shared state of %s", id)
	}
	return c, nil
}

func (s *Store) AppendMessage(ctx context.Context, contextID string, msg domain.Message) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "begin append tx")
	}
	defer tx.Rollback()

	var raw string
	err = tx.QueryRowContext(ctx,
		`SELECT messages FROM contexts WHERE id = ?`, contextID).Scan(&raw)
	if stderrors.Is(err, sql.ErrNoRows) {
		return errors.ContextNotFound(contextID)
	}
	if err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "read context %s", contextID)
	}
	var msgs []domain.Message
	if err := json.Unmarshal([]byte(raw), &msgs); err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "decode messages of %s", contextID)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	msgs = append(msgs, msg)
	encoded, err := json.Marshal(msgs)
	if err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "encode messages of %s", contextID)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE contexts SET messages = ?, last_updated = ? WHERE id = ?`,
		string(encoded), toMS(s.now()), contextID); err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "append to %s", contextID)
	}
	if err := tx.Commit(); err != nil {
		return errors.Wrap(errors.CodeContextSaveError, err, "commit append to %s", contextID)
	}
	s.notify()
	return nil
}

// CountTasksByStatus tallies tasks per status. The status CLI subcommand
// uses it; it is not part of the Store interface.
func (s *Store) CountTasksByStatus(ctx context.Context) (map[domain.TaskStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT status, COUNT(*) FROM tasks GROUP BY status`)
	if err != nil {
		return nil, errors.Wrap(errors.CodeDequeueError, err, "count tasks")
	}
	defer rows.Close()

	out := make(map[domain.TaskStatus]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, errors.Wrap(errors.CodeDequeueError, err, "count tasks")
		}
		out[domain.TaskStatus(status)] = n
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (*domain.Task, error) {
	var t domain.Task
	var typ, priority, status, assignedTo, ctxJSON string
	var resJSON sql.NullString
	var createdMS, updatedMS int64
	err := row.Scan(&t.ID, &t.SessionID, &typ, &t.Description, &priority,
		&status, &assignedTo, &ctxJSON, &resJSON, &createdMS, &updatedMS)
	if err != nil {
		return nil, err
	}
	t.Type = domain.TaskType(typ)
	t.Priority = domain.Priority(priority)
	t.Status = domain.TaskStatus(status)
	t.AssignedTo = domain.Agent(assignedTo)
	t.CreatedAt = fromMS(createdMS)
	t.UpdatedAt = fromMS(updatedMS)
	if err := json.Unmarshal([]byte(ctxJSON), &t.Context); err != nil {
		return nil, fmt.Errorf("task %s context: %w", t.ID, err)
	}
	if resJSON.Valid && resJSON.String != "" {
		t.Result = &domain.TaskResult{}
		if err := json.Unmarshal([]byte(resJSON.String), t.Result); err != nil {
			return nil, fmt.Errorf("task %s result: %w", t.ID, err)
		}
	}
	return &t, nil
}

func scanLock(row rowScanner) (*domain.FileLock, error) {
	var l domain.FileLock
	var owner, op string
	var acquiredMS, expiresMS int64
	err := row.Scan(&l.Path, &owner, &l.LockToken, &op, &acquiredMS, &expiresMS)
	if err != nil {
		return nil, err
	}
	l.Owner = domain.Agent(owner)
	l.Operation = domain.LockOperation(op)
	l.AcquiredAt = fromMS(acquiredMS)
	l.ExpiresAt = fromMS(expiresMS)
	return &l, nil
}
