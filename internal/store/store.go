// Package store defines the durable state boundary: tasks, file locks, and
// conversation contexts. Two backends implement it, an in-memory map store
// used in mock mode and tests, and a sqlite store for durable operation.
package store

import (
	"context"
	"time"

	"github.com/okvist/collabd/internal/domain"
)

// Store is the single source of truth for persisted coordination state.
// All errors returned by implementations are *errors.Error values.
type Store interface {
	// EnqueueTask assigns a fresh id and timestamps, defaults the status to
	// queued, and persists the task. Returns the assigned id.
	EnqueueTask(ctx context.Context, task *domain.Task) (string, error)

	// DequeueTask returns the highest-priority queued task whose type is
	// covered by the offered capabilities, oldest first on ties. It is a
	// side-effect-free peek; the task stays queued. Ids in exclude are
	// skipped. Returns (nil, nil) when nothing matches.
	DequeueTask(ctx context.Context, capabilities []string, exclude ...string) (*domain.Task, error)

	// GetTask returns the task or (nil, nil) when absent.
	GetTask(ctx context.Context, id string) (*domain.Task, error)

	// UpdateTaskStatus moves a task along its lifecycle. The transition is
	// validated and applied conditionally on the current status, so exactly
	// one of two concurrent claims succeeds. assignee becomes the new
	// assigned_to for claimed and in-progress transitions; handed-off
	// always clears the assignment.
	UpdateTaskStatus(ctx context.Context, id string, status domain.TaskStatus, assignee domain.Agent) (*domain.Task, error)

	// UpdateTaskResult stores the result and derives the terminal status
	// from result.Success.
	UpdateTaskResult(ctx context.Context, id string, result domain.TaskResult) (*domain.Task, error)

	// GetSessionTasks returns every task in the session, oldest first.
	GetSessionTasks(ctx context.Context, sessionID string) ([]domain.Task, error)

	// AcquireLock grants an advisory lock on path or fails with
	// FILE_ALREADY_LOCKED naming the holder. Expired locks on the path are
	// swept first. The check-then-insert is atomic per path.
	AcquireLock(ctx context.Context, path string, owner domain.Agent, op domain.LockOperation, ttl time.Duration) (*domain.FileLock, error)

	// ReleaseLock removes the lock identified by token, or LOCK_NOT_FOUND.
	ReleaseLock(ctx context.Context, token string) error

	// IsLocked returns the live lock on path, or (nil, nil) when the path
	// is free or its lock has expired.
	IsLocked(ctx context.Context, path string) (*domain.FileLock, error)

	// GetAllLocks returns every live lock ordered by acquisition time.
	GetAllLocks(ctx context.Context) ([]domain.FileLock, error)

	// ReleaseAllLocksForAgent drops every lock the agent holds and returns
	// how many were released.
	ReleaseAllLocksForAgent(ctx context.Context, agent domain.Agent) (int, error)

	// SweepExpiredLocks removes locks whose expiry is at or before now.
	SweepExpiredLocks(ctx context.Context, now time.Time) (int, error)

	// SaveContext creates or wholesale-replaces a conversation context.
	SaveContext(ctx context.Context, c *domain.ConversationContext) error

	// LoadContext returns the context or CONTEXT_NOT_FOUND.
	LoadContext(ctx context.Context, id string) (*domain.ConversationContext, error)

	// AppendMessage appends one message to an existing context and bumps
	// last_updated. Fails with CONTEXT_NOT_FOUND for unknown ids.
	AppendMessage(ctx context.Context, contextID string, msg domain.Message) error

	Close() error
}
