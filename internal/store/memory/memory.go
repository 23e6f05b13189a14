// Package memory is the in-memory Store backend. It backs mock mode and
// most of the test suite. A single mutex guards all maps; returned values
// are clones so callers never share state with the store.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/store"
)

type Store struct {
	mu       sync.Mutex
	tasks    map[string]*domain.Task
	locks    map[string]*domain.FileLock // keyed by path
	byToken  map[string]string           // lock token -> path
	contexts map[string]*domain.ConversationContext
	now      func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		tasks:    make(map[string]*domain.Task),
		locks:    make(map[string]*domain.FileLock),
		byToken:  make(map[string]string),
		contexts: make(map[string]*domain.ConversationContext),
		now:      time.Now,
	}
}

// SetClock overrides the store's clock. Tests use it to force expiry.
func (s *Store) SetClock(now func() time.Time) {
	s.mu.Lock()
	s.now = now
	s.mu.Unlock()
}

func (s *Store) EnqueueTask(_ context.Context, task *domain.Task) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t := cloneTask(task)
	t.ID = domain.NewTaskID()
	if t.Status == "" {
		t.Status = domain.StatusQueued
	}
	if t.Status == domain.StatusQueued {
		t.AssignedTo = ""
	}
	if !domain.ValidPriority(t.Priority) {
		t.Priority = domain.PriorityMedium
	}
	now := s.now()
	t.CreatedAt = now
	t.UpdatedAt = now
	s.tasks[t.ID] = t
	return t.ID, nil
}

func (s *Store) DequeueTask(_ context.Context, capabilities []string, exclude ...string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	skip := make(map[string]bool, len(exclude))
	for _, id := range exclude {
		skip[id] = true
	}
	var best *domain.Task
	for _, t := range s.tasks {
		if t.Status != domain.StatusQueued || skip[t.ID] {
			continue
		}
		if !domain.MatchesCapabilities(t.Type, capabilities) {
			continue
		}
		if best == nil || taskBefore(t, best) {
			best = t
		}
	}
	if best == nil {
		return nil, nil
	}
	return cloneTask(best), nil
}

// taskBefore reports whether a dequeues ahead of b: higher priority first,
// then oldest, then id for a stable total order.
func taskBefore(a, b *domain.Task) bool {
	ra, rb := a.Priority.Rank(), b.Priority.Rank()
	if ra != rb {
		return ra > rb
	}
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

func (s *Store) GetTask(_ context.Context, id string) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, nil
	}
	return cloneTask(t), nil
}

func (s *Store) UpdateTaskStatus(_ context.Context, id string, status domain.TaskStatus, assignee domain.Agent) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.TaskNotFound(id)
	}
	if !domain.CanTransition(t.Status, status) {
		if status == domain.StatusClaimed && t.Status != domain.StatusQueued {
			return nil, errors.TaskAlreadyClaimed(id)
		}
		return nil, errors.InvalidTransition(id, string(t.Status), string(status))
	}
	t.Status = status
	switch {
	case status == domain.StatusHandedOff:
		t.AssignedTo = ""
	case assignee != "":
		t.AssignedTo = assignee
	}
	t.UpdatedAt = s.now()
	return cloneTask(t), nil
}

func (s *Store) UpdateTaskResult(_ context.Context, id string, result domain.TaskResult) (*domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	t, ok := s.tasks[id]
	if !ok {
		return nil, errors.TaskNotFound(id)
	}
	target := domain.StatusCompleted
	if !result.Success {
		target = domain.StatusFailed
	}
	if !domain.CanTransition(t.Status, target) {
		return nil, errors.InvalidTransition(id, string(t.Status), string(target))
	}
	r := result
	t.Result = &r
	t.Status = target
	t.UpdatedAt = s.now()
	return cloneTask(t), nil
}

func (s *Store) GetSessionTasks(_ context.Context, sessionID string) ([]domain.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []domain.Task
	for _, t := range s.tasks {
		if t.SessionID == sessionID {
			out = append(out, *cloneTask(t))
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *Store) AcquireLock(_ context.Context, path string, owner domain.Agent, op domain.LockOperation, ttl time.Duration) (*domain.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	if held, ok := s.locks[path]; ok {
		if held.Expired(now) {
			delete(s.byToken, held.LockToken)
			delete(s.locks, path)
		} else {
			return nil, errors.FileAlreadyLocked(path, string(held.Owner)).WithDetails(map[string]any{
				"locked_by":  string(held.Owner),
				"operation":  string(held.Operation),
				"expires_at": held.ExpiresAt,
			})
		}
	}
	lock := &domain.FileLock{
		Path:       path,
		Owner:      owner,
		LockToken:  domain.NewLockToken(),
		Operation:  op,
		AcquiredAt: now,
		ExpiresAt:  now.Add(ttl),
	}
	s.locks[path] = lock
	s.byToken[lock.LockToken] = path
	out := *lock
	return &out, nil
}

func (s *Store) ReleaseLock(_ context.Context, token string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	path, ok := s.byToken[token]
	if !ok {
		return errors.LockNotFound(token)
	}
	delete(s.byToken, token)
	delete(s.locks, path)
	return nil
}

func (s *Store) IsLocked(_ context.Context, path string) (*domain.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	held, ok := s.locks[path]
	if !ok {
		return nil, nil
	}
	if held.Expired(s.now()) {
		delete(s.byToken, held.LockToken)
		delete(s.locks, path)
		return nil, nil
	}
	out := *held
	return &out, nil
}

func (s *Store) GetAllLocks(_ context.Context) ([]domain.FileLock, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now()
	var out []domain.FileLock
	for path, held := range s.locks {
		if held.Expired(now) {
			delete(s.byToken, held.LockToken)
			delete(s.locks, path)
			continue
		}
		out = append(out, *held)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].AcquiredAt.Equal(out[j].AcquiredAt) {
			return out[i].AcquiredAt.Before(out[j].AcquiredAt)
		}
		return out[i].Path < out[j].Path
	})
	return out, nil
}

func (s *Store) ReleaseAllLocksForAgent(_ context.Context, agent domain.Agent) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	released := 0
	for path, held := range s.locks {
		if held.Owner != agent {
			continue
		}
		delete(s.byToken, held.LockToken)
		delete(s.locks, path)
		released++
	}
	return released, nil
}

func (s *Store) SweepExpiredLocks(_ context.Context, now time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	swept := 0
	for path, held := range s.locks {
		if held.Expired(now) {
			delete(s.byToken, held.LockToken)
			delete(s.locks, path)
			swept++
		}
	}
	return swept, nil
}

func (s *Store) SaveContext(_ context.Context, c *domain.ConversationContext) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	saved := cloneContext(c)
	if saved.ID == "" {
		saved.ID = domain.NewContextID()
		c.ID = saved.ID
	}
	saved.LastUpdated = s.now()
	s.contexts[saved.ID] = saved
	return nil
}

func (s *Store) LoadContext(_ context.Context, id string) (*domain.ConversationContext, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[id]
	if !ok {
		return nil, errors.ContextNotFound(id)
	}
	return cloneContext(c), nil
}

func (s *Store) AppendMessage(_ context.Context, contextID string, msg domain.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.contexts[contextID]
	if !ok {
		return errors.ContextNotFound(contextID)
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = s.now()
	}
	c.Messages = append(c.Messages, msg)
	c.LastUpdated = s.now()
	return nil
}

func (s *Store) Close() error { return nil }

func cloneTask(t *domain.Task) *domain.Task {
	out := *t
	out.Context.Files = append([]string(nil), t.Context.Files...)
	out.Context.Requirements = append([]string(nil), t.Context.Requirements...)
	out.Context.Constraints = append([]string(nil), t.Context.Constraints...)
	if t.Result != nil {
		r := *t.Result
		r.FilesModified = append([]string(nil), t.Result.FilesModified...)
		out.Result = &r
	}
	return &out
}

func cloneContext(c *domain.ConversationContext) *domain.ConversationContext {
	out := *c
	out.Messages = make([]domain.Message, len(c.Messages))
	copy(out.Messages, c.Messages)
	if c.SharedState != nil {
		out.SharedState = make(map[string]string, len(c.SharedState))
		for k, v := range c.SharedState {
			out.SharedState[k] = v
		}
	}
	return &out
}
