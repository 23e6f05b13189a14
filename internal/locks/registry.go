// Package locks layers the multi-reader / single-writer access contract on
// top of the store's exclusive lock primitive. Write and delete grants are
// persisted; read slots live only in the registry's memory, which is
// authoritative for conflict decisions.
package locks

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/store"
)

// Grant is what a caller holds after a successful access request. Read
// grants carry no token; write and delete grants must be released by token.
type Grant struct {
	Path      string               `json:"path"`
	Operation domain.LockOperation `json:"operation"`
	Agent     domain.Agent         `json:"agent"`
	LockToken string               `json:"lock_token,omitempty"`
	ExpiresAt time.Time            `json:"expires_at"`
}

type readSlot struct {
	agent   domain.Agent
	expires time.Time
}

type Registry struct {
	store  store.Store
	logger *log.Logger
	ttl    time.Duration
	now    func() time.Time

	mu        sync.Mutex
	readers   map[string]map[domain.Agent]readSlot // path -> agent -> slot
	conflicts []domain.FileConflict
	retention time.Duration
}

func NewRegistry(st store.Store, ttl, conflictRetention time.Duration, logger *log.Logger) *Registry {
	return &Registry{
		store:     st,
		logger:    logger,
		ttl:       ttl,
		now:       time.Now,
		readers:   make(map[string]map[domain.Agent]readSlot),
		retention: conflictRetention,
	}
}

// SetClock overrides the registry's clock. Tests use it to force expiry.
func (r *Registry) SetClock(now func() time.Time) { r.now = now }

// RequestFileAccess grants path access under the reader/writer policy.
// Reads share; write and delete require the path to be entirely free.
// A denied write or delete leaves a FileConflict record behind.
func (r *Registry) RequestFileAccess(ctx context.Context, path string, op domain.LockOperation, agent domain.Agent) (*Grant, error) {
	switch op {
	case domain.OpRead:
		return r.requestRead(ctx, path, agent)
	case domain.OpWrite, domain.OpDelete:
		return r.requestExclusive(ctx, path, op, agent)
	default:
		return nil, errors.InvalidArgument("unknown lock operation %q", op)
	}
}

func (r *Registry) requestRead(ctx context.Context, path string, agent domain.Agent) (*Grant, error) {
	held, err := r.store.IsLocked(ctx, path)
	if err != nil {
		return nil, err
	}
	if held != nil {
		// An exclusive holder blocks readers, even the holder itself;
		// it already has stronger access.
		return nil, errors.FileAlreadyLocked(path, string(held.Owner)).WithDetails(map[string]any{
			"locked_by":  string(held.Owner),
			"operation":  string(held.Operation),
			"expires_at": held.ExpiresAt,
		})
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepReadersLocked(r.now())
	slots := r.readers[path]
	if slots == nil {
		slots = make(map[domain.Agent]readSlot)
		r.readers[path] = slots
	}
	expires := r.now().Add(r.ttl)
	slots[agent] = readSlot{agent: agent, expires: expires}
	return &Grant{Path: path, Operation: domain.OpRead, Agent: agent, ExpiresAt: expires}, nil
}

func (r *Registry) requestExclusive(ctx context.Context, path string, op domain.LockOperation, agent domain.Agent) (*Grant, error) {
	r.mu.Lock()
	now := r.now()
	r.sweepReadersLocked(now)
	var blocker domain.Agent
	for holder := range r.readers[path] {
		if holder != agent {
			blocker = holder
			break
		}
	}
	if blocker != "" {
		r.recordConflictLocked(path, conflictKind(op), []domain.Agent{agent, blocker})
		r.mu.Unlock()
		return nil, errors.FileAlreadyLocked(path, string(blocker)).WithDetails(map[string]any{
			"locked_by": string(blocker),
			"operation": string(domain.OpRead),
		})
	}
	r.mu.Unlock()

	lock, err := r.store.AcquireLock(ctx, path, agent, op, r.ttl)
	if err != nil {
		if errors.CodeOf(err) == errors.CodeFileAlreadyLocked {
			holder := domain.Agent("")
			if appErr := errors.AsError(err); appErr != nil {
				if by, ok := appErr.Details["locked_by"].(string); ok {
					holder = domain.Agent(by)
				}
			}
			r.mu.Lock()
			r.recordConflictLocked(path, conflictKind(op), []domain.Agent{agent, holder})
			r.mu.Unlock()
		}
		return nil, err
	}
	// The writer absorbs its own read slot; it no longer needs it and a
	// stale entry would block the next writer.
	r.mu.Lock()
	if slots := r.readers[path]; slots != nil {
		delete(slots, agent)
		if len(slots) == 0 {
			delete(r.readers, path)
		}
	}
	r.mu.Unlock()
	return &Grant{
		Path:      path,
		Operation: op,
		Agent:     agent,
		LockToken: lock.LockToken,
		ExpiresAt: lock.ExpiresAt,
	}, nil
}

func conflictKind(op domain.LockOperation) domain.ConflictType {
	if op == domain.OpDelete {
		return domain.ConflictEditDeleted
	}
	return domain.ConflictSimultaneousWrite
}

// ReleaseFileAccess drops the grant. It is idempotent: releasing a grant
// that was never held, or whose lock already expired, still succeeds. Store
// failures are logged and swallowed.
func (r *Registry) ReleaseFileAccess(ctx context.Context, grant Grant) error {
	r.mu.Lock()
	if slots := r.readers[grant.Path]; slots != nil {
		delete(slots, grant.Agent)
		if len(slots) == 0 {
			delete(r.readers, grant.Path)
		}
	}
	r.mu.Unlock()

	if grant.LockToken != "" {
		if err := r.store.ReleaseLock(ctx, grant.LockToken); err != nil {
			r.logger.Printf("release of %s (token %s) failed: %v", grant.Path, grant.LockToken, err)
		}
	}
	return nil
}

// RequestBatchFileAccess grants every request or none. A failed pre-check
// rejects the whole batch with PARTIAL_GRANT listing each conflicting path;
// an interleaved failure during the grant phase rolls back.
func (r *Registry) RequestBatchFileAccess(ctx context.Context, requests []Grant) ([]Grant, error) {
	var conflicts []map[string]any
	for _, req := range requests {
		if blocked, holder := r.wouldBlock(ctx, req); blocked {
			conflicts = append(conflicts, map[string]any{
				"path":      req.Path,
				"operation": string(req.Operation),
				"locked_by": string(holder),
			})
		}
	}
	if len(conflicts) > 0 {
		e := errors.Retryable(errors.CodePartialGrant, "%d of %d requests conflict", len(conflicts), len(requests))
		return nil, e.WithDetails(map[string]any{"conflicts": conflicts})
	}

	granted := make([]Grant, 0, len(requests))
	for _, req := range requests {
		g, err := r.RequestFileAccess(ctx, req.Path, req.Operation, req.Agent)
		if err != nil {
			for _, rollback := range granted {
				r.ReleaseFileAccess(ctx, rollback)
			}
			return nil, err
		}
		granted = append(granted, *g)
	}
	return granted, nil
}

// wouldBlock pre-checks one request against the current state without
// acquiring anything.
func (r *Registry) wouldBlock(ctx context.Context, req Grant) (bool, domain.Agent) {
	held, err := r.store.IsLocked(ctx, req.Path)
	if err == nil && held != nil {
		return true, held.Owner
	}
	if req.Operation == domain.OpRead {
		return false, ""
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepReadersLocked(r.now())
	for holder := range r.readers[req.Path] {
		if holder != req.Agent {
			return true, holder
		}
	}
	return false, ""
}

// DetectConflicts returns retained conflicts for path. When none are
// retained but the path is held, a synthetic simultaneous-write conflict
// carrying the current holder is returned so callers can observe contention.
func (r *Registry) DetectConflicts(ctx context.Context, path string) ([]domain.FileConflict, error) {
	r.mu.Lock()
	r.pruneConflictsLocked(r.now())
	var out []domain.FileConflict
	for _, c := range r.conflicts {
		if c.Path == path {
			out = append(out, c)
		}
	}
	r.mu.Unlock()
	if len(out) > 0 {
		return out, nil
	}
	held, err := r.store.IsLocked(ctx, path)
	if err != nil {
		return nil, err
	}
	if held != nil {
		return []domain.FileConflict{{
			ID:           domain.NewConflictID(),
			Path:         path,
			Agents:       []domain.Agent{held.Owner},
			ConflictType: domain.ConflictSimultaneousWrite,
			DetectedAt:   r.now(),
		}}, nil
	}
	return nil, nil
}

// PendingConflicts returns every retained unresolved conflict.
func (r *Registry) PendingConflicts() []domain.FileConflict {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneConflictsLocked(r.now())
	var out []domain.FileConflict
	for _, c := range r.conflicts {
		if c.Resolution == nil {
			out = append(out, c)
		}
	}
	return out
}

// ResolveConflict marks a retained conflict resolved and returns it.
func (r *Registry) ResolveConflict(conflictID string, res domain.ConflictResolution) (*domain.FileConflict, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for i := range r.conflicts {
		if r.conflicts[i].ID != conflictID {
			continue
		}
		res.ResolvedAt = r.now()
		r.conflicts[i].Resolution = &res
		out := r.conflicts[i]
		return &out, nil
	}
	return nil, errors.ConflictNotFound(conflictID)
}

// Sweep drops expired store locks and read slots. The app sweeper calls it
// periodically and on cross-process store writes.
func (r *Registry) Sweep(ctx context.Context) (int, error) {
	now := r.now()
	r.mu.Lock()
	r.sweepReadersLocked(now)
	r.pruneConflictsLocked(now)
	r.mu.Unlock()
	return r.store.SweepExpiredLocks(ctx, now)
}

// ReadHolders returns the live read slots for status aggregation.
func (r *Registry) ReadHolders() []Grant {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sweepReadersLocked(r.now())
	var out []Grant
	for path, slots := range r.readers {
		for agent, slot := range slots {
			out = append(out, Grant{
				Path:      path,
				Operation: domain.OpRead,
				Agent:     agent,
				ExpiresAt: slot.expires,
			})
		}
	}
	return out
}

func (r *Registry) sweepReadersLocked(now time.Time) {
	for path, slots := range r.readers {
		for agent, slot := range slots {
			if !slot.expires.After(now) {
				delete(slots, agent)
			}
		}
		if len(slots) == 0 {
			delete(r.readers, path)
		}
	}
}

func (r *Registry) recordConflictLocked(path string, kind domain.ConflictType, agents []domain.Agent) {
	c := domain.FileConflict{
		ID:           domain.NewConflictID(),
		Path:         path,
		Agents:       agents,
		ConflictType: kind,
		DetectedAt:   r.now(),
	}
	r.conflicts = append(r.conflicts, c)
	r.logger.Printf("conflict %s on %s (%s)", c.ID, path, kind)
}

func (r *Registry) pruneConflictsLocked(now time.Time) {
	cutoff := now.Add(-r.retention)
	kept := r.conflicts[:0]
	for _, c := range r.conflicts {
		if c.DetectedAt.After(cutoff) {
			kept = append(kept, c)
		}
	}
	r.conflicts = kept
}
