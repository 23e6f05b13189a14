// Package queue exposes the three-phase task lifecycle to agents: discover,
// claim, execute/complete, plus mediated handoff and agent registration.
package queue

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/store"
)

// Queue coordinates task assignment. Handoffs and registrations are runtime
// state; tasks themselves live in the store.
type Queue struct {
	store         store.Store
	sink          domain.EventSink
	logger        *log.Logger
	discoverLimit int

	mu            sync.Mutex
	handoffs      map[string]*domain.Handoff
	registrations map[domain.Agent]*domain.AgentRegistration
	now           func() time.Time
}

func New(st store.Store, sink domain.EventSink, discoverLimit int, logger *log.Logger) *Queue {
	if discoverLimit < 1 {
		discoverLimit = 1
	}
	return &Queue{
		store:         st,
		sink:          sink,
		logger:        logger,
		discoverLimit: discoverLimit,
		handoffs:      make(map[string]*domain.Handoff),
		registrations: make(map[domain.Agent]*domain.AgentRegistration),
		now:           time.Now,
	}
}

// Enqueue adds a task to the queue. Used by session seeding and operators.
func (q *Queue) Enqueue(ctx context.Context, task *domain.Task) (string, error) {
	id, err := q.store.EnqueueTask(ctx, task)
	if err != nil {
		return "", err
	}
	q.logger.Printf("enqueued %s (%s, %s)", id, task.Type, task.Priority)
	return id, nil
}

// GetAvailableTasks peeks up to the configured number of queued tasks whose
// type the offered capabilities cover, best first. State is not mutated;
// racing pollers are resolved by the claim CAS.
func (q *Queue) GetAvailableTasks(ctx context.Context, capabilities []string) ([]domain.Task, error) {
	var out []domain.Task
	var exclude []string
	for len(out) < q.discoverLimit {
		t, err := q.store.DequeueTask(ctx, capabilities, exclude...)
		if err != nil {
			return nil, err
		}
		if t == nil {
			break
		}
		out = append(out, *t)
		exclude = append(exclude, t.ID)
	}
	return out, nil
}

// ClaimTask atomically assigns a queued task to agent. Exactly one of two
// concurrent claims wins; the loser gets TASK_ALREADY_CLAIMED.
func (q *Queue) ClaimTask(ctx context.Context, taskID string, agent domain.Agent) (*domain.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.TaskNotFound(taskID)
	}
	claimed, err := q.store.UpdateTaskStatus(ctx, taskID, domain.StatusClaimed, agent)
	if err != nil {
		return nil, err
	}
	q.logger.Printf("task %s claimed by %s", taskID, agent)
	q.emit(domain.CollaborationEvent{
		Type:      domain.EventTaskClaimed,
		SessionID: claimed.SessionID,
		TaskID:    claimed.ID,
		Agent:     agent,
	})
	return claimed, nil
}

// ReportProgress advances a claimed task to in-progress on the first report.
// Later reports on an in-progress task are accepted and ignored.
func (q *Queue) ReportProgress(ctx context.Context, taskID string, agent domain.Agent, progress domain.TaskProgress) (*domain.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.TaskNotFound(taskID)
	}
	if t.AssignedTo != agent {
		return nil, errors.TaskNotAssigned(taskID, string(agent))
	}
	switch t.Status {
	case domain.StatusClaimed, domain.StatusBlocked:
		return q.store.UpdateTaskStatus(ctx, taskID, domain.StatusInProgress, agent)
	case domain.StatusInProgress:
		return t, nil
	default:
		return nil, errors.InvalidTransition(taskID, string(t.Status), string(domain.StatusInProgress))
	}
}

// CompleteTask stores the result and derives the terminal status from
// result.Success. The caller must be the assignee.
func (q *Queue) CompleteTask(ctx context.Context, taskID string, agent domain.Agent, result domain.TaskResult) (*domain.Task, error) {
	t, err := q.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.TaskNotFound(taskID)
	}
	if t.AssignedTo != agent {
		return nil, errors.TaskNotAssigned(taskID, string(agent))
	}
	done, err := q.store.UpdateTaskResult(ctx, taskID, result)
	if err != nil {
		return nil, err
	}
	q.logger.Printf("task %s finished by %s (success=%t)", taskID, agent, result.Success)
	q.emit(domain.CollaborationEvent{
		Type:      domain.EventTaskCompleted,
		SessionID: done.SessionID,
		TaskID:    done.ID,
		Agent:     agent,
	})
	return done, nil
}

// HandoffRequest carries the fields of a handoff initiation.
type HandoffRequest struct {
	TaskID       string       `json:"task_id"`
	To           domain.Agent `json:"to_agent"`
	Reason       string       `json:"reason"`
	CurrentState string       `json:"current_state"`
	NextSteps    []string     `json:"next_steps,omitempty"`
}

// RequestHandoff moves a task the caller holds into handed-off and records
// a pending handoff for the target agent.
func (q *Queue) RequestHandoff(ctx context.Context, from domain.Agent, req HandoffRequest) (*domain.Handoff, error) {
	t, err := q.store.GetTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	if t == nil {
		return nil, errors.TaskNotFound(req.TaskID)
	}
	if t.AssignedTo != from {
		return nil, errors.TaskNotAssigned(req.TaskID, string(from))
	}
	if _, err := q.store.UpdateTaskStatus(ctx, req.TaskID, domain.StatusHandedOff, ""); err != nil {
		return nil, err
	}
	h := &domain.Handoff{
		ID:           domain.NewHandoffID(),
		TaskID:       req.TaskID,
		From:         from,
		To:           req.To,
		Reason:       req.Reason,
		CurrentState: req.CurrentState,
		NextSteps:    req.NextSteps,
		RequestedAt:  q.now(),
		Status:       domain.HandoffPending,
	}
	q.mu.Lock()
	q.handoffs[h.ID] = h
	q.mu.Unlock()
	q.logger.Printf("handoff %s: task %s from %s to %s", h.ID, req.TaskID, from, req.To)
	out := *h
	return &out, nil
}

// AcceptHandoff reassigns the handed-off task to the addressed agent and
// resumes it. The target agent does not need a prior registration; only
// the handoff's addressing is checked.
func (q *Queue) AcceptHandoff(ctx context.Context, handoffID string, by domain.Agent) (*domain.Task, error) {
	q.mu.Lock()
	h, ok := q.handoffs[handoffID]
	if ok && h.To != by {
		q.mu.Unlock()
		return nil, errors.HandoffNotForAgent(handoffID, string(by))
	}
	if ok && h.Status != domain.HandoffPending {
		q.mu.Unlock()
		return nil, errors.InvalidArgument("handoff %s was already accepted", handoffID)
	}
	q.mu.Unlock()
	if !ok {
		return nil, errors.HandoffNotFound(handoffID)
	}

	t, err := q.store.UpdateTaskStatus(ctx, h.TaskID, domain.StatusInProgress, by)
	if err != nil {
		return nil, err
	}
	q.mu.Lock()
	h.Status = domain.HandoffAccepted
	q.mu.Unlock()
	q.logger.Printf("handoff %s accepted by %s", handoffID, by)
	return t, nil
}

// GetHandoff returns the handoff record or HANDOFF_NOT_FOUND.
func (q *Queue) GetHandoff(handoffID string) (*domain.Handoff, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	h, ok := q.handoffs[handoffID]
	if !ok {
		return nil, errors.HandoffNotFound(handoffID)
	}
	out := *h
	return &out, nil
}

// RegisterAgent records an agent's capabilities. Idempotent: re-registering
// returns the original token after refreshing capabilities, version, and
// last_seen. Empty capability lists are rejected.
func (q *Queue) RegisterAgent(agent domain.Agent, capabilities []string, version string) (*domain.AgentRegistration, error) {
	if !domain.KnownAgent(agent) {
		return nil, errors.InvalidAgent(string(agent))
	}
	if len(capabilities) == 0 {
		return nil, errors.InvalidCapabilities("capability list must not be empty")
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	reg, ok := q.registrations[agent]
	if !ok {
		reg = &domain.AgentRegistration{
			Token:        domain.NewRegToken(),
			Agent:        agent,
			RegisteredAt: now,
		}
		q.registrations[agent] = reg
	}
	reg.Capabilities = append([]string(nil), capabilities...)
	reg.Version = version
	reg.LastSeen = now
	out := *reg
	return &out, nil
}

// Registration returns the current registration for agent, if any.
func (q *Queue) Registration(agent domain.Agent) (*domain.AgentRegistration, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	reg, ok := q.registrations[agent]
	if !ok {
		return nil, false
	}
	out := *reg
	return &out, true
}

func (q *Queue) emit(ev domain.CollaborationEvent) {
	if q.sink == nil {
		return
	}
	if ev.Timestamp.IsZero() {
		ev.Timestamp = q.now()
	}
	q.sink.PublishEvent(ev)
}
