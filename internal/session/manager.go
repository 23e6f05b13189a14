// Package session owns the user-facing collaboration lifecycle and the
// event stream. Sessions are runtime state; their tasks and conversation
// contexts persist through the store.
package session

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/locks"
	"github.com/okvist/collabd/internal/queue"
	"github.com/okvist/collabd/internal/store"
)

type Manager struct {
	store    store.Store
	queue    *queue.Queue
	registry *locks.Registry
	broker   *Broker
	logger   *log.Logger

	mu       sync.Mutex
	sessions map[string]*domain.CollaborationSession
	now      func() time.Time
}

func NewManager(st store.Store, q *queue.Queue, reg *locks.Registry, broker *Broker, logger *log.Logger) *Manager {
	return &Manager{
		store:    st,
		queue:    q,
		registry: reg,
		broker:   broker,
		logger:   logger,
		sessions: make(map[string]*domain.CollaborationSession),
		now:      time.Now,
	}
}

// StartRequest carries the inputs of start_collaboration.
type StartRequest struct {
	Task          string             `json:"task"`
	Mode          domain.SessionMode `json:"mode"`
	PreferredLead string             `json:"preferred_lead,omitempty"`
	ContextID     string             `json:"context_id,omitempty"`
}

// Start creates a session: seeds its conversation context with a system
// message, picks the lead agent, enqueues the mode's initial tasks, and
// emits session-resumed.
func (m *Manager) Start(ctx context.Context, req StartRequest) (*domain.CollaborationSession, error) {
	switch req.Mode {
	case domain.ModeOrchestratorWorker, domain.ModePeerToPeer, domain.ModeParallel:
	default:
		return nil, errors.InvalidArgument("unknown session mode %q", req.Mode)
	}
	if strings.TrimSpace(req.Task) == "" {
		return nil, errors.InvalidArgument("task description must not be empty")
	}

	sessionID := domain.NewSessionID()
	seed := domain.Message{
		Role:    domain.RoleSystem,
		Content: fmt.Sprintf("Collaboration session started in %s mode: %s", req.Mode, req.Task),
	}
	contextID := req.ContextID
	if contextID == "" {
		c := &domain.ConversationContext{Messages: []domain.Message{seed}}
		if err := m.store.SaveContext(ctx, c); err != nil {
			return nil, err
		}
		contextID = c.ID
	} else if err := m.store.AppendMessage(ctx, contextID, seed); err != nil {
		if errors.CodeOf(err) != errors.CodeContextNotFound {
			return nil, err
		}
		c := &domain.ConversationContext{ID: contextID, Messages: []domain.Message{seed}}
		if err := m.store.SaveContext(ctx, c); err != nil {
			return nil, err
		}
	}

	lead := chooseLead(req.PreferredLead, req.Mode, req.Task)
	now := m.now()
	session := &domain.CollaborationSession{
		ID:           sessionID,
		Task:         req.Task,
		Mode:         req.Mode,
		LeadAgent:    lead,
		Participants: []domain.Agent{domain.AgentPlanner, domain.AgentExecutor},
		Status:       domain.SessionActive,
		CreatedAt:    now,
		UpdatedAt:    now,
		ContextID:    contextID,
	}
	if err := m.seedTasks(ctx, session); err != nil {
		return nil, err
	}

	m.mu.Lock()
	m.sessions[sessionID] = session
	m.mu.Unlock()
	m.logger.Printf("session %s started (%s, lead %s)", sessionID, req.Mode, lead)
	m.broker.PublishEvent(domain.CollaborationEvent{
		Type:      domain.EventSessionResumed,
		SessionID: sessionID,
		Timestamp: now,
	})
	out := *session
	return &out, nil
}

// chooseLead resolves "auto" with a keyword heuristic; a literal lead is
// used verbatim.
func chooseLead(preferred string, mode domain.SessionMode, task string) domain.Agent {
	if preferred != "" && preferred != "auto" {
		return domain.Agent(preferred)
	}
	if mode == domain.ModeOrchestratorWorker {
		return domain.AgentPlanner
	}
	lowered := strings.ToLower(task)
	if strings.Contains(lowered, "ui") || strings.Contains(lowered, "component") {
		return domain.AgentExecutor
	}
	return domain.AgentPlanner
}

func (m *Manager) seedTasks(ctx context.Context, s *domain.CollaborationSession) error {
	var seeds []domain.Task
	switch s.Mode {
	case domain.ModeOrchestratorWorker:
		seeds = []domain.Task{{
			SessionID:   s.ID,
			Type:        domain.TypeDefineContract,
			Description: "Orchestrate: " + s.Task,
			Priority:    domain.PriorityHigh,
			Context: domain.TaskContext{
				Requirements: []string{s.Task},
				Constraints: []string{
					"act as orchestrator",
					"break down the task into subtasks",
					"assign implementation work to the executor",
				},
			},
		}}
	case domain.ModePeerToPeer:
		seeds = []domain.Task{
			{
				SessionID:   s.ID,
				Type:        domain.TypeDefineContract,
				Description: "Define interfaces and contracts for: " + s.Task,
				Priority:    domain.PriorityHigh,
				Context: domain.TaskContext{
					Requirements: []string{s.Task},
					Constraints:  []string{"agree on the contract before implementation lands"},
				},
			},
			{
				SessionID:   s.ID,
				Type:        domain.TypeImplementFeature,
				Description: "Implement: " + s.Task,
				Priority:    domain.PriorityHigh,
				Context: domain.TaskContext{
					Requirements: []string{s.Task},
				},
			},
		}
	case domain.ModeParallel:
		seeds = []domain.Task{{
			SessionID:   s.ID,
			Type:        domain.TypeImplementFeature,
			Description: "[parallel] " + s.Task,
			Priority:    domain.PriorityHigh,
			Context: domain.TaskContext{
				Requirements: []string{s.Task},
				Constraints:  []string{"coordinate file access through the lock registry"},
			},
		}}
	}
	for i := range seeds {
		if _, err := m.queue.Enqueue(ctx, &seeds[i]); err != nil {
			return err
		}
	}
	return nil
}

// Get returns the session record.
func (m *Manager) Get(id string) (*domain.CollaborationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	out := *s
	return &out, nil
}

// ActiveSessionID returns the id of the single active session. It fails
// with SESSION_NOT_FOUND when there are zero or several.
func (m *Manager) ActiveSessionID() (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var found []string
	for id, s := range m.sessions {
		if s.Status == domain.SessionActive {
			found = append(found, id)
		}
	}
	if len(found) != 1 {
		return "", errors.New(errors.CodeSessionNotFound,
			"expected exactly one active session, have %d", len(found))
	}
	return found[0], nil
}

// Pause suspends an active session and emits session-paused.
func (m *Manager) Pause(id string) (*domain.CollaborationSession, error) {
	s, err := m.transition(id, domain.SessionActive, domain.SessionPaused)
	if err != nil {
		return nil, err
	}
	m.broker.PublishEvent(domain.CollaborationEvent{
		Type:      domain.EventSessionPaused,
		SessionID: id,
		Timestamp: m.now(),
	})
	return s, nil
}

// Resume reactivates a paused session and emits session-resumed.
func (m *Manager) Resume(id string) (*domain.CollaborationSession, error) {
	s, err := m.transition(id, domain.SessionPaused, domain.SessionActive)
	if err != nil {
		return nil, err
	}
	m.broker.PublishEvent(domain.CollaborationEvent{
		Type:      domain.EventSessionResumed,
		SessionID: id,
		Timestamp: m.now(),
	})
	return s, nil
}

// Cancel ends a session for good and closes every event subscription.
// Running agent tasks are not preempted; their results are still accepted.
// Locks held by the participants are released so they do not linger for
// their full TTL.
func (m *Manager) Cancel(ctx context.Context, id string) (*domain.CollaborationSession, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.SessionNotFound(id)
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		return nil, errors.SessionNotActive(id)
	}
	s.Status = domain.SessionCancelled
	s.UpdatedAt = m.now()
	out := *s
	m.mu.Unlock()
	m.broker.CloseSession(id)
	for _, agent := range out.Participants {
		n, err := m.store.ReleaseAllLocksForAgent(ctx, agent)
		if err != nil {
			m.logger.Printf("session %s: releasing locks of %s failed: %v", id, agent, err)
			continue
		}
		if n > 0 {
			m.logger.Printf("session %s: released %d lock(s) held by %s", id, n, agent)
		}
	}
	m.logger.Printf("session %s cancelled", id)
	return &out, nil
}

// Complete marks an active session finished and closes its streams.
func (m *Manager) Complete(id string) (*domain.CollaborationSession, error) {
	s, err := m.transition(id, domain.SessionActive, domain.SessionCompleted)
	if err != nil {
		return nil, err
	}
	m.broker.CloseSession(id)
	return s, nil
}

func (m *Manager) transition(id string, from, to domain.SessionStatus) (*domain.CollaborationSession, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[id]
	if !ok {
		return nil, errors.SessionNotFound(id)
	}
	if s.Status != from {
		if from == domain.SessionActive {
			return nil, errors.SessionNotActive(id)
		}
		return nil, errors.SessionNotPaused(id)
	}
	s.Status = to
	s.UpdatedAt = m.now()
	m.logger.Printf("session %s: %s -> %s", id, from, to)
	out := *s
	return &out, nil
}

// Progress summarizes task completion for a session.
type Progress struct {
	Total     int `json:"total"`
	Completed int `json:"completed"`
	Percent   int `json:"percent"`
}

// StatusReport aggregates everything an operator sees about one session.
// Lock holders are server-wide; the registry is global.
type StatusReport struct {
	Session          domain.CollaborationSession `json:"session"`
	ActiveTasks      []domain.Task               `json:"active_tasks"`
	CompletedTasks   []domain.Task               `json:"completed_tasks"`
	Locks            []domain.FileLock           `json:"locks"`
	ReadHolders      []locks.Grant               `json:"read_holders,omitempty"`
	PendingConflicts []domain.FileConflict       `json:"pending_conflicts,omitempty"`
	Progress         Progress                    `json:"progress"`
}

// Status builds the aggregated view for one session.
func (m *Manager) Status(ctx context.Context, id string) (*StatusReport, error) {
	session, err := m.Get(id)
	if err != nil {
		return nil, err
	}
	tasks, err := m.store.GetSessionTasks(ctx, id)
	if err != nil {
		return nil, err
	}
	held, err := m.store.GetAllLocks(ctx)
	if err != nil {
		return nil, err
	}
	report := &StatusReport{
		Session:          *session,
		Locks:            held,
		ReadHolders:      m.registry.ReadHolders(),
		PendingConflicts: m.registry.PendingConflicts(),
	}
	for _, t := range tasks {
		switch t.Status {
		case domain.StatusCompleted, domain.StatusFailed:
			report.CompletedTasks = append(report.CompletedTasks, t)
		default:
			report.ActiveTasks = append(report.ActiveTasks, t)
		}
	}
	total := len(tasks)
	completed := len(report.CompletedTasks)
	report.Progress = Progress{Total: total, Completed: completed}
	if total > 0 {
		report.Progress.Percent = int(float64(completed)/float64(total)*100 + 0.5)
	}
	return report, nil
}

// Subscribe attaches a consumer to the session's event stream. The stream
// ends when the session reaches a terminal state or ctx is cancelled. No
// events published before this call are replayed.
func (m *Manager) Subscribe(ctx context.Context, id string) (*Subscription, error) {
	m.mu.Lock()
	s, ok := m.sessions[id]
	if !ok {
		m.mu.Unlock()
		return nil, errors.SessionNotFound(id)
	}
	if s.Status.Terminal() {
		m.mu.Unlock()
		return nil, errors.SessionNotActive(id)
	}
	m.mu.Unlock()

	sub := m.broker.Subscribe(id)
	if ctx != nil {
		go func() {
			<-ctx.Done()
			sub.Close()
		}()
	}
	return sub, nil
}

// ResolveConflict records the resolution on the retained conflict and
// broadcasts a conflict-detected event carrying it to every active session.
func (m *Manager) ResolveConflict(conflictID string, res domain.ConflictResolution) (*domain.FileConflict, error) {
	conflict, err := m.registry.ResolveConflict(conflictID, res)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	var active []string
	for id, s := range m.sessions {
		if s.Status == domain.SessionActive {
			active = append(active, id)
		}
	}
	m.mu.Unlock()
	for _, id := range active {
		m.broker.PublishEvent(domain.CollaborationEvent{
			Type:       domain.EventConflictDetected,
			SessionID:  id,
			Conflict:   conflict,
			Resolution: conflict.Resolution,
			Timestamp:  m.now(),
		})
	}
	return conflict, nil
}

// Sessions returns a snapshot of every session, for readiness and metrics.
func (m *Manager) Sessions() []domain.CollaborationSession {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.CollaborationSession, 0, len(m.sessions))
	for _, s := range m.sessions {
		out = append(out, *s)
	}
	return out
}
