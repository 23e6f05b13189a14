// Package domain holds the coordination entities shared by every component.
// It has no dependencies on other packages.
package domain

import "time"

// Agent identifies a participant in a collaboration. The set is closed.
type Agent string

const (
	AgentPlanner  Agent = "planner"
	AgentExecutor Agent = "executor"
	AgentUser     Agent = "user"
)

// KnownAgent reports whether a is one of the three recognized identities.
func KnownAgent(a Agent) bool {
	return a == AgentPlanner || a == AgentExecutor || a == AgentUser
}

// TaskStatus is the lifecycle state of a task.
type TaskStatus string

const (
	StatusQueued     TaskStatus = "queued"
	StatusClaimed    TaskStatus = "claimed"
	StatusInProgress TaskStatus = "in-progress"
	StatusHandedOff  TaskStatus = "handed-off"
	StatusBlocked    TaskStatus = "blocked"
	StatusCompleted  TaskStatus = "completed"
	StatusFailed     TaskStatus = "failed"
)

// Priority orders tasks in the queue. Urgent ranks above high.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

// TaskType is the category of work a task represents.
type TaskType string

const (
	TypeImplementFeature TaskType = "implement-feature"
	TypeWriteTests       TaskType = "write-tests"
	TypeRefactorCode     TaskType = "refactor-code"
	TypeFixBug           TaskType = "fix-bug"
	TypeReviewCode       TaskType = "review-code"
	TypeUpdateDocs       TaskType = "update-docs"
	TypeDefineContract   TaskType = "define-contract"
	TypeImplementMock    TaskType = "implement-mock"
)

// TaskContext is the structured blob attached to a task: files to touch,
// requirements, constraints, and a digest of prior conversation.
type TaskContext struct {
	Files         []string `json:"files,omitempty"`
	Requirements  []string `json:"requirements,omitempty"`
	Constraints   []string `json:"constraints,omitempty"`
	PriorMessages string   `json:"prior_messages,omitempty"`
}

// TaskError describes why a task failed.
type TaskError struct {
	Code      string `json:"code"`
	Message   string `json:"message"`
	Retryable bool   `json:"retryable"`
}

// TaskResult is the outcome an agent reports when finishing a task.
type TaskResult struct {
	Success       bool       `json:"success"`
	Output        string     `json:"output"`
	FilesModified []string   `json:"files_modified,omitempty"`
	Error         *TaskError `json:"error,omitempty"`
}

// Task is a unit of work assigned to an agent.
type Task struct {
	ID          string      `json:"id"`
	SessionID   string      `json:"session_id"`
	Type        TaskType    `json:"type"`
	Description string      `json:"description"`
	Priority    Priority    `json:"priority"`
	Status      TaskStatus  `json:"status"`
	AssignedTo  Agent       `json:"assigned_to,omitempty"`
	Context     TaskContext `json:"context"`
	Result      *TaskResult `json:"result,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
	UpdatedAt   time.Time   `json:"updated_at"`
}

// TaskProgress is a transient progress report. It is not persisted beyond
// its effect on status and updated_at.
type TaskProgress struct {
	PercentComplete           int      `json:"percent_complete"`
	CurrentStep               string   `json:"current_step"`
	FilesModified             []string `json:"files_modified,omitempty"`
	EstimatedRemainingSeconds int      `json:"estimated_remaining_seconds,omitempty"`
}

// LockOperation is the kind of access a file lock grants.
type LockOperation string

const (
	OpRead   LockOperation = "read"
	OpWrite  LockOperation = "write"
	OpDelete LockOperation = "delete"
)

// Exclusive reports whether op requires sole access to the path.
func (op LockOperation) Exclusive() bool {
	return op == OpWrite || op == OpDelete
}

// FileLock is an advisory lock on a file path. The server never touches the
// file itself; holders coordinate by honoring the lock.
type FileLock struct {
	Path       string        `json:"path"`
	Owner      Agent         `json:"owner"`
	LockToken  string        `json:"lock_token"`
	Operation  LockOperation `json:"operation"`
	AcquiredAt time.Time     `json:"acquired_at"`
	ExpiresAt  time.Time     `json:"expires_at"`
}

// Expired reports whether the lock is past its expiry at the given instant.
// A lock exactly at its expires_at is expired.
func (l *FileLock) Expired(now time.Time) bool {
	return !l.ExpiresAt.After(now)
}

// MessageRole identifies the author of a conversation message.
type MessageRole string

const (
	RoleUser     MessageRole = "user"
	RolePlanner  MessageRole = "planner"
	RoleExecutor MessageRole = "executor"
	RoleSystem   MessageRole = "system"
)

// Message is one entry in a conversation context. Messages are append-only.
type Message struct {
	Role      MessageRole       `json:"role"`
	Content   string            `json:"content"`
	Timestamp time.Time         `json:"timestamp"`
	Metadata  map[string]string `json:"metadata,omitempty"`
}

// ConversationContext is the durable shared conversation for a session.
type ConversationContext struct {
	ID          string            `json:"id"`
	Messages    []Message         `json:"messages"`
	SharedState map[string]string `json:"shared_state,omitempty"`
	LastUpdated time.Time         `json:"last_updated"`
}

// SessionMode selects how seeded tasks split work between the agents.
type SessionMode string

const (
	ModeOrchestratorWorker SessionMode = "orchestrator-worker"
	ModePeerToPeer         SessionMode = "peer-to-peer"
	ModeParallel           SessionMode = "parallel"
)

// SessionStatus is the lifecycle state of a collaboration session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionPaused    SessionStatus = "paused"
	SessionCancelled SessionStatus = "cancelled"
	SessionCompleted SessionStatus = "completed"
)

// Terminal reports whether s admits no further transitions.
func (s SessionStatus) Terminal() bool {
	return s == SessionCancelled || s == SessionCompleted
}

// CollaborationSession groups tasks under a user-visible session.
type CollaborationSession struct {
	ID           string        `json:"id"`
	Task         string        `json:"task"`
	Mode         SessionMode   `json:"mode"`
	LeadAgent    Agent         `json:"lead_agent,omitempty"`
	Participants []Agent       `json:"participants"`
	Status       SessionStatus `json:"status"`
	CreatedAt    time.Time     `json:"created_at"`
	UpdatedAt    time.Time     `json:"updated_at"`
	ContextID    string        `json:"context_id"`
}

// ConflictType classifies a detected file access conflict.
type ConflictType string

const (
	ConflictSimultaneousWrite ConflictType = "simultaneous-write"
	ConflictEditDeleted       ConflictType = "edit-deleted"
	ConflictStaleEdit         ConflictType = "stale-edit"
)

// ResolutionStrategy is how a conflict was settled.
type ResolutionStrategy string

const (
	ResolveAcceptA ResolutionStrategy = "accept-a"
	ResolveAcceptB ResolutionStrategy = "accept-b"
	ResolveMerge   ResolutionStrategy = "merge"
	ResolveManual  ResolutionStrategy = "manual"
)

// ConflictResolution records how and by whom a conflict was resolved.
type ConflictResolution struct {
	Strategy     ResolutionStrategy `json:"strategy"`
	FinalContent string             `json:"final_content,omitempty"`
	ResolvedBy   Agent              `json:"resolved_by"`
	ResolvedAt   time.Time          `json:"resolved_at"`
}

// FileConflict records contention on a path for operator diagnostics.
type FileConflict struct {
	ID           string              `json:"id"`
	Path         string              `json:"path"`
	Agents       []Agent             `json:"agents"`
	ConflictType ConflictType        `json:"conflict_type"`
	DetectedAt   time.Time           `json:"detected_at"`
	Resolution   *ConflictResolution `json:"resolution,omitempty"`
}

// HandoffStatus is the state of a mediated task transfer.
type HandoffStatus string

const (
	HandoffPending  HandoffStatus = "pending"
	HandoffAccepted HandoffStatus = "accepted"
)

// Handoff records a mediated transfer of a claimed task between agents.
type Handoff struct {
	ID           string        `json:"id"`
	TaskID       string        `json:"task_id"`
	From         Agent         `json:"from"`
	To           Agent         `json:"to"`
	Reason       string        `json:"reason"`
	CurrentState string        `json:"current_state"`
	NextSteps    []string      `json:"next_steps,omitempty"`
	RequestedAt  time.Time     `json:"requested_at"`
	Status       HandoffStatus `json:"status"`
}

// AgentRegistration records an agent's declared capabilities.
type AgentRegistration struct {
	Token        string    `json:"registration_token"`
	Agent        Agent     `json:"agent"`
	Capabilities []string  `json:"capabilities"`
	Version      string    `json:"version,omitempty"`
	RegisteredAt time.Time `json:"registered_at"`
	LastSeen     time.Time `json:"last_seen"`
}

// EventType is the kind of a collaboration event.
type EventType string

const (
	EventTaskClaimed      EventType = "task-claimed"
	EventTaskCompleted    EventType = "task-completed"
	EventSessionPaused    EventType = "session-paused"
	EventSessionResumed   EventType = "session-resumed"
	EventConflictDetected EventType = "conflict-detected"
)

// CollaborationEvent is pushed to session subscribers on state changes.
type CollaborationEvent struct {
	Type       EventType           `json:"type"`
	SessionID  string              `json:"session_id"`
	TaskID     string              `json:"task_id,omitempty"`
	Agent      Agent               `json:"agent,omitempty"`
	Conflict   *FileConflict       `json:"conflict,omitempty"`
	Resolution *ConflictResolution `json:"resolution,omitempty"`
	Timestamp  time.Time           `json:"timestamp"`
}

// EventSink receives collaboration events from the queue and lock layers.
// The session manager's broker implements it.
type EventSink interface {
	PublishEvent(ev CollaborationEvent)
}
