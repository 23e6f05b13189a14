// Package api is the operator-facing REST surface plus the websocket event
// stream. Bodies are envelopes; the envelope is authoritative, the HTTP
// status a convenience.
package api

import (
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/locks"
	"github.com/okvist/collabd/internal/queue"
	"github.com/okvist/collabd/internal/session"
	"github.com/okvist/collabd/internal/store"
)

type Handler struct {
	store    store.Store
	queue    *queue.Queue
	registry *locks.Registry
	manager  *session.Manager
	broker   *session.Broker
	logger   *log.Logger
	started  time.Time
}

func NewHandler(st store.Store, q *queue.Queue, reg *locks.Registry, mgr *session.Manager, broker *session.Broker, logger *log.Logger) *Handler {
	return &Handler{
		store:    st,
		queue:    q,
		registry: reg,
		manager:  mgr,
		broker:   broker,
		logger:   logger,
		started:  time.Now(),
	}
}

func respond(c *gin.Context, data any) {
	c.JSON(http.StatusOK, errors.OK(data))
}

// failRead maps not-found to 404 on read endpoints.
func failRead(c *gin.Context, err error) {
	c.JSON(errors.HTTPStatus(err), errors.Fail(err))
}

// failWrite treats not-found like any other caller-side failure: 400.
func failWrite(c *gin.Context, err error) {
	status := errors.HTTPStatus(err)
	if status == http.StatusNotFound {
		status = http.StatusBadRequest
	}
	c.JSON(status, errors.Fail(err))
}

func bindErr(c *gin.Context, err error) {
	c.JSON(http.StatusBadRequest, errors.Fail(errors.InvalidArgument("invalid request body: %v", err)))
}

func (h *Handler) StartSession(c *gin.Context) {
	var req startSessionRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	s, err := h.manager.Start(c.Request.Context(), session.StartRequest{
		Task:          req.Task,
		Mode:          domain.SessionMode(req.Mode),
		PreferredLead: req.PreferredLead,
		ContextID:     req.ContextID,
	})
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, s)
}

func (h *Handler) PauseSession(c *gin.Context) {
	s, err := h.manager.Pause(c.Param("id"))
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, s)
}

func (h *Handler) ResumeSession(c *gin.Context) {
	s, err := h.manager.Resume(c.Param("id"))
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, s)
}

func (h *Handler) CompleteSession(c *gin.Context) {
	s, err := h.manager.Complete(c.Param("id"))
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, s)
}

func (h *Handler) CancelSession(c *gin.Context) {
	s, err := h.manager.Cancel(c.Request.Context(), c.Param("id"))
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, s)
}

func (h *Handler) SessionStatus(c *gin.Context) {
	report, err := h.manager.Status(c.Request.Context(), c.Param("id"))
	if err != nil {
		failRead(c, err)
		return
	}
	respond(c, report)
}

func (h *Handler) AvailableTasks(c *gin.Context) {
	raw := c.Query("capabilities")
	var capabilities []string
	if raw != "" {
		capabilities = strings.Split(raw, ",")
	}
	tasks, err := h.queue.GetAvailableTasks(c.Request.Context(), capabilities)
	if err != nil {
		failRead(c, err)
		return
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	respond(c, gin.H{"tasks": tasks})
}

func (h *Handler) ClaimTask(c *gin.Context) {
	var req claimTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	task, err := h.queue.ClaimTask(c.Request.Context(), c.Param("id"), domain.Agent(req.AgentID))
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, task)
}

func (h *Handler) ReportProgress(c *gin.Context) {
	var req progressRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	task, err := h.queue.ReportProgress(c.Request.Context(), c.Param("id"), domain.Agent(req.AgentID), domain.TaskProgress{
		PercentComplete:           req.PercentComplete,
		CurrentStep:               req.CurrentStep,
		FilesModified:             req.FilesModified,
		EstimatedRemainingSeconds: req.EstimatedRemainingSeconds,
	})
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, task)
}

func (h *Handler) CompleteTask(c *gin.Context) {
	var req completeTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	task, err := h.queue.CompleteTask(c.Request.Context(), c.Param("id"), domain.Agent(req.AgentID), domain.TaskResult{
		Success:       *req.Success,
		Output:        req.Output,
		FilesModified: req.FilesModified,
		Error:         req.Error,
	})
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, task)
}

func (h *Handler) RegisterAgent(c *gin.Context) {
	var req registerAgentRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	reg, err := h.queue.RegisterAgent(domain.Agent(req.Agent), req.Capabilities, req.Version)
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, reg)
}

func (h *Handler) RequestHandoff(c *gin.Context) {
	var req handoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	handoff, err := h.queue.RequestHandoff(c.Request.Context(), domain.Agent(req.FromAgent), queue.HandoffRequest{
		TaskID:       req.TaskID,
		To:           domain.Agent(req.ToAgent),
		Reason:       req.Reason,
		CurrentState: req.CurrentState,
		NextSteps:    req.NextSteps,
	})
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, handoff)
}

func (h *Handler) AcceptHandoff(c *gin.Context) {
	var req acceptHandoffRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	task, err := h.queue.AcceptHandoff(c.Request.Context(), c.Param("id"), domain.Agent(req.AgentID))
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, task)
}

func (h *Handler) GetContext(c *gin.Context) {
	ctx, err := h.store.LoadContext(c.Request.Context(), c.Param("id"))
	if err != nil {
		failRead(c, err)
		return
	}
	respond(c, ctx)
}

func (h *Handler) SaveContext(c *gin.Context) {
	var req saveContextRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	ctx := &domain.ConversationContext{
		ID:          c.Param("id"),
		Messages:    req.Messages,
		SharedState: req.SharedState,
	}
	if err := h.store.SaveContext(c.Request.Context(), ctx); err != nil {
		failWrite(c, err)
		return
	}
	respond(c, ctx)
}

func (h *Handler) ResolveConflict(c *gin.Context) {
	var req resolveConflictRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		bindErr(c, err)
		return
	}
	conflict, err := h.manager.ResolveConflict(c.Param("id"), domain.ConflictResolution{
		Strategy:     domain.ResolutionStrategy(req.Strategy),
		FinalContent: req.FinalContent,
		ResolvedBy:   domain.Agent(req.ResolvedBy),
	})
	if err != nil {
		failWrite(c, err)
		return
	}
	respond(c, conflict)
}

func (h *Handler) Health(c *gin.Context) {
	respond(c, gin.H{"status": "ok", "uptime_seconds": int(time.Since(h.started).Seconds())})
}

// Status is the readiness probe: a cheap store round trip plus counters.
func (h *Handler) Status(c *gin.Context) {
	held, err := h.store.GetAllLocks(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusInternalServerError, errors.Fail(err))
		return
	}
	sessions := h.manager.Sessions()
	active := 0
	for _, s := range sessions {
		if s.Status == domain.SessionActive {
			active++
		}
	}
	respond(c, gin.H{
		"status":          "ready",
		"sessions":        len(sessions),
		"active_sessions": active,
		"locks_held":      len(held),
	})
}

// Metrics emits plain-text counters, one per line.
func (h *Handler) Metrics(c *gin.Context) {
	held, _ := h.store.GetAllLocks(c.Request.Context())
	byStatus := make(map[domain.TaskStatus]int)
	sessions := h.manager.Sessions()
	activeSessions := 0
	for _, s := range sessions {
		if s.Status == domain.SessionActive {
			activeSessions++
		}
		tasks, err := h.store.GetSessionTasks(c.Request.Context(), s.ID)
		if err != nil {
			continue
		}
		for _, t := range tasks {
			byStatus[t.Status]++
		}
	}
	var b strings.Builder
	fmt.Fprintf(&b, "collabd_sessions_total %d\n", len(sessions))
	fmt.Fprintf(&b, "collabd_sessions_active %d\n", activeSessions)
	fmt.Fprintf(&b, "collabd_locks_held %d\n", len(held))
	fmt.Fprintf(&b, "collabd_events_dropped_total %d\n", h.broker.Dropped())
	for _, status := range []domain.TaskStatus{
		domain.StatusQueued, domain.StatusClaimed, domain.StatusInProgress,
		domain.StatusHandedOff, domain.StatusBlocked, domain.StatusCompleted,
		domain.StatusFailed,
	} {
		fmt.Fprintf(&b, "collabd_tasks{status=%q} %d\n", status, byStatus[status])
	}
	c.String(http.StatusOK, b.String())
}
