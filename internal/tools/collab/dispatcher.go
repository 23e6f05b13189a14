// Package collab is the executor-facing tool surface: six named tools
// translated onto the queue, lock registry, and session manager. Every
// result is the common envelope serialized as JSON text.
package collab

import (
	"context"
	"log"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/locks"
	"github.com/okvist/collabd/internal/queue"
	"github.com/okvist/collabd/internal/session"
)

// Tool names. The set is closed.
const (
	ToolCheckForTasks          = "checkForTasks"
	ToolClaimTask              = "claimTask"
	ToolSubmitTaskResult       = "submitTaskResult"
	ToolRequestFileAccess      = "requestFileAccess"
	ToolReleaseFileAccess      = "releaseFileAccess"
	ToolGetCollaborationStatus = "getCollaborationStatus"
)

type Dispatcher struct {
	queue    *queue.Queue
	registry *locks.Registry
	manager  *session.Manager
	logger   *log.Logger
}

func NewDispatcher(q *queue.Queue, reg *locks.Registry, mgr *session.Manager, logger *log.Logger) *Dispatcher {
	return &Dispatcher{queue: q, registry: reg, manager: mgr, logger: logger}
}

// Dispatch routes one tool invocation by name. The switch is exhaustive
// over the tool set; unknown names fail with TOOL_ERROR rather than a
// transport error so the executor always sees an envelope.
func (d *Dispatcher) Dispatch(ctx context.Context, name string, args map[string]any) errors.Envelope {
	switch name {
	case ToolCheckForTasks:
		return d.checkForTasks(ctx, args)
	case ToolClaimTask:
		return d.claimTask(ctx, args)
	case ToolSubmitTaskResult:
		return d.submitTaskResult(ctx, args)
	case ToolRequestFileAccess:
		return d.requestFileAccess(ctx, args)
	case ToolReleaseFileAccess:
		return d.releaseFileAccess(ctx, args)
	case ToolGetCollaborationStatus:
		return d.getCollaborationStatus(ctx, args)
	default:
		return errors.Fail(errors.UnknownTool(name))
	}
}

// guardExecutor enforces the executor-only rule on every tool except
// getCollaborationStatus.
func guardExecutor(args map[string]any) (domain.Agent, error) {
	agentID, err := requireString(args, "agentId")
	if err != nil {
		return "", err
	}
	if domain.Agent(agentID) != domain.AgentExecutor {
		return "", errors.InvalidAgent(agentID)
	}
	return domain.AgentExecutor, nil
}

func (d *Dispatcher) checkForTasks(ctx context.Context, args map[string]any) errors.Envelope {
	agent, err := guardExecutor(args)
	if err != nil {
		return errors.Fail(err)
	}
	capabilities, err := stringList(args, "capabilities")
	if err != nil {
		return errors.Fail(err)
	}
	tasks, err := d.queue.GetAvailableTasks(ctx, capabilities)
	if err != nil {
		return errors.Fail(err)
	}
	if tasks == nil {
		tasks = []domain.Task{}
	}
	d.logger.Printf("%s: %d task(s) available to %s", ToolCheckForTasks, len(tasks), agent)
	return errors.OK(map[string]any{"tasks": tasks})
}

func (d *Dispatcher) claimTask(ctx context.Context, args map[string]any) errors.Envelope {
	agent, err := guardExecutor(args)
	if err != nil {
		return errors.Fail(err)
	}
	taskID, err := requireString(args, "taskId")
	if err != nil {
		return errors.Fail(err)
	}
	task, err := d.queue.ClaimTask(ctx, taskID, agent)
	if err != nil {
		return errors.Fail(err)
	}
	return errors.OK(map[string]any{"task": task})
}

func (d *Dispatcher) submitTaskResult(ctx context.Context, args map[string]any) errors.Envelope {
	agent, err := guardExecutor(args)
	if err != nil {
		return errors.Fail(err)
	}
	taskID, err := requireString(args, "taskId")
	if err != nil {
		return errors.Fail(err)
	}
	success, err := requireBool(args, "success")
	if err != nil {
		return errors.Fail(err)
	}
	output, err := requireString(args, "output")
	if err != nil {
		return errors.Fail(err)
	}
	filesModified, err := stringList(args, "filesModified")
	if err != nil {
		return errors.Fail(err)
	}
	result := domain.TaskResult{
		Success:       success,
		Output:        output,
		FilesModified: filesModified,
	}
	if raw, ok := args["error"].(map[string]any); ok {
		result.Error = &domain.TaskError{
			Code:    optString(raw, "code"),
			Message: optString(raw, "message"),
		}
		if retryable, ok := raw["retryable"].(bool); ok {
			result.Error.Retryable = retryable
		}
	}
	task, err := d.queue.CompleteTask(ctx, taskID, agent, result)
	if err != nil {
		return errors.Fail(err)
	}
	return errors.OK(map[string]any{"task": task})
}

func (d *Dispatcher) requestFileAccess(ctx context.Context, args map[string]any) errors.Envelope {
	agent, err := guardExecutor(args)
	if err != nil {
		return errors.Fail(err)
	}
	path, err := requireString(args, "path")
	if err != nil {
		return errors.Fail(err)
	}
	operation, err := requireString(args, "operation")
	if err != nil {
		return errors.Fail(err)
	}
	grant, err := d.registry.RequestFileAccess(ctx, path, domain.LockOperation(operation), agent)
	if err != nil {
		return errors.Fail(err)
	}
	return errors.OK(map[string]any{"grant": grant})
}

func (d *Dispatcher) releaseFileAccess(ctx context.Context, args map[string]any) errors.Envelope {
	agent, err := guardExecutor(args)
	if err != nil {
		return errors.Fail(err)
	}
	token := optString(args, "lockToken")
	path := optString(args, "path")
	// Read grants carry no token, so a path alone is enough to identify
	// what to release. Only a fully anonymous call is rejected.
	if token == "" && path == "" {
		return errors.Fail(errors.InvalidArgument("either lockToken or path is required"))
	}
	// Release is idempotent; a stale or unknown token still succeeds.
	d.registry.ReleaseFileAccess(ctx, locks.Grant{
		Path:      path,
		Operation: domain.LockOperation(optString(args, "operation")),
		Agent:     agent,
		LockToken: token,
	})
	return errors.OK(map[string]any{"released": true})
}

func (d *Dispatcher) getCollaborationStatus(ctx context.Context, args map[string]any) errors.Envelope {
	sessionID := optString(args, "sessionId")
	if sessionID == "" {
		id, err := d.manager.ActiveSessionID()
		if err != nil {
			return errors.Fail(err)
		}
		sessionID = id
	}
	report, err := d.manager.Status(ctx, sessionID)
	if err != nil {
		return errors.Fail(err)
	}
	return errors.OK(report)
}
