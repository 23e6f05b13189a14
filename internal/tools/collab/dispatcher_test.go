package collab

import (
	"context"
	"testing"

	"github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/domain"
	"github.com/okvist/collabd/internal/session"
)

func enqueue(t *testing.T, f *fixture, typ domain.TaskType, priority domain.Priority) string {
	t.Helper()
	id, err := f.queue.Enqueue(context.Background(), &domain.Task{
		SessionID:   "session_test",
		Type:        typ,
		Description: string(typ),
		Priority:    priority,
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return id
}

func TestCheckForTasksReturnsMatches(t *testing.T) {
	f := newFixture(t)
	enqueue(t, f, domain.TypeWriteTests, domain.PriorityMedium)
	enqueue(t, f, domain.TypeFixBug, domain.PriorityUrgent)

	result := callTool(t, f.server, ToolCheckForTasks, map[string]any{
		"agentId":      "executor",
		"capabilities": []any{"testing", "debugging", "typescript-development"},
	})
	env := envelope(t, result)
	if !env.Success || result.IsError {
		t.Fatalf("want success, got %+v", env.Error)
	}
	data := dataMap(t, env)
	tasks, ok := data["tasks"].([]any)
	if !ok || len(tasks) != 2 {
		t.Fatalf("want 2 candidate tasks, got %v", data["tasks"])
	}

	// No capability overlap: an empty candidate list, still a success.
	result = callTool(t, f.server, ToolCheckForTasks, map[string]any{
		"agentId":      "executor",
		"capabilities": []any{"documentation"},
	})
	env = envelope(t, result)
	if !env.Success {
		t.Fatalf("empty match is not an error: %+v", env.Error)
	}
	if tasks, _ := dataMap(t, env)["tasks"].([]any); len(tasks) != 0 {
		t.Fatalf("want no candidates, got %v", tasks)
	}
}

func TestExecutorGuard(t *testing.T) {
	f := newFixture(t)

	guarded := []struct {
		tool string
		args map[string]any
	}{
		{ToolCheckForTasks, map[string]any{"capabilities": []any{"testing"}}},
		{ToolClaimTask, map[string]any{"taskId": "task_x"}},
		{ToolSubmitTaskResult, map[string]any{"taskId": "task_x", "success": true, "output": "done"}},
		{ToolRequestFileAccess, map[string]any{"path": "a.go", "operation": "write"}},
		{ToolReleaseFileAccess, map[string]any{"lockToken": "lock_x"}},
	}
	for _, tc := range guarded {
		tc.args["agentId"] = "planner"
		wantFailure(t, callTool(t, f.server, tc.tool, tc.args), errors.CodeInvalidAgent)

		// Missing agentId is an argument error, checked below the transport.
		delete(tc.args, "agentId")
		env := f.disp.Dispatch(context.Background(), tc.tool, tc.args)
		if env.Success || env.Error.Code != errors.CodeInvalidArgument {
			t.Fatalf("%s without agentId: want INVALID_ARGUMENT, got %+v", tc.tool, env.Error)
		}
	}
}

func TestClaimTaskViaTool(t *testing.T) {
	f := newFixture(t)
	id := enqueue(t, f, domain.TypeWriteTests, domain.PriorityHigh)

	result := callTool(t, f.server, ToolClaimTask, map[string]any{
		"agentId": "executor",
		"taskId":  id,
	})
	env := envelope(t, result)
	if !env.Success {
		t.Fatalf("claim failed: %+v", env.Error)
	}
	task, ok := dataMap(t, env)["task"].(map[string]any)
	if !ok || task["status"] != "claimed" {
		t.Fatalf("want claimed task in data, got %v", task)
	}

	// Second claim of the same task loses the race.
	result = callTool(t, f.server, ToolClaimTask, map[string]any{
		"agentId": "executor",
		"taskId":  id,
	})
	wantFailure(t, result, errors.CodeTaskAlreadyClaimed)

	result = callTool(t, f.server, ToolClaimTask, map[string]any{
		"agentId": "executor",
		"taskId":  "task_missing",
	})
	wantFailure(t, result, errors.CodeTaskNotFound)
}

func TestSubmitTaskResultCompletesAndFails(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	id := enqueue(t, f, domain.TypeWriteTests, domain.PriorityHigh)
	callTool(t, f.server, ToolClaimTask, map[string]any{"agentId": "executor", "taskId": id})

	result := callTool(t, f.server, ToolSubmitTaskResult, map[string]any{
		"agentId":       "executor",
		"taskId":        id,
		"success":       true,
		"output":        "tests added for the importer",
		"filesModified": []any{"importer_test.go"},
	})
	env := envelope(t, result)
	if !env.Success {
		t.Fatalf("submit failed: %+v", env.Error)
	}
	stored, _ := f.store.GetTask(ctx, id)
	if stored.Status != domain.StatusCompleted || stored.Result == nil || !stored.Result.Success {
		t.Fatalf("want completed with result, got %+v", stored)
	}

	// A failing result with error details ends the task in failed.
	failing := enqueue(t, f, domain.TypeFixBug, domain.PriorityHigh)
	callTool(t, f.server, ToolClaimTask, map[string]any{"agentId": "executor", "taskId": failing})
	result = callTool(t, f.server, ToolSubmitTaskResult, map[string]any{
		"agentId": "executor",
		"taskId":  failing,
		"success": false,
		"output":  "could not reproduce",
		"error": map[string]any{
			"code":      "REPRO_FAILED",
			"message":   "bug does not reproduce on main",
			"retryable": true,
		},
	})
	if env := envelope(t, result); !env.Success {
		t.Fatalf("submitting a failure is itself a success: %+v", env.Error)
	}
	stored, _ = f.store.GetTask(ctx, failing)
	if stored.Status != domain.StatusFailed || stored.Result.Error == nil || !stored.Result.Error.Retryable {
		t.Fatalf("want failed with retryable error, got %+v", stored.Result)
	}
}

func TestFileAccessRoundTrip(t *testing.T) {
	f := newFixture(t)

	result := callTool(t, f.server, ToolRequestFileAccess, map[string]any{
		"agentId":   "executor",
		"path":      "src/app.ts",
		"operation": "write",
	})
	env := envelope(t, result)
	if !env.Success {
		t.Fatalf("request failed: %+v", env.Error)
	}
	grant, ok := dataMap(t, env)["grant"].(map[string]any)
	if !ok {
		t.Fatalf("want grant in data, got %v", env.Data)
	}
	token, _ := grant["lock_token"].(string)
	if token == "" {
		t.Fatal("write grant must carry a lock token")
	}

	// The path is busy now. A denial is an envelope failure with details.
	denied := callTool(t, f.server, ToolRequestFileAccess, map[string]any{
		"agentId":   "executor",
		"path":      "src/app.ts",
		"operation": "delete",
	})
	wantFailure(t, denied, errors.CodeFileAlreadyLocked)
	deniedEnv := envelope(t, denied)
	if deniedEnv.Error.Details["locked_by"] != "executor" {
		t.Fatalf("denial should name the holder, got %v", deniedEnv.Error.Details)
	}

	release := callTool(t, f.server, ToolReleaseFileAccess, map[string]any{
		"agentId":   "executor",
		"lockToken": token,
		"path":      "src/app.ts",
	})
	if env := envelope(t, release); !env.Success {
		t.Fatalf("release failed: %+v", env.Error)
	}
	// Released means a new request succeeds.
	again := callTool(t, f.server, ToolRequestFileAccess, map[string]any{
		"agentId":   "executor",
		"path":      "src/app.ts",
		"operation": "write",
	})
	if env := envelope(t, again); !env.Success {
		t.Fatalf("path should be free after release: %+v", env.Error)
	}

	// Releasing a stale token is still a success.
	release = callTool(t, f.server, ToolReleaseFileAccess, map[string]any{
		"agentId":   "executor",
		"lockToken": "lock_stale",
	})
	if env := envelope(t, release); !env.Success {
		t.Fatalf("stale release must succeed: %+v", env.Error)
	}
}

func TestReleaseReadGrantByPathOnly(t *testing.T) {
	f := newFixture(t)

	result := callTool(t, f.server, ToolRequestFileAccess, map[string]any{
		"agentId":   "executor",
		"path":      "docs/plan.md",
		"operation": "read",
	})
	env := envelope(t, result)
	if !env.Success {
		t.Fatalf("read request failed: %+v", env.Error)
	}
	grant, _ := dataMap(t, env)["grant"].(map[string]any)
	if token, _ := grant["lock_token"].(string); token != "" {
		t.Fatalf("read grants carry no token, got %q", token)
	}

	// No token to hand back: the path alone identifies the grant.
	release := callTool(t, f.server, ToolReleaseFileAccess, map[string]any{
		"agentId": "executor",
		"path":    "docs/plan.md",
	})
	if env := envelope(t, release); !env.Success {
		t.Fatalf("token-less release failed: %+v", env.Error)
	}
	if holders := f.registry.ReadHolders(); len(holders) != 0 {
		t.Fatalf("read slot should be gone, got %+v", holders)
	}

	// Neither token nor path names anything to release.
	bare := callTool(t, f.server, ToolReleaseFileAccess, map[string]any{
		"agentId": "executor",
	})
	wantFailure(t, bare, errors.CodeInvalidArgument)
}

func TestGetCollaborationStatusDefaultsToActiveSession(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	// No session anywhere: nothing to default to.
	result := callTool(t, f.server, ToolGetCollaborationStatus, map[string]any{})
	wantFailure(t, result, errors.CodeSessionNotFound)

	s, err := f.manager.Start(ctx, session.StartRequest{
		Task:          "build the export pipeline",
		Mode:          domain.ModePeerToPeer,
		PreferredLead: "auto",
	})
	if err != nil {
		t.Fatal(err)
	}

	result = callTool(t, f.server, ToolGetCollaborationStatus, map[string]any{})
	env := envelope(t, result)
	if !env.Success {
		t.Fatalf("status failed: %+v", env.Error)
	}
	data := dataMap(t, env)
	sess, ok := data["session"].(map[string]any)
	if !ok || sess["id"] != s.ID {
		t.Fatalf("status should describe the active session, got %v", data)
	}

	// Explicit session id works too, and unknown ids fail.
	result = callTool(t, f.server, ToolGetCollaborationStatus, map[string]any{"sessionId": s.ID})
	if env := envelope(t, result); !env.Success {
		t.Fatalf("explicit session id failed: %+v", env.Error)
	}
	result = callTool(t, f.server, ToolGetCollaborationStatus, map[string]any{"sessionId": "session_missing"})
	wantFailure(t, result, errors.CodeSessionNotFound)
}

func TestUnknownToolYieldsToolError(t *testing.T) {
	f := newFixture(t)
	env := f.disp.Dispatch(context.Background(), "rebootUniverse", nil)
	if env.Success {
		t.Fatal("unknown tool must fail")
	}
	if env.Error.Code != errors.CodeToolError {
		t.Fatalf("want TOOL_ERROR, got %s", env.Error.Code)
	}
	if !env.Error.Retryable {
		t.Fatal("unknown tool errors are marked retryable")
	}
}
