package collab

import (
	"context"
	"encoding/json"
	"log"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okvist/collabd/internal/common/errors"
)

// Register wires every collaboration tool onto the MCP server. Tool
// listing comes from the server itself.
func Register(s *server.MCPServer, d *Dispatcher, logger *log.Logger) {
	registerCheckForTasks(s, d)
	registerClaimTask(s, d)
	registerSubmitTaskResult(s, d)
	registerRequestFileAccess(s, d)
	registerReleaseFileAccess(s, d)
	registerGetCollaborationStatus(s, d)
	logger.Printf("registered %d collaboration tools", 6)
}

// toResult serializes the envelope into the single text content block the
// executor expects, mirroring failure onto the transport's isError flag.
func toResult(env errors.Envelope) (*mcp.CallToolResult, error) {
	payload, err := json.Marshal(env)
	if err != nil {
		// The envelope itself failed to encode; fall back to a bare error
		// envelope, which cannot fail.
		payload, _ = json.Marshal(errors.Fail(errors.ToolError("encode result: %v", err)))
	}
	result := mcp.NewToolResultText(string(payload))
	result.IsError = !env.Success
	return result, nil
}

func handler(d *Dispatcher, name string) func(context.Context, mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	return func(ctx context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return toResult(d.Dispatch(ctx, name, req.GetArguments()))
	}
}

func registerCheckForTasks(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(
		mcp.NewTool(ToolCheckForTasks,
			mcp.WithDescription("Check the queue for tasks matching your capabilities. Returns up to a handful of candidates, best first; claiming is a separate step."),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Your agent identifier (must be 'executor')")),
			mcp.WithArray("capabilities", mcp.Required(), mcp.Description("Capabilities you offer, e.g. 'typescript-development', 'testing'")),
		),
		handler(d, ToolCheckForTasks),
	)
}

func registerClaimTask(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(
		mcp.NewTool(ToolClaimTask,
			mcp.WithDescription("Claim a queued task. Exactly one claimant wins; losers get TASK_ALREADY_CLAIMED and should check for other tasks."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Id of the task to claim")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Your agent identifier (must be 'executor')")),
		),
		handler(d, ToolClaimTask),
	)
}

func registerSubmitTaskResult(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(
		mcp.NewTool(ToolSubmitTaskResult,
			mcp.WithDescription("Submit the final result for a task you hold. success=true completes the task, false fails it."),
			mcp.WithString("taskId", mcp.Required(), mcp.Description("Id of the task")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Your agent identifier (must be 'executor')")),
			mcp.WithBoolean("success", mcp.Required(), mcp.Description("Whether the task succeeded")),
			mcp.WithString("output", mcp.Required(), mcp.Description("Human-readable summary of what was done")),
			mcp.WithArray("filesModified", mcp.Description("Paths touched while working on the task")),
			mcp.WithObject("error", mcp.Description("Failure details: {code, message, retryable}")),
		),
		handler(d, ToolSubmitTaskResult),
	)
}

func registerRequestFileAccess(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(
		mcp.NewTool(ToolRequestFileAccess,
			mcp.WithDescription("Request advisory access to a file before touching it. Reads share; write and delete are exclusive and return a lock token."),
			mcp.WithString("path", mcp.Required(), mcp.Description("File path to lock")),
			mcp.WithString("operation", mcp.Required(), mcp.Description("Kind of access"), mcp.Enum("read", "write", "delete")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Your agent identifier (must be 'executor')")),
		),
		handler(d, ToolRequestFileAccess),
	)
}

func registerReleaseFileAccess(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(
		mcp.NewTool(ToolReleaseFileAccess,
			mcp.WithDescription("Release a previously granted file lock. Idempotent: releasing an expired or unknown grant still succeeds. Read grants have no token and are released by path."),
			mcp.WithString("lockToken", mcp.Description("Token returned by requestFileAccess (write and delete grants)")),
			mcp.WithString("agentId", mcp.Required(), mcp.Description("Your agent identifier (must be 'executor')")),
			mcp.WithString("path", mcp.Description("Path of the grant; required when no token was issued")),
		),
		handler(d, ToolReleaseFileAccess),
	)
}

func registerGetCollaborationStatus(s *server.MCPServer, d *Dispatcher) {
	s.AddTool(
		mcp.NewTool(ToolGetCollaborationStatus,
			mcp.WithDescription("Get the aggregated status of a collaboration session: tasks, lock holders, pending conflicts, and progress."),
			mcp.WithString("sessionId", mcp.Description("Session to inspect (defaults to the single active session)")),
		),
		handler(d, ToolGetCollaborationStatus),
	)
}
