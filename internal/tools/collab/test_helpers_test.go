package collab

import (
	"context"
	"encoding/json"
	"io"
	"log"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	commonerrors "github.com/okvist/collabd/internal/common/errors"
	"github.com/okvist/collabd/internal/locks"
	"github.com/okvist/collabd/internal/queue"
	"github.com/okvist/collabd/internal/session"
	"github.com/okvist/collabd/internal/store/memory"
)

// fixture is the full in-memory stack behind a registered MCP server.
type fixture struct {
	server   *server.MCPServer
	store    *memory.Store
	queue    *queue.Queue
	registry *locks.Registry
	manager  *session.Manager
	disp     *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	logger := log.New(io.Discard, "", 0)
	st := memory.New()
	broker := session.NewBroker(64, logger)
	registry := locks.NewRegistry(st, 5*time.Minute, time.Hour, logger)
	q := queue.New(st, broker, 5, logger)
	manager := session.NewManager(st, q, registry, broker, logger)
	d := NewDispatcher(q, registry, manager, logger)

	s := server.NewMCPServer("test", "1.0.0")
	Register(s, d, logger)
	return &fixture{server: s, store: st, queue: q, registry: registry, manager: manager, disp: d}
}

// callTool drives a registered tool through the MCP server's HandleMessage,
// the same path a real executor takes.
func callTool(t *testing.T, s *server.MCPServer, name string, args map[string]any) *mcp.CallToolResult {
	t.Helper()

	reqJSON, err := json.Marshal(map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "tools/call",
		"params": map[string]any{
			"name":      name,
			"arguments": args,
		},
	})
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}

	respJSON := s.HandleMessage(context.Background(), reqJSON)
	respBytes, err := json.Marshal(respJSON)
	if err != nil {
		t.Fatalf("marshal response: %v", err)
	}

	var resp struct {
		Result json.RawMessage `json:"result"`
		Error  *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(respBytes, &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if resp.Error != nil {
		t.Fatalf("RPC error %d: %s", resp.Error.Code, resp.Error.Message)
	}

	var result mcp.CallToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		t.Fatalf("unmarshal result: %v", err)
	}
	return &result
}

// envelope extracts and parses the envelope JSON from the single text
// content block.
func envelope(t *testing.T, result *mcp.CallToolResult) commonerrors.Envelope {
	t.Helper()
	if result == nil {
		t.Fatal("result is nil")
	}
	for _, c := range result.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			var env commonerrors.Envelope
			if err := json.Unmarshal([]byte(tc.Text), &env); err != nil {
				t.Fatalf("envelope is not valid JSON: %v\n%s", err, tc.Text)
			}
			return env
		}
	}
	t.Fatal("no text content in result")
	return commonerrors.Envelope{}
}

// dataMap re-decodes the envelope's data into a map for field assertions.
func dataMap(t *testing.T, env commonerrors.Envelope) map[string]any {
	t.Helper()
	raw, err := json.Marshal(env.Data)
	if err != nil {
		t.Fatalf("re-marshal data: %v", err)
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		t.Fatalf("data is not an object: %v\n%s", err, string(raw))
	}
	return out
}

func wantFailure(t *testing.T, result *mcp.CallToolResult, code string) {
	t.Helper()
	env := envelope(t, result)
	if env.Success {
		t.Fatalf("want failure %s, got success", code)
	}
	if !result.IsError {
		t.Fatal("isError must mirror envelope failure")
	}
	if env.Error == nil || env.Error.Code != code {
		t.Fatalf("want code %s, got %+v", code, env.Error)
	}
	if env.Error.Message == "" {
		t.Fatal("errors carry a human-readable message")
	}
}
