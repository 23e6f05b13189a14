// Command collabd runs the multi-agent coordination server: MCP tools for
// the executor over stdio and streamable HTTP, a REST surface for the
// operator, and a websocket event stream.
package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"

	"github.com/okvist/collabd/internal/api"
	"github.com/okvist/collabd/internal/app"
	"github.com/okvist/collabd/internal/policy"
	"github.com/okvist/collabd/internal/store/sqlite"
	"github.com/okvist/collabd/internal/tools/collab"
)

// Version is set by -ldflags at build time.
var Version = "dev"

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "status":
			runStatusCommand()
			return
		case "--version", "-v", "version":
			fmt.Println("collabd " + Version)
			return
		}
	}

	tmpLogger := log.New(os.Stderr, "[collabd] ", log.LstdFlags|log.Lshortfile)
	cfg, err := policy.LoadConfig("")
	if err != nil {
		tmpLogger.Fatalf("config: %v", err)
	}

	logger := setupLogger(cfg.LogFile)
	logger.Println("Starting collabd...")
	logger.Printf("Port: %d, mocks: %t", cfg.Port, cfg.UseMocks)

	container, err := app.Init(cfg, logger)
	if err != nil {
		logger.Fatalf("init: %v", err)
	}

	hooks := &server.Hooks{}
	hooks.AddAfterCallTool(func(ctx context.Context, id any, message *mcp.CallToolRequest, result *mcp.CallToolResult) {
		if message != nil {
			logger.Printf("Tool call: %s", message.Params.Name)
		}
	})
	mcpServer := server.NewMCPServer(
		"collabd",
		Version,
		server.WithHooks(hooks),
	)
	if cfg.EnableToolDispatcher {
		collab.Register(mcpServer, container.Dispatcher, logger)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// Keep running when daemonized; only INT/TERM stop the server.
	signal.Ignore(syscall.SIGHUP)
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		logger.Printf("Received signal %v, shutting down...", sig)
		cancel()
	}()

	container.StartSweeper(ctx)
	httpShutdown := startHTTPServer(container, mcpServer, cfg, logger)

	// Stdio serves the executor in the foreground; its disconnect ends the
	// process.
	logger.Println("Stdio ready (executor connection)")
	stdioSrv := server.NewStdioServer(mcpServer)
	if err := stdioSrv.Listen(ctx, os.Stdin, os.Stdout); err != nil {
		logger.Printf("Stdio server stopped: %v", err)
	}

	cancel()
	httpShutdown()
	if err := container.Close(); err != nil {
		logger.Printf("Warning: close state store: %v", err)
	}
	logger.Println("Server stopped")
}

// startHTTPServer serves the REST surface, the websocket stream, and the
// streamable-HTTP MCP endpoint in the background.
func startHTTPServer(container *app.Container, mcpServer *server.MCPServer, cfg *policy.Config, logger *log.Logger) func() {
	handler := api.NewHandler(container.Store, container.Queue, container.Registry,
		container.Manager, container.Broker, logger)
	router := api.NewRouter(handler, cfg)

	streamSrv := server.NewStreamableHTTPServer(mcpServer)
	router.Any("/mcp", gin.WrapH(streamSrv))

	httpServer := &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Port),
		Handler: router,
	}
	go func() {
		logger.Printf("HTTP listening on %s", httpServer.Addr)
		if err := httpServer.ListenAndServe(); err != http.ErrServerClosed {
			logger.Fatalf("HTTP server error: %v", err)
		}
	}()

	return func() {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			logger.Printf("HTTP shutdown error: %v", err)
		}
	}
}

// setupLogger writes to the log file and, when stderr is an interactive
// terminal, to stderr as well. Daemon runs that redirect stderr into the
// log file would otherwise see every line twice.
func setupLogger(logFilePath string) *log.Logger {
	var writers []io.Writer

	stderrIsTerminal := false
	if info, err := os.Stderr.Stat(); err == nil {
		stderrIsTerminal = (info.Mode() & os.ModeCharDevice) != 0
	}

	hasLogFile := false
	lower := strings.ToLower(logFilePath)
	if lower != "none" && lower != "off" && logFilePath != "" {
		if err := os.MkdirAll(filepath.Dir(logFilePath), 0o755); err == nil {
			f, err := os.OpenFile(logFilePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				writers = append(writers, f)
				hasLogFile = true
			} else {
				fmt.Fprintf(os.Stderr, "[collabd] Warning: cannot open log file %s: %v\n", logFilePath, err)
			}
		} else {
			fmt.Fprintf(os.Stderr, "[collabd] Warning: cannot create log dir %s: %v\n", filepath.Dir(logFilePath), err)
		}
	}
	if stderrIsTerminal || !hasLogFile {
		writers = append(writers, os.Stderr)
	}
	return log.New(io.MultiWriter(writers...), "[collabd] ", log.LstdFlags|log.Lshortfile)
}

// runStatusCommand implements "collabd status": task counts and held locks
// from the configured durable store.
func runStatusCommand() {
	cfg, err := policy.LoadConfig("")
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	if cfg.UseMocks {
		fmt.Println("store=memory (no durable state)")
		return
	}
	logger := log.New(io.Discard, "", 0)
	st, err := sqlite.Open(cfg.DatabasePath, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	defer st.Close()

	ctx := context.Background()
	counts, err := st.CountTasksByStatus(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	held, err := st.GetAllLocks(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("queued=%d claimed=%d in_progress=%d completed=%d failed=%d locks=%d\n",
		counts["queued"], counts["claimed"], counts["in-progress"],
		counts["completed"], counts["failed"], len(held))
}
