// Command codexbridge is the entry point for the Codex remote agent
// bridge: a single-session relay that connects to a remote hub over a
// WebSocket and drives a local Codex process through one of three
// transport dialects (app-server JSON-RPC, native SDK, or MCP), per the
// config's codex.useSdk/codex.useMcpServer selection.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kandev/codexbridge/internal/bridge/buffer"
	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/launcher"
	"github.com/kandev/codexbridge/internal/bridge/permission"
	"github.com/kandev/codexbridge/internal/bridge/queue"
	"github.com/kandev/codexbridge/internal/bridge/tracing"
	"github.com/kandev/codexbridge/internal/bridge/transport/appserver"
	"github.com/kandev/codexbridge/internal/bridge/transport/mcpwrap"
	"github.com/kandev/codexbridge/internal/bridge/transport/sdk"
	"github.com/kandev/codexbridge/internal/common/appctx"
	"github.com/kandev/codexbridge/internal/common/config"
	"github.com/kandev/codexbridge/internal/common/logger"
	"github.com/kandev/codexbridge/internal/hub"
	"github.com/kandev/codexbridge/internal/process"
	"go.uber.org/zap"
)

const (
	queueCapacity  = 32
	bufferCapacity = 200
	exitTimeout    = 10 * time.Second
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	log, err := logger.NewLogger(logger.LoggingConfig{
		Level:      cfg.Logging.Level,
		Format:     cfg.Logging.Format,
		OutputPath: cfg.Logging.OutputPath,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to initialize logger: %v\n", err)
		os.Exit(1)
	}
	defer log.Sync()

	log.Info("starting codexbridge",
		zap.String("hub_url", cfg.Hub.URL),
		zap.Bool("use_sdk", cfg.Codex.UseSDK),
		zap.Bool("use_mcp_server", cfg.Codex.UseMCPServer),
	)

	hubClient := hub.New(cfg.Hub.URL, log)

	transport := selectTransport(*cfg, log)

	q := queue.New(queueCapacity)
	buf := buffer.New(bufferCapacity)
	perm := permission.NewHandler(hubClient, log)
	tracer := tracing.New(cfg.Debug.TraceEvents, cfg.Debug.TraceDir, log)
	defer tracer.Close()
	l := launcher.New(transport, q, buf, perm, hubClient, log).WithTracer(tracer)

	registerHubHandlers(hubClient, l, log)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := hubClient.Connect(ctx); err != nil {
		log.Fatal("failed to connect to hub", zap.Error(err))
	}
	if err := transport.Connect(ctx); err != nil {
		log.Fatal("failed to connect to codex transport", zap.Error(err))
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return l.Run(gctx) })
	g.Go(func() error { l.StartWatchdog(gctx); return nil })
	g.Go(func() error { return hubClient.Run(gctx) })

	<-gctx.Done()
	log.Info("shutting down codexbridge")

	// Exit must complete even though gctx (and the process's own signal
	// context) is already cancelled, so it runs on a context detached
	// from both, bounded only by exitTimeout.
	exitCtx, cancel := appctx.Detached(ctx, make(chan struct{}), exitTimeout)
	defer cancel()
	if err := l.Exit(exitCtx); err != nil {
		log.Error("error during launcher exit", zap.Error(err))
	}
	_ = hubClient.Close()

	if err := g.Wait(); err != nil && err != context.Canceled {
		log.Error("launcher exited with error", zap.Error(err))
	}
	log.Info("codexbridge stopped")
}

// selectTransport picks the transport dialect per spec section 4.7's
// precedence: SDK, then MCP, then app-server as the default.
func selectTransport(cfg config.Config, log *logger.Logger) launcher.Transport {
	switch {
	case cfg.Codex.UseSDK:
		return sdk.New(cfg.Codex.Command, cfg.Codex.WorkDir, log)
	case cfg.Codex.UseMCPServer:
		return mcpwrap.New(cfg.Codex.Command, []string{"mcp"}, cfg.Codex.WorkDir, log)
	default:
		return appserver.New(process.Config{
			Command: cfg.Codex.Command,
			Args:    []string{"app-server"},
			WorkDir: cfg.Codex.WorkDir,
		}, cfg.Codex.WorkDir, log)
	}
}

// registerHubHandlers wires the hub-initiated requests this bridge
// answers: enqueueing a message, aborting the in-flight turn, and
// resolving an outstanding approval.
func registerHubHandlers(hubClient *hub.Client, l *launcher.Launcher, log *logger.Logger) {
	log.Info("registering hub handlers")

	hubClient.RegisterHandler("message", func(payload json.RawMessage) (any, error) {
		var req struct {
			Message string             `json:"message"`
			Mode    canon.EnhancedMode `json:"mode"`
			Isolate bool               `json:"isolate"`
		}
		if err := json.Unmarshal(payload, &req); err != nil {
			return nil, fmt.Errorf("invalid message payload: %w", err)
		}
		l.Enqueue(req.Message, req.Mode, req.Isolate)
		return map[string]any{"queued": true}, nil
	})

	hubClient.RegisterHandler("abort", func(payload json.RawMessage) (any, error) {
		l.Abort(context.Background())
		return map[string]any{"aborted": true}, nil
	})

	hubClient.RegisterHandler("switchToLocal", func(payload json.RawMessage) (any, error) {
		if err := l.Exit(context.Background()); err != nil {
			return nil, err
		}
		return map[string]any{"exited": true}, nil
	})

	// Spec section 6.1 describes three separate approval-decision endpoints
	// (command execution, file change, generic tool input); all three
	// decisions carry the same {id, decision} shape and resolve the same
	// permission.Handler by call id regardless of which kind of approval
	// they answer, so one correlated handler here covers all three rather
	// than registering three identical closures.
	hubClient.RegisterHandler("approvalDecision", func(payload json.RawMessage) (any, error) {
		var dec permission.Decision
		if err := json.Unmarshal(payload, &dec); err != nil {
			return nil, fmt.Errorf("invalid approval decision payload: %w", err)
		}
		l.HandleApprovalDecision(dec)
		return map[string]any{"acknowledged": true}, nil
	})
}
