// Package sdk implements C3, the native-SDK transport: it drives Codex
// via `codex exec --json`, Codex's own structured event stream, rather
// than the app-server's JSON-RPC dialect. Each turn is a fresh
// subprocess (Codex's exec mode is one-shot); continuity across turns
// is carried by Codex's own `--resume <thread-id>` flag rather than a
// long-lived connection, which is why SupportsResume here means
// "pass --resume", not "keep a session open" as it does for app-server.
package sdk

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/bridge/launcher"
	"github.com/kandev/codexbridge/internal/bridge/permission"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Transport implements launcher.Transport over `codex exec --json`. It
// has no approval-callback channel (spec section 4.7): every mode but
// read-only maps to on-failure, so RespondApproval is a no-op here.
type Transport struct {
	command string
	cwd     string
	logger  *logger.Logger

	mapper *Mapper

	mu      sync.Mutex
	cmd     *exec.Cmd
	cancel  context.CancelFunc
}

var _ launcher.Transport = (*Transport)(nil)

// New constructs an SDK transport invoking `command exec` (normally
// "codex") in cwd.
func New(command, cwd string, log *logger.Logger) *Transport {
	l := log.WithFields(zap.String("component", "sdk-transport"))
	return &Transport{command: command, cwd: cwd, logger: l, mapper: NewMapper(l)}
}

func (t *Transport) IsAppServer() bool { return false }

// Connect is a no-op: there is no persistent session to open, only
// per-turn subprocesses.
func (t *Transport) Connect(ctx context.Context) error { return nil }

// StartThread allocates a local thread id; Codex itself assigns its own
// thread id on the first turn's thread.started event, which overrides
// this placeholder via the mapper.
func (t *Transport) StartThread(ctx context.Context, opts launcher.TransportOptions) (string, error) {
	return uuid.New().String(), nil
}

func (t *Transport) ResumeThread(ctx context.Context, threadID string, opts launcher.TransportOptions) (string, error) {
	return threadID, nil
}

func (t *Transport) SupportsResume() bool { return true }

func (t *Transport) StartTurn(ctx context.Context, threadID, input string) (string, <-chan canon.Event, error) {
	t.mapper.Reset()
	turnCtx, cancel := context.WithCancel(ctx)

	args := []string{"exec", "--json"}
	if threadID != "" {
		args = append(args, "--resume", threadID)
	}
	cmd := exec.CommandContext(turnCtx, t.command, args...)
	cmd.Dir = t.cwd

	stdin, err := cmd.StdinPipe()
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("sdk transport: stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return "", nil, fmt.Errorf("sdk transport: stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return "", nil, fmt.Errorf("sdk transport: start: %w", err)
	}

	t.mu.Lock()
	t.cmd = cmd
	t.cancel = cancel
	t.mu.Unlock()

	if _, err := io.WriteString(stdin, input+"\n"); err != nil {
		t.logger.Warn("failed to write turn input", zap.Error(err))
	}
	_ = stdin.Close()

	turnID := t.mapper.AllocateTurnID()
	events := make(chan canon.Event, 64)
	go t.readEvents(stdout, events)
	return turnID, events, nil
}

func (t *Transport) readEvents(stdout io.Reader, events chan<- canon.Event) {
	defer close(events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var ev ThreadEvent
		if err := json.Unmarshal(line, &ev); err != nil {
			t.logger.Debug("failed to parse sdk event line", zap.Error(err))
			continue
		}
		for _, canonEv := range t.mapper.Convert(ev) {
			events <- canonEv
		}
	}
	if err := scanner.Err(); err != nil {
		t.logger.Warn("sdk stdout scan error", zap.Error(err))
	}
}

func (t *Transport) InterruptTurn(ctx context.Context, threadID, turnID string) error {
	t.mu.Lock()
	cancel := t.cancel
	cmd := t.cmd
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	if cmd != nil && cmd.Process != nil {
		return cmd.Process.Kill()
	}
	return nil
}

func (t *Transport) ClearThread() {
	t.mapper.Reset()
}

func (t *Transport) ResetTurnState() {
	t.mapper.Reset()
}

// RespondApproval is a no-op: the SDK transport has no approval-callback
// channel (spec section 4.7); approvals are resolved by Codex's own
// on-failure sandbox policy, not a round trip through the bridge.
func (t *Transport) RespondApproval(id string, dec permission.Decision) error {
	return nil
}

func (t *Transport) Disconnect() error {
	t.mu.Lock()
	cancel := t.cancel
	t.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return nil
}
