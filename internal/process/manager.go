// Package process implements C11, the Codex subprocess manager. It is a
// deliberately scoped-down sibling of the teacher's
// internal/agentctl/server/process package: no VSCode launching, no
// workspace git tracking, no dev-server script runner, no one-shot
// adapter branch. What survives is the part every one of those
// concerns shared — spawn, pipe stdio, buffer recent stderr for error
// context, track status, and kill on stop — generalized to the single
// subprocess this bridge ever runs: `codex app-server`.
//
// The subprocess is started under a pty (github.com/creack/pty, the
// same allocation idiom as the teacher's shell.Session) rather than
// plain os/exec pipes: Codex's CLI detects an interactive terminal to
// decide whether to emit ANSI formatting into stderr diagnostics, and
// running under a pty keeps that behavior consistent with how a human
// operator would invoke it.
package process

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/creack/pty"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Status is the subprocess lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopping Status = "stopping"
	StatusError    Status = "error"
)

// stderrBufferSize bounds how many recent stderr lines are retained for
// error-parsing context (see internal/bridge/errparse).
const stderrBufferSize = 50

// Config describes how to launch the Codex subprocess.
type Config struct {
	Command string   // e.g. "codex"
	Args    []string // e.g. ["app-server"]
	WorkDir string
	Env     []string
}

// Manager owns a single Codex subprocess for the lifetime of the
// bridge. It is not reused across restarts of the subprocess: a new
// Manager is constructed per Start.
type Manager struct {
	cfg    Config
	logger *logger.Logger

	cmd *exec.Cmd
	pty *os.File

	status   atomic.Value
	exitCode atomic.Int32

	stderrMu     sync.Mutex
	stderrBuffer []string

	doneCh chan struct{}
}

// NewManager returns a manager configured to launch cfg. Start has not
// been called yet.
func NewManager(cfg Config, log *logger.Logger) *Manager {
	m := &Manager{cfg: cfg, logger: log.WithFields(zap.String("component", "process-manager"))}
	m.status.Store(StatusStopped)
	m.exitCode.Store(-1)
	return m
}

// Status returns the current lifecycle state.
func (m *Manager) Status() Status {
	return m.status.Load().(Status)
}

// Start launches the subprocess under a pty and returns io streams the
// caller (the app-server rpc.Client) reads/writes. The returned
// io.Writer/io.Reader are the same pty file descriptor, matching how a
// real terminal multiplexes stdin and stdout.
func (m *Manager) Start(ctx context.Context) (io.Writer, io.Reader, error) {
	if m.Status() == StatusRunning || m.Status() == StatusStarting {
		return nil, nil, fmt.Errorf("process already running")
	}
	if m.cfg.Command == "" {
		return nil, nil, fmt.Errorf("no command configured")
	}

	m.status.Store(StatusStarting)
	m.logger.Info("starting codex subprocess",
		zap.String("command", m.cfg.Command), zap.Strings("args", m.cfg.Args), zap.String("workdir", m.cfg.WorkDir))

	cmd := exec.Command(m.cfg.Command, m.cfg.Args...)
	cmd.Dir = m.cfg.WorkDir
	cmd.Env = m.cfg.Env

	stderr, err := cmd.StderrPipe()
	if err != nil {
		m.status.Store(StatusError)
		return nil, nil, fmt.Errorf("create stderr pipe: %w", err)
	}

	ptyFile, err := pty.StartWithSize(cmd, &pty.Winsize{Rows: 24, Cols: 80})
	if err != nil {
		m.status.Store(StatusError)
		return nil, nil, fmt.Errorf("start codex subprocess: %w", err)
	}

	m.cmd = cmd
	m.pty = ptyFile
	m.doneCh = make(chan struct{})
	m.status.Store(StatusRunning)

	go m.bufferStderr(stderr)
	go m.wait()

	return ptyFile, ptyFile, nil
}

func (m *Manager) bufferStderr(r io.Reader) {
	buf := make([]byte, 4096)
	var partial string
	for {
		n, err := r.Read(buf)
		if n > 0 {
			partial += string(buf[:n])
			for {
				idx := strings.IndexByte(partial, '\n')
				if idx < 0 {
					break
				}
				m.appendStderrLine(partial[:idx])
				partial = partial[idx+1:]
			}
		}
		if err != nil {
			if partial != "" {
				m.appendStderrLine(partial)
			}
			return
		}
	}
}

func (m *Manager) appendStderrLine(line string) {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	m.stderrBuffer = append(m.stderrBuffer, line)
	if len(m.stderrBuffer) > stderrBufferSize {
		m.stderrBuffer = m.stderrBuffer[len(m.stderrBuffer)-stderrBufferSize:]
	}
}

// RecentStderr returns the most recently buffered stderr lines, oldest
// first, for error-parsing context when the subprocess exits abnormally.
func (m *Manager) RecentStderr() []string {
	m.stderrMu.Lock()
	defer m.stderrMu.Unlock()
	out := make([]string, len(m.stderrBuffer))
	copy(out, m.stderrBuffer)
	return out
}

func (m *Manager) wait() {
	err := m.cmd.Wait()
	code := 0
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			code = exitErr.ExitCode()
		} else {
			code = -1
		}
	}
	m.exitCode.Store(int32(code))
	if m.Status() != StatusStopping {
		m.status.Store(StatusError)
	} else {
		m.status.Store(StatusStopped)
	}
	close(m.doneCh)
}

// Stop terminates the subprocess, waiting up to timeout for it to exit
// before sending SIGKILL.
func (m *Manager) Stop(timeout time.Duration) error {
	if m.Status() != StatusRunning {
		return nil
	}
	m.status.Store(StatusStopping)
	if m.cmd == nil || m.cmd.Process == nil {
		return nil
	}

	_ = m.cmd.Process.Signal(os.Interrupt)
	select {
	case <-m.doneCh:
	case <-time.After(timeout):
		_ = m.cmd.Process.Kill()
		<-m.doneCh
	}
	if m.pty != nil {
		_ = m.pty.Close()
	}
	return nil
}

// ExitCode returns the subprocess's exit code, or -1 if still running.
func (m *Manager) ExitCode() int {
	return int(m.exitCode.Load())
}

// Done returns a channel closed once the subprocess has exited.
func (m *Manager) Done() <-chan struct{} {
	return m.doneCh
}
