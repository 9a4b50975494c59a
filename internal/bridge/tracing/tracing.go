// Package tracing is an optional JSONL event trace for debugging a
// live bridge session: every canonical event the launcher dispatches is
// appended to a single file, one JSON object per line. It is grounded
// on the teacher's transport/shared debug.go
// (KANDEV_DEBUG_AGENT_MESSAGES/KANDEV_DEBUG_LOG_DIR LogRawEvent /
// LogNormalizedEvent pair), narrowed to one file per session instead of
// per-protocol-per-agent since the bridge only ever drives one agent.
package tracing

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/kandev/codexbridge/internal/common/logger"
	"go.uber.org/zap"
)

// Tracer appends canonical events to a JSONL file when enabled; the
// zero value is a disabled no-op tracer, so callers can hold a *Tracer
// unconditionally without nil checks.
type Tracer struct {
	enabled bool
	path    string
	logger  *logger.Logger

	mu sync.Mutex
	f  *os.File
}

// New returns a tracer. When enabled is false, every method is a no-op
// and no file is touched. dir defaults to the process cwd when empty.
func New(enabled bool, dir string, log *logger.Logger) *Tracer {
	if !enabled {
		return &Tracer{enabled: false}
	}
	if dir == "" {
		if cwd, err := os.Getwd(); err == nil {
			dir = cwd
		} else {
			dir = "."
		}
	}
	path := filepath.Join(dir, fmt.Sprintf("codexbridge-events-%d.jsonl", time.Now().UnixMilli()))
	return &Tracer{enabled: true, path: path, logger: log.WithFields(zap.String("component", "tracing"))}
}

// TraceEvent appends ev as one JSON line. Failures are logged and
// otherwise swallowed: tracing must never perturb the turn it observes.
func (t *Tracer) TraceEvent(ev canon.Event) {
	if t == nil || !t.enabled {
		return
	}
	entry := struct {
		TS    int64       `json:"ts"`
		Event canon.Event `json:"event"`
	}{TS: time.Now().UnixMilli(), Event: ev}

	line, err := json.Marshal(entry)
	if err != nil {
		t.logger.Warn("failed to marshal trace entry", zap.Error(err))
		return
	}
	t.writeLine(line)
}

func (t *Tracer) writeLine(line []byte) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.f == nil {
		f, err := os.OpenFile(t.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
		if err != nil {
			t.logger.Warn("failed to open trace file", zap.String("path", t.path), zap.Error(err))
			return
		}
		t.f = f
	}
	if _, err := t.f.Write(append(line, '\n')); err != nil {
		t.logger.Warn("failed to write trace line", zap.Error(err))
	}
}

// Close flushes and closes the underlying file, if one was opened.
func (t *Tracer) Close() error {
	if t == nil || !t.enabled {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.f == nil {
		return nil
	}
	err := t.f.Close()
	t.f = nil
	return err
}
