package canon

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"time"
)

// PermissionMode is the set of approval/sandbox postures the hub can put
// the session into. Changing it mid-session changes the mode hash and
// (for non-app-server transports) forces a session restart.
type PermissionMode string

const (
	ModeDefault  PermissionMode = "default"
	ModeReadOnly PermissionMode = "read-only"
	ModeSafeYolo PermissionMode = "safe-yolo"
	ModeYolo     PermissionMode = "yolo"
)

// ReasoningEffort is forwarded to the transport only when it is one of
// the four recognized values; anything else is treated as unset.
type ReasoningEffort string

const (
	EffortLow    ReasoningEffort = "low"
	EffortMedium ReasoningEffort = "medium"
	EffortHigh   ReasoningEffort = "high"
	EffortXHigh  ReasoningEffort = "xhigh"
)

// CLIOverrides carries sandbox/approval overrides the hub may pin on top
// of the mode-derived defaults. Only honoured when PermissionMode is
// ModeDefault (see launcher.optionsForMode).
type CLIOverrides struct {
	ApprovalPolicy string
	SandboxPolicy  string
}

// EnhancedMode is the full set of turn-affecting settings a queued
// message carries. Two EnhancedMode values that are semantically equal
// MUST hash equal; Hash below satisfies that by serializing the
// exported fields through encoding/json, which is stable for this
// struct's shape.
type EnhancedMode struct {
	PermissionMode  PermissionMode  `json:"permission_mode"`
	Model           string          `json:"model,omitempty"`
	ReasoningEffort ReasoningEffort `json:"reasoning_effort,omitempty"`
	Overrides       *CLIOverrides   `json:"overrides,omitempty"`
}

// Hash returns a stable digest of the mode, used to detect that the hub
// reconfigured permissions/model mid-session.
func (m EnhancedMode) Hash() string {
	// json.Marshal of a struct with fixed field order is stable across
	// calls, which is all Hash needs: equal modes must hash equal, not
	// that the hash survives a struct-shape change across versions.
	b, _ := json.Marshal(m)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:8])
}

// QueuedMessage is one pending prompt awaiting the orchestrator. Hash is
// computed once at push time so the launcher can compare it against the
// session's currentModeHash without re-serializing Mode on every check.
type QueuedMessage struct {
	Message string
	Mode    EnhancedMode
	Isolate bool
	Hash    string
}

// Session is the per-process singleton the orchestrator mutates. There is
// exactly one Session for the lifetime of the bridge process; it is
// created on startup and discarded on orderly exit.
type Session struct {
	SessionID       string
	Path            string
	Thinking        bool
	CLIOverrides    *CLIOverrides
	PermissionMode  PermissionMode
	Model           string
	ReasoningEffort ReasoningEffort
}

// Turn is transient orchestrator state for the single turn that may be
// in flight at any time. It is reset at the start of every turn and
// discarded (not reused) once the turn reaches a terminal event.
type Turn struct {
	TurnID           string
	StartedAt        time.Time
	LastProgressAt   time.Time
	Aborted          bool
	WatchdogNotified bool
}

// ApprovalRequest is an outstanding approval prompt, keyed by ID in the
// permission handler's outstanding set (internal/bridge/permission).
type ApprovalRequest struct {
	ID       string
	ToolName string
	Command  string
	Cwd      string
	Message  string
	Tool     string
}
