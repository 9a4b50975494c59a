package launcher

import (
	"testing"

	"github.com/kandev/codexbridge/internal/bridge/canon"
	"github.com/stretchr/testify/require"
)

func TestOptionsForModeMapping(t *testing.T) {
	tests := []struct {
		name           string
		mode           canon.PermissionMode
		isAppServer    bool
		wantApproval   string
		wantSandbox    string
	}{
		{name: "read-only", mode: canon.ModeReadOnly, isAppServer: true, wantApproval: "never", wantSandbox: "read-only"},
		{name: "safe-yolo", mode: canon.ModeSafeYolo, isAppServer: true, wantApproval: "on-failure", wantSandbox: "workspace-write"},
		{name: "yolo", mode: canon.ModeYolo, isAppServer: true, wantApproval: "on-failure", wantSandbox: "danger-full-access"},
		{name: "default on app-server", mode: canon.ModeDefault, isAppServer: true, wantApproval: "on-request", wantSandbox: "workspace-write"},
		{name: "default on sdk/mcp", mode: canon.ModeDefault, isAppServer: false, wantApproval: "on-failure", wantSandbox: "workspace-write"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			opts := optionsForMode(canon.EnhancedMode{PermissionMode: tt.mode}, tt.isAppServer)
			require.Equal(t, tt.wantApproval, opts.ApprovalPolicy)
			require.Equal(t, tt.wantSandbox, opts.SandboxPolicy)
		})
	}
}

func TestOptionsForModeHonoursOverridesOnlyInDefaultMode(t *testing.T) {
	overrides := &canon.CLIOverrides{ApprovalPolicy: "always", SandboxPolicy: "read-only"}

	defaultMode := canon.EnhancedMode{PermissionMode: canon.ModeDefault, Overrides: overrides}
	opts := optionsForMode(defaultMode, true)
	require.Equal(t, "always", opts.ApprovalPolicy)
	require.Equal(t, "read-only", opts.SandboxPolicy)

	yoloMode := canon.EnhancedMode{PermissionMode: canon.ModeYolo, Overrides: overrides}
	opts = optionsForMode(yoloMode, true)
	require.Equal(t, "on-failure", opts.ApprovalPolicy, "overrides must not apply outside default mode")
}

func TestNormalizeEffort(t *testing.T) {
	tests := []struct {
		in   canon.ReasoningEffort
		want canon.ReasoningEffort
	}{
		{in: canon.EffortLow, want: canon.EffortLow},
		{in: canon.EffortXHigh, want: canon.EffortXHigh},
		{in: canon.ReasoningEffort("nonsense"), want: ""},
		{in: "", want: ""},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, normalizeEffort(tt.in))
	}
}

func TestIsSessionInvalidation(t *testing.T) {
	tests := []struct {
		name string
		msg  string
		want bool
	}{
		{name: "exact phrase", msg: "Error: no active session", want: true},
		{name: "case insensitive", msg: "SESSION NOT FOUND for thread abc", want: true},
		{name: "thread not found", msg: "thread not found: xyz", want: true},
		{name: "unrelated error", msg: "rate limit exceeded", want: false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, isSessionInvalidation(tt.msg))
		})
	}
}
