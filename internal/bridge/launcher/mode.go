package launcher

import (
	"strings"

	"github.com/kandev/codexbridge/internal/bridge/canon"
)

// optionsForMode derives TransportOptions from mode, per the mapping in
// spec section 4.7. isAppServer selects between the app-server and SDK
// approval-policy columns (the SDK has no approval-callback bridge, so
// every mode maps to on-failure there save read-only).
func optionsForMode(mode canon.EnhancedMode, isAppServer bool) TransportOptions {
	opts := TransportOptions{
		Model:           mode.Model,
		ReasoningEffort: normalizeEffort(mode.ReasoningEffort),
	}

	switch mode.PermissionMode {
	case canon.ModeReadOnly:
		opts.ApprovalPolicy = "never"
		opts.SandboxPolicy = "read-only"
	case canon.ModeSafeYolo:
		opts.ApprovalPolicy = "on-failure"
		opts.SandboxPolicy = "workspace-write"
	case canon.ModeYolo:
		opts.ApprovalPolicy = "on-failure"
		opts.SandboxPolicy = "danger-full-access"
	default: // ModeDefault
		if isAppServer {
			opts.ApprovalPolicy = "on-request"
		} else {
			opts.ApprovalPolicy = "on-failure"
		}
		opts.SandboxPolicy = "workspace-write"
	}

	// CLI overrides are honoured only when permissionMode == default.
	if mode.PermissionMode == canon.ModeDefault && mode.Overrides != nil {
		if mode.Overrides.ApprovalPolicy != "" {
			opts.ApprovalPolicy = mode.Overrides.ApprovalPolicy
		}
		if mode.Overrides.SandboxPolicy != "" {
			opts.SandboxPolicy = mode.Overrides.SandboxPolicy
		}
	}

	return opts
}

// normalizeEffort forwards only the four recognized values; anything
// else (including "") is treated as unset.
func normalizeEffort(e canon.ReasoningEffort) canon.ReasoningEffort {
	switch e {
	case canon.EffortLow, canon.EffortMedium, canon.EffortHigh, canon.EffortXHigh:
		return e
	default:
		return ""
	}
}

// sessionInvalidationSubstrings are the lowercase substrings of spec
// section 4.7 step 7. isSessionInvalidation lowercases the error message
// before matching, so the match is case-insensitive.
var sessionInvalidationSubstrings = []string{
	"no active session",
	"session not found",
	"conversation not found",
	"invalid session",
	"invalid conversation",
	"thread not found",
}

func isSessionInvalidation(message string) bool {
	lower := strings.ToLower(message)
	for _, s := range sessionInvalidationSubstrings {
		if strings.Contains(lower, s) {
			return true
		}
	}
	return false
}
