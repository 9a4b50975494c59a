package canon

import "testing"

func TestEnhancedModeHashEqualForEqualModes(t *testing.T) {
	a := EnhancedMode{PermissionMode: ModeDefault, Model: "gpt-5", ReasoningEffort: EffortHigh}
	b := EnhancedMode{PermissionMode: ModeDefault, Model: "gpt-5", ReasoningEffort: EffortHigh}

	if a.Hash() != b.Hash() {
		t.Errorf("Hash() differs for equal modes: %q vs %q", a.Hash(), b.Hash())
	}
}

func TestEnhancedModeHashDiffersForDifferentModes(t *testing.T) {
	tests := []struct {
		name string
		a, b EnhancedMode
	}{
		{
			name: "different permission mode",
			a:    EnhancedMode{PermissionMode: ModeDefault},
			b:    EnhancedMode{PermissionMode: ModeYolo},
		},
		{
			name: "different model",
			a:    EnhancedMode{PermissionMode: ModeDefault, Model: "gpt-5"},
			b:    EnhancedMode{PermissionMode: ModeDefault, Model: "gpt-5-mini"},
		},
		{
			name: "different overrides",
			a:    EnhancedMode{PermissionMode: ModeDefault, Overrides: &CLIOverrides{ApprovalPolicy: "never"}},
			b:    EnhancedMode{PermissionMode: ModeDefault, Overrides: &CLIOverrides{ApprovalPolicy: "always"}},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.a.Hash() == tt.b.Hash() {
				t.Errorf("Hash() matched for differing modes %+v vs %+v", tt.a, tt.b)
			}
		})
	}
}

func TestEnhancedModeHashStableAcrossCalls(t *testing.T) {
	m := EnhancedMode{PermissionMode: ModeSafeYolo, Model: "gpt-5"}
	if m.Hash() != m.Hash() {
		t.Errorf("Hash() not stable across repeated calls")
	}
}
