package processors

import "testing"

func TestDiffAccumulateAndFlushJoinsChunks(t *testing.T) {
	d := NewDiff()
	d.Accumulate("--- a\n+++ b")
	d.Accumulate("--- c\n+++ d")

	got := d.Flush()
	want := "--- a\n+++ b\n--- c\n+++ d"
	if got != want {
		t.Errorf("Flush() = %q, want %q", got, want)
	}
}

func TestDiffAccumulateIgnoresEmptyChunks(t *testing.T) {
	d := NewDiff()
	d.Accumulate("")
	if got := d.Flush(); got != "" {
		t.Errorf("Flush() = %q, want empty string for no real accumulation", got)
	}
}

func TestDiffFlushResetsProcessor(t *testing.T) {
	d := NewDiff()
	d.Accumulate("chunk")
	_ = d.Flush()

	if got := d.Flush(); got != "" {
		t.Errorf("second Flush() = %q, want empty after reset", got)
	}
}

func TestDiffResetDiscardsWithoutReturning(t *testing.T) {
	d := NewDiff()
	d.Accumulate("chunk")
	d.Reset()

	if got := d.Flush(); got != "" {
		t.Errorf("Flush() after Reset() = %q, want empty", got)
	}
}
