package provider

import (
	"strings"
	"testing"
)

func TestIDMap_MintsStableIDs(t *testing.T) {
	m := NewIDMap()

	id1 := m.Stable("call_abc123")
	if !strings.HasPrefix(id1, "toolu_") {
		t.Errorf("Stable() = %q, want toolu_ prefix", id1)
	}

	// Same native id resolves to the same stable id.
	if id2 := m.Stable("call_abc123"); id2 != id1 {
		t.Errorf("Stable() second call = %q, want %q", id2, id1)
	}

	// Different native ids get distinct stable ids.
	if id3 := m.Stable("call_def456"); id3 == id1 {
		t.Error("distinct native ids must not collide")
	}

	if m.Len() != 2 {
		t.Errorf("Len() = %d, want 2", m.Len())
	}
}

func TestIDMap_PassthroughNativeToolu(t *testing.T) {
	m := NewIDMap()
	if got := m.Stable("toolu_01XYZ"); got != "toolu_01XYZ" {
		t.Errorf("Stable(toolu id) = %q, want passthrough", got)
	}
	if got := m.Native("toolu_01XYZ"); got != "toolu_01XYZ" {
		t.Errorf("Native() = %q, want identity", got)
	}
}

func TestIDMap_NativeRoundTrip(t *testing.T) {
	m := NewIDMap()
	stable := m.Stable("fc_gemini_7")
	if got := m.Native(stable); got != "fc_gemini_7" {
		t.Errorf("Native(%q) = %q, want fc_gemini_7", stable, got)
	}
	// Unmapped stable ids fall through unchanged.
	if got := m.Native("toolu_unseen"); got != "toolu_unseen" {
		t.Errorf("Native(unseen) = %q, want identity", got)
	}
}

func TestIDMap_EmptyNativeMintsFresh(t *testing.T) {
	m := NewIDMap()
	a := m.Stable("")
	b := m.Stable("")
	if a == b {
		t.Error("empty native ids must mint distinct stable ids")
	}
	if !strings.HasPrefix(a, "toolu_") || !strings.HasPrefix(b, "toolu_") {
		t.Errorf("minted ids %q, %q missing toolu_ prefix", a, b)
	}
}
