package snapshot

import (
	"testing"

	"github.com/rs/zerolog"
)

func discardLogger() zerolog.Logger {
	return zerolog.Nop()
}

func TestManager_NotConsistentSkipsExport(t *testing.T) {
	m := NewManager(nil, true, discardLogger())
	if err := m.Export(t.Context(), t.TempDir()+"/snapshot"); err != nil {
		t.Fatalf("Export in --not-consistent mode should not touch the pool: %v", err)
	}
	if m.Token() != "" {
		t.Fatalf("Token() = %q, want empty in --not-consistent mode", m.Token())
	}
	if m.state != StateUnset {
		t.Fatalf("state = %v, want StateUnset", m.state)
	}
}
