package types //nolint:revive // types is a valid package name

import (
	"testing"
)

func TestEventKind_IsTerminal(t *testing.T) {
	tests := []struct {
		kind EventKind
		want bool
	}{
		{EventAuditComplete, true},
		{EventAuditError, true},
		{EventAuditResult, false},
		{EventPhaseStart, false},
		{EventPhaseProgress, false},
		{EventPhaseComplete, false},
		{EventFinding, false},
		{EventScreenshot, false},
		{EventLog, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := tt.kind.IsTerminal()
			if got != tt.want {
				t.Errorf("EventKind(%q).IsTerminal() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestEventKind_Throttleable(t *testing.T) {
	tests := []struct {
		kind EventKind
		want bool
	}{
		{EventAuditResult, false},
		{EventAuditError, false},
		{EventAuditComplete, false},
		{EventPhaseStart, true},
		{EventPhaseProgress, true},
		{EventPhaseComplete, true},
		{EventFinding, true},
		{EventScreenshot, true},
		{EventLog, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			got := tt.kind.Throttleable()
			if got != tt.want {
				t.Errorf("EventKind(%q).Throttleable() = %v, want %v", tt.kind, got, tt.want)
			}
		})
	}
}

func TestEventKind_Valid(t *testing.T) {
	for _, k := range []EventKind{
		EventPhaseStart, EventPhaseProgress, EventPhaseComplete,
		EventFinding, EventScreenshot, EventLog,
		EventAuditResult, EventAuditError, EventAuditComplete,
	} {
		if !k.Valid() {
			t.Errorf("EventKind(%q).Valid() = false, want true", k)
		}
	}
	if EventKind("bogus").Valid() {
		t.Error("EventKind(\"bogus\").Valid() = true, want false")
	}
}
