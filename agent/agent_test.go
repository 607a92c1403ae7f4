package agent

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/veritaslabs/veritas/types"
)

type stubAgent struct{ name string }

func (s *stubAgent) Name() string { return s.name }
func (s *stubAgent) Analyze(context.Context, *types.AuditState, *Toolkit) (*types.StatePatch, error) {
	return &types.StatePatch{}, nil
}

func fullRegistry() *Registry {
	return &Registry{
		Scout:    &stubAgent{name: "scout"},
		Security: &stubAgent{name: "security"},
		Vision:   &stubAgent{name: "vision"},
		Graph:    &stubAgent{name: "graph"},
		Judge:    &stubAgent{name: "judge"},
	}
}

func TestRegistry_ForPhase(t *testing.T) {
	reg := fullRegistry()

	tests := []struct {
		phase types.Phase
		want  string
	}{
		{types.PhaseScout, "scout"},
		{types.PhaseSecurity, "security"},
		{types.PhaseVision, "vision"},
		{types.PhaseGraph, "graph"},
		{types.PhaseJudge, "judge"},
	}
	for _, tt := range tests {
		t.Run(string(tt.phase), func(t *testing.T) {
			got, err := reg.ForPhase(tt.phase)
			if err != nil {
				t.Fatalf("ForPhase(%s) failed: %v", tt.phase, err)
			}
			if got.Name() != tt.want {
				t.Errorf("ForPhase(%s).Name() = %q, want %q", tt.phase, got.Name(), tt.want)
			}
		})
	}

	if _, err := reg.ForPhase(types.PhaseInit); err == nil {
		t.Error("ForPhase(init) should fail: init has no agent")
	}
}

func TestRegistry_Validate(t *testing.T) {
	if err := fullRegistry().Validate(); err != nil {
		t.Errorf("full registry should validate: %v", err)
	}

	missing := fullRegistry()
	missing.Vision = nil
	err := missing.Validate()
	if err == nil {
		t.Fatal("registry missing vision agent should not validate")
	}
	if KindOf(err) != KindAgentError {
		t.Errorf("KindOf = %q, want agent_error", KindOf(err))
	}
}

func TestError_KindAndTransience(t *testing.T) {
	tests := []struct {
		name          string
		err           error
		wantKind      string
		wantTransient bool
	}{
		{
			name:          "transient navigation timeout",
			err:           NewTransient(KindNavigationTimeout, "page load exceeded 30s"),
			wantKind:      KindNavigationTimeout,
			wantTransient: true,
		},
		{
			name:          "bot blocked is not transient",
			err:           NewError(KindBotBlocked, "datadome challenge"),
			wantKind:      KindBotBlocked,
			wantTransient: false,
		},
		{
			name:          "wrapped cause keeps kind",
			err:           fmt.Errorf("stage failed: %w", WrapError(KindVLMUnavailable, errors.New("502 from model gateway"))),
			wantKind:      KindVLMUnavailable,
			wantTransient: false,
		},
		{
			name:          "untyped error maps to agent_error",
			err:           errors.New("panic recovered"),
			wantKind:      KindAgentError,
			wantTransient: false,
		},
		{
			name:     "nil has no kind",
			err:      nil,
			wantKind: "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.wantKind {
				t.Errorf("KindOf = %q, want %q", got, tt.wantKind)
			}
			if got := IsTransient(tt.err); got != tt.wantTransient {
				t.Errorf("IsTransient = %v, want %v", got, tt.wantTransient)
			}
		})
	}
}

func TestError_MessageFormat(t *testing.T) {
	plain := NewError(KindDNSFailed, "no such host")
	if plain.Error() != "dns_failed: no such host" {
		t.Errorf("Error() = %q", plain.Error())
	}

	wrapped := WrapError(KindModuleError, errors.New("connection refused"))
	if wrapped.Error() != "module_error: connection refused" {
		t.Errorf("Error() = %q", wrapped.Error())
	}
	if !errors.Is(wrapped, wrapped.Err) {
		t.Error("Unwrap should expose the cause")
	}
}
