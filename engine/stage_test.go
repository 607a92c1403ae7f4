package engine

import (
	"context"
	"testing"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/types"
)

func TestStageRunner_HungAgentEscalates(t *testing.T) {
	release := make(chan struct{})
	t.Cleanup(func() { close(release) })

	registry := happyRegistry(80)
	registry.Scout = &fakeAgent{name: "scout", analyze: func(ctx context.Context, _ *types.AuditState, _ *agent.Toolkit) (*types.StatePatch, error) {
		// Ignores the context entirely.
		<-release
		return nil, ctx.Err()
	}}

	orch, state, b, transport := testHarness(t, types.TierQuickScan, registry)
	orch.stages.grace = 20 * time.Millisecond

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	patch, err := orch.stages.run(ctx, types.PhaseScout, state)
	_ = b.Close()

	if err == nil {
		t.Fatal("expected an error from the abandoned agent")
	}
	if kind := agent.KindOf(err); kind != agent.KindCancelEscalated {
		t.Errorf("error kind = %s, want cancel_escalated", kind)
	}
	if patch != nil {
		t.Error("abandoned agent must not contribute a patch")
	}

	failed := 0
	for _, ev := range transport.Events() {
		if ev.Kind == types.EventPhaseComplete && ev.Payload["error_kind"] == agent.KindCancelEscalated {
			failed++
		}
	}
	if failed != 1 {
		t.Errorf("escalated phase_complete events = %d, want 1", failed)
	}
}

func TestStageRunner_CooperativeTimeoutStaysAgentTimeout(t *testing.T) {
	registry := happyRegistry(80)
	registry.Scout = &fakeAgent{name: "scout", analyze: func(ctx context.Context, _ *types.AuditState, _ *agent.Toolkit) (*types.StatePatch, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}}

	orch, state, b, _ := testHarness(t, types.TierQuickScan, registry)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := orch.stages.run(ctx, types.PhaseScout, state)
	_ = b.Close()

	if err == nil {
		t.Fatal("expected a timeout error")
	}
	if kind := agent.KindOf(err); kind != agent.KindAgentTimeout {
		t.Errorf("error kind = %s, want agent_timeout", kind)
	}
}
