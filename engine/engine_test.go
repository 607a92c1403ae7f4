package engine

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

func newTestEngine(t *testing.T, cfg Config) (*Engine, *captureTransport) {
	t.Helper()
	transport := &captureTransport{}
	cfg.Transport = transport
	cfg.Logger = log.NewServiceLogger("test").WithOutput(io.Discard)
	if cfg.Meta.AuditID == "" {
		cfg.Meta = types.SpawnMeta{AuditID: "aud-e2e", Attempt: 1, IPCMode: types.IPCModeQueue}
	}
	// Unthrottled bus keeps the tests fast.
	cfg.Bus.EventsPerSecond = 100000
	eng, err := New(cfg)
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	eng.sleep = func(context.Context, time.Duration) error { return nil }
	return eng, transport
}

func TestEngine_RunCompletedExitZero(t *testing.T) {
	eng, transport := newTestEngine(t, Config{
		URL:         "https://example.com",
		Tier:        types.TierQuickScan,
		VerdictMode: types.VerdictModeSimple,
		Registry:    happyRegistry(82),
	})

	code := eng.Run(context.Background())
	if code != ExitCompleted {
		t.Fatalf("exit code = %d, want %d", code, ExitCompleted)
	}

	events := transport.Events()
	if len(events) == 0 {
		t.Fatal("no events delivered")
	}

	// Exactly one terminal event, and it carries the largest sequence.
	terminals := 0
	var lastKind types.EventKind
	for i, ev := range events {
		if ev.SequenceNo != int64(i+1) {
			t.Fatalf("gap at position %d: sequence %d", i, ev.SequenceNo)
		}
		if ev.Kind.IsTerminal() {
			terminals++
			if i != len(events)-1 {
				t.Error("terminal event is not last")
			}
		}
		lastKind = ev.Kind
	}
	if terminals != 1 {
		t.Fatalf("terminal events = %d, want 1", terminals)
	}
	if lastKind != types.EventAuditComplete {
		t.Errorf("last event = %s, want audit_complete", lastKind)
	}

	// audit_result immediately precedes the terminal event.
	if events[len(events)-2].Kind != types.EventAuditResult {
		t.Errorf("penultimate event = %s, want audit_result", events[len(events)-2].Kind)
	}

	// Queue mode gets the post-terminal verdict control frame.
	if len(transport.verdicts) != 1 {
		t.Fatalf("verdict frames = %d, want 1", len(transport.verdicts))
	}
	frame := transport.verdicts[0]
	if frame.Type != types.VerdictFrameType {
		t.Errorf("frame type = %q", frame.Type)
	}
	if frame.Status != types.StatusCompleted || frame.Verdict == nil || frame.Verdict.TrustScore != 82 {
		t.Errorf("frame = %+v", frame)
	}
}

func TestEngine_RunInvalidURLExitThree(t *testing.T) {
	eng, transport := newTestEngine(t, Config{
		URL:         "ftp://example.com",
		Tier:        types.TierQuickScan,
		VerdictMode: types.VerdictModeSimple,
		Registry:    happyRegistry(50),
	})

	code := eng.Run(context.Background())
	if code != ExitInvalidInput {
		t.Fatalf("exit code = %d, want %d", code, ExitInvalidInput)
	}
	if len(transport.Events()) != 0 {
		t.Error("invalid input must not emit events")
	}
}

func TestEngine_RunAbortedExitTwo(t *testing.T) {
	registry := happyRegistry(0)
	registry.Judge = &fakeAgent{name: "judge", analyze: func(_ context.Context, _ *types.AuditState, _ *agent.Toolkit) (*types.StatePatch, error) {
		return &types.StatePatch{Judge: &types.JudgeDecision{
			Action: types.ActionAbort,
			Reason: "robots refusal",
		}}, nil
	}}

	eng, transport := newTestEngine(t, Config{
		URL:         "https://example.com",
		Tier:        types.TierQuickScan,
		VerdictMode: types.VerdictModeSimple,
		Registry:    registry,
	})

	code := eng.Run(context.Background())
	if code != ExitAborted {
		t.Fatalf("exit code = %d, want %d", code, ExitAborted)
	}

	events := transport.Events()
	last := events[len(events)-1]
	if last.Kind != types.EventAuditComplete {
		t.Errorf("last event = %s, want audit_complete", last.Kind)
	}
	if got := last.Payload["status"]; got != string(types.StatusAborted) {
		t.Errorf("terminal status payload = %v, want aborted", got)
	}
}

func TestEngine_RunErrorExitOne(t *testing.T) {
	registry := happyRegistry(0)
	registry.Scout = &fakeAgent{name: "scout", analyze: func(_ context.Context, _ *types.AuditState, _ *agent.Toolkit) (*types.StatePatch, error) {
		return nil, agent.NewTransient(agent.KindCaptchaBlocked, "captcha wall")
	}}

	eng, transport := newTestEngine(t, Config{
		URL:         "https://example.com",
		Tier:        types.TierQuickScan,
		VerdictMode: types.VerdictModeSimple,
		Registry:    registry,
	})

	code := eng.Run(context.Background())
	if code != ExitError {
		t.Fatalf("exit code = %d, want %d", code, ExitError)
	}

	events := transport.Events()
	last := events[len(events)-1]
	if last.Kind != types.EventAuditError {
		t.Errorf("last event = %s, want audit_error", last.Kind)
	}
	if len(transport.verdicts) != 1 || transport.verdicts[0].Status != types.StatusError {
		t.Errorf("verdict frame = %+v", transport.verdicts)
	}
}
