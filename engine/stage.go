package engine

import (
	"context"
	"errors"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/budget"
	"github.com/veritaslabs/veritas/bus"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

// Per-phase timeout caps. A stage's deadline is the smaller of its cap and
// the remaining wall budget.
var phaseCaps = map[types.Phase]time.Duration{
	types.PhaseScout:    60 * time.Second,
	types.PhaseSecurity: 30 * time.Second,
	types.PhaseVision:   45 * time.Second,
	types.PhaseGraph:    30 * time.Second,
	types.PhaseJudge:    10 * time.Second,
}

const (
	scoutRetryInitial = time.Second
	scoutRetryCap     = 30 * time.Second
)

// cancelGrace is how long an agent may outlive its expired context before
// the stage runner abandons it and reports cancel_escalated.
const cancelGrace = 5 * time.Second

// stageRunner wraps agents with the lifecycle every stage shares:
// phase_start, deadline, execution, phase_complete or phase_failed.
// Blocked-scout retries are routed by the orchestrator; every entry here
// is exactly one agent attempt.
type stageRunner struct {
	registry *agent.Registry
	bus      *bus.Bus
	toolkit  *agent.Toolkit
	tracker  *budget.Tracker
	logger   *log.Logger

	// sleep is swapped in tests to skip real backoff waits.
	sleep func(ctx context.Context, d time.Duration) error
	// grace is shortened in tests.
	grace time.Duration
}

func newStageRunner(registry *agent.Registry, b *bus.Bus, tk *agent.Toolkit, tracker *budget.Tracker, logger *log.Logger) *stageRunner {
	return &stageRunner{
		registry: registry,
		bus:      b,
		toolkit:  tk,
		tracker:  tracker,
		logger:   logger,
		sleep:    sleepCtx,
		grace:    cancelGrace,
	}
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// run executes one stage against a snapshot of the state. The returned
// patch may be non-nil even on error: partial evidence still counts.
func (r *stageRunner) run(ctx context.Context, phase types.Phase, state *types.AuditState) (*types.StatePatch, error) {
	ag, err := r.registry.ForPhase(phase)
	if err != nil {
		return nil, err
	}
	if err := r.bus.PhaseStart(phase, state.Iteration, ""); err != nil {
		return nil, err
	}

	start := time.Now()
	patch, err := r.runOnce(ctx, phase, ag, state)
	elapsed := time.Since(start)

	if err != nil {
		kind := agent.KindOf(err)
		if errors.Is(err, context.DeadlineExceeded) {
			kind = agent.KindAgentTimeout
		}
		_ = r.bus.PhaseFailed(phase, elapsed, kind, err.Error())
		r.logger.Warn("stage failed", map[string]any{
			"phase":      string(phase),
			"error_kind": kind,
			"elapsed_ms": elapsed.Milliseconds(),
		})
		return patch, err
	}

	_ = r.bus.PhaseComplete(phase, elapsed, patchFindingCount(patch))
	return patch, nil
}

// runOnce runs the agent under min(remaining budget, phase cap). An agent
// that ignores its dead context past the graceful window is abandoned and
// reported as cancel_escalated.
func (r *stageRunner) runOnce(ctx context.Context, phase types.Phase, ag agent.Agent, state *types.AuditState) (*types.StatePatch, error) {
	deadline := phaseCaps[phase]
	if remaining := r.tracker.Remaining(); remaining < deadline {
		deadline = remaining
	}
	if deadline <= 0 {
		return nil, agent.NewError(agent.KindAgentTimeout, "wall budget exhausted before "+string(phase))
	}

	stageCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	type analyzeResult struct {
		patch *types.StatePatch
		err   error
	}
	settle := func(res analyzeResult) (*types.StatePatch, error) {
		if res.err != nil && errors.Is(stageCtx.Err(), context.DeadlineExceeded) {
			return res.patch, agent.WrapError(agent.KindAgentTimeout, res.err)
		}
		return res.patch, res.err
	}

	done := make(chan analyzeResult, 1)
	go func() {
		patch, err := ag.Analyze(stageCtx, state.Snapshot(), r.toolkit)
		done <- analyzeResult{patch: patch, err: err}
	}()

	select {
	case res := <-done:
		return settle(res)
	case <-stageCtx.Done():
	}

	grace := time.NewTimer(r.grace)
	defer grace.Stop()
	select {
	case res := <-done:
		return settle(res)
	case <-grace.C:
		// Abandoned: the buffered channel lets the goroutine finish on
		// its own whenever the agent eventually returns.
		r.logger.Error("agent ignored cancellation, abandoning", map[string]any{
			"phase":    string(phase),
			"grace_ms": r.grace.Milliseconds(),
		})
		return nil, agent.NewError(agent.KindCancelEscalated,
			string(phase)+" agent did not stop within the graceful cancel window")
	}
}

// patchFindingCount counts the findings a patch carries, for the
// phase_complete payload.
func patchFindingCount(p *types.StatePatch) int {
	if p == nil {
		return 0
	}
	n := 0
	for _, res := range p.SecurityResults {
		n += len(res.Findings)
	}
	if p.Vision != nil {
		n += len(p.Vision.Findings)
	}
	if p.Graph != nil {
		for _, src := range p.Graph.Sources {
			for _, e := range src.Entities {
				if e.Status == types.EntityContradicted {
					n++
				}
			}
		}
	}
	return n
}
