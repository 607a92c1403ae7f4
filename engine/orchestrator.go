package engine

import (
	"context"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/budget"
	"github.com/veritaslabs/veritas/bus"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

// machineState is the orchestrator's position in the pipeline. The five
// agent phases map one-to-one; force_verdict and terminal are synthetic.
type machineState string

const (
	stateInit         machineState = "init"
	stateScout        machineState = "scout"
	stateSecurity     machineState = "security"
	stateVision       machineState = "vision"
	stateGraph        machineState = "graph"
	stateJudge        machineState = "judge"
	stateForceVerdict machineState = "force_verdict"
	stateTerminal     machineState = "terminal"
)

// Outcome is the orchestrator's terminal result: the status the engine
// exits with and the verdict or error it reports.
type Outcome struct {
	Status       types.AuditStatus
	Verdict      types.Verdict
	ErrorKind    string
	ErrorMessage string
}

// Orchestrator drives one audit through the pipeline state machine. It is
// the sole owner of the AuditState: stage runners see snapshots and return
// patches applied here, serially, between transitions.
type Orchestrator struct {
	state   *types.AuditState
	tracker *budget.Tracker
	stages  *stageRunner
	bus     *bus.Bus
	logger  *log.Logger

	scoutCompleted  bool
	scoutRetrying   bool
	securityReached bool
	forcedReason    string
	transitions     int
}

// NewOrchestrator assembles the state machine over an initialized state.
func NewOrchestrator(state *types.AuditState, tracker *budget.Tracker, registry *agent.Registry, b *bus.Bus, tk *agent.Toolkit, logger *log.Logger) *Orchestrator {
	return &Orchestrator{
		state:   state,
		tracker: tracker,
		stages:  newStageRunner(registry, b, tk, tracker, logger),
		bus:     b,
		logger:  logger,
	}
}

// Transitions returns how many state transitions the run took.
func (o *Orchestrator) Transitions() int { return o.transitions }

// Run drives the machine to terminal and returns the outcome. Run always
// terminates: the iteration budget bounds scout entries, and every other
// state advances unconditionally.
func (o *Orchestrator) Run(ctx context.Context) *Outcome {
	st := stateInit
	var outcome *Outcome

	for st != stateTerminal {
		o.transitions++

		if st != stateForceVerdict {
			if ctx.Err() != nil {
				// Cancellation after a completed scout still yields a
				// verdict from the evidence on hand.
				if !o.scoutCompleted {
					outcome = o.aborted(agent.KindCancelEscalated, "audit cancelled")
					break
				}
				o.force("cancelled")
				st = stateForceVerdict
				continue
			}
			if o.tracker.DeadlineReached() {
				o.force(string(budget.ReasonDeadline))
				st = stateForceVerdict
				continue
			}
		}

		o.logger.Debug("state transition", map[string]any{
			"state":     string(st),
			"iteration": o.state.Iteration,
		})

		switch st {
		case stateInit:
			st = o.enterInit()
		case stateScout:
			st = o.enterScout(ctx)
		case stateSecurity:
			st = o.enterSecurity(ctx)
		case stateVision:
			st = o.enterVision(ctx)
		case stateGraph:
			st = o.enterGraph(ctx)
		case stateJudge:
			st, outcome = o.enterJudge(ctx)
		case stateForceVerdict:
			outcome = o.enterForceVerdict()
			st = stateTerminal
		}
	}

	if outcome == nil {
		outcome = o.aborted(agent.KindCancelEscalated, "audit cancelled")
	}
	o.state.Status = outcome.Status
	return outcome
}

func (o *Orchestrator) enterInit() machineState {
	o.state.Status = types.StatusRunning
	return stateScout
}

// enterScout starts a fresh iteration, or re-enters the current one when a
// blocked scout is being retried. Each blocked attempt is its own scout
// entry with its own phase_start.
func (o *Orchestrator) enterScout(ctx context.Context) machineState {
	if o.scoutRetrying {
		o.scoutRetrying = false
	} else {
		if reason := o.tracker.ExhaustedReason(o.state); reason != budget.ReasonNone {
			return o.force(string(reason))
		}
		o.state.BeginIteration()
	}

	patch, err := o.stages.run(ctx, types.PhaseScout, o.state)
	if applyErr := o.state.Apply(patch); applyErr != nil {
		return o.force("scout patch rejected: " + applyErr.Error())
	}

	if err != nil {
		o.recordError(types.PhaseScout, err)
		if agent.IsTransient(err) {
			return o.retryBlockedScout(ctx, err)
		}
		_ = o.state.Apply(&types.StatePatch{ScoutFailureDelta: 1, Degraded: true})

		if o.state.ScoutFailures >= types.ScoutFailureCap {
			return o.force("scout_blocked")
		}
		// Hard scout failure under the cap: the show goes on with the
		// evidence the URL itself provides.
		o.scoutCompleted = true
		return stateSecurity
	}

	if o.state.PagesScanned() == 0 {
		// Zero usable pages without a hard error: advance degraded, the
		// final score stays capped.
		_ = o.state.Apply(&types.StatePatch{Degraded: true})
	}
	o.scoutCompleted = true
	return stateSecurity
}

// retryBlockedScout counts one blocked attempt and routes back into the
// scout state with exponential backoff, same URL, same iteration. The cap
// and the wall budget bound the loop.
func (o *Orchestrator) retryBlockedScout(ctx context.Context, err error) machineState {
	_ = o.state.Apply(&types.StatePatch{ScoutFailureDelta: 1})

	if o.state.ScoutFailures >= types.ScoutFailureCap {
		_ = o.state.Apply(&types.StatePatch{Degraded: true})
		return o.force("scout_blocked")
	}

	backoff := scoutRetryInitial << (o.state.ScoutFailures - 1)
	if backoff > scoutRetryCap {
		backoff = scoutRetryCap
	}
	if o.tracker.Remaining() <= backoff {
		return o.force(string(budget.ReasonDeadline))
	}

	o.logger.Info("retrying blocked scout", map[string]any{
		"failures":   o.state.ScoutFailures,
		"backoff_ms": backoff.Milliseconds(),
		"error_kind": agent.KindOf(err),
	})
	o.scoutRetrying = true
	// A cancelled sleep falls through to the loop's context check.
	_ = o.stages.sleep(ctx, backoff)
	return stateScout
}

// enterSecurity always advances: module failures are sub-findings, and even
// a stage-level failure leaves the pipeline viable.
func (o *Orchestrator) enterSecurity(ctx context.Context) machineState {
	o.securityReached = true

	patch, err := o.stages.run(ctx, types.PhaseSecurity, o.state)
	if applyErr := o.state.Apply(patch); applyErr != nil {
		return o.force("security patch rejected: " + applyErr.Error())
	}
	if err != nil {
		o.recordError(types.PhaseSecurity, err)
	}
	return stateVision
}

func (o *Orchestrator) enterVision(ctx context.Context) machineState {
	if o.tracker.VLMExhausted(o.state.VLMCallsUsed) {
		o.state.Errors = append(o.state.Errors, types.ErrorRecord{
			Kind:      agent.KindVLMCreditExhausted,
			Phase:     types.PhaseVision,
			Message:   "vlm credit budget exhausted before vision pass",
			Timestamp: nowStamp(),
		})
		return o.force(string(budget.ReasonVLMCredits))
	}

	patch, err := o.stages.run(ctx, types.PhaseVision, o.state)
	if applyErr := o.state.Apply(patch); applyErr != nil {
		return o.force("vision patch rejected: " + applyErr.Error())
	}
	if err != nil {
		o.recordError(types.PhaseVision, err)
		if agent.KindOf(err) == agent.KindVLMCreditExhausted {
			return o.force(string(budget.ReasonVLMCredits))
		}
		_ = o.state.Apply(&types.StatePatch{Degraded: true})
	}
	return stateGraph
}

func (o *Orchestrator) enterGraph(ctx context.Context) machineState {
	patch, err := o.stages.run(ctx, types.PhaseGraph, o.state)
	if applyErr := o.state.Apply(patch); applyErr != nil {
		return o.force("graph patch rejected: " + applyErr.Error())
	}
	if err != nil {
		o.recordError(types.PhaseGraph, err)
		_ = o.state.Apply(&types.StatePatch{Degraded: true})
	}
	return stateJudge
}

func (o *Orchestrator) enterJudge(ctx context.Context) (machineState, *Outcome) {
	patch, err := o.stages.run(ctx, types.PhaseJudge, o.state)
	if applyErr := o.state.Apply(patch); applyErr != nil {
		return o.force("judge patch rejected: " + applyErr.Error()), nil
	}
	if err != nil || o.state.JudgeDecision == nil {
		if err != nil {
			o.recordError(types.PhaseJudge, err)
		}
		return o.force(agent.KindJudgeUnavailable), nil
	}

	decision := o.state.JudgeDecision
	switch decision.Action {
	case types.ActionAbort:
		return stateTerminal, o.aborted("judge_abort", decision.Reason)

	case types.ActionInvestigateMore:
		fresh := o.freshURLs(decision.InvestigateURLs)
		if len(fresh) == 0 {
			// Nothing new to investigate is a finalize in disguise.
			return o.finalize(decision)
		}
		if reason := o.tracker.ExhaustedReason(o.state); reason != budget.ReasonNone {
			return o.force(string(reason)), nil
		}
		_ = o.state.Apply(&types.StatePatch{QueueURLs: fresh})
		return stateScout, nil

	default:
		return o.finalize(decision)
	}
}

// finalize closes the audit with the judge's verdict. A degraded audit
// keeps the degraded mark and the score cap regardless of what the judge
// scored.
func (o *Orchestrator) finalize(decision *types.JudgeDecision) (machineState, *Outcome) {
	if decision.Verdict == nil {
		return o.force(agent.KindJudgeUnavailable), nil
	}
	verdict := *decision.Verdict
	if o.state.Degraded {
		verdict.Degraded = true
		if verdict.TrustScore > DegradedScoreCap {
			verdict.TrustScore = DegradedScoreCap
			verdict.RiskLevel = types.RiskLevelForScore(verdict.TrustScore)
		}
	}
	return stateTerminal, &Outcome{Status: types.StatusCompleted, Verdict: verdict}
}

// enterForceVerdict synthesizes the degraded fallback verdict. If Security
// never ran the audit has no evidence at all and terminates as an error,
// with the partial verdict still attached.
func (o *Orchestrator) enterForceVerdict() *Outcome {
	verdict := synthesizeVerdict(o.state, o.forcedReason)
	_ = o.state.Apply(&types.StatePatch{Degraded: true})

	if !o.securityReached {
		return &Outcome{
			Status:       types.StatusError,
			Verdict:      verdict,
			ErrorKind:    o.forcedReason,
			ErrorMessage: "audit failed before any evidence stage ran",
		}
	}
	return &Outcome{Status: types.StatusCompleted, Verdict: verdict}
}

func (o *Orchestrator) force(reason string) machineState {
	if o.forcedReason == "" {
		o.forcedReason = reason
	}
	return stateForceVerdict
}

func (o *Orchestrator) aborted(kind, message string) *Outcome {
	return &Outcome{
		Status:       types.StatusAborted,
		ErrorKind:    kind,
		ErrorMessage: message,
	}
}

// freshURLs filters investigate requests down to URLs not yet seen.
func (o *Orchestrator) freshURLs(urls []string) []string {
	var fresh []string
	for _, u := range urls {
		if !o.state.InvestigatedURLs[u] {
			fresh = append(fresh, u)
		}
	}
	return fresh
}

func (o *Orchestrator) recordError(phase types.Phase, err error) {
	o.state.Errors = append(o.state.Errors, types.ErrorRecord{
		Kind:      agent.KindOf(err),
		Phase:     phase,
		Message:   err.Error(),
		Timestamp: nowStamp(),
	})
}

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }
