// Package budget tracks the hard resource limits of one audit: iterations,
// pages visited, VLM credits, and the wall-clock deadline. Any predicate
// turning true forces the orchestrator into the force_verdict branch at its
// next decision point.
package budget

import (
	"time"

	"github.com/veritaslabs/veritas/types"
)

// Reason names the budget that ran out. Empty means none.
type Reason string

const (
	ReasonNone       Reason = ""
	ReasonIterations Reason = "iterations_exhausted"
	ReasonPages      Reason = "pages_exhausted"
	ReasonVLMCredits Reason = "vlm_credits_exhausted"
	ReasonDeadline   Reason = "deadline_reached"
)

// Tracker accounts one audit's consumption against its tier limits. It is
// not goroutine-safe: the orchestrator owns it and consults it between
// stages, never from fan-out workers.
type Tracker struct {
	limits   types.TierLimits
	deadline time.Time
	now      func() time.Time
}

// NewTracker derives limits from the tier and starts the wall clock at
// start.
func NewTracker(tier types.Tier, start time.Time) *Tracker {
	limits := tier.Limits()
	return &Tracker{
		limits:   limits,
		deadline: start.Add(limits.WallClock),
		now:      time.Now,
	}
}

// NewTrackerWithClock is NewTracker with an injected clock for tests.
func NewTrackerWithClock(tier types.Tier, start time.Time, now func() time.Time) *Tracker {
	t := NewTracker(tier, start)
	t.now = now
	return t
}

// Limits returns the tier limits this tracker enforces.
func (t *Tracker) Limits() types.TierLimits { return t.limits }

// Deadline returns the audit's wall-clock deadline.
func (t *Tracker) Deadline() time.Time { return t.deadline }

// Remaining returns the time left before the deadline; zero or negative
// once reached.
func (t *Tracker) Remaining() time.Duration { return t.deadline.Sub(t.now()) }

// IterationExhausted reports whether the audit may not start another
// iteration.
func (t *Tracker) IterationExhausted(iteration int) bool {
	return iteration >= t.limits.MaxIterations
}

// PagesExhausted reports whether the audit may not visit another page.
func (t *Tracker) PagesExhausted(pagesVisited int) bool {
	return pagesVisited >= t.limits.MaxPages
}

// VLMExhausted reports whether the audit may not spend another VLM credit.
func (t *Tracker) VLMExhausted(creditsUsed int) bool {
	return creditsUsed >= t.limits.MaxVLMCredits
}

// DeadlineReached reports whether the wall clock has run out.
func (t *Tracker) DeadlineReached() bool {
	return !t.now().Before(t.deadline)
}

// Exhausted reports whether any budget has run out for the given state.
func (t *Tracker) Exhausted(s *types.AuditState) bool {
	return t.ExhaustedReason(s) != ReasonNone
}

// ExhaustedReason returns the first exhausted budget for the given state,
// checked in the order deadline, iterations, pages, VLM credits. Returns
// ReasonNone when every budget still has headroom.
func (t *Tracker) ExhaustedReason(s *types.AuditState) Reason {
	switch {
	case t.DeadlineReached():
		return ReasonDeadline
	case t.IterationExhausted(s.Iteration):
		return ReasonIterations
	case t.PagesExhausted(s.PagesScanned()):
		return ReasonPages
	case t.VLMExhausted(s.VLMCallsUsed):
		return ReasonVLMCredits
	default:
		return ReasonNone
	}
}
