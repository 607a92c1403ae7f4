package engine

import (
	"fmt"
	"math"

	"github.com/veritaslabs/veritas/types"
)

// Evidence weights for synthesized verdicts. Components without evidence
// drop out and the remaining weights renormalize.
const (
	weightSecurity = 0.40
	weightVision   = 0.35
	weightGraph    = 0.25
)

// DegradedScoreCap bounds the trust score of any verdict synthesized from
// incomplete evidence. Trust above this requires a full Judge pass.
const DegradedScoreCap = 50

// synthesizeVerdict builds the force_verdict fallback: a degraded verdict
// scored from whatever evidence the completed stages produced. reason names
// the budget or failure that forced it.
func synthesizeVerdict(state *types.AuditState, reason string) types.Verdict {
	suspicion, breakdown, hasEvidence := scoreEvidence(state)

	score := 50
	if hasEvidence {
		score = int(math.Round(100 * (1 - suspicion)))
	}
	if score > DegradedScoreCap {
		score = DegradedScoreCap
	}
	if score < 0 {
		score = 0
	}

	v := types.Verdict{
		TrustScore: score,
		RiskLevel:  types.RiskLevelForScore(score),
		Summary:    degradedSummary(state, reason, hasEvidence),
		Degraded:   true,
	}
	if state.VerdictMode == types.VerdictModeExpert {
		v.Breakdown = breakdown
	}
	return v
}

// scoreEvidence folds the per-stage evidence into one suspicion value in
// [0,1] plus the per-category breakdown.
func scoreEvidence(state *types.AuditState) (suspicion float64, breakdown map[string]float64, hasEvidence bool) {
	breakdown = make(map[string]float64)
	var weighted, weightSum float64

	if len(state.SecurityResults) > 0 {
		var sum float64
		for _, res := range state.SecurityResults {
			sum += res.Score
		}
		sec := sum / float64(len(state.SecurityResults))
		breakdown["security"] = sec
		weighted += sec * weightSecurity
		weightSum += weightSecurity
	}

	if state.VisionResult != nil {
		vis := findingSuspicion(state.VisionResult.Findings)
		breakdown["vision"] = vis
		weighted += vis * weightVision
		weightSum += weightVision
	}

	if state.GraphResult != nil {
		graph := graphSuspicion(state.GraphResult)
		breakdown["graph"] = graph
		weighted += graph * weightGraph
		weightSum += weightGraph
	}

	if weightSum == 0 {
		return 0, breakdown, false
	}
	return weighted / weightSum, breakdown, true
}

// findingSuspicion converts a finding list into [0,1] by severity.
func findingSuspicion(findings []types.Finding) float64 {
	var s float64
	for _, f := range findings {
		s += severityWeight(f.Severity) * f.Confidence
	}
	if s > 1 {
		s = 1
	}
	return s
}

func severityWeight(sev types.Severity) float64 {
	switch sev {
	case types.SeverityCritical:
		return 0.35
	case types.SeverityHigh:
		return 0.20
	case types.SeverityMedium:
		return 0.10
	case types.SeverityLow:
		return 0.05
	default:
		return 0
	}
}

// graphSuspicion scores entity verification: contradicted entities raise
// suspicion, verified ones lower it, unknowns are neutral.
func graphSuspicion(g *types.GraphReport) float64 {
	if len(g.Entities) == 0 {
		return 0
	}
	var contradicted, verified int
	for _, e := range g.Entities {
		switch e.Status {
		case types.EntityContradicted:
			contradicted++
		case types.EntityVerified:
			verified++
		}
	}
	s := float64(contradicted)/float64(len(g.Entities)) - 0.2*float64(verified)/float64(len(g.Entities))
	if s < 0 {
		s = 0
	}
	if s > 1 {
		s = 1
	}
	return s
}

func degradedSummary(state *types.AuditState, reason string, hasEvidence bool) string {
	if !hasEvidence {
		return fmt.Sprintf("audit of %s ended before gathering evidence (%s); neutral degraded verdict", state.URL, reason)
	}
	return fmt.Sprintf("degraded verdict for %s after %d iteration(s): %s before the pipeline could finish",
		state.URL, state.Iteration, reason)
}
