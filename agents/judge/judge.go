// Package judge implements the decision stage: a deterministic weighted
// scorer over the evidence the earlier stages gathered. The judge either
// finalizes a verdict, requests another iteration over unvisited links, or
// aborts an audit with nothing left to examine.
package judge

import (
	"context"
	"fmt"
	"math"
	"net/url"
	"sort"
	"strings"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/types"
)

// Evidence weights. Categories without evidence drop out and the rest
// renormalize.
const (
	weightSecurity = 0.40
	weightVision   = 0.35
	weightGraph    = 0.25
)

// Ambiguity band: a score inside it with unvisited links left justifies
// another iteration.
const (
	ambiguousLow  = 30
	ambiguousHigh = 70
)

// maxInvestigateURLs caps how many fresh links one decision may queue.
const maxInvestigateURLs = 3

// Agent is the built-in deterministic judge.
type Agent struct{}

// New creates the judge agent.
func New() *Agent { return &Agent{} }

// Name implements agent.Agent.
func (a *Agent) Name() string { return "judge" }

// Analyze scores the evidence and routes the audit.
func (a *Agent) Analyze(ctx context.Context, snap *types.AuditState, tk *agent.Toolkit) (*types.StatePatch, error) {
	if err := ctx.Err(); err != nil {
		return nil, agent.WrapError(agent.KindAgentTimeout, err)
	}

	suspicion, breakdown, hasEvidence := scoreEvidence(snap)

	if snap.PagesScanned() == 0 && targetGone(snap) {
		return decision(&types.JudgeDecision{
			Action: types.ActionAbort,
			Reason: "target host does not resolve and produced no pages",
		}), nil
	}

	score := 50
	if hasEvidence {
		score = int(math.Round(100 * (1 - suspicion)))
	}
	if score < 0 {
		score = 0
	}
	if score > 100 {
		score = 100
	}

	if score > ambiguousLow && score < ambiguousHigh && snap.Iteration < snap.MaxIterations {
		if gaps := evidenceGaps(snap); len(gaps) > 0 {
			_ = tk.Bus.PhaseProgress(types.PhaseJudge,
				fmt.Sprintf("ambiguous score %d, requesting %d more page(s)", score, len(gaps)))
			return decision(&types.JudgeDecision{
				Action:          types.ActionInvestigateMore,
				InvestigateURLs: gaps,
				Reason:          fmt.Sprintf("score %d is inconclusive with unvisited links remaining", score),
			}), nil
		}
	}

	v := &types.Verdict{
		TrustScore: score,
		RiskLevel:  types.RiskLevelForScore(score),
		Summary:    summarize(snap, score),
		SiteType:   classifySite(snap, suspicion),
		Degraded:   snap.Degraded,
	}
	if snap.VerdictMode == types.VerdictModeExpert {
		v.Breakdown = breakdown
	}

	return decision(&types.JudgeDecision{
		Action:  types.ActionFinalize,
		Verdict: v,
		Reason:  fmt.Sprintf("evidence conclusive at score %d", score),
	}), nil
}

func decision(d *types.JudgeDecision) *types.StatePatch {
	return &types.StatePatch{Judge: d}
}

// scoreEvidence folds the per-stage evidence into one suspicion value in
// [0,1] plus the per-category breakdown.
func scoreEvidence(snap *types.AuditState) (suspicion float64, breakdown map[string]float64, hasEvidence bool) {
	breakdown = make(map[string]float64)
	var weighted, weightSum float64

	if len(snap.SecurityResults) > 0 {
		var sum float64
		for _, res := range snap.SecurityResults {
			sum += res.Score
		}
		sec := sum / float64(len(snap.SecurityResults))
		breakdown["security"] = sec
		weighted += sec * weightSecurity
		weightSum += weightSecurity
	}

	if snap.VisionResult != nil {
		vis := findingSuspicion(snap.VisionResult.Findings)
		breakdown["vision"] = vis
		weighted += vis * weightVision
		weightSum += weightVision
	}

	if snap.GraphResult != nil {
		graph := graphSuspicion(snap.GraphResult)
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

// evidenceGaps lists unvisited same-host links harvested so far, capped
// and in stable order.
func evidenceGaps(snap *types.AuditState) []string {
	origin, err := url.Parse(snap.URL)
	if err != nil {
		return nil
	}

	seen := make(map[string]bool)
	var gaps []string
	for _, page := range snap.ScoutResults {
		for _, link := range page.Links {
			if snap.InvestigatedURLs[link] || seen[link] {
				continue
			}
			u, err := url.Parse(link)
			if err != nil || !sameSite(origin, u) {
				continue
			}
			seen[link] = true
			gaps = append(gaps, link)
		}
	}
	sort.Strings(gaps)
	if len(gaps) > maxInvestigateURLs {
		gaps = gaps[:maxInvestigateURLs]
	}
	return gaps
}

func sameSite(origin, link *url.URL) bool {
	oh, lh := strings.ToLower(origin.Hostname()), strings.ToLower(link.Hostname())
	return oh == lh || strings.HasSuffix(lh, "."+oh)
}

// targetGone reports whether the graph evidence says the host no longer
// resolves.
func targetGone(snap *types.AuditState) bool {
	if snap.GraphResult == nil {
		return false
	}
	for _, e := range snap.GraphResult.Entities {
		if e.Kind == "domain" && e.Status == types.EntityContradicted {
			return true
		}
	}
	return false
}

// classifySite names the site category from the harvested evidence.
func classifySite(snap *types.AuditState, suspicion float64) string {
	var text strings.Builder
	for _, page := range snap.ScoutResults {
		text.WriteString(strings.ToLower(page.Title))
		text.WriteByte(' ')
		text.WriteString(strings.ToLower(page.TextDigest))
		text.WriteByte(' ')
	}
	body := text.String()

	credentialBait := false
	if snap.VisionResult != nil {
		for _, f := range snap.VisionResult.Findings {
			if f.PatternType == "credential_prompt" {
				credentialBait = true
				break
			}
		}
	}
	if credentialBait && suspicion >= 0.5 {
		return "phishing"
	}

	switch {
	case containsAny(body, "cart", "checkout", "add to cart", "shop"):
		return "storefront"
	case containsAny(body, "breaking news", "headline", "editorial", "newsroom"):
		return "news"
	case containsAny(body, "sign in", "log in", "login"):
		return "portal"
	case body == "":
		return "unknown"
	default:
		return "informational"
	}
}

func containsAny(body string, needles ...string) bool {
	for _, n := range needles {
		if strings.Contains(body, n) {
			return true
		}
	}
	return false
}

func summarize(snap *types.AuditState, score int) string {
	risk := types.RiskLevelForScore(score)
	return fmt.Sprintf("%s scored %d (%s risk) after %d iteration(s) over %d page(s)",
		snap.URL, score, risk, snap.Iteration, snap.PagesScanned())
}

var _ agent.Agent = (*Agent)(nil)
