package judge

import (
	"context"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/types"
)

type nopEmitter struct{}

func (nopEmitter) PhaseProgress(types.Phase, string) error { return nil }

func (nopEmitter) Finding(types.Phase, types.Finding) error { return nil }

func (nopEmitter) Screenshot(types.Phase, types.Screenshot) error { return nil }

func (nopEmitter) Log(types.Phase, types.LogLevel, string, map[string]any) error { return nil }

func toolkit() *agent.Toolkit {
	return &agent.Toolkit{AuditID: "aud-judge", Bus: nopEmitter{}, HTTP: &http.Client{}}
}

func snapFor(t *testing.T, tier types.Tier, mode types.VerdictMode) *types.AuditState {
	t.Helper()
	s, err := types.NewAuditState("aud-judge", "https://example.com", tier, mode, nil)
	require.NoError(t, err)
	s.Iteration = 1
	return s
}

func withCleanEvidence(s *types.AuditState) *types.AuditState {
	s.ScoutResults = append(s.ScoutResults, types.ScoutResult{
		URL:        "https://example.com",
		FinalURL:   "https://example.com/",
		Title:      "Example",
		TextDigest: "a perfectly ordinary page",
		Usable:     true,
	})
	s.SecurityResults["url_heuristics"] = types.ModuleResult{Module: "url_heuristics", Score: 0}
	s.VisionResult = &types.VisionReport{Confidence: 0.5}
	s.GraphResult = &types.GraphReport{Entities: []types.GraphEntity{
		{Name: "example.com", Kind: "domain", Status: types.EntityVerified, Source: "dns_records"},
	}}
	return s
}

func mustDecision(t *testing.T, patch *types.StatePatch, err error) *types.JudgeDecision {
	t.Helper()
	require.NoError(t, err)
	require.NotNil(t, patch)
	require.NotNil(t, patch.Judge)
	return patch.Judge
}

func TestAnalyze_CleanEvidenceFinalizesHigh(t *testing.T) {
	a := New()
	snap := withCleanEvidence(snapFor(t, types.TierQuickScan, types.VerdictModeSimple))

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionFinalize, d.Action)
	require.NotNil(t, d.Verdict)
	assert.GreaterOrEqual(t, d.Verdict.TrustScore, 70)
	assert.Equal(t, types.RiskLow, d.Verdict.RiskLevel)
	assert.Nil(t, d.Verdict.Breakdown, "simple mode must not carry a breakdown")
}

func TestAnalyze_ExpertModeCarriesBreakdown(t *testing.T) {
	a := New()
	snap := withCleanEvidence(snapFor(t, types.TierQuickScan, types.VerdictModeExpert))

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	require.NotNil(t, d.Verdict)
	assert.Contains(t, d.Verdict.Breakdown, "security")
	assert.Contains(t, d.Verdict.Breakdown, "vision")
	assert.Contains(t, d.Verdict.Breakdown, "graph")
}

func TestAnalyze_HostileEvidenceScoresCritical(t *testing.T) {
	a := New()
	snap := snapFor(t, types.TierQuickScan, types.VerdictModeSimple)
	snap.SecurityResults["url_heuristics"] = types.ModuleResult{Module: "url_heuristics", Score: 1}
	snap.VisionResult = &types.VisionReport{Findings: []types.Finding{
		{PatternType: "credential_prompt", Severity: types.SeverityCritical, Confidence: 1},
		{PatternType: "urgency_overlay", Severity: types.SeverityCritical, Confidence: 1},
		{PatternType: "trust_badge_claim", Severity: types.SeverityCritical, Confidence: 1},
	}}
	snap.GraphResult = &types.GraphReport{Entities: []types.GraphEntity{
		{Name: "example.com", Kind: "reputation", Status: types.EntityContradicted, Source: "reputation_feeds"},
	}}

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionFinalize, d.Action)
	require.NotNil(t, d.Verdict)
	assert.Less(t, d.Verdict.TrustScore, 25)
	assert.Equal(t, types.RiskCritical, d.Verdict.RiskLevel)
	assert.Equal(t, "phishing", d.Verdict.SiteType)
}

func TestAnalyze_AmbiguousScoreRequestsMorePages(t *testing.T) {
	a := New()
	snap := snapFor(t, types.TierStandardAudit, types.VerdictModeSimple)
	snap.ScoutResults = append(snap.ScoutResults, types.ScoutResult{
		URL:      "https://example.com",
		FinalURL: "https://example.com/",
		Usable:   true,
		Links: []string{
			"https://example.com/about",
			"https://example.com/pricing",
			"https://evil.invalid/unrelated",
		},
	})
	// Mid-band suspicion: average module score 0.5 maps to score 50.
	snap.SecurityResults["url_heuristics"] = types.ModuleResult{Module: "url_heuristics", Score: 0.5}

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionInvestigateMore, d.Action)
	assert.Equal(t, []string{
		"https://example.com/about",
		"https://example.com/pricing",
	}, d.InvestigateURLs, "off-site links must not be queued")
}

func TestAnalyze_LastIterationFinalizesDespiteAmbiguity(t *testing.T) {
	a := New()
	snap := snapFor(t, types.TierQuickScan, types.VerdictModeSimple)
	snap.ScoutResults = append(snap.ScoutResults, types.ScoutResult{
		URL: "https://example.com", Usable: true,
		Links: []string{"https://example.com/about"},
	})
	snap.SecurityResults["url_heuristics"] = types.ModuleResult{Module: "url_heuristics", Score: 0.5}

	// quick_scan allows a single iteration.
	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionFinalize, d.Action)
}

func TestAnalyze_AlreadyInvestigatedLinksAreNotGaps(t *testing.T) {
	a := New()
	snap := snapFor(t, types.TierStandardAudit, types.VerdictModeSimple)
	snap.ScoutResults = append(snap.ScoutResults, types.ScoutResult{
		URL: "https://example.com", Usable: true,
		Links: []string{"https://example.com/about"},
	})
	snap.InvestigatedURLs["https://example.com/about"] = true
	snap.SecurityResults["url_heuristics"] = types.ModuleResult{Module: "url_heuristics", Score: 0.5}

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionFinalize, d.Action, "no fresh links means finalize")
}

func TestAnalyze_UnreachableTargetAborts(t *testing.T) {
	a := New()
	snap := snapFor(t, types.TierQuickScan, types.VerdictModeSimple)
	// Zero usable pages plus a host that no longer resolves: nothing left
	// to examine.
	snap.GraphResult = &types.GraphReport{Entities: []types.GraphEntity{
		{Name: "example.com", Kind: "domain", Status: types.EntityContradicted, Source: "dns_records"},
	}}

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionAbort, d.Action)
	assert.NotEmpty(t, d.Reason)
}

func TestAnalyze_UsablePageOverridesGoneHost(t *testing.T) {
	a := New()
	snap := withCleanEvidence(snapFor(t, types.TierQuickScan, types.VerdictModeSimple))
	snap.GraphResult.Entities = append(snap.GraphResult.Entities, types.GraphEntity{
		Name: "example.com", Kind: "domain", Status: types.EntityContradicted, Source: "stale_cache",
	})

	patch, err := a.Analyze(context.Background(), snap, toolkit())
	d := mustDecision(t, patch, err)
	assert.Equal(t, types.ActionFinalize, d.Action,
		"pages in hand mean the audit scores instead of aborting")
}

func TestClassifySite(t *testing.T) {
	snap := snapFor(t, types.TierQuickScan, types.VerdictModeSimple)
	snap.ScoutResults = append(snap.ScoutResults, types.ScoutResult{
		Title:      "Demo Shop",
		TextDigest: "add to cart and checkout today",
		Usable:     true,
	})
	assert.Equal(t, "storefront", classifySite(snap, 0))

	snap.ScoutResults[0] = types.ScoutResult{Title: "Daily Times", TextDigest: "breaking news from the newsroom"}
	assert.Equal(t, "news", classifySite(snap, 0))

	snap.ScoutResults = nil
	assert.Equal(t, "unknown", classifySite(snap, 0))
}

func TestSummarize(t *testing.T) {
	snap := withCleanEvidence(snapFor(t, types.TierQuickScan, types.VerdictModeSimple))
	s := summarize(snap, 82)
	assert.Contains(t, s, "https://example.com")
	assert.Contains(t, s, "82")
	assert.Contains(t, s, "low")
}
