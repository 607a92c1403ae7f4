package types //nolint:revive // types is a valid package name

import (
	"testing"
	"time"
)

func TestTier_Limits(t *testing.T) {
	tests := []struct {
		tier          Tier
		maxIterations int
		maxPages      int
		maxVLM        int
		wallClock     time.Duration
	}{
		{TierQuickScan, 1, 1, 3, 60 * time.Second},
		{TierStandardAudit, 3, 5, 12, 180 * time.Second},
		{TierDeepForensic, 5, 10, 30, 600 * time.Second},
	}

	for _, tt := range tests {
		t.Run(string(tt.tier), func(t *testing.T) {
			got := tt.tier.Limits()
			if got.MaxIterations != tt.maxIterations {
				t.Errorf("MaxIterations = %d, want %d", got.MaxIterations, tt.maxIterations)
			}
			if got.MaxPages != tt.maxPages {
				t.Errorf("MaxPages = %d, want %d", got.MaxPages, tt.maxPages)
			}
			if got.MaxVLMCredits != tt.maxVLM {
				t.Errorf("MaxVLMCredits = %d, want %d", got.MaxVLMCredits, tt.maxVLM)
			}
			if got.WallClock != tt.wallClock {
				t.Errorf("WallClock = %v, want %v", got.WallClock, tt.wallClock)
			}
		})
	}
}

func TestParseTier(t *testing.T) {
	if _, err := ParseTier("quick_scan"); err != nil {
		t.Errorf("ParseTier(quick_scan) error = %v", err)
	}
	if _, err := ParseTier("turbo"); err == nil {
		t.Error("ParseTier(turbo) expected error, got nil")
	}
}

func TestNewAuditState_Validation(t *testing.T) {
	tests := []struct {
		name    string
		auditID string
		url     string
		wantErr bool
	}{
		{"valid https", "a-1", "https://example.com", false},
		{"valid http", "a-2", "http://example.com/path", false},
		{"empty audit id", "", "https://example.com", true},
		{"ftp scheme", "a-3", "ftp://example.com", true},
		{"no host", "a-4", "https://", true},
		{"garbage", "a-5", "://nope", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewAuditState(tt.auditID, tt.url, TierQuickScan, VerdictModeSimple, nil)
			if (err != nil) != tt.wantErr {
				t.Errorf("NewAuditState() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestNewAuditState_SeedsBudgetsAndPending(t *testing.T) {
	s, err := NewAuditState("a-1", "https://example.com", TierStandardAudit, VerdictModeExpert, []string{"tls_config"})
	if err != nil {
		t.Fatalf("NewAuditState() error = %v", err)
	}
	if s.MaxIterations != 3 || s.MaxPages != 5 || s.MaxVLMCredits != 12 {
		t.Errorf("budgets = (%d,%d,%d), want (3,5,12)", s.MaxIterations, s.MaxPages, s.MaxVLMCredits)
	}
	if len(s.PendingURLs) != 1 || s.PendingURLs[0] != "https://example.com" {
		t.Errorf("PendingURLs = %v, want [https://example.com]", s.PendingURLs)
	}
	if s.Status != StatusQueued {
		t.Errorf("Status = %q, want queued", s.Status)
	}
	if s.Iteration != 0 {
		t.Errorf("Iteration = %d, want 0", s.Iteration)
	}
}

func TestAuditState_Apply_URLExclusivity(t *testing.T) {
	s, _ := NewAuditState("a-1", "https://example.com", TierStandardAudit, VerdictModeSimple, nil)

	err := s.Apply(&StatePatch{
		AppendScout: &ScoutResult{URL: "https://example.com", Usable: true},
		QueueURLs:   []string{"https://example.com/about", "https://example.com"},
	})
	if err != nil {
		t.Fatalf("Apply() error = %v", err)
	}

	if !s.InvestigatedURLs["https://example.com"] {
		t.Error("scouted URL not marked investigated")
	}
	for _, u := range s.PendingURLs {
		if s.InvestigatedURLs[u] {
			t.Errorf("URL %q is both pending and investigated", u)
		}
	}
	if len(s.PendingURLs) != 1 || s.PendingURLs[0] != "https://example.com/about" {
		t.Errorf("PendingURLs = %v, want [https://example.com/about]", s.PendingURLs)
	}

	// Re-queueing an investigated URL is a silent no-op.
	_ = s.Apply(&StatePatch{QueueURLs: []string{"https://example.com"}})
	if len(s.PendingURLs) != 1 {
		t.Errorf("re-queue of investigated URL changed pending: %v", s.PendingURLs)
	}
}

func TestAuditState_Apply_SetOncePerIteration(t *testing.T) {
	s, _ := NewAuditState("a-1", "https://example.com", TierStandardAudit, VerdictModeSimple, nil)
	s.BeginIteration()

	if err := s.Apply(&StatePatch{Vision: &VisionReport{Confidence: 0.8}}); err != nil {
		t.Fatalf("first vision apply error = %v", err)
	}
	if err := s.Apply(&StatePatch{Vision: &VisionReport{Confidence: 0.9}}); err == nil {
		t.Error("second vision apply in same iteration: expected error, got nil")
	}

	s.BeginIteration()
	if s.VisionResult != nil || s.GraphResult != nil || s.JudgeDecision != nil {
		t.Error("BeginIteration did not clear per-iteration results")
	}
	if err := s.Apply(&StatePatch{Vision: &VisionReport{Confidence: 0.5}}); err != nil {
		t.Errorf("vision apply after new iteration error = %v", err)
	}
	if s.Iteration != 2 {
		t.Errorf("Iteration = %d, want 2", s.Iteration)
	}
}

func TestAuditState_Snapshot_Isolation(t *testing.T) {
	s, _ := NewAuditState("a-1", "https://example.com", TierQuickScan, VerdictModeSimple, []string{"headers"})
	_ = s.Apply(&StatePatch{
		AppendScout: &ScoutResult{URL: "https://example.com", Usable: true},
		Errors:      []ErrorRecord{{Kind: "agent_timeout", Message: "slow"}},
	})

	snap := s.Snapshot()
	snap.PendingURLs = append(snap.PendingURLs, "https://evil.example")
	snap.InvestigatedURLs["https://other.example"] = true
	snap.ScoutResults[0].Usable = false
	snap.SecurityResults["injected"] = ModuleResult{Module: "injected"}
	snap.Errors[0].Message = "mutated"

	if len(s.PendingURLs) != 0 {
		t.Errorf("snapshot mutation leaked into PendingURLs: %v", s.PendingURLs)
	}
	if s.InvestigatedURLs["https://other.example"] {
		t.Error("snapshot mutation leaked into InvestigatedURLs")
	}
	if !s.ScoutResults[0].Usable {
		t.Error("snapshot mutation leaked into ScoutResults")
	}
	if _, ok := s.SecurityResults["injected"]; ok {
		t.Error("snapshot mutation leaked into SecurityResults")
	}
	if s.Errors[0].Message != "slow" {
		t.Error("snapshot mutation leaked into Errors")
	}
}

func TestAuditState_Counters(t *testing.T) {
	s, _ := NewAuditState("a-1", "https://example.com", TierDeepForensic, VerdictModeSimple, nil)
	_ = s.Apply(&StatePatch{AppendScout: &ScoutResult{
		URL: "https://example.com", Usable: true,
		Screenshots: []Screenshot{{Path: "a-1/1_0_abc.png", Index: 0}},
	}})
	_ = s.Apply(&StatePatch{AppendScout: &ScoutResult{URL: "https://example.com/x", Usable: false}})
	_ = s.Apply(&StatePatch{VLMCallsDelta: 2, ScoutFailureDelta: 1, Degraded: true})

	if got := s.PagesScanned(); got != 1 {
		t.Errorf("PagesScanned() = %d, want 1", got)
	}
	if got := s.ScreenshotCount(); got != 1 {
		t.Errorf("ScreenshotCount() = %d, want 1", got)
	}
	if s.VLMCallsUsed != 2 || s.ScoutFailures != 1 || !s.Degraded {
		t.Errorf("counters = (vlm=%d, failures=%d, degraded=%v)", s.VLMCallsUsed, s.ScoutFailures, s.Degraded)
	}
}

func TestValidStatusTransition(t *testing.T) {
	tests := []struct {
		from, to AuditStatus
		want     bool
	}{
		{StatusQueued, StatusRunning, true},
		{StatusQueued, StatusError, true},
		{StatusRunning, StatusCompleted, true},
		{StatusRunning, StatusAborted, true},
		{StatusRunning, StatusError, true},
		{StatusRunning, StatusQueued, false},
		{StatusCompleted, StatusRunning, false},
		{StatusError, StatusCompleted, false},
		{StatusCompleted, StatusCompleted, true},
	}

	for _, tt := range tests {
		t.Run(string(tt.from)+"_to_"+string(tt.to), func(t *testing.T) {
			if got := ValidStatusTransition(tt.from, tt.to); got != tt.want {
				t.Errorf("ValidStatusTransition(%q, %q) = %v, want %v", tt.from, tt.to, got, tt.want)
			}
		})
	}
}

func TestRiskLevelForScore(t *testing.T) {
	tests := []struct {
		score int
		want  RiskLevel
	}{
		{95, RiskLow},
		{70, RiskLow},
		{69, RiskMedium},
		{50, RiskMedium},
		{49, RiskHigh},
		{25, RiskHigh},
		{24, RiskCritical},
		{0, RiskCritical},
	}

	for _, tt := range tests {
		if got := RiskLevelForScore(tt.score); got != tt.want {
			t.Errorf("RiskLevelForScore(%d) = %q, want %q", tt.score, got, tt.want)
		}
	}
}
