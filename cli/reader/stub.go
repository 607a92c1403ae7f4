package reader

import "context"

// StubReader serves canned data. TUI development and render tests use it
// so they never need a populated database.
type StubReader struct{}

// NewStubReader returns the canned-data reader.
func NewStubReader() *StubReader { return &StubReader{} }

func (s *StubReader) ListAudits(_ context.Context, opts ListOptions) ([]AuditItem, error) {
	score := 82
	items := []AuditItem{
		{AuditID: "aud-001", URL: "https://example.com", Status: "completed", Tier: "standard_audit", TrustScore: &score, RiskLevel: "low", StartedAt: "2026-08-01T10:00:00Z"},
		{AuditID: "aud-002", URL: "https://shady.example.net", Status: "running", Tier: "deep_forensic", StartedAt: "2026-08-01T10:05:00Z"},
		{AuditID: "aud-003", URL: "https://down.example.org", Status: "error", Tier: "quick_scan", StartedAt: "2026-08-01T10:10:00Z"},
	}
	if opts.Status != "" {
		filtered := items[:0]
		for _, it := range items {
			if it.Status == opts.Status {
				filtered = append(filtered, it)
			}
		}
		items = filtered
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items, nil
}

func (s *StubReader) InspectAudit(_ context.Context, auditID string) (*AuditDetail, error) {
	score := 82
	elapsed := 41.7
	completed := "2026-08-01T10:01:00Z"
	return &AuditDetail{
		AuditID:          auditID,
		URL:              "https://example.com",
		Status:           "completed",
		Tier:             "standard_audit",
		VerdictMode:      "simple",
		TrustScore:       &score,
		RiskLevel:        "low",
		Summary:          "No significant risk indicators found.",
		SiteType:         "ecommerce",
		IPCMode:          "queue",
		Attempt:          1,
		PagesScanned:     3,
		ScreenshotsTaken: 2,
		ElapsedSeconds:   &elapsed,
		StartedAt:        "2026-08-01T10:00:00Z",
		CompletedAt:      &completed,
		EventCount:       24,
		Findings: []FindingView{
			{PatternType: "missing_hsts", Category: "security", Severity: "low", Confidence: 0.9, Description: "Strict-Transport-Security header absent"},
		},
		Screenshots: []ScreenshotView{
			{Path: "aud-001/landing.png", Label: "landing", Index: 0, SizeBytes: 2048, MIMEType: "image/png"},
		},
	}, nil
}

func (s *StubReader) Events(_ context.Context, _ string) ([]EventItem, error) {
	return []EventItem{
		{SequenceNo: 1, Kind: "phase_start", Phase: "scout", Timestamp: "2026-08-01T10:00:00Z"},
		{SequenceNo: 2, Kind: "phase_complete", Phase: "scout", Timestamp: "2026-08-01T10:00:20Z"},
		{SequenceNo: 3, Kind: "audit_complete", Timestamp: "2026-08-01T10:01:00Z"},
	}, nil
}

func (s *StubReader) Stats(_ context.Context) (*StatsView, error) {
	return &StatsView{
		Total:             42,
		ByStatus:          map[string]int64{"completed": 35, "running": 2, "error": 4, "aborted": 1},
		ByTier:            map[string]int64{"quick_scan": 10, "standard_audit": 27, "deep_forensic": 5},
		Completed:         35,
		Degraded:          3,
		AvgTrustScore:     71.4,
		AvgElapsedSeconds: 38.2,
	}, nil
}

var _ Reader = (*StubReader)(nil)
