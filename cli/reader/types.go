// Package reader is the read-side data access layer for the veritas CLI.
// List, inspect, and stats commands go through it instead of touching the
// repository directly, so plain and TUI renderings share one data shape.
package reader

// AuditItem is one row in the list view. Thin on purpose: inspect carries
// the deep view.
type AuditItem struct {
	AuditID    string `json:"audit_id"`
	URL        string `json:"url"`
	Status     string `json:"status"`
	Tier       string `json:"tier"`
	TrustScore *int   `json:"trust_score"`
	RiskLevel  string `json:"risk_level,omitempty"`
	Degraded   bool   `json:"degraded"`
	StartedAt  string `json:"started_at"`
}

// FindingView is one recorded finding.
type FindingView struct {
	PatternType     string  `json:"pattern_type"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Confidence      float64 `json:"confidence"`
	Description     string  `json:"description"`
	ScreenshotIndex *int    `json:"screenshot_index,omitempty"`
}

// ScreenshotView is one screenshot ledger entry.
type ScreenshotView struct {
	Path      string `json:"path"`
	Label     string `json:"label"`
	Index     int    `json:"index"`
	SizeBytes int64  `json:"size_bytes"`
	MIMEType  string `json:"mime_type"`
}

// ErrorView is one error the audit accumulated.
type ErrorView struct {
	Kind      string `json:"kind"`
	Phase     string `json:"phase,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// AuditDetail is the deep view of a single audit.
type AuditDetail struct {
	AuditID             string           `json:"audit_id"`
	URL                 string           `json:"url"`
	Status              string           `json:"status"`
	Tier                string           `json:"tier"`
	VerdictMode         string           `json:"verdict_mode"`
	Modules             []string         `json:"modules,omitempty"`
	TrustScore          *int             `json:"trust_score"`
	RiskLevel           string           `json:"risk_level,omitempty"`
	Summary             string           `json:"summary,omitempty"`
	SiteType            string           `json:"site_type,omitempty"`
	Degraded            bool             `json:"degraded"`
	PersistenceDegraded bool             `json:"persistence_degraded"`
	IPCMode             string           `json:"ipc_mode"`
	Attempt             int              `json:"attempt"`
	PagesScanned        int              `json:"pages_scanned"`
	ScreenshotsTaken    int              `json:"screenshots_taken"`
	VLMCallsUsed        int              `json:"vlm_calls_used"`
	ElapsedSeconds      *float64         `json:"elapsed_seconds"`
	Errors              []ErrorView      `json:"errors,omitempty"`
	StartedAt           string           `json:"started_at"`
	CompletedAt         *string          `json:"completed_at"`
	EventCount          int64            `json:"event_count"`
	Findings            []FindingView    `json:"findings"`
	Screenshots         []ScreenshotView `json:"screenshots"`
}

// EventItem is one progress event in the audit log view.
type EventItem struct {
	SequenceNo int64  `json:"sequence_no"`
	Kind       string `json:"kind"`
	Phase      string `json:"phase,omitempty"`
	Timestamp  string `json:"timestamp"`
}

// StatsView aggregates repository-wide audit counts.
type StatsView struct {
	Total             int64            `json:"total"`
	ByStatus          map[string]int64 `json:"by_status"`
	ByTier            map[string]int64 `json:"by_tier"`
	Completed         int64            `json:"completed"`
	Degraded          int64            `json:"degraded"`
	AvgTrustScore     float64          `json:"avg_trust_score"`
	AvgElapsedSeconds float64          `json:"avg_elapsed_seconds"`
}

// ListOptions filter the list view.
type ListOptions struct {
	Status string
	Limit  int
	Offset int
}
