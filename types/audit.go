package types

import (
	"errors"
	"fmt"
	"net/url"
	"time"
)

// Tier selects the audit's budget limits.
type Tier string

const (
	TierQuickScan     Tier = "quick_scan"
	TierStandardAudit Tier = "standard_audit"
	TierDeepForensic  Tier = "deep_forensic"
)

// ParseTier validates a tier string from CLI flags or API requests.
func ParseTier(s string) (Tier, error) {
	switch Tier(s) {
	case TierQuickScan, TierStandardAudit, TierDeepForensic:
		return Tier(s), nil
	default:
		return "", fmt.Errorf("invalid tier %q: must be quick_scan, standard_audit, or deep_forensic", s)
	}
}

// TierLimits are the hard budgets a tier grants.
type TierLimits struct {
	MaxIterations int
	MaxPages      int
	MaxVLMCredits int
	WallClock     time.Duration
}

// Limits returns the budget limits for the tier.
func (t Tier) Limits() TierLimits {
	switch t {
	case TierQuickScan:
		return TierLimits{MaxIterations: 1, MaxPages: 1, MaxVLMCredits: 3, WallClock: 60 * time.Second}
	case TierDeepForensic:
		return TierLimits{MaxIterations: 5, MaxPages: 10, MaxVLMCredits: 30, WallClock: 600 * time.Second}
	default:
		return TierLimits{MaxIterations: 3, MaxPages: 5, MaxVLMCredits: 12, WallClock: 180 * time.Second}
	}
}

// VerdictMode selects the verdict output shape.
type VerdictMode string

const (
	VerdictModeSimple VerdictMode = "simple"
	VerdictModeExpert VerdictMode = "expert"
)

// ParseVerdictMode validates a verdict mode string.
func ParseVerdictMode(s string) (VerdictMode, error) {
	switch VerdictMode(s) {
	case VerdictModeSimple, VerdictModeExpert:
		return VerdictMode(s), nil
	default:
		return "", fmt.Errorf("invalid verdict mode %q: must be simple or expert", s)
	}
}

// AuditStatus is the lifecycle status of an audit.
type AuditStatus string

const (
	StatusQueued    AuditStatus = "queued"
	StatusRunning   AuditStatus = "running"
	StatusCompleted AuditStatus = "completed"
	StatusAborted   AuditStatus = "aborted"
	StatusError     AuditStatus = "error"
)

// IsTerminal reports whether the status admits no further transitions.
func (s AuditStatus) IsTerminal() bool {
	return s == StatusCompleted || s == StatusAborted || s == StatusError
}

// ValidStatusTransition enforces the audit lifecycle: queued → running →
// one of {completed, aborted, error}. Terminal states are frozen.
func ValidStatusTransition(from, to AuditStatus) bool {
	if from == to {
		return true
	}
	switch from {
	case StatusQueued:
		return to == StatusRunning || to.IsTerminal()
	case StatusRunning:
		return to.IsTerminal()
	default:
		return false
	}
}

// ScoutFailureCap is the number of blocked scout attempts tolerated
// before the orchestrator gives up on the URL.
const ScoutFailureCap = 3

// Severity grades a finding.
type Severity string

const (
	SeverityInfo     Severity = "info"
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Finding is one piece of evidence against (or for) the audited site.
type Finding struct {
	PatternType     string   `msgpack:"pattern_type" json:"pattern_type"`
	Category        string   `msgpack:"category" json:"category"`
	Severity        Severity `msgpack:"severity" json:"severity"`
	Confidence      float64  `msgpack:"confidence" json:"confidence"`
	Description     string   `msgpack:"description" json:"description"`
	ScreenshotIndex *int     `msgpack:"screenshot_index,omitempty" json:"screenshot_index,omitempty"`
}

// Screenshot is filesystem-reference metadata; the binary lives under the
// screenshots root and never travels through the event stream.
type Screenshot struct {
	Path      string `msgpack:"path" json:"path"`
	Label     string `msgpack:"label,omitempty" json:"label,omitempty"`
	Index     int    `msgpack:"index" json:"index"`
	SizeBytes int64  `msgpack:"size_bytes" json:"size_bytes"`
	MIMEType  string `msgpack:"mime_type" json:"mime_type"`
}

// ErrorRecord is a structured error accumulated on the audit state.
type ErrorRecord struct {
	Kind      string `json:"kind"`
	Phase     Phase  `json:"phase,omitempty"`
	Message   string `json:"message"`
	Timestamp string `json:"timestamp"`
}

// ScoutResult is one page visit's harvest.
type ScoutResult struct {
	URL         string
	FinalURL    string
	Title       string
	TextDigest  string
	Links       []string
	Headers     map[string]string
	Meta        map[string]string
	Screenshots []Screenshot
	StatusCode  int
	Usable      bool
	FetchedAt   time.Time
}

// ModuleResult is one security module's output. Score is in [0,1] where
// 1 is maximally suspicious.
type ModuleResult struct {
	Module     string
	Score      float64
	Findings   []Finding
	Errors     []string
	DurationMS int64
	TimedOut   bool
}

// VisionReport is the Vision stage's output for one iteration.
type VisionReport struct {
	Findings      []Finding
	TemporalNotes []string
	Confidence    float64
	CreditsUsed   int
	Degraded      bool
}

// EntityStatus classifies a graph entity after OSINT verification.
type EntityStatus string

const (
	EntityVerified     EntityStatus = "verified"
	EntityContradicted EntityStatus = "contradicted"
	EntityUnknown      EntityStatus = "unknown"
)

// GraphEntity is one entity the graph stage examined.
type GraphEntity struct {
	Name   string
	Kind   string
	Status EntityStatus
	Source string
	Note   string
}

// SourceReport is one OSINT source's sub-report. A timed-out source is a
// sub-finding, never a stage failure.
type SourceReport struct {
	Source     string
	Entities   []GraphEntity
	Err        string
	TimedOut   bool
	DurationMS int64
}

// GraphReport is the Graph stage's output for one iteration.
type GraphReport struct {
	Entities []GraphEntity
	Sources  []SourceReport
	Degraded bool
}

// JudgeAction is the Judge's routing decision.
type JudgeAction string

const (
	ActionFinalize        JudgeAction = "finalize"
	ActionInvestigateMore JudgeAction = "request_more_investigation"
	ActionAbort           JudgeAction = "abort"
)

// JudgeDecision is the Judge stage's output for one iteration.
type JudgeDecision struct {
	Action          JudgeAction
	InvestigateURLs []string
	Verdict         *Verdict
	Reason          string
}

// AuditState is the single mutable record threaded through the state
// machine. It is owned exclusively by the orchestrator: stage runners see
// a snapshot and return a patch, and the orchestrator applies patches
// serially.
type AuditState struct {
	AuditID     string
	URL         string
	Tier        Tier
	VerdictMode VerdictMode

	Iteration     int
	MaxIterations int
	MaxPages      int
	MaxVLMCredits int

	Status           AuditStatus
	EnabledModules   []string
	PendingURLs      []string
	InvestigatedURLs map[string]bool

	ScoutResults    []ScoutResult
	SecurityResults map[string]ModuleResult
	VisionResult    *VisionReport
	GraphResult     *GraphReport
	JudgeDecision   *JudgeDecision

	Errors        []ErrorRecord
	ScoutFailures int
	VLMCallsUsed  int
	Degraded      bool

	StartTime time.Time
}

// NewAuditState validates the target URL and seeds the state with the
// tier's budgets and pending_urls = [url].
func NewAuditState(auditID, rawURL string, tier Tier, mode VerdictMode, modules []string) (*AuditState, error) {
	if auditID == "" {
		return nil, errors.New("audit_id must be non-empty")
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid url %q: %w", rawURL, err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("invalid url %q: scheme must be http or https", rawURL)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("invalid url %q: missing host", rawURL)
	}
	limits := tier.Limits()
	return &AuditState{
		AuditID:          auditID,
		URL:              rawURL,
		Tier:             tier,
		VerdictMode:      mode,
		MaxIterations:    limits.MaxIterations,
		MaxPages:         limits.MaxPages,
		MaxVLMCredits:    limits.MaxVLMCredits,
		Status:           StatusQueued,
		EnabledModules:   append([]string(nil), modules...),
		PendingURLs:      []string{rawURL},
		InvestigatedURLs: make(map[string]bool),
		SecurityResults:  make(map[string]ModuleResult),
		StartTime:        time.Now().UTC(),
	}, nil
}

// BeginIteration starts a fresh Scout→…→Judge pass: increments the
// iteration counter and clears the per-iteration stage results. Called
// exactly once per scout entry; blocked-scout retries stay within the
// same iteration.
func (s *AuditState) BeginIteration() {
	s.Iteration++
	s.VisionResult = nil
	s.GraphResult = nil
	s.JudgeDecision = nil
}

// Snapshot returns a deep copy for a stage runner. Mutating the copy
// never affects the orchestrator's state.
func (s *AuditState) Snapshot() *AuditState {
	cp := *s
	cp.EnabledModules = append([]string(nil), s.EnabledModules...)
	cp.PendingURLs = append([]string(nil), s.PendingURLs...)
	cp.InvestigatedURLs = make(map[string]bool, len(s.InvestigatedURLs))
	for u := range s.InvestigatedURLs {
		cp.InvestigatedURLs[u] = true
	}
	cp.ScoutResults = append([]ScoutResult(nil), s.ScoutResults...)
	cp.SecurityResults = make(map[string]ModuleResult, len(s.SecurityResults))
	for k, v := range s.SecurityResults {
		cp.SecurityResults[k] = v
	}
	if s.VisionResult != nil {
		v := *s.VisionResult
		cp.VisionResult = &v
	}
	if s.GraphResult != nil {
		g := *s.GraphResult
		cp.GraphResult = &g
	}
	if s.JudgeDecision != nil {
		j := *s.JudgeDecision
		cp.JudgeDecision = &j
	}
	cp.Errors = append([]ErrorRecord(nil), s.Errors...)
	return &cp
}

// StatePatch is the set of field updates a stage returns. Zero values
// mean "no change"; the orchestrator applies patches in stage order.
type StatePatch struct {
	// AppendScout appends a page result. Its URL is moved from pending
	// to investigated as part of the same application.
	AppendScout *ScoutResult
	// Investigated marks URLs investigated without a page result
	// (hard-failed fetches still consume the URL).
	Investigated []string
	// QueueURLs appends to pending_urls; URLs already pending or already
	// investigated are dropped silently.
	QueueURLs []string
	// SecurityResults merges module results by module name.
	SecurityResults map[string]ModuleResult
	// Vision, Graph, Judge each set their per-iteration slot. Setting an
	// already-set slot within one iteration is a contract violation.
	Vision *VisionReport
	Graph  *GraphReport
	Judge  *JudgeDecision
	// Errors appends structured error records.
	Errors []ErrorRecord
	// ScoutFailureDelta increments the blocked-scout counter.
	ScoutFailureDelta int
	// VLMCallsDelta increments the VLM credit usage.
	VLMCallsDelta int
	// Degraded latches the degraded flag; it never clears.
	Degraded bool
}

// Apply folds a patch into the state, enforcing the data-model
// invariants: URL exclusivity between pending and investigated,
// append-only sequences, and set-once-per-iteration stage slots.
func (s *AuditState) Apply(p *StatePatch) error {
	if p == nil {
		return nil
	}
	if p.AppendScout != nil {
		s.ScoutResults = append(s.ScoutResults, *p.AppendScout)
		s.markInvestigated(p.AppendScout.URL)
	}
	for _, u := range p.Investigated {
		s.markInvestigated(u)
	}
	for _, u := range p.QueueURLs {
		if s.InvestigatedURLs[u] || s.isPending(u) {
			continue
		}
		s.PendingURLs = append(s.PendingURLs, u)
	}
	for name, res := range p.SecurityResults {
		if s.SecurityResults == nil {
			s.SecurityResults = make(map[string]ModuleResult)
		}
		s.SecurityResults[name] = res
	}
	if p.Vision != nil {
		if s.VisionResult != nil {
			return errors.New("vision_result already set for this iteration")
		}
		s.VisionResult = p.Vision
	}
	if p.Graph != nil {
		if s.GraphResult != nil {
			return errors.New("graph_result already set for this iteration")
		}
		s.GraphResult = p.Graph
	}
	if p.Judge != nil {
		if s.JudgeDecision != nil {
			return errors.New("judge_decision already set for this iteration")
		}
		s.JudgeDecision = p.Judge
	}
	s.Errors = append(s.Errors, p.Errors...)
	s.ScoutFailures += p.ScoutFailureDelta
	s.VLMCallsUsed += p.VLMCallsDelta
	if p.Degraded {
		s.Degraded = true
	}
	return nil
}

func (s *AuditState) markInvestigated(u string) {
	if u == "" {
		return
	}
	if s.InvestigatedURLs == nil {
		s.InvestigatedURLs = make(map[string]bool)
	}
	s.InvestigatedURLs[u] = true
	for i, p := range s.PendingURLs {
		if p == u {
			s.PendingURLs = append(s.PendingURLs[:i], s.PendingURLs[i+1:]...)
			break
		}
	}
}

func (s *AuditState) isPending(u string) bool {
	for _, p := range s.PendingURLs {
		if p == u {
			return true
		}
	}
	return false
}

// PagesScanned counts usable page visits.
func (s *AuditState) PagesScanned() int {
	n := 0
	for _, r := range s.ScoutResults {
		if r.Usable {
			n++
		}
	}
	return n
}

// ScreenshotCount counts screenshots across all scout results.
func (s *AuditState) ScreenshotCount() int {
	n := 0
	for _, r := range s.ScoutResults {
		n += len(r.Screenshots)
	}
	return n
}

// Elapsed is the wall-clock time since the audit started.
func (s *AuditState) Elapsed() time.Duration {
	return time.Since(s.StartTime)
}

// AuditResultPayload is the audit_result event payload: the final-state
// summary the runner persists onto the audits row.
type AuditResultPayload struct {
	Status          AuditStatus   `msgpack:"status" json:"status"`
	Verdict         Verdict       `msgpack:"verdict" json:"verdict"`
	Iteration       int           `msgpack:"iteration" json:"iteration"`
	PagesScanned    int           `msgpack:"pages_scanned" json:"pages_scanned"`
	ScreenshotCount int           `msgpack:"screenshot_count" json:"screenshot_count"`
	VLMCallsUsed    int           `msgpack:"vlm_calls_used" json:"vlm_calls_used"`
	ElapsedSeconds  float64       `msgpack:"elapsed_seconds" json:"elapsed_seconds"`
	Errors          []ErrorRecord `msgpack:"errors,omitempty" json:"errors,omitempty"`
}

// FinalSummary builds the audit_result payload from the terminal state.
func (s *AuditState) FinalSummary(v Verdict) AuditResultPayload {
	return AuditResultPayload{
		Status:          s.Status,
		Verdict:         v,
		Iteration:       s.Iteration,
		PagesScanned:    s.PagesScanned(),
		ScreenshotCount: s.ScreenshotCount(),
		VLMCallsUsed:    s.VLMCallsUsed,
		ElapsedSeconds:  s.Elapsed().Seconds(),
		Errors:          append([]ErrorRecord(nil), s.Errors...),
	}
}
