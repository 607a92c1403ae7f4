// Package types defines core domain types for the VERITAS audit engine.
//
//nolint:revive // types is a common Go package naming convention
package types

// VerdictFrameType is the type discriminant for verdict control frames.
const VerdictFrameType = "verdict_frame"

// RiskLevel buckets a trust score.
type RiskLevel string

const (
	RiskLow      RiskLevel = "low"
	RiskMedium   RiskLevel = "medium"
	RiskHigh     RiskLevel = "high"
	RiskCritical RiskLevel = "critical"
)

// RiskLevelForScore maps a trust score in [0,100] to its risk bucket.
func RiskLevelForScore(score int) RiskLevel {
	switch {
	case score >= 70:
		return RiskLow
	case score >= 50:
		return RiskMedium
	case score >= 25:
		return RiskHigh
	default:
		return RiskCritical
	}
}

// Verdict is the trust verdict an audit produces.
type Verdict struct {
	// TrustScore is in [0,100]. Degraded verdicts are capped at 50.
	TrustScore int `msgpack:"trust_score" json:"trust_score"`
	// RiskLevel is derived from TrustScore.
	RiskLevel RiskLevel `msgpack:"risk_level" json:"risk_level"`
	// Summary is the human-readable verdict.
	Summary string `msgpack:"summary" json:"summary"`
	// SiteType is the judged site category (storefront, news, phishing…).
	SiteType string `msgpack:"site_type,omitempty" json:"site_type,omitempty"`
	// Degraded marks a verdict synthesized from incomplete evidence.
	Degraded bool `msgpack:"degraded" json:"degraded"`
	// Breakdown holds per-category scores. Populated in expert mode only.
	Breakdown map[string]float64 `msgpack:"breakdown,omitempty" json:"breakdown,omitempty"`
}

// VerdictFrame is a control frame, NOT an event, and does not affect
// sequence numbering. The engine sends it after the terminal event in
// queue mode so the runner can cross-check the stream against the exit
// code. Discriminated from event frames by Type == "verdict_frame".
type VerdictFrame struct {
	// Type is always "verdict_frame".
	Type string `msgpack:"type"`
	// Status is the engine's own outcome claim.
	Status AuditStatus `msgpack:"status"`
	// Verdict is present when status is completed.
	Verdict *Verdict `msgpack:"verdict,omitempty"`
	// ErrorKind is present when status is error.
	ErrorKind *string `msgpack:"error_kind,omitempty"`
	// Message is a human-readable description.
	Message *string `msgpack:"message,omitempty"`
}
