// Package adapter defines the notification boundary for finished audits.
//
// Adapters publish audit completion notifications to downstream systems.
// The runner owns adapter lifecycle; users provide configuration only.
package adapter

import "context"

// AuditCompletedEvent is the payload published when an audit finishes.
type AuditCompletedEvent struct {
	EventType  string `json:"event_type"` // always "audit_completed"
	AuditID    string `json:"audit_id"`
	URL        string `json:"url"`
	Tier       string `json:"tier"`
	Status     string `json:"status"` // completed, aborted, error
	TrustScore *int   `json:"trust_score,omitempty"`
	RiskLevel  string `json:"risk_level,omitempty"`
	Degraded   bool   `json:"degraded"`
	ErrorKind  string `json:"error_kind,omitempty"`
	Timestamp  string `json:"timestamp"` // ISO 8601
	Attempt    int    `json:"attempt"`
	EventCount int64  `json:"event_count"`
	DurationMs int64  `json:"duration_ms"`
}

// Adapter publishes audit completion events to a downstream system.
// Implementations must be safe for concurrent use across audits.
type Adapter interface {
	// Publish sends an audit completion event to the downstream system.
	// Must respect context cancellation and deadlines.
	Publish(ctx context.Context, event *AuditCompletedEvent) error

	// Close releases adapter resources.
	Close() error
}
