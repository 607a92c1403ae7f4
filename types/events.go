package types

// ContractVersion is the progress wire contract version. The engine stamps
// it on every event; the runner rejects streams whose major version differs.
const ContractVersion = "1.0.0"

// EventKind discriminates progress events.
type EventKind string

const (
	EventPhaseStart    EventKind = "phase_start"
	EventPhaseProgress EventKind = "phase_progress"
	EventPhaseComplete EventKind = "phase_complete"
	EventFinding       EventKind = "finding"
	EventScreenshot    EventKind = "screenshot"
	EventLog           EventKind = "log"
	EventAuditResult   EventKind = "audit_result"
	EventAuditError    EventKind = "audit_error"
	EventAuditComplete EventKind = "audit_complete"
)

// IsTerminal returns true if this kind ends the audit's event stream.
// Exactly one terminal event is emitted per audit, and it carries the
// largest sequence number.
func (k EventKind) IsTerminal() bool {
	return k == EventAuditComplete || k == EventAuditError
}

// Throttleable reports whether the bus may rate-limit or coalesce events
// of this kind. Result and terminal events are always delivered untouched.
func (k EventKind) Throttleable() bool {
	switch k {
	case EventAuditResult, EventAuditError, EventAuditComplete:
		return false
	default:
		return true
	}
}

// Valid reports whether k is a known event kind.
func (k EventKind) Valid() bool {
	switch k {
	case EventPhaseStart, EventPhaseProgress, EventPhaseComplete,
		EventFinding, EventScreenshot, EventLog,
		EventAuditResult, EventAuditError, EventAuditComplete:
		return true
	default:
		return false
	}
}

// Phase identifies a pipeline stage.
type Phase string

const (
	PhaseInit     Phase = "init"
	PhaseScout    Phase = "scout"
	PhaseSecurity Phase = "security"
	PhaseVision   Phase = "vision"
	PhaseGraph    Phase = "graph"
	PhaseJudge    Phase = "judge"
)

// LogLevel represents log event severity.
type LogLevel string

const (
	LogLevelDebug LogLevel = "debug"
	LogLevelInfo  LogLevel = "info"
	LogLevelWarn  LogLevel = "warn"
	LogLevelError LogLevel = "error"
)

// ProgressEvent is the sole unit of engine-to-runner communication.
// The same struct travels both transports: msgpack frames in queue mode,
// one JSON object per ##PROGRESS: line in stdout mode.
type ProgressEvent struct {
	// ContractVersion is stamped by the emitting engine.
	ContractVersion string `msgpack:"contract_version" json:"contract_version"`
	// AuditID is the owning audit's identifier.
	AuditID string `msgpack:"audit_id" json:"audit_id"`
	// SequenceNo is gapless and ascending within an audit, starting at 1.
	// A consumer that observes a gap treats it as a transport fault.
	SequenceNo int64 `msgpack:"sequence_no" json:"sequence_no"`
	// Kind is the event discriminator.
	Kind EventKind `msgpack:"kind" json:"kind"`
	// Phase is the pipeline stage this event belongs to, when any.
	Phase Phase `msgpack:"phase,omitempty" json:"phase,omitempty"`
	// Payload is the kind-specific payload.
	Payload map[string]any `msgpack:"payload" json:"payload"`
	// Timestamp is RFC3339Nano UTC.
	Timestamp string `msgpack:"timestamp" json:"timestamp"`
	// Attempt is the engine spawn attempt, starting at 1. A stdout
	// fallback respawn carries attempt 2.
	Attempt int `msgpack:"attempt" json:"attempt"`
}

// PhaseStartPayload announces entry into a stage.
type PhaseStartPayload struct {
	// Iteration is the audit iteration this stage entry belongs to.
	Iteration int `msgpack:"iteration" json:"iteration"`
	// Message is an optional human-readable note.
	Message string `msgpack:"message,omitempty" json:"message,omitempty"`
}

// PhaseProgressPayload reports mid-stage progress. Coalesced findings are
// carried in Findings as an array payload.
type PhaseProgressPayload struct {
	Message  string           `msgpack:"message,omitempty" json:"message,omitempty"`
	Findings []map[string]any `msgpack:"findings,omitempty" json:"findings,omitempty"`
	Coalesced int             `msgpack:"coalesced,omitempty" json:"coalesced,omitempty"`
}

// PhaseCompletePayload closes a stage. Error is set when the stage failed;
// the orchestrator still advances per its transition table.
type PhaseCompletePayload struct {
	DurationMS   int64  `msgpack:"duration_ms" json:"duration_ms"`
	FindingCount int    `msgpack:"finding_count" json:"finding_count"`
	Error        string `msgpack:"error,omitempty" json:"error,omitempty"`
	ErrorKind    string `msgpack:"error_kind,omitempty" json:"error_kind,omitempty"`
}

// LogPayload carries a diagnostic line through the event stream.
type LogPayload struct {
	Level   LogLevel       `msgpack:"level" json:"level"`
	Message string         `msgpack:"message" json:"message"`
	Fields  map[string]any `msgpack:"fields,omitempty" json:"fields,omitempty"`
}

// AuditErrorPayload is the terminal payload for failed audits. Kind uses
// the error taxonomy (engine_died, ipc_transport_failed, cancel_escalated…).
type AuditErrorPayload struct {
	Kind     string `msgpack:"kind" json:"kind"`
	Message  string `msgpack:"message" json:"message"`
	ExitCode *int   `msgpack:"exit_code,omitempty" json:"exit_code,omitempty"`
}
