package bus

import (
	"encoding/json"
	"time"

	"github.com/veritaslabs/veritas/types"
)

// toPayload converts a typed payload struct into the generic map shape the
// wire carries, reusing the struct's json tags as payload keys.
func toPayload(v any) map[string]any {
	data, err := json.Marshal(v)
	if err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]any{"encode_error": err.Error()}
	}
	return out
}

// PhaseStart announces entry into a pipeline stage.
func (b *Bus) PhaseStart(phase types.Phase, iteration int, message string) error {
	return b.publish(types.EventPhaseStart, phase, toPayload(types.PhaseStartPayload{
		Iteration: iteration,
		Message:   message,
	}))
}

// PhaseProgress reports mid-stage progress.
func (b *Bus) PhaseProgress(phase types.Phase, message string) error {
	return b.publish(types.EventPhaseProgress, phase, toPayload(types.PhaseProgressPayload{
		Message: message,
	}))
}

// PhaseComplete closes a stage that finished normally.
func (b *Bus) PhaseComplete(phase types.Phase, elapsed time.Duration, findingCount int) error {
	return b.publish(types.EventPhaseComplete, phase, toPayload(types.PhaseCompletePayload{
		DurationMS:   elapsed.Milliseconds(),
		FindingCount: findingCount,
	}))
}

// PhaseFailed closes a stage that errored. The orchestrator still advances
// per its transition table; the error is recorded in the audit state.
func (b *Bus) PhaseFailed(phase types.Phase, elapsed time.Duration, errKind, message string) error {
	return b.publish(types.EventPhaseComplete, phase, toPayload(types.PhaseCompletePayload{
		DurationMS: elapsed.Milliseconds(),
		Error:      message,
		ErrorKind:  errKind,
	}))
}

// Screenshot announces a captured screenshot by filesystem reference.
func (b *Bus) Screenshot(phase types.Phase, s types.Screenshot) error {
	return b.publish(types.EventScreenshot, phase, toPayload(s))
}

// Log routes a diagnostic line through the event stream.
func (b *Bus) Log(phase types.Phase, level types.LogLevel, message string, fields map[string]any) error {
	return b.publish(types.EventLog, phase, toPayload(types.LogPayload{
		Level:   level,
		Message: message,
		Fields:  fields,
	}))
}

// AuditResult publishes the final-state summary. Emitted exactly once,
// immediately before the terminal event. Never throttled.
func (b *Bus) AuditResult(summary types.AuditResultPayload) error {
	return b.publish(types.EventAuditResult, "", toPayload(summary))
}

// AuditError publishes the terminal event for a failed audit. Never
// throttled.
func (b *Bus) AuditError(kind, message string) error {
	return b.publish(types.EventAuditError, "", toPayload(types.AuditErrorPayload{
		Kind:    kind,
		Message: message,
	}))
}

// AuditComplete publishes the terminal event for a finished audit. Never
// throttled.
func (b *Bus) AuditComplete(status types.AuditStatus) error {
	return b.publish(types.EventAuditComplete, "", map[string]any{
		"status": string(status),
	})
}
