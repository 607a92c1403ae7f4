package runner

import (
	"fmt"

	"github.com/veritaslabs/veritas/types"
)

// Engine exit codes, mirrored from the engine entry point.
const (
	ExitCompleted    = 0 // audit_complete after a full pipeline
	ExitError        = 1 // audit_error emitted
	ExitAborted      = 2 // judge abort or cancellation
	ExitInvalidInput = 3 // flag or URL validation failure, no events
)

// Error kinds the runner synthesizes. The engine never emits these; they
// describe transport and process failures observed from outside.
const (
	KindEngineDied         = "engine_died"
	KindIPCTransportFailed = "ipc_transport_failed"
	KindInvalidInput       = "invalid_input"
)

// Outcome is the runner's final classification of one engine attempt.
type Outcome struct {
	Status    types.AuditStatus
	ErrorKind string
	Message   string
	ExitCode  int
}

// DetermineOutcome classifies an attempt from its exit code and the
// terminal event the stream delivered. The exit code is authoritative for
// the outcome category; the terminal payload supplies detail. An exit
// without a terminal event is always engine_died, whatever the code.
func DetermineOutcome(exitCode int, terminal *types.ProgressEvent) *Outcome {
	if terminal == nil {
		kind := KindEngineDied
		msg := fmt.Sprintf("engine exited with code %d before a terminal event", exitCode)
		if exitCode == ExitInvalidInput {
			kind = KindInvalidInput
			msg = "engine rejected the audit input"
		}
		return &Outcome{Status: types.StatusError, ErrorKind: kind, Message: msg, ExitCode: exitCode}
	}

	switch exitCode {
	case ExitCompleted, ExitAborted:
		status := types.StatusCompleted
		if s, ok := terminal.Payload["status"].(string); ok && types.AuditStatus(s) == types.StatusAborted {
			status = types.StatusAborted
		} else if exitCode == ExitAborted {
			status = types.StatusAborted
		}
		return &Outcome{Status: status, ExitCode: exitCode}

	case ExitError:
		out := &Outcome{Status: types.StatusError, ErrorKind: KindEngineDied, ExitCode: exitCode}
		if terminal.Kind == types.EventAuditError {
			if k, ok := terminal.Payload["kind"].(string); ok && k != "" {
				out.ErrorKind = k
			}
			if m, ok := terminal.Payload["message"].(string); ok {
				out.Message = m
			}
		}
		return out

	default:
		return &Outcome{
			Status:    types.StatusError,
			ErrorKind: KindEngineDied,
			Message:   fmt.Sprintf("engine exited with unexpected code %d after a terminal event", exitCode),
			ExitCode:  exitCode,
		}
	}
}

// CrossCheck compares the exit-code outcome against the verdict control
// frame. A mismatch is reported, not resolved: the exit code stays
// authoritative.
func CrossCheck(outcome *Outcome, frame *types.VerdictFrame) (mismatch bool) {
	if frame == nil {
		return false
	}
	return frame.Status != outcome.Status
}
