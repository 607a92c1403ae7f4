package agent

import (
	"errors"
	"fmt"
)

// Error kinds, shared between agents, stage runners, and the final error
// records on the audit state.
const (
	// Scout.
	KindCaptchaBlocked    = "captcha_blocked"
	KindBotBlocked        = "bot_blocked"
	KindNavigationTimeout = "navigation_timeout"
	KindDNSFailed         = "dns_failed"

	// Security fan-out. Scoped per module, never fatal to the stage.
	KindModuleTimeout = "module_timeout"
	KindModuleError   = "module_error"

	// Vision.
	KindVLMTimeout         = "vlm_timeout"
	KindVLMUnavailable     = "vlm_unavailable"
	KindVLMCreditExhausted = "vlm_credit_exhausted"

	// Graph. Source timeouts are per-source and non-fatal; a graph timeout
	// fails the stage.
	KindSourceTimeout     = "source_timeout"
	KindSourceUnavailable = "source_unavailable"
	KindGraphTimeout      = "graph_timeout"

	// Judge.
	KindJudgeUnavailable = "judge_unavailable"

	// Stage runner.
	KindAgentTimeout    = "agent_timeout"
	KindAgentError      = "agent_error"
	KindCancelEscalated = "cancel_escalated"
)

// Error is a typed agent failure. Kind places it in the error taxonomy;
// Transient marks it retryable by the stage runner's backoff loop.
type Error struct {
	Kind      string
	Message   string
	Transient bool
	Err       error
}

func (e *Error) Error() string {
	if e.Message == "" && e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *Error) Unwrap() error { return e.Err }

// NewError creates a non-transient agent error.
func NewError(kind, message string) *Error {
	return &Error{Kind: kind, Message: message}
}

// NewTransient creates an agent error the stage runner may retry.
func NewTransient(kind, message string) *Error {
	return &Error{Kind: kind, Message: message, Transient: true}
}

// WrapError wraps an underlying cause with a taxonomy kind.
func WrapError(kind string, err error) *Error {
	return &Error{Kind: kind, Err: err}
}

// KindOf extracts the taxonomy kind from an error chain. Errors outside the
// taxonomy map to agent_error.
func KindOf(err error) string {
	if err == nil {
		return ""
	}
	var ae *Error
	if errors.As(err, &ae) {
		return ae.Kind
	}
	return KindAgentError
}

// IsTransient reports whether the error chain carries a retryable agent
// error.
func IsTransient(err error) bool {
	var ae *Error
	return errors.As(err, &ae) && ae.Transient
}
