// Package types defines core domain types for the VERITAS audit engine.
//
//nolint:revive // types is a common Go package naming convention
package types

import (
	"errors"
	"fmt"
)

// IPCMode is the transport the engine uses for progress events.
type IPCMode string

const (
	// IPCModeQueue is the default: length-prefixed msgpack frames.
	IPCModeQueue IPCMode = "queue"
	// IPCModeStdout is the fallback: ##PROGRESS: prefixed JSON lines.
	IPCModeStdout IPCMode = "stdout"
)

// ParseIPCMode validates an IPC mode string from CLI flags.
func ParseIPCMode(s string) (IPCMode, error) {
	switch IPCMode(s) {
	case IPCModeQueue, IPCModeStdout:
		return IPCMode(s), nil
	default:
		return "", fmt.Errorf("invalid ipc mode %q: must be queue or stdout", s)
	}
}

// MaxSpawnAttempts bounds engine respawns per audit: the initial spawn
// plus at most one stdout-fallback respawn.
const MaxSpawnAttempts = 2

// SpawnMeta identifies one engine spawn for an audit.
type SpawnMeta struct {
	// AuditID is the audit this spawn serves.
	AuditID string
	// Attempt starts at 1. Attempt 2 exists only for stdout fallback.
	Attempt int
	// IPCMode is the transport this spawn was started with.
	IPCMode IPCMode
}

// Validate enforces the spawn lineage rules:
//   - attempt in [1, MaxSpawnAttempts]
//   - attempt > 1 implies stdout mode (fallback is the only respawn reason)
func (m *SpawnMeta) Validate() error {
	if m.AuditID == "" {
		return errors.New("audit_id must be non-empty")
	}
	if m.Attempt < 1 || m.Attempt > MaxSpawnAttempts {
		return fmt.Errorf("attempt must be in [1,%d], got %d", MaxSpawnAttempts, m.Attempt)
	}
	if m.IPCMode != IPCModeQueue && m.IPCMode != IPCModeStdout {
		return fmt.Errorf("invalid ipc mode %q", m.IPCMode)
	}
	if m.Attempt > 1 && m.IPCMode != IPCModeStdout {
		return fmt.Errorf("respawn (attempt=%d) must use stdout mode", m.Attempt)
	}
	return nil
}
