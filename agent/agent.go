// Package agent defines the uniform contract every pipeline stage
// implementation obeys: analyze a read-only snapshot of the audit state and
// return a patch. Stage runners own timeout, retry, and cancellation; agents
// only need to honor their context.
package agent

import (
	"context"
	"net/http"

	"github.com/veritaslabs/veritas/types"
)

// Emitter is the slice of the event bus agents publish through while they
// run. The bus satisfies it.
type Emitter interface {
	PhaseProgress(phase types.Phase, message string) error
	Finding(phase types.Phase, f types.Finding) error
	Screenshot(phase types.Phase, s types.Screenshot) error
	Log(phase types.Phase, level types.LogLevel, message string, fields map[string]any) error
}

// Toolkit carries the per-audit handles an agent may use during Analyze.
// Stage-specific clients (VLM, OSINT sources) are injected at agent
// construction instead.
type Toolkit struct {
	// AuditID identifies the owning audit.
	AuditID string

	// Bus is the live event stream. Never nil during Analyze.
	Bus Emitter

	// HTTP is the shared outbound client, already proxy-aware when the
	// audit runs behind a proxy endpoint.
	HTTP *http.Client

	// ScreenshotDir is the engine-local root where captured screenshots
	// are written. Paths recorded on patches are relative to it.
	ScreenshotDir string
}

// Agent analyzes a snapshot and returns a patch. Analyze must honor ctx
// cancellation within two seconds; a runner that observes an agent hung past
// the graceful window escalates to forced abandonment and records a
// cancel_escalated error.
//
// The snapshot is the agent's private copy. Mutating it never reaches the
// orchestrator: all changes travel through the returned patch.
type Agent interface {
	Name() string
	Analyze(ctx context.Context, snap *types.AuditState, tk *Toolkit) (*types.StatePatch, error)
}

// Registry holds the five stage agents an engine runs with. Explicit fields
// instead of a keyed map: a missing agent is a wiring bug caught by Validate
// before the audit starts.
type Registry struct {
	Scout    Agent
	Security Agent
	Vision   Agent
	Graph    Agent
	Judge    Agent
}

// ForPhase returns the agent owning a pipeline phase.
func (r *Registry) ForPhase(phase types.Phase) (Agent, error) {
	switch phase {
	case types.PhaseScout:
		return r.Scout, nil
	case types.PhaseSecurity:
		return r.Security, nil
	case types.PhaseVision:
		return r.Vision, nil
	case types.PhaseGraph:
		return r.Graph, nil
	case types.PhaseJudge:
		return r.Judge, nil
	default:
		return nil, NewError(KindAgentError, "no agent for phase "+string(phase))
	}
}

// Validate checks that every stage has an agent.
func (r *Registry) Validate() error {
	for _, slot := range []struct {
		name  string
		agent Agent
	}{
		{"scout", r.Scout},
		{"security", r.Security},
		{"vision", r.Vision},
		{"graph", r.Graph},
		{"judge", r.Judge},
	} {
		if slot.agent == nil {
			return NewError(KindAgentError, "registry missing "+slot.name+" agent")
		}
	}
	return nil
}
