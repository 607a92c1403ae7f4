// Package engine implements the audit pipeline: the orchestrator state
// machine, the stage runners wrapping agents, in-stage fan-out, and the
// degraded-verdict synthesis. One engine process runs exactly one audit.
package engine

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/veritaslabs/veritas/agent"
	"github.com/veritaslabs/veritas/budget"
	"github.com/veritaslabs/veritas/bus"
	"github.com/veritaslabs/veritas/ipc"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

// Exit codes reported to the runner. The exit code is authoritative for
// the audit outcome; the event stream is cross-checked against it.
const (
	ExitCompleted    = 0
	ExitError        = 1
	ExitAborted      = 2
	ExitInvalidInput = 3
)

// Config assembles one engine run.
type Config struct {
	Meta        types.SpawnMeta
	URL         string
	Tier        types.Tier
	VerdictMode types.VerdictMode
	Modules     []string

	Registry  *agent.Registry
	Transport ipc.Transport
	Logger    *log.Logger

	// HTTPClient is the shared outbound client handed to agents. Nil gets
	// a default with a conservative timeout.
	HTTPClient *http.Client

	// ScreenshotDir is the root where agents write screenshot files.
	ScreenshotDir string

	// Bus overrides the bus tuning; zero values take the bus defaults.
	Bus bus.Config
}

// Engine runs one audit end to end: transport → bus → orchestrator →
// terminal events → drain.
type Engine struct {
	cfg    Config
	logger *log.Logger

	// sleep overrides the stage runner's backoff sleep in tests.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates the wiring and builds an engine.
func New(cfg Config) (*Engine, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("engine: registry is required")
	}
	if err := cfg.Registry.Validate(); err != nil {
		return nil, err
	}
	if cfg.Transport == nil {
		return nil, fmt.Errorf("engine: transport is required")
	}
	if err := cfg.Meta.Validate(); err != nil {
		return nil, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Engine{cfg: cfg, logger: cfg.Logger}, nil
}

// Run executes the audit and returns the process exit code. The terminal
// event sequence is always audit_result then exactly one terminal event,
// followed by the bus drain and, in queue mode, the verdict control frame.
func (e *Engine) Run(ctx context.Context) int {
	state, err := types.NewAuditState(e.cfg.Meta.AuditID, e.cfg.URL, e.cfg.Tier, e.cfg.VerdictMode, e.cfg.Modules)
	if err != nil {
		e.logger.Error("invalid audit input", map[string]any{"error": err.Error()})
		return ExitInvalidInput
	}

	busCfg := e.cfg.Bus
	busCfg.Logger = e.logger
	b := bus.New(e.cfg.Transport, e.cfg.Meta, busCfg)

	tracker := budget.NewTracker(e.cfg.Tier, state.StartTime)
	toolkit := &agent.Toolkit{
		AuditID:       e.cfg.Meta.AuditID,
		Bus:           b,
		HTTP:          e.cfg.HTTPClient,
		ScreenshotDir: e.cfg.ScreenshotDir,
	}

	orch := NewOrchestrator(state, tracker, e.cfg.Registry, b, toolkit, e.logger)
	if e.sleep != nil {
		orch.stages.sleep = e.sleep
	}
	outcome := orch.Run(ctx)

	e.publishTerminal(b, state, outcome)

	if err := b.Close(); err != nil {
		e.logger.Warn("bus close reported write error", map[string]any{"error": err.Error()})
	}
	e.writeVerdictFrame(outcome)

	e.logger.Info("audit finished", map[string]any{
		"status":      string(outcome.Status),
		"trust_score": outcome.Verdict.TrustScore,
		"iterations":  state.Iteration,
		"transitions": orch.Transitions(),
	})

	switch outcome.Status {
	case types.StatusCompleted:
		return ExitCompleted
	case types.StatusAborted:
		return ExitAborted
	default:
		return ExitError
	}
}

// publishTerminal emits audit_result then the single terminal event.
func (e *Engine) publishTerminal(b *bus.Bus, state *types.AuditState, outcome *Outcome) {
	if err := b.AuditResult(state.FinalSummary(outcome.Verdict)); err != nil {
		e.logger.Warn("audit_result publish failed", map[string]any{"error": err.Error()})
	}

	var err error
	switch outcome.Status {
	case types.StatusError:
		err = b.AuditError(outcome.ErrorKind, outcome.ErrorMessage)
	default:
		err = b.AuditComplete(outcome.Status)
	}
	if err != nil {
		e.logger.Warn("terminal publish failed", map[string]any{"error": err.Error()})
	}
}

// writeVerdictFrame sends the post-terminal control frame. The stdout
// transport discards it.
func (e *Engine) writeVerdictFrame(outcome *Outcome) {
	frame := &types.VerdictFrame{
		Type:   types.VerdictFrameType,
		Status: outcome.Status,
	}
	switch outcome.Status {
	case types.StatusCompleted:
		v := outcome.Verdict
		frame.Verdict = &v
	default:
		if outcome.ErrorKind != "" {
			kind := outcome.ErrorKind
			frame.ErrorKind = &kind
		}
		if outcome.ErrorMessage != "" {
			msg := outcome.ErrorMessage
			frame.Message = &msg
		}
	}
	if err := e.cfg.Transport.WriteVerdict(frame); err != nil {
		e.logger.Warn("verdict frame write failed", map[string]any{"error": err.Error()})
	}
}
