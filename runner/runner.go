// Package runner supervises engine subprocesses for the audit daemon: one
// engine per audit, spawned with a fixed IPC mode, its event stream
// ingested through a write policy into the repository and fanned out to
// WebSocket clients and adapters. The runner synthesizes the terminal
// event when an engine dies without one and, when fallback is enabled,
// respawns in stdout mode once when queue-mode transport fails at startup.
package runner

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/veritaslabs/veritas/adapter"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/policy"
	"github.com/veritaslabs/veritas/store"
	"github.com/veritaslabs/veritas/types"
)

// deadlineGrace extends the tier wall clock before the runner cancels a
// hung engine.
const deadlineGrace = 30 * time.Second

// fallbackWindow bounds how late a queue-mode transport failure may still
// trigger the stdout-mode respawn.
const fallbackWindow = 5 * time.Second

// adapterTimeout bounds each adapter publish.
const adapterTimeout = 10 * time.Second

// stderrCap bounds retained engine stderr for crash reports.
const stderrCap = 64 << 10

// Hub receives live events for streaming clients. ws.Hub implements it.
type Hub interface {
	Broadcast(auditID string, ev *types.ProgressEvent)
	CloseAudit(auditID string)
}

// Config tunes the runner.
type Config struct {
	// EnginePath overrides engine binary resolution when set.
	EnginePath string
	// IPCMode is the first-attempt transport. Defaults to queue.
	IPCMode types.IPCMode
	// WritePolicy selects the persistence policy: strict, buffered, noop.
	WritePolicy string
	// RetryWindow sizes the buffered policy's retry window.
	RetryWindow int
	// ScreenshotDir roots the screenshot path ledger.
	ScreenshotDir string
	// StdoutFallback permits the one-shot stdout respawn when queue-mode
	// transport fails at startup. Off, a queue failure ends the audit.
	StdoutFallback bool
}

// AuditRequest describes one audit to run.
type AuditRequest struct {
	AuditID     string
	URL         string
	Tier        types.Tier
	VerdictMode types.VerdictMode
	Modules     []string
}

// Result is the runner's account of one finished audit.
type Result struct {
	Outcome     *Outcome
	Attempt     int
	IPCMode     types.IPCMode
	Duration    time.Duration
	EventCount  int64
	PolicyStats policy.Stats
	Screenshots LedgerStats
	Stderr      string
}

// Runner executes audits against the repository and streaming surfaces.
type Runner struct {
	repo      *store.Repository
	hub       Hub
	adapters  []adapter.Adapter
	collector *metrics.Collector
	cfg       Config
	logger    *log.Logger
	factory   ProcessFactory

	resolveOnce sync.Once
	binary      string
	resolveErr  error
}

// New creates a runner. hub and adapters may be nil/empty; collector is
// nil-safe throughout.
func New(repo *store.Repository, hub Hub, adapters []adapter.Adapter, collector *metrics.Collector, cfg Config, logger *log.Logger) *Runner {
	if cfg.IPCMode == "" {
		cfg.IPCMode = types.IPCModeQueue
	}
	if cfg.WritePolicy == "" {
		cfg.WritePolicy = "buffered"
	}
	return &Runner{
		repo:      repo,
		hub:       hub,
		adapters:  adapters,
		collector: collector,
		cfg:       cfg,
		logger:    logger,
		factory:   NewEngineProcess,
	}
}

// WithProcessFactory overrides subprocess creation, for tests.
func (r *Runner) WithProcessFactory(f ProcessFactory) *Runner {
	r.factory = f
	return r
}

// Execute runs one audit end to end: create the row, spawn the engine,
// ingest, finalize. The returned error covers runner-side failures only;
// an audit that terminates with status error still returns a Result.
func (r *Runner) Execute(ctx context.Context, req *AuditRequest) (*Result, error) {
	if err := r.repo.Create(ctx, req.AuditID, req.URL, req.Tier, req.VerdictMode, req.Modules); err != nil {
		return nil, fmt.Errorf("create audit row: %w", err)
	}
	r.collector.IncAuditStarted()

	binary, err := r.engineBinary()
	if err != nil {
		r.collector.IncEngineSpawnFailure()
		_ = r.repo.MarkError(ctx, req.AuditID, KindEngineDied, err.Error())
		return nil, err
	}

	start := time.Now()
	meta := types.SpawnMeta{AuditID: req.AuditID, Attempt: 1, IPCMode: r.cfg.IPCMode}

	att := r.runAttempt(ctx, req, binary, meta)

	if r.shouldFallBack(meta, att, time.Since(start)) {
		r.collector.IncStdoutFallback()
		r.logger.Warn("queue transport failed at startup, falling back to stdout mode", map[string]any{
			"audit_id": req.AuditID,
			"error":    att.failure().Error(),
		})
		meta = types.SpawnMeta{AuditID: req.AuditID, Attempt: 2, IPCMode: types.IPCModeStdout}
		// Events from the dead attempt are not replayed: the fresh engine
		// restarts its sequence at 1 and the idempotent append absorbs
		// any overlap.
		att = r.runAttempt(ctx, req, binary, meta)
	}

	result := r.finalize(ctx, req, meta, att)
	result.Duration = time.Since(start)

	if r.hub != nil {
		r.hub.CloseAudit(req.AuditID)
	}
	r.publish(ctx, req, meta, result)
	return result, nil
}

// attempt carries everything one engine spawn produced.
type attempt struct {
	spawnErr    error
	ingErr      error
	exitCode    int
	waitErr     error
	terminal    *types.ProgressEvent
	verdict     *types.VerdictFrame
	lastResult  *types.AuditResultPayload
	eventCount  int64
	policyStats policy.Stats
	ledgerStats LedgerStats
	stderr      string
}

func (a *attempt) failure() error {
	if a.spawnErr != nil {
		return a.spawnErr
	}
	return a.ingErr
}

// runAttempt spawns one engine and drives its stream to the end.
func (r *Runner) runAttempt(ctx context.Context, req *AuditRequest, binary string, meta types.SpawnMeta) *attempt {
	att := &attempt{}
	logger := r.logger.WithAudit(&meta)

	pol := r.buildPolicy(logger)
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 30*time.Second)
		if err := pol.Flush(flushCtx); err != nil {
			logger.Warn("policy flush failed", map[string]any{"error": err.Error()})
		}
		cancel()
		att.policyStats = pol.Stats()
		if err := pol.Close(); err != nil {
			logger.Warn("policy close failed", map[string]any{"error": err.Error()})
		}
	}()

	attemptCtx, cancel := context.WithTimeout(ctx, req.Tier.Limits().WallClock+deadlineGrace)
	defer cancel()

	proc := r.factory(&SpawnConfig{
		BinaryPath:     binary,
		URL:            req.URL,
		Tier:           req.Tier,
		VerdictMode:    req.VerdictMode,
		Modules:        req.Modules,
		Meta:           meta,
		StdoutFallback: r.cfg.StdoutFallback,
	})

	if err := proc.Start(attemptCtx); err != nil {
		r.collector.IncEngineSpawnFailure()
		att.spawnErr = err
		return att
	}
	r.collector.IncEngineSpawn()
	if err := r.repo.MarkRunning(ctx, req.AuditID, meta.IPCMode, meta.Attempt); err != nil {
		logger.Warn("mark running failed", map[string]any{"error": err.Error()})
	}

	var stderrBuf strings.Builder
	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		_, _ = io.Copy(&cappedWriter{w: &stderrBuf, cap: stderrCap}, proc.Stderr())
	}()

	ledger := NewScreenshotLedger(r.cfg.ScreenshotDir)
	ing := NewIngestor(proc.Stdout(), pol, &meta, ledger, r.collector, logger, func(ev *types.ProgressEvent) {
		if ev.Kind == types.EventAuditResult {
			var payload types.AuditResultPayload
			if err := decodeResultPayload(ev.Payload, &payload); err == nil {
				att.lastResult = &payload
			}
		}
		if r.hub != nil {
			r.hub.Broadcast(req.AuditID, ev)
		}
	})

	// Ingestion must finish before Wait: reaping the child closes the
	// stdout pipe under the reader.
	att.ingErr = ing.Run(attemptCtx)
	if att.ingErr != nil {
		_ = proc.Kill()
	}
	<-stderrDone

	att.exitCode, att.waitErr = proc.Wait()
	att.terminal = ing.Terminal()
	att.verdict = ing.VerdictFrame()
	att.eventCount = ing.CurrentSeq()
	att.ledgerStats = ledger.Stats()
	att.stderr = stderrBuf.String()
	return att
}

// shouldFallBack decides the one-shot stdout respawn: fallback enabled,
// queue mode, first attempt, transport-level failure, inside the startup
// window, and no terminal event reached.
func (r *Runner) shouldFallBack(meta types.SpawnMeta, att *attempt, elapsed time.Duration) bool {
	if !r.cfg.StdoutFallback {
		return false
	}
	if meta.IPCMode != types.IPCModeQueue || meta.Attempt != 1 {
		return false
	}
	if att.terminal != nil || elapsed > fallbackWindow {
		return false
	}
	return att.spawnErr != nil || IsStreamError(att.ingErr)
}

// finalize settles the audits row and the metrics from the last attempt.
func (r *Runner) finalize(ctx context.Context, req *AuditRequest, meta types.SpawnMeta, att *attempt) *Result {
	logger := r.logger.WithAudit(&meta)

	var outcome *Outcome
	switch {
	case att.spawnErr != nil:
		outcome = &Outcome{
			Status:    types.StatusError,
			ErrorKind: KindEngineDied,
			Message:   fmt.Sprintf("engine spawn failed: %v", att.spawnErr),
			ExitCode:  -1,
		}
	case att.ingErr != nil && IsPolicyError(att.ingErr):
		outcome = &Outcome{
			Status:    types.StatusError,
			ErrorKind: "persistence_failed",
			Message:   att.ingErr.Error(),
			ExitCode:  att.exitCode,
		}
	case att.ingErr != nil && att.terminal == nil:
		outcome = &Outcome{
			Status:    types.StatusError,
			ErrorKind: KindIPCTransportFailed,
			Message:   att.ingErr.Error(),
			ExitCode:  att.exitCode,
		}
	default:
		outcome = DetermineOutcome(att.exitCode, att.terminal)
	}

	if CrossCheck(outcome, att.verdict) {
		logger.Warn("verdict frame disagrees with exit code", map[string]any{
			"exit_code":    outcome.ExitCode,
			"frame_status": string(att.verdict.Status),
		})
	}

	if att.terminal == nil && att.spawnErr == nil {
		r.collector.IncEngineCrash()
		r.synthesizeTerminal(ctx, req, meta, att, outcome, logger)
	}

	r.settleRow(ctx, req, att, outcome, logger)
	r.absorbStats(att)

	switch outcome.Status {
	case types.StatusCompleted:
		r.collector.IncAuditCompleted()
	case types.StatusAborted:
		r.collector.IncAuditAborted()
	default:
		r.collector.IncAuditFailed()
	}
	if att.lastResult != nil && att.lastResult.Verdict.Degraded {
		r.collector.IncAuditDegraded()
	}

	return &Result{
		Outcome:     outcome,
		Attempt:     meta.Attempt,
		IPCMode:     meta.IPCMode,
		EventCount:  att.eventCount,
		PolicyStats: att.policyStats,
		Screenshots: att.ledgerStats,
		Stderr:      att.stderr,
	}
}

// synthesizeTerminal appends the audit_error the dead engine never sent,
// at the next sequence number, through the normal persistence path.
func (r *Runner) synthesizeTerminal(ctx context.Context, req *AuditRequest, meta types.SpawnMeta, att *attempt, outcome *Outcome, logger *log.Logger) {
	exitCode := att.exitCode
	ev := &types.ProgressEvent{
		ContractVersion: types.ContractVersion,
		AuditID:         req.AuditID,
		SequenceNo:      att.eventCount + 1,
		Kind:            types.EventAuditError,
		Payload: map[string]any{
			"kind":      outcome.ErrorKind,
			"message":   outcome.Message,
			"exit_code": exitCode,
		},
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Attempt:   meta.Attempt,
	}

	sink := store.NewInstrumentedSink(store.NewEventSink(r.repo), r.collector)
	if err := sink.WriteEvents(context.WithoutCancel(ctx), []*types.ProgressEvent{ev}); err != nil {
		logger.Error("failed to persist synthesized terminal", map[string]any{"error": err.Error()})
	}
	att.eventCount++
	att.terminal = ev

	if r.hub != nil {
		r.hub.Broadcast(req.AuditID, ev)
	}
}

// settleRow finalizes the audits row from the terminal evidence.
func (r *Runner) settleRow(ctx context.Context, req *AuditRequest, att *attempt, outcome *Outcome, logger *log.Logger) {
	ctx = context.WithoutCancel(ctx)

	if att.policyStats.Degraded {
		if err := r.repo.MarkPersistenceDegraded(ctx, req.AuditID); err != nil {
			logger.Warn("mark persistence degraded failed", map[string]any{"error": err.Error()})
		}
	}

	switch outcome.Status {
	case types.StatusCompleted, types.StatusAborted:
		final := types.AuditResultPayload{Status: outcome.Status}
		if att.lastResult != nil {
			final = *att.lastResult
			final.Status = outcome.Status
		}
		if err := r.repo.Complete(ctx, req.AuditID, final); err != nil {
			logger.Error("complete audit row failed", map[string]any{"error": err.Error()})
		}
	default:
		if err := r.repo.MarkError(ctx, req.AuditID, outcome.ErrorKind, outcome.Message); err != nil {
			logger.Error("mark error failed", map[string]any{"error": err.Error()})
		}
	}
}

func (r *Runner) absorbStats(att *attempt) {
	ps := att.policyStats
	dropped := make(map[string]int64, len(ps.DroppedByKind))
	for k, v := range ps.DroppedByKind {
		dropped[string(k)] = v
	}
	r.collector.AbsorbPolicyStats(ps.TotalEvents, ps.EventsPersisted, ps.EventsDropped, dropped)
}

// publish notifies adapters about the finished audit, each under its own
// timeout. Failures are counted and logged, never fatal.
func (r *Runner) publish(ctx context.Context, req *AuditRequest, meta types.SpawnMeta, result *Result) {
	if len(r.adapters) == 0 {
		return
	}

	ev := &adapter.AuditCompletedEvent{
		EventType:  "audit_completed",
		AuditID:    req.AuditID,
		URL:        req.URL,
		Tier:       string(req.Tier),
		Status:     string(result.Outcome.Status),
		ErrorKind:  result.Outcome.ErrorKind,
		Timestamp:  time.Now().UTC().Format(time.RFC3339),
		Attempt:    meta.Attempt,
		EventCount: result.EventCount,
		DurationMs: result.Duration.Milliseconds(),
	}
	if row, err := r.repo.Get(context.WithoutCancel(ctx), req.AuditID); err == nil {
		if row.TrustScore.Valid {
			score := int(row.TrustScore.Int64)
			ev.TrustScore = &score
		}
		ev.RiskLevel = row.RiskLevel.String
		ev.Degraded = row.Degraded
	}

	for _, ad := range r.adapters {
		pubCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), adapterTimeout)
		err := ad.Publish(pubCtx, ev)
		cancel()
		if err != nil {
			r.collector.IncAdapterPublishErr()
			r.logger.Warn("adapter publish failed", map[string]any{
				"audit_id": req.AuditID,
				"error":    err.Error(),
			})
			continue
		}
		r.collector.IncAdapterPublish()
	}
}

func (r *Runner) buildPolicy(logger *log.Logger) policy.Policy {
	sink := store.NewInstrumentedSink(store.NewEventSink(r.repo), r.collector)
	switch r.cfg.WritePolicy {
	case "strict":
		return policy.NewStrictPolicy(sink)
	case "noop":
		return policy.NewNoopPolicy()
	default:
		return policy.NewBufferedPolicy(sink, policy.BufferedConfig{
			RetryWindow: r.cfg.RetryWindow,
			Logger:      logger,
		})
	}
}

func (r *Runner) engineBinary() (string, error) {
	r.resolveOnce.Do(func() {
		r.binary, r.resolveErr = ResolveEngineBinary(r.cfg.EnginePath)
	})
	return r.binary, r.resolveErr
}

// cappedWriter keeps the first cap bytes and discards the rest.
type cappedWriter struct {
	w   *strings.Builder
	cap int
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	if remaining := c.cap - c.w.Len(); remaining > 0 {
		if len(p) > remaining {
			c.w.Write(p[:remaining])
		} else {
			c.w.Write(p)
		}
	}
	return len(p), nil
}

// decodeResultPayload converts the generic payload map into the typed
// result summary via a JSON round trip, tolerating both msgpack and JSON
// decoded shapes.
func decodeResultPayload(payload map[string]any, out *types.AuditResultPayload) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}
