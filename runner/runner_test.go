package runner

import (
	"bytes"
	"context"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/veritas/ipc"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/policy"
	"github.com/veritaslabs/veritas/store"
	"github.com/veritaslabs/veritas/types"
)

// fakeProcess serves a pre-encoded stdout stream and a fixed exit code.
type fakeProcess struct {
	stdout   *bytes.Buffer
	exitCode int
	startErr error

	mu     sync.Mutex
	killed bool
}

func (p *fakeProcess) Start(context.Context) error { return p.startErr }
func (p *fakeProcess) Stdout() io.Reader           { return p.stdout }
func (p *fakeProcess) Stderr() io.Reader           { return strings.NewReader("engine diagnostics") }

func (p *fakeProcess) Kill() error {
	p.mu.Lock()
	p.killed = true
	p.mu.Unlock()
	return nil
}

func (p *fakeProcess) Wait() (int, error) { return p.exitCode, nil }

// streamBuilder encodes a queue-mode event stream.
type streamBuilder struct {
	buf     bytes.Buffer
	auditID string
	attempt int
	seq     int64
}

func newStream(auditID string, attempt int) *streamBuilder {
	return &streamBuilder{auditID: auditID, attempt: attempt}
}

func (s *streamBuilder) event(kind types.EventKind, phase types.Phase, payload map[string]any) *streamBuilder {
	s.seq++
	enc := ipc.NewFrameEncoder(&s.buf)
	err := enc.WriteFrame(&types.ProgressEvent{
		ContractVersion: types.ContractVersion,
		AuditID:         s.auditID,
		SequenceNo:      s.seq,
		Kind:            kind,
		Phase:           phase,
		Payload:         payload,
		Timestamp:       "2026-08-25T12:00:00.000000000Z",
		Attempt:         s.attempt,
	})
	if err != nil {
		panic(err)
	}
	return s
}

func (s *streamBuilder) verdict(frame *types.VerdictFrame) *streamBuilder {
	enc := ipc.NewFrameEncoder(&s.buf)
	if err := enc.WriteFrame(frame); err != nil {
		panic(err)
	}
	return s
}

func (s *streamBuilder) completedStream(score int) *streamBuilder {
	s.event(types.EventPhaseStart, types.PhaseScout, map[string]any{"iteration": 1})
	s.event(types.EventPhaseComplete, types.PhaseScout, map[string]any{"duration_ms": 10, "finding_count": 0})
	s.event(types.EventAuditResult, "", map[string]any{
		"status": string(types.StatusCompleted),
		"verdict": map[string]any{
			"trust_score": score,
			"risk_level":  string(types.RiskLevelForScore(score)),
			"summary":     "test verdict",
		},
		"iteration":     1,
		"pages_scanned": 1,
	})
	s.event(types.EventAuditComplete, "", map[string]any{"status": string(types.StatusCompleted)})
	s.verdict(&types.VerdictFrame{
		Type:   types.VerdictFrameType,
		Status: types.StatusCompleted,
		Verdict: &types.Verdict{
			TrustScore: score,
			RiskLevel:  types.RiskLevelForScore(score),
			Summary:    "test verdict",
		},
	})
	return s
}

type recordedBroadcast struct {
	mu     sync.Mutex
	events []*types.ProgressEvent
	closed []string
}

func (h *recordedBroadcast) Broadcast(_ string, ev *types.ProgressEvent) {
	h.mu.Lock()
	h.events = append(h.events, ev)
	h.mu.Unlock()
}

func (h *recordedBroadcast) CloseAudit(auditID string) {
	h.mu.Lock()
	h.closed = append(h.closed, auditID)
	h.mu.Unlock()
}

func openTestRepo(t *testing.T) *store.Repository {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "veritas.db"))
	require.NoError(t, err)
	repo := store.NewRepository(db)
	t.Cleanup(func() { _ = repo.Close() })
	return repo
}

func newTestRunner(t *testing.T, procs ...*fakeProcess) (*Runner, *store.Repository, *recordedBroadcast, *metrics.Collector) {
	return newTestRunnerCfg(t, Config{
		EnginePath:     "/bin/true", // resolution short-circuits; the factory ignores it
		WritePolicy:    "strict",
		StdoutFallback: true,
	}, procs...)
}

func newTestRunnerCfg(t *testing.T, cfg Config, procs ...*fakeProcess) (*Runner, *store.Repository, *recordedBroadcast, *metrics.Collector) {
	t.Helper()
	repo := openTestRepo(t)
	hub := &recordedBroadcast{}
	collector := metrics.NewCollector("strict", "sqlite", "test")

	next := 0
	r := New(repo, hub, nil, collector, cfg, log.NewServiceLogger("runner-test").WithOutput(io.Discard))
	r.WithProcessFactory(func(*SpawnConfig) Process {
		p := procs[next]
		if next < len(procs)-1 {
			next++
		}
		return p
	})
	return r, repo, hub, collector
}

func quickReq(auditID string) *AuditRequest {
	return &AuditRequest{
		AuditID:     auditID,
		URL:         "https://example.com",
		Tier:        types.TierQuickScan,
		VerdictMode: types.VerdictModeSimple,
	}
}

func TestExecute_CompletedAudit(t *testing.T) {
	stream := newStream("aud-run-1", 1).completedStream(82)
	proc := &fakeProcess{stdout: &stream.buf, exitCode: ExitCompleted}
	r, repo, hub, _ := newTestRunner(t, proc)

	result, err := r.Execute(context.Background(), quickReq("aud-run-1"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Outcome.Status)
	assert.Equal(t, 1, result.Attempt)
	assert.Equal(t, types.IPCModeQueue, result.IPCMode)
	assert.Equal(t, int64(4), result.EventCount)

	row, err := repo.Get(context.Background(), "aud-run-1")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusCompleted), row.Status)
	require.True(t, row.TrustScore.Valid)
	assert.Equal(t, int64(82), row.TrustScore.Int64)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	assert.Len(t, hub.events, 4)
	assert.Equal(t, []string{"aud-run-1"}, hub.closed)
}

func TestExecute_EngineDiedSynthesizesTerminal(t *testing.T) {
	// 14 events, no terminal, killed with SIGKILL (exit 137).
	stream := newStream("aud-run-2", 1)
	stream.event(types.EventPhaseStart, types.PhaseScout, map[string]any{"iteration": 1})
	for i := 0; i < 13; i++ {
		stream.event(types.EventPhaseProgress, types.PhaseScout, map[string]any{"message": "working"})
	}
	proc := &fakeProcess{stdout: &stream.buf, exitCode: 137}
	r, repo, hub, collector := newTestRunner(t, proc)

	result, err := r.Execute(context.Background(), quickReq("aud-run-2"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, result.Outcome.Status)
	assert.Equal(t, KindEngineDied, result.Outcome.ErrorKind)
	assert.Equal(t, int64(15), result.EventCount, "synthesized terminal takes the next sequence")

	events, err := repo.EventsFor(context.Background(), "aud-run-2")
	require.NoError(t, err)
	require.Len(t, events, 15)
	last := events[len(events)-1]
	assert.Equal(t, string(types.EventAuditError), last.Kind)
	assert.Equal(t, int64(15), last.SequenceNo)
	assert.Contains(t, last.PayloadJSON, "engine_died")

	row, err := repo.Get(context.Background(), "aud-run-2")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusError), row.Status)

	assert.Equal(t, int64(1), collector.Snapshot().EngineCrashes)

	hub.mu.Lock()
	defer hub.mu.Unlock()
	require.NotEmpty(t, hub.events)
	assert.Equal(t, types.EventAuditError, hub.events[len(hub.events)-1].Kind)
}

func TestExecute_QueueFailureFallsBackToStdout(t *testing.T) {
	// Attempt 1: garbage on the queue transport.
	bad := &fakeProcess{stdout: bytes.NewBuffer([]byte("not a frame at all")), exitCode: 1}

	// Attempt 2: a clean stdout-mode stream.
	var out bytes.Buffer
	w := ipc.NewStdoutWriter(&out)
	seq := int64(0)
	emit := func(kind types.EventKind, payload map[string]any) {
		seq++
		require.NoError(t, w.WriteEvent(&types.ProgressEvent{
			ContractVersion: types.ContractVersion,
			AuditID:         "aud-run-3",
			SequenceNo:      seq,
			Kind:            kind,
			Payload:         payload,
			Timestamp:       "2026-08-25T12:00:00.000000000Z",
			Attempt:         2,
		}))
	}
	emit(types.EventAuditResult, map[string]any{
		"status":  string(types.StatusCompleted),
		"verdict": map[string]any{"trust_score": 64, "risk_level": "medium", "summary": "ok"},
	})
	emit(types.EventAuditComplete, map[string]any{"status": string(types.StatusCompleted)})
	good := &fakeProcess{stdout: &out, exitCode: ExitCompleted}

	r, repo, _, collector := newTestRunner(t, bad, good)

	result, err := r.Execute(context.Background(), quickReq("aud-run-3"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusCompleted, result.Outcome.Status)
	assert.Equal(t, 2, result.Attempt)
	assert.Equal(t, types.IPCModeStdout, result.IPCMode)
	assert.Equal(t, int64(1), collector.Snapshot().StdoutFallbacks)

	row, err := repo.Get(context.Background(), "aud-run-3")
	require.NoError(t, err)
	assert.Equal(t, string(types.IPCModeStdout), row.IPCMode)
	assert.Equal(t, 2, row.Attempt)
}

func TestExecute_QueueFailureWithoutFallbackFlagFails(t *testing.T) {
	bad := &fakeProcess{stdout: bytes.NewBuffer([]byte("not a frame at all")), exitCode: 1}
	r, repo, _, collector := newTestRunnerCfg(t, Config{
		EnginePath:  "/bin/true",
		WritePolicy: "strict",
	}, bad)

	result, err := r.Execute(context.Background(), quickReq("aud-run-8"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, result.Outcome.Status)
	assert.Equal(t, KindIPCTransportFailed, result.Outcome.ErrorKind)
	assert.Equal(t, 1, result.Attempt, "no respawn without the fallback flag")
	assert.Equal(t, types.IPCModeQueue, result.IPCMode)
	assert.Equal(t, int64(0), collector.Snapshot().StdoutFallbacks)

	row, err := repo.Get(context.Background(), "aud-run-8")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusError), row.Status)
	assert.Equal(t, string(types.IPCModeQueue), row.IPCMode)
}

func TestSpawnConfig_ArgsCarryFallbackFlag(t *testing.T) {
	cfg := &SpawnConfig{
		URL:         "https://example.com",
		Tier:        types.TierQuickScan,
		VerdictMode: types.VerdictModeSimple,
		Meta:        types.SpawnMeta{AuditID: "aud-1", Attempt: 1, IPCMode: types.IPCModeQueue},
	}
	assert.NotContains(t, cfg.Args(), "--use-stdout-fallback")

	cfg.StdoutFallback = true
	assert.Contains(t, cfg.Args(), "--use-stdout-fallback")
}

func TestExecute_AbortedAudit(t *testing.T) {
	stream := newStream("aud-run-4", 1)
	stream.event(types.EventAuditResult, "", map[string]any{
		"status":  string(types.StatusAborted),
		"verdict": map[string]any{"trust_score": 40, "risk_level": "high", "summary": "aborted"},
	})
	stream.event(types.EventAuditComplete, "", map[string]any{"status": string(types.StatusAborted)})
	proc := &fakeProcess{stdout: &stream.buf, exitCode: ExitAborted}
	r, repo, _, collector := newTestRunner(t, proc)

	result, err := r.Execute(context.Background(), quickReq("aud-run-4"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusAborted, result.Outcome.Status)

	row, err := repo.Get(context.Background(), "aud-run-4")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusAborted), row.Status)
	assert.Equal(t, int64(1), collector.Snapshot().AuditsAborted)
}

func TestExecute_ErrorExitWithTerminal(t *testing.T) {
	stream := newStream("aud-run-5", 1)
	stream.event(types.EventAuditResult, "", map[string]any{
		"status":  string(types.StatusError),
		"verdict": map[string]any{"trust_score": 30, "risk_level": "high", "summary": "degraded"},
	})
	stream.event(types.EventAuditError, "", map[string]any{
		"kind":    "scout_blocked",
		"message": "captcha wall on every attempt",
	})
	proc := &fakeProcess{stdout: &stream.buf, exitCode: ExitError}
	r, repo, _, _ := newTestRunner(t, proc)

	result, err := r.Execute(context.Background(), quickReq("aud-run-5"))
	require.NoError(t, err)
	assert.Equal(t, types.StatusError, result.Outcome.Status)
	assert.Equal(t, "scout_blocked", result.Outcome.ErrorKind)

	row, err := repo.Get(context.Background(), "aud-run-5")
	require.NoError(t, err)
	assert.Equal(t, string(types.StatusError), row.Status)
	assert.Contains(t, row.ErrorsJSON.String, "scout_blocked")
}

func TestDetermineOutcome(t *testing.T) {
	completed := &types.ProgressEvent{
		Kind:    types.EventAuditComplete,
		Payload: map[string]any{"status": string(types.StatusCompleted)},
	}
	aborted := &types.ProgressEvent{
		Kind:    types.EventAuditComplete,
		Payload: map[string]any{"status": string(types.StatusAborted)},
	}
	failed := &types.ProgressEvent{
		Kind:    types.EventAuditError,
		Payload: map[string]any{"kind": "budget_exhausted", "message": "deadline"},
	}

	tests := []struct {
		name     string
		exitCode int
		terminal *types.ProgressEvent
		status   types.AuditStatus
		kind     string
	}{
		{"completed", ExitCompleted, completed, types.StatusCompleted, ""},
		{"aborted", ExitAborted, aborted, types.StatusAborted, ""},
		{"error with terminal", ExitError, failed, types.StatusError, "budget_exhausted"},
		{"clean exit no terminal", ExitCompleted, nil, types.StatusError, KindEngineDied},
		{"invalid input", ExitInvalidInput, nil, types.StatusError, KindInvalidInput},
		{"killed", 137, nil, types.StatusError, KindEngineDied},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			out := DetermineOutcome(tc.exitCode, tc.terminal)
			assert.Equal(t, tc.status, out.Status)
			assert.Equal(t, tc.kind, out.ErrorKind)
		})
	}
}

func TestIngest_StdoutResyncAfterMalformedLine(t *testing.T) {
	var buf bytes.Buffer
	w := ipc.NewStdoutWriter(&buf)
	write := func(seq int64, kind types.EventKind, payload map[string]any) {
		require.NoError(t, w.WriteEvent(&types.ProgressEvent{
			ContractVersion: types.ContractVersion,
			AuditID:         "aud-resync",
			SequenceNo:      seq,
			Kind:            kind,
			Payload:         payload,
			Timestamp:       "2026-08-25T12:00:00.000000000Z",
			Attempt:         1,
		}))
	}
	write(1, types.EventPhaseStart, map[string]any{"iteration": 1})
	// A line the engine corrupted mid-write: the scanner drops it and the
	// next valid event arrives with a gap.
	buf.WriteString(ipc.ProgressPrefix + `{"sequence_no": 2, "kind": "phase_comp` + "\n")
	write(3, types.EventAuditComplete, map[string]any{"status": string(types.StatusCompleted)})

	meta := &types.SpawnMeta{AuditID: "aud-resync", Attempt: 1, IPCMode: types.IPCModeStdout}
	collector := metrics.NewCollector("strict", "sqlite", "test")
	ing := NewIngestor(&buf, policy.NewNoopPolicy(), meta, NewScreenshotLedger(t.TempDir()), collector,
		log.NewServiceLogger("ingest-test").WithOutput(io.Discard), nil)

	require.NoError(t, ing.Run(context.Background()))
	require.NotNil(t, ing.Terminal(), "the terminal event after the gap must survive")
	assert.Equal(t, types.EventAuditComplete, ing.Terminal().Kind)
	assert.Equal(t, int64(3), ing.CurrentSeq())
	assert.Equal(t, int64(1), collector.Snapshot().SequenceGaps)
}

func TestIngest_QueueSequenceGapIsFatal(t *testing.T) {
	stream := newStream("aud-gap", 1)
	stream.event(types.EventPhaseStart, types.PhaseScout, map[string]any{"iteration": 1})
	stream.seq++ // the engine skipped a frame
	stream.event(types.EventPhaseProgress, types.PhaseScout, map[string]any{"message": "working"})

	meta := &types.SpawnMeta{AuditID: "aud-gap", Attempt: 1, IPCMode: types.IPCModeQueue}
	collector := metrics.NewCollector("strict", "sqlite", "test")
	ing := NewIngestor(&stream.buf, policy.NewNoopPolicy(), meta, NewScreenshotLedger(t.TempDir()), collector,
		log.NewServiceLogger("ingest-test").WithOutput(io.Discard), nil)

	err := ing.Run(context.Background())
	require.Error(t, err)
	assert.True(t, IsStreamError(err))
	assert.Equal(t, int64(1), ing.CurrentSeq())
	assert.Equal(t, int64(1), collector.Snapshot().SequenceGaps)
}

func TestScreenshotLedger(t *testing.T) {
	root := t.TempDir()
	l := NewScreenshotLedger(root)

	require.NoError(t, l.Record(map[string]any{
		"path":       "aud-1/1700000000_0_abcd1234.png",
		"size_bytes": int64(2048),
	}))
	assert.Error(t, l.Record(map[string]any{
		"path":       "../../etc/passwd",
		"size_bytes": int64(10),
	}), "escaping paths must be rejected")
	assert.Error(t, l.Record(map[string]any{
		"path":       "aud-1/huge.png",
		"size_bytes": int64(types.ScreenshotMaxBytes + 1),
	}))

	// Duplicate paths count once.
	require.NoError(t, l.Record(map[string]any{
		"path":       "aud-1/1700000000_0_abcd1234.png",
		"size_bytes": int64(2048),
	}))

	stats := l.Stats()
	assert.Equal(t, 1, stats.Accepted)
	assert.Equal(t, 2, stats.Rejected)
	assert.Equal(t, int64(2048), stats.TotalBytes)
}
