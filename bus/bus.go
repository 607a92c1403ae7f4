// Package bus implements the in-engine progress event bus: a bounded,
// ordered queue between the orchestrator (producer) and the IPC transport
// (consumer). Publish blocks when the queue is full, which is the
// backpressure that keeps the engine from outrunning IPC throughput.
//
// Sequence numbers are assigned at enqueue time under a single lock, so the
// wire order always matches the sequence order and the per-audit sequence is
// gapless starting at 1.
package bus

import (
	"context"
	"errors"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"github.com/veritaslabs/veritas/ipc"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

const (
	// DefaultCapacity is the bounded queue size.
	DefaultCapacity = 500

	// DefaultEventsPerSecond caps the steady-state wire rate per audit.
	DefaultEventsPerSecond = 5

	// DefaultCoalesceWindow is how long findings accumulate before they are
	// flushed as a single event.
	DefaultCoalesceWindow = 200 * time.Millisecond
)

// ErrHalted is returned by publish operations after Close.
var ErrHalted = errors.New("bus halted: engine is shutting down")

// Config configures a Bus.
type Config struct {
	// Capacity is the bounded queue size. Zero means DefaultCapacity.
	Capacity int

	// EventsPerSecond is the steady-state wire rate. Zero means
	// DefaultEventsPerSecond. Terminal kinds bypass the limiter.
	EventsPerSecond float64

	// Burst is the limiter burst. Zero means the rate rounded up, minimum 1.
	Burst int

	// CoalesceWindow is the finding batch window. Zero means
	// DefaultCoalesceWindow.
	CoalesceWindow time.Duration

	// Logger is optional. If nil, no logging is emitted.
	Logger *log.Logger
}

// Bus is the engine-side progress event bus. One Bus exists per audit; the
// engine process owns exactly one audit.
type Bus struct {
	transport ipc.Transport
	meta      types.SpawnMeta
	logger    *log.Logger
	limiter   *rate.Limiter
	window    time.Duration

	mu           sync.Mutex
	seq          int64
	closed       bool
	pending      []types.Finding
	pendingPhase types.Phase
	flushGen     int
	flushTimer   *time.Timer

	queue chan *types.ProgressEvent
	halt  chan struct{}
	done  chan struct{}

	haltOnce sync.Once

	errMu    sync.Mutex
	writeErr error
}

// New creates a Bus wired to the given transport and starts its consumer
// goroutine. Callers must Close the bus to drain it before process exit.
func New(transport ipc.Transport, meta types.SpawnMeta, cfg Config) *Bus {
	capacity := cfg.Capacity
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	eps := cfg.EventsPerSecond
	if eps <= 0 {
		eps = DefaultEventsPerSecond
	}
	burst := cfg.Burst
	if burst <= 0 {
		burst = int(eps)
		if burst < 1 {
			burst = 1
		}
	}
	window := cfg.CoalesceWindow
	if window <= 0 {
		window = DefaultCoalesceWindow
	}

	b := &Bus{
		transport: transport,
		meta:      meta,
		logger:    cfg.Logger,
		limiter:   rate.NewLimiter(rate.Limit(eps), burst),
		window:    window,
		queue:     make(chan *types.ProgressEvent, capacity),
		halt:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	go b.run()
	return b
}

// Close halts the bus, waits for the consumer to drain the queue, and
// returns the first transport write error, if any. Idempotent; safe to call
// concurrently. Findings still buffered in an open coalesce window are
// discarded so that no event follows the terminal one on the wire.
func (b *Bus) Close() error {
	b.haltOnce.Do(func() {
		// Close halt before taking the lock: a publisher blocked on a full
		// queue holds the lock and needs the halt signal to give up.
		close(b.halt)

		b.mu.Lock()
		b.closed = true
		if b.flushTimer != nil {
			b.flushTimer.Stop()
			b.flushTimer = nil
		}
		if n := len(b.pending); n > 0 {
			b.pending = nil
			b.logWarn("discarding unflushed findings at close", map[string]any{
				"count": n,
			})
		}
		b.mu.Unlock()
	})
	<-b.done
	return b.firstWriteErr()
}

// publish assigns the next sequence number and enqueues one event. Pending
// findings are flushed first so no event overtakes findings raised before it.
func (b *Bus) publish(kind types.EventKind, phase types.Phase, payload map[string]any) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrHalted
	}
	if err := b.flushFindingsLocked(); err != nil {
		return err
	}
	return b.enqueueLocked(kind, phase, payload)
}

// enqueueLocked stamps and enqueues one event. Caller must hold mu. The send
// blocks while the queue is full; the halt signal aborts the wait. On abort
// the sequence number is returned so the wire sequence stays gapless.
func (b *Bus) enqueueLocked(kind types.EventKind, phase types.Phase, payload map[string]any) error {
	b.seq++
	ev := &types.ProgressEvent{
		ContractVersion: types.ContractVersion,
		AuditID:         b.meta.AuditID,
		SequenceNo:      b.seq,
		Kind:            kind,
		Phase:           phase,
		Payload:         payload,
		Timestamp:       time.Now().UTC().Format(time.RFC3339Nano),
		Attempt:         b.meta.Attempt,
	}

	select {
	case b.queue <- ev:
		return nil
	case <-b.halt:
		b.seq--
		return ErrHalted
	}
}

// Finding buffers a finding into the coalesce window. The first finding of a
// window arms the flush timer; a phase change flushes the previous batch
// immediately so batches never span phases.
func (b *Bus) Finding(phase types.Phase, f types.Finding) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return ErrHalted
	}
	if len(b.pending) > 0 && b.pendingPhase != phase {
		if err := b.flushFindingsLocked(); err != nil {
			return err
		}
	}

	b.pending = append(b.pending, f)
	b.pendingPhase = phase
	if len(b.pending) == 1 {
		gen := b.flushGen
		b.flushTimer = time.AfterFunc(b.window, func() { b.windowExpired(gen) })
	}
	return nil
}

// windowExpired flushes the batch the timer was armed for. A stale timer
// (the batch already flushed by an interleaved publish) is a no-op.
func (b *Bus) windowExpired(gen int) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed || gen != b.flushGen {
		return
	}
	if err := b.flushFindingsLocked(); err != nil {
		b.logWarn("coalesce flush failed", map[string]any{"error": err.Error()})
	}
}

// flushFindingsLocked emits the pending batch: a lone finding keeps its
// finding kind, two or more coalesce into one phase_progress with an array
// payload. Caller must hold mu.
func (b *Bus) flushFindingsLocked() error {
	if len(b.pending) == 0 {
		return nil
	}

	batch := b.pending
	phase := b.pendingPhase
	b.pending = nil
	b.flushGen++
	if b.flushTimer != nil {
		b.flushTimer.Stop()
		b.flushTimer = nil
	}

	if len(batch) == 1 {
		return b.enqueueLocked(types.EventFinding, phase, toPayload(batch[0]))
	}

	findings := make([]map[string]any, len(batch))
	for i := range batch {
		findings[i] = toPayload(batch[i])
	}
	return b.enqueueLocked(types.EventPhaseProgress, phase, map[string]any{
		"message":   "coalesced findings",
		"findings":  findings,
		"coalesced": len(batch),
	})
}

// run is the consumer loop: it paces throttleable events through the token
// bucket and writes everything to the transport in queue order. After halt
// it drains whatever is already queued, then exits.
func (b *Bus) run() {
	defer close(b.done)

	for {
		select {
		case ev := <-b.queue:
			b.deliver(ev)
		case <-b.halt:
			for {
				select {
				case ev := <-b.queue:
					b.deliver(ev)
				default:
					return
				}
			}
		}
	}
}

// deliver writes one event to the transport. Terminal and result kinds skip
// the limiter so a verdict is never delayed behind a token refill.
func (b *Bus) deliver(ev *types.ProgressEvent) {
	if ev.Kind.Throttleable() {
		_ = b.limiter.Wait(context.Background())
	}
	if err := b.transport.WriteEvent(ev); err != nil {
		b.recordWriteErr(err)
		b.logWarn("progress write failed", map[string]any{
			"sequence_no": ev.SequenceNo,
			"kind":        string(ev.Kind),
			"error":       err.Error(),
		})
	}
}

func (b *Bus) recordWriteErr(err error) {
	b.errMu.Lock()
	if b.writeErr == nil {
		b.writeErr = err
	}
	b.errMu.Unlock()
}

func (b *Bus) firstWriteErr() error {
	b.errMu.Lock()
	defer b.errMu.Unlock()
	return b.writeErr
}

func (b *Bus) logWarn(msg string, fields map[string]any) {
	if b.logger == nil {
		return
	}
	b.logger.Warn(msg, fields)
}
