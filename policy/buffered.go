package policy

import (
	"context"
	"sync"

	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/types"
)

// DefaultRetryWindow is the bounded number of failed events held for
// retry before the policy degrades.
const DefaultRetryWindow = 16

// BufferedConfig configures a BufferedPolicy.
type BufferedConfig struct {
	// RetryWindow bounds the failed-event buffer. Zero means
	// DefaultRetryWindow.
	RetryWindow int

	// OnDegraded is called once, the first time the retry window
	// overflows. The runner uses it to set audits.persistence_degraded.
	OnDegraded func()

	// Logger is optional.
	Logger *log.Logger
}

// BufferedPolicy is the default write policy: events write through
// synchronously, failures are re-queued in a bounded window and retried in
// front of later writes. Past the window the audit is degraded and further
// failures are dropped, except terminal and result events, which evict an
// expendable buffered event instead.
type BufferedPolicy struct {
	sink   Sink
	window int
	logger *log.Logger

	mu           sync.Mutex
	pending      []*types.ProgressEvent
	degraded     bool
	onDegraded   func()
	degradedOnce sync.Once

	stats *statsRecorder
}

// NewBufferedPolicy creates a buffered policy over the sink.
func NewBufferedPolicy(sink Sink, cfg BufferedConfig) *BufferedPolicy {
	window := cfg.RetryWindow
	if window <= 0 {
		window = DefaultRetryWindow
	}
	return &BufferedPolicy{
		sink:       sink,
		window:     window,
		logger:     cfg.Logger,
		onDegraded: cfg.OnDegraded,
		stats:      newStatsRecorder(),
	}
}

// Ingest drains any pending retries, then writes the event. Sink failures
// never propagate: the event joins the retry window (or is dropped past
// it) and the audit carries on.
func (p *BufferedPolicy) Ingest(ctx context.Context, ev *types.ProgressEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.stats.incTotal()
	p.drainPendingLocked(ctx)

	if len(p.pending) > 0 {
		// Earlier events still unwritten: preserve order by queueing
		// behind them instead of writing out of sequence.
		p.enqueueLocked(ev)
		return nil
	}

	if err := p.sink.WriteEvents(ctx, []*types.ProgressEvent{ev}); err != nil {
		p.stats.incErrors()
		p.logWarn("event write failed, queued for retry", ev, err)
		p.enqueueLocked(ev)
		return nil
	}
	p.stats.incPersisted(1)
	return nil
}

// enqueueLocked adds an event to the retry window, degrading and evicting
// when full. Caller must hold mu.
func (p *BufferedPolicy) enqueueLocked(ev *types.ProgressEvent) {
	if len(p.pending) >= p.window {
		p.markDegradedLocked()
		if Expendable(ev.Kind) {
			p.stats.incDropped(ev.Kind)
			p.stats.setPending(int64(len(p.pending)))
			return
		}
		// Terminal events must survive: evict the oldest expendable one.
		for i, queued := range p.pending {
			if Expendable(queued.Kind) {
				p.stats.incDropped(queued.Kind)
				p.pending = append(p.pending[:i], p.pending[i+1:]...)
				break
			}
		}
		if len(p.pending) >= p.window {
			// Window full of terminals: grow past the bound rather than
			// lose one.
			p.logWarn("retry window full of terminal events", ev, nil)
		}
	}
	p.pending = append(p.pending, ev)
	p.stats.setPending(int64(len(p.pending)))
}

// drainPendingLocked retries the window in order, stopping at the first
// failure to preserve ordering. Caller must hold mu.
func (p *BufferedPolicy) drainPendingLocked(ctx context.Context) {
	for len(p.pending) > 0 {
		p.stats.incRetries(1)
		if err := p.sink.WriteEvents(ctx, p.pending[:1]); err != nil {
			p.stats.incErrors()
			break
		}
		p.stats.incPersisted(1)
		p.pending = p.pending[1:]
	}
	p.stats.setPending(int64(len(p.pending)))
}

func (p *BufferedPolicy) markDegradedLocked() {
	if !p.degraded {
		p.degraded = true
		p.stats.setDegraded()
		if p.logger != nil {
			p.logger.Error("write retry window overflowed, audit persistence degraded", map[string]any{
				"window": p.window,
			})
		}
	}
	if p.onDegraded != nil {
		p.degradedOnce.Do(p.onDegraded)
	}
}

// Flush retries everything still pending.
func (p *BufferedPolicy) Flush(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stats.incFlush()
	p.drainPendingLocked(ctx)
	if len(p.pending) > 0 && p.logger != nil {
		p.logger.Warn("flush left events pending", map[string]any{
			"pending": len(p.pending),
		})
	}
	return nil
}

// Close flushes best-effort and closes the sink.
func (p *BufferedPolicy) Close() error {
	_ = p.Flush(context.Background())
	return p.sink.Close()
}

// Stats returns the counter snapshot.
func (p *BufferedPolicy) Stats() Stats { return p.stats.snapshot() }

// Degraded reports whether the retry window has overflowed.
func (p *BufferedPolicy) Degraded() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.degraded
}

func (p *BufferedPolicy) logWarn(msg string, ev *types.ProgressEvent, err error) {
	if p.logger == nil {
		return
	}
	fields := map[string]any{"policy": "buffered"}
	if ev != nil {
		fields["sequence_no"] = ev.SequenceNo
		fields["kind"] = string(ev.Kind)
	}
	if err != nil {
		fields["error"] = err.Error()
	}
	p.logger.Warn(msg, fields)
}

var _ Policy = (*BufferedPolicy)(nil)
