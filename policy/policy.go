// Package policy implements the runner's write policies: how ingested
// progress events reach the repository. Persistence loss never fails an
// audit — the buffered policy absorbs sink failures into a bounded retry
// window and degrades past it, while strict is the fail-fast variant used
// by tests and one-shot audits.
package policy

import (
	"context"
	"sync"

	"github.com/veritaslabs/veritas/types"
)

// Policy routes progress events to a sink.
type Policy interface {
	// Ingest handles one event in stream order. A non-nil error means the
	// policy could not accept the event at all; the buffered policy only
	// errors on contract violations, never on sink failures.
	Ingest(ctx context.Context, ev *types.ProgressEvent) error

	// Flush retries or drains anything the policy holds. Called after the
	// terminal event and on runner shutdown, best effort.
	Flush(ctx context.Context) error

	// Close flushes and releases the policy and its sink.
	Close() error

	// Stats returns an atomic snapshot of the policy counters.
	Stats() Stats
}

// Stats are the policy observability counters.
type Stats struct {
	// TotalEvents is the number of events ingested.
	TotalEvents int64
	// EventsPersisted is the number of events the sink accepted.
	EventsPersisted int64
	// EventsDropped is the number of events abandoned after the retry
	// window filled.
	EventsDropped int64
	// DroppedByKind maps event kinds to drop counts.
	DroppedByKind map[types.EventKind]int64
	// RetryCount is the number of re-attempted sink writes.
	RetryCount int64
	// PendingRetries is the current retry-window occupancy.
	PendingRetries int64
	// FlushCount is the number of Flush calls.
	FlushCount int64
	// Errors is the number of sink write failures observed.
	Errors int64
	// Degraded reports that the retry window overflowed at least once.
	Degraded bool
}

// Expendable reports whether an event may be abandoned when the retry
// window overflows. Terminal and result events must survive: they are what
// the audits row is finalized from.
func Expendable(kind types.EventKind) bool {
	switch kind {
	case types.EventAuditResult, types.EventAuditError, types.EventAuditComplete:
		return false
	default:
		return true
	}
}

// statsRecorder is the shared mutex-guarded counter set. Policies mutate
// it through explicit methods; no policy decisions live here.
type statsRecorder struct {
	mu    sync.Mutex
	stats Stats
}

func newStatsRecorder() *statsRecorder {
	return &statsRecorder{stats: Stats{DroppedByKind: make(map[types.EventKind]int64)}}
}

func (r *statsRecorder) incTotal() {
	r.mu.Lock()
	r.stats.TotalEvents++
	r.mu.Unlock()
}

func (r *statsRecorder) incPersisted(n int64) {
	r.mu.Lock()
	r.stats.EventsPersisted += n
	r.mu.Unlock()
}

func (r *statsRecorder) incDropped(kind types.EventKind) {
	r.mu.Lock()
	r.stats.EventsDropped++
	r.stats.DroppedByKind[kind]++
	r.mu.Unlock()
}

func (r *statsRecorder) incRetries(n int64) {
	r.mu.Lock()
	r.stats.RetryCount += n
	r.mu.Unlock()
}

func (r *statsRecorder) incErrors() {
	r.mu.Lock()
	r.stats.Errors++
	r.mu.Unlock()
}

func (r *statsRecorder) incFlush() {
	r.mu.Lock()
	r.stats.FlushCount++
	r.mu.Unlock()
}

func (r *statsRecorder) setDegraded() {
	r.mu.Lock()
	r.stats.Degraded = true
	r.mu.Unlock()
}

func (r *statsRecorder) setPending(n int64) {
	r.mu.Lock()
	r.stats.PendingRetries = n
	r.mu.Unlock()
}

func (r *statsRecorder) snapshot() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.stats
	s.DroppedByKind = make(map[types.EventKind]int64, len(r.stats.DroppedByKind))
	for k, v := range r.stats.DroppedByKind {
		s.DroppedByKind[k] = v
	}
	return s
}
