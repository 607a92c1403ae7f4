package policy

import (
	"context"

	"github.com/veritaslabs/veritas/types"
)

// NoopPolicy counts events and discards them. Selected when the runner is
// configured without a store, or for throwaway audits.
type NoopPolicy struct {
	stats *statsRecorder
}

// NewNoopPolicy creates a policy that persists nothing.
func NewNoopPolicy() *NoopPolicy {
	return &NoopPolicy{stats: newStatsRecorder()}
}

// Ingest counts the event and drops it.
func (p *NoopPolicy) Ingest(_ context.Context, ev *types.ProgressEvent) error {
	p.stats.incTotal()
	p.stats.incDropped(ev.Kind)
	return nil
}

// Flush is a no-op.
func (p *NoopPolicy) Flush(context.Context) error {
	p.stats.incFlush()
	return nil
}

// Close is a no-op.
func (p *NoopPolicy) Close() error { return nil }

// Stats returns the counter snapshot.
func (p *NoopPolicy) Stats() Stats { return p.stats.snapshot() }

var _ Policy = (*NoopPolicy)(nil)
