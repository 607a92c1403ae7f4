package policy

import (
	"context"

	"github.com/veritaslabs/veritas/types"
)

// StrictPolicy writes every event synchronously and surfaces sink errors
// to the caller. Used by tests and the one-shot audit command, where a
// persistence failure should be loud.
type StrictPolicy struct {
	sink  Sink
	stats *statsRecorder
}

// NewStrictPolicy creates a strict policy over the sink.
func NewStrictPolicy(sink Sink) *StrictPolicy {
	return &StrictPolicy{sink: sink, stats: newStatsRecorder()}
}

// Ingest writes the event immediately (batch of 1).
func (p *StrictPolicy) Ingest(ctx context.Context, ev *types.ProgressEvent) error {
	p.stats.incTotal()
	if err := p.sink.WriteEvents(ctx, []*types.ProgressEvent{ev}); err != nil {
		p.stats.incErrors()
		return err
	}
	p.stats.incPersisted(1)
	return nil
}

// Flush is a no-op; nothing is buffered.
func (p *StrictPolicy) Flush(context.Context) error {
	p.stats.incFlush()
	return nil
}

// Close closes the sink.
func (p *StrictPolicy) Close() error { return p.sink.Close() }

// Stats returns the counter snapshot.
func (p *StrictPolicy) Stats() Stats { return p.stats.snapshot() }

var _ Policy = (*StrictPolicy)(nil)
