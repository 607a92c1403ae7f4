package store

import (
	"context"

	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/policy"
	"github.com/veritaslabs/veritas/types"
)

// InstrumentedSink wraps a policy.Sink and counts write outcomes on the
// metrics collector. Counters are per-call: a batch of N events is one
// success or one failure.
type InstrumentedSink struct {
	inner     policy.Sink
	collector *metrics.Collector
}

// NewInstrumentedSink wraps a sink with metrics instrumentation.
func NewInstrumentedSink(inner policy.Sink, collector *metrics.Collector) *InstrumentedSink {
	return &InstrumentedSink{inner: inner, collector: collector}
}

// WriteEvents delegates to the inner sink and records success or failure.
func (s *InstrumentedSink) WriteEvents(ctx context.Context, events []*types.ProgressEvent) error {
	err := s.inner.WriteEvents(ctx, events)
	if err != nil {
		s.collector.IncStoreWriteFailure()
	} else {
		s.collector.IncStoreWriteSuccess()
	}
	return err
}

// Close delegates to the inner sink.
func (s *InstrumentedSink) Close() error {
	return s.inner.Close()
}

var _ policy.Sink = (*InstrumentedSink)(nil)
