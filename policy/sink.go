package policy

import (
	"context"
	"sync"

	"github.com/veritaslabs/veritas/types"
)

// Sink abstracts event persistence for policies. The repository-backed
// sink lives in the store package; stubs serve the tests.
//
// Writes are batch-oriented so the strict policy (batch of 1) and the
// buffered policy's retry drains share one method.
type Sink interface {
	// WriteEvents persists a batch in order. An error leaves the caller
	// free to retry the whole batch: repository writes are idempotent on
	// (audit_id, sequence_no).
	WriteEvents(ctx context.Context, events []*types.ProgressEvent) error

	// Close releases sink resources.
	Close() error
}

// StubSink records writes without persisting, for tests.
type StubSink struct {
	mu sync.Mutex

	// WrittenEvents holds every accepted event in write order.
	WrittenEvents []*types.ProgressEvent
	// Batches counts WriteEvents calls.
	Batches int64
	// Closed reports whether Close was called.
	Closed bool

	// FailNext makes the next n writes fail with ErrOnWrite.
	FailNext int
	// ErrOnWrite, if non-nil, is returned while FailNext > 0 (or always,
	// when FailNext is negative).
	ErrOnWrite error
}

// NewStubSink creates an empty stub sink.
func NewStubSink() *StubSink {
	return &StubSink{}
}

// WriteEvents records the batch, honoring the configured failure plan.
func (s *StubSink) WriteEvents(_ context.Context, events []*types.ProgressEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.ErrOnWrite != nil && s.FailNext != 0 {
		if s.FailNext > 0 {
			s.FailNext--
		}
		return s.ErrOnWrite
	}

	s.Batches++
	s.WrittenEvents = append(s.WrittenEvents, events...)
	return nil
}

// Close marks the sink closed.
func (s *StubSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.Closed = true
	return nil
}

// Written returns a copy of the accepted events.
func (s *StubSink) Written() []*types.ProgressEvent {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]*types.ProgressEvent(nil), s.WrittenEvents...)
}

var _ Sink = (*StubSink)(nil)
