package policy

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/veritas/types"
)

func makeEvent(seq int64, kind types.EventKind) *types.ProgressEvent {
	return &types.ProgressEvent{
		ContractVersion: types.ContractVersion,
		AuditID:         "audit-policy-test",
		SequenceNo:      seq,
		Kind:            kind,
	}
}

func TestExpendable(t *testing.T) {
	assert.True(t, Expendable(types.EventPhaseProgress))
	assert.True(t, Expendable(types.EventLog))
	assert.True(t, Expendable(types.EventFinding))
	assert.False(t, Expendable(types.EventAuditResult))
	assert.False(t, Expendable(types.EventAuditError))
	assert.False(t, Expendable(types.EventAuditComplete))
}

func TestStrictPolicy_WriteThrough(t *testing.T) {
	sink := NewStubSink()
	p := NewStrictPolicy(sink)

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, p.Ingest(context.Background(), makeEvent(i, types.EventPhaseProgress)))
	}

	written := sink.Written()
	require.Len(t, written, 3)
	assert.Equal(t, int64(1), written[0].SequenceNo)
	assert.Equal(t, int64(3), written[2].SequenceNo)

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.TotalEvents)
	assert.Equal(t, int64(3), stats.EventsPersisted)
	assert.Equal(t, int64(0), stats.Errors)
}

func TestStrictPolicy_SurfacesSinkError(t *testing.T) {
	sink := NewStubSink()
	sink.ErrOnWrite = errors.New("disk full")
	sink.FailNext = 1
	p := NewStrictPolicy(sink)

	err := p.Ingest(context.Background(), makeEvent(1, types.EventLog))
	require.Error(t, err)

	// Failure plan exhausted, next write succeeds.
	require.NoError(t, p.Ingest(context.Background(), makeEvent(2, types.EventLog)))

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.Errors)
	assert.Equal(t, int64(1), stats.EventsPersisted)
}

func TestBufferedPolicy_HappyPath(t *testing.T) {
	sink := NewStubSink()
	p := NewBufferedPolicy(sink, BufferedConfig{})

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, p.Ingest(context.Background(), makeEvent(i, types.EventPhaseProgress)))
	}
	require.NoError(t, p.Flush(context.Background()))

	assert.Len(t, sink.Written(), 5)
	stats := p.Stats()
	assert.Equal(t, int64(5), stats.EventsPersisted)
	assert.Equal(t, int64(0), stats.EventsDropped)
	assert.False(t, stats.Degraded)
	assert.False(t, p.Degraded())
}

func TestBufferedPolicy_RetriesFailedWrites(t *testing.T) {
	sink := NewStubSink()
	sink.ErrOnWrite = errors.New("locked")
	sink.FailNext = 2
	p := NewBufferedPolicy(sink, BufferedConfig{})

	// First two ingests fail and queue; no error propagates.
	require.NoError(t, p.Ingest(context.Background(), makeEvent(1, types.EventPhaseStart)))
	require.NoError(t, p.Ingest(context.Background(), makeEvent(2, types.EventPhaseProgress)))

	// Sink recovered; third ingest drains the queue first.
	require.NoError(t, p.Ingest(context.Background(), makeEvent(3, types.EventPhaseProgress)))

	written := sink.Written()
	require.Len(t, written, 3)
	// Order preserved across the retry drain.
	for i, ev := range written {
		assert.Equal(t, int64(i+1), ev.SequenceNo)
	}

	stats := p.Stats()
	assert.Equal(t, int64(3), stats.EventsPersisted)
	assert.Equal(t, int64(0), stats.PendingRetries)
	assert.False(t, stats.Degraded)
}

func TestBufferedPolicy_PreservesOrderBehindPending(t *testing.T) {
	sink := NewStubSink()
	sink.ErrOnWrite = errors.New("locked")
	sink.FailNext = -1
	p := NewBufferedPolicy(sink, BufferedConfig{})

	require.NoError(t, p.Ingest(context.Background(), makeEvent(1, types.EventPhaseProgress)))
	require.NoError(t, p.Ingest(context.Background(), makeEvent(2, types.EventPhaseProgress)))

	// Nothing written while the sink is down.
	assert.Empty(t, sink.Written())

	sink.FailNext = 0
	require.NoError(t, p.Flush(context.Background()))

	written := sink.Written()
	require.Len(t, written, 2)
	assert.Equal(t, int64(1), written[0].SequenceNo)
	assert.Equal(t, int64(2), written[1].SequenceNo)
}

func TestBufferedPolicy_DegradesOnWindowOverflow(t *testing.T) {
	sink := NewStubSink()
	sink.ErrOnWrite = errors.New("locked")
	sink.FailNext = -1

	degraded := 0
	p := NewBufferedPolicy(sink, BufferedConfig{
		RetryWindow: 4,
		OnDegraded:  func() { degraded++ },
	})

	// Fill the window, then overflow it.
	for i := int64(1); i <= 6; i++ {
		require.NoError(t, p.Ingest(context.Background(), makeEvent(i, types.EventPhaseProgress)))
	}

	assert.True(t, p.Degraded())
	assert.Equal(t, 1, degraded, "OnDegraded fires once")

	stats := p.Stats()
	assert.Equal(t, int64(2), stats.EventsDropped)
	assert.Equal(t, int64(2), stats.DroppedByKind[types.EventPhaseProgress])
	assert.Equal(t, int64(4), stats.PendingRetries)
}

func TestBufferedPolicy_TerminalEvictsExpendable(t *testing.T) {
	sink := NewStubSink()
	sink.ErrOnWrite = errors.New("locked")
	sink.FailNext = -1
	p := NewBufferedPolicy(sink, BufferedConfig{RetryWindow: 3})

	for i := int64(1); i <= 3; i++ {
		require.NoError(t, p.Ingest(context.Background(), makeEvent(i, types.EventPhaseProgress)))
	}
	// Terminal event arrives into a full window: oldest expendable goes.
	require.NoError(t, p.Ingest(context.Background(), makeEvent(4, types.EventAuditComplete)))

	sink.FailNext = 0
	require.NoError(t, p.Flush(context.Background()))

	written := sink.Written()
	require.Len(t, written, 3)
	seqs := []int64{written[0].SequenceNo, written[1].SequenceNo, written[2].SequenceNo}
	assert.Equal(t, []int64{2, 3, 4}, seqs)
	assert.Equal(t, types.EventAuditComplete, written[2].Kind)

	stats := p.Stats()
	assert.Equal(t, int64(1), stats.DroppedByKind[types.EventPhaseProgress])
	assert.Equal(t, int64(0), stats.DroppedByKind[types.EventAuditComplete])
}

func TestBufferedPolicy_CloseFlushesAndClosesSink(t *testing.T) {
	sink := NewStubSink()
	sink.ErrOnWrite = errors.New("locked")
	sink.FailNext = 1
	p := NewBufferedPolicy(sink, BufferedConfig{})

	require.NoError(t, p.Ingest(context.Background(), makeEvent(1, types.EventAuditResult)))
	require.NoError(t, p.Close())

	assert.Len(t, sink.Written(), 1)
	assert.True(t, sink.Closed)
}

func TestNoopPolicy(t *testing.T) {
	p := NewNoopPolicy()
	for i := int64(1); i <= 4; i++ {
		require.NoError(t, p.Ingest(context.Background(), makeEvent(i, types.EventLog)))
	}
	require.NoError(t, p.Flush(context.Background()))
	require.NoError(t, p.Close())

	stats := p.Stats()
	assert.Equal(t, int64(4), stats.TotalEvents)
	assert.Equal(t, int64(4), stats.EventsDropped)
	assert.Equal(t, int64(0), stats.EventsPersisted)
}

func TestStatsSnapshotIsACopy(t *testing.T) {
	p := NewNoopPolicy()
	require.NoError(t, p.Ingest(context.Background(), makeEvent(1, types.EventLog)))

	snap := p.Stats()
	snap.DroppedByKind[types.EventLog] = 99

	fresh := p.Stats()
	assert.Equal(t, int64(1), fresh.DroppedByKind[types.EventLog])
}

func BenchmarkBufferedPolicy_Ingest(b *testing.B) {
	sink := NewStubSink()
	p := NewBufferedPolicy(sink, BufferedConfig{})
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		ev := makeEvent(int64(i+1), types.EventPhaseProgress)
		ev.Payload = map[string]any{"message": fmt.Sprintf("step %d", i)}
		if err := p.Ingest(context.Background(), ev); err != nil {
			b.Fatal(err)
		}
	}
}
