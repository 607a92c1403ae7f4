package ipc

import (
	"io"

	"github.com/veritaslabs/veritas/types"
)

// Transport is the engine-side writer for progress events. Exactly one
// goroutine (the bus consumer) writes to it; the mode is fixed at spawn
// and never switches mid-audit.
type Transport interface {
	// WriteEvent delivers one progress event in arrival order.
	WriteEvent(ev *types.ProgressEvent) error
	// WriteVerdict sends the verdict control frame. Queue mode only;
	// the stdout transport discards it (the runner cross-checks via the
	// audit_result event and the exit code instead).
	WriteVerdict(frame *types.VerdictFrame) error
}

// NewTransport builds the transport for the given mode over w, which is
// the engine's stdout in both modes.
func NewTransport(mode types.IPCMode, w io.Writer) Transport {
	if mode == types.IPCModeStdout {
		return &StdoutTransport{writer: NewStdoutWriter(w)}
	}
	return &QueueTransport{encoder: NewFrameEncoder(w)}
}

// QueueTransport writes length-prefixed msgpack frames.
type QueueTransport struct {
	encoder *FrameEncoder
}

// WriteEvent writes one event frame.
func (t *QueueTransport) WriteEvent(ev *types.ProgressEvent) error {
	return t.encoder.WriteFrame(ev)
}

// WriteVerdict writes the verdict control frame.
func (t *QueueTransport) WriteVerdict(frame *types.VerdictFrame) error {
	return t.encoder.WriteFrame(frame)
}

// StdoutTransport writes ##PROGRESS: JSON lines.
type StdoutTransport struct {
	writer *StdoutWriter
}

// WriteEvent writes one prefixed JSON line.
func (t *StdoutTransport) WriteEvent(ev *types.ProgressEvent) error {
	return t.writer.WriteEvent(ev)
}

// WriteVerdict is a no-op in stdout mode; there is no control channel.
func (t *StdoutTransport) WriteVerdict(*types.VerdictFrame) error {
	return nil
}

var (
	_ Transport = (*QueueTransport)(nil)
	_ Transport = (*StdoutTransport)(nil)
)
