// Package ipc implements the two progress transports between the engine
// and the runner: length-prefixed msgpack frames (queue mode) and
// ##PROGRESS:-prefixed JSON lines (stdout mode).
package ipc

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/veritaslabs/veritas/types"
)

// Frame size constants for queue mode.
const (
	// MaxFrameSize is the maximum frame size (16 MiB), including length prefix.
	MaxFrameSize = 16 * 1024 * 1024
	// MaxPayloadSize is the maximum payload size (MaxFrameSize - 4 bytes).
	MaxPayloadSize = MaxFrameSize - LengthPrefixSize
	// LengthPrefixSize is the size of the length prefix in bytes.
	LengthPrefixSize = 4
)

// FrameErrorKind classifies frame decoding errors.
type FrameErrorKind int

const (
	// FrameErrorPartial indicates a truncated or incomplete frame.
	FrameErrorPartial FrameErrorKind = iota
	// FrameErrorTooLarge indicates a frame exceeding MaxFrameSize.
	FrameErrorTooLarge
	// FrameErrorDecode indicates a msgpack decoding error.
	FrameErrorDecode
)

// FrameError represents a frame transport error.
type FrameError struct {
	Kind FrameErrorKind
	Msg  string
	Err  error
}

func (e *FrameError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Msg, e.Err)
	}
	return e.Msg
}

func (e *FrameError) Unwrap() error {
	return e.Err
}

// IsFatal returns true if this error is fatal to the stream. Partial and
// oversized frames leave the decoder desynchronized; decode errors on a
// well-framed payload do not.
func (e *FrameError) IsFatal() bool {
	return e.Kind == FrameErrorPartial || e.Kind == FrameErrorTooLarge
}

// IsFatalFrameError returns true if the error is a fatal frame error.
func IsFatalFrameError(err error) bool {
	var frameErr *FrameError
	if errors.As(err, &frameErr) {
		return frameErr.IsFatal()
	}
	return false
}

// FrameDecoder decodes length-prefixed msgpack frames from a stream.
type FrameDecoder struct {
	reader io.Reader
}

// NewFrameDecoder creates a new frame decoder.
func NewFrameDecoder(r io.Reader) *FrameDecoder {
	return &FrameDecoder{reader: r}
}

// ReadFrame reads a single frame from the stream.
// Returns the raw payload bytes (msgpack-encoded).
//
// Errors:
//   - io.EOF: stream ended cleanly (no more frames)
//   - *FrameError with Kind=FrameErrorPartial: incomplete frame (fatal)
//   - *FrameError with Kind=FrameErrorTooLarge: frame exceeds limit (fatal)
func (d *FrameDecoder) ReadFrame() ([]byte, error) {
	// Read 4-byte big-endian length prefix
	var lengthBuf [LengthPrefixSize]byte
	_, err := io.ReadFull(d.reader, lengthBuf[:])
	if err != nil {
		if err == io.EOF {
			return nil, io.EOF
		}
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read length prefix",
			Err:  err,
		}
	}

	payloadSize := binary.BigEndian.Uint32(lengthBuf[:])

	if payloadSize > MaxPayloadSize {
		return nil, &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", payloadSize, MaxPayloadSize),
		}
	}

	payload := make([]byte, payloadSize)
	_, err = io.ReadFull(d.reader, payload)
	if err != nil {
		return nil, &FrameError{
			Kind: FrameErrorPartial,
			Msg:  "failed to read payload",
			Err:  err,
		}
	}

	return payload, nil
}

// FrameEncoder writes length-prefixed msgpack frames to a stream.
// The engine's bus consumer is the only writer, so no locking here.
type FrameEncoder struct {
	writer io.Writer
}

// NewFrameEncoder creates a new frame encoder.
func NewFrameEncoder(w io.Writer) *FrameEncoder {
	return &FrameEncoder{writer: w}
}

// WriteFrame msgpack-encodes v and writes it as one length-prefixed frame.
func (e *FrameEncoder) WriteFrame(v any) error {
	payload, err := msgpack.Marshal(v)
	if err != nil {
		return &FrameError{Kind: FrameErrorDecode, Msg: "failed to encode frame", Err: err}
	}
	if len(payload) > MaxPayloadSize {
		return &FrameError{
			Kind: FrameErrorTooLarge,
			Msg:  fmt.Sprintf("payload size %d exceeds maximum %d", len(payload), MaxPayloadSize),
		}
	}
	var lengthBuf [LengthPrefixSize]byte
	binary.BigEndian.PutUint32(lengthBuf[:], uint32(len(payload)))
	if _, err := e.writer.Write(lengthBuf[:]); err != nil {
		return &FrameError{Kind: FrameErrorPartial, Msg: "failed to write length prefix", Err: err}
	}
	if _, err := e.writer.Write(payload); err != nil {
		return &FrameError{Kind: FrameErrorPartial, Msg: "failed to write payload", Err: err}
	}
	return nil
}

// frameTypeProbe is used to peek at the type field without full decode.
// Progress events carry no "type" key, so the probe stays empty for them.
type frameTypeProbe struct {
	Type string `msgpack:"type"`
}

// DecodeFrame decodes a payload and returns either a *types.ProgressEvent
// or a *types.VerdictFrame, discriminated by the type field.
func DecodeFrame(payload []byte) (any, error) {
	var probe frameTypeProbe
	if err := msgpack.Unmarshal(payload, &probe); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode frame type",
			Err:  err,
		}
	}

	switch probe.Type {
	case types.VerdictFrameType:
		return DecodeVerdictFrame(payload)
	default:
		return DecodeProgressEvent(payload)
	}
}

// DecodeProgressEvent decodes a payload as a ProgressEvent.
func DecodeProgressEvent(payload []byte) (*types.ProgressEvent, error) {
	var event types.ProgressEvent
	if err := msgpack.Unmarshal(payload, &event); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode progress event",
			Err:  err,
		}
	}
	return &event, nil
}

// DecodeVerdictFrame decodes a payload as a VerdictFrame.
func DecodeVerdictFrame(payload []byte) (*types.VerdictFrame, error) {
	var frame types.VerdictFrame
	if err := msgpack.Unmarshal(payload, &frame); err != nil {
		return nil, &FrameError{
			Kind: FrameErrorDecode,
			Msg:  "failed to decode verdict frame",
			Err:  err,
		}
	}
	return &frame, nil
}
