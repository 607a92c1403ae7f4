package ipc

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"testing"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/veritaslabs/veritas/types"
)

// encodeRawFrame encodes a payload with length prefix (matches engine output).
func encodeRawFrame(payload []byte) []byte {
	buf := make([]byte, LengthPrefixSize+len(payload))
	binary.BigEndian.PutUint32(buf[:LengthPrefixSize], uint32(len(payload)))
	copy(buf[LengthPrefixSize:], payload)
	return buf
}

// encodeEventFrame encodes a progress event as a framed msgpack payload.
func encodeEventFrame(ev *types.ProgressEvent) ([]byte, error) {
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		return nil, err
	}
	return encodeRawFrame(payload), nil
}

func testEvent(seq int64, kind types.EventKind) *types.ProgressEvent {
	return &types.ProgressEvent{
		ContractVersion: types.ContractVersion,
		AuditID:         "audit-001",
		SequenceNo:      seq,
		Kind:            kind,
		Phase:           types.PhaseScout,
		Timestamp:       "2026-01-15T10:00:00Z",
		Attempt:         1,
		Payload:         map[string]any{"message": "test"},
	}
}

func TestFrameDecoder_SingleEvent(t *testing.T) {
	ev := testEvent(1, types.EventPhaseStart)

	frame, err := encodeEventFrame(ev)
	if err != nil {
		t.Fatalf("encodeEventFrame failed: %v", err)
	}

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	decoded, err := DecodeProgressEvent(payload)
	if err != nil {
		t.Fatalf("DecodeProgressEvent failed: %v", err)
	}

	if decoded.AuditID != ev.AuditID {
		t.Errorf("AuditID = %q, want %q", decoded.AuditID, ev.AuditID)
	}
	if decoded.Kind != ev.Kind {
		t.Errorf("Kind = %q, want %q", decoded.Kind, ev.Kind)
	}
	if decoded.SequenceNo != ev.SequenceNo {
		t.Errorf("SequenceNo = %d, want %d", decoded.SequenceNo, ev.SequenceNo)
	}
	if decoded.Phase != types.PhaseScout {
		t.Errorf("Phase = %q, want scout", decoded.Phase)
	}
}

func TestFrameEncoder_RoundTrip(t *testing.T) {
	events := []*types.ProgressEvent{
		testEvent(1, types.EventPhaseStart),
		testEvent(2, types.EventFinding),
		testEvent(3, types.EventAuditComplete),
	}

	var buf bytes.Buffer
	encoder := NewFrameEncoder(&buf)
	for _, ev := range events {
		if err := encoder.WriteFrame(ev); err != nil {
			t.Fatalf("WriteFrame failed: %v", err)
		}
	}

	decoder := NewFrameDecoder(&buf)
	var decoded []*types.ProgressEvent
	for {
		payload, err := decoder.ReadFrame()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("ReadFrame failed: %v", err)
		}
		ev, err := DecodeProgressEvent(payload)
		if err != nil {
			t.Fatalf("DecodeProgressEvent failed: %v", err)
		}
		decoded = append(decoded, ev)
	}

	if len(decoded) != len(events) {
		t.Fatalf("decoded %d events, want %d", len(decoded), len(events))
	}
	for i, ev := range decoded {
		if ev.SequenceNo != events[i].SequenceNo {
			t.Errorf("events[%d].SequenceNo = %d, want %d", i, ev.SequenceNo, events[i].SequenceNo)
		}
		if ev.Kind != events[i].Kind {
			t.Errorf("events[%d].Kind = %q, want %q", i, ev.Kind, events[i].Kind)
		}
	}
	if !decoded[len(decoded)-1].Kind.IsTerminal() {
		t.Error("last event should be terminal")
	}
}

func TestDecodeFrame_VerdictFrameDiscrimination(t *testing.T) {
	msg := "done"
	frame := &types.VerdictFrame{
		Type:   types.VerdictFrameType,
		Status: types.StatusCompleted,
		Verdict: &types.Verdict{
			TrustScore: 82,
			RiskLevel:  types.RiskLow,
			Summary:    "established encyclopedia",
		},
		Message: &msg,
	}
	payload, err := msgpack.Marshal(frame)
	if err != nil {
		t.Fatalf("marshal verdict frame: %v", err)
	}

	result, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}

	decoded, ok := result.(*types.VerdictFrame)
	if !ok {
		t.Fatalf("DecodeFrame returned %T, want *types.VerdictFrame", result)
	}
	if decoded.Status != types.StatusCompleted {
		t.Errorf("Status = %q, want completed", decoded.Status)
	}
	if decoded.Verdict == nil || decoded.Verdict.TrustScore != 82 {
		t.Errorf("Verdict = %+v, want trust score 82", decoded.Verdict)
	}
}

func TestDecodeFrame_EventWhenNoTypeField(t *testing.T) {
	ev := testEvent(7, types.EventFinding)
	payload, err := msgpack.Marshal(ev)
	if err != nil {
		t.Fatalf("marshal event: %v", err)
	}

	result, err := DecodeFrame(payload)
	if err != nil {
		t.Fatalf("DecodeFrame failed: %v", err)
	}
	decoded, ok := result.(*types.ProgressEvent)
	if !ok {
		t.Fatalf("DecodeFrame returned %T, want *types.ProgressEvent", result)
	}
	if decoded.SequenceNo != 7 {
		t.Errorf("SequenceNo = %d, want 7", decoded.SequenceNo)
	}
}

func TestFrameDecoder_PartialFrame(t *testing.T) {
	frame, _ := encodeEventFrame(testEvent(1, types.EventLog))

	// Truncate the frame (keep only length prefix + half payload)
	truncated := frame[:LengthPrefixSize+len(frame[LengthPrefixSize:])/2]

	decoder := NewFrameDecoder(bytes.NewReader(truncated))
	_, err := decoder.ReadFrame()

	if err == nil {
		t.Fatal("expected error for truncated frame")
	}
	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
}

func TestFrameDecoder_OversizedFrame(t *testing.T) {
	var buf bytes.Buffer
	_ = binary.Write(&buf, binary.BigEndian, uint32(MaxPayloadSize+1))

	decoder := NewFrameDecoder(&buf)
	_, err := decoder.ReadFrame()

	if err == nil {
		t.Fatal("expected error for oversized frame")
	}
	if !IsFatalFrameError(err) {
		t.Errorf("expected fatal frame error, got: %v", err)
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("Kind = %v, want FrameErrorTooLarge", frameErr.Kind)
	}
}

func TestFrameDecoder_EmptyStream(t *testing.T) {
	decoder := NewFrameDecoder(bytes.NewReader(nil))
	_, err := decoder.ReadFrame()

	if err != io.EOF {
		t.Errorf("expected io.EOF, got: %v", err)
	}
}

func TestFrameDecoder_TruncatedLengthPrefix(t *testing.T) {
	partial := []byte{0x00, 0x00}

	decoder := NewFrameDecoder(bytes.NewReader(partial))
	_, err := decoder.ReadFrame()

	if err == nil {
		t.Fatal("expected error for truncated length prefix")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorPartial {
		t.Errorf("Kind = %v, want FrameErrorPartial", frameErr.Kind)
	}
}

func TestFrameDecoder_MalformedMsgpack(t *testing.T) {
	// Valid frame length prefix but garbage msgpack payload.
	garbage := []byte{0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
	frame := encodeRawFrame(garbage)

	decoder := NewFrameDecoder(bytes.NewReader(frame))
	payload, err := decoder.ReadFrame()
	if err != nil {
		t.Fatalf("ReadFrame failed: %v", err)
	}

	_, err = DecodeFrame(payload)
	if err == nil {
		t.Fatal("expected decode error for malformed msgpack")
	}

	var frameErr *FrameError
	if !errors.As(err, &frameErr) {
		t.Fatalf("expected *FrameError, got %T", err)
	}
	if frameErr.Kind != FrameErrorDecode {
		t.Errorf("Kind = %v, want FrameErrorDecode", frameErr.Kind)
	}

	// Decode errors are NOT fatal (frame was valid, content wasn't).
	if IsFatalFrameError(err) {
		t.Error("decode errors should not be fatal")
	}
}

func TestFrameEncoder_RejectsOversizedPayload(t *testing.T) {
	encoder := NewFrameEncoder(io.Discard)
	huge := &types.ProgressEvent{
		AuditID: "audit-001",
		Kind:    types.EventLog,
		Payload: map[string]any{"blob": string(make([]byte, MaxPayloadSize))},
	}
	err := encoder.WriteFrame(huge)
	if err == nil {
		t.Fatal("expected error for oversized payload")
	}
	var frameErr *FrameError
	if !errors.As(err, &frameErr) || frameErr.Kind != FrameErrorTooLarge {
		t.Errorf("expected FrameErrorTooLarge, got %v", err)
	}
}

func TestFrameError_ErrorMessage(t *testing.T) {
	tests := []struct {
		name     string
		err      *FrameError
		contains string
	}{
		{
			name:     "partial without underlying error",
			err:      &FrameError{Kind: FrameErrorPartial, Msg: "truncated"},
			contains: "truncated",
		},
		{
			name: "partial with underlying error",
			err: &FrameError{
				Kind: FrameErrorPartial,
				Msg:  "read failed",
				Err:  io.ErrUnexpectedEOF,
			},
			contains: "unexpected EOF",
		},
		{
			name:     "oversized",
			err:      &FrameError{Kind: FrameErrorTooLarge, Msg: "payload too big"},
			contains: "too big",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := tt.err.Error()
			if !bytes.Contains([]byte(msg), []byte(tt.contains)) {
				t.Errorf("error message %q does not contain %q", msg, tt.contains)
			}
		})
	}
}

func TestFrameError_Unwrap(t *testing.T) {
	underlying := io.ErrUnexpectedEOF
	err := &FrameError{
		Kind: FrameErrorPartial,
		Msg:  "test",
		Err:  underlying,
	}

	if !errors.Is(err, underlying) {
		t.Error("Unwrap should allow errors.Is to find underlying error")
	}
}

func TestIsFatalFrameError_NonFrameError(t *testing.T) {
	regularErr := errors.New("regular error")
	if IsFatalFrameError(regularErr) {
		t.Error("regular errors should not be fatal frame errors")
	}
	if IsFatalFrameError(nil) {
		t.Error("nil should not be a fatal frame error")
	}
	if IsFatalFrameError(io.EOF) {
		t.Error("io.EOF should not be a fatal frame error")
	}
}
