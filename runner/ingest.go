package runner

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/veritaslabs/veritas/ipc"
	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/metrics"
	"github.com/veritaslabs/veritas/policy"
	"github.com/veritaslabs/veritas/types"
)

// IngestErrorKind classifies ingest failures for outcome determination.
type IngestErrorKind int

const (
	// IngestErrorStream marks a frame or sequence violation: the engine
	// misbehaved and the attempt counts as engine_died.
	IngestErrorStream IngestErrorKind = iota
	// IngestErrorPolicy marks a write-policy refusal.
	IngestErrorPolicy
	// IngestErrorCanceled marks context cancellation.
	IngestErrorCanceled
)

// IngestError wraps an ingest failure with its classification.
type IngestError struct {
	Kind IngestErrorKind
	Err  error
}

func (e *IngestError) Error() string { return e.Err.Error() }

func (e *IngestError) Unwrap() error { return e.Err }

func ingestErrorKind(err error) (IngestErrorKind, bool) {
	var ie *IngestError
	if errors.As(err, &ie) {
		return ie.Kind, true
	}
	return 0, false
}

// IsStreamError reports whether err is a stream-level ingest failure.
func IsStreamError(err error) bool { k, ok := ingestErrorKind(err); return ok && k == IngestErrorStream }

// IsPolicyError reports whether err is a policy ingest failure.
func IsPolicyError(err error) bool { k, ok := ingestErrorKind(err); return ok && k == IngestErrorPolicy }

// IsCanceledError reports whether err came from context cancellation.
func IsCanceledError(err error) bool {
	k, ok := ingestErrorKind(err)
	return ok && k == IngestErrorCanceled
}

// eventSource abstracts the two transports: it yields decoded progress
// events and captures the queue-mode verdict control frame out of band.
type eventSource interface {
	// Next returns the next event, io.EOF at clean end of stream.
	Next() (*types.ProgressEvent, error)
	// VerdictFrame returns the control frame if one arrived.
	VerdictFrame() *types.VerdictFrame
}

// queueSource reads length-prefixed msgpack frames.
type queueSource struct {
	decoder   *ipc.FrameDecoder
	verdict   *types.VerdictFrame
	collector *metrics.Collector
}

func (s *queueSource) Next() (*types.ProgressEvent, error) {
	for {
		payload, err := s.decoder.ReadFrame()
		if err != nil {
			return nil, err
		}
		decoded, err := ipc.DecodeFrame(payload)
		if err != nil {
			s.collector.IncIPCDecodeErrors()
			return nil, err
		}
		switch frame := decoded.(type) {
		case *types.ProgressEvent:
			return frame, nil
		case *types.VerdictFrame:
			// Control frame: captured, not sequenced.
			if s.verdict == nil {
				s.verdict = frame
			}
		default:
			return nil, fmt.Errorf("unexpected frame type %T", decoded)
		}
	}
}

func (s *queueSource) VerdictFrame() *types.VerdictFrame { return s.verdict }

// stdoutSource scans ##PROGRESS: lines. Stdout mode has no control
// channel, so VerdictFrame is always nil.
type stdoutSource struct {
	scanner *ipc.StdoutScanner
}

func (s *stdoutSource) Next() (*types.ProgressEvent, error) { return s.scanner.Next() }

func (s *stdoutSource) VerdictFrame() *types.VerdictFrame { return nil }

// Ingestor drives one attempt's event stream: decode, validate ordering
// and identity, deliver to the write policy and the observer.
type Ingestor struct {
	source    eventSource
	policy    policy.Policy
	meta      *types.SpawnMeta
	ledger    *ScreenshotLedger
	collector *metrics.Collector
	logger    *log.Logger
	observer  func(ev *types.ProgressEvent)

	// gapless requires strictly consecutive sequence numbers. Queue mode
	// is framed and lossless; stdout mode drops malformed lines and must
	// re-synchronize on the next valid one.
	gapless bool

	currentSeq int64
	terminal   *types.ProgressEvent
}

// NewIngestor builds the ingest loop over the engine's stdout. observer
// receives every accepted event after persistence dispatch; it may be nil.
func NewIngestor(
	r io.Reader,
	pol policy.Policy,
	meta *types.SpawnMeta,
	ledger *ScreenshotLedger,
	collector *metrics.Collector,
	logger *log.Logger,
	observer func(ev *types.ProgressEvent),
) *Ingestor {
	var source eventSource
	gapless := true
	if meta.IPCMode == types.IPCModeStdout {
		source = &stdoutSource{scanner: ipc.NewStdoutScanner(r)}
		gapless = false
	} else {
		source = &queueSource{decoder: ipc.NewFrameDecoder(r), collector: collector}
	}
	return &Ingestor{
		source:    source,
		gapless:   gapless,
		policy:    pol,
		meta:      meta,
		ledger:    ledger,
		collector: collector,
		logger:    logger,
		observer:  observer,
	}
}

// Run ingests until EOF or a fatal error. Pipe failures after the terminal
// event are a normal engine exit, not an error.
func (i *Ingestor) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return &IngestError{Kind: IngestErrorCanceled, Err: err}
		}

		ev, err := i.source.Next()
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			if i.terminal != nil {
				i.logger.Debug("stream closed after terminal event", map[string]any{"error": err.Error()})
				return nil
			}
			i.logger.Error("event stream failed", map[string]any{"error": err.Error()})
			return &IngestError{Kind: IngestErrorStream, Err: err}
		}

		if err := i.accept(ctx, ev); err != nil {
			return err
		}
	}
}

// accept validates one event and dispatches it.
func (i *Ingestor) accept(ctx context.Context, ev *types.ProgressEvent) error {
	if err := i.validate(ev); err != nil {
		i.logger.Error("event rejected", map[string]any{
			"kind":  string(ev.Kind),
			"seq":   ev.SequenceNo,
			"error": err.Error(),
		})
		return &IngestError{Kind: IngestErrorStream, Err: err}
	}
	i.currentSeq = ev.SequenceNo

	if ev.Kind.IsTerminal() {
		if i.terminal != nil {
			// First terminal wins; later ones are dropped on the floor.
			i.logger.Warn("duplicate terminal event ignored", map[string]any{
				"kind": string(ev.Kind),
				"seq":  ev.SequenceNo,
			})
			return nil
		}
		i.terminal = ev
	}

	if ev.Kind == types.EventScreenshot {
		if err := i.ledger.Record(ev.Payload); err != nil {
			// The event still persists; the path is just never served.
			i.logger.Warn("screenshot rejected by ledger", map[string]any{"error": err.Error()})
		}
	}

	if err := i.policy.Ingest(ctx, ev); err != nil {
		return &IngestError{Kind: IngestErrorPolicy, Err: fmt.Errorf("policy: %w", err)}
	}

	if i.observer != nil {
		i.observer(ev)
	}
	return nil
}

// validate enforces contract version, identity, and ordering. Sequence
// numbers must advance; only queue mode demands they advance by one.
func (i *Ingestor) validate(ev *types.ProgressEvent) error {
	if ev.ContractVersion != types.ContractVersion {
		return fmt.Errorf("contract version mismatch: expected %s, got %s",
			types.ContractVersion, ev.ContractVersion)
	}
	if ev.AuditID != i.meta.AuditID {
		return fmt.Errorf("audit_id mismatch: expected %s, got %s", i.meta.AuditID, ev.AuditID)
	}
	if ev.Attempt != i.meta.Attempt {
		return fmt.Errorf("attempt mismatch: expected %d, got %d", i.meta.Attempt, ev.Attempt)
	}
	if want := i.currentSeq + 1; ev.SequenceNo != want {
		i.collector.IncSequenceGap()
		if i.gapless || ev.SequenceNo <= i.currentSeq {
			return fmt.Errorf("sequence violation: expected %d, got %d", want, ev.SequenceNo)
		}
		// Stdout mode: the scanner dropped at least one line between the
		// last accepted event and this one. Record the gap and resume.
		i.logger.Warn("sequence gap, resuming after dropped lines", map[string]any{
			"expected": want,
			"got":      ev.SequenceNo,
		})
	}
	if !ev.Kind.Valid() {
		return fmt.Errorf("unknown event kind %q", ev.Kind)
	}
	return nil
}

// Terminal returns the terminal event if one arrived.
func (i *Ingestor) Terminal() *types.ProgressEvent { return i.terminal }

// VerdictFrame returns the queue-mode control frame if one arrived.
func (i *Ingestor) VerdictFrame() *types.VerdictFrame { return i.source.VerdictFrame() }

// CurrentSeq returns the highest accepted sequence number.
func (i *Ingestor) CurrentSeq() int64 { return i.currentSeq }
