package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/veritaslabs/veritas/policy"
	"github.com/veritaslabs/veritas/types"
)

// EventSink adapts the Repository to the policy.Sink interface. Every event
// lands in audit_events; finding and screenshot events are additionally
// extracted into their child tables so queries never have to parse payload
// JSON. Coalesced findings inside phase_progress payloads are extracted too.
type EventSink struct {
	repo *Repository

	// ownsRepo makes Close close the repository. The runner shares one
	// repository across sinks and closes it itself.
	ownsRepo bool
}

// NewEventSink wraps a repository. The sink does not own the repository;
// closing the sink leaves it open.
func NewEventSink(repo *Repository) *EventSink {
	return &EventSink{repo: repo}
}

// WriteEvents persists the batch in order. The first failed write aborts
// the batch; the caller retries the whole batch and the unique constraints
// absorb the replays.
func (s *EventSink) WriteEvents(ctx context.Context, events []*types.ProgressEvent) error {
	for _, ev := range events {
		if err := s.repo.AppendEvent(ctx, ev); err != nil {
			return err
		}
		if err := s.extractChildren(ctx, ev); err != nil {
			return err
		}
	}
	return nil
}

// extractChildren mirrors finding and screenshot payloads into their
// tables.
func (s *EventSink) extractChildren(ctx context.Context, ev *types.ProgressEvent) error {
	switch ev.Kind {
	case types.EventFinding:
		var f types.Finding
		if err := decodePayload(ev.Payload, &f); err != nil {
			return fmt.Errorf("finding payload %s/%d: %w", ev.AuditID, ev.SequenceNo, err)
		}
		return s.repo.AddFinding(ctx, ev.AuditID, f)

	case types.EventScreenshot:
		var shot types.Screenshot
		if err := decodePayload(ev.Payload, &shot); err != nil {
			return fmt.Errorf("screenshot payload %s/%d: %w", ev.AuditID, ev.SequenceNo, err)
		}
		return s.repo.AddScreenshot(ctx, ev.AuditID, shot)

	case types.EventPhaseProgress:
		var p types.PhaseProgressPayload
		if err := decodePayload(ev.Payload, &p); err != nil {
			// Progress payloads are free-form; an undecodable one is not a
			// persistence failure.
			return nil
		}
		for _, raw := range p.Findings {
			var f types.Finding
			if err := decodePayload(raw, &f); err != nil {
				continue
			}
			if err := s.repo.AddFinding(ctx, ev.AuditID, f); err != nil {
				return err
			}
		}
		return nil
	}
	return nil
}

// Close is a no-op unless the sink owns the repository.
func (s *EventSink) Close() error {
	if s.ownsRepo {
		return s.repo.Close()
	}
	return nil
}

// decodePayload converts a generic payload map into a typed struct through
// its json tags.
func decodePayload(payload map[string]any, out any) error {
	raw, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return json.Unmarshal(raw, out)
}

var _ policy.Sink = (*EventSink)(nil)
