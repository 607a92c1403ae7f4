package bus

import (
	"testing"
	"time"

	"github.com/veritaslabs/veritas/types"
)

func TestToPayload_UsesJSONKeys(t *testing.T) {
	got := toPayload(types.PhaseStartPayload{Iteration: 2, Message: "re-entering scout"})

	if got["iteration"] != float64(2) {
		t.Errorf("iteration = %v (%T), want 2", got["iteration"], got["iteration"])
	}
	if got["message"] != "re-entering scout" {
		t.Errorf("message = %v", got["message"])
	}

	// omitempty fields stay off the wire.
	empty := toPayload(types.PhaseStartPayload{Iteration: 0})
	if _, present := empty["message"]; present {
		t.Error("empty message should be omitted")
	}
}

func TestEmitHelpers_PayloadShapes(t *testing.T) {
	spy := &spyTransport{}
	b := New(spy, testMeta(), fastConfig())

	if err := b.PhaseStart(types.PhaseScout, 1, "audit begins"); err != nil {
		t.Fatalf("PhaseStart: %v", err)
	}
	if err := b.PhaseFailed(types.PhaseVision, 3*time.Second, "vlm_timeout", "model did not answer"); err != nil {
		t.Fatalf("PhaseFailed: %v", err)
	}
	if err := b.Screenshot(types.PhaseScout, types.Screenshot{
		Path:      "audit-001/1700000000_0_a1b2c3d4.png",
		Index:     0,
		SizeBytes: 48213,
		MIMEType:  "image/png",
	}); err != nil {
		t.Fatalf("Screenshot: %v", err)
	}
	if err := b.Log(types.PhaseGraph, types.LogLevelWarn, "whois lookup slow", map[string]any{"ms": 2100}); err != nil {
		t.Fatalf("Log: %v", err)
	}
	if err := b.AuditError("scrape_failed", "all scout retries exhausted"); err != nil {
		t.Fatalf("AuditError: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := spy.Events()
	if len(events) != 5 {
		t.Fatalf("delivered %d events, want 5", len(events))
	}

	start := events[0]
	if start.Kind != types.EventPhaseStart || start.Phase != types.PhaseScout {
		t.Errorf("start = %q/%q", start.Kind, start.Phase)
	}
	if start.Payload["iteration"] != float64(1) {
		t.Errorf("start iteration = %v", start.Payload["iteration"])
	}

	failed := events[1]
	if failed.Kind != types.EventPhaseComplete {
		t.Errorf("failed.Kind = %q, want phase_complete", failed.Kind)
	}
	if failed.Payload["error_kind"] != "vlm_timeout" {
		t.Errorf("failed error_kind = %v", failed.Payload["error_kind"])
	}
	if failed.Payload["duration_ms"] != float64(3000) {
		t.Errorf("failed duration_ms = %v", failed.Payload["duration_ms"])
	}

	shot := events[2]
	if shot.Kind != types.EventScreenshot {
		t.Errorf("shot.Kind = %q", shot.Kind)
	}
	if shot.Payload["path"] != "audit-001/1700000000_0_a1b2c3d4.png" {
		t.Errorf("shot path = %v", shot.Payload["path"])
	}
	if shot.Payload["mime_type"] != "image/png" {
		t.Errorf("shot mime_type = %v", shot.Payload["mime_type"])
	}

	logEv := events[3]
	if logEv.Kind != types.EventLog || logEv.Phase != types.PhaseGraph {
		t.Errorf("log = %q/%q", logEv.Kind, logEv.Phase)
	}
	if logEv.Payload["level"] != "warn" {
		t.Errorf("log level = %v", logEv.Payload["level"])
	}

	terminal := events[4]
	if terminal.Kind != types.EventAuditError {
		t.Errorf("terminal.Kind = %q, want audit_error", terminal.Kind)
	}
	if terminal.Payload["kind"] != "scrape_failed" {
		t.Errorf("terminal kind = %v", terminal.Payload["kind"])
	}
	if _, present := terminal.Payload["exit_code"]; present {
		t.Error("engine-side audit_error must not carry exit_code")
	}
}

func TestAuditResult_CarriesFinalSummary(t *testing.T) {
	spy := &spyTransport{}
	b := New(spy, testMeta(), fastConfig())

	summary := types.AuditResultPayload{
		Status: types.StatusCompleted,
		Verdict: types.Verdict{
			TrustScore: 34,
			RiskLevel:  types.RiskHigh,
			Summary:    "cloned storefront with hidden fees",
			SiteType:   "ecommerce",
		},
		Iteration:      2,
		PagesScanned:   4,
		VLMCallsUsed:   3,
		ElapsedSeconds: 92.4,
	}
	if err := b.AuditResult(summary); err != nil {
		t.Fatalf("AuditResult: %v", err)
	}
	if err := b.AuditComplete(types.StatusCompleted); err != nil {
		t.Fatalf("AuditComplete: %v", err)
	}
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	events := spy.Events()
	if len(events) != 2 {
		t.Fatalf("delivered %d events, want 2", len(events))
	}
	result := events[0]
	if result.Kind != types.EventAuditResult {
		t.Fatalf("result.Kind = %q", result.Kind)
	}
	verdict, ok := result.Payload["verdict"].(map[string]any)
	if !ok {
		t.Fatalf("verdict payload has type %T", result.Payload["verdict"])
	}
	if verdict["trust_score"] != float64(34) {
		t.Errorf("trust_score = %v", verdict["trust_score"])
	}
	if verdict["risk_level"] != "high" {
		t.Errorf("risk_level = %v", verdict["risk_level"])
	}
	if events[1].Payload["status"] != "completed" {
		t.Errorf("terminal status = %v", events[1].Payload["status"])
	}
}
