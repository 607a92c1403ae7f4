package api

import (
	"encoding/json"

	"github.com/veritaslabs/veritas/store"
)

// auditJSON is the wire shape of one audits row. Nullable columns become
// pointers so absent values render as null instead of zero.
type auditJSON struct {
	AuditID             string   `json:"audit_id"`
	URL                 string   `json:"url"`
	Status              string   `json:"status"`
	Tier                string   `json:"tier"`
	VerdictMode         string   `json:"verdict_mode"`
	Modules             []string `json:"modules,omitempty"`
	TrustScore          *int     `json:"trust_score"`
	RiskLevel           *string  `json:"risk_level"`
	VerdictSummary      *string  `json:"verdict_summary,omitempty"`
	SiteType            *string  `json:"site_type,omitempty"`
	Degraded            bool     `json:"degraded"`
	IPCMode             string   `json:"ipc_mode,omitempty"`
	Attempt             int      `json:"attempt"`
	PersistenceDegraded bool     `json:"persistence_degraded"`
	PagesScanned        int      `json:"pages_scanned"`
	ScreenshotsCount    int      `json:"screenshots_count"`
	VLMCallsUsed        int      `json:"vlm_calls_used"`
	ElapsedSeconds      *float64 `json:"elapsed_seconds,omitempty"`
	Errors              any      `json:"errors,omitempty"`
	StartedAt           string   `json:"started_at"`
	CompletedAt         *string  `json:"completed_at,omitempty"`
}

func toAuditJSON(a *store.Audit) auditJSON {
	out := auditJSON{
		AuditID:             a.AuditID,
		URL:                 a.URL,
		Status:              a.Status,
		Tier:                a.Tier,
		VerdictMode:         a.VerdictMode,
		Modules:             a.Modules(),
		Degraded:            a.Degraded,
		IPCMode:             a.IPCMode,
		Attempt:             a.Attempt,
		PersistenceDegraded: a.PersistenceDegraded,
		PagesScanned:        a.PagesScanned,
		ScreenshotsCount:    a.ScreenshotsCount,
		VLMCallsUsed:        a.VLMCallsUsed,
		StartedAt:           a.StartedAt,
	}
	if a.TrustScore.Valid {
		v := int(a.TrustScore.Int64)
		out.TrustScore = &v
	}
	if a.RiskLevel.Valid {
		out.RiskLevel = &a.RiskLevel.String
	}
	if a.VerdictSummary.Valid {
		out.VerdictSummary = &a.VerdictSummary.String
	}
	if a.SiteType.Valid {
		out.SiteType = &a.SiteType.String
	}
	if a.ElapsedSeconds.Valid {
		out.ElapsedSeconds = &a.ElapsedSeconds.Float64
	}
	if a.ErrorsJSON.Valid && a.ErrorsJSON.String != "" {
		var errs any
		if json.Unmarshal([]byte(a.ErrorsJSON.String), &errs) == nil {
			out.Errors = errs
		}
	}
	if a.CompletedAt.Valid {
		out.CompletedAt = &a.CompletedAt.String
	}
	return out
}

type findingJSON struct {
	PatternType     string  `json:"pattern_type"`
	Category        string  `json:"category"`
	Severity        string  `json:"severity"`
	Confidence      float64 `json:"confidence"`
	Description     string  `json:"description"`
	ScreenshotIndex *int64  `json:"screenshot_index,omitempty"`
}

type screenshotJSON struct {
	FilePath      string `json:"file_path"`
	Label         string `json:"label"`
	IndexNum      int    `json:"index_num"`
	FileSizeBytes int64  `json:"file_size_bytes"`
	MIMEType      string `json:"mime_type"`
}

type detailJSON struct {
	auditJSON
	Findings    []findingJSON    `json:"findings"`
	Screenshots []screenshotJSON `json:"screenshots"`
	EventCount  int64            `json:"event_count"`
}

func toDetailJSON(d *store.AuditDetail) detailJSON {
	out := detailJSON{
		auditJSON:   toAuditJSON(&d.Audit),
		Findings:    make([]findingJSON, 0, len(d.Findings)),
		Screenshots: make([]screenshotJSON, 0, len(d.Screenshots)),
		EventCount:  d.EventCount,
	}
	for _, f := range d.Findings {
		fj := findingJSON{
			PatternType: f.PatternType,
			Category:    f.Category,
			Severity:    f.Severity,
			Confidence:  f.Confidence,
			Description: f.Description,
		}
		if f.ScreenshotIndex.Valid {
			idx := f.ScreenshotIndex.Int64
			fj.ScreenshotIndex = &idx
		}
		out.Findings = append(out.Findings, fj)
	}
	for _, sc := range d.Screenshots {
		out.Screenshots = append(out.Screenshots, screenshotJSON{
			FilePath:      sc.FilePath,
			Label:         sc.Label,
			IndexNum:      sc.IndexNum,
			FileSizeBytes: sc.FileSizeBytes,
			MIMEType:      sc.MIMEType,
		})
	}
	return out
}

type eventJSON struct {
	SequenceNo int64           `json:"sequence_no"`
	Kind       string          `json:"kind"`
	Phase      string          `json:"phase,omitempty"`
	Payload    json.RawMessage `json:"payload"`
	Timestamp  string          `json:"timestamp"`
}

func toEventJSON(ev *store.Event) eventJSON {
	payload := json.RawMessage(ev.PayloadJSON)
	if !json.Valid(payload) {
		payload = json.RawMessage("null")
	}
	return eventJSON{
		SequenceNo: ev.SequenceNo,
		Kind:       ev.Kind,
		Phase:      ev.Phase,
		Payload:    payload,
		Timestamp:  ev.Timestamp,
	}
}
