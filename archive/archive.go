// Package archive exports finished audits out of the operational store:
// the audits row, findings, screenshot metadata and files, and the full
// event log as JSON lines, written to a filesystem directory or an S3
// prefix. Exports are read-only over the repository and idempotent: keys
// are overwritten, never appended.
package archive

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/veritaslabs/veritas/log"
	"github.com/veritaslabs/veritas/store"
)

// Store is one archive destination.
type Store interface {
	// Put writes data under key, overwriting any previous object.
	Put(ctx context.Context, key string, data []byte) error
	// Close releases destination resources.
	Close() error
}

// ErrAuditNotFinished is returned when archiving an audit that has not
// reached a terminal status.
var ErrAuditNotFinished = errors.New("audit has not finished")

// Manifest describes one completed export.
type Manifest struct {
	AuditID     string   `json:"audit_id"`
	URL         string   `json:"url"`
	Status      string   `json:"status"`
	ExportedAt  string   `json:"exported_at"`
	Files       []string `json:"files"`
	TotalBytes  int64    `json:"total_bytes"`
	EventCount  int64    `json:"event_count"`
	Screenshots int      `json:"screenshots"`
	// MissingScreenshots lists announced files absent from disk at export
	// time. Their metadata still archives.
	MissingScreenshots []string `json:"missing_screenshots,omitempty"`
}

// Exporter reads audits from the repository and writes them to a Store.
type Exporter struct {
	repo          *store.Repository
	dest          Store
	screenshotDir string
	logger        *log.Logger
}

// NewExporter creates an exporter. screenshotDir may be empty; screenshot
// files are then skipped and only their metadata archives.
func NewExporter(repo *store.Repository, dest Store, screenshotDir string, logger *log.Logger) *Exporter {
	return &Exporter{repo: repo, dest: dest, screenshotDir: screenshotDir, logger: logger}
}

// Export archives one audit under the prefix <audit_id>/.
func (e *Exporter) Export(ctx context.Context, auditID string) (*Manifest, error) {
	detail, err := e.repo.GetWithChildren(ctx, auditID)
	if err != nil {
		return nil, err
	}
	if !terminalStatus(detail.Audit.Status) {
		return nil, fmt.Errorf("%w: %s is %s", ErrAuditNotFinished, auditID, detail.Audit.Status)
	}

	events, err := e.repo.EventsFor(ctx, auditID)
	if err != nil {
		return nil, err
	}

	man := &Manifest{
		AuditID:     auditID,
		URL:         detail.Audit.URL,
		Status:      detail.Audit.Status,
		ExportedAt:  time.Now().UTC().Format(time.RFC3339Nano),
		EventCount:  int64(len(events)),
		Screenshots: len(detail.Screenshots),
	}

	put := func(key string, data []byte) error {
		if err := e.dest.Put(ctx, auditID+"/"+key, data); err != nil {
			return fmt.Errorf("archive %s/%s: %w", auditID, key, err)
		}
		man.Files = append(man.Files, key)
		man.TotalBytes += int64(len(data))
		return nil
	}

	auditDoc, err := json.MarshalIndent(auditRecord(&detail.Audit), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode audit row: %w", err)
	}
	if err := put("audit.json", auditDoc); err != nil {
		return nil, err
	}

	findingsDoc, err := json.MarshalIndent(findingRecords(detail.Findings), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode findings: %w", err)
	}
	if err := put("findings.json", findingsDoc); err != nil {
		return nil, err
	}

	screenshotsDoc, err := json.MarshalIndent(screenshotRecords(detail.Screenshots), "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode screenshots: %w", err)
	}
	if err := put("screenshots.json", screenshotsDoc); err != nil {
		return nil, err
	}

	if err := put("events.jsonl", eventLines(events)); err != nil {
		return nil, err
	}

	if e.screenshotDir != "" {
		for _, shot := range detail.Screenshots {
			data, err := os.ReadFile(filepath.Join(e.screenshotDir, shot.FilePath))
			if err != nil {
				man.MissingScreenshots = append(man.MissingScreenshots, shot.FilePath)
				e.logger.Warn("screenshot file missing at export", map[string]any{
					"audit_id": auditID,
					"path":     shot.FilePath,
				})
				continue
			}
			if err := put("screenshots/"+filepath.Base(shot.FilePath), data); err != nil {
				return nil, err
			}
		}
	}

	manifestDoc, err := json.MarshalIndent(man, "", "  ")
	if err != nil {
		return nil, fmt.Errorf("encode manifest: %w", err)
	}
	if err := e.dest.Put(ctx, auditID+"/manifest.json", manifestDoc); err != nil {
		return nil, fmt.Errorf("archive %s/manifest.json: %w", auditID, err)
	}
	man.Files = append(man.Files, "manifest.json")

	return man, nil
}

func terminalStatus(status string) bool {
	switch status {
	case "completed", "aborted", "error":
		return true
	default:
		return false
	}
}

// auditRecord flattens the row's nullable columns for the archive.
func auditRecord(a *store.Audit) map[string]any {
	rec := map[string]any{
		"audit_id":             a.AuditID,
		"url":                  a.URL,
		"status":               a.Status,
		"tier":                 a.Tier,
		"verdict_mode":         a.VerdictMode,
		"enabled_modules":      a.Modules(),
		"degraded":             a.Degraded,
		"ipc_mode":             a.IPCMode,
		"attempt":              a.Attempt,
		"persistence_degraded": a.PersistenceDegraded,
		"pages_scanned":        a.PagesScanned,
		"screenshots_count":    a.ScreenshotsCount,
		"vlm_calls_used":       a.VLMCallsUsed,
		"started_at":           a.StartedAt,
	}
	if a.TrustScore.Valid {
		rec["trust_score"] = a.TrustScore.Int64
	}
	if a.RiskLevel.Valid {
		rec["risk_level"] = a.RiskLevel.String
	}
	if a.VerdictSummary.Valid {
		rec["verdict_summary"] = a.VerdictSummary.String
	}
	if a.SiteType.Valid {
		rec["site_type"] = a.SiteType.String
	}
	if a.ElapsedSeconds.Valid {
		rec["elapsed_seconds"] = a.ElapsedSeconds.Float64
	}
	if a.ErrorsJSON.Valid && a.ErrorsJSON.String != "" {
		var errs any
		if json.Unmarshal([]byte(a.ErrorsJSON.String), &errs) == nil {
			rec["errors"] = errs
		}
	}
	if a.CompletedAt.Valid {
		rec["completed_at"] = a.CompletedAt.String
	}
	return rec
}

func findingRecords(rows []store.FindingRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, f := range rows {
		rec := map[string]any{
			"pattern_type": f.PatternType,
			"category":     f.Category,
			"severity":     f.Severity,
			"confidence":   f.Confidence,
			"description":  f.Description,
			"created_at":   f.CreatedAt,
		}
		if f.ScreenshotIndex.Valid {
			rec["screenshot_index"] = f.ScreenshotIndex.Int64
		}
		out = append(out, rec)
	}
	return out
}

func screenshotRecords(rows []store.ScreenshotRow) []map[string]any {
	out := make([]map[string]any, 0, len(rows))
	for _, s := range rows {
		out = append(out, map[string]any{
			"file_path":       s.FilePath,
			"label":           s.Label,
			"index_num":       s.IndexNum,
			"file_size_bytes": s.FileSizeBytes,
			"mime_type":       s.MIMEType,
			"created_at":      s.CreatedAt,
		})
	}
	return out
}

// eventLines renders the event log as JSON lines in sequence order.
func eventLines(events []store.Event) []byte {
	var b strings.Builder
	for _, ev := range events {
		payload := json.RawMessage(ev.PayloadJSON)
		if !json.Valid(payload) {
			payload = json.RawMessage("null")
		}
		line, err := json.Marshal(map[string]any{
			"sequence_no": ev.SequenceNo,
			"kind":        ev.Kind,
			"phase":       ev.Phase,
			"payload":     payload,
			"timestamp":   ev.Timestamp,
		})
		if err != nil {
			continue
		}
		b.Write(line)
		b.WriteByte('\n')
	}
	return []byte(b.String())
}
