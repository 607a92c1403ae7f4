package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jmoiron/sqlx"

	"github.com/veritaslabs/veritas/types"
)

// ErrNotFound is returned by read operations for unknown audit ids.
var ErrNotFound = errors.New("audit not found")

// Audit is one row of the audits table.
type Audit struct {
	AuditID             string          `db:"audit_id"`
	URL                 string          `db:"url"`
	Status              string          `db:"status"`
	Tier                string          `db:"tier"`
	VerdictMode         string          `db:"verdict_mode"`
	EnabledModules      string          `db:"enabled_modules"`
	TrustScore          sql.NullInt64   `db:"trust_score"`
	RiskLevel           sql.NullString  `db:"risk_level"`
	VerdictSummary      sql.NullString  `db:"verdict_summary"`
	SiteType            sql.NullString  `db:"site_type"`
	Degraded            bool            `db:"degraded"`
	IPCMode             string          `db:"ipc_mode"`
	Attempt             int             `db:"attempt"`
	PersistenceDegraded bool            `db:"persistence_degraded"`
	PagesScanned        int             `db:"pages_scanned"`
	ScreenshotsCount    int             `db:"screenshots_count"`
	VLMCallsUsed        int             `db:"vlm_calls_used"`
	ElapsedSeconds      sql.NullFloat64 `db:"elapsed_seconds"`
	ErrorsJSON          sql.NullString  `db:"errors_json"`
	StartedAt           string          `db:"started_at"`
	CompletedAt         sql.NullString  `db:"completed_at"`
}

// Modules splits the stored enabled-modules CSV.
func (a *Audit) Modules() []string {
	if a.EnabledModules == "" {
		return nil
	}
	return strings.Split(a.EnabledModules, ",")
}

// Event is one row of the audit_events table.
type Event struct {
	ID          int64  `db:"id"`
	AuditID     string `db:"audit_id"`
	SequenceNo  int64  `db:"sequence_no"`
	Kind        string `db:"kind"`
	Phase       string `db:"phase"`
	PayloadJSON string `db:"payload_json"`
	Timestamp   string `db:"timestamp"`
}

// FindingRow is one row of the audit_findings table.
type FindingRow struct {
	ID              int64         `db:"id"`
	AuditID         string        `db:"audit_id"`
	PatternType     string        `db:"pattern_type"`
	Category        string        `db:"category"`
	Severity        string        `db:"severity"`
	Confidence      float64       `db:"confidence"`
	Description     string        `db:"description"`
	ScreenshotIndex sql.NullInt64 `db:"screenshot_index"`
	CreatedAt       string        `db:"created_at"`
}

// ScreenshotRow is one row of the audit_screenshots table.
type ScreenshotRow struct {
	ID            int64  `db:"id"`
	AuditID       string `db:"audit_id"`
	FilePath      string `db:"file_path"`
	Label         string `db:"label"`
	IndexNum      int    `db:"index_num"`
	FileSizeBytes int64  `db:"file_size_bytes"`
	MIMEType      string `db:"mime_type"`
	CreatedAt     string `db:"created_at"`
}

// AuditDetail is an audit with its child rows.
type AuditDetail struct {
	Audit       Audit
	Findings    []FindingRow
	Screenshots []ScreenshotRow
	EventCount  int64
}

// Stats aggregates repository-wide counts for the stats command.
type Stats struct {
	Total     int64
	ByStatus  map[string]int64
	ByTier    map[string]int64
	Degraded  int64
	AvgScore  float64
	AvgSecs   float64
	Completed int64
}

// Repository is the durable store of audits and their event streams.
type Repository struct {
	db *sqlx.DB
}

// NewRepository wraps an opened store database.
func NewRepository(db *sqlx.DB) *Repository {
	return &Repository{db: db}
}

// Close closes the underlying database.
func (r *Repository) Close() error { return r.db.Close() }

func nowStamp() string { return time.Now().UTC().Format(time.RFC3339Nano) }

// Create inserts the audits row with status queued. Idempotent: creating
// an audit that already exists is a no-op.
func (r *Repository) Create(ctx context.Context, auditID, rawURL string, tier types.Tier, mode types.VerdictMode, modules []string) error {
	if auditID == "" {
		return errors.New("audit_id must be non-empty")
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audits (audit_id, url, status, tier, verdict_mode, enabled_modules, started_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		auditID, rawURL, string(types.StatusQueued), string(tier), string(mode),
		strings.Join(modules, ","), nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("create audit %s: %w", auditID, err)
	}
	return nil
}

// AppendEvent inserts one progress event. Replayed events with the same
// (audit_id, sequence_no) are absorbed by the unique constraint, which is
// what makes fallback-respawn overlap and runner restarts idempotent.
func (r *Repository) AppendEvent(ctx context.Context, ev *types.ProgressEvent) error {
	payload, err := json.Marshal(ev.Payload)
	if err != nil {
		return fmt.Errorf("encode event payload: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_events (audit_id, sequence_no, kind, phase, payload_json, timestamp)
		VALUES (?, ?, ?, ?, ?, ?)`,
		ev.AuditID, ev.SequenceNo, string(ev.Kind), string(ev.Phase), string(payload), ev.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("append event %s/%d: %w", ev.AuditID, ev.SequenceNo, err)
	}
	return nil
}

// AddFinding inserts one finding row for the audit.
func (r *Repository) AddFinding(ctx context.Context, auditID string, f types.Finding) error {
	var idx sql.NullInt64
	if f.ScreenshotIndex != nil {
		idx = sql.NullInt64{Int64: int64(*f.ScreenshotIndex), Valid: true}
	}
	_, err := r.db.ExecContext(ctx, `
		INSERT INTO audit_findings (audit_id, pattern_type, category, severity, confidence, description, screenshot_index, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		auditID, f.PatternType, f.Category, string(f.Severity), f.Confidence, f.Description, idx, nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("add finding for %s: %w", auditID, err)
	}
	return nil
}

// AddScreenshot inserts one screenshot metadata row. Duplicate paths for
// the same audit are absorbed by the unique constraint.
func (r *Repository) AddScreenshot(ctx context.Context, auditID string, s types.Screenshot) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO audit_screenshots (audit_id, file_path, label, index_num, file_size_bytes, mime_type, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		auditID, s.Path, s.Label, s.Index, s.SizeBytes, s.MIMEType, nowStamp(),
	)
	if err != nil {
		return fmt.Errorf("add screenshot for %s: %w", auditID, err)
	}
	return nil
}

// MarkRunning transitions the audit to running and records the IPC mode
// and spawn attempt actually used.
func (r *Repository) MarkRunning(ctx context.Context, auditID string, mode types.IPCMode, attempt int) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audits SET status = ?, ipc_mode = ?, attempt = ? WHERE audit_id = ?`,
		string(types.StatusRunning), string(mode), attempt, auditID,
	)
	if err != nil {
		return fmt.Errorf("mark running %s: %w", auditID, err)
	}
	return nil
}

// MarkPersistenceDegraded latches the persistence_degraded flag after the
// buffered write policy exhausts its retry window.
func (r *Repository) MarkPersistenceDegraded(ctx context.Context, auditID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE audits SET persistence_degraded = 1 WHERE audit_id = ?`, auditID)
	if err != nil {
		return fmt.Errorf("mark persistence degraded %s: %w", auditID, err)
	}
	return nil
}

// Complete finalizes the audits row from the audit_result summary in one
// transaction: verdict, counters, elapsed, terminal status.
func (r *Repository) Complete(ctx context.Context, auditID string, final types.AuditResultPayload) error {
	errorsJSON, err := json.Marshal(final.Errors)
	if err != nil {
		return fmt.Errorf("encode errors: %w", err)
	}
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return fmt.Errorf("complete %s: begin: %w", auditID, err)
	}
	defer func() { _ = tx.Rollback() }()

	res, err := tx.ExecContext(ctx, `
		UPDATE audits SET
			status = ?, trust_score = ?, risk_level = ?, verdict_summary = ?,
			site_type = ?, degraded = ?, pages_scanned = ?, screenshots_count = ?,
			vlm_calls_used = ?, elapsed_seconds = ?, errors_json = ?, completed_at = ?
		WHERE audit_id = ?`,
		string(final.Status), final.Verdict.TrustScore, string(final.Verdict.RiskLevel),
		final.Verdict.Summary, final.Verdict.SiteType, final.Verdict.Degraded,
		final.PagesScanned, final.ScreenshotCount, final.VLMCallsUsed,
		final.ElapsedSeconds, string(errorsJSON), nowStamp(), auditID,
	)
	if err != nil {
		return fmt.Errorf("complete %s: %w", auditID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("complete %s: %w", auditID, ErrNotFound)
	}
	return tx.Commit()
}

// MarkError sets the terminal error status with the taxonomy kind and
// message recorded in errors_json.
func (r *Repository) MarkError(ctx context.Context, auditID, kind, message string) error {
	rec := []types.ErrorRecord{{Kind: kind, Message: message, Timestamp: nowStamp()}}
	errorsJSON, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encode error record: %w", err)
	}
	_, err = r.db.ExecContext(ctx, `
		UPDATE audits SET status = ?, errors_json = ?, completed_at = ? WHERE audit_id = ?`,
		string(types.StatusError), string(errorsJSON), nowStamp(), auditID,
	)
	if err != nil {
		return fmt.Errorf("mark error %s: %w", auditID, err)
	}
	return nil
}

// Get returns one audit row.
func (r *Repository) Get(ctx context.Context, auditID string) (*Audit, error) {
	var a Audit
	err := r.db.GetContext(ctx, &a, `SELECT * FROM audits WHERE audit_id = ?`, auditID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get audit %s: %w", auditID, err)
	}
	return &a, nil
}

// ListRecent returns audits ordered newest-first.
func (r *Repository) ListRecent(ctx context.Context, limit, offset int) ([]Audit, error) {
	if limit <= 0 {
		limit = 50
	}
	var out []Audit
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM audits ORDER BY started_at DESC, audit_id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, fmt.Errorf("list audits: %w", err)
	}
	return out, nil
}

// GetWithChildren returns the audit with findings, screenshots, and the
// event count.
func (r *Repository) GetWithChildren(ctx context.Context, auditID string) (*AuditDetail, error) {
	a, err := r.Get(ctx, auditID)
	if err != nil {
		return nil, err
	}
	d := &AuditDetail{Audit: *a}
	if err := r.db.SelectContext(ctx, &d.Findings, `
		SELECT * FROM audit_findings WHERE audit_id = ? ORDER BY id`, auditID); err != nil {
		return nil, fmt.Errorf("findings for %s: %w", auditID, err)
	}
	if err := r.db.SelectContext(ctx, &d.Screenshots, `
		SELECT * FROM audit_screenshots WHERE audit_id = ? ORDER BY index_num, id`, auditID); err != nil {
		return nil, fmt.Errorf("screenshots for %s: %w", auditID, err)
	}
	if err := r.db.GetContext(ctx, &d.EventCount, `
		SELECT COUNT(*) FROM audit_events WHERE audit_id = ?`, auditID); err != nil {
		return nil, fmt.Errorf("event count for %s: %w", auditID, err)
	}
	return d, nil
}

// EventsFor returns the audit's events in sequence order.
func (r *Repository) EventsFor(ctx context.Context, auditID string) ([]Event, error) {
	var out []Event
	err := r.db.SelectContext(ctx, &out, `
		SELECT * FROM audit_events WHERE audit_id = ? ORDER BY sequence_no`, auditID)
	if err != nil {
		return nil, fmt.Errorf("events for %s: %w", auditID, err)
	}
	return out, nil
}

// LastSequenceNo returns the highest persisted sequence number for the
// audit, zero when no events exist.
func (r *Repository) LastSequenceNo(ctx context.Context, auditID string) (int64, error) {
	var seq sql.NullInt64
	err := r.db.GetContext(ctx, &seq, `
		SELECT MAX(sequence_no) FROM audit_events WHERE audit_id = ?`, auditID)
	if err != nil {
		return 0, fmt.Errorf("last sequence for %s: %w", auditID, err)
	}
	return seq.Int64, nil
}

// CollectStats aggregates repository-wide counters.
func (r *Repository) CollectStats(ctx context.Context) (*Stats, error) {
	s := &Stats{ByStatus: make(map[string]int64), ByTier: make(map[string]int64)}

	rows, err := r.db.QueryxContext(ctx, `SELECT status, COUNT(*) FROM audits GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("stats by status: %w", err)
	}
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		s.ByStatus[status] = n
		s.Total += n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("stats rows: %w", err)
	}
	_ = rows.Close()

	rows, err = r.db.QueryxContext(ctx, `SELECT tier, COUNT(*) FROM audits GROUP BY tier`)
	if err != nil {
		return nil, fmt.Errorf("stats by tier: %w", err)
	}
	for rows.Next() {
		var tier string
		var n int64
		if err := rows.Scan(&tier, &n); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("stats scan: %w", err)
		}
		s.ByTier[tier] = n
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, fmt.Errorf("stats rows: %w", err)
	}
	_ = rows.Close()

	if err := r.db.GetContext(ctx, &s.Degraded, `
		SELECT COUNT(*) FROM audits WHERE degraded = 1`); err != nil {
		return nil, fmt.Errorf("stats degraded: %w", err)
	}

	var avg struct {
		Score sql.NullFloat64 `db:"avg_score"`
		Secs  sql.NullFloat64 `db:"avg_secs"`
		N     int64           `db:"n"`
	}
	if err := r.db.GetContext(ctx, &avg, `
		SELECT AVG(trust_score) AS avg_score, AVG(elapsed_seconds) AS avg_secs, COUNT(*) AS n
		FROM audits WHERE status = 'completed'`); err != nil {
		return nil, fmt.Errorf("stats averages: %w", err)
	}
	s.AvgScore = avg.Score.Float64
	s.AvgSecs = avg.Secs.Float64
	s.Completed = avg.N

	return s, nil
}
