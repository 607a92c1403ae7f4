package reader

import (
	"context"

	"github.com/veritaslabs/veritas/store"
)

// Reader abstracts read-only access for CLI commands. All methods are
// read-only; nothing here mutates the repository.
type Reader interface {
	ListAudits(ctx context.Context, opts ListOptions) ([]AuditItem, error)
	InspectAudit(ctx context.Context, auditID string) (*AuditDetail, error)
	Events(ctx context.Context, auditID string) ([]EventItem, error)
	Stats(ctx context.Context) (*StatsView, error)
}

// StoreReader reads through the SQLite repository.
type StoreReader struct {
	repo *store.Repository
}

// NewStoreReader wraps a repository.
func NewStoreReader(repo *store.Repository) *StoreReader {
	return &StoreReader{repo: repo}
}

// ListAudits returns recent audits, newest first. A status filter is
// applied after the page read; the repository keeps one query shape.
func (r *StoreReader) ListAudits(ctx context.Context, opts ListOptions) ([]AuditItem, error) {
	rows, err := r.repo.ListRecent(ctx, opts.Limit, opts.Offset)
	if err != nil {
		return nil, err
	}

	items := make([]AuditItem, 0, len(rows))
	for i := range rows {
		row := &rows[i]
		if opts.Status != "" && row.Status != opts.Status {
			continue
		}
		items = append(items, AuditItem{
			AuditID:    row.AuditID,
			URL:        row.URL,
			Status:     row.Status,
			Tier:       row.Tier,
			TrustScore: nullIntPtr(row.TrustScore),
			RiskLevel:  row.RiskLevel.String,
			Degraded:   row.Degraded,
			StartedAt:  row.StartedAt,
		})
	}
	return items, nil
}

// InspectAudit returns the deep view of one audit.
func (r *StoreReader) InspectAudit(ctx context.Context, auditID string) (*AuditDetail, error) {
	detail, err := r.repo.GetWithChildren(ctx, auditID)
	if err != nil {
		return nil, err
	}

	row := &detail.Audit
	out := &AuditDetail{
		AuditID:             row.AuditID,
		URL:                 row.URL,
		Status:              row.Status,
		Tier:                row.Tier,
		VerdictMode:         row.VerdictMode,
		Modules:             row.Modules(),
		TrustScore:          nullIntPtr(row.TrustScore),
		RiskLevel:           row.RiskLevel.String,
		Summary:             row.VerdictSummary.String,
		SiteType:            row.SiteType.String,
		Degraded:            row.Degraded,
		PersistenceDegraded: row.PersistenceDegraded,
		IPCMode:             row.IPCMode,
		Attempt:             row.Attempt,
		PagesScanned:        row.PagesScanned,
		ScreenshotsTaken:    row.ScreenshotsCount,
		VLMCallsUsed:        row.VLMCallsUsed,
		ElapsedSeconds:      nullFloatPtr(row.ElapsedSeconds),
		Errors:              parseErrors(row.ErrorsJSON),
		StartedAt:           row.StartedAt,
		CompletedAt:         nullStrPtr(row.CompletedAt),
		EventCount:          detail.EventCount,
		Findings:            make([]FindingView, 0, len(detail.Findings)),
		Screenshots:         make([]ScreenshotView, 0, len(detail.Screenshots)),
	}

	for _, f := range detail.Findings {
		fv := FindingView{
			PatternType: f.PatternType,
			Category:    f.Category,
			Severity:    f.Severity,
			Confidence:  f.Confidence,
			Description: f.Description,
		}
		if f.ScreenshotIndex.Valid {
			idx := int(f.ScreenshotIndex.Int64)
			fv.ScreenshotIndex = &idx
		}
		out.Findings = append(out.Findings, fv)
	}
	for _, s := range detail.Screenshots {
		out.Screenshots = append(out.Screenshots, ScreenshotView{
			Path:      s.FilePath,
			Label:     s.Label,
			Index:     s.IndexNum,
			SizeBytes: s.FileSizeBytes,
			MIMEType:  s.MIMEType,
		})
	}
	return out, nil
}

// Events returns the audit's event log in sequence order. Payloads are
// omitted; the API serves them for callers that need the full record.
func (r *StoreReader) Events(ctx context.Context, auditID string) ([]EventItem, error) {
	rows, err := r.repo.EventsFor(ctx, auditID)
	if err != nil {
		return nil, err
	}
	items := make([]EventItem, 0, len(rows))
	for _, ev := range rows {
		items = append(items, EventItem{
			SequenceNo: ev.SequenceNo,
			Kind:       ev.Kind,
			Phase:      ev.Phase,
			Timestamp:  ev.Timestamp,
		})
	}
	return items, nil
}

// Stats returns repository-wide aggregates.
func (r *StoreReader) Stats(ctx context.Context) (*StatsView, error) {
	st, err := r.repo.CollectStats(ctx)
	if err != nil {
		return nil, err
	}
	return &StatsView{
		Total:             st.Total,
		ByStatus:          st.ByStatus,
		ByTier:            st.ByTier,
		Completed:         st.Completed,
		Degraded:          st.Degraded,
		AvgTrustScore:     st.AvgScore,
		AvgElapsedSeconds: st.AvgSecs,
	}, nil
}

var _ Reader = (*StoreReader)(nil)
