package reader

import (
	"database/sql"
	"encoding/json"

	"github.com/veritaslabs/veritas/types"
)

func nullIntPtr(v sql.NullInt64) *int {
	if !v.Valid {
		return nil
	}
	n := int(v.Int64)
	return &n
}

func nullFloatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nullStrPtr(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

// parseErrors decodes the errors_json column. A malformed column yields a
// single synthetic entry instead of hiding the audit's failure record.
func parseErrors(v sql.NullString) []ErrorView {
	if !v.Valid || v.String == "" || v.String == "null" {
		return nil
	}
	var records []types.ErrorRecord
	if err := json.Unmarshal([]byte(v.String), &records); err != nil {
		return []ErrorView{{Kind: "malformed_error_record", Message: v.String}}
	}
	out := make([]ErrorView, 0, len(records))
	for _, rec := range records {
		out = append(out, ErrorView{
			Kind:      rec.Kind,
			Phase:     string(rec.Phase),
			Message:   rec.Message,
			Timestamp: rec.Timestamp,
		})
	}
	return out
}
