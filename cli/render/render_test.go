package render

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/veritas/cli/reader"
)

func sampleItems() []reader.AuditItem {
	score := 82
	return []reader.AuditItem{
		{AuditID: "aud-1", URL: "https://example.com", Status: "completed", Tier: "standard_audit", TrustScore: &score, RiskLevel: "low", StartedAt: "2026-08-01T10:00:00Z"},
		{AuditID: "aud-2", URL: "https://two.example.com", Status: "running", Tier: "quick_scan", StartedAt: "2026-08-01T10:05:00Z"},
	}
}

func TestParseFormat(t *testing.T) {
	cases := []struct {
		in      string
		want    Format
		wantErr bool
	}{
		{"json", FormatJSON, false},
		{"JSON", FormatJSON, false},
		{"table", FormatTable, false},
		{"yaml", FormatYAML, false},
		{"", "", false},
		{"xml", "", true},
	}
	for _, tc := range cases {
		got, err := ParseFormat(tc.in)
		if tc.wantErr {
			assert.Error(t, err, tc.in)
			continue
		}
		require.NoError(t, err, tc.in)
		assert.Equal(t, tc.want, got, tc.in)
	}
}

func TestRenderJSON(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatJSON, false, &buf)
	require.NoError(t, r.Render(sampleItems()))

	var decoded []map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &decoded))
	require.Len(t, decoded, 2)
	assert.Equal(t, "aud-1", decoded[0]["audit_id"])
	assert.Equal(t, float64(82), decoded[0]["trust_score"])
	assert.Nil(t, decoded[1]["trust_score"])
}

func TestRenderTable(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	require.NoError(t, r.Render(sampleItems()))

	out := buf.String()
	assert.Contains(t, out, "audit_id")
	assert.Contains(t, out, "aud-1")
	assert.Contains(t, out, "completed")
	// Nil pointer renders as blank, not "<nil>".
	assert.NotContains(t, out, "<nil>")
}

func TestRenderTable_Empty(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	require.NoError(t, r.Render([]reader.AuditItem{}))
	assert.Contains(t, buf.String(), "(no results)")
}

func TestRenderTable_Struct(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatTable, true, &buf)
	stats := &reader.StatsView{
		Total:     3,
		ByStatus:  map[string]int64{"completed": 2, "queued": 1},
		Completed: 2,
	}
	require.NoError(t, r.Render(stats))

	out := buf.String()
	assert.Contains(t, out, "total:")
	assert.Contains(t, out, "3")
	assert.Contains(t, out, "{2 keys}")
}

func TestRenderYAML(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(FormatYAML, false, &buf)
	require.NoError(t, r.Render(sampleItems()))

	out := buf.String()
	assert.True(t, strings.Contains(out, "auditid:") || strings.Contains(out, "audit_id:"))
	assert.Contains(t, out, "aud-1")
}

func TestRenderUnknownFormat(t *testing.T) {
	var buf bytes.Buffer
	r := NewRendererWithWriter(Format("csv"), false, &buf)
	assert.Error(t, r.Render(sampleItems()))
}
