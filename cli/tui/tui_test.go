package tui

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/veritaslabs/veritas/cli/reader"
)

func TestIsTUISupported(t *testing.T) {
	assert.True(t, IsTUISupported("inspect_audit"))
	assert.True(t, IsTUISupported("stats_audits"))
	assert.False(t, IsTUISupported("list_audits"))
	assert.False(t, IsTUISupported("version"))
	assert.False(t, IsTUISupported(""))
}

func TestRun_RejectsUnsupportedView(t *testing.T) {
	err := Run("list_audits", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not supported")
}

func TestInspectView(t *testing.T) {
	detail, err := reader.NewStubReader().InspectAudit(context.Background(), "aud-tui-1")
	require.NoError(t, err)

	out := RenderInspectStatic("inspect_audit", detail)
	assert.Contains(t, out, "Audit Details")
	assert.Contains(t, out, "aud-tui-1")
	assert.Contains(t, out, "82 / 100")
	assert.Contains(t, out, "missing_hsts")
	assert.Contains(t, out, "quit")
}

func TestInspectView_WrongDataType(t *testing.T) {
	out := RenderInspectStatic("inspect_audit", "bogus")
	assert.Contains(t, out, "Invalid data type")
}

func TestStatsView(t *testing.T) {
	stats, err := reader.NewStubReader().Stats(context.Background())
	require.NoError(t, err)

	out := RenderStatsStatic("stats_audits", stats)
	assert.Contains(t, out, "Audit Statistics")
	assert.Contains(t, out, "42")
	assert.Contains(t, out, "By Tier")
	assert.Contains(t, out, "standard_audit")
	assert.Contains(t, out, "71.4")
}

func TestStatsView_UnknownViewType(t *testing.T) {
	out := RenderStatsStatic("stats_bogus", nil)
	assert.Contains(t, out, "Unknown view type")
}
