package tui

import (
	"fmt"
	"strings"
)

// Run starts the TUI for the given view type.
func Run(viewType string, data any) error {
	if !IsTUISupported(viewType) {
		return fmt.Errorf("TUI mode is not supported for %s", viewType)
	}

	if strings.HasPrefix(viewType, "inspect_") {
		return RunInspectTUI(viewType, data)
	}
	if strings.HasPrefix(viewType, "stats_") {
		return RunStatsTUI(viewType, data)
	}

	return fmt.Errorf("unknown view type: %s", viewType)
}

// IsTUISupported reports whether the view type has a TUI. Only inspect and
// stats views do; list and mutation commands stay plain.
func IsTUISupported(viewType string) bool {
	for _, prefix := range []string{"inspect_", "stats_"} {
		if strings.HasPrefix(viewType, prefix) {
			return true
		}
	}
	return false
}

// SupportedTUIViews lists the view types with a TUI.
func SupportedTUIViews() []string {
	return []string{
		"inspect_audit",
		"stats_audits",
	}
}
