package types //nolint:revive // types is a valid package name

import (
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestScreenshotRelPath(t *testing.T) {
	ts := time.Unix(1700000000, 0)
	got := ScreenshotRelPath("audit-42", ts, 3, "deadbeef")
	want := filepath.Join("audit-42", "1700000000_3_deadbeef.png")
	if got != want {
		t.Errorf("ScreenshotRelPath() = %q, want %q", got, want)
	}
}

func TestValidateScreenshotPath(t *testing.T) {
	root := t.TempDir()

	tests := []struct {
		name    string
		path    string
		wantErr bool
	}{
		{"relative inside root", "audit-1/1_0_abcd1234.png", false},
		{"absolute inside root", filepath.Join(root, "audit-1", "1_0_abcd1234.png"), false},
		{"traversal dotdot", "../outside/1_0_abcd1234.png", true},
		{"embedded traversal", "audit-1/../../etc/shadow.png", true},
		{"absolute outside root", "/tmp/elsewhere/1_0_abcd1234.png", true},
		{"wrong extension", "audit-1/1_0_abcd1234.jpg", true},
		{"empty", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateScreenshotPath(root, tt.path)
			if (err != nil) != tt.wantErr {
				t.Errorf("ValidateScreenshotPath(%q) error = %v, wantErr %v", tt.path, err, tt.wantErr)
			}
		})
	}
}

func TestValidateScreenshotPath_CleanedStaysInside(t *testing.T) {
	root := t.TempDir()
	// Paths that normalize to something inside the root are fine even
	// when they contain a redundant segment.
	p := "audit-1/sub/../1_0_abcd1234.png"
	if err := ValidateScreenshotPath(root, p); err != nil {
		t.Errorf("ValidateScreenshotPath(%q) error = %v, want nil", p, err)
	}
	if !strings.HasSuffix(filepath.Clean(p), "1_0_abcd1234.png") {
		t.Fatal("test path did not normalize as expected")
	}
}
