package types

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// ScreenshotMaxBytes caps one screenshot file (5 MB).
const ScreenshotMaxBytes = 5 << 20

// ScreenshotMIME is the only screenshot content type produced.
const ScreenshotMIME = "image/png"

// ScreenshotRelPath builds the canonical relative path for a screenshot:
// <audit_id>/<unix_ts>_<index>_<rand8>.png, rooted at the screenshots dir.
func ScreenshotRelPath(auditID string, ts time.Time, index int, token string) string {
	return filepath.Join(auditID, fmt.Sprintf("%d_%d_%s.png", ts.Unix(), index, token))
}

// ValidateScreenshotPath rejects paths that escape the screenshots root.
// path may be absolute or relative to root; the resolved path must stay
// under root and must be a .png.
func ValidateScreenshotPath(root, path string) error {
	if root == "" {
		return fmt.Errorf("screenshots root not configured")
	}
	if path == "" {
		return fmt.Errorf("empty screenshot path")
	}
	absRoot, err := filepath.Abs(root)
	if err != nil {
		return fmt.Errorf("resolve screenshots root: %w", err)
	}
	p := path
	if !filepath.IsAbs(p) {
		p = filepath.Join(absRoot, p)
	}
	p = filepath.Clean(p)
	rel, err := filepath.Rel(absRoot, p)
	if err != nil {
		return fmt.Errorf("resolve screenshot path: %w", err)
	}
	if rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return fmt.Errorf("screenshot path %q escapes screenshots root", path)
	}
	if !strings.EqualFold(filepath.Ext(p), ".png") {
		return fmt.Errorf("screenshot path %q: only .png is allowed", path)
	}
	return nil
}
