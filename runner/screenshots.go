package runner

import (
	"fmt"
	"sync"

	"github.com/veritaslabs/veritas/types"
)

// ScreenshotLedger validates screenshot paths announced by the event
// stream and tracks the byte total. The engine writes the files; the
// runner only trusts paths that stay under the screenshots root.
type ScreenshotLedger struct {
	root string

	mu       sync.Mutex
	entries  map[string]int64
	rejected int
	bytes    int64
}

// NewScreenshotLedger creates a ledger rooted at the screenshots dir. An
// empty root disables validation and records nothing.
func NewScreenshotLedger(root string) *ScreenshotLedger {
	return &ScreenshotLedger{root: root, entries: make(map[string]int64)}
}

// Record validates one screenshot event payload and admits it to the
// ledger. Unsafe or oversized paths are rejected with an error; the caller
// decides whether rejection is fatal (it is not: the event still persists,
// the file is just never served).
func (l *ScreenshotLedger) Record(payload map[string]any) error {
	if l == nil || l.root == "" {
		return nil
	}

	path, _ := payload["path"].(string)
	if err := types.ValidateScreenshotPath(l.root, path); err != nil {
		l.mu.Lock()
		l.rejected++
		l.mu.Unlock()
		return err
	}

	size := intFromPayload(payload["size_bytes"])
	if size > types.ScreenshotMaxBytes {
		l.mu.Lock()
		l.rejected++
		l.mu.Unlock()
		return fmt.Errorf("screenshot %s exceeds %d bytes", path, types.ScreenshotMaxBytes)
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if _, dup := l.entries[path]; !dup {
		l.entries[path] = size
		l.bytes += size
	}
	return nil
}

// LedgerStats summarize what the ledger admitted and refused.
type LedgerStats struct {
	Accepted   int
	Rejected   int
	TotalBytes int64
}

// Stats returns a snapshot of the ledger counters.
func (l *ScreenshotLedger) Stats() LedgerStats {
	if l == nil {
		return LedgerStats{}
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return LedgerStats{Accepted: len(l.entries), Rejected: l.rejected, TotalBytes: l.bytes}
}

// intFromPayload widens the integer shapes msgpack and JSON decoding
// produce into int64.
func intFromPayload(v any) int64 {
	switch n := v.(type) {
	case int64:
		return n
	case int:
		return int64(n)
	case int8:
		return int64(n)
	case int16:
		return int64(n)
	case int32:
		return int64(n)
	case uint:
		return int64(n)
	case uint8:
		return int64(n)
	case uint16:
		return int64(n)
	case uint32:
		return int64(n)
	case uint64:
		return int64(n)
	case float64:
		return int64(n)
	default:
		return 0
	}
}
