package ipc

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/veritaslabs/veritas/types"
)

// ProgressPrefix marks progress lines in stdout mode. Consumers must
// ignore lines without it.
const ProgressPrefix = "##PROGRESS:"

// MaxLineSize bounds one stdout-mode line (1 MiB). Coalesced finding
// batches stay far below this.
const MaxLineSize = 1 << 20

// StdoutWriter serializes events as single-line JSON with the progress
// prefix. One event per line; multi-line JSON is forbidden by contract.
type StdoutWriter struct {
	writer io.Writer
}

// NewStdoutWriter creates a stdout-mode event writer.
func NewStdoutWriter(w io.Writer) *StdoutWriter {
	return &StdoutWriter{writer: w}
}

// WriteEvent writes one prefixed JSON line.
func (sw *StdoutWriter) WriteEvent(ev *types.ProgressEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode progress line: %w", err)
	}
	if bytes.ContainsRune(data, '\n') {
		return fmt.Errorf("progress line must not span lines")
	}
	buf := make([]byte, 0, len(ProgressPrefix)+len(data)+1)
	buf = append(buf, ProgressPrefix...)
	buf = append(buf, data...)
	buf = append(buf, '\n')
	if _, err := sw.writer.Write(buf); err != nil {
		return fmt.Errorf("write progress line: %w", err)
	}
	return nil
}

// StdoutScanner parses the engine's stdout line-by-line. Lines without
// the progress prefix are stray prints and are skipped. A prefixed line
// that fails to decode is counted as a gap; the scanner re-synchronizes
// on the next valid line.
type StdoutScanner struct {
	scanner   *bufio.Scanner
	skipped   int
	malformed int
}

// NewStdoutScanner creates a scanner over the engine's stdout.
func NewStdoutScanner(r io.Reader) *StdoutScanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), MaxLineSize)
	return &StdoutScanner{scanner: sc}
}

// Next returns the next decodable progress event. It returns io.EOF when
// the stream ends and the underlying scan error otherwise.
func (s *StdoutScanner) Next() (*types.ProgressEvent, error) {
	for s.scanner.Scan() {
		line := s.scanner.Text()
		rest, ok := strings.CutPrefix(line, ProgressPrefix)
		if !ok {
			s.skipped++
			continue
		}
		var ev types.ProgressEvent
		if err := json.Unmarshal([]byte(rest), &ev); err != nil {
			s.malformed++
			continue
		}
		return &ev, nil
	}
	if err := s.scanner.Err(); err != nil {
		return nil, err
	}
	return nil, io.EOF
}

// Skipped counts non-prefixed lines ignored so far.
func (s *StdoutScanner) Skipped() int { return s.skipped }

// Malformed counts prefixed lines that failed to decode. Each one is a
// recorded gap in the event log.
func (s *StdoutScanner) Malformed() int { return s.malformed }
