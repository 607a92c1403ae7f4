package ipc

import (
	"bytes"
	"testing"

	"github.com/veritaslabs/veritas/types"
)

func BenchmarkFrameRoundTrip(b *testing.B) {
	ev := testEvent(1, types.EventPhaseProgress)
	ev.Payload = map[string]any{
		"message": "scanning page 3 of 5",
		"findings": []map[string]any{
			{"severity": "medium", "category": "tls_config", "title": "weak cipher suite"},
		},
	}

	b.ReportAllocs()
	for i := 0; i < b.N; i++ {
		var buf bytes.Buffer
		if err := NewFrameEncoder(&buf).WriteFrame(ev); err != nil {
			b.Fatal(err)
		}
		payload, err := NewFrameDecoder(&buf).ReadFrame()
		if err != nil {
			b.Fatal(err)
		}
		if _, err := DecodeProgressEvent(payload); err != nil {
			b.Fatal(err)
		}
	}
}

func BenchmarkStdoutScanner(b *testing.B) {
	var src bytes.Buffer
	writer := NewStdoutWriter(&src)
	for seq := int64(1); seq <= 64; seq++ {
		if err := writer.WriteEvent(testEvent(seq, types.EventPhaseProgress)); err != nil {
			b.Fatal(err)
		}
	}
	stream := src.Bytes()

	b.ReportAllocs()
	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		scanner := NewStdoutScanner(bytes.NewReader(stream))
		for {
			if _, err := scanner.Next(); err != nil {
				break
			}
		}
	}
}
