package stream

import (
	"strings"
	"testing"
)

func scanAll(t *testing.T, input string) []string {
	t.Helper()
	sc := NewScanner(strings.NewReader(input))
	var out []string
	for sc.Scan() {
		out = append(out, sc.Data())
	}
	if err := sc.Err(); err != nil {
		t.Fatalf("scan error: %v", err)
	}
	return out
}

func TestScannerBasicFrames(t *testing.T) {
	got := scanAll(t, "data: {\"a\":1}\n\ndata: {\"b\":2}\n\ndata: [DONE]\n\n")
	want := []string{`{"a":1}`, `{"b":2}`, "[DONE]"}
	if len(got) != len(want) {
		t.Fatalf("got %d frames, want %d: %v", len(got), len(want), got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("frame %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestScannerCRLFAndComments(t *testing.T) {
	got := scanAll(t, ": keep-alive\r\n\r\ndata: {\"x\":1}\r\n\r\n")
	if len(got) != 1 || got[0] != `{"x":1}` {
		t.Fatalf("comments must be skipped, CR stripped: %v", got)
	}
}

func TestScannerMultiLineData(t *testing.T) {
	// Two data: lines in one event concatenate with a newline per the SSE spec.
	got := scanAll(t, "data: line1\ndata: line2\n\n")
	if len(got) != 1 || got[0] != "line1\nline2" {
		t.Fatalf("multi-line event wrong: %q", got)
	}
}

func TestScannerDanglingFrameAtEOF(t *testing.T) {
	got := scanAll(t, "data: {\"tail\":true}")
	if len(got) != 1 || got[0] != `{"tail":true}` {
		t.Fatalf("dangling frame must be delivered at EOF: %v", got)
	}
}

func TestScannerNoSpaceAfterColon(t *testing.T) {
	got := scanAll(t, "data:{\"tight\":1}\n\n")
	if len(got) != 1 || got[0] != `{"tight":1}` {
		t.Fatalf("data: without space must parse: %v", got)
	}
}
