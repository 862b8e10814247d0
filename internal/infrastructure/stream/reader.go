package stream

import (
	"bufio"
	"io"
	"strings"
)

// DoneSentinel is the terminal SSE payload.
const DoneSentinel = "[DONE]"

// Scanner walks an event-stream body frame by frame. Lines are accumulated
// until a blank line; `data:` field values are collected and joined,
// comments and other fields are ignored. A dangling frame at EOF is still
// delivered.
type Scanner struct {
	scanner *bufio.Scanner
	data    []string
	payload string
	err     error
	eof     bool
}

// NewScanner wraps an upstream SSE body.
func NewScanner(r io.Reader) *Scanner {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 0, 64*1024), 1024*1024) // 1MB max line
	return &Scanner{scanner: sc}
}

// Scan advances to the next event. It returns false at end of stream or on
// read error; check Err afterwards.
func (s *Scanner) Scan() bool {
	if s.eof {
		return false
	}
	s.data = s.data[:0]

	for s.scanner.Scan() {
		line := strings.TrimRight(s.scanner.Text(), "\r")

		if line == "" {
			if len(s.data) > 0 {
				s.payload = strings.Join(s.data, "\n")
				return true
			}
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue // comment / keep-alive
		}
		if value, ok := strings.CutPrefix(line, "data:"); ok {
			s.data = append(s.data, strings.TrimPrefix(value, " "))
		}
		// Other fields (event:, id:, retry:) are not used by the upstream.
	}

	s.eof = true
	s.err = s.scanner.Err()

	// Connection closed mid-frame: deliver what we have.
	if len(s.data) > 0 {
		s.payload = strings.Join(s.data, "\n")
		return true
	}
	return false
}

// Data returns the current event's payload.
func (s *Scanner) Data() string { return s.payload }

// Err returns the first read error, if any. io.EOF is not an error.
func (s *Scanner) Err() error { return s.err }
