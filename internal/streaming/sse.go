// Package streaming implements the Streaming Rewriter (C5): it consumes
// the upstream's native Messages SSE event stream and re-emits it in
// whichever of the three outbound vocabularies the client asked for,
// preserving tool-call atomicity and event ordering (spec.md §4.5).
//
// Each response gets its own rewriter instance; the state it threads
// between the text-delta, tool-start, tool-delta, and finish handlers is
// explicit struct fields rather than a chain of callbacks, matching the
// design note in spec.md §9 that this is simplest as a state machine.
package streaming

import (
	"bufio"
	"strings"
)

// Event is one parsed upstream SSE event: an optional event name plus
// its (already-joined) data payload.
type Event struct {
	Name string
	Data []byte
}

// Reader parses the upstream's `event: <name>\ndata: <json>\n\n` framing
// off of a line-buffered scanner. Stream-safe UTF-8 decoding across
// chunk boundaries falls out for free here because bufio.Scanner only
// ever hands back complete lines; a partial multi-byte rune at a network
// read boundary is held back by the scanner until the rest arrives.
type Reader struct {
	scanner *bufio.Scanner
}

func NewReader(s *bufio.Scanner) *Reader {
	s.Buffer(make([]byte, 0, 256*1024), 1024*1024)
	return &Reader{scanner: s}
}

// Next returns the next complete event, or ok=false at end of stream.
func (r *Reader) Next() (Event, bool) {
	var ev Event
	var data strings.Builder
	sawAny := false

	for r.scanner.Scan() {
		line := r.scanner.Text()
		if line == "" {
			if sawAny {
				ev.Data = []byte(data.String())
				return ev, true
			}
			continue
		}
		sawAny = true
		switch {
		case strings.HasPrefix(line, "event:"):
			ev.Name = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			if data.Len() > 0 {
				data.WriteByte('\n')
			}
			data.WriteString(strings.TrimSpace(strings.TrimPrefix(line, "data:")))
		}
	}

	if sawAny {
		ev.Data = []byte(data.String())
		return ev, true
	}
	return Event{}, false
}
