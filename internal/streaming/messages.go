package streaming

import (
	"bufio"
	"context"
	"fmt"
	"io"

	"github.com/ccrelay/ccrelay/internal/decorator"
)

// Telemetry carries the fields a native passthrough pass sniffs off the
// wire without altering them, for the optional telemetry hook point.
type Telemetry struct {
	InputTokens  int
	OutputTokens int
	StopReason   string
}

// ToMessages passes the upstream native SSE stream through to w byte for
// byte, except for the mcp_ tool-name prefix the decorator added on the
// way in, which must come back off before the client sees it (spec.md
// §4.5 "To native Messages"). It sniffs usage and stop_reason out of the
// events it forwards, for callers that want to log or emit telemetry
// without a separate parse of the response body.
func ToMessages(ctx context.Context, r io.Reader, w io.Writer, flush func()) (Telemetry, error) {
	reader := NewReader(bufio.NewScanner(r))
	var tel Telemetry

	for {
		if ctx.Err() != nil {
			return tel, ctx.Err()
		}
		ev, ok := reader.Next()
		if !ok {
			break
		}

		switch ev.Name {
		case "message_start":
			ms := decode[upstreamMessageStart](ev.Data)
			tel.InputTokens = ms.Message.Usage.InputTokens
		case "message_delta":
			md := decode[upstreamMessageDelta](ev.Data)
			if md.Delta.StopReason != "" {
				tel.StopReason = md.Delta.StopReason
			}
			if md.Usage.OutputTokens > 0 {
				tel.OutputTokens = md.Usage.OutputTokens
			}
		}

		data := decorator.StripMCPPrefix(ev.Data)
		if ev.Name != "" {
			if _, err := fmt.Fprintf(w, "event: %s\n", ev.Name); err != nil {
				return tel, err
			}
		}
		if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
			return tel, err
		}
		flush()
	}

	return tel, nil
}
