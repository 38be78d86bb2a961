// Package injector implements the Injector (C6): rendering a planned
// delivery with its provenance wrapper and writing it to the target
// session's PTY input.
package injector

import (
	"fmt"
	"strings"
)

const (
	envelopeOpen  = "<system-reminder>"
	envelopeClose = "</system-reminder>"
)

// HintMCPReply is appended when the target agent advertises the
// {mcp_reply} capability.
const HintMCPReply = "Reply using the in-band RELAY protocol to acknowledge receipt."

// Writer is the minimal surface the injector needs from a target PTY
// session. ptysession.Session satisfies it.
type Writer interface {
	Write(data []byte) (int, error)
}

// Render builds the provenance-wrapped payload for a message delivery.
// Double-wrapping is forbidden: if body already begins with the envelope
// open tag, it is passed through unchanged.
func Render(sender, deliveryID, channel, body string, mcpReply bool) string {
	if strings.HasPrefix(strings.TrimSpace(body), envelopeOpen) {
		return body
	}

	var header strings.Builder
	header.WriteString("Relay message from ")
	header.WriteString(sender)
	header.WriteString(" [")
	header.WriteString(deliveryID)
	header.WriteString("]")
	if channel != "" {
		header.WriteString(" [#")
		header.WriteString(channel)
		header.WriteString("]")
	}
	header.WriteString(": ")
	header.WriteString(body)

	var out strings.Builder
	out.WriteString(envelopeOpen)
	out.WriteString("\n")
	out.WriteString(header.String())
	if mcpReply {
		out.WriteString("\n")
		out.WriteString(HintMCPReply)
	}
	out.WriteString("\n")
	out.WriteString(envelopeClose)
	out.WriteString("\n") // nudge the agent's input loop

	return out.String()
}

// Result reports the outcome of an injection attempt.
type Result struct {
	Injected bool
	Reason   string // set only when Injected is false
}

// Inject renders and writes the payload to w. It is cancel-safe: if
// cancelled is closed before the write begins, it returns a result with
// Reason "cancelled" without touching the session.
func Inject(w Writer, sender, deliveryID, channel, body string, mcpReply bool, cancelled <-chan struct{}) Result {
	select {
	case <-cancelled:
		return Result{Injected: false, Reason: "cancelled"}
	default:
	}

	payload := Render(sender, deliveryID, channel, body, mcpReply)
	if _, err := w.Write([]byte(payload)); err != nil {
		return Result{Injected: false, Reason: fmt.Sprintf("write: %v", err)}
	}
	return Result{Injected: true}
}
