package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"
)

// TerminalChannel prints notifications as one line each, or as JSON objects
// when JSON is set.
type TerminalChannel struct {
	mu     sync.Mutex
	out    io.Writer
	color  bool
	asJSON bool
}

// NewTerminalChannel creates a terminal channel writing to out.
func NewTerminalChannel(out io.Writer, colorEnabled, asJSON bool) *TerminalChannel {
	return &TerminalChannel{out: out, color: colorEnabled && !asJSON, asJSON: asJSON}
}

// Name returns the channel name.
func (t *TerminalChannel) Name() string {
	return "terminal"
}

// Send writes n to the terminal.
func (t *TerminalChannel) Send(ctx context.Context, n Notification) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.asJSON {
		return json.NewEncoder(t.out).Encode(n)
	}
	_, err := fmt.Fprintln(t.out, Format(n, t.color))
	return err
}

// Format renders a notification for terminal display.
func Format(n Notification, colorEnabled bool) string {
	var indicator string
	var attr color.Attribute
	switch n.Level {
	case LevelSuccess:
		indicator, attr = "✔", color.FgGreen
	case LevelWarning:
		indicator, attr = "⚠", color.FgYellow
	case LevelAlert:
		indicator, attr = "✖", color.FgRed
	default:
		indicator, attr = "•", color.FgCyan
	}

	c := color.New(attr)
	if colorEnabled {
		c.EnableColor()
	} else {
		c.DisableColor()
	}

	var sb strings.Builder
	sb.WriteString(c.Sprintf("[%s] %s %s", n.Timestamp.Format("15:04:05"), indicator, n.Title))
	if n.Symbol != "" {
		sb.WriteString(" | " + n.Symbol)
	}
	sb.WriteString(" | " + n.Message)
	return sb.String()
}
