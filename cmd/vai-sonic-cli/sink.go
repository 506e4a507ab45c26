package main

import (
	"fmt"
	"io"
	"strings"
	"sync"

	"github.com/fatih/color"

	"github.com/vango-go/vai-sonic/pkg/gateway/live/protocol"
)

var (
	userColor      = color.New(color.FgCyan, color.Bold)
	assistantColor = color.New(color.FgGreen)
	toolColor      = color.New(color.FgMagenta)
	warnColor      = color.New(color.FgYellow, color.Bold)
	errorColor     = color.New(color.FgRed, color.Bold)
	dimColor       = color.New(color.Faint)
)

// terminalSink prints the conversation. Speculative assistant text is
// skipped unless requested; the final pass carries the same words.
type terminalSink struct {
	mu          sync.Mutex
	out         io.Writer
	speculative bool
	ended       chan struct{}
	endOnce     sync.Once
}

func newTerminalSink(out io.Writer, speculative bool) *terminalSink {
	return &terminalSink{out: out, speculative: speculative, ended: make(chan struct{})}
}

func (k *terminalSink) Transcript(role, text, stage string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	k.mu.Lock()
	defer k.mu.Unlock()
	switch strings.ToUpper(role) {
	case protocol.RoleUser:
		userColor.Fprintf(k.out, "you: ")
		fmt.Fprintln(k.out, text)
	case protocol.RoleAssistant:
		if stage == protocol.StageSpeculative && !k.speculative {
			return
		}
		assistantColor.Fprintf(k.out, "sonic: ")
		fmt.Fprintln(k.out, text)
	default:
		dimColor.Fprintf(k.out, "%s: %s\n", strings.ToLower(role), text)
	}
}

func (k *terminalSink) TurnEnd(role string) {}

func (k *terminalSink) BargeIn() {
	k.mu.Lock()
	defer k.mu.Unlock()
	dimColor.Fprintln(k.out, "(interrupted)")
}

func (k *terminalSink) ToolUse(toolName, toolUseID, status string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	toolColor.Fprintf(k.out, "[tool] %s %s\n", toolName, status)
}

func (k *terminalSink) Custom(ev protocol.CustomEvent) error {
	k.mu.Lock()
	defer k.mu.Unlock()
	if n, ok := ev.Payload.(protocol.ToolCompletionNotification); ok {
		toolColor.Fprintf(k.out, "[tool] %s finished: %s\n", n.ToolName, n.Status)
		return nil
	}
	dimColor.Fprintf(k.out, "[event] %s\n", ev.Name)
	return nil
}

func (k *terminalSink) Warning(code, message string) {
	k.mu.Lock()
	defer k.mu.Unlock()
	warnColor.Fprintf(k.out, "warning: %s\n", message)
}

func (k *terminalSink) Ended(fatal bool, message string) {
	k.mu.Lock()
	if fatal {
		errorColor.Fprintf(k.out, "session failed: %s\n", message)
	} else if message != "" {
		dimColor.Fprintln(k.out, message)
	}
	k.mu.Unlock()
	k.endOnce.Do(func() { close(k.ended) })
}

// Done is closed once the session has ended.
func (k *terminalSink) Done() <-chan struct{} { return k.ended }
