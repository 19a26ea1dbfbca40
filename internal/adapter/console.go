package adapter

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"charm.land/lipgloss/v2"
)

var (
	consoleHeader = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("6"))
	consoleBody   = lipgloss.NewStyle().Foreground(lipgloss.Color("2"))
)

// ConsoleSender prints messages to a terminal, for running the daemon locally.
type ConsoleSender struct {
	mu  sync.Mutex
	out io.Writer
}

func NewConsoleSender(out io.Writer) *ConsoleSender {
	if out == nil {
		out = os.Stdout
	}
	return &ConsoleSender{out: out}
}

func (a *ConsoleSender) Name() string {
	return "console"
}

func (a *ConsoleSender) Send(ctx context.Context, conversationID string, text string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	header := consoleHeader.Render(fmt.Sprintf("[%s] %s", time.Now().Format(time.TimeOnly), conversationID))
	_, err := fmt.Fprintln(a.out, header+"\n"+consoleBody.Render(text))
	return err
}

func (a *ConsoleSender) Health(ctx context.Context) error {
	return nil
}
