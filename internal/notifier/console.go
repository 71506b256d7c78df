package notifier

import (
	"fmt"
	"io"
	"sync"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBlue   = "\033[34m"
	colorBold   = "\033[1m"
)

func levelColor(l Level) string {
	switch l {
	case Success:
		return colorGreen
	case Warning:
		return colorYellow
	case Error:
		return colorRed
	}
	return colorBlue
}

// ConsoleNotifier prints colored operator messages. The writer is shared with
// the LTP display, so every message starts on a fresh line.
type ConsoleNotifier struct {
	mu    sync.Mutex
	out   io.Writer
	color bool
}

func NewConsoleNotifier(out io.Writer, color bool) *ConsoleNotifier {
	return &ConsoleNotifier{out: out, color: color}
}

func (c *ConsoleNotifier) Notify(level Level, msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.color {
		_, err := fmt.Fprintf(c.out, "\n[%s] %s\n", level, msg)
		return err
	}
	_, err := fmt.Fprintf(c.out, "\n%s[%s]%s %s\n", levelColor(level), level, colorReset, msg)
	return err
}

func (c *ConsoleNotifier) Alert(msg string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.color {
		_, err := fmt.Fprintf(c.out, "\n[ALERT] %s\n", msg)
		return err
	}
	_, err := fmt.Fprintf(c.out, "\n%s%s[ALERT]%s %s\n", colorBold, colorRed, colorReset, msg)
	return err
}
