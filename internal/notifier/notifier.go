// Package notifier
package notifier

import "go.uber.org/multierr"

// Level is the severity of an operator message.
type Level int

const (
	Info Level = iota
	Success
	Warning
	Error
)

func (l Level) String() string {
	switch l {
	case Success:
		return "SUCCESS"
	case Warning:
		return "WARNING"
	case Error:
		return "ERROR"
	}
	return "INFO"
}

// Notifier interface for sending notifications (e.g., console, Telegram).
type Notifier interface {
	Notify(level Level, msg string) error
	// Alert is for conditions the operator must act on, such as an order that
	// could not be cancelled.
	Alert(msg string) error
}

// Multi fans out to every notifier. All are tried; errors are combined.
type Multi []Notifier

func (m Multi) Notify(level Level, msg string) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Notify(level, msg))
	}
	return err
}

func (m Multi) Alert(msg string) error {
	var err error
	for _, n := range m {
		err = multierr.Append(err, n.Alert(msg))
	}
	return err
}

// Nop discards everything.
type Nop struct{}

func (Nop) Notify(Level, string) error { return nil }
func (Nop) Alert(string) error         { return nil }
