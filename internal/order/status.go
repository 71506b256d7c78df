package order

import "strings"

// Status is the lifecycle state of an order.
type Status string

const (
	StatusPending         Status = "PENDING"
	StatusOpen            Status = "OPEN"
	StatusPartiallyFilled Status = "PARTIALLY_FILLED"
	StatusFilled          Status = "FILLED"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

// Rank places a status in the forward-only order
// PENDING < OPEN < PARTIALLY_FILLED < {FILLED, REJECTED, CANCELLED}.
// Unknown statuses rank below PENDING.
func (s Status) Rank() int {
	switch s {
	case StatusPending:
		return 1
	case StatusOpen:
		return 2
	case StatusPartiallyFilled:
		return 3
	case StatusFilled, StatusRejected, StatusCancelled:
		return 4
	}
	return 0
}

func (s Status) Terminal() bool { return s.Rank() == 4 }

func (s Status) Valid() bool { return s.Rank() > 0 }

// ParseBrokerStatus maps the status vocabulary used by brokers onto Status.
func ParseBrokerStatus(raw string) (Status, bool) {
	switch strings.ToUpper(strings.TrimSpace(raw)) {
	case "PENDING", "PUT ORDER REQ RECEIVED", "VALIDATION PENDING":
		return StatusPending, true
	case "OPEN", "NEW", "TRIGGER_PENDING", "TRIGGER PENDING":
		return StatusOpen, true
	case "PARTIALLY_FILLED", "PARTIAL", "PARTIALLY FILLED":
		return StatusPartiallyFilled, true
	case "FILLED", "COMPLETE", "EXECUTED", "TRADED":
		return StatusFilled, true
	case "REJECTED":
		return StatusRejected, true
	case "CANCELLED", "CANCELED", "EXPIRED":
		return StatusCancelled, true
	}
	return "", false
}
