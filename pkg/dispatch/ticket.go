package dispatch

import (
	"time"

	"github.com/google/uuid"
)

// State is where a ticket is in its lifecycle.
type State int

const (
	StatePending State = iota
	StateDispatched
	StateRetrying
	StateSucceeded
	StateFailed
)

func (s State) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatched:
		return "dispatched"
	case StateRetrying:
		return "retrying"
	case StateSucceeded:
		return "succeeded"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// Ticket tracks one dispatched request across its attempts. Tickets live only
// as long as the request.
type Ticket struct {
	ID          string
	Fingerprint string
	SessionID   string
	Attempt     int
	Deadline    time.Time
	State       State
}

func newTicket(fp string, deadline time.Time) *Ticket {
	return &Ticket{
		ID:          uuid.NewString(),
		Fingerprint: fp,
		Deadline:    deadline,
		State:       StatePending,
	}
}
