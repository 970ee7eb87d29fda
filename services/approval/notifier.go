package approval

import (
	"time"

	"github.com/google/uuid"
)

// Notification reports a change of a ticket's position or state
type Notification struct {
	TicketID  uuid.UUID
	SessionID string
	RequestID string
	Position  int // 0 once the ticket left the queue
	Deadline  time.Time
	State     State

	// NewlyActive is set exactly once per ticket, when it moves into position 1.
	NewlyActive bool
}

// Notifier receives queue notifications in mutation order. Notify runs
// outside the queue lock and may call back into the queue, except Close.
type Notifier interface {
	Notify(n Notification)
}

// NotifierFunc adapts a function to the Notifier interface
type NotifierFunc func(n Notification)

// Notify calls f(n)
func (f NotifierFunc) Notify(n Notification) {
	f(n)
}

func (t *Ticket) notificationLocked(newlyActive bool) Notification {
	return Notification{
		TicketID:    t.ID,
		SessionID:   t.Key.SessionID,
		RequestID:   t.Key.RequestID,
		Position:    t.position,
		Deadline:    t.TimeoutAt,
		State:       t.state,
		NewlyActive: newlyActive,
	}
}
