package approval

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// State is the lifecycle state of an approval ticket
type State string

const (
	StateWaiting   State = "waiting"
	StateActive    State = "active"
	StateApproved  State = "approved"
	StateDenied    State = "denied"
	StateExpired   State = "expired"
	StateCancelled State = "cancelled"
)

// IsTerminal reports whether no further transition is possible from s
func (s State) IsTerminal() bool {
	switch s {
	case StateApproved, StateDenied, StateExpired, StateCancelled:
		return true
	}
	return false
}

// TicketKey identifies the request a ticket gates
type TicketKey struct {
	SessionID string
	RequestID string
	// StringID is set when the JSON-RPC id was a string, so 1 and "1" differ.
	StringID bool
}

// Ticket is the approval slot of one hitl-gated request. A ticket is created
// by Queue.Enqueue and never reused.
type Ticket struct {
	ID        uuid.UUID
	Key       TicketKey
	CreatedAt time.Time
	TimeoutAt time.Time

	q     *Queue
	done  chan struct{}
	timer *time.Timer

	// guarded by q.mu
	state    State
	position int // 1 is active, 0 once removed from the queue
	notified bool
}

// Done is closed when the ticket reaches a terminal state
func (t *Ticket) Done() <-chan struct{} {
	return t.done
}

// State returns the current state of the ticket
func (t *Ticket) State() State {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.state
}

// Position returns the 1-based queue position, or 0 once the ticket left the queue
func (t *Ticket) Position() int {
	t.q.mu.Lock()
	defer t.q.mu.Unlock()
	return t.position
}

// Wait blocks until the ticket is resolved or ctx ends. When ctx ends first
// the ticket is cancelled. The returned state is always terminal.
func (t *Ticket) Wait(ctx context.Context) State {
	select {
	case <-t.done:
		return t.State()
	case <-ctx.Done():
	}

	// A resolution may race the cancellation; whichever wins the lock is final.
	_ = t.q.Cancel(t.Key)
	<-t.done
	return t.State()
}

// Info is a point-in-time view of a queued ticket
type Info struct {
	ID        uuid.UUID `json:"id"`
	SessionID string    `json:"session_id"`
	RequestID string    `json:"request_id"`
	StringID  bool      `json:"string_id,omitempty"`
	State     State     `json:"state"`
	Position  int       `json:"queue_position"`
	CreatedAt time.Time `json:"created_at"`
	TimeoutAt time.Time `json:"timeout_at"`
}

func (t *Ticket) infoLocked() Info {
	return Info{
		ID:        t.ID,
		SessionID: t.Key.SessionID,
		RequestID: t.Key.RequestID,
		StringID:  t.Key.StringID,
		State:     t.state,
		Position:  t.position,
		CreatedAt: t.CreatedAt,
		TimeoutAt: t.TimeoutAt,
	}
}
