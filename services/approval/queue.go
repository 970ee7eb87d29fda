package approval

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/upb/mcp-acp/services"
	"go.uber.org/zap"
)

// Queue coordinates human approval of hitl-gated requests. Tickets are
// activated strictly in enqueue order and only the head of the queue (position
// 1) can be resolved. Every mutation, including timer expiry, runs under mu.
type Queue struct {
	mu     sync.Mutex
	order  []*Ticket
	byKey  map[TicketKey]*Ticket
	byID   map[uuid.UUID]*Ticket
	closed bool

	notifier Notifier
	pending  []Notification // guarded by mu, drained by the dispatcher
	wake     chan struct{}
	stop     chan struct{}
	stopped  chan struct{}

	now    func() time.Time
	logger *zap.Logger
}

// Option configures a Queue
type Option func(*Queue)

// WithNotifier delivers position and state changes to n
func WithNotifier(n Notifier) Option {
	return func(q *Queue) {
		q.notifier = n
	}
}

// WithClock overrides the clock used for ticket timestamps
func WithClock(now func() time.Time) Option {
	return func(q *Queue) {
		q.now = now
	}
}

// NewQueue creates an empty queue. When a notifier is configured a dispatcher
// goroutine runs until Close.
func NewQueue(logger *zap.Logger, opts ...Option) *Queue {
	q := &Queue{
		byKey:   make(map[TicketKey]*Ticket),
		byID:    make(map[uuid.UUID]*Ticket),
		wake:    make(chan struct{}, 1),
		stop:    make(chan struct{}),
		stopped: make(chan struct{}),
		now:     time.Now,
		logger:  logger,
	}
	for _, opt := range opts {
		opt(q)
	}

	if q.notifier != nil {
		go q.dispatch()
	} else {
		close(q.stopped)
	}
	return q
}

// Enqueue adds a ticket for key at the tail of the queue. A ticket entering an
// empty queue becomes active immediately. A non-positive timeout expires the
// ticket as soon as its timer fires.
func (q *Queue) Enqueue(key TicketKey, timeout time.Duration) (*Ticket, error) {
	if timeout < 0 {
		timeout = 0
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return nil, services.ErrQueueClosed
	}
	if _, exists := q.byKey[key]; exists {
		return nil, contractError(services.ErrDuplicateTicket, key)
	}

	now := q.now().UTC()
	t := &Ticket{
		ID:        uuid.New(),
		Key:       key,
		CreatedAt: now,
		TimeoutAt: now.Add(timeout),
		q:         q,
		done:      make(chan struct{}),
		state:     StateWaiting,
	}
	q.order = append(q.order, t)
	q.byKey[key] = t
	q.byID[t.ID] = t
	t.position = len(q.order)

	if t.position == 1 {
		q.activateLocked(t)
	} else {
		q.notifyLocked(t, false)
	}

	t.timer = time.AfterFunc(timeout, func() { q.expire(t) })

	q.logger.Debug("approval ticket enqueued",
		zap.String("ticket_id", t.ID.String()),
		zap.String("session_id", key.SessionID),
		zap.String("request_id", key.RequestID),
		zap.Int("position", t.position),
		zap.Time("timeout_at", t.TimeoutAt))
	return t, nil
}

// Resolve applies a human decision to the active ticket for key. Resolving a
// ticket that is not active, or is unknown, is a contract violation.
func (q *Queue) Resolve(key TicketKey, outcome State) error {
	if err := checkOutcome(outcome); err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byKey[key]
	if !ok {
		return contractError(services.ErrTicketNotFound, key)
	}
	return q.resolveLocked(t, outcome)
}

// ResolveID applies a human decision to the ticket with the given id and
// returns its key. The lookup and the decision happen under one lock, so a
// decision never lands on a later ticket that reuses the same key.
func (q *Queue) ResolveID(id uuid.UUID, outcome State) (TicketKey, error) {
	if err := checkOutcome(outcome); err != nil {
		return TicketKey{}, err
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byID[id]
	if !ok {
		return TicketKey{}, services.NewDomainError(services.ErrorTypeNotFound, services.ErrApprovalNotFound.Message, nil).
			WithDetail("ticket_id", id.String())
	}
	return t.Key, q.resolveLocked(t, outcome)
}

func checkOutcome(outcome State) error {
	if outcome != StateApproved && outcome != StateDenied {
		return services.NewDomainError(services.ErrorTypeQueueContract, services.ErrInvalidOutcome.Message, nil).
			WithDetail("outcome", string(outcome))
	}
	return nil
}

// resolveLocked applies outcome to t (must be called with lock held)
func (q *Queue) resolveLocked(t *Ticket, outcome State) error {
	if t.state != StateActive {
		return contractError(services.ErrTicketNotActive, t.Key).WithDetail("position", t.position)
	}

	q.removeLocked(t, outcome)
	q.logger.Info("approval ticket resolved",
		zap.String("ticket_id", t.ID.String()),
		zap.String("session_id", t.Key.SessionID),
		zap.String("request_id", t.Key.RequestID),
		zap.String("outcome", string(outcome)))
	return nil
}

// Cancel removes the pending ticket for key
func (q *Queue) Cancel(key TicketKey) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	t, ok := q.byKey[key]
	if !ok {
		return contractError(services.ErrTicketNotFound, key)
	}
	q.removeLocked(t, StateCancelled)
	return nil
}

// CancelSession cancels every pending ticket of a session and returns how many were cancelled
func (q *Queue) CancelSession(sessionID string) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var victims []*Ticket
	for _, t := range q.order {
		if t.Key.SessionID == sessionID {
			victims = append(victims, t)
		}
	}
	for _, t := range victims {
		q.removeLocked(t, StateCancelled)
	}

	if len(victims) > 0 {
		q.logger.Info("approval tickets cancelled for session",
			zap.String("session_id", sessionID),
			zap.Int("count", len(victims)))
	}
	return len(victims)
}

// Sweep expires every ticket whose deadline is at or before now and returns
// how many expired. Timers normally expire tickets on their own; Sweep bounds
// the delay when timers lag.
func (q *Queue) Sweep(now time.Time) int {
	q.mu.Lock()
	defer q.mu.Unlock()

	var expired []*Ticket
	for _, t := range q.order {
		if !t.TimeoutAt.After(now) {
			expired = append(expired, t)
		}
	}
	for _, t := range expired {
		q.expireLocked(t)
	}
	return len(expired)
}

// Snapshot returns the queued tickets in queue order
func (q *Queue) Snapshot() []Info {
	q.mu.Lock()
	defer q.mu.Unlock()

	infos := make([]Info, 0, len(q.order))
	for _, t := range q.order {
		infos = append(infos, t.infoLocked())
	}
	return infos
}

// Len returns the number of queued tickets
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.order)
}

// Close cancels the remaining tickets, delivers outstanding notifications and
// stops the dispatcher. Enqueue fails after Close.
func (q *Queue) Close() {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		<-q.stopped
		return
	}
	q.closed = true
	remaining := append([]*Ticket(nil), q.order...)
	for _, t := range remaining {
		q.removeLocked(t, StateCancelled)
	}
	q.mu.Unlock()

	if q.notifier != nil {
		close(q.stop)
	}
	<-q.stopped
}

func (q *Queue) expire(t *Ticket) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.expireLocked(t)
}

func (q *Queue) expireLocked(t *Ticket) {
	if t.state.IsTerminal() {
		return
	}
	q.logger.Info("approval ticket expired",
		zap.String("ticket_id", t.ID.String()),
		zap.String("session_id", t.Key.SessionID),
		zap.String("request_id", t.Key.RequestID),
		zap.String("state", string(t.state)))
	q.removeLocked(t, StateExpired)
}

// removeLocked moves t into a terminal state, drops it from the queue,
// renumbers the tickets behind it and promotes the new head, as one step.
func (q *Queue) removeLocked(t *Ticket, final State) {
	idx := t.position - 1

	t.state = final
	t.position = 0
	if t.timer != nil {
		t.timer.Stop()
	}
	delete(q.byKey, t.Key)
	delete(q.byID, t.ID)
	q.order = append(q.order[:idx], q.order[idx+1:]...)
	close(t.done)
	q.notifyLocked(t, false)

	for i := idx; i < len(q.order); i++ {
		next := q.order[i]
		next.position = i + 1
		if i == 0 && next.state == StateWaiting {
			q.activateLocked(next)
			continue
		}
		q.notifyLocked(next, false)
	}
}

func (q *Queue) activateLocked(t *Ticket) {
	t.state = StateActive
	q.notifyLocked(t, !t.notified)
	t.notified = true
}

func (q *Queue) notifyLocked(t *Ticket, newlyActive bool) {
	if q.notifier == nil {
		return
	}
	q.pending = append(q.pending, t.notificationLocked(newlyActive))
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

func (q *Queue) dispatch() {
	defer close(q.stopped)
	for {
		select {
		case <-q.wake:
			q.deliver()
		case <-q.stop:
			q.deliver()
			return
		}
	}
}

func (q *Queue) deliver() {
	for {
		q.mu.Lock()
		batch := q.pending
		q.pending = nil
		q.mu.Unlock()

		if len(batch) == 0 {
			return
		}
		for _, n := range batch {
			q.notifier.Notify(n)
		}
	}
}

func contractError(base *services.DomainError, key TicketKey) *services.DomainError {
	return services.NewDomainError(base.Type, base.Message, nil).
		WithDetail("session_id", key.SessionID).
		WithDetail("request_id", key.RequestID)
}
