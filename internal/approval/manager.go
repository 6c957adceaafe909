package approval

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a request ID doesn't exist, including
// requests that were already resolved or expired.
var ErrNotFound = errors.New("request not found")

// ErrShutdown is returned when registering with a manager that was shut down.
var ErrShutdown = errors.New("approval manager shut down")

// Decision is an operator's answer to a pending request.
type Decision int

const (
	DecisionApproved Decision = iota
	DecisionDenied
)

func (d Decision) String() string {
	if d == DecisionApproved {
		return "approved"
	}
	return "denied"
}

// Outcome is how a wait for a decision ended.
type Outcome int

const (
	OutcomeApproved Outcome = iota
	OutcomeDenied
	OutcomeTimedOut
	OutcomeError
)

func (o Outcome) String() string {
	switch o {
	case OutcomeApproved:
		return "approved"
	case OutcomeDenied:
		return "denied"
	case OutcomeTimedOut:
		return "timed_out"
	default:
		return "error"
	}
}

// EventType represents the type of approval event.
type EventType int

const (
	EventRequestCreated EventType = iota
	EventRequestApproved
	EventRequestDenied
	EventRequestExpired
	EventRequestFailed
)

// Event represents an approval event for observers.
type Event struct {
	Type    EventType
	Request *Request
}

// Observer receives notifications about approval events.
type Observer interface {
	OnEvent(Event)
}

// Request is an agent request awaiting approval.
type Request struct {
	ID        string      `json:"id"`
	Client    string      `json:"client"`
	Type      RequestType `json:"type"`
	Summary   string      `json:"summary"`
	CreatedAt time.Time   `json:"created_at"`
	ExpiresAt time.Time   `json:"expires_at"`

	// Sign is set for sign requests.
	Sign *SignInfo `json:"sign,omitempty"`

	// SenderInfo contains information about the requesting process.
	SenderInfo SenderInfo `json:"sender_info"`

	// Written once under Manager.mu, before done is closed.
	done    chan struct{}
	outcome Outcome
	err     error
}

// Err returns the failure cause of a request that ended with OutcomeError.
// Only meaningful after the request was resolved.
func (r *Request) Err() error {
	select {
	case <-r.done:
		return r.err
	default:
		return nil
	}
}

// Resolution represents how a request was resolved.
type Resolution string

const (
	ResolutionApproved Resolution = "approved"
	ResolutionDenied   Resolution = "denied"
	ResolutionExpired  Resolution = "expired"
	ResolutionFailed   Resolution = "failed"
)

// HistoryEntry represents a resolved approval request.
type HistoryEntry struct {
	Request    *Request   `json:"request"`
	Resolution Resolution `json:"resolution"`
	ResolvedAt time.Time  `json:"resolved_at"`
	Error      string     `json:"error,omitempty"`
}

// Manager is the registry of pending requests. Each request is resolved
// exactly once: by Resolve, by Fail, by its deadline in Await, or by
// Shutdown, whichever removes it from the registry first.
type Manager struct {
	mu      sync.Mutex
	pending map[string]*Request
	closed  bool
	timeout time.Duration

	observersMu sync.RWMutex
	observers   map[Observer]struct{}

	historyMu  sync.RWMutex
	history    []HistoryEntry
	historyMax int
}

// NewManager creates a new approval manager.
func NewManager(timeout time.Duration, historyMax int) *Manager {
	return &Manager{
		pending:    make(map[string]*Request),
		timeout:    timeout,
		observers:  make(map[Observer]struct{}),
		historyMax: historyMax,
	}
}

// Subscribe registers an observer to receive approval events.
func (m *Manager) Subscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	m.observers[o] = struct{}{}
}

// Unsubscribe removes an observer from receiving approval events.
func (m *Manager) Unsubscribe(o Observer) {
	m.observersMu.Lock()
	defer m.observersMu.Unlock()
	delete(m.observers, o)
}

// notify sends an event to all observers asynchronously.
func (m *Manager) notify(event Event) {
	m.observersMu.RLock()
	defer m.observersMu.RUnlock()
	for o := range m.observers {
		go o.OnEvent(event)
	}

	if event.Type != EventRequestCreated {
		m.addHistory(event)
	}
}

// addHistory records a resolved request in history.
func (m *Manager) addHistory(event Event) {
	var resolution Resolution
	switch event.Type {
	case EventRequestApproved:
		resolution = ResolutionApproved
	case EventRequestDenied:
		resolution = ResolutionDenied
	case EventRequestExpired:
		resolution = ResolutionExpired
	case EventRequestFailed:
		resolution = ResolutionFailed
	default:
		return
	}

	entry := HistoryEntry{
		Request:    event.Request,
		Resolution: resolution,
		ResolvedAt: time.Now(),
	}
	if err := event.Request.err; err != nil {
		entry.Error = err.Error()
	}

	m.historyMu.Lock()
	defer m.historyMu.Unlock()

	// Prepend to slice (newest first)
	m.history = append([]HistoryEntry{entry}, m.history...)

	if len(m.history) > m.historyMax {
		m.history = m.history[:m.historyMax]
	}
}

// History returns a copy of the history entries, newest first.
func (m *Manager) History() []HistoryEntry {
	m.historyMu.RLock()
	defer m.historyMu.RUnlock()
	return append([]HistoryEntry{}, m.history...)
}

// Register assigns a fresh ID to a copy of tmpl, adds it to the registry and
// notifies observers. The returned request is the handle passed to Await.
func (m *Manager) Register(tmpl Request) (*Request, error) {
	now := time.Now()
	req := &Request{
		ID:         uuid.New().String(),
		Client:     tmpl.Client,
		Type:       tmpl.Type,
		Summary:    tmpl.Summary,
		CreatedAt:  now,
		ExpiresAt:  now.Add(m.timeout),
		Sign:       tmpl.Sign,
		SenderInfo: tmpl.SenderInfo,
		done:       make(chan struct{}),
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrShutdown
	}
	m.pending[req.ID] = req
	m.mu.Unlock()

	m.notify(Event{Type: EventRequestCreated, Request: req})
	return req, nil
}

// finish removes id from the registry and records its outcome. It reports
// false if another path already finished the request.
func (m *Manager) finish(id string, outcome Outcome, err error) (*Request, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	req, ok := m.pending[id]
	if !ok {
		return nil, false
	}
	delete(m.pending, id)
	req.outcome = outcome
	req.err = err
	close(req.done)
	return req, true
}

// Resolve delivers a decision for a pending request. It returns ErrNotFound
// if the request is unknown or already finished; a decision is never
// delivered twice.
func (m *Manager) Resolve(id string, d Decision) error {
	outcome, eventType := OutcomeDenied, EventRequestDenied
	if d == DecisionApproved {
		outcome, eventType = OutcomeApproved, EventRequestApproved
	}

	req, ok := m.finish(id, outcome, nil)
	if !ok {
		return ErrNotFound
	}
	m.notify(Event{Type: eventType, Request: req})
	return nil
}

// Approve approves a pending request by ID.
func (m *Manager) Approve(id string) error {
	return m.Resolve(id, DecisionApproved)
}

// Deny denies a pending request by ID.
func (m *Manager) Deny(id string) error {
	return m.Resolve(id, DecisionDenied)
}

// Fail ends a pending request with OutcomeError, e.g. when its prompt could
// not be delivered.
func (m *Manager) Fail(id string, cause error) error {
	req, ok := m.finish(id, OutcomeError, cause)
	if !ok {
		return ErrNotFound
	}
	m.notify(Event{Type: EventRequestFailed, Request: req})
	return nil
}

// Await blocks until req is resolved, req.ExpiresAt passes or ctx is
// cancelled. The deadline is fixed at registration, so time spent before
// Await (e.g. delivering the prompt) counts against it. On expiry or
// cancellation the request is removed from the registry before returning,
// so a late decision gets ErrNotFound. If a decision wins the race against
// the deadline, that decision is returned.
func (m *Manager) Await(ctx context.Context, req *Request) Outcome {
	timer := time.NewTimer(time.Until(req.ExpiresAt))
	defer timer.Stop()

	select {
	case <-req.done:
	case <-timer.C:
		if _, ok := m.finish(req.ID, OutcomeTimedOut, nil); ok {
			m.notify(Event{Type: EventRequestExpired, Request: req})
		}
	case <-ctx.Done():
		if _, ok := m.finish(req.ID, OutcomeError, ctx.Err()); ok {
			m.notify(Event{Type: EventRequestFailed, Request: req})
		}
	}

	<-req.done
	return req.outcome
}

// Shutdown fails every pending request and rejects further registrations.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.closed = true
	finished := make([]*Request, 0, len(m.pending))
	for id, req := range m.pending {
		delete(m.pending, id)
		req.outcome = OutcomeError
		req.err = ErrShutdown
		close(req.done)
		finished = append(finished, req)
	}
	m.mu.Unlock()

	for _, req := range finished {
		m.notify(Event{Type: EventRequestFailed, Request: req})
	}
}

// List returns all pending requests, oldest first.
func (m *Manager) List() []*Request {
	m.mu.Lock()
	result := make([]*Request, 0, len(m.pending))
	for _, req := range m.pending {
		result = append(result, req)
	}
	m.mu.Unlock()

	slices.SortFunc(result, func(a, b *Request) int {
		return a.CreatedAt.Compare(b.CreatedAt)
	})
	return result
}

// Get returns a pending request by ID, or nil.
func (m *Manager) Get(id string) *Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.pending[id]
}

// PendingCount returns the number of pending requests.
func (m *Manager) PendingCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

// Timeout returns the configured timeout.
func (m *Manager) Timeout() time.Duration {
	return m.timeout
}
