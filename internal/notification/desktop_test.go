package notification

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/nikicat/git-sentry/internal/approval"
)

// mockBus records calls for testing.
type mockBus struct {
	mu        sync.Mutex
	nextID    uint32
	notified  []notifyCall
	closed    []uint32
	notifyErr error
	// hang makes Notify wait for its context, like an unresponsive daemon.
	hang bool
}

type notifyCall struct {
	summary string
	body    string
	actions []string
}

func (m *mockBus) Notify(ctx context.Context, summary, body, icon string, actions []string) (uint32, error) {
	if m.hang {
		<-ctx.Done()
		return 0, ctx.Err()
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.notifyErr != nil {
		return 0, m.notifyErr
	}
	m.nextID++
	m.notified = append(m.notified, notifyCall{summary, body, actions})
	return m.nextID, nil
}

func (m *mockBus) Close(_ context.Context, id uint32) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = append(m.closed, id)
	return nil
}

func (m *mockBus) closedIDs() []uint32 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]uint32{}, m.closed...)
}

// mockApprover records resolutions.
type mockApprover struct {
	mu       sync.Mutex
	approved []string
	denied   []string
	err      error
}

func (m *mockApprover) Approve(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.approved = append(m.approved, id)
	return nil
}

func (m *mockApprover) Deny(id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.denied = append(m.denied, id)
	return nil
}

func TestDesktop_SendPrompt(t *testing.T) {
	bus := &mockBus{}
	d := NewDesktop(bus, &mockApprover{})

	if err := d.SendPrompt(context.Background(), "req-1", "sign with ssh-ed25519 SHA256:abc"); err != nil {
		t.Fatalf("SendPrompt: %v", err)
	}

	if len(bus.notified) != 1 {
		t.Fatalf("expected 1 notification, got %d", len(bus.notified))
	}
	call := bus.notified[0]
	if call.body != "sign with ssh-ed25519 SHA256:abc" {
		t.Errorf("body = %q", call.body)
	}
	want := []string{ActionApprove, "Approve", ActionDeny, "Deny"}
	if len(call.actions) != len(want) {
		t.Fatalf("actions = %v, want %v", call.actions, want)
	}
	for i := range want {
		if call.actions[i] != want[i] {
			t.Errorf("actions[%d] = %q, want %q", i, call.actions[i], want[i])
		}
	}
}

func TestDesktop_SendPromptError(t *testing.T) {
	busErr := errors.New("no notification daemon")
	d := NewDesktop(&mockBus{notifyErr: busErr}, &mockApprover{})

	err := d.SendPrompt(context.Background(), "req-1", "summary")
	if !errors.Is(err, busErr) {
		t.Errorf("SendPrompt = %v, want wrapped %v", err, busErr)
	}
}

func TestDesktop_SendPromptHonorsContext(t *testing.T) {
	d := NewDesktop(&mockBus{hang: true}, &mockApprover{})
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	done := make(chan error, 1)
	go func() { done <- d.SendPrompt(ctx, "req-1", "summary") }()

	select {
	case err := <-done:
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("SendPrompt = %v, want deadline exceeded", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("SendPrompt ignored its context deadline")
	}
}

func TestDesktop_ApproveAction(t *testing.T) {
	bus := &mockBus{}
	approver := &mockApprover{}
	d := NewDesktop(bus, approver)
	_ = d.SendPrompt(context.Background(), "req-1", "summary")

	actions := make(chan Action, 1)
	actions <- Action{NotificationID: 1, ActionKey: ActionApprove}
	close(actions)
	d.ListenActions(context.Background(), actions)

	if len(approver.approved) != 1 || approver.approved[0] != "req-1" {
		t.Errorf("approved = %v, want [req-1]", approver.approved)
	}

	// The click dismissed the notification; the resolution event must not
	// close it again.
	d.OnEvent(approval.Event{Type: approval.EventRequestApproved, Request: &approval.Request{ID: "req-1"}})
	if n := len(bus.closedIDs()); n != 0 {
		t.Errorf("expected no Close calls, got %d", n)
	}
}

func TestDesktop_DenyAction(t *testing.T) {
	approver := &mockApprover{}
	d := NewDesktop(&mockBus{}, approver)
	_ = d.SendPrompt(context.Background(), "req-1", "summary")

	d.handleAction(Action{NotificationID: 1, ActionKey: ActionDeny})

	if len(approver.denied) != 1 || approver.denied[0] != "req-1" {
		t.Errorf("denied = %v, want [req-1]", approver.denied)
	}
}

func TestDesktop_ActionForUnknownNotification(t *testing.T) {
	approver := &mockApprover{}
	d := NewDesktop(&mockBus{}, approver)

	d.handleAction(Action{NotificationID: 42, ActionKey: ActionApprove})

	if len(approver.approved) != 0 {
		t.Errorf("unexpected approvals: %v", approver.approved)
	}
}

func TestDesktop_BodyClickKeepsPrompt(t *testing.T) {
	bus := &mockBus{}
	approver := &mockApprover{}
	d := NewDesktop(bus, approver)
	_ = d.SendPrompt(context.Background(), "req-1", "summary")

	d.handleAction(Action{NotificationID: 1, ActionKey: "default"})
	if len(approver.approved)+len(approver.denied) != 0 {
		t.Fatalf("body click resolved the request: approved=%v denied=%v", approver.approved, approver.denied)
	}

	// The notification is still tracked: a later resolution closes it and
	// a later button click still resolves it.
	d.handleAction(Action{NotificationID: 1, ActionKey: ActionDeny})
	if len(approver.denied) != 1 || approver.denied[0] != "req-1" {
		t.Errorf("denied = %v, want [req-1]", approver.denied)
	}
}

func TestDesktop_BodyClickThenResolutionCloses(t *testing.T) {
	bus := &mockBus{}
	d := NewDesktop(bus, &mockApprover{})
	_ = d.SendPrompt(context.Background(), "req-1", "summary")

	d.handleAction(Action{NotificationID: 1, ActionKey: "default"})
	d.OnEvent(approval.Event{Type: approval.EventRequestExpired, Request: &approval.Request{ID: "req-1"}})

	if ids := bus.closedIDs(); len(ids) != 1 || ids[0] != 1 {
		t.Errorf("closed = %v, want [1]", ids)
	}
}

func TestDesktop_ActionAfterResolution(t *testing.T) {
	approver := &mockApprover{err: approval.ErrNotFound}
	d := NewDesktop(&mockBus{}, approver)
	_ = d.SendPrompt(context.Background(), "req-1", "summary")

	// Must not panic or retry; ErrNotFound is benign.
	d.handleAction(Action{NotificationID: 1, ActionKey: ActionApprove})
}

func TestDesktop_ClosesOnResolution(t *testing.T) {
	for _, typ := range []approval.EventType{
		approval.EventRequestApproved,
		approval.EventRequestDenied,
		approval.EventRequestExpired,
		approval.EventRequestFailed,
	} {
		bus := &mockBus{}
		d := NewDesktop(bus, &mockApprover{})
		_ = d.SendPrompt(context.Background(), "req-1", "summary")

		d.OnEvent(approval.Event{Type: typ, Request: &approval.Request{ID: "req-1"}})

		if ids := bus.closedIDs(); len(ids) != 1 || ids[0] != 1 {
			t.Errorf("event %d: closed = %v, want [1]", typ, ids)
		}
	}
}

func TestDesktop_CreatedEventIgnored(t *testing.T) {
	bus := &mockBus{}
	d := NewDesktop(bus, &mockApprover{})
	_ = d.SendPrompt(context.Background(), "req-1", "summary")

	d.OnEvent(approval.Event{Type: approval.EventRequestCreated, Request: &approval.Request{ID: "req-1"}})
	if n := len(bus.closedIDs()); n != 0 {
		t.Errorf("expected no Close calls, got %d", n)
	}
}

func TestDesktop_ListenActionsStopsOnCancel(t *testing.T) {
	d := NewDesktop(&mockBus{}, &mockApprover{})
	ctx, cancel := context.WithCancel(context.Background())

	done := make(chan struct{})
	go func() {
		d.ListenActions(ctx, make(chan Action))
		close(done)
	}()
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ListenActions did not return after cancel")
	}
}
