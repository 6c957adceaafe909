package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"

	"github.com/nikicat/git-sentry/internal/approval"
)

const (
	notifyDest      = "org.freedesktop.Notifications"
	notifyPath      = "/org/freedesktop/Notifications"
	notifyInterface = "org.freedesktop.Notifications"
)

// closeTimeout bounds CloseNotification calls made from OnEvent.
const closeTimeout = 5 * time.Second

// Action keys used on prompt notifications.
const (
	ActionApprove = "approve"
	ActionDeny    = "deny"
)

// Bus is the subset of org.freedesktop.Notifications used by Desktop.
type Bus interface {
	// Notify shows a notification and returns its ID. actions holds
	// alternating (key, label) pairs.
	Notify(ctx context.Context, summary, body, icon string, actions []string) (uint32, error)
	Close(ctx context.Context, id uint32) error
}

// Action is a click on a notification button.
type Action struct {
	NotificationID uint32
	ActionKey      string
}

// SessionBus talks to the notification daemon on the D-Bus session bus and
// reconnects once when the connection has dropped.
type SessionBus struct {
	mu      sync.Mutex
	conn    *dbus.Conn
	actions chan Action
	done    chan struct{}
}

// NewSessionBus connects to the session bus and starts listening for
// ActionInvoked signals.
func NewSessionBus() (*SessionBus, error) {
	b := &SessionBus{
		actions: make(chan Action, 16),
		done:    make(chan struct{}),
	}
	if err := b.connect(); err != nil {
		return nil, err
	}
	return b, nil
}

// connect must be called with b.mu held or before b is shared.
func (b *SessionBus) connect() error {
	conn, err := dbus.ConnectSessionBus()
	if err != nil {
		return fmt.Errorf("connect to session bus: %w", err)
	}
	if err := conn.AddMatchSignal(
		dbus.WithMatchInterface(notifyInterface),
		dbus.WithMatchMember("ActionInvoked"),
	); err != nil {
		conn.Close()
		return fmt.Errorf("subscribe to ActionInvoked: %w", err)
	}

	signals := make(chan *dbus.Signal, 16)
	conn.Signal(signals)
	b.conn = conn
	go b.forwardActions(signals)
	return nil
}

// Actions returns button clicks on notifications.
func (b *SessionBus) Actions() <-chan Action {
	return b.actions
}

// Stop closes the connection and stops signal processing.
func (b *SessionBus) Stop() {
	close(b.done)
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.conn != nil {
		b.conn.Close()
	}
}

// forwardActions exits when godbus closes signals on disconnect.
func (b *SessionBus) forwardActions(signals <-chan *dbus.Signal) {
	for {
		select {
		case <-b.done:
			return
		case sig, ok := <-signals:
			if !ok {
				return
			}
			if sig.Name != notifyInterface+".ActionInvoked" || len(sig.Body) != 2 {
				continue
			}
			id, ok1 := sig.Body[0].(uint32)
			key, ok2 := sig.Body[1].(string)
			if !ok1 || !ok2 {
				continue
			}
			select {
			case b.actions <- Action{NotificationID: id, ActionKey: key}:
			case <-b.done:
				return
			}
		}
	}
}

// call invokes a Notifications method, reconnecting and retrying once if
// the connection is closed.
func (b *SessionBus) call(ctx context.Context, method string, args ...any) (*dbus.Call, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	c := b.conn.Object(notifyDest, notifyPath).CallWithContext(ctx, notifyInterface+"."+method, 0, args...)
	if c.Err != nil && errors.Is(c.Err, dbus.ErrClosed) {
		b.conn.Close()
		if err := b.connect(); err != nil {
			return nil, fmt.Errorf("%s: %w (reconnect failed: %v)", method, c.Err, err)
		}
		slog.Info("reconnected to D-Bus session bus")
		c = b.conn.Object(notifyDest, notifyPath).CallWithContext(ctx, notifyInterface+"."+method, 0, args...)
	}
	if c.Err != nil {
		return nil, fmt.Errorf("%s: %w", method, c.Err)
	}
	return c, nil
}

// Notify implements Bus.
func (b *SessionBus) Notify(ctx context.Context, summary, body, icon string, actions []string) (uint32, error) {
	hints := map[string]dbus.Variant{
		"urgency": dbus.MakeVariant(byte(2)), // critical
	}
	c, err := b.call(ctx, "Notify", "git-sentry", uint32(0), icon, summary, body, actions, hints, int32(-1))
	if err != nil {
		return 0, err
	}
	var id uint32
	if err := c.Store(&id); err != nil {
		return 0, fmt.Errorf("store notify result: %w", err)
	}
	return id, nil
}

// Close implements Bus.
func (b *SessionBus) Close(ctx context.Context, id uint32) error {
	_, err := b.call(ctx, "CloseNotification", id)
	return err
}

// Desktop shows approval prompts as desktop notifications with Approve and
// Deny buttons, and closes them once the request is resolved elsewhere.
type Desktop struct {
	bus      Bus
	approver Approver

	mu            sync.Mutex
	notifications map[string]uint32 // request ID -> notification ID
	requests      map[uint32]string // notification ID -> request ID
}

// NewDesktop creates a desktop notifier.
func NewDesktop(bus Bus, approver Approver) *Desktop {
	return &Desktop{
		bus:           bus,
		approver:      approver,
		notifications: make(map[string]uint32),
		requests:      make(map[uint32]string),
	}
}

// SendPrompt implements Notifier.
func (d *Desktop) SendPrompt(ctx context.Context, requestID, summary string) error {
	actions := []string{ActionApprove, "Approve", ActionDeny, "Deny"}
	id, err := d.bus.Notify(ctx, "SSH agent request", summary, "dialog-password", actions)
	if err != nil {
		return fmt.Errorf("desktop notification: %w", err)
	}

	d.mu.Lock()
	d.notifications[requestID] = id
	d.requests[id] = requestID
	d.mu.Unlock()

	slog.Debug("sent desktop notification", "request_id", requestID, "notification_id", id)
	return nil
}

// ListenActions resolves requests from button clicks until actions is
// closed or ctx is cancelled.
func (d *Desktop) ListenActions(ctx context.Context, actions <-chan Action) {
	for {
		select {
		case <-ctx.Done():
			return
		case action, ok := <-actions:
			if !ok {
				return
			}
			d.handleAction(action)
		}
	}
}

func (d *Desktop) handleAction(action Action) {
	var resolve func(id string) error
	switch action.ActionKey {
	case ActionApprove:
		resolve = d.approver.Approve
	case ActionDeny:
		resolve = d.approver.Deny
	default:
		// "default" is sent for a click on the notification body; the prompt
		// stays open and OnEvent still closes it.
		slog.Debug("ignoring notification action", "action", action.ActionKey, "notification_id", action.NotificationID)
		return
	}

	d.mu.Lock()
	reqID, ok := d.requests[action.NotificationID]
	if ok {
		// Clicking a button already dismisses the notification, so forget it
		// before resolving to keep OnEvent from closing it again.
		delete(d.requests, action.NotificationID)
		delete(d.notifications, reqID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	if err := resolve(reqID); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			slog.Debug("request already resolved", "action", action.ActionKey, "request_id", reqID)
		} else {
			slog.Error("failed to resolve request from notification", "action", action.ActionKey, "request_id", reqID, "error", err)
		}
		return
	}
	slog.Info("resolved request from notification", "action", action.ActionKey, "request_id", reqID)
}

// OnEvent implements approval.Observer.
func (d *Desktop) OnEvent(event approval.Event) {
	if event.Type == approval.EventRequestCreated {
		return
	}

	d.mu.Lock()
	notifID, ok := d.notifications[event.Request.ID]
	if ok {
		delete(d.notifications, event.Request.ID)
		delete(d.requests, notifID)
	}
	d.mu.Unlock()
	if !ok {
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), closeTimeout)
	defer cancel()
	if err := d.bus.Close(ctx, notifID); err != nil {
		slog.Debug("failed to close notification", "error", err, "notification_id", notifID)
	}
}
