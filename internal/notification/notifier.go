// Package notification delivers approval prompts out-of-band.
package notification

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
)

// Notifier sends an approval prompt for a registered request. Decisions come
// back asynchronously through an Approver keyed by requestID.
type Notifier interface {
	SendPrompt(ctx context.Context, requestID, summary string) error
}

// Approver resolves approval requests.
type Approver interface {
	Approve(id string) error
	Deny(id string) error
}

// ErrNoNotifiers is returned by an empty Multi.
var ErrNoNotifiers = errors.New("no notifiers configured")

// Multi fans a prompt out to several notifiers concurrently, so a slow one
// does not hold back the others. Delivery succeeds when at least one
// notifier accepts the prompt.
type Multi []Notifier

// SendPrompt implements Notifier. It returns once every notifier has
// finished or given up on ctx.
func (m Multi) SendPrompt(ctx context.Context, requestID, summary string) error {
	if len(m) == 0 {
		return ErrNoNotifiers
	}

	errs := make([]error, len(m))
	var wg sync.WaitGroup
	for i, n := range m {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := n.SendPrompt(ctx, requestID, summary); err != nil {
				slog.Warn("notifier failed", "notifier", fmt.Sprintf("%T", n), "request_id", requestID, "error", err)
				errs[i] = err
			}
		}()
	}
	wg.Wait()

	for _, err := range errs {
		if err == nil {
			return nil
		}
	}
	return fmt.Errorf("all notifiers failed: %w", errors.Join(errs...))
}

// Log writes prompts to the process log. It is the fallback when no other
// notifier is configured, leaving the CLI and API as the way to decide.
type Log struct {
	Logger *slog.Logger
}

// SendPrompt implements Notifier.
func (l Log) SendPrompt(_ context.Context, requestID, summary string) error {
	logger := l.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger.Warn("approval required", "request_id", requestID, "summary", summary)
	return nil
}
