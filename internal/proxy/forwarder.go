package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"

	"github.com/nikicat/git-sentry/internal/agentproto"
)

// ErrForward is returned when the upstream agent cannot be reached or does
// not answer with a well-formed frame.
var ErrForward = errors.New("upstream agent")

// Forwarder relays one raw request frame and returns the raw response frame.
type Forwarder interface {
	Forward(ctx context.Context, raw []byte) ([]byte, error)
}

// Upstream forwards to the real agent, opening a new connection per request.
type Upstream struct {
	Network string
	Address string
	Limits  agentproto.Limits

	dialer net.Dialer
}

// NewUpstream returns a forwarder for the agent socket at path.
func NewUpstream(path string) *Upstream {
	return &Upstream{
		Network: "unix",
		Address: path,
		Limits:  agentproto.DefaultLimits(),
	}
}

// Forward implements Forwarder. Every failure wraps ErrForward.
func (u *Upstream) Forward(ctx context.Context, raw []byte) ([]byte, error) {
	if u.Address == "" {
		return nil, fmt.Errorf("%w: no upstream configured", ErrForward)
	}

	conn, err := u.dialer.DialContext(ctx, u.Network, u.Address)
	if err != nil {
		return nil, fmt.Errorf("%w: connect: %w", ErrForward, err)
	}
	defer conn.Close()

	if deadline, ok := ctx.Deadline(); ok {
		conn.SetDeadline(deadline) //nolint:errcheck
	}
	stop := context.AfterFunc(ctx, func() { conn.Close() })
	defer stop()

	if err := agentproto.WriteFrame(conn, raw); err != nil {
		return nil, fmt.Errorf("%w: write request: %w", ErrForward, err)
	}

	resp, err := agentproto.ReadFrame(conn, u.Limits)
	if err != nil {
		if errors.Is(err, io.EOF) {
			err = io.ErrUnexpectedEOF
		}
		return nil, fmt.Errorf("%w: read response: %w", ErrForward, err)
	}
	return resp, nil
}
