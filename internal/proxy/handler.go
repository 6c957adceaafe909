package proxy

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/nikicat/git-sentry/internal/agentproto"
	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/logging"
	"github.com/nikicat/git-sentry/internal/notification"
)

// DefaultTimeout is how long a gated request waits for a decision.
const DefaultTimeout = 5 * time.Minute

// Audit results.
const (
	resultForwarded     = "forwarded"
	resultForwardFailed = "forward_failed"
)

// HandlerConfig holds handler dependencies.
type HandlerConfig struct {
	Approvals *approval.Manager
	Notifier  notification.Notifier
	Upstream  Forwarder
	Policy    Policy
	Limits    agentproto.Limits
	Audit     *logging.Logger
}

// Handler runs the per-connection request loop: read one frame, classify
// it, wait for approval when the policy requires it, forward it upstream
// and write back the response.
type Handler struct {
	approvals *approval.Manager
	notifier  notification.Notifier
	upstream  Forwarder
	policy    Policy
	limits    agentproto.Limits
	audit     *logging.Logger
}

// NewHandler creates a connection handler.
func NewHandler(cfg HandlerConfig) *Handler {
	if cfg.Limits.MaxFrameBytes == 0 {
		cfg.Limits = agentproto.DefaultLimits()
	}
	if cfg.Policy.gated == nil {
		cfg.Policy = DefaultPolicy()
	}
	if cfg.Audit == nil {
		cfg.Audit = logging.NewWithWriter(io.Discard, slog.LevelInfo, "proxy")
	}
	return &Handler{
		approvals: cfg.Approvals,
		notifier:  cfg.Notifier,
		upstream:  cfg.Upstream,
		policy:    cfg.Policy,
		limits:    cfg.Limits,
		audit:     cfg.Audit,
	}
}

// Policy returns the effective gating policy.
func (h *Handler) Policy() Policy {
	return h.policy
}

// ServeConn handles frames on conn one at a time until the client closes
// the connection or sends something unparseable. ctx bounds approval waits
// and upstream calls; a client disconnect does not cancel a pending
// approval.
func (h *Handler) ServeConn(ctx context.Context, conn net.Conn, client string, sender approval.SenderInfo) {
	defer conn.Close()

	audit := h.audit.WithClient(client)
	log := slog.With("client", client)

	for {
		raw, err := agentproto.ReadFrame(conn, h.limits)
		if err != nil {
			switch {
			case errors.Is(err, io.EOF):
				log.Debug("client closed connection")
			case errors.Is(err, agentproto.ErrTruncated), errors.Is(err, net.ErrClosed):
				log.Debug("connection ended mid-frame", "error", err)
			default:
				log.Warn("dropping connection", "error", err)
			}
			return
		}

		msg, err := agentproto.Parse(raw)
		if err != nil {
			log.Warn("dropping connection on unparseable frame", "error", err)
			return
		}

		resp := h.handle(ctx, raw, msg, client, sender, audit)
		if err := agentproto.WriteFrame(conn, resp); err != nil {
			log.Debug("write response failed", "error", err)
			return
		}
	}
}

// handle returns the response frame for one request. It never fails: every
// error path becomes the agent failure frame.
func (h *Handler) handle(ctx context.Context, raw []byte, msg agentproto.Message, client string, sender approval.SenderInfo, audit *logging.Logger) []byte {
	entry := logging.Entry{
		MessageType: agentproto.TypeName(msg.Type()),
		Process:     processLabel(sender),
	}

	if kind, gated := h.policy.Gate(msg.Type()); gated {
		summary, sign := describe(msg, kind, sender)
		if sign != nil {
			entry.Fingerprint = sign.Fingerprint
		}

		outcome, reqID, err := h.requestApproval(ctx, approval.Request{
			Client:     client,
			Type:       kind,
			Summary:    summary,
			Sign:       sign,
			SenderInfo: sender,
		})
		entry.RequestID = reqID
		if outcome != approval.OutcomeApproved {
			entry.Result = outcome.String()
			audit.LogRequest(ctx, entry, err)
			return agentproto.FailureFrame()
		}
		entry.Result = outcome.String()
	}

	resp, err := h.upstream.Forward(ctx, raw)
	if err != nil {
		slog.Error("forward failed", "client", client, "type", entry.MessageType, "error", err)
		entry.Result = resultForwardFailed
		audit.LogRequest(ctx, entry, err)
		return agentproto.FailureFrame()
	}
	if entry.Result == "" {
		entry.Result = resultForwarded
	}
	audit.LogRequest(ctx, entry, nil)
	return resp
}

// requestApproval registers the request, sends the prompt and waits for the
// decision. The prompt is delivered in the background under the request
// deadline, so a stalled notifier cannot delay the answer past ExpiresAt.
func (h *Handler) requestApproval(ctx context.Context, tmpl approval.Request) (approval.Outcome, string, error) {
	req, err := h.approvals.Register(tmpl)
	if err != nil {
		return approval.OutcomeError, "", fmt.Errorf("register approval: %w", err)
	}
	log := slog.With("request_id", req.ID, "client", tmpl.Client, "type", tmpl.Type)
	log.Info("approval requested", "expires_at", req.ExpiresAt)

	go h.sendPrompt(ctx, req, log)

	outcome := h.approvals.Await(ctx, req)
	switch outcome {
	case approval.OutcomeApproved:
		log.Info("request approved")
		return outcome, req.ID, nil
	case approval.OutcomeDenied:
		log.Info("request denied")
		return outcome, req.ID, errors.New("denied by operator")
	case approval.OutcomeTimedOut:
		log.Info("approval timed out", "timeout", req.ExpiresAt.Sub(req.CreatedAt))
		return outcome, req.ID, errors.New("approval timed out")
	default:
		return outcome, req.ID, req.Err()
	}
}

func (h *Handler) sendPrompt(ctx context.Context, req *approval.Request, log *slog.Logger) {
	ctx, cancel := context.WithDeadline(ctx, req.ExpiresAt)
	defer cancel()

	err := h.notifier.SendPrompt(ctx, req.ID, req.Summary)
	if err == nil {
		return
	}
	if ctx.Err() != nil {
		// Out of time: Await reports the expiry or cancellation itself.
		log.Warn("approval prompt not delivered before the deadline", "error", err)
		return
	}
	if ferr := h.approvals.Fail(req.ID, err); ferr != nil {
		// Decided or expired while the prompt was still in flight.
		log.Debug("prompt failed after the request was resolved", "error", err)
		return
	}
	log.Error("failed to send approval prompt", "error", err)
}

func processLabel(sender approval.SenderInfo) string {
	names := make([]string, len(sender.ProcessChain))
	for i, p := range sender.ProcessChain {
		names[i] = p.Name
	}
	return strings.Join(names, " ← ")
}
