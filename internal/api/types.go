package api

import (
	"time"

	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/proxy"
)

// StatusResponse is returned by GET /api/v1/status.
type StatusResponse struct {
	Running      bool               `json:"running"`
	Listen       Endpoint           `json:"listen"`
	Upstream     UpstreamStatus     `json:"upstream"`
	Policy       []string           `json:"policy"`
	Timeout      string             `json:"timeout"`
	Clients      []proxy.ClientInfo `json:"clients"`
	PendingCount int                `json:"pending_count"`
}

// Endpoint is the agent socket clients connect to.
type Endpoint struct {
	Network string `json:"network"`
	Address string `json:"address"`
}

// UpstreamStatus describes the real agent.
type UpstreamStatus struct {
	Path      string `json:"path"`
	Available bool   `json:"available"`
}

// PendingListResponse is returned by GET /api/v1/pending.
type PendingListResponse struct {
	Requests []PendingRequest `json:"requests"`
}

// PendingRequest represents a pending approval request in API responses.
type PendingRequest struct {
	ID         string              `json:"id"`
	Client     string              `json:"client"`
	Type       string              `json:"type"`
	Summary    string              `json:"summary"`
	CreatedAt  time.Time           `json:"created_at"`
	ExpiresAt  time.Time           `json:"expires_at"`
	Sign       *approval.SignInfo  `json:"sign,omitempty"`
	SenderInfo approval.SenderInfo `json:"sender_info"`
}

// ActionResponse is returned by approve/deny endpoints.
type ActionResponse struct {
	Status string `json:"status"`
}

// ErrorResponse is returned on errors.
type ErrorResponse struct {
	Error string `json:"error"`
}

// LogEntry is one resolved request.
type LogEntry struct {
	Request    PendingRequest `json:"request"`
	Resolution string         `json:"resolution"`
	ResolvedAt time.Time      `json:"resolved_at"`
	Error      string         `json:"error,omitempty"`
}

// LogResponse is returned by GET /api/v1/log.
type LogResponse struct {
	Entries []LogEntry `json:"entries"`
}

// convertRequest converts an approval.Request to an API PendingRequest.
func convertRequest(req *approval.Request) PendingRequest {
	return PendingRequest{
		ID:         req.ID,
		Client:     req.Client,
		Type:       string(req.Type),
		Summary:    req.Summary,
		CreatedAt:  req.CreatedAt,
		ExpiresAt:  req.ExpiresAt,
		Sign:       req.Sign,
		SenderInfo: req.SenderInfo,
	}
}
