package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/proxy"
)

// ClientProvider lists connected agent clients.
type ClientProvider interface {
	Clients() []proxy.ClientInfo
}

// UpstreamProvider reports on the real agent socket.
type UpstreamProvider interface {
	Path() string
	Available() bool
}

// StatusInfo is the static part of the status response.
type StatusInfo struct {
	Listen Endpoint
	Policy []string
}

// Handlers provides HTTP handlers for the REST API.
type Handlers struct {
	manager  *approval.Manager
	clients  ClientProvider
	upstream UpstreamProvider
	info     StatusInfo
}

// NewHandlers creates new API handlers. clients and upstream may be nil.
func NewHandlers(manager *approval.Manager, clients ClientProvider, upstream UpstreamProvider, info StatusInfo) *Handlers {
	return &Handlers{
		manager:  manager,
		clients:  clients,
		upstream: upstream,
		info:     info,
	}
}

// HandleStatus handles GET /api/v1/status.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{
		Running:      true,
		Listen:       h.info.Listen,
		Policy:       h.info.Policy,
		Timeout:      h.manager.Timeout().String(),
		Clients:      []proxy.ClientInfo{},
		PendingCount: h.manager.PendingCount(),
	}
	if resp.Policy == nil {
		resp.Policy = []string{}
	}
	if h.clients != nil {
		resp.Clients = h.clients.Clients()
	}
	if h.upstream != nil {
		resp.Upstream = UpstreamStatus{Path: h.upstream.Path(), Available: h.upstream.Available()}
	}

	writeJSON(w, resp)
}

// HandlePendingList handles GET /api/v1/pending.
func (h *Handlers) HandlePendingList(w http.ResponseWriter, r *http.Request) {
	pending := h.manager.List()
	requests := make([]PendingRequest, len(pending))
	for i, req := range pending {
		requests[i] = convertRequest(req)
	}

	writeJSON(w, PendingListResponse{Requests: requests})
}

// HandlePendingGet handles GET /api/v1/pending/{id}.
func (h *Handlers) HandlePendingGet(w http.ResponseWriter, r *http.Request) {
	req := h.manager.Get(r.PathValue("id"))
	if req == nil {
		writeError(w, "request not found or expired", http.StatusNotFound)
		return
	}
	writeJSON(w, convertRequest(req))
}

// HandleApprove handles POST /api/v1/pending/{id}/approve.
func (h *Handlers) HandleApprove(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r.PathValue("id"), approval.DecisionApproved)
}

// HandleDeny handles POST /api/v1/pending/{id}/deny.
func (h *Handlers) HandleDeny(w http.ResponseWriter, r *http.Request) {
	h.resolve(w, r.PathValue("id"), approval.DecisionDenied)
}

func (h *Handlers) resolve(w http.ResponseWriter, id string, d approval.Decision) {
	if id == "" {
		writeError(w, "invalid request path", http.StatusBadRequest)
		return
	}

	if err := h.manager.Resolve(id, d); err != nil {
		if errors.Is(err, approval.ErrNotFound) {
			writeError(w, "request not found or expired", http.StatusNotFound)
			return
		}
		writeError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	writeJSON(w, ActionResponse{Status: d.String()})
}

// HandleLog handles GET /api/v1/log. Entries are newest first.
func (h *Handlers) HandleLog(w http.ResponseWriter, r *http.Request) {
	history := h.manager.History()
	entries := make([]LogEntry, len(history))
	for i, e := range history {
		entries[i] = LogEntry{
			Request:    convertRequest(e.Request),
			Resolution: string(e.Resolution),
			ResolvedAt: e.ResolvedAt,
			Error:      e.Error,
		}
	}

	writeJSON(w, LogResponse{Entries: entries})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(ErrorResponse{Error: message})
}
