package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nikicat/git-sentry/internal/approval"
)

// Options configures the API server.
type Options struct {
	Clients  ClientProvider
	Upstream UpstreamProvider
	Info     StatusInfo
}

// Server is the HTTP API server.
type Server struct {
	httpServer *http.Server
	auth       *Auth
	handlers   *Handlers
	wsHandler  *WSHandler
	listener   net.Listener
}

// NewServer creates the API server and binds addr immediately so that
// address-in-use errors surface at startup.
func NewServer(addr string, manager *approval.Manager, auth *Auth, opts Options) (*Server, error) {
	handlers := NewHandlers(manager, opts.Clients, opts.Upstream, opts.Info)
	wsHandler := NewWSHandler(manager, opts.Clients, auth)

	apiMux := http.NewServeMux()
	apiMux.HandleFunc("GET /api/v1/status", handlers.HandleStatus)
	apiMux.HandleFunc("GET /api/v1/pending", handlers.HandlePendingList)
	apiMux.HandleFunc("GET /api/v1/pending/{id}", handlers.HandlePendingGet)
	apiMux.HandleFunc("POST /api/v1/pending/{id}/approve", handlers.HandleApprove)
	apiMux.HandleFunc("POST /api/v1/pending/{id}/deny", handlers.HandleDeny)
	apiMux.HandleFunc("GET /api/v1/log", handlers.HandleLog)
	apiMux.HandleFunc("GET /api/v1/ws", wsHandler.HandleWS)

	rootMux := http.NewServeMux()
	rootMux.Handle("/api/", auth.Middleware(apiMux))

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}

	return &Server{
		httpServer: &http.Server{
			Handler:           rootMux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		auth:      auth,
		handlers:  handlers,
		wsHandler: wsHandler,
		listener:  listener,
	}, nil
}

// Start begins serving HTTP requests. This is non-blocking.
func (s *Server) Start() {
	go func() {
		if err := s.httpServer.Serve(s.listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			slog.Error("HTTP server error", "error", err)
		}
	}()
}

// Addr returns the address the server is listening on.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Shutdown closes WebSocket subscribers and gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.wsHandler.CloseAll()
	err := s.httpServer.Shutdown(ctx)
	// Serve may never have run.
	s.listener.Close()
	return err
}

// CookieFilePath returns the path to the authentication cookie file.
func (s *Server) CookieFilePath() string {
	return s.auth.FilePath()
}

// WSHandler returns the WebSocket handler for broadcasting client events.
func (s *Server) WSHandler() *WSHandler {
	return s.wsHandler
}
