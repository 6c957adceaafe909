package proxy

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"sync/atomic"
	"time"
)

// Listen opens the agent endpoint. For "unix" the parent directory is
// created with mode 0700, a stale socket at address is removed and the new
// socket is restricted to its owner. "tcp" is meant for loopback addresses
// on platforms without domain sockets.
func Listen(network, address string) (net.Listener, error) {
	switch network {
	case "unix":
		if err := os.MkdirAll(filepath.Dir(address), 0o700); err != nil {
			return nil, fmt.Errorf("create socket directory: %w", err)
		}
		if err := removeStaleSocket(address); err != nil {
			return nil, err
		}
		ln, err := net.Listen("unix", address)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", address, err)
		}
		if err := os.Chmod(address, 0o600); err != nil {
			ln.Close()
			return nil, fmt.Errorf("chmod socket: %w", err)
		}
		return ln, nil
	case "tcp":
		ln, err := net.Listen("tcp", address)
		if err != nil {
			return nil, fmt.Errorf("listen on %s: %w", address, err)
		}
		return ln, nil
	default:
		return nil, fmt.Errorf("unsupported listen network %q", network)
	}
}

// removeStaleSocket deletes a leftover socket file. Anything other than a
// socket at path is left alone and reported.
func removeStaleSocket(path string) error {
	fi, err := os.Lstat(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("stat socket path: %w", err)
	}
	if fi.Mode().Type() != fs.ModeSocket {
		return fmt.Errorf("%s exists and is not a socket", path)
	}
	if err := os.Remove(path); err != nil {
		return fmt.Errorf("remove stale socket: %w", err)
	}
	slog.Debug("removed stale socket", "path", path)
	return nil
}

// ClientInfo describes a connected agent client.
type ClientInfo struct {
	Name        string    `json:"name"`
	PID         uint32    `json:"pid,omitempty"`
	ConnectedAt time.Time `json:"connected_at"`
}

// ClientObserver receives notifications about client connections.
type ClientObserver interface {
	OnClientConnected(client ClientInfo)
	OnClientDisconnected(client ClientInfo)
}

// Server accepts agent connections and runs a Handler per connection.
type Server struct {
	handler *Handler
	nextID  atomic.Uint64

	mu    sync.Mutex
	conns map[net.Conn]ClientInfo

	observersMu sync.RWMutex
	observers   []ClientObserver
}

// NewServer creates a server for h.
func NewServer(h *Handler) *Server {
	return &Server{
		handler: h,
		conns:   make(map[net.Conn]ClientInfo),
	}
}

// Subscribe adds an observer to receive client connection events.
func (s *Server) Subscribe(obs ClientObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	s.observers = append(s.observers, obs)
}

// Unsubscribe removes an observer.
func (s *Server) Unsubscribe(obs ClientObserver) {
	s.observersMu.Lock()
	defer s.observersMu.Unlock()
	for i, o := range s.observers {
		if o == obs {
			s.observers = append(s.observers[:i], s.observers[i+1:]...)
			return
		}
	}
}

func (s *Server) notifyClient(client ClientInfo, connected bool) {
	s.observersMu.RLock()
	defer s.observersMu.RUnlock()
	for _, obs := range s.observers {
		if connected {
			obs.OnClientConnected(client)
		} else {
			obs.OnClientDisconnected(client)
		}
	}
}

// Clients returns the currently connected clients, oldest first.
func (s *Server) Clients() []ClientInfo {
	s.mu.Lock()
	clients := make([]ClientInfo, 0, len(s.conns))
	for _, c := range s.conns {
		clients = append(clients, c)
	}
	s.mu.Unlock()

	sort.Slice(clients, func(i, j int) bool {
		return clients[i].ConnectedAt.Before(clients[j].ConnectedAt)
	})
	return clients
}

// Serve accepts connections on ln until ctx is cancelled or Accept fails,
// then closes the listener and every open connection, cancels pending
// approvals and waits for handlers to return. The accept loop never waits
// on approvals.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	var wg sync.WaitGroup
	stop := context.AfterFunc(ctx, func() { ln.Close() })
	defer stop()

	connCtx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		s.mu.Lock()
		for c := range s.conns {
			c.Close()
		}
		s.mu.Unlock()
		wg.Wait()
	}()

	slog.Info("agent proxy listening", "network", ln.Addr().Network(), "address", ln.Addr().String())

	var backoff time.Duration
	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				backoff = min(max(2*backoff, 5*time.Millisecond), time.Second)
				slog.Warn("accept failed, retrying", "error", err, "retry_in", backoff)
				time.Sleep(backoff)
				continue
			}
			return fmt.Errorf("accept: %w", err)
		}
		backoff = 0

		client := ClientInfo{
			Name:        fmt.Sprintf("%s:%d", ln.Addr().Network(), s.nextID.Add(1)),
			ConnectedAt: time.Now(),
		}
		s.mu.Lock()
		s.conns[conn] = client
		s.mu.Unlock()

		wg.Add(1)
		go func() {
			defer wg.Done()
			s.serveClient(connCtx, conn, client)
		}()
	}
}

func (s *Server) serveClient(ctx context.Context, conn net.Conn, client ClientInfo) {
	sender := peerSender(conn)
	client.PID = sender.PID

	s.mu.Lock()
	if _, open := s.conns[conn]; open {
		s.conns[conn] = client
	}
	s.mu.Unlock()
	s.notifyClient(client, true)

	s.handler.ServeConn(ctx, conn, client.Name, sender)

	s.mu.Lock()
	delete(s.conns, conn)
	s.mu.Unlock()
	s.notifyClient(client, false)
}
