// Package testutil provides test utilities including an in-memory SSH agent
// listening on a unix socket.
package testutil

import (
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"
)

// MockAgent serves an agent.Keyring on a unix socket and records which
// operations reached it.
type MockAgent struct {
	Path    string
	keyring agent.ExtendedAgent
	ln      net.Listener
	wg      sync.WaitGroup

	mu    sync.Mutex
	calls []string
	conns map[net.Conn]struct{}
}

// NewMockAgent starts an agent on a unix socket at path.
func NewMockAgent(path string) (*MockAgent, error) {
	keyring, ok := agent.NewKeyring().(agent.ExtendedAgent)
	if !ok {
		return nil, errors.New("keyring does not implement ExtendedAgent")
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", path, err)
	}

	m := &MockAgent{Path: path, keyring: keyring, ln: ln, conns: make(map[net.Conn]struct{})}
	m.wg.Add(1)
	go m.serve()
	return m, nil
}

func (m *MockAgent) serve() {
	defer m.wg.Done()
	for {
		conn, err := m.ln.Accept()
		if err != nil {
			return
		}
		m.mu.Lock()
		m.conns[conn] = struct{}{}
		m.mu.Unlock()

		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			defer func() {
				conn.Close()
				m.mu.Lock()
				delete(m.conns, conn)
				m.mu.Unlock()
			}()
			if err := agent.ServeAgent(recordingAgent{m.keyring, m}, conn); err != nil && !errors.Is(err, net.ErrClosed) {
				slog.Debug("mock agent connection ended", "error", err)
			}
		}()
	}
}

// Close stops accepting connections, closes open ones and waits for their
// goroutines to exit.
func (m *MockAgent) Close() error {
	err := m.ln.Close()
	m.mu.Lock()
	for c := range m.conns {
		c.Close()
	}
	m.mu.Unlock()
	m.wg.Wait()
	return err
}

// AddEd25519Key generates a key, adds it to the keyring and returns its
// public half.
func (m *MockAgent) AddEd25519Key(comment string) (ssh.PublicKey, error) {
	pub, priv, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	if err := m.keyring.Add(agent.AddedKey{PrivateKey: priv, Comment: comment}); err != nil {
		return nil, fmt.Errorf("add key: %w", err)
	}
	return ssh.NewPublicKey(pub)
}

// KeyCount returns the number of keys in the keyring.
func (m *MockAgent) KeyCount() int {
	keys, _ := m.keyring.List()
	return len(keys)
}

// Calls returns the operations the agent served, in order.
func (m *MockAgent) Calls() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string{}, m.calls...)
}

// CallCount returns how many times op was served.
func (m *MockAgent) CallCount(op string) int {
	n := 0
	for _, c := range m.Calls() {
		if c == op {
			n++
		}
	}
	return n
}

func (m *MockAgent) record(op string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, op)
}

// recordingAgent wraps a keyring and records calls on the owning MockAgent.
type recordingAgent struct {
	agent.ExtendedAgent
	m *MockAgent
}

func (a recordingAgent) List() ([]*agent.Key, error) {
	a.m.record("list")
	return a.ExtendedAgent.List()
}

func (a recordingAgent) Sign(key ssh.PublicKey, data []byte) (*ssh.Signature, error) {
	a.m.record("sign")
	return a.ExtendedAgent.Sign(key, data)
}

func (a recordingAgent) SignWithFlags(key ssh.PublicKey, data []byte, flags agent.SignatureFlags) (*ssh.Signature, error) {
	a.m.record("sign")
	return a.ExtendedAgent.SignWithFlags(key, data, flags)
}

func (a recordingAgent) Add(key agent.AddedKey) error {
	a.m.record("add")
	return a.ExtendedAgent.Add(key)
}

func (a recordingAgent) Remove(key ssh.PublicKey) error {
	a.m.record("remove")
	return a.ExtendedAgent.Remove(key)
}

func (a recordingAgent) RemoveAll() error {
	a.m.record("remove_all")
	return a.ExtendedAgent.RemoveAll()
}
