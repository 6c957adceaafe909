package proxy

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/nikicat/git-sentry/internal/agentproto"
	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/testutil"
)

type prompt struct {
	id      string
	summary string
}

// promptRecorder is a notifier that records prompts and optionally reacts
// to them.
type promptRecorder struct {
	mu       sync.Mutex
	prompts  []prompt
	err      error
	onPrompt func(id string)
	// stall makes SendPrompt block until its context ends, like a
	// notification backend that accepted the connection and went quiet.
	stall bool
}

func (p *promptRecorder) SendPrompt(ctx context.Context, id, summary string) error {
	p.mu.Lock()
	p.prompts = append(p.prompts, prompt{id, summary})
	err, on, stall := p.err, p.onPrompt, p.stall
	p.mu.Unlock()
	if stall {
		<-ctx.Done()
		return fmt.Errorf("send prompt: %w", ctx.Err())
	}
	if err != nil {
		return err
	}
	if on != nil {
		go on(id)
	}
	return nil
}

func (p *promptRecorder) Prompts() []prompt {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]prompt{}, p.prompts...)
}

func (p *promptRecorder) WaitForPrompt(t *testing.T) prompt {
	t.Helper()
	for i := 0; i < 100; i++ {
		if ps := p.Prompts(); len(ps) > 0 {
			return ps[len(ps)-1]
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("no prompt was sent")
	return prompt{}
}

type harness struct {
	mgr      *approval.Manager
	notifier *promptRecorder
	agent    *testutil.MockAgent
	key      ssh.PublicKey
	server   *Server
	socket   string
}

type harnessOption func(*HandlerConfig)

func withTimeout(d time.Duration) harnessOption {
	return func(c *HandlerConfig) { c.Approvals = approval.NewManager(d, 100) }
}

func withPolicy(p Policy) harnessOption {
	return func(c *HandlerConfig) { c.Policy = p }
}

func withUpstream(f Forwarder) harnessOption {
	return func(c *HandlerConfig) { c.Upstream = f }
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()
	dir := t.TempDir()

	mock, err := testutil.NewMockAgent(filepath.Join(dir, "upstream.sock"))
	if err != nil {
		t.Fatalf("start mock agent: %v", err)
	}
	key, err := mock.AddEd25519Key("test@git-sentry")
	if err != nil {
		t.Fatalf("add key: %v", err)
	}

	cfg := HandlerConfig{
		Notifier: &promptRecorder{},
		Upstream: NewUpstream(mock.Path),
	}
	for _, o := range opts {
		o(&cfg)
	}
	if cfg.Approvals == nil {
		cfg.Approvals = approval.NewManager(5*time.Second, 100)
	}

	h := &harness{
		mgr:      cfg.Approvals,
		notifier: cfg.Notifier.(*promptRecorder),
		agent:    mock,
		key:      key,
		socket:   filepath.Join(dir, "proxy", "agent.sock"),
	}
	h.server = NewServer(NewHandler(cfg))

	ln, err := Listen("unix", h.socket)
	if err != nil {
		t.Fatalf("Listen: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- h.server.Serve(ctx, ln) }()

	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Serve: %v", err)
		}
		mock.Close()
	})
	return h
}

func (h *harness) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("unix", h.socket)
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	t.Cleanup(func() { conn.Close() })
	return conn
}

func (h *harness) client(t *testing.T) agent.ExtendedAgent {
	return agent.NewClient(h.dial(t))
}

func (h *harness) approveAll() {
	h.notifier.mu.Lock()
	h.notifier.onPrompt = func(id string) { h.mgr.Approve(id) }
	h.notifier.mu.Unlock()
}

func (h *harness) denyAll() {
	h.notifier.mu.Lock()
	h.notifier.onPrompt = func(id string) { h.mgr.Deny(id) }
	h.notifier.mu.Unlock()
}

// roundTrip writes one frame and reads one response frame.
func roundTrip(t *testing.T, conn net.Conn, frame []byte) []byte {
	t.Helper()
	conn.SetDeadline(time.Now().Add(5 * time.Second))
	if err := agentproto.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write frame: %v", err)
	}
	resp, err := agentproto.ReadFrame(conn, agentproto.DefaultLimits())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	return resp
}

func TestHandler_IdentitiesForwardedUnchanged(t *testing.T) {
	h := newHarness(t)
	frame := agentproto.Encode(agentproto.TypeRequestIdentities, nil)

	direct, err := net.Dial("unix", h.agent.Path)
	if err != nil {
		t.Fatalf("dial agent: %v", err)
	}
	defer direct.Close()
	want := roundTrip(t, direct, frame)

	got := roundTrip(t, h.dial(t), frame)
	if !bytes.Equal(got, want) {
		t.Errorf("proxied response differs from direct response:\n got % x\nwant % x", got, want)
	}
	if len(h.notifier.Prompts()) != 0 {
		t.Error("identities request should not prompt")
	}
}

func TestHandler_SignApproved(t *testing.T) {
	h := newHarness(t)
	h.approveAll()
	client := h.client(t)

	data := []byte("commit data")
	sig, err := client.Sign(h.key, data)
	if err != nil {
		t.Fatalf("Sign through proxy: %v", err)
	}
	if err := h.key.Verify(data, sig); err != nil {
		t.Errorf("signature does not verify: %v", err)
	}

	p := h.notifier.WaitForPrompt(t)
	if !strings.Contains(p.summary, ssh.FingerprintSHA256(h.key)) {
		t.Errorf("summary should contain the key fingerprint: %q", p.summary)
	}
	if h.mgr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after approval", h.mgr.PendingCount())
	}
}

func TestHandler_SignDenied(t *testing.T) {
	h := newHarness(t)
	h.denyAll()
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	resp := roundTrip(t, conn, frame)

	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("response = % x, want failure frame", resp)
	}
	if n := h.agent.CallCount("sign"); n != 0 {
		t.Errorf("denied request reached upstream %d times", n)
	}
}

func TestHandler_SignTimeout(t *testing.T) {
	h := newHarness(t, withTimeout(50*time.Millisecond))
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	start := time.Now()
	resp := roundTrip(t, conn, frame)

	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("response = % x, want failure frame", resp)
	}
	if elapsed := time.Since(start); elapsed < 50*time.Millisecond {
		t.Errorf("responded after %v, before the timeout", elapsed)
	}
	if h.mgr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after timeout", h.mgr.PendingCount())
	}

	// A late approval for the expired request is rejected.
	p := h.notifier.WaitForPrompt(t)
	if err := h.mgr.Approve(p.id); !errors.Is(err, approval.ErrNotFound) {
		t.Errorf("late Approve = %v, want ErrNotFound", err)
	}
	if n := h.agent.CallCount("sign"); n != 0 {
		t.Errorf("timed out request reached upstream %d times", n)
	}
}

func TestHandler_NotifierFailure(t *testing.T) {
	h := newHarness(t)
	h.notifier.mu.Lock()
	h.notifier.err = errors.New("telegram unreachable")
	h.notifier.mu.Unlock()
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	start := time.Now()
	resp := roundTrip(t, conn, frame)

	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("response = % x, want failure frame", resp)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("notifier failure should fail fast, took %v", elapsed)
	}
	history := h.mgr.History()
	if len(history) != 1 || history[0].Resolution != approval.ResolutionFailed {
		t.Errorf("history = %+v, want one failed entry", history)
	}
}

func TestHandler_UpstreamUnavailable(t *testing.T) {
	h := newHarness(t, withUpstream(NewUpstream(filepath.Join(t.TempDir(), "missing.sock"))))
	conn := h.dial(t)

	resp := roundTrip(t, conn, agentproto.Encode(agentproto.TypeRequestIdentities, nil))
	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("response = % x, want failure frame", resp)
	}

	// The connection stays usable after a forward failure.
	resp = roundTrip(t, conn, agentproto.Encode(agentproto.TypeRequestIdentities, nil))
	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("second response = % x, want failure frame", resp)
	}
}

func TestHandler_MultipleRequestsPerConnection(t *testing.T) {
	h := newHarness(t)
	h.approveAll()
	client := h.client(t)

	keys, err := client.List()
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	if len(keys) != 1 {
		t.Fatalf("List returned %d keys, want 1", len(keys))
	}

	for i := 0; i < 3; i++ {
		if _, err := client.Sign(h.key, []byte{byte(i)}); err != nil {
			t.Fatalf("Sign %d: %v", i, err)
		}
	}
	if n := h.agent.CallCount("sign"); n != 3 {
		t.Errorf("upstream served %d signs, want 3", n)
	}
}

func TestHandler_AgentClientDenied(t *testing.T) {
	h := newHarness(t)
	h.denyAll()
	client := h.client(t)

	if _, err := client.Sign(h.key, []byte("data")); err == nil {
		t.Fatal("expected Sign to fail when denied")
	}

	// Non-gated requests on the same connection still work.
	if _, err := client.List(); err != nil {
		t.Errorf("List after denial: %v", err)
	}
}

func TestHandler_RemoveAllGatedByPolicy(t *testing.T) {
	policy, err := ParsePolicy([]string{"sign", "remove_all"})
	if err != nil {
		t.Fatalf("ParsePolicy: %v", err)
	}
	h := newHarness(t, withPolicy(policy))
	h.denyAll()
	client := h.client(t)

	if err := client.RemoveAll(); err == nil {
		t.Error("expected RemoveAll to fail when denied")
	}
	if h.agent.KeyCount() != 1 {
		t.Errorf("key count = %d, want 1", h.agent.KeyCount())
	}
	p := h.notifier.WaitForPrompt(t)
	if !strings.Contains(p.summary, "remove_all_identities") {
		t.Errorf("summary = %q", p.summary)
	}
}

func TestHandler_RemoveAllForwardedByDefault(t *testing.T) {
	h := newHarness(t)
	client := h.client(t)

	if err := client.RemoveAll(); err != nil {
		t.Fatalf("RemoveAll: %v", err)
	}
	if h.agent.KeyCount() != 0 {
		t.Errorf("key count = %d, want 0", h.agent.KeyCount())
	}
	if len(h.notifier.Prompts()) != 0 {
		t.Error("remove_all should not prompt under the default policy")
	}
}

func TestHandler_MalformedFrameClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	// Sign request whose key blob length overruns the body.
	frame := agentproto.Encode(agentproto.TypeSignRequest, []byte{0x00, 0x00, 0x00, 0x09, 0x01})
	if err := agentproto.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after malformed frame, got %v", err)
	}
	if n := len(h.agent.Calls()); n != 0 {
		t.Errorf("upstream was contacted %d times", n)
	}

	// Other connections are unaffected.
	if _, err := h.client(t).List(); err != nil {
		t.Errorf("List on a new connection: %v", err)
	}
}

func TestHandler_OversizedFrameClosesConnection(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	if _, err := conn.Write([]byte{0x01, 0x00, 0x00, 0x00}); err != nil {
		t.Fatalf("write: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, err := conn.Read(make([]byte, 1)); err != io.EOF {
		t.Errorf("expected EOF after oversized frame, got %v", err)
	}
}

func TestHandler_StalledNotifierStillTimesOut(t *testing.T) {
	h := newHarness(t, withTimeout(100*time.Millisecond))
	h.notifier.mu.Lock()
	h.notifier.stall = true
	h.notifier.mu.Unlock()
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	start := time.Now()
	resp := roundTrip(t, conn, frame)
	elapsed := time.Since(start)

	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("response = % x, want failure frame", resp)
	}
	if elapsed < 100*time.Millisecond || elapsed > time.Second {
		t.Errorf("responded after %v, want about the 100ms timeout", elapsed)
	}
	if h.mgr.PendingCount() != 0 {
		t.Errorf("PendingCount = %d after timeout", h.mgr.PendingCount())
	}
	history := h.mgr.History()
	if len(history) != 1 || history[0].Resolution != approval.ResolutionExpired {
		t.Errorf("history = %+v, want one expired entry", history)
	}
	if n := h.agent.CallCount("sign"); n != 0 {
		t.Errorf("timed out request reached upstream %d times", n)
	}
}

func TestHandler_StalledNotifierApprovedInTime(t *testing.T) {
	h := newHarness(t)
	h.notifier.mu.Lock()
	h.notifier.stall = true
	h.notifier.mu.Unlock()
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	if err := agentproto.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	// The decision arrives through another channel while the prompt is
	// still in flight.
	p := h.notifier.WaitForPrompt(t)
	if err := h.mgr.Approve(p.id); err != nil {
		t.Fatalf("Approve: %v", err)
	}

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := agentproto.ReadFrame(conn, agentproto.DefaultLimits())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp[agentproto.HeaderLen] != agentproto.TypeSignResponse {
		t.Errorf("response type = %d, want sign response", resp[agentproto.HeaderLen])
	}
}

func TestHandler_ServeConnOverPipe(t *testing.T) {
	h := NewHandler(HandlerConfig{
		Approvals: approval.NewManager(time.Second, 10),
		Notifier:  &promptRecorder{},
		Upstream:  NewUpstream(fakeUpstream(t, agentproto.Encode(agentproto.TypeIdentitiesAnswer, []byte{0, 0, 0, 0}))),
	})
	client, server := net.Pipe()
	done := make(chan struct{})
	go func() {
		h.ServeConn(context.Background(), server, "pipe", approval.SenderInfo{})
		close(done)
	}()

	resp := roundTrip(t, client, agentproto.Encode(agentproto.TypeRequestIdentities, nil))
	if resp[agentproto.HeaderLen] != agentproto.TypeIdentitiesAnswer {
		t.Errorf("response type = %d, want identities answer", resp[agentproto.HeaderLen])
	}

	client.Close()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("ServeConn did not return after the client closed")
	}
}

func TestHandler_ClientDisconnectKeepsApprovalPending(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	if err := agentproto.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := h.notifier.WaitForPrompt(t)
	conn.Close()

	time.Sleep(50 * time.Millisecond)
	if h.mgr.Get(p.id) == nil {
		t.Fatal("request was dropped when the client disconnected")
	}
	if err := h.mgr.Approve(p.id); err != nil {
		t.Errorf("Approve after disconnect: %v", err)
	}
}

func TestHandler_ConcurrentConnections(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	// First connection blocks waiting for approval.
	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	if err := agentproto.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	p := h.notifier.WaitForPrompt(t)

	// A second connection is served meanwhile.
	if _, err := h.client(t).List(); err != nil {
		t.Fatalf("List while another request awaits approval: %v", err)
	}
	if got := len(h.server.Clients()); got != 2 {
		t.Errorf("Clients() = %d, want 2", got)
	}

	if err := h.mgr.Approve(p.id); err != nil {
		t.Fatalf("Approve: %v", err)
	}
	conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	resp, err := agentproto.ReadFrame(conn, agentproto.DefaultLimits())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if resp[agentproto.HeaderLen] != agentproto.TypeSignResponse {
		t.Errorf("response type = %d, want sign response", resp[agentproto.HeaderLen])
	}
}

func TestHandler_ShutdownFailsPending(t *testing.T) {
	h := newHarness(t)
	conn := h.dial(t)

	frame, _ := agentproto.Marshal(agentproto.SignRequest{KeyBlob: h.key.Marshal(), Data: []byte("data")})
	if err := agentproto.WriteFrame(conn, frame); err != nil {
		t.Fatalf("write: %v", err)
	}
	h.notifier.WaitForPrompt(t)

	h.mgr.Shutdown()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	resp, err := agentproto.ReadFrame(conn, agentproto.DefaultLimits())
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	if !bytes.Equal(resp, agentproto.FailureFrame()) {
		t.Errorf("response = % x, want failure frame", resp)
	}
}
