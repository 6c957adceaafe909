package api

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/coder/websocket"

	"github.com/nikicat/git-sentry/internal/approval"
	"github.com/nikicat/git-sentry/internal/proxy"
)

// wsTestSetup starts a WebSocket handler and connects an authorized client
// that has already consumed the snapshot.
func wsTestSetup(t *testing.T, mgr *approval.Manager, provider ClientProvider) (*WSHandler, *websocket.Conn, WSMessage) {
	t.Helper()
	auth, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create auth: %v", err)
	}

	handler := NewWSHandler(mgr, provider, auth)
	server := httptest.NewServer(http.HandlerFunc(handler.HandleWS))
	t.Cleanup(server.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, _, err := websocket.Dial(ctx, wsURL, &websocket.DialOptions{
		HTTPHeader: http.Header{"Authorization": []string{"Bearer " + auth.Token()}},
	})
	if err != nil {
		t.Fatalf("failed to connect: %v", err)
	}
	t.Cleanup(func() { conn.Close(websocket.StatusNormalClosure, "") })

	return handler, conn, readMessage(t, conn)
}

func readMessage(t *testing.T, conn *websocket.Conn) WSMessage {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	_, data, err := conn.Read(ctx)
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var msg WSMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("failed to parse message: %v", err)
	}
	return msg
}

// waitSubscribed polls until the handler has registered n connections.
func waitSubscribed(t *testing.T, h *WSHandler, n int) {
	t.Helper()
	for i := 0; i < 100; i++ {
		h.connsMu.RLock()
		got := len(h.conns)
		h.connsMu.RUnlock()
		if got == n {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected %d WebSocket connections", n)
}

func TestWSHandler_Unauthorized(t *testing.T) {
	mgr := approval.NewManager(5*time.Second, 100)
	auth, err := NewAuth(t.TempDir())
	if err != nil {
		t.Fatalf("failed to create auth: %v", err)
	}

	server := httptest.NewServer(http.HandlerFunc(NewWSHandler(mgr, nil, auth).HandleWS))
	defer server.Close()

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	_, resp, err := websocket.Dial(ctx, wsURL, nil)
	if err == nil {
		t.Fatal("expected connection to fail without auth")
	}
	if resp == nil || resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("expected 401 response, got %v", resp)
	}
}

func TestWSHandler_Snapshot(t *testing.T) {
	mgr := approval.NewManager(5*time.Second, 100)
	pending := registerSign(t, mgr)
	provider := &mockClientProvider{clients: []proxy.ClientInfo{{Name: "unix:1"}, {Name: "unix:2"}}}

	_, _, snap := wsTestSetup(t, mgr, provider)

	if snap.Type != MsgSnapshot {
		t.Errorf("expected snapshot message, got %s", snap.Type)
	}
	if len(snap.Clients) != 2 {
		t.Errorf("expected 2 clients, got %d", len(snap.Clients))
	}
	if len(snap.Requests) != 1 || snap.Requests[0].ID != pending.ID {
		t.Errorf("unexpected requests %+v", snap.Requests)
	}
}

func TestWSHandler_SnapshotWithoutProvider(t *testing.T) {
	_, _, snap := wsTestSetup(t, approval.NewManager(5*time.Second, 100), nil)

	if snap.Clients == nil || snap.Requests == nil {
		t.Error("snapshot arrays must be present")
	}
}

func TestWSHandler_RequestLifecycle(t *testing.T) {
	mgr := approval.NewManager(5*time.Second, 100)
	handler, conn, _ := wsTestSetup(t, mgr, nil)
	waitSubscribed(t, handler, 1)

	pending := registerSign(t, mgr)

	msg := readMessage(t, conn)
	if msg.Type != MsgRequestCreated {
		t.Fatalf("expected request_created, got %s", msg.Type)
	}
	if msg.Request == nil || msg.Request.ID != pending.ID {
		t.Fatalf("unexpected request %+v", msg.Request)
	}
	if msg.Request.Sign == nil || msg.Request.Sign.Namespace != "git" {
		t.Errorf("sign info missing from event: %+v", msg.Request.Sign)
	}

	if err := mgr.Approve(pending.ID); err != nil {
		t.Fatal(err)
	}

	msg = readMessage(t, conn)
	if msg.Type != MsgRequestResolved || msg.ID != pending.ID || msg.Result != "approved" {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWSHandler_ResolutionResults(t *testing.T) {
	tests := []struct {
		name    string
		resolve func(mgr *approval.Manager, req *approval.Request)
		want    string
	}{
		{"denied", func(mgr *approval.Manager, req *approval.Request) { mgr.Deny(req.ID) }, "denied"},
		{"failed", func(mgr *approval.Manager, req *approval.Request) { mgr.Fail(req.ID, context.Canceled) }, "failed"},
		{"expired", func(mgr *approval.Manager, req *approval.Request) {
			mgr.Await(context.Background(), req)
		}, "expired"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			mgr := approval.NewManager(500*time.Millisecond, 100)
			handler, conn, _ := wsTestSetup(t, mgr, nil)
			waitSubscribed(t, handler, 1)

			pending := registerSign(t, mgr)
			if msg := readMessage(t, conn); msg.Type != MsgRequestCreated {
				t.Fatalf("expected request_created, got %s", msg.Type)
			}

			tc.resolve(mgr, pending)

			msg := readMessage(t, conn)
			if msg.Type != MsgRequestResolved || msg.Result != tc.want {
				t.Errorf("expected request_resolved/%s, got %+v", tc.want, msg)
			}
		})
	}
}

func TestWSHandler_ClientEvents(t *testing.T) {
	handler, conn, _ := wsTestSetup(t, approval.NewManager(5*time.Second, 100), nil)
	waitSubscribed(t, handler, 1)

	handler.OnClientConnected(proxy.ClientInfo{Name: "unix:7", PID: 99})
	msg := readMessage(t, conn)
	if msg.Type != MsgClientConnected || msg.Client == nil || msg.Client.PID != 99 {
		t.Errorf("unexpected message %+v", msg)
	}

	handler.OnClientDisconnected(proxy.ClientInfo{Name: "unix:7"})
	msg = readMessage(t, conn)
	if msg.Type != MsgClientDisconnected || msg.Client == nil || msg.Client.Name != "unix:7" {
		t.Errorf("unexpected message %+v", msg)
	}

	handler.BroadcastUpstream(false)
	msg = readMessage(t, conn)
	if msg.Type != MsgUpstreamChanged || msg.UpstreamAvailable == nil || *msg.UpstreamAvailable {
		t.Errorf("unexpected message %+v", msg)
	}
}

func TestWSHandler_DisconnectUnsubscribes(t *testing.T) {
	mgr := approval.NewManager(5*time.Second, 100)
	handler, conn, _ := wsTestSetup(t, mgr, nil)
	waitSubscribed(t, handler, 1)

	conn.Close(websocket.StatusNormalClosure, "bye")
	waitSubscribed(t, handler, 0)

	// Events after disconnect must not panic or block.
	pending := registerSign(t, mgr)
	mgr.Approve(pending.ID)
}

func TestWSHandler_CloseAll(t *testing.T) {
	handler, conn, _ := wsTestSetup(t, approval.NewManager(5*time.Second, 100), nil)
	waitSubscribed(t, handler, 1)

	handler.CloseAll()
	waitSubscribed(t, handler, 0)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if _, _, err := conn.Read(ctx); err == nil {
		t.Error("expected read error after CloseAll")
	}
}
