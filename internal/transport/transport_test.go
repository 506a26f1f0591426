package transport

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sentra-hq/sentra/internal/protocol"
	"go.uber.org/zap"
)

var testUpgrader = websocket.Upgrader{
	CheckOrigin: func(*http.Request) bool { return true },
}

// echoHub is a minimal websocket endpoint that records inbound frames
// and can push frames to the connected client.
type echoHub struct {
	mu       sync.Mutex
	received [][]byte
	conn     *websocket.Conn
	accepted chan struct{}
}

func newEchoHub() *echoHub {
	return &echoHub{accepted: make(chan struct{}, 8)}
}

func (h *echoHub) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	conn, err := testUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	h.mu.Lock()
	h.conn = conn
	h.mu.Unlock()
	h.accepted <- struct{}{}

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		h.mu.Lock()
		h.received = append(h.received, data)
		h.mu.Unlock()
	}
}

func (h *echoHub) push(t *testing.T, msg protocol.Message) {
	t.Helper()
	data, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	h.mu.Lock()
	conn := h.conn
	h.mu.Unlock()
	if err := conn.WriteMessage(websocket.TextMessage, data); err != nil {
		t.Fatalf("push failed: %v", err)
	}
}

func (h *echoHub) frames() [][]byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([][]byte, len(h.received))
	copy(out, h.received)
	return out
}

func wsURL(server *httptest.Server) string {
	return "ws" + strings.TrimPrefix(server.URL, "http")
}

func TestSend_FailsFastWhenDisconnected(t *testing.T) {
	tr := New(Config{
		URL:     "ws://127.0.0.1:1/ws",
		Handler: func(protocol.Message) {},
		Logger:  zap.NewNop(),
	})

	start := time.Now()
	err := tr.Send(&protocol.AgentViolation{Keyword: "refund", EventID: "e1"})
	elapsed := time.Since(start)

	if err != ErrNotConnected {
		t.Fatalf("expected ErrNotConnected, got %v", err)
	}
	if elapsed > 10*time.Millisecond {
		t.Errorf("Send must not block while disconnected, took %s", elapsed)
	}
}

func TestTransport_ConnectSendReceive(t *testing.T) {
	hub := newEchoHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	inbound := make(chan protocol.Message, 8)
	connected := make(chan struct{}, 8)

	tr := New(Config{
		URL:           wsURL(server) + "/",
		Handler:       func(m protocol.Message) { inbound <- m },
		OnConnect:     func() { connected <- struct{}{} },
		RetryInterval: 50 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	tr.Start(context.Background())
	defer tr.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never connected")
	}
	if tr.State() != StateConnected {
		t.Fatalf("expected connected state, got %s", tr.State())
	}

	// Outbound
	if err := tr.Send(&protocol.AgentViolation{Keyword: "refund", EventID: "e1"}); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for len(hub.frames()) == 0 {
		if time.Now().After(deadline) {
			t.Fatal("server never received the frame")
		}
		time.Sleep(10 * time.Millisecond)
	}

	// Inbound dispatch
	<-hub.accepted
	hub.push(t, &protocol.Whisper{To: "op-1", Content: "take a breath"})
	select {
	case m := <-inbound:
		w, ok := m.(*protocol.Whisper)
		if !ok || w.Content != "take a breath" {
			t.Fatalf("unexpected inbound message: %#v", m)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler never received the whisper")
	}
}

func TestTransport_ReconnectsAfterServerDrop(t *testing.T) {
	hub := newEchoHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	connected := make(chan struct{}, 8)
	tr := New(Config{
		URL:           wsURL(server) + "/",
		Handler:       func(protocol.Message) {},
		OnConnect:     func() { connected <- struct{}{} },
		RetryInterval: 20 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	tr.Start(context.Background())
	defer tr.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("first connect never happened")
	}

	// Drop the server side; the transport must dial again on its own.
	<-hub.accepted
	hub.mu.Lock()
	hub.conn.Close()
	hub.mu.Unlock()

	select {
	case <-connected:
	case <-time.After(3 * time.Second):
		t.Fatal("transport did not reconnect")
	}
}

func TestTransport_UndecodableInboundIsDropped(t *testing.T) {
	hub := newEchoHub()
	server := httptest.NewServer(hub)
	defer server.Close()

	inbound := make(chan protocol.Message, 8)
	connected := make(chan struct{}, 8)
	tr := New(Config{
		URL:           wsURL(server) + "/",
		Handler:       func(m protocol.Message) { inbound <- m },
		OnConnect:     func() { connected <- struct{}{} },
		RetryInterval: 50 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	tr.Start(context.Background())
	defer tr.Close()

	<-connected
	<-hub.accepted

	hub.mu.Lock()
	hub.conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"NOT_A_THING"}`))
	hub.mu.Unlock()
	hub.push(t, &protocol.ReloadConfig{AgentID: "op-1"})

	select {
	case m := <-inbound:
		if m.Type() != protocol.TypeReloadConfig {
			t.Fatalf("expected the valid message after the bad one, got %s", m.Type())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("valid message never dispatched; bad frame likely tore the connection down")
	}
}

func TestSend_StaleConnFailureDoesNotDemoteActiveConn(t *testing.T) {
	tr := New(Config{
		URL:     "ws://127.0.0.1:1/ws",
		Handler: func(protocol.Message) {},
		Logger:  zap.NewNop(),
	})

	stale := &websocket.Conn{}
	active := &websocket.Conn{}
	tr.connMu.Lock()
	tr.conn = active
	tr.connMu.Unlock()
	tr.state.Store(int32(StateConnected))

	tr.demoteIfCurrent(stale)
	if tr.State() != StateConnected {
		t.Fatal("a write failure on a replaced connection must not demote the live one")
	}

	tr.demoteIfCurrent(active)
	if tr.State() != StateDisconnected {
		t.Fatal("a write failure on the active connection must demote the state")
	}
}

func TestSend_WriteDeadlineBoundsStalledPeer(t *testing.T) {
	old := writeWait
	writeWait = 200 * time.Millisecond
	t.Cleanup(func() { writeWait = old })

	// Upgrade and never read: the peer stalls instead of erroring.
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		testUpgrader.Upgrade(w, r, nil)
	}))
	defer server.Close()

	connected := make(chan struct{}, 8)
	tr := New(Config{
		URL:           wsURL(server) + "/",
		Handler:       func(protocol.Message) {},
		OnConnect:     func() { connected <- struct{}{} },
		RetryInterval: 50 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	tr.Start(context.Background())
	defer tr.Close()

	select {
	case <-connected:
	case <-time.After(2 * time.Second):
		t.Fatal("transport never connected")
	}

	big := &protocol.AgentViolation{
		Keyword:     "refund",
		EventID:     "e-big",
		EvidenceRef: strings.Repeat("x", 1<<25),
	}
	start := time.Now()
	if err := tr.Send(big); err == nil {
		t.Fatal("write to a stalled peer should fail once the deadline passes")
	}
	if elapsed := time.Since(start); elapsed > 5*time.Second {
		t.Errorf("Send blocked for %s despite the write deadline", elapsed)
	}
}

func TestTransport_CloseStopsRetryLoop(t *testing.T) {
	tr := New(Config{
		URL:           "ws://127.0.0.1:1/ws", // nothing listening
		Handler:       func(protocol.Message) {},
		RetryInterval: 10 * time.Millisecond,
		Logger:        zap.NewNop(),
	})
	tr.Start(context.Background())
	time.Sleep(30 * time.Millisecond)

	doneCh := make(chan struct{})
	go func() {
		tr.Close()
		close(doneCh)
	}()
	select {
	case <-doneCh:
	case <-time.After(2 * time.Second):
		t.Fatal("Close did not stop the retry loop")
	}
}
