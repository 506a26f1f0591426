package transport

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sentra-hq/sentra/internal/protocol"
	"go.uber.org/zap"
)

// State is the transport's connection state.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateConnected
)

// String returns the lowercase state name.
func (s State) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	default:
		return "disconnected"
	}
}

// ErrNotConnected is returned by Send when no connection is live. Send
// fails fast so the caller can fall back to the offline store instead of
// blocking the detection path.
var ErrNotConnected = errors.New("transport: not connected")

// DefaultRetryInterval is the fixed backoff between dial attempts.
// Retries continue forever: events queue locally regardless, so
// availability wins over backpressure here.
const DefaultRetryInterval = 5 * time.Second

// writeWait bounds each frame write so a TCP-stalled peer surfaces as a
// write error instead of blocking the sender forever.
var writeWait = 10 * time.Second

// Handler receives every decoded inbound message.
type Handler func(protocol.Message)

// Config configures a Transport.
type Config struct {
	URL           string      // websocket endpoint (ws:// or wss://)
	Header        http.Header // auth + identity headers sent on dial
	Handler       Handler     // inbound dispatch; required
	OnConnect     func()      // fires after each transition into Connected
	RetryInterval time.Duration
	Logger        *zap.Logger
}

// Transport is a self-healing bidirectional websocket client. It dials
// on Start, retries forever on a fixed interval, dispatches decoded
// inbound messages to the handler, and exposes a fail-fast concurrent
// Send. The transport has no queue awareness: draining buffered events
// on reconnect is the owner's job, via OnConnect.
type Transport struct {
	cfg    Config
	state  atomic.Int32
	logger *zap.Logger

	writeMu sync.Mutex // serializes writes; gorilla allows one writer at a time
	conn    *websocket.Conn
	connMu  sync.Mutex // guards conn swap

	cancel context.CancelFunc
	done   chan struct{}
}

// New creates a Transport. Start must be called to begin connecting.
func New(cfg Config) *Transport {
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	return &Transport{
		cfg:    cfg,
		logger: cfg.Logger,
		done:   make(chan struct{}),
	}
}

// State returns the current connection state.
func (t *Transport) State() State {
	return State(t.state.Load())
}

// Start launches the background connect/read loop. The loop runs until
// ctx is cancelled or Close is called.
func (t *Transport) Start(ctx context.Context) {
	ctx, t.cancel = context.WithCancel(ctx)
	go t.run(ctx)
}

// Close stops the loop and releases the socket. Blocks until the loop
// has exited. A Transport that was never started closes immediately.
func (t *Transport) Close() {
	if t.cancel == nil {
		t.closeConn()
		return
	}
	t.cancel()
	t.closeConn()
	<-t.done
}

// Send writes one message to the live connection. Returns
// ErrNotConnected without blocking when the connection is down. Safe to
// call from any goroutine; a write error tears the connection down so
// the read loop reconnects.
func (t *Transport) Send(msg protocol.Message) error {
	if t.State() != StateConnected {
		return ErrNotConnected
	}

	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}

	t.connMu.Lock()
	conn := t.conn
	t.connMu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	t.writeMu.Lock()
	conn.SetWriteDeadline(time.Now().Add(writeWait))
	err = conn.WriteMessage(websocket.TextMessage, data)
	t.writeMu.Unlock()

	if err != nil {
		t.logger.Warn("websocket write failed", zap.Error(err))
		conn.Close()
		t.demoteIfCurrent(conn)
		return err
	}
	return nil
}

// demoteIfCurrent marks the transport disconnected only while conn is
// still the active connection. The run loop may already have replaced
// it, and demoting then would latch a healthy link into fail-fast sends
// until the next real disconnect.
func (t *Transport) demoteIfCurrent(conn *websocket.Conn) {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn == conn {
		t.state.Store(int32(StateDisconnected))
	}
}

func (t *Transport) run(ctx context.Context) {
	defer close(t.done)
	defer t.state.Store(int32(StateDisconnected))

	for {
		if ctx.Err() != nil {
			return
		}

		t.state.Store(int32(StateConnecting))
		conn, _, err := websocket.DefaultDialer.DialContext(ctx, t.cfg.URL, t.cfg.Header)
		if err != nil {
			t.state.Store(int32(StateDisconnected))
			if ctx.Err() != nil {
				return
			}
			t.logger.Warn("dial failed, retrying",
				zap.String("url", t.cfg.URL),
				zap.Duration("retry_in", t.cfg.RetryInterval),
				zap.Error(err),
			)
			select {
			case <-time.After(t.cfg.RetryInterval):
			case <-ctx.Done():
				return
			}
			continue
		}

		t.connMu.Lock()
		t.conn = conn
		t.connMu.Unlock()
		t.state.Store(int32(StateConnected))
		t.logger.Info("connected", zap.String("url", t.cfg.URL))

		if t.cfg.OnConnect != nil {
			t.cfg.OnConnect()
		}

		t.readLoop(ctx, conn)

		t.state.Store(int32(StateDisconnected))
		conn.Close()
		t.logger.Info("disconnected, will reconnect",
			zap.Duration("retry_in", t.cfg.RetryInterval),
		)

		select {
		case <-time.After(t.cfg.RetryInterval):
		case <-ctx.Done():
			return
		}
	}
}

// readLoop decodes inbound frames and dispatches them until the
// connection errors or the context is cancelled. Undecodable frames are
// logged and dropped; they never tear down the connection.
func (t *Transport) readLoop(ctx context.Context, conn *websocket.Conn) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() == nil {
				t.logger.Warn("websocket read failed", zap.Error(err))
			}
			return
		}

		msg, err := protocol.Decode(data)
		if err != nil {
			t.logger.Warn("dropping undecodable message", zap.Error(err))
			continue
		}
		t.cfg.Handler(msg)
	}
}

func (t *Transport) closeConn() {
	t.connMu.Lock()
	defer t.connMu.Unlock()
	if t.conn != nil {
		t.conn.Close()
	}
}
