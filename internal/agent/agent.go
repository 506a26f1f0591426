package agent

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/sentra-hq/sentra/internal/detector"
	"github.com/sentra-hq/sentra/internal/event"
	"github.com/sentra-hq/sentra/internal/offline"
	"github.com/sentra-hq/sentra/internal/protocol"
	"github.com/sentra-hq/sentra/internal/transport"
	"go.uber.org/zap"
)

// drainBatchSize is how many pending records are replayed per peek/ack
// round during a reconnect drain.
const drainBatchSize = 50

// drainBatchTimeout bounds one peek/send/ack round. Each batch gets its
// own deadline, so a backlog of any size drains on a healthy link
// instead of dying when a single whole-drain deadline expires.
const drainBatchTimeout = 30 * time.Second

// Config configures an Agent.
type Config struct {
	OperatorID  string
	Dept        string
	ServerURL   string // websocket endpoint of the hub
	Token       string
	QueuePath   string // sqlite file for the offline queue
	KeywordFile string
	Logger      *zap.Logger

	// OnWhisper receives supervisor whispers for display; optional.
	OnWhisper func(content string)
	// OnStoreError surfaces durability failures to the operator UI;
	// silent event loss would defeat the system's purpose. Optional.
	OnStoreError func(err error)
}

// Agent is the operator-side runtime: it feeds keystrokes to the
// detector, sends violations over the transport, falls back to the
// offline store when the connection is down, and drains the store on
// every reconnect.
type Agent struct {
	cfg      Config
	logger   *zap.Logger
	detector *detector.Detector
	store    *offline.Store
	trans    *transport.Transport
	keywords *KeywordProvider

	drainMu sync.Mutex // one drain at a time
}

// New builds an Agent and its components. Start begins connecting.
func New(cfg Config) (*Agent, error) {
	a := &Agent{cfg: cfg, logger: cfg.Logger}

	provider, err := NewKeywordProvider(cfg.KeywordFile, cfg.Logger)
	if err != nil {
		return nil, err
	}
	a.keywords = provider

	store, err := offline.Open(cfg.QueuePath, cfg.Logger)
	if err != nil {
		return nil, err
	}
	a.store = store

	a.detector = detector.New(cfg.OperatorID, provider.Keywords(), a.emit, cfg.Logger)
	provider.OnUpdate(a.detector.UpdateKeywords)

	header := http.Header{}
	header.Set("Authorization", "Bearer "+cfg.Token)
	a.trans = transport.New(transport.Config{
		URL:       cfg.ServerURL,
		Header:    header,
		Handler:   a.handleInbound,
		OnConnect: func() { go a.drain() },
		Logger:    cfg.Logger,
	})

	return a, nil
}

// Start launches the keyword watcher and the transport's connect loop.
func (a *Agent) Start(ctx context.Context) error {
	if err := a.keywords.Watch(ctx); err != nil {
		return err
	}
	a.trans.Start(ctx)
	return nil
}

// Close stops the transport and then the store. In-flight enqueue/ack
// operations finish before the store handle is released.
func (a *Agent) Close() error {
	a.trans.Close()
	return a.store.Close()
}

// OnKeyPress feeds one key from the host input stream into the detector.
func (a *Agent) OnKeyPress(key rune) {
	a.detector.OnKeyPress(key)
}

// Pending reports how many events are buffered locally.
func (a *Agent) Pending(ctx context.Context) (int, error) {
	return a.store.Pending(ctx)
}

// emit is the detector's violation sink. This runs on the keystroke
// path, so every branch is bounded-time.
func (a *Agent) emit(ev *event.ViolationEvent) {
	msg := &protocol.AgentViolation{
		Keyword:     ev.Keyword,
		Timestamp:   ev.OccurredAt,
		EventID:     ev.EventID,
		EvidenceRef: ev.EvidenceRef,
	}
	a.deliver(msg, ev.EventID)
}

// deliver sends one outbound message without breaking per-operator
// ordering. The drain lock doubles as the ordering gate: while a drain
// is replaying, or older records are still pending, a live send would
// overtake them, so the message goes to the store instead and a drain
// replays it in record order behind everything that preceded it.
func (a *Agent) deliver(msg protocol.Message, id string) {
	if !a.drainMu.TryLock() {
		a.buffer(msg, id)
		a.scheduleDrain()
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	pending, err := a.store.Pending(ctx)
	cancel()
	if err != nil {
		a.logger.Warn("pending count failed, sending live", zap.Error(err))
	}
	if pending > 0 {
		a.drainMu.Unlock()
		a.buffer(msg, id)
		a.scheduleDrain()
		return
	}

	err = a.trans.Send(msg)
	a.drainMu.Unlock()
	if err != nil {
		a.buffer(msg, id)
	}
}

// buffer durably enqueues msg for a later drain. A failure here risks
// losing the event, so it is surfaced to the operator UI.
func (a *Agent) buffer(msg protocol.Message, id string) {
	data, err := protocol.Encode(msg)
	if err != nil {
		a.logger.Error("outbound encode failed", zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := a.store.Enqueue(ctx, string(msg.Type()), data); err != nil {
		a.logger.Error("offline enqueue failed, event at risk",
			zap.String("id", id),
			zap.Error(err),
		)
		if a.cfg.OnStoreError != nil {
			a.cfg.OnStoreError(err)
		}
		return
	}
	a.logger.Info("event buffered offline",
		zap.String("id", id),
		zap.String("type", string(msg.Type())),
	)
}

// scheduleDrain kicks off a drain for records buffered while the link
// was up. Skipped when disconnected: the reconnect drain covers those.
func (a *Agent) scheduleDrain() {
	if a.trans.State() == transport.StateConnected {
		go a.drain()
	}
}

// drain replays buffered events in record order after a reconnect. Acks
// are all-or-nothing per batch: a mid-batch send failure leaves the
// whole batch pending, and the stable event ids make the inevitable
// re-send safe on the server.
func (a *Agent) drain() {
	a.drainMu.Lock()
	defer a.drainMu.Unlock()

	for {
		done, err := a.drainBatch()
		if done || err != nil {
			return
		}
	}
}

// drainBatch replays one batch under its own deadline. Reports done when
// the store is empty.
func (a *Agent) drainBatch() (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), drainBatchTimeout)
	defer cancel()

	batch, err := a.store.PeekBatch(ctx, drainBatchSize)
	if err != nil {
		a.logger.Error("drain peek failed", zap.Error(err))
		return false, err
	}
	if len(batch) == 0 {
		return true, nil
	}

	ids := make([]int64, 0, len(batch))
	for _, rec := range batch {
		msg, err := protocol.Decode(rec.Payload)
		if err != nil {
			// A corrupt record would wedge the queue forever; drop it
			// loudly instead.
			a.logger.Error("dropping corrupt pending record",
				zap.Int64("record_id", rec.RecordID),
				zap.Error(err),
			)
			ids = append(ids, rec.RecordID)
			continue
		}
		if err := a.trans.Send(msg); err != nil {
			a.logger.Warn("drain interrupted, will resume on next reconnect",
				zap.Int("replayed", len(ids)),
				zap.Error(err),
			)
			return false, err
		}
		ids = append(ids, rec.RecordID)
	}

	if err := a.store.Ack(ctx, ids); err != nil {
		a.logger.Error("drain ack failed", zap.Error(err))
		return false, err
	}
	a.logger.Info("replayed buffered events", zap.Int("count", len(ids)))
	return false, nil
}

// handleInbound dispatches server-to-operator messages.
func (a *Agent) handleInbound(msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Whisper:
		a.logger.Info("whisper received", zap.String("content", m.Content))
		if a.cfg.OnWhisper != nil {
			a.cfg.OnWhisper(m.Content)
		}
	case *protocol.ReloadConfig:
		if err := a.keywords.Reload(); err != nil {
			a.logger.Warn("config reload failed, keeping previous keywords", zap.Error(err))
		}
	default:
		a.logger.Debug("ignoring message", zap.String("type", string(msg.Type())))
	}
}

// RequestHelp sends a help request to the scoped supervisors, buffering
// it offline like a violation when the connection is down. The stable
// RequestID rides the wire so the server deduplicates replays.
func (a *Agent) RequestHelp(description, evidenceRef string) {
	req := event.NewHelpRequest(a.cfg.OperatorID, description, evidenceRef)
	msg := &protocol.HelpRequest{
		RequestID:   req.RequestID,
		AgentID:     req.OperatorID,
		Description: req.Description,
		EvidenceRef: req.EvidenceRef,
	}
	a.deliver(msg, req.RequestID)
}
