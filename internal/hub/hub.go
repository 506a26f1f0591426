package hub

import (
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sentra-hq/sentra/internal/auth"
	"github.com/sentra-hq/sentra/internal/dedup"
	"github.com/sentra-hq/sentra/internal/escalation"
	"github.com/sentra-hq/sentra/internal/metrics"
	"github.com/sentra-hq/sentra/internal/protocol"
	"github.com/sentra-hq/sentra/internal/registry"
	"github.com/sentra-hq/sentra/internal/storage"
	"go.uber.org/zap"
)

// writeWait bounds each outbound frame write so one TCP-stalled client
// cannot hold up the sender.
var writeWait = 10 * time.Second

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	// Agents and dashboards connect from their own origins; token auth
	// is the gate, not the Origin header.
	CheckOrigin: func(*http.Request) bool { return true },
}

// Hub owns the server side of the pipeline: it accepts websocket
// connections, authenticates them, registers them in the connection
// registry, and routes inbound messages: violations to deduplication,
// archive, escalation, and scoped broadcast; supervisor commands to
// unicast.
type Hub struct {
	registry *registry.Registry
	alerts   *escalation.Queue
	seen     *dedup.Cache
	writer   storage.EventWriter
	auth     auth.Authenticator
	logger   *zap.Logger
}

// New wires a Hub from its collaborators.
func New(
	reg *registry.Registry,
	alerts *escalation.Queue,
	seen *dedup.Cache,
	writer storage.EventWriter,
	authenticator auth.Authenticator,
	logger *zap.Logger,
) *Hub {
	h := &Hub{
		registry: reg,
		alerts:   alerts,
		seen:     seen,
		writer:   writer,
		auth:     authenticator,
		logger:   logger,
	}
	metrics.RegisterConnectionGauges(
		func() float64 { return float64(reg.Count(registry.RoleOperator)) },
		func() float64 { return float64(reg.Count(registry.RoleSupervisor)) },
	)
	return h
}

// wsSender adapts a websocket connection to the registry's Sender.
// gorilla permits one concurrent writer, so writes are serialized here.
type wsSender struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (s *wsSender) Send(msg protocol.Message) error {
	data, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	// A stalled recipient must fail this write, not block the rest of a
	// broadcast; the registry unregisters it on error.
	s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(websocket.TextMessage, data)
}

// ServeWS handles GET /ws: authenticate, upgrade, register, then run the
// per-connection read loop until the socket dies.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	token, ok := extractBearerToken(r)
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResp{Detail: "Missing or invalid Authorization header"})
		return
	}

	identity, err := h.auth.Authenticate(r.Context(), token)
	if err != nil {
		h.logger.Warn("websocket auth failed", zap.Error(err))
		writeJSON(w, http.StatusUnauthorized, errorResp{Detail: "Invalid token"})
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.logger.Warn("websocket upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	connID := uuid.New().String()
	role := registry.RoleOperator
	operatorID := identity.SubjectID
	if identity.Role == auth.RoleSupervisor {
		role = registry.RoleSupervisor
		operatorID = ""
	}

	sender := &wsSender{conn: conn}
	h.registry.Register(connID, role, identity.Scope, operatorID, sender)
	defer h.registry.Unregister(connID)

	h.readLoop(conn, connID, identity)
}

func (h *Hub) readLoop(conn *websocket.Conn, connID string, identity *auth.Identity) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			h.logger.Info("connection closed",
				zap.String("connection_id", connID),
				zap.String("subject_id", identity.SubjectID),
				zap.Error(err),
			)
			return
		}
		h.registry.Touch(connID)

		msg, err := protocol.Decode(data)
		if err != nil {
			h.logger.Warn("dropping undecodable message",
				zap.String("connection_id", connID),
				zap.Error(err),
			)
			continue
		}

		switch identity.Role {
		case auth.RoleOperator:
			h.handleOperatorMessage(identity, msg)
		case auth.RoleSupervisor:
			h.handleSupervisorMessage(identity, msg)
		}
	}
}

// handleOperatorMessage routes messages arriving on an operator
// connection. Anything outside the operator's allowed set is logged and
// dropped; a compromised agent must not be able to whisper.
func (h *Hub) handleOperatorMessage(identity *auth.Identity, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.AgentViolation:
		h.handleViolation(identity, m)
	case *protocol.HelpRequest:
		h.handleHelpRequest(identity, m)
	default:
		h.logger.Warn("unexpected message from operator",
			zap.String("operator_id", identity.SubjectID),
			zap.String("type", string(msg.Type())),
		)
	}
}

// handleViolation is the core escalation path: dedup, archive, ingest,
// scoped broadcast. The server stamps the sender identity; clients
// cannot spoof another operator or department.
func (h *Hub) handleViolation(identity *auth.Identity, v *protocol.AgentViolation) {
	receivedAt := time.Now().UTC()
	occurredAt := v.Timestamp
	if occurredAt.IsZero() {
		occurredAt = receivedAt
	}

	duplicate := v.EventID != "" && h.seen.Seen(v.EventID)

	h.writer.Write(&storage.ArchiveEvent{
		EventID:     v.EventID,
		EventType:   string(protocol.TypeAgentViolation),
		OperatorID:  identity.SubjectID,
		Dept:        identity.Scope,
		Keyword:     v.Keyword,
		EvidenceRef: v.EvidenceRef,
		OccurredAt:  occurredAt,
		ReceivedAt:  receivedAt,
		Duplicate:   duplicate,
	})

	if duplicate {
		// Replay after a reconnect: at-least-once delivery makes this
		// normal. Log once, never escalate twice.
		metrics.DuplicatesTotal.Inc()
		h.logger.Info("duplicate violation dropped",
			zap.String("event_id", v.EventID),
			zap.String("operator_id", identity.SubjectID),
		)
		return
	}

	metrics.ViolationsTotal.Inc()
	h.alerts.Ingest(identity.SubjectID, v.Keyword, occurredAt)

	v.From = identity.SubjectID
	v.Dept = identity.Scope
	h.registry.Broadcast(v, identity.Scope)
}

// handleHelpRequest mirrors the violation path: a replayed RequestID is
// archived with the duplicate flag but never reaches supervisors twice.
func (h *Hub) handleHelpRequest(identity *auth.Identity, m *protocol.HelpRequest) {
	receivedAt := time.Now().UTC()
	duplicate := m.RequestID != "" && h.seen.Seen(m.RequestID)

	archiveID := m.RequestID
	if archiveID == "" {
		archiveID = uuid.New().String()
	}
	h.writer.Write(&storage.ArchiveEvent{
		EventID:     archiveID,
		EventType:   string(protocol.TypeHelpRequest),
		OperatorID:  identity.SubjectID,
		Dept:        identity.Scope,
		Description: m.Description,
		EvidenceRef: m.EvidenceRef,
		OccurredAt:  receivedAt,
		ReceivedAt:  receivedAt,
		Duplicate:   duplicate,
	})

	if duplicate {
		metrics.DuplicatesTotal.Inc()
		h.logger.Info("duplicate help request dropped",
			zap.String("request_id", m.RequestID),
			zap.String("operator_id", identity.SubjectID),
		)
		return
	}

	metrics.HelpRequestsTotal.Inc()
	m.AgentID = identity.SubjectID
	m.Dept = identity.Scope
	h.registry.Broadcast(m, identity.Scope)
}

// handleSupervisorMessage routes messages arriving on a supervisor
// connection: whispers to one operator or the whole scope, and config
// reload pushes.
func (h *Hub) handleSupervisorMessage(identity *auth.Identity, msg protocol.Message) {
	switch m := msg.(type) {
	case *protocol.Whisper:
		if m.To == "" || m.To == registry.SuperScope {
			h.registry.BroadcastToOperators(m, identity.Scope)
			return
		}
		if err := h.registry.Unicast(m.To, m); err != nil {
			h.logger.Warn("whisper undeliverable",
				zap.String("to", m.To),
				zap.Error(err),
			)
		}
	case *protocol.ReloadConfig:
		if m.AgentID == "" {
			h.registry.BroadcastToOperators(m, identity.Scope)
			return
		}
		if err := h.registry.Unicast(m.AgentID, m); err != nil {
			h.logger.Warn("reload undeliverable",
				zap.String("agent_id", m.AgentID),
				zap.Error(err),
			)
		}
	default:
		h.logger.Warn("unexpected message from supervisor",
			zap.String("subject_id", identity.SubjectID),
			zap.String("type", string(msg.Type())),
		)
	}
}

// extractBearerToken pulls the token from the Authorization header.
// RFC 6750: the "Bearer" scheme is case-insensitive.
func extractBearerToken(r *http.Request) (string, bool) {
	header := r.Header.Get("Authorization")
	if header == "" {
		return "", false
	}
	if len(header) > 7 && strings.EqualFold(header[:7], "bearer ") {
		return strings.TrimSpace(header[7:]), true
	}
	return "", false
}
