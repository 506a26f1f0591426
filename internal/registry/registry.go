package registry

import (
	"errors"
	"sync"
	"time"

	"github.com/sentra-hq/sentra/internal/protocol"
	"go.uber.org/zap"
)

// SuperScope is the scope marker that sees broadcasts for every
// department.
const SuperScope = "ALL"

// ErrOperatorNotConnected is returned by Unicast when no live connection
// exists for the operator.
var ErrOperatorNotConnected = errors.New("registry: operator not connected")

// Role distinguishes the two connection kinds.
type Role int

const (
	RoleOperator Role = iota + 1
	RoleSupervisor
)

// String returns the lowercase role name.
func (r Role) String() string {
	switch r {
	case RoleOperator:
		return "operator"
	case RoleSupervisor:
		return "supervisor"
	default:
		return "unspecified"
	}
}

// Sender writes one wire message to a live connection. Implementations
// must be safe for concurrent calls; the registry may send to the same
// connection from several broadcast paths.
type Sender interface {
	Send(msg protocol.Message) error
}

// Connection is one registered socket. Owned exclusively by the
// Registry; destroyed on disconnect.
type Connection struct {
	ID         string
	Role       Role
	Scope      string // department, or SuperScope for supervisors
	OperatorID string // set for operator connections
	LastSeenAt time.Time
	sender     Sender
}

// Registry tracks live operator and supervisor connections and performs
// scoped broadcast and unicast routing. The connection map is guarded by
// a reader-writer lock; sends happen outside the lock so one slow socket
// never stalls registration. A failing send unregisters the dead
// connection (self-healing) without aborting delivery to the rest.
type Registry struct {
	mu     sync.RWMutex
	conns  map[string]*Connection
	logger *zap.Logger
}

// New creates an empty registry.
func New(logger *zap.Logger) *Registry {
	return &Registry{
		conns:  make(map[string]*Connection),
		logger: logger,
	}
}

// Register adds a connection. Operators trigger an online
// AGENT_STATUS_CHANGE to their scoped supervisors; supervisors receive a
// one-shot SYNC_AGENTS snapshot of currently online operators visible to
// their scope.
func (r *Registry) Register(id string, role Role, scope, operatorID string, sender Sender) {
	conn := &Connection{
		ID:         id,
		Role:       role,
		Scope:      scope,
		OperatorID: operatorID,
		LastSeenAt: time.Now(),
		sender:     sender,
	}

	r.mu.Lock()
	r.conns[id] = conn
	r.mu.Unlock()

	r.logger.Info("connection registered",
		zap.String("connection_id", id),
		zap.String("role", role.String()),
		zap.String("scope", scope),
		zap.String("operator_id", operatorID),
	)

	switch role {
	case RoleOperator:
		r.Broadcast(&protocol.AgentStatusChange{
			AgentID: operatorID,
			Status:  "online",
			Dept:    scope,
		}, scope)
	case RoleSupervisor:
		snapshot := &protocol.SyncAgents{
			OnlineAgents: r.OnlineOperators(scope),
			DeptFilter:   scope,
		}
		if err := sender.Send(snapshot); err != nil {
			r.logger.Warn("sync snapshot send failed",
				zap.String("connection_id", id),
				zap.Error(err),
			)
			r.Unregister(id)
		}
	}
}

// Unregister removes a connection. Operator departures announce an
// offline AGENT_STATUS_CHANGE to the scoped supervisor set. Unknown ids
// are a no-op.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	conn, ok := r.conns[id]
	if ok {
		delete(r.conns, id)
	}
	r.mu.Unlock()

	if !ok {
		return
	}

	r.logger.Info("connection unregistered",
		zap.String("connection_id", id),
		zap.String("role", conn.Role.String()),
	)

	if conn.Role == RoleOperator {
		r.Broadcast(&protocol.AgentStatusChange{
			AgentID: conn.OperatorID,
			Status:  "offline",
			Dept:    conn.Scope,
		}, conn.Scope)
	}
}

// Broadcast delivers msg to every supervisor whose scope is targetScope
// or the super-scope. Operators are never broadcast targets. One failing
// recipient is unregistered and logged; delivery to the rest continues.
func (r *Registry) Broadcast(msg protocol.Message, targetScope string) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Role != RoleSupervisor {
			continue
		}
		if conn.Scope == SuperScope || conn.Scope == targetScope {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.sender.Send(msg); err != nil {
			r.logger.Warn("broadcast send failed, dropping connection",
				zap.String("connection_id", conn.ID),
				zap.String("type", string(msg.Type())),
				zap.Error(err),
			)
			r.Unregister(conn.ID)
		}
	}
}

// BroadcastToOperators delivers msg to every operator in the given
// department scope (all operators when scope is the super-scope). Used
// for scope-wide whispers and config reloads.
func (r *Registry) BroadcastToOperators(msg protocol.Message, scope string) {
	r.mu.RLock()
	targets := make([]*Connection, 0, len(r.conns))
	for _, conn := range r.conns {
		if conn.Role != RoleOperator {
			continue
		}
		if scope == SuperScope || conn.Scope == scope {
			targets = append(targets, conn)
		}
	}
	r.mu.RUnlock()

	for _, conn := range targets {
		if err := conn.sender.Send(msg); err != nil {
			r.logger.Warn("operator send failed, dropping connection",
				zap.String("connection_id", conn.ID),
				zap.Error(err),
			)
			r.Unregister(conn.ID)
		}
	}
}

// Unicast delivers msg to the single operator's live connection.
func (r *Registry) Unicast(operatorID string, msg protocol.Message) error {
	r.mu.RLock()
	var target *Connection
	for _, conn := range r.conns {
		if conn.Role == RoleOperator && conn.OperatorID == operatorID {
			target = conn
			break
		}
	}
	r.mu.RUnlock()

	if target == nil {
		return ErrOperatorNotConnected
	}
	if err := target.sender.Send(msg); err != nil {
		r.logger.Warn("unicast send failed, dropping connection",
			zap.String("connection_id", target.ID),
			zap.String("operator_id", operatorID),
			zap.Error(err),
		)
		r.Unregister(target.ID)
		return err
	}
	return nil
}

// OnlineOperators returns a point-in-time snapshot of operator ids
// visible to the given scope.
func (r *Registry) OnlineOperators(scope string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0)
	for _, conn := range r.conns {
		if conn.Role != RoleOperator {
			continue
		}
		if scope == SuperScope || conn.Scope == scope {
			ids = append(ids, conn.OperatorID)
		}
	}
	return ids
}

// Count returns the number of live connections with the given role.
func (r *Registry) Count(role Role) int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	n := 0
	for _, conn := range r.conns {
		if conn.Role == role {
			n++
		}
	}
	return n
}

// Touch refreshes a connection's last-seen timestamp.
func (r *Registry) Touch(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if conn, ok := r.conns[id]; ok {
		conn.LastSeenAt = time.Now()
	}
}
