package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Type is the wire message discriminator.
type Type string

const (
	TypeAgentViolation    Type = "AGENT_VIOLATION"
	TypeHelpRequest       Type = "HELP_REQUEST"
	TypeWhisper           Type = "WHISPER"
	TypeReloadConfig      Type = "RELOAD_CONFIG"
	TypeAgentStatusChange Type = "AGENT_STATUS_CHANGE"
	TypeSyncAgents        Type = "SYNC_AGENTS"
)

// ErrUnknownType is returned by Decode for a discriminator outside the
// closed message set.
var ErrUnknownType = errors.New("protocol: unknown message type")

// Message is the closed set of wire messages. Every variant lives in this
// package so dispatch sites can switch exhaustively on the concrete type.
type Message interface {
	Type() Type
}

// AgentViolation carries a detected keyword violation from an operator to
// the server and on to scoped supervisors. From and Dept are empty on the
// client-to-server leg; the server stamps them before broadcasting.
type AgentViolation struct {
	Keyword     string    `json:"keyword"`
	Timestamp   time.Time `json:"timestamp"`
	EventID     string    `json:"eventId"`
	EvidenceRef string    `json:"evidenceRef,omitempty"`
	From        string    `json:"from,omitempty"`
	Dept        string    `json:"dept,omitempty"`
}

func (*AgentViolation) Type() Type { return TypeAgentViolation }

// HelpRequest is an operator asking its scoped supervisors for
// assistance. RequestID is client-generated and stable across re-sends,
// like AgentViolation.EventID, so replays deduplicate server-side.
type HelpRequest struct {
	RequestID   string `json:"requestId,omitempty"`
	AgentID     string `json:"agentId"`
	Description string `json:"description"`
	EvidenceRef string `json:"evidenceRef,omitempty"`
	Dept        string `json:"dept,omitempty"`
}

func (*HelpRequest) Type() Type { return TypeHelpRequest }

// Whisper is a supervisor message to a single operator, or to every
// operator in the supervisor's scope when To is the broadcast marker "ALL".
type Whisper struct {
	To      string `json:"to"`
	Content string `json:"content"`
}

func (*Whisper) Type() Type { return TypeWhisper }

// ReloadConfig tells an operator agent to refetch its keyword set.
type ReloadConfig struct {
	AgentID string `json:"agentId,omitempty"`
}

func (*ReloadConfig) Type() Type { return TypeReloadConfig }

// AgentStatusChange announces an operator going online or offline to the
// scoped supervisor set.
type AgentStatusChange struct {
	AgentID string `json:"agentId"`
	Status  string `json:"status"` // "online" or "offline"
	Dept    string `json:"dept"`
}

func (*AgentStatusChange) Type() Type { return TypeAgentStatusChange }

// SyncAgents is the one-shot snapshot of currently online operators sent
// to a supervisor when it connects. It is a point-in-time read, not a
// subscription.
type SyncAgents struct {
	OnlineAgents []string `json:"onlineAgents"`
	DeptFilter   string   `json:"deptFilter"`
}

func (*SyncAgents) Type() Type { return TypeSyncAgents }

// Encode serializes a message as a JSON object with the "type"
// discriminator spliced in.
func Encode(m Message) ([]byte, error) {
	body, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}

	var obj map[string]json.RawMessage
	if err := json.Unmarshal(body, &obj); err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}
	obj["type"], _ = json.Marshal(m.Type())

	out, err := json.Marshal(obj)
	if err != nil {
		return nil, fmt.Errorf("protocol.Encode: %w", err)
	}
	return out, nil
}

// Decode parses a wire message into its concrete variant. Unknown
// discriminators return ErrUnknownType so callers can log and drop
// without tearing down the connection.
func Decode(data []byte) (Message, error) {
	var env struct {
		Type Type `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("protocol.Decode: %w", err)
	}

	var m Message
	switch env.Type {
	case TypeAgentViolation:
		m = &AgentViolation{}
	case TypeHelpRequest:
		m = &HelpRequest{}
	case TypeWhisper:
		m = &Whisper{}
	case TypeReloadConfig:
		m = &ReloadConfig{}
	case TypeAgentStatusChange:
		m = &AgentStatusChange{}
	case TypeSyncAgents:
		m = &SyncAgents{}
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownType, env.Type)
	}

	if err := json.Unmarshal(data, m); err != nil {
		return nil, fmt.Errorf("protocol.Decode %s: %w", env.Type, err)
	}
	return m, nil
}
