package registry

import (
	"errors"
	"sync"
	"testing"

	"github.com/sentra-hq/sentra/internal/protocol"
	"go.uber.org/zap"
)

// fakeSender records messages and can be told to fail.
type fakeSender struct {
	mu   sync.Mutex
	got  []protocol.Message
	fail bool
}

func (f *fakeSender) Send(msg protocol.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.fail {
		return errors.New("broken pipe")
	}
	f.got = append(f.got, msg)
	return nil
}

func (f *fakeSender) messages() []protocol.Message {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]protocol.Message, len(f.got))
	copy(out, f.got)
	return out
}

func (f *fakeSender) countType(t protocol.Type) int {
	n := 0
	for _, m := range f.messages() {
		if m.Type() == t {
			n++
		}
	}
	return n
}

func TestBroadcast_ScopedDelivery(t *testing.T) {
	r := New(zap.NewNop())

	supA1, supA2, supSuper, supB := &fakeSender{}, &fakeSender{}, &fakeSender{}, &fakeSender{}
	r.Register("c1", RoleSupervisor, "A", "", supA1)
	r.Register("c2", RoleSupervisor, "A", "", supA2)
	r.Register("c3", RoleSupervisor, SuperScope, "", supSuper)
	r.Register("c4", RoleSupervisor, "B", "", supB)

	r.Broadcast(&protocol.AgentViolation{Keyword: "refund", EventID: "e1", Dept: "A"}, "A")

	for name, s := range map[string]*fakeSender{"A1": supA1, "A2": supA2, "SUPER": supSuper} {
		if s.countType(protocol.TypeAgentViolation) != 1 {
			t.Errorf("supervisor %s should receive the broadcast", name)
		}
	}
	if supB.countType(protocol.TypeAgentViolation) != 0 {
		t.Error("scope-B supervisor must not receive a scope-A broadcast")
	}
}

func TestBroadcast_OperatorsAreNeverTargets(t *testing.T) {
	r := New(zap.NewNop())

	op := &fakeSender{}
	sup := &fakeSender{}
	r.Register("op1", RoleOperator, "A", "operator-1", op)
	r.Register("s1", RoleSupervisor, "A", "", sup)

	r.Broadcast(&protocol.AgentViolation{Keyword: "refund", EventID: "e1"}, "A")

	if op.countType(protocol.TypeAgentViolation) != 0 {
		t.Error("operator received a supervisor broadcast")
	}
	if sup.countType(protocol.TypeAgentViolation) != 1 {
		t.Error("supervisor missed the broadcast")
	}
}

func TestBroadcast_FailingRecipientIsUnregisteredOthersStillDelivered(t *testing.T) {
	r := New(zap.NewNop())

	dead := &fakeSender{fail: true}
	alive := &fakeSender{}
	r.Register("dead", RoleSupervisor, "A", "", dead)
	r.Register("alive", RoleSupervisor, "A", "", alive)

	r.Broadcast(&protocol.AgentViolation{Keyword: "refund", EventID: "e1"}, "A")

	if alive.countType(protocol.TypeAgentViolation) != 1 {
		t.Error("healthy recipient must still be delivered to")
	}
	if r.Count(RoleSupervisor) != 1 {
		t.Errorf("dead socket must be removed, have %d supervisors", r.Count(RoleSupervisor))
	}
}

func TestRegister_OperatorAnnouncesOnline(t *testing.T) {
	r := New(zap.NewNop())

	sup := &fakeSender{}
	r.Register("s1", RoleSupervisor, "A", "", sup)
	r.Register("op1", RoleOperator, "A", "operator-1", &fakeSender{})

	var status *protocol.AgentStatusChange
	for _, m := range sup.messages() {
		if sc, ok := m.(*protocol.AgentStatusChange); ok {
			status = sc
		}
	}
	if status == nil {
		t.Fatal("supervisor did not receive AGENT_STATUS_CHANGE")
	}
	if status.AgentID != "operator-1" || status.Status != "online" || status.Dept != "A" {
		t.Errorf("unexpected announcement: %+v", status)
	}
}

func TestUnregister_OperatorAnnouncesOffline(t *testing.T) {
	r := New(zap.NewNop())

	sup := &fakeSender{}
	r.Register("s1", RoleSupervisor, "A", "", sup)
	r.Register("op1", RoleOperator, "A", "operator-1", &fakeSender{})
	r.Unregister("op1")

	offline := false
	for _, m := range sup.messages() {
		if sc, ok := m.(*protocol.AgentStatusChange); ok && sc.Status == "offline" {
			offline = true
		}
	}
	if !offline {
		t.Error("supervisor did not receive the offline announcement")
	}
	if r.Count(RoleOperator) != 0 {
		t.Error("operator connection still registered")
	}
}

func TestRegister_SupervisorReceivesScopedSnapshot(t *testing.T) {
	r := New(zap.NewNop())

	r.Register("op1", RoleOperator, "A", "operator-1", &fakeSender{})
	r.Register("op2", RoleOperator, "B", "operator-2", &fakeSender{})

	sup := &fakeSender{}
	r.Register("s1", RoleSupervisor, "A", "", sup)

	msgs := sup.messages()
	if len(msgs) == 0 {
		t.Fatal("supervisor received no snapshot")
	}
	sync, ok := msgs[0].(*protocol.SyncAgents)
	if !ok {
		t.Fatalf("first message should be SYNC_AGENTS, got %T", msgs[0])
	}
	if len(sync.OnlineAgents) != 1 || sync.OnlineAgents[0] != "operator-1" {
		t.Errorf("scope-A snapshot should only list operator-1, got %v", sync.OnlineAgents)
	}

	super := &fakeSender{}
	r.Register("s2", RoleSupervisor, SuperScope, "", super)
	sync2 := super.messages()[0].(*protocol.SyncAgents)
	if len(sync2.OnlineAgents) != 2 {
		t.Errorf("super-scope snapshot should list both operators, got %v", sync2.OnlineAgents)
	}
}

func TestUnicast_DeliversToOneOperator(t *testing.T) {
	r := New(zap.NewNop())

	op1, op2 := &fakeSender{}, &fakeSender{}
	r.Register("c1", RoleOperator, "A", "operator-1", op1)
	r.Register("c2", RoleOperator, "A", "operator-2", op2)

	if err := r.Unicast("operator-1", &protocol.Whisper{To: "operator-1", Content: "hi"}); err != nil {
		t.Fatalf("Unicast failed: %v", err)
	}
	if op1.countType(protocol.TypeWhisper) != 1 {
		t.Error("target operator missed the whisper")
	}
	if op2.countType(protocol.TypeWhisper) != 0 {
		t.Error("other operator received the whisper")
	}
}

func TestUnicast_UnknownOperator(t *testing.T) {
	r := New(zap.NewNop())
	err := r.Unicast("ghost", &protocol.Whisper{Content: "hello?"})
	if !errors.Is(err, ErrOperatorNotConnected) {
		t.Errorf("expected ErrOperatorNotConnected, got %v", err)
	}
}

func TestBroadcastToOperators_ScopeWide(t *testing.T) {
	r := New(zap.NewNop())

	opA, opB := &fakeSender{}, &fakeSender{}
	r.Register("c1", RoleOperator, "A", "operator-1", opA)
	r.Register("c2", RoleOperator, "B", "operator-2", opB)

	r.BroadcastToOperators(&protocol.Whisper{To: "ALL", Content: "meeting"}, "A")

	if opA.countType(protocol.TypeWhisper) != 1 {
		t.Error("scope-A operator missed the whisper")
	}
	if opB.countType(protocol.TypeWhisper) != 0 {
		t.Error("scope-B operator received a scope-A whisper")
	}
}

func TestRegistry_ConcurrentRegisterBroadcast(t *testing.T) {
	r := New(zap.NewNop())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func(n int) {
			defer wg.Done()
			id := string(rune('a' + n%26))
			r.Register("op-"+id, RoleOperator, "A", "operator-"+id, &fakeSender{})
			r.Unregister("op-" + id)
		}(i)
		go func() {
			defer wg.Done()
			r.Broadcast(&protocol.AgentViolation{Keyword: "refund", EventID: "e"}, "A")
		}()
	}
	wg.Wait()
}
