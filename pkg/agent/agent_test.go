package agent

import (
	"errors"
	"testing"

	"go.uber.org/zap"

	"github.com/agentkit/kernel/pkg/mailinglist"
	"github.com/agentkit/kernel/pkg/message"
)

type fakeMsg struct {
	message.Base
}

func (m *fakeMsg) Copy() message.Message {
	cp := *m
	cp.Base = m.Base.CopyBase()
	return &cp
}

// fakeScheduler is a minimal agent.Scheduler double that records the
// calls Base delegates to it, so Base's own logic can be tested
// without pulling in package scheduler (which would import package
// agent, creating a cycle).
type fakeScheduler struct {
	now         float64
	sent        []message.Message
	alarmRecv   string
	alarmDelay  float64
	subscribed  string
	paused      bool
	addedAgent  Agent
	removedID   string
	frontierVal float64
	frontierOK  bool
}

func (f *fakeScheduler) Time() float64 { return f.now }
func (f *fakeScheduler) Send(msg message.Message) error {
	f.sent = append(f.sent, msg)
	return nil
}
func (f *fakeScheduler) SetAlarm(receiver string, delay float64, msg message.Message, ignoreIfIdle bool) error {
	f.alarmRecv = receiver
	f.alarmDelay = delay
	return nil
}
func (f *fakeScheduler) ListAlarms(receiver string) []message.Message { return nil }
func (f *fakeScheduler) ClearAlarms(receiver, topic string)           {}
func (f *fakeScheduler) Subscribe(subscriber string, opts ...mailinglist.SubscribeOption) error {
	f.subscribed = subscriber
	return nil
}
func (f *fakeScheduler) Unsubscribe(subscriber string, everything bool, opts ...mailinglist.SubscribeOption) {
}
func (f *fakeScheduler) Pause() { f.paused = true }
func (f *fakeScheduler) Add(a Agent) error {
	f.addedAgent = a
	return nil
}
func (f *fakeScheduler) Remove(id string) { f.removedID = id }
func (f *fakeScheduler) Frontier() (float64, bool) { return f.frontierVal, f.frontierOK }
func (f *fakeScheduler) Logger() *zap.Logger { return zap.NewNop() }

func TestSend_FailsWhenUnregistered(t *testing.T) {
	var b Base
	err := b.Send(&fakeMsg{})
	if !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("got %v, want ErrNotRegistered", err)
	}
}

func TestSend_DefaultsSenderToSelf(t *testing.T) {
	var b Base
	sched := &fakeScheduler{}
	Bind(&b, "alice", sched)

	msg := &fakeMsg{Base: message.Base{ReceiverID: "bob"}}
	if err := b.Send(msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msg.Sender() != "alice" {
		t.Fatalf("got sender %q, want alice", msg.Sender())
	}
	if len(sched.sent) != 1 {
		t.Fatalf("expected message forwarded to scheduler, got %d", len(sched.sent))
	}
}

func TestReceive_FIFOOrder(t *testing.T) {
	var b Base
	sched := &fakeScheduler{}
	Bind(&b, "alice", sched)

	Deliver(&b, &fakeMsg{Base: message.Base{TopicName: "first"}})
	Deliver(&b, &fakeMsg{Base: message.Base{TopicName: "second"}})

	m1, ok := b.Receive()
	if !ok || m1.Topic() != "first" {
		t.Fatalf("got %v, want first", m1)
	}
	m2, ok := b.Receive()
	if !ok || m2.Topic() != "second" {
		t.Fatalf("got %v, want second", m2)
	}
	if _, ok := b.Receive(); ok {
		t.Fatal("expected empty inbox after draining two messages")
	}
}

func TestSetAlarm_AbsoluteConvertsToRelativeDelay(t *testing.T) {
	var b Base
	sched := &fakeScheduler{now: 10}
	Bind(&b, "alice", sched)

	if err := b.SetAlarm("", 15, &fakeMsg{}, false, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched.alarmDelay != 5 {
		t.Fatalf("got delay %v, want 5 (15 - now=10)", sched.alarmDelay)
	}
	if sched.alarmRecv != "alice" {
		t.Fatalf("got receiver %q, want self (alice)", sched.alarmRecv)
	}
}

func TestSetAlarm_RelativeDelayPassedThrough(t *testing.T) {
	var b Base
	sched := &fakeScheduler{now: 10}
	Bind(&b, "alice", sched)

	if err := b.SetAlarm("bob", 5, &fakeMsg{}, true, false); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched.alarmDelay != 5 || sched.alarmRecv != "bob" {
		t.Fatalf("got (%v, %v), want (5, bob)", sched.alarmDelay, sched.alarmRecv)
	}
}

func TestPause_DelegatesWhenRegistered(t *testing.T) {
	var b Base
	sched := &fakeScheduler{}
	Bind(&b, "alice", sched)
	b.Pause()
	if !sched.paused {
		t.Fatal("expected Pause to delegate to the scheduler")
	}
}

func TestPause_NoopWhenUnregistered(t *testing.T) {
	var b Base
	b.Pause() // must not panic
}

func TestAddRemove_DelegateToScheduler(t *testing.T) {
	var b Base
	sched := &fakeScheduler{}
	Bind(&b, "alice", sched)

	var other Base
	if err := b.Add(&other); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if sched.addedAgent != Agent(&other) {
		t.Fatal("expected Add to forward the same agent instance")
	}

	b.Remove("bob")
	if sched.removedID != "bob" {
		t.Fatalf("got %q, want bob", sched.removedID)
	}
}

func TestUnbind_ClearsRegistration(t *testing.T) {
	var b Base
	sched := &fakeScheduler{}
	Bind(&b, "alice", sched)
	Unbind(&b)
	if err := b.Send(&fakeMsg{}); !errors.Is(err, ErrNotRegistered) {
		t.Fatalf("expected ErrNotRegistered after unbind, got %v", err)
	}
}

func TestKeepAwake_DefaultsFalse(t *testing.T) {
	var b Base
	if b.KeepAwake() {
		t.Fatal("zero value Base should not keep awake by default")
	}
	b.SetKeepAwake(true)
	if !b.KeepAwake() {
		t.Fatal("expected KeepAwake to reflect SetKeepAwake(true)")
	}
}
