// Package agent defines the base contract every agent registered with
// the scheduler must satisfy, and Base, the embeddable implementation of
// its scheduler-facing API (Send, Receive, SetAlarm, Subscribe, ...).
//
// An agent's own identity, inbox, and keep-awake flag live here; the
// agent's business logic lives entirely in the concrete type's Update
// method, which the kernel never dispatches into by topic (that's
// agent-side convention, not a kernel concern).
package agent

import (
	"errors"

	"go.uber.org/zap"

	"github.com/agentkit/kernel/pkg/mailinglist"
	"github.com/agentkit/kernel/pkg/message"
)

// ErrNotRegistered is returned by Base's delegating methods (Send,
// SetAlarm, Subscribe, ...) when called before the agent has been
// registered with a scheduler, or after it has been removed.
var ErrNotRegistered = errors.New("agent: not registered with a scheduler")

// Scheduler is the subset of scheduler operations Base delegates to.
// Declared here rather than in package scheduler so package scheduler
// can import package agent (to hold agent.Agent values in its registry)
// without a reverse import: *scheduler.Scheduler satisfies this
// interface structurally, with no dependency from agent back to
// scheduler.
type Scheduler interface {
	Time() float64
	Send(msg message.Message) error
	SetAlarm(receiver string, delay float64, msg message.Message, ignoreIfIdle bool) error
	ListAlarms(receiver string) []message.Message
	ClearAlarms(receiver, topic string)
	Subscribe(subscriber string, opts ...mailinglist.SubscribeOption) error
	Unsubscribe(subscriber string, everything bool, opts ...mailinglist.SubscribeOption)
	Pause()
	Add(a Agent) error
	Remove(id string)
	Frontier() (float64, bool)
	Logger() *zap.Logger
}

// Agent is the contract every agent registered with a scheduler must
// implement. Concrete types embed Base to get Send/Receive/SetAlarm/...
// and implement Setup/Update/Teardown for their own business logic.
type Agent interface {
	// ID returns the agent's identifier, assigned at registration.
	ID() string
	// KeepAwake reports whether the scheduler must call Update every
	// iteration regardless of pending mail.
	KeepAwake() bool

	// Setup runs once, when the agent is registered with a scheduler.
	Setup()
	// Update runs whenever the agent is marked needs-update: it has
	// inbound mail, or KeepAwake is true.
	Update()
	// Teardown runs once, when the agent is removed from its scheduler.
	Teardown()

	// bind and unbind are scheduler-only hooks: bind populates the
	// agent's id and scheduler handle on registration, unbind clears
	// the scheduler handle on removal (the id is kept). They are unexported so only package agent's own
	// Base can implement them — any Agent must embed Base.
	bind(id string, sched Scheduler)
	unbind()
	// deliver appends msg to the agent's inbox. Scheduler-only.
	deliver(msg message.Message)
}

// Base is the embeddable implementation of Agent's scheduler-facing API.
// The zero value is usable directly as an unregistered agent; Setup,
// Update, and Teardown default to no-ops so a concrete type need only
// override the ones it cares about.
type Base struct {
	id        string
	inbox     []message.Message
	sched     Scheduler
	keepAwake bool
}

var _ Agent = (*Base)(nil)

// ID implements Agent.
func (b *Base) ID() string { return b.id }

// KeepAwake implements Agent.
func (b *Base) KeepAwake() bool { return b.keepAwake }

// SetKeepAwake sets whether the scheduler must update this agent every
// iteration even without pending mail.
func (b *Base) SetKeepAwake(v bool) { b.keepAwake = v }

// Setup implements Agent as a no-op default.
func (b *Base) Setup() {}

// Update implements Agent as a no-op default. Concrete agents almost
// always override this.
func (b *Base) Update() {}

// Teardown implements Agent as a no-op default.
func (b *Base) Teardown() {}

func (b *Base) bind(id string, sched Scheduler) {
	b.id = id
	b.sched = sched
}

func (b *Base) unbind() {
	b.sched = nil
}

func (b *Base) deliver(msg message.Message) {
	b.inbox = append(b.inbox, msg)
}

// Bind is the scheduler-side entry point for Agent.bind, exported so
// package scheduler can populate an agent's id and scheduler handle on
// registration without package agent needing to export bind itself
// (which would let arbitrary callers rebind an agent mid-run).
func Bind(a Agent, id string, sched Scheduler) { a.bind(id, sched) }

// Unbind is the scheduler-side entry point for Agent.unbind, exported
// for the same reason as Bind.
func Unbind(a Agent) { a.unbind() }

// Deliver is the scheduler-side entry point for Agent.deliver, exported
// for the same reason as Bind.
func Deliver(a Agent, msg message.Message) { a.deliver(msg) }

// registered reports whether bind has been called and unbind has not.
func (b *Base) registered() bool { return b.sched != nil }

// Send enqueues msg into the scheduler's mail queue. If msg has no
// sender set, it defaults to this agent's id.
func (b *Base) Send(msg message.Message) error {
	if !b.registered() {
		return ErrNotRegistered
	}
	if msg.Sender() == "" {
		msg.SetSender(b.id)
	}
	if err := message.Validate(msg); err != nil {
		return err
	}
	return b.sched.Send(msg)
}

// Receive pops the oldest inbound message, or ok=false if the inbox is
// empty.
func (b *Base) Receive() (msg message.Message, ok bool) {
	if len(b.inbox) == 0 {
		return nil, false
	}
	msg, b.inbox = b.inbox[0], b.inbox[1:]
	return msg, true
}

// Pending reports how many messages are currently in the inbox, without
// consuming any of them.
func (b *Base) Pending() int { return len(b.inbox) }

// SetAlarm schedules msg to be delivered to receiver (default: self) at
// a future time. If relative is true, at is added to the clock's
// current time; otherwise at is treated as an absolute time. If
// ignoreIfIdle is false, the scheduler will not treat the system as
// idle before this alarm fires.
func (b *Base) SetAlarm(receiver string, at float64, msg message.Message, relative, ignoreIfIdle bool) error {
	if !b.registered() {
		return ErrNotRegistered
	}
	if receiver == "" {
		receiver = b.id
	}
	delay := at
	if !relative {
		delay = at - b.sched.Time()
	}
	return b.sched.SetAlarm(receiver, delay, msg, ignoreIfIdle)
}

// ListAlarms returns every pending alarm message for receiver (default:
// self).
func (b *Base) ListAlarms(receiver string) []message.Message {
	if receiver == "" {
		receiver = b.id
	}
	if !b.registered() {
		return nil
	}
	return b.sched.ListAlarms(receiver)
}

// ClearAlarms purges pending alarms for receiver (default: self),
// optionally filtered by topic ("" clears every topic).
func (b *Base) ClearAlarms(receiver, topic string) {
	if receiver == "" {
		receiver = b.id
	}
	if !b.registered() {
		return
	}
	b.sched.ClearAlarms(receiver, topic)
}

// Subscribe registers this agent to receive copies of messages matching
// the given filters. At most two of WithSender/WithReceiver/WithTopic
// may be given, and at least one is required.
func (b *Base) Subscribe(opts ...mailinglist.SubscribeOption) error {
	if !b.registered() {
		return ErrNotRegistered
	}
	return b.sched.Subscribe(b.id, opts...)
}

// Unsubscribe removes a subscription matching the given filters exactly,
// or every subscription this agent owns if everything is true.
func (b *Base) Unsubscribe(everything bool, opts ...mailinglist.SubscribeOption) {
	if !b.registered() {
		return
	}
	b.sched.Unsubscribe(b.id, everything, opts...)
}

// Pause requests the scheduler halt at the end of the current iteration.
func (b *Base) Pause() {
	if b.registered() {
		b.sched.Pause()
	}
}

// Add registers a new agent with the same scheduler this agent belongs to.
func (b *Base) Add(a Agent) error {
	if !b.registered() {
		return ErrNotRegistered
	}
	return b.sched.Add(a)
}

// Remove unregisters the agent with the given id from the scheduler.
func (b *Base) Remove(id string) {
	if b.registered() {
		b.sched.Remove(id)
	}
}

// Frontier returns the earliest pending wakeup time across every
// receiver known to the scheduler, and whether any alarm is pending.
func (b *Base) Frontier() (float64, bool) {
	if !b.registered() {
		return 0, false
	}
	return b.sched.Frontier()
}

// Log writes a structured log entry through the scheduler's logger,
// tagged with this agent's own id.
func (b *Base) Log(msg string, fields ...zap.Field) {
	if !b.registered() {
		return
	}
	b.sched.Logger().With(zap.String("agent_id", b.id)).Info(msg, fields...)
}
