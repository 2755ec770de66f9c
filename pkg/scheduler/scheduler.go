// Package scheduler implements the cooperative main loop that binds
// agents, messages, the mailing list, and a clock into a running
// system: selecting which agents need updating, draining the mail
// queue, advancing time, firing alarms, and deciding when to halt.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/agentkit/kernel/pkg/agent"
	"github.com/agentkit/kernel/pkg/clock"
	"github.com/agentkit/kernel/pkg/id"
	"github.com/agentkit/kernel/pkg/mailinglist"
	"github.com/agentkit/kernel/pkg/message"
)

// ErrDuplicateAgent is returned by Add when the agent's identifier is
// already registered.
var ErrDuplicateAgent = errors.New("scheduler: agent identifier already registered")

// ErrTopicCollidesWithAgentID is returned by Subscribe when the topic
// filter's exact value matches a currently registered agent id, which
// would make routing ambiguous between "deliver to this agent" and
// "deliver to this topic's subscribers".
var ErrTopicCollidesWithAgentID = errors.New("scheduler: topic collides with a registered agent identifier")

// idSet is an insertion-ordered set of agent ids, used for the
// needs-update and has-keep-awake tracking sets so iteration order
// within one main-loop pass is deterministic.
type idSet struct {
	order []string
	seen  map[string]bool
}

func newIDSet() *idSet {
	return &idSet{seen: make(map[string]bool)}
}

func (s *idSet) add(id string) {
	if !s.seen[id] {
		s.seen[id] = true
		s.order = append(s.order, id)
	}
}

func (s *idSet) remove(id string) {
	if !s.seen[id] {
		return
	}
	delete(s.seen, id)
	for i, v := range s.order {
		if v == id {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
}

func (s *idSet) has(id string) bool { return s.seen[id] }

func (s *idSet) clear() {
	s.order = nil
	s.seen = make(map[string]bool)
}

// PanicHandler is invoked when an agent's Update panics. The scheduler
// always recovers the panic itself; the handler is an additional,
// optional observation hook (for example, reporting to an external
// crash tracker). The default handler only logs.
type PanicHandler func(agentID string, recovered interface{})

// Scheduler owns the agent registry, mail queue, mailing list, and
// clock, and runs the cooperative main loop over them. The zero value
// is not usable; construct with New.
type Scheduler struct {
	clk  clock.Clock
	mail *mailinglist.MailingList

	agents       map[string]agent.Agent
	mailQueue    []message.Message
	needsUpdate  *idSet
	hasKeepAwake *idSet

	quit bool

	idGen  *id.Generator
	logger *zap.Logger

	operatingFrequency float64
	panicHandler       PanicHandler
}

// Option configures a Scheduler at construction time.
type Option func(*Scheduler)

// WithLogger sets the structured logger used for every kernel-internal
// log site (dropped messages, skipped recipients, recovered panics).
// Default: zap.NewNop(), so the kernel is silent unless a caller opts
// in.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithOperatingFrequency sets the target ticks-per-second used to
// derive the real-time clock's idle-wait backoff floor. Default: 60.
func WithOperatingFrequency(hz float64) Option {
	return func(s *Scheduler) {
		if hz > 0 {
			s.operatingFrequency = hz
		}
	}
}

// WithPanicHandler installs a hook invoked (in addition to the
// scheduler's own recovery and logging) whenever an agent's Update
// panics.
func WithPanicHandler(h PanicHandler) Option {
	return func(s *Scheduler) { s.panicHandler = h }
}

// WithIDPrefix sets the prefix used for auto-generated agent ids.
// Default: "agent".
func WithIDPrefix(prefix string) Option {
	return func(s *Scheduler) {
		id.WithPrefix(prefix)(s.idGen)
	}
}

// WithGloballyUniqueIDs switches auto-generated agent ids from a
// counter scoped to this scheduler instance to a UUID suffix, for
// embedding programs that run several schedulers in one process and
// need ids that never collide across them.
func WithGloballyUniqueIDs() Option {
	return func(s *Scheduler) {
		id.WithGloballyUniqueIDs()(s.idGen)
	}
}

// New returns a Scheduler ready to accept agents. realTime selects the
// clock variant: true for a RealClock driven by the host monotonic
// clock, false for a SimClock that advances only when idle.
func New(realTime bool, opts ...Option) *Scheduler {
	s := &Scheduler{
		mail:               mailinglist.New(),
		agents:             make(map[string]agent.Agent),
		needsUpdate:        newIDSet(),
		hasKeepAwake:       newIDSet(),
		idGen:              id.New(),
		logger:             zap.NewNop(),
		operatingFrequency: 60,
	}
	for _, opt := range opts {
		opt(s)
	}
	if realTime {
		s.clk = clock.NewReal(s.operatingFrequency)
	} else {
		s.clk = clock.NewSimulated()
	}
	return s
}

var _ agent.Scheduler = (*Scheduler)(nil)

// Time implements agent.Scheduler.
func (s *Scheduler) Time() float64 { return s.clk.Time() }

// Logger implements agent.Scheduler.
func (s *Scheduler) Logger() *zap.Logger { return s.logger }

// Frontier implements agent.Scheduler.
func (s *Scheduler) Frontier() (float64, bool) { return s.clk.Frontier() }

// Send validates and enqueues msg onto the mail queue for delivery the
// next time the main loop drains it (later in the same iteration when
// called from an agent's Update). A nil message is logged and dropped
// rather than returned as an error, matching the malformed-message
// policy: callers that construct messages programmatically should
// never produce nil, so this is treated as a logging concern, not a
// contract violation worth propagating.
func (s *Scheduler) Send(msg message.Message) error {
	if msg == nil {
		s.logger.Warn("scheduler: dropped nil message sent to mail queue")
		return nil
	}
	if err := message.Validate(msg); err != nil {
		return fmt.Errorf("scheduler: send: %w", err)
	}
	s.mailQueue = append(s.mailQueue, msg)
	return nil
}

// SetAlarm implements agent.Scheduler.
func (s *Scheduler) SetAlarm(receiver string, delay float64, msg message.Message, ignoreIfIdle bool) error {
	if err := s.clk.SetAlarm(receiver, delay, msg, ignoreIfIdle); err != nil {
		return fmt.Errorf("scheduler: set alarm: %w", err)
	}
	return nil
}

// ListAlarms implements agent.Scheduler.
func (s *Scheduler) ListAlarms(receiver string) []message.Message {
	return s.clk.ListAlarms(receiver)
}

// ClearAlarms implements agent.Scheduler.
func (s *Scheduler) ClearAlarms(receiver, topic string) {
	s.clk.ClearAlarms(receiver, topic)
}

// Subscribe implements agent.Scheduler. At most two of
// WithSender/WithReceiver/WithTopic may be supplied, and at least one
// is required; a topic filter whose exact value collides with a
// currently registered agent id is rejected, since routing could no
// longer distinguish "deliver to this agent" from "deliver to this
// topic".
func (s *Scheduler) Subscribe(subscriber string, opts ...mailinglist.SubscribeOption) error {
	sender, receiver, topic := mailinglist.BuildFilters(opts...)
	if v, exact := topic.Value(); exact {
		if _, collides := s.agents[v]; collides {
			return fmt.Errorf("scheduler: subscribe topic %q: %w", v, ErrTopicCollidesWithAgentID)
		}
	}
	if err := s.mail.Subscribe(subscriber, sender, receiver, topic); err != nil {
		return fmt.Errorf("scheduler: subscribe: %w", err)
	}
	return nil
}

// Unsubscribe implements agent.Scheduler.
func (s *Scheduler) Unsubscribe(subscriber string, everything bool, opts ...mailinglist.SubscribeOption) {
	sender, receiver, topic := mailinglist.BuildFilters(opts...)
	s.mail.Unsubscribe(subscriber, sender, receiver, topic, everything)
}

// GetSubscriberList returns the subscribers registered for exactly the
// filters resolved from opts, with no wildcard expansion.
func (s *Scheduler) GetSubscriberList(opts ...mailinglist.SubscribeOption) []string {
	sender, receiver, topic := mailinglist.BuildFilters(opts...)
	return s.mail.GetSubscriberList(sender, receiver, topic)
}

// GetSubscriptionTopics returns every distinct topic any subscriber has
// registered for.
func (s *Scheduler) GetSubscriptionTopics() []string {
	return s.mail.GetSubscriptionTopics()
}

// Pause implements agent.Scheduler: requests the main loop halt at the
// end of the current iteration.
func (s *Scheduler) Pause() {
	s.quit = true
}

// Add registers a new agent. If a has no id (the zero value from not
// having been registered before), one is assigned from this
// scheduler's id.Generator. Add runs the agent's Setup hook and marks
// it needs-update for the next iteration.
func (s *Scheduler) Add(a agent.Agent) error {
	agentID := a.ID()
	if agentID == "" {
		agentID = s.idGen.Next()
	}
	if _, exists := s.agents[agentID]; exists {
		return fmt.Errorf("scheduler: add agent %q: %w", agentID, ErrDuplicateAgent)
	}
	agent.Bind(a, agentID, s)
	s.agents[agentID] = a
	a.Setup()
	s.needsUpdate.add(agentID)
	if a.KeepAwake() {
		s.hasKeepAwake.add(agentID)
	}
	return nil
}

// Remove unregisters the agent with the given id: runs Teardown,
// unsubscribes every subscription it owns, and drops it from the
// registry and tracking sets. Removing an unknown id is a no-op that
// only logs, matching the kernel's idempotent-removal contract.
func (s *Scheduler) Remove(agentID string) {
	a, ok := s.agents[agentID]
	if !ok {
		s.logger.Warn("scheduler: remove unknown agent id", zap.String("agent_id", agentID))
		return
	}
	a.Teardown()
	s.mail.Unsubscribe(agentID, mailinglist.Filter{}, mailinglist.Filter{}, mailinglist.Filter{}, true)
	agent.Unbind(a)
	delete(s.agents, agentID)
	s.needsUpdate.remove(agentID)
	s.hasKeepAwake.remove(agentID)
}

// RunOptions configures one call to Run. Seconds and Iterations are
// pointers so "not supplied" (unbounded) is distinguishable from an
// explicit zero cap (stop almost immediately) — a plain float64/int
// zero value cannot carry that distinction.
type RunOptions struct {
	// Seconds caps wall/sim time spent in Run, relative to Time() at
	// the start of the call. Nil means unbounded; a pointer to 0 stops
	// the loop after its first iteration (a SimClock, capped at that
	// deadline, does not advance time at all).
	Seconds *float64
	// Iterations caps the number of main-loop passes. Nil means
	// unbounded; a pointer to 0 means Run returns before any agent is
	// updated.
	Iterations *int
	// PauseIfIdle halts the loop once an iteration finds the mail
	// queue empty before delivery and no required alarm pending.
	PauseIfIdle bool
	// ClearAlarmsAtEnd purges every pending alarm when Run returns.
	ClearAlarmsAtEnd bool
}

// Run enters the main loop, processing agent updates, clock ticks, and
// mail delivery until a halt condition fires or ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context, opts RunOptions) error {
	s.quit = false
	start := s.clk.Time()
	var deadline *float64
	if opts.Seconds != nil {
		d := start + *opts.Seconds
		deadline = &d
	}

	boundedIterations := opts.Iterations != nil
	remaining := 0
	if boundedIterations {
		remaining = *opts.Iterations
	}
	idleAttempt := 0

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if s.quit {
			break
		}
		if boundedIterations && remaining <= 0 {
			break
		}

		for _, id := range s.hasKeepAwake.order {
			s.needsUpdate.add(id)
		}

		pass := s.needsUpdate.order
		s.needsUpdate = newIDSet()
		for _, id := range pass {
			a, ok := s.agents[id]
			if !ok {
				continue
			}
			s.updateAgent(id, a)
			if a.KeepAwake() {
				s.hasKeepAwake.add(id)
			} else {
				s.hasKeepAwake.remove(id)
			}
		}

		s.clk.Tick(len(s.mailQueue) > 0 || len(pass) > 0, deadline)
		fired := s.clk.ReleaseAlarmMessages()
		s.mailQueue = append(s.mailQueue, fired...)

		queueWasEmptyBeforeDelivery := len(s.mailQueue) == 0
		if !queueWasEmptyBeforeDelivery {
			s.processMailQueue()
		}

		if boundedIterations {
			remaining--
		}
		if deadline != nil && s.clk.Time() >= *deadline {
			break
		}
		if boundedIterations && remaining <= 0 {
			break
		}
		if queueWasEmptyBeforeDelivery {
			status := s.clk.FrontierStatus(s.clk.Time())
			if !status.SafeToAdvance || len(status.Frontier) > 0 {
				delay := s.clk.IdleWaitDelay(idleAttempt)
				idleAttempt++
				if len(status.Frontier) > 0 {
					// Never sleep past the earliest pending required alarm.
					until := time.Duration((status.Frontier[0].Wakeup - s.clk.Time()) * float64(time.Second))
					if until < delay {
						delay = until
					}
				}
				if delay > 0 {
					select {
					case <-ctx.Done():
						return ctx.Err()
					case <-time.After(delay):
					}
				}
				continue
			}
			idleAttempt = 0
			if opts.PauseIfIdle {
				break
			}
		} else {
			idleAttempt = 0
		}
	}

	if opts.ClearAlarmsAtEnd {
		s.clk.ClearAlarms("", "")
	}
	return nil
}

func (s *Scheduler) updateAgent(id string, a agent.Agent) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("scheduler: recovered panic from agent update",
				zap.String("agent_id", id), zap.Any("panic", r))
			if s.panicHandler != nil {
				s.panicHandler(id, r)
			}
		}
	}()
	a.Update()
}

// processMailQueue resolves recipients for every queued message via
// the mailing list and delivers them: the first recipient for a
// message gets the original instance, every subsequent recipient gets
// an independent Copy. Recipients that are no longer registered are
// silently skipped.
func (s *Scheduler) processMailQueue() {
	queue := s.mailQueue
	s.mailQueue = nil
	for _, msg := range queue {
		if msg == nil {
			s.logger.Warn("scheduler: dropped nil message from mail queue")
			continue
		}
		recipients := s.mail.GetMailRecipients(msg)
		delivered := false
		for _, rid := range recipients {
			a, ok := s.agents[rid]
			if !ok {
				continue
			}
			var out message.Message
			if !delivered {
				out = msg
				delivered = true
			} else {
				out = msg.Copy()
			}
			agent.Deliver(a, out)
			s.needsUpdate.add(rid)
		}
	}
}
