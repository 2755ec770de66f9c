// Package clock implements the two clock variants described by the
// kernel: a real-time clock driven by the host monotonic clock, and a
// simulation clock that jumps straight to the next pending alarm once
// the scheduler has no in-flight work. Both share the same alarm
// bookkeeping — a per-receiver alarm.Registry, a global ordered wakeup
// sequence, and the required-vs-idle watermark — and differ in how
// Tick advances current time and in how long an idle wait lasts.
//
// The wakeup sequence is a container/heap min-heap over wakeup times,
// with lazy deletion: ClearAlarms removes a time from the "present" set
// rather than rebuilding the heap, and peek/ReleaseAlarmMessages skip
// over present-false entries as they surface. This keeps SetAlarm and
// peek at O(log n) without an O(n) remove-by-value on every clear.
package clock

import (
	"container/heap"
	"math"
	"math/rand"
	"time"

	"github.com/agentkit/kernel/pkg/alarm"
	"github.com/agentkit/kernel/pkg/frontier"
	"github.com/agentkit/kernel/pkg/message"
)

// Clock is the contract shared by RealClock and SimClock.
type Clock interface {
	// Time returns the current time in seconds.
	Time() float64

	// Tick advances time. hasWork tells the clock whether the scheduler
	// has mail pending or agents needing update this iteration — a
	// SimClock only advances when hasWork is false. limit, if non-nil,
	// caps how far a SimClock may jump (the configured run deadline);
	// RealClock ignores it.
	Tick(hasWork bool, limit *float64)

	// SetAlarm schedules msg to fire at Time()+delay for receiver. If
	// ignoreIfIdle is false, the alarm raises the required-alarm
	// watermark, so the scheduler will not treat the system as idle
	// before this alarm fires.
	SetAlarm(receiver string, delay float64, msg message.Message, ignoreIfIdle bool) error

	// ReleaseAlarmMessages pops and returns every message whose wakeup
	// time has arrived (<= Time()), across all receivers, in ascending
	// time order and insertion order within a time.
	ReleaseAlarmMessages() []message.Message

	// ClearAlarms purges alarms. receiver == "" clears every receiver's
	// registry; topic == "" clears every topic within the selected
	// receiver(s).
	ClearAlarms(receiver, topic string)

	// ListAlarms returns every pending message for receiver ("" for
	// every receiver).
	ListAlarms(receiver string) []message.Message

	// LastRequiredAlarm returns the current required-alarm watermark.
	LastRequiredAlarm() float64

	// Frontier returns the earliest pending wakeup time across every
	// receiver, and whether any alarm is pending at all.
	Frontier() (float64, bool)

	// FrontierStatus computes the frontier over the still-pending
	// required alarms (ignoreIfIdle false): SafeToAdvance is false when
	// one is due at or before ts, and Frontier lists the earliest ones,
	// whenever they are due. The scheduler treats the system as idle
	// only when SafeToAdvance is true and Frontier is empty.
	FrontierStatus(ts float64) frontier.Status

	// IdleWaitDelay returns how long the scheduler should sleep before
	// re-checking halt conditions during a real-time idle wait, given
	// the zero-based count of consecutive idle iterations so far.
	// SimClock returns 0 since it never needs to sleep.
	IdleWaitDelay(attempt int) time.Duration
}

// receiverSet is an insertion-ordered set of receiver ids, used so that
// iteration order over "which receivers fire at time t" is deterministic
// within a single run, per the kernel's ordering guarantees.
type receiverSet struct {
	order []string
	seen  map[string]bool
}

func newReceiverSet() *receiverSet {
	return &receiverSet{seen: make(map[string]bool)}
}

func (s *receiverSet) add(id string) {
	if !s.seen[id] {
		s.seen[id] = true
		s.order = append(s.order, id)
	}
}

func (s *receiverSet) remove(id string) {
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

// timeHeap is a container/heap min-heap of wakeup times.
type timeHeap []float64

func (h timeHeap) Len() int            { return len(h) }
func (h timeHeap) Less(i, j int) bool  { return h[i] < h[j] }
func (h timeHeap) Swap(i, j int)       { h[i], h[j] = h[j], h[i] }
func (h *timeHeap) Push(x interface{}) { *h = append(*h, x.(float64)) }
func (h *timeHeap) Pop() interface{} {
	old := *h
	n := len(old)
	v := old[n-1]
	*h = old[:n-1]
	return v
}

// base holds the alarm bookkeeping shared by RealClock and SimClock.
//
// required mirrors registries but holds only the alarms set with
// ignoreIfIdle=false: it exists so the required/idle watermark
// (lastRequired) and the frontier computation used for the halt
// decision can be recomputed from "what required alarms are actually
// still pending" after a receiver- or topic-scoped clear, rather than
// only ever growing from what SetAlarm saw at insertion time.
type base struct {
	now          float64
	times        timeHeap
	present      map[float64]bool
	receiversAt  map[float64]*receiverSet
	registries   map[string]*alarm.Registry
	required     map[string]*alarm.Registry
	lastRequired float64
}

func newBase() base {
	return base{
		present:     make(map[float64]bool),
		receiversAt: make(map[float64]*receiverSet),
		registries:  make(map[string]*alarm.Registry),
		required:    make(map[string]*alarm.Registry),
	}
}

func (b *base) Time() float64 { return b.now }

func (b *base) registryFor(receiver string) *alarm.Registry {
	reg, ok := b.registries[receiver]
	if !ok {
		reg = alarm.NewRegistry()
		b.registries[receiver] = reg
	}
	return reg
}

func (b *base) requiredRegistryFor(receiver string) *alarm.Registry {
	reg, ok := b.required[receiver]
	if !ok {
		reg = alarm.NewRegistry()
		b.required[receiver] = reg
	}
	return reg
}

// recomputeLastRequired sets lastRequired to the latest wakeup time
// still present across every required registry, or to now if none
// remain. Called after any mutation that can remove required alarms
// (ReleaseAlarmMessages, ClearAlarms) so the watermark never outlives
// the alarms that justified it.
func (b *base) recomputeLastRequired() {
	max := b.now
	any := false
	for _, reg := range b.required {
		for _, t := range reg.WakeupTimes() {
			if !any || t > max {
				max = t
			}
			any = true
		}
	}
	b.lastRequired = max
}

// peek returns the earliest wakeup time still present, discarding stale
// heap entries left behind by ClearAlarms' lazy deletion as it goes.
func (b *base) peek() (float64, bool) {
	for len(b.times) > 0 {
		t := b.times[0]
		if b.present[t] {
			return t, true
		}
		heap.Pop(&b.times)
	}
	return 0, false
}

func (b *base) insertWakeup(t float64) {
	if !b.present[t] {
		b.present[t] = true
		heap.Push(&b.times, t)
	}
}

func (b *base) removeWakeup(t float64) {
	delete(b.present, t)
	delete(b.receiversAt, t)
}

func (b *base) SetAlarm(receiver string, delay float64, msg message.Message, ignoreIfIdle bool) error {
	if msg == nil {
		return alarm.ErrNilMessage
	}
	if math.IsNaN(delay) || math.IsInf(delay, 0) {
		return alarm.ErrInvalidWakeup
	}
	wakeup := b.now + delay
	b.registryFor(receiver).Set(wakeup, msg)
	b.insertWakeup(wakeup)
	rs, ok := b.receiversAt[wakeup]
	if !ok {
		rs = newReceiverSet()
		b.receiversAt[wakeup] = rs
	}
	rs.add(receiver)
	if !ignoreIfIdle {
		b.requiredRegistryFor(receiver).Set(wakeup, msg)
		if wakeup > b.lastRequired {
			b.lastRequired = wakeup
		}
	}
	return nil
}

func (b *base) ReleaseAlarmMessages() []message.Message {
	var fired []message.Message
	releasedRequired := false
	for {
		t, ok := b.peek()
		if !ok || t > b.now {
			break
		}
		if rs := b.receiversAt[t]; rs != nil {
			for _, r := range rs.order {
				if reg, ok := b.registries[r]; ok {
					msgs, _ := reg.ReleaseUpTo(b.now, []float64{t})
					fired = append(fired, msgs...)
				}
				if reqReg, ok := b.required[r]; ok {
					if _, emptied := reqReg.ReleaseUpTo(b.now, []float64{t}); len(emptied) > 0 {
						releasedRequired = true
					}
				}
			}
		}
		b.removeWakeup(t)
	}
	if releasedRequired {
		b.recomputeLastRequired()
	}
	return fired
}

// ClearAlarms purges alarms from the registries and, since a clear can
// remove the alarm that established the current required-alarm
// watermark, always recomputes that watermark afterward rather than
// only resetting it on the receiver=="" && topic=="" case.
func (b *base) ClearAlarms(receiver, topic string) {
	if receiver == "" {
		for r := range b.registries {
			b.clearReceiver(r, topic)
		}
	} else {
		b.clearReceiver(receiver, topic)
	}
	b.recomputeLastRequired()
}

func (b *base) clearReceiver(receiver, topic string) {
	reg, ok := b.registries[receiver]
	if !ok {
		return
	}
	emptied := reg.Clear(topic)
	for _, t := range emptied {
		if rs, ok := b.receiversAt[t]; ok {
			rs.remove(receiver)
			if len(rs.order) == 0 {
				b.removeWakeup(t)
			}
		}
	}
	if reqReg, ok := b.required[receiver]; ok {
		reqReg.Clear(topic)
	}
}

func (b *base) ListAlarms(receiver string) []message.Message {
	if receiver != "" {
		reg, ok := b.registries[receiver]
		if !ok {
			return nil
		}
		return reg.Messages()
	}
	var msgs []message.Message
	for _, reg := range b.registries {
		msgs = append(msgs, reg.Messages()...)
	}
	return msgs
}

func (b *base) LastRequiredAlarm() float64 { return b.lastRequired }

func (b *base) Frontier() (float64, bool) {
	return b.peek()
}

// activePointstamps returns one Pointstamp per still-pending required
// alarm (ignoreIfIdle=false). Idle alarms are deliberately excluded:
// FrontierStatus answers "is there still required work outstanding",
// the same question the required/idle watermark answers, and both
// must agree after a receiver- or topic-scoped clear.
func (b *base) activePointstamps() []frontier.Pointstamp {
	var pts []frontier.Pointstamp
	for r, reg := range b.required {
		for _, t := range reg.WakeupTimes() {
			pts = append(pts, frontier.Pointstamp{Wakeup: t, Receiver: r})
		}
	}
	return pts
}

// FrontierStatus computes the frontier over the still-pending required
// alarms (ignoreIfIdle=false): SafeToAdvance is false when one is due
// at or before ts, and Frontier holds the earliest ones even when they
// are due later. The scheduler's main loop calls this, rather than comparing against
// LastRequiredAlarm directly, to decide whether an empty mail queue
// actually means nothing is left to do.
func (b *base) FrontierStatus(ts float64) frontier.Status {
	return frontier.ComputeStatus(ts, b.activePointstamps())
}

// BackoffConfig controls a RealClock's idle-wait backoff: how long the
// scheduler sleeps between halt-condition checks while waiting on a
// required alarm that hasn't fired yet. Adapted from the teacher's
// SQLite contention-retry helper (exponential backoff with jitter),
// repurposed here for idle waiting instead of write-contention retries.
type BackoffConfig struct {
	Base time.Duration // floor delay; typically 1/operatingFrequency
	Max  time.Duration // ceiling delay
}

// DefaultBackoff derives a BackoffConfig from an operating frequency in
// Hz, with a one-second ceiling.
func DefaultBackoff(operatingFrequency float64) BackoffConfig {
	if operatingFrequency <= 0 {
		operatingFrequency = 60
	}
	return BackoffConfig{
		Base: time.Duration(float64(time.Second) / operatingFrequency),
		Max:  time.Second,
	}
}

// NextDelay returns the delay for the given zero-based idle-wait
// attempt: delay = base * 2^attempt, capped at Max, plus jitter in
// [0, base].
func (c BackoffConfig) NextDelay(attempt int) time.Duration {
	if c.Base <= 0 {
		return 0
	}
	delay := c.Base << uint(attempt)
	if delay > c.Max || delay <= 0 {
		delay = c.Max
	}
	jitter := time.Duration(rand.Int63n(int64(c.Base) + 1))
	return delay + jitter
}

// RealClock advances Time() to the host monotonic clock on every Tick,
// regardless of whether the scheduler has pending work.
type RealClock struct {
	base
	start   time.Time
	backoff BackoffConfig
}

// NewReal returns a RealClock whose idle-wait backoff floor derives from
// operatingFrequency (ticks per second).
func NewReal(operatingFrequency float64) *RealClock {
	return &RealClock{
		base:    newBase(),
		start:   time.Now(),
		backoff: DefaultBackoff(operatingFrequency),
	}
}

// Tick implements Clock. limit is ignored: a real clock cannot be told
// to stop advancing.
func (c *RealClock) Tick(hasWork bool, limit *float64) {
	c.now = time.Since(c.start).Seconds()
}

// IdleWaitDelay implements Clock.
func (c *RealClock) IdleWaitDelay(attempt int) time.Duration {
	return c.backoff.NextDelay(attempt)
}

var _ Clock = (*RealClock)(nil)

// SimClock advances Time() only when the scheduler reports no in-flight
// work, jumping straight to the earliest pending alarm (capped at limit,
// if given). If the scheduler is mid-work, Time() stands still.
type SimClock struct {
	base
}

// NewSimulated returns a SimClock starting at time 0.
func NewSimulated() *SimClock {
	return &SimClock{base: newBase()}
}

// Tick implements Clock.
func (c *SimClock) Tick(hasWork bool, limit *float64) {
	if hasWork {
		return
	}
	t, ok := c.peek()
	if !ok {
		if limit != nil && *limit > c.now {
			c.now = *limit
		}
		return
	}
	target := t
	if limit != nil && *limit < target {
		target = *limit
	}
	if target > c.now {
		c.now = target
	}
}

// IdleWaitDelay implements Clock. A SimClock never needs to sleep: it
// jumps time forward on the next Tick instead.
func (c *SimClock) IdleWaitDelay(attempt int) time.Duration { return 0 }

var _ Clock = (*SimClock)(nil)
