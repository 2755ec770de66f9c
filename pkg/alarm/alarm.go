// Package alarm implements the per-receiver registry of pending alarms
// used by pkg/clock.
//
// One Registry belongs to a single receiver identifier. It holds a
// mapping from wakeup time to the ordered list of alarm messages due at
// that time, and supports insertion, firing (release-up-to), presence
// checks, and selective clearing by topic.
package alarm

import (
	"errors"

	"github.com/agentkit/kernel/pkg/message"
)

// ErrNilMessage is returned by clock.SetAlarm when the alarm payload is nil.
var ErrNilMessage = errors.New("alarm: message must not be nil")

// ErrInvalidWakeup is returned by clock.SetAlarm when the requested delay
// is NaN or infinite, so no finite wakeup time could be computed.
var ErrInvalidWakeup = errors.New("alarm: delay must be a finite number")

// entry is one scheduled alarm: the message to deliver and the topic it
// carries, cached so Clear(topic) doesn't need to call message.Topic()
// repeatedly (and so it still works if the message's own Topic() were to
// change after scheduling, which the contract doesn't forbid).
type entry struct {
	msg   message.Message
	topic string
}

// Registry holds the pending alarms for a single receiver, bucketed by
// wakeup time. The zero value is ready to use.
type Registry struct {
	buckets map[float64][]entry
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{buckets: make(map[float64][]entry)}
}

// Set appends msg to the bucket for wakeup. Insertion order within a
// bucket is preserved, so alarms with equal wakeup times fire in the
// order they were set.
func (r *Registry) Set(wakeup float64, msg message.Message) {
	if r.buckets == nil {
		r.buckets = make(map[float64][]entry)
	}
	r.buckets[wakeup] = append(r.buckets[wakeup], entry{msg: msg, topic: msg.Topic()})
}

// HasAlarmAt reports whether any alarm is scheduled at exactly wakeup.
func (r *Registry) HasAlarmAt(wakeup float64) bool {
	return len(r.buckets[wakeup]) > 0
}

// ReleaseUpTo pops and returns every message with wakeup time <= now, in
// ascending time order (and insertion order within a time), emptying
// those buckets. It also returns the list of wakeup times that became
// empty, so the caller (pkg/clock) can prune its global wakeup-time
// sequence.
func (r *Registry) ReleaseUpTo(now float64, ordered []float64) (fired []message.Message, emptied []float64) {
	for _, t := range ordered {
		if t > now {
			break
		}
		bucket, ok := r.buckets[t]
		if !ok {
			continue
		}
		for _, e := range bucket {
			fired = append(fired, e.msg)
		}
		delete(r.buckets, t)
		emptied = append(emptied, t)
	}
	return fired, emptied
}

// Clear removes alarms from this registry. If topic is "", every alarm is
// removed; otherwise only alarms whose topic equals topic are removed.
// Returns the wakeup times that became empty as a result, so the caller
// can prune its global wakeup-time sequence.
func (r *Registry) Clear(topic string) (emptied []float64) {
	if topic == "" {
		for t := range r.buckets {
			emptied = append(emptied, t)
		}
		r.buckets = make(map[float64][]entry)
		return emptied
	}
	for t, bucket := range r.buckets {
		kept := bucket[:0]
		for _, e := range bucket {
			if e.topic != topic {
				kept = append(kept, e)
			}
		}
		if len(kept) == 0 {
			delete(r.buckets, t)
			emptied = append(emptied, t)
		} else {
			r.buckets[t] = kept
		}
	}
	return emptied
}

// WakeupTimes returns every wakeup time with at least one pending alarm
// in this registry, unordered. Used by pkg/clock to recompute its
// required-alarm watermark and the pointstamps behind FrontierStatus.
func (r *Registry) WakeupTimes() []float64 {
	times := make([]float64, 0, len(r.buckets))
	for t := range r.buckets {
		times = append(times, t)
	}
	return times
}

// Messages returns every pending message in this registry, grouped by
// wakeup time; the order of the groups is not guaranteed. Used by
// clock's ListAlarms for introspection.
func (r *Registry) Messages() []message.Message {
	var msgs []message.Message
	for _, bucket := range r.buckets {
		for _, e := range bucket {
			msgs = append(msgs, e.msg)
		}
	}
	return msgs
}

// Empty reports whether the registry holds no pending alarms.
func (r *Registry) Empty() bool {
	return len(r.buckets) == 0
}
