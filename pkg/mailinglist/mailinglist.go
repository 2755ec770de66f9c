// Package mailinglist resolves a message's recipient set across direct
// addressing, topic subscriptions, and wildcard (sender/receiver/topic)
// subscription patterns.
//
// The subscription directory is a single map keyed by the triple
// (sender-filter, receiver-filter, topic-filter), where a wildcard at any
// position means "any". A reverse index (subscriber -> set of its
// subscription triples) makes Unsubscribe(everything=true) and agent
// removal efficient without scanning the whole directory.
package mailinglist

import (
	"errors"

	"github.com/agentkit/kernel/pkg/message"
)

// ErrAllWildcard is returned when a subscription specifies no filter at
// all — equivalent to subscribing to every message in the system, which
// is deliberately rejected to avoid an accidental firehose subscription.
var ErrAllWildcard = errors.New("mailinglist: at least one of sender, receiver, topic must be specified")

// ErrOverConstrained is returned when a subscription specifies all three
// filters. A fully-specified triple is indistinguishable from a direct
// message and over-constrains the routing algorithm's wildcard
// expansion (see GetMailRecipients).
var ErrOverConstrained = errors.New("mailinglist: at most two of sender, receiver, topic may be specified")

// Filter is one component of a subscription triple: either a wildcard
// ("any value matches") or an exact string to match against a message's
// corresponding field. A zero Filter is the wildcard, so callers can
// write mailinglist.Filter{} for "any" without calling a constructor.
type Filter struct {
	value string
	exact bool
}

// Any returns the wildcard filter: matches any value, including "".
func Any() Filter { return Filter{} }

// Exact returns a filter that matches only v. Exact("") is a valid,
// distinct filter from Any(): it matches messages whose field is
// literally the empty string, not "any value".
func Exact(v string) Filter { return Filter{value: v, exact: true} }

// IsWildcard reports whether f is the wildcard filter.
func (f Filter) IsWildcard() bool { return !f.exact }

// Value returns f's match value and whether f is an exact filter (as
// opposed to the wildcard). Exposed so callers outside this package —
// the scheduler's subscription validation — can inspect a filter built
// by BuildFilters without reaching into unexported fields.
func (f Filter) Value() (string, bool) { return f.value, f.exact }

// SubscribeOption sets one component of a subscription triple. Used by
// the agent/scheduler Subscribe and Unsubscribe wrappers, which resolve
// the options into Filters with BuildFilters before calling
// MailingList: WithSender("a"), WithTopic("weather"), etc.
// Omitting an option leaves that position as the wildcard.
type SubscribeOption func(*subscribeParams)

type subscribeParams struct {
	sender, receiver, topic Filter
}

// WithSender constrains a subscription or query to an exact sender id.
func WithSender(id string) SubscribeOption {
	return func(p *subscribeParams) { p.sender = Exact(id) }
}

// WithReceiver constrains a subscription or query to an exact receiver id.
func WithReceiver(id string) SubscribeOption {
	return func(p *subscribeParams) { p.receiver = Exact(id) }
}

// WithTopic constrains a subscription or query to an exact topic.
func WithTopic(topic string) SubscribeOption {
	return func(p *subscribeParams) { p.topic = Exact(topic) }
}

// BuildFilters resolves a set of SubscribeOptions into the three-filter
// triple, with any unset position left as the wildcard.
func BuildFilters(opts ...SubscribeOption) (sender, receiver, topic Filter) {
	var p subscribeParams
	for _, opt := range opts {
		opt(&p)
	}
	return p.sender, p.receiver, p.topic
}

// key is the fully-resolved three-level lookup key into the directory.
type key struct {
	sender, receiver, topic Filter
}

// MailingList is the subscription directory and recipient resolver. The
// zero value is ready to use.
type MailingList struct {
	directory map[key][]string       // triple -> subscribers, insertion order, deduped
	reverse   map[string]map[key]bool // subscriber -> triples it owns
}

// New returns an empty MailingList.
func New() *MailingList {
	return &MailingList{
		directory: make(map[key][]string),
		reverse:   make(map[string]map[key]bool),
	}
}

func (m *MailingList) ensure() {
	if m.directory == nil {
		m.directory = make(map[key][]string)
	}
	if m.reverse == nil {
		m.reverse = make(map[string]map[key]bool)
	}
}

// countExact returns how many of the three filters are non-wildcard.
func countExact(sender, receiver, topic Filter) int {
	n := 0
	if sender.exact {
		n++
	}
	if receiver.exact {
		n++
	}
	if topic.exact {
		n++
	}
	return n
}

// Subscribe registers subscriber for messages matching (sender, receiver,
// topic). At most two of the three filters may be non-wildcard, and at
// least one must be. Subscribing is idempotent.
func (m *MailingList) Subscribe(subscriber string, sender, receiver, topic Filter) error {
	switch n := countExact(sender, receiver, topic); {
	case n == 0:
		return ErrAllWildcard
	case n == 3:
		return ErrOverConstrained
	}
	m.ensure()
	k := key{sender, receiver, topic}

	if m.reverse[subscriber] != nil && m.reverse[subscriber][k] {
		return nil // idempotent
	}
	m.directory[k] = append(m.directory[k], subscriber)
	if m.reverse[subscriber] == nil {
		m.reverse[subscriber] = make(map[key]bool)
	}
	m.reverse[subscriber][k] = true
	return nil
}

// Unsubscribe removes subscriber's subscription to (sender, receiver,
// topic). If everything is true, all of subscriber's subscriptions are
// removed and the filters are ignored.
func (m *MailingList) Unsubscribe(subscriber string, sender, receiver, topic Filter, everything bool) {
	m.ensure()
	if everything {
		for k := range m.reverse[subscriber] {
			m.removeFromDirectory(k, subscriber)
		}
		delete(m.reverse, subscriber)
		return
	}
	k := key{sender, receiver, topic}
	if m.reverse[subscriber] == nil || !m.reverse[subscriber][k] {
		return
	}
	m.removeFromDirectory(k, subscriber)
	delete(m.reverse[subscriber], k)
	if len(m.reverse[subscriber]) == 0 {
		delete(m.reverse, subscriber)
	}
}

func (m *MailingList) removeFromDirectory(k key, subscriber string) {
	subs := m.directory[k]
	for i, s := range subs {
		if s == subscriber {
			subs = append(subs[:i], subs[i+1:]...)
			break
		}
	}
	if len(subs) == 0 {
		delete(m.directory, k)
	} else {
		m.directory[k] = subs
	}
}

// HasSubscriptions reports whether subscriber owns any subscription.
func (m *MailingList) HasSubscriptions(subscriber string) bool {
	return len(m.reverse[subscriber]) > 0
}

// GetSubscriberList returns the subscribers registered for exactly
// (sender, receiver, topic) — no wildcard expansion on the query side.
func (m *MailingList) GetSubscriberList(sender, receiver, topic Filter) []string {
	subs := m.directory[key{sender, receiver, topic}]
	out := make([]string, len(subs))
	copy(out, subs)
	return out
}

// GetSubscriptionTopics returns every distinct exact topic filter any
// subscriber has registered for.
func (m *MailingList) GetSubscriptionTopics() []string {
	seen := make(map[string]bool)
	var topics []string
	for k := range m.directory {
		if k.topic.exact && !seen[k.topic.value] {
			seen[k.topic.value] = true
			topics = append(topics, k.topic.value)
		}
	}
	return topics
}

// orderedSet collects recipients in first-seen order, so routing a given
// message always produces the same delivery order within a run.
type orderedSet struct {
	order []string
	seen  map[string]bool
}

func (s *orderedSet) add(id string) {
	if id == "" {
		return
	}
	if s.seen == nil {
		s.seen = make(map[string]bool)
	}
	if !s.seen[id] {
		s.seen[id] = true
		s.order = append(s.order, id)
	}
}

// GetMailRecipients computes the recipient set for msg.
//
// Direct messages go straight to their receiver, bypassing topic
// routing. Otherwise the receiver (if any) plus every subscriber whose
// triple matches one of the 8 (sender, receiver, topic) combinations
// built from {msg's value, wildcard} at each position — except the
// all-wildcard combination, which is never looked up since it would
// equal a subscription this package already rejects at Subscribe time.
func (m *MailingList) GetMailRecipients(msg message.Message) []string {
	if msg.Direct() {
		if msg.Receiver() == "" {
			return nil
		}
		return []string{msg.Receiver()}
	}

	var recipients orderedSet
	if msg.Receiver() != "" {
		recipients.add(msg.Receiver())
	}

	senderOpts := [2]Filter{Exact(msg.Sender()), Any()}
	receiverOpts := [2]Filter{Exact(msg.Receiver()), Any()}
	topicOpts := [2]Filter{Exact(msg.Topic()), Any()}

	for _, s := range senderOpts {
		for _, r := range receiverOpts {
			for _, t := range topicOpts {
				if s.IsWildcard() && r.IsWildcard() && t.IsWildcard() {
					continue // ambiguous all-wildcard triple, never registered
				}
				for _, sub := range m.directory[key{s, r, t}] {
					recipients.add(sub)
				}
			}
		}
	}
	return recipients.order
}
