// Package message defines the base contract every message exchanged
// through the scheduler must satisfy.
//
// Messages are transient: enqueued by a sender's Send call, consumed by a
// recipient's Receive call, and never retained by the kernel beyond that.
// When a message fans out to more than one recipient, exactly one
// recipient gets the original instance; the rest get independent copies
// produced by Copy (see scheduler.processMailQueue). Implementers choose
// structural cloning or explicit constructors per message type; the
// kernel never attempts a reflective deep copy.
package message

import "errors"

// ErrDirectNeedsReceiver is returned when a message claims to be direct
// but has no receiver to address.
var ErrDirectNeedsReceiver = errors.New("message: direct message must have a receiver")

// Message is the contract every message exchanged through the scheduler
// must implement.
type Message interface {
	// Sender returns the sending agent's identifier, or "" if unset.
	Sender() string
	// SetSender sets the sending agent's identifier. Called by
	// agent.Base.Send when a message's sender was left unset.
	SetSender(id string)

	// Receiver returns the addressed agent's identifier, or "" for a
	// broadcast routed purely by topic subscription.
	Receiver() string

	// Topic returns the message's topic string.
	Topic() string

	// Direct reports whether this message bypasses topic routing and
	// goes straight to Receiver.
	Direct() bool

	// Copy returns an independent instance with the same sender,
	// receiver, topic, direct flag, and payload. Mutating the copy must
	// never affect the original or any other copy.
	Copy() Message
}

// Validate checks the direct/receiver invariant described in the Message
// interface doc. Scheduler.Send and Agent.Send both call this before
// enqueueing.
func Validate(m Message) error {
	if m.Direct() && m.Receiver() == "" {
		return ErrDirectNeedsReceiver
	}
	return nil
}

// Base is an embeddable implementation of the addressing fields of
// Message. Concrete message types embed Base for SenderID/ReceiverID/
// TopicName/IsDirect bookkeeping and implement their own Copy, since Copy
// must know the concrete type to produce an independent payload.
type Base struct {
	SenderID   string
	ReceiverID string
	TopicName  string
	IsDirect   bool
}

// Sender implements Message.
func (b Base) Sender() string { return b.SenderID }

// SetSender implements Message.
func (b *Base) SetSender(id string) { b.SenderID = id }

// Receiver implements Message.
func (b Base) Receiver() string { return b.ReceiverID }

// Topic implements Message.
func (b Base) Topic() string { return b.TopicName }

// Direct implements Message.
func (b Base) Direct() bool { return b.IsDirect }

// CopyBase returns a Base with the same addressing fields, for use by a
// concrete message type's Copy implementation:
//
//	func (m *Ping) Copy() message.Message {
//		cp := *m
//		cp.Base = m.Base.CopyBase()
//		return &cp
//	}
func (b Base) CopyBase() Base {
	return Base{
		SenderID:   b.SenderID,
		ReceiverID: b.ReceiverID,
		TopicName:  b.TopicName,
		IsDirect:   b.IsDirect,
	}
}
