// Package id generates default identifiers for agents registered with a
// scheduler.
//
// The source this kernel is drawn from used a process-global monotonic
// counter for default agent ids. That hides state across unrelated
// schedulers (two schedulers in the same test binary would share a
// counter). Here the counter is scoped to a single Generator instance,
// owned by the scheduler that uses it, so two schedulers never collide
// and never leak sequence state between runs.
package id

import (
	"fmt"
	"sync/atomic"

	"github.com/google/uuid"
)

// Generator produces default agent identifiers. The zero value is ready
// to use and starts counting from 1.
type Generator struct {
	prefix  string
	counter atomic.Uint64
	useUUID bool
}

// Option configures a Generator.
type Option func(*Generator)

// WithPrefix sets the prefix used for generated identifiers. Default "agent".
func WithPrefix(prefix string) Option {
	return func(g *Generator) { g.prefix = prefix }
}

// WithGloballyUniqueIDs switches the generator from a scoped monotonic
// counter to a v4 UUID suffix. Use this when identifiers must stay unique
// across multiple schedulers in the same process (for example, a
// multiprocessing partitioning layer that shards agents across several
// scheduler instances — itself out of this kernel's scope).
func WithGloballyUniqueIDs() Option {
	return func(g *Generator) { g.useUUID = true }
}

// New returns a Generator configured with the given options.
func New(opts ...Option) *Generator {
	g := &Generator{prefix: "agent"}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Next returns the next default identifier. Safe for concurrent use,
// though the scheduler itself only ever calls this from its own
// goroutine during Add.
func (g *Generator) Next() string {
	if g.useUUID {
		return fmt.Sprintf("%s-%s", g.prefix, uuid.NewString())
	}
	n := g.counter.Add(1)
	return fmt.Sprintf("%s-%d", g.prefix, n)
}
