// Package frontier computes progress frontiers over a clock's pending
// wakeup times.
//
// This is a direct descendant of a Naiad-style (Murray et al., 2013)
// frontier computation: the antichain of minimal active pointstamps,
// used to decide when it is safe to finalize work because nothing
// outstanding could still produce an earlier event. The original
// computed this over (Epoch, Round) pairs partially ordered per agent;
// wakeup times in this kernel are a single float64 per receiver, which
// is a total order, so the antichain collapses to a single minimum.
// ComputeFrontier is kept as its own entry point (rather than inlined as
// a one-line min over a slice) because the scheduler's required-vs-idle
// split needs the "no outstanding work" answer, not just "what's next",
// and a future extension that reintroduces a structured (non-scalar)
// wakeup key would only need to change this package.
package frontier

// Pointstamp pairs a pending wakeup time with the receiver it belongs to.
type Pointstamp struct {
	Wakeup   float64
	Receiver string
}

// ComputeFrontier returns the subset of active that shares the minimum
// Wakeup time. With a scalar wakeup key every active pointstamp at the
// minimum time is, by definition, not dominated by any other: none of
// them precedes another, so together they form the antichain.
func ComputeFrontier(active []Pointstamp) []Pointstamp {
	if len(active) == 0 {
		return nil
	}
	min := active[0].Wakeup
	for _, p := range active[1:] {
		if p.Wakeup < min {
			min = p.Wakeup
		}
	}
	var frontier []Pointstamp
	for _, p := range active {
		if p.Wakeup == min {
			frontier = append(frontier, p)
		}
	}
	return frontier
}

// Status is the result of a frontier safety check at a candidate time.
type Status struct {
	SafeToAdvance bool
	Frontier      []Pointstamp
	BlockedBy     []Pointstamp
}

// ComputeStatus checks whether it is safe to advance time past ts, given
// the set of currently active (pending) pointstamps. It is safe exactly
// when no active pointstamp has Wakeup <= ts.
func ComputeStatus(ts float64, active []Pointstamp) Status {
	status := Status{
		SafeToAdvance: true,
		Frontier:      ComputeFrontier(active),
	}
	for _, p := range active {
		if p.Wakeup <= ts {
			status.SafeToAdvance = false
			status.BlockedBy = append(status.BlockedBy, p)
		}
	}
	return status
}
