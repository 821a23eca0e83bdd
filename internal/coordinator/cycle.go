// ABOUTME: Per-cycle state for ask-and-wait requests and the public pending view
// ABOUTME: Each cycle owns a correlation id and a one-slot result channel where the first outcome wins

package coordinator

import (
	"time"
)

// Outcome is the resolution of an ask-and-wait cycle.
type Outcome int

const (
	OutcomePending Outcome = iota
	OutcomeSuccess
	OutcomeFailure
	OutcomeTimeout
	OutcomeCanceled
)

func (o Outcome) String() string {
	switch o {
	case OutcomePending:
		return "pending"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeTimeout:
		return "timeout"
	case OutcomeCanceled:
		return "canceled"
	default:
		return "unknown"
	}
}

// PendingRequest is a snapshot of the most recent cycle.
// Awaiting is true only while Outcome is OutcomePending.
type PendingRequest struct {
	RequestID string
	Kind      string
	Target    string
	Awaiting  bool
	Outcome   Outcome
	Deadline  time.Time
}

type cycle struct {
	id       string
	kind     string
	target   string
	deadline time.Time
	result   chan Outcome
}

func newCycle(id, kind, target string, deadline time.Time) *cycle {
	return &cycle{
		id:       id,
		kind:     kind,
		target:   target,
		deadline: deadline,
		result:   make(chan Outcome, 1),
	}
}

// resolve offers o to the cycle. Only the first offer is kept.
func (c *cycle) resolve(o Outcome) bool {
	select {
	case c.result <- o:
		return true
	default:
		return false
	}
}
