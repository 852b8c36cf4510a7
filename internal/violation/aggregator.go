package violation

import (
	"sync"
	"time"
)

// Policy holds the aggregator tunables.
type Policy struct {
	// GlobalCooldown is the minimum spacing between two Warnings of any type.
	GlobalCooldown time.Duration

	// DefaultThreshold is the number of observations of one type needed
	// before it escalates, unless Thresholds overrides it.
	DefaultThreshold int

	// Thresholds overrides DefaultThreshold per type.
	Thresholds map[Type]int

	// SignalCooldown drops an observation arriving within this window of
	// the previous counted observation of the same type.
	SignalCooldown map[Type]time.Duration
}

// Threshold returns the escalation threshold for t. Never less than 1.
func (p Policy) Threshold(t Type) int {
	n := p.DefaultThreshold
	if v, ok := p.Thresholds[t]; ok {
		n = v
	}
	if n < 1 {
		n = 1
	}
	return n
}

// Result describes what Record did with one observation.
type Result struct {
	// Counted is false when the observation fell inside its per-signal
	// cool-down and was discarded.
	Counted bool

	// Warning is set when the observation escalated.
	Warning *Warning

	// Tripped is true exactly once per run: when the escalation filled
	// the ledger.
	Tripped bool
}

// Aggregator accumulates observations into a Tally and decides when a
// type escalates into a Warning. It forwards every Warning to its Ledger.
//
// Each type keeps a pending count since its last escalation. A type
// escalates when its pending count reaches the threshold and the global
// cool-down has elapsed; escalating resets the pending count. While the
// cool-down holds, observations keep counting and the type escalates on
// the first observation after the window closes.
type Aggregator struct {
	mu          sync.Mutex
	policy      Policy
	ledger      *Ledger
	tally       Tally
	pending     map[Type]int
	lastCounted map[Type]time.Time
	lastWarning time.Time
	warned      bool
}

// NewAggregator returns an aggregator with an empty tally that forwards
// warnings to ledger.
func NewAggregator(policy Policy, ledger *Ledger) *Aggregator {
	return &Aggregator{
		policy:      policy,
		ledger:      ledger,
		tally:       make(Tally),
		pending:     make(map[Type]int),
		lastCounted: make(map[Type]time.Time),
	}
}

// Record counts obs and escalates it when the threshold and cool-down
// conditions hold. Observations recorded after the ledger tripped are
// still tallied but never escalate.
func (a *Aggregator) Record(obs Observation) Result {
	a.mu.Lock()
	defer a.mu.Unlock()

	now := obs.Timestamp
	if cd := a.policy.SignalCooldown[obs.Type]; cd > 0 {
		if last, ok := a.lastCounted[obs.Type]; ok && now.Sub(last) < cd {
			return Result{}
		}
	}
	a.lastCounted[obs.Type] = now
	a.tally[obs.Type]++
	a.pending[obs.Type]++

	res := Result{Counted: true}
	if a.ledger.Tripped() {
		return res
	}
	if !obs.Immediate && a.pending[obs.Type] < a.policy.Threshold(obs.Type) {
		return res
	}
	if a.warned && now.Sub(a.lastWarning) < a.policy.GlobalCooldown {
		return res
	}

	seq := a.ledger.Count() + 1
	remaining := a.ledger.Max() - seq
	if remaining < 0 {
		remaining = 0
	}
	w := Warning{
		Reason:                     obs.Type.Reason(),
		Type:                       obs.Type,
		Detail:                     obs.Detail,
		SequenceNumber:             seq,
		Timestamp:                  now,
		RemainingBeforeTermination: remaining,
		Tally:                      a.tally.Clone(),
	}
	a.pending[obs.Type] = 0
	a.lastWarning = now
	a.warned = true

	res.Warning = &w
	res.Tripped = a.ledger.Append(w)
	return res
}

// Tally returns a snapshot of the per-type counters.
func (a *Aggregator) Tally() Tally {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.tally.Clone()
}

// Pending returns the count of t since its last escalation.
func (a *Aggregator) Pending(t Type) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pending[t]
}
