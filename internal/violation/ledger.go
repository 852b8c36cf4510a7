package violation

import "sync"

// Ledger is the ordered log of Warnings for one monitoring run. Insertion
// order is chronological order. It trips exactly once, the first time its
// length reaches the configured maximum.
type Ledger struct {
	mu          sync.RWMutex
	maxWarnings int
	warnings    []Warning
	tripped     bool
}

// NewLedger creates an empty ledger that trips at maxWarnings.
func NewLedger(maxWarnings int) *Ledger {
	return &Ledger{maxWarnings: maxWarnings}
}

// Append adds w and reports whether this append tripped the termination
// policy. Only the first qualifying append returns true.
func (l *Ledger) Append(w Warning) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	l.warnings = append(l.warnings, w)
	if l.tripped || len(l.warnings) < l.maxWarnings {
		return false
	}
	l.tripped = true
	return true
}

// Count returns the number of warnings recorded.
func (l *Ledger) Count() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return len(l.warnings)
}

// All returns a copy of the warnings in insertion order.
func (l *Ledger) All() []Warning {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]Warning, len(l.warnings))
	copy(out, l.warnings)
	return out
}

// Tripped reports whether the termination policy has fired.
func (l *Ledger) Tripped() bool {
	l.mu.RLock()
	defer l.mu.RUnlock()
	return l.tripped
}

// Remaining returns how many more warnings are allowed before termination.
func (l *Ledger) Remaining() int {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if n := l.maxWarnings - len(l.warnings); n > 0 {
		return n
	}
	return 0
}

// Max returns the configured maximum.
func (l *Ledger) Max() int { return l.maxWarnings }
