// Package store provides SQLite-based persistence of proctoring session
// outcomes.
package store

import (
	"time"

	"proctord/internal/violation"
)

// Outcome states.
const (
	StateTerminated = "terminated"
	StateStopped    = "stopped"
)

// Outcome is the final record of one monitored session.
type Outcome struct {
	SessionID string
	Candidate string
	StartedAt time.Time
	EndedAt   time.Time

	// State is StateTerminated or StateStopped.
	State  string
	Reason string

	// Digest is the hex BLAKE3 digest of the exported report, if any.
	Digest string

	Warnings []violation.Warning
	Tally    violation.Tally
}

// Terminated reports whether the session ended by policy.
func (o *Outcome) Terminated() bool { return o.State == StateTerminated }

// Duration returns how long the session was monitored.
func (o *Outcome) Duration() time.Duration {
	if o.StartedAt.IsZero() || o.EndedAt.Before(o.StartedAt) {
		return 0
	}
	return o.EndedAt.Sub(o.StartedAt)
}
