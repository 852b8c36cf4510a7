package vision

import "time"

// Debouncer turns a noisy per-cycle boolean into a report once the
// condition has held for a number of consecutive cycles and, optionally,
// a minimum continuous duration. Any cycle without the condition resets
// it, as does a report, so a sustained condition reports once per run of
// required cycles.
//
// Not safe for concurrent use.
type Debouncer struct {
	required int
	hold     time.Duration

	count int
	since time.Time
}

// NewDebouncer requires required consecutive cycles (at least 1) and at
// least hold of continuous presence.
func NewDebouncer(required int, hold time.Duration) *Debouncer {
	if required < 1 {
		required = 1
	}
	return &Debouncer{required: required, hold: hold}
}

// Observe records one cycle and reports whether it completes a run.
func (d *Debouncer) Observe(active bool, now time.Time) bool {
	if !active {
		d.Reset()
		return false
	}
	if d.count == 0 {
		d.since = now
	}
	d.count++
	if d.count < d.required || now.Sub(d.since) < d.hold {
		return false
	}
	d.Reset()
	return true
}

// Reset clears the run.
func (d *Debouncer) Reset() {
	d.count = 0
	d.since = time.Time{}
}

// Count returns the length of the current run.
func (d *Debouncer) Count() int { return d.count }
