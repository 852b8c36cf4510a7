package browser

import (
	"fmt"
	"time"

	"proctord/internal/violation"
)

// VisibilityDetector reports a tab switch each time the document becomes
// hidden.
type VisibilityDetector struct {
	hooks
}

func NewVisibilityDetector() *VisibilityDetector { return &VisibilityDetector{} }

func (d *VisibilityDetector) Name() string { return "visibility" }

func (d *VisibilityDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindVisibilityChange, func(e *Event) {
		if e.Hidden {
			d.emit(violation.TabSwitch, "document hidden", e.Time, false)
		}
	})
}

// FocusDetector reports window blur and tracks how long the page stays
// unfocused. Losing focus or visibility starts the unfocus timer; regaining
// either clears it. When the timer exceeds the limit, Poll takes the
// immediate warning path once per unfocus period.
type FocusDetector struct {
	hooks
	limit time.Duration

	unfocused bool
	since     time.Time
	escalated bool
}

// NewFocusDetector builds a focus detector with the given soft timeout.
// A zero limit disables the timeout.
func NewFocusDetector(limit time.Duration) *FocusDetector {
	return &FocusDetector{limit: limit}
}

func (d *FocusDetector) Name() string { return "focus" }

func (d *FocusDetector) Install(src Source, report Reporter) {
	d.install(src, report)
	d.listen(KindBlur, func(e *Event) {
		d.emit(violation.WindowBlur, "window lost focus", e.Time, false)
		d.lose(e.Time)
	})
	d.listen(KindFocus, func(*Event) { d.regain() })
	d.listen(KindVisibilityChange, func(e *Event) {
		if e.Hidden {
			d.lose(e.Time)
		} else {
			d.regain()
		}
	})
}

func (d *FocusDetector) lose(at time.Time) {
	if d.unfocused {
		return
	}
	d.unfocused = true
	d.since = at
	d.escalated = false
}

func (d *FocusDetector) regain() {
	d.unfocused = false
	d.escalated = false
}

// Poll implements Poller.
func (d *FocusDetector) Poll(now time.Time) {
	if !d.unfocused || d.escalated || d.limit <= 0 {
		return
	}
	if away := now.Sub(d.since); away > d.limit {
		d.escalated = true
		d.emit(violation.WindowBlur, fmt.Sprintf("unfocused for %s", away.Round(time.Millisecond)), now, true)
	}
}

// Unfocused reports whether the page is currently unfocused.
func (d *FocusDetector) Unfocused() bool { return d.unfocused }
