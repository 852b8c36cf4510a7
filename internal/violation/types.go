// Package violation implements the violation-counting core of the
// proctoring monitor: observation types, the per-type tally, the
// cool-down aware aggregator that escalates tallies into Warnings, and the
// Warning ledger that trips session termination.
package violation

import (
	"fmt"
	"sort"
	"time"
)

// Type identifies the kind of anomaly an Observation or Warning refers to.
type Type string

const (
	NoFace           Type = "no-face-detected"
	MultipleFaces    Type = "multiple-faces-detected"
	LookingAway      Type = "looking-away"
	PoorPosture      Type = "poor-posture"
	FaceFraming      Type = "face-framing"
	TabSwitch        Type = "tab-switch"
	WindowBlur       Type = "window-blur"
	BlockedKey       Type = "blocked-key"
	BlockedKeyCombo  Type = "blocked-key-combination"
	Clipboard        Type = "clipboard-operation"
	ContextMenu      Type = "context-menu"
	MouseLeftWindow  Type = "mouse-left-window"
	FullscreenToggle Type = "fullscreen-toggle"
	GeometryChanged  Type = "window-geometry-changed"
	RapidKeypresses  Type = "rapid-keypresses"
	ZoomChanged      Type = "browser-zoom-changed"
	ScreenCapture    Type = "screen-capture-suspected"
)

var reasons = map[Type]string{
	NoFace:           "No face detected in frame",
	MultipleFaces:    "Multiple people detected in frame",
	LookingAway:      "Looking away from screen",
	PoorPosture:      "Poor posture detected",
	FaceFraming:      "Face not properly framed",
	TabSwitch:        "Tab switching detected",
	WindowBlur:       "Interview window lost focus",
	BlockedKey:       "Use of a blocked key",
	BlockedKeyCombo:  "Use of a blocked keyboard shortcut",
	Clipboard:        "Clipboard operation attempted",
	ContextMenu:      "Context menu opened",
	MouseLeftWindow:  "Mouse left the interview window",
	FullscreenToggle: "Repeated fullscreen toggling",
	GeometryChanged:  "Window moved or resized",
	RapidKeypresses:  "Unusually rapid key presses",
	ZoomChanged:      "Browser zoom level changed",
	ScreenCapture:    "Developer tools or screen capture suspected",
}

// Types returns every known Type in a stable order.
func Types() []Type {
	out := make([]Type, 0, len(reasons))
	for t := range reasons {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i] < out[j] })
	return out
}

// Valid reports whether t is a known Type.
func (t Type) Valid() bool {
	_, ok := reasons[t]
	return ok
}

// Reason returns the user-facing explanation for t.
func (t Type) Reason() string {
	if r, ok := reasons[t]; ok {
		return r
	}
	return string(t)
}

func (t Type) String() string { return string(t) }

// ParseType converts a wire name into a Type.
func ParseType(s string) (Type, error) {
	t := Type(s)
	if !t.Valid() {
		return "", fmt.Errorf("unknown violation type: %q", s)
	}
	return t, nil
}

// Observation is a single raw signal reported by a detector. It is
// consumed immediately by the Aggregator and never stored.
type Observation struct {
	Type      Type      `json:"type" yaml:"type" cbor:"type"`
	Detail    string    `json:"detail,omitempty" yaml:"detail,omitempty" cbor:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp" yaml:"timestamp" cbor:"timestamp"`

	// Immediate takes the warning path without waiting for the per-type
	// threshold. The global cool-down still applies.
	Immediate bool `json:"immediate,omitempty" yaml:"immediate,omitempty" cbor:"immediate,omitempty"`
}

// Tally counts observations per Type since monitoring started.
type Tally map[Type]int

// Clone returns an independent copy.
func (t Tally) Clone() Tally {
	out := make(Tally, len(t))
	for k, v := range t {
		out[k] = v
	}
	return out
}

// Total returns the sum over all types.
func (t Tally) Total() int {
	n := 0
	for _, v := range t {
		n += v
	}
	return n
}

// Warning is a user-visible escalation. Immutable once created.
type Warning struct {
	Reason                     string    `json:"reason"`
	Type                       Type      `json:"type"`
	Detail                     string    `json:"detail,omitempty"`
	SequenceNumber             int       `json:"sequence_number"`
	Timestamp                  time.Time `json:"timestamp"`
	RemainingBeforeTermination int       `json:"remaining_before_termination"`

	// Tally is the violation tally at the moment the warning was raised.
	Tally Tally `json:"tally,omitempty"`
}

// String formats the warning the way it is shown to the candidate.
func (w Warning) String() string {
	return fmt.Sprintf("Warning %d: %s. %d warnings remaining.",
		w.SequenceNumber, w.Reason, w.RemainingBeforeTermination)
}

// TerminationReason is the reason attached to every policy termination.
const TerminationReason = "maximum warnings exceeded"

// Termination is the evidence emitted once when the ledger trips.
type Termination struct {
	Reason    string    `json:"reason"`
	Warnings  []Warning `json:"warnings"`
	Tally     Tally     `json:"violation_tally"`
	Timestamp time.Time `json:"timestamp"`
}

// Reasons lists the accumulated warning reasons in order.
func (t Termination) Reasons() []string {
	out := make([]string, len(t.Warnings))
	for i, w := range t.Warnings {
		out[i] = w.Reason
	}
	return out
}
