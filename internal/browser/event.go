// Package browser holds the environment side of the monitor. Detectors
// subscribe to page events (visibility, focus, keyboard, clipboard,
// pointer, fullscreen, resize, unload) through a Source and poll window
// geometry, turning what they see into violation Observations.
//
// The package never touches a real browser. A host bridge translates page
// events into Event values and dispatches them on a Bus.
package browser

import (
	"errors"
	"strings"
	"time"

	"proctord/internal/violation"
)

// ErrNoGeometry is returned by a Source that has not been told the window
// geometry yet.
var ErrNoGeometry = errors.New("browser: window geometry unknown")

// Kind names a page event type.
type Kind string

const (
	KindVisibilityChange Kind = "visibilitychange"
	KindBlur             Kind = "blur"
	KindFocus            Kind = "focus"
	KindKeyDown          Kind = "keydown"
	KindCopy             Kind = "copy"
	KindCut              Kind = "cut"
	KindPaste            Kind = "paste"
	KindContextMenu      Kind = "contextmenu"
	KindMouseLeave       Kind = "mouseleave"
	KindFullscreenChange Kind = "fullscreenchange"
	KindResize           Kind = "resize"
	KindBeforeUnload     Kind = "beforeunload"
)

// ParseKind maps a page event name to a Kind. Vendor-prefixed fullscreen
// events collapse into KindFullscreenChange.
func ParseKind(name string) (Kind, bool) {
	n := strings.ToLower(name)
	switch n {
	case "webkitfullscreenchange", "mozfullscreenchange", "msfullscreenchange":
		return KindFullscreenChange, true
	}
	k := Kind(n)
	switch k {
	case KindVisibilityChange, KindBlur, KindFocus, KindKeyDown, KindCopy,
		KindCut, KindPaste, KindContextMenu, KindMouseLeave,
		KindFullscreenChange, KindResize, KindBeforeUnload:
		return k, true
	}
	return "", false
}

// Event is one page event as seen by a detector. Only the fields relevant
// to its Kind are set.
type Event struct {
	Kind Kind      `json:"kind" cbor:"kind"`
	Time time.Time `json:"time" cbor:"time"`

	// visibilitychange
	Hidden bool `json:"hidden,omitempty" cbor:"hidden,omitempty"`

	// keydown
	Key   string `json:"key,omitempty" cbor:"key,omitempty"`
	Ctrl  bool   `json:"ctrl,omitempty" cbor:"ctrl,omitempty"`
	Meta  bool   `json:"meta,omitempty" cbor:"meta,omitempty"`
	Alt   bool   `json:"alt,omitempty" cbor:"alt,omitempty"`
	Shift bool   `json:"shift,omitempty" cbor:"shift,omitempty"`

	// mouseleave
	ClientY float64 `json:"client_y,omitempty" cbor:"client_y,omitempty"`

	// fullscreenchange
	Fullscreen bool `json:"fullscreen,omitempty" cbor:"fullscreen,omitempty"`

	// ReturnValue is the advisory message set on beforeunload.
	ReturnValue string `json:"-" cbor:"-"`

	prevented bool
}

// PreventDefault asks the host to cancel the page's default action.
func (e *Event) PreventDefault() { e.prevented = true }

// Prevented reports whether a listener called PreventDefault.
func (e *Event) Prevented() bool { return e.prevented }

// Geometry is the browser window geometry in CSS pixels.
type Geometry struct {
	OuterWidth  float64 `json:"outer_width" cbor:"outer_width"`
	OuterHeight float64 `json:"outer_height" cbor:"outer_height"`
	InnerWidth  float64 `json:"inner_width" cbor:"inner_width"`
	InnerHeight float64 `json:"inner_height" cbor:"inner_height"`
	ScreenX     float64 `json:"screen_x" cbor:"screen_x"`
	ScreenY     float64 `json:"screen_y" cbor:"screen_y"`
}

// Source is where detectors register for events and read geometry.
type Source interface {
	// AddListener registers fn for kind. The returned func removes it and
	// is safe to call more than once.
	AddListener(kind Kind, fn func(*Event)) (remove func())

	// Geometry returns the current window geometry.
	Geometry() (Geometry, error)
}

// Reporter receives Observations from detectors.
type Reporter func(violation.Observation)
