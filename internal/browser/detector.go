package browser

import (
	"time"

	"proctord/internal/violation"
)

// Detector watches one aspect of the page environment.
//
// Detectors are not safe for concurrent use. The monitor serializes every
// listener callback and Poll call.
type Detector interface {
	// Name identifies the detector in logs.
	Name() string

	// Install registers listeners on src and starts reporting to report.
	Install(src Source, report Reporter)

	// Uninstall removes every listener registered by Install. Safe to call
	// more than once.
	Uninstall()
}

// Poller is implemented by detectors that need periodic checks.
type Poller interface {
	Poll(now time.Time)
}

// Config tunes the environment detectors.
type Config struct {
	MaxTabUnfocusTime         time.Duration
	BlockedKeys               []string
	BlockedCombos             []string
	RapidKeypressCount        int
	RapidKeypressWindow       time.Duration
	FullscreenToggleLimit     int
	GeometrySizeTolerance     float64
	GeometryPositionTolerance float64
	DevtoolsThreshold         float64
	ZoomMin                   float64
	ZoomMax                   float64
	UnloadMessage             string
}

// DefaultBlockedKeys are denied outright.
var DefaultBlockedKeys = []string{"PrintScreen", "F11", "F12", "Tab", "Escape"}

// DefaultBlockedCombos are denied with Ctrl or Meta held.
var DefaultBlockedCombos = []string{"C", "V", "P", "S", "R", "I", "J", "U", "A", "X"}

// DefaultUnloadMessage is shown when the candidate tries to leave.
const DefaultUnloadMessage = "Leaving this page will end your interview."

// DefaultConfig returns the documented detector defaults.
func DefaultConfig() Config {
	return Config{
		MaxTabUnfocusTime:         3 * time.Second,
		BlockedKeys:               append([]string(nil), DefaultBlockedKeys...),
		BlockedCombos:             append([]string(nil), DefaultBlockedCombos...),
		RapidKeypressCount:        5,
		RapidKeypressWindow:       time.Second,
		FullscreenToggleLimit:     3,
		GeometrySizeTolerance:     50,
		GeometryPositionTolerance: 20,
		DevtoolsThreshold:         160,
		ZoomMin:                   0.9,
		ZoomMax:                   1.1,
		UnloadMessage:             DefaultUnloadMessage,
	}
}

// NewDetectors returns the full detector set for cfg, in install order.
func NewDetectors(cfg Config) []Detector {
	return []Detector{
		NewVisibilityDetector(),
		NewFocusDetector(cfg.MaxTabUnfocusTime),
		NewKeyboardDetector(cfg.BlockedKeys, cfg.BlockedCombos, cfg.RapidKeypressCount, cfg.RapidKeypressWindow),
		NewClipboardDetector(),
		NewContextMenuDetector(),
		NewPointerDetector(),
		NewFullscreenDetector(cfg.FullscreenToggleLimit),
		NewGeometryDetector(cfg.GeometrySizeTolerance, cfg.GeometryPositionTolerance),
		NewDevtoolsDetector(cfg.DevtoolsThreshold),
		NewZoomDetector(cfg.ZoomMin, cfg.ZoomMax),
		NewUnloadDetector(cfg.UnloadMessage),
	}
}

// hooks tracks the listeners a detector registered.
type hooks struct {
	src     Source
	report  Reporter
	removes []func()
}

func (h *hooks) install(src Source, report Reporter) {
	h.src = src
	h.report = report
}

func (h *hooks) listen(kind Kind, fn func(*Event)) {
	h.removes = append(h.removes, h.src.AddListener(kind, fn))
}

// Uninstall implements Detector.
func (h *hooks) Uninstall() {
	for _, remove := range h.removes {
		remove()
	}
	h.removes = nil
}

func (h *hooks) emit(t violation.Type, detail string, at time.Time, immediate bool) {
	if h.report == nil {
		return
	}
	h.report(violation.Observation{Type: t, Detail: detail, Timestamp: at, Immediate: immediate})
}
