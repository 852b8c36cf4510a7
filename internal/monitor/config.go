package monitor

import (
	"errors"
	"fmt"
	"time"

	"proctord/internal/browser"
	"proctord/internal/violation"
	"proctord/internal/vision"
)

// ErrInvalidConfig is wrapped by every Validate failure.
var ErrInvalidConfig = errors.New("monitor: invalid config")

// Config is the immutable tuning of one Monitor. Zero fields are not
// filled in; start from DefaultConfig.
type Config struct {
	// MaxWarnings is the number of Warnings that terminates the session.
	MaxWarnings int

	// WarningCooldown is the minimum spacing between any two Warnings.
	WarningCooldown time.Duration

	// OutOfFrameTimeout is how long the face must be continuously absent
	// before no-face is reported.
	OutOfFrameTimeout time.Duration

	// MaxHeadRotationDegrees bounds yaw. Pitch is bounded at 0.8 of it.
	MaxHeadRotationDegrees float64

	// MaxTabUnfocusTime is the soft timeout after which sustained unfocus
	// takes the warning path regardless of count.
	MaxTabUnfocusTime time.Duration

	// DetectionInterval spaces visual sampling cycles.
	DetectionInterval time.Duration

	// PollInterval spaces environment polls (geometry, devtools, zoom,
	// unfocus timer).
	PollInterval time.Duration

	// TickInterval is the scheduler resolution.
	TickInterval time.Duration

	// EscalationThreshold is the default per-type threshold.
	EscalationThreshold int

	// PerTypeThreshold overrides EscalationThreshold.
	PerTypeThreshold map[violation.Type]int

	// SignalCooldown drops repeats of one type inside the window.
	SignalCooldown map[violation.Type]time.Duration

	// ConsecutiveFrames is the debounce length for each visual signal.
	ConsecutiveFrames map[violation.Type]int

	// PostureThreshold is the alignment score below which posture is poor.
	PostureThreshold float64

	// PostureWarnings enables poor-posture observations.
	PostureWarnings bool

	// FaceFraming enables face-framing observations.
	FaceFraming  bool
	FramingBands vision.FramingBands

	RapidKeypressCount        int
	RapidKeypressWindow       time.Duration
	FullscreenToggleLimit     int
	GeometrySizeTolerance     float64
	GeometryPositionTolerance float64
	DevtoolsThreshold         float64
	ZoomMin                   float64
	ZoomMax                   float64
	BlockedKeys               []string
	BlockedCombos             []string

	// Debug logs every observation.
	Debug bool
}

// DefaultConfig returns the documented defaults.
func DefaultConfig() Config {
	env := browser.DefaultConfig()
	return Config{
		MaxWarnings:            3,
		WarningCooldown:        10 * time.Second,
		OutOfFrameTimeout:      5 * time.Second,
		MaxHeadRotationDegrees: 35,
		MaxTabUnfocusTime:      env.MaxTabUnfocusTime,
		DetectionInterval:      time.Second,
		PollInterval:           time.Second,
		TickInterval:           100 * time.Millisecond,
		EscalationThreshold:    3,
		PerTypeThreshold: map[violation.Type]int{
			violation.TabSwitch:        2,
			violation.FullscreenToggle: 1,
			violation.ScreenCapture:    1,
		},
		SignalCooldown: map[violation.Type]time.Duration{},
		ConsecutiveFrames: map[violation.Type]int{
			violation.NoFace:        5,
			violation.MultipleFaces: 3,
			violation.LookingAway:   3,
			violation.PoorPosture:   5,
			violation.FaceFraming:   5,
		},
		PostureThreshold: 0.5,
		FramingBands: vision.FramingBands{
			MinAreaRatio:    0.05,
			MaxAreaRatio:    0.6,
			MaxCenterOffset: 0.25,
		},
		RapidKeypressCount:        env.RapidKeypressCount,
		RapidKeypressWindow:       env.RapidKeypressWindow,
		FullscreenToggleLimit:     env.FullscreenToggleLimit,
		GeometrySizeTolerance:     env.GeometrySizeTolerance,
		GeometryPositionTolerance: env.GeometryPositionTolerance,
		DevtoolsThreshold:         env.DevtoolsThreshold,
		ZoomMin:                   env.ZoomMin,
		ZoomMax:                   env.ZoomMax,
		BlockedKeys:               env.BlockedKeys,
		BlockedCombos:             env.BlockedCombos,
	}
}

// Validate checks the config for values the monitor cannot run with.
func (c Config) Validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
	}

	if c.MaxWarnings < 1 {
		return fail("max_warnings must be positive, got %d", c.MaxWarnings)
	}
	if c.EscalationThreshold < 1 {
		return fail("escalation_threshold must be at least 1, got %d", c.EscalationThreshold)
	}
	for t, n := range c.PerTypeThreshold {
		if n < 1 {
			return fail("threshold for %s must be at least 1, got %d", t, n)
		}
	}
	for t, n := range c.ConsecutiveFrames {
		if n < 1 {
			return fail("consecutive frames for %s must be at least 1, got %d", t, n)
		}
	}
	for t, d := range c.SignalCooldown {
		if d < 0 {
			return fail("signal cooldown for %s is negative", t)
		}
	}

	for name, d := range map[string]time.Duration{
		"warning_cooldown":      c.WarningCooldown,
		"out_of_frame_timeout":  c.OutOfFrameTimeout,
		"max_tab_unfocus_time":  c.MaxTabUnfocusTime,
		"rapid_keypress_window": c.RapidKeypressWindow,
	} {
		if d < 0 {
			return fail("%s is negative", name)
		}
	}
	for name, d := range map[string]time.Duration{
		"detection_interval": c.DetectionInterval,
		"poll_interval":      c.PollInterval,
		"tick_interval":      c.TickInterval,
	} {
		if d <= 0 {
			return fail("%s must be positive", name)
		}
	}

	if c.MaxHeadRotationDegrees <= 0 || c.MaxHeadRotationDegrees > 90 {
		return fail("max_head_rotation_degrees must be in (0, 90], got %v", c.MaxHeadRotationDegrees)
	}
	if c.PostureThreshold < 0 || c.PostureThreshold > 1 {
		return fail("posture_threshold must be in [0, 1], got %v", c.PostureThreshold)
	}
	if c.ZoomMin > c.ZoomMax {
		return fail("zoom_min %v exceeds zoom_max %v", c.ZoomMin, c.ZoomMax)
	}
	return nil
}

// Clone returns a deep copy.
func (c Config) Clone() Config {
	out := c
	out.PerTypeThreshold = cloneMap(c.PerTypeThreshold)
	out.SignalCooldown = cloneMap(c.SignalCooldown)
	out.ConsecutiveFrames = cloneMap(c.ConsecutiveFrames)
	out.BlockedKeys = append([]string(nil), c.BlockedKeys...)
	out.BlockedCombos = append([]string(nil), c.BlockedCombos...)
	return out
}

func cloneMap[K comparable, V any](m map[K]V) map[K]V {
	if m == nil {
		return nil
	}
	out := make(map[K]V, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func (c Config) policy() violation.Policy {
	return violation.Policy{
		GlobalCooldown:   c.WarningCooldown,
		DefaultThreshold: c.EscalationThreshold,
		Thresholds:       c.PerTypeThreshold,
		SignalCooldown:   c.SignalCooldown,
	}
}

func (c Config) sampler() vision.SamplerConfig {
	return vision.SamplerConfig{
		MaxHeadRotationDegrees: c.MaxHeadRotationDegrees,
		PostureThreshold:       c.PostureThreshold,
		PostureWarnings:        c.PostureWarnings,
		FaceFraming:            c.FaceFraming,
		FramingBands:           c.FramingBands,
		ConsecutiveFrames:      c.ConsecutiveFrames,
		OutOfFrameTimeout:      c.OutOfFrameTimeout,
	}
}

func (c Config) environment() browser.Config {
	return browser.Config{
		MaxTabUnfocusTime:         c.MaxTabUnfocusTime,
		BlockedKeys:               c.BlockedKeys,
		BlockedCombos:             c.BlockedCombos,
		RapidKeypressCount:        c.RapidKeypressCount,
		RapidKeypressWindow:       c.RapidKeypressWindow,
		FullscreenToggleLimit:     c.FullscreenToggleLimit,
		GeometrySizeTolerance:     c.GeometrySizeTolerance,
		GeometryPositionTolerance: c.GeometryPositionTolerance,
		DevtoolsThreshold:         c.DevtoolsThreshold,
		ZoomMin:                   c.ZoomMin,
		ZoomMax:                   c.ZoomMax,
		UnloadMessage:             browser.DefaultUnloadMessage,
	}
}
