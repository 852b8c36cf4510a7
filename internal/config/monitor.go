package config

import (
	"fmt"
	"sort"
	"time"

	"proctord/internal/monitor"
	"proctord/internal/violation"
	"proctord/internal/vision"
)

// MonitorConfig is the file form of monitor.Config. Map keys are
// violation type names such as "tab-switch".
type MonitorConfig struct {
	MaxWarnings            int      `toml:"max_warnings" json:"max_warnings" yaml:"max_warnings"`
	WarningCooldown        Duration `toml:"warning_cooldown" json:"warning_cooldown" yaml:"warning_cooldown"`
	OutOfFrameTimeout      Duration `toml:"out_of_frame_timeout" json:"out_of_frame_timeout" yaml:"out_of_frame_timeout"`
	MaxHeadRotationDegrees float64  `toml:"max_head_rotation_degrees" json:"max_head_rotation_degrees" yaml:"max_head_rotation_degrees"`
	MaxTabUnfocusTime      Duration `toml:"max_tab_unfocus_time" json:"max_tab_unfocus_time" yaml:"max_tab_unfocus_time"`

	DetectionInterval Duration `toml:"detection_interval" json:"detection_interval" yaml:"detection_interval"`
	PollInterval      Duration `toml:"poll_interval" json:"poll_interval" yaml:"poll_interval"`
	TickInterval      Duration `toml:"tick_interval" json:"tick_interval" yaml:"tick_interval"`

	EscalationThreshold int                 `toml:"escalation_threshold" json:"escalation_threshold" yaml:"escalation_threshold"`
	PerTypeThreshold    map[string]int      `toml:"per_type_threshold" json:"per_type_threshold" yaml:"per_type_threshold"`
	SignalCooldown      map[string]Duration `toml:"signal_cooldown" json:"signal_cooldown" yaml:"signal_cooldown"`
	ConsecutiveFrames   map[string]int      `toml:"consecutive_frames" json:"consecutive_frames" yaml:"consecutive_frames"`

	PostureThreshold float64             `toml:"posture_threshold" json:"posture_threshold" yaml:"posture_threshold"`
	PostureWarnings  bool                `toml:"posture_warnings" json:"posture_warnings" yaml:"posture_warnings"`
	FaceFraming      bool                `toml:"face_framing" json:"face_framing" yaml:"face_framing"`
	FramingBands     vision.FramingBands `toml:"framing_bands" json:"framing_bands" yaml:"framing_bands"`

	RapidKeypressCount        int      `toml:"rapid_keypress_count" json:"rapid_keypress_count" yaml:"rapid_keypress_count"`
	RapidKeypressWindow       Duration `toml:"rapid_keypress_window" json:"rapid_keypress_window" yaml:"rapid_keypress_window"`
	FullscreenToggleLimit     int      `toml:"fullscreen_toggle_limit" json:"fullscreen_toggle_limit" yaml:"fullscreen_toggle_limit"`
	GeometrySizeTolerance     float64  `toml:"geometry_size_tolerance" json:"geometry_size_tolerance" yaml:"geometry_size_tolerance"`
	GeometryPositionTolerance float64  `toml:"geometry_position_tolerance" json:"geometry_position_tolerance" yaml:"geometry_position_tolerance"`
	DevtoolsThreshold         float64  `toml:"devtools_threshold" json:"devtools_threshold" yaml:"devtools_threshold"`
	ZoomMin                   float64  `toml:"zoom_min" json:"zoom_min" yaml:"zoom_min"`
	ZoomMax                   float64  `toml:"zoom_max" json:"zoom_max" yaml:"zoom_max"`
	BlockedKeys               []string `toml:"blocked_keys" json:"blocked_keys" yaml:"blocked_keys"`
	BlockedCombos             []string `toml:"blocked_combos" json:"blocked_combos" yaml:"blocked_combos"`

	Debug bool `toml:"debug" json:"debug" yaml:"debug"`
}

// MonitorFrom converts a runtime monitor configuration into its file form.
func MonitorFrom(c monitor.Config) MonitorConfig {
	return MonitorConfig{
		MaxWarnings:               c.MaxWarnings,
		WarningCooldown:           Duration(c.WarningCooldown),
		OutOfFrameTimeout:         Duration(c.OutOfFrameTimeout),
		MaxHeadRotationDegrees:    c.MaxHeadRotationDegrees,
		MaxTabUnfocusTime:         Duration(c.MaxTabUnfocusTime),
		DetectionInterval:         Duration(c.DetectionInterval),
		PollInterval:              Duration(c.PollInterval),
		TickInterval:              Duration(c.TickInterval),
		EscalationThreshold:       c.EscalationThreshold,
		PerTypeThreshold:          typeKeys(c.PerTypeThreshold, func(n int) int { return n }),
		SignalCooldown:            typeKeys(c.SignalCooldown, func(d time.Duration) Duration { return Duration(d) }),
		ConsecutiveFrames:         typeKeys(c.ConsecutiveFrames, func(n int) int { return n }),
		PostureThreshold:          c.PostureThreshold,
		PostureWarnings:           c.PostureWarnings,
		FaceFraming:               c.FaceFraming,
		FramingBands:              c.FramingBands,
		RapidKeypressCount:        c.RapidKeypressCount,
		RapidKeypressWindow:       Duration(c.RapidKeypressWindow),
		FullscreenToggleLimit:     c.FullscreenToggleLimit,
		GeometrySizeTolerance:     c.GeometrySizeTolerance,
		GeometryPositionTolerance: c.GeometryPositionTolerance,
		DevtoolsThreshold:         c.DevtoolsThreshold,
		ZoomMin:                   c.ZoomMin,
		ZoomMax:                   c.ZoomMax,
		BlockedKeys:               append([]string(nil), c.BlockedKeys...),
		BlockedCombos:             append([]string(nil), c.BlockedCombos...),
		Debug:                     c.Debug,
	}
}

// DefaultMonitorConfig returns the file form of monitor.DefaultConfig.
func DefaultMonitorConfig() MonitorConfig {
	return MonitorFrom(monitor.DefaultConfig())
}

// Runtime converts m into a validated monitor.Config.
func (m MonitorConfig) Runtime() (monitor.Config, error) {
	perType, err := parseTypeKeys("per_type_threshold", m.PerTypeThreshold, func(n int) int { return n })
	if err != nil {
		return monitor.Config{}, err
	}
	cooldowns, err := parseTypeKeys("signal_cooldown", m.SignalCooldown, Duration.D)
	if err != nil {
		return monitor.Config{}, err
	}
	frames, err := parseTypeKeys("consecutive_frames", m.ConsecutiveFrames, func(n int) int { return n })
	if err != nil {
		return monitor.Config{}, err
	}

	c := monitor.Config{
		MaxWarnings:               m.MaxWarnings,
		WarningCooldown:           m.WarningCooldown.D(),
		OutOfFrameTimeout:         m.OutOfFrameTimeout.D(),
		MaxHeadRotationDegrees:    m.MaxHeadRotationDegrees,
		MaxTabUnfocusTime:         m.MaxTabUnfocusTime.D(),
		DetectionInterval:         m.DetectionInterval.D(),
		PollInterval:              m.PollInterval.D(),
		TickInterval:              m.TickInterval.D(),
		EscalationThreshold:       m.EscalationThreshold,
		PerTypeThreshold:          perType,
		SignalCooldown:            cooldowns,
		ConsecutiveFrames:         frames,
		PostureThreshold:          m.PostureThreshold,
		PostureWarnings:           m.PostureWarnings,
		FaceFraming:               m.FaceFraming,
		FramingBands:              m.FramingBands,
		RapidKeypressCount:        m.RapidKeypressCount,
		RapidKeypressWindow:       m.RapidKeypressWindow.D(),
		FullscreenToggleLimit:     m.FullscreenToggleLimit,
		GeometrySizeTolerance:     m.GeometrySizeTolerance,
		GeometryPositionTolerance: m.GeometryPositionTolerance,
		DevtoolsThreshold:         m.DevtoolsThreshold,
		ZoomMin:                   m.ZoomMin,
		ZoomMax:                   m.ZoomMax,
		BlockedKeys:               append([]string(nil), m.BlockedKeys...),
		BlockedCombos:             append([]string(nil), m.BlockedCombos...),
		Debug:                     m.Debug,
	}
	if err := c.Validate(); err != nil {
		return monitor.Config{}, err
	}
	return c, nil
}

// Clone returns a deep copy.
func (m MonitorConfig) Clone() MonitorConfig {
	out := m
	out.PerTypeThreshold = cloneMap(m.PerTypeThreshold)
	out.SignalCooldown = cloneMap(m.SignalCooldown)
	out.ConsecutiveFrames = cloneMap(m.ConsecutiveFrames)
	out.BlockedKeys = append([]string(nil), m.BlockedKeys...)
	out.BlockedCombos = append([]string(nil), m.BlockedCombos...)
	return out
}

func typeKeys[V, W any](m map[violation.Type]V, conv func(V) W) map[string]W {
	out := make(map[string]W, len(m))
	for t, v := range m {
		out[string(t)] = conv(v)
	}
	return out
}

func parseTypeKeys[V, W any](field string, m map[string]V, conv func(V) W) (map[violation.Type]W, error) {
	out := make(map[violation.Type]W, len(m))
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		t, err := violation.ParseType(k)
		if err != nil {
			return nil, fmt.Errorf("monitor.%s: %w", field, err)
		}
		out[t] = conv(m[k])
	}
	return out, nil
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
