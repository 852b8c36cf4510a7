package monitor

import (
	"errors"
	"testing"
	"time"

	"proctord/internal/violation"
	"proctord/internal/vision"
)

func TestDefaultConfigIsValid(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Fatalf("default config invalid: %v", err)
	}
}

func TestConfigValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero max warnings", func(c *Config) { c.MaxWarnings = 0 }},
		{"zero threshold", func(c *Config) { c.EscalationThreshold = 0 }},
		{"per-type threshold", func(c *Config) { c.PerTypeThreshold[violation.TabSwitch] = 0 }},
		{"consecutive frames", func(c *Config) { c.ConsecutiveFrames[violation.NoFace] = 0 }},
		{"negative signal cooldown", func(c *Config) {
			c.SignalCooldown = map[violation.Type]time.Duration{violation.Clipboard: -time.Second}
		}},
		{"negative warning cooldown", func(c *Config) { c.WarningCooldown = -time.Second }},
		{"zero detection interval", func(c *Config) { c.DetectionInterval = 0 }},
		{"zero tick interval", func(c *Config) { c.TickInterval = 0 }},
		{"head rotation", func(c *Config) { c.MaxHeadRotationDegrees = 120 }},
		{"posture threshold", func(c *Config) { c.PostureThreshold = 1.5 }},
		{"zoom band", func(c *Config) { c.ZoomMin, c.ZoomMax = 1.2, 1.1 }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(&cfg)
			err := cfg.Validate()
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Validate() = %v, want ErrInvalidConfig", err)
			}
		})
	}
}

func TestConfigCloneIsDeep(t *testing.T) {
	cfg := DefaultConfig()
	clone := cfg.Clone()

	clone.PerTypeThreshold[violation.TabSwitch] = 9
	clone.ConsecutiveFrames[violation.NoFace] = 9
	clone.BlockedKeys[0] = "Q"

	if cfg.PerTypeThreshold[violation.TabSwitch] == 9 {
		t.Error("PerTypeThreshold shared with clone")
	}
	if cfg.ConsecutiveFrames[violation.NoFace] == 9 {
		t.Error("ConsecutiveFrames shared with clone")
	}
	if cfg.BlockedKeys[0] == "Q" {
		t.Error("BlockedKeys shared with clone")
	}
}

func TestConfigConversions(t *testing.T) {
	cfg := DefaultConfig()

	p := cfg.policy()
	if p.Threshold(violation.TabSwitch) != 2 || p.Threshold(violation.NoFace) != 3 {
		t.Errorf("unexpected thresholds: tab=%d face=%d", p.Threshold(violation.TabSwitch), p.Threshold(violation.NoFace))
	}
	if p.GlobalCooldown != 10*time.Second {
		t.Errorf("GlobalCooldown = %v", p.GlobalCooldown)
	}

	env := cfg.environment()
	if env.MaxTabUnfocusTime != 3*time.Second || env.UnloadMessage == "" {
		t.Errorf("unexpected environment config %+v", env)
	}

	s := cfg.sampler()
	if s.OutOfFrameTimeout != 5*time.Second || s.MaxHeadRotationDegrees != 35 {
		t.Errorf("unexpected sampler config %+v", s)
	}
}

func TestDefaultSamplerAcceptsFrontalFace(t *testing.T) {
	s := vision.NewSampler(DefaultConfig().sampler())
	det := vision.Detection{
		Frame: vision.Frame{Width: 640, Height: 480},
		Faces: []vision.Face{{
			Box:   vision.Box{X: 220, Y: 140, Width: 200, Height: 200},
			Score: 0.95,
			Landmarks: []vision.Keypoint{
				{Name: vision.LandmarkLeftEye, X: 280, Y: 200},
				{Name: vision.LandmarkRightEye, X: 360, Y: 200},
				{Name: vision.LandmarkNoseTip, X: 320, Y: 245},
			},
		}},
	}
	for i := 0; i < 9; i++ {
		if got := s.Classify(det, t0.Add(time.Duration(i)*time.Second)); len(got) != 0 {
			t.Fatalf("frame %d: frontal face classified as %v", i, got)
		}
	}
}
