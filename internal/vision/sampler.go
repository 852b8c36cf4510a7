package vision

import (
	"fmt"
	"math"
	"time"

	"proctord/internal/violation"
)

// PitchFactor scales the head rotation limit for pitch. Nodding toward
// the keyboard is tolerated less than turning.
const PitchFactor = 0.8

// SamplerConfig tunes visual classification.
type SamplerConfig struct {
	MaxHeadRotationDegrees float64
	PostureThreshold       float64
	PostureWarnings        bool
	FaceFraming            bool
	FramingBands           FramingBands
	ConsecutiveFrames      map[violation.Type]int
	OutOfFrameTimeout      time.Duration
}

// Sampler classifies inference results into Observations, debouncing
// each visual signal independently.
//
// Classify mutates debounce state and must be serialized by the caller.
type Sampler struct {
	cfg       SamplerConfig
	debounced map[violation.Type]*Debouncer
}

// NewSampler builds a sampler with one debouncer per visual signal.
func NewSampler(cfg SamplerConfig) *Sampler {
	s := &Sampler{cfg: cfg, debounced: make(map[violation.Type]*Debouncer)}
	for _, t := range []violation.Type{
		violation.NoFace,
		violation.MultipleFaces,
		violation.LookingAway,
		violation.PoorPosture,
		violation.FaceFraming,
	} {
		var hold time.Duration
		if t == violation.NoFace {
			hold = cfg.OutOfFrameTimeout
		}
		s.debounced[t] = NewDebouncer(cfg.ConsecutiveFrames[t], hold)
	}
	return s
}

// Classify turns one Detection into zero or more Observations stamped
// with now.
func (s *Sampler) Classify(det Detection, now time.Time) []violation.Observation {
	var out []violation.Observation
	emit := func(t violation.Type, active bool, detail string) {
		if s.debounced[t].Observe(active, now) {
			out = append(out, violation.Observation{Type: t, Detail: detail, Timestamp: now})
		}
	}

	n := len(det.Faces)
	emit(violation.NoFace, n == 0, "")
	emit(violation.MultipleFaces, n > 1, fmt.Sprintf("%d faces", n))

	if n == 1 {
		face := det.Faces[0]
		yaw, pitch := HeadRotation(face.Landmarks)
		limit := s.cfg.MaxHeadRotationDegrees
		away := math.Abs(yaw) > limit || math.Abs(pitch) > limit*PitchFactor
		emit(violation.LookingAway, away, fmt.Sprintf("yaw=%.1f pitch=%.1f", yaw, pitch))

		if s.cfg.FaceFraming {
			m := Framing(face.Box, det.Frame.Width, det.Frame.Height)
			emit(violation.FaceFraming, !s.cfg.FramingBands.Within(m),
				fmt.Sprintf("area=%.2f offset=%.2f", m.AreaRatio, m.CenterOffset))
		}
	} else {
		s.debounced[violation.LookingAway].Reset()
		s.debounced[violation.FaceFraming].Reset()
	}

	if s.cfg.PostureWarnings && len(det.Poses) > 0 {
		kps := det.Poses[0].Keypoints
		shoulder, spine := ShoulderAlignment(kps), SpineAlignment(kps)
		poor := shoulder < s.cfg.PostureThreshold || spine < s.cfg.PostureThreshold
		emit(violation.PoorPosture, poor, fmt.Sprintf("shoulder=%.2f spine=%.2f", shoulder, spine))
	} else {
		s.debounced[violation.PoorPosture].Reset()
	}
	return out
}

// Reset clears every debouncer.
func (s *Sampler) Reset() {
	for _, d := range s.debounced {
		d.Reset()
	}
}
