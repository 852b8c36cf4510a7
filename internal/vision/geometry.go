package vision

import "math"

// Landmark and keypoint names understood by the geometry functions.
const (
	LandmarkLeftEye  = "leftEye"
	LandmarkRightEye = "rightEye"
	LandmarkNoseTip  = "noseTip"

	KeypointNose          = "nose"
	KeypointNeck          = "neck"
	KeypointMidSpine      = "mid_spine"
	KeypointPelvis        = "pelvis"
	KeypointLeftShoulder  = "left_shoulder"
	KeypointRightShoulder = "right_shoulder"
)

const radToDeg = 180 / math.Pi

// NeutralNoseDrop is how far below the eye line the nose tip sits on a
// frontal face, in inter-eye distances. Pitch is measured from there.
const NeutralNoseDrop = 0.6

// HeadRotation estimates yaw and pitch in degrees from the nose offset
// relative to its neutral position below the eye midpoint, scaled by the
// inter-eye distance. Missing landmarks give a neutral (0, 0).
func HeadRotation(landmarks []Keypoint) (yaw, pitch float64) {
	left, okL := FindKeypoint(landmarks, LandmarkLeftEye)
	right, okR := FindKeypoint(landmarks, LandmarkRightEye)
	nose, okN := FindKeypoint(landmarks, LandmarkNoseTip)
	if !okL || !okR || !okN {
		return 0, 0
	}

	eyeDist := math.Hypot(right.X-left.X, right.Y-left.Y)
	if eyeDist == 0 {
		return 0, 0
	}
	midX := (left.X + right.X) / 2
	midY := (left.Y + right.Y) / 2

	yaw = math.Atan2(nose.X-midX, eyeDist) * radToDeg
	pitch = math.Atan2(nose.Y-midY-NeutralNoseDrop*eyeDist, eyeDist) * radToDeg
	return yaw, pitch
}

// ShoulderAlignment scores shoulder height symmetry in [0, 1]. A 100px
// height difference scores 0. Missing shoulders score 1.
func ShoulderAlignment(kps []Keypoint) float64 {
	l, okL := FindKeypoint(kps, KeypointLeftShoulder)
	r, okR := FindKeypoint(kps, KeypointRightShoulder)
	if !okL || !okR {
		return 1
	}
	return math.Max(0, 1-math.Abs(l.Y-r.Y)/100)
}

// SpineAlignment scores the straightness of the nose, neck, mid_spine,
// pelvis chain in [0, 1]. Each interior joint contributes its deviation
// from a straight 180 degrees; 270 degrees of total deviation scores 0.
// Fewer than three points present scores 1.
func SpineAlignment(kps []Keypoint) float64 {
	var chain []Keypoint
	for _, name := range []string{KeypointNose, KeypointNeck, KeypointMidSpine, KeypointPelvis} {
		if kp, ok := FindKeypoint(kps, name); ok {
			chain = append(chain, kp)
		}
	}
	if len(chain) < 3 {
		return 1
	}

	total := 0.0
	for i := 0; i+2 < len(chain); i++ {
		total += math.Abs(jointAngle(chain[i], chain[i+1], chain[i+2]) - 180)
	}
	return math.Max(0, 1-total/270)
}

// jointAngle is the angle at b between a and c, in [0, 360).
func jointAngle(a, b, c Keypoint) float64 {
	rad := math.Atan2(c.Y-b.Y, c.X-b.X) - math.Atan2(a.Y-b.Y, a.X-b.X)
	return math.Mod(rad*radToDeg+360, 360)
}

// FramingBands are the accepted face framing tolerances.
type FramingBands struct {
	MinAreaRatio    float64 `toml:"min_area_ratio" json:"min_area_ratio" yaml:"min_area_ratio"`
	MaxAreaRatio    float64 `toml:"max_area_ratio" json:"max_area_ratio" yaml:"max_area_ratio"`
	MaxCenterOffset float64 `toml:"max_center_offset" json:"max_center_offset" yaml:"max_center_offset"`
}

// FramingMetrics describe where a face sits in the frame.
type FramingMetrics struct {
	// AreaRatio is box area over frame area.
	AreaRatio float64
	// CenterOffset is the larger of the horizontal and vertical distances
	// between box centre and frame centre, as a fraction of frame size.
	CenterOffset float64
}

// Framing computes framing metrics for box in a frameW x frameH frame.
// A degenerate frame yields zero metrics.
func Framing(box Box, frameW, frameH int) FramingMetrics {
	if frameW <= 0 || frameH <= 0 {
		return FramingMetrics{}
	}
	fw, fh := float64(frameW), float64(frameH)
	cx := (box.X + box.Width/2) / fw
	cy := (box.Y + box.Height/2) / fh
	return FramingMetrics{
		AreaRatio:    (box.Width * box.Height) / (fw * fh),
		CenterOffset: math.Max(math.Abs(cx-0.5), math.Abs(cy-0.5)),
	}
}

// Within reports whether m falls inside the bands.
func (b FramingBands) Within(m FramingMetrics) bool {
	return m.AreaRatio >= b.MinAreaRatio &&
		m.AreaRatio <= b.MaxAreaRatio &&
		m.CenterOffset <= b.MaxCenterOffset
}
