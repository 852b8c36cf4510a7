package vision

import (
	"math"
	"time"
)

// Confidence weights.
const (
	weightEyeContact = 0.3
	weightPosture    = 0.2
	weightEngagement = 0.3
	weightRelaxation = 0.2
)

// Expressions summarises the face detection score.
type Expressions struct {
	Attentive  bool    `json:"attentive"`
	EyeContact bool    `json:"eye_contact"`
	Engagement float64 `json:"engagement"`
}

// Posture summarises body alignment.
type Posture struct {
	Upright   bool    `json:"upright"`
	Relaxed   bool    `json:"relaxed"`
	Attentive bool    `json:"attentive"`
	Overall   float64 `json:"overall"`
}

// ConfidenceBreakdown holds the per-component inputs of the score.
type ConfidenceBreakdown struct {
	EyeContact float64 `json:"eye_contact"`
	Posture    float64 `json:"posture"`
	Engagement float64 `json:"engagement"`
	Relaxation float64 `json:"relaxation"`
}

// Confidence is the weighted score in [0, 100].
type Confidence struct {
	Overall   int                 `json:"overall"`
	Breakdown ConfidenceBreakdown `json:"breakdown"`
}

// Analysis is the body-language reading for one frame. It is advisory
// and never counts as a violation.
type Analysis struct {
	Timestamp   time.Time   `json:"timestamp"`
	FrameSeq    uint64      `json:"frame_seq"`
	Expressions Expressions `json:"expressions"`
	Posture     Posture     `json:"posture"`
	Confidence  Confidence  `json:"confidence"`
}

// AnalyzeBodyLanguage reads the first face and first pose of det. It
// returns false when either is missing.
func AnalyzeBodyLanguage(det Detection, now time.Time) (Analysis, bool) {
	if len(det.Faces) == 0 || len(det.Poses) == 0 {
		return Analysis{}, false
	}

	p := det.Faces[0].Score
	expr := Expressions{
		Attentive:  p > 0.8,
		EyeContact: p > 0.7,
		Engagement: p,
	}

	kps := det.Poses[0].Keypoints
	shoulder, spine := ShoulderAlignment(kps), SpineAlignment(kps)
	overall := (spine + shoulder) / 2
	posture := Posture{
		Upright:   spine > 0.7,
		Relaxed:   shoulder > 0.7,
		Attentive: overall > 0.7,
		Overall:   overall,
	}

	b := ConfidenceBreakdown{
		EyeContact: boolScore(expr.EyeContact, 0),
		Posture:    boolScore(posture.Upright, 0.5),
		Engagement: expr.Engagement,
		Relaxation: boolScore(posture.Relaxed, 0.5),
	}
	score := weightEyeContact*b.EyeContact +
		weightPosture*b.Posture +
		weightEngagement*b.Engagement +
		weightRelaxation*b.Relaxation

	return Analysis{
		Timestamp:   now,
		FrameSeq:    det.Frame.Seq,
		Expressions: expr,
		Posture:     posture,
		Confidence: Confidence{
			Overall:   clampPercent(int(math.Round(score * 100))),
			Breakdown: b,
		},
	}, true
}

func boolScore(ok bool, otherwise float64) float64 {
	if ok {
		return 1
	}
	return otherwise
}

func clampPercent(n int) int {
	switch {
	case n < 0:
		return 0
	case n > 100:
		return 100
	}
	return n
}
