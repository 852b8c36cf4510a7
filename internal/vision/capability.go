// Package vision holds the visual side of the monitor: the capability
// interfaces for face detection, pose estimation and frame capture, the
// landmark geometry used to classify each cycle, per-signal debouncing,
// and the body-language analyzer that shares frames with the monitor.
//
// No model lives here. Detectors and estimators are injected; tests use
// stubs.
package vision

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNoFrame is returned by a FrameSource with nothing to deliver yet.
	ErrNoFrame = errors.New("vision: no frame available")

	// ErrCameraUnavailable is returned by a Camera that cannot be opened.
	ErrCameraUnavailable = errors.New("vision: camera unavailable")
)

// Frame is one captured video frame. Data is opaque to this package and
// is handed unchanged to the injected capabilities.
type Frame struct {
	Seq    uint64
	Width  int
	Height int
	Data   []byte
	Time   time.Time
}

// Keypoint is a named landmark in frame pixel coordinates.
type Keypoint struct {
	Name  string  `json:"name"`
	X     float64 `json:"x"`
	Y     float64 `json:"y"`
	Score float64 `json:"score,omitempty"`
}

// Box is an axis-aligned bounding box in frame pixel coordinates.
type Box struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Face is one face detection.
type Face struct {
	Box       Box        `json:"box"`
	Landmarks []Keypoint `json:"landmarks,omitempty"`
	Score     float64    `json:"score"`
}

// Pose is one body pose estimate.
type Pose struct {
	Keypoints []Keypoint `json:"keypoints"`
	Score     float64    `json:"score,omitempty"`
}

// FaceDetector finds faces in a frame.
type FaceDetector interface {
	Detect(ctx context.Context, f Frame) ([]Face, error)
}

// PoseEstimator estimates body poses in a frame.
type PoseEstimator interface {
	Estimate(ctx context.Context, f Frame) ([]Pose, error)
}

// FrameSource delivers the current frame of a live video stream.
type FrameSource interface {
	Frame(ctx context.Context) (Frame, error)
}

// Loader is implemented by capabilities that must acquire resources
// (model weights, device handles) before first use.
type Loader interface {
	Load(ctx context.Context) error
}

// Camera is a capture device. Acquire opens it; Release is idempotent.
type Camera interface {
	Acquire(ctx context.Context) (FrameSource, error)
	Release()
}

// Capability names used in errors and metrics labels.
const (
	CapabilityFace   = "face"
	CapabilityPose   = "pose"
	CapabilityFrame  = "frame"
	CapabilityCamera = "camera"
)

// InferenceError reports which capability failed during a cycle.
type InferenceError struct {
	Capability string
	Err        error
}

func (e *InferenceError) Error() string {
	return fmt.Sprintf("vision: %s: %v", e.Capability, e.Err)
}

func (e *InferenceError) Unwrap() error { return e.Err }

// FindKeypoint returns the first keypoint named name.
func FindKeypoint(kps []Keypoint, name string) (Keypoint, bool) {
	for _, kp := range kps {
		if kp.Name == name {
			return kp, true
		}
	}
	return Keypoint{}, false
}

// Detection is the combined inference result for one frame.
type Detection struct {
	Frame Frame
	Faces []Face
	Poses []Pose
}

// Infer runs face detection and then pose estimation on f. pose may be nil.
func Infer(ctx context.Context, face FaceDetector, pose PoseEstimator, f Frame) (Detection, error) {
	det := Detection{Frame: f}

	faces, err := face.Detect(ctx, f)
	if err != nil {
		return det, &InferenceError{Capability: CapabilityFace, Err: err}
	}
	det.Faces = faces

	if pose != nil {
		poses, err := pose.Estimate(ctx, f)
		if err != nil {
			return det, &InferenceError{Capability: CapabilityPose, Err: err}
		}
		det.Poses = poses
	}
	return det, nil
}
