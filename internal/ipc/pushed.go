package ipc

import (
	"context"
	"sync"
	"time"

	"proctord/internal/vision"
)

// pushedVision adapts detections pushed over the bridge to the monitor's
// capability interfaces. Each pushed detection is handed out as exactly
// one frame; cycles with nothing new see vision.ErrNoFrame.
type pushedVision struct {
	mu      sync.Mutex
	pending *DetectionRequest
	pushed  time.Time
	current DetectionRequest
}

func (p *pushedVision) push(req DetectionRequest, at time.Time) {
	p.mu.Lock()
	p.pending = &req
	p.pushed = at
	p.mu.Unlock()
}

func (p *pushedVision) Frame(context.Context) (vision.Frame, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.pending == nil {
		return vision.Frame{}, vision.ErrNoFrame
	}
	p.current = *p.pending
	p.pending = nil
	return vision.Frame{Width: p.current.Width, Height: p.current.Height, Time: p.pushed}, nil
}

func (p *pushedVision) Detect(context.Context, vision.Frame) ([]vision.Face, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vision.Face(nil), p.current.Faces...), nil
}

func (p *pushedVision) Estimate(context.Context, vision.Frame) ([]vision.Pose, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]vision.Pose(nil), p.current.Poses...), nil
}
