package vision

import (
	"context"
	"sync"
)

// FrameHub is the single reader of a FrameSource. Each Capture pulls one
// frame and hands it to every subscriber, so the monitor and any other
// consumer (body-language analysis, recording) share one capture.
type FrameHub struct {
	src FrameSource

	mu     sync.Mutex
	next   int
	subs   map[int]func(Frame)
	seq    uint64
	latest Frame
	has    bool
}

// NewFrameHub wraps src.
func NewFrameHub(src FrameSource) *FrameHub {
	return &FrameHub{src: src, subs: make(map[int]func(Frame))}
}

// Subscribe registers fn for every captured frame. fn runs on the
// capturing goroutine and must not block.
func (h *FrameHub) Subscribe(fn func(Frame)) (unsubscribe func()) {
	h.mu.Lock()
	id := h.next
	h.next++
	h.subs[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			delete(h.subs, id)
			h.mu.Unlock()
		})
	}
}

// Capture reads one frame, numbers it, and fans it out.
func (h *FrameHub) Capture(ctx context.Context) (Frame, error) {
	f, err := h.src.Frame(ctx)
	if err != nil {
		return Frame{}, &InferenceError{Capability: CapabilityFrame, Err: err}
	}

	h.mu.Lock()
	h.seq++
	f.Seq = h.seq
	h.latest, h.has = f, true
	subs := make([]func(Frame), 0, len(h.subs))
	for _, fn := range h.subs {
		subs = append(subs, fn)
	}
	h.mu.Unlock()

	for _, fn := range subs {
		fn(f)
	}
	return f, nil
}

// Frame returns the most recent captured frame without reading the
// source, so a FrameHub can itself serve as a FrameSource for secondary
// consumers.
func (h *FrameHub) Frame(context.Context) (Frame, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if !h.has {
		return Frame{}, ErrNoFrame
	}
	return h.latest, nil
}

// Subscribers returns the number of live subscriptions.
func (h *FrameHub) Subscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}
