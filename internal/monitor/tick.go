package monitor

import (
	"context"
	"errors"

	"proctord/internal/clock"
	"proctord/internal/vision"
)

// run is the single scheduler of a monitoring generation. Every periodic
// task hangs off one ticker.
func (m *Monitor) run(ctx context.Context, gen uint64, ticker *clock.Ticker, done chan struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			m.mu.Lock()
			if m.generation == gen && m.state() == StateMonitoring {
				m.stopLocked("context done")
			}
			m.mu.Unlock()
			return
		case <-ticker.C:
			m.tick(ctx, gen)
		}
	}
}

func (m *Monitor) tick(ctx context.Context, gen uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen || m.state() != StateMonitoring {
		return
	}
	now := m.clock.Now()

	if now.Sub(m.lastPoll) >= m.cfg.PollInterval {
		m.lastPoll = now
		for _, p := range m.pollers {
			p.Poll(now)
			if m.state() != StateMonitoring {
				return
			}
		}
	}

	if !m.inflight && now.Sub(m.lastSample) >= m.cfg.DetectionInterval {
		m.lastSample = now
		m.inflight = true
		m.samples.Add(1)
		go m.sample(ctx, gen, m.hub)
	}
}

// sample runs one inference cycle off the lock. Results that come back
// after the generation ended are dropped.
func (m *Monitor) sample(ctx context.Context, gen uint64, hub *vision.FrameHub) {
	defer m.samples.Done()

	began := m.clock.Now()
	det, err := m.infer(ctx, hub)
	m.metrics.ObserveInference(m.clock.Now().Sub(began))

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.generation != gen {
		return
	}
	m.inflight = false
	if m.state() != StateMonitoring {
		return
	}

	if errors.Is(err, vision.ErrNoFrame) {
		m.log.Debug("no new frame, skipping cycle")
		return
	}
	if err != nil {
		capability := "unknown"
		var ierr *vision.InferenceError
		if errors.As(err, &ierr) {
			capability = ierr.Capability
		}
		m.metrics.InferenceError(capability)
		m.log.Warn("inference failed, skipping cycle", "capability", capability, "error", err)
		return
	}

	now := m.clock.Now()
	for _, obs := range m.sampler.Classify(det, now) {
		m.recordLocked(obs)
		if m.state() != StateMonitoring {
			return
		}
	}

	if a, ok := vision.AnalyzeBodyLanguage(det, now); ok {
		if _, _, onAnalysis := m.callbacks(); onAnalysis != nil {
			onAnalysis(a)
		}
	}
}

func (m *Monitor) infer(ctx context.Context, hub *vision.FrameHub) (vision.Detection, error) {
	f, err := hub.Capture(ctx)
	if err != nil {
		return vision.Detection{}, err
	}
	return vision.Infer(ctx, m.deps.Face, m.deps.Pose, f)
}
