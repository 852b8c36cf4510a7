// Package monitor is the proctoring facade. A Monitor owns the lifecycle
// of one interview session: it loads the visual capabilities, installs
// the environment detectors, drives sampling from a single tick loop and
// feeds every Observation through one serialized aggregation path that
// ends in Warnings and, eventually, Termination.
package monitor

import (
	"context"
	"crypto/rand"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/looplab/fsm"
	"github.com/oklog/ulid/v2"

	"proctord/internal/browser"
	"proctord/internal/clock"
	"proctord/internal/logging"
	"proctord/internal/metrics"
	"proctord/internal/violation"
	"proctord/internal/vision"
)

var (
	ErrNotInitialized = errors.New("monitor: not initialized")
	ErrNoVideoSource  = errors.New("monitor: no video source")
	ErrTerminal       = errors.New("monitor: session has ended")
	ErrInitialize     = errors.New("monitor: initialization failed")
	ErrAlreadyStarted = errors.New("monitor: already monitoring")
	ErrNoFaceDetector = errors.New("monitor: face detector is required")
)

// Dependencies are the injected collaborators of a Monitor. Only Face is
// required.
type Dependencies struct {
	Face vision.FaceDetector
	Pose vision.PoseEstimator

	// Camera, when set, is acquired by Initialize and supplies the frame
	// source if Start is given none.
	Camera vision.Camera

	// Environment is the browser event source the detectors listen on. A
	// nil Environment leaves environment signals to Report.
	Environment browser.Source

	Clock   clock.Clock
	Logger  *logging.Logger
	Metrics *metrics.Metrics
}

// Option configures a Monitor.
type Option func(*Monitor)

// WithID overrides the generated monitor ID.
func WithID(id string) Option {
	return func(m *Monitor) { m.id = id }
}

// Monitor is the proctoring facade. All methods are safe for concurrent
// use.
//
// Callbacks run while the processing lock is held, in escalation order.
// They must not call Report, Start, Initialize or Stop; the snapshot
// getters are safe.
type Monitor struct {
	id      string
	cfg     Config
	deps    Dependencies
	clock   clock.Clock
	log     *logging.Logger
	metrics *metrics.Metrics
	lc      *fsm.FSM

	// mu serializes observation processing and lifecycle changes.
	mu         sync.Mutex
	sampler    *vision.Sampler
	cameraSrc  vision.FrameSource
	cameraHeld bool
	detectors  []browser.Detector
	pollers    []browser.Poller
	generation uint64
	cancel     context.CancelFunc
	done       chan struct{}
	active     bool
	inflight   bool
	lastPoll   time.Time
	lastSample time.Time
	samples    sync.WaitGroup

	// snap guards the pointers read by snapshot getters. They are written
	// with mu held as well, so code under mu may read them directly.
	snap        sync.RWMutex
	hub         *vision.FrameHub
	ledger      *violation.Ledger
	agg         *violation.Aggregator
	startedAt   time.Time
	termination *violation.Termination

	cbMu        sync.Mutex
	onWarning   func(violation.Warning)
	onTerminate func(violation.Termination)
	onAnalysis  func(vision.Analysis)
}

// New creates a Monitor in the uninitialized state.
func New(cfg Config, deps Dependencies, opts ...Option) (*Monitor, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Face == nil {
		return nil, ErrNoFaceDetector
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = logging.Default()
	}

	cfg = cfg.Clone()
	ledger := violation.NewLedger(cfg.MaxWarnings)
	m := &Monitor{
		cfg:     cfg,
		deps:    deps,
		clock:   deps.Clock,
		metrics: deps.Metrics,
		lc:      newLifecycle(),
		sampler: vision.NewSampler(cfg.sampler()),
		ledger:  ledger,
		agg:     violation.NewAggregator(cfg.policy(), ledger),
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.id == "" {
		m.id = newID(m.clock.Now())
	}
	m.log = deps.Logger.WithComponent("monitor").WithSession(m.id)
	return m, nil
}

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

func newID(t time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(t), entropy).String()
}

// ID returns the monitor's ULID.
func (m *Monitor) ID() string { return m.id }

// Config returns a copy of the monitor's configuration.
func (m *Monitor) Config() Config { return m.cfg.Clone() }

// State returns the current lifecycle state.
func (m *Monitor) State() State { return m.state() }

// Initialize loads the capabilities and acquires the camera. A failure
// leaves the monitor uninitialized. Calling it again once initialized is
// a no-op.
func (m *Monitor) Initialize(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch st := m.state(); {
	case st.Terminal():
		return ErrTerminal
	case st != StateUninitialized:
		return nil
	}

	loaders := []struct {
		name string
		c    any
	}{
		{vision.CapabilityFace, m.deps.Face},
		{vision.CapabilityPose, m.deps.Pose},
	}
	for _, l := range loaders {
		loader, ok := l.c.(vision.Loader)
		if !ok {
			continue
		}
		if err := loader.Load(ctx); err != nil {
			m.log.Error("capability failed to load", "capability", l.name, "error", err)
			return fmt.Errorf("%w: load %s: %w", ErrInitialize, l.name, err)
		}
	}

	if m.deps.Camera != nil {
		src, err := m.deps.Camera.Acquire(ctx)
		if err != nil {
			m.log.Error("camera unavailable", "error", err)
			return fmt.Errorf("%w: %s: %w", ErrInitialize, vision.CapabilityCamera, err)
		}
		m.cameraSrc, m.cameraHeld = src, true
	}

	if err := m.fire(evInitialize); err != nil {
		m.releaseCameraLocked()
		return fmt.Errorf("%w: %w", ErrInitialize, err)
	}
	return nil
}

// Start begins monitoring frames from src, or from the camera when src is
// nil. The tally and ledger start empty.
func (m *Monitor) Start(ctx context.Context, src vision.FrameSource) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch st := m.state(); {
	case st.Terminal():
		return ErrTerminal
	case st == StateMonitoring:
		return ErrAlreadyStarted
	case st != StateInitialized:
		return ErrNotInitialized
	}
	if src == nil {
		src = m.cameraSrc
	}
	if src == nil {
		return ErrNoVideoSource
	}

	now := m.clock.Now()
	m.generation++
	gen := m.generation

	ledger := violation.NewLedger(m.cfg.MaxWarnings)
	m.snap.Lock()
	m.ledger = ledger
	m.agg = violation.NewAggregator(m.cfg.policy(), ledger)
	m.startedAt = now
	m.termination = nil
	m.hub = vision.NewFrameHub(src)
	m.snap.Unlock()

	m.sampler.Reset()
	m.inflight = false
	m.lastPoll, m.lastSample = now, now

	if err := m.fire(evStart); err != nil {
		return err
	}

	if m.deps.Environment != nil {
		gated := &gatedSource{m: m, gen: gen, src: m.deps.Environment}
		m.detectors = browser.NewDetectors(m.cfg.environment())
		for _, d := range m.detectors {
			d.Install(gated, m.recordLocked)
			if p, ok := d.(browser.Poller); ok {
				m.pollers = append(m.pollers, p)
			}
		}
	}

	loopCtx, cancel := context.WithCancel(ctx)
	ticker := m.clock.NewTicker(m.cfg.TickInterval)
	done := make(chan struct{})
	m.cancel, m.done = cancel, done
	m.active = true
	m.metrics.SessionStarted()
	m.log.Info("monitoring started",
		"detectors", len(m.detectors),
		"max_warnings", m.cfg.MaxWarnings,
		"warning_cooldown", m.cfg.WarningCooldown)

	go m.run(loopCtx, gen, ticker, done)
	return nil
}

// Stop ends the session. It is idempotent and safe from any state. When
// it returns the tick loop has exited, every listener is removed and no
// inference is in flight.
func (m *Monitor) Stop() {
	m.mu.Lock()
	m.stopLocked("stopped by host")
	done := m.done
	m.mu.Unlock()

	if done != nil {
		<-done
	}
	m.samples.Wait()
}

func (m *Monitor) stopLocked(reason string) {
	if !m.state().Terminal() {
		if err := m.fire(evStop); err != nil {
			m.log.Warn("stop transition failed", "error", err)
		} else {
			m.log.Info("monitoring stopped", "reason", reason)
		}
	}
	m.teardownLocked()
}

// Report feeds a host-pushed Observation into the aggregation path. The
// observation is stamped with the monitor clock; a host-supplied
// Timestamp is discarded so cooldowns and windows run on one timeline.
func (m *Monitor) Report(obs violation.Observation) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if !obs.Type.Valid() {
		m.log.Warn("dropping observation of unknown type", "type", string(obs.Type))
		return
	}
	m.recordLocked(obs)
}

// OnWarning sets the warning callback, replacing any previous one.
func (m *Monitor) OnWarning(fn func(violation.Warning)) {
	m.cbMu.Lock()
	m.onWarning = fn
	m.cbMu.Unlock()
}

// OnTerminate sets the termination callback, replacing any previous one.
func (m *Monitor) OnTerminate(fn func(violation.Termination)) {
	m.cbMu.Lock()
	m.onTerminate = fn
	m.cbMu.Unlock()
}

// OnAnalysis sets the body-language callback, replacing any previous one.
func (m *Monitor) OnAnalysis(fn func(vision.Analysis)) {
	m.cbMu.Lock()
	m.onAnalysis = fn
	m.cbMu.Unlock()
}

func (m *Monitor) callbacks() (func(violation.Warning), func(violation.Termination), func(vision.Analysis)) {
	m.cbMu.Lock()
	defer m.cbMu.Unlock()
	return m.onWarning, m.onTerminate, m.onAnalysis
}

// Warnings returns the warnings raised since Start.
func (m *Monitor) Warnings() []violation.Warning {
	m.snap.RLock()
	defer m.snap.RUnlock()
	return m.ledger.All()
}

// ViolationTally returns the per-type observation counts since Start.
func (m *Monitor) ViolationTally() violation.Tally {
	m.snap.RLock()
	defer m.snap.RUnlock()
	return m.agg.Tally()
}

// RemainingWarnings returns how many more warnings the session tolerates.
func (m *Monitor) RemainingWarnings() int {
	m.snap.RLock()
	defer m.snap.RUnlock()
	return m.ledger.Remaining()
}

// Frames returns the frame hub of the current run, or nil before Start.
// Other consumers subscribe here rather than opening the camera again.
func (m *Monitor) Frames() *vision.FrameHub {
	m.snap.RLock()
	defer m.snap.RUnlock()
	return m.hub
}

// StartedAt returns when monitoring last started.
func (m *Monitor) StartedAt() time.Time {
	m.snap.RLock()
	defer m.snap.RUnlock()
	return m.startedAt
}

// Termination returns the termination evidence once the session has been
// terminated by the warning policy.
func (m *Monitor) Termination() (violation.Termination, bool) {
	m.snap.RLock()
	defer m.snap.RUnlock()
	if m.termination == nil {
		return violation.Termination{}, false
	}
	return *m.termination, true
}

func (m *Monitor) recordLocked(obs violation.Observation) {
	if m.state() != StateMonitoring {
		return
	}
	obs.Timestamp = m.clock.Now()

	res := m.agg.Record(obs)
	if !res.Counted {
		return
	}
	m.metrics.Observation(string(obs.Type))
	if m.cfg.Debug {
		m.log.Debug("observation",
			"type", string(obs.Type),
			"detail", obs.Detail,
			"immediate", obs.Immediate)
	}
	if res.Warning == nil {
		return
	}

	w := *res.Warning
	m.metrics.Warning(string(w.Type))
	m.log.Warn("warning raised",
		"seq", w.SequenceNumber,
		"type", string(w.Type),
		"remaining", w.RemainingBeforeTermination)

	onWarning, _, _ := m.callbacks()
	if onWarning != nil {
		onWarning(w)
	}
	if res.Tripped {
		m.terminateLocked()
	}
}

func (m *Monitor) terminateLocked() {
	term := violation.Termination{
		Reason:    violation.TerminationReason,
		Warnings:  m.ledger.All(),
		Tally:     m.agg.Tally(),
		Timestamp: m.clock.Now(),
	}
	if err := m.fire(evTerminate); err != nil {
		m.log.Warn("terminate transition failed", "error", err)
		return
	}
	m.teardownLocked()

	m.snap.Lock()
	m.termination = &term
	m.snap.Unlock()

	m.metrics.Termination()
	m.log.Error("session terminated",
		"reason", term.Reason,
		"warnings", len(term.Warnings),
		"observations", term.Tally.Total())

	_, onTerminate, _ := m.callbacks()
	if onTerminate != nil {
		onTerminate(term)
	}
}

// teardownLocked removes listeners, stops the loop and releases the
// camera. Safe to repeat.
func (m *Monitor) teardownLocked() {
	for _, d := range m.detectors {
		d.Uninstall()
	}
	m.detectors, m.pollers = nil, nil

	if m.cancel != nil {
		m.cancel()
		m.cancel = nil
	}
	m.releaseCameraLocked()

	if m.active {
		m.active = false
		m.metrics.SessionEnded()
	}
}

func (m *Monitor) releaseCameraLocked() {
	if m.cameraHeld {
		m.deps.Camera.Release()
		m.cameraHeld = false
		m.cameraSrc = nil
	}
}

// gatedSource forwards events to detectors only while the generation it
// was created for is monitoring, and serializes them with everything else.
// Events are restamped with the monitor clock before detectors see them.
type gatedSource struct {
	m   *Monitor
	gen uint64
	src browser.Source
}

func (g *gatedSource) AddListener(kind browser.Kind, fn func(*browser.Event)) func() {
	return g.src.AddListener(kind, func(e *browser.Event) {
		g.m.mu.Lock()
		defer g.m.mu.Unlock()
		if g.m.generation != g.gen || g.m.state() != StateMonitoring {
			return
		}
		e.Time = g.m.clock.Now()
		fn(e)
	})
}

func (g *gatedSource) Geometry() (browser.Geometry, error) {
	return g.src.Geometry()
}
