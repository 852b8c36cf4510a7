// Package replay runs recorded or hand-written proctoring scenarios
// against a Monitor on a fake clock, so warning policy can be tuned
// offline.
//
// A scenario is YAML: optional monitor config overrides layered on the
// defaults, an optional starting window geometry, and steps at offsets
// from the start. Each step carries exactly one of an observation, a page
// event, or a geometry update; a geometry update also fires a resize
// event, as a browser would. The clock jumps between steps without
// ticking, so periodic detectors (unfocus timeout, devtools, zoom) do not
// run; everything else behaves as in a live session.
package replay

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"proctord/internal/browser"
	"proctord/internal/clock"
	"proctord/internal/config"
	"proctord/internal/logging"
	"proctord/internal/monitor"
	"proctord/internal/violation"
	"proctord/internal/vision"
)

// DefaultStart is the fake clock origin when a scenario sets none.
var DefaultStart = time.Date(2026, 1, 1, 9, 0, 0, 0, time.UTC)

// ErrInvalidScenario is wrapped by every scenario parse failure.
var ErrInvalidScenario = errors.New("replay: invalid scenario")

// Scenario is a parsed replay file.
type Scenario struct {
	Name        string               `yaml:"name"`
	Description string               `yaml:"description,omitempty"`
	Start       time.Time            `yaml:"start,omitempty"`
	Config      config.MonitorConfig `yaml:"config"`
	Geometry    *Geometry            `yaml:"geometry,omitempty"`
	Steps       []Step               `yaml:"steps"`
}

// Step happens At after the scenario start.
type Step struct {
	At          config.Duration        `yaml:"at"`
	Observation *violation.Observation `yaml:"observation,omitempty"`
	Event       *Event                 `yaml:"event,omitempty"`
	Geometry    *Geometry              `yaml:"geometry,omitempty"`
}

// Event is the YAML form of a page event.
type Event struct {
	Kind       string  `yaml:"kind"`
	Hidden     bool    `yaml:"hidden,omitempty"`
	Key        string  `yaml:"key,omitempty"`
	Ctrl       bool    `yaml:"ctrl,omitempty"`
	Meta       bool    `yaml:"meta,omitempty"`
	Alt        bool    `yaml:"alt,omitempty"`
	Shift      bool    `yaml:"shift,omitempty"`
	ClientY    float64 `yaml:"client_y,omitempty"`
	Fullscreen bool    `yaml:"fullscreen,omitempty"`
}

func (e Event) toBrowser(kind browser.Kind, at time.Time) browser.Event {
	return browser.Event{
		Kind:       kind,
		Time:       at,
		Hidden:     e.Hidden,
		Key:        e.Key,
		Ctrl:       e.Ctrl,
		Meta:       e.Meta,
		Alt:        e.Alt,
		Shift:      e.Shift,
		ClientY:    e.ClientY,
		Fullscreen: e.Fullscreen,
	}
}

// Geometry is the YAML form of browser.Geometry.
type Geometry struct {
	OuterWidth  float64 `yaml:"outer_width"`
	OuterHeight float64 `yaml:"outer_height"`
	InnerWidth  float64 `yaml:"inner_width"`
	InnerHeight float64 `yaml:"inner_height"`
	ScreenX     float64 `yaml:"screen_x"`
	ScreenY     float64 `yaml:"screen_y"`
}

func (g Geometry) toBrowser() browser.Geometry {
	return browser.Geometry(g)
}

// Result is what a replay produced.
type Result struct {
	Scenario    string
	Steps       int
	Elapsed     time.Duration
	Warnings    []violation.Warning
	Tally       violation.Tally
	Termination *violation.Termination

	// Prevented counts page events whose default action was cancelled.
	Prevented int
}

// Terminated reports whether the warning policy ended the session.
func (r *Result) Terminated() bool { return r.Termination != nil }

// Load reads a scenario from the OS filesystem.
func Load(path string) (*Scenario, error) {
	return LoadFS(afero.NewOsFs(), path)
}

// LoadFS reads a scenario from fs.
func LoadFS(fs afero.Fs, path string) (*Scenario, error) {
	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("read scenario: %w", err)
	}
	sc, err := Parse(data)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return sc, nil
}

// Parse decodes a scenario. Config keys absent from the YAML keep their
// default values.
func Parse(data []byte) (*Scenario, error) {
	sc := &Scenario{Config: config.DefaultMonitorConfig()}
	if err := yaml.Unmarshal(data, sc); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if err := sc.validate(); err != nil {
		return nil, err
	}
	return sc, nil
}

func (sc *Scenario) validate() error {
	fail := func(format string, args ...any) error {
		return fmt.Errorf("%w: %s", ErrInvalidScenario, fmt.Sprintf(format, args...))
	}

	if _, err := sc.Config.Runtime(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	var last time.Duration
	for i, st := range sc.Steps {
		at := st.At.D()
		if at < last {
			return fail("step %d at %s is before the previous step", i+1, at)
		}
		last = at

		n := 0
		if st.Observation != nil {
			n++
			if !st.Observation.Type.Valid() {
				return fail("step %d: unknown violation type %q", i+1, st.Observation.Type)
			}
		}
		if st.Event != nil {
			n++
			if _, ok := browser.ParseKind(st.Event.Kind); !ok {
				return fail("step %d: unknown event kind %q", i+1, st.Event.Kind)
			}
		}
		if st.Geometry != nil {
			n++
		}
		if n != 1 {
			return fail("step %d must set exactly one of observation, event, geometry", i+1)
		}
	}
	return nil
}

// noFrames is the visual side of a replay: no camera, no faces.
type noFrames struct{}

func (noFrames) Frame(context.Context) (vision.Frame, error) { return vision.Frame{}, vision.ErrNoFrame }

func (noFrames) Detect(context.Context, vision.Frame) ([]vision.Face, error) { return nil, nil }

// Run executes sc and returns the outcome. onWarning, when not nil, is
// called for every warning as it is raised.
func Run(ctx context.Context, sc *Scenario, log *logging.Logger, onWarning func(violation.Warning)) (*Result, error) {
	cfg, err := sc.Config.Runtime()
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidScenario, err)
	}
	if log == nil {
		log = logging.Nop()
	}

	start := sc.Start
	if start.IsZero() {
		start = DefaultStart
	}
	clk := clock.Fake(start)

	bus := browser.NewBus()
	if sc.Geometry != nil {
		bus.SetGeometry(sc.Geometry.toBrowser())
	}

	mon, err := monitor.New(cfg, monitor.Dependencies{
		Face:        noFrames{},
		Environment: bus,
		Clock:       clk,
		Logger:      log,
	}, monitor.WithID("replay"))
	if err != nil {
		return nil, err
	}
	if onWarning != nil {
		mon.OnWarning(onWarning)
	}

	if err := mon.Initialize(ctx); err != nil {
		return nil, err
	}
	if err := mon.Start(ctx, noFrames{}); err != nil {
		return nil, err
	}
	defer mon.Stop()

	res := &Result{Scenario: sc.Name}
	for _, st := range sc.Steps {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if mon.State().Terminal() {
			break
		}

		clk.Set(start.Add(st.At.D()))
		now := clk.Now()
		res.Steps++

		switch {
		case st.Observation != nil:
			obs := *st.Observation
			obs.Timestamp = now
			mon.Report(obs)
		case st.Event != nil:
			kind, _ := browser.ParseKind(st.Event.Kind)
			ev := st.Event.toBrowser(kind, now)
			bus.Dispatch(&ev)
			if ev.Prevented() {
				res.Prevented++
			}
		case st.Geometry != nil:
			bus.SetGeometry(st.Geometry.toBrowser())
			bus.Dispatch(&browser.Event{Kind: browser.KindResize, Time: now})
		}
	}

	res.Elapsed = clk.Now().Sub(start)
	res.Warnings = mon.Warnings()
	res.Tally = mon.ViolationTally()
	if term, ok := mon.Termination(); ok {
		res.Termination = &term
	}
	log.Debug("replay finished", "scenario", sc.Name, "steps", res.Steps, "warnings", len(res.Warnings))
	return res, nil
}
