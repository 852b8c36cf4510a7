package monitor

import (
	"context"

	"github.com/looplab/fsm"
)

// State is the monitor lifecycle state.
type State string

const (
	StateUninitialized State = "uninitialized"
	StateInitialized   State = "initialized"
	StateMonitoring    State = "monitoring"
	StateTerminated    State = "terminated"
	StateStopped       State = "stopped"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == StateTerminated || s == StateStopped
}

func (s State) String() string { return string(s) }

const (
	evInitialize = "initialize"
	evStart      = "start"
	evTerminate  = "terminate"
	evStop       = "stop"
)

// newLifecycle builds the state machine:
// uninitialized -> initialized -> monitoring -> terminated, with stop
// reachable from every non-terminal state.
func newLifecycle() *fsm.FSM {
	return fsm.NewFSM(
		string(StateUninitialized),
		fsm.Events{
			{Name: evInitialize, Src: []string{string(StateUninitialized)}, Dst: string(StateInitialized)},
			{Name: evStart, Src: []string{string(StateInitialized)}, Dst: string(StateMonitoring)},
			{Name: evTerminate, Src: []string{string(StateMonitoring)}, Dst: string(StateTerminated)},
			{Name: evStop, Src: []string{
				string(StateUninitialized),
				string(StateInitialized),
				string(StateMonitoring),
			}, Dst: string(StateStopped)},
		},
		fsm.Callbacks{},
	)
}

func (m *Monitor) state() State {
	return State(m.lc.Current())
}

func (m *Monitor) fire(event string) error {
	from := m.state()
	if err := m.lc.Event(context.Background(), event); err != nil {
		return err
	}
	m.log.Info("state changed", "from", from, "to", m.state())
	return nil
}
