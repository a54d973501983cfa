package bridge

import (
	"context"
	"errors"
	"fmt"

	"github.com/looplab/fsm"
)

// State is the connection state of a session.
type State string

const (
	StateDisconnected       State = "DISCONNECTED"
	StateConnectingProvider State = "CONNECTING_PROVIDER"
	StateConnectingAgent    State = "CONNECTING_AGENT"
	StateConnected          State = "CONNECTED"
	StateStreaming          State = "STREAMING"
	StateReconnecting       State = "RECONNECTING"
	StateClosing            State = "CLOSING"
	StateError              State = "ERROR"
)

func (s State) String() string { return string(s) }

// Terminal reports whether no further transitions are possible.
func (s State) Terminal() bool { return s == StateError }

// liveStates are the states derived from leg connectivity.
var liveStates = []State{
	StateDisconnected,
	StateConnectingProvider,
	StateConnectingAgent,
	StateConnected,
	StateStreaming,
	StateReconnecting,
}

// deriveState maps leg connectivity to a state. A leg with an outstanding
// reconnect keeps the session in RECONNECTING until it is back.
func deriveState(providerUp, agentUp, active, reconnecting bool) State {
	switch {
	case reconnecting:
		return StateReconnecting
	case !providerUp && !agentUp:
		return StateDisconnected
	case providerUp && !agentUp:
		return StateConnectingAgent
	case !providerUp && agentUp:
		return StateConnectingProvider
	case active:
		return StateStreaming
	default:
		return StateConnected
	}
}

const (
	eventClose  = "close"
	eventFail   = "fail"
	eventFinish = "finish"
)

func eventFor(to State) string {
	switch to {
	case StateClosing:
		return eventClose
	case StateError:
		return eventFail
	default:
		return "to_" + string(to)
	}
}

type stateMachine struct {
	fsm *fsm.FSM
}

func newStateMachine() *stateMachine {
	live := make([]string, len(liveStates))
	for i, s := range liveStates {
		live[i] = string(s)
	}

	events := fsm.Events{
		{Name: eventClose, Src: live, Dst: string(StateClosing)},
		{Name: eventFail, Src: append(append([]string{}, live...), string(StateClosing)), Dst: string(StateError)},
		{Name: eventFinish, Src: []string{string(StateClosing)}, Dst: string(StateDisconnected)},
	}
	for _, s := range liveStates {
		events = append(events, fsm.EventDesc{Name: eventFor(s), Src: live, Dst: string(s)})
	}

	return &stateMachine{fsm: fsm.NewFSM(string(StateDisconnected), events, fsm.Callbacks{})}
}

// Finish settles a closed session back in DISCONNECTED.
func (m *stateMachine) Finish() error {
	return m.fsm.Event(context.Background(), eventFinish)
}

func (m *stateMachine) Current() State { return State(m.fsm.Current()) }

// To moves the machine to the given state. It reports whether the state
// changed; staying in the same state is not an error.
func (m *stateMachine) To(to State) (bool, error) {
	err := m.fsm.Event(context.Background(), eventFor(to))
	if err == nil {
		return true, nil
	}
	var same fsm.NoTransitionError
	if errors.As(err, &same) {
		return false, nil
	}
	return false, fmt.Errorf("transition %s -> %s: %w", m.Current(), to, err)
}
