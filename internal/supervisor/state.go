package supervisor

import "fmt"

// State is the supervision state of one service.
type State int32

const (
	StatePending State = iota
	StateStarting
	StateRunning
	StateRestarting
	StateStopping
	StateStopped
	StateFailed
)

var stateNames = [...]string{
	StatePending:    "pending",
	StateStarting:   "starting",
	StateRunning:    "running",
	StateRestarting: "restarting",
	StateStopping:   "stopping",
	StateStopped:    "stopped",
	StateFailed:     "failed",
}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return "unknown"
}

// Terminal reports whether no further transition can happen.
func (s State) Terminal() bool { return s == StateStopped || s == StateFailed }

func (s State) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

// AllStates lists every state in declaration order.
func AllStates() []State {
	return []State{StatePending, StateStarting, StateRunning, StateRestarting, StateStopping, StateStopped, StateFailed}
}

// ParseState is the inverse of String.
func ParseState(name string) (State, error) {
	for i, n := range stateNames {
		if n == name {
			return State(i), nil
		}
	}
	return 0, fmt.Errorf("unknown state %q", name)
}

func (s *State) UnmarshalText(b []byte) error {
	v, err := ParseState(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}
