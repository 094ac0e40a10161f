package session

import (
	"encoding/json"
	"fmt"
)

// State is a session lifecycle state.
type State int

const (
	Created State = iota
	Running
	Yielding
	Completed
	Cancelled
	Failed
)

var stateNames = [...]string{"created", "running", "yielding", "completed", "cancelled", "failed"}

func (s State) String() string {
	if s >= 0 && int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalJSON() ([]byte, error) { return json.Marshal(s.String()) }

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	return s == Completed || s == Cancelled || s == Failed
}

var transitions = map[State][]State{
	Created:  {Running, Cancelled, Failed},
	Running:  {Yielding, Completed, Cancelled, Failed},
	Yielding: {Running, Cancelled, Failed},
}

// CanTransition reports whether from -> to is a legal move.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
