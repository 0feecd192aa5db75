package session

// State is the lifecycle state of a [Core].
type State string

const (
	StateIdle          State = "idle"
	StateConnecting    State = "connecting"
	StateConnected     State = "connected"
	StateDisconnecting State = "disconnecting"
	StateFailed        State = "failed"
)

// transitions lists the legal successors of each state. Disconnect may lead
// to idle from anywhere.
var transitions = map[State][]State{
	StateIdle:          {StateConnecting},
	StateConnecting:    {StateConnected, StateFailed, StateIdle},
	StateConnected:     {StateDisconnecting, StateFailed, StateIdle},
	StateDisconnecting: {StateIdle},
	StateFailed:        {StateConnecting, StateIdle},
}

// CanTransition reports whether from → to is a legal transition.
func CanTransition(from, to State) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}
