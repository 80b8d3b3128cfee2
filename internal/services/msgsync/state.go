package msgsync

// State is a sync handle's lifecycle stage.
type State int

const (
	Idle State = iota
	Subscribing
	Live
	Reconnecting
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Subscribing:
		return "subscribing"
	case Live:
		return "live"
	case Reconnecting:
		return "reconnecting"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// Transition is one state change. Err carries the cause of a move to
// Reconnecting or Closed, if any.
type Transition struct {
	From State
	To   State
	Err  error
}

// allowed lists the legal moves of the state machine.
var allowed = map[State][]State{
	Idle:         {Subscribing, Closed},
	Subscribing:  {Live, Closed},
	Live:         {Reconnecting, Closed},
	Reconnecting: {Live, Closed},
}

func canMove(from, to State) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}
