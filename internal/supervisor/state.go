package supervisor

// State is the supervisor lifecycle state.
type State string

const (
	StateStarting   State = "starting"
	StateRunning    State = "running"
	StateRestarting State = "restarting"
	StateStopped    State = "stopped" // operator stop, Run has returned
	StateHalted     State = "halted"  // automatic restarts given up
)

func (s State) String() string { return string(s) }

// Terminal reports whether no automatic restart will happen from s.
func (s State) Terminal() bool { return s == StateStopped || s == StateHalted }
