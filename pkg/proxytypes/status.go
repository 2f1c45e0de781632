package proxytypes

// Status is the finite set of lifecycle states a Proxy can occupy.
type Status string

const (
	StatusNew      Status = "New"
	StatusStarting Status = "Starting"
	// StatusClaiming is entered by a shared-spec start while it is
	// awaiting RequestSeat to hand it a pre-warmed delegate; it carries
	// no containers of its own until the claim succeeds.
	StatusClaiming Status = "Claiming"
	StatusUp       Status = "Up"
	StatusStopping Status = "Stopping"
	StatusStopped  Status = "Stopped"
	StatusPausing  Status = "Pausing"
	StatusPaused   Status = "Paused"
	StatusResuming Status = "Resuming"
)

// Unavailable reports whether the given status should gate out readiness
// tests and new route traffic.
func Unavailable(s Status) bool {
	switch s {
	case StatusStopping, StatusStopped, StatusPausing, StatusPaused:
		return true
	default:
		return false
	}
}

// RequiresContainers reports whether a proxy in this status must carry a
// non-empty Containers slice.
func RequiresContainers(s Status) bool {
	switch s {
	case StatusUp, StatusStopping, StatusPaused, StatusResuming:
		return true
	default:
		return false
	}
}

// transitions enumerates the legal status-to-status edges of the state
// machine driven by ProxyService. Anything not listed here is rejected
// with IllegalState.
var transitions = map[Status]map[Status]bool{
	StatusNew:      {StatusStarting: true, StatusClaiming: true, StatusStopped: true},
	StatusStarting: {StatusUp: true, StatusStopped: true},
	StatusClaiming: {StatusUp: true, StatusStopping: true, StatusStopped: true},
	StatusUp:       {StatusStopping: true, StatusPausing: true},
	StatusStopping: {StatusStopped: true},
	StatusStopped:  {},
	StatusPausing:  {StatusPaused: true, StatusStopped: true},
	StatusPaused:   {StatusResuming: true, StatusStopping: true},
	StatusResuming: {StatusUp: true, StatusStopped: true},
}

// CanTransition reports whether the state machine allows moving from
// "from" to "to". Same-status transitions are never legal — callers
// mutate by producing a new Proxy value with an actual status change.
func CanTransition(from, to Status) bool {
	edges, ok := transitions[from]
	if !ok {
		return false
	}
	return edges[to]
}
