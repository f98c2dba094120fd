package runstore

// Status represents the lifecycle state of a run.
type Status string

const (
	StatusBooting   Status = "booting"
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// transitions is the full state machine. Terminal states have no entry.
var transitions = map[Status][]Status{
	StatusBooting: {StatusRunning, StatusFailed, StatusCanceled},
	StatusRunning: {StatusSucceeded, StatusFailed, StatusCanceled},
}

// IsTerminal reports whether s has no outgoing transitions.
func IsTerminal(s Status) bool {
	switch s {
	case StatusSucceeded, StatusFailed, StatusCanceled:
		return true
	}
	return false
}

// Allowed returns the set of statuses reachable from s in one step.
func Allowed(from Status) []Status {
	return transitions[from]
}

// CanTransition reports whether from→to is a legal transition.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal lists every terminal status. Useful for store-level queries.
func Terminal() []Status {
	return []Status{StatusSucceeded, StatusFailed, StatusCanceled}
}
