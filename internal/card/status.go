package card

// State is the externally observable sync state.
type State string

const (
	StateIdle     State = "idle"
	StatePending  State = "pending"
	StateSaving   State = "saving"
	StateSaved    State = "saved"
	StateConflict State = "conflict"
	StateError    State = "error"
)

// Status is the sync state plus a human-readable reason when State is error.
type Status struct {
	State  State  `json:"state"`
	Reason string `json:"reason,omitempty"`
}

// Safe reports whether the UI may navigate away without losing edits.
// Only idle and saved are safe.
func (s Status) Safe() bool {
	return s.State == StateIdle || s.State == StateSaved
}

func (s Status) String() string {
	if s.Reason != "" {
		return string(s.State) + ": " + s.Reason
	}
	return string(s.State)
}
