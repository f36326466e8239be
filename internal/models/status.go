package models

// Status is an order lifecycle state.
type Status string

const (
	StatusPending   Status = "pending"
	StatusAccepted  Status = "accepted"
	StatusEnroute   Status = "enroute"
	StatusPickedUp  Status = "picked_up"
	StatusCompleted Status = "completed"
	StatusCancelled Status = "cancelled"
)

// transitions is the directed lifecycle graph. Terminal states have no
// outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:   {StatusAccepted, StatusCancelled},
	StatusAccepted:  {StatusEnroute, StatusCancelled},
	StatusEnroute:   {StatusPickedUp, StatusCancelled},
	StatusPickedUp:  {StatusCompleted, StatusCancelled},
	StatusCompleted: nil,
	StatusCancelled: nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled
}

func (s Status) CanTransitionTo(next Status) bool {
	for _, t := range transitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// Next returns the single forward (non-cancel) successor of s, if any.
func (s Status) Next() (Status, bool) {
	for _, t := range transitions[s] {
		if t != StatusCancelled {
			return t, true
		}
	}
	return "", false
}
