package polls

import "github.com/PurkkaKoodari/demokratiasitsibot/internal/store"

var transitions = map[store.PollStatus][]store.PollStatus{
	store.PollCreated: {store.PollActive},
	store.PollActive:  {store.PollClosed},
	store.PollClosed:  {store.PollActive},
}

// CanTransition reports whether a poll may move from one status to another.
func CanTransition(from, to store.PollStatus) bool {
	for _, allowed := range transitions[from] {
		if allowed == to {
			return true
		}
	}
	return false
}

// Editable reports whether a poll's fields may still change.
func Editable(poll store.Poll) bool {
	return poll.Status == store.PollCreated
}
