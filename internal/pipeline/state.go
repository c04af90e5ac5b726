package pipeline

import "github.com/rs/zerolog"

// State is the stage a running compress operation is in. Other operations
// only move through Loading to Done or Failed.
type State int

const (
	Idle State = iota
	Loading
	Transcoding
	Assembling
	Guarding
	Accepted
	Rejected
	Done
	Failed
	Cancelled
)

var stateNames = [...]string{
	Idle:        "idle",
	Loading:     "loading",
	Transcoding: "transcoding",
	Assembling:  "assembling",
	Guarding:    "guarding",
	Accepted:    "accepted",
	Rejected:    "rejected",
	Done:        "done",
	Failed:      "failed",
	Cancelled:   "cancelled",
}

func (s State) String() string {
	if s < 0 || int(s) >= len(stateNames) {
		return "unknown"
	}
	return stateNames[s]
}

// Terminal reports whether no further transition can follow s.
func (s State) Terminal() bool {
	switch s {
	case Accepted, Rejected, Done, Failed, Cancelled:
		return true
	}
	return false
}

// StateFunc observes state transitions of one operation.
type StateFunc func(op string, s State)

// run tracks the current state of a single operation.
type run struct {
	op      string
	state   State
	observe StateFunc
	log     zerolog.Logger
}

func (r *run) enter(s State) {
	r.log.Debug().Str("from", r.state.String()).Str("to", s.String()).Msg("state")
	r.state = s
	if r.observe != nil {
		r.observe(r.op, s)
	}
}
