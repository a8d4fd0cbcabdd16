package pipeline

import (
	"fmt"
	"time"
)

// State is a request's position in the pipeline.
type State string

const (
	StateReceived    State = "received"
	StateStored      State = "stored"
	StateNormalized  State = "normalized"
	StateTranscribed State = "transcribed"
	StateResponded   State = "responded"
	StateFailed      State = "failed"
)

// transitions lists the legal successors of each state. Every non-terminal
// state may fail.
var transitions = map[State][]State{
	StateReceived:    {StateStored, StateFailed},
	StateStored:      {StateNormalized, StateFailed},
	StateNormalized:  {StateTranscribed, StateFailed},
	StateTranscribed: {StateResponded, StateFailed},
}

// Transition records one state change.
type Transition struct {
	From State
	To   State
	At   time.Time
}

// StateMachine tracks one request. It is owned by a single goroutine.
type StateMachine struct {
	current State
	started time.Time
	history []Transition
	now     func() time.Time
}

// NewStateMachine starts in StateReceived.
func NewStateMachine() *StateMachine {
	sm := &StateMachine{current: StateReceived, now: time.Now}
	sm.started = sm.now()
	return sm
}

// Current returns the current state.
func (sm *StateMachine) Current() State { return sm.current }

// Advance moves to next, rejecting transitions the pipeline never makes.
func (sm *StateMachine) Advance(next State) error {
	for _, s := range transitions[sm.current] {
		if s == next {
			sm.history = append(sm.history, Transition{From: sm.current, To: next, At: sm.now()})
			sm.current = next
			return nil
		}
	}
	return fmt.Errorf("pipeline: illegal transition %s -> %s", sm.current, next)
}

// Terminal reports whether the request has finished.
func (sm *StateMachine) Terminal() bool {
	return sm.current == StateResponded || sm.current == StateFailed
}

// History returns the recorded transitions.
func (sm *StateMachine) History() []Transition { return sm.history }

// Elapsed returns time since the request was received.
func (sm *StateMachine) Elapsed() time.Duration { return sm.now().Sub(sm.started) }
