package pipeline

import (
	"testing"
	"time"
)

func TestStateMachine_HappyPath(t *testing.T) {
	sm := NewStateMachine()
	if sm.Current() != StateReceived {
		t.Fatalf("initial state = %s", sm.Current())
	}
	for _, s := range []State{StateStored, StateNormalized, StateTranscribed, StateResponded} {
		if err := sm.Advance(s); err != nil {
			t.Fatalf("Advance(%s): %v", s, err)
		}
	}
	if !sm.Terminal() {
		t.Error("responded should be terminal")
	}
	if len(sm.History()) != 4 {
		t.Errorf("history length = %d", len(sm.History()))
	}
}

func TestStateMachine_IllegalTransitions(t *testing.T) {
	tests := []struct {
		name string
		path []State
		next State
	}{
		{"skip storage", nil, StateNormalized},
		{"respond early", []State{StateStored}, StateResponded},
		{"backwards", []State{StateStored, StateNormalized}, StateStored},
		{"after responded", []State{StateStored, StateNormalized, StateTranscribed, StateResponded}, StateFailed},
		{"after failed", []State{StateFailed}, StateStored},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sm := NewStateMachine()
			for _, s := range tt.path {
				if err := sm.Advance(s); err != nil {
					t.Fatalf("setup Advance(%s): %v", s, err)
				}
			}
			if err := sm.Advance(tt.next); err == nil {
				t.Errorf("Advance(%s) from %s should fail", tt.next, sm.Current())
			}
		})
	}
}

func TestStateMachine_FailFromAnyActiveState(t *testing.T) {
	for _, path := range [][]State{
		nil,
		{StateStored},
		{StateStored, StateNormalized},
		{StateStored, StateNormalized, StateTranscribed},
	} {
		sm := NewStateMachine()
		for _, s := range path {
			_ = sm.Advance(s)
		}
		if err := sm.Advance(StateFailed); err != nil {
			t.Errorf("fail from %s: %v", sm.Current(), err)
		}
		if !sm.Terminal() {
			t.Error("failed should be terminal")
		}
	}
}

func TestStateMachine_Elapsed(t *testing.T) {
	base := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	now := base
	sm := &StateMachine{current: StateReceived, started: base, now: func() time.Time { return now }}
	now = base.Add(1500 * time.Millisecond)
	if got := sm.Elapsed(); got != 1500*time.Millisecond {
		t.Errorf("Elapsed = %v", got)
	}
	_ = sm.Advance(StateStored)
	if sm.History()[0].At != now {
		t.Error("transition should be stamped with the clock")
	}
}
