package statemachine

import (
	"fmt"
	"sync"
	"time"
)

// State is the lifecycle stage of one transcription run
type State string

const (
	StateIdle       State = "idle"
	StateLoading    State = "loading"
	StateProcessing State = "processing"
	StateFinalized  State = "finalized"
	StateFailed     State = "failed"
)

// Terminal reports whether no further transitions are possible
func (s State) Terminal() bool {
	return s == StateFinalized || s == StateFailed
}

// Snapshot is a copy of the machine's progress at one instant
type Snapshot struct {
	State     State     `json:"state"`
	Current   int       `json:"current"` // 1-based index of the chunk being processed
	Total     int       `json:"total"`
	Message   string    `json:"message,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// TransitionError reports an attempt to leave a state by an edge that does
// not exist
type TransitionError struct {
	From State
	To   State
	Why  string
}

func (e *TransitionError) Error() string {
	if e.Why == "" {
		return fmt.Sprintf("statemachine: invalid transition %s -> %s", e.From, e.To)
	}
	return fmt.Sprintf("statemachine: invalid transition %s -> %s: %s", e.From, e.To, e.Why)
}

// StateMachine tracks one run: idle -> loading -> processing(i/total) ->
// finalized, with failed reachable from any non-terminal state.
// Writers are expected on a single goroutine; Snapshot may be called from
// any goroutine.
type StateMachine struct {
	mu      sync.RWMutex
	state   State
	current int
	total   int
	message string
	updated time.Time
	now     func() time.Time
}

// NewStateMachine creates a machine in the idle state
func NewStateMachine() *StateMachine {
	sm := &StateMachine{state: StateIdle, now: time.Now}
	sm.updated = sm.now()
	return sm
}

func (sm *StateMachine) set(state State, current, total int, message string) {
	sm.state = state
	sm.current = current
	sm.total = total
	sm.message = message
	sm.updated = sm.now()
}

// Begin moves idle -> loading
func (sm *StateMachine) Begin(message string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateIdle {
		return &TransitionError{From: sm.state, To: StateLoading}
	}
	sm.set(StateLoading, 0, 0, message)
	return nil
}

// Segmented moves loading -> processing(1/total). total must be positive;
// an empty source goes straight to Finalize.
func (sm *StateMachine) Segmented(total int, message string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateLoading {
		return &TransitionError{From: sm.state, To: StateProcessing}
	}
	if total <= 0 {
		return &TransitionError{From: sm.state, To: StateProcessing, Why: "no chunks to process"}
	}
	sm.set(StateProcessing, 1, total, message)
	return nil
}

// Advance moves processing(i) -> processing(i+1)
func (sm *StateMachine) Advance(message string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state != StateProcessing {
		return &TransitionError{From: sm.state, To: StateProcessing}
	}
	if sm.current >= sm.total {
		return &TransitionError{From: sm.state, To: StateProcessing, Why: fmt.Sprintf("already at chunk %d of %d", sm.current, sm.total)}
	}
	sm.set(StateProcessing, sm.current+1, sm.total, message)
	return nil
}

// Finalize moves processing(total) -> finalized, or loading -> finalized
// when the source produced no chunks
func (sm *StateMachine) Finalize(message string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	switch {
	case sm.state == StateLoading:
	case sm.state == StateProcessing && sm.current == sm.total:
	default:
		return &TransitionError{From: sm.state, To: StateFinalized, Why: fmt.Sprintf("at chunk %d of %d", sm.current, sm.total)}
	}
	sm.set(StateFinalized, sm.current, sm.total, message)
	return nil
}

// Fail moves any non-terminal state to failed, keeping the progress counters
func (sm *StateMachine) Fail(message string) error {
	sm.mu.Lock()
	defer sm.mu.Unlock()
	if sm.state.Terminal() {
		return &TransitionError{From: sm.state, To: StateFailed}
	}
	sm.set(StateFailed, sm.current, sm.total, message)
	return nil
}

// State returns the current state
func (sm *StateMachine) State() State {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.state
}

// Snapshot returns a consistent copy of the machine
func (sm *StateMachine) Snapshot() Snapshot {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return Snapshot{
		State:     sm.state,
		Current:   sm.current,
		Total:     sm.total,
		Message:   sm.message,
		UpdatedAt: sm.updated,
	}
}
