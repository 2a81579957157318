// Package timer implements the per-room shared countdown state machine.
//
// The coordinator is the sole source of truth: Remaining is the true
// remaining time as of the last transition, and clients derive the current
// value from Remaining and StartedAt while the timer runs. Transitions are
// pure with respect to the store; persisting and broadcasting the result is
// the caller's job.
package timer

import (
	"github.com/jonboulle/clockwork"
)

type Status string

const (
	StatusStopped Status = "stopped"
	StatusRunning Status = "running"
	StatusPaused  Status = "paused"
)

type Phase string

const (
	PhaseWork       Phase = "work"
	PhaseShortBreak Phase = "short_break"
	PhaseLongBreak  Phase = "long_break"
)

// DefaultDurations is the phase-duration table in seconds.
func DefaultDurations() map[Phase]int {
	return map[Phase]int{
		PhaseWork:       1500,
		PhaseShortBreak: 300,
		PhaseLongBreak:  900,
	}
}

// State is one room's timer tuple as held in the shared-state store.
// StartedAt and PausedAt are unix milliseconds; StartedAt is meaningful
// only while Status is running.
type State struct {
	Status    Status
	Phase     Phase
	Remaining int
	StartedAt int64
	PausedAt  int64
}

// Coordinator computes timer transitions against an injected clock.
type Coordinator struct {
	clock     clockwork.Clock
	durations map[Phase]int
}

func NewCoordinator(clock clockwork.Clock, durations map[Phase]int) *Coordinator {
	if len(durations) == 0 {
		durations = DefaultDurations()
	}
	return &Coordinator{clock: clock, durations: durations}
}

// Start transitions any state to running with a fresh countdown. Unknown
// phases fall back to the work duration.
func (c *Coordinator) Start(phase Phase) State {
	if _, ok := c.durations[phase]; !ok {
		phase = PhaseWork
	}
	return State{
		Status:    StatusRunning,
		Phase:     phase,
		Remaining: c.durations[phase],
		StartedAt: c.clock.Now().UnixMilli(),
	}
}

// Pause transitions running to paused, folding elapsed time into Remaining.
// It reports false for any other current state; the caller treats that as a
// no-op with no broadcast.
func (c *Coordinator) Pause(cur *State) (State, bool) {
	if cur == nil || cur.Status != StatusRunning {
		return State{}, false
	}
	now := c.clock.Now().UnixMilli()
	elapsed := int((now - cur.StartedAt) / 1000)
	remaining := cur.Remaining - elapsed
	if remaining < 0 {
		remaining = 0
	}
	return State{
		Status:    StatusPaused,
		Phase:     cur.Phase,
		Remaining: remaining,
		PausedAt:  now,
	}, true
}

// Resume transitions paused back to running with Remaining unchanged.
func (c *Coordinator) Resume(cur *State) (State, bool) {
	if cur == nil || cur.Status != StatusPaused {
		return State{}, false
	}
	return State{
		Status:    StatusRunning,
		Phase:     cur.Phase,
		Remaining: cur.Remaining,
		StartedAt: c.clock.Now().UnixMilli(),
	}, true
}
