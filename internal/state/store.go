// Package state adapts the shared-state store: the external key-value
// system holding cross-process ephemeral room state (join tokens, timer,
// presenter, participant set). Tokens are written by the issuing API and
// consumed read-only here.
package state

import (
	"context"
	"errors"

	"github.com/flowsync/coordinator/internal/timer"
)

// ErrUnavailable wraps store timeouts and transport failures. Handlers
// treat it fail-closed: abort, log, broadcast nothing.
var ErrUnavailable = errors.New("shared-state store unavailable")

// Store is the coordination layer's view of the shared-state store.
//
// Timer reads return nil when the room has no timer entry. Presenter reads
// return "" when no one is presenting. ClearPresenterIf clears the slot
// only while it is held by connID, atomically with respect to other
// instances sharing the store.
type Store interface {
	TokenExists(ctx context.Context, roomCode, token string) (bool, error)

	TimerState(ctx context.Context, roomCode string) (*timer.State, error)
	SetTimerState(ctx context.Context, roomCode string, st timer.State) error
	ClearTimerState(ctx context.Context, roomCode string) error

	Presenter(ctx context.Context, roomCode string) (string, error)
	SetPresenter(ctx context.Context, roomCode, connID string) error
	ClearPresenterIf(ctx context.Context, roomCode, connID string) (bool, error)

	AddParticipant(ctx context.Context, roomCode, connID string) error
	RemoveParticipant(ctx context.Context, roomCode, connID string) error
}
