package room

import (
	"context"
	"errors"
	"sync"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/flowsync/coordinator/internal/protocol"
	"github.com/flowsync/coordinator/internal/state"
	"github.com/flowsync/coordinator/internal/timer"
)

// Publisher forwards locally originated broadcast frames to other
// coordinator instances. A nil Publisher means single-instance deployment.
type Publisher interface {
	Publish(roomCode string, frame []byte)
}

// Registry owns the room-code -> live membership table for this process.
// It is constructed once at startup and passed to every handler; rooms are
// created lazily on first join and dropped when their local membership
// reaches zero. Cross-process store entries are left for the external
// room-expiry mechanism.
type Registry struct {
	store   state.Store
	timers  *timer.Coordinator
	clock   clockwork.Clock
	publish Publisher

	mu    sync.Mutex
	rooms map[string]*Room
}

func NewRegistry(store state.Store, timers *timer.Coordinator, clock clockwork.Clock, publish Publisher) *Registry {
	return &Registry{
		store:   store,
		timers:  timers,
		clock:   clock,
		publish: publish,
		rooms:   make(map[string]*Room),
	}
}

// Admit inserts a participant into the room, creating the room on first
// join, and returns the joiner's snapshot together with the room handle
// used for every later event on the connection.
func (g *Registry) Admit(ctx context.Context, roomCode string, p *Participant) (*Room, Snapshot, error) {
	for {
		g.mu.Lock()
		r, ok := g.rooms[roomCode]
		if !ok {
			r = newRoom(roomCode, g.store, g.timers, g.clock, g.publish)
			g.rooms[roomCode] = r
			log.Debug().Str("room_code", roomCode).Msg("room created")
		}
		g.mu.Unlock()

		snapshot, err := r.Admit(ctx, p)
		if errors.Is(err, errRoomClosed) {
			// Lost a race with the teardown of the previous incarnation.
			continue
		}
		if err != nil {
			g.dropIfEmpty(roomCode)
			return nil, Snapshot{}, err
		}
		return r, snapshot, nil
	}
}

// Remove deletes the participant and tears the room out of the table once
// the last local member is gone. The room's own leave broadcasts (user-left
// and any presenter clear) fire before teardown.
func (g *Registry) Remove(ctx context.Context, roomCode, connID string) {
	g.mu.Lock()
	r, ok := g.rooms[roomCode]
	g.mu.Unlock()
	if !ok {
		return
	}

	_, empty := r.Remove(ctx, connID)
	if empty {
		g.dropIfEmpty(roomCode)
	}
}

// Roster returns the current local membership for a room code; an unknown
// room yields an empty roster.
func (g *Registry) Roster(roomCode string) []protocol.ParticipantInfo {
	g.mu.Lock()
	r, ok := g.rooms[roomCode]
	g.mu.Unlock()
	if !ok {
		return nil
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	roster := make([]protocol.ParticipantInfo, 0, len(r.participants))
	for _, p := range r.participants {
		roster = append(roster, protocol.ParticipantInfo{
			SocketID:    p.ConnID,
			DisplayName: p.DisplayName,
		})
	}
	return roster
}

// DeliverLocal hands a frame from another instance to this instance's live
// connections. Remote frames are never republished.
func (g *Registry) DeliverLocal(roomCode string, frame []byte) {
	g.mu.Lock()
	r, ok := g.rooms[roomCode]
	g.mu.Unlock()
	if !ok {
		return
	}

	r.mu.Lock()
	r.deliverLocked(frame, "")
	r.mu.Unlock()
}

func (g *Registry) dropIfEmpty(roomCode string) {
	g.mu.Lock()
	defer g.mu.Unlock()

	r, ok := g.rooms[roomCode]
	if !ok {
		return
	}
	r.mu.Lock()
	empty := len(r.participants) == 0
	if empty {
		r.closed = true
	}
	r.mu.Unlock()
	if empty {
		delete(g.rooms, roomCode)
		log.Debug().Str("room_code", roomCode).Msg("room removed, no local members")
	}
}
