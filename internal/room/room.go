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

// Room holds the live membership of one room code plus the handlers for
// every in-room event. A single mutex serializes all handlers, so two
// events for the same room can never interleave their mutations — the Go
// shape of the source design's per-room event loop. Handlers that touch
// the shared-state store commit before broadcasting and abort (log, no
// broadcast) on store failure.
type Room struct {
	code    string
	store   state.Store
	timers  *timer.Coordinator
	clock   clockwork.Clock
	publish Publisher

	mu           sync.Mutex
	closed       bool
	participants map[string]*Participant
}

// errRoomClosed signals that the registry tore this room down between the
// caller's lookup and its admit; the caller retries against a fresh entry.
var errRoomClosed = errors.New("room closed")

// Snapshot is the full room state handed to a joining connection.
type Snapshot struct {
	Participants []protocol.ParticipantInfo
	Timer        *timer.State
	Presenter    string
}

func newRoom(code string, store state.Store, timers *timer.Coordinator, clock clockwork.Clock, publish Publisher) *Room {
	return &Room{
		code:         code,
		store:        store,
		timers:       timers,
		clock:        clock,
		publish:      publish,
		participants: make(map[string]*Participant),
	}
}

// Admit inserts a participant and returns the room snapshot that becomes
// the joiner's room-joined response. The store reads happen before any
// mutation so a store failure rejects the join without a half-admitted
// participant. The rest of the room is told via user-joined, excluding the
// joiner.
func (r *Room) Admit(ctx context.Context, p *Participant) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return Snapshot{}, errRoomClosed
	}

	timerState, err := r.store.TimerState(ctx, r.code)
	if err != nil {
		return Snapshot{}, err
	}
	presenter, err := r.store.Presenter(ctx, r.code)
	if err != nil {
		return Snapshot{}, err
	}

	r.participants[p.ConnID] = p
	if err := r.store.AddParticipant(ctx, r.code, p.ConnID); err != nil {
		// The authoritative roster is in-process; the store mirror is
		// advisory and must not block the join.
		log.Warn().Err(err).Str("room_code", r.code).Str("conn_id", p.ConnID).
			Msg("failed to mirror participant to store")
	}

	snapshot := Snapshot{
		Participants: make([]protocol.ParticipantInfo, 0, len(r.participants)),
		Timer:        timerState,
		Presenter:    presenter,
	}
	for _, member := range r.participants {
		snapshot.Participants = append(snapshot.Participants, protocol.ParticipantInfo{
			SocketID:    member.ConnID,
			DisplayName: member.DisplayName,
		})
	}

	r.broadcastLocked(protocol.EventUserJoined, protocol.UserJoinedPayload{
		SocketID:    p.ConnID,
		DisplayName: p.DisplayName,
	}, p.ConnID)

	log.Info().Str("room_code", r.code).Str("conn_id", p.ConnID).
		Str("display_name", p.DisplayName).Int("roster_size", len(r.participants)).
		Msg("participant joined room")

	return snapshot, nil
}

// Remove deletes a participant, tells the rest of the room, and clears the
// presenter slot if the leaver held it. The presenter-changed broadcast
// fires before the registry tears down an emptied room.
func (r *Room) Remove(ctx context.Context, connID string) (removed, empty bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.participants[connID]; !ok {
		return false, len(r.participants) == 0
	}
	delete(r.participants, connID)

	if err := r.store.RemoveParticipant(ctx, r.code, connID); err != nil {
		log.Warn().Err(err).Str("room_code", r.code).Str("conn_id", connID).
			Msg("failed to remove participant from store")
	}

	r.broadcastLocked(protocol.EventUserLeft, protocol.UserLeftPayload{SocketID: connID}, "")

	presenter, err := r.store.Presenter(ctx, r.code)
	if err != nil {
		log.Error().Err(err).Str("room_code", r.code).
			Msg("cannot check presenter on disconnect, leaving slot")
	} else if presenter == connID {
		cleared, err := r.store.ClearPresenterIf(ctx, r.code, connID)
		if err != nil {
			log.Error().Err(err).Str("room_code", r.code).Msg("failed to clear presenter on disconnect")
		} else if cleared {
			r.broadcastLocked(protocol.EventPresenterChanged, protocol.PresenterChangedPayload{}, "")
		}
	}

	log.Info().Str("room_code", r.code).Str("conn_id", connID).
		Int("roster_size", len(r.participants)).Msg("participant left room")

	return true, len(r.participants) == 0
}

// SendTo delivers one frame to a single connection. A target that is no
// longer live is silently dropped; negotiation layers above retry on their
// own.
func (r *Room) SendTo(toConnID string, event protocol.EventType, payload any) {
	r.mu.Lock()
	defer r.mu.Unlock()

	target, ok := r.participants[toConnID]
	if !ok {
		log.Debug().Str("room_code", r.code).Str("to", toConnID).Str("event", string(event)).
			Msg("relay target not connected, dropping")
		return
	}
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal relay frame")
		return
	}
	target.outbox.Send(frame)
}

// StartTimer transitions the room timer to running on a fresh countdown.
func (r *Room) StartTimer(ctx context.Context, phase string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := r.timers.Start(timer.Phase(phase))
	if err := r.store.SetTimerState(ctx, r.code, st); err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("start-timer aborted, store write failed")
		return
	}
	r.broadcastLocked(protocol.EventTimerUpdate, protocol.TimerInfo{
		Status:    string(st.Status),
		Phase:     string(st.Phase),
		Remaining: intPtr(st.Remaining),
		StartedAt: int64Ptr(st.StartedAt),
	}, "")
}

// PauseTimer folds elapsed time into the stored remaining seconds. Not
// currently running is a no-op, not an error.
func (r *Room) PauseTimer(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.store.TimerState(ctx, r.code)
	if err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("pause-timer aborted, store read failed")
		return
	}
	st, ok := r.timers.Pause(cur)
	if !ok {
		return
	}
	if err := r.store.SetTimerState(ctx, r.code, st); err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("pause-timer aborted, store write failed")
		return
	}
	r.broadcastLocked(protocol.EventTimerUpdate, protocol.TimerInfo{
		Status:    string(st.Status),
		Remaining: intPtr(st.Remaining),
	}, "")
}

// ResumeTimer restarts the countdown with remaining seconds unchanged. Not
// currently paused is a no-op.
func (r *Room) ResumeTimer(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cur, err := r.store.TimerState(ctx, r.code)
	if err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("resume-timer aborted, store read failed")
		return
	}
	st, ok := r.timers.Resume(cur)
	if !ok {
		return
	}
	if err := r.store.SetTimerState(ctx, r.code, st); err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("resume-timer aborted, store write failed")
		return
	}
	r.broadcastLocked(protocol.EventTimerUpdate, protocol.TimerInfo{
		Status:    string(st.Status),
		Remaining: intPtr(st.Remaining),
		StartedAt: int64Ptr(st.StartedAt),
	}, "")
}

// ResetTimer clears the timer entry for the room.
func (r *Room) ResetTimer(ctx context.Context) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.ClearTimerState(ctx, r.code); err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("reset-timer aborted, store delete failed")
		return
	}
	r.broadcastLocked(protocol.EventTimerUpdate, protocol.TimerInfo{
		Status: string(timer.StatusStopped),
	}, "")
}

// StartPresenting unconditionally hands the presenter slot to connID.
// Within one instance the room mutex makes concurrent claims last-writer-
// wins in arrival order.
func (r *Room) StartPresenting(ctx context.Context, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if err := r.store.SetPresenter(ctx, r.code, connID); err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("start-presenting aborted, store write failed")
		return
	}
	r.broadcastLocked(protocol.EventPresenterChanged, protocol.PresenterChangedPayload{
		PresenterID: &connID,
	}, "")
}

// StopPresenting releases the slot only while connID still holds it, so a
// stale stop from a just-superseded presenter cannot clear an active share.
func (r *Room) StopPresenting(ctx context.Context, connID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	cleared, err := r.store.ClearPresenterIf(ctx, r.code, connID)
	if err != nil {
		log.Error().Err(err).Str("room_code", r.code).Msg("stop-presenting aborted, store write failed")
		return
	}
	if !cleared {
		return
	}
	r.broadcastLocked(protocol.EventPresenterChanged, protocol.PresenterChangedPayload{}, "")
}

// SetHand flips the transient hand flag and tells the whole room, echo
// included — clients key their UI off the connection id.
func (r *Room) SetHand(connID string, raised bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	p, ok := r.participants[connID]
	if !ok {
		return
	}
	p.HandRaised = raised
	r.broadcastLocked(protocol.EventHandRaised, protocol.HandRaisedPayload{
		SocketID: connID,
		Raised:   raised,
	}, "")
}

// Chat relays a message to everyone but the sender, stamped with the
// sender identity and a server timestamp. Persistence belongs to the
// issuing API, not here.
func (r *Room) Chat(fromConnID, message, msgType string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	sender, ok := r.participants[fromConnID]
	if !ok {
		return
	}
	if msgType == "" {
		msgType = "text"
	}
	r.broadcastLocked(protocol.EventChatMessage, protocol.ChatMessagePayload{
		SenderID:   sender.ConnID,
		SenderName: sender.DisplayName,
		Message:    message,
		Type:       msgType,
		Timestamp:  r.clock.Now().UnixMilli(),
	}, fromConnID)
}

// Broadcast delivers an event to every live connection in the room except
// the optional exclusion.
func (r *Room) Broadcast(event protocol.EventType, payload any, excludeConnID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.broadcastLocked(event, payload, excludeConnID)
}

// broadcastLocked marshals once and fans out; callers hold r.mu. Locally
// originated broadcasts are also handed to the cross-instance publisher.
func (r *Room) broadcastLocked(event protocol.EventType, payload any, excludeConnID string) {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal broadcast frame")
		return
	}
	r.deliverLocked(frame, excludeConnID)
	if r.publish != nil {
		r.publish.Publish(r.code, frame)
	}
}

func (r *Room) deliverLocked(frame []byte, excludeConnID string) {
	for id, p := range r.participants {
		if id == excludeConnID {
			continue
		}
		p.outbox.Send(frame)
	}
}

func intPtr(v int) *int { return &v }

func int64Ptr(v int64) *int64 { return &v }
