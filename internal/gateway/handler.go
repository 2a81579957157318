// Package gateway accepts participant connections, authorizes them against
// the shared-state store, and dispatches their events into the room layer.
package gateway

import (
	"context"
	"errors"
	"net/http"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"

	"github.com/flowsync/coordinator/internal/protocol"
	"github.com/flowsync/coordinator/internal/room"
	"github.com/flowsync/coordinator/internal/state"
)

// Handler upgrades participant connections and runs their session loops.
type Handler struct {
	registry *room.Registry
	store    state.Store
	cfg      Config
	upgrader websocket.Upgrader
}

func NewHandler(registry *room.Registry, store state.Store, cfg Config) *Handler {
	return &Handler{
		registry: registry,
		store:    store,
		cfg:      cfg,
		upgrader: websocket.Upgrader{
			ReadBufferSize:  cfg.ReadBufferSize,
			WriteBufferSize: cfg.WriteBufferSize,
			CheckOrigin:     cfg.CheckOrigin,
		},
	}
}

// RegisterRoutes registers the WebSocket endpoint with an HTTP mux.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws", h.HandleConnection)
}

// HandleConnection upgrades the request and serves the connection until it
// drops. Cleanup is synchronous with the transport close signal: the
// deferred teardown runs in the same tick the read loop exits.
func (h *Handler) HandleConnection(w http.ResponseWriter, r *http.Request) {
	ws, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade connection")
		return
	}

	conn := newConnection(uuid.NewString(), ws, h.cfg)
	go conn.writePump()

	log.Info().Str("conn_id", conn.ID).Str("remote", r.RemoteAddr).Msg("connection established")
	h.serve(conn)
}

// serve runs one connection's session: the first frame must be join-room;
// everything after is dispatched to the joined room. A panic in one
// handler must never take other rooms down with it.
func (h *Handler) serve(conn *Connection) {
	s := &session{conn: conn, registry: h.registry, store: h.store}

	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Interface("panic", rec).Str("conn_id", conn.ID).
				Msg("recovered from session panic")
		}
		s.teardown()
	}()

	conn.configureRead()
	for {
		frame, err := conn.readFrame()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure, websocket.CloseAbnormalClosure) {
				log.Debug().Err(err).Str("conn_id", conn.ID).Msg("unexpected close")
			}
			return
		}

		ev, err := protocol.DecodeClientEvent(frame)
		if err != nil {
			if errors.Is(err, protocol.ErrUnknownEvent) {
				log.Debug().Err(err).Str("conn_id", conn.ID).Msg("ignoring unknown event")
			} else {
				log.Debug().Err(err).Str("conn_id", conn.ID).Msg("ignoring malformed frame")
			}
			continue
		}

		if done := s.dispatch(ev); done {
			return
		}
	}
}

// session holds one connection's identity once it has joined a room.
type session struct {
	conn     *Connection
	registry *room.Registry
	store    state.Store

	room        *room.Room
	roomCode    string
	displayName string
}

func (s *session) joined() bool { return s.room != nil }

// dispatch routes one decoded event. It returns true when the connection
// must close (failed authorization).
func (s *session) dispatch(ev protocol.ClientEvent) bool {
	// The store bounds every call with its own timeout; the request
	// context is not usable after the hijack.
	ctx := context.Background()

	if !s.joined() {
		// join-room must be the first event; anything else before a
		// successful join is dropped.
		join, ok := ev.(protocol.JoinRoom)
		if !ok {
			log.Debug().Str("conn_id", s.conn.ID).Msg("dropping event from unjoined connection")
			return false
		}
		return s.handleJoin(ctx, join)
	}

	switch ev := ev.(type) {
	case protocol.JoinRoom:
		log.Debug().Str("conn_id", s.conn.ID).Msg("ignoring repeated join-room")
	case protocol.Offer:
		s.room.SendTo(ev.To, protocol.EventOffer, protocol.OfferPayload{
			From:  s.conn.ID,
			Offer: ev.Offer,
		})
	case protocol.Answer:
		s.room.SendTo(ev.To, protocol.EventAnswer, protocol.AnswerPayload{
			From:   s.conn.ID,
			Answer: ev.Answer,
		})
	case protocol.ICECandidate:
		s.room.SendTo(ev.To, protocol.EventICECandidate, protocol.ICECandidatePayload{
			From:      s.conn.ID,
			Candidate: ev.Candidate,
		})
	case protocol.StartTimer:
		s.room.StartTimer(ctx, ev.Phase)
	case protocol.PauseTimer:
		s.room.PauseTimer(ctx)
	case protocol.ResumeTimer:
		s.room.ResumeTimer(ctx)
	case protocol.ResetTimer:
		s.room.ResetTimer(ctx)
	case protocol.StartPresenting:
		s.room.StartPresenting(ctx, s.conn.ID)
	case protocol.StopPresenting:
		s.room.StopPresenting(ctx, s.conn.ID)
	case protocol.RaiseHand:
		s.room.SetHand(s.conn.ID, ev.Raised)
	case protocol.ChatMessage:
		s.room.Chat(s.conn.ID, ev.Message, ev.Type)
	}
	return false
}

// handleJoin authorizes the token and admits the connection. Authorization
// is just a namespaced existence check against the store: the token was
// minted by the issuing API for exactly one room and stays valid for its
// TTL, reuse included.
func (s *session) handleJoin(ctx context.Context, join protocol.JoinRoom) bool {
	valid, err := s.store.TokenExists(ctx, join.RoomCode, join.Token)
	if err != nil {
		// Fail closed: without the store we cannot tell a good token
		// from a bad one, so the connection is dropped unadmitted.
		log.Error().Err(err).Str("conn_id", s.conn.ID).Str("room_code", join.RoomCode).
			Msg("token lookup failed, closing connection")
		s.conn.Close()
		return true
	}
	if !valid {
		s.sendEvent(protocol.EventError, protocol.ErrorPayload{
			Message: "Invalid room token",
			Code:    protocol.CodeInvalidToken,
		})
		log.Warn().Str("conn_id", s.conn.ID).Str("room_code", join.RoomCode).
			Msg("rejected join with invalid token")
		s.conn.Close()
		return true
	}

	p := room.NewParticipant(s.conn.ID, join.DisplayName, s.conn)
	rm, snapshot, err := s.registry.Admit(ctx, join.RoomCode, p)
	if err != nil {
		log.Error().Err(err).Str("conn_id", s.conn.ID).Str("room_code", join.RoomCode).
			Msg("admit failed, closing connection")
		s.conn.Close()
		return true
	}

	s.room = rm
	s.roomCode = join.RoomCode
	s.displayName = join.DisplayName

	payload := protocol.RoomJoinedPayload{Participants: snapshot.Participants}
	if snapshot.Timer != nil {
		st := snapshot.Timer
		remaining := st.Remaining
		startedAt := st.StartedAt
		payload.TimerState = &protocol.TimerInfo{
			Status:    string(st.Status),
			Phase:     string(st.Phase),
			Remaining: &remaining,
			StartedAt: &startedAt,
		}
	}
	if snapshot.Presenter != "" {
		presenter := snapshot.Presenter
		payload.Presenter = &presenter
	}
	s.sendEvent(protocol.EventRoomJoined, payload)
	return false
}

// teardown runs exactly once when the read loop exits, removing the
// participant before the connection itself is torn down.
func (s *session) teardown() {
	if s.joined() {
		s.registry.Remove(context.Background(), s.roomCode, s.conn.ID)
	}
	s.conn.Close()
}

func (s *session) sendEvent(event protocol.EventType, payload any) {
	frame, err := protocol.Marshal(event, payload)
	if err != nil {
		log.Error().Err(err).Str("event", string(event)).Msg("failed to marshal frame")
		return
	}
	s.conn.Send(frame)
}
