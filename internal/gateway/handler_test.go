package gateway

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsync/coordinator/internal/protocol"
	"github.com/flowsync/coordinator/internal/room"
	"github.com/flowsync/coordinator/internal/state"
	"github.com/flowsync/coordinator/internal/timer"
)

type testServer struct {
	store    *state.MemoryStore
	registry *room.Registry
	srv      *httptest.Server
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	store := state.NewMemoryStore()
	clock := clockwork.NewRealClock()
	registry := room.NewRegistry(store, timer.NewCoordinator(clock, nil), clock, nil)
	handler := NewHandler(registry, store, DefaultConfig())

	srv := httptest.NewServer(http.HandlerFunc(handler.HandleConnection))
	t.Cleanup(srv.Close)
	return &testServer{store: store, registry: registry, srv: srv}
}

func (s *testServer) dial(t *testing.T) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(s.srv.URL, "http") + "/ws"
	ws, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { ws.Close() })
	return ws
}

func send(t *testing.T, ws *websocket.Conn, event protocol.EventType, payload any) {
	t.Helper()
	frame, err := protocol.Marshal(event, payload)
	require.NoError(t, err)
	require.NoError(t, ws.WriteMessage(websocket.TextMessage, frame))
}

func read(t *testing.T, ws *websocket.Conn) protocol.Envelope {
	t.Helper()
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := ws.ReadMessage()
	require.NoError(t, err)
	var env protocol.Envelope
	require.NoError(t, json.Unmarshal(frame, &env))
	return env
}

func TestJoinWithValidToken(t *testing.T) {
	s := newTestServer(t)
	s.store.PutToken("ROOM1", "good-token")

	ws := s.dial(t)
	send(t, ws, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomCode:    "ROOM1",
		Token:       "good-token",
		DisplayName: "Ada",
	})

	env := read(t, ws)
	require.Equal(t, protocol.EventRoomJoined, env.Event)

	var payload protocol.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	require.Len(t, payload.Participants, 1)
	assert.Equal(t, "Ada", payload.Participants[0].DisplayName)
	assert.Nil(t, payload.TimerState)
	assert.Nil(t, payload.Presenter)

	assert.Len(t, s.registry.Roster("ROOM1"), 1)
}

func TestJoinWithInvalidToken(t *testing.T) {
	s := newTestServer(t)

	ws := s.dial(t)
	send(t, ws, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomCode:    "ROOM1",
		Token:       "forged",
		DisplayName: "Mallory",
	})

	env := read(t, ws)
	require.Equal(t, protocol.EventError, env.Event)
	var payload protocol.ErrorPayload
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	assert.Equal(t, protocol.CodeInvalidToken, payload.Code)

	// The server closes after the error frame; the rejected connection
	// never shows up in any roster.
	ws.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := ws.ReadMessage()
	assert.Error(t, err)
	assert.Empty(t, s.registry.Roster("ROOM1"))
}

func TestEventsBeforeJoinAreIgnored(t *testing.T) {
	s := newTestServer(t)
	s.store.PutToken("ROOM1", "good-token")

	ws := s.dial(t)
	send(t, ws, protocol.EventRaiseHand, protocol.RaiseHandPayload{Raised: true})
	send(t, ws, protocol.EventStartTimer, protocol.StartTimerPayload{Phase: "work"})

	send(t, ws, protocol.EventJoinRoom, protocol.JoinRoomPayload{
		RoomCode:    "ROOM1",
		Token:       "good-token",
		DisplayName: "Ada",
	})

	env := read(t, ws)
	assert.Equal(t, protocol.EventRoomJoined, env.Event)
}

func TestSignalingRelayBetweenPeers(t *testing.T) {
	s := newTestServer(t)
	s.store.PutToken("ROOM1", "good-token")

	wsA := s.dial(t)
	send(t, wsA, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomCode: "ROOM1", Token: "good-token", DisplayName: "Ada"})
	joinedA := read(t, wsA)
	var snapA protocol.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(joinedA.Data, &snapA))
	connA := snapA.Participants[0].SocketID

	wsB := s.dial(t)
	send(t, wsB, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomCode: "ROOM1", Token: "good-token", DisplayName: "Bob"})
	read(t, wsB)

	// A learns B's connection id from the user-joined broadcast.
	userJoined := read(t, wsA)
	require.Equal(t, protocol.EventUserJoined, userJoined.Event)
	var joined protocol.UserJoinedPayload
	require.NoError(t, json.Unmarshal(userJoined.Data, &joined))

	send(t, wsA, protocol.EventOffer, protocol.OfferPayload{
		To:    joined.SocketID,
		Offer: json.RawMessage(`{"sdp":"v=0","type":"offer"}`),
	})

	env := read(t, wsB)
	require.Equal(t, protocol.EventOffer, env.Event)
	var offer protocol.OfferPayload
	require.NoError(t, json.Unmarshal(env.Data, &offer))
	assert.Equal(t, connA, offer.From)
	assert.JSONEq(t, `{"sdp":"v=0","type":"offer"}`, string(offer.Offer))
}

func TestDisconnectBroadcastsUserLeft(t *testing.T) {
	s := newTestServer(t)
	s.store.PutToken("ROOM1", "good-token")

	wsA := s.dial(t)
	send(t, wsA, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomCode: "ROOM1", Token: "good-token", DisplayName: "Ada"})
	read(t, wsA)

	wsB := s.dial(t)
	send(t, wsB, protocol.EventJoinRoom, protocol.JoinRoomPayload{RoomCode: "ROOM1", Token: "good-token", DisplayName: "Bob"})
	joinedB := read(t, wsB)
	var snapB protocol.RoomJoinedPayload
	require.NoError(t, json.Unmarshal(joinedB.Data, &snapB))

	userJoined := read(t, wsA)
	require.Equal(t, protocol.EventUserJoined, userJoined.Event)
	var joined protocol.UserJoinedPayload
	require.NoError(t, json.Unmarshal(userJoined.Data, &joined))

	require.NoError(t, wsB.Close())

	env := read(t, wsA)
	require.Equal(t, protocol.EventUserLeft, env.Event)
	var left protocol.UserLeftPayload
	require.NoError(t, json.Unmarshal(env.Data, &left))
	assert.Equal(t, joined.SocketID, left.SocketID)

	require.Eventually(t, func() bool {
		return len(s.registry.Roster("ROOM1")) == 1
	}, 2*time.Second, 10*time.Millisecond)
}
