package room

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/flowsync/coordinator/internal/protocol"
	"github.com/flowsync/coordinator/internal/state"
	"github.com/flowsync/coordinator/internal/timer"
)

type recorderOutbox struct {
	mu     sync.Mutex
	frames [][]byte
}

func (r *recorderOutbox) Send(frame []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
}

func (r *recorderOutbox) envelopes(t *testing.T) []protocol.Envelope {
	t.Helper()
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]protocol.Envelope, 0, len(r.frames))
	for _, frame := range r.frames {
		var env protocol.Envelope
		require.NoError(t, json.Unmarshal(frame, &env))
		out = append(out, env)
	}
	return out
}

func (r *recorderOutbox) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func decodePayload[T any](t *testing.T, env protocol.Envelope) T {
	t.Helper()
	var payload T
	require.NoError(t, json.Unmarshal(env.Data, &payload))
	return payload
}

type fixture struct {
	store    *state.MemoryStore
	clock    *clockwork.FakeClock
	registry *Registry
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	store := state.NewMemoryStore()
	clock := clockwork.NewFakeClock()
	timers := timer.NewCoordinator(clock, nil)
	return &fixture{
		store:    store,
		clock:    clock,
		registry: NewRegistry(store, timers, clock, nil),
	}
}

func (f *fixture) admit(t *testing.T, roomCode, connID, name string) (*Room, Snapshot, *recorderOutbox) {
	t.Helper()
	out := &recorderOutbox{}
	r, snapshot, err := f.registry.Admit(context.Background(), roomCode, NewParticipant(connID, name, out))
	require.NoError(t, err)
	return r, snapshot, out
}

func TestAdmitReturnsSnapshotAndNotifiesRest(t *testing.T) {
	f := newFixture(t)

	_, snapA, outA := f.admit(t, "ROOM1", "conn-a", "Ada")
	assert.Len(t, snapA.Participants, 1)

	_, snapB, outB := f.admit(t, "ROOM1", "conn-b", "Bob")
	assert.Len(t, snapB.Participants, 2)
	assert.Empty(t, snapB.Presenter)
	assert.Nil(t, snapB.Timer)

	// Only the existing member hears about the join.
	envsA := outA.envelopes(t)
	require.Len(t, envsA, 1)
	assert.Equal(t, protocol.EventUserJoined, envsA[0].Event)
	joined := decodePayload[protocol.UserJoinedPayload](t, envsA[0])
	assert.Equal(t, "conn-b", joined.SocketID)
	assert.Equal(t, "Bob", joined.DisplayName)

	assert.Zero(t, outB.count())
}

func TestSnapshotReflectsCommittedTimerAndPresenter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, _ := f.admit(t, "ROOM1", "conn-a", "Ada")
	r.StartTimer(ctx, "work")
	r.StartPresenting(ctx, "conn-a")

	_, snap, _ := f.admit(t, "ROOM1", "conn-b", "Bob")
	require.NotNil(t, snap.Timer)
	assert.Equal(t, timer.StatusRunning, snap.Timer.Status)
	assert.Equal(t, 1500, snap.Timer.Remaining)
	assert.Equal(t, "conn-a", snap.Presenter)
}

func TestRemoveNotifiesAndClearsOwnedPresenter(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, _ := f.admit(t, "ROOM1", "conn-a", "Ada")
	_, _, outB := f.admit(t, "ROOM1", "conn-b", "Bob")

	r.StartPresenting(ctx, "conn-a")
	f.registry.Remove(ctx, "ROOM1", "conn-a")

	envs := outB.envelopes(t)
	require.Len(t, envs, 3)
	assert.Equal(t, protocol.EventPresenterChanged, envs[0].Event)
	assert.Equal(t, protocol.EventUserLeft, envs[1].Event)
	assert.Equal(t, protocol.EventPresenterChanged, envs[2].Event)

	left := decodePayload[protocol.UserLeftPayload](t, envs[1])
	assert.Equal(t, "conn-a", left.SocketID)
	cleared := decodePayload[protocol.PresenterChangedPayload](t, envs[2])
	assert.Nil(t, cleared.PresenterID)

	presenter, err := f.store.Presenter(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Empty(t, presenter)
}

func TestRemoveDoesNotClearOthersPresenterSlot(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, _ := f.admit(t, "ROOM1", "conn-a", "Ada")
	_, _, outB := f.admit(t, "ROOM1", "conn-b", "Bob")

	r.StartPresenting(ctx, "conn-b")
	f.registry.Remove(ctx, "ROOM1", "conn-a")

	presenter, err := f.store.Presenter(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", presenter)

	for _, env := range outB.envelopes(t)[1:] {
		if env.Event == protocol.EventPresenterChanged {
			payload := decodePayload[protocol.PresenterChangedPayload](t, env)
			require.NotNil(t, payload.PresenterID)
		}
	}
}

func TestSoleParticipantDisconnectTearsDownRoom(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, _ := f.admit(t, "ROOM1", "conn-a", "Ada")
	r.StartPresenting(ctx, "conn-a")

	f.registry.Remove(ctx, "ROOM1", "conn-a")

	assert.Empty(t, f.registry.Roster("ROOM1"))

	// The presenter slot is cleared in the store even though no local
	// connection was left to observe the broadcast.
	presenter, err := f.store.Presenter(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Empty(t, presenter)
}

func TestStartPresentingLastWriterWins(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")
	f.admit(t, "ROOM1", "conn-b", "Bob")

	r.StartPresenting(ctx, "conn-a")
	r.StartPresenting(ctx, "conn-b")

	presenter, err := f.store.Presenter(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", presenter)

	var changes []string
	for _, env := range outA.envelopes(t) {
		if env.Event != protocol.EventPresenterChanged {
			continue
		}
		payload := decodePayload[protocol.PresenterChangedPayload](t, env)
		require.NotNil(t, payload.PresenterID)
		changes = append(changes, *payload.PresenterID)
	}
	assert.Equal(t, []string{"conn-a", "conn-b"}, changes)
}

func TestStaleStopPresentingIsIgnored(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")

	r.StartPresenting(ctx, "conn-a")
	r.StartPresenting(ctx, "conn-b")
	before := outA.count()

	r.StopPresenting(ctx, "conn-a")

	presenter, err := f.store.Presenter(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Equal(t, "conn-b", presenter)
	assert.Equal(t, before, outA.count())
}

func TestRelayToAbsentTargetIsSilentlyDropped(t *testing.T) {
	f := newFixture(t)

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")

	r.SendTo("conn-ghost", protocol.EventOffer, protocol.OfferPayload{
		From:  "conn-a",
		Offer: json.RawMessage(`{"sdp":"v=0"}`),
	})

	assert.Zero(t, outA.count())
}

func TestRelayStampsSenderOnDelivery(t *testing.T) {
	f := newFixture(t)

	r, _, _ := f.admit(t, "ROOM1", "conn-a", "Ada")
	_, _, outB := f.admit(t, "ROOM1", "conn-b", "Bob")

	r.SendTo("conn-b", protocol.EventICECandidate, protocol.ICECandidatePayload{
		From:      "conn-a",
		Candidate: json.RawMessage(`{"candidate":"candidate:0"}`),
	})

	envs := outB.envelopes(t)
	require.Len(t, envs, 1)
	assert.Equal(t, protocol.EventICECandidate, envs[0].Event)
	payload := decodePayload[protocol.ICECandidatePayload](t, envs[0])
	assert.Equal(t, "conn-a", payload.From)
	assert.JSONEq(t, `{"candidate":"candidate:0"}`, string(payload.Candidate))
}

func TestHandRaiseEchoesToSender(t *testing.T) {
	f := newFixture(t)

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")
	_, _, outB := f.admit(t, "ROOM1", "conn-b", "Bob")

	r.SetHand("conn-a", true)

	for _, out := range []*recorderOutbox{outA, outB} {
		envs := out.envelopes(t)
		last := envs[len(envs)-1]
		assert.Equal(t, protocol.EventHandRaised, last.Event)
		payload := decodePayload[protocol.HandRaisedPayload](t, last)
		assert.Equal(t, "conn-a", payload.SocketID)
		assert.True(t, payload.Raised)
	}
}

func TestChatRelayExcludesSenderAndStamps(t *testing.T) {
	f := newFixture(t)

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")
	_, _, outB := f.admit(t, "ROOM1", "conn-b", "Bob")
	sentAt := f.clock.Now().UnixMilli()

	before := outA.count()
	r.Chat("conn-a", "hello", "")

	assert.Equal(t, before, outA.count())

	envs := outB.envelopes(t)
	last := envs[len(envs)-1]
	require.Equal(t, protocol.EventChatMessage, last.Event)
	payload := decodePayload[protocol.ChatMessagePayload](t, last)
	assert.Equal(t, "conn-a", payload.SenderID)
	assert.Equal(t, "Ada", payload.SenderName)
	assert.Equal(t, "hello", payload.Message)
	assert.Equal(t, "text", payload.Type)
	assert.Equal(t, sentAt, payload.Timestamp)
}

func TestTimerLifecycleBroadcasts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")

	r.StartTimer(ctx, "work")
	f.clock.Advance(10 * time.Second)
	r.PauseTimer(ctx)
	r.ResumeTimer(ctx)
	f.clock.Advance(5 * time.Second)
	r.PauseTimer(ctx)
	r.ResetTimer(ctx)

	envs := outA.envelopes(t)
	require.Len(t, envs, 5)

	start := decodePayload[protocol.TimerInfo](t, envs[0])
	assert.Equal(t, "running", start.Status)
	assert.Equal(t, "work", start.Phase)
	require.NotNil(t, start.Remaining)
	assert.Equal(t, 1500, *start.Remaining)
	require.NotNil(t, start.StartedAt)

	pause := decodePayload[protocol.TimerInfo](t, envs[1])
	assert.Equal(t, "paused", pause.Status)
	require.NotNil(t, pause.Remaining)
	assert.Equal(t, 1490, *pause.Remaining)

	resume := decodePayload[protocol.TimerInfo](t, envs[2])
	assert.Equal(t, "running", resume.Status)
	require.NotNil(t, resume.Remaining)
	assert.Equal(t, 1490, *resume.Remaining)
	require.NotNil(t, resume.StartedAt)

	pause2 := decodePayload[protocol.TimerInfo](t, envs[3])
	require.NotNil(t, pause2.Remaining)
	assert.Equal(t, 1485, *pause2.Remaining)

	reset := decodePayload[protocol.TimerInfo](t, envs[4])
	assert.Equal(t, "stopped", reset.Status)
	assert.Nil(t, reset.Remaining)

	st, err := f.store.TimerState(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestResumeWhileStoppedIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")

	r.ResumeTimer(ctx)
	assert.Zero(t, outA.count())

	st, err := f.store.TimerState(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestPauseWhilePausedIsNoOp(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r, _, outA := f.admit(t, "ROOM1", "conn-a", "Ada")

	r.StartTimer(ctx, "work")
	r.PauseTimer(ctx)
	before := outA.count()

	r.PauseTimer(ctx)
	assert.Equal(t, before, outA.count())
}

// brokenStore fails every timer and presenter mutation, standing in for a
// store outage.
type brokenStore struct {
	*state.MemoryStore
}

var errStoreDown = errors.New("store down")

func (b brokenStore) SetTimerState(context.Context, string, timer.State) error {
	return errStoreDown
}

func (b brokenStore) SetPresenter(context.Context, string, string) error {
	return errStoreDown
}

func TestStoreFailureAbortsWithoutBroadcast(t *testing.T) {
	store := brokenStore{state.NewMemoryStore()}
	clock := clockwork.NewFakeClock()
	registry := NewRegistry(store, timer.NewCoordinator(clock, nil), clock, nil)

	outA := &recorderOutbox{}
	r, _, err := registry.Admit(context.Background(), "ROOM1", NewParticipant("conn-a", "Ada", outA))
	require.NoError(t, err)

	ctx := context.Background()
	r.StartTimer(ctx, "work")
	r.StartPresenting(ctx, "conn-a")

	// Fail closed: no partial commit, no stale broadcast.
	assert.Zero(t, outA.count())
	st, err := store.TimerState(ctx, "ROOM1")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestRoomsAreIsolated(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	r1, _, out1 := f.admit(t, "ROOM1", "conn-a", "Ada")
	_, _, out2 := f.admit(t, "ROOM2", "conn-b", "Bob")

	r1.StartTimer(ctx, "work")
	r1.SetHand("conn-a", true)

	assert.Zero(t, out2.count())
	assert.NotZero(t, out1.count())

	st, err := f.store.TimerState(ctx, "ROOM2")
	require.NoError(t, err)
	assert.Nil(t, st)
}

func TestDeliverLocalSkipsUnknownRoom(t *testing.T) {
	f := newFixture(t)

	// Frames from other instances for rooms with no local members are
	// dropped without creating a room entry.
	f.registry.DeliverLocal("ROOM-ELSEWHERE", []byte(`{"event":"user-left"}`))
	assert.Empty(t, f.registry.Roster("ROOM-ELSEWHERE"))
}
