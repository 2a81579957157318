package state

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/flowsync/coordinator/internal/timer"
)

const defaultOpTimeout = 2 * time.Second

// clearPresenterIfScript deletes the presenter key only while it still
// holds the expected connection id. Compare-and-delete has to happen
// server-side so a stale stop-presenting cannot clear a superseding
// presenter, even with multiple coordinator instances on one store.
var clearPresenterIfScript = redis.NewScript(`
if redis.call("get", KEYS[1]) == ARGV[1] then
	return redis.call("del", KEYS[1])
end
return 0
`)

// RedisStore implements Store on a Redis client. Every call runs under a
// bounded timeout; a timeout or transport error surfaces as ErrUnavailable.
type RedisStore struct {
	client      *redis.Client
	tokenPrefix string
	opTimeout   time.Duration
}

// NewRedisStore wraps a Redis client. tokenPrefix is the issuing API's key
// namespace for join tokens (its cache prefix); pass "" if the issuer
// writes unprefixed keys.
func NewRedisStore(client *redis.Client, tokenPrefix string, opTimeout time.Duration) *RedisStore {
	if opTimeout <= 0 {
		opTimeout = defaultOpTimeout
	}
	return &RedisStore{client: client, tokenPrefix: tokenPrefix, opTimeout: opTimeout}
}

func (s *RedisStore) tokenKey(roomCode, token string) string {
	return fmt.Sprintf("%sroom:%s:token:%s", s.tokenPrefix, roomCode, token)
}

func (s *RedisStore) timerKey(roomCode string) string {
	return fmt.Sprintf("room:%s:timer", roomCode)
}

func (s *RedisStore) presenterKey(roomCode string) string {
	return fmt.Sprintf("room:%s:presenter", roomCode)
}

func (s *RedisStore) participantsKey(roomCode string) string {
	return fmt.Sprintf("room:%s:participants", roomCode)
}

func (s *RedisStore) bound(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, s.opTimeout)
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%w: %s: %v", ErrUnavailable, op, err)
}

// TokenExists reports whether the issuing API has a live token entry for
// the room. Existence is the whole check; TTL is the store's business.
func (s *RedisStore) TokenExists(ctx context.Context, roomCode, token string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.tokenKey(roomCode, token)).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, unavailable("get token", err)
	}
	return val != "", nil
}

func (s *RedisStore) TimerState(ctx context.Context, roomCode string) (*timer.State, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	fields, err := s.client.HGetAll(ctx, s.timerKey(roomCode)).Result()
	if err != nil {
		return nil, unavailable("get timer", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}

	st := &timer.State{
		Status: timer.Status(fields["status"]),
		Phase:  timer.Phase(fields["type"]),
	}
	st.Remaining, _ = strconv.Atoi(fields["remaining"])
	st.StartedAt, _ = strconv.ParseInt(fields["started_at"], 10, 64)
	st.PausedAt, _ = strconv.ParseInt(fields["paused_at"], 10, 64)
	return st, nil
}

// SetTimerState writes every field of the transition in a single HSET so a
// reader can never observe a half-applied transition.
func (s *RedisStore) SetTimerState(ctx context.Context, roomCode string, st timer.State) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	fields := map[string]interface{}{
		"status":     string(st.Status),
		"type":       string(st.Phase),
		"remaining":  strconv.Itoa(st.Remaining),
		"started_at": strconv.FormatInt(st.StartedAt, 10),
		"paused_at":  strconv.FormatInt(st.PausedAt, 10),
	}
	if err := s.client.HSet(ctx, s.timerKey(roomCode), fields).Err(); err != nil {
		return unavailable("set timer", err)
	}
	return nil
}

func (s *RedisStore) ClearTimerState(ctx context.Context, roomCode string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Del(ctx, s.timerKey(roomCode)).Err(); err != nil {
		return unavailable("clear timer", err)
	}
	return nil
}

func (s *RedisStore) Presenter(ctx context.Context, roomCode string) (string, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	val, err := s.client.Get(ctx, s.presenterKey(roomCode)).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", unavailable("get presenter", err)
	}
	return val, nil
}

func (s *RedisStore) SetPresenter(ctx context.Context, roomCode, connID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.Set(ctx, s.presenterKey(roomCode), connID, 0).Err(); err != nil {
		return unavailable("set presenter", err)
	}
	return nil
}

func (s *RedisStore) ClearPresenterIf(ctx context.Context, roomCode, connID string) (bool, error) {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	res, err := clearPresenterIfScript.Run(ctx, s.client, []string{s.presenterKey(roomCode)}, connID).Int64()
	if err != nil {
		return false, unavailable("clear presenter", err)
	}
	return res == 1, nil
}

func (s *RedisStore) AddParticipant(ctx context.Context, roomCode, connID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.SAdd(ctx, s.participantsKey(roomCode), connID).Err(); err != nil {
		return unavailable("add participant", err)
	}
	return nil
}

func (s *RedisStore) RemoveParticipant(ctx context.Context, roomCode, connID string) error {
	ctx, cancel := s.bound(ctx)
	defer cancel()

	if err := s.client.SRem(ctx, s.participantsKey(roomCode), connID).Err(); err != nil {
		return unavailable("remove participant", err)
	}
	return nil
}
