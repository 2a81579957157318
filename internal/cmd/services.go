package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog/log"

	"github.com/flowsync/coordinator/internal/fanout"
	"github.com/flowsync/coordinator/internal/gateway"
	"github.com/flowsync/coordinator/internal/room"
	"github.com/flowsync/coordinator/internal/state"
	"github.com/flowsync/coordinator/internal/timer"
)

type Services struct {
	Store    *state.RedisStore
	Registry *room.Registry
	Gateway  *gateway.Handler
	Fanout   *fanout.Fanout
}

func setupServices(cfg *Config) (*Services, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
	}
	log.Info().Str("addr", cfg.Redis.Addr).Msg("connected to redis")

	store := state.NewRedisStore(client, cfg.Redis.TokenPrefix, time.Duration(cfg.Redis.OpTimeoutMS)*time.Millisecond)

	clock := clockwork.NewRealClock()
	durations := make(map[timer.Phase]int, len(cfg.Timer.Durations))
	for phase, seconds := range cfg.Timer.Durations {
		durations[timer.Phase(phase)] = seconds
	}
	timers := timer.NewCoordinator(clock, durations)

	var (
		fn        *fanout.Fanout
		publisher room.Publisher
	)
	if cfg.NATS.URL != "" {
		fanoutCfg := fanout.DefaultConfig()
		fanoutCfg.URL = cfg.NATS.URL
		var err error
		fn, err = fanout.New(fanoutCfg, uuid.NewString())
		if err != nil {
			return nil, fmt.Errorf("setup fanout: %w", err)
		}
		publisher = fn
	}

	registry := room.NewRegistry(store, timers, clock, publisher)

	if fn != nil {
		if err := fn.Subscribe(registry); err != nil {
			fn.Close()
			return nil, fmt.Errorf("subscribe fanout: %w", err)
		}
	}

	return &Services{
		Store:    store,
		Registry: registry,
		Gateway:  gateway.NewHandler(registry, store, gateway.DefaultConfig()),
		Fanout:   fn,
	}, nil
}
