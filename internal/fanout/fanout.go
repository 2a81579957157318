// Package fanout bridges room broadcasts across coordinator instances over
// NATS. The local roster stays authoritative per instance (clients need
// session affinity); every locally originated broadcast is republished on
// rooms.events.<code> and remote frames are delivered to this instance's
// connections only.
package fanout

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/rs/zerolog/log"
)

const subjectPrefix = "rooms.events."

// Config holds NATS connection settings.
type Config struct {
	URL           string
	MaxReconnects int
	ReconnectWait time.Duration
}

func DefaultConfig() Config {
	return Config{
		URL:           nats.DefaultURL,
		MaxReconnects: -1,
		ReconnectWait: 2 * time.Second,
	}
}

// envelope wraps a broadcast frame with its origin so an instance ignores
// its own publications.
type envelope struct {
	Instance string          `json:"instance"`
	RoomCode string          `json:"room_code"`
	Frame    json.RawMessage `json:"frame"`
}

// Deliverer receives frames published by other instances.
type Deliverer interface {
	DeliverLocal(roomCode string, frame []byte)
}

// Fanout publishes local broadcasts and subscribes to remote ones.
type Fanout struct {
	nc         *nats.Conn
	instanceID string
	sub        *nats.Subscription
}

func New(cfg Config, instanceID string) (*Fanout, error) {
	opts := []nats.Option{
		nats.MaxReconnects(cfg.MaxReconnects),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.DisconnectErrHandler(func(nc *nats.Conn, err error) {
			log.Error().Err(err).Msg("NATS disconnected")
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info().Str("url", nc.ConnectedUrl()).Msg("NATS reconnected")
		}),
		nats.ErrorHandler(func(nc *nats.Conn, sub *nats.Subscription, err error) {
			log.Error().Err(err).Msg("NATS error")
		}),
	}

	nc, err := nats.Connect(cfg.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to NATS: %w", err)
	}

	return &Fanout{nc: nc, instanceID: instanceID}, nil
}

// Publish forwards one locally originated broadcast frame. Best-effort:
// a publish failure is logged, local delivery already happened.
func (f *Fanout) Publish(roomCode string, frame []byte) {
	data, err := json.Marshal(envelope{
		Instance: f.instanceID,
		RoomCode: roomCode,
		Frame:    frame,
	})
	if err != nil {
		log.Error().Err(err).Str("room_code", roomCode).Msg("failed to marshal fanout envelope")
		return
	}
	if err := f.nc.Publish(subjectPrefix+roomCode, data); err != nil {
		log.Error().Err(err).Str("room_code", roomCode).Msg("failed to publish broadcast")
	}
}

// Subscribe starts delivering remote frames to the given deliverer.
func (f *Fanout) Subscribe(deliverer Deliverer) error {
	sub, err := f.nc.Subscribe(subjectPrefix+">", func(msg *nats.Msg) {
		var env envelope
		if err := json.Unmarshal(msg.Data, &env); err != nil {
			log.Error().Err(err).Str("subject", msg.Subject).Msg("failed to unmarshal fanout envelope")
			return
		}
		if env.Instance == f.instanceID {
			return
		}
		deliverer.DeliverLocal(env.RoomCode, env.Frame)
	})
	if err != nil {
		return fmt.Errorf("subscribe to %s>: %w", subjectPrefix, err)
	}
	f.sub = sub
	log.Info().Str("instance", f.instanceID).Msg("cross-instance fanout subscribed")
	return nil
}

// Close drains the subscription and closes the connection.
func (f *Fanout) Close() {
	if f.sub != nil {
		if err := f.sub.Drain(); err != nil {
			log.Error().Err(err).Msg("failed to drain fanout subscription")
		}
	}
	if f.nc != nil {
		f.nc.Close()
	}
}
