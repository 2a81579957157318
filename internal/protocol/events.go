package protocol

import (
	"encoding/json"
	"fmt"
)

// EventType identifies an event on the wire. The set is closed: anything
// outside it fails to decode with ErrUnknownEvent.
type EventType string

const (
	// Client -> server.
	EventJoinRoom        EventType = "join-room"
	EventStartTimer      EventType = "start-timer"
	EventPauseTimer      EventType = "pause-timer"
	EventResumeTimer     EventType = "resume-timer"
	EventResetTimer      EventType = "reset-timer"
	EventStartPresenting EventType = "start-presenting"
	EventStopPresenting  EventType = "stop-presenting"
	EventRaiseHand       EventType = "raise-hand"

	// Server -> client.
	EventRoomJoined       EventType = "room-joined"
	EventError            EventType = "error"
	EventUserJoined       EventType = "user-joined"
	EventUserLeft         EventType = "user-left"
	EventTimerUpdate      EventType = "timer-update"
	EventPresenterChanged EventType = "presenter-changed"
	EventHandRaised       EventType = "hand-raised"

	// Both directions.
	EventOffer        EventType = "offer"
	EventAnswer       EventType = "answer"
	EventICECandidate EventType = "ice-candidate"
	EventChatMessage  EventType = "chat-message"
)

// Envelope is the frame format: a tag plus an event-specific payload.
type Envelope struct {
	Event EventType       `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// Marshal wraps a payload in an envelope and encodes the whole frame.
func Marshal(event EventType, payload any) ([]byte, error) {
	env := Envelope{Event: event}
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", event, err)
		}
		env.Data = data
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal %s envelope: %w", event, err)
	}
	return frame, nil
}
