package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
)

// ErrUnknownEvent is returned for frames whose tag is not a client event.
var ErrUnknownEvent = errors.New("unknown event")

// ClientEvent is one decoded inbound frame. The implementations form a
// closed set so dispatch is an exhaustive type switch rather than a
// string-keyed lookup.
type ClientEvent interface {
	clientEvent()
}

type JoinRoom JoinRoomPayload

type Offer OfferPayload

type Answer AnswerPayload

type ICECandidate ICECandidatePayload

type StartTimer StartTimerPayload

type PauseTimer struct{}

type ResumeTimer struct{}

type ResetTimer struct{}

type StartPresenting struct{}

type StopPresenting struct{}

type RaiseHand RaiseHandPayload

type ChatMessage ChatMessagePayload

func (JoinRoom) clientEvent()        {}
func (Offer) clientEvent()           {}
func (Answer) clientEvent()          {}
func (ICECandidate) clientEvent()    {}
func (StartTimer) clientEvent()      {}
func (PauseTimer) clientEvent()      {}
func (ResumeTimer) clientEvent()     {}
func (ResetTimer) clientEvent()      {}
func (StartPresenting) clientEvent() {}
func (StopPresenting) clientEvent()  {}
func (RaiseHand) clientEvent()       {}
func (ChatMessage) clientEvent()     {}

// DecodeClientEvent parses a raw frame into its typed event.
func DecodeClientEvent(frame []byte) (ClientEvent, error) {
	var env Envelope
	if err := json.Unmarshal(frame, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}

	unmarshal := func(v any) error {
		if len(env.Data) == 0 {
			return nil
		}
		if err := json.Unmarshal(env.Data, v); err != nil {
			return fmt.Errorf("decode %s payload: %w", env.Event, err)
		}
		return nil
	}

	switch env.Event {
	case EventJoinRoom:
		var ev JoinRoom
		return ev, unmarshal(&ev)
	case EventOffer:
		var ev Offer
		return ev, unmarshal(&ev)
	case EventAnswer:
		var ev Answer
		return ev, unmarshal(&ev)
	case EventICECandidate:
		var ev ICECandidate
		return ev, unmarshal(&ev)
	case EventStartTimer:
		var ev StartTimer
		return ev, unmarshal(&ev)
	case EventPauseTimer:
		return PauseTimer{}, nil
	case EventResumeTimer:
		return ResumeTimer{}, nil
	case EventResetTimer:
		return ResetTimer{}, nil
	case EventStartPresenting:
		return StartPresenting{}, nil
	case EventStopPresenting:
		return StopPresenting{}, nil
	case EventRaiseHand:
		var ev RaiseHand
		return ev, unmarshal(&ev)
	case EventChatMessage:
		var ev ChatMessage
		return ev, unmarshal(&ev)
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
}
