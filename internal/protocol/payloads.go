package protocol

import "encoding/json"

// Error codes carried on EventError frames.
const (
	CodeInvalidToken = "INVALID_TOKEN"
)

// ParticipantInfo describes one roster entry. The wire field is socket_id
// for compatibility with existing clients.
type ParticipantInfo struct {
	SocketID    string `json:"socket_id"`
	DisplayName string `json:"display_name"`
}

// TimerInfo is the timer portion of snapshots and timer-update frames.
// Remaining and StartedAt are omitted when the transition does not carry them.
type TimerInfo struct {
	Status    string `json:"status"`
	Phase     string `json:"type,omitempty"`
	Remaining *int   `json:"remaining,omitempty"`
	StartedAt *int64 `json:"started_at,omitempty"`
}

type JoinRoomPayload struct {
	RoomCode    string `json:"room_code"`
	Token       string `json:"token"`
	DisplayName string `json:"display_name"`
}

type RoomJoinedPayload struct {
	Participants []ParticipantInfo `json:"participants"`
	TimerState   *TimerInfo        `json:"timer_state"`
	Presenter    *string           `json:"presenter"`
}

type ErrorPayload struct {
	Message string `json:"message"`
	Code    string `json:"code"`
}

type UserJoinedPayload struct {
	SocketID    string `json:"socket_id"`
	DisplayName string `json:"display_name"`
}

type UserLeftPayload struct {
	SocketID string `json:"socket_id"`
}

// OfferPayload, AnswerPayload and ICECandidatePayload are the three peer
// negotiation messages. The coordinator stamps From and never inspects the
// opaque body.
type OfferPayload struct {
	To    string          `json:"to,omitempty"`
	From  string          `json:"from,omitempty"`
	Offer json.RawMessage `json:"offer"`
}

type AnswerPayload struct {
	To     string          `json:"to,omitempty"`
	From   string          `json:"from,omitempty"`
	Answer json.RawMessage `json:"answer"`
}

type ICECandidatePayload struct {
	To        string          `json:"to,omitempty"`
	From      string          `json:"from,omitempty"`
	Candidate json.RawMessage `json:"candidate"`
}

type StartTimerPayload struct {
	Phase string `json:"type"`
}

type PresenterChangedPayload struct {
	PresenterID *string `json:"presenter_id"`
}

type RaiseHandPayload struct {
	Raised bool `json:"raised"`
}

type HandRaisedPayload struct {
	SocketID string `json:"socket_id"`
	Raised   bool   `json:"raised"`
}

// ChatMessagePayload is used both inbound (Message, Type) and outbound,
// where the sender identity and timestamp are stamped by the coordinator.
type ChatMessagePayload struct {
	SenderID   string `json:"sender_id,omitempty"`
	SenderName string `json:"sender_name,omitempty"`
	Message    string `json:"message"`
	Type       string `json:"type,omitempty"`
	Timestamp  int64  `json:"timestamp,omitempty"`
}
