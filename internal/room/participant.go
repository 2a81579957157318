package room

// Outbox delivers marshaled frames to one live connection. Delivery is
// best-effort: implementations must not block the caller.
type Outbox interface {
	Send(frame []byte)
}

// Participant is a live connection's session identity within a room. It
// exists only while the connection is up and is never persisted.
type Participant struct {
	ConnID      string
	DisplayName string
	HandRaised  bool

	outbox Outbox
}

func NewParticipant(connID, displayName string, outbox Outbox) *Participant {
	return &Participant{ConnID: connID, DisplayName: displayName, outbox: outbox}
}
