package bus

import "time"

// Event is a domain event published on the bus.
type Event struct {
	Kind      string
	Timestamp time.Time
	Payload   any
}

// Event kinds emitted by the core. UI subscribers typically use the
// "message." / "typing." / "presence." prefixes.
const (
	KindMessageNew     = "message.new"
	KindMessageStatus  = "message.status"
	KindMessageEdited  = "message.edited"
	KindMessageDeleted = "message.deleted"
	KindTypingChanged  = "typing.changed"
	KindPresenceChange = "presence.changed"
)
