package model

// Event payloads published on the bus. One type per event kind so UI
// subscribers can type-assert without reaching into maps.

// StatusChange is the payload for message.status events.
type StatusChange struct {
	ChatID    string
	MessageID string
	Status    Status
}

// Edited is the payload for message.edited events. Text carries the
// currently visible body, which on a compensating revert is the pre-edit
// text.
type Edited struct {
	ChatID    string
	MessageID string
	Text      string
}

// Deleted is the payload for message.deleted events.
type Deleted struct {
	ChatID      string
	MessageID   string
	ForEveryone bool
}

// TypingChange is the payload for typing.changed events.
type TypingChange struct {
	UserID   string
	IsTyping bool
}

// PresenceChange is the payload for presence.changed events.
type PresenceChange struct {
	UserID     string
	Status     string
	StatusText string
}
