// Package model holds the domain types shared by the cache, the backend
// client, and the coordinators.
package model

import (
	"sort"
	"time"
)

// Status is the delivery state of a message.
type Status string

const (
	StatusSending   Status = "sending"
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
	StatusError     Status = "error"
	StatusFailed    Status = "failed"
)

// validTransitions defines the allowed forward edges of the delivery state
// machine. Error and Failed are terminal: a retry starts a new message with
// a new identifier.
var validTransitions = map[Status][]Status{
	StatusSending:   {StatusSent, StatusError, StatusFailed},
	StatusSent:      {StatusDelivered},
	StatusDelivered: {StatusRead},
}

// CanTransition reports whether from -> to is a single allowed edge.
func CanTransition(from, to Status) bool {
	for _, s := range validTransitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// Terminal reports whether a status accepts no further transitions.
func Terminal(s Status) bool {
	return s == StatusError || s == StatusFailed || s == StatusRead
}

// Advance returns the ordered sequence of transitions required to move from
// one status to another, one allowed edge at a time. A remote record that
// says "read" while the local copy still says "sent" yields
// [delivered, read]. Returns nil when the target is unreachable, which
// covers every regression (read -> sent) and every hop out of a terminal
// state.
func Advance(from, to Status) []Status {
	if from == to {
		return nil
	}
	var steps []Status
	cur := from
	for cur != to {
		next, ok := stepToward(cur, to)
		if !ok {
			return nil
		}
		steps = append(steps, next)
		cur = next
	}
	return steps
}

func stepToward(from, to Status) (Status, bool) {
	if CanTransition(from, to) {
		return to, true
	}
	// The only multi-hop path is along the delivery chain.
	switch from {
	case StatusSending:
		if to == StatusDelivered || to == StatusRead {
			return StatusSent, true
		}
	case StatusSent:
		if to == StatusRead {
			return StatusDelivered, true
		}
	}
	return "", false
}

// Attachment describes an inline file payload carried by a message.
type Attachment struct {
	Name string `json:"name"`
	Size int64  `json:"size"`
	Data string `json:"data,omitempty"` // base64 payload
}

// Message is a single chat message. The identifier is assigned by the
// sender at creation time and is globally unique. Timestamp is unix
// milliseconds from the sender's clock; the backend echo is authoritative.
type Message struct {
	ID         string      `json:"messageId"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	ChatID     string      `json:"chatId"`
	Text       string      `json:"text"`
	Attachment *Attachment `json:"attachment,omitempty"`
	Timestamp  int64       `json:"timestamp"`
	Status     Status      `json:"status"`
	IsRead     bool        `json:"isRead"`
	IsEdited   bool        `json:"isEdited"`
	IsDeleted  bool        `json:"isDeleted"` // deleted for self; body hidden, record kept
}

// Outbound reports whether the message was authored by the given user.
func (m *Message) Outbound(userID string) bool {
	return m.SenderID == userID
}

// Chat is a two-party conversation. The identifier is a deterministic,
// order-independent function of the participants.
type Chat struct {
	ID             string `json:"chatId"`
	Participant1ID string `json:"participant1Id"`
	Participant2ID string `json:"participant2Id"`
	Created        int64  `json:"created"`
	LastMessage    string `json:"lastMessage"`
	LastMessageAt  int64  `json:"lastMessageTime"`
}

// PresenceRecord is the authoritative last-writer-wins presence state of
// one user.
type PresenceRecord struct {
	Status     string `json:"status"` // online, away, offline
	StatusText string `json:"statusText"`
	LastSeen   int64  `json:"lastSeen"`
}

const (
	PresenceOnline  = "online"
	PresenceAway    = "away"
	PresenceOffline = "offline"
)

// TypingRecord is the ephemeral per (recipient, sender) typing signal.
// Presence of the record means the sender is typing.
type TypingRecord struct {
	UserID   string `json:"userId"`
	IsTyping bool   `json:"isTyping"`
	At       int64  `json:"timestamp"`
}

// ChatID derives the conversation identifier for two participants. The
// result does not depend on argument order.
func ChatID(userA, userB string) string {
	ids := []string{userA, userB}
	sort.Strings(ids)
	return ids[0] + "_" + ids[1]
}

// EditWindow is how long a sender may edit their own message, measured
// from the message timestamp.
const EditWindow = 48 * time.Hour
