// Package backend is the stateless request/response wrapper over the
// hosted store's per-resource REST URLs. It owns no state beyond
// credentials; all caching and change detection happens above it.
package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/model"
)

// Client issues reads and writes against the remote store. Resources live
// under fixed paths: /messages/{chatId}, /chats/{chatId},
// /presence/{userId}, /typing/{recipientId}/{senderId},
// /receipts/{messageId}.
type Client struct {
	http   *resty.Client
	userID string
	logger *zap.Logger
}

// New creates a client for the given backend URL acting as userID. The
// auth token, when set, rides along as a query parameter on every call.
func New(baseURL, authToken, userID string, logger *zap.Logger) *Client {
	hc := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(15 * time.Second)
	if authToken != "" {
		hc.SetQueryParam("auth", authToken)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{http: hc, userID: userID, logger: logger}
}

// UserID returns the acting user identifier.
func (c *Client) UserID() string { return c.userID }

// FetchMessages returns the current known message set for a chat, in the
// order the backend returned it. Records that fail to decode are skipped
// and logged; they never abort the fetch.
func (c *Client) FetchMessages(ctx context.Context, chatID string) ([]model.Message, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/messages/" + chatID + ".json")
	if err != nil {
		return nil, fmt.Errorf("fetch messages %s: %w", chatID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch messages %s: %s", chatID, resp.Status())
	}
	return c.decodeMessages(chatID, resp.Body()), nil
}

// decodeMessages walks a keyed JSON object token by token so the backend's
// iteration order survives into the returned slice. A plain
// map[string]Message would scramble it and break the equal-timestamp
// tie-break policy.
func (c *Client) decodeMessages(chatID string, body []byte) []model.Message {
	if isNull(body) {
		return nil
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	if tok, err := dec.Token(); err != nil || tok != json.Delim('{') {
		c.logger.Warn("unexpected messages payload", zap.String("chat_id", chatID))
		return nil
	}

	var out []model.Message
	for dec.More() {
		keyTok, err := dec.Token()
		if err != nil {
			break
		}
		key, _ := keyTok.(string)

		var raw json.RawMessage
		if err := dec.Decode(&raw); err != nil {
			break
		}
		var m model.Message
		if err := json.Unmarshal(raw, &m); err != nil {
			c.logger.Warn("skipping malformed message record",
				zap.String("chat_id", chatID), zap.String("msg_id", key), zap.Error(err))
			continue
		}
		if m.ID == "" {
			m.ID = key
		}
		if m.ChatID == "" {
			m.ChatID = chatID
		}
		out = append(out, m)
	}
	return out
}

// WriteMessage stores the message under its chat and identifier.
func (c *Client) WriteMessage(ctx context.Context, m *model.Message) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(m).
		Put("/messages/" + m.ChatID + "/" + m.ID + ".json")
	if err != nil {
		return fmt.Errorf("write message %s: %w", m.ID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("write message %s: %s", m.ID, resp.Status())
	}
	return nil
}

// EditMessage replaces the text of a stored message and flags it edited.
func (c *Client) EditMessage(ctx context.Context, chatID, messageID, text string, editedAt int64) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"text": text, "isEdited": true, "editedAt": editedAt}).
		Patch("/messages/" + chatID + "/" + messageID + ".json")
	if err != nil {
		return fmt.Errorf("edit message %s: %w", messageID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("edit message %s: %s", messageID, resp.Status())
	}
	return nil
}

// DeleteMessage removes a message record entirely (delete for everyone).
func (c *Client) DeleteMessage(ctx context.Context, chatID, messageID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/messages/" + chatID + "/" + messageID + ".json")
	if err != nil {
		return fmt.Errorf("delete message %s: %w", messageID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("delete message %s: %s", messageID, resp.Status())
	}
	return nil
}

// MarkMessageRead flips the read flag and status on the stored record.
func (c *Client) MarkMessageRead(ctx context.Context, chatID, messageID string) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"isRead": true, "status": model.StatusRead}).
		Patch("/messages/" + chatID + "/" + messageID + ".json")
	if err != nil {
		return fmt.Errorf("mark read %s: %w", messageID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("mark read %s: %s", messageID, resp.Status())
	}
	return nil
}

// ClearHistory deletes a chat's whole message subtree.
func (c *Client) ClearHistory(ctx context.Context, chatID string) error {
	resp, err := c.http.R().SetContext(ctx).Delete("/messages/" + chatID + ".json")
	if err != nil {
		return fmt.Errorf("clear history %s: %w", chatID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("clear history %s: %s", chatID, resp.Status())
	}
	return nil
}

// WriteReceipt records a secondary delivery/read receipt for a message.
func (c *Client) WriteReceipt(ctx context.Context, messageID string, status model.Status) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{
			"messageId": messageID,
			"senderId":  c.userID,
			"status":    status,
			"timestamp": time.Now().UnixMilli(),
		}).
		Put("/receipts/" + messageID + ".json")
	if err != nil {
		return fmt.Errorf("write receipt %s: %w", messageID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("write receipt %s: %s", messageID, resp.Status())
	}
	return nil
}

// EnsureChat fetches the chat record for the two participants, creating it
// when absent. Returns the deterministic chat identifier either way.
func (c *Client) EnsureChat(ctx context.Context, otherUserID string) (string, error) {
	chatID := model.ChatID(c.userID, otherUserID)

	resp, err := c.http.R().SetContext(ctx).Get("/chats/" + chatID + ".json")
	if err != nil {
		return "", fmt.Errorf("fetch chat %s: %w", chatID, err)
	}
	if !resp.IsError() && !isNull(resp.Body()) {
		return chatID, nil
	}

	now := time.Now().UnixMilli()
	chat := model.Chat{
		ID:             chatID,
		Participant1ID: c.userID,
		Participant2ID: otherUserID,
		Created:        now,
		LastMessageAt:  now,
	}
	resp, err = c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&chat).
		Put("/chats/" + chatID + ".json")
	if err != nil {
		return "", fmt.Errorf("create chat %s: %w", chatID, err)
	}
	if resp.IsError() {
		return "", fmt.Errorf("create chat %s: %s", chatID, resp.Status())
	}
	return chatID, nil
}

// FetchChats returns every chat the acting user participates in.
func (c *Client) FetchChats(ctx context.Context) ([]model.Chat, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/chats.json")
	if err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch chats: %s", resp.Status())
	}
	if isNull(resp.Body()) {
		return nil, nil
	}

	var all map[string]model.Chat
	if err := json.Unmarshal(resp.Body(), &all); err != nil {
		return nil, fmt.Errorf("fetch chats: %w", err)
	}
	var out []model.Chat
	for id, chat := range all {
		if chat.Participant1ID != c.userID && chat.Participant2ID != c.userID {
			continue
		}
		if chat.ID == "" {
			chat.ID = id
		}
		out = append(out, chat)
	}
	return out, nil
}

// UpdateChatPreview patches the denormalized last-message preview.
func (c *Client) UpdateChatPreview(ctx context.Context, chatID, preview string, at int64) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(map[string]any{"lastMessage": preview, "lastMessageTime": at}).
		Patch("/chats/" + chatID + ".json")
	if err != nil {
		return fmt.Errorf("update chat preview %s: %w", chatID, err)
	}
	if resp.IsError() {
		return fmt.Errorf("update chat preview %s: %s", chatID, resp.Status())
	}
	return nil
}

// FetchPresence returns one user's presence record, or nil when the user
// has never published one.
func (c *Client) FetchPresence(ctx context.Context, userID string) (*model.PresenceRecord, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/presence/" + userID + ".json")
	if err != nil {
		return nil, fmt.Errorf("fetch presence %s: %w", userID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch presence %s: %s", userID, resp.Status())
	}
	if isNull(resp.Body()) {
		return nil, nil
	}
	var rec model.PresenceRecord
	if err := json.Unmarshal(resp.Body(), &rec); err != nil {
		return nil, fmt.Errorf("fetch presence %s: %w", userID, err)
	}
	return &rec, nil
}

// FetchAllPresence returns every published presence record keyed by user.
func (c *Client) FetchAllPresence(ctx context.Context) (map[string]model.PresenceRecord, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/presence.json")
	if err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch presence: %s", resp.Status())
	}
	if isNull(resp.Body()) {
		return nil, nil
	}
	var recs map[string]model.PresenceRecord
	if err := json.Unmarshal(resp.Body(), &recs); err != nil {
		return nil, fmt.Errorf("fetch presence: %w", err)
	}
	return recs, nil
}

// WritePresence publishes the acting user's presence record.
func (c *Client) WritePresence(ctx context.Context, userID string, rec model.PresenceRecord) error {
	resp, err := c.http.R().SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(&rec).
		Put("/presence/" + userID + ".json")
	if err != nil {
		return fmt.Errorf("write presence: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("write presence: %s", resp.Status())
	}
	return nil
}

// FetchTyping returns the typing record a peer addressed to the acting
// user, or nil when the peer is not typing. Absence of the record is the
// "stopped" signal.
func (c *Client) FetchTyping(ctx context.Context, peerID string) (*model.TypingRecord, error) {
	resp, err := c.http.R().SetContext(ctx).Get("/typing/" + c.userID + "/" + peerID + ".json")
	if err != nil {
		return nil, fmt.Errorf("fetch typing %s: %w", peerID, err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("fetch typing %s: %s", peerID, resp.Status())
	}
	if isNull(resp.Body()) {
		return nil, nil
	}
	var rec model.TypingRecord
	if err := json.Unmarshal(resp.Body(), &rec); err != nil {
		return nil, fmt.Errorf("fetch typing %s: %w", peerID, err)
	}
	return &rec, nil
}

// WriteTyping upserts (true) or deletes (false) the acting user's typing
// record under the recipient's node.
func (c *Client) WriteTyping(ctx context.Context, recipientID string, isTyping bool) error {
	path := "/typing/" + recipientID + "/" + c.userID + ".json"
	var (
		resp *resty.Response
		err  error
	)
	if isTyping {
		resp, err = c.http.R().SetContext(ctx).
			SetHeader("Content-Type", "application/json").
			SetBody(&model.TypingRecord{UserID: c.userID, IsTyping: true, At: time.Now().UnixMilli()}).
			Put(path)
	} else {
		resp, err = c.http.R().SetContext(ctx).Delete(path)
	}
	if err != nil {
		return fmt.Errorf("write typing: %w", err)
	}
	if resp.IsError() {
		return fmt.Errorf("write typing: %s", resp.Status())
	}
	return nil
}

// isNull reports whether the store answered "resource absent". The remote
// store returns the literal null for missing paths.
func isNull(body []byte) bool {
	trimmed := bytes.TrimSpace(body)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}
