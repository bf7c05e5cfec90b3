// Package delivery owns the outbound message state machine
// (Sending -> {Sent | Error}, Sent -> Delivered, Delivered -> Read) and
// the read/edit/delete flows with their compensating actions.
package delivery

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/cache"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/model"
)

// Validation errors surfaced to the caller before any optimistic change.
var (
	ErrUnknownMessage = errors.New("unknown message")
	ErrNotOwn         = errors.New("message was not authored by this user")
	ErrDeleted        = errors.New("message is deleted")
	ErrEditWindow     = errors.New("edit window expired")
	ErrNotFailed      = errors.New("message did not fail")
)

// Backend is the write side of the remote store used by the coordinator.
type Backend interface {
	EnsureChat(ctx context.Context, otherUserID string) (string, error)
	WriteMessage(ctx context.Context, m *model.Message) error
	UpdateChatPreview(ctx context.Context, chatID, preview string, at int64) error
	WriteReceipt(ctx context.Context, messageID string, status model.Status) error
	MarkMessageRead(ctx context.Context, chatID, messageID string) error
	EditMessage(ctx context.Context, chatID, messageID, text string, editedAt int64) error
	DeleteMessage(ctx context.Context, chatID, messageID string) error
	ClearHistory(ctx context.Context, chatID string) error
}

// Coordinator performs sends, receipts, edits, and deletions. Every
// caller-facing method returns immediately; network work runs off the
// interactive path and reports back through cache events.
type Coordinator struct {
	userID  string
	backend Backend
	cache   *cache.Cache
	bus     *bus.Bus
	clk     clock.Clock
	logger  *zap.Logger
}

// NewCoordinator creates a coordinator acting as userID.
func NewCoordinator(userID string, backend Backend, c *cache.Cache, b *bus.Bus, clk clock.Clock, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		userID:  userID,
		backend: backend,
		cache:   c,
		bus:     b,
		clk:     clk,
		logger:  logger,
	}
}

// Send authors a message to receiverID, surfaces it immediately with
// status Sending, and attempts the remote write in the background. The
// returned message carries the identifier the backend must echo back.
func (c *Coordinator) Send(ctx context.Context, receiverID, text string, att *model.Attachment) *model.Message {
	m := &model.Message{
		ID:         uuid.NewString(),
		SenderID:   c.userID,
		ReceiverID: receiverID,
		ChatID:     model.ChatID(c.userID, receiverID),
		Text:       text,
		Attachment: att,
		Timestamp:  c.clk.Now().UnixMilli(),
		Status:     model.StatusSending,
	}
	c.cache.AddLocal(m.ChatID, m)

	go c.deliver(context.WithoutCancel(ctx), m)
	return m
}

// deliver runs the network leg of a send. Success moves the message to
// Sent, refreshes the chat preview, and writes the delivery receipt;
// failure moves it to Error and leaves the preview untouched.
func (c *Coordinator) deliver(ctx context.Context, m *model.Message) {
	if _, err := c.backend.EnsureChat(ctx, m.ReceiverID); err != nil {
		c.logger.Warn("ensure chat failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}

	if err := c.backend.WriteMessage(ctx, m); err != nil {
		c.logger.Warn("send failed",
			zap.String("msg_id", m.ID), zap.String("chat_id", m.ChatID), zap.Error(err))
		c.cache.AdvanceStatus(m.ChatID, m.ID, model.StatusError)
		return
	}
	c.cache.AdvanceStatus(m.ChatID, m.ID, model.StatusSent)

	if err := c.backend.UpdateChatPreview(ctx, m.ChatID, previewText(m), m.Timestamp); err != nil {
		c.logger.Warn("chat preview update failed", zap.String("chat_id", m.ChatID), zap.Error(err))
	}

	// Delivered here means the backend accepted the write and the receipt
	// record exists, not that the peer's client observed the message.
	if err := c.backend.WriteReceipt(ctx, m.ID, model.StatusDelivered); err != nil {
		c.logger.Warn("delivery receipt failed", zap.String("msg_id", m.ID), zap.Error(err))
		return
	}
	c.cache.AdvanceStatus(m.ChatID, m.ID, model.StatusDelivered)
}

// Retry re-sends a failed message as a brand new message with a new
// identifier. The failed record keeps its terminal status.
func (c *Coordinator) Retry(ctx context.Context, chatID, messageID string) (*model.Message, error) {
	m, ok := c.cache.Get(chatID, messageID)
	if !ok {
		return nil, ErrUnknownMessage
	}
	if m.Status != model.StatusError && m.Status != model.StatusFailed {
		return nil, ErrNotFailed
	}
	return c.Send(ctx, m.ReceiverID, m.Text, m.Attachment), nil
}

// MarkRead marks an inbound message read. Outbound and already-read
// messages are ignored, making the call idempotent. The remote read
// flag and receipt are best-effort.
func (c *Coordinator) MarkRead(ctx context.Context, chatID, messageID string) {
	m, ok := c.cache.Get(chatID, messageID)
	if !ok || m.Outbound(c.userID) || m.IsRead {
		return
	}
	c.cache.MarkRead(chatID, messageID)
	c.cache.AdvanceStatus(chatID, messageID, model.StatusRead)

	go c.publishRead(context.WithoutCancel(ctx), chatID, messageID)
}

func (c *Coordinator) publishRead(ctx context.Context, chatID, messageID string) {
	if err := c.backend.MarkMessageRead(ctx, chatID, messageID); err != nil {
		c.logger.Warn("remote mark read failed", zap.String("msg_id", messageID), zap.Error(err))
	}
	if err := c.backend.WriteReceipt(ctx, messageID, model.StatusRead); err != nil {
		c.logger.Warn("read receipt failed", zap.String("msg_id", messageID), zap.Error(err))
	}
}

// Edit optimistically replaces the message text, then attempts the remote
// edit. A failed remote edit reverts text and edited-flag to their
// pre-edit values; there is no retry. Only the author may edit, only
// non-deleted messages, and only within the edit window.
func (c *Coordinator) Edit(ctx context.Context, chatID, messageID, newText string) error {
	m, ok := c.cache.Get(chatID, messageID)
	if !ok {
		return ErrUnknownMessage
	}
	if !m.Outbound(c.userID) {
		return ErrNotOwn
	}
	if m.IsDeleted {
		return ErrDeleted
	}
	if c.clk.Now().UnixMilli()-m.Timestamp >= model.EditWindow.Milliseconds() {
		return ErrEditWindow
	}

	prevText, prevEdited, _ := c.cache.SetText(chatID, messageID, newText, true)

	go c.publishEdit(context.WithoutCancel(ctx), chatID, messageID, newText, prevText, prevEdited)
	return nil
}

func (c *Coordinator) publishEdit(ctx context.Context, chatID, messageID, newText, prevText string, prevEdited bool) {
	err := c.backend.EditMessage(ctx, chatID, messageID, newText, c.clk.Now().UnixMilli())
	if err == nil {
		return
	}
	c.logger.Warn("remote edit failed, reverting",
		zap.String("msg_id", messageID), zap.Error(err))
	c.cache.SetText(chatID, messageID, prevText, prevEdited)
}

// Delete removes a message. For-me flips a local-only flag and keeps the
// record; for-everyone removes it from the cache and from the backend,
// re-inserting locally when the remote delete fails.
func (c *Coordinator) Delete(ctx context.Context, chatID, messageID string, forEveryone bool) error {
	if !forEveryone {
		if !c.cache.SetDeleted(chatID, messageID) {
			return ErrUnknownMessage
		}
		return nil
	}

	m, ok := c.cache.Remove(chatID, messageID)
	if !ok {
		return ErrUnknownMessage
	}
	go c.publishDelete(context.WithoutCancel(ctx), chatID, messageID, m)
	return nil
}

func (c *Coordinator) publishDelete(ctx context.Context, chatID, messageID string, m *model.Message) {
	if err := c.backend.DeleteMessage(ctx, chatID, messageID); err != nil {
		c.logger.Warn("remote delete failed, restoring",
			zap.String("msg_id", messageID), zap.Error(err))
		c.cache.Restore(chatID, m)
		return
	}
	c.bus.Publish(bus.Event{
		Kind:      bus.KindMessageDeleted,
		Timestamp: time.Now(),
		Payload:   &model.Deleted{ChatID: chatID, MessageID: messageID, ForEveryone: true},
	})
}

// ClearHistory wipes a chat remotely and locally. Irreversible.
func (c *Coordinator) ClearHistory(ctx context.Context, chatID string) error {
	if err := c.backend.ClearHistory(ctx, chatID); err != nil {
		return err
	}
	c.cache.Clear(chatID)
	return nil
}

// OpenChat ensures the chat record for a peer exists and returns its
// deterministic identifier. Called when the user opens a conversation.
func (c *Coordinator) OpenChat(ctx context.Context, otherUserID string) (string, error) {
	return c.backend.EnsureChat(ctx, otherUserID)
}

func previewText(m *model.Message) string {
	if m.Attachment != nil {
		return "[file: " + m.Attachment.Name + "]"
	}
	return truncate(m.Text, 100)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
