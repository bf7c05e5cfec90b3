// Package cache is the single source of truth for "have we already
// surfaced this message". It keeps one ordered entry per chat with an
// identifier set for O(1) dedup, mirrors entries to per-chat files, and
// publishes message events for every accepted mutation.
package cache

import (
	"sort"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/model"
)

// Cache maps chat identifier to an ordered message sequence. All entry
// access is serialized by one mutex so a concurrent Reconcile and AddLocal
// cannot corrupt the identifier set or double-insert.
type Cache struct {
	mu      sync.Mutex
	entries map[string]*entry

	dir       string // "" disables the on-disk mirror
	batchSize int

	bus    *bus.Bus
	logger *zap.Logger
	wg     sync.WaitGroup
}

// entry invariant: known's key set is exactly the identifier set of
// messages, and messages is non-decreasing by timestamp at insertion.
// sinceFlush counts insertions since the last durable flush.
type entry struct {
	messages   []*model.Message
	known      map[string]*model.Message
	sinceFlush int
}

// New creates a cache persisting to dir, flushing a chat's file after
// every batchSize-th insertion. An empty dir keeps the cache memory-only.
func New(dir string, batchSize int, b *bus.Bus, logger *zap.Logger) *Cache {
	if batchSize <= 0 {
		batchSize = 10
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Cache{
		entries:   make(map[string]*entry),
		dir:       dir,
		batchSize: batchSize,
		bus:       b,
		logger:    logger,
	}
}

func (c *Cache) entryLocked(chatID string) *entry {
	e, ok := c.entries[chatID]
	if !ok {
		e = &entry{known: make(map[string]*model.Message)}
		c.entries[chatID] = e
	}
	return e
}

// Reconcile folds a freshly fetched remote message set into the chat's
// entry. Unknown identifiers are inserted at their sorted position and
// produce one message.new each; known identifiers never re-fire
// message.new, but forward status transitions, edits, and delete flags
// observed on the remote copy are applied and produce their own events.
// Idempotent under re-fetch of an unchanged window.
func (c *Cache) Reconcile(chatID string, remote []model.Message) {
	c.mu.Lock()
	e := c.entryLocked(chatID)

	var events []bus.Event
	inserted := 0
	for i := range remote {
		m := remote[i]
		if local, ok := e.known[m.ID]; ok {
			events = append(events, c.mergeLocked(chatID, local, &m)...)
			continue
		}
		cp := m
		e.insert(&cp)
		inserted++
		events = append(events, event(bus.KindMessageNew, snapshot(&cp)))
	}
	if inserted > 0 {
		c.maybeFlushLocked(chatID, e)
	}
	c.mu.Unlock()

	c.publish(events)
}

// mergeLocked applies remotely observed mutations to an already-known
// message. Regressions (a remote copy lagging behind local state) are
// ignored.
func (c *Cache) mergeLocked(chatID string, local *model.Message, remote *model.Message) []bus.Event {
	var events []bus.Event

	for _, step := range model.Advance(local.Status, remote.Status) {
		local.Status = step
		events = append(events, event(bus.KindMessageStatus, &model.StatusChange{
			ChatID: chatID, MessageID: local.ID, Status: step,
		}))
	}
	if remote.IsRead && !local.IsRead {
		local.IsRead = true
	}
	if remote.IsEdited && remote.Text != local.Text {
		local.Text = remote.Text
		local.IsEdited = true
		events = append(events, event(bus.KindMessageEdited, &model.Edited{
			ChatID: chatID, MessageID: local.ID, Text: local.Text,
		}))
	}
	if remote.IsDeleted && !local.IsDeleted {
		local.IsDeleted = true
		events = append(events, event(bus.KindMessageDeleted, &model.Deleted{
			ChatID: chatID, MessageID: local.ID,
		}))
	}
	return events
}

// AddLocal inserts a locally authored message before its network round
// trip completes so the UI reflects it immediately. The backend echo must
// carry the same identifier or it counts as a distinct message. Returns
// false for an already-known identifier.
func (c *Cache) AddLocal(chatID string, m *model.Message) bool {
	c.mu.Lock()
	e := c.entryLocked(chatID)
	if _, ok := e.known[m.ID]; ok {
		c.mu.Unlock()
		return false
	}
	cp := *m
	e.insert(&cp)
	c.maybeFlushLocked(chatID, e)
	evt := event(bus.KindMessageNew, snapshot(&cp))
	c.mu.Unlock()

	c.publish([]bus.Event{evt})
	return true
}

// insert places m after every cached message whose timestamp is less than
// or equal to m's, so equal timestamps keep their arrival order and
// previously-inserted messages never move relative to one another.
func (e *entry) insert(m *model.Message) {
	idx := sort.Search(len(e.messages), func(i int) bool {
		return e.messages[i].Timestamp > m.Timestamp
	})
	e.messages = append(e.messages, nil)
	copy(e.messages[idx+1:], e.messages[idx:])
	e.messages[idx] = m
	e.known[m.ID] = m
	e.sinceFlush++
}

// AdvanceStatus moves a message's status toward target following the
// delivery state machine, one event per distinct transition. Returns false
// when the target is unreachable (regression or terminal state).
func (c *Cache) AdvanceStatus(chatID, messageID string, target model.Status) bool {
	c.mu.Lock()
	local, ok := c.lookupLocked(chatID, messageID)
	if !ok {
		c.mu.Unlock()
		return false
	}
	steps := model.Advance(local.Status, target)
	if len(steps) == 0 {
		c.mu.Unlock()
		return false
	}
	var events []bus.Event
	for _, step := range steps {
		local.Status = step
		events = append(events, event(bus.KindMessageStatus, &model.StatusChange{
			ChatID: chatID, MessageID: messageID, Status: step,
		}))
	}
	c.mu.Unlock()

	c.publish(events)
	return true
}

// SetText replaces a message's body and edited flag, returning the prior
// values so a failed remote edit can be compensated. Publishes
// message.edited with the now-visible text.
func (c *Cache) SetText(chatID, messageID, text string, edited bool) (prevText string, prevEdited bool, ok bool) {
	c.mu.Lock()
	local, found := c.lookupLocked(chatID, messageID)
	if !found {
		c.mu.Unlock()
		return "", false, false
	}
	prevText, prevEdited = local.Text, local.IsEdited
	local.Text = text
	local.IsEdited = edited
	evt := event(bus.KindMessageEdited, &model.Edited{
		ChatID: chatID, MessageID: messageID, Text: text,
	})
	c.mu.Unlock()

	c.publish([]bus.Event{evt})
	return prevText, prevEdited, true
}

// MarkRead flips the read flag. Returns false if the message is unknown or
// already read, making repeated calls idempotent.
func (c *Cache) MarkRead(chatID, messageID string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	local, ok := c.lookupLocked(chatID, messageID)
	if !ok || local.IsRead {
		return false
	}
	local.IsRead = true
	return true
}

// SetDeleted flags a message deleted-for-self. The record stays cached
// with its body hidden from display.
func (c *Cache) SetDeleted(chatID, messageID string) bool {
	c.mu.Lock()
	local, ok := c.lookupLocked(chatID, messageID)
	if !ok || local.IsDeleted {
		c.mu.Unlock()
		return false
	}
	local.IsDeleted = true
	evt := event(bus.KindMessageDeleted, &model.Deleted{
		ChatID: chatID, MessageID: messageID,
	})
	c.mu.Unlock()

	c.publish([]bus.Event{evt})
	return true
}

// Remove drops a message from the entry without publishing anything; the
// delete-for-everyone flow announces the removal only once the remote
// delete succeeds, and Restore undoes it when it does not.
func (c *Cache) Remove(chatID, messageID string) (*model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok {
		return nil, false
	}
	local, ok := e.known[messageID]
	if !ok {
		return nil, false
	}
	delete(e.known, messageID)
	for i, m := range e.messages {
		if m.ID == messageID {
			e.messages = append(e.messages[:i], e.messages[i+1:]...)
			break
		}
	}
	cp := *local
	return &cp, true
}

// Restore re-inserts a previously removed message without re-announcing it.
func (c *Cache) Restore(chatID string, m *model.Message) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e := c.entryLocked(chatID)
	if _, ok := e.known[m.ID]; ok {
		return
	}
	cp := *m
	e.insert(&cp)
}

// Get returns a copy of one cached message.
func (c *Cache) Get(chatID, messageID string) (model.Message, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	local, ok := c.lookupLocked(chatID, messageID)
	if !ok {
		return model.Message{}, false
	}
	return *local, true
}

// Messages returns a copy of the chat's ordered message sequence.
func (c *Cache) Messages(chatID string) []model.Message {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok {
		return nil
	}
	out := make([]model.Message, len(e.messages))
	for i, m := range e.messages {
		out[i] = *m
	}
	return out
}

// UnreadCount counts cached inbound messages not yet marked read.
func (c *Cache) UnreadCount(chatID, userID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[chatID]
	if !ok {
		return 0
	}
	n := 0
	for _, m := range e.messages {
		if m.SenderID != userID && !m.IsRead && !m.IsDeleted {
			n++
		}
	}
	return n
}

// Chats lists every chat identifier with a cache entry.
func (c *Cache) Chats() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]string, 0, len(c.entries))
	for id := range c.entries {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Clear drops the chat's entry and deletes its durable file. Irreversible.
func (c *Cache) Clear(chatID string) {
	c.mu.Lock()
	delete(c.entries, chatID)
	c.mu.Unlock()
	c.removeFile(chatID)
}

func (c *Cache) lookupLocked(chatID, messageID string) (*model.Message, bool) {
	e, ok := c.entries[chatID]
	if !ok {
		return nil, false
	}
	m, ok := e.known[messageID]
	return m, ok
}

func (c *Cache) publish(events []bus.Event) {
	if c.bus == nil {
		return
	}
	for _, evt := range events {
		c.bus.Publish(evt)
	}
}

func event(kind string, payload any) bus.Event {
	return bus.Event{Kind: kind, Timestamp: time.Now(), Payload: payload}
}

func snapshot(m *model.Message) *model.Message {
	cp := *m
	return &cp
}
