package cache

import (
	"encoding/json"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/model"
)

// chatFile is the durable per-chat format. Every Message field round-trips
// through it losslessly.
type chatFile struct {
	LastUpdate int64            `json:"lastUpdate"`
	Messages   []*model.Message `json:"messages"`
}

// maybeFlushLocked kicks an asynchronous flush of the chat's file once
// batchSize insertions have accumulated since the last flush. A bulk
// reconcile that crosses the boundary in one call still flushes, however
// many messages it inserted. A failed write is only logged; the next
// boundary rewrites the whole snapshot anyway, so nothing is lost from
// memory.
func (c *Cache) maybeFlushLocked(chatID string, e *entry) {
	if c.dir == "" {
		return
	}
	if e.sinceFlush < c.batchSize {
		return
	}
	e.sinceFlush = 0
	snap := make([]*model.Message, len(e.messages))
	for i, m := range e.messages {
		cp := *m
		snap[i] = &cp
	}
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		if err := c.writeFile(chatID, snap); err != nil {
			c.logger.Warn("cache flush failed",
				zap.String("chat_id", chatID), zap.Error(err))
		}
	}()
}

// Load repopulates entries from every durable chat file. Called once at
// startup, before the first poll. Corrupt files are skipped and logged.
func (c *Cache) Load() error {
	if c.dir == "" {
		return nil
	}
	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	for _, de := range dirents {
		name := de.Name()
		if de.IsDir() || !strings.HasSuffix(name, ".json") {
			continue
		}
		chatID, err := url.PathUnescape(strings.TrimSuffix(name, ".json"))
		if err != nil {
			c.logger.Warn("cache file name not decodable, skipping", zap.String("file", name))
			continue
		}
		data, err := os.ReadFile(filepath.Join(c.dir, name))
		if err != nil {
			c.logger.Warn("cache file unreadable", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		var cf chatFile
		if err := json.Unmarshal(data, &cf); err != nil {
			c.logger.Warn("cache file corrupt, skipping", zap.String("chat_id", chatID), zap.Error(err))
			continue
		}
		e := &entry{known: make(map[string]*model.Message, len(cf.Messages))}
		// Files are written in cached order; trust it and rebuild the set.
		for _, m := range cf.Messages {
			if m == nil || m.ID == "" {
				continue
			}
			if _, dup := e.known[m.ID]; dup {
				continue
			}
			e.messages = append(e.messages, m)
			e.known[m.ID] = m
		}
		c.entries[chatID] = e
		c.logger.Info("cache loaded",
			zap.String("chat_id", chatID), zap.Int("messages", len(e.messages)))
	}
	return nil
}

// FlushAll synchronously writes every chat's file. Used at shutdown and by
// tests that need deterministic persistence.
func (c *Cache) FlushAll() error {
	if c.dir == "" {
		return nil
	}
	c.mu.Lock()
	snaps := make(map[string][]*model.Message, len(c.entries))
	for chatID, e := range c.entries {
		snap := make([]*model.Message, len(e.messages))
		for i, m := range e.messages {
			cp := *m
			snap[i] = &cp
		}
		snaps[chatID] = snap
	}
	c.mu.Unlock()

	var firstErr error
	for chatID, snap := range snaps {
		if err := c.writeFile(chatID, snap); err != nil {
			c.logger.Warn("cache flush failed",
				zap.String("chat_id", chatID), zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Close flushes everything and waits for in-flight batch flushes.
func (c *Cache) Close() error {
	err := c.FlushAll()
	c.wg.Wait()
	return err
}

func (c *Cache) writeFile(chatID string, msgs []*model.Message) error {
	if err := os.MkdirAll(c.dir, 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(&chatFile{
		LastUpdate: time.Now().UnixMilli(),
		Messages:   msgs,
	}, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(c.filePath(chatID), data, 0600)
}

func (c *Cache) removeFile(chatID string) {
	if c.dir == "" {
		return
	}
	if err := os.Remove(c.filePath(chatID)); err != nil && !os.IsNotExist(err) {
		c.logger.Warn("cache file delete failed",
			zap.String("chat_id", chatID), zap.Error(err))
	}
}

// filePath escapes the chat id before joining it, so an id carrying a path
// separator cannot name a file outside the cache directory.
func (c *Cache) filePath(chatID string) string {
	return filepath.Join(c.dir, url.PathEscape(chatID)+".json")
}
