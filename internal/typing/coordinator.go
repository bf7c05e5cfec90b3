// Package typing debounces local keystroke bursts into start/stop signals
// and surfaces the active peer's remote typing record as boolean state.
package typing

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/model"
)

// Backend is the typing slice of the remote store.
type Backend interface {
	WriteTyping(ctx context.Context, recipientID string, isTyping bool) error
	FetchTyping(ctx context.Context, peerID string) (*model.TypingRecord, error)
}

// Coordinator tracks one local typing burst at a time, scoped to the
// active peer. The debounce timer is periodic: each expiry checks elapsed
// time since the last keystroke instead of restarting per keystroke.
type Coordinator struct {
	userID   string
	backend  Backend
	bus      *bus.Bus
	clk      clock.Clock
	debounce time.Duration
	logger   *zap.Logger

	mu           sync.Mutex
	peer         string
	lastActivity time.Time
	ticker       clock.Ticker
	tickerDone   chan struct{}
	remote       map[string]bool
}

// NewCoordinator creates a coordinator with the given debounce duration.
func NewCoordinator(userID string, backend Backend, b *bus.Bus, clk clock.Clock, debounce time.Duration, logger *zap.Logger) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		userID:   userID,
		backend:  backend,
		bus:      b,
		clk:      clk,
		debounce: debounce,
		logger:   logger,
		remote:   make(map[string]bool),
	}
}

// SetActivePeer scopes local and remote typing signals to one peer. A
// burst in progress toward the previous peer is stopped first.
func (c *Coordinator) SetActivePeer(ctx context.Context, peerID string) {
	c.mu.Lock()
	if c.peer == peerID {
		c.mu.Unlock()
		return
	}
	prev := c.peer
	burst := c.stopTimerLocked()
	c.peer = peerID
	c.mu.Unlock()

	if burst {
		c.writeTyping(ctx, prev, false)
	}
}

// Activity records one local keystroke. The first keystroke of a burst
// publishes "typing started" and arms the debounce timer; every further
// keystroke only refreshes the last-activity timestamp.
func (c *Coordinator) Activity(ctx context.Context) {
	c.mu.Lock()
	c.lastActivity = c.clk.Now()
	if c.ticker != nil || c.peer == "" {
		c.mu.Unlock()
		return
	}
	peer := c.peer
	done := make(chan struct{})
	c.ticker = c.clk.NewTicker(c.debounce)
	c.tickerDone = done
	tick := c.ticker.C()
	c.mu.Unlock()

	c.writeTyping(ctx, peer, true)

	go func() {
		for {
			select {
			case <-tick:
				if c.expire(ctx, peer) {
					return
				}
			case <-done:
				return
			}
		}
	}()
}

// expire publishes "typing stopped" when a full debounce interval has
// passed since the last keystroke. Returns true once the burst ended.
func (c *Coordinator) expire(ctx context.Context, peer string) bool {
	c.mu.Lock()
	if c.ticker == nil {
		c.mu.Unlock()
		return true
	}
	if c.clk.Now().Sub(c.lastActivity) < c.debounce {
		c.mu.Unlock()
		return false
	}
	c.stopTimerLocked()
	c.mu.Unlock()

	c.writeTyping(ctx, peer, false)
	return true
}

// Stop ends a burst in progress, publishing "typing stopped" immediately.
// Called when a chat closes or on shutdown.
func (c *Coordinator) Stop(ctx context.Context) {
	c.mu.Lock()
	peer := c.peer
	burst := c.stopTimerLocked()
	c.mu.Unlock()

	if burst {
		c.writeTyping(ctx, peer, false)
	}
}

func (c *Coordinator) stopTimerLocked() bool {
	if c.ticker == nil {
		return false
	}
	c.ticker.Stop()
	c.ticker = nil
	close(c.tickerDone)
	c.tickerDone = nil
	return true
}

// writeTyping is best-effort: a failed publish is invisible to the user.
func (c *Coordinator) writeTyping(ctx context.Context, peer string, isTyping bool) {
	if peer == "" {
		return
	}
	if err := c.backend.WriteTyping(ctx, peer, isTyping); err != nil {
		c.logger.Warn("typing publish failed",
			zap.String("peer", peer), zap.Bool("is_typing", isTyping), zap.Error(err))
	}
}

// PollRemote checks the active peer's typing record and emits a
// typing.changed event only when the boolean state actually flipped.
func (c *Coordinator) PollRemote(ctx context.Context) {
	c.mu.Lock()
	peer := c.peer
	c.mu.Unlock()
	if peer == "" {
		return
	}

	rec, err := c.backend.FetchTyping(ctx, peer)
	if err != nil {
		c.logger.Warn("typing poll failed", zap.String("peer", peer), zap.Error(err))
		return
	}
	isTyping := rec != nil && rec.IsTyping

	c.mu.Lock()
	changed := c.remote[peer] != isTyping
	c.remote[peer] = isTyping
	c.mu.Unlock()

	if changed && c.bus != nil {
		c.bus.Publish(bus.Event{
			Kind:      bus.KindTypingChanged,
			Timestamp: time.Now(),
			Payload:   &model.TypingChange{UserID: peer, IsTyping: isTyping},
		})
	}
}
