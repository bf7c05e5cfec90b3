// Package sync drives periodic reconciliation of monitored chats, remote
// presence, and remote typing state against the local cache.
package sync

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/cache"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/model"
	"github.com/akozyrev/beacon/internal/monitor"
)

// kickDelay bounds how soon a freshly tracked chat gets its out-of-band
// reconciliation, so opening a chat never waits for the next tick.
const kickDelay = 100 * time.Millisecond

// Backend is the read side of the remote store the engine polls.
type Backend interface {
	FetchMessages(ctx context.Context, chatID string) ([]model.Message, error)
	FetchAllPresence(ctx context.Context) (map[string]model.PresenceRecord, error)
}

// PresenceSink receives each poll's presence snapshot and is responsible
// for change suppression.
type PresenceSink interface {
	Observe(recs map[string]model.PresenceRecord)
}

// TypingPoller checks the remote typing signal for the active peer.
type TypingPoller interface {
	PollRemote(ctx context.Context)
}

// Engine is the polling scheduler. One logical loop fires cooperative
// ticks; each tick triggers at most one reconciliation pass.
type Engine struct {
	backend  Backend
	cache    *cache.Cache
	registry *monitor.Registry
	presence PresenceSink
	typing   TypingPoller

	clk      clock.Clock
	interval time.Duration
	logger   *zap.Logger

	mu          sync.Mutex
	cancel      context.CancelFunc
	passRunning atomic.Bool
	passWG      sync.WaitGroup
}

// NewEngine creates a stopped engine. presence and typing may be nil when
// those coordinators are not wired (tests exercise this).
func NewEngine(backend Backend, c *cache.Cache, reg *monitor.Registry, presence PresenceSink, typing TypingPoller, clk clock.Clock, interval time.Duration, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		backend:  backend,
		cache:    c,
		registry: reg,
		presence: presence,
		typing:   typing,
		clk:      clk,
		interval: interval,
		logger:   logger,
	}
}

// Start begins the recurring tick. Calling it while running is a no-op.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.cancel != nil {
		return
	}
	ctx, e.cancel = context.WithCancel(ctx)

	ticker := e.clk.NewTicker(e.interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C():
				e.kickPass(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()
	e.logger.Info("scheduler started", zap.Duration("interval", e.interval))
}

// Stop cancels future ticks. An in-flight pass is allowed to finish.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.cancel = nil
	e.mu.Unlock()
	if cancel != nil {
		cancel()
		e.logger.Info("scheduler stopped")
	}
}

// Wait blocks until no pass is in flight. Used by shutdown and tests.
func (e *Engine) Wait() {
	e.passWG.Wait()
}

// kickPass starts one reconciliation pass unless one is already running,
// in which case the tick is skipped outright: no queueing, no coalescing.
func (e *Engine) kickPass(ctx context.Context) {
	if !e.passRunning.CompareAndSwap(false, true) {
		e.logger.Debug("pass still running, skipping tick")
		return
	}
	e.passWG.Add(1)
	go func() {
		defer e.passWG.Done()
		defer e.passRunning.Store(false)
		e.runPass(ctx)
	}()
}

// runPass reconciles every monitored chat in insertion order, then remote
// presence, then the active peer's typing signal. A failure on one chat is
// logged and the next chat is still attempted; nothing here changes
// scheduler state.
func (e *Engine) runPass(ctx context.Context) {
	for _, chatID := range e.registry.Snapshot() {
		e.reconcileChat(ctx, chatID)
	}

	if e.presence != nil {
		recs, err := e.backend.FetchAllPresence(ctx)
		if err != nil {
			e.logger.Warn("presence poll failed", zap.Error(err))
		} else {
			e.presence.Observe(recs)
		}
	}

	if e.typing != nil {
		e.typing.PollRemote(ctx)
	}
}

func (e *Engine) reconcileChat(ctx context.Context, chatID string) {
	msgs, err := e.backend.FetchMessages(ctx, chatID)
	if err != nil {
		e.logger.Warn("chat reconcile failed",
			zap.String("chat_id", chatID), zap.Error(err))
		return
	}
	e.cache.Reconcile(chatID, msgs)
}

// Track adds the chat to the monitor set and schedules one immediate
// out-of-band reconciliation of just that chat.
func (e *Engine) Track(chatID string) {
	if !e.registry.Add(chatID) {
		return
	}
	e.clk.AfterFunc(kickDelay, func() {
		e.reconcileChat(context.Background(), chatID)
	})
}

// Untrack removes the chat from the monitor set. A reconciliation of that
// chat already in flight completes normally; its result simply stops
// mattering to the UI.
func (e *Engine) Untrack(chatID string) {
	e.registry.Remove(chatID)
}

// SyncChat forces one reconciliation of a single chat outside the tick
// cadence, regardless of monitor membership.
func (e *Engine) SyncChat(ctx context.Context, chatID string) {
	e.reconcileChat(ctx, chatID)
}
