// Package presence maintains the local user's online record with a
// periodic heartbeat and diffs polled peer records into change events.
package presence

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/model"
)

// Backend is the presence slice of the remote store.
type Backend interface {
	WritePresence(ctx context.Context, userID string, rec model.PresenceRecord) error
}

type seen struct {
	status     string
	statusText string
}

// Tracker owns the local heartbeat and the observed state of every peer.
type Tracker struct {
	userID    string
	backend   Backend
	bus       *bus.Bus
	clk       clock.Clock
	heartbeat time.Duration
	logger    *zap.Logger

	mu     sync.Mutex
	ticker clock.Ticker
	done   chan struct{}
	wg     sync.WaitGroup
	last   map[string]seen

	statusText string
}

// NewTracker creates a tracker publishing heartbeats at the given interval.
func NewTracker(userID string, backend Backend, b *bus.Bus, clk clock.Clock, heartbeat time.Duration, logger *zap.Logger) *Tracker {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Tracker{
		userID:    userID,
		backend:   backend,
		bus:       b,
		clk:       clk,
		heartbeat: heartbeat,
		logger:    logger,
		last:      make(map[string]seen),
	}
}

// StartTracking writes the online record immediately, then keeps its
// last-seen timestamp fresh on every heartbeat tick. The status value
// itself only changes through StopTracking.
func (t *Tracker) StartTracking(ctx context.Context) {
	t.mu.Lock()
	if t.ticker != nil {
		t.mu.Unlock()
		return
	}
	t.ticker = t.clk.NewTicker(t.heartbeat)
	t.done = make(chan struct{})
	tick := t.ticker.C()
	done := t.done
	t.mu.Unlock()

	t.write(ctx, model.PresenceOnline)

	t.wg.Add(1)
	go func() {
		defer t.wg.Done()
		for {
			select {
			case <-tick:
				t.write(context.Background(), model.PresenceOnline)
			case <-done:
				return
			}
		}
	}()
}

// StopTracking halts the heartbeat and writes the offline record. The
// write is awaited so a shutdown cannot leave the user marked online.
func (t *Tracker) StopTracking(ctx context.Context) {
	t.mu.Lock()
	if t.ticker == nil {
		t.mu.Unlock()
		return
	}
	t.ticker.Stop()
	t.ticker = nil
	close(t.done)
	t.done = nil
	t.mu.Unlock()

	t.wg.Wait()
	t.write(ctx, model.PresenceOffline)
}

// SetStatusText updates the free-form status line carried by heartbeats.
func (t *Tracker) SetStatusText(ctx context.Context, text string) {
	t.mu.Lock()
	t.statusText = text
	running := t.ticker != nil
	t.mu.Unlock()
	if running {
		t.write(ctx, model.PresenceOnline)
	}
}

func (t *Tracker) write(ctx context.Context, status string) {
	t.mu.Lock()
	text := t.statusText
	t.mu.Unlock()
	rec := model.PresenceRecord{
		Status:     status,
		StatusText: text,
		LastSeen:   t.clk.Now().UnixMilli(),
	}
	if err := t.backend.WritePresence(ctx, t.userID, rec); err != nil {
		t.logger.Warn("presence write failed", zap.String("status", status), zap.Error(err))
	}
}

// Observe diffs one poll's worth of peer records against the previously
// seen state and publishes presence.changed only for real transitions.
// The local user's own record is skipped. A peer's first observation
// always counts as a change.
func (t *Tracker) Observe(recs map[string]model.PresenceRecord) {
	type change struct {
		userID string
		rec    model.PresenceRecord
	}
	var changes []change

	t.mu.Lock()
	for userID, rec := range recs {
		if userID == t.userID {
			continue
		}
		cur := seen{status: rec.Status, statusText: rec.StatusText}
		prev, ok := t.last[userID]
		if ok && prev == cur {
			continue
		}
		t.last[userID] = cur
		changes = append(changes, change{userID: userID, rec: rec})
	}
	t.mu.Unlock()

	if t.bus == nil {
		return
	}
	for _, ch := range changes {
		t.bus.Publish(bus.Event{
			Kind:      bus.KindPresenceChange,
			Timestamp: time.Now(),
			Payload: &model.PresenceChange{
				UserID:     ch.userID,
				Status:     ch.rec.Status,
				StatusText: ch.rec.StatusText,
			},
		})
	}
}
