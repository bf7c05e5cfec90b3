package presence

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/model"
)

type fakeBackend struct {
	mu     sync.Mutex
	writes []model.PresenceRecord
	wrote  chan struct{}
}

func (f *fakeBackend) WritePresence(_ context.Context, _ string, rec model.PresenceRecord) error {
	f.mu.Lock()
	f.writes = append(f.writes, rec)
	f.mu.Unlock()
	if f.wrote != nil {
		select {
		case f.wrote <- struct{}{}:
		default:
		}
	}
	return nil
}

func (f *fakeBackend) recorded() []model.PresenceRecord {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]model.PresenceRecord, len(f.writes))
	copy(out, f.writes)
	return out
}

func newTestTracker(backend *fakeBackend) (*Tracker, *clock.Fake, *bus.Bus) {
	b := bus.New()
	fc := clock.NewFake(time.Unix(0, 0))
	return NewTracker("alice", backend, b, fc, 30*time.Second, nil), fc, b
}

func TestStartTrackingWritesOnlineImmediately(t *testing.T) {
	backend := &fakeBackend{}
	tr, _, _ := newTestTracker(backend)
	defer tr.StopTracking(context.Background())

	tr.StartTracking(context.Background())

	got := backend.recorded()
	if len(got) != 1 || got[0].Status != model.PresenceOnline {
		t.Fatalf("got writes %v, want one online", got)
	}
}

func TestHeartbeatRefreshesLastSeen(t *testing.T) {
	backend := &fakeBackend{wrote: make(chan struct{}, 1)}
	tr, fc, _ := newTestTracker(backend)
	defer tr.StopTracking(context.Background())

	tr.StartTracking(context.Background())
	<-backend.wrote // initial online write

	fc.Advance(30 * time.Second)
	select {
	case <-backend.wrote:
	case <-time.After(time.Second):
		t.Fatal("no heartbeat write after one interval")
	}

	got := backend.recorded()
	last := got[len(got)-1]
	if last.Status != model.PresenceOnline {
		t.Errorf("heartbeat status %q, want online", last.Status)
	}
	if last.LastSeen != fc.Now().UnixMilli() {
		t.Errorf("heartbeat lastSeen %d, want %d", last.LastSeen, fc.Now().UnixMilli())
	}
}

func TestStopTrackingWritesOfflineBeforeReturning(t *testing.T) {
	backend := &fakeBackend{}
	tr, _, _ := newTestTracker(backend)

	tr.StartTracking(context.Background())
	tr.StopTracking(context.Background())

	got := backend.recorded()
	if len(got) < 2 || got[len(got)-1].Status != model.PresenceOffline {
		t.Fatalf("got writes %v, want offline last", got)
	}

	// Stopping twice writes offline only once.
	tr.StopTracking(context.Background())
	if len(backend.recorded()) != len(got) {
		t.Error("repeated StopTracking wrote again")
	}
}

func TestStatusTextRidesHeartbeat(t *testing.T) {
	backend := &fakeBackend{}
	tr, _, _ := newTestTracker(backend)
	defer tr.StopTracking(context.Background())

	tr.StartTracking(context.Background())
	tr.SetStatusText(context.Background(), "in a meeting")

	got := backend.recorded()
	last := got[len(got)-1]
	if last.StatusText != "in a meeting" {
		t.Errorf("got status text %q", last.StatusText)
	}
}

func TestObserveEmitsOnlyRealChanges(t *testing.T) {
	backend := &fakeBackend{}
	tr, _, b := newTestTracker(backend)

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	recs := map[string]model.PresenceRecord{
		"bob":   {Status: model.PresenceOnline, LastSeen: 100},
		"alice": {Status: model.PresenceOnline, LastSeen: 100}, // self, skipped
	}

	// First observation of a peer counts as a change.
	tr.Observe(recs)
	events := drainEvents(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	pc := events[0].Payload.(*model.PresenceChange)
	if pc.UserID != "bob" || pc.Status != model.PresenceOnline {
		t.Errorf("got %+v", pc)
	}

	// Same status with a fresher heartbeat timestamp is not a change.
	recs["bob"] = model.PresenceRecord{Status: model.PresenceOnline, LastSeen: 200}
	tr.Observe(recs)
	if events := drainEvents(ch); len(events) != 0 {
		t.Errorf("got %d events for heartbeat-only refresh, want 0", len(events))
	}

	// A status flip is a change.
	recs["bob"] = model.PresenceRecord{Status: model.PresenceOffline, LastSeen: 300}
	tr.Observe(recs)
	events = drainEvents(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events for status flip, want 1", len(events))
	}
	if pc := events[0].Payload.(*model.PresenceChange); pc.Status != model.PresenceOffline {
		t.Errorf("got status %q, want offline", pc.Status)
	}
}

func TestObserveStatusTextChange(t *testing.T) {
	backend := &fakeBackend{}
	tr, _, b := newTestTracker(backend)

	ch, unsub := b.Subscribe("presence.", 10)
	defer unsub()

	tr.Observe(map[string]model.PresenceRecord{"bob": {Status: model.PresenceOnline}})
	drainEvents(ch)

	tr.Observe(map[string]model.PresenceRecord{"bob": {Status: model.PresenceOnline, StatusText: "afk"}})
	events := drainEvents(ch)
	if len(events) != 1 {
		t.Fatalf("got %d events, want 1", len(events))
	}
	if pc := events[0].Payload.(*model.PresenceChange); pc.StatusText != "afk" {
		t.Errorf("got status text %q, want afk", pc.StatusText)
	}
}

func drainEvents(ch <-chan bus.Event) []bus.Event {
	var out []bus.Event
	for {
		select {
		case evt := <-ch:
			out = append(out, evt)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}
