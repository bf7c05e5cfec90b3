package delivery

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/akozyrev/beacon/internal/bus"
	"github.com/akozyrev/beacon/internal/cache"
	"github.com/akozyrev/beacon/internal/clock"
	"github.com/akozyrev/beacon/internal/model"
)

// fakeBackend fails selectively per operation and records receipt writes.
type fakeBackend struct {
	mu sync.Mutex

	failWrite   bool
	failReceipt bool
	failRead    bool
	failEdit    bool
	failDelete  bool

	written  []string
	receipts []model.Status
	reads    []string
	edits    []string
	deletes  []string
	cleared  []string
	previews []string
}

func (f *fakeBackend) EnsureChat(_ context.Context, otherUserID string) (string, error) {
	return model.ChatID("alice", otherUserID), nil
}

func (f *fakeBackend) WriteMessage(_ context.Context, m *model.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failWrite {
		return errors.New("write failed")
	}
	f.written = append(f.written, m.ID)
	return nil
}

func (f *fakeBackend) UpdateChatPreview(_ context.Context, _, preview string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.previews = append(f.previews, preview)
	return nil
}

func (f *fakeBackend) WriteReceipt(_ context.Context, _ string, status model.Status) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failReceipt {
		return errors.New("receipt failed")
	}
	f.receipts = append(f.receipts, status)
	return nil
}

func (f *fakeBackend) MarkMessageRead(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failRead {
		return errors.New("mark read failed")
	}
	f.reads = append(f.reads, messageID)
	return nil
}

func (f *fakeBackend) EditMessage(_ context.Context, _, messageID, _ string, _ int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failEdit {
		return errors.New("edit failed")
	}
	f.edits = append(f.edits, messageID)
	return nil
}

func (f *fakeBackend) DeleteMessage(_ context.Context, _, messageID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failDelete {
		return errors.New("delete failed")
	}
	f.deletes = append(f.deletes, messageID)
	return nil
}

func (f *fakeBackend) ClearHistory(_ context.Context, chatID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleared = append(f.cleared, chatID)
	return nil
}

func newTestCoordinator(backend *fakeBackend) (*Coordinator, *cache.Cache, *clock.Fake) {
	b := bus.New()
	c := cache.New("", 10, b, nil)
	fc := clock.NewFake(time.Unix(1000, 0))
	return NewCoordinator("alice", backend, c, b, fc, nil), c, fc
}

func TestSendSuccessReachesDelivered(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	if m.ChatID != "alice_bob" {
		t.Errorf("got chat %q, want alice_bob", m.ChatID)
	}

	// The message is visible immediately, before the network leg.
	if _, ok := c.Get(m.ChatID, m.ID); !ok {
		t.Fatal("message not cached after Send")
	}

	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.written) != 1 || backend.written[0] != m.ID {
		t.Errorf("got writes %v, want [%s]", backend.written, m.ID)
	}
	if len(backend.receipts) != 1 || backend.receipts[0] != model.StatusDelivered {
		t.Errorf("got receipts %v, want [delivered]", backend.receipts)
	}
	if len(backend.previews) != 1 || backend.previews[0] != "hi" {
		t.Errorf("got previews %v, want [hi]", backend.previews)
	}
}

func TestSendWriteFailureMovesToError(t *testing.T) {
	backend := &fakeBackend{failWrite: true}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusError)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.previews) != 0 {
		t.Error("preview updated for a failed send")
	}
	if len(backend.receipts) != 0 {
		t.Error("receipt written for a failed send")
	}
}

func TestSendReceiptFailureStaysSent(t *testing.T) {
	backend := &fakeBackend{failReceipt: true}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusSent)
	time.Sleep(20 * time.Millisecond)

	if got, _ := c.Get(m.ChatID, m.ID); got.Status != model.StatusSent {
		t.Errorf("got status %s, want sent", got.Status)
	}
}

func TestSendAttachmentPreview(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "", &model.Attachment{Name: "report.pdf", Size: 4096})
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.previews) != 1 || backend.previews[0] != "[file: report.pdf]" {
		t.Errorf("got previews %v", backend.previews)
	}
}

func TestRetryCreatesNewMessage(t *testing.T) {
	backend := &fakeBackend{failWrite: true}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusError)

	backend.mu.Lock()
	backend.failWrite = false
	backend.mu.Unlock()

	retry, err := coord.Retry(context.Background(), m.ChatID, m.ID)
	if err != nil {
		t.Fatalf("Retry: %v", err)
	}
	if retry.ID == m.ID {
		t.Error("retry reused the failed identifier")
	}
	waitForStatus(t, c, retry.ChatID, retry.ID, model.StatusDelivered)

	// The failed record keeps its terminal status.
	if got, _ := c.Get(m.ChatID, m.ID); got.Status != model.StatusError {
		t.Errorf("original status mutated to %s", got.Status)
	}
}

func TestRetryRejectsNonFailed(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if _, err := coord.Retry(context.Background(), m.ChatID, m.ID); !errors.Is(err, ErrNotFailed) {
		t.Errorf("got %v, want ErrNotFailed", err)
	}
	if _, err := coord.Retry(context.Background(), m.ChatID, "nope"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("got %v, want ErrUnknownMessage", err)
	}
}

func TestMarkReadInboundOnly(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	inbound := &model.Message{ID: "in1", SenderID: "bob", ChatID: "alice_bob", Timestamp: 100, Status: model.StatusDelivered}
	outbound := &model.Message{ID: "out1", SenderID: "alice", ChatID: "alice_bob", Timestamp: 200, Status: model.StatusDelivered}
	c.AddLocal("alice_bob", inbound)
	c.AddLocal("alice_bob", outbound)

	coord.MarkRead(context.Background(), "alice_bob", "out1")
	if got, _ := c.Get("alice_bob", "out1"); got.IsRead {
		t.Error("outbound message marked read")
	}

	coord.MarkRead(context.Background(), "alice_bob", "in1")
	got, _ := c.Get("alice_bob", "in1")
	if !got.IsRead || got.Status != model.StatusRead {
		t.Errorf("got %+v, want read", got)
	}

	// Repeated calls do not hit the backend again.
	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.reads) == 1
	})
	coord.MarkRead(context.Background(), "alice_bob", "in1")
	time.Sleep(20 * time.Millisecond)
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.reads) != 1 {
		t.Errorf("idempotent MarkRead re-published: %v", backend.reads)
	}
}

func TestEditRevertsOnRemoteFailure(t *testing.T) {
	backend := &fakeBackend{failEdit: true}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if err := coord.Edit(context.Background(), m.ChatID, m.ID, "hello"); err != nil {
		t.Fatalf("Edit: %v", err)
	}

	waitFor(t, func() bool {
		got, _ := c.Get(m.ChatID, m.ID)
		return got.Text == "hi" && !got.IsEdited
	})
}

func TestEditApplies(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if err := coord.Edit(context.Background(), m.ChatID, m.ID, "hello"); err != nil {
		t.Fatalf("Edit: %v", err)
	}
	got, _ := c.Get(m.ChatID, m.ID)
	if got.Text != "hello" || !got.IsEdited {
		t.Errorf("got %+v, want edited hello", got)
	}
}

func TestEditValidation(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, fc := newTestCoordinator(backend)

	theirs := &model.Message{ID: "in1", SenderID: "bob", ChatID: "alice_bob", Timestamp: fc.Now().UnixMilli(), Status: model.StatusDelivered}
	c.AddLocal("alice_bob", theirs)
	if err := coord.Edit(context.Background(), "alice_bob", "in1", "x"); !errors.Is(err, ErrNotOwn) {
		t.Errorf("got %v, want ErrNotOwn", err)
	}

	if err := coord.Edit(context.Background(), "alice_bob", "nope", "x"); !errors.Is(err, ErrUnknownMessage) {
		t.Errorf("got %v, want ErrUnknownMessage", err)
	}

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	c.SetDeleted(m.ChatID, m.ID)
	if err := coord.Edit(context.Background(), m.ChatID, m.ID, "x"); !errors.Is(err, ErrDeleted) {
		t.Errorf("got %v, want ErrDeleted", err)
	}

	fresh := coord.Send(context.Background(), "bob", "hey", nil)
	waitForStatus(t, c, fresh.ChatID, fresh.ID, model.StatusDelivered)
	fc.Advance(model.EditWindow)
	if err := coord.Edit(context.Background(), fresh.ChatID, fresh.ID, "x"); !errors.Is(err, ErrEditWindow) {
		t.Errorf("got %v, want ErrEditWindow", err)
	}
}

func TestDeleteForMeKeepsRecord(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if err := coord.Delete(context.Background(), m.ChatID, m.ID, false); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	got, ok := c.Get(m.ChatID, m.ID)
	if !ok || !got.IsDeleted {
		t.Errorf("got %+v, want cached and flagged deleted", got)
	}
	backend.mu.Lock()
	defer backend.mu.Unlock()
	if len(backend.deletes) != 0 {
		t.Error("delete-for-me hit the backend")
	}
}

func TestDeleteForEveryoneRestoresOnFailure(t *testing.T) {
	backend := &fakeBackend{failDelete: true}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if err := coord.Delete(context.Background(), m.ChatID, m.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	waitFor(t, func() bool {
		_, ok := c.Get(m.ChatID, m.ID)
		return ok
	})
}

func TestDeleteForEveryoneRemoves(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if err := coord.Delete(context.Background(), m.ChatID, m.ID, true); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, ok := c.Get(m.ChatID, m.ID); ok {
		t.Error("message still cached after delete for everyone")
	}
	waitFor(t, func() bool {
		backend.mu.Lock()
		defer backend.mu.Unlock()
		return len(backend.deletes) == 1
	})
}

func TestClearHistory(t *testing.T) {
	backend := &fakeBackend{}
	coord, c, _ := newTestCoordinator(backend)

	m := coord.Send(context.Background(), "bob", "hi", nil)
	waitForStatus(t, c, m.ChatID, m.ID, model.StatusDelivered)

	if err := coord.ClearHistory(context.Background(), m.ChatID); err != nil {
		t.Fatalf("ClearHistory: %v", err)
	}
	if got := len(c.Messages(m.ChatID)); got != 0 {
		t.Errorf("got %d messages after clear, want 0", got)
	}
}

func TestPreviewTruncation(t *testing.T) {
	long := make([]byte, 150)
	for i := range long {
		long[i] = 'x'
	}
	m := &model.Message{Text: string(long)}
	if got := previewText(m); len(got) != 100 {
		t.Errorf("got preview length %d, want 100", len(got))
	}
}

func waitForStatus(t *testing.T, c *cache.Cache, chatID, messageID string, want model.Status) {
	t.Helper()
	waitFor(t, func() bool {
		got, ok := c.Get(chatID, messageID)
		return ok && got.Status == want
	})
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met within deadline")
}
