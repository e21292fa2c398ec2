package sync

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/tmarotta/quill/internal/bus"
	"github.com/tmarotta/quill/internal/dedup"
	"github.com/tmarotta/quill/internal/delivery"
	"github.com/tmarotta/quill/internal/realtime"
	"github.com/tmarotta/quill/internal/remote"
	"github.com/tmarotta/quill/internal/store"
	"go.uber.org/zap"
)

type fakeRemote struct {
	mu        sync.Mutex
	messages  []remote.Message
	listErr   error
	listCalls int
	listGate  chan struct{} // when set, ListMessages blocks until closed
	deleted   []string
}

func (f *fakeRemote) ListMessages(_ context.Context, chatID string) ([]remote.Message, error) {
	f.mu.Lock()
	f.listCalls++
	gate := f.listGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.listErr != nil {
		return nil, f.listErr
	}
	out := make([]remote.Message, 0, len(f.messages))
	for _, m := range f.messages {
		if m.ChatID == chatID {
			out = append(out, m)
		}
	}
	return out, nil
}

func (f *fakeRemote) SendMessage(context.Context, remote.SendRequest) (*remote.Message, error) {
	return nil, errors.New("not implemented")
}
func (f *fakeRemote) UpdateMessage(context.Context, string, remote.UpdateFields) error { return nil }
func (f *fakeRemote) DeleteMessage(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}
func (f *fakeRemote) MarkSeen(context.Context, string, string) error { return nil }

type fakeDrainer struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeDrainer) DrainChat(_ context.Context, chatID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, chatID)
}

type fixture struct {
	db      *store.DB
	remote  *fakeRemote
	ledger  *dedup.Ledger
	drainer *fakeDrainer
	replies *ReplyTargets
	coord   *Coordinator
	merger  *Merger
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	db, err := store.Open(filepath.Join(t.TempDir(), "test.db"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := db.Migrate(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = db.Close() })

	f := &fixture{
		db:      db,
		remote:  &fakeRemote{},
		ledger:  dedup.NewLedger(),
		drainer: &fakeDrainer{},
		replies: NewReplyTargets(),
	}
	b := bus.New()
	f.coord = NewCoordinator(db, f.remote, f.ledger, f.drainer, f.replies, b, "me", zap.NewNop())
	f.merger = NewMerger(db, f.ledger, f.replies, b, "me", zap.NewNop())
	return f
}

func wireMsg(id, chatID, senderID, content string, at time.Time) remote.Message {
	return remote.Message{
		ID: id, ChatID: chatID, SenderID: senderID,
		Content: content, Kind: "text", CreatedAt: at,
	}
}

func TestSyncMergesCanonicalMessages(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	f.remote.messages = []remote.Message{
		wireMsg("s1", "c1", "them", "hello", now.Add(-2*time.Minute)),
		wireMsg("s2", "c1", "me", "hi back", now.Add(-1*time.Minute)),
	}

	if err := f.coord.Sync(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 2 {
		t.Fatalf("got %d messages, want 2", len(msgs))
	}
	if !f.ledger.Applied("s1") || !f.ledger.Applied("s2") {
		t.Error("synced ids should be recorded in the ledger")
	}
	if len(f.drainer.calls) != 1 || f.drainer.calls[0] != "c1" {
		t.Errorf("drainer calls = %v, want [c1]", f.drainer.calls)
	}
}

func TestSyncTwiceDoesNotDuplicate(t *testing.T) {
	f := newFixture(t)
	f.remote.messages = []remote.Message{wireMsg("s1", "c1", "them", "hello", time.Now())}

	if err := f.coord.Sync(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	if err := f.coord.Sync(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages after double sync, want 1", len(msgs))
	}
}

func TestSyncReconcilesPendingByClientID(t *testing.T) {
	f := newFixture(t)
	pending := &store.Message{
		ChatID: "c1", LocalID: "draft-1", SenderID: "me", Body: "mine",
		Kind: "text", DeliveryState: delivery.Pending,
		SortTs: time.Now().UnixMilli(), CreatedAt: time.Now().UnixMilli(),
	}
	if err := f.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	canonical := wireMsg("s1", "c1", "me", "mine", time.Now())
	canonical.ClientID = "draft-1"
	canonical.Seen = true
	f.remote.messages = []remote.Message{canonical}

	if err := f.coord.Sync(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (canonical must land on the pending row)", len(msgs))
	}
	if msgs[0].ServerID != "s1" || msgs[0].LocalID != "draft-1" {
		t.Errorf("row = (%s, %s), want reconciled (s1, draft-1)", msgs[0].ServerID, msgs[0].LocalID)
	}
	if msgs[0].DeliveryState != delivery.Read {
		t.Errorf("state = %s, want read", msgs[0].DeliveryState)
	}
}

func TestSyncSingleFlightPerChat(t *testing.T) {
	f := newFixture(t)
	gate := make(chan struct{})
	f.remote.listGate = gate

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = f.coord.Sync(context.Background(), "c1")
		}()
	}
	// Let the goroutines pile up on the in-flight pass, then release it.
	time.Sleep(50 * time.Millisecond)
	f.remote.mu.Lock()
	f.remote.listGate = nil
	f.remote.mu.Unlock()
	close(gate)
	wg.Wait()

	f.remote.mu.Lock()
	calls := f.remote.listCalls
	f.remote.mu.Unlock()
	if calls != 1 {
		t.Errorf("remote fetches = %d, want 1 (concurrent syncs must share one pass)", calls)
	}
}

func TestSyncFetchFailureLeavesCacheUntouched(t *testing.T) {
	f := newFixture(t)
	f.remote.messages = []remote.Message{wireMsg("s1", "c1", "them", "hello", time.Now())}
	if err := f.coord.Sync(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}

	f.remote.listErr = &remote.StatusError{Code: 500}
	if err := f.coord.Sync(context.Background(), "c1"); err == nil {
		t.Fatal("expected sync error")
	}

	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages, want 1 (failed fetch must not mutate the cache)", len(msgs))
	}
}

func TestInsertEventAppendsForeignMessage(t *testing.T) {
	f := newFixture(t)

	evt := realtime.InsertEvent{Message: wireMsg("s1", "c1", "them", "ping", time.Now())}
	if err := f.merger.Apply("c1", evt); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessageByServerID("s1")
	if err != nil {
		t.Fatal(err)
	}
	if m == nil {
		t.Fatal("insert event should create the message")
	}
	chat, err := f.db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != 1 {
		t.Errorf("unread = %d, want 1", chat.UnreadCount)
	}

	// Replay is a no-op.
	if err := f.merger.Apply("c1", evt); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Errorf("got %d messages after replay, want 1", len(msgs))
	}
	chat, err = f.db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != 1 {
		t.Errorf("unread after replay = %d, want 1", chat.UnreadCount)
	}
}

func TestInsertEventReconcilesOwnEchoByClientID(t *testing.T) {
	f := newFixture(t)
	pending := &store.Message{
		ChatID: "c1", LocalID: "draft-1", SenderID: "me", Body: "mine",
		Kind: "text", DeliveryState: delivery.Pending,
		SortTs: time.Now().UnixMilli(), CreatedAt: time.Now().UnixMilli(),
	}
	if err := f.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	canonical := wireMsg("s1", "c1", "me", "mine", time.Now())
	canonical.ClientID = "draft-1"
	if err := f.merger.Apply("c1", realtime.InsertEvent{Message: canonical}); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1", len(msgs))
	}
	chat, err := f.db.GetChat("c1")
	if err != nil {
		t.Fatal(err)
	}
	if chat.UnreadCount != 0 {
		t.Errorf("unread = %d, want 0 for own echo", chat.UnreadCount)
	}
}

func TestInsertEventReconcilesOwnEchoByHeuristic(t *testing.T) {
	f := newFixture(t)
	now := time.Now()
	pending := &store.Message{
		ChatID: "c1", LocalID: "draft-1", SenderID: "me", Body: "mine",
		Kind: "text", DeliveryState: delivery.Pending,
		SortTs: now.UnixMilli(), CreatedAt: now.UnixMilli(),
	}
	if err := f.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	// No client id on the feed: content plus timestamp proximity must match.
	if err := f.merger.Apply("c1", realtime.InsertEvent{
		Message: wireMsg("s1", "c1", "me", "mine", now.Add(2*time.Second)),
	}); err != nil {
		t.Fatal(err)
	}

	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("got %d messages, want 1 (echo must land on the pending row)", len(msgs))
	}
	if msgs[0].LocalID != "draft-1" || msgs[0].ServerID != "s1" {
		t.Errorf("row = (%s, %s), want (s1, draft-1)", msgs[0].ServerID, msgs[0].LocalID)
	}
}

func TestUpdateEventAppliesOnlyPresentFields(t *testing.T) {
	f := newFixture(t)
	if err := f.merger.Apply("c1", realtime.InsertEvent{
		Message: wireMsg("s1", "c1", "them", "original", time.Now()),
	}); err != nil {
		t.Fatal(err)
	}

	seen := true
	if err := f.merger.Apply("c1", realtime.UpdateEvent{
		ID: "s1", Fields: remote.UpdateFields{Seen: &seen},
	}); err != nil {
		t.Fatal(err)
	}

	m, err := f.db.GetMessageByServerID("s1")
	if err != nil {
		t.Fatal(err)
	}
	if m.Body != "original" {
		t.Errorf("body = %q, want untouched %q", m.Body, "original")
	}
	if m.DeliveryState != delivery.Read {
		t.Errorf("state = %s, want read", m.DeliveryState)
	}

	// A late seen=false receipt must not regress the state.
	unseen := false
	if err := f.merger.Apply("c1", realtime.UpdateEvent{
		ID: "s1", Fields: remote.UpdateFields{Seen: &unseen},
	}); err != nil {
		t.Fatal(err)
	}
	m, err = f.db.GetMessageByServerID("s1")
	if err != nil {
		t.Fatal(err)
	}
	if m.DeliveryState != delivery.Read {
		t.Errorf("state = %s, want read (no regression)", m.DeliveryState)
	}
}

func TestUpdateEventForUnknownIDIsIgnored(t *testing.T) {
	f := newFixture(t)
	body := "edited"
	if err := f.merger.Apply("c1", realtime.UpdateEvent{
		ID: "ghost", Fields: remote.UpdateFields{Content: &body},
	}); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}

func TestDeleteEventTombstoneBlocksReplayedInsert(t *testing.T) {
	f := newFixture(t)
	insert := realtime.InsertEvent{Message: wireMsg("s1", "c1", "them", "gone soon", time.Now())}
	if err := f.merger.Apply("c1", insert); err != nil {
		t.Fatal(err)
	}
	if err := f.merger.Apply("c1", realtime.DeleteEvent{ID: "s1"}); err != nil {
		t.Fatal(err)
	}

	// A stale replay of the insert must not resurrect the message.
	if err := f.merger.Apply("c1", insert); err != nil {
		t.Fatal(err)
	}
	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0 (tombstone must block the replay)", len(msgs))
	}
}

func TestDeleteEventClearsActiveReplyTarget(t *testing.T) {
	f := newFixture(t)
	if err := f.merger.Apply("c1", realtime.InsertEvent{
		Message: wireMsg("s1", "c1", "them", "reply to me", time.Now()),
	}); err != nil {
		t.Fatal(err)
	}
	m, err := f.db.GetMessageByServerID("s1")
	if err != nil {
		t.Fatal(err)
	}
	f.replies.Set("c1", m.LocalID)

	if err := f.merger.Apply("c1", realtime.DeleteEvent{ID: "s1"}); err != nil {
		t.Fatal(err)
	}
	if _, ok := f.replies.Get("c1"); ok {
		t.Error("reply target should be cleared when its message is deleted")
	}
}

func TestCoordinatorDeleteTombstonesAckedMessage(t *testing.T) {
	f := newFixture(t)
	f.remote.messages = []remote.Message{wireMsg("s1", "c1", "me", "mine", time.Now())}
	if err := f.coord.Sync(context.Background(), "c1"); err != nil {
		t.Fatal(err)
	}
	m, err := f.db.GetMessageByServerID("s1")
	if err != nil {
		t.Fatal(err)
	}

	if err := f.coord.DeleteMessage(context.Background(), "c1", m.LocalID); err != nil {
		t.Fatal(err)
	}
	if !f.ledger.Tombstoned("s1") {
		t.Error("deleted canonical id should be tombstoned")
	}
	if len(f.remote.deleted) != 1 || f.remote.deleted[0] != "s1" {
		t.Errorf("remote deletes = %v, want [s1]", f.remote.deleted)
	}
}

func TestCoordinatorDeletePendingIsLocalOnly(t *testing.T) {
	f := newFixture(t)
	pending := &store.Message{
		ChatID: "c1", LocalID: "draft-1", SenderID: "me", Body: "unsent",
		Kind: "text", DeliveryState: delivery.Pending,
		SortTs: time.Now().UnixMilli(), CreatedAt: time.Now().UnixMilli(),
	}
	if err := f.db.UpsertMessage(pending); err != nil {
		t.Fatal(err)
	}

	if err := f.coord.DeleteMessage(context.Background(), "c1", "draft-1"); err != nil {
		t.Fatal(err)
	}
	if len(f.remote.deleted) != 0 {
		t.Errorf("remote deletes = %v, want none for an unsent message", f.remote.deleted)
	}
	msgs, err := f.db.GetMessages("c1")
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 0 {
		t.Errorf("got %d messages, want 0", len(msgs))
	}
}
