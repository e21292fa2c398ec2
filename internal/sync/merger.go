package sync

import (
	"fmt"
	"sync"

	"github.com/tmarotta/quill/internal/bus"
	"github.com/tmarotta/quill/internal/dedup"
	"github.com/tmarotta/quill/internal/delivery"
	"github.com/tmarotta/quill/internal/realtime"
	"github.com/tmarotta/quill/internal/store"
	"go.uber.org/zap"
)

// echoWindowMs bounds the content-match fallback used to reconcile a
// realtime echo of our own send when the feed carries no client id.
const echoWindowMs = 30_000

// ReplyTargets tracks the message each chat's composer is replying to.
// The merger clears a target whose message is deleted out from under it so
// the composer cannot submit a reply to a vanished message.
type ReplyTargets struct {
	mu      sync.Mutex
	targets map[string]string // chat id -> local id of the reply target
}

// NewReplyTargets creates an empty registry.
func NewReplyTargets() *ReplyTargets {
	return &ReplyTargets{targets: make(map[string]string)}
}

// Set records the composer's reply target for a chat.
func (r *ReplyTargets) Set(chatID, localID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.targets[chatID] = localID
}

// Get returns the chat's current reply target, if any.
func (r *ReplyTargets) Get(chatID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	id, ok := r.targets[chatID]
	return id, ok
}

// Clear drops the chat's reply target.
func (r *ReplyTargets) Clear(chatID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.targets, chatID)
}

func (r *ReplyTargets) clearIf(chatID, localID string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.targets[chatID] == localID {
		delete(r.targets, chatID)
		return true
	}
	return false
}

// Merger applies individual realtime change events to the cache. Application
// is idempotent: the dedup ledger and the cache's canonical-id lookup make
// replays and sync/realtime races collapse to no-ops.
type Merger struct {
	db      *store.DB
	ledger  *dedup.Ledger
	replies *ReplyTargets
	bus     *bus.Bus
	logger  *zap.Logger
	userID  string
}

// NewMerger creates a realtime merge handler.
func NewMerger(db *store.DB, ledger *dedup.Ledger, replies *ReplyTargets,
	b *bus.Bus, userID string, logger *zap.Logger) *Merger {
	return &Merger{
		db:      db,
		ledger:  ledger,
		replies: replies,
		bus:     b,
		logger:  logger,
		userID:  userID,
	}
}

// Apply merges one change event into the cache.
func (m *Merger) Apply(chatID string, evt realtime.Event) error {
	switch e := evt.(type) {
	case realtime.InsertEvent:
		return m.applyInsert(chatID, e)
	case realtime.UpdateEvent:
		return m.applyUpdate(chatID, e)
	case realtime.DeleteEvent:
		return m.applyDelete(chatID, e)
	default:
		return fmt.Errorf("unknown realtime event %T", evt)
	}
}

func (m *Merger) applyInsert(chatID string, e realtime.InsertEvent) error {
	w := e.Message
	if m.ledger.Tombstoned(w.ID) {
		m.logger.Debug("dropping insert of deleted message", zap.String("server_id", w.ID))
		return nil
	}
	if m.ledger.Applied(w.ID) {
		return nil
	}
	if existing, err := m.db.GetMessageByServerID(w.ID); err != nil {
		return err
	} else if existing != nil {
		// A sync pass beat the feed to it.
		m.ledger.Record(w.ID, existing.LocalID)
		return nil
	}

	msg := fromWire(&w)
	msg.ChatID = chatID
	own := w.SenderID == m.userID

	if own && msg.LocalID == "" {
		// No client id on the feed: fall back to matching a pending local
		// send by content and timestamp.
		pending, err := m.db.FindPendingEcho(chatID, w.SenderID, w.Content, w.CreatedAt.UnixMilli(), echoWindowMs)
		if err != nil {
			return err
		}
		if pending != nil {
			msg.LocalID = pending.LocalID
		}
	}

	if err := m.db.UpsertMessage(msg); err != nil {
		return err
	}
	m.ledger.Record(w.ID, msg.LocalID)

	if !own {
		if err := m.db.BumpUnread(chatID); err != nil {
			m.logger.Warn("failed to bump unread count", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
	m.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: chatID, LocalID: msg.LocalID, ServerID: w.ID})
	m.bus.Emit(bus.KindChatUpdated, chatID)
	return nil
}

func (m *Merger) applyUpdate(chatID string, e realtime.UpdateEvent) error {
	existing, err := m.db.GetMessageByServerID(e.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		// Update for a row we never applied; the next sync pass will carry
		// the current shape of it.
		m.logger.Debug("dropping update for unknown message", zap.String("server_id", e.ID))
		return nil
	}

	if e.Fields.Content != nil {
		existing.Body = *e.Fields.Content
	}
	if e.Fields.MediaURL != nil {
		existing.MediaRef = *e.Fields.MediaURL
	}
	if e.Fields.Kind != nil {
		existing.Kind = *e.Fields.Kind
	}
	if e.Fields.DurationSecs != nil {
		existing.DurationSecs = *e.Fields.DurationSecs
	}
	if e.Fields.Seen != nil {
		existing.DeliveryState = delivery.Merge(existing.DeliveryState, delivery.FromSeen(*e.Fields.Seen))
	}

	if err := m.db.UpsertMessage(existing); err != nil {
		return err
	}
	m.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: chatID, LocalID: existing.LocalID, ServerID: e.ID})
	return nil
}

func (m *Merger) applyDelete(chatID string, e realtime.DeleteEvent) error {
	m.ledger.Tombstone(e.ID)

	existing, err := m.db.GetMessageByServerID(e.ID)
	if err != nil {
		return err
	}
	if existing == nil {
		return nil
	}

	if err := m.db.DeleteMessageByServerID(chatID, e.ID); err != nil {
		return err
	}
	if m.replies.clearIf(chatID, existing.LocalID) {
		m.logger.Info("reply target deleted remotely, composer target cleared",
			zap.String("chat_id", chatID), zap.String("server_id", e.ID))
	}
	m.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{ChatID: chatID, LocalID: existing.LocalID, ServerID: e.ID})
	m.bus.Emit(bus.KindChatUpdated, chatID)
	return nil
}
