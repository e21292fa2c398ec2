// Package sync reconciles the local cache against the remote store. The
// coordinator owns the full per-chat reconciliation pass; the merger applies
// individual realtime change events between passes.
package sync

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/tmarotta/quill/internal/bus"
	"github.com/tmarotta/quill/internal/dedup"
	"github.com/tmarotta/quill/internal/delivery"
	"github.com/tmarotta/quill/internal/remote"
	"github.com/tmarotta/quill/internal/store"
	"go.uber.org/zap"
)

// ChatDrainer is the slice of the outbox the coordinator needs: after a
// reconciliation pass it kicks the chat's pending sends.
type ChatDrainer interface {
	DrainChat(ctx context.Context, chatID string)
}

type call struct {
	done chan struct{}
	err  error
}

// Coordinator runs reconciliation passes. Passes are single-flight per chat:
// a Sync issued while one is already running for the same chat waits for the
// running pass and shares its result instead of starting a second fetch.
type Coordinator struct {
	db      *store.DB
	remote  remote.Service
	ledger  *dedup.Ledger
	drainer ChatDrainer
	replies *ReplyTargets
	bus     *bus.Bus
	logger  *zap.Logger
	userID  string

	mu       sync.Mutex
	inflight map[string]*call
}

// NewCoordinator creates a sync coordinator.
func NewCoordinator(db *store.DB, svc remote.Service, ledger *dedup.Ledger,
	drainer ChatDrainer, replies *ReplyTargets, b *bus.Bus, userID string, logger *zap.Logger) *Coordinator {
	return &Coordinator{
		db:       db,
		remote:   svc,
		ledger:   ledger,
		drainer:  drainer,
		replies:  replies,
		bus:      b,
		logger:   logger,
		userID:   userID,
		inflight: make(map[string]*call),
	}
}

// Sync reconciles one chat against the remote store: fetch the canonical
// message list, merge it into the cache, then drain the chat's outbox. A
// fetch failure aborts the pass without touching local state.
func (c *Coordinator) Sync(ctx context.Context, chatID string) error {
	c.mu.Lock()
	if running, ok := c.inflight[chatID]; ok {
		c.mu.Unlock()
		select {
		case <-running.done:
			return running.err
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	cl := &call{done: make(chan struct{})}
	c.inflight[chatID] = cl
	c.mu.Unlock()

	cl.err = c.sync(ctx, chatID)
	close(cl.done)

	c.mu.Lock()
	delete(c.inflight, chatID)
	c.mu.Unlock()
	return cl.err
}

func (c *Coordinator) sync(ctx context.Context, chatID string) error {
	started := time.Now()
	canonical, err := c.remote.ListMessages(ctx, chatID)
	if err != nil {
		return fmt.Errorf("sync %s: %w", chatID, err)
	}

	msgs := make([]*store.Message, 0, len(canonical))
	for i := range canonical {
		msgs = append(msgs, fromWire(&canonical[i]))
	}
	if err := c.db.UpsertMessages(msgs); err != nil {
		return fmt.Errorf("sync %s: %w", chatID, err)
	}
	for i := range canonical {
		c.ledger.Record(canonical[i].ID, canonical[i].ClientID)
	}
	if err := c.db.SetCheckpoint("last_sync:"+chatID, strconv.FormatInt(started.UnixMilli(), 10)); err != nil {
		c.logger.Warn("failed to record sync checkpoint", zap.Error(err), zap.String("chat_id", chatID))
	}

	c.logger.Info("chat synced",
		zap.String("chat_id", chatID),
		zap.Int("messages", len(canonical)),
		zap.Duration("took", time.Since(started)))
	c.bus.Emit(bus.KindSyncCompleted, chatID)
	c.bus.Emit(bus.KindChatUpdated, chatID)

	// The fetch may have reconciled some pending sends; whatever is still
	// pending goes out now.
	c.drainer.DrainChat(ctx, chatID)
	return nil
}

// MarkRead marks a chat read locally and propagates the receipt to the
// remote store. The remote call is best-effort; the next pass converges it.
func (c *Coordinator) MarkRead(ctx context.Context, chatID string) error {
	if err := c.db.MarkChatRead(chatID); err != nil {
		return fmt.Errorf("mark read %s: %w", chatID, err)
	}
	c.bus.Emit(bus.KindChatUpdated, chatID)
	if err := c.remote.MarkSeen(ctx, chatID, c.userID); err != nil {
		c.logger.Warn("failed to propagate read receipt", zap.Error(err), zap.String("chat_id", chatID))
	}
	return nil
}

// DeleteMessage removes a message everywhere. Acknowledged messages are
// deleted remotely and tombstoned so a replayed insert cannot bring them
// back; unacknowledged ones only exist locally.
func (c *Coordinator) DeleteMessage(ctx context.Context, chatID, localID string) error {
	m, err := c.db.GetMessageByLocalID(chatID, localID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("delete: no message %s in chat %s", localID, chatID)
	}

	if m.ServerID != "" {
		if err := c.remote.DeleteMessage(ctx, m.ServerID); err != nil {
			return fmt.Errorf("delete %s: %w", m.ServerID, err)
		}
		c.ledger.Tombstone(m.ServerID)
		if err := c.db.DeleteMessageByServerID(chatID, m.ServerID); err != nil {
			return err
		}
	} else if err := c.db.DeleteMessageByLocalID(chatID, localID); err != nil {
		return err
	}

	c.replies.clearIf(chatID, localID)
	c.bus.Emit(bus.KindMessageDeleted, bus.MessageRef{ChatID: chatID, LocalID: localID, ServerID: m.ServerID})
	c.bus.Emit(bus.KindChatUpdated, chatID)
	return nil
}

// fromWire converts a canonical row into its cache representation. The
// originating client id, when echoed, keys reconciliation against the
// optimistic local row; without it the row gets the canonical id as its
// local identity.
func fromWire(w *remote.Message) *store.Message {
	return &store.Message{
		ChatID:        w.ChatID,
		LocalID:       w.ClientID,
		ServerID:      w.ID,
		SenderID:      w.SenderID,
		Body:          w.Content,
		Kind:          w.Kind,
		MediaRef:      w.MediaURL,
		DurationSecs:  w.DurationSecs,
		DeliveryState: delivery.FromSeen(w.Seen),
		Synced:        true,
		SortTs:        w.CreatedAt.UnixMilli(),
		CreatedAt:     w.CreatedAt.UnixMilli(),
	}
}
