// Package outbox drains unacknowledged local messages to the remote store.
// The outbox itself is a view over cache rows with synced = 0; this package
// owns enqueueing, the drain pass and the retry path.
package outbox

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/tmarotta/quill/internal/bus"
	"github.com/tmarotta/quill/internal/dedup"
	"github.com/tmarotta/quill/internal/delivery"
	"github.com/tmarotta/quill/internal/media"
	"github.com/tmarotta/quill/internal/remote"
	"github.com/tmarotta/quill/internal/store"
	"go.uber.org/zap"
)

// SendParams describes a new message composed by the UI.
type SendParams struct {
	ChatID       string
	Content      string
	Kind         string // text, voice, image, video
	MediaPath    string // staged local blob for media kinds
	DurationSecs int
}

// Drainer enqueues outgoing messages and drains them on explicit triggers
// (connectivity regained, app foregrounded, user retry). There is no timer
// loop: a failed send stays visible until the next trigger.
type Drainer struct {
	db       *store.DB
	remote   remote.Service
	uploader media.Uploader
	ledger   *dedup.Ledger
	bus      *bus.Bus
	logger   *zap.Logger
	senderID string

	drainMu sync.Mutex
	cancel  context.CancelFunc
}

// NewDrainer creates an outbox drainer.
func NewDrainer(db *store.DB, svc remote.Service, uploader media.Uploader, ledger *dedup.Ledger,
	b *bus.Bus, senderID string, logger *zap.Logger) *Drainer {
	return &Drainer{
		db:       db,
		remote:   svc,
		uploader: uploader,
		ledger:   ledger,
		bus:      b,
		logger:   logger,
		senderID: senderID,
	}
}

// Enqueue records a new pending message in the cache (and therefore the
// outbox) and returns it. The caller decides when to trigger a drain.
func (d *Drainer) Enqueue(p SendParams) (*store.Message, error) {
	if p.ChatID == "" {
		return nil, fmt.Errorf("enqueue: chat id required")
	}
	switch p.Kind {
	case "text", "voice", "image", "video":
	default:
		return nil, fmt.Errorf("enqueue: unknown message kind %q", p.Kind)
	}

	now := time.Now().UnixMilli()
	msg := &store.Message{
		ChatID:        p.ChatID,
		LocalID:       uuid.NewString(),
		SenderID:      d.senderID,
		Body:          p.Content,
		Kind:          p.Kind,
		MediaRef:      p.MediaPath,
		DurationSecs:  p.DurationSecs,
		DeliveryState: delivery.Pending,
		SortTs:        now,
		CreatedAt:     now,
	}
	if err := d.db.UpsertMessage(msg); err != nil {
		return nil, fmt.Errorf("enqueue: %w", err)
	}
	d.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: msg.ChatID, LocalID: msg.LocalID})
	return msg, nil
}

// Start subscribes to the drain triggers on the bus.
func (d *Drainer) Start(ctx context.Context) {
	ctx, d.cancel = context.WithCancel(ctx)
	connCh, unsubConn := d.bus.Subscribe("conn.", 16)
	appCh, unsubApp := d.bus.Subscribe("app.", 16)

	go func() {
		defer unsubConn()
		defer unsubApp()
		for {
			select {
			case evt := <-connCh:
				if evt.Kind == bus.KindConnOnline {
					d.Drain(ctx)
				}
			case evt := <-appCh:
				if evt.Kind == bus.KindAppForeground {
					d.Drain(ctx)
				}
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop cancels the trigger subscription.
func (d *Drainer) Stop() {
	if d.cancel != nil {
		d.cancel()
	}
}

// Drain attempts to send every pending outbox entry across all chats.
// Draining twice with no new sends is a no-op: acknowledged entries left
// the outbox and failed ones wait for an explicit retry.
func (d *Drainer) Drain(ctx context.Context) {
	entries, err := d.db.OutboxMessages()
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err))
		return
	}
	d.process(ctx, entries)
}

// DrainChat drains the pending entries of a single chat.
func (d *Drainer) DrainChat(ctx context.Context, chatID string) {
	entries, err := d.db.OutboxForChat(chatID)
	if err != nil {
		d.logger.Error("failed to read outbox", zap.Error(err), zap.String("chat_id", chatID))
		return
	}
	d.process(ctx, entries)
}

func (d *Drainer) process(ctx context.Context, entries []store.Message) {
	d.drainMu.Lock()
	defer d.drainMu.Unlock()

	for i := range entries {
		entry := entries[i]
		if entry.DeliveryState != delivery.Pending {
			// Failed entries wait for an explicit user retry.
			continue
		}
		if ctx.Err() != nil {
			return
		}
		d.sendOne(ctx, &entry)
	}
}

func (d *Drainer) sendOne(ctx context.Context, m *store.Message) {
	attempts, err := d.db.MarkSendAttempt(m.ChatID, m.LocalID)
	if err != nil {
		d.logger.Error("failed to mark send attempt", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}

	if needsUpload(m) {
		url, err := d.uploader.Upload(ctx, m.MediaRef)
		if err != nil {
			d.failUpload(m, attempts, err)
			return
		}
		if err := d.db.SetMediaRef(m.ChatID, m.LocalID, url); err != nil {
			d.logger.Error("failed to persist media url", zap.Error(err), zap.String("local_id", m.LocalID))
			return
		}
		m.MediaRef = url
	}

	resp, err := d.remote.SendMessage(ctx, remote.SendRequest{
		ChatID:       m.ChatID,
		SenderID:     d.senderID,
		ClientID:     m.LocalID,
		Content:      m.Body,
		Kind:         m.Kind,
		MediaURL:     m.MediaRef,
		DurationSecs: m.DurationSecs,
	})
	if err != nil {
		d.fail(m, err)
		return
	}

	// Replace the optimistic entry with the canonical copy in place.
	ack := &store.Message{
		ChatID:        m.ChatID,
		LocalID:       m.LocalID,
		ServerID:      resp.ID,
		SenderID:      resp.SenderID,
		Body:          resp.Content,
		Kind:          resp.Kind,
		MediaRef:      resp.MediaURL,
		DurationSecs:  resp.DurationSecs,
		DeliveryState: delivery.Sent,
		Synced:        true,
		SortTs:        resp.CreatedAt.UnixMilli(),
	}
	if err := d.db.UpsertMessage(ack); err != nil {
		d.logger.Error("failed to persist ack", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	d.ledger.Record(resp.ID, m.LocalID)

	d.logger.Info("message sent",
		zap.String("local_id", m.LocalID), zap.String("server_id", resp.ID))
	d.bus.Emit(bus.KindMessageAcked, bus.MessageRef{ChatID: m.ChatID, LocalID: m.LocalID, ServerID: resp.ID})
	d.bus.Emit(bus.KindChatUpdated, m.ChatID)
}

// fail records a send failure. Rejections become terminal failed entries
// awaiting user action; transient errors keep the entry pending so the next
// triggered drain retries it. Either way the message stays user-visible.
func (d *Drainer) fail(m *store.Message, sendErr error) {
	if !remote.IsRejection(sendErr) {
		d.logger.Warn("transient send failure, message stays queued",
			zap.Error(sendErr), zap.String("local_id", m.LocalID))
		return
	}

	m.DeliveryState = delivery.Failed
	if err := d.db.UpsertMessage(m); err != nil {
		d.logger.Error("failed to mark message failed", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	d.logger.Error("message rejected by remote", zap.Error(sendErr), zap.String("local_id", m.LocalID))
	d.bus.Emit(bus.KindMessageFailed, bus.MessageRef{ChatID: m.ChatID, LocalID: m.LocalID})
}

// failUpload handles a media upload failure. The entry fails visibly, and
// once a full retry cycle has passed the dangling local blob reference is
// dropped so the staged file can be reclaimed.
func (d *Drainer) failUpload(m *store.Message, attempts int, upErr error) {
	if attempts > 1 {
		m.MediaRef = ""
	}
	m.DeliveryState = delivery.Failed
	if err := d.db.UpsertMessage(m); err != nil {
		d.logger.Error("failed to mark message failed", zap.Error(err), zap.String("local_id", m.LocalID))
		return
	}
	d.logger.Error("media upload failed", zap.Error(upErr),
		zap.String("local_id", m.LocalID), zap.Int("attempts", attempts))
	d.bus.Emit(bus.KindMessageFailed, bus.MessageRef{ChatID: m.ChatID, LocalID: m.LocalID})
}

// Retry moves a failed message back to pending and drains its chat. This is
// the only path out of the failed state.
func (d *Drainer) Retry(ctx context.Context, chatID, localID string) error {
	m, err := d.db.GetMessageByLocalID(chatID, localID)
	if err != nil {
		return err
	}
	if m == nil {
		return fmt.Errorf("retry: no message %s in chat %s", localID, chatID)
	}
	if m.DeliveryState != delivery.Failed {
		return fmt.Errorf("retry: message %s is %s, only failed messages can be retried", localID, m.DeliveryState)
	}

	m.DeliveryState = delivery.Pending
	if err := d.db.UpsertMessage(m); err != nil {
		return fmt.Errorf("retry: %w", err)
	}
	d.bus.Emit(bus.KindMessageUpserted, bus.MessageRef{ChatID: chatID, LocalID: localID})
	d.DrainChat(ctx, chatID)
	return nil
}

func needsUpload(m *store.Message) bool {
	if m.Kind == "text" || m.MediaRef == "" {
		return false
	}
	return !strings.HasPrefix(m.MediaRef, "http://") && !strings.HasPrefix(m.MediaRef, "https://")
}
