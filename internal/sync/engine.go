package sync

import (
	"context"
	"sync"

	"github.com/tmarotta/quill/internal/realtime"
	"go.uber.org/zap"
)

// Engine ties a chat's realtime subscription to the merge handler. Opening a
// chat runs a reconciliation pass and then streams change events into the
// merger until the chat is closed or the engine stops.
type Engine struct {
	channel     realtime.Channel
	coordinator *Coordinator
	merger      *Merger
	logger      *zap.Logger

	mu    sync.Mutex
	open  map[string]*watcher
	ctx   context.Context
	stop  context.CancelFunc
	ready bool
}

type watcher struct {
	sub    realtime.Subscription
	cancel context.CancelFunc
	done   chan struct{}
}

// NewEngine creates a sync engine.
func NewEngine(ch realtime.Channel, coord *Coordinator, merger *Merger, logger *zap.Logger) *Engine {
	return &Engine{
		channel:     ch,
		coordinator: coord,
		merger:      merger,
		logger:      logger,
		open:        make(map[string]*watcher),
	}
}

// Start arms the engine. Chats opened before Start return an error.
func (e *Engine) Start(ctx context.Context) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.ctx, e.stop = context.WithCancel(ctx)
	e.ready = true
}

// Stop closes every open chat and disarms the engine.
func (e *Engine) Stop() {
	e.mu.Lock()
	chats := make([]string, 0, len(e.open))
	for chatID := range e.open {
		chats = append(chats, chatID)
	}
	e.ready = false
	if e.stop != nil {
		e.stop()
	}
	e.mu.Unlock()

	for _, chatID := range chats {
		e.Close(chatID)
	}
}

// Open starts watching a chat: subscribe to its change feed, reconcile, then
// merge events as they arrive. Opening an already-open chat just re-runs the
// reconciliation pass.
func (e *Engine) Open(ctx context.Context, chatID string) error {
	e.mu.Lock()
	if !e.ready {
		e.mu.Unlock()
		return context.Canceled
	}
	if _, ok := e.open[chatID]; ok {
		e.mu.Unlock()
		return e.coordinator.Sync(ctx, chatID)
	}

	watchCtx, cancel := context.WithCancel(e.ctx)
	sub, err := e.channel.Subscribe(watchCtx, chatID)
	if err != nil {
		cancel()
		e.mu.Unlock()
		return err
	}
	w := &watcher{sub: sub, cancel: cancel, done: make(chan struct{})}
	e.open[chatID] = w
	e.mu.Unlock()

	// Subscribe before sync: events raced during the fetch are merged
	// idempotently afterwards instead of being lost.
	if err := e.coordinator.Sync(ctx, chatID); err != nil {
		e.logger.Warn("initial sync failed, serving cached view", zap.Error(err), zap.String("chat_id", chatID))
	}

	go e.watch(chatID, w)
	return nil
}

// Close stops watching a chat.
func (e *Engine) Close(chatID string) {
	e.mu.Lock()
	w, ok := e.open[chatID]
	if ok {
		delete(e.open, chatID)
	}
	e.mu.Unlock()
	if !ok {
		return
	}
	w.cancel()
	_ = w.sub.Close()
	<-w.done
}

func (e *Engine) watch(chatID string, w *watcher) {
	defer close(w.done)
	for evt := range w.sub.Events() {
		if err := e.merger.Apply(chatID, evt); err != nil {
			e.logger.Error("failed to merge realtime event", zap.Error(err), zap.String("chat_id", chatID))
		}
	}
}
