package realtime

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	heartbeatInterval = 25 * time.Second
	reconnectBase     = time.Second
	reconnectMax      = 30 * time.Second
)

// Socket implements Channel over the store's websocket endpoint.
type Socket struct {
	wsURL  string
	apiKey string
	token  string
	logger *zap.Logger
}

// NewSocket creates a websocket channel factory. baseURL is the store's
// http(s) endpoint; the websocket URL is derived from it.
func NewSocket(baseURL, apiKey, accessToken string, logger *zap.Logger) *Socket {
	ws := strings.Replace(baseURL, "http", "ws", 1)
	return &Socket{
		wsURL:  fmt.Sprintf("%s/realtime/v1/websocket?apikey=%s&vsn=1.0.0", ws, url.QueryEscape(apiKey)),
		apiKey: apiKey,
		token:  accessToken,
		logger: logger,
	}
}

// Subscribe opens a change-feed subscription for one chat. The returned
// subscription connects lazily and keeps reconnecting with capped backoff
// until Close is called or ctx is cancelled.
func (s *Socket) Subscribe(ctx context.Context, chatID string) (Subscription, error) {
	ctx, cancel := context.WithCancel(ctx)
	sub := &socketSub{
		socket: s,
		topic:  "realtime:public:messages:chat_id=eq." + chatID,
		events: make(chan Event, 64),
		cancel: cancel,
		logger: s.logger.With(zap.String("chat_id", chatID)),
	}
	go sub.run(ctx)
	return sub, nil
}

type socketSub struct {
	socket *Socket
	topic  string
	events chan Event
	cancel context.CancelFunc
	logger *zap.Logger

	writeMu sync.Mutex
	conn    *websocket.Conn
}

func (s *socketSub) Events() <-chan Event { return s.events }

// Close tears the subscription down. An in-flight frame may still be
// delivered; consumers treat events as at-least-once regardless.
func (s *socketSub) Close() error {
	s.cancel()
	return nil
}

func (s *socketSub) run(ctx context.Context) {
	defer close(s.events)

	delay := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}
		err := s.consume(ctx)
		if ctx.Err() != nil {
			return
		}
		s.logger.Warn("realtime connection lost, reconnecting",
			zap.Error(err), zap.Duration("backoff", delay))
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return
		}
		delay *= 2
		if delay > reconnectMax {
			delay = reconnectMax
		}
	}
}

// consume dials, joins the chat topic and pumps frames until the
// connection drops. A successful join resets nothing here; backoff reset
// happens implicitly because a long-lived connection dwarfs the delay.
func (s *socketSub) consume(ctx context.Context) error {
	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, _, err := dialer.DialContext(ctx, s.socket.wsURL, nil)
	if err != nil {
		return fmt.Errorf("dial realtime: %w", err)
	}
	s.writeMu.Lock()
	s.conn = conn
	s.writeMu.Unlock()
	defer func() { _ = conn.Close() }()

	// Close the transport when ctx is cancelled so ReadMessage unblocks.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			_ = conn.Close()
		case <-done:
		}
	}()

	if err := s.writeJSON(map[string]any{
		"topic":   s.topic,
		"event":   "phx_join",
		"payload": map[string]any{"user_token": s.socket.token},
		"ref":     "1",
	}); err != nil {
		return fmt.Errorf("join topic: %w", err)
	}

	go s.heartbeat(ctx, done)

	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("read frame: %w", err)
		}
		evt, err := parseFrame(data)
		if err != nil {
			s.logger.Warn("unparseable realtime frame", zap.Error(err))
			continue
		}
		if evt == nil {
			continue
		}
		select {
		case s.events <- evt:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (s *socketSub) heartbeat(ctx context.Context, done <-chan struct{}) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.writeJSON(map[string]any{
				"topic": "phoenix", "event": "heartbeat", "payload": map[string]any{}, "ref": "hb",
			}); err != nil {
				return
			}
		case <-done:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (s *socketSub) writeJSON(v any) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.conn == nil {
		return fmt.Errorf("no connection")
	}
	return s.conn.WriteJSON(v)
}
