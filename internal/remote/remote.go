// Package remote implements the client for the hosted relational store's
// REST surface. The engine only depends on the Service interface; the HTTP
// client is one implementation of it.
package remote

import (
	"context"
	"time"
)

// Message is the canonical wire representation of a message row.
type Message struct {
	ID           string    `json:"id"`
	ChatID       string    `json:"chat_id"`
	SenderID     string    `json:"sender_id"`
	ClientID     string    `json:"client_id,omitempty"`
	Content      string    `json:"content"`
	Kind         string    `json:"kind"`
	MediaURL     string    `json:"media_url,omitempty"`
	DurationSecs int       `json:"duration_secs,omitempty"`
	Seen         bool      `json:"seen"`
	CreatedAt    time.Time `json:"created_at"`
}

// SendRequest carries a new message to the store. ClientID is the local id;
// the store persists and echoes it so reconciliation against the realtime
// feed is exact rather than heuristic.
type SendRequest struct {
	ChatID       string `json:"chat_id"`
	SenderID     string `json:"sender_id"`
	ClientID     string `json:"client_id"`
	Content      string `json:"content"`
	Kind         string `json:"kind"`
	MediaURL     string `json:"media_url,omitempty"`
	DurationSecs int    `json:"duration_secs,omitempty"`
}

// UpdateFields carries a partial update; nil fields are left untouched.
type UpdateFields struct {
	Content      *string `json:"content,omitempty"`
	MediaURL     *string `json:"media_url,omitempty"`
	Seen         *bool   `json:"seen,omitempty"`
	Kind         *string `json:"kind,omitempty"`
	DurationSecs *int    `json:"duration_secs,omitempty"`
}

// Service is the remote persistence contract the engine consumes. Sends
// must return the server-assigned id and timestamp.
type Service interface {
	ListMessages(ctx context.Context, chatID string) ([]Message, error)
	SendMessage(ctx context.Context, req SendRequest) (*Message, error)
	UpdateMessage(ctx context.Context, id string, fields UpdateFields) error
	DeleteMessage(ctx context.Context, id string) error
	MarkSeen(ctx context.Context, chatID, readerID string) error
}
