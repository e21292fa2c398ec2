package store

import (
	"github.com/tmarotta/quill/internal/delivery"
	"github.com/tmarotta/quill/internal/identity"
)

// Chat is the derived per-conversation metadata projection. It is rebuilt
// from the messages table on every mutation and is never the sole source
// of truth.
type Chat struct {
	ChatID             string
	LastMessagePreview string
	LastMessageAt      int64
	UnreadCount        int
}

// Message is a cached message row. LocalID is always set: it is the
// client-generated id for messages originated on this device, and a copy of
// ServerID for messages that arrived already canonical. ServerID is empty
// while the message is pending.
type Message struct {
	ID            int64
	ChatID        string
	LocalID       string
	ServerID      string
	SenderID      string
	Body          string
	Kind          string // text, voice, image, video
	MediaRef      string
	DurationSecs  int
	DeliveryState delivery.State
	Synced        bool
	SortTs        int64 // server timestamp once synced, client timestamp before
	CreatedAt     int64 // client creation time, fixed for the row's life
	SendAttempts  int
}

// Identity returns the message's identity shape.
func (m *Message) Identity() identity.Identity {
	switch {
	case m.ServerID == "":
		return identity.Local(m.LocalID)
	case m.LocalID == "" || m.LocalID == m.ServerID:
		return identity.Canonical(m.ServerID)
	default:
		return identity.Reconciled(m.LocalID, m.ServerID)
	}
}

// Key returns the id the message is displayed and stored under.
func (m *Message) Key() string {
	id := m.Identity()
	return id.Key()
}

// SearchResult holds a message with a search snippet.
type SearchResult struct {
	Message Message
	Snippet string
}
