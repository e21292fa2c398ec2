package api

import (
	"encoding/json"
	"net/http"

	"github.com/tmarotta/quill/internal/store"
)

type statusResponse struct {
	State   string `json:"state"`
	Profile string `json:"profile"`
}

type chatDTO struct {
	ChatID      string `json:"chat_id"`
	Preview     string `json:"preview"`
	LastAt      int64  `json:"last_message_at"`
	UnreadCount int    `json:"unread_count"`
}

type messageDTO struct {
	Key           string `json:"key"`
	ChatID        string `json:"chat_id"`
	LocalID       string `json:"local_id"`
	ServerID      string `json:"server_id,omitempty"`
	SenderID      string `json:"sender_id"`
	Body          string `json:"body"`
	Kind          string `json:"kind"`
	MediaRef      string `json:"media_ref,omitempty"`
	DurationSecs  int    `json:"duration_secs,omitempty"`
	DeliveryState string `json:"delivery_state"`
	Synced        bool   `json:"synced"`
	SortTs        int64  `json:"sort_ts"`
	CreatedAt     int64  `json:"created_at"`
}

type searchResultDTO struct {
	Message messageDTO `json:"message"`
	Snippet string     `json:"snippet"`
}

type sendRequest struct {
	Content      string `json:"content"`
	Kind         string `json:"kind"`
	MediaPath    string `json:"media_path"`
	DurationSecs int    `json:"duration_secs"`
}

type replyTarget struct {
	LocalID string `json:"local_id"`
}

type errorResponse struct {
	Error string `json:"error"`
}

func toChatDTO(c *store.Chat) chatDTO {
	return chatDTO{
		ChatID:      c.ChatID,
		Preview:     c.LastMessagePreview,
		LastAt:      c.LastMessageAt,
		UnreadCount: c.UnreadCount,
	}
}

func toMessageDTO(m *store.Message) messageDTO {
	return messageDTO{
		Key:           m.Key(),
		ChatID:        m.ChatID,
		LocalID:       m.LocalID,
		ServerID:      m.ServerID,
		SenderID:      m.SenderID,
		Body:          m.Body,
		Kind:          m.Kind,
		MediaRef:      m.MediaRef,
		DurationSecs:  m.DurationSecs,
		DeliveryState: string(m.DeliveryState),
		Synced:        m.Synced,
		SortTs:        m.SortTs,
		CreatedAt:     m.CreatedAt,
	}
}

func respondJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, code int, msg string) {
	respondJSON(w, code, errorResponse{Error: msg})
}
