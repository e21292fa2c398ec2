// Package api exposes the daemon's control surface over HTTP. The server
// listens on a per-profile unix socket; the CLI is the only intended client.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/tmarotta/quill/internal/bus"
	"github.com/tmarotta/quill/internal/outbox"
	"github.com/tmarotta/quill/internal/status"
	"github.com/tmarotta/quill/internal/store"
	enginesync "github.com/tmarotta/quill/internal/sync"
	"go.uber.org/zap"
)

// API holds the handler dependencies.
type API struct {
	db      *store.DB
	drainer *outbox.Drainer
	coord   *enginesync.Coordinator
	engine  *enginesync.Engine
	replies *enginesync.ReplyTargets
	machine *status.Machine
	bus      *bus.Bus
	logger   *zap.Logger
	profile  string
	previews *previewCache
}

// New creates the control API.
func New(db *store.DB, drainer *outbox.Drainer, coord *enginesync.Coordinator,
	engine *enginesync.Engine, replies *enginesync.ReplyTargets,
	machine *status.Machine, b *bus.Bus, profile string, logger *zap.Logger) *API {
	return &API{
		db:       db,
		drainer:  drainer,
		coord:    coord,
		engine:   engine,
		replies:  replies,
		machine:  machine,
		bus:      b,
		logger:   logger,
		profile:  profile,
		previews: newPreviewCache(2 * time.Second),
	}
}

// Router builds the HTTP route tree.
func (a *API) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		r.Get("/status", a.handleStatus)
		r.Get("/chats", a.handleListChats)
		r.Get("/search", a.handleSearch)
		r.Post("/app/foreground", a.handleForeground)

		r.Route("/chats/{chatID}", func(r chi.Router) {
			r.Get("/messages", a.handleListMessages)
			r.Post("/messages", a.handleSend)
			r.Post("/messages/{localID}/retry", a.handleRetry)
			r.Delete("/messages/{localID}", a.handleDeleteMessage)
			r.Post("/sync", a.handleSync)
			r.Post("/open", a.handleOpen)
			r.Post("/close", a.handleClose)
			r.Post("/read", a.handleRead)
			r.Get("/reply", a.handleGetReply)
			r.Put("/reply", a.handleSetReply)
			r.Delete("/reply", a.handleClearReply)
		})
	})
	return r
}

func (a *API) handleStatus(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, statusResponse{
		State:   string(a.machine.Current()),
		Profile: a.profile,
	})
}

func (a *API) handleListChats(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", 50)
	offset := queryInt(r, "offset", 0)

	// Only the default page is memoized; explicit paging always hits the db.
	cacheable := limit == 50 && offset == 0
	if cacheable {
		if cached, ok := a.previews.get(); ok {
			respondJSON(w, http.StatusOK, cached)
			return
		}
	}

	chats, err := a.db.ListChats(limit, offset)
	if err != nil {
		a.serverError(w, "list chats", err)
		return
	}
	out := make([]chatDTO, 0, len(chats))
	for i := range chats {
		out = append(out, toChatDTO(&chats[i]))
	}
	if cacheable {
		a.previews.put(out)
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleListMessages(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	msgs, err := a.db.GetMessages(chatID)
	if err != nil {
		a.serverError(w, "list messages", err)
		return
	}
	out := make([]messageDTO, 0, len(msgs))
	for i := range msgs {
		out = append(out, toMessageDTO(&msgs[i]))
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Kind == "" {
		req.Kind = "text"
	}

	msg, err := a.drainer.Enqueue(outbox.SendParams{
		ChatID:       chatID,
		Content:      req.Content,
		Kind:         req.Kind,
		MediaPath:    req.MediaPath,
		DurationSecs: req.DurationSecs,
	})
	if err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	a.previews.Invalidate()
	// The response is the optimistic pending row; delivery happens behind it.
	go a.drainer.DrainChat(context.Background(), chatID)
	respondJSON(w, http.StatusCreated, toMessageDTO(msg))
}

func (a *API) handleRetry(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	localID := chi.URLParam(r, "localID")
	if err := a.drainer.Retry(r.Context(), chatID, localID); err != nil {
		respondError(w, http.StatusConflict, err.Error())
		return
	}
	a.previews.Invalidate()
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) handleDeleteMessage(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	localID := chi.URLParam(r, "localID")
	if err := a.coord.DeleteMessage(r.Context(), chatID, localID); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.previews.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSync(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := a.coord.Sync(r.Context(), chatID); err != nil {
		respondError(w, http.StatusBadGateway, err.Error())
		return
	}
	a.previews.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleOpen(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := a.engine.Open(r.Context(), chatID); err != nil {
		if errors.Is(err, context.Canceled) {
			respondError(w, http.StatusServiceUnavailable, "engine not running")
			return
		}
		// The chat is being watched even if the initial pass failed.
		a.logger.Warn("open finished with error", zap.Error(err), zap.String("chat_id", chatID))
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClose(w http.ResponseWriter, r *http.Request) {
	a.engine.Close(chi.URLParam(r, "chatID"))
	a.replies.Clear(chi.URLParam(r, "chatID"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleRead(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	if err := a.coord.MarkRead(r.Context(), chatID); err != nil {
		a.serverError(w, "mark read", err)
		return
	}
	a.previews.Invalidate()
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleGetReply(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	localID, ok := a.replies.Get(chatID)
	if !ok {
		respondError(w, http.StatusNotFound, "no reply target")
		return
	}
	respondJSON(w, http.StatusOK, replyTarget{LocalID: localID})
}

func (a *API) handleSetReply(w http.ResponseWriter, r *http.Request) {
	chatID := chi.URLParam(r, "chatID")
	var req replyTarget
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.LocalID == "" {
		respondError(w, http.StatusBadRequest, "local_id required")
		return
	}
	m, err := a.db.GetMessageByLocalID(chatID, req.LocalID)
	if err != nil {
		a.serverError(w, "get reply target", err)
		return
	}
	if m == nil {
		respondError(w, http.StatusNotFound, "message not found")
		return
	}
	a.replies.Set(chatID, req.LocalID)
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleClearReply(w http.ResponseWriter, r *http.Request) {
	a.replies.Clear(chi.URLParam(r, "chatID"))
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	if query == "" {
		respondError(w, http.StatusBadRequest, "q required")
		return
	}
	results, err := a.db.SearchMessages(query, r.URL.Query().Get("chat_id"), queryInt(r, "limit", 50))
	if err != nil {
		a.serverError(w, "search", err)
		return
	}
	out := make([]searchResultDTO, 0, len(results))
	for i := range results {
		out = append(out, searchResultDTO{
			Message: toMessageDTO(&results[i].Message),
			Snippet: results[i].Snippet,
		})
	}
	respondJSON(w, http.StatusOK, out)
}

func (a *API) handleForeground(w http.ResponseWriter, _ *http.Request) {
	a.bus.Emit(bus.KindAppForeground, nil)
	w.WriteHeader(http.StatusAccepted)
}

func (a *API) serverError(w http.ResponseWriter, op string, err error) {
	a.logger.Error("request failed", zap.String("op", op), zap.Error(err))
	respondError(w, http.StatusInternalServerError, err.Error())
}

func queryInt(r *http.Request, key string, def int) int {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return n
}
