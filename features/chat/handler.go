package chat

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"docqa/internal/middleware"
)

const maxRequestBytes = 1 << 20

type Handler struct {
	service *Service
}

func NewHandler(s *Service) *Handler {
	return &Handler{service: s}
}

func (h *Handler) Chat(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetOwnerID(ctx)

	var req Request
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes)).Decode(&req); err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "Invalid request body", http.StatusBadRequest)
		return
	}

	if req.Stream {
		h.stream(w, r, owner, req)
		return
	}

	reply, err := h.service.Ask(ctx, owner, req)
	if err != nil {
		h.handleError(ctx, w, err)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": reply})
}

// sseWriter defers the SSE headers until the first event so request errors
// can still be answered with a JSON status.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	started bool
}

func (s *sseWriter) send(v interface{}) error {
	if !s.started {
		s.w.Header().Set("Content-Type", "text/event-stream")
		s.w.Header().Set("Cache-Control", "no-cache")
		s.w.Header().Set("Connection", "keep-alive")
		s.w.WriteHeader(http.StatusOK)
		s.started = true
	}
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintf(s.w, "data: %s\n\n", data); err != nil {
		return err
	}
	s.flusher.Flush()
	return nil
}

func (h *Handler) stream(w http.ResponseWriter, r *http.Request, owner string, req Request) {
	ctx := r.Context()
	flusher, ok := w.(http.Flusher)
	if !ok {
		h.writeError(ctx, w, "INTERNAL_ERROR", "Streaming unsupported", http.StatusInternalServerError)
		return
	}
	sse := &sseWriter{w: w, flusher: flusher}

	reply, err := h.service.AskStream(ctx, owner, req, func(chunk string) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		return sse.send(map[string]string{"chunk": chunk})
	})
	if err != nil {
		if !sse.started {
			h.handleError(ctx, w, err)
			return
		}
		slog.ErrorContext(ctx, "chat stream failed", "error", err)
		_ = sse.send(map[string]string{"error": "Failed to save the conversation"})
		return
	}

	if reply.Failed && reply.Error != "" {
		if err := sse.send(map[string]string{"error": reply.Error}); err != nil {
			return
		}
	}
	_ = sse.send(map[string]interface{}{"done": true, "conversationId": reply.ConversationID, "messageId": reply.MessageID})
}

func (h *Handler) ListConversations(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	convs, err := h.service.ListConversations(ctx, middleware.GetOwnerID(ctx))
	if err != nil {
		slog.ErrorContext(ctx, "failed to list conversations", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if convs == nil {
		convs = []Conversation{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": convs,
		"meta": map[string]int{"count": len(convs)},
	})
}

func (h *Handler) ListMessages(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	msgs, err := h.service.Messages(ctx, middleware.GetOwnerID(ctx), id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Conversation not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to list messages", "conversation_id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	if msgs == nil {
		msgs = []Message{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": msgs,
		"meta": map[string]int{"count": len(msgs)},
	})
}

func (h *Handler) handleError(ctx context.Context, w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrEmptyQuery), errors.Is(err, ErrQueryTooLong), errors.Is(err, ErrTooManyFilter):
		h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
	case errors.Is(err, sql.ErrNoRows):
		h.writeError(ctx, w, "NOT_FOUND", "Conversation not found", http.StatusNotFound)
	default:
		slog.ErrorContext(ctx, "chat failed", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
	}
}

func (h *Handler) writeJSON(ctx context.Context, w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.ErrorContext(ctx, "failed to encode response", "error", err)
	}
}

func (h *Handler) writeError(ctx context.Context, w http.ResponseWriter, code, message string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	resp := map[string]interface{}{
		"error": map[string]string{
			"code":    code,
			"message": message,
		},
		"correlationId": middleware.GetCorrelationID(ctx),
	}

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		slog.ErrorContext(ctx, "failed to encode error response", "error", err)
	}
}
