package document

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"

	"docqa/internal/apperr"
	"docqa/internal/middleware"
)

const (
	defaultChunkPage = 50
	maxChunkPage     = 500
	// multipartSlack covers form boundaries and headers around the file part.
	multipartSlack = 1 << 20
)

type Handler struct {
	service *Service
}

func NewHandler(service *Service) *Handler {
	return &Handler{service: service}
}

func (h *Handler) Upload(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	owner := middleware.GetOwnerID(ctx)
	maxBytes := h.service.MaxBytes()

	r.Body = http.MaxBytesReader(w, r.Body, maxBytes+multipartSlack)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			h.writeError(ctx, w, "FILE_TOO_LARGE", "File exceeds the upload limit", http.StatusRequestEntityTooLarge)
			return
		}
		h.writeError(ctx, w, "BAD_REQUEST", "Invalid multipart form", http.StatusBadRequest)
		return
	}

	file, header, err := r.FormFile("file")
	if err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "Unable to retrieve file", http.StatusBadRequest)
		return
	}
	defer file.Close()

	if header.Size > maxBytes {
		h.writeError(ctx, w, "FILE_TOO_LARGE", "File exceeds the upload limit", http.StatusRequestEntityTooLarge)
		return
	}
	data, err := io.ReadAll(io.LimitReader(file, maxBytes+1))
	if err != nil {
		h.writeError(ctx, w, "BAD_REQUEST", "Unable to read file", http.StatusBadRequest)
		return
	}

	declared := r.FormValue("media_type")
	if declared == "" {
		declared = header.Header.Get("Content-Type")
	}

	doc, err := h.service.Upload(ctx, owner, header.Filename, declared, data)
	if err != nil {
		switch {
		case errors.Is(err, ErrFileTooLarge):
			h.writeError(ctx, w, "FILE_TOO_LARGE", "File exceeds the upload limit", http.StatusRequestEntityTooLarge)
		case errors.Is(err, apperr.ErrUnsupportedMediaType):
			h.writeError(ctx, w, "UNSUPPORTED_MEDIA_TYPE", "Only PDF, DOCX and plain text files are supported", http.StatusUnsupportedMediaType)
		case errors.Is(err, ErrEmptyUpload):
			h.writeError(ctx, w, "VALIDATION_ERROR", err.Error(), http.StatusBadRequest)
		default:
			slog.ErrorContext(ctx, "upload failed", "error", err, "filename", header.Filename)
			h.writeError(ctx, w, "INTERNAL_ERROR", "Internal Server Error", http.StatusInternalServerError)
		}
		return
	}

	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"data": doc})
}

func (h *Handler) List(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	docs, err := h.service.List(ctx, middleware.GetOwnerID(ctx))
	if err != nil {
		slog.ErrorContext(ctx, "failed to list documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	// Ensure we return [] instead of null for empty list
	if docs == nil {
		docs = []Document{}
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": docs,
		"meta": map[string]int{"count": len(docs)},
	})
}

func (h *Handler) Get(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	q := r.URL.Query()
	limit := intParam(q.Get("limit"), defaultChunkPage)
	if limit <= 0 || limit > maxChunkPage {
		h.writeError(ctx, w, "VALIDATION_ERROR", "limit must be between 1 and 500", http.StatusBadRequest)
		return
	}
	offset := intParam(q.Get("offset"), 0)
	if offset < 0 {
		h.writeError(ctx, w, "VALIDATION_ERROR", "offset must not be negative", http.StatusBadRequest)
		return
	}
	exclude, _ := strconv.ParseBool(q.Get("exclude_chunks"))

	detail, err := h.service.Get(ctx, middleware.GetOwnerID(ctx), id, limit, offset, !exclude)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to get document", "id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}

	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{
		"data": detail,
		"meta": map[string]int{"limit": limit, "offset": offset},
	})
}

func (h *Handler) Delete(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")
	if err := h.service.Delete(ctx, middleware.GetOwnerID(ctx), id); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
			return
		}
		slog.ErrorContext(ctx, "failed to delete document", "id", id, "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": "document deleted"})
}

func (h *Handler) DeleteAll(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	n, err := h.service.DeleteAll(ctx, middleware.GetOwnerID(ctx))
	if err != nil {
		slog.ErrorContext(ctx, "failed to delete owner documents", "error", err)
		h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		return
	}
	h.writeJSON(ctx, w, http.StatusOK, map[string]interface{}{"data": map[string]int{"deleted": n}})
}

func (h *Handler) Retry(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id := r.PathValue("id")

	doc, err := h.service.Retry(ctx, middleware.GetOwnerID(ctx), id)
	if err != nil {
		switch {
		case errors.Is(err, sql.ErrNoRows):
			h.writeError(ctx, w, "NOT_FOUND", "Document not found", http.StatusNotFound)
		case errors.Is(err, ErrNotRetryable):
			h.writeError(ctx, w, "NOT_RETRYABLE", err.Error(), http.StatusConflict)
		default:
			slog.ErrorContext(ctx, "failed to retry document", "id", id, "error", err)
			h.writeError(ctx, w, "INTERNAL_ERROR", err.Error(), http.StatusInternalServerError)
		}
		return
	}
	h.writeJSON(ctx, w, http.StatusAccepted, map[string]interface{}{"data": doc})
}

func intParam(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return -1
	}
	return v
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
