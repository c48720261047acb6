package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/puckettventures/converse/internal/models"
	"github.com/puckettventures/converse/internal/narration"
	"github.com/puckettventures/converse/internal/session"
	"github.com/puckettventures/converse/pkg/textextract"
)

// NarrationService is satisfied by *narration.Service.
type NarrationService interface {
	CreateSession(ctx context.Context, req narration.CreateRequest) (*models.Session, error)
	Status(ctx context.Context, id string) (*narration.StatusView, error)
}

type NarrationHandler struct {
	svc       NarrationService
	maxUpload int64
}

func NewNarrationHandler(svc NarrationService, maxUpload int64) *NarrationHandler {
	if maxUpload <= 0 {
		maxUpload = 10 << 20
	}
	return &NarrationHandler{svc: svc, maxUpload: maxUpload}
}

type createResponse struct {
	SessionID  string               `json:"session_id"`
	Status     models.SessionStatus `json:"status"`
	Paragraphs int                  `json:"paragraphs"`
}

// Create accepts either a JSON body or a multipart upload with a "file"
// part and an optional "callback_url" field.
func (h *NarrationHandler) Create(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload)

	var req narration.CreateRequest
	mt, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mt == "multipart/form-data" {
		text, err := h.readUpload(r)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		req.Text = text
		req.CallbackURL = r.FormValue("callback_url")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sess, err := h.svc.CreateSession(r.Context(), req)
	if errors.Is(err, narration.ErrEmptyText) {
		writeError(w, http.StatusBadRequest, "text is required")
		return
	}
	if err != nil {
		slog.Error("failed to create narration", "error", err)
		writeError(w, http.StatusInternalServerError, "failed to create narration")
		return
	}

	writeJSON(w, http.StatusAccepted, createResponse{
		SessionID:  sess.ID,
		Status:     sess.Status,
		Paragraphs: len(sess.Paragraphs),
	})
}

func (h *NarrationHandler) readUpload(r *http.Request) (string, error) {
	if err := r.ParseMultipartForm(h.maxUpload); err != nil {
		return "", errors.New("invalid multipart form")
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return "", errors.New("file is required")
	}
	defer file.Close()

	kind, err := textextract.Kind(header.Filename, header.Header.Get("Content-Type"))
	if err != nil {
		return "", err
	}
	data, err := io.ReadAll(file)
	if err != nil {
		return "", errors.New("failed to read file")
	}
	text, err := textextract.Extract(bytes.NewReader(data), int64(len(data)), kind)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(text), nil
}

func (h *NarrationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	view, err := h.svc.Status(r.Context(), id)
	if errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusNotFound, "narration not found")
		return
	}
	if err != nil {
		slog.Error("failed to load narration", "session_id", id, "error", err)
		writeError(w, http.StatusInternalServerError, "failed to load narration")
		return
	}
	writeJSON(w, http.StatusOK, view)
}
