package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	middleware "github.com/markdave123-py/pdfrag/internal/api/middlewares"
	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
	"github.com/markdave123-py/pdfrag/internal/services"
)

// multipart framing allowance on top of the file itself
const formOverhead = 1 << 20

type DocumentManager interface {
	Upload(ctx context.Context, in services.UploadInput) (*services.UploadResult, error)
	List(ctx context.Context, ownerID string, filter models.DocumentFilter) (*services.DocumentList, error)
	Get(ctx context.Context, ownerID, docID string) (*services.DocumentDetail, error)
	Delete(ctx context.Context, ownerID, docID string) error
}

type DocumentHandler struct {
	docs      DocumentManager
	maxUpload int64
	log       logger.Logger
}

func NewDocumentHandler(docs DocumentManager, maxUpload int64, log logger.Logger) *DocumentHandler {
	return &DocumentHandler{docs: docs, maxUpload: maxUpload, log: log}
}

// UploadDocument accepts a multipart "file" (and optional "title") and answers
// 202 once the document is queued for processing.
func (h *DocumentHandler) UploadDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, h.log, core.ErrUnauthorized)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxUpload+formOverhead)
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			writeError(w, h.log, fmt.Errorf("%w: file exceeds %d bytes", core.ErrValidation, h.maxUpload))
			return
		}
		writeError(w, h.log, fmt.Errorf("%w: expected multipart form", core.ErrValidation))
		return
	}
	defer func() { _ = r.MultipartForm.RemoveAll() }()

	file, header, err := r.FormFile("file")
	if err != nil {
		writeError(w, h.log, fmt.Errorf("%w: missing file field", core.ErrValidation))
		return
	}
	defer file.Close()

	// one byte past the limit is enough for the service to reject it
	data, err := io.ReadAll(io.LimitReader(file, h.maxUpload+1))
	if err != nil {
		writeError(w, h.log, fmt.Errorf("read upload: %w", err))
		return
	}

	res, err := h.docs.Upload(r.Context(), services.UploadInput{
		OwnerID:     userID,
		FileName:    header.Filename,
		Title:       r.FormValue("title"),
		ContentType: header.Header.Get("Content-Type"),
		Data:        data,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusAccepted, res)
}

func (h *DocumentHandler) ListDocuments(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, h.log, core.ErrUnauthorized)
		return
	}

	q := r.URL.Query()
	limit, err := intParam(q.Get("limit"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	offset, err := intParam(q.Get("offset"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}

	list, err := h.docs.List(r.Context(), userID, models.DocumentFilter{
		Status: models.DocumentStatus(q.Get("status")),
		Limit:  limit,
		Offset: offset,
	})
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (h *DocumentHandler) GetDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, h.log, core.ErrUnauthorized)
		return
	}
	doc, err := h.docs.Get(r.Context(), userID, chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, doc)
}

func (h *DocumentHandler) DeleteDocument(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, h.log, core.ErrUnauthorized)
		return
	}
	if err := h.docs.Delete(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, h.log, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func intParam(v string) (int, error) {
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, fmt.Errorf("%w: %q is not a non-negative integer", core.ErrValidation, v)
	}
	return n, nil
}
