package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	middleware "github.com/markdave123-py/pdfrag/internal/api/middlewares"
	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/rag"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

type Querier interface {
	Query(ctx context.Context, text string, opts rag.QueryOptions) (*rag.Answer, error)
	StreamQuery(ctx context.Context, text string, opts rag.QueryOptions) <-chan rag.Event
}

type QueryHandler struct {
	engine Querier
	log    logger.Logger
}

func NewQueryHandler(engine Querier, log logger.Logger) *QueryHandler {
	return &QueryHandler{engine: engine, log: log}
}

type queryRequest struct {
	Query      string `json:"query"`
	DocumentID string `json:"documentId"`
	TopK       int    `json:"topK"`
	Stream     bool   `json:"stream"`
}

// Query answers a question over the caller's documents. With stream=true the
// answer is sent as Server-Sent Events.
func (h *QueryHandler) Query(w http.ResponseWriter, r *http.Request) {
	userID, ok := middleware.UserID(r.Context())
	if !ok {
		writeError(w, h.log, core.ErrUnauthorized)
		return
	}
	var req queryRequest
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	if req.TopK < 0 {
		writeError(w, h.log, fmt.Errorf("%w: topK must not be negative", core.ErrValidation))
		return
	}
	opts := rag.QueryOptions{OwnerID: userID, DocumentID: req.DocumentID, TopK: req.TopK}

	if req.Stream {
		h.stream(w, r, req.Query, opts)
		return
	}

	ans, err := h.engine.Query(r.Context(), req.Query, opts)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, ans)
}

func (h *QueryHandler) stream(w http.ResponseWriter, r *http.Request, text string, opts rag.QueryOptions) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, h.log, errors.New("response writer cannot stream"))
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events := h.engine.StreamQuery(ctx, text, opts)

	// Errors before the first event still get a proper status code.
	first, open := <-events
	if !open {
		return
	}
	if first.Type == rag.EventError {
		writeError(w, h.log, first.Err)
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	for ev, open := first, true; open; ev, open = <-events {
		if err := writeEvent(w, ev, h.log); err != nil {
			h.log.Debug("stream client gone", logger.Error(err))
			return
		}
		flusher.Flush()
	}
}

type chunkData struct {
	Content string `json:"content"`
}

type sourcesData struct {
	Sources []rag.Source `json:"sources"`
}

type doneData struct {
	Answer     string         `json:"answer,omitempty"`
	TokensUsed rag.TokensUsed `json:"tokens_used"`
}

func writeEvent(w http.ResponseWriter, ev rag.Event, log logger.Logger) error {
	var data any
	switch ev.Type {
	case rag.EventSources:
		data = sourcesData{Sources: ev.Sources}
	case rag.EventChunk:
		data = chunkData{Content: ev.Content}
	case rag.EventDone:
		data = doneData{Answer: ev.Content, TokensUsed: ev.TokensUsed}
	case rag.EventError:
		status := core.HTTPStatus(ev.Err)
		if status >= http.StatusInternalServerError {
			log.Error("stream failed", logger.Error(ev.Err))
		}
		data = errorBody{Error: publicMessage(status, ev.Err)}
	}
	payload, err := json.Marshal(data)
	if err != nil {
		return err
	}
	_, err = fmt.Fprintf(w, "event: %s\ndata: %s\n\n", ev.Type, payload)
	return err
}
