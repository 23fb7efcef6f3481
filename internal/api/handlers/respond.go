package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

type errorBody struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError answers with the status of err's kind. Server-side failures get
// a generic message; the cause only goes to the log.
func writeError(w http.ResponseWriter, log logger.Logger, err error) {
	status := core.HTTPStatus(err)
	writeJSON(w, status, errorBody{Error: publicMessage(status, err)})
	if status >= http.StatusInternalServerError {
		log.Error("request failed", logger.Error(err))
	}
}

func publicMessage(status int, err error) string {
	if status >= http.StatusInternalServerError {
		switch {
		case errors.Is(err, core.ErrEmbedding), errors.Is(err, core.ErrGeneration):
			return "the language model is unavailable, try again later"
		}
		return "internal server error"
	}
	return err.Error()
}

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("%w: invalid request body", core.ErrValidation)
	}
	return nil
}
