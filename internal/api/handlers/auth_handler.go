package handlers

import (
	"context"
	"net/http"

	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/services"
)

type Authenticator interface {
	Signup(ctx context.Context, email, password string) (*services.Session, error)
	Login(ctx context.Context, email, password string) (*services.Session, error)
}

type AuthHandler struct {
	users Authenticator
	log   logger.Logger
}

func NewAuthHandler(users Authenticator, log logger.Logger) *AuthHandler {
	return &AuthHandler{users: users, log: log}
}

type credentials struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *AuthHandler) Signup(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	sess, err := h.users.Signup(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	var req credentials
	if err := decodeJSON(r, &req); err != nil {
		writeError(w, h.log, err)
		return
	}
	sess, err := h.users.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, h.log, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}
