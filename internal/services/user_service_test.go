package services

import (
	"context"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/pdfrag/internal/core"
	db "github.com/markdave123-py/pdfrag/internal/core/database"
	"github.com/markdave123-py/pdfrag/internal/logger"
)

const testSecret = "test-secret"

func TestSignupAndLogin(t *testing.T) {
	svc := NewUserService(db.NewMemoryClient(), testSecret, time.Hour, logger.NewNop())
	ctx := context.Background()

	signed, err := svc.Signup(ctx, "  Ada@Example.com ", "correct horse")
	require.NoError(t, err)
	require.NotEmpty(t, signed.UserID)

	claims := jwt.MapClaims{}
	_, err = jwt.ParseWithClaims(signed.Token, claims, func(*jwt.Token) (any, error) { return []byte(testSecret), nil })
	require.NoError(t, err)
	assert.Equal(t, signed.UserID, claims["user_id"])

	logged, err := svc.Login(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)
	assert.Equal(t, signed.UserID, logged.UserID)
}

func TestSignupRejects(t *testing.T) {
	svc := NewUserService(db.NewMemoryClient(), testSecret, 0, logger.NewNop())
	ctx := context.Background()
	_, err := svc.Signup(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)

	tests := []struct {
		name, email, password string
	}{
		{"bad email", "not-an-email", "correct horse"},
		{"short password", "bob@example.com", "short"},
		{"duplicate", "ADA@example.com", "another password"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := svc.Signup(ctx, tt.email, tt.password)
			assert.ErrorIs(t, err, core.ErrValidation)
		})
	}
}

func TestLoginRejectsBadCredentials(t *testing.T) {
	svc := NewUserService(db.NewMemoryClient(), testSecret, 0, logger.NewNop())
	ctx := context.Background()
	_, err := svc.Signup(ctx, "ada@example.com", "correct horse")
	require.NoError(t, err)

	_, err = svc.Login(ctx, "ada@example.com", "wrong horse")
	assert.ErrorIs(t, err, core.ErrUnauthorized)

	_, err = svc.Login(ctx, "nobody@example.com", "correct horse")
	assert.ErrorIs(t, err, core.ErrUnauthorized)
}
