package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/googleapi"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/markdave123-py/pdfrag/internal/core"
)

func TestGoogleErrorMapping(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		code      int
		retryable bool
	}{
		{"googleapi 429", &googleapi.Error{Code: 429, Message: "slow down"}, 429, true},
		{"googleapi 400", &googleapi.Error{Code: 400, Message: "bad"}, 400, false},
		{"grpc exhausted", status.Error(codes.ResourceExhausted, "quota"), 429, true},
		{"grpc unavailable", status.Error(codes.Unavailable, "down"), 503, true},
		{"grpc invalid", status.Error(codes.InvalidArgument, "nope"), 400, false},
		{"grpc unauthenticated", status.Error(codes.Unauthenticated, "key"), 401, false},
		{"plain", errors.New("dial tcp: refused"), 0, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := googleError("gemini", tt.err)
			var pe *core.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, tt.code, pe.StatusCode)
			assert.Equal(t, tt.retryable, pe.Retryable())
		})
	}
}

func TestGoogleErrorKeepsCancellation(t *testing.T) {
	err := googleError("gemini", fmt.Errorf("rpc: %w", context.Canceled))
	assert.ErrorIs(t, err, context.Canceled)
	var pe *core.ProviderError
	assert.False(t, errors.As(err, &pe))
	assert.NoError(t, googleError("gemini", nil))
}

func TestOpenAIEmbedderOrdersByIndex(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/embeddings", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))

		var req openAIEmbeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "text-embedding-3-small", req.Model)
		assert.Equal(t, 3, req.Dimensions)
		assert.Equal(t, []string{"a", "b"}, req.Input)

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"data":[{"index":1,"embedding":[2,2,2]},{"index":0,"embedding":[1,1,1]}]}`))
	}))
	defer srv.Close()

	e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "sk-test", BaseURL: srv.URL + "/v1/", Dimension: 3})
	require.NoError(t, err)

	out, err := e.EmbedTexts(context.Background(), []string{"a", "b"})
	require.NoError(t, err)
	assert.Equal(t, [][]float32{{1, 1, 1}, {2, 2, 2}}, out)
}

func TestOpenAIEmbedderCarriesStatus(t *testing.T) {
	for _, code := range []int{400, 429, 500} {
		t.Run(fmt.Sprint(code), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(code)
				_, _ = w.Write([]byte(`{"error":{"message":"provider said no"}}`))
			}))
			defer srv.Close()

			e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k", BaseURL: srv.URL, Dimension: 3})
			require.NoError(t, err)

			_, err = e.EmbedTexts(context.Background(), []string{"a"})
			var pe *core.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.Equal(t, code, pe.StatusCode)
			assert.Equal(t, "provider said no", pe.Message)
		})
	}
}

func TestOpenAIEmbedderUnusableResponseIsPermanent(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"count mismatch", `{"data":[{"index":0,"embedding":[1]}]}`},
		{"index out of range", `{"data":[{"index":0,"embedding":[1]},{"index":7,"embedding":[2]}]}`},
		{"not json", `<html>gateway</html>`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			e, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k", BaseURL: srv.URL, Dimension: 1})
			require.NoError(t, err)
			_, err = e.EmbedTexts(context.Background(), []string{"a", "b"})
			var pe *core.ProviderError
			require.ErrorAs(t, err, &pe)
			assert.True(t, pe.Malformed)
			assert.Equal(t, http.StatusBadGateway, pe.StatusCode)
			assert.False(t, pe.Retryable())
		})
	}
}

func TestNewOpenAIEmbedderValidates(t *testing.T) {
	_, err := NewOpenAIEmbedder(OpenAIEmbedderConfig{Dimension: 3})
	assert.Error(t, err)
	_, err = NewOpenAIEmbedder(OpenAIEmbedderConfig{APIKey: "k"})
	assert.Error(t, err)
}
