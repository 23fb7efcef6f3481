package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	middleware "github.com/markdave123-py/pdfrag/internal/api/middlewares"
	"github.com/markdave123-py/pdfrag/internal/core"
	db "github.com/markdave123-py/pdfrag/internal/core/database"
	objectclient "github.com/markdave123-py/pdfrag/internal/core/object-client"
	"github.com/markdave123-py/pdfrag/internal/core/rag"
	"github.com/markdave123-py/pdfrag/internal/core/vectorindex"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/services"
)

var samplePDF = []byte("%PDF-1.4\n1 0 obj\n<< /Type /Catalog >>\nendobj\ntrailer\n<< /Root 1 0 R >>\n%%EOF\n")

type nopDispatcher struct{}

func (nopDispatcher) Dispatch(context.Context, string) error { return nil }

type stubQuerier struct {
	answer *rag.Answer
	err    error
	events []rag.Event
	got    rag.QueryOptions
}

func (s *stubQuerier) Query(_ context.Context, _ string, opts rag.QueryOptions) (*rag.Answer, error) {
	s.got = opts
	return s.answer, s.err
}

func (s *stubQuerier) StreamQuery(_ context.Context, _ string, opts rag.QueryOptions) <-chan rag.Event {
	s.got = opts
	ch := make(chan rag.Event, len(s.events))
	for _, ev := range s.events {
		ch <- ev
	}
	close(ch)
	return ch
}

// asUser injects an owner id the way the JWT middleware would.
func asUser(id string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			next.ServeHTTP(w, r.WithContext(middleware.WithUserID(r.Context(), id)))
		})
	}
}

func newDocRouter(t *testing.T, user string, maxDocs int) http.Handler {
	t.Helper()
	store := db.NewMemoryClient()
	svc := services.NewDocumentService(store, objectclient.NewMemoryClient(), nopDispatcher{},
		vectorindex.New(store, vectorindex.DefaultOptions(2), logger.NewNop()), nil,
		services.DocumentConfig{Bucket: "docs", MaxUploadBytes: 1 << 10, MaxDocsPerUser: maxDocs},
		logger.NewNop())
	h := NewDocumentHandler(svc, 1<<10, logger.NewNop())

	r := chi.NewRouter()
	r.Use(asUser(user))
	r.Post("/api/documents", h.UploadDocument)
	r.Get("/api/documents", h.ListDocuments)
	r.Get("/api/documents/{id}", h.GetDocument)
	r.Delete("/api/documents/{id}", h.DeleteDocument)
	return r
}

func multipartPDF(t *testing.T, name, contentType string, data []byte) (*bytes.Buffer, string) {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	hdr := textproto.MIMEHeader{}
	hdr.Set("Content-Disposition", `form-data; name="file"; filename="`+name+`"`)
	hdr.Set("Content-Type", contentType)
	part, err := mw.CreatePart(hdr)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("title", "Quarterly numbers"))
	require.NoError(t, mw.Close())
	return &body, mw.FormDataContentType()
}

func upload(t *testing.T, h http.Handler, data []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, ct := multipartPDF(t, "q1.pdf", "application/pdf", data)
	req := httptest.NewRequest(http.MethodPost, "/api/documents", body)
	req.Header.Set("Content-Type", ct)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestDocumentLifecycle(t *testing.T) {
	h := newDocRouter(t, "u1", 5)

	rec := upload(t, h, samplePDF)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	var res services.UploadResult
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, "Quarterly numbers", res.Title)
	assert.Equal(t, "PROCESSING", string(res.Status))

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents?limit=5", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var list services.DocumentList
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	assert.Equal(t, 1, list.Total)
	assert.Equal(t, 5, list.Limit)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/"+res.DocumentID, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"passage_count":0`)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/documents/"+res.DocumentID, nil))
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents/"+res.DocumentID, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestUploadErrorStatuses(t *testing.T) {
	t.Run("not a pdf", func(t *testing.T) {
		rec := upload(t, newDocRouter(t, "u1", 5), []byte("just some text"))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("too large", func(t *testing.T) {
		big := append(append([]byte{}, samplePDF...), make([]byte, 4<<10)...)
		rec := upload(t, newDocRouter(t, "u1", 5), big)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("quota", func(t *testing.T) {
		h := newDocRouter(t, "u1", 1)
		require.Equal(t, http.StatusAccepted, upload(t, h, samplePDF).Code)
		rec := upload(t, h, samplePDF)
		assert.Equal(t, http.StatusForbidden, rec.Code)
	})
	t.Run("not multipart", func(t *testing.T) {
		rec := httptest.NewRecorder()
		newDocRouter(t, "u1", 5).ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/api/documents", strings.NewReader("{}")))
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestListRejectsBadParams(t *testing.T) {
	h := newDocRouter(t, "u1", 5)
	for _, q := range []string{"limit=abc", "offset=-1", "status=DONE"} {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/documents?"+q, nil))
		assert.Equal(t, http.StatusBadRequest, rec.Code, q)
	}
}

func TestHandlersRequireUser(t *testing.T) {
	h := NewDocumentHandler(nil, 1<<10, logger.NewNop())
	rec := httptest.NewRecorder()
	h.ListDocuments(rec, httptest.NewRequest(http.MethodGet, "/api/documents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func postQuery(h *QueryHandler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(body))
	req = req.WithContext(middleware.WithUserID(req.Context(), "u1"))
	rec := httptest.NewRecorder()
	h.Query(rec, req)
	return rec
}

func TestQueryBuffered(t *testing.T) {
	q := &stubQuerier{answer: &rag.Answer{Answer: "42", Sources: []rag.Source{}, TokensUsed: rag.TokensUsed{Total: 9}}}
	rec := postQuery(NewQueryHandler(q, logger.NewNop()), `{"query":"meaning?","documentId":"d1","topK":3}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"answer":"42","sources":[],"tokens_used":{"embedding":0,"prompt":0,"completion":0,"total":9}}`, rec.Body.String())
	assert.Equal(t, rag.QueryOptions{OwnerID: "u1", DocumentID: "d1", TopK: 3}, q.got)
}

func TestQueryErrorMapping(t *testing.T) {
	tests := []struct {
		err    error
		status int
		msg    string
	}{
		{core.ErrValidation, http.StatusBadRequest, "validation error"},
		{errors.Join(core.ErrEmbedding, errors.New("secret upstream detail")), http.StatusInternalServerError, "the language model is unavailable, try again later"},
		{core.ErrIndex, http.StatusInternalServerError, "internal server error"},
	}
	for _, tt := range tests {
		rec := postQuery(NewQueryHandler(&stubQuerier{err: tt.err}, logger.NewNop()), `{"query":"q"}`)
		assert.Equal(t, tt.status, rec.Code)
		assert.JSONEq(t, `{"error":"`+tt.msg+`"}`, rec.Body.String())
	}

	rec := postQuery(NewQueryHandler(&stubQuerier{}, logger.NewNop()), `{"query":"q","extra":true}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestQueryStream(t *testing.T) {
	q := &stubQuerier{events: []rag.Event{
		{Type: rag.EventSources, Sources: []rag.Source{{DocumentID: "d1", ChunkID: "c1", Excerpt: "x"}}},
		{Type: rag.EventChunk, Content: "Hello"},
		{Type: rag.EventDone, TokensUsed: rag.TokensUsed{Total: 3}},
	}}
	rec := postQuery(NewQueryHandler(q, logger.NewNop()), `{"query":"q","stream":true}`)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	frames := strings.Split(strings.TrimSpace(rec.Body.String()), "\n\n")
	require.Len(t, frames, 3)
	assert.True(t, strings.HasPrefix(frames[0], "event: sources\ndata: {\"sources\":[{"))
	assert.Equal(t, "event: chunk\ndata: {\"content\":\"Hello\"}", frames[1])
	assert.Equal(t, "event: done\ndata: {\"tokens_used\":{\"embedding\":0,\"prompt\":0,\"completion\":0,\"total\":3}}", frames[2])
}

func TestQueryStreamErrors(t *testing.T) {
	t.Run("before any output", func(t *testing.T) {
		q := &stubQuerier{events: []rag.Event{{Type: rag.EventError, Err: core.ErrValidation}}}
		rec := postQuery(NewQueryHandler(q, logger.NewNop()), `{"query":"","stream":true}`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
	t.Run("mid stream", func(t *testing.T) {
		q := &stubQuerier{events: []rag.Event{
			{Type: rag.EventSources, Sources: []rag.Source{}},
			{Type: rag.EventError, Err: core.ErrGeneration},
		}}
		rec := postQuery(NewQueryHandler(q, logger.NewNop()), `{"query":"q","stream":true}`)
		assert.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), "event: error\ndata: {\"error\":\"the language model is unavailable, try again later\"}")
	})
}

type fakeAuth struct{ err error }

func (f fakeAuth) Signup(context.Context, string, string) (*services.Session, error) {
	return &services.Session{Token: "t", UserID: "u1"}, f.err
}

func (f fakeAuth) Login(context.Context, string, string) (*services.Session, error) {
	if f.err != nil {
		return nil, f.err
	}
	return &services.Session{Token: "t", UserID: "u1"}, nil
}

func TestAuthHandler(t *testing.T) {
	h := NewAuthHandler(fakeAuth{}, logger.NewNop())
	rec := httptest.NewRecorder()
	h.Signup(rec, httptest.NewRequest(http.MethodPost, "/api/signup", strings.NewReader(`{"email":"a@b.co","password":"password1"}`)))
	assert.Equal(t, http.StatusCreated, rec.Code)
	assert.JSONEq(t, `{"token":"t","user_id":"u1"}`, rec.Body.String())

	h = NewAuthHandler(fakeAuth{err: core.ErrUnauthorized}, logger.NewNop())
	rec = httptest.NewRecorder()
	h.Login(rec, httptest.NewRequest(http.MethodPost, "/api/login", strings.NewReader(`{"email":"a@b.co","password":"x"}`)))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

type pingFunc func(context.Context) error

func (f pingFunc) Ping(ctx context.Context) error { return f(ctx) }

func TestHealthz(t *testing.T) {
	ok := NewHealthHandler(map[string]Pinger{"db": pingFunc(func(context.Context) error { return nil })})
	rec := httptest.NewRecorder()
	ok.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusOK, rec.Code)

	bad := NewHealthHandler(map[string]Pinger{"db": pingFunc(func(context.Context) error { return errors.New("down") })})
	rec = httptest.NewRecorder()
	bad.Healthz(rec, httptest.NewRequest(http.MethodGet, "/healthz", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"degraded"`)
}
