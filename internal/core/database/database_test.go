package db

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/markdave123-py/pdfrag/internal/models"
)

func seedDoc(t *testing.T, m *MemoryClient, id, user string, status models.DocumentStatus, created time.Time) {
	t.Helper()
	require.NoError(t, m.CreateDocument(context.Background(), &models.Document{
		ID: id, UserID: user, Title: "title " + id, FileName: id + ".pdf",
		Status: status, CreatedAt: created, UpdatedAt: created,
	}))
}

func TestMemoryListDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	base := time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC)
	seedDoc(t, m, "d1", "u1", models.StatusCompleted, base)
	seedDoc(t, m, "d2", "u1", models.StatusFailed, base.Add(time.Hour))
	seedDoc(t, m, "d3", "u1", models.StatusCompleted, base.Add(2*time.Hour))
	seedDoc(t, m, "d4", "u2", models.StatusCompleted, base)
	_, err := m.SoftDeleteDocument(ctx, "d3", base)
	require.NoError(t, err)

	docs, total, err := m.ListDocumentsByUser(ctx, "u1", models.DocumentFilter{Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, docs, 2)
	assert.Equal(t, "d2", docs[0].ID, "newest first")

	docs, total, err = m.ListDocumentsByUser(ctx, "u1", models.DocumentFilter{Status: models.StatusCompleted, Limit: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "d1", docs[0].ID)

	docs, total, err = m.ListDocumentsByUser(ctx, "u1", models.DocumentFilter{Limit: 10, Offset: 5})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Empty(t, docs)

	n, err := m.CountDocumentsByUser(ctx, "u1")
	require.NoError(t, err)
	assert.Equal(t, 2, n)
}

func TestMemoryMarkCompletedIsConditional(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	now := time.Now()
	seedDoc(t, m, "live", "u", models.StatusProcessing, now)
	seedDoc(t, m, "gone", "u", models.StatusProcessing, now)
	_, _ = m.SoftDeleteDocument(ctx, "gone", now)

	ok, err := m.MarkDocumentCompleted(ctx, "live", 3, now)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkDocumentCompleted(ctx, "live", 3, now)
	require.NoError(t, err)
	assert.False(t, ok, "already completed")

	ok, err = m.MarkDocumentCompleted(ctx, "gone", 1, now)
	require.NoError(t, err)
	assert.False(t, ok)

	d, _ := m.GetDocumentByID(ctx, "live")
	assert.Equal(t, models.StatusCompleted, d.Status)
	require.NotNil(t, d.PageCount)
	assert.Equal(t, 3, *d.PageCount)
}

func TestMemoryMarkFailedLeavesSettledDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	now := time.Now()
	seedDoc(t, m, "live", "u", models.StatusProcessing, now)
	seedDoc(t, m, "done", "u", models.StatusCompleted, now)

	ok, err := m.MarkDocumentFailed(ctx, "done", "late failure")
	require.NoError(t, err)
	assert.False(t, ok)
	d, _ := m.GetDocumentByID(ctx, "done")
	assert.Equal(t, models.StatusCompleted, d.Status)
	assert.Nil(t, d.ErrorMessage)

	ok, err = m.MarkDocumentFailed(ctx, "live", "boom")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = m.MarkDocumentFailed(ctx, "live", "second")
	require.NoError(t, err)
	assert.False(t, ok, "already failed")
	d, _ = m.GetDocumentByID(ctx, "live")
	assert.Equal(t, "boom", *d.ErrorMessage)

	ok, err = m.MarkDocumentFailed(ctx, "missing", "x")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestMemoryFailStaleDocuments(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	now := time.Now()
	seedDoc(t, m, "old", "u", models.StatusProcessing, now.Add(-time.Hour))
	seedDoc(t, m, "fresh", "u", models.StatusProcessing, now)
	seedDoc(t, m, "done", "u", models.StatusCompleted, now.Add(-time.Hour))

	n, err := m.FailStaleDocuments(ctx, now.Add(-30*time.Minute), "processing interrupted")
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	d, _ := m.GetDocumentByID(ctx, "old")
	assert.Equal(t, models.StatusFailed, d.Status)
	assert.Equal(t, "processing interrupted", *d.ErrorMessage)
	d, _ = m.GetDocumentByID(ctx, "fresh")
	assert.Equal(t, models.StatusProcessing, d.Status)
}

func TestMemorySearchScopesResults(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	now := time.Now()
	seedDoc(t, m, "mine", "u1", models.StatusCompleted, now)
	seedDoc(t, m, "theirs", "u2", models.StatusCompleted, now)
	seedDoc(t, m, "pending", "u1", models.StatusProcessing, now)
	seedDoc(t, m, "deleted", "u1", models.StatusCompleted, now)

	for _, id := range []string{"mine", "theirs", "pending", "deleted"} {
		require.NoError(t, m.InsertDocumentChunks(ctx, []models.DocumentChunk{
			{ID: id + "-0", DocumentID: id, ChunkIndex: 0, Content: "a", Embedding: []float32{1, 0}},
			{ID: id + "-1", DocumentID: id, ChunkIndex: 1, Content: "b", Embedding: []float32{1, 1}},
		}))
	}
	_, _ = m.SoftDeleteDocument(ctx, "deleted", now)

	got, err := m.SearchChunks(ctx, models.ChunkSearch{UserID: "u1", Embedding: []float32{1, 0}, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "mine-0", got[0].ChunkID)
	assert.InDelta(t, 1.0, got[0].Similarity, 1e-9)
	assert.InDelta(t, 0.7071, got[1].Similarity, 1e-4)
	assert.Equal(t, "title mine", got[0].DocumentTitle)

	got, err = m.SearchChunks(ctx, models.ChunkSearch{UserID: "u1", DocumentID: "theirs", Embedding: []float32{1, 0}, Limit: 10})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestMemoryInsertRejectsDuplicatesAtomically(t *testing.T) {
	ctx := context.Background()
	m := NewMemoryClient()
	seedDoc(t, m, "d", "u", models.StatusProcessing, time.Now())

	require.NoError(t, m.InsertDocumentChunks(ctx, []models.DocumentChunk{{ID: "c0", DocumentID: "d", ChunkIndex: 0}}))
	err := m.InsertDocumentChunks(ctx, []models.DocumentChunk{
		{ID: "c1", DocumentID: "d", ChunkIndex: 1},
		{ID: "c0b", DocumentID: "d", ChunkIndex: 0},
	})
	require.Error(t, err)
	n, _ := m.CountChunksByDocument(ctx, "d")
	assert.Equal(t, 1, n)

	assert.Error(t, m.InsertDocumentChunks(ctx, []models.DocumentChunk{{ID: "x", DocumentID: "nope"}}))

	removed, err := m.DeleteChunksByDocument(ctx, "d")
	require.NoError(t, err)
	assert.EqualValues(t, 1, removed)
}

func TestCosineSimilarity(t *testing.T) {
	s, ok := cosineSimilarity([]float32{1, 0}, []float32{0, 1})
	assert.True(t, ok)
	assert.InDelta(t, 0, s, 1e-9)

	s, ok = cosineSimilarity([]float32{1, 2}, []float32{-1, -2})
	assert.True(t, ok)
	assert.InDelta(t, -1, s, 1e-9)

	_, ok = cosineSimilarity([]float32{0, 0}, []float32{1, 1})
	assert.False(t, ok)
	_, ok = cosineSimilarity([]float32{1}, []float32{1, 1})
	assert.False(t, ok)
}

func TestBootstrapScriptRendersDimension(t *testing.T) {
	script, err := renderBootstrap(768)
	require.NoError(t, err)
	assert.Contains(t, script, "vector(768)")
	assert.NotContains(t, script, "{{EMBED_DIM}}")
	assert.True(t, strings.Contains(script, "ON DELETE CASCADE"))
}

func TestBuildDSN(t *testing.T) {
	_, err := buildDSN("", "")
	assert.Error(t, err)

	dsn, err := buildDSN("postgres://u:p@localhost:5432/db", "")
	require.NoError(t, err)
	assert.Equal(t, "postgres://u:p@localhost:5432/db", dsn)

	_, err = buildDSN("postgres://u:p@localhost:5432/db", "/does/not/exist.pem")
	assert.Error(t, err)
}
