package db

import (
	"context"
	"fmt"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/models"
)

// MemoryClient is a process-local DbClient for tests and single-node local
// runs. Similarity search is brute force over every stored passage.
type MemoryClient struct {
	mu     sync.RWMutex
	users  map[string]models.User // by email
	docs   map[string]*models.Document
	chunks map[string][]models.DocumentChunk // by document id
	now    func() time.Time
}

func NewMemoryClient() *MemoryClient {
	return &MemoryClient{
		users:  make(map[string]models.User),
		docs:   make(map[string]*models.Document),
		chunks: make(map[string][]models.DocumentChunk),
		now:    time.Now,
	}
}

func (m *MemoryClient) Close() error { return nil }

func (m *MemoryClient) Ping(context.Context) error { return nil }

func (m *MemoryClient) CreateUser(_ context.Context, user *models.User) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.users[user.Email]; ok {
		return fmt.Errorf("duplicate email %q", user.Email)
	}
	m.users[user.Email] = *user
	return nil
}

func (m *MemoryClient) GetUserByEmail(_ context.Context, email string) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[email]
	if !ok {
		return nil, nil
	}
	return &u, nil
}

func (m *MemoryClient) CreateDocument(_ context.Context, doc *models.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.docs[doc.ID]; ok {
		return fmt.Errorf("duplicate document id %q", doc.ID)
	}
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *MemoryClient) GetDocumentByID(_ context.Context, id string) (*models.Document, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, nil
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryClient) ListDocumentsByUser(_ context.Context, userID string, filter models.DocumentFilter) ([]models.Document, int, error) {
	m.mu.RLock()
	var all []models.Document
	for _, d := range m.docs {
		if d.UserID != userID || d.Deleted() {
			continue
		}
		if filter.Status != "" && d.Status != filter.Status {
			continue
		}
		all = append(all, *d)
	}
	m.mu.RUnlock()

	sort.Slice(all, func(i, j int) bool {
		if !all[i].CreatedAt.Equal(all[j].CreatedAt) {
			return all[i].CreatedAt.After(all[j].CreatedAt)
		}
		return all[i].ID > all[j].ID
	})

	total := len(all)
	start := min(max(filter.Offset, 0), total)
	end := total
	if filter.Limit > 0 {
		end = min(start+filter.Limit, total)
	}
	return all[start:end], total, nil
}

func (m *MemoryClient) CountDocumentsByUser(_ context.Context, userID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, d := range m.docs {
		if d.UserID == userID && !d.Deleted() {
			n++
		}
	}
	return n, nil
}

func (m *MemoryClient) MarkDocumentCompleted(_ context.Context, id string, pageCount int, processedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Deleted() || d.Status != models.StatusProcessing {
		return false, nil
	}
	d.Status = models.StatusCompleted
	d.PageCount = &pageCount
	d.ProcessedAt = &processedAt
	d.ErrorMessage = nil
	d.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryClient) MarkDocumentFailed(_ context.Context, id string, message string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Status != models.StatusProcessing {
		return false, nil
	}
	d.Status = models.StatusFailed
	d.ErrorMessage = &message
	d.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryClient) SoftDeleteDocument(_ context.Context, id string, deletedAt time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok || d.Deleted() {
		return false, nil
	}
	d.DeletedAt = &deletedAt
	d.UpdatedAt = m.now()
	return true, nil
}

func (m *MemoryClient) FailStaleDocuments(_ context.Context, olderThan time.Time, message string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, d := range m.docs {
		if d.Status == models.StatusProcessing && d.CreatedAt.Before(olderThan) {
			d.Status = models.StatusFailed
			msg := message
			d.ErrorMessage = &msg
			d.UpdatedAt = m.now()
			n++
		}
	}
	return n, nil
}

func (m *MemoryClient) InsertDocumentChunks(_ context.Context, chunks []models.DocumentChunk) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ch := range chunks {
		if _, ok := m.docs[ch.DocumentID]; !ok {
			return fmt.Errorf("chunk %s references unknown document %s", ch.ID, ch.DocumentID)
		}
		for _, existing := range m.chunks[ch.DocumentID] {
			if existing.ChunkIndex == ch.ChunkIndex {
				return fmt.Errorf("duplicate chunk index %d for document %s", ch.ChunkIndex, ch.DocumentID)
			}
		}
	}
	for _, ch := range chunks {
		ch.Embedding = append([]float32(nil), ch.Embedding...)
		m.chunks[ch.DocumentID] = append(m.chunks[ch.DocumentID], ch)
	}
	return nil
}

func (m *MemoryClient) DeleteChunksByDocument(_ context.Context, documentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := int64(len(m.chunks[documentID]))
	delete(m.chunks, documentID)
	return n, nil
}

func (m *MemoryClient) CountChunksByDocument(_ context.Context, documentID string) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.chunks[documentID]), nil
}

func (m *MemoryClient) SearchChunks(_ context.Context, s models.ChunkSearch) ([]models.SimilarityMatch, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []models.SimilarityMatch
	for docID, chunks := range m.chunks {
		d := m.docs[docID]
		if d == nil || d.UserID != s.UserID || d.Deleted() || d.Status != models.StatusCompleted {
			continue
		}
		if s.DocumentID != "" && docID != s.DocumentID {
			continue
		}
		for _, ch := range chunks {
			sim, ok := cosineSimilarity(s.Embedding, ch.Embedding)
			if !ok {
				continue
			}
			out = append(out, models.SimilarityMatch{
				ChunkID:        ch.ID,
				DocumentID:     docID,
				DocumentTitle:  d.Title,
				DocumentStatus: d.Status,
				ChunkIndex:     ch.ChunkIndex,
				PageNumber:     ch.PageNumber,
				TokenCount:     ch.TokenCount,
				Content:        ch.Content,
				Similarity:     sim,
			})
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Similarity != out[j].Similarity {
			return out[i].Similarity > out[j].Similarity
		}
		return out[i].ChunkID < out[j].ChunkID
	})
	if s.Limit > 0 && len(out) > s.Limit {
		out = out[:s.Limit]
	}
	return out, nil
}

// cosineSimilarity is 1 - cosine distance. Vectors of different length or
// zero norm have no defined similarity.
func cosineSimilarity(a, b []float32) (float64, bool) {
	if len(a) != len(b) || len(a) == 0 {
		return 0, false
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0, false
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb)), true
}

var _ core.DbClient = (*MemoryClient)(nil)
