package models

import (
	"time"
)

// DocumentStatus is the lifecycle state of an uploaded document.
type DocumentStatus string

const (
	StatusProcessing DocumentStatus = "PROCESSING"
	StatusCompleted  DocumentStatus = "COMPLETED"
	StatusFailed     DocumentStatus = "FAILED"
)

func (s DocumentStatus) Valid() bool {
	switch s {
	case StatusProcessing, StatusCompleted, StatusFailed:
		return true
	}
	return false
}

// User represents an authenticated user of the system.
type User struct {
	ID           string    `db:"id" json:"id"`
	Email        string    `db:"email" json:"email"`
	PasswordHash string    `db:"password_hash" json:"-"`
	CreatedAt    time.Time `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time `db:"updated_at" json:"updated_at"`
}

// Document is a user-uploaded PDF and its ingestion state.
type Document struct {
	ID           string         `db:"id" json:"id"`
	UserID       string         `db:"user_id" json:"user_id"`
	Title        string         `db:"title" json:"title"`
	FileName     string         `db:"file_name" json:"file_name"`
	ContentType  string         `db:"content_type" json:"content_type"`
	FileSize     int64          `db:"file_size" json:"file_size"`
	StorageKey   string         `db:"storage_key" json:"-"`
	StorageURL   string         `db:"storage_url" json:"-"`
	PageCount    *int           `db:"page_count" json:"page_count"`
	Status       DocumentStatus `db:"status" json:"status"`
	ErrorMessage *string        `db:"error_message" json:"error_message,omitempty"`
	CreatedAt    time.Time      `db:"created_at" json:"created_at"`
	UpdatedAt    time.Time      `db:"updated_at" json:"updated_at"`
	ProcessedAt  *time.Time     `db:"processed_at" json:"processed_at,omitempty"`
	DeletedAt    *time.Time     `db:"deleted_at" json:"-"`
}

// Deleted reports whether the document was soft-deleted.
func (d *Document) Deleted() bool { return d.DeletedAt != nil }

// DocumentChunk is one embedded passage of a document.
type DocumentChunk struct {
	ID         string    `db:"id" json:"id"`
	DocumentID string    `db:"document_id" json:"document_id"`
	ChunkIndex int       `db:"chunk_index" json:"chunk_index"`
	PageNumber *int      `db:"page_number" json:"page_number,omitempty"`
	TokenCount int       `db:"token_count" json:"token_count"`
	Content    string    `db:"content" json:"content"`
	Embedding  []float32 `db:"embedding" json:"-"` // pgvector column
	CreatedAt  time.Time `db:"created_at" json:"created_at"`
}

// SimilarityMatch joins a passage with its document and a similarity score
// relative to some query vector. Never persisted.
type SimilarityMatch struct {
	ChunkID        string         `json:"chunk_id"`
	DocumentID     string         `json:"document_id"`
	DocumentTitle  string         `json:"document_title"`
	DocumentStatus DocumentStatus `json:"document_status"`
	ChunkIndex     int            `json:"chunk_index"`
	PageNumber     *int           `json:"page_number,omitempty"`
	TokenCount     int            `json:"token_count"`
	Content        string         `json:"content"`
	Similarity     float64        `json:"similarity"`
}

// EmbeddingResult is a single embedded text.
type EmbeddingResult struct {
	Vector []float32 `json:"vector"`
	Tokens int       `json:"tokens"`
	Model  string    `json:"model"`
	Cost   float64   `json:"cost"`
	Cached bool      `json:"cached"`
}

// DocumentFilter narrows ListDocumentsByUser.
type DocumentFilter struct {
	Status DocumentStatus
	Limit  int
	Offset int
}

// ChunkSearch is the raw nearest-neighbour query handed to a store.
// Limit is the number of candidates, not the final topK.
type ChunkSearch struct {
	UserID     string
	DocumentID string
	Embedding  []float32
	Limit      int
}
