package core

import (
	"context"
	"time"

	"github.com/markdave123-py/pdfrag/internal/models"
)

// DbClient defines all persistence operations the services need.
// It abstracts Postgres/pgvector so higher layers never depend on a specific DB.
type DbClient interface {
	CreateUser(ctx context.Context, user *models.User) error
	GetUserByEmail(ctx context.Context, email string) (*models.User, error)

	CreateDocument(ctx context.Context, doc *models.Document) error
	// GetDocumentByID returns nil, nil when no row exists. Soft-deleted rows
	// are returned; callers decide what deleted means to them.
	GetDocumentByID(ctx context.Context, id string) (*models.Document, error)
	ListDocumentsByUser(ctx context.Context, userID string, filter models.DocumentFilter) ([]models.Document, int, error)
	CountDocumentsByUser(ctx context.Context, userID string) (int, error)
	// MarkDocumentCompleted only moves a live PROCESSING document; it reports
	// whether a row was updated.
	MarkDocumentCompleted(ctx context.Context, id string, pageCount int, processedAt time.Time) (bool, error)
	// MarkDocumentFailed has the same guard: COMPLETED and FAILED are final.
	MarkDocumentFailed(ctx context.Context, id string, message string) (bool, error)
	SoftDeleteDocument(ctx context.Context, id string, deletedAt time.Time) (bool, error)
	FailStaleDocuments(ctx context.Context, olderThan time.Time, message string) (int64, error)

	InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error
	DeleteChunksByDocument(ctx context.Context, documentID string) (int64, error)
	CountChunksByDocument(ctx context.Context, documentID string) (int, error)
	SearchChunks(ctx context.Context, q models.ChunkSearch) ([]models.SimilarityMatch, error)

	Close() error
}

// ObjectClient defines interactions with S3 or any object storage.
type ObjectClient interface {
	UploadFile(ctx context.Context, bucket, key string, data []byte, contentType string) (url string, err error)
	DeleteFile(ctx context.Context, bucket, key string) error
	GetFile(ctx context.Context, bucket, key string) ([]byte, error)
}
