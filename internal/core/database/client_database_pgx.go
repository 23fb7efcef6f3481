package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/pgvector/pgvector-go"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/markdave123-py/pdfrag/internal/config"
	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/models"
)

type DatabaseClient struct {
	db *sql.DB
}

func NewDatabaseClient(ctx context.Context, cfg *config.Config) (core.DbClient, error) {
	if cfg == nil {
		return nil, fmt.Errorf("database client configuration is nil")
	}
	dsn, err := buildDSN(cfg.DatabaseURL, cfg.SslCertPath)
	if err != nil {
		return nil, err
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	db.SetMaxOpenConns(20)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)
	db.SetConnMaxIdleTime(10 * time.Minute)

	pingCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}

	if err := EnsureBootstrapped(ctx, db, cfg.EmbedDim); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("bootstrap: %w", err)
	}

	return &DatabaseClient{db: db}, nil
}

// buildDSN appends CA verification when a certificate path is configured.
func buildDSN(databaseURL, certPath string) (string, error) {
	if databaseURL == "" {
		return "", fmt.Errorf("DATABASE_URL is empty")
	}
	if certPath == "" {
		return databaseURL, nil
	}
	if _, err := os.Stat(certPath); err != nil {
		return "", fmt.Errorf("ssl cert not accessible at %q: %w", certPath, err)
	}
	u, err := url.Parse(databaseURL)
	if err != nil {
		return "", fmt.Errorf("invalid DATABASE_URL: %w", err)
	}
	q := u.Query()
	q.Set("sslmode", "verify-ca")
	q.Set("sslrootcert", certPath)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (c *DatabaseClient) Close() error {
	if c.db != nil {
		return c.db.Close()
	}
	return nil
}

func (c *DatabaseClient) Ping(ctx context.Context) error {
	return c.db.PingContext(ctx)
}

// Users

func (c *DatabaseClient) CreateUser(ctx context.Context, user *models.User) error {
	if user == nil {
		return errors.New("nil user")
	}
	const q = `
		INSERT INTO users (id, email, password_hash, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5)
	`
	_, err := c.db.ExecContext(ctx, q, user.ID, user.Email, user.PasswordHash, user.CreatedAt, user.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	const q = `
		SELECT id, email, password_hash, created_at, updated_at
		FROM users WHERE email = $1
	`
	var u models.User
	err := c.db.QueryRowContext(ctx, q, email).Scan(&u.ID, &u.Email, &u.PasswordHash, &u.CreatedAt, &u.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &u, nil
}

// Documents

const documentColumns = `
	id, user_id, title, file_name, content_type, file_size, storage_key, storage_url,
	page_count, status, error_message, created_at, updated_at, processed_at, deleted_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDocument(row rowScanner) (*models.Document, error) {
	var (
		d         models.Document
		pageCount sql.NullInt32
		errMsg    sql.NullString
		processed sql.NullTime
		deleted   sql.NullTime
	)
	if err := row.Scan(
		&d.ID, &d.UserID, &d.Title, &d.FileName, &d.ContentType, &d.FileSize, &d.StorageKey, &d.StorageURL,
		&pageCount, &d.Status, &errMsg, &d.CreatedAt, &d.UpdatedAt, &processed, &deleted,
	); err != nil {
		return nil, err
	}
	if pageCount.Valid {
		n := int(pageCount.Int32)
		d.PageCount = &n
	}
	if errMsg.Valid {
		d.ErrorMessage = &errMsg.String
	}
	if processed.Valid {
		d.ProcessedAt = &processed.Time
	}
	if deleted.Valid {
		d.DeletedAt = &deleted.Time
	}
	return &d, nil
}

func (c *DatabaseClient) CreateDocument(ctx context.Context, doc *models.Document) error {
	if doc == nil {
		return errors.New("nil document")
	}
	const q = `
		INSERT INTO documents
			(id, user_id, title, file_name, content_type, file_size, storage_key, storage_url, status, created_at, updated_at)
		VALUES
			($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`
	_, err := c.db.ExecContext(ctx, q,
		doc.ID, doc.UserID, doc.Title, doc.FileName, doc.ContentType, doc.FileSize,
		doc.StorageKey, doc.StorageURL, doc.Status, doc.CreatedAt, doc.UpdatedAt)
	return err
}

func (c *DatabaseClient) GetDocumentByID(ctx context.Context, id string) (*models.Document, error) {
	q := `SELECT ` + documentColumns + ` FROM documents WHERE id = $1`
	d, err := scanDocument(c.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return d, err
}

func (c *DatabaseClient) ListDocumentsByUser(ctx context.Context, userID string, filter models.DocumentFilter) ([]models.Document, int, error) {
	const where = ` WHERE user_id = $1 AND deleted_at IS NULL AND ($2 = '' OR status = $2)`

	var total int
	if err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM documents`+where, userID, string(filter.Status)).Scan(&total); err != nil {
		return nil, 0, err
	}

	q := `SELECT ` + documentColumns + ` FROM documents` + where + `
		ORDER BY created_at DESC, id DESC
		LIMIT $3 OFFSET $4`
	rows, err := c.db.QueryContext(ctx, q, userID, string(filter.Status), filter.Limit, filter.Offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	var out []models.Document
	for rows.Next() {
		d, err := scanDocument(rows)
		if err != nil {
			return nil, 0, err
		}
		out = append(out, *d)
	}
	return out, total, rows.Err()
}

func (c *DatabaseClient) CountDocumentsByUser(ctx context.Context, userID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx,
		`SELECT count(*) FROM documents WHERE user_id = $1 AND deleted_at IS NULL`, userID).Scan(&n)
	return n, err
}

func (c *DatabaseClient) MarkDocumentCompleted(ctx context.Context, id string, pageCount int, processedAt time.Time) (bool, error) {
	const q = `
		UPDATE documents
		SET status = 'COMPLETED', page_count = $2, processed_at = $3, error_message = NULL, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING' AND deleted_at IS NULL
	`
	res, err := c.db.ExecContext(ctx, q, id, pageCount, processedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *DatabaseClient) MarkDocumentFailed(ctx context.Context, id string, message string) (bool, error) {
	const q = `
		UPDATE documents
		SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE id = $1 AND status = 'PROCESSING'
	`
	res, err := c.db.ExecContext(ctx, q, id, message)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *DatabaseClient) SoftDeleteDocument(ctx context.Context, id string, deletedAt time.Time) (bool, error) {
	const q = `
		UPDATE documents SET deleted_at = $2, updated_at = now()
		WHERE id = $1 AND deleted_at IS NULL
	`
	res, err := c.db.ExecContext(ctx, q, id, deletedAt)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n > 0, err
}

func (c *DatabaseClient) FailStaleDocuments(ctx context.Context, olderThan time.Time, message string) (int64, error) {
	const q = `
		UPDATE documents
		SET status = 'FAILED', error_message = $2, updated_at = now()
		WHERE status = 'PROCESSING' AND created_at < $1
	`
	res, err := c.db.ExecContext(ctx, q, olderThan, message)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

// Chunks

// InsertDocumentChunks writes all chunks in one transaction with a prepared
// statement; callers size the groups.
func (c *DatabaseClient) InsertDocumentChunks(ctx context.Context, chunks []models.DocumentChunk) error {
	if len(chunks) == 0 {
		return nil
	}
	tx, err := c.db.BeginTx(ctx, &sql.TxOptions{})
	if err != nil {
		return err
	}

	const q = `
		INSERT INTO document_chunks
			(id, document_id, chunk_index, page_number, token_count, content, embedding, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`
	stmt, err := tx.PrepareContext(ctx, q)
	if err != nil {
		_ = tx.Rollback()
		return err
	}
	defer stmt.Close()

	for i := range chunks {
		ch := &chunks[i]
		if _, err := stmt.ExecContext(ctx,
			ch.ID, ch.DocumentID, ch.ChunkIndex, ch.PageNumber, ch.TokenCount, ch.Content,
			pgvector.NewVector(ch.Embedding), ch.CreatedAt,
		); err != nil {
			_ = tx.Rollback()
			return err
		}
	}
	return tx.Commit()
}

func (c *DatabaseClient) DeleteChunksByDocument(ctx context.Context, documentID string) (int64, error) {
	res, err := c.db.ExecContext(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, documentID)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (c *DatabaseClient) CountChunksByDocument(ctx context.Context, documentID string) (int, error) {
	var n int
	err := c.db.QueryRowContext(ctx, `SELECT count(*) FROM document_chunks WHERE document_id = $1`, documentID).Scan(&n)
	return n, err
}

// SearchChunks returns the nearest live, completed passages owned by the
// user, ordered by cosine distance.
func (c *DatabaseClient) SearchChunks(ctx context.Context, s models.ChunkSearch) ([]models.SimilarityMatch, error) {
	const q = `
		SELECT c.id, c.document_id, d.title, d.status, c.chunk_index, c.page_number, c.token_count, c.content,
		       1 - (c.embedding <=> $1) AS similarity
		FROM document_chunks c
		JOIN documents d ON d.id = c.document_id
		WHERE d.user_id = $2
		  AND d.deleted_at IS NULL
		  AND d.status = 'COMPLETED'
		  AND ($3 = '' OR c.document_id = $3)
		ORDER BY c.embedding <=> $1
		LIMIT $4
	`
	rows, err := c.db.QueryContext(ctx, q, pgvector.NewVector(s.Embedding), s.UserID, s.DocumentID, s.Limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.SimilarityMatch
	for rows.Next() {
		var (
			m    models.SimilarityMatch
			page sql.NullInt32
		)
		if err := rows.Scan(&m.ChunkID, &m.DocumentID, &m.DocumentTitle, &m.DocumentStatus, &m.ChunkIndex,
			&page, &m.TokenCount, &m.Content, &m.Similarity); err != nil {
			return nil, err
		}
		if page.Valid {
			n := int(page.Int32)
			m.PageNumber = &n
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

var _ core.DbClient = (*DatabaseClient)(nil)
