package db

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"strconv"
	"strings"
	"time"
)

//go:embed scripts/initdb.sql
var bootstrapFS embed.FS

const schemaVersion = 1

// EnsureBootstrapped applies the schema once and then checks that the
// embedding column was created with the configured dimension. A mismatch is
// fatal: vectors of another size cannot share the index.
func EnsureBootstrapped(ctx context.Context, db *sql.DB, embedDim int) error {
	ctxBoot, cancel := context.WithTimeout(ctx, 3*time.Minute)
	defer cancel()

	var exists bool
	err := db.QueryRowContext(ctxBoot, `
		SELECT EXISTS (
		  SELECT 1 FROM information_schema.tables
		  WHERE table_name = 'pdfrag_meta'
		)`).
		Scan(&exists)
	if err != nil {
		return fmt.Errorf("meta table check failed: %w", err)
	}

	hasVersion := false
	if exists {
		if err := db.QueryRowContext(ctxBoot, `SELECT EXISTS (SELECT 1 FROM pdfrag_meta WHERE version = $1)`, schemaVersion).Scan(&hasVersion); err != nil {
			return fmt.Errorf("meta version check failed: %w", err)
		}
	}
	if !hasVersion {
		if err := runBootstrap(ctxBoot, db, embedDim); err != nil {
			return err
		}
	}

	got, err := embeddingColumnDim(ctxBoot, db)
	if err != nil {
		return err
	}
	if got != embedDim {
		return fmt.Errorf("document_chunks.embedding is vector(%d) but EMBED_DIM is %d", got, embedDim)
	}
	return nil
}

func renderBootstrap(embedDim int) (string, error) {
	raw, err := bootstrapFS.ReadFile("scripts/initdb.sql")
	if err != nil {
		return "", fmt.Errorf("read initdb.sql: %w", err)
	}
	return strings.ReplaceAll(string(raw), "{{EMBED_DIM}}", strconv.Itoa(embedDim)), nil
}

func runBootstrap(ctx context.Context, db *sql.DB, embedDim int) error {
	if embedDim <= 0 {
		return fmt.Errorf("embedding dimension must be positive, got %d", embedDim)
	}
	script, err := renderBootstrap(embedDim)
	if err != nil {
		return err
	}

	tx, err := db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	if _, err := tx.ExecContext(ctx, script); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("exec bootstrap: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit bootstrap: %w", err)
	}
	return nil
}

// pgvector stores the declared dimension as the column typmod.
func embeddingColumnDim(ctx context.Context, db *sql.DB) (int, error) {
	var dim int
	err := db.QueryRowContext(ctx, `
		SELECT atttypmod FROM pg_attribute
		WHERE attrelid = 'document_chunks'::regclass AND attname = 'embedding'`).Scan(&dim)
	if err != nil {
		return 0, fmt.Errorf("read embedding column dimension: %w", err)
	}
	return dim, nil
}
