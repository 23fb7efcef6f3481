package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"github.com/markdave123-py/pdfrag/internal/core"
	"github.com/markdave123-py/pdfrag/internal/core/events"
	"github.com/markdave123-py/pdfrag/internal/logger"
	"github.com/markdave123-py/pdfrag/internal/models"
)

const (
	pdfMIME          = "application/pdf"
	defaultListLimit = 20
	maxListLimit     = 100
	maxFileNameLen   = 255
)

var pdfMagic = []byte("%PDF")

// Dispatcher hands an accepted document to the ingestion pipeline. It must
// not block on the pipeline itself.
type Dispatcher interface {
	Dispatch(ctx context.Context, docID string) error
}

// PassageRemover drops the indexed passages of a document.
type PassageRemover interface {
	DeleteByDocument(ctx context.Context, documentID string) (int64, error)
}

type DocumentConfig struct {
	Bucket         string
	MaxUploadBytes int64
	MaxDocsPerUser int
}

type UploadInput struct {
	OwnerID     string
	FileName    string
	Title       string
	ContentType string
	Data        []byte
}

type UploadResult struct {
	DocumentID string                `json:"document_id"`
	Title      string                `json:"title"`
	FileName   string                `json:"file_name"`
	FileSize   int64                 `json:"file_size"`
	Status     models.DocumentStatus `json:"status"`
	UploadedAt time.Time             `json:"uploaded_at"`
}

type DocumentList struct {
	Documents []models.Document `json:"documents"`
	Total     int               `json:"total"`
	Limit     int               `json:"limit"`
	Offset    int               `json:"offset"`
}

type DocumentDetail struct {
	models.Document
	PassageCount int `json:"passage_count"`
}

type DocumentService struct {
	db       core.DbClient
	storage  core.ObjectClient
	dispatch Dispatcher
	passages PassageRemover
	events   events.Publisher
	cfg      DocumentConfig
	log      logger.Logger

	cleanup sync.WaitGroup
	now     func() time.Time
}

func NewDocumentService(db core.DbClient, storage core.ObjectClient, dispatch Dispatcher, passages PassageRemover, pub events.Publisher, cfg DocumentConfig, log logger.Logger) *DocumentService {
	if pub == nil {
		pub = events.NopPublisher{}
	}
	return &DocumentService{
		db: db, storage: storage, dispatch: dispatch, passages: passages,
		events: pub, cfg: cfg, log: log.Named("documents"),
		now: time.Now,
	}
}

// Upload validates the file, stores it, records a PROCESSING document and
// hands it to the pipeline. Nothing is written when validation or the quota
// check fails.
func (s *DocumentService) Upload(ctx context.Context, in UploadInput) (*UploadResult, error) {
	if in.OwnerID == "" {
		return nil, fmt.Errorf("%w: owner is required", core.ErrValidation)
	}
	if err := s.validateFile(in); err != nil {
		return nil, err
	}

	count, err := s.db.CountDocumentsByUser(ctx, in.OwnerID)
	if err != nil {
		return nil, fmt.Errorf("count documents: %w", err)
	}
	if s.cfg.MaxDocsPerUser > 0 && count >= s.cfg.MaxDocsPerUser {
		return nil, fmt.Errorf("%w: limit of %d documents reached", core.ErrQuotaExceeded, s.cfg.MaxDocsPerUser)
	}

	now := s.now().UTC()
	docID := uuid.NewString()
	fileName := sanitizeFileName(in.FileName)
	key := objectKey(in.OwnerID, docID, fileName, now)

	url, err := s.storage.UploadFile(ctx, s.cfg.Bucket, key, in.Data, pdfMIME)
	if err != nil {
		return nil, fmt.Errorf("store upload: %w", err)
	}

	title := strings.TrimSpace(in.Title)
	if title == "" {
		title = strings.TrimSuffix(fileName, filepath.Ext(fileName))
	}
	doc := &models.Document{
		ID:          docID,
		UserID:      in.OwnerID,
		Title:       title,
		FileName:    fileName,
		ContentType: pdfMIME,
		FileSize:    int64(len(in.Data)),
		StorageKey:  key,
		StorageURL:  url,
		Status:      models.StatusProcessing,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.db.CreateDocument(ctx, doc); err != nil {
		if derr := s.storage.DeleteFile(context.WithoutCancel(ctx), s.cfg.Bucket, key); derr != nil {
			s.log.Warn("orphaned upload", logger.String("key", key), logger.Error(derr))
		}
		return nil, fmt.Errorf("record document: %w", err)
	}

	if err := s.dispatch.Dispatch(ctx, docID); err != nil {
		s.log.Error("dispatch failed", logger.String("document_id", docID), logger.Error(err))
		if _, ferr := s.db.MarkDocumentFailed(context.WithoutCancel(ctx), docID, "could not schedule processing"); ferr != nil {
			s.log.Warn("document left processing", logger.String("document_id", docID), logger.Error(ferr))
		}
		return nil, fmt.Errorf("schedule ingestion: %w", err)
	}

	events.Emit(ctx, s.events, s.log, events.Event{
		Type: events.DocumentUploaded, UserID: in.OwnerID, DocumentID: docID,
		Payload: map[string]any{"file_size": doc.FileSize, "file_name": fileName},
	})
	s.log.Info("document accepted",
		logger.String("document_id", docID),
		logger.String("owner_id", in.OwnerID),
		logger.Int64("bytes", doc.FileSize))

	return &UploadResult{
		DocumentID: docID,
		Title:      title,
		FileName:   fileName,
		FileSize:   doc.FileSize,
		Status:     doc.Status,
		UploadedAt: now,
	}, nil
}

func (s *DocumentService) validateFile(in UploadInput) error {
	switch {
	case len(in.Data) == 0:
		return fmt.Errorf("%w: file is empty", core.ErrValidation)
	case s.cfg.MaxUploadBytes > 0 && int64(len(in.Data)) > s.cfg.MaxUploadBytes:
		return fmt.Errorf("%w: file exceeds %d bytes", core.ErrValidation, s.cfg.MaxUploadBytes)
	}
	declared := strings.TrimSpace(strings.SplitN(in.ContentType, ";", 2)[0])
	if !strings.EqualFold(declared, pdfMIME) {
		return fmt.Errorf("%w: content type %q is not %s", core.ErrValidation, in.ContentType, pdfMIME)
	}
	if !mimetype.Detect(in.Data).Is(pdfMIME) || !bytes.HasPrefix(in.Data, pdfMagic) {
		return fmt.Errorf("%w: file is not a PDF", core.ErrValidation)
	}
	return nil
}

func (s *DocumentService) List(ctx context.Context, ownerID string, filter models.DocumentFilter) (*DocumentList, error) {
	if filter.Status != "" && !filter.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", core.ErrValidation, filter.Status)
	}
	if filter.Limit < 0 || filter.Offset < 0 {
		return nil, fmt.Errorf("%w: limit and offset must not be negative", core.ErrValidation)
	}
	if filter.Limit == 0 {
		filter.Limit = defaultListLimit
	}
	filter.Limit = min(filter.Limit, maxListLimit)

	docs, total, err := s.db.ListDocumentsByUser(ctx, ownerID, filter)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	if docs == nil {
		docs = []models.Document{}
	}
	return &DocumentList{Documents: docs, Total: total, Limit: filter.Limit, Offset: filter.Offset}, nil
}

func (s *DocumentService) Get(ctx context.Context, ownerID, docID string) (*DocumentDetail, error) {
	doc, err := s.owned(ctx, ownerID, docID)
	if err != nil {
		return nil, err
	}
	n, err := s.db.CountChunksByDocument(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("count passages: %w", err)
	}
	return &DocumentDetail{Document: *doc, PassageCount: n}, nil
}

// Delete soft-deletes the document right away. Passages and the stored file
// are removed in the background.
func (s *DocumentService) Delete(ctx context.Context, ownerID, docID string) error {
	doc, err := s.owned(ctx, ownerID, docID)
	if err != nil {
		return err
	}
	ok, err := s.db.SoftDeleteDocument(ctx, docID, s.now().UTC())
	if err != nil {
		return fmt.Errorf("delete document: %w", err)
	}
	if !ok {
		return fmt.Errorf("%w: document %s", core.ErrNotFound, docID)
	}

	bg := context.WithoutCancel(ctx)
	s.cleanup.Add(1)
	go func() {
		defer s.cleanup.Done()
		s.purge(bg, doc)
	}()

	events.Emit(ctx, s.events, s.log, events.Event{
		Type: events.DocumentDeleted, UserID: ownerID, DocumentID: docID,
	})
	return nil
}

func (s *DocumentService) purge(ctx context.Context, doc *models.Document) {
	var errs []error
	if n, err := s.passages.DeleteByDocument(ctx, doc.ID); err != nil {
		errs = append(errs, err)
	} else {
		s.log.Debug("passages removed", logger.String("document_id", doc.ID), logger.Int64("count", n))
	}
	if doc.StorageKey != "" {
		if err := s.storage.DeleteFile(ctx, s.cfg.Bucket, doc.StorageKey); err != nil {
			errs = append(errs, err)
		}
	}
	if err := errors.Join(errs...); err != nil {
		s.log.Warn("document cleanup incomplete", logger.String("document_id", doc.ID), logger.Error(err))
	}
}

// Wait blocks until background cleanups have finished.
func (s *DocumentService) Wait() { s.cleanup.Wait() }

// owned loads a live document belonging to ownerID. Missing, foreign and
// deleted documents all look the same to the caller.
func (s *DocumentService) owned(ctx context.Context, ownerID, docID string) (*models.Document, error) {
	if docID == "" {
		return nil, fmt.Errorf("%w: document id is required", core.ErrValidation)
	}
	doc, err := s.db.GetDocumentByID(ctx, docID)
	if err != nil {
		return nil, fmt.Errorf("load document: %w", err)
	}
	if doc == nil || doc.UserID != ownerID || doc.Deleted() {
		return nil, fmt.Errorf("%w: document %s", core.ErrNotFound, docID)
	}
	return doc, nil
}

// objectKey lays uploads out per owner and month.
func objectKey(ownerID, docID, fileName string, at time.Time) string {
	return path.Join("users", ownerID, at.Format("2006"), at.Format("01"), docID, fileName)
}

func sanitizeFileName(name string) string {
	name = filepath.Base(strings.ReplaceAll(strings.TrimSpace(name), `\`, "/"))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)), r == '.', r == '-', r == '_':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	out := strings.Trim(b.String(), "._")
	if out == "" {
		return "document.pdf"
	}
	if len(out) > maxFileNameLen {
		ext := filepath.Ext(out)
		out = out[:maxFileNameLen-len(ext)] + ext
	}
	return out
}
