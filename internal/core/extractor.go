package core

import (
	"context"
	"time"
)

// ExtractOptions controls a single extraction.
type ExtractOptions struct {
	CleanText   bool
	UseFallback bool
}

// DocumentMetadata is best-effort; zero values mean the field was missing or unreadable.
type DocumentMetadata struct {
	Title        string     `json:"title,omitempty"`
	Author       string     `json:"author,omitempty"`
	Creator      string     `json:"creator,omitempty"`
	Producer     string     `json:"producer,omitempty"`
	CreationDate *time.Time `json:"creation_date,omitempty"`
}

// ExtractedText is the result of text extraction. Pages in Text are separated
// by a form feed.
type ExtractedText struct {
	Text      string
	PageCount int
	Metadata  DocumentMetadata
	Decoder   string
}

// DocumentExtractor turns raw document bytes into plain text.
type DocumentExtractor interface {
	Extract(ctx context.Context, data []byte, opts ExtractOptions) (*ExtractedText, error)
}
