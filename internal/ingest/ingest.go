// Package ingest turns uploaded files into normalized documents. Each
// supported format registers an extractor; dispatch happens by file
// extension through a fixed-order registry.
package ingest

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sagecore/sage/pkg/types"
)

var (
	// ErrUnsupportedFormat indicates the file extension has no registered
	// extractor.
	ErrUnsupportedFormat = errors.New("unsupported document format")

	// ErrEmptyDocument indicates extraction yielded no usable text.
	ErrEmptyDocument = errors.New("document contains no extractable text")
)

// format binds file extensions to a text extractor.
type format struct {
	docType     types.DocumentType
	extensions  []string
	description string
	extract     func(data []byte) (string, error)
}

// formats is checked in order; the first extension match wins.
var formats = []format{
	{
		docType:     types.DocumentTypePDF,
		extensions:  []string{".pdf"},
		description: "PDF documents (text extraction, no OCR)",
		extract:     extractPDF,
	},
	{
		docType:     types.DocumentTypeDOCX,
		extensions:  []string{".docx"},
		description: "Word documents (DOCX only)",
		extract:     extractDOCX,
	},
	{
		docType:     types.DocumentTypeTXT,
		extensions:  []string{".txt"},
		description: "Plain text (UTF-8, UTF-16, Latin-1, Windows-1252)",
		extract:     extractText,
	},
	{
		docType:     types.DocumentTypeMarkdown,
		extensions:  []string{".md", ".markdown"},
		description: "Markdown (UTF-8)",
		extract:     extractMarkdown,
	},
}

// FormatInfo describes one supported format for the formats listing endpoint.
type FormatInfo struct {
	Type        string   `json:"type"`
	Extensions  []string `json:"extensions"`
	Description string   `json:"description"`
}

// SupportedFormats lists the registered formats in dispatch order.
func SupportedFormats() []FormatInfo {
	infos := make([]FormatInfo, 0, len(formats))
	for _, f := range formats {
		infos = append(infos, FormatInfo{
			Type:        string(f.docType),
			Extensions:  f.extensions,
			Description: f.description,
		})
	}
	return infos
}

// Metadata carries the caller-supplied attributes of an upload.
type Metadata struct {
	Customer string
	Project  string
	Extra    map[string]interface{}
}

// Service converts raw uploads into documents.
type Service struct{}

// NewService creates an ingestion service.
func NewService() *Service {
	return &Service{}
}

// Process extracts text from the uploaded file and returns a normalized
// document. The format is chosen by file extension.
func (s *Service) Process(filename string, data []byte, meta Metadata) (*types.Document, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	f, ok := lookup(ext)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedFormat, ext)
	}

	text, err := f.extract(data)
	if err != nil {
		return nil, fmt.Errorf("extracting %s: %w", filename, err)
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, filename)
	}

	now := time.Now().UTC()
	return &types.Document{
		ID:           uuid.NewString(),
		Filename:     filename,
		Content:      text,
		DocumentType: f.docType,
		Customer:     meta.Customer,
		Project:      meta.Project,
		Date:         now,
		Metadata:     meta.Extra,
		FileSize:     len(data),
		CreatedAt:    now,
	}, nil
}

// ProcessText ingests raw text submitted directly, without a file upload.
func (s *Service) ProcessText(upload types.DocumentUpload) (*types.Document, error) {
	content := strings.TrimSpace(upload.Content)
	if content == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyDocument, upload.Filename)
	}

	docType := types.DocumentTypeTXT
	if ext := strings.ToLower(filepath.Ext(upload.Filename)); ext == ".md" || ext == ".markdown" {
		docType = types.DocumentTypeMarkdown
	}

	now := time.Now().UTC()
	return &types.Document{
		ID:           uuid.NewString(),
		Filename:     upload.Filename,
		Content:      content,
		DocumentType: docType,
		Customer:     upload.Customer,
		Project:      upload.Project,
		Date:         now,
		Metadata:     upload.Metadata,
		FileSize:     len(upload.Content),
		CreatedAt:    now,
	}, nil
}

func lookup(ext string) (format, bool) {
	for _, f := range formats {
		for _, e := range f.extensions {
			if e == ext {
				return f, true
			}
		}
	}
	return format{}, false
}
