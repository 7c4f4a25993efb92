// Package export renders a book version to PDF or DOCX.
package export

import (
	"errors"
	"time"
)

// Format represents the export output format
type Format string

const (
	FormatPDF  Format = "pdf"
	FormatDOCX Format = "docx"
)

// Request contains parameters for an export operation
type Request struct {
	VersionID string
	Format    Format
}

// Result contains the export output
type Result struct {
	Data     []byte
	Filename string
	MimeType string
}

// VersionInfo holds version metadata for export
type VersionInfo struct {
	ID          string
	BookID      string
	VersionNo   int
	Status      string
	PublishedAt *time.Time
}

// BookInfo holds book metadata for export
type BookInfo struct {
	ID         string
	Title      string
	AuthorName string
}

// NodeInfo holds one TOC entry plus its parsed rich-text content.
type NodeInfo struct {
	ID         string
	ParentID   *string
	Title      string
	Kind       string // section | chapter | heading
	OrderIndex int
	Content    interface{} // ProseMirror JSON, nil when the node has no content
}

var (
	// ErrPDFDependencyMissing indicates PDF export runtime dependencies are unavailable.
	ErrPDFDependencyMissing = errors.New("export pdf dependency missing")
	// ErrDOCXDependencyMissing indicates DOCX export runtime dependencies are unavailable.
	ErrDOCXDependencyMissing = errors.New("export docx dependency missing")
)
