package export

import (
	"context"
	"fmt"
	"html/template"
	"sort"
	"time"
)

// DataStore defines the interface for data access
type DataStore interface {
	GetExportVersion(ctx context.Context, versionID string) (VersionInfo, error)
	GetExportBook(ctx context.Context, bookID string) (BookInfo, error)
	ListExportNodes(ctx context.Context, versionID string) ([]NodeInfo, error)
}

// Service provides book export functionality
type Service struct {
	store DataStore
}

// NewService creates a new export service
func NewService(store DataStore) *Service {
	return &Service{store: store}
}

// Export renders the whole version in reading order and generates the
// requested format.
func (s *Service) Export(ctx context.Context, req Request) (*Result, error) {
	version, err := s.store.GetExportVersion(ctx, req.VersionID)
	if err != nil {
		return nil, fmt.Errorf("get version: %w", err)
	}

	book, err := s.store.GetExportBook(ctx, version.BookID)
	if err != nil {
		return nil, fmt.Errorf("get book: %w", err)
	}

	nodes, err := s.store.ListExportNodes(ctx, req.VersionID)
	if err != nil {
		return nil, fmt.Errorf("list nodes: %w", err)
	}

	data := TemplateData{
		Title:       book.Title,
		AuthorName:  book.AuthorName,
		VersionNo:   version.VersionNo,
		Status:      version.Status,
		GeneratedAt: time.Now(),
		Entries:     FlattenEntries(nodes),
	}

	html, err := RenderBookHTML(data)
	if err != nil {
		return nil, fmt.Errorf("render template: %w", err)
	}

	title := fmt.Sprintf("%s-v%d", book.Title, version.VersionNo)
	switch req.Format {
	case FormatPDF:
		return exportPDF(html, title)
	case FormatDOCX:
		return exportDOCX(html, title)
	default:
		return nil, fmt.Errorf("unsupported format: %s", req.Format)
	}
}

// FlattenEntries walks the node set depth-first in sibling order and returns
// template entries. Heading level follows the node kind, not its depth, so a
// root-level chapter still renders as h2.
func FlattenEntries(nodes []NodeInfo) []TemplateEntry {
	children := make(map[string][]NodeInfo)
	for _, node := range nodes {
		key := ""
		if node.ParentID != nil {
			key = *node.ParentID
		}
		children[key] = append(children[key], node)
	}
	for key := range children {
		siblings := children[key]
		sort.SliceStable(siblings, func(i, j int) bool {
			if siblings[i].OrderIndex != siblings[j].OrderIndex {
				return siblings[i].OrderIndex < siblings[j].OrderIndex
			}
			return siblings[i].ID < siblings[j].ID
		})
		children[key] = siblings
	}

	entries := make([]TemplateEntry, 0, len(nodes))
	var walk func(parentKey string)
	walk = func(parentKey string) {
		for _, node := range children[parentKey] {
			entries = append(entries, TemplateEntry{
				Level:       kindLevel(node.Kind),
				Title:       node.Title,
				ContentHTML: template.HTML(ProseMirrorToHTML(node.Content)),
			})
			walk(node.ID)
		}
	}
	walk("")
	return entries
}

func kindLevel(kind string) int {
	switch kind {
	case "section":
		return 1
	case "chapter":
		return 2
	default:
		return 3
	}
}
