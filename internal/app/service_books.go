package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/export"
	"folio/api/internal/rbac"
	"folio/api/internal/search"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

// roleForBook resolves the caller's effective role on a book. Workspace
// admins are admin everywhere; everyone else gets their membership role, or
// RoleNone without a membership.
func (s *Service) roleForBook(ctx context.Context, session Session, bookID string) (rbac.Role, error) {
	if _, err := s.store.GetBook(ctx, bookID); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return rbac.RoleNone, domainError(http.StatusNotFound, "NOT_FOUND", "Book not found", nil)
		}
		return rbac.RoleNone, err
	}
	if session.IsAdmin {
		return rbac.RoleAdmin, nil
	}
	role, err := s.store.GetMembershipRole(ctx, bookID, session.UserID)
	if err != nil {
		return rbac.RoleNone, err
	}
	if role == "" {
		return rbac.RoleNone, nil
	}
	return rbac.Normalize(role), nil
}

func (s *Service) requireBookAction(ctx context.Context, session Session, bookID string, action rbac.Action) error {
	role, err := s.roleForBook(ctx, session, bookID)
	if err != nil {
		return err
	}
	if !rbac.Can(role, action) {
		return domainError(http.StatusForbidden, "FORBIDDEN", "You do not have permission to perform this action", nil)
	}
	return nil
}

// ---- books ----

func (s *Service) CreateBook(ctx context.Context, session Session, title, authorName string) (map[string]any, error) {
	bookTitle := strings.TrimSpace(title)
	if bookTitle == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Book title is required", nil)
	}
	author := strings.TrimSpace(authorName)
	if author == "" {
		author = session.UserName
	}

	book := store.Book{
		ID:         util.NewID("bok"),
		Title:      bookTitle,
		AuthorName: author,
		CreatedBy:  session.UserID,
	}
	if err := s.store.InsertBook(ctx, book); err != nil {
		return nil, err
	}
	// The creator edits their own book.
	if err := s.store.UpsertMembership(ctx, store.BookMembership{
		BookID:    book.ID,
		UserID:    session.UserID,
		Role:      string(rbac.RoleEditor),
		GrantedBy: session.UserID,
	}); err != nil {
		return nil, err
	}

	version := store.BookVersion{
		ID:        util.NewID("ver"),
		BookID:    book.ID,
		VersionNo: 1,
		Status:    "draft",
		CreatedBy: session.UserID,
	}
	if err := s.store.InsertVersion(ctx, version); err != nil {
		return nil, err
	}

	if err := s.archive.EnsureBookArchive(book.ID, session.UserName); err != nil {
		return nil, err
	}
	if s.search != nil {
		s.search.IndexBook(search.BookRecord{ID: book.ID, Title: book.Title, AuthorName: book.AuthorName})
	}

	return map[string]any{
		"id":         book.ID,
		"title":      book.Title,
		"authorName": book.AuthorName,
		"versions":   []map[string]any{versionPayload(version)},
	}, nil
}

func (s *Service) ListBooks(ctx context.Context, session Session) ([]map[string]any, error) {
	books, err := s.store.ListBooks(ctx, session.UserID, session.IsAdmin)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(books))
	for _, book := range books {
		items = append(items, map[string]any{
			"id":         book.ID,
			"title":      book.Title,
			"authorName": book.AuthorName,
			"createdAt":  book.CreatedAt.Format(time.RFC3339),
		})
	}
	return items, nil
}

func (s *Service) GetBook(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, bookID)
	if err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, bookID)
	if err != nil {
		return nil, err
	}

	versionItems := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		versionItems = append(versionItems, versionPayload(version))
	}
	memberItems := make([]map[string]any, 0, len(members))
	for _, member := range members {
		memberItems = append(memberItems, memberPayload(member))
	}
	return map[string]any{
		"id":         book.ID,
		"title":      book.Title,
		"authorName": book.AuthorName,
		"createdAt":  book.CreatedAt.Format(time.RFC3339),
		"versions":   versionItems,
		"members":    memberItems,
	}, nil
}

// ---- members ----

// AddMember grants or updates a book-level role. Editors manage the roster,
// which is why this gates on the publish action class rather than admin.
func (s *Service) AddMember(ctx context.Context, session Session, bookID, email, role string) (map[string]any, error) {
	if err := s.requireBookAction(ctx, session, bookID, rbac.ActionPublish); err != nil {
		return nil, err
	}
	switch rbac.Role(role) {
	case rbac.RoleViewer, rbac.RoleAuthor, rbac.RoleEditor:
	default:
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Role must be viewer, author or editor", nil)
	}

	user, err := s.store.GetUserByEmail(ctx, strings.ToLower(strings.TrimSpace(email)))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domainError(http.StatusNotFound, "NOT_FOUND", "No user with that email", nil)
		}
		return nil, err
	}

	if err := s.store.UpsertMembership(ctx, store.BookMembership{
		BookID:    bookID,
		UserID:    user.ID,
		Role:      role,
		GrantedBy: session.UserID,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"bookId":   bookID,
		"userId":   user.ID,
		"userName": user.DisplayName,
		"email":    user.Email,
		"role":     role,
	}, nil
}

func (s *Service) ListBookMembers(ctx context.Context, session Session, bookID string) ([]map[string]any, error) {
	if err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	members, err := s.store.ListMembers(ctx, bookID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(members))
	for _, member := range members {
		items = append(items, memberPayload(member))
	}
	return items, nil
}

// ---- versions ----

func (s *Service) ListBookVersions(ctx context.Context, session Session, bookID string) ([]map[string]any, error) {
	if err := s.requireBookAction(ctx, session, bookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	versions, err := s.store.ListVersions(ctx, bookID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(versions))
	for _, version := range versions {
		items = append(items, versionPayload(version))
	}
	return items, nil
}

// PublishVersion freezes a draft. A published version never goes back to
// draft; further edits happen on a clone.
func (s *Service) PublishVersion(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	version, err := s.getVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookAction(ctx, session, version.BookID, rbac.ActionPublish); err != nil {
		return nil, err
	}
	if version.Status != "draft" {
		return nil, domainError(http.StatusConflict, "VERSION_PUBLISHED", "Version is already published", nil)
	}
	if err := s.store.MarkVersionPublished(ctx, versionID); err != nil {
		return nil, err
	}
	published, err := s.getVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	return versionPayload(published), nil
}

func (s *Service) getVersion(ctx context.Context, versionID string) (store.BookVersion, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.BookVersion{}, domainError(http.StatusNotFound, "NOT_FOUND", "Version not found", nil)
		}
		return store.BookVersion{}, err
	}
	return version, nil
}

// ---- export ----

func (s *Service) ExportVersion(ctx context.Context, session Session, versionID string, format export.Format) (*export.Result, error) {
	version, err := s.getVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookAction(ctx, session, version.BookID, rbac.ActionRead); err != nil {
		return nil, err
	}
	if format != export.FormatPDF && format != export.FormatDOCX {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Format must be pdf or docx", nil)
	}
	result, err := export.NewService(s).Export(ctx, export.Request{VersionID: versionID, Format: format})
	if err != nil {
		if errors.Is(err, export.ErrPDFDependencyMissing) || errors.Is(err, export.ErrDOCXDependencyMissing) {
			return nil, domainError(http.StatusServiceUnavailable, "EXPORT_UNAVAILABLE", "Export renderer is not available on this host", nil)
		}
		return nil, err
	}
	return result, nil
}

// The service doubles as the export data source so the renderer stays
// decoupled from the store types.

func (s *Service) GetExportVersion(ctx context.Context, versionID string) (export.VersionInfo, error) {
	version, err := s.store.GetVersion(ctx, versionID)
	if err != nil {
		return export.VersionInfo{}, err
	}
	return export.VersionInfo{
		ID:          version.ID,
		BookID:      version.BookID,
		VersionNo:   version.VersionNo,
		Status:      version.Status,
		PublishedAt: version.PublishedAt,
	}, nil
}

func (s *Service) GetExportBook(ctx context.Context, bookID string) (export.BookInfo, error) {
	book, err := s.store.GetBook(ctx, bookID)
	if err != nil {
		return export.BookInfo{}, err
	}
	return export.BookInfo{ID: book.ID, Title: book.Title, AuthorName: book.AuthorName}, nil
}

func (s *Service) ListExportNodes(ctx context.Context, versionID string) ([]export.NodeInfo, error) {
	nodes, err := s.store.ListNodesByVersion(ctx, versionID)
	if err != nil {
		return nil, err
	}
	nodeIDs := make([]string, 0, len(nodes))
	for _, node := range nodes {
		nodeIDs = append(nodeIDs, node.ID)
	}
	contents, err := s.store.ListContentByNodeIDs(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	contentByNode := make(map[string]interface{}, len(contents))
	for _, content := range contents {
		contentByNode[content.NodeID] = export.ParseProseMirror(content.ContentJSON)
	}

	items := make([]export.NodeInfo, 0, len(nodes))
	for _, node := range nodes {
		items = append(items, export.NodeInfo{
			ID:         node.ID,
			ParentID:   node.ParentID,
			Title:      node.Title,
			Kind:       node.Kind,
			OrderIndex: node.OrderIndex,
			Content:    contentByNode[node.ID],
		})
	}
	return items, nil
}

// ---- payload helpers ----

func versionPayload(v store.BookVersion) map[string]any {
	payload := map[string]any{
		"id":        v.ID,
		"bookId":    v.BookID,
		"versionNo": v.VersionNo,
		"status":    v.Status,
		"createdAt": v.CreatedAt.Format(time.RFC3339),
	}
	if v.PublishedAt != nil {
		payload["publishedAt"] = v.PublishedAt.Format(time.RFC3339)
	}
	return payload
}

func memberPayload(m store.BookMembership) map[string]any {
	return map[string]any{
		"bookId":   m.BookID,
		"userId":   m.UserID,
		"userName": m.UserName,
		"email":    m.UserEmail,
		"role":     m.Role,
	}
}
