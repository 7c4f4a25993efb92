package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
)

// canEditContent implements the assignment-scoped content check: editors (and
// admins) may edit any node's content, authors only nodes they are assigned
// to.
func (s *Service) canEditContent(ctx context.Context, session Session, bookID string, nodeID string) error {
	role, err := s.roleForBook(ctx, session, bookID)
	if err != nil {
		return err
	}
	if rbac.Can(role, rbac.ActionWriteStructure) {
		return nil
	}
	if rbac.Can(role, rbac.ActionWriteContent) {
		assigned, err := s.store.GetAssignmentRole(ctx, nodeID, session.UserID)
		if err != nil {
			return err
		}
		if assigned != "" {
			return nil
		}
	}
	return domainError(http.StatusForbidden, "FORBIDDEN", "You are not assigned to this node", nil)
}

// ---- content ----

func (s *Service) GetNodeContent(ctx context.Context, session Session, nodeID string) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	content, err := s.store.GetContent(ctx, nodeID)
	if errors.Is(err, sql.ErrNoRows) {
		// A node without content is an empty draft, not an error.
		return contentPayload(store.TocContent{NodeID: nodeID, ContentJSON: "{}", Status: "draft"}), nil
	}
	if err != nil {
		return nil, err
	}
	return contentPayload(content), nil
}

func (s *Service) SaveNodeContent(ctx context.Context, session Session, nodeID string, input SaveContentInput) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	version, err := s.getVersion(ctx, node.VersionID)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}
	if err := s.canEditContent(ctx, session, version.BookID, nodeID); err != nil {
		return nil, err
	}
	if len(input.ContentJSON) == 0 || !json.Valid(input.ContentJSON) {
		return nil, domainError(http.StatusBadRequest, "INVALID_BODY", "contentJson must be a valid JSON document", nil)
	}

	// A save keeps the workflow status where it was; only the workflow
	// endpoints transition it.
	status := "draft"
	if existing, err := s.store.GetContent(ctx, nodeID); err == nil {
		status = existing.Status
	} else if !errors.Is(err, sql.ErrNoRows) {
		return nil, err
	}

	if err := s.store.UpsertContent(ctx, store.TocContent{
		NodeID:      nodeID,
		ContentJSON: string(input.ContentJSON),
		Status:      status,
		UpdatedBy:   session.UserName,
	}); err != nil {
		return nil, err
	}

	if err := s.archive.EnsureBookArchive(version.BookID, session.UserName); err != nil {
		logWarn("archive ensure for book %s: %v", version.BookID, err)
	} else if _, err := s.archive.CommitNodeContent(version.BookID, nodeID, input.ContentJSON, session.UserName, "Update "+node.Title); err != nil {
		logWarn("archive commit for node %s: %v", nodeID, err)
	}

	s.indexNodeForSearch(ctx, version.BookID, node)

	content, err := s.store.GetContent(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return contentPayload(content), nil
}

// ---- workflow ----

// SubmitContent hands a draft to review.
func (s *Service) SubmitContent(ctx context.Context, session Session, nodeID string) (map[string]any, error) {
	return s.transitionContent(ctx, session, nodeID, contentTransition{
		allowedFrom: []string{"draft", "needs_revision"},
		toStatus:    "submitted",
		editorOnly:  false,
	})
}

// RequestChanges sends submitted content back to its author with a note.
func (s *Service) RequestChanges(ctx context.Context, session Session, nodeID, note string) (map[string]any, error) {
	return s.transitionContent(ctx, session, nodeID, contentTransition{
		allowedFrom: []string{"submitted"},
		toStatus:    "needs_revision",
		editorOnly:  true,
		editorNote:  note,
	})
}

// ApproveContent accepts submitted content.
func (s *Service) ApproveContent(ctx context.Context, session Session, nodeID string) (map[string]any, error) {
	return s.transitionContent(ctx, session, nodeID, contentTransition{
		allowedFrom: []string{"submitted"},
		toStatus:    "approved",
		editorOnly:  true,
	})
}

// ResolveNote marks an editor's revision note as handled without changing the
// workflow status; the author still resubmits explicitly.
func (s *Service) ResolveNote(ctx context.Context, session Session, nodeID string) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	version, err := s.getVersion(ctx, node.VersionID)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}
	if err := s.canEditContent(ctx, session, version.BookID, nodeID); err != nil {
		return nil, err
	}

	content, err := s.getContent(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if content.Status != "needs_revision" {
		return nil, domainError(http.StatusConflict, "INVALID_STATUS", "Only content in needs_revision has a note to resolve", nil)
	}
	if err := s.store.UpdateContentStatus(ctx, nodeID, content.Status, content.EditorNote, true, session.UserName); err != nil {
		return nil, err
	}
	updated, err := s.store.GetContent(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return contentPayload(updated), nil
}

type contentTransition struct {
	allowedFrom []string
	toStatus    string
	editorOnly  bool
	editorNote  string
}

func (s *Service) transitionContent(ctx context.Context, session Session, nodeID string, t contentTransition) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	version, err := s.getVersion(ctx, node.VersionID)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}
	if t.editorOnly {
		if err := s.requireBookAction(ctx, session, version.BookID, rbac.ActionWriteStructure); err != nil {
			return nil, err
		}
	} else if err := s.canEditContent(ctx, session, version.BookID, nodeID); err != nil {
		return nil, err
	}

	content, err := s.getContent(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	allowed := false
	for _, from := range t.allowedFrom {
		if content.Status == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, domainError(http.StatusConflict, "INVALID_STATUS",
			"Content cannot move from "+content.Status+" to "+t.toStatus, nil)
	}

	note := t.editorNote
	if t.toStatus == "submitted" || t.toStatus == "approved" {
		note = ""
	}
	if err := s.store.UpdateContentStatus(ctx, nodeID, t.toStatus, note, false, session.UserName); err != nil {
		return nil, err
	}
	updated, err := s.store.GetContent(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	return contentPayload(updated), nil
}

func (s *Service) getContent(ctx context.Context, nodeID string) (store.TocContent, error) {
	content, err := s.store.GetContent(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TocContent{}, domainError(http.StatusNotFound, "NOT_FOUND", "Node has no content yet", nil)
		}
		return store.TocContent{}, err
	}
	return content, nil
}

// ---- content history ----

func (s *Service) ContentHistory(ctx context.Context, session Session, nodeID string, limit int) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	version, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
	if limit <= 0 || limit > 100 {
		limit = 50
	}
	commits, err := s.archive.NodeHistory(version.BookID, nodeID, limit)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(commits))
	for _, commit := range commits {
		items = append(items, map[string]any{
			"hash":      commit.Hash,
			"message":   commit.Message,
			"author":    commit.Author,
			"createdAt": commit.CreatedAt.Format(time.RFC3339),
		})
	}
	return map[string]any{"nodeId": nodeID, "commits": items}, nil
}

// ---- assignments ----

func (s *Service) ListNodeAssignments(ctx context.Context, session Session, nodeID string) ([]map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	if _, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionRead); err != nil {
		return nil, err
	}
	assignments, err := s.store.ListAssignments(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(assignments))
	for _, a := range assignments {
		items = append(items, map[string]any{
			"nodeId":   a.NodeID,
			"userId":   a.UserID,
			"userName": a.UserName,
			"role":     a.Role,
		})
	}
	return items, nil
}

// AssignUser binds a user to a node. The assignee must already hold a
// membership on the book; assignments scope book-level access, they do not
// grant it.
func (s *Service) AssignUser(ctx context.Context, session Session, nodeID string, input AssignmentInput) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	version, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionWriteStructure)
	if err != nil {
		return nil, err
	}
	if input.Role != "author" && input.Role != "editor" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Assignment role must be author or editor", nil)
	}
	membership, err := s.store.GetMembershipRole(ctx, version.BookID, input.UserID)
	if err != nil {
		return nil, err
	}
	if membership == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "User must be a member of the book before being assigned", nil)
	}

	if err := s.store.InsertAssignment(ctx, store.Assignment{
		NodeID: nodeID,
		UserID: input.UserID,
		Role:   input.Role,
	}); err != nil {
		return nil, err
	}
	return map[string]any{
		"nodeId": nodeID,
		"userId": input.UserID,
		"role":   input.Role,
	}, nil
}

func (s *Service) RemoveAssignment(ctx context.Context, session Session, nodeID, userID string) error {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	if _, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionWriteStructure); err != nil {
		return err
	}
	removed, err := s.store.DeleteAssignment(ctx, nodeID, userID)
	if err != nil {
		return err
	}
	if !removed {
		return domainError(http.StatusNotFound, "NOT_FOUND", "No such assignment", nil)
	}
	return nil
}

func contentPayload(c store.TocContent) map[string]any {
	payload := map[string]any{
		"nodeId":         c.NodeID,
		"contentJson":    json.RawMessage(c.ContentJSON),
		"status":         c.Status,
		"authorResolved": c.AuthorResolved,
		"updatedBy":      c.UpdatedBy,
	}
	if c.EditorNote != "" {
		payload["editorNote"] = c.EditorNote
	}
	if !c.UpdatedAt.IsZero() {
		payload["updatedAt"] = c.UpdatedAt.Format(time.RFC3339)
	}
	return payload
}
