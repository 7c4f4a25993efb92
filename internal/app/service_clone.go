package app

import (
	"context"
	"net/http"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/util"
)

// CloneBookLatest clones a book's most recent published version into a new
// draft.
func (s *Service) CloneBookLatest(ctx context.Context, session Session, bookID string) (map[string]any, error) {
	if err := s.requireBookAction(ctx, session, bookID, rbac.ActionWriteStructure); err != nil {
		return nil, err
	}
	source, err := s.store.LatestPublishedVersion(ctx, bookID)
	if err != nil {
		return nil, err
	}
	if source == nil {
		return nil, domainError(http.StatusNotFound, "NOT_FOUND", "Book has no published version to clone", nil)
	}
	return s.cloneVersion(ctx, session, *source)
}

// CloneVersion duplicates one published version, tree and all, into a new
// draft of the same book.
func (s *Service) CloneVersion(ctx context.Context, session Session, sourceVersionID string) (map[string]any, error) {
	source, err := s.getVersion(ctx, sourceVersionID)
	if err != nil {
		return nil, err
	}
	if err := s.requireBookAction(ctx, session, source.BookID, rbac.ActionWriteStructure); err != nil {
		return nil, err
	}
	if source.Status != "published" {
		return nil, domainError(http.StatusConflict, "INVALID_STATUS", "Only a published version can be cloned", nil)
	}
	return s.cloneVersion(ctx, session, source)
}

// cloneVersion walks the source tree depth-first and re-creates every node
// under freshly minted ids, fanning content and assignments out onto the
// copies. The whole write lands in one store transaction.
func (s *Service) cloneVersion(ctx context.Context, session Session, source store.BookVersion) (map[string]any, error) {
	versionNo, err := s.store.NextVersionNo(ctx, source.BookID)
	if err != nil {
		return nil, err
	}
	draft := store.BookVersion{
		ID:          util.NewID("ver"),
		BookID:      source.BookID,
		VersionNo:   versionNo,
		Status:      "draft",
		TemplateRef: source.TemplateRef,
		CreatedBy:   session.UserID,
	}

	sourceNodes, err := s.store.ListNodesByVersion(ctx, source.ID)
	if err != nil {
		return nil, err
	}
	sourceIDs := make([]string, 0, len(sourceNodes))
	for _, node := range sourceNodes {
		sourceIDs = append(sourceIDs, node.ID)
	}
	sourceContents, err := s.store.ListContentByNodeIDs(ctx, sourceIDs)
	if err != nil {
		return nil, err
	}
	contentByNode := make(map[string]store.TocContent, len(sourceContents))
	for _, content := range sourceContents {
		contentByNode[content.NodeID] = content
	}
	sourceAssignments, err := s.store.ListAssignmentsByNodeIDs(ctx, sourceIDs)
	if err != nil {
		return nil, err
	}
	assignmentsByNode := make(map[string][]store.Assignment, len(sourceIDs))
	for _, assignment := range sourceAssignments {
		assignmentsByNode[assignment.NodeID] = append(assignmentsByNode[assignment.NodeID], assignment)
	}

	// The flat node list carries no ordering guarantee between parents and
	// children, so cloning walks an explicit parent index instead. Sibling
	// order inside each bucket is the store's stable read order.
	childrenByParent := groupByParent(sourceNodes)

	clonedNodes := make([]store.TocNode, 0, len(sourceNodes))
	clonedContents := make([]store.TocContent, 0, len(sourceContents))
	clonedAssignments := make([]store.Assignment, 0, len(sourceAssignments))
	visited := make(map[string]bool, len(sourceNodes))

	var walk func(sourceParentKey string, newParentID *string) error
	walk = func(sourceParentKey string, newParentID *string) error {
		for _, node := range childrenByParent[sourceParentKey] {
			if visited[node.ID] {
				return domainError(http.StatusConflict, "CYCLE_DETECTED", "Source tree contains a parent cycle at node "+node.ID, nil)
			}
			visited[node.ID] = true

			newID := util.NewID("nod")
			clonedNodes = append(clonedNodes, store.TocNode{
				ID:         newID,
				VersionID:  draft.ID,
				ParentID:   newParentID,
				Title:      node.Title,
				Slug:       node.Slug,
				OrderIndex: node.OrderIndex,
				Kind:       node.Kind,
			})
			if content, ok := contentByNode[node.ID]; ok {
				content.NodeID = newID
				clonedContents = append(clonedContents, content)
			}
			for _, assignment := range assignmentsByNode[node.ID] {
				assignment.NodeID = newID
				clonedAssignments = append(clonedAssignments, assignment)
			}
			if err := walk(node.ID, &newID); err != nil {
				return err
			}
		}
		return nil
	}
	if err := walk("", nil); err != nil {
		return nil, err
	}
	// Nodes unreachable from the root only happen when a parent chain loops
	// back on itself.
	if len(visited) != len(sourceNodes) {
		return nil, domainError(http.StatusConflict, "CYCLE_DETECTED", "Source tree contains nodes unreachable from the root", nil)
	}

	if err := s.store.InsertClonedVersion(ctx, draft, clonedNodes, clonedContents, clonedAssignments); err != nil {
		return nil, err
	}

	payload := versionPayload(draft)
	payload["sourceVersionId"] = source.ID
	payload["nodeCount"] = len(clonedNodes)
	return payload, nil
}
