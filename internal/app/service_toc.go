package app

import (
	"context"
	"database/sql"
	"errors"
	"net/http"
	"strings"
	"time"

	"folio/api/internal/rbac"
	"folio/api/internal/store"
	"folio/api/internal/toc"
	"folio/api/internal/util"
)

func (s *Service) getNode(ctx context.Context, nodeID string) (store.TocNode, error) {
	node, err := s.store.GetNode(ctx, nodeID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return store.TocNode{}, domainError(http.StatusNotFound, "NOT_FOUND", "Node not found", nil)
		}
		return store.TocNode{}, err
	}
	return node, nil
}

// requireVersionAction resolves a version's book and checks the caller's role
// on it.
func (s *Service) requireVersionAction(ctx context.Context, session Session, versionID string, action rbac.Action) (store.BookVersion, error) {
	version, err := s.getVersion(ctx, versionID)
	if err != nil {
		return store.BookVersion{}, err
	}
	if err := s.requireBookAction(ctx, session, version.BookID, action); err != nil {
		return store.BookVersion{}, err
	}
	return version, nil
}

// mutableVersion rejects structural and content writes against a published
// snapshot. Published versions are frozen; edits continue on a clone.
func mutableVersion(version store.BookVersion) error {
	if version.Status != "draft" {
		return domainError(http.StatusConflict, "VERSION_PUBLISHED", "Version is published and cannot be modified", nil)
	}
	return nil
}

// ---- tree reads ----

// ListTree returns the full TOC of a version as a nested structure, each node
// carrying its content status and assignments.
func (s *Service) ListTree(ctx context.Context, session Session, versionID string) (map[string]any, error) {
	version, err := s.requireVersionAction(ctx, session, versionID, rbac.ActionRead)
	if err != nil {
		return nil, err
	}
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
	statusByNode := make(map[string]string, len(contents))
	for _, content := range contents {
		statusByNode[content.NodeID] = content.Status
	}
	assignments, err := s.store.ListAssignmentsByNodeIDs(ctx, nodeIDs)
	if err != nil {
		return nil, err
	}
	assignmentsByNode := make(map[string][]map[string]any, len(nodeIDs))
	for _, a := range assignments {
		assignmentsByNode[a.NodeID] = append(assignmentsByNode[a.NodeID], map[string]any{
			"userId": a.UserID,
			"role":   a.Role,
		})
	}

	childrenByParent := groupByParent(nodes)
	var build func(parentKey string) []map[string]any
	build = func(parentKey string) []map[string]any {
		items := make([]map[string]any, 0, len(childrenByParent[parentKey]))
		for _, node := range childrenByParent[parentKey] {
			item := nodePayload(node)
			status := statusByNode[node.ID]
			if status == "" {
				status = "draft"
			}
			item["contentStatus"] = status
			nodeAssignments := assignmentsByNode[node.ID]
			if nodeAssignments == nil {
				nodeAssignments = []map[string]any{}
			}
			item["assignments"] = nodeAssignments
			item["children"] = build(node.ID)
			items = append(items, item)
		}
		return items
	}

	return map[string]any{
		"versionId": version.ID,
		"status":    version.Status,
		"nodes":     build(""),
	}, nil
}

// ---- node mutations ----

func (s *Service) CreateNode(ctx context.Context, session Session, versionID string, input CreateNodeInput) (map[string]any, error) {
	version, err := s.requireVersionAction(ctx, session, versionID, rbac.ActionWriteStructure)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}

	title := strings.TrimSpace(input.Title)
	if title == "" {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Node title is required", nil)
	}
	kind, ok := toc.Normalize(input.Kind)
	if !ok {
		return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Kind must be section, chapter or heading", nil)
	}

	parentKind := toc.Root
	if input.ParentID != nil {
		parent, err := s.getNode(ctx, *input.ParentID)
		if err != nil {
			return nil, err
		}
		if parent.VersionID != versionID {
			return nil, domainError(http.StatusUnprocessableEntity, "INVALID_STRUCTURE", "Parent belongs to a different version", nil)
		}
		parentKind = toc.Kind(parent.Kind)
	}
	if !toc.CanContain(parentKind, kind) {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_STRUCTURE",
			"A "+string(kind)+" cannot be placed under a "+string(parentKind), nil)
	}

	maxIdx, err := s.store.MaxOrderIndex(ctx, versionID, input.ParentID)
	if err != nil {
		return nil, err
	}
	node := store.TocNode{
		ID:         util.NewID("nod"),
		VersionID:  versionID,
		ParentID:   input.ParentID,
		Title:      title,
		Slug:       util.Slugify(title),
		OrderIndex: maxIdx + 1,
		Kind:       string(kind),
	}
	if err := s.store.InsertNode(ctx, node); err != nil {
		return nil, err
	}
	s.indexNodeForSearch(ctx, version.BookID, node)
	return nodePayload(node), nil
}

func (s *Service) PatchNode(ctx context.Context, session Session, nodeID string, input PatchNodeInput) (map[string]any, error) {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	version, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionWriteStructure)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}

	if input.Title != nil {
		title := strings.TrimSpace(*input.Title)
		if title == "" {
			return nil, domainError(http.StatusBadRequest, "VALIDATION_ERROR", "Node title cannot be empty", nil)
		}
		if err := s.store.UpdateNodeTitle(ctx, nodeID, title, util.Slugify(title)); err != nil {
			return nil, err
		}
		node.Title = title
		node.Slug = util.Slugify(title)
	}

	if input.SetParent && !sameParent(node.ParentID, input.ParentID) {
		if err := s.validateMove(ctx, node, input.ParentID); err != nil {
			return nil, err
		}
		oldParent := node.ParentID
		maxIdx, err := s.store.MaxOrderIndex(ctx, node.VersionID, input.ParentID)
		if err != nil {
			return nil, err
		}
		if err := s.store.MoveNode(ctx, node.VersionID, nodeID, input.ParentID, maxIdx+1); err != nil {
			return nil, err
		}
		// A move touches two sibling lists; renormalize both so neither is
		// left with a gap.
		if err := s.renormalizeContainer(ctx, node.VersionID, oldParent); err != nil {
			return nil, err
		}
		if err := s.renormalizeContainer(ctx, node.VersionID, input.ParentID); err != nil {
			return nil, err
		}
	}

	updated, err := s.getNode(ctx, nodeID)
	if err != nil {
		return nil, err
	}
	s.indexNodeForSearch(ctx, version.BookID, updated)
	return nodePayload(updated), nil
}

// validateMove enforces the kind rules for reparenting: sections are fixed,
// chapters move between the root and sections, and cross-chapter heading
// moves are not supported (headings only reorder within their chapter).
func (s *Service) validateMove(ctx context.Context, node store.TocNode, newParentID *string) error {
	switch toc.Kind(node.Kind) {
	case toc.KindSection:
		return domainError(http.StatusUnprocessableEntity, "INVALID_STRUCTURE", "Sections cannot be moved", nil)
	case toc.KindHeading:
		return domainError(http.StatusUnprocessableEntity, "UNSUPPORTED", "Headings cannot be moved to another chapter", nil)
	}
	if newParentID == nil {
		return nil
	}
	parent, err := s.getNode(ctx, *newParentID)
	if err != nil {
		return err
	}
	if parent.VersionID != node.VersionID {
		return domainError(http.StatusUnprocessableEntity, "INVALID_STRUCTURE", "Target parent belongs to a different version", nil)
	}
	if !toc.CanContain(toc.Kind(parent.Kind), toc.Kind(node.Kind)) {
		return domainError(http.StatusUnprocessableEntity, "INVALID_STRUCTURE",
			"A "+node.Kind+" cannot be placed under a "+parent.Kind, nil)
	}
	return nil
}

// DeleteNode removes a node and its whole subtree, cascading to content and
// assignments, then closes the gap in the source sibling list.
func (s *Service) DeleteNode(ctx context.Context, session Session, nodeID string) error {
	node, err := s.getNode(ctx, nodeID)
	if err != nil {
		return err
	}
	version, err := s.requireVersionAction(ctx, session, node.VersionID, rbac.ActionWriteStructure)
	if err != nil {
		return err
	}
	if err := mutableVersion(version); err != nil {
		return err
	}

	all, err := s.store.ListNodesByVersion(ctx, node.VersionID)
	if err != nil {
		return err
	}
	doomed := descendantClosure(all, nodeID)
	if err := s.store.DeleteSubtree(ctx, doomed); err != nil {
		return err
	}
	if err := s.renormalizeContainer(ctx, node.VersionID, node.ParentID); err != nil {
		return err
	}
	if s.search != nil {
		s.search.DeleteNodes(doomed)
	}
	return nil
}

// descendantClosure returns nodeID plus every transitive child, breadth-first.
func descendantClosure(nodes []store.TocNode, nodeID string) []string {
	childrenByParent := groupByParent(nodes)
	closure := []string{nodeID}
	queue := []string{nodeID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		for _, child := range childrenByParent[current] {
			closure = append(closure, child.ID)
			queue = append(queue, child.ID)
		}
	}
	return closure
}

// ---- reorder ----

// Reorder assigns order_index 1..N to the supplied ids within one container,
// in the exact order given. A batch may name only a subset of the container's
// children; siblings left out of the batch are folded into the sequence by a
// follow-up renormalization, so the container always reads back gap-free and
// duplicate-free.
//
// There is no container-level lock across requests: two concurrent reorders
// (or a reorder racing a move) can interleave and leave transient duplicate
// order_index values. Reads stay deterministic via the store's stable sort,
// and the next full reorder renormalizes the container, so the window is
// self-healing rather than corrupting.
func (s *Service) Reorder(ctx context.Context, session Session, versionID string, input ReorderInput) (map[string]any, error) {
	version, err := s.requireVersionAction(ctx, session, versionID, rbac.ActionWriteStructure)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}
	if err := s.validateReorderBatch(ctx, versionID, input.ParentID, input.OrderedIDs); err != nil {
		return nil, err
	}
	if err := s.store.ApplyReorder(ctx, versionID, input.ParentID, input.OrderedIDs); err != nil {
		return nil, err
	}
	if err := s.renormalizeContainer(ctx, versionID, input.ParentID); err != nil {
		return nil, err
	}

	children, err := s.store.ListChildren(ctx, versionID, input.ParentID)
	if err != nil {
		return nil, err
	}
	items := make([]map[string]any, 0, len(children))
	for _, child := range children {
		items = append(items, nodePayload(child))
	}
	return map[string]any{"nodes": items}, nil
}

// validateReorderBatch checks the whole batch before any write: every id must
// exist in the stated version, currently sit in the stated container, and
// share one kind compatible with that container. Failures enumerate the
// offending ids.
func (s *Service) validateReorderBatch(ctx context.Context, versionID string, parentID *string, orderedIDs []string) error {
	if len(orderedIDs) == 0 {
		return domainError(http.StatusUnprocessableEntity, "INVALID_BATCH", "Reorder batch is empty", nil)
	}
	seen := make(map[string]bool, len(orderedIDs))
	duplicates := make([]string, 0)
	for _, id := range orderedIDs {
		if seen[id] {
			duplicates = append(duplicates, id)
		}
		seen[id] = true
	}
	if len(duplicates) > 0 {
		return invalidBatch("Reorder batch contains duplicate ids", duplicates)
	}

	nodes, err := s.store.ListNodesByVersion(ctx, versionID)
	if err != nil {
		return err
	}
	byID := make(map[string]store.TocNode, len(nodes))
	for _, node := range nodes {
		byID[node.ID] = node
	}

	missing := make([]string, 0)
	wrongParent := make([]string, 0)
	for _, id := range orderedIDs {
		node, ok := byID[id]
		if !ok {
			missing = append(missing, id)
			continue
		}
		if !sameParent(node.ParentID, parentID) {
			wrongParent = append(wrongParent, id)
		}
	}
	if len(missing) > 0 {
		return invalidBatch("Some nodes do not exist in this version", missing)
	}
	if len(wrongParent) > 0 {
		return invalidBatch("Some nodes are not in the stated container", wrongParent)
	}

	batchKind := byID[orderedIDs[0]].Kind
	mixed := make([]string, 0)
	for _, id := range orderedIDs[1:] {
		if byID[id].Kind != batchKind {
			mixed = append(mixed, id)
		}
	}
	if len(mixed) > 0 {
		return invalidBatch("Reorder batch mixes node kinds", mixed)
	}

	containerKind := toc.Root
	if parentID != nil {
		parent, ok := byID[*parentID]
		if !ok {
			return domainError(http.StatusNotFound, "NOT_FOUND", "Container not found", nil)
		}
		containerKind = toc.Kind(parent.Kind)
	}
	if !toc.CanContain(containerKind, toc.Kind(batchKind)) {
		return invalidBatch("Node kind is not valid for this container", orderedIDs)
	}
	return nil
}

func invalidBatch(message string, offendingIDs []string) error {
	return domainError(http.StatusUnprocessableEntity, "INVALID_BATCH", message, map[string]any{
		"offendingIds": offendingIDs,
	})
}

// ---- section assignment mover ----

// MoveChaptersIntoSection re-parents root-level chapters under a section,
// appending them after the section's current children in the caller's order.
// Ineligible ids are skipped and reported, not fatal. Only the destination is
// renormalized; gaps at the root close on the next explicit reorder.
func (s *Service) MoveChaptersIntoSection(ctx context.Context, session Session, versionID, sectionID string, input MoveChaptersInput) (map[string]any, error) {
	version, err := s.requireVersionAction(ctx, session, versionID, rbac.ActionWriteStructure)
	if err != nil {
		return nil, err
	}
	if err := mutableVersion(version); err != nil {
		return nil, err
	}

	section, err := s.getNode(ctx, sectionID)
	if err != nil {
		return nil, err
	}
	if section.VersionID != versionID || section.Kind != string(toc.KindSection) || section.ParentID != nil {
		return nil, domainError(http.StatusUnprocessableEntity, "INVALID_STRUCTURE", "Target must be a root-level section in this version", nil)
	}

	moved := make([]string, 0, len(input.ChapterIDs))
	skipped := make([]string, 0)
	eligible := make([]store.TocNode, 0, len(input.ChapterIDs))
	for _, chapterID := range input.ChapterIDs {
		node, err := s.store.GetNode(ctx, chapterID)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				skipped = append(skipped, chapterID)
				continue
			}
			return nil, err
		}
		if node.VersionID != versionID || node.Kind != string(toc.KindChapter) || node.ParentID != nil {
			skipped = append(skipped, chapterID)
			continue
		}
		eligible = append(eligible, node)
	}
	if len(eligible) == 0 {
		return nil, domainError(http.StatusUnprocessableEntity, "NO_ELIGIBLE_NODES", "No supplied ids are root-level chapters in this version", map[string]any{
			"skippedIds": skipped,
		})
	}

	maxIdx, err := s.store.MaxOrderIndex(ctx, versionID, &sectionID)
	if err != nil {
		return nil, err
	}
	for i, chapter := range eligible {
		if err := s.store.MoveNode(ctx, versionID, chapter.ID, &sectionID, maxIdx+i+1); err != nil {
			return nil, err
		}
		moved = append(moved, chapter.ID)
	}
	if err := s.renormalizeContainer(ctx, versionID, &sectionID); err != nil {
		return nil, err
	}

	return map[string]any{
		"sectionId":  sectionID,
		"movedIds":   moved,
		"skippedIds": skipped,
	}, nil
}

// renormalizeContainer rewrites a container's order_index values to 1..N in
// the current stable read order.
func (s *Service) renormalizeContainer(ctx context.Context, versionID string, parentID *string) error {
	children, err := s.store.ListChildren(ctx, versionID, parentID)
	if err != nil {
		return err
	}
	if len(children) == 0 {
		return nil
	}
	ids := make([]string, 0, len(children))
	for _, child := range children {
		ids = append(ids, child.ID)
	}
	return s.store.ApplyReorder(ctx, versionID, parentID, ids)
}

// ---- helpers ----

func sameParent(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

func groupByParent(nodes []store.TocNode) map[string][]store.TocNode {
	grouped := make(map[string][]store.TocNode)
	for _, node := range nodes {
		key := ""
		if node.ParentID != nil {
			key = *node.ParentID
		}
		grouped[key] = append(grouped[key], node)
	}
	return grouped
}

func nodePayload(n store.TocNode) map[string]any {
	var parentID any
	if n.ParentID != nil {
		parentID = *n.ParentID
	}
	return map[string]any{
		"id":         n.ID,
		"versionId":  n.VersionID,
		"parentId":   parentID,
		"title":      n.Title,
		"slug":       n.Slug,
		"orderIndex": n.OrderIndex,
		"kind":       n.Kind,
		"createdAt":  n.CreatedAt.Format(time.RFC3339),
	}
}
