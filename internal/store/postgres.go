package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// pageSize bounds a single SELECT; list helpers loop past it so callers never
// see a partial tree.
const pageSize = 500

// chunkSize bounds IN-list length so batch lookups stay within request-size
// limits on very large trees.
const chunkSize = 200

const nodeColumns = `id, version_id, parent_id, title, slug, order_index, kind, created_at`

// Sibling lists always come back ordered by order_index with a stable
// tie-break, so re-reads are idempotent even while a concurrent move has left
// transient duplicate order_index values.
const nodeOrder = `ORDER BY order_index ASC, created_at ASC, id ASC`

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

// Ping verifies the database connection is alive
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ---- users ----

func (s *PostgresStore) CreateUser(ctx context.Context, user User) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash, is_admin)
		VALUES ($1, $2, $3, $4, $5)
	`, user.ID, user.DisplayName, user.Email, user.PasswordHash, user.IsAdmin)
	if err != nil {
		return fmt.Errorf("create user: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetUserByEmail(ctx context.Context, email string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_admin, created_at
		FROM users WHERE email=$1
	`, email).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) GetUserByID(ctx context.Context, userID string) (User, error) {
	var user User
	err := s.db.QueryRowContext(ctx, `
		SELECT id, display_name, email, password_hash, is_admin, created_at
		FROM users WHERE id=$1
	`, userID).Scan(&user.ID, &user.DisplayName, &user.Email, &user.PasswordHash, &user.IsAdmin, &user.CreatedAt)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) CountUsers(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&count); err != nil {
		return 0, fmt.Errorf("count users: %w", err)
	}
	return count, nil
}

// ---- refresh sessions (Postgres fallback when Redis is not configured) ----

func (s *PostgresStore) SaveRefreshSession(ctx context.Context, tokenHash, userID string, expiresAt time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO refresh_sessions (token_hash, user_id, expires_at)
		VALUES ($1, $2, $3)
		ON CONFLICT (token_hash) DO UPDATE SET user_id=EXCLUDED.user_id, expires_at=EXCLUDED.expires_at, revoked_at=NULL
	`, tokenHash, userID, expiresAt)
	if err != nil {
		return fmt.Errorf("save refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) LookupRefreshSession(ctx context.Context, tokenHash string) (User, error) {
	const query = `
		SELECT u.id, u.display_name, u.email, u.is_admin
		FROM refresh_sessions rs
		JOIN users u ON u.id = rs.user_id
		WHERE rs.token_hash = $1
			AND rs.revoked_at IS NULL
			AND rs.expires_at > NOW()
	`
	var user User
	err := s.db.QueryRowContext(ctx, query, tokenHash).Scan(&user.ID, &user.DisplayName, &user.Email, &user.IsAdmin)
	if err != nil {
		return User{}, err
	}
	return user, nil
}

func (s *PostgresStore) RevokeRefreshSession(ctx context.Context, tokenHash string) error {
	_, err := s.db.ExecContext(ctx, `UPDATE refresh_sessions SET revoked_at=NOW() WHERE token_hash=$1`, tokenHash)
	if err != nil {
		return fmt.Errorf("revoke refresh session: %w", err)
	}
	return nil
}

func (s *PostgresStore) RevokeAccessToken(ctx context.Context, jti string, exp time.Time) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO revoked_access_tokens (jti, expires_at)
		VALUES ($1, $2)
		ON CONFLICT (jti) DO NOTHING
	`, jti, exp)
	if err != nil {
		return fmt.Errorf("revoke access token: %w", err)
	}
	return nil
}

func (s *PostgresStore) IsAccessTokenRevoked(ctx context.Context, jti string) (bool, error) {
	var revoked bool
	err := s.db.QueryRowContext(ctx, `SELECT EXISTS(SELECT 1 FROM revoked_access_tokens WHERE jti=$1)`, jti).Scan(&revoked)
	if err != nil {
		return false, fmt.Errorf("check revoked token: %w", err)
	}
	return revoked, nil
}

// ---- books & memberships ----

func (s *PostgresStore) InsertBook(ctx context.Context, book Book) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO books (id, title, author_name, created_by)
		VALUES ($1, $2, $3, $4)
	`, book.ID, book.Title, book.AuthorName, book.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert book: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetBook(ctx context.Context, bookID string) (Book, error) {
	var book Book
	err := s.db.QueryRowContext(ctx, `
		SELECT id, title, author_name, created_by, created_at
		FROM books WHERE id=$1
	`, bookID).Scan(&book.ID, &book.Title, &book.AuthorName, &book.CreatedBy, &book.CreatedAt)
	if err != nil {
		return Book{}, err
	}
	return book, nil
}

// ListBooks returns the books visible to a user: all of them for workspace
// admins, otherwise the books the user holds a membership on.
func (s *PostgresStore) ListBooks(ctx context.Context, userID string, admin bool) ([]Book, error) {
	query := `
		SELECT b.id, b.title, b.author_name, b.created_by, b.created_at
		FROM books b
		JOIN book_memberships m ON m.book_id = b.id AND m.user_id = $1
		ORDER BY b.created_at DESC
	`
	args := []any{userID}
	if admin {
		query = `
			SELECT id, title, author_name, created_by, created_at
			FROM books
			ORDER BY created_at DESC
		`
		args = nil
	}
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list books: %w", err)
	}
	defer rows.Close()

	items := make([]Book, 0)
	for rows.Next() {
		var item Book
		if err := rows.Scan(&item.ID, &item.Title, &item.AuthorName, &item.CreatedBy, &item.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan book: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate books: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) UpsertMembership(ctx context.Context, m BookMembership) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO book_memberships (book_id, user_id, role, granted_by)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (book_id, user_id) DO UPDATE SET role=EXCLUDED.role, granted_by=EXCLUDED.granted_by
	`, m.BookID, m.UserID, m.Role, m.GrantedBy)
	if err != nil {
		return fmt.Errorf("upsert membership: %w", err)
	}
	return nil
}

// GetMembershipRole returns the caller's book-level role, or "" when no
// membership exists.
func (s *PostgresStore) GetMembershipRole(ctx context.Context, bookID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM book_memberships WHERE book_id=$1 AND user_id=$2
	`, bookID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read membership role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListMembers(ctx context.Context, bookID string) ([]BookMembership, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT m.book_id, m.user_id, m.role, m.granted_by, m.created_at, u.email, u.display_name
		FROM book_memberships m
		JOIN users u ON u.id = m.user_id
		WHERE m.book_id=$1
		ORDER BY m.created_at ASC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list members: %w", err)
	}
	defer rows.Close()

	items := make([]BookMembership, 0)
	for rows.Next() {
		var item BookMembership
		if err := rows.Scan(&item.BookID, &item.UserID, &item.Role, &item.GrantedBy, &item.CreatedAt, &item.UserEmail, &item.UserName); err != nil {
			return nil, fmt.Errorf("scan membership: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate members: %w", err)
	}
	return items, nil
}

// ---- versions ----

func (s *PostgresStore) InsertVersion(ctx context.Context, v BookVersion) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO book_versions (id, book_id, version_no, status, template_ref, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.BookID, v.VersionNo, v.Status, v.TemplateRef, v.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (BookVersion, error) {
	var v BookVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, version_no, status, template_ref, created_by, created_at, published_at
		FROM book_versions WHERE id=$1
	`, versionID).Scan(&v.ID, &v.BookID, &v.VersionNo, &v.Status, &v.TemplateRef, &v.CreatedBy, &v.CreatedAt, &v.PublishedAt)
	if err != nil {
		return BookVersion{}, err
	}
	return v, nil
}

func (s *PostgresStore) ListVersions(ctx context.Context, bookID string) ([]BookVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, book_id, version_no, status, template_ref, created_by, created_at, published_at
		FROM book_versions
		WHERE book_id=$1
		ORDER BY version_no DESC
	`, bookID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]BookVersion, 0)
	for rows.Next() {
		var v BookVersion
		if err := rows.Scan(&v.ID, &v.BookID, &v.VersionNo, &v.Status, &v.TemplateRef, &v.CreatedBy, &v.CreatedAt, &v.PublishedAt); err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, v)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

// LatestPublishedVersion returns nil when the book has no published version.
func (s *PostgresStore) LatestPublishedVersion(ctx context.Context, bookID string) (*BookVersion, error) {
	var v BookVersion
	err := s.db.QueryRowContext(ctx, `
		SELECT id, book_id, version_no, status, template_ref, created_by, created_at, published_at
		FROM book_versions
		WHERE book_id=$1 AND status='published'
		ORDER BY version_no DESC
		LIMIT 1
	`, bookID).Scan(&v.ID, &v.BookID, &v.VersionNo, &v.Status, &v.TemplateRef, &v.CreatedBy, &v.CreatedAt, &v.PublishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest published version: %w", err)
	}
	return &v, nil
}

// NextVersionNo is max(version_no)+1 across all statuses, per the clone rules.
func (s *PostgresStore) NextVersionNo(ctx context.Context, bookID string) (int, error) {
	var maxNo sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(version_no) FROM book_versions WHERE book_id=$1
	`, bookID).Scan(&maxNo)
	if err != nil {
		return 0, fmt.Errorf("next version no: %w", err)
	}
	return int(maxNo.Int64) + 1, nil
}

func (s *PostgresStore) MarkVersionPublished(ctx context.Context, versionID string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE book_versions
		SET status='published', published_at=NOW()
		WHERE id=$1 AND status='draft'
	`, versionID)
	if err != nil {
		return fmt.Errorf("publish version: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("publish version rows: %w", err)
	}
	if affected == 0 {
		return fmt.Errorf("version %s is not a draft", versionID)
	}
	return nil
}

// ---- TOC nodes ----

func scanNode(scanner interface{ Scan(...any) error }) (TocNode, error) {
	var node TocNode
	err := scanner.Scan(&node.ID, &node.VersionID, &node.ParentID, &node.Title, &node.Slug, &node.OrderIndex, &node.Kind, &node.CreatedAt)
	return node, err
}

func (s *PostgresStore) InsertNode(ctx context.Context, node TocNode) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO toc_nodes (id, version_id, parent_id, title, slug, order_index, kind)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, node.ID, node.VersionID, node.ParentID, node.Title, node.Slug, node.OrderIndex, node.Kind)
	if err != nil {
		return fmt.Errorf("insert node %s: %w", node.ID, err)
	}
	return nil
}

func (s *PostgresStore) GetNode(ctx context.Context, nodeID string) (TocNode, error) {
	node, err := scanNode(s.db.QueryRowContext(ctx,
		`SELECT `+nodeColumns+` FROM toc_nodes WHERE id=$1`, nodeID))
	if err != nil {
		return TocNode{}, err
	}
	return node, nil
}

// ListNodesByVersion returns every node of a version, paging internally past
// the per-request row cap so callers never see a partial tree.
func (s *PostgresStore) ListNodesByVersion(ctx context.Context, versionID string) ([]TocNode, error) {
	items := make([]TocNode, 0)
	offset := 0
	for {
		rows, err := s.db.QueryContext(ctx, `
			SELECT `+nodeColumns+`
			FROM toc_nodes
			WHERE version_id=$1
			`+nodeOrder+`
			LIMIT $2 OFFSET $3
		`, versionID, pageSize, offset)
		if err != nil {
			return nil, fmt.Errorf("list nodes: %w", err)
		}
		count := 0
		for rows.Next() {
			node, err := scanNode(rows)
			if err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan node: %w", err)
			}
			items = append(items, node)
			count++
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return nil, fmt.Errorf("iterate nodes: %w", err)
		}
		rows.Close()
		if count < pageSize {
			return items, nil
		}
		offset += pageSize
	}
}

// ListChildren returns the direct children of a container (nil parentID =
// version root) in stable sibling order.
func (s *PostgresStore) ListChildren(ctx context.Context, versionID string, parentID *string) ([]TocNode, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+nodeColumns+`
		FROM toc_nodes
		WHERE version_id=$1 AND parent_id IS NOT DISTINCT FROM $2
		`+nodeOrder, versionID, parentID)
	if err != nil {
		return nil, fmt.Errorf("list children: %w", err)
	}
	defer rows.Close()

	items := make([]TocNode, 0)
	for rows.Next() {
		node, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("scan child node: %w", err)
		}
		items = append(items, node)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate children: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) MaxOrderIndex(ctx context.Context, versionID string, parentID *string) (int, error) {
	var maxIdx sql.NullInt64
	err := s.db.QueryRowContext(ctx, `
		SELECT MAX(order_index)
		FROM toc_nodes
		WHERE version_id=$1 AND parent_id IS NOT DISTINCT FROM $2
	`, versionID, parentID).Scan(&maxIdx)
	if err != nil {
		return 0, fmt.Errorf("max order index: %w", err)
	}
	return int(maxIdx.Int64), nil
}

func (s *PostgresStore) UpdateNodeTitle(ctx context.Context, nodeID, title, slug string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE toc_nodes SET title=$2, slug=$3 WHERE id=$1
	`, nodeID, title, slug)
	if err != nil {
		return fmt.Errorf("update node title: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update node title rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// MoveNode re-points a node's parent and sets its sibling position. Writes are
// scoped by version to prevent cross-version corruption.
func (s *PostgresStore) MoveNode(ctx context.Context, versionID, nodeID string, newParentID *string, orderIndex int) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE toc_nodes SET parent_id=$3, order_index=$4
		WHERE id=$2 AND version_id=$1
	`, versionID, nodeID, newParentID, orderIndex)
	if err != nil {
		return fmt.Errorf("move node %s: %w", nodeID, err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("move node rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ApplyReorder assigns order_index 1..N to orderedIDs within one container,
// in one transaction. Each update is scoped to the stated (version, parent)
// pair; a row that slipped out of the container since validation aborts the
// whole batch.
func (s *PostgresStore) ApplyReorder(ctx context.Context, versionID string, parentID *string, orderedIDs []string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reorder tx: %w", err)
	}
	for i, nodeID := range orderedIDs {
		result, err := tx.ExecContext(ctx, `
			UPDATE toc_nodes SET order_index=$4
			WHERE id=$1 AND version_id=$2 AND parent_id IS NOT DISTINCT FROM $3
		`, nodeID, versionID, parentID, i+1)
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reorder node %s: %w", nodeID, err)
		}
		affected, err := result.RowsAffected()
		if err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("reorder node %s rows: %w", nodeID, err)
		}
		if affected == 0 {
			_ = tx.Rollback()
			return fmt.Errorf("reorder node %s: no longer in container", nodeID)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reorder tx: %w", err)
	}
	return nil
}

// DeleteSubtree removes the given nodes plus their content and assignment
// rows in one transaction. The caller supplies the full descendant closure;
// the explicit three-step cascade does not rely on foreign-key cascades.
func (s *PostgresStore) DeleteSubtree(ctx context.Context, nodeIDs []string) error {
	if len(nodeIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin delete tx: %w", err)
	}
	for _, chunk := range chunkIDs(nodeIDs) {
		in, args := placeholders(chunk)
		if _, err := tx.ExecContext(ctx, `DELETE FROM toc_assignments WHERE node_id IN (`+in+`)`, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete assignments: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM toc_content WHERE node_id IN (`+in+`)`, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete content: %w", err)
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM toc_nodes WHERE id IN (`+in+`)`, args...); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("delete nodes: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit delete tx: %w", err)
	}
	return nil
}

// ---- content ----

func (s *PostgresStore) GetContent(ctx context.Context, nodeID string) (TocContent, error) {
	var c TocContent
	err := s.db.QueryRowContext(ctx, `
		SELECT node_id, content_json::text, status, COALESCE(editor_note, ''), author_resolved, updated_by_name, updated_at
		FROM toc_content WHERE node_id=$1
	`, nodeID).Scan(&c.NodeID, &c.ContentJSON, &c.Status, &c.EditorNote, &c.AuthorResolved, &c.UpdatedBy, &c.UpdatedAt)
	if err != nil {
		return TocContent{}, err
	}
	return c, nil
}

func (s *PostgresStore) UpsertContent(ctx context.Context, c TocContent) error {
	payload := c.ContentJSON
	if strings.TrimSpace(payload) == "" {
		payload = "{}"
	}
	status := c.Status
	if status == "" {
		status = "draft"
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO toc_content (node_id, content_json, status, updated_by_name)
		VALUES ($1, $2::jsonb, $3, $4)
		ON CONFLICT (node_id) DO UPDATE SET content_json=EXCLUDED.content_json, updated_by_name=EXCLUDED.updated_by_name, updated_at=NOW()
	`, c.NodeID, payload, status, c.UpdatedBy)
	if err != nil {
		return fmt.Errorf("upsert content %s: %w", c.NodeID, err)
	}
	return nil
}

func (s *PostgresStore) UpdateContentStatus(ctx context.Context, nodeID, status, editorNote string, authorResolved bool, updatedBy string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE toc_content
		SET status=$2, editor_note=NULLIF($3, ''), author_resolved=$4, updated_by_name=$5, updated_at=NOW()
		WHERE node_id=$1
	`, nodeID, status, editorNote, authorResolved, updatedBy)
	if err != nil {
		return fmt.Errorf("update content status: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("update content status rows: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// ListContentByNodeIDs fetches content rows for a batch of node ids, chunking
// the IN-list and paging within each chunk.
func (s *PostgresStore) ListContentByNodeIDs(ctx context.Context, nodeIDs []string) ([]TocContent, error) {
	items := make([]TocContent, 0)
	for _, chunk := range chunkIDs(nodeIDs) {
		in, args := placeholders(chunk)
		offset := 0
		for {
			rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
				SELECT node_id, content_json::text, status, COALESCE(editor_note, ''), author_resolved, updated_by_name, updated_at
				FROM toc_content
				WHERE node_id IN (%s)
				ORDER BY node_id ASC
				LIMIT %d OFFSET %d
			`, in, pageSize, offset), args...)
			if err != nil {
				return nil, fmt.Errorf("list content batch: %w", err)
			}
			count := 0
			for rows.Next() {
				var c TocContent
				if err := rows.Scan(&c.NodeID, &c.ContentJSON, &c.Status, &c.EditorNote, &c.AuthorResolved, &c.UpdatedBy, &c.UpdatedAt); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan content: %w", err)
				}
				items = append(items, c)
				count++
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("iterate content: %w", err)
			}
			rows.Close()
			if count < pageSize {
				break
			}
			offset += pageSize
		}
	}
	return items, nil
}

// ---- assignments ----

func (s *PostgresStore) InsertAssignment(ctx context.Context, a Assignment) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO toc_assignments (node_id, user_id, role)
		VALUES ($1, $2, $3)
		ON CONFLICT (node_id, user_id) DO UPDATE SET role=EXCLUDED.role
	`, a.NodeID, a.UserID, a.Role)
	if err != nil {
		return fmt.Errorf("insert assignment %s/%s: %w", a.NodeID, a.UserID, err)
	}
	return nil
}

func (s *PostgresStore) DeleteAssignment(ctx context.Context, nodeID, userID string) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM toc_assignments WHERE node_id=$1 AND user_id=$2
	`, nodeID, userID)
	if err != nil {
		return false, fmt.Errorf("delete assignment: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("delete assignment rows: %w", err)
	}
	return affected > 0, nil
}

// GetAssignmentRole returns the caller's role on one node, or "" when not
// assigned.
func (s *PostgresStore) GetAssignmentRole(ctx context.Context, nodeID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM toc_assignments WHERE node_id=$1 AND user_id=$2
	`, nodeID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("read assignment role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ListAssignments(ctx context.Context, nodeID string) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT a.node_id, a.user_id, a.role, a.created_at, u.display_name
		FROM toc_assignments a
		JOIN users u ON u.id = a.user_id
		WHERE a.node_id=$1
		ORDER BY a.created_at ASC
	`, nodeID)
	if err != nil {
		return nil, fmt.Errorf("list assignments: %w", err)
	}
	defer rows.Close()

	items := make([]Assignment, 0)
	for rows.Next() {
		var item Assignment
		if err := rows.Scan(&item.NodeID, &item.UserID, &item.Role, &item.CreatedAt, &item.UserName); err != nil {
			return nil, fmt.Errorf("scan assignment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate assignments: %w", err)
	}
	return items, nil
}

// ListAssignmentsByNodeIDs fetches assignments for a batch of node ids,
// chunked like ListContentByNodeIDs.
func (s *PostgresStore) ListAssignmentsByNodeIDs(ctx context.Context, nodeIDs []string) ([]Assignment, error) {
	items := make([]Assignment, 0)
	for _, chunk := range chunkIDs(nodeIDs) {
		in, args := placeholders(chunk)
		offset := 0
		for {
			rows, err := s.db.QueryContext(ctx, fmt.Sprintf(`
				SELECT node_id, user_id, role, created_at
				FROM toc_assignments
				WHERE node_id IN (%s)
				ORDER BY node_id ASC, user_id ASC
				LIMIT %d OFFSET %d
			`, in, pageSize, offset), args...)
			if err != nil {
				return nil, fmt.Errorf("list assignments batch: %w", err)
			}
			count := 0
			for rows.Next() {
				var a Assignment
				if err := rows.Scan(&a.NodeID, &a.UserID, &a.Role, &a.CreatedAt); err != nil {
					rows.Close()
					return nil, fmt.Errorf("scan assignment: %w", err)
				}
				items = append(items, a)
				count++
			}
			if err := rows.Err(); err != nil {
				rows.Close()
				return nil, fmt.Errorf("iterate assignments: %w", err)
			}
			rows.Close()
			if count < pageSize {
				break
			}
			offset += pageSize
		}
	}
	return items, nil
}

// ---- clone ----

// InsertClonedVersion writes a freshly cloned version in one transaction: the
// version row, every node (pre-ordered parents-before-children) and the
// content/assignment fan-out. A mid-clone failure leaves nothing behind.
func (s *PostgresStore) InsertClonedVersion(ctx context.Context, v BookVersion, nodes []TocNode, contents []TocContent, assignments []Assignment) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin clone tx: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO book_versions (id, book_id, version_no, status, template_ref, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, v.ID, v.BookID, v.VersionNo, v.Status, v.TemplateRef, v.CreatedBy); err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("clone insert version %s: %w", v.ID, err)
	}

	for _, node := range nodes {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO toc_nodes (id, version_id, parent_id, title, slug, order_index, kind)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, node.ID, node.VersionID, node.ParentID, node.Title, node.Slug, node.OrderIndex, node.Kind); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clone insert node %s (%s): %w", node.ID, node.Title, err)
		}
	}

	for _, c := range contents {
		payload := c.ContentJSON
		if strings.TrimSpace(payload) == "" {
			payload = "{}"
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO toc_content (node_id, content_json, status, editor_note, author_resolved, updated_by_name)
			VALUES ($1, $2::jsonb, $3, NULLIF($4, ''), $5, $6)
		`, c.NodeID, payload, c.Status, c.EditorNote, c.AuthorResolved, c.UpdatedBy); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clone insert content for node %s: %w", c.NodeID, err)
		}
	}

	for _, a := range assignments {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO toc_assignments (node_id, user_id, role)
			VALUES ($1, $2, $3)
		`, a.NodeID, a.UserID, a.Role); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("clone insert assignment %s/%s: %w", a.NodeID, a.UserID, err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit clone tx: %w", err)
	}
	return nil
}

// ---- helpers ----

func chunkIDs(ids []string) [][]string {
	if len(ids) == 0 {
		return nil
	}
	chunks := make([][]string, 0, (len(ids)+chunkSize-1)/chunkSize)
	for start := 0; start < len(ids); start += chunkSize {
		end := start + chunkSize
		if end > len(ids) {
			end = len(ids)
		}
		chunks = append(chunks, ids[start:end])
	}
	return chunks
}

func placeholders(ids []string) (string, []any) {
	marks := make([]string, len(ids))
	args := make([]any, len(ids))
	for i, id := range ids {
		marks[i] = fmt.Sprintf("$%d", i+1)
		args[i] = id
	}
	return strings.Join(marks, ", "), args
}
