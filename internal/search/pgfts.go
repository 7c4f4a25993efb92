package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

// Search executes a UNION ALL query across books and toc_nodes using
// plainto_tsquery and ts_rank, with ts_headline for snippets.
func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 20
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	tsQuery := "plainto_tsquery('english', $1)"
	args := []any{q.Text}
	argN := 2

	var subQueries []string

	if q.FilterType == "" || q.FilterType == ResultBook {
		bookWhere := "b.fts @@ " + tsQuery
		if q.FilterBookID != "" {
			bookWhere += fmt.Sprintf(" AND b.id = $%d", argN)
			args = append(args, q.FilterBookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'book'::text AS type, b.id, b.title,
				ts_headline('english', coalesce(b.author_name, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				b.id AS book_id, ''::text AS version_id, ''::text AS kind,
				ts_rank(b.fts, %s) AS rank
			FROM books b
			WHERE %s`, tsQuery, tsQuery, bookWhere))
	}

	if q.FilterType == "" || q.FilterType == ResultNode {
		nodeWhere := fmt.Sprintf("(n.fts @@ %s OR c.fts @@ %s)", tsQuery, tsQuery)
		if q.FilterBookID != "" {
			nodeWhere += fmt.Sprintf(" AND v.book_id = $%d", argN)
			args = append(args, q.FilterBookID)
			argN++
		}
		subQueries = append(subQueries, fmt.Sprintf(`
			SELECT 'node'::text AS type, n.id, n.title,
				ts_headline('english', coalesce(c.content_json::text, ''), %s, 'MaxFragments=1,MaxWords=30') AS snippet,
				v.book_id, n.version_id, n.kind,
				ts_rank(coalesce(n.fts, ''::tsvector) || coalesce(c.fts, ''::tsvector), %s) AS rank
			FROM toc_nodes n
			JOIN book_versions v ON v.id = n.version_id
			LEFT JOIN toc_content c ON c.node_id = n.id
			WHERE %s`, tsQuery, tsQuery, nodeWhere))
	}

	if len(subQueries) == 0 {
		return nil, 0, nil
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM (%s) sub",
		strings.Join(subQueries, " UNION ALL "))

	dataSQL := fmt.Sprintf(`SELECT type, id, title, snippet, book_id, version_id, kind
		FROM (%s) sub
		ORDER BY rank DESC
		LIMIT %d OFFSET %d`,
		strings.Join(subQueries, " UNION ALL "),
		limit, offset)

	ctx := context.Background()

	var total int
	if err := p.db.QueryRowContext(ctx, countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		var typ string
		if err := rows.Scan(&typ, &r.ID, &r.Title, &r.Snippet, &r.BookID, &r.VersionID, &r.Kind); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		r.Type = ResultType(typ)
		results = append(results, r)
	}

	return results, total, rows.Err()
}

// LoadAllRecords returns all searchable records for full reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]BookRecord, []NodeRecord, error) {
	bookRows, err := p.db.QueryContext(ctx, `
		SELECT id, title, author_name
		FROM books
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load books: %w", err)
	}
	defer bookRows.Close()

	books := make([]BookRecord, 0)
	for bookRows.Next() {
		var b BookRecord
		if err := bookRows.Scan(&b.ID, &b.Title, &b.AuthorName); err != nil {
			return nil, nil, fmt.Errorf("scan book: %w", err)
		}
		books = append(books, b)
	}
	if err := bookRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate books: %w", err)
	}

	nodeRows, err := p.db.QueryContext(ctx, `
		SELECT n.id, n.title, coalesce(c.content_json::text, ''), n.kind, v.book_id, n.version_id
		FROM toc_nodes n
		JOIN book_versions v ON v.id = n.version_id
		LEFT JOIN toc_content c ON c.node_id = n.id
	`)
	if err != nil {
		return nil, nil, fmt.Errorf("load nodes: %w", err)
	}
	defer nodeRows.Close()

	nodes := make([]NodeRecord, 0)
	for nodeRows.Next() {
		var n NodeRecord
		if err := nodeRows.Scan(&n.ID, &n.Title, &n.Body, &n.Kind, &n.BookID, &n.VersionID); err != nil {
			return nil, nil, fmt.Errorf("scan node: %w", err)
		}
		nodes = append(nodes, n)
	}
	if err := nodeRows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate nodes: %w", err)
	}

	return books, nodes, nil
}
