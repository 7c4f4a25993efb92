package search

import (
	"context"
	"log"
)

// Service is the facade that tries Meilisearch first and falls back to PG FTS.
type Service struct {
	meili *Meili
	pgfts *PgFTS
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, pgfts *PgFTS) *Service {
	return &Service{meili: meili, pgfts: pgfts}
}

// Search tries Meilisearch if healthy, otherwise falls back to PG FTS.
func (s *Service) Search(q Query) Response {
	if s.meili != nil && s.meili.Healthy() {
		results, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Results: nonNil(results), Total: total, Query: q.Text}
		}
		log.Printf("search: meilisearch error, falling back to pgfts: %v", err)
	}

	results, total, err := s.pgfts.Search(q)
	if err != nil {
		log.Printf("search: pgfts error: %v", err)
		return Response{Results: []Result{}, Total: 0, Query: q.Text}
	}
	return Response{Results: nonNil(results), Total: total, Query: q.Text}
}

// IndexBook indexes a book (fire-and-forget to Meilisearch).
func (s *Service) IndexBook(b BookRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexBook(b); err != nil {
			log.Printf("search: index book %s: %v", b.ID, err)
		}
	}()
}

// IndexNode indexes a node (fire-and-forget to Meilisearch).
func (s *Service) IndexNode(n NodeRecord) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		if err := s.meili.IndexNode(n); err != nil {
			log.Printf("search: index node %s: %v", n.ID, err)
		}
	}()
}

// DeleteNodes removes nodes from the search index (fire-and-forget).
func (s *Service) DeleteNodes(ids []string) {
	if s.meili == nil || !s.meili.Healthy() {
		return
	}
	go func() {
		for _, id := range ids {
			if err := s.meili.DeleteNode(id); err != nil {
				log.Printf("search: delete node %s: %v", id, err)
			}
		}
	}()
}

// ReindexAllFromPG reindexes all searchable entities from PostgreSQL into Meilisearch.
func (s *Service) ReindexAllFromPG(ctx context.Context) {
	if s.meili == nil || !s.meili.Healthy() || s.pgfts == nil {
		return
	}
	books, nodes, err := s.pgfts.LoadAllRecords(ctx)
	if err != nil {
		log.Printf("search: reindex load failed: %v", err)
		return
	}
	if len(books) > 0 {
		if err := s.meili.IndexBooks(books); err != nil {
			log.Printf("search: reindex books: %v", err)
		}
	}
	if len(nodes) > 0 {
		if err := s.meili.IndexNodes(nodes); err != nil {
			log.Printf("search: reindex nodes: %v", err)
		}
	}
}

func nonNil(r []Result) []Result {
	if r == nil {
		return []Result{}
	}
	return r
}
