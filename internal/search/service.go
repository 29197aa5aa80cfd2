package search

import (
	"context"
	"log/slog"
	"time"
)

// Service tries Meilisearch first and falls back to the SQL searcher.
type Service struct {
	meili  *Meili
	sql    *SQL
	logger *slog.Logger
}

// NewService creates a search service. meili may be nil if Meilisearch is not configured.
func NewService(meili *Meili, sql *SQL, logger *slog.Logger) *Service {
	return &Service{meili: meili, sql: sql, logger: logger}
}

func (s *Service) indexing() bool {
	return s.meili != nil && s.meili.Healthy()
}

func (s *Service) Search(ctx context.Context, q Query) (Response, error) {
	if s.indexing() {
		hits, total, err := s.meili.Search(q)
		if err == nil {
			return Response{Hits: nonNil(hits), Total: total, Query: q.Text}, nil
		}
		s.logger.Warn("meilisearch error, falling back to sql", "error", err)
	}

	hits, total, err := s.sql.Search(ctx, q)
	if err != nil {
		return Response{}, err
	}
	return Response{Hits: nonNil(hits), Total: total, Query: q.Text}, nil
}

// IndexDocument reindexes every line of a document (fire-and-forget).
func (s *Service) IndexDocument(documentID int64) {
	if !s.indexing() {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
		defer cancel()
		if err := s.reindex(ctx, documentID); err != nil {
			s.logger.Warn("index document", "document_id", documentID, "error", err)
		}
	}()
}

// DeleteDocument removes a document's lines from the index (fire-and-forget).
func (s *Service) DeleteDocument(documentID int64) {
	if !s.indexing() {
		return
	}
	go func() {
		if err := s.meili.DeleteDocumentLines(documentID); err != nil {
			s.logger.Warn("delete document from index", "document_id", documentID, "error", err)
		}
	}()
}

// ReindexAll pushes every document's lines into Meilisearch.
func (s *Service) ReindexAll(ctx context.Context) {
	if !s.indexing() {
		return
	}
	ids, err := s.sql.DocumentIDs(ctx)
	if err != nil {
		s.logger.Warn("reindex load failed", "error", err)
		return
	}
	for _, id := range ids {
		if err := s.reindex(ctx, id); err != nil {
			s.logger.Warn("reindex document", "document_id", id, "error", err)
		}
	}
}

func (s *Service) reindex(ctx context.Context, documentID int64) error {
	records, err := s.sql.LoadDocument(ctx, documentID)
	if err != nil {
		return err
	}
	return s.meili.IndexLines(records)
}

func nonNil(h []Hit) []Hit {
	if h == nil {
		return []Hit{}
	}
	return h
}
