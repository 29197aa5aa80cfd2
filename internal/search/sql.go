package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/fpetran/cora/internal/store"
)

// SQL implements line search with a case-insensitive LIKE over the lines
// table. It serves as the fallback when Meilisearch is absent or unhealthy
// and as the record source for reindexing.
type SQL struct {
	db      *sql.DB
	dialect store.Dialect
}

func NewSQL(db *sql.DB, dialect store.Dialect) *SQL {
	return &SQL{db: db, dialect: dialect}
}

// Healthy always returns true; without the database nothing else works either.
func (s *SQL) Healthy() bool {
	return true
}

func likePattern(text string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`).Replace(strings.ToLower(text))
	return "%" + escaped + "%"
}

func (s *SQL) Search(ctx context.Context, q Query) ([]Hit, int, error) {
	text := strings.TrimSpace(q.Text)
	if text == "" {
		return nil, 0, nil
	}
	field := q.Field
	if field == "" {
		field = FieldToken
	}
	if _, ok := ParseField(string(field)); !ok {
		return nil, 0, fmt.Errorf("search lines: unknown field %q", field)
	}

	where := fmt.Sprintf(`LOWER(l.%s) LIKE $1 ESCAPE '\'`, field)
	args := []any{likePattern(text)}
	if q.DocumentID > 0 {
		args = append(args, q.DocumentID)
		where += fmt.Sprintf(" AND l.document_id = $%d", len(args))
	}
	if q.ProjectID > 0 {
		args = append(args, q.ProjectID)
		where += fmt.Sprintf(" AND d.project_id = $%d", len(args))
	}
	from := ` FROM lines l JOIN documents d ON d.id = l.document_id WHERE ` + where

	var total int
	if err := s.db.QueryRowContext(ctx, s.dialect.Rebind(`SELECT COUNT(*)`+from), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count line matches: %w", err)
	}

	args = append(args, q.limit(), q.offset())
	query := `SELECT l.id, l.document_id, d.name, l.position, l.token, l.pos, l.lemma, l.norm` + from +
		fmt.Sprintf(" ORDER BY l.document_id, l.position LIMIT $%d OFFSET $%d", len(args)-1, len(args))
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(query), args...)
	if err != nil {
		return nil, 0, fmt.Errorf("search lines: %w", err)
	}
	defer rows.Close()

	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.LineID, &h.DocumentID, &h.DocumentName, &h.Position, &h.Token, &h.POS, &h.Lemma, &h.Norm); err != nil {
			return nil, 0, fmt.Errorf("scan line match: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, total, rows.Err()
}

// LoadDocument reads the index records for every line of one document.
func (s *SQL) LoadDocument(ctx context.Context, documentID int64) ([]LineRecord, error) {
	rows, err := s.db.QueryContext(ctx, s.dialect.Rebind(`
		SELECT l.id, l.document_id, d.name, d.project_id, l.position, l.token, l.pos, l.morph, l.lemma, l.norm
		FROM lines l JOIN documents d ON d.id = l.document_id
		WHERE l.document_id = $1
		ORDER BY l.position`), documentID)
	if err != nil {
		return nil, fmt.Errorf("load line records: %w", err)
	}
	defer rows.Close()

	var records []LineRecord
	for rows.Next() {
		var r LineRecord
		if err := rows.Scan(&r.LineID, &r.DocumentID, &r.DocumentName, &r.ProjectID, &r.Position, &r.Token, &r.POS, &r.Morph, &r.Lemma, &r.Norm); err != nil {
			return nil, fmt.Errorf("scan line record: %w", err)
		}
		r.ID = fmt.Sprintf("%d", r.LineID)
		records = append(records, r)
	}
	return records, rows.Err()
}

// DocumentIDs lists every document for a full reindex.
func (s *SQL) DocumentIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id FROM documents ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan document id: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}
