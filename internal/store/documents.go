package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/fpetran/cora/internal/annotation"
)

func documentKey(id int64) string {
	return strconv.FormatInt(id, 10)
}

func (s *Store) CreateProject(ctx context.Context, name string) (Project, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return Project{}, fmt.Errorf("%w: project name is required", ErrInvalidInput)
	}
	project := Project{Name: name, CreatedAt: s.timestamp()}
	err := s.db.QueryRowContext(ctx, s.q(`
		INSERT INTO projects (name, created_at) VALUES ($1, $2) RETURNING id
	`), project.Name, project.CreatedAt).Scan(&project.ID)
	if isUniqueViolation(err) {
		return Project{}, fmt.Errorf("%w: project %q", ErrAlreadyExists, name)
	}
	if err != nil {
		return Project{}, fmt.Errorf("insert project: %w", err)
	}
	return project, nil
}

func (s *Store) GetDocument(ctx context.Context, id int64) (Document, error) {
	return s.getDocument(ctx, s.db, id)
}

func (s *Store) getDocument(ctx context.Context, exec DBTX, id int64) (Document, error) {
	var doc Document
	err := exec.QueryRowContext(ctx, s.q(`
		SELECT id, name, external_id, tagset_id, project_id, created_by, created_at
		FROM documents WHERE id=$1
	`), id).Scan(&doc.ID, &doc.Name, &doc.ExternalID, &doc.TagsetID, &doc.ProjectID, &doc.CreatedBy, &doc.CreatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, fmt.Errorf("document %d: %w", id, ErrNotFound)
	}
	if err != nil {
		return Document{}, fmt.Errorf("read document: %w", err)
	}
	return doc, nil
}

func (s *Store) exists(ctx context.Context, exec DBTX, query string, args ...any) (bool, error) {
	var found bool
	if err := exec.QueryRowContext(ctx, s.q(`SELECT EXISTS(`+query+`)`), args...).Scan(&found); err != nil {
		return false, err
	}
	return found, nil
}

// CreateDocument persists an imported document with its lines, suggestions
// and error markers in one transaction. The initial active value of every
// layer is the top-ranked suggestion.
func (s *Store) CreateDocument(ctx context.Context, meta NewDocument, createdBy string) (CreateResult, error) {
	meta.Name = strings.TrimSpace(meta.Name)
	if meta.Name == "" || meta.TagsetID == "" || meta.ProjectID == 0 {
		return CreateResult{}, fmt.Errorf("%w: document name, tagset and project are required", ErrInvalidInput)
	}
	if strings.TrimSpace(createdBy) == "" {
		return CreateResult{}, fmt.Errorf("%w: creator is required", ErrInvalidInput)
	}
	if meta.ExternalID == "" {
		meta.ExternalID = uuid.NewString()
	}
	for i, line := range meta.Lines {
		for layer, suggestions := range line.Suggestions {
			if _, ok := annotation.ParseLayer(string(layer)); !ok {
				return CreateResult{}, fmt.Errorf("%w: line %d has unknown layer %q", ErrInvalidInput, i, layer)
			}
			for _, sg := range suggestions {
				if sg.Source != "" && sg.Source != annotation.SourceAuto && sg.Source != annotation.SourceUser {
					return CreateResult{}, fmt.Errorf("%w: line %d has unknown suggestion source %q", ErrInvalidInput, i, sg.Source)
				}
			}
		}
	}

	result := CreateResult{Document: Document{
		Name:       meta.Name,
		ExternalID: meta.ExternalID,
		TagsetID:   meta.TagsetID,
		ProjectID:  meta.ProjectID,
		CreatedBy:  createdBy,
		CreatedAt:  s.timestamp(),
	}}

	err := s.withTx(ctx, "create_document", func(tx *sql.Tx) error {
		if ok, err := s.exists(ctx, tx, `SELECT 1 FROM tagsets WHERE id=$1`, meta.TagsetID); err != nil {
			return fmt.Errorf("check tagset: %w", err)
		} else if !ok {
			return fmt.Errorf("tagset %s: %w", meta.TagsetID, ErrNotFound)
		}
		if ok, err := s.exists(ctx, tx, `SELECT 1 FROM projects WHERE id=$1`, meta.ProjectID); err != nil {
			return fmt.Errorf("check project: %w", err)
		} else if !ok {
			return fmt.Errorf("project %d: %w", meta.ProjectID, ErrNotFound)
		}

		doc := &result.Document
		if err := tx.QueryRowContext(ctx, s.q(`
			INSERT INTO documents (name, external_id, tagset_id, project_id, created_by, created_at)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING id
		`), doc.Name, doc.ExternalID, doc.TagsetID, doc.ProjectID, doc.CreatedBy, doc.CreatedAt).Scan(&doc.ID); err != nil {
			return fmt.Errorf("insert document: %w", err)
		}

		key := documentKey(doc.ID)
		if _, err := s.acquireLock(ctx, tx, EntityDocument, key, SystemOwner); err != nil {
			return err
		}

		lines := s.accumulator(tx, BatchSpec{
			Label: "lines",
			Head:  `INSERT INTO lines (document_id, position, token, pos, morph, lemma, norm, comment) VALUES `,
			Width: 8,
		})
		for position, line := range meta.Lines {
			active := Line{}
			for _, layer := range annotation.Layers {
				suggestions := line.Suggestions[layer]
				if best := annotation.Active(suggestions); best >= 0 {
					active.setValue(layer, suggestions[best].Value)
				}
			}
			if err := lines.Append(ctx, doc.ID, position, line.Token,
				active.POS, active.Morph, active.Lemma, active.Norm, line.Comment); err != nil {
				return err
			}
		}
		if err := lines.Flush(ctx); err != nil {
			return err
		}
		result.Lines = lines.Written()

		ids, err := s.linePositions(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		if len(ids) != len(meta.Lines) {
			warning := IntegrityWarning{
				Code:    "line_count_mismatch",
				Message: fmt.Sprintf("imported %d lines but %d were stored", len(meta.Lines), len(ids)),
			}
			s.logger.Warn("integrity warning", "document_id", doc.ID, "warning", warning.String())
			result.Warnings = append(result.Warnings, warning)
		}

		suggestions := s.accumulator(tx, BatchSpec{
			Label: "suggestions",
			Head:  `INSERT INTO suggestions (line_id, layer, value, score, source, selected) VALUES `,
			Width: 6,
		})
		markers := s.accumulator(tx, BatchSpec{
			Label: "error_markers",
			Head:  `INSERT INTO error_markers (line_id, document_id) VALUES `,
			Width: 2,
		})
		for position, line := range meta.Lines {
			lineID, ok := ids[position]
			if !ok {
				continue
			}
			for _, layer := range annotation.Layers {
				candidates := line.Suggestions[layer]
				best := annotation.Active(candidates)
				for i, sg := range candidates {
					source := sg.Source
					if source == "" {
						source = annotation.SourceAuto
					}
					if err := suggestions.Append(ctx, lineID, string(layer), sg.Value, sg.Score, string(source), i == best); err != nil {
						return err
					}
				}
			}
			if line.Error {
				if err := markers.Append(ctx, lineID, doc.ID); err != nil {
					return err
				}
			}
		}
		if err := flushAll(ctx, suggestions, markers); err != nil {
			return err
		}

		if _, err := s.releaseLock(ctx, tx, EntityDocument, key, SystemOwner, false); err != nil {
			return err
		}
		return nil
	})
	if err != nil {
		return CreateResult{}, err
	}

	s.logger.Info("document created", "document_id", result.Document.ID, "lines", result.Lines, "created_by", createdBy)
	return result, nil
}

func (s *Store) linePositions(ctx context.Context, exec DBTX, documentID int64) (map[int]int64, error) {
	rows, err := exec.QueryContext(ctx, s.q(`SELECT id, position FROM lines WHERE document_id=$1`), documentID)
	if err != nil {
		return nil, fmt.Errorf("read line ids: %w", err)
	}
	defer rows.Close()

	ids := map[int]int64{}
	for rows.Next() {
		var (
			id       int64
			position int
		)
		if err := rows.Scan(&id, &position); err != nil {
			return nil, fmt.Errorf("scan line id: %w", err)
		}
		ids[position] = id
	}
	return ids, rows.Err()
}

// OpenDocument locks a document for owner and reports where editing stopped
// last time.
func (s *Store) OpenDocument(ctx context.Context, id int64, owner string) (OpenResult, error) {
	doc, err := s.GetDocument(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}

	released, err := s.AcquireLock(ctx, EntityDocument, documentKey(id), owner)
	if err != nil {
		return OpenResult{}, err
	}

	position, err := s.LastPosition(ctx, id)
	if err != nil {
		return OpenResult{}, err
	}
	return OpenResult{Document: doc, LastPosition: position, ReleasedLocks: released}, nil
}

// LastPosition returns the document's progress cursor or NoPosition.
func (s *Store) LastPosition(ctx context.Context, documentID int64) (int, error) {
	var position int
	err := s.db.QueryRowContext(ctx, s.q(`SELECT new_position FROM progress WHERE document_id=$1`), documentID).Scan(&position)
	if errors.Is(err, sql.ErrNoRows) {
		return NoPosition, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read progress: %w", err)
	}
	return position, nil
}

// DeleteDocument removes a document and every dependent row. The system
// takes the lock from any current holder for the duration of the delete; if
// the delete fails the holder keeps it.
func (s *Store) DeleteDocument(ctx context.Context, id int64) error {
	key := documentKey(id)
	err := s.withTx(ctx, "delete_document", func(tx *sql.Tx) error {
		if _, err := s.getDocument(ctx, tx, id); err != nil {
			return err
		}
		if err := s.forceLock(ctx, tx, EntityDocument, key, SystemOwner); err != nil {
			return err
		}

		statements := []struct {
			name  string
			query string
		}{
			{"suggestions", `DELETE FROM suggestions WHERE line_id IN (SELECT id FROM lines WHERE document_id=$1)`},
			{"error markers", `DELETE FROM error_markers WHERE document_id=$1`},
			{"lines", `DELETE FROM lines WHERE document_id=$1`},
			{"progress", `DELETE FROM progress WHERE document_id=$1`},
			{"document", `DELETE FROM documents WHERE id=$1`},
		}
		for _, stmt := range statements {
			if _, err := tx.ExecContext(ctx, s.q(stmt.query), id); err != nil {
				return &WriteFailureError{Statement: stmt.query, Rows: 1, Err: fmt.Errorf("delete %s: %w", stmt.name, err)}
			}
		}
		_, err := s.releaseLock(ctx, tx, EntityDocument, key, SystemOwner, false)
		return err
	})
	if err != nil {
		return err
	}

	s.logger.Info("document deleted", "document_id", id)
	return nil
}

// ListLines returns up to limit lines starting at position start, with their
// suggestions and error flags. A limit of 0 returns every remaining line.
func (s *Store) ListLines(ctx context.Context, documentID int64, start, limit int) ([]Line, error) {
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return nil, err
	}
	if start < 0 || limit < 0 {
		return nil, fmt.Errorf("%w: start and limit must not be negative", ErrInvalidInput)
	}

	query := `
		SELECT l.id, l.document_id, l.position, l.token, l.pos, l.morph, l.lemma, l.norm, l.comment,
			CASE WHEN e.line_id IS NULL THEN 0 ELSE 1 END
		FROM lines l
		LEFT JOIN error_markers e ON e.line_id = l.id
		WHERE l.document_id=$1 AND l.position >= $2
		ORDER BY l.position`
	args := []any{documentID, start}
	if limit > 0 {
		query += ` LIMIT $3`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}
	defer rows.Close()

	var (
		lines []Line
		ids   []int64
	)
	for rows.Next() {
		var (
			line    Line
			errFlag int
		)
		if err := rows.Scan(&line.ID, &line.DocumentID, &line.Position, &line.Token,
			&line.POS, &line.Morph, &line.Lemma, &line.Norm, &line.Comment, &errFlag); err != nil {
			return nil, fmt.Errorf("scan line: %w", err)
		}
		line.Error = errFlag == 1
		line.Suggestions = map[annotation.Layer][]Suggestion{}
		lines = append(lines, line)
		ids = append(ids, line.ID)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list lines: %w", err)
	}

	byLine, err := s.suggestionsFor(ctx, s.db, ids)
	if err != nil {
		return nil, err
	}
	for i := range lines {
		for layer, suggestions := range byLine[lines[i].ID] {
			lines[i].Suggestions[layer] = suggestions
		}
	}
	return lines, nil
}

// suggestionsFor loads suggestions grouped by line and layer in insertion
// order.
func (s *Store) suggestionsFor(ctx context.Context, exec DBTX, lineIDs []int64) (map[int64]map[annotation.Layer][]Suggestion, error) {
	out := map[int64]map[annotation.Layer][]Suggestion{}
	for _, ids := range chunk(lineIDs, s.limits.MaxParams) {
		args := make([]any, len(ids))
		for i, id := range ids {
			args[i] = id
		}
		rows, err := exec.QueryContext(ctx, s.q(`
			SELECT id, line_id, layer, value, score, source, selected
			FROM suggestions WHERE line_id IN (`+s.placeholders(1, len(ids))+`)
			ORDER BY id`), args...)
		if err != nil {
			return nil, fmt.Errorf("read suggestions: %w", err)
		}
		for rows.Next() {
			var (
				sg     Suggestion
				lineID int64
				layer  string
				source string
			)
			if err := rows.Scan(&sg.ID, &lineID, &layer, &sg.Value, &sg.Score, &source, &sg.Selected); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan suggestion: %w", err)
			}
			sg.Source = annotation.Source(source)
			if out[lineID] == nil {
				out[lineID] = map[annotation.Layer][]Suggestion{}
			}
			out[lineID][annotation.Layer(layer)] = append(out[lineID][annotation.Layer(layer)], sg)
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("read suggestions: %w", err)
		}
	}
	return out, nil
}
