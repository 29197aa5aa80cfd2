package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/fpetran/cora/internal/annotation"
)

// SaveLines applies editor changes to a document the owner has locked and
// moves the progress cursor to position. Every line id must belong to the
// document; otherwise nothing is written.
func (s *Store) SaveLines(ctx context.Context, documentID int64, position int, edits []LineEdit, owner string) (SaveResult, error) {
	if position < NoPosition {
		return SaveResult{}, fmt.Errorf("%w: position %d", ErrInvalidInput, position)
	}
	if _, err := s.GetDocument(ctx, documentID); err != nil {
		return SaveResult{}, err
	}

	if _, err := s.AcquireLock(ctx, EntityDocument, documentKey(documentID), owner); err != nil {
		var conflict *LockConflictError
		if errors.As(err, &conflict) {
			return SaveResult{}, &AccessViolationError{
				Reason: fmt.Sprintf("document %d is locked by %s", documentID, conflict.Owner),
				Err:    conflict,
			}
		}
		return SaveResult{}, err
	}

	edits = collapseEdits(edits)
	var result SaveResult
	err := s.withTx(ctx, "save_lines", func(tx *sql.Tx) error {
		ids := make([]int64, len(edits))
		for i, edit := range edits {
			ids[i] = edit.ID
		}
		current, err := s.linesByID(ctx, tx, documentID, ids)
		if err != nil {
			return err
		}
		for _, id := range ids {
			if _, ok := current[id]; !ok {
				return &AccessViolationError{Reason: fmt.Sprintf("line %d does not belong to document %d", id, documentID)}
			}
		}
		stored, err := s.suggestionsFor(ctx, tx, ids)
		if err != nil {
			return err
		}

		lines := s.accumulator(tx, BatchSpec{
			Label: "lines",
			Head:  `INSERT INTO lines (id, document_id, position, token, pos, morph, lemma, norm, comment) VALUES `,
			Tail: ` ON CONFLICT (id) DO UPDATE SET pos=excluded.pos, morph=excluded.morph,
				lemma=excluded.lemma, norm=excluded.norm, comment=excluded.comment`,
			Width: 9,
		})
		markErrors := s.accumulator(tx, BatchSpec{
			Label: "error_markers",
			Head:  `INSERT INTO error_markers (line_id, document_id) VALUES `,
			Tail:  ` ON CONFLICT (line_id) DO NOTHING`,
			Width: 2,
		})
		clearErrors := s.accumulator(tx, BatchSpec{
			Label:  "error_markers",
			Head:   `DELETE FROM error_markers WHERE line_id IN (`,
			Tail:   `)`,
			InList: true,
		})

		var (
			unselect []int64
			selects  []int64
			inserts  []pendingSuggestion
		)
		for _, edit := range edits {
			line := current[edit.ID]
			for _, layer := range annotation.Layers {
				value := edit.layer(layer)
				if value == nil {
					continue
				}
				line.setValue(layer, *value)
				plan := annotation.Merge(storedFor(stored[edit.ID][layer]), *value)
				unselect = append(unselect, plan.Unselect...)
				if plan.Select != 0 {
					selects = append(selects, plan.Select)
				}
				if plan.Insert != nil {
					inserts = append(inserts, pendingSuggestion{lineID: edit.ID, layer: layer, suggestion: *plan.Insert})
				}
			}
			if edit.Comment != nil {
				line.Comment = *edit.Comment
			}

			if err := lines.Append(ctx, line.ID, documentID, line.Position, line.Token,
				line.POS, line.Morph, line.Lemma, line.Norm, line.Comment); err != nil {
				return err
			}
			if edit.Error != nil && *edit.Error {
				err = markErrors.Append(ctx, line.ID, documentID)
			} else {
				err = clearErrors.Append(ctx, line.ID)
			}
			if err != nil {
				return err
			}
		}
		if err := flushAll(ctx, lines, markErrors, clearErrors); err != nil {
			return err
		}

		if err := s.applySelection(ctx, tx, unselect, selects, inserts); err != nil {
			return err
		}

		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO progress (document_id, old_position, new_position) VALUES ($1, $2, $3)
			ON CONFLICT (document_id) DO UPDATE SET old_position=progress.new_position, new_position=excluded.new_position
		`), documentID, NoPosition, position); err != nil {
			return fmt.Errorf("update progress: %w", err)
		}

		result = SaveResult{Lines: lines.Written(), UserSuggestions: len(inserts)}
		return nil
	})
	if err != nil {
		var violation *AccessViolationError
		if errors.As(err, &violation) {
			s.logger.Warn("save rejected", "document_id", documentID, "owner", owner, "reason", violation.Reason)
		}
		return SaveResult{}, err
	}
	return result, nil
}

type pendingSuggestion struct {
	lineID     int64
	layer      annotation.Layer
	suggestion annotation.Suggestion
}

// applySelection writes a selection change in an order that never leaves two
// selected suggestions for one (line, layer): every unselect lands before any
// select, and new user suggestions are inserted last.
func (s *Store) applySelection(ctx context.Context, tx *sql.Tx, unselect, selects []int64, inserts []pendingSuggestion) error {
	off := s.accumulator(tx, BatchSpec{
		Label:  "suggestions",
		Head:   `UPDATE suggestions SET selected=FALSE WHERE id IN (`,
		Tail:   `)`,
		InList: true,
	})
	for _, id := range unselect {
		if err := off.Append(ctx, id); err != nil {
			return err
		}
	}
	if err := off.Flush(ctx); err != nil {
		return err
	}

	on := s.accumulator(tx, BatchSpec{
		Label:  "suggestions",
		Head:   `UPDATE suggestions SET selected=TRUE WHERE id IN (`,
		Tail:   `)`,
		InList: true,
	})
	for _, id := range selects {
		if err := on.Append(ctx, id); err != nil {
			return err
		}
	}
	if err := on.Flush(ctx); err != nil {
		return err
	}

	add := s.accumulator(tx, BatchSpec{
		Label: "suggestions",
		Head:  `INSERT INTO suggestions (line_id, layer, value, score, source, selected) VALUES `,
		Width: 6,
	})
	for _, p := range inserts {
		if err := add.Append(ctx, p.lineID, string(p.layer), p.suggestion.Value, p.suggestion.Score, string(p.suggestion.Source), true); err != nil {
			return err
		}
	}
	return add.Flush(ctx)
}

func storedFor(suggestions []Suggestion) []annotation.Stored {
	out := make([]annotation.Stored, len(suggestions))
	for i, sg := range suggestions {
		out[i] = annotation.Stored{ID: sg.ID, Value: sg.Value, Selected: sg.Selected}
	}
	return out
}

// collapseEdits merges repeated edits of one line, later fields winning, and
// keeps first-seen order.
func collapseEdits(edits []LineEdit) []LineEdit {
	index := make(map[int64]int, len(edits))
	out := make([]LineEdit, 0, len(edits))
	for _, edit := range edits {
		i, seen := index[edit.ID]
		if !seen {
			index[edit.ID] = len(out)
			out = append(out, edit)
			continue
		}
		merged := &out[i]
		if edit.POS != nil {
			merged.POS = edit.POS
		}
		if edit.Morph != nil {
			merged.Morph = edit.Morph
		}
		if edit.Lemma != nil {
			merged.Lemma = edit.Lemma
		}
		if edit.Norm != nil {
			merged.Norm = edit.Norm
		}
		if edit.Comment != nil {
			merged.Comment = edit.Comment
		}
		if edit.Error != nil {
			merged.Error = edit.Error
		}
	}
	return out
}

func (s *Store) linesByID(ctx context.Context, exec DBTX, documentID int64, ids []int64) (map[int64]*Line, error) {
	out := make(map[int64]*Line, len(ids))
	for _, part := range chunk(ids, s.limits.MaxParams-1) {
		args := make([]any, 0, len(part)+1)
		args = append(args, documentID)
		for _, id := range part {
			args = append(args, id)
		}
		rows, err := exec.QueryContext(ctx, s.q(`
			SELECT id, document_id, position, token, pos, morph, lemma, norm, comment
			FROM lines WHERE document_id=$1 AND id IN (`+s.placeholders(2, len(part))+`)`), args...)
		if err != nil {
			return nil, fmt.Errorf("read lines: %w", err)
		}
		for rows.Next() {
			line := &Line{}
			if err := rows.Scan(&line.ID, &line.DocumentID, &line.Position, &line.Token,
				&line.POS, &line.Morph, &line.Lemma, &line.Norm, &line.Comment); err != nil {
				rows.Close()
				return nil, fmt.Errorf("scan line: %w", err)
			}
			out[line.ID] = line
		}
		err = rows.Err()
		rows.Close()
		if err != nil {
			return nil, fmt.Errorf("read lines: %w", err)
		}
	}
	return out, nil
}
