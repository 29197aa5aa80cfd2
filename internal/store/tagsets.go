package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

func (s *Store) CreateTagset(ctx context.Context, tagset Tagset) error {
	if strings.TrimSpace(tagset.ID) == "" || strings.TrimSpace(tagset.Name) == "" {
		return fmt.Errorf("%w: tagset id and name are required", ErrInvalidInput)
	}
	_, err := s.db.ExecContext(ctx, s.q(`INSERT INTO tagsets (id, name, class) VALUES ($1, $2, $3)`), tagset.ID, tagset.Name, tagset.Class)
	if isUniqueViolation(err) {
		return fmt.Errorf("tagset %s: %w", tagset.ID, ErrAlreadyExists)
	}
	if err != nil {
		return fmt.Errorf("insert tagset: %w", err)
	}
	return nil
}

func (s *Store) getTagsetRow(ctx context.Context, exec DBTX, id string) (Tagset, error) {
	var (
		tagset     Tagset
		modifiedBy sql.NullString
		modifiedAt sql.NullTime
	)
	err := exec.QueryRowContext(ctx, s.q(`
		SELECT id, name, class, last_modified_by, last_modified_at FROM tagsets WHERE id=$1
	`), id).Scan(&tagset.ID, &tagset.Name, &tagset.Class, &modifiedBy, &modifiedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Tagset{}, fmt.Errorf("tagset %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Tagset{}, fmt.Errorf("read tagset: %w", err)
	}
	tagset.LastModifiedBy = modifiedBy.String
	if modifiedAt.Valid {
		at := modifiedAt.Time
		tagset.LastModifiedAt = &at
	}
	return tagset, nil
}

// GetTagset reads a tagset with its entries, descriptions in lang, links and
// values. Entries are ordered by id; links and values are sorted.
func (s *Store) GetTagset(ctx context.Context, id, lang string) (Tagset, error) {
	tagset, err := s.getTagsetRow(ctx, s.db, id)
	if err != nil {
		return Tagset{}, err
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT t.id, t.type, t.shortname, COALESCE(ts.description, '')
		FROM tagset_tags t
		LEFT JOIN tagset_strings ts ON ts.tagset_id = t.tagset_id AND ts.id = t.id AND ts.lang = $2
		WHERE t.tagset_id=$1
		ORDER BY t.id
	`), id, lang)
	if err != nil {
		return Tagset{}, fmt.Errorf("read tagset entries: %w", err)
	}
	index := map[string]int{}
	for rows.Next() {
		var entry TagsetEntry
		if err := rows.Scan(&entry.ID, &entry.Type, &entry.Shortname, &entry.Description); err != nil {
			rows.Close()
			return Tagset{}, fmt.Errorf("scan tagset entry: %w", err)
		}
		index[entry.ID] = len(tagset.Entries)
		tagset.Entries = append(tagset.Entries, entry)
	}
	err = rows.Err()
	rows.Close()
	if err != nil {
		return Tagset{}, fmt.Errorf("read tagset entries: %w", err)
	}

	err = s.collectPairs(ctx, `SELECT tag_id, attrib_id FROM tagset_links WHERE tagset_id=$1 ORDER BY tag_id, attrib_id`, id,
		func(tagID, attribID string) {
			if i, ok := index[tagID]; ok {
				tagset.Entries[i].Links = append(tagset.Entries[i].Links, attribID)
			}
		})
	if err != nil {
		return Tagset{}, fmt.Errorf("read tagset links: %w", err)
	}
	err = s.collectPairs(ctx, `SELECT attrib_id, value FROM tagset_values WHERE tagset_id=$1 ORDER BY attrib_id, value`, id,
		func(attribID, value string) {
			if i, ok := index[attribID]; ok {
				tagset.Entries[i].Values = append(tagset.Entries[i].Values, value)
			}
		})
	if err != nil {
		return Tagset{}, fmt.Errorf("read tagset values: %w", err)
	}
	return tagset, nil
}

func (s *Store) collectPairs(ctx context.Context, query, id string, fn func(a, b string)) error {
	rows, err := s.db.QueryContext(ctx, s.q(query), id)
	if err != nil {
		return err
	}
	defer rows.Close()
	for rows.Next() {
		var a, b string
		if err := rows.Scan(&a, &b); err != nil {
			return err
		}
		fn(a, b)
	}
	return rows.Err()
}

func validateTagsetDiff(diff TagsetDiff) error {
	if strings.TrimSpace(diff.TagsetID) == "" || strings.TrimSpace(diff.Lang) == "" {
		return fmt.Errorf("%w: tagset id and language are required", ErrInvalidInput)
	}
	seen := map[string]string{}
	check := func(kind string, id string) error {
		if strings.TrimSpace(id) == "" {
			return fmt.Errorf("%w: %s entry without id", ErrInvalidInput, kind)
		}
		if prev, dup := seen[id]; dup {
			return fmt.Errorf("%w: entry %s is both %s and %s", ErrInvalidInput, id, prev, kind)
		}
		seen[id] = kind
		return nil
	}
	for _, group := range []struct {
		kind    string
		entries []TagsetEntry
	}{{"created", diff.Created}, {"modified", diff.Modified}} {
		for _, entry := range group.entries {
			if err := check(group.kind, entry.ID); err != nil {
				return err
			}
			switch entry.Type {
			case EntryTag:
				if len(entry.Values) > 0 {
					return fmt.Errorf("%w: tag %s cannot carry values", ErrInvalidInput, entry.ID)
				}
			case EntryAttrib:
				if len(entry.Links) > 0 {
					return fmt.Errorf("%w: attribute %s cannot carry links", ErrInvalidInput, entry.ID)
				}
			default:
				return fmt.Errorf("%w: entry %s has unknown type %q", ErrInvalidInput, entry.ID, entry.Type)
			}
		}
	}
	for _, id := range diff.Deleted {
		if err := check("deleted", id); err != nil {
			return err
		}
	}
	return nil
}

// SaveTagset applies a create/modify/delete diff to a tagset under the
// owner's tagset lock. Links of modified tags and values of modified
// attributes are replaced wholesale. The lock stays with the owner.
func (s *Store) SaveTagset(ctx context.Context, diff TagsetDiff, owner string) (TagsetResult, error) {
	if err := validateTagsetDiff(diff); err != nil {
		return TagsetResult{}, err
	}
	if _, err := s.getTagsetRow(ctx, s.db, diff.TagsetID); err != nil {
		return TagsetResult{}, err
	}
	if _, err := s.AcquireLock(ctx, EntityTagset, diff.TagsetID, owner); err != nil {
		return TagsetResult{}, err
	}

	id := diff.TagsetID
	err := s.withTx(ctx, "save_tagset", func(tx *sql.Tx) error {
		existing, err := s.tagsetEntryIDs(ctx, tx, id)
		if err != nil {
			return err
		}
		for _, entry := range diff.Created {
			if existing[entry.ID] {
				return fmt.Errorf("tagset entry %s: %w", entry.ID, ErrAlreadyExists)
			}
		}
		for _, entry := range diff.Modified {
			if !existing[entry.ID] {
				return fmt.Errorf("tagset entry %s: %w", entry.ID, ErrNotFound)
			}
		}

		tags := s.accumulator(tx, BatchSpec{
			Label: "tagset_tags",
			Head:  `INSERT INTO tagset_tags (tagset_id, id, shortname, type) VALUES `,
			Tail:  ` ON CONFLICT (tagset_id, id) DO UPDATE SET shortname=excluded.shortname, type=excluded.type`,
			Width: 4,
		})
		descriptions := s.accumulator(tx, BatchSpec{
			Label: "tagset_strings",
			Head:  `INSERT INTO tagset_strings (tagset_id, id, lang, description) VALUES `,
			Tail:  ` ON CONFLICT (tagset_id, id, lang) DO UPDATE SET description=excluded.description`,
			Width: 4,
		})
		dropLinks := s.deleteIn(tx, "tagset_links", `DELETE FROM tagset_links WHERE tagset_id=$1 AND tag_id IN (`, id)
		dropValues := s.deleteIn(tx, "tagset_values", `DELETE FROM tagset_values WHERE tagset_id=$1 AND attrib_id IN (`, id)

		for _, entry := range append(append([]TagsetEntry(nil), diff.Created...), diff.Modified...) {
			if err := tags.Append(ctx, id, entry.ID, entry.Shortname, entry.Type); err != nil {
				return err
			}
			if err := descriptions.Append(ctx, id, entry.ID, diff.Lang, entry.Description); err != nil {
				return err
			}
		}
		// A modified entry may also have changed type, so both its outgoing
		// links and its values go.
		for _, entry := range diff.Modified {
			if err := dropLinks.Append(ctx, entry.ID); err != nil {
				return err
			}
			if err := dropValues.Append(ctx, entry.ID); err != nil {
				return err
			}
		}
		if err := flushAll(ctx, tags, descriptions, dropLinks, dropValues); err != nil {
			return err
		}

		links := s.accumulator(tx, BatchSpec{
			Label: "tagset_links",
			Head:  `INSERT INTO tagset_links (tagset_id, tag_id, attrib_id) VALUES `,
			Tail:  ` ON CONFLICT (tagset_id, tag_id, attrib_id) DO NOTHING`,
			Width: 3,
		})
		values := s.accumulator(tx, BatchSpec{
			Label: "tagset_values",
			Head:  `INSERT INTO tagset_values (tagset_id, attrib_id, value) VALUES `,
			Tail:  ` ON CONFLICT (tagset_id, attrib_id, value) DO NOTHING`,
			Width: 3,
		})
		for _, entry := range append(append([]TagsetEntry(nil), diff.Created...), diff.Modified...) {
			for _, attrib := range entry.Links {
				if err := links.Append(ctx, id, entry.ID, attrib); err != nil {
					return err
				}
			}
			for _, value := range entry.Values {
				if err := values.Append(ctx, id, entry.ID, value); err != nil {
					return err
				}
			}
		}
		if err := flushAll(ctx, links, values); err != nil {
			return err
		}

		if len(diff.Deleted) == 0 {
			return nil
		}
		removals := []*Accumulator{
			s.deleteIn(tx, "tagset_tags", `DELETE FROM tagset_tags WHERE tagset_id=$1 AND id IN (`, id),
			s.deleteIn(tx, "tagset_strings", `DELETE FROM tagset_strings WHERE tagset_id=$1 AND id IN (`, id),
			s.deleteIn(tx, "tagset_values", `DELETE FROM tagset_values WHERE tagset_id=$1 AND attrib_id IN (`, id),
			s.deleteIn(tx, "tagset_links", `DELETE FROM tagset_links WHERE tagset_id=$1 AND tag_id IN (`, id),
			s.deleteIn(tx, "tagset_links", `DELETE FROM tagset_links WHERE tagset_id=$1 AND attrib_id IN (`, id),
		}
		for _, entryID := range diff.Deleted {
			for _, acc := range removals {
				if err := acc.Append(ctx, entryID); err != nil {
					return err
				}
			}
		}
		return flushAll(ctx, removals...)
	})
	if err != nil {
		return TagsetResult{}, err
	}

	result := TagsetResult{Created: len(diff.Created), Modified: len(diff.Modified), Deleted: len(diff.Deleted)}
	if _, err := s.db.ExecContext(ctx, s.q(`
		UPDATE tagsets SET last_modified_by=$1, last_modified_at=$2 WHERE id=$3
	`), owner, s.timestamp(), id); err != nil {
		s.logger.Warn("update tagset metadata", "tagset_id", id, "error", err)
		result.Warnings = append(result.Warnings, IntegrityWarning{
			Code:    "metadata_not_updated",
			Message: "tagset saved but last-modified information could not be updated",
		})
	}
	return result, nil
}

func (s *Store) deleteIn(tx *sql.Tx, label, head, tagsetID string) *Accumulator {
	return s.accumulator(tx, BatchSpec{Label: label, Head: head, Tail: `)`, Fixed: []any{tagsetID}, InList: true})
}

func (s *Store) tagsetEntryIDs(ctx context.Context, exec DBTX, tagsetID string) (map[string]bool, error) {
	rows, err := exec.QueryContext(ctx, s.q(`SELECT id FROM tagset_tags WHERE tagset_id=$1`), tagsetID)
	if err != nil {
		return nil, fmt.Errorf("read tagset entries: %w", err)
	}
	defer rows.Close()
	ids := map[string]bool{}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan tagset entry: %w", err)
		}
		ids[id] = true
	}
	return ids, rows.Err()
}

// CopyTagset duplicates source into a new tagset destID. name defaults to the
// source's name. The destination lock is held only for the copy.
func (s *Store) CopyTagset(ctx context.Context, sourceID, destID, name, owner string) error {
	if strings.TrimSpace(destID) == "" {
		return fmt.Errorf("%w: destination tagset id is required", ErrInvalidInput)
	}
	source, err := s.getTagsetRow(ctx, s.db, sourceID)
	if err != nil {
		return err
	}
	if _, err := s.getTagsetRow(ctx, s.db, destID); err == nil {
		return fmt.Errorf("tagset %s: %w", destID, ErrAlreadyExists)
	} else if !errors.Is(err, ErrNotFound) {
		return err
	}
	if strings.TrimSpace(name) == "" {
		name = source.Name
	}

	if _, err := s.AcquireLock(ctx, EntityTagset, destID, owner); err != nil {
		return err
	}
	defer func() {
		if _, err := s.ReleaseLock(ctx, EntityTagset, destID, owner, false); err != nil {
			s.logger.Error("release tagset lock after copy", "tagset_id", destID, "error", err)
		}
	}()

	return s.withTx(ctx, "copy_tagset", func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`
			INSERT INTO tagsets (id, name, class, last_modified_by, last_modified_at) VALUES ($1, $2, $3, $4, $5)
		`), destID, name, source.Class, owner, s.timestamp()); err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("tagset %s: %w", destID, ErrAlreadyExists)
			}
			return fmt.Errorf("insert tagset copy: %w", err)
		}

		copies := []struct {
			table string
			query string
		}{
			{"tagset_tags", `INSERT INTO tagset_tags (tagset_id, id, shortname, type)
				SELECT CAST($1 AS TEXT), id, shortname, type FROM tagset_tags WHERE tagset_id=$2`},
			{"tagset_strings", `INSERT INTO tagset_strings (tagset_id, id, lang, description)
				SELECT CAST($1 AS TEXT), id, lang, description FROM tagset_strings WHERE tagset_id=$2`},
			{"tagset_links", `INSERT INTO tagset_links (tagset_id, tag_id, attrib_id)
				SELECT CAST($1 AS TEXT), tag_id, attrib_id FROM tagset_links WHERE tagset_id=$2`},
			{"tagset_values", `INSERT INTO tagset_values (tagset_id, attrib_id, value)
				SELECT CAST($1 AS TEXT), attrib_id, value FROM tagset_values WHERE tagset_id=$2`},
		}
		for _, c := range copies {
			if _, err := tx.ExecContext(ctx, s.q(c.query), destID, sourceID); err != nil {
				return &WriteFailureError{Statement: c.query, Err: fmt.Errorf("copy %s: %w", c.table, err)}
			}
		}
		return nil
	})
}
