package store

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fpetran/cora/internal/annotation"
	"github.com/fpetran/cora/internal/logging"
)

const testTagset = "stts"

func newTestStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	ctx := context.Background()

	db, dialect, err := Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "cora.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })

	dir := MigrationsDir(filepath.Join("..", "..", "db", "migrations"), dialect)
	require.NoError(t, ApplyMigrations(ctx, db, dialect, dir))

	return New(db, dialect, append([]Option{WithLogger(logging.Discard())}, opts...)...)
}

// seed creates a project and the default tagset and returns the project id.
func seed(t *testing.T, s *Store) int64 {
	t.Helper()
	ctx := context.Background()
	project, err := s.CreateProject(ctx, "Anselm")
	require.NoError(t, err)
	require.NoError(t, s.CreateTagset(ctx, Tagset{ID: testTagset, Name: "STTS", Class: "pos"}))
	return project.ID
}

func autoPOS(values ...any) map[annotation.Layer][]annotation.Suggestion {
	var suggestions []annotation.Suggestion
	for i := 0; i+1 < len(values); i += 2 {
		suggestions = append(suggestions, annotation.Suggestion{
			Value:  values[i].(string),
			Score:  values[i+1].(float64),
			Source: annotation.SourceAuto,
		})
	}
	return map[annotation.Layer][]annotation.Suggestion{annotation.LayerPOS: suggestions}
}

// createDocument imports a document whose lines all carry the automatic pos
// suggestions NA (0.9) and ADJA (0.4).
func createDocument(t *testing.T, s *Store, projectID int64, lines int) CreateResult {
	t.Helper()
	meta := NewDocument{Name: "Melker", TagsetID: testTagset, ProjectID: projectID}
	for i := 0; i < lines; i++ {
		meta.Lines = append(meta.Lines, NewLine{
			Token:       "wort",
			Suggestions: autoPOS("NA", 0.9, "ADJA", 0.4),
		})
	}
	result, err := s.CreateDocument(context.Background(), meta, "importer")
	require.NoError(t, err)
	return result
}

func listLines(t *testing.T, s *Store, documentID int64) []Line {
	t.Helper()
	lines, err := s.ListLines(context.Background(), documentID, 0, 0)
	require.NoError(t, err)
	return lines
}

func countRows(t *testing.T, s *Store, query string, args ...any) int {
	t.Helper()
	var n int
	require.NoError(t, s.db.QueryRowContext(context.Background(), s.q(query), args...).Scan(&n))
	return n
}

func strPtr(v string) *string { return &v }

func boolPtr(v bool) *bool { return &v }
