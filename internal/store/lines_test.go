package store

import (
	"context"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpetran/cora/internal/annotation"
)

func TestSaveLinesWithoutLockLeavesDataUntouched(t *testing.T) {
	s := newTestStore(t)
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 3).Document

	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	before := listLines(t, s, doc.ID)

	_, err = s.SaveLines(ctx, doc.ID, 2, []LineEdit{
		{ID: before[0].ID, POS: strPtr("X"), Comment: strPtr("mine now")},
	}, "bob")
	require.ErrorIs(t, err, ErrAccessViolation)
	assert.ErrorIs(t, err, ErrLockConflict)

	if diff := cmp.Diff(before, listLines(t, s, doc.ID)); diff != "" {
		t.Fatalf("lines changed after rejected save (-before +after):\n%s", diff)
	}
	position, err := s.LastPosition(ctx, doc.ID)
	require.NoError(t, err)
	assert.Equal(t, NoPosition, position)
}

func TestSaveLinesForeignLineIsRejectedWhole(t *testing.T) {
	s := newTestStore(t)
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 2).Document
	other := createDocument(t, s, projectID, 1).Document

	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	before := listLines(t, s, doc.ID)
	foreign := listLines(t, s, other.ID)[0]

	_, err = s.SaveLines(ctx, doc.ID, 1, []LineEdit{
		{ID: before[0].ID, POS: strPtr("X")},
		{ID: foreign.ID, POS: strPtr("Y")},
	}, "alice")
	require.ErrorIs(t, err, ErrAccessViolation)
	assert.NotErrorIs(t, err, ErrLockConflict)

	if diff := cmp.Diff(before, listLines(t, s, doc.ID)); diff != "" {
		t.Fatalf("lines changed after rejected save (-before +after):\n%s", diff)
	}
	assert.Equal(t, "NA", listLines(t, s, other.ID)[0].POS)
}

func TestSaveLinesReselectsMatchingSuggestion(t *testing.T) {
	s := newTestStore(t)
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 1).Document
	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	line := listLines(t, s, doc.ID)[0]

	result, err := s.SaveLines(ctx, doc.ID, 0, []LineEdit{{ID: line.ID, POS: strPtr("ADJA")}}, "alice")
	require.NoError(t, err)
	assert.Zero(t, result.UserSuggestions)

	saved := listLines(t, s, doc.ID)[0]
	assert.Equal(t, "ADJA", saved.POS)
	pos := saved.Suggestions[annotation.LayerPOS]
	require.Len(t, pos, 2, "no duplicate suggestion is created")
	assert.False(t, pos[0].Selected)
	assert.True(t, pos[1].Selected)
	assert.Equal(t, "ADJA", pos[1].Value)
}

func TestSaveLinesNovelValueCreatesUserSuggestion(t *testing.T) {
	s := newTestStore(t)
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 3).Document

	for _, line := range listLines(t, s, doc.ID) {
		assert.Equal(t, "NA", line.POS)
	}

	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	lines := listLines(t, s, doc.ID)

	result, err := s.SaveLines(ctx, doc.ID, 1, []LineEdit{{ID: lines[1].ID, POS: strPtr("X")}}, "alice")
	require.NoError(t, err)
	assert.Equal(t, 1, result.Lines)
	assert.Equal(t, 1, result.UserSuggestions)

	after := listLines(t, s, doc.ID)
	assert.Equal(t, "NA", after[0].POS)
	assert.Equal(t, "X", after[1].POS)
	assert.Equal(t, "NA", after[2].POS)

	pos := after[1].Suggestions[annotation.LayerPOS]
	require.Len(t, pos, 3)
	assert.False(t, pos[0].Selected)
	assert.False(t, pos[1].Selected)
	assert.Equal(t, Suggestion{ID: pos[2].ID, Value: "X", Score: annotation.UserScore, Source: annotation.SourceUser, Selected: true}, pos[2])

	selected := countRows(t, s, `SELECT COUNT(*) FROM suggestions WHERE line_id=$1 AND layer='pos' AND selected=TRUE`, lines[1].ID)
	assert.Equal(t, 1, selected)
}

func TestSaveLinesErrorMarkersAndComments(t *testing.T) {
	s := newTestStore(t)
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 2).Document
	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)
	lines := listLines(t, s, doc.ID)

	_, err = s.SaveLines(ctx, doc.ID, 0, []LineEdit{
		{ID: lines[0].ID, Error: boolPtr(true), Comment: strPtr("check")},
		{ID: lines[1].ID, Error: boolPtr(true)},
	}, "alice")
	require.NoError(t, err)

	// saving twice with the flag set keeps a single marker
	_, err = s.SaveLines(ctx, doc.ID, 0, []LineEdit{{ID: lines[0].ID, Error: boolPtr(true)}, {ID: lines[1].ID}}, "alice")
	require.NoError(t, err)

	after := listLines(t, s, doc.ID)
	assert.True(t, after[0].Error)
	assert.Equal(t, "check", after[0].Comment, "absent comment is left unchanged")
	assert.False(t, after[1].Error, "absent flag removes the marker")
	assert.Equal(t, "NA", after[0].POS)
	assert.Equal(t, 1, countRows(t, s, `SELECT COUNT(*) FROM error_markers`))
}

func TestSaveLinesAdvancesProgressCursor(t *testing.T) {
	s := newTestStore(t)
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 1).Document
	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)

	readCursor := func() (int, int) {
		var oldPos, newPos int
		require.NoError(t, s.db.QueryRowContext(ctx, s.q(`SELECT old_position, new_position FROM progress WHERE document_id=$1`), doc.ID).Scan(&oldPos, &newPos))
		return oldPos, newPos
	}

	_, err = s.SaveLines(ctx, doc.ID, 4, nil, "alice")
	require.NoError(t, err)
	oldPos, newPos := readCursor()
	assert.Equal(t, NoPosition, oldPos)
	assert.Equal(t, 4, newPos)

	_, err = s.SaveLines(ctx, doc.ID, 9, nil, "alice")
	require.NoError(t, err)
	oldPos, newPos = readCursor()
	assert.Equal(t, 4, oldPos)
	assert.Equal(t, 9, newPos)
}

func TestSaveLinesBatchesAcrossStatements(t *testing.T) {
	observer := &recordingObserver{}
	s := newTestStore(t, WithLimits(Limits{MaxParams: 20}), WithObserver(observer))
	projectID := seed(t, s)
	ctx := context.Background()
	doc := createDocument(t, s, projectID, 12).Document
	_, err := s.OpenDocument(ctx, doc.ID, "alice")
	require.NoError(t, err)

	var edits []LineEdit
	for _, line := range listLines(t, s, doc.ID) {
		edits = append(edits, LineEdit{ID: line.ID, Lemma: strPtr("wort")})
	}
	result, err := s.SaveLines(ctx, doc.ID, 11, edits, "alice")
	require.NoError(t, err)
	assert.Equal(t, 12, result.Lines)
	assert.Equal(t, 12, result.UserSuggestions)

	for _, line := range listLines(t, s, doc.ID) {
		assert.Equal(t, "wort", line.Lemma)
		require.Len(t, line.Suggestions[annotation.LayerLemma], 1)
		assert.True(t, line.Suggestions[annotation.LayerLemma][0].Selected)
	}
	// 20 parameters fit two 9-column line rows per statement
	assert.Greater(t, len(observer.flushes), 6)
	for _, rows := range observer.flushes {
		assert.LessOrEqual(t, rows, 20)
	}
}

func TestSaveLinesMissingDocument(t *testing.T) {
	s := newTestStore(t)
	_, err := s.SaveLines(context.Background(), 12, 0, nil, "alice")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCollapseEdits(t *testing.T) {
	edits := collapseEdits([]LineEdit{
		{ID: 2, POS: strPtr("NA")},
		{ID: 1, Lemma: strPtr("a")},
		{ID: 2, POS: strPtr("VVFIN"), Norm: strPtr("n")},
	})
	require.Len(t, edits, 2)
	assert.Equal(t, int64(2), edits[0].ID)
	assert.Equal(t, "VVFIN", *edits[0].POS)
	assert.Equal(t, "n", *edits[0].Norm)
	assert.Equal(t, int64(1), edits[1].ID)
}
