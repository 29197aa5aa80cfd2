package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fpetran/cora/internal/annotation"
	"github.com/fpetran/cora/internal/logging"
	"github.com/fpetran/cora/internal/rbac"
	"github.com/fpetran/cora/internal/store"
)

func bearer(t *testing.T, svc *Service, user string, role rbac.Role) string {
	t.Helper()
	token, err := svc.IssueToken(user, role)
	require.NoError(t, err)
	return "Bearer " + token
}

func doJSON(t *testing.T, handler http.Handler, method, path, authorization string, body any) (int, map[string]any) {
	t.Helper()
	var payload bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&payload).Encode(body))
	}
	req := httptest.NewRequest(method, path, &payload)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rr := httptest.NewRecorder()
	handler.ServeHTTP(rr, req)

	var response map[string]any
	if rr.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &response), rr.Body.String())
	}
	return rr.Code, response
}

func TestRequestsWithoutTokenAreRejected(t *testing.T) {
	handler := NewHTTPServer(newTestService(&fakeStore{}), "*").Handler()

	code, body := doJSON(t, handler, http.MethodPost, "/api/documents/1/open", "", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
	assert.Equal(t, false, body["success"])

	code, _ = doJSON(t, handler, http.MethodPost, "/api/documents/1/open", "Bearer garbage", nil)
	assert.Equal(t, http.StatusUnauthorized, code)
}

func TestOpenDocumentConflictRendersLockHolder(t *testing.T) {
	since := time.Date(2024, 3, 1, 9, 30, 0, 0, time.UTC)
	svc := newTestService(&fakeStore{
		openDocumentFn: func(context.Context, int64, string) (store.OpenResult, error) {
			return store.OpenResult{}, &store.LockConflictError{EntityType: store.EntityDocument, EntityID: "5", Owner: "bob", Since: since}
		},
	})
	handler := NewHTTPServer(svc, "*").Handler()

	code, body := doJSON(t, handler, http.MethodPost, "/api/documents/5/open", bearer(t, svc, "alice", rbac.RoleAnnotator), nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, false, body["success"])
	lock, ok := body["lock"].(map[string]any)
	require.True(t, ok, "lock holder is reported")
	assert.Equal(t, "bob", lock["owner"])
	assert.Equal(t, "2024-03-01T09:30:00Z", lock["since"])
}

func TestSaveLinesErrorMapping(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want string
	}{
		{"access violation", &store.AccessViolationError{Reason: "line 9 is not part of document 1"}, http.StatusForbidden, "ACCESS_VIOLATION"},
		{"write failure", &store.WriteFailureError{Statement: "lines", Rows: 20, Err: errors.New("disk full")}, http.StatusInternalServerError, "WRITE_FAILURE"},
		{"missing document", store.ErrNotFound, http.StatusNotFound, "NOT_FOUND"},
		{"bad position", store.ErrInvalidInput, http.StatusBadRequest, "INVALID_INPUT"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := newTestService(&fakeStore{
				saveLinesFn: func(context.Context, int64, int, []store.LineEdit, string) (store.SaveResult, error) {
					return store.SaveResult{}, tt.err
				},
			})
			handler := NewHTTPServer(svc, "*").Handler()
			code, body := doJSON(t, handler, http.MethodPost, "/api/documents/1/lines", bearer(t, svc, "alice", rbac.RoleAnnotator), map[string]any{"position": 0})
			assert.Equal(t, tt.code, code)
			assert.Equal(t, tt.want, body["code"])
			assert.Equal(t, false, body["success"])
			assert.NotContains(t, body["error"], "disk full")
		})
	}
}

func TestSaveLinesDefaultsToNoPosition(t *testing.T) {
	var gotPosition int
	svc := newTestService(&fakeStore{
		saveLinesFn: func(_ context.Context, _ int64, position int, _ []store.LineEdit, _ string) (store.SaveResult, error) {
			gotPosition = position
			return store.SaveResult{}, nil
		},
	})
	handler := NewHTTPServer(svc, "*").Handler()
	code, _ := doJSON(t, handler, http.MethodPost, "/api/documents/1/lines", bearer(t, svc, "alice", rbac.RoleAnnotator), map[string]any{"lines": []any{}})
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, store.NoPosition, gotPosition)
}

func TestSearchEndpoint(t *testing.T) {
	searcher := &fakeSearch{}
	svc := newTestService(&fakeStore{}, WithSearch(searcher))
	handler := NewHTTPServer(svc, "*").Handler()
	auth := bearer(t, svc, "vic", rbac.RoleViewer)

	code, body := doJSON(t, handler, http.MethodGet, "/api/search?q=vnd&field=lemma&document=3&limit=5", auth, nil)
	assert.Equal(t, http.StatusOK, code)
	assert.Equal(t, float64(1), body["total"])
	assert.Equal(t, "lemma", string(searcher.query.Field))
	assert.Equal(t, int64(3), searcher.query.DocumentID)
	assert.Equal(t, 5, searcher.query.Limit)

	code, _ = doJSON(t, handler, http.MethodGet, "/api/search?q=vnd&field=gloss", auth, nil)
	assert.Equal(t, http.StatusBadRequest, code)
	code, _ = doJSON(t, handler, http.MethodGet, "/api/search?q=vnd&limit=many", auth, nil)
	assert.Equal(t, http.StatusBadRequest, code)
}

type countingObserver struct {
	routes map[string]int
}

func (c *countingObserver) ObserveRequest(route string, code int, _ time.Duration) {
	c.routes[route] = code
}

func TestMetricsHandlerAndRouteLabels(t *testing.T) {
	observer := &countingObserver{routes: map[string]int{}}
	metrics := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("{}"))
	})
	svc := newTestService(&fakeStore{})
	handler := NewHTTPServer(svc, "*", WithMetrics(metrics, observer)).Handler()

	code, _ := doJSON(t, handler, http.MethodGet, "/api/metrics", "", nil)
	assert.Equal(t, http.StatusOK, code)

	doJSON(t, handler, http.MethodDelete, "/api/locks/document/42", bearer(t, svc, "alice", rbac.RoleAnnotator), nil)
	assert.Equal(t, http.StatusOK, observer.routes["DELETE /api/locks/document/:id"])
	assert.Equal(t, "POST /api/documents/:id/open", routeLabel(http.MethodPost, "/api/documents/17/open"))
}

// TestAnnotationRoundTrip drives the HTTP surface against a SQLite store.
func TestAnnotationRoundTrip(t *testing.T) {
	ctx := context.Background()
	db, dialect, err := store.Open(ctx, "sqlite://"+filepath.Join(t.TempDir(), "app.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, store.ApplyMigrations(ctx, db, dialect, store.MigrationsDir(filepath.Join("..", "..", "db", "migrations"), dialect)))

	st := store.New(db, dialect, store.WithLogger(logging.Discard()))
	project, err := st.CreateProject(ctx, "Anselm")
	require.NoError(t, err)
	require.NoError(t, st.CreateTagset(ctx, store.Tagset{ID: "stts", Name: "STTS", Class: "pos"}))

	svc := New(testConfig(), st, WithLogger(logging.Discard()))
	handler := NewHTTPServer(svc, "*").Handler()
	erinAuth := bearer(t, svc, "erin", rbac.RoleEditor)
	aliceAuth := bearer(t, svc, "alice", rbac.RoleAnnotator)
	bobAuth := bearer(t, svc, "bob", rbac.RoleAnnotator)

	doc := store.NewDocument{Name: "Melker", TagsetID: "stts", ProjectID: project.ID}
	for i := 0; i < 3; i++ {
		doc.Lines = append(doc.Lines, store.NewLine{
			Token: "wort",
			Suggestions: map[annotation.Layer][]annotation.Suggestion{
				annotation.LayerPOS: {{Value: "NA", Score: 0.9}, {Value: "ADJA", Score: 0.4}},
			},
		})
	}
	code, body := doJSON(t, handler, http.MethodPost, "/api/documents", erinAuth, doc)
	require.Equal(t, http.StatusCreated, code, body)
	documentID := int64(body["document"].(map[string]any)["id"].(float64))
	base := "/api/documents/" + jsonNumber(documentID)

	code, body = doJSON(t, handler, http.MethodPost, base+"/open", aliceAuth, nil)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(store.NoPosition), body["lastPosition"])

	code, body = doJSON(t, handler, http.MethodPost, base+"/open", bobAuth, nil)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "alice", body["lock"].(map[string]any)["owner"])

	code, body = doJSON(t, handler, http.MethodGet, base+"/lines", aliceAuth, nil)
	require.Equal(t, http.StatusOK, code)
	lines := body["lines"].([]any)
	require.Len(t, lines, 3)
	second := lines[1].(map[string]any)
	assert.Equal(t, "NA", second["pos"])

	edit := map[string]any{"position": 1, "lines": []any{map[string]any{"id": second["id"], "pos": "X"}}}
	code, body = doJSON(t, handler, http.MethodPost, base+"/lines", bobAuth, edit)
	assert.Equal(t, http.StatusConflict, code, "a save without the lock is rejected")

	code, body = doJSON(t, handler, http.MethodPost, base+"/lines", aliceAuth, edit)
	require.Equal(t, http.StatusOK, code, body)
	assert.Equal(t, float64(1), body["userSuggestions"])

	code, body = doJSON(t, handler, http.MethodGet, base+"/lines?start=1&limit=1", aliceAuth, nil)
	require.Equal(t, http.StatusOK, code)
	saved := body["lines"].([]any)[0].(map[string]any)
	assert.Equal(t, "X", saved["pos"])
	pos := saved["suggestions"].(map[string]any)["pos"].([]any)
	require.Len(t, pos, 3)
	assert.Equal(t, true, pos[2].(map[string]any)["selected"])

	code, _ = doJSON(t, handler, http.MethodDelete, base, aliceAuth, nil)
	assert.Equal(t, http.StatusForbidden, code, "only the importer or an admin may delete")
	code, _ = doJSON(t, handler, http.MethodDelete, base, erinAuth, nil)
	assert.Equal(t, http.StatusOK, code)
	code, _ = doJSON(t, handler, http.MethodGet, base+"/lines", aliceAuth, nil)
	assert.Equal(t, http.StatusNotFound, code)
}

func jsonNumber(n int64) string {
	raw, _ := json.Marshal(n)
	return string(raw)
}

func TestLockHistoryEndpoint(t *testing.T) {
	publisher := &fakePublisher{}
	svc := newTestService(&fakeStore{}, WithEvents(publisher))
	_, err := svc.AcquireLock(context.Background(), editor, store.EntityTagset, "stts")
	require.NoError(t, err)
	handler := NewHTTPServer(svc, "*").Handler()

	code, body := doJSON(t, handler, http.MethodGet, "/api/locks/tagset/stts/history?limit=5", bearer(t, svc, "vic", rbac.RoleViewer), nil)
	assert.Equal(t, http.StatusOK, code)
	items, ok := body["events"].([]any)
	require.True(t, ok)
	require.Len(t, items, 1)
	event := items[0].(map[string]any)
	assert.Equal(t, "acquired", event["kind"])
	assert.Equal(t, "erin", event["owner"])
	assert.Equal(t, 5, publisher.limit)

	code, body = doJSON(t, handler, http.MethodGet, "/api/locks/tagset/stts/history?limit=many", bearer(t, svc, "vic", rbac.RoleViewer), nil)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "INVALID_INPUT", body["code"])
}

func TestAccessViolationReportsItsReason(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"foreign line", &store.AccessViolationError{Reason: "line 9 does not belong to document 1"}, "line 9 does not belong to document 1"},
		{"bare sentinel", fmt.Errorf("save lines: %w", store.ErrAccessViolation), "Access violation"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			status, code, message, _ := mapError(tt.err)
			assert.Equal(t, http.StatusForbidden, status)
			assert.Equal(t, "ACCESS_VIOLATION", code)
			assert.Equal(t, tt.want, message)
		})
	}
}
