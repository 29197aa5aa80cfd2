package app

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/fpetran/cora/internal/annotation"
	"github.com/fpetran/cora/internal/events"
	"github.com/fpetran/cora/internal/logging"
	"github.com/fpetran/cora/internal/search"
	"github.com/fpetran/cora/internal/store"
)

type requestObserver interface {
	ObserveRequest(route string, code int, elapsed time.Duration)
}

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *slog.Logger
	metrics    http.Handler
	observer   requestObserver
}

type ServerOption func(*HTTPServer)

// WithMetrics serves handler at /api/metrics and reports every request to observer.
func WithMetrics(handler http.Handler, observer requestObserver) ServerOption {
	return func(s *HTTPServer) {
		s.metrics = handler
		s.observer = observer
	}
}

func WithRequestLogger(logger *slog.Logger) ServerOption {
	return func(s *HTTPServer) { s.logger = logging.Module(logger, "http") }
}

func NewHTTPServer(service *Service, corsOrigin string, opts ...ServerOption) *HTTPServer {
	s := &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logging.Module(nil, "http")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		s.handleReady(w, r)
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/metrics" && s.metrics != nil {
		s.metrics.ServeHTTP(w, r)
		return
	}

	parts := splitPath(r.URL.Path)
	if len(parts) < 2 || parts[0] != "api" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}

	actor, ok := s.requireActor(w, r)
	if !ok {
		return
	}

	switch parts[1] {
	case "locks":
		s.handleLocks(w, r, actor, parts[2:])
	case "documents":
		s.handleDocuments(w, r, actor, parts[2:])
	case "tagsets":
		s.handleTagsets(w, r, actor, parts[2:])
	case "search":
		s.handleSearch(w, r, actor)
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	status := "ready"
	statusCode := http.StatusOK
	checks := map[string]any{
		"database": map[string]any{"status": "ok"},
	}

	if err := s.service.Ping(ctx); err != nil {
		status = "not_ready"
		statusCode = http.StatusServiceUnavailable
		s.logger.Error("readiness check failed", "error", err)
		checks["database"] = map[string]any{"status": "error"}
	}

	// lock events are best-effort, so a broken publisher is reported without
	// failing readiness
	if configured, err := s.service.PingEvents(ctx); configured {
		checks["events"] = map[string]any{"status": "ok"}
		if err != nil {
			s.logger.Warn("lock event publisher unreachable", "error", err)
			checks["events"] = map[string]any{"status": "error"}
		}
	}

	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

// handleLocks serves
//
//	GET    /api/locks[?type=document]
//	POST   /api/locks               {"entityType","entityId"}
//	DELETE /api/locks/{type}/{id}[?force=true]
//	GET    /api/locks/{type}/{id}/history[?limit=]
func (s *HTTPServer) handleLocks(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	switch {
	case len(parts) == 0 && r.Method == http.MethodGet:
		locks, err := s.service.ListLocks(r.Context(), actor, r.URL.Query().Get("type"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		items := make([]map[string]any, 0, len(locks))
		for _, lock := range locks {
			items = append(items, lockJSON(lock))
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "locks": items})

	case len(parts) == 0 && r.Method == http.MethodPost:
		var body struct {
			EntityType string `json:"entityType"`
			EntityID   string `json:"entityId"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		released, err := s.service.AcquireLock(r.Context(), actor, body.EntityType, body.EntityID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "releasedLocks": released})

	case len(parts) == 2 && r.Method == http.MethodDelete:
		force := r.URL.Query().Get("force") == "true"
		released, err := s.service.ReleaseLock(r.Context(), actor, parts[0], parts[1], force)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "released": released})

	case len(parts) == 3 && parts[2] == "history" && r.Method == http.MethodGet:
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		history, err := s.service.LockHistory(r.Context(), actor, parts[0], parts[1], limit)
		if err != nil {
			writeFailure(w, err)
			return
		}
		items := make([]map[string]any, 0, len(history))
		for _, event := range history {
			items = append(items, eventJSON(event))
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "events": items})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleDocuments serves
//
//	POST   /api/documents                 import body
//	DELETE /api/documents/{id}
//	POST   /api/documents/{id}/open
//	GET    /api/documents/{id}/lines[?start=&limit=]
//	POST   /api/documents/{id}/lines      {"position","lines":[...]}
func (s *HTTPServer) handleDocuments(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 0 {
		if r.Method != http.MethodPost {
			writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
			return
		}
		var body store.NewDocument
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CreateDocument(r.Context(), actor, body)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{
			"success":  true,
			"document": documentJSON(result.Document),
			"lines":    result.Lines,
			"warnings": warningsJSON(result.Warnings),
		})
		return
	}

	documentID, err := strconv.ParseInt(parts[0], 10, 64)
	if err != nil || documentID <= 0 {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "invalid document id", nil)
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodDelete:
		if err := s.service.DeleteDocument(r.Context(), actor, documentID); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true})

	case len(parts) == 2 && parts[1] == "open" && r.Method == http.MethodPost:
		result, err := s.service.OpenDocument(r.Context(), actor, documentID)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":       true,
			"document":      documentJSON(result.Document),
			"lastPosition":  result.LastPosition,
			"releasedLocks": result.ReleasedLocks,
		})

	case len(parts) == 2 && parts[1] == "lines" && r.Method == http.MethodGet:
		start, err := queryInt(r, "start", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		limit, err := queryInt(r, "limit", 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		lines, err := s.service.ListLines(r.Context(), actor, documentID, start, limit)
		if err != nil {
			writeFailure(w, err)
			return
		}
		items := make([]map[string]any, 0, len(lines))
		for _, line := range lines {
			items = append(items, lineJSON(line))
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "lines": items})

	case len(parts) == 2 && parts[1] == "lines" && r.Method == http.MethodPost:
		var body struct {
			Position *int             `json:"position"`
			Lines    []store.LineEdit `json:"lines"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		position := store.NoPosition
		if body.Position != nil {
			position = *body.Position
		}
		result, err := s.service.SaveLines(r.Context(), actor, documentID, position, body.Lines)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":         true,
			"lines":           result.Lines,
			"userSuggestions": result.UserSuggestions,
		})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleTagsets serves
//
//	GET  /api/tagsets/{id}[?lang=de]
//	POST /api/tagsets/{id}        {"lang","created","modified","deleted"}
//	POST /api/tagsets/{id}/copy   {"destination","name"}
func (s *HTTPServer) handleTagsets(w http.ResponseWriter, r *http.Request, actor Actor, parts []string) {
	if len(parts) == 0 {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
		return
	}
	tagsetID := parts[0]

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		tagset, err := s.service.GetTagset(r.Context(), actor, tagsetID, r.URL.Query().Get("lang"))
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "tagset": tagsetJSON(tagset)})

	case len(parts) == 1 && r.Method == http.MethodPost:
		var diff store.TagsetDiff
		if err := decodeBody(r, &diff); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		diff.TagsetID = tagsetID
		result, err := s.service.SaveTagset(r.Context(), actor, diff)
		if err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"success":  true,
			"created":  result.Created,
			"modified": result.Modified,
			"deleted":  result.Deleted,
			"warnings": warningsJSON(result.Warnings),
		})

	case len(parts) == 2 && parts[1] == "copy" && r.Method == http.MethodPost:
		var body struct {
			Destination string `json:"destination"`
			Name        string `json:"name"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.CopyTagset(r.Context(), actor, tagsetID, body.Destination, body.Name); err != nil {
			writeFailure(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"success": true, "tagsetId": body.Destination})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

// handleSearch serves GET /api/search?q=&field=&document=&project=&limit=&offset=
func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request, actor Actor) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "Method not allowed", nil)
		return
	}
	query := r.URL.Query()
	field, ok := search.ParseField(query.Get("field"))
	if !ok {
		writeError(w, http.StatusBadRequest, "INVALID_INPUT", "unknown search field", nil)
		return
	}
	q := search.Query{Text: query.Get("q"), Field: field}
	for _, param := range []struct {
		name   string
		target *int
	}{{"limit", &q.Limit}, {"offset", &q.Offset}} {
		value, err := queryInt(r, param.name, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		*param.target = value
	}
	for _, param := range []struct {
		name   string
		target *int64
	}{{"document", &q.DocumentID}, {"project", &q.ProjectID}} {
		value, err := queryInt(r, param.name, 0)
		if err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_INPUT", err.Error(), nil)
			return
		}
		*param.target = int64(value)
	}

	resp, err := s.service.SearchLines(r.Context(), actor, q)
	if err != nil {
		writeFailure(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "hits": resp.Hits, "total": resp.Total, "query": resp.Query})
}

func (s *HTTPServer) requireActor(w http.ResponseWriter, r *http.Request) (Actor, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Actor{}, false
	}
	actor, err := s.service.ActorFromToken(token)
	if err != nil {
		writeFailure(w, err)
		return Actor{}, false
	}
	return actor, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		elapsed := time.Since(started)
		if s.observer != nil {
			s.observer.ObserveRequest(routeLabel(r.Method, r.URL.Path), writer.status, elapsed)
		}
		s.logger.Info("request",
			"request_id", requestID,
			"method", r.Method,
			"path", r.URL.Path,
			"status", writer.status,
			"duration_ms", elapsed.Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

// routeLabel collapses ids so metric label cardinality stays bounded.
func routeLabel(method, path string) string {
	parts := splitPath(path)
	if len(parts) > 2 {
		idx := 2
		if parts[1] == "locks" {
			idx = 3
		}
		if idx < len(parts) {
			parts[idx] = ":id"
		}
	}
	return method + " /" + strings.Join(parts, "/")
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"success": false,
		"code":    code,
		"error":   message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

// writeFailure renders err. A lock conflict reports the current holder so the
// editor can tell the user who to ask.
func writeFailure(w http.ResponseWriter, err error) {
	var conflict *store.LockConflictError
	if errors.As(err, &conflict) {
		writeJSON(w, http.StatusConflict, map[string]any{
			"success": false,
			"code":    "LOCKED",
			"error":   "Locked by another user",
			"lock": map[string]any{
				"owner": conflict.Owner,
				"since": conflict.Since,
			},
		})
		return
	}
	status, code, message, details := mapError(err)
	writeError(w, status, code, message, details)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func queryInt(r *http.Request, name string, fallback int) (int, error) {
	raw := strings.TrimSpace(r.URL.Query().Get(name))
	if raw == "" {
		return fallback, nil
	}
	value, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer", name)
	}
	return value, nil
}

func lockJSON(lock store.Lock) map[string]any {
	return map[string]any{
		"entityType": lock.EntityType,
		"entityId":   lock.EntityID,
		"owner":      lock.Owner,
		"since":      lock.Since,
	}
}

func eventJSON(event events.Event) map[string]any {
	item := map[string]any{
		"kind":       event.Kind,
		"entityType": event.EntityType,
		"entityId":   event.EntityID,
		"owner":      event.Owner,
		"at":         event.At,
	}
	if event.Actor != "" {
		item["actor"] = event.Actor
	}
	return item
}

func documentJSON(doc store.Document) map[string]any {
	return map[string]any{
		"id":         doc.ID,
		"name":       doc.Name,
		"externalId": doc.ExternalID,
		"tagsetId":   doc.TagsetID,
		"projectId":  doc.ProjectID,
		"createdBy":  doc.CreatedBy,
		"createdAt":  doc.CreatedAt,
	}
}

func lineJSON(line store.Line) map[string]any {
	suggestions := map[string]any{}
	for _, layer := range annotation.Layers {
		items := line.Suggestions[layer]
		if len(items) == 0 {
			continue
		}
		out := make([]map[string]any, 0, len(items))
		for _, item := range items {
			out = append(out, map[string]any{
				"id":       item.ID,
				"value":    item.Value,
				"score":    item.Score,
				"source":   item.Source,
				"selected": item.Selected,
			})
		}
		suggestions[string(layer)] = out
	}
	return map[string]any{
		"id":          line.ID,
		"position":    line.Position,
		"token":       line.Token,
		"pos":         line.POS,
		"morph":       line.Morph,
		"lemma":       line.Lemma,
		"norm":        line.Norm,
		"comment":     line.Comment,
		"error":       line.Error,
		"suggestions": suggestions,
	}
}

func tagsetJSON(tagset store.Tagset) map[string]any {
	entries := tagset.Entries
	if entries == nil {
		entries = []store.TagsetEntry{}
	}
	return map[string]any{
		"id":             tagset.ID,
		"name":           tagset.Name,
		"class":          tagset.Class,
		"lastModifiedBy": tagset.LastModifiedBy,
		"lastModifiedAt": tagset.LastModifiedAt,
		"entries":        entries,
	}
}

func warningsJSON(warnings []store.IntegrityWarning) []map[string]any {
	out := make([]map[string]any, 0, len(warnings))
	for _, warning := range warnings {
		out = append(out, map[string]any{"code": warning.Code, "message": warning.Message})
	}
	return out
}
