package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"

	"github.com/fpetran/cora/internal/auth"
	"github.com/fpetran/cora/internal/config"
	"github.com/fpetran/cora/internal/events"
	"github.com/fpetran/cora/internal/logging"
	"github.com/fpetran/cora/internal/rbac"
	"github.com/fpetran/cora/internal/search"
	"github.com/fpetran/cora/internal/store"
)

// Actor is the authenticated user an operation runs for. Its name is what
// the lock table records as owner.
type Actor struct {
	Name string
	Role rbac.Role
}

type dataStore interface {
	Ping(context.Context) error
	AcquireLock(context.Context, string, string, string) (int, error)
	ReleaseLock(context.Context, string, string, string, bool) (bool, error)
	GetLock(context.Context, string, string) (store.Lock, error)
	ListLocks(context.Context, string) ([]store.Lock, error)
	GetDocument(context.Context, int64) (store.Document, error)
	CreateDocument(context.Context, store.NewDocument, string) (store.CreateResult, error)
	OpenDocument(context.Context, int64, string) (store.OpenResult, error)
	DeleteDocument(context.Context, int64) error
	SaveLines(context.Context, int64, int, []store.LineEdit, string) (store.SaveResult, error)
	ListLines(context.Context, int64, int, int) ([]store.Line, error)
	GetTagset(context.Context, string, string) (store.Tagset, error)
	SaveTagset(context.Context, store.TagsetDiff, string) (store.TagsetResult, error)
	CopyTagset(context.Context, string, string, string, string) error
}

type lockPublisher interface {
	Publish(context.Context, events.Event) error
	Recent(ctx context.Context, entityType, entityID string, limit int) ([]events.Event, error)
	Ping(context.Context) error
}

type lineSearcher interface {
	Search(context.Context, search.Query) (search.Response, error)
	IndexDocument(int64)
	DeleteDocument(int64)
}

type Service struct {
	cfg    config.Config
	store  dataStore
	events lockPublisher
	search lineSearcher
	logger *slog.Logger
}

type Option func(*Service)

// WithEvents publishes lock changes. Without it nothing is announced.
func WithEvents(publisher lockPublisher) Option {
	return func(s *Service) { s.events = publisher }
}

// WithSearch enables line search and keeps the index current after writes.
func WithSearch(searcher lineSearcher) Option {
	return func(s *Service) { s.search = searcher }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logging.Module(logger, "app") }
}

func New(cfg config.Config, dataStore dataStore, opts ...Option) *Service {
	s := &Service{cfg: cfg, store: dataStore, logger: logging.Module(nil, "app")}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// PingEvents checks the lock event publisher. It reports false when none is
// configured.
func (s *Service) PingEvents(ctx context.Context) (bool, error) {
	if s.events == nil {
		return false, nil
	}
	return true, s.events.Ping(ctx)
}

// IssueToken signs a bearer token for user.
func (s *Service) IssueToken(user string, role rbac.Role) (string, error) {
	if strings.TrimSpace(user) == "" || strings.HasPrefix(user, "@") {
		return "", domainError(http.StatusBadRequest, "INVALID_INPUT", "user name is required and must not start with @", nil)
	}
	return auth.IssueToken([]byte(s.cfg.JWTSecret), auth.NewClaims(user, string(role), s.cfg.TokenTTL))
}

func (s *Service) ActorFromToken(token string) (Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.JWTSecret), token)
	if err != nil {
		return Actor{}, err
	}
	return Actor{Name: claims.Sub, Role: rbac.Normalize(claims.Role)}, nil
}

func (s *Service) require(actor Actor, action rbac.Action) error {
	if !rbac.Can(actor.Role, action) {
		return forbidden(string(action))
	}
	return nil
}

func lockAction(entityType string) (rbac.Action, error) {
	switch entityType {
	case store.EntityDocument:
		return rbac.ActionAnnotate, nil
	case store.EntityTagset:
		return rbac.ActionTagset, nil
	default:
		return "", fmt.Errorf("%w: unknown entity type %q", store.ErrInvalidInput, entityType)
	}
}

// publish announces a lock change. Failures are logged; a missed event never
// fails the operation that caused it.
func (s *Service) publish(ctx context.Context, event events.Event) {
	if s.events == nil {
		return
	}
	if err := s.events.Publish(ctx, event); err != nil {
		s.logger.Warn("publish lock event", "kind", event.Kind, "entity_type", event.EntityType, "entity_id", event.EntityID, "error", err)
	}
}

func documentEntity(id int64) string {
	return strconv.FormatInt(id, 10)
}

// AcquireLock takes the lock on a document or tagset for the actor and
// returns how many of the actor's other locks of that type were released.
func (s *Service) AcquireLock(ctx context.Context, actor Actor, entityType, entityID string) (int, error) {
	action, err := lockAction(entityType)
	if err != nil {
		return 0, err
	}
	if err := s.require(actor, action); err != nil {
		return 0, err
	}
	released, err := s.store.AcquireLock(ctx, entityType, entityID, actor.Name)
	if err != nil {
		return 0, err
	}
	s.publish(ctx, events.Event{Kind: events.LockAcquired, EntityType: entityType, EntityID: entityID, Owner: actor.Name})
	return released, nil
}

// ReleaseLock drops the actor's lock. With force the lock is removed whoever
// holds it, which only admins may do.
func (s *Service) ReleaseLock(ctx context.Context, actor Actor, entityType, entityID string, force bool) (bool, error) {
	action, err := lockAction(entityType)
	if err != nil {
		return false, err
	}
	if force {
		action = rbac.ActionAdmin
	}
	if err := s.require(actor, action); err != nil {
		return false, err
	}

	owner := actor.Name
	if force {
		lock, err := s.store.GetLock(ctx, entityType, entityID)
		if errors.Is(err, store.ErrNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		owner = lock.Owner
	}
	released, err := s.store.ReleaseLock(ctx, entityType, entityID, actor.Name, force)
	if err != nil || !released {
		return released, err
	}

	kind := events.LockReleased
	if force && owner != actor.Name {
		kind = events.LockForced
	}
	s.publish(ctx, events.Event{Kind: kind, EntityType: entityType, EntityID: entityID, Owner: owner, Actor: actor.Name})
	return true, nil
}

func (s *Service) ListLocks(ctx context.Context, actor Actor, entityType string) ([]store.Lock, error) {
	if err := s.require(actor, rbac.ActionAdmin); err != nil {
		return nil, err
	}
	return s.store.ListLocks(ctx, entityType)
}

// LockHistory returns the most recent lock events for one entity, newest
// first.
func (s *Service) LockHistory(ctx context.Context, actor Actor, entityType, entityID string, limit int) ([]events.Event, error) {
	if err := s.require(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	if s.events == nil {
		return nil, domainError(http.StatusServiceUnavailable, "EVENTS_UNAVAILABLE", "Lock events are not configured", nil)
	}
	if entityType != store.EntityDocument && entityType != store.EntityTagset {
		return nil, domainError(http.StatusBadRequest, "INVALID_INPUT", "unknown entity type", nil)
	}
	return s.events.Recent(ctx, entityType, entityID, limit)
}

func (s *Service) OpenDocument(ctx context.Context, actor Actor, documentID int64) (store.OpenResult, error) {
	if err := s.require(actor, rbac.ActionAnnotate); err != nil {
		return store.OpenResult{}, err
	}
	result, err := s.store.OpenDocument(ctx, documentID, actor.Name)
	if err != nil {
		return store.OpenResult{}, err
	}
	s.publish(ctx, events.Event{Kind: events.LockAcquired, EntityType: store.EntityDocument, EntityID: documentEntity(documentID), Owner: actor.Name})
	return result, nil
}

func (s *Service) CreateDocument(ctx context.Context, actor Actor, meta store.NewDocument) (store.CreateResult, error) {
	if err := s.require(actor, rbac.ActionImport); err != nil {
		return store.CreateResult{}, err
	}
	result, err := s.store.CreateDocument(ctx, meta, actor.Name)
	if err != nil {
		return store.CreateResult{}, err
	}
	for _, warning := range result.Warnings {
		s.logger.Warn("document imported with integrity warning", "document_id", result.Document.ID, "code", warning.Code, "message", warning.Message)
	}
	if s.search != nil {
		s.search.IndexDocument(result.Document.ID)
	}
	return result, nil
}

// DeleteDocument removes a document with everything attached to it. Only the
// user who imported it or an admin may do so.
func (s *Service) DeleteDocument(ctx context.Context, actor Actor, documentID int64) error {
	doc, err := s.store.GetDocument(ctx, documentID)
	if err != nil {
		return err
	}
	if doc.CreatedBy != actor.Name && !rbac.Can(actor.Role, rbac.ActionAdmin) {
		return forbidden(string(rbac.ActionAdmin))
	}
	if err := s.store.DeleteDocument(ctx, documentID); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Kind: events.DocumentDeleted, EntityType: store.EntityDocument, EntityID: documentEntity(documentID), Actor: actor.Name})
	if s.search != nil {
		s.search.DeleteDocument(documentID)
	}
	return nil
}

func (s *Service) SaveLines(ctx context.Context, actor Actor, documentID int64, position int, edits []store.LineEdit) (store.SaveResult, error) {
	if err := s.require(actor, rbac.ActionAnnotate); err != nil {
		return store.SaveResult{}, err
	}
	result, err := s.store.SaveLines(ctx, documentID, position, edits, actor.Name)
	if err != nil {
		return store.SaveResult{}, err
	}
	if s.search != nil && len(edits) > 0 {
		s.search.IndexDocument(documentID)
	}
	return result, nil
}

func (s *Service) ListLines(ctx context.Context, actor Actor, documentID int64, start, limit int) ([]store.Line, error) {
	if err := s.require(actor, rbac.ActionRead); err != nil {
		return nil, err
	}
	return s.store.ListLines(ctx, documentID, start, limit)
}

func (s *Service) GetTagset(ctx context.Context, actor Actor, tagsetID, lang string) (store.Tagset, error) {
	if err := s.require(actor, rbac.ActionRead); err != nil {
		return store.Tagset{}, err
	}
	return s.store.GetTagset(ctx, tagsetID, lang)
}

func (s *Service) SaveTagset(ctx context.Context, actor Actor, diff store.TagsetDiff) (store.TagsetResult, error) {
	if err := s.require(actor, rbac.ActionTagset); err != nil {
		return store.TagsetResult{}, err
	}
	result, err := s.store.SaveTagset(ctx, diff, actor.Name)
	if err != nil {
		return store.TagsetResult{}, err
	}
	for _, warning := range result.Warnings {
		s.logger.Warn("tagset saved with warning", "tagset_id", diff.TagsetID, "code", warning.Code, "message", warning.Message)
	}
	return result, nil
}

func (s *Service) CopyTagset(ctx context.Context, actor Actor, sourceID, destID, name string) error {
	if err := s.require(actor, rbac.ActionTagset); err != nil {
		return err
	}
	return s.store.CopyTagset(ctx, sourceID, destID, name, actor.Name)
}

func (s *Service) SearchLines(ctx context.Context, actor Actor, q search.Query) (search.Response, error) {
	if err := s.require(actor, rbac.ActionRead); err != nil {
		return search.Response{}, err
	}
	if s.search == nil {
		return search.Response{}, domainError(http.StatusServiceUnavailable, "SEARCH_UNAVAILABLE", "Search is not configured", nil)
	}
	if strings.TrimSpace(q.Text) == "" {
		return search.Response{}, domainError(http.StatusBadRequest, "INVALID_INPUT", "query text is required", nil)
	}
	return s.search.Search(ctx, q)
}
