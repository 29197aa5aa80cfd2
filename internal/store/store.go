package store

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/fpetran/cora/internal/logging"
)

// Observer receives store-level measurements. Implementations must be safe
// for concurrent use.
type Observer interface {
	BatchObserver
	ObserveLock(entityType, outcome string)
	ObserveTx(operation string, elapsed time.Duration, err error)
}

type noopObserver struct{}

func (noopObserver) ObserveFlush(string, int, int, time.Duration, error) {}
func (noopObserver) ObserveLock(string, string)                          {}
func (noopObserver) ObserveTx(string, time.Duration, error)              {}

type Store struct {
	db       *sql.DB
	dialect  Dialect
	limits   Limits
	observer Observer
	logger   *slog.Logger
	now      func() time.Time
}

type Option func(*Store)

func WithLimits(limits Limits) Option {
	return func(s *Store) { s.limits = limits.withDefaults(s.dialect) }
}

func WithObserver(observer Observer) Option {
	return func(s *Store) {
		if observer != nil {
			s.observer = observer
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logging.Module(logger, "store") }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) {
		if now != nil {
			s.now = now
		}
	}
}

func New(db *sql.DB, dialect Dialect, opts ...Option) *Store {
	s := &Store{
		db:       db,
		dialect:  dialect,
		limits:   Limits{}.withDefaults(dialect),
		observer: noopObserver{},
		logger:   logging.Module(nil, "store"),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) DB() *sql.DB {
	return s.db
}

func (s *Store) Dialect() Dialect {
	return s.dialect
}

func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

func (s *Store) q(query string) string {
	return s.dialect.Rebind(query)
}

func (s *Store) timestamp() time.Time {
	return s.now().UTC()
}

func (s *Store) accumulator(exec DBTX, spec BatchSpec) *Accumulator {
	return NewAccumulator(exec, s.dialect, s.limits, spec).Observe(s.observer)
}

// withTx runs fn in a transaction, rolling back on any error.
func (s *Store) withTx(ctx context.Context, operation string, fn func(tx *sql.Tx) error) (err error) {
	started := time.Now()
	defer func() { s.observer.ObserveTx(operation, time.Since(started), err) }()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin %s tx: %w", operation, err)
	}
	if err = fn(tx); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			s.logger.Error("rollback failed", "operation", operation, "error", rbErr)
		}
		return err
	}
	if err = tx.Commit(); err != nil {
		return fmt.Errorf("commit %s: %w", operation, err)
	}
	return nil
}

// chunk splits ids for IN lists that are read rather than written.
func chunk[T any](items []T, size int) [][]T {
	if size <= 0 {
		size = len(items)
	}
	var out [][]T
	for len(items) > 0 {
		n := min(size, len(items))
		out = append(out, items[:n])
		items = items[n:]
	}
	return out
}

func (s *Store) placeholders(start, count int) string {
	buf := make([]byte, 0, count*4)
	for i := 0; i < count; i++ {
		if i > 0 {
			buf = append(buf, ", "...)
		}
		buf = append(buf, s.dialect.Placeholder(start+i)...)
	}
	return string(buf)
}
