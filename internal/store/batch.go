package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// DBTX is satisfied by *sql.DB, *sql.Tx and *sql.Conn.
type DBTX interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

const DefaultMaxStatementBytes = 1 << 20

// Limits bound a single batched statement. Zero values fall back to
// DefaultMaxStatementBytes and the dialect's parameter limit.
type Limits struct {
	MaxStatementBytes int
	MaxParams         int
}

func (l Limits) withDefaults(dialect Dialect) Limits {
	if l.MaxStatementBytes <= 0 {
		l.MaxStatementBytes = DefaultMaxStatementBytes
	}
	if l.MaxParams <= 0 || l.MaxParams > dialect.MaxParams() {
		l.MaxParams = dialect.MaxParams()
	}
	return l
}

// BatchObserver is told about every statement an Accumulator emits.
type BatchObserver interface {
	ObserveFlush(label string, rows int, statementBytes int, elapsed time.Duration, err error)
}

// BatchSpec describes the statement shared by every row of a batch.
//
// With InList unset each row renders as a parenthesised tuple of Width
// placeholders, for "INSERT ... VALUES" heads. With InList set Width must be 1
// and rows render as a comma separated list, for "... IN (" heads closed by a
// ")" tail. Fixed parameters are referenced in Head as $1..$n and numbered
// ahead of the row parameters.
type BatchSpec struct {
	Label  string
	Head   string
	Tail   string
	Width  int
	Fixed  []any
	InList bool
}

// Accumulator collects parameter tuples for one statement shape and emits
// them as few statements as the limits allow.
type Accumulator struct {
	exec     DBTX
	dialect  Dialect
	limits   Limits
	spec     BatchSpec
	head     string
	tail     string
	observer BatchObserver

	fragments []string
	args      []any
	size      int

	rows        int
	flushes     int
	autoFlushes int
}

func NewAccumulator(exec DBTX, dialect Dialect, limits Limits, spec BatchSpec) *Accumulator {
	if spec.InList {
		spec.Width = 1
	}
	return &Accumulator{
		exec:    exec,
		dialect: dialect,
		limits:  limits.withDefaults(dialect),
		spec:    spec,
		head:    dialect.Rebind(spec.Head),
		tail:    dialect.Rebind(spec.Tail),
	}
}

// Observe attaches an observer and returns the accumulator for chaining.
func (a *Accumulator) Observe(observer BatchObserver) *Accumulator {
	a.observer = observer
	return a
}

// Append adds one row. When the row would push the pending statement past
// the size or parameter limit, the pending rows are flushed first and the row
// starts a new batch.
func (a *Accumulator) Append(ctx context.Context, values ...any) error {
	if len(values) != a.spec.Width {
		return fmt.Errorf("%w: %s expects %d values per row, got %d", ErrInvalidInput, a.spec.Label, a.spec.Width, len(values))
	}

	fragment := a.fragment()
	if len(a.fragments) > 0 && a.exceeds(fragment, values) {
		if err := a.Flush(ctx); err != nil {
			return err
		}
		a.autoFlushes++
		fragment = a.fragment()
	}

	if len(a.fragments) == 0 {
		a.size = len(a.head) + len(a.tail) + payloadSize(a.spec.Fixed)
		a.args = append(a.args, a.spec.Fixed...)
	} else {
		a.size += len(", ")
	}
	a.fragments = append(a.fragments, fragment)
	a.args = append(a.args, values...)
	a.size += len(fragment) + payloadSize(values)
	return nil
}

func (a *Accumulator) exceeds(fragment string, values []any) bool {
	if len(a.args)+len(values) > a.limits.MaxParams {
		return true
	}
	return a.size+len(", ")+len(fragment)+payloadSize(values) > a.limits.MaxStatementBytes
}

func (a *Accumulator) fragment() string {
	next := len(a.args) + 1
	if len(a.fragments) == 0 {
		next = len(a.spec.Fixed) + 1
	}
	if a.spec.InList {
		return a.dialect.Placeholder(next)
	}
	var b strings.Builder
	b.WriteByte('(')
	for i := 0; i < a.spec.Width; i++ {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteString(a.dialect.Placeholder(next + i))
	}
	b.WriteByte(')')
	return b.String()
}

// Flush emits the pending rows as one statement. It is a no-op when nothing
// is pending.
func (a *Accumulator) Flush(ctx context.Context) error {
	if len(a.fragments) == 0 {
		return nil
	}

	statement := a.head + strings.Join(a.fragments, ", ") + a.tail
	args := a.args
	rows := len(a.fragments)
	size := a.size

	a.fragments = nil
	a.args = nil
	a.size = 0

	started := time.Now()
	_, err := a.exec.ExecContext(ctx, statement, args...)
	if a.observer != nil {
		a.observer.ObserveFlush(a.spec.Label, rows, size, time.Since(started), err)
	}
	if err != nil {
		return &WriteFailureError{Statement: statement, Rows: rows, Err: err}
	}
	a.rows += rows
	a.flushes++
	return nil
}

// Pending is the number of rows waiting for the next flush.
func (a *Accumulator) Pending() int {
	return len(a.fragments)
}

// Written is the number of rows emitted by successful flushes.
func (a *Accumulator) Written() int {
	return a.rows
}

// Flushes counts successful statements; AutoFlushes counts those triggered by
// Append reaching a limit.
func (a *Accumulator) Flushes() int {
	return a.flushes
}

func (a *Accumulator) AutoFlushes() int {
	return a.autoFlushes
}

func payloadSize(values []any) int {
	total := 0
	for _, v := range values {
		switch v := v.(type) {
		case nil:
		case string:
			total += len(v)
		case []byte:
			total += len(v)
		case bool:
			total++
		default:
			total += 8
		}
	}
	return total
}

// flushAll flushes accumulators in order and stops at the first failure.
func flushAll(ctx context.Context, accumulators ...*Accumulator) error {
	for _, acc := range accumulators {
		if err := acc.Flush(ctx); err != nil {
			return err
		}
	}
	return nil
}
