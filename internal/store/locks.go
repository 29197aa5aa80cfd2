package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
)

const lockAcquireAttempts = 3

func validEntityType(entityType string) bool {
	return entityType == EntityDocument || entityType == EntityTagset
}

func validateLockArgs(entityType, entityID, owner string) error {
	if !validEntityType(entityType) {
		return fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, entityType)
	}
	if strings.TrimSpace(entityID) == "" || strings.TrimSpace(owner) == "" {
		return fmt.Errorf("%w: entity id and owner are required", ErrInvalidInput)
	}
	return nil
}

// AcquireLock gives owner the lock on an entity, releasing any other lock of
// the same type owner held. Re-acquiring one's own lock refreshes it. It
// returns the number of prior locks released, or a *LockConflictError when
// someone else holds the entity.
func (s *Store) AcquireLock(ctx context.Context, entityType, entityID, owner string) (int, error) {
	return s.acquireLock(ctx, s.db, entityType, entityID, owner)
}

func (s *Store) acquireLock(ctx context.Context, exec DBTX, entityType, entityID, owner string) (int, error) {
	if err := validateLockArgs(entityType, entityID, owner); err != nil {
		return 0, err
	}

	// The system owner holds one lock per entry point in flight, so it is
	// exempt from the one-lock-per-type rule.
	var released int64
	if owner != SystemOwner {
		res, err := exec.ExecContext(ctx, s.q(`
			DELETE FROM locks WHERE entity_type=$1 AND owner=$2 AND entity_id<>$3
		`), entityType, owner, entityID)
		if err != nil {
			return 0, fmt.Errorf("release prior locks: %w", err)
		}
		if released, err = res.RowsAffected(); err != nil {
			return 0, fmt.Errorf("release prior locks: %w", err)
		}
	}

	for attempt := 0; attempt < lockAcquireAttempts; attempt++ {
		res, err := exec.ExecContext(ctx, s.q(`
			INSERT INTO locks (entity_type, entity_id, owner, locked_since)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (entity_type, entity_id) DO UPDATE SET locked_since=excluded.locked_since
			WHERE locks.owner=excluded.owner
		`), entityType, entityID, owner, s.timestamp())
		if err != nil {
			return 0, fmt.Errorf("insert lock: %w", err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return 0, fmt.Errorf("insert lock: %w", err)
		}
		if affected > 0 {
			s.observer.ObserveLock(entityType, "acquired")
			if released > 0 {
				s.logger.Debug("released prior locks", "entity_type", entityType, "owner", owner, "count", released)
			}
			return int(released), nil
		}

		holder, err := s.lockHolder(ctx, exec, entityType, entityID)
		if errors.Is(err, ErrNotFound) {
			// released between our insert and the lookup
			continue
		}
		if err != nil {
			return 0, err
		}
		s.observer.ObserveLock(entityType, "conflict")
		return int(released), &LockConflictError{
			EntityType: entityType,
			EntityID:   entityID,
			Owner:      holder.Owner,
			Since:      holder.Since,
		}
	}
	return int(released), fmt.Errorf("acquire %s lock %s: gave up after %d attempts", entityType, entityID, lockAcquireAttempts)
}

// forceLock hands the lock to owner whoever holds it, in a single statement.
// Run inside a transaction, a rollback restores the previous holder.
func (s *Store) forceLock(ctx context.Context, exec DBTX, entityType, entityID, owner string) error {
	if err := validateLockArgs(entityType, entityID, owner); err != nil {
		return err
	}
	_, err := exec.ExecContext(ctx, s.q(`
		INSERT INTO locks (entity_type, entity_id, owner, locked_since)
		VALUES ($1, $2, $3, $4)
		ON CONFLICT (entity_type, entity_id) DO UPDATE SET owner=excluded.owner, locked_since=excluded.locked_since
	`), entityType, entityID, owner, s.timestamp())
	if err != nil {
		return fmt.Errorf("force lock: %w", err)
	}
	s.observer.ObserveLock(entityType, "forced")
	return nil
}

// ReleaseLock removes the lock if owner holds it, or unconditionally when
// force is set. It reports whether a row was removed.
func (s *Store) ReleaseLock(ctx context.Context, entityType, entityID, owner string, force bool) (bool, error) {
	return s.releaseLock(ctx, s.db, entityType, entityID, owner, force)
}

func (s *Store) releaseLock(ctx context.Context, exec DBTX, entityType, entityID, owner string, force bool) (bool, error) {
	if !validEntityType(entityType) {
		return false, fmt.Errorf("%w: unknown entity type %q", ErrInvalidInput, entityType)
	}

	var (
		res sql.Result
		err error
	)
	if force {
		res, err = exec.ExecContext(ctx, s.q(`DELETE FROM locks WHERE entity_type=$1 AND entity_id=$2`), entityType, entityID)
	} else {
		res, err = exec.ExecContext(ctx, s.q(`DELETE FROM locks WHERE entity_type=$1 AND entity_id=$2 AND owner=$3`), entityType, entityID, owner)
	}
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("release lock: %w", err)
	}
	if affected > 0 {
		s.observer.ObserveLock(entityType, "released")
	}
	return affected > 0, nil
}

func (s *Store) GetLock(ctx context.Context, entityType, entityID string) (Lock, error) {
	return s.lockHolder(ctx, s.db, entityType, entityID)
}

func (s *Store) lockHolder(ctx context.Context, exec DBTX, entityType, entityID string) (Lock, error) {
	lock := Lock{EntityType: entityType, EntityID: entityID}
	err := exec.QueryRowContext(ctx, s.q(`
		SELECT owner, locked_since FROM locks WHERE entity_type=$1 AND entity_id=$2
	`), entityType, entityID).Scan(&lock.Owner, &lock.Since)
	if errors.Is(err, sql.ErrNoRows) {
		return Lock{}, ErrNotFound
	}
	if err != nil {
		return Lock{}, fmt.Errorf("read lock: %w", err)
	}
	return lock, nil
}

// ListLocks returns every lock of a type, oldest first. An empty type lists
// all locks.
func (s *Store) ListLocks(ctx context.Context, entityType string) ([]Lock, error) {
	query := `SELECT entity_type, entity_id, owner, locked_since FROM locks`
	var args []any
	if entityType != "" {
		query += ` WHERE entity_type=$1`
		args = append(args, entityType)
	}
	query += ` ORDER BY locked_since, entity_type, entity_id`

	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, fmt.Errorf("list locks: %w", err)
	}
	defer rows.Close()

	var locks []Lock
	for rows.Next() {
		var lock Lock
		if err := rows.Scan(&lock.EntityType, &lock.EntityID, &lock.Owner, &lock.Since); err != nil {
			return nil, fmt.Errorf("scan lock: %w", err)
		}
		locks = append(locks, lock)
	}
	return locks, rows.Err()
}
