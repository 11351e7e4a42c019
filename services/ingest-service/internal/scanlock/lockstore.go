// Package scanlock serializes mailbox scans. Concurrent passes over the
// same mailbox would fetch the same messages and race on the checkpoint,
// so at most one scan runs per mailbox, and an owner-wide scan excludes
// the per-mailbox ones.
package scanlock

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
)

// LockStore is the shared key store behind the coordinator: set a key only
// if absent, with a TTL so a crashed scanner never wedges its mailbox.
type LockStore interface {
	SetIfAbsent(ctx context.Context, key, holder string, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	Delete(ctx context.Context, key string) error
}

// PGLockStore keeps locks in the scan_locks table. Expired rows count as
// absent; SetIfAbsent claims them in the same statement so two scanners
// never both take over a dead lock.
type PGLockStore struct {
	pool *pgxpool.Pool
}

func NewPGLockStore(pool *pgxpool.Pool) *PGLockStore {
	return &PGLockStore{pool: pool}
}

func (s *PGLockStore) SetIfAbsent(ctx context.Context, key, holder string, ttl time.Duration) (bool, error) {
	tag, err := s.pool.Exec(ctx, `
		INSERT INTO scan_locks (key, holder, expires_at)
		VALUES ($1, $2, now() + make_interval(secs => $3))
		ON CONFLICT (key) DO UPDATE
			SET holder = EXCLUDED.holder, expires_at = EXCLUDED.expires_at
			WHERE scan_locks.expires_at < now()`,
		key, holder, ttl.Seconds())
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

func (s *PGLockStore) Exists(ctx context.Context, key string) (bool, error) {
	var exists bool
	err := s.pool.QueryRow(ctx, `
		SELECT EXISTS (
			SELECT 1 FROM scan_locks WHERE key = $1 AND expires_at > now()
		)`, key).Scan(&exists)
	return exists, err
}

func (s *PGLockStore) Delete(ctx context.Context, key string) error {
	_, err := s.pool.Exec(ctx, `DELETE FROM scan_locks WHERE key = $1`, key)
	return err
}
