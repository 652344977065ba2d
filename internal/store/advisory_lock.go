package store

import (
	"context"
	"database/sql"
	"fmt"
)

// publishLockKey is the advisory lock key guarding publish. ASCII "SEMREGPU".
const publishLockKey int64 = 0x5345_4D52_4547_5055

// AdvisoryLocker serializes publishers through a Postgres session advisory
// lock. The lock lives on a dedicated connection so pool churn cannot release
// it early.
type AdvisoryLocker struct {
	db *sql.DB
}

func NewAdvisoryLocker(db *sql.DB) *AdvisoryLocker {
	return &AdvisoryLocker{db: db}
}

// TryAcquire attempts to take the publish lock without blocking. On success
// it returns a release func; callers must invoke it exactly once. acquired is
// false when another publisher holds the lock.
func (l *AdvisoryLocker) TryAcquire(ctx context.Context) (release func(), acquired bool, err error) {
	conn, err := l.db.Conn(ctx)
	if err != nil {
		return nil, false, fmt.Errorf("acquire lock conn: %w", err)
	}

	var got bool
	if err := conn.QueryRowContext(ctx, `SELECT pg_try_advisory_lock($1)`, publishLockKey).Scan(&got); err != nil {
		conn.Close()
		return nil, false, fmt.Errorf("try advisory lock: %w", err)
	}
	if !got {
		conn.Close()
		return nil, false, nil
	}

	release = func() {
		unlockCtx := context.WithoutCancel(ctx)
		_, _ = conn.ExecContext(unlockCtx, `SELECT pg_advisory_unlock($1)`, publishLockKey)
		conn.Close()
	}
	return release, true, nil
}
