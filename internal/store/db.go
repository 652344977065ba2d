package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// Pool sizing accounts for connections the verbs pin for their lifetime:
// publish holds one connection for the session advisory lock, and every
// concurrent dry-run holds one for its scratch schema. The open cap leaves
// room for those on top of ordinary request traffic.
const (
	maxOpenConns    = 25
	maxIdleConns    = 8
	connMaxIdleTime = 2 * time.Minute
	connMaxLifetime = time.Hour
)

// Open connects to Postgres via the pgx stdlib driver and verifies the
// connection before handing the pool back.
func Open(ctx context.Context, databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("pgx", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxIdleTime(connMaxIdleTime)
	db.SetConnMaxLifetime(connMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return db, nil
}
