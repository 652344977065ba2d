package store

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ScratchRunner executes migration scripts inside a throwaway schema so a
// dry-run can exercise real DDL without touching live tables. The schema is
// dropped with CASCADE whether or not the scripts succeed.
type ScratchRunner struct {
	db *sql.DB
}

func NewScratchRunner(db *sql.DB) *ScratchRunner {
	return &ScratchRunner{db: db}
}

// MigrationOutcome reports how one script fared inside the scratch schema.
type MigrationOutcome struct {
	Path  string `json:"path"`
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

// Run applies forward migrations in order, then down migrations in reverse,
// inside a schema named scratch_<uuid>. Execution stops at the first failing
// script; outcomes for scripts already run are still returned.
func (r *ScratchRunner) Run(ctx context.Context, forward, down []Migration) ([]MigrationOutcome, error) {
	schema := "scratch_" + strings.ReplaceAll(uuid.NewString(), "-", "")

	conn, err := r.db.Conn(ctx)
	if err != nil {
		return nil, fmt.Errorf("acquire scratch conn: %w", err)
	}
	defer conn.Close()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("CREATE SCHEMA %s", schema)); err != nil {
		return nil, fmt.Errorf("create scratch schema: %w", err)
	}
	defer func() {
		dropCtx := context.WithoutCancel(ctx)
		_, _ = conn.ExecContext(dropCtx, fmt.Sprintf("DROP SCHEMA IF EXISTS %s CASCADE", schema))
	}()

	if _, err := conn.ExecContext(ctx, fmt.Sprintf("SET search_path TO %s", schema)); err != nil {
		return nil, fmt.Errorf("set search_path: %w", err)
	}

	var outcomes []MigrationOutcome
	run := func(m Migration) bool {
		if _, err := conn.ExecContext(ctx, m.SQL); err != nil {
			outcomes = append(outcomes, MigrationOutcome{Path: m.Path, Error: err.Error()})
			return false
		}
		outcomes = append(outcomes, MigrationOutcome{Path: m.Path, OK: true})
		return true
	}

	for _, m := range forward {
		if !run(m) {
			return outcomes, nil
		}
	}
	for i := len(down) - 1; i >= 0; i-- {
		if !run(down[i]) {
			return outcomes, nil
		}
	}
	return outcomes, nil
}
