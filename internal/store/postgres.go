package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/google/uuid"
)

// ErrNotFound is returned when a ChangeSet or snapshot set does not exist.
var ErrNotFound = errors.New("not found")

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const changeSetColumns = `
	change_set_id, status, title, COALESCE(rationale, ''), created_by,
	content_hash, hash_version, breaking_change, depends_on,
	supersedes_change_set_id, superseded_by, superseded_at,
	evaluated_against_snapshot_set_id, created_at, updated_at
`

func (s *PostgresStore) scanChangeSet(row interface{ Scan(...any) error }) (ChangeSet, error) {
	var cs ChangeSet
	var dependsRaw []byte
	if err := row.Scan(
		&cs.ID, &cs.Status, &cs.Title, &cs.Rationale, &cs.CreatedBy,
		&cs.ContentHash, &cs.HashVersion, &cs.BreakingChange, &dependsRaw,
		&cs.Supersedes, &cs.SupersededBy, &cs.SupersededAt,
		&cs.EvaluatedAgainst, &cs.CreatedAt, &cs.UpdatedAt,
	); err != nil {
		return ChangeSet{}, err
	}
	if len(dependsRaw) > 0 {
		_ = json.Unmarshal(dependsRaw, &cs.DependsOn)
	}
	return cs, nil
}

type CreateChangeSetParams struct {
	Title          string
	Rationale      string
	CreatedBy      string
	ContentHash    string
	HashVersion    string
	BreakingChange bool
	DependsOn      []uuid.UUID
	Supersedes     *uuid.UUID
}

func (s *PostgresStore) CreateChangeSet(ctx context.Context, params CreateChangeSetParams) (ChangeSet, error) {
	depends := params.DependsOn
	if depends == nil {
		depends = []uuid.UUID{}
	}
	encodedDepends, err := json.Marshal(depends)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("encode depends_on: %w", err)
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO change_sets
			(status, title, rationale, created_by, content_hash, hash_version,
			 breaking_change, depends_on, supersedes_change_set_id)
		VALUES ('draft', $1, NULLIF($2, ''), $3, $4, $5, $6, $7::jsonb, $8)
		RETURNING `+changeSetColumns,
		params.Title, params.Rationale, params.CreatedBy, params.ContentHash,
		params.HashVersion, params.BreakingChange, string(encodedDepends), params.Supersedes,
	)
	cs, err := s.scanChangeSet(row)
	if err != nil {
		return ChangeSet{}, fmt.Errorf("insert change set: %w", err)
	}
	return cs, nil
}

func (s *PostgresStore) GetChangeSet(ctx context.Context, id uuid.UUID) (ChangeSet, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+changeSetColumns+` FROM change_sets WHERE change_set_id = $1`, id)
	cs, err := s.scanChangeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return ChangeSet{}, fmt.Errorf("change set %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return ChangeSet{}, fmt.Errorf("get change set: %w", err)
	}
	return cs, nil
}

// FindByContentHash returns the non-terminal ChangeSet carrying this
// (hash_version, content_hash), if any. Terminal rows never match, so
// re-proposing after a rejection mints a fresh Draft.
func (s *PostgresStore) FindByContentHash(ctx context.Context, hashVersion, contentHash string) (*ChangeSet, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+changeSetColumns+`
		FROM change_sets
		WHERE hash_version = $1
		  AND content_hash = $2
		  AND status IN ('draft', 'validated', 'dry_run_passed')
	`, hashVersion, contentHash)
	cs, err := s.scanChangeSet(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("find by content hash: %w", err)
	}
	return &cs, nil
}

func (s *PostgresStore) UpdateChangeSetStatus(ctx context.Context, id uuid.UUID, status ChangeSetStatus) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE change_sets SET status = $1, updated_at = NOW() WHERE change_set_id = $2`,
		status, id)
	if err != nil {
		return fmt.Errorf("update change set status: %w", err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("change set %s: %w", id, ErrNotFound)
	}
	return nil
}

func (s *PostgresStore) SetEvaluatedAgainst(ctx context.Context, id, snapshotSetID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE change_sets
		SET evaluated_against_snapshot_set_id = $1, updated_at = NOW()
		WHERE change_set_id = $2
	`, snapshotSetID, id); err != nil {
		return fmt.Errorf("set evaluated against: %w", err)
	}
	return nil
}

func (s *PostgresStore) MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `
		UPDATE change_sets
		SET status = 'superseded', superseded_by = $1, superseded_at = NOW(), updated_at = NOW()
		WHERE change_set_id = $2
	`, newID, oldID); err != nil {
		return fmt.Errorf("mark superseded: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListChangeSets(ctx context.Context, status *ChangeSetStatus, limit int) ([]ChangeSet, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `SELECT ` + changeSetColumns + ` FROM change_sets`
	args := []any{}
	if status != nil {
		query += ` WHERE status = $1 ORDER BY created_at DESC LIMIT $2`
		args = append(args, *status, limit)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list change sets: %w", err)
	}
	defer rows.Close()

	var items []ChangeSet
	for rows.Next() {
		cs, err := s.scanChangeSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change set: %w", err)
		}
		items = append(items, cs)
	}
	return items, rows.Err()
}

func (s *PostgresStore) CountByStatus(ctx context.Context) (map[ChangeSetStatus]int, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT status, COUNT(*) FROM change_sets GROUP BY status`)
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()

	counts := make(map[ChangeSetStatus]int)
	for rows.Next() {
		var status ChangeSetStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

// FindStaleDryRuns returns DryRunPassed ChangeSets whose evaluated snapshot
// no longer matches the active one, i.e. publishes that drift would reject.
func (s *PostgresStore) FindStaleDryRuns(ctx context.Context) ([]ChangeSet, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+changeSetColumns+`
		FROM change_sets
		WHERE status = 'dry_run_passed'
		  AND (evaluated_against_snapshot_set_id IS NULL
		       OR evaluated_against_snapshot_set_id IS DISTINCT FROM
		          (SELECT active_snapshot_set_id FROM active_snapshot_set LIMIT 1))
		ORDER BY created_at DESC
	`)
	if err != nil {
		return nil, fmt.Errorf("find stale dry runs: %w", err)
	}
	defer rows.Close()

	var items []ChangeSet
	for rows.Next() {
		cs, err := s.scanChangeSet(rows)
		if err != nil {
			return nil, fmt.Errorf("scan change set: %w", err)
		}
		items = append(items, cs)
	}
	return items, rows.Err()
}

// ── Artifacts ──────────────────────────────────────────────────────

func (s *PostgresStore) InsertArtifacts(ctx context.Context, changeSetID uuid.UUID, artifacts []Artifact) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin artifacts tx: %w", err)
	}
	for _, a := range artifacts {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO change_set_artifacts
				(artifact_id, change_set_id, artifact_type, ordinal, path, content, content_hash)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, a.ID, changeSetID, a.Type, a.Ordinal, a.Path, a.Content, a.ContentHash); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("insert artifact %s: %w", a.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit artifacts: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetArtifacts(ctx context.Context, changeSetID uuid.UUID) ([]Artifact, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT artifact_id, change_set_id, artifact_type, ordinal, path, content, content_hash
		FROM change_set_artifacts
		WHERE change_set_id = $1
		ORDER BY ordinal, path
	`, changeSetID)
	if err != nil {
		return nil, fmt.Errorf("get artifacts: %w", err)
	}
	defer rows.Close()

	var items []Artifact
	for rows.Next() {
		var a Artifact
		if err := rows.Scan(&a.ID, &a.ChangeSetID, &a.Type, &a.Ordinal, &a.Path, &a.Content, &a.ContentHash); err != nil {
			return nil, fmt.Errorf("scan artifact: %w", err)
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

// ── Registry reference lookups (Stage 2) ───────────────────────────

// HasPublishedAttribute reports whether an attribute definition with this fqn
// exists in any published ChangeSet.
func (s *PostgresStore) HasPublishedAttribute(ctx context.Context, fqn string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM change_set_artifacts a
			JOIN change_sets cs ON cs.change_set_id = a.change_set_id
			WHERE cs.status = 'published'
			  AND a.artifact_type = 'attribute_json'
			  AND a.content::jsonb->>'fqn' = $1
		)
	`, fqn).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup published attribute: %w", err)
	}
	return exists, nil
}

// HasPublishedEntityType reports whether a taxonomy entry declaring this
// entity type exists in any published ChangeSet.
func (s *PostgresStore) HasPublishedEntityType(ctx context.Context, entityType string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(
			SELECT 1
			FROM change_set_artifacts a
			JOIN change_sets cs ON cs.change_set_id = a.change_set_id
			WHERE cs.status = 'published'
			  AND a.artifact_type = 'taxonomy_json'
			  AND a.content::jsonb->>'entity_type' = $1
		)
	`, entityType).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("lookup published entity type: %w", err)
	}
	return exists, nil
}

// ── Validation reports ─────────────────────────────────────────────

func (s *PostgresStore) InsertValidationReport(ctx context.Context, changeSetID uuid.UUID, stage string, ok bool, reportJSON []byte) (uuid.UUID, error) {
	var reportID uuid.UUID
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO validation_reports (change_set_id, stage, ok, report)
		VALUES ($1, $2, $3, $4::jsonb)
		RETURNING report_id
	`, changeSetID, stage, ok, string(reportJSON)).Scan(&reportID)
	if err != nil {
		return uuid.Nil, fmt.Errorf("insert validation report: %w", err)
	}
	return reportID, nil
}

func (s *PostgresStore) GetValidationReports(ctx context.Context, changeSetID uuid.UUID) ([]ValidationReportRow, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT report_id, change_set_id, stage, ok, report, ran_at
		FROM validation_reports
		WHERE change_set_id = $1
		ORDER BY ran_at DESC
	`, changeSetID)
	if err != nil {
		return nil, fmt.Errorf("get validation reports: %w", err)
	}
	defer rows.Close()

	var items []ValidationReportRow
	for rows.Next() {
		var r ValidationReportRow
		if err := rows.Scan(&r.ID, &r.ChangeSetID, &r.Stage, &r.OK, &r.ReportJSON, &r.RanAt); err != nil {
			return nil, fmt.Errorf("scan validation report: %w", err)
		}
		items = append(items, r)
	}
	return items, rows.Err()
}

// ── Snapshot sets ──────────────────────────────────────────────────

func (s *PostgresStore) GetActiveSnapshotSetID(ctx context.Context) (*uuid.UUID, error) {
	var id uuid.UUID
	err := s.db.QueryRowContext(ctx,
		`SELECT active_snapshot_set_id FROM active_snapshot_set LIMIT 1`).Scan(&id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get active snapshot set: %w", err)
	}
	return &id, nil
}

// CreateAndActivateSnapshotSet mints a snapshot set covering the given
// ChangeSets and atomically swaps the active pointer to it.
func (s *PostgresStore) CreateAndActivateSnapshotSet(ctx context.Context, changeSetIDs []uuid.UUID, publisher string) (uuid.UUID, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return uuid.Nil, fmt.Errorf("begin snapshot tx: %w", err)
	}

	var snapshotID uuid.UUID
	description := fmt.Sprintf("Publish: %d change set(s)", len(changeSetIDs))
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO snapshot_sets (description, created_by)
		VALUES ($1, $2)
		RETURNING snapshot_set_id
	`, description, publisher).Scan(&snapshotID); err != nil {
		_ = tx.Rollback()
		return uuid.Nil, fmt.Errorf("insert snapshot set: %w", err)
	}

	for _, csID := range changeSetIDs {
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO snapshot_set_members (snapshot_set_id, change_set_id)
			VALUES ($1, $2)
		`, snapshotID, csID); err != nil {
			_ = tx.Rollback()
			return uuid.Nil, fmt.Errorf("insert snapshot member: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO active_snapshot_set (singleton, active_snapshot_set_id, updated_at)
		VALUES (TRUE, $1, NOW())
		ON CONFLICT (singleton)
		DO UPDATE SET active_snapshot_set_id = $1, updated_at = NOW()
	`, snapshotID); err != nil {
		_ = tx.Rollback()
		return uuid.Nil, fmt.Errorf("activate snapshot set: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return uuid.Nil, fmt.Errorf("commit snapshot tx: %w", err)
	}
	return snapshotID, nil
}

// ActivateSnapshotSet re-points the active pointer at an existing snapshot
// set. Used by rollback; no migrations run and no statuses change.
func (s *PostgresStore) ActivateSnapshotSet(ctx context.Context, snapshotSetID uuid.UUID) error {
	var exists bool
	if err := s.db.QueryRowContext(ctx,
		`SELECT EXISTS(SELECT 1 FROM snapshot_sets WHERE snapshot_set_id = $1)`,
		snapshotSetID).Scan(&exists); err != nil {
		return fmt.Errorf("check snapshot set: %w", err)
	}
	if !exists {
		return fmt.Errorf("snapshot set %s: %w", snapshotSetID, ErrNotFound)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO active_snapshot_set (singleton, active_snapshot_set_id, updated_at)
		VALUES (TRUE, $1, NOW())
		ON CONFLICT (singleton)
		DO UPDATE SET active_snapshot_set_id = $1, updated_at = NOW()
	`, snapshotSetID); err != nil {
		return fmt.Errorf("activate snapshot set: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetSnapshotSetMembers(ctx context.Context, snapshotSetID uuid.UUID) ([]uuid.UUID, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT change_set_id FROM snapshot_set_members WHERE snapshot_set_id = $1
	`, snapshotSetID)
	if err != nil {
		return nil, fmt.Errorf("get snapshot members: %w", err)
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan snapshot member: %w", err)
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

// ── Publish ────────────────────────────────────────────────────────

// ApplyMigrations executes the given (path, sql) statements against the live
// database inside a single transaction. Any statement error rolls back the
// whole list, so a batch either applies fully or not at all.
func (s *PostgresStore) ApplyMigrations(ctx context.Context, migrations []Migration) error {
	if len(migrations) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin migrations tx: %w", err)
	}
	for _, m := range migrations {
		if _, err := tx.ExecContext(ctx, m.SQL); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("migration %s failed: %w", m.Path, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit migrations: %w", err)
	}
	return nil
}

// Migration is one ordered migration statement to apply.
type Migration struct {
	Path string
	SQL  string
}

func (s *PostgresStore) InsertPublishBatch(ctx context.Context, batch PublishBatch) error {
	encodedIDs, err := json.Marshal(batch.ChangeSetIDs)
	if err != nil {
		return fmt.Errorf("encode batch ids: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO publish_batches (batch_id, change_set_ids, snapshot_set_id, published_at, publisher)
		VALUES ($1, $2::jsonb, $3, $4, $5)
	`, batch.ID, string(encodedIDs), batch.SnapshotSetID, batch.PublishedAt, batch.Publisher); err != nil {
		return fmt.Errorf("insert publish batch: %w", err)
	}
	return nil
}

// ── Governance audit log ───────────────────────────────────────────

func (s *PostgresStore) InsertAuditEntry(ctx context.Context, entry AuditEntry) error {
	encodedResult, err := json.Marshal(entry.Result)
	if err != nil {
		return fmt.Errorf("encode audit result: %w", err)
	}
	var encodedMetadata any
	if entry.Metadata != nil {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("encode audit metadata: %w", err)
		}
		encodedMetadata = string(raw)
	}

	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO governance_audit_log
			(entry_id, ts, verb, actor, change_set_id, snapshot_set_id,
			 active_snapshot_set_id, result, duration_ms, metadata)
		VALUES ($1, $2, $3, NULLIF($4, ''), $5, $6, $7, $8::jsonb, $9, $10::jsonb)
	`, entry.ID, entry.Timestamp, entry.Verb, entry.Actor, entry.ChangeSetID,
		entry.SnapshotSetID, entry.ActiveSnapshot, string(encodedResult),
		entry.DurationMillis, encodedMetadata); err != nil {
		return fmt.Errorf("insert audit entry: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListAuditEntries(ctx context.Context, changeSetID *uuid.UUID, limit int) ([]AuditEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	var sb strings.Builder
	sb.WriteString(`
		SELECT entry_id, ts, verb, COALESCE(actor, ''), change_set_id,
		       snapshot_set_id, active_snapshot_set_id, result, duration_ms, metadata
		FROM governance_audit_log
	`)
	args := []any{}
	if changeSetID != nil {
		sb.WriteString(` WHERE change_set_id = $1 ORDER BY ts DESC LIMIT $2`)
		args = append(args, *changeSetID, limit)
	} else {
		sb.WriteString(` ORDER BY ts DESC LIMIT $1`)
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, sb.String(), args...)
	if err != nil {
		return nil, fmt.Errorf("list audit entries: %w", err)
	}
	defer rows.Close()

	var items []AuditEntry
	for rows.Next() {
		var e AuditEntry
		var resultRaw, metadataRaw []byte
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Verb, &e.Actor, &e.ChangeSetID,
			&e.SnapshotSetID, &e.ActiveSnapshot, &resultRaw, &e.DurationMillis, &metadataRaw); err != nil {
			return nil, fmt.Errorf("scan audit entry: %w", err)
		}
		_ = json.Unmarshal(resultRaw, &e.Result)
		if len(metadataRaw) > 0 {
			_ = json.Unmarshal(metadataRaw, &e.Metadata)
		}
		items = append(items, e)
	}
	return items, rows.Err()
}
