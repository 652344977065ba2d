package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sort"
	"time"

	"github.com/google/uuid"

	"semreg/api/internal/bundle"
	"semreg/api/internal/diff"
	"semreg/api/internal/store"
	"semreg/api/internal/validate"
)

// authoringStore is the persistence surface the governance verbs compose.
// Each call is individually atomic; the multi-call publish sequence relies on
// the lock plus drift check rather than a single transaction spanning verbs.
type authoringStore interface {
	CreateChangeSet(ctx context.Context, params store.CreateChangeSetParams) (store.ChangeSet, error)
	GetChangeSet(ctx context.Context, id uuid.UUID) (store.ChangeSet, error)
	FindByContentHash(ctx context.Context, hashVersion, contentHash string) (*store.ChangeSet, error)
	UpdateChangeSetStatus(ctx context.Context, id uuid.UUID, status store.ChangeSetStatus) error
	SetEvaluatedAgainst(ctx context.Context, id, snapshotSetID uuid.UUID) error
	MarkSuperseded(ctx context.Context, oldID, newID uuid.UUID) error
	ListChangeSets(ctx context.Context, status *store.ChangeSetStatus, limit int) ([]store.ChangeSet, error)
	CountByStatus(ctx context.Context) (map[store.ChangeSetStatus]int, error)
	FindStaleDryRuns(ctx context.Context) ([]store.ChangeSet, error)

	InsertArtifacts(ctx context.Context, changeSetID uuid.UUID, artifacts []store.Artifact) error
	GetArtifacts(ctx context.Context, changeSetID uuid.UUID) ([]store.Artifact, error)
	HasPublishedAttribute(ctx context.Context, fqn string) (bool, error)
	HasPublishedEntityType(ctx context.Context, entityType string) (bool, error)

	InsertValidationReport(ctx context.Context, changeSetID uuid.UUID, stage string, ok bool, reportJSON []byte) (uuid.UUID, error)
	GetValidationReports(ctx context.Context, changeSetID uuid.UUID) ([]store.ValidationReportRow, error)

	GetActiveSnapshotSetID(ctx context.Context) (*uuid.UUID, error)
	CreateAndActivateSnapshotSet(ctx context.Context, changeSetIDs []uuid.UUID, publisher string) (uuid.UUID, error)
	ActivateSnapshotSet(ctx context.Context, snapshotSetID uuid.UUID) error
	GetSnapshotSetMembers(ctx context.Context, snapshotSetID uuid.UUID) ([]uuid.UUID, error)

	ApplyMigrations(ctx context.Context, migrations []store.Migration) error
	InsertPublishBatch(ctx context.Context, batch store.PublishBatch) error
	InsertAuditEntry(ctx context.Context, entry store.AuditEntry) error
	ListAuditEntries(ctx context.Context, changeSetID *uuid.UUID, limit int) ([]store.AuditEntry, error)
	Ping(ctx context.Context) error
}

// scratchRunner executes migrations in a throwaway namespace for the
// dry-run.
type scratchRunner interface {
	Run(ctx context.Context, forward, down []store.Migration) ([]store.MigrationOutcome, error)
}

// publishLocker is the single-publisher gate. TryAcquire never blocks; a
// held lock means the caller gets acquired=false and should retry later.
type publishLocker interface {
	TryAcquire(ctx context.Context) (release func(), acquired bool, err error)
}

// changeSetIndexer mirrors ChangeSets into the search index. Indexing is
// best effort (failures are logged, never surfaced); queries report their
// errors to the caller.
type changeSetIndexer interface {
	IndexChangeSet(ctx context.Context, cs store.ChangeSet) error
	Search(ctx context.Context, query, status string, limit int) ([]map[string]any, error)
	Healthy() bool
}

// bundleArchiver stores a copy of each proposed bundle in object storage.
// Archiving is best effort; retrieval reports its errors.
type bundleArchiver interface {
	ArchiveBundle(ctx context.Context, cs store.ChangeSet, artifacts []store.Artifact) error
	FetchBundle(ctx context.Context, changeSetID string) ([]byte, error)
}

// snapshotRecorder appends publish events to the snapshot history repo.
// Recording is best effort; reads report their errors.
type snapshotRecorder interface {
	RecordPublish(ctx context.Context, batch store.PublishBatch) error
	History() ([]map[string]any, error)
}

type Service struct {
	store   authoringStore
	scratch scratchRunner
	lock    publishLocker
	search  changeSetIndexer
	archive bundleArchiver
	snaplog snapshotRecorder
}

func NewService(st authoringStore, scratch scratchRunner, lock publishLocker) *Service {
	return &Service{store: st, scratch: scratch, lock: lock}
}

// WithSearch attaches an optional search indexer.
func (s *Service) WithSearch(idx changeSetIndexer) *Service {
	s.search = idx
	return s
}

// WithArchive attaches an optional bundle archiver.
func (s *Service) WithArchive(a bundleArchiver) *Service {
	s.archive = a
	return s
}

// WithSnapshotLog attaches an optional snapshot history recorder.
func (s *Service) WithSnapshotLog(r snapshotRecorder) *Service {
	s.snaplog = r
	return s
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SearchHealthy reports whether a search index is configured and reachable.
func (s *Service) SearchHealthy() (configured, healthy bool) {
	if s.search == nil {
		return false, false
	}
	return true, s.search.Healthy()
}

// ── 1. propose ─────────────────────────────────────────────────────

// Propose creates a Draft ChangeSet from a parsed bundle. Content-addressed
// idempotent: a bundle whose (hash_version, content_hash) matches an existing
// non-terminal ChangeSet returns that ChangeSet unchanged.
func (s *Service) Propose(ctx context.Context, b bundle.Bundle, actor string) (store.ChangeSet, error) {
	start := time.Now()

	existing, err := s.store.FindByContentHash(ctx, b.HashVersion, b.ContentHash)
	if err != nil {
		return store.ChangeSet{}, err
	}
	if existing != nil {
		s.audit(ctx, store.AuditEntry{
			Verb:        "propose_change_set",
			Actor:       actor,
			ChangeSetID: &existing.ID,
			Result:      store.AuditResult{OK: true, Detail: "idempotent: existing change set returned"},
		}, start)
		return *existing, nil
	}

	cs, err := s.store.CreateChangeSet(ctx, store.CreateChangeSetParams{
		Title:          b.Manifest.Title,
		Rationale:      b.Manifest.Rationale,
		CreatedBy:      actor,
		ContentHash:    b.ContentHash,
		HashVersion:    b.HashVersion,
		BreakingChange: b.Manifest.BreakingChange,
		DependsOn:      b.DependsOn,
		Supersedes:     b.Supersedes,
	})
	if err != nil {
		return store.ChangeSet{}, err
	}

	artifacts := make([]store.Artifact, len(b.Artifacts))
	copy(artifacts, b.Artifacts)
	for i := range artifacts {
		artifacts[i].ChangeSetID = cs.ID
	}
	if err := s.store.InsertArtifacts(ctx, cs.ID, artifacts); err != nil {
		return store.ChangeSet{}, err
	}

	s.audit(ctx, store.AuditEntry{
		Verb:        "propose_change_set",
		Actor:       actor,
		ChangeSetID: &cs.ID,
		Result:      store.AuditResult{OK: true},
		Metadata:    map[string]any{"artifact_count": len(artifacts)},
	}, start)

	s.indexAsync(ctx, cs)
	s.archiveAsync(ctx, cs, artifacts)
	return cs, nil
}

// ── 2. validate ────────────────────────────────────────────────────

// Validate runs Stage 1 on a Draft ChangeSet and transitions it to
// Validated or Rejected. A failing report is a normal outcome, not an error.
func (s *Service) Validate(ctx context.Context, id uuid.UUID, actor string) (validate.Report, error) {
	start := time.Now()

	cs, err := s.store.GetChangeSet(ctx, id)
	if err != nil {
		return validate.Report{}, err
	}
	if cs.Status != store.StatusDraft {
		s.auditFailure(ctx, "validate_change_set", actor, id, codeInvalidState,
			fmt.Sprintf("cannot validate change set in status %q", cs.Status), start)
		return validate.Report{}, domainError(http.StatusUnprocessableEntity, codeInvalidState,
			fmt.Sprintf("Cannot validate ChangeSet in status '%s' - must be Draft", cs.Status), nil)
	}

	artifacts, err := s.store.GetArtifacts(ctx, id)
	if err != nil {
		return validate.Report{}, err
	}

	report := validate.Stage1(manifestFor(cs, artifacts), artifacts)

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return validate.Report{}, fmt.Errorf("encode report: %w", err)
	}
	if _, err := s.store.InsertValidationReport(ctx, id, store.StageValidate, report.OK, reportJSON); err != nil {
		return validate.Report{}, err
	}

	newStatus := store.StatusValidated
	if !report.OK {
		newStatus = store.StatusRejected
	}
	if err := s.store.UpdateChangeSetStatus(ctx, id, newStatus); err != nil {
		return validate.Report{}, err
	}
	cs.Status = newStatus
	s.indexAsync(ctx, cs)

	s.audit(ctx, store.AuditEntry{
		Verb:        "validate_change_set",
		Actor:       actor,
		ChangeSetID: &id,
		Result:      store.AuditResult{OK: true, Detail: string(newStatus)},
		Metadata: map[string]any{
			"errors":   len(report.Errors),
			"warnings": len(report.Warnings),
		},
	}, start)
	return report, nil
}

// ── 3. dry_run ─────────────────────────────────────────────────────

// DryRun runs Stage 2 on a Validated ChangeSet: migrations in a scratch
// schema plus registry-aware reference checks. Whatever the outcome, the
// active snapshot set at evaluation time is stamped onto the ChangeSet for
// later drift detection.
func (s *Service) DryRun(ctx context.Context, id uuid.UUID, actor string) (DryRunReport, error) {
	start := time.Now()

	cs, err := s.store.GetChangeSet(ctx, id)
	if err != nil {
		return DryRunReport{}, err
	}
	if cs.Status != store.StatusValidated {
		s.auditFailure(ctx, "dry_run_change_set", actor, id, codeInvalidState,
			fmt.Sprintf("cannot dry-run change set in status %q", cs.Status), start)
		return DryRunReport{}, domainError(http.StatusUnprocessableEntity, codeInvalidState,
			fmt.Sprintf("Cannot dry-run ChangeSet in status '%s' - must be Validated", cs.Status), nil)
	}

	artifacts, err := s.store.GetArtifacts(ctx, id)
	if err != nil {
		return DryRunReport{}, err
	}

	report, err := s.runStage2(ctx, cs, artifacts)
	if err != nil {
		return DryRunReport{}, err
	}

	// Stamp what we evaluated against, pass or fail. "What we tested
	// against" is audit-relevant either way.
	active, err := s.store.GetActiveSnapshotSetID(ctx)
	if err != nil {
		return DryRunReport{}, err
	}
	if active != nil {
		if err := s.store.SetEvaluatedAgainst(ctx, id, *active); err != nil {
			return DryRunReport{}, err
		}
		report.EvaluatedAgainst = active
	}

	reportJSON, err := json.Marshal(report)
	if err != nil {
		return DryRunReport{}, fmt.Errorf("encode dry-run report: %w", err)
	}
	if _, err := s.store.InsertValidationReport(ctx, id, store.StageDryRun, report.OK, reportJSON); err != nil {
		return DryRunReport{}, err
	}

	newStatus := store.StatusDryRunPassed
	if !report.OK {
		newStatus = store.StatusDryRunFailed
	}
	if err := s.store.UpdateChangeSetStatus(ctx, id, newStatus); err != nil {
		return DryRunReport{}, err
	}
	cs.Status = newStatus
	s.indexAsync(ctx, cs)

	s.audit(ctx, store.AuditEntry{
		Verb:        "dry_run_change_set",
		Actor:       actor,
		ChangeSetID: &id,
		Result:      store.AuditResult{OK: true, Detail: string(newStatus)},
	}, start)
	return report, nil
}

// ── 4. plan_publish (read-only) ────────────────────────────────────

// PublishPlan is a read-only projection of what a publish would touch.
// Recomputed on every call; never persisted.
type PublishPlan struct {
	ChangeSetID           uuid.UUID             `json:"change_set_id"`
	Status                store.ChangeSetStatus `json:"status"`
	Diff                  diff.Summary          `json:"diff"`
	HasBreakingChanges    bool                  `json:"has_breaking_changes"`
	BreakingChangeCount   int                   `json:"breaking_change_count"`
	MigrationCount        int                   `json:"migration_count"`
	DownMigrationCount    int                   `json:"down_migration_count"`
	AffectedArtifactTypes []string              `json:"affected_artifact_types"`
	Supersedes            *uuid.UUID            `json:"supersedes,omitempty"`
	DependsOn             []uuid.UUID           `json:"depends_on"`
	StaleDryRun           bool                  `json:"stale_dry_run"`
	EvaluatedAgainst      *uuid.UUID            `json:"evaluated_against_snapshot_set_id,omitempty"`
	CurrentActiveSnapshot *uuid.UUID            `json:"current_active_snapshot_set_id,omitempty"`
}

// PlanPublish computes blast radius and a drift preview for a DryRunPassed
// ChangeSet. Advisory only: publish re-derives drift under the lock.
func (s *Service) PlanPublish(ctx context.Context, id uuid.UUID) (PublishPlan, error) {
	cs, err := s.store.GetChangeSet(ctx, id)
	if err != nil {
		return PublishPlan{}, err
	}
	if cs.Status != store.StatusDryRunPassed {
		return PublishPlan{}, domainError(http.StatusUnprocessableEntity, codeInvalidState,
			fmt.Sprintf("Cannot plan publish for ChangeSet in status '%s' - must be DryRunPassed", cs.Status), nil)
	}

	artifacts, err := s.store.GetArtifacts(ctx, id)
	if err != nil {
		return PublishPlan{}, err
	}

	summary := diff.Summarize(artifacts)

	var migrationCount, downCount int
	typeSet := make(map[string]bool)
	for _, a := range artifacts {
		typeSet[string(a.Type)] = true
		switch a.Type {
		case store.ArtifactMigrationSQL:
			migrationCount++
		case store.ArtifactMigrationDownSQL:
			downCount++
		}
	}
	affectedTypes := make([]string, 0, len(typeSet))
	for t := range typeSet {
		affectedTypes = append(affectedTypes, t)
	}
	sort.Strings(affectedTypes)

	active, err := s.store.GetActiveSnapshotSetID(ctx)
	if err != nil {
		return PublishPlan{}, err
	}
	stale := drifted(cs.EvaluatedAgainst, active)

	return PublishPlan{
		ChangeSetID:           id,
		Status:                cs.Status,
		Diff:                  summary,
		HasBreakingChanges:    summary.HasBreaking(),
		BreakingChangeCount:   len(summary.BreakingChanges),
		MigrationCount:        migrationCount,
		DownMigrationCount:    downCount,
		AffectedArtifactTypes: affectedTypes,
		Supersedes:            cs.Supersedes,
		DependsOn:             cs.DependsOn,
		StaleDryRun:           stale,
		EvaluatedAgainst:      cs.EvaluatedAgainst,
		CurrentActiveSnapshot: active,
	}, nil
}

// ── 5. publish ─────────────────────────────────────────────────────

// Publish promotes a DryRunPassed ChangeSet: lock, drift check, apply
// migrations, flip status, supersession, mint snapshot set. Failures before
// migration application leave the database untouched.
func (s *Service) Publish(ctx context.Context, id uuid.UUID, publisher string) (store.PublishBatch, error) {
	start := time.Now()

	cs, err := s.store.GetChangeSet(ctx, id)
	if err != nil {
		return store.PublishBatch{}, err
	}
	if cs.Status != store.StatusDryRunPassed {
		s.auditFailure(ctx, "publish_snapshot_set", publisher, id, codeInvalidState,
			fmt.Sprintf("cannot publish change set in status %q", cs.Status), start)
		return store.PublishBatch{}, domainError(http.StatusUnprocessableEntity, codeInvalidState,
			fmt.Sprintf("Cannot publish ChangeSet in status '%s' - must be DryRunPassed", cs.Status), nil)
	}

	release, acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return store.PublishBatch{}, err
	}
	if !acquired {
		s.auditFailure(ctx, "publish_snapshot_set", publisher, id, codeLockContention,
			"another publish is in progress", start)
		return store.PublishBatch{}, domainError(http.StatusConflict, codeLockContention,
			"Could not acquire publish lock - another publish is in progress", nil)
	}
	defer release()

	// Drift check under the lock: the dry-run is only valid against the
	// exact snapshot it was evaluated against.
	active, err := s.store.GetActiveSnapshotSetID(ctx)
	if err != nil {
		return store.PublishBatch{}, err
	}
	if drifted(cs.EvaluatedAgainst, active) {
		detail := driftDetail(cs.EvaluatedAgainst, active)
		s.auditFailure(ctx, "publish_snapshot_set", publisher, id, codeDriftDetected, detail, start)
		return store.PublishBatch{}, domainError(http.StatusConflict, codeDriftDetected,
			"Snapshot set drift detected: "+detail+". Re-run dry-run.", nil)
	}

	artifacts, err := s.store.GetArtifacts(ctx, id)
	if err != nil {
		return store.PublishBatch{}, err
	}
	if err := s.store.ApplyMigrations(ctx, forwardMigrations(artifacts)); err != nil {
		return store.PublishBatch{}, err
	}

	if err := s.store.UpdateChangeSetStatus(ctx, id, store.StatusPublished); err != nil {
		return store.PublishBatch{}, err
	}
	if cs.Supersedes != nil {
		if err := s.store.MarkSuperseded(ctx, *cs.Supersedes, id); err != nil {
			return store.PublishBatch{}, err
		}
	}
	cs.Status = store.StatusPublished
	s.indexAsync(ctx, cs)

	snapshotID, err := s.store.CreateAndActivateSnapshotSet(ctx, []uuid.UUID{id}, publisher)
	if err != nil {
		return store.PublishBatch{}, err
	}

	batch := store.PublishBatch{
		ID:            uuid.New(),
		ChangeSetIDs:  []uuid.UUID{id},
		SnapshotSetID: snapshotID,
		PublishedAt:   time.Now().UTC(),
		Publisher:     publisher,
	}
	if err := s.store.InsertPublishBatch(ctx, batch); err != nil {
		return store.PublishBatch{}, err
	}

	s.audit(ctx, store.AuditEntry{
		Verb:           "publish_snapshot_set",
		Actor:          publisher,
		ChangeSetID:    &id,
		SnapshotSetID:  &snapshotID,
		ActiveSnapshot: &snapshotID,
		Result:         store.AuditResult{OK: true},
	}, start)

	s.recordPublishAsync(ctx, batch)
	return batch, nil
}

// ── 6. publish_batch ───────────────────────────────────────────────

// PublishBatch publishes several DryRunPassed ChangeSets atomically as one
// snapshot set, applying migrations in dependency order. A cycle among batch
// members aborts before any side effect. Drift is not re-checked per member;
// members were individually vetted at dry-run time and the batch holds the
// lock for its whole run.
func (s *Service) PublishBatch(ctx context.Context, ids []uuid.UUID, publisher string) (store.PublishBatch, error) {
	start := time.Now()

	if len(ids) == 0 {
		s.auditFailure(ctx, "publish_batch", publisher, uuid.Nil, codeEmptyBatch,
			"batch publish called with no change sets", start)
		return store.PublishBatch{}, domainError(http.StatusUnprocessableEntity, codeEmptyBatch,
			"Batch publish requires at least one ChangeSet", nil)
	}

	members := make(map[uuid.UUID]store.ChangeSet, len(ids))
	dependsOn := make(map[uuid.UUID][]uuid.UUID, len(ids))
	for _, id := range ids {
		cs, err := s.store.GetChangeSet(ctx, id)
		if err != nil {
			return store.PublishBatch{}, err
		}
		members[id] = cs
		dependsOn[id] = cs.DependsOn
	}

	sorted, ok := topoSort(ids, dependsOn)
	if !ok {
		s.auditFailure(ctx, "publish_batch", publisher, uuid.Nil, codeCircularDependency,
			"circular dependency among batch members", start)
		return store.PublishBatch{}, domainError(http.StatusUnprocessableEntity, codeCircularDependency,
			"Circular dependency detected in batch publish", nil)
	}

	for _, id := range sorted {
		if cs := members[id]; cs.Status != store.StatusDryRunPassed {
			s.auditFailure(ctx, "publish_batch", publisher, id, codeInvalidState,
				fmt.Sprintf("cannot batch-publish change set in status %q", cs.Status), start)
			return store.PublishBatch{}, domainError(http.StatusUnprocessableEntity, codeInvalidState,
				fmt.Sprintf("ChangeSet %s is not DryRunPassed (status: %s)", id, cs.Status), nil)
		}
	}

	release, acquired, err := s.lock.TryAcquire(ctx)
	if err != nil {
		return store.PublishBatch{}, err
	}
	if !acquired {
		s.auditFailure(ctx, "publish_batch", publisher, uuid.Nil, codeLockContention,
			"another publish is in progress", start)
		return store.PublishBatch{}, domainError(http.StatusConflict, codeLockContention,
			"Could not acquire publish lock - another publish is in progress", nil)
	}
	defer release()

	// All members' migrations go through one ApplyMigrations call, so the
	// whole batch applies in a single transaction or not at all.
	var migrations []store.Migration
	for _, id := range sorted {
		artifacts, err := s.store.GetArtifacts(ctx, id)
		if err != nil {
			return store.PublishBatch{}, err
		}
		migrations = append(migrations, forwardMigrations(artifacts)...)
	}
	if err := s.store.ApplyMigrations(ctx, migrations); err != nil {
		return store.PublishBatch{}, err
	}

	for _, id := range sorted {
		if err := s.store.UpdateChangeSetStatus(ctx, id, store.StatusPublished); err != nil {
			return store.PublishBatch{}, err
		}
		cs := members[id]
		if cs.Supersedes != nil {
			if err := s.store.MarkSuperseded(ctx, *cs.Supersedes, id); err != nil {
				return store.PublishBatch{}, err
			}
		}
		cs.Status = store.StatusPublished
		s.indexAsync(ctx, cs)
	}

	snapshotID, err := s.store.CreateAndActivateSnapshotSet(ctx, sorted, publisher)
	if err != nil {
		return store.PublishBatch{}, err
	}

	batch := store.PublishBatch{
		ID:            uuid.New(),
		ChangeSetIDs:  sorted,
		SnapshotSetID: snapshotID,
		PublishedAt:   time.Now().UTC(),
		Publisher:     publisher,
	}
	if err := s.store.InsertPublishBatch(ctx, batch); err != nil {
		return store.PublishBatch{}, err
	}

	s.audit(ctx, store.AuditEntry{
		Verb:           "publish_batch",
		Actor:          publisher,
		SnapshotSetID:  &snapshotID,
		ActiveSnapshot: &snapshotID,
		Result:         store.AuditResult{OK: true, Detail: fmt.Sprintf("%d ChangeSets published", len(sorted))},
	}, start)

	s.recordPublishAsync(ctx, batch)
	return batch, nil
}

// ── 7. diff (read-only) ────────────────────────────────────────────

// Diff structurally compares two ChangeSets' artifact sets.
func (s *Service) Diff(ctx context.Context, baseID, targetID uuid.UUID) (diff.Summary, error) {
	baseArtifacts, err := s.store.GetArtifacts(ctx, baseID)
	if err != nil {
		return diff.Summary{}, err
	}
	targetArtifacts, err := s.store.GetArtifacts(ctx, targetID)
	if err != nil {
		return diff.Summary{}, err
	}
	return diff.Compare(baseArtifacts, targetArtifacts), nil
}

// ── 8. rollback ────────────────────────────────────────────────────

// Rollback reverts the active snapshot pointer to a previously minted
// snapshot set. No migrations run and no ChangeSet statuses change; the
// pointer swap is the whole operation.
func (s *Service) Rollback(ctx context.Context, snapshotSetID uuid.UUID, actor string) error {
	start := time.Now()

	current, err := s.store.GetActiveSnapshotSetID(ctx)
	if err != nil {
		return err
	}
	if current != nil && *current == snapshotSetID {
		s.audit(ctx, store.AuditEntry{
			Verb:          "rollback_snapshot_set",
			Actor:         actor,
			SnapshotSetID: &snapshotSetID,
			Result:        store.AuditResult{OK: false, Code: codeAlreadyActive, Message: "already active"},
		}, start)
		return domainError(http.StatusConflict, codeAlreadyActive,
			"Snapshot set is already active", nil)
	}

	if err := s.store.ActivateSnapshotSet(ctx, snapshotSetID); err != nil {
		s.audit(ctx, store.AuditEntry{
			Verb:          "rollback_snapshot_set",
			Actor:         actor,
			SnapshotSetID: &snapshotSetID,
			Result:        store.AuditResult{OK: false, Code: codeNotFound, Message: err.Error()},
		}, start)
		return err
	}

	s.audit(ctx, store.AuditEntry{
		Verb:           "rollback_snapshot_set",
		Actor:          actor,
		SnapshotSetID:  &snapshotSetID,
		ActiveSnapshot: &snapshotSetID,
		Result:         store.AuditResult{OK: true},
	}, start)
	return nil
}

// ── Read-side operations ───────────────────────────────────────────

func (s *Service) GetChangeSet(ctx context.Context, id uuid.UUID) (store.ChangeSet, []store.Artifact, error) {
	cs, err := s.store.GetChangeSet(ctx, id)
	if err != nil {
		return store.ChangeSet{}, nil, err
	}
	artifacts, err := s.store.GetArtifacts(ctx, id)
	if err != nil {
		return store.ChangeSet{}, nil, err
	}
	return cs, artifacts, nil
}

func (s *Service) ListChangeSets(ctx context.Context, status *store.ChangeSetStatus, limit int) ([]store.ChangeSet, error) {
	return s.store.ListChangeSets(ctx, status, limit)
}

func (s *Service) CountByStatus(ctx context.Context) (map[store.ChangeSetStatus]int, error) {
	return s.store.CountByStatus(ctx)
}

// ListStaleDryRuns surfaces DryRunPassed ChangeSets whose evaluation
// snapshot no longer matches the active one. These publishes would be
// rejected by drift; operators can re-run their dry-runs proactively.
func (s *Service) ListStaleDryRuns(ctx context.Context) ([]store.ChangeSet, error) {
	return s.store.FindStaleDryRuns(ctx)
}

// SnapshotHistory lists recorded snapshot activations, oldest first. Empty
// when no history recorder is configured.
func (s *Service) SnapshotHistory(context.Context) ([]map[string]any, error) {
	if s.snaplog == nil {
		return nil, nil
	}
	return s.snaplog.History()
}

// ArchivedBundle retrieves the object-storage copy of a proposed bundle.
func (s *Service) ArchivedBundle(ctx context.Context, id uuid.UUID) ([]byte, error) {
	if s.archive == nil {
		return nil, domainError(http.StatusServiceUnavailable, codeArchiveUnavailable,
			"Bundle archive is not configured", nil)
	}
	return s.archive.FetchBundle(ctx, id.String())
}

// SearchChangeSets queries the optional search index.
func (s *Service) SearchChangeSets(ctx context.Context, query, status string, limit int) ([]map[string]any, error) {
	if s.search == nil {
		return nil, domainError(http.StatusServiceUnavailable, codeSearchUnavailable,
			"Search is not configured", nil)
	}
	return s.search.Search(ctx, query, status, limit)
}

func (s *Service) GetValidationReports(ctx context.Context, id uuid.UUID) ([]store.ValidationReportRow, error) {
	return s.store.GetValidationReports(ctx, id)
}

func (s *Service) ListAuditEntries(ctx context.Context, changeSetID *uuid.UUID, limit int) ([]store.AuditEntry, error) {
	return s.store.ListAuditEntries(ctx, changeSetID, limit)
}

func (s *Service) ActiveSnapshotSet(ctx context.Context) (*uuid.UUID, []uuid.UUID, error) {
	active, err := s.store.GetActiveSnapshotSetID(ctx)
	if err != nil || active == nil {
		return nil, nil, err
	}
	members, err := s.store.GetSnapshotSetMembers(ctx, *active)
	if err != nil {
		return nil, nil, err
	}
	return active, members, nil
}

// ── Internal helpers ───────────────────────────────────────────────

// manifestFor reconstructs the manifest view of a stored ChangeSet so Stage 1
// re-verifies the hashes persisted at propose time.
func manifestFor(cs store.ChangeSet, artifacts []store.Artifact) bundle.Manifest {
	m := bundle.Manifest{
		Title:          cs.Title,
		Rationale:      cs.Rationale,
		BreakingChange: cs.BreakingChange,
	}
	for _, dep := range cs.DependsOn {
		m.DependsOn = append(m.DependsOn, dep.String())
	}
	if cs.Supersedes != nil {
		m.Supersedes = cs.Supersedes.String()
	}
	for _, a := range artifacts {
		m.Artifacts = append(m.Artifacts, bundle.ManifestArtifact{
			Type:        string(a.Type),
			Path:        a.Path,
			ContentHash: a.ContentHash,
		})
	}
	return m
}

// forwardMigrations selects migration-up artifacts ordered by ordinal.
func forwardMigrations(artifacts []store.Artifact) []store.Migration {
	return migrationsOfType(artifacts, store.ArtifactMigrationSQL)
}

func downMigrations(artifacts []store.Artifact) []store.Migration {
	return migrationsOfType(artifacts, store.ArtifactMigrationDownSQL)
}

func migrationsOfType(artifacts []store.Artifact, artifactType store.ArtifactType) []store.Migration {
	var selected []store.Artifact
	for _, a := range artifacts {
		if a.Type == artifactType {
			selected = append(selected, a)
		}
	}
	sort.Slice(selected, func(i, j int) bool { return selected[i].Ordinal < selected[j].Ordinal })

	migrations := make([]store.Migration, 0, len(selected))
	for _, a := range selected {
		path := a.Path
		if path == "" {
			path = fmt.Sprintf("ordinal_%d", a.Ordinal)
		}
		migrations = append(migrations, store.Migration{Path: path, SQL: a.Content})
	}
	return migrations
}

// drifted compares the dry-run's evaluation snapshot with the active one.
// Both nil means a fresh registry where nothing has ever been published;
// that is the bootstrap case, not drift. A nil on one side only is drift: a
// snapshot appeared (or the stamp is missing) since the dry-run.
func drifted(evaluated, active *uuid.UUID) bool {
	if evaluated == nil && active == nil {
		return false
	}
	if evaluated == nil || active == nil {
		return true
	}
	return *evaluated != *active
}

func driftDetail(evaluated, active *uuid.UUID) string {
	format := func(id *uuid.UUID) string {
		if id == nil {
			return "<none>"
		}
		return id.String()
	}
	return fmt.Sprintf("dry-run evaluated against %s, but current active is %s",
		format(evaluated), format(active))
}

// audit appends one entry to the governance log. Audit failures are logged
// and swallowed: losing an audit row must not fail the verb that succeeded.
func (s *Service) audit(ctx context.Context, entry store.AuditEntry, start time.Time) {
	entry.ID = uuid.New()
	entry.Timestamp = time.Now().UTC()
	entry.DurationMillis = time.Since(start).Milliseconds()
	if entry.ActiveSnapshot == nil {
		if active, err := s.store.GetActiveSnapshotSetID(ctx); err == nil {
			entry.ActiveSnapshot = active
		}
	}
	if err := s.store.InsertAuditEntry(ctx, entry); err != nil {
		log.Printf("audit entry insert failed (verb=%s): %v", entry.Verb, err)
	}
}

// auditFailure records a rejected verb call. uuid.Nil means no single
// ChangeSet is in scope (batch-level failures).
func (s *Service) auditFailure(ctx context.Context, verb, actor string, changeSetID uuid.UUID, code, message string, start time.Time) {
	entry := store.AuditEntry{
		Verb:   verb,
		Actor:  actor,
		Result: store.AuditResult{OK: false, Code: code, Message: message},
	}
	if changeSetID != uuid.Nil {
		entry.ChangeSetID = &changeSetID
	}
	s.audit(ctx, entry, start)
}

func (s *Service) indexAsync(ctx context.Context, cs store.ChangeSet) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexChangeSet(ctx, cs); err != nil {
		log.Printf("search index failed for change set %s: %v", cs.ID, err)
	}
}

func (s *Service) archiveAsync(ctx context.Context, cs store.ChangeSet, artifacts []store.Artifact) {
	if s.archive == nil {
		return
	}
	if err := s.archive.ArchiveBundle(ctx, cs, artifacts); err != nil {
		log.Printf("bundle archive failed for change set %s: %v", cs.ID, err)
	}
}

func (s *Service) recordPublishAsync(ctx context.Context, batch store.PublishBatch) {
	if s.snaplog == nil {
		return
	}
	if err := s.snaplog.RecordPublish(ctx, batch); err != nil {
		log.Printf("snapshot history record failed for batch %s: %v", batch.ID, err)
	}
}
