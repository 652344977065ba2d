package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"

	"github.com/google/uuid"

	"semreg/api/internal/bundle"
	"semreg/api/internal/store"
)

// memStore is an in-memory authoringStore. A few function fields allow
// per-test overrides for error injection.
type memStore struct {
	changeSets map[uuid.UUID]store.ChangeSet
	artifacts  map[uuid.UUID][]store.Artifact
	reports    []reportRow
	audits     []store.AuditEntry
	batches    []store.PublishBatch

	snapshotSets map[uuid.UUID][]uuid.UUID
	activeSnap   *uuid.UUID

	appliedMigrations []store.Migration
	applyCalls        int

	publishedAttributes  map[string]bool
	publishedEntityTypes map[string]bool

	applyMigrationsFn func([]store.Migration) error
}

type reportRow struct {
	changeSetID uuid.UUID
	stage       string
	ok          bool
	reportJSON  []byte
}

func newMemStore() *memStore {
	return &memStore{
		changeSets:           make(map[uuid.UUID]store.ChangeSet),
		artifacts:            make(map[uuid.UUID][]store.Artifact),
		snapshotSets:         make(map[uuid.UUID][]uuid.UUID),
		publishedAttributes:  make(map[string]bool),
		publishedEntityTypes: make(map[string]bool),
	}
}

func (m *memStore) CreateChangeSet(_ context.Context, params store.CreateChangeSetParams) (store.ChangeSet, error) {
	cs := store.ChangeSet{
		ID:             uuid.New(),
		Status:         store.StatusDraft,
		Title:          params.Title,
		Rationale:      params.Rationale,
		CreatedBy:      params.CreatedBy,
		ContentHash:    params.ContentHash,
		HashVersion:    params.HashVersion,
		BreakingChange: params.BreakingChange,
		DependsOn:      params.DependsOn,
		Supersedes:     params.Supersedes,
	}
	m.changeSets[cs.ID] = cs
	return cs, nil
}

func (m *memStore) GetChangeSet(_ context.Context, id uuid.UUID) (store.ChangeSet, error) {
	cs, ok := m.changeSets[id]
	if !ok {
		return store.ChangeSet{}, fmt.Errorf("change set %s: %w", id, store.ErrNotFound)
	}
	return cs, nil
}

func (m *memStore) FindByContentHash(_ context.Context, hashVersion, contentHash string) (*store.ChangeSet, error) {
	for _, cs := range m.changeSets {
		if cs.HashVersion == hashVersion && cs.ContentHash == contentHash && !cs.Status.IsTerminal() {
			found := cs
			return &found, nil
		}
	}
	return nil, nil
}

func (m *memStore) UpdateChangeSetStatus(_ context.Context, id uuid.UUID, status store.ChangeSetStatus) error {
	cs, ok := m.changeSets[id]
	if !ok {
		return store.ErrNotFound
	}
	cs.Status = status
	m.changeSets[id] = cs
	return nil
}

func (m *memStore) SetEvaluatedAgainst(_ context.Context, id, snapshotSetID uuid.UUID) error {
	cs, ok := m.changeSets[id]
	if !ok {
		return store.ErrNotFound
	}
	cs.EvaluatedAgainst = &snapshotSetID
	m.changeSets[id] = cs
	return nil
}

func (m *memStore) MarkSuperseded(_ context.Context, oldID, newID uuid.UUID) error {
	cs, ok := m.changeSets[oldID]
	if !ok {
		return store.ErrNotFound
	}
	cs.Status = store.StatusSuperseded
	cs.SupersededBy = &newID
	m.changeSets[oldID] = cs
	return nil
}

func (m *memStore) ListChangeSets(_ context.Context, status *store.ChangeSetStatus, _ int) ([]store.ChangeSet, error) {
	var out []store.ChangeSet
	for _, cs := range m.changeSets {
		if status == nil || cs.Status == *status {
			out = append(out, cs)
		}
	}
	return out, nil
}

func (m *memStore) CountByStatus(_ context.Context) (map[store.ChangeSetStatus]int, error) {
	counts := make(map[store.ChangeSetStatus]int)
	for _, cs := range m.changeSets {
		counts[cs.Status]++
	}
	return counts, nil
}

func (m *memStore) FindStaleDryRuns(_ context.Context) ([]store.ChangeSet, error) {
	var out []store.ChangeSet
	for _, cs := range m.changeSets {
		if cs.Status != store.StatusDryRunPassed {
			continue
		}
		// IS DISTINCT FROM semantics: two NULLs are not distinct.
		if cs.EvaluatedAgainst == nil && m.activeSnap == nil {
			continue
		}
		if cs.EvaluatedAgainst != nil && m.activeSnap != nil && *cs.EvaluatedAgainst == *m.activeSnap {
			continue
		}
		out = append(out, cs)
	}
	return out, nil
}

func (m *memStore) InsertArtifacts(_ context.Context, changeSetID uuid.UUID, artifacts []store.Artifact) error {
	m.artifacts[changeSetID] = append(m.artifacts[changeSetID], artifacts...)
	return nil
}

func (m *memStore) GetArtifacts(_ context.Context, changeSetID uuid.UUID) ([]store.Artifact, error) {
	return m.artifacts[changeSetID], nil
}

func (m *memStore) HasPublishedAttribute(_ context.Context, fqn string) (bool, error) {
	return m.publishedAttributes[fqn], nil
}

func (m *memStore) HasPublishedEntityType(_ context.Context, entityType string) (bool, error) {
	return m.publishedEntityTypes[entityType], nil
}

func (m *memStore) InsertValidationReport(_ context.Context, changeSetID uuid.UUID, stage string, ok bool, reportJSON []byte) (uuid.UUID, error) {
	m.reports = append(m.reports, reportRow{changeSetID, stage, ok, reportJSON})
	return uuid.New(), nil
}

func (m *memStore) GetValidationReports(_ context.Context, changeSetID uuid.UUID) ([]store.ValidationReportRow, error) {
	var out []store.ValidationReportRow
	for _, r := range m.reports {
		if r.changeSetID == changeSetID {
			out = append(out, store.ValidationReportRow{
				ChangeSetID: r.changeSetID,
				Stage:       r.stage,
				OK:          r.ok,
				ReportJSON:  r.reportJSON,
			})
		}
	}
	return out, nil
}

func (m *memStore) GetActiveSnapshotSetID(_ context.Context) (*uuid.UUID, error) {
	return m.activeSnap, nil
}

func (m *memStore) CreateAndActivateSnapshotSet(_ context.Context, changeSetIDs []uuid.UUID, _ string) (uuid.UUID, error) {
	id := uuid.New()
	m.snapshotSets[id] = changeSetIDs
	m.activeSnap = &id
	return id, nil
}

func (m *memStore) ActivateSnapshotSet(_ context.Context, snapshotSetID uuid.UUID) error {
	if _, ok := m.snapshotSets[snapshotSetID]; !ok {
		return fmt.Errorf("snapshot set %s: %w", snapshotSetID, store.ErrNotFound)
	}
	m.activeSnap = &snapshotSetID
	return nil
}

func (m *memStore) GetSnapshotSetMembers(_ context.Context, snapshotSetID uuid.UUID) ([]uuid.UUID, error) {
	return m.snapshotSets[snapshotSetID], nil
}

func (m *memStore) ApplyMigrations(_ context.Context, migrations []store.Migration) error {
	if m.applyMigrationsFn != nil {
		return m.applyMigrationsFn(migrations)
	}
	m.applyCalls++
	m.appliedMigrations = append(m.appliedMigrations, migrations...)
	return nil
}

func (m *memStore) InsertPublishBatch(_ context.Context, batch store.PublishBatch) error {
	m.batches = append(m.batches, batch)
	return nil
}

func (m *memStore) InsertAuditEntry(_ context.Context, entry store.AuditEntry) error {
	m.audits = append(m.audits, entry)
	return nil
}

func (m *memStore) ListAuditEntries(_ context.Context, changeSetID *uuid.UUID, _ int) ([]store.AuditEntry, error) {
	var out []store.AuditEntry
	for _, e := range m.audits {
		if changeSetID == nil || (e.ChangeSetID != nil && *e.ChangeSetID == *changeSetID) {
			out = append(out, e)
		}
	}
	return out, nil
}

func (m *memStore) Ping(context.Context) error { return nil }

func (m *memStore) auditsByVerb(verb string) []store.AuditEntry {
	var out []store.AuditEntry
	for _, e := range m.audits {
		if e.Verb == verb {
			out = append(out, e)
		}
	}
	return out
}

// fakeScratch accepts every migration unless failPath matches one.
type fakeScratch struct {
	failPath string
	runs     int
}

func (f *fakeScratch) Run(_ context.Context, forward, down []store.Migration) ([]store.MigrationOutcome, error) {
	f.runs++
	var outcomes []store.MigrationOutcome
	run := func(m store.Migration) bool {
		if f.failPath != "" && m.Path == f.failPath {
			outcomes = append(outcomes, store.MigrationOutcome{Path: m.Path, Error: "syntax error"})
			return false
		}
		outcomes = append(outcomes, store.MigrationOutcome{Path: m.Path, OK: true})
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

// fakeLock grants or refuses the publish lock and counts releases.
type fakeLock struct {
	held     bool
	releases int
}

func (f *fakeLock) TryAcquire(context.Context) (func(), bool, error) {
	if f.held {
		return nil, false, nil
	}
	return func() { f.releases++ }, true, nil
}

func newTestService() (*Service, *memStore, *fakeScratch, *fakeLock) {
	st := newMemStore()
	scratch := &fakeScratch{}
	lk := &fakeLock{}
	return NewService(st, scratch, lk), st, scratch, lk
}

func validBundle(t *testing.T) bundle.Bundle {
	t.Helper()
	m := bundle.Manifest{
		Title: "add foo",
		Artifacts: []bundle.ManifestArtifact{
			{Type: "migration_sql", Path: "migrations/001.sql"},
			{Type: "attribute_json", Path: "attrs/foo.name.json"},
		},
	}
	b, err := bundle.Build(m, map[string]string{
		"migrations/001.sql":  "CREATE TABLE foo (id UUID PRIMARY KEY);",
		"attrs/foo.name.json": `{"fqn": "foo.name", "data_type": "text"}`,
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return b
}

func mustPropose(t *testing.T, svc *Service, b bundle.Bundle) store.ChangeSet {
	t.Helper()
	cs, err := svc.Propose(context.Background(), b, "tester")
	if err != nil {
		t.Fatalf("Propose failed: %v", err)
	}
	return cs
}

func advanceToDryRunPassed(t *testing.T, svc *Service, b bundle.Bundle) store.ChangeSet {
	t.Helper()
	ctx := context.Background()
	cs := mustPropose(t, svc, b)
	report, err := svc.Validate(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("expected validation to pass, got %+v", report.Errors)
	}
	dryRun, err := svc.DryRun(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if !dryRun.OK {
		t.Fatalf("expected dry-run to pass, got %+v", dryRun.Errors)
	}
	return cs
}

// ── Propose ────────────────────────────────────────────────────────

func TestProposeIdempotent(t *testing.T) {
	svc, st, _, _ := newTestService()
	b := validBundle(t)

	first := mustPropose(t, svc, b)
	second := mustPropose(t, svc, b)

	if first.ID != second.ID {
		t.Errorf("expected same change set id, got %s and %s", first.ID, second.ID)
	}
	if got := len(st.artifacts[first.ID]); got != 2 {
		t.Errorf("expected 2 artifacts, got %d", got)
	}
	audits := st.auditsByVerb("propose_change_set")
	if len(audits) != 2 {
		t.Fatalf("expected 2 propose audit entries, got %d", len(audits))
	}
	if !strings.Contains(audits[1].Result.Detail, "idempotent") {
		t.Errorf("second propose should audit the idempotent hit, got %+v", audits[1].Result)
	}
}

func TestProposeDistinguishesBreakingFlag(t *testing.T) {
	svc, st, _, _ := newTestService()

	m := bundle.Manifest{
		Title:     "drop legacy",
		Artifacts: []bundle.ManifestArtifact{{Type: "migration_sql", Path: "m.sql"}},
	}
	contents := map[string]string{"m.sql": "DROP TABLE legacy;"}

	plain, err := bundle.Build(m, contents)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	m.BreakingChange = true
	flagged, err := bundle.Build(m, contents)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	first := mustPropose(t, svc, plain)
	second := mustPropose(t, svc, flagged)

	if first.ID == second.ID {
		t.Fatal("adding breaking_change must mint a new change set, not dedupe")
	}
	if !st.changeSets[second.ID].BreakingChange {
		t.Error("the flagged draft must carry breaking_change=true")
	}
}

func TestProposeAfterRejectionCreatesNewDraft(t *testing.T) {
	svc, st, _, _ := newTestService()
	b := validBundle(t)
	ctx := context.Background()

	first := mustPropose(t, svc, b)
	// Force a terminal state; the dedupe index only covers open rows.
	if err := st.UpdateChangeSetStatus(ctx, first.ID, store.StatusRejected); err != nil {
		t.Fatal(err)
	}

	second := mustPropose(t, svc, b)
	if first.ID == second.ID {
		t.Error("a terminal change set must not satisfy the idempotency check")
	}
}

// ── State-machine closure ──────────────────────────────────────────

func TestValidateRequiresDraft(t *testing.T) {
	svc, st, _, _ := newTestService()
	cs := mustPropose(t, svc, validBundle(t))
	ctx := context.Background()

	if _, err := svc.Validate(ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("first Validate failed: %v", err)
	}

	_, err := svc.Validate(ctx, cs.ID, "tester")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeInvalidState {
		t.Fatalf("expected %s, got %v", codeInvalidState, err)
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusValidated {
		t.Errorf("status should stay validated, got %s", got)
	}
	// The failure itself is audited.
	found := false
	for _, e := range st.auditsByVerb("validate_change_set") {
		if !e.Result.OK && e.Result.Code == codeInvalidState {
			found = true
		}
	}
	if !found {
		t.Error("expected a failure audit entry for the rejected transition")
	}
}

func TestDryRunRequiresValidated(t *testing.T) {
	svc, _, _, _ := newTestService()
	cs := mustPropose(t, svc, validBundle(t))

	_, err := svc.DryRun(context.Background(), cs.ID, "tester")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeInvalidState {
		t.Fatalf("expected %s, got %v", codeInvalidState, err)
	}
}

func TestPublishRequiresDryRunPassed(t *testing.T) {
	svc, st, _, _ := newTestService()
	cs := mustPropose(t, svc, validBundle(t))

	_, err := svc.Publish(context.Background(), cs.ID, "tester")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeInvalidState {
		t.Fatalf("expected %s, got %v", codeInvalidState, err)
	}
	if st.applyCalls != 0 {
		t.Error("no migrations may run on a precondition failure")
	}
}

// ── Validate ───────────────────────────────────────────────────────

func TestValidateRejectsBrokenBundle(t *testing.T) {
	svc, st, _, _ := newTestService()
	m := bundle.Manifest{
		Title:     "broken",
		Artifacts: []bundle.ManifestArtifact{{Type: "migration_sql", Path: "bad.sql"}},
	}
	b, err := bundle.Build(m, map[string]string{"bad.sql": "CREATE TABL nope (;"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	cs := mustPropose(t, svc, b)

	report, err := svc.Validate(context.Background(), cs.ID, "tester")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if report.OK {
		t.Fatal("expected validation failure")
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusRejected {
		t.Errorf("expected rejected, got %s", got)
	}
	if len(st.reports) != 1 || st.reports[0].stage != store.StageValidate {
		t.Errorf("expected one persisted validate report, got %+v", st.reports)
	}
}

func TestValidateWarningsDoNotBlock(t *testing.T) {
	svc, st, _, _ := newTestService()
	m := bundle.Manifest{
		Title:     "drop",
		Artifacts: []bundle.ManifestArtifact{{Type: "migration_sql", Path: "m.sql"}},
	}
	b, err := bundle.Build(m, map[string]string{"m.sql": "DROP TABLE legacy;"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	cs := mustPropose(t, svc, b)

	report, err := svc.Validate(context.Background(), cs.ID, "tester")
	if err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("warnings must not fail stage 1, got %+v", report.Errors)
	}
	if len(report.Warnings) == 0 {
		t.Error("expected a DDL warning")
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusValidated {
		t.Errorf("expected validated, got %s", got)
	}
}

// ── Dry run ────────────────────────────────────────────────────────

func TestDryRunStampsEvaluatedAgainstEvenOnFailure(t *testing.T) {
	svc, st, scratch, _ := newTestService()
	active := uuid.New()
	st.snapshotSets[active] = nil
	st.activeSnap = &active
	scratch.failPath = "migrations/001.sql"

	cs := mustPropose(t, svc, validBundle(t))
	ctx := context.Background()
	if _, err := svc.Validate(ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	report, err := svc.DryRun(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if report.OK {
		t.Fatal("expected dry-run failure")
	}
	got := st.changeSets[cs.ID]
	if got.Status != store.StatusDryRunFailed {
		t.Errorf("expected dry_run_failed, got %s", got.Status)
	}
	if got.EvaluatedAgainst == nil || *got.EvaluatedAgainst != active {
		t.Error("evaluated_against must be stamped even when the dry-run fails")
	}
}

func TestDryRunEscalatesDDLWithoutBreakingFlag(t *testing.T) {
	svc, st, _, _ := newTestService()
	m := bundle.Manifest{
		Title:     "drop without flag",
		Artifacts: []bundle.ManifestArtifact{{Type: "migration_sql", Path: "m.sql"}},
	}
	b, err := bundle.Build(m, map[string]string{"m.sql": "DROP TABLE legacy;"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	cs := mustPropose(t, svc, b)
	ctx := context.Background()
	if _, err := svc.Validate(ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	report, err := svc.DryRun(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if report.OK {
		t.Fatal("destructive DDL without breaking_change must fail the dry-run")
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusDryRunFailed {
		t.Errorf("expected dry_run_failed, got %s", got)
	}
}

func TestDryRunAllowsDDLWithBreakingFlag(t *testing.T) {
	svc, _, _, _ := newTestService()
	m := bundle.Manifest{
		Title:          "drop with flag",
		BreakingChange: true,
		Artifacts:      []bundle.ManifestArtifact{{Type: "migration_sql", Path: "m.sql"}},
	}
	b, err := bundle.Build(m, map[string]string{"m.sql": "DROP TABLE legacy;"})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	cs := mustPropose(t, svc, b)
	ctx := context.Background()
	if _, err := svc.Validate(ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	report, err := svc.DryRun(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if !report.OK {
		t.Fatalf("declared breaking change should pass, got %+v", report.Errors)
	}
}

func TestDryRunExercisesScratchSchema(t *testing.T) {
	svc, _, scratch, _ := newTestService()
	cs := mustPropose(t, svc, validBundle(t))
	ctx := context.Background()
	if _, err := svc.Validate(ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	report, err := svc.DryRun(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if scratch.runs != 1 {
		t.Errorf("expected one scratch run, got %d", scratch.runs)
	}
	if len(report.MigrationResults) != 1 || !report.MigrationResults[0].OK {
		t.Errorf("expected one passing migration outcome, got %+v", report.MigrationResults)
	}
}

func TestDryRunChecksRegistryReferences(t *testing.T) {
	svc, st, _, _ := newTestService()
	m := bundle.Manifest{
		Title:     "verb referencing unknown attribute",
		Artifacts: []bundle.ManifestArtifact{{Type: "verb_yaml", Path: "verbs/v.yaml"}},
	}
	b, err := bundle.Build(m, map[string]string{
		"verbs/v.yaml": "fqn: order.create\ndescription: d\nrequired_attributes: [order.total]\n",
	})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	cs := mustPropose(t, svc, b)
	ctx := context.Background()
	if _, err := svc.Validate(ctx, cs.ID, "tester"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}

	report, err := svc.DryRun(ctx, cs.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if report.OK {
		t.Fatal("unknown attribute reference must fail the dry-run")
	}

	// Same bundle passes once the attribute is in the published registry.
	st.publishedAttributes["order.total"] = true
	cs2 := mustPropose(t, svc, mutateTitle(t, b, "second attempt"))
	if _, err := svc.Validate(ctx, cs2.ID, "tester"); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	report2, err := svc.DryRun(ctx, cs2.ID, "tester")
	if err != nil {
		t.Fatalf("DryRun failed: %v", err)
	}
	if !report2.OK {
		t.Fatalf("registry-resolved reference should pass, got %+v", report2.Errors)
	}
}

func mutateTitle(t *testing.T, b bundle.Bundle, title string) bundle.Bundle {
	t.Helper()
	m := b.Manifest
	m.Title = title
	contents := make(map[string]string, len(b.Artifacts))
	for _, a := range b.Artifacts {
		contents[a.Path] = a.Content
	}
	rebuilt, err := bundle.Build(m, contents)
	if err != nil {
		t.Fatalf("rebuild failed: %v", err)
	}
	return rebuilt
}

// ── Plan publish ───────────────────────────────────────────────────

func TestPlanPublishReportsStaleness(t *testing.T) {
	svc, st, _, _ := newTestService()
	cs := advanceToDryRunPassed(t, svc, validBundle(t))
	ctx := context.Background()

	// Fresh registry: nothing published yet, so nothing to be stale against.
	plan, err := svc.PlanPublish(ctx, cs.ID)
	if err != nil {
		t.Fatalf("PlanPublish failed: %v", err)
	}
	if plan.StaleDryRun {
		t.Error("plan must not be stale on a registry with no active snapshot")
	}
	if plan.MigrationCount != 1 || plan.DownMigrationCount != 0 {
		t.Errorf("unexpected migration counts: %+v", plan)
	}

	// Another publish activates a snapshot the dry-run never saw.
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "rival"); err != nil {
		t.Fatal(err)
	}
	plan, err = svc.PlanPublish(ctx, cs.ID)
	if err != nil {
		t.Fatalf("PlanPublish failed: %v", err)
	}
	if !plan.StaleDryRun {
		t.Error("plan should be stale once the active snapshot moved")
	}

	// Re-stamping the evaluation clears the staleness.
	if err := st.SetEvaluatedAgainst(ctx, cs.ID, *st.activeSnap); err != nil {
		t.Fatal(err)
	}
	plan, err = svc.PlanPublish(ctx, cs.ID)
	if err != nil {
		t.Fatalf("PlanPublish failed: %v", err)
	}
	if plan.StaleDryRun {
		t.Error("plan should not be stale when evaluation matches active")
	}
}

// ── Publish ────────────────────────────────────────────────────────

func TestPublishBootstrapsEmptyRegistry(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	// No snapshot set has ever been minted; the first publish must still go
	// through.
	cs := advanceToDryRunPassed(t, svc, validBundle(t))

	batch, err := svc.Publish(ctx, cs.ID, "publisher")
	if err != nil {
		t.Fatalf("first-ever publish failed: %v", err)
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusPublished {
		t.Errorf("expected published, got %s", got)
	}
	if st.activeSnap == nil || *st.activeSnap != batch.SnapshotSetID {
		t.Error("the first publish must mint and activate a snapshot set")
	}
}

func TestPublishEndToEnd(t *testing.T) {
	svc, st, _, lk := newTestService()
	ctx := context.Background()

	// Seed an active snapshot before dry-run so drift comparison has a
	// baseline.
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}

	cs := advanceToDryRunPassed(t, svc, validBundle(t))

	batch, err := svc.Publish(ctx, cs.ID, "publisher")
	if err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	if got := st.changeSets[cs.ID].Status; got != store.StatusPublished {
		t.Errorf("expected published, got %s", got)
	}
	if len(st.appliedMigrations) != 1 {
		t.Errorf("expected 1 applied migration, got %d", len(st.appliedMigrations))
	}
	if st.activeSnap == nil || *st.activeSnap != batch.SnapshotSetID {
		t.Error("the minted snapshot set must be active")
	}
	if members := st.snapshotSets[batch.SnapshotSetID]; len(members) != 1 || members[0] != cs.ID {
		t.Errorf("snapshot set must contain the change set, got %v", members)
	}
	if len(st.batches) != 1 {
		t.Errorf("expected 1 publish batch record, got %d", len(st.batches))
	}
	if lk.releases != 1 {
		t.Errorf("lock must be released exactly once, got %d", lk.releases)
	}

	var successAudits int
	for _, e := range st.auditsByVerb("publish_snapshot_set") {
		if e.Result.OK {
			successAudits++
		}
	}
	if successAudits != 1 {
		t.Errorf("expected exactly one success publish audit, got %d", successAudits)
	}
}

func TestPublishMigrationFailureLeavesStatus(t *testing.T) {
	svc, st, _, lk := newTestService()
	ctx := context.Background()
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}
	cs := advanceToDryRunPassed(t, svc, validBundle(t))

	st.applyMigrationsFn = func([]store.Migration) error {
		return errors.New("deadlock detected")
	}
	if _, err := svc.Publish(ctx, cs.ID, "publisher"); err == nil {
		t.Fatal("expected publish to surface the migration failure")
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusDryRunPassed {
		t.Errorf("status must not flip when migrations fail, got %s", got)
	}
	if lk.releases != 1 {
		t.Errorf("lock must still be released on failure, got %d releases", lk.releases)
	}
}

func TestPublishDriftBlocks(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}
	cs := advanceToDryRunPassed(t, svc, validBundle(t))

	// Another publisher advances the active snapshot after our dry-run.
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "rival"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Publish(ctx, cs.ID, "publisher")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeDriftDetected {
		t.Fatalf("expected %s, got %v", codeDriftDetected, err)
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusDryRunPassed {
		t.Errorf("status must remain dry_run_passed after drift, got %s", got)
	}
	if st.applyCalls != 0 {
		t.Error("no migrations may run after drift detection")
	}

	found := false
	for _, e := range st.auditsByVerb("publish_snapshot_set") {
		if !e.Result.OK && e.Result.Code == codeDriftDetected {
			found = true
		}
	}
	if !found {
		t.Error("drift rejection must be audited")
	}
}

func TestPublishDriftWhenSnapshotAppearsAfterDryRun(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	// Dry-run on an empty registry leaves no evaluation stamp.
	cs := advanceToDryRunPassed(t, svc, validBundle(t))

	// A rival publish mints the first snapshot before we get to publish.
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "rival"); err != nil {
		t.Fatal(err)
	}

	_, err := svc.Publish(ctx, cs.ID, "publisher")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeDriftDetected {
		t.Fatalf("expected %s, got %v", codeDriftDetected, err)
	}
	if st.applyCalls != 0 {
		t.Error("no migrations may run after drift detection")
	}
}

func TestPublishLockContention(t *testing.T) {
	svc, st, _, lk := newTestService()
	ctx := context.Background()
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}
	cs := advanceToDryRunPassed(t, svc, validBundle(t))

	lk.held = true
	_, err := svc.Publish(ctx, cs.ID, "publisher")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeLockContention {
		t.Fatalf("expected %s, got %v", codeLockContention, err)
	}
	if st.applyCalls != 0 {
		t.Error("no migrations may run under lock contention")
	}
	if got := st.changeSets[cs.ID].Status; got != store.StatusDryRunPassed {
		t.Errorf("status must remain dry_run_passed, got %s", got)
	}

	found := false
	for _, e := range st.auditsByVerb("publish_snapshot_set") {
		if !e.Result.OK && e.Result.Code == codeLockContention {
			found = true
		}
	}
	if !found {
		t.Error("lock contention must be audited")
	}
}

func TestPublishMarksSupersession(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}

	old := advanceToDryRunPassed(t, svc, validBundle(t))

	m := bundle.Manifest{
		Title:      "replacement",
		Supersedes: old.ID.String(),
		Artifacts:  []bundle.ManifestArtifact{{Type: "doc_json", Path: "docs/a.json"}},
	}
	b, err := bundle.Build(m, map[string]string{"docs/a.json": `{"title": "a"}`})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	replacement := advanceToDryRunPassed(t, svc, b)

	if _, err := svc.Publish(ctx, replacement.ID, "publisher"); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	got := st.changeSets[old.ID]
	if got.Status != store.StatusSuperseded {
		t.Errorf("expected superseded, got %s", got.Status)
	}
	if got.SupersededBy == nil || *got.SupersededBy != replacement.ID {
		t.Error("superseded_by must point at the replacement")
	}
}

// ── Publish batch ──────────────────────────────────────────────────

func batchBundle(t *testing.T, title, migrationSQL string, dependsOn ...uuid.UUID) bundle.Bundle {
	t.Helper()
	m := bundle.Manifest{
		Title:     title,
		Artifacts: []bundle.ManifestArtifact{{Type: "migration_sql", Path: "m.sql"}},
	}
	for _, dep := range dependsOn {
		m.DependsOn = append(m.DependsOn, dep.String())
	}
	b, err := bundle.Build(m, map[string]string{"m.sql": migrationSQL})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	return b
}

func TestPublishBatchAppliesInDependencyOrder(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}

	x := advanceToDryRunPassed(t, svc, batchBundle(t, "x", "CREATE TABLE x (id INT);"))
	y := advanceToDryRunPassed(t, svc, batchBundle(t, "y", "CREATE TABLE y (id INT);", x.ID))

	// Input order reversed; dependency order must win.
	batch, err := svc.PublishBatch(ctx, []uuid.UUID{y.ID, x.ID}, "publisher")
	if err != nil {
		t.Fatalf("PublishBatch failed: %v", err)
	}

	if len(batch.ChangeSetIDs) != 2 || batch.ChangeSetIDs[0] != x.ID || batch.ChangeSetIDs[1] != y.ID {
		t.Errorf("expected [x y] order, got %v", batch.ChangeSetIDs)
	}
	if len(st.appliedMigrations) != 2 ||
		!strings.Contains(st.appliedMigrations[0].SQL, "TABLE x") ||
		!strings.Contains(st.appliedMigrations[1].SQL, "TABLE y") {
		t.Errorf("migrations out of order: %v", st.appliedMigrations)
	}
	if st.applyCalls != 1 {
		t.Errorf("batch migrations must go through one apply call, got %d", st.applyCalls)
	}
	for _, id := range []uuid.UUID{x.ID, y.ID} {
		if got := st.changeSets[id].Status; got != store.StatusPublished {
			t.Errorf("change set %s: expected published, got %s", id, got)
		}
	}
	if members := st.snapshotSets[batch.SnapshotSetID]; len(members) != 2 {
		t.Errorf("expected one snapshot set covering both members, got %v", members)
	}
	if audits := st.auditsByVerb("publish_batch"); len(audits) != 1 || !audits[0].Result.OK {
		t.Errorf("expected one success batch audit, got %+v", audits)
	}
}

func TestPublishBatchCycleFailsBeforeSideEffects(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	x := advanceToDryRunPassed(t, svc, batchBundle(t, "x", "CREATE TABLE x (id INT);"))
	y := advanceToDryRunPassed(t, svc, batchBundle(t, "y", "CREATE TABLE y (id INT);", x.ID))

	// Close the loop: x now depends on y.
	cs := st.changeSets[x.ID]
	cs.DependsOn = []uuid.UUID{y.ID}
	st.changeSets[x.ID] = cs

	_, err := svc.PublishBatch(ctx, []uuid.UUID{x.ID, y.ID}, "publisher")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeCircularDependency {
		t.Fatalf("expected %s, got %v", codeCircularDependency, err)
	}
	if st.applyCalls != 0 {
		t.Error("a cyclic batch must not apply any migration")
	}
	for _, id := range []uuid.UUID{x.ID, y.ID} {
		if got := st.changeSets[id].Status; got != store.StatusDryRunPassed {
			t.Errorf("change set %s: status must be unchanged, got %s", id, got)
		}
	}
	audits := st.auditsByVerb("publish_batch")
	if len(audits) != 1 || audits[0].Result.OK || audits[0].Result.Code != codeCircularDependency {
		t.Errorf("expected one %s failure audit, got %+v", codeCircularDependency, audits)
	}
}

func TestPublishBatchRejectsEmpty(t *testing.T) {
	svc, st, _, _ := newTestService()

	_, err := svc.PublishBatch(context.Background(), nil, "publisher")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeEmptyBatch {
		t.Fatalf("expected %s, got %v", codeEmptyBatch, err)
	}
	audits := st.auditsByVerb("publish_batch")
	if len(audits) != 1 || audits[0].Result.OK || audits[0].Result.Code != codeEmptyBatch {
		t.Errorf("expected one %s failure audit, got %+v", codeEmptyBatch, audits)
	}
}

func TestPublishBatchRejectsNonDryRunPassedMember(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	ready := advanceToDryRunPassed(t, svc, batchBundle(t, "ready", "CREATE TABLE r (id INT);"))
	draft := mustPropose(t, svc, batchBundle(t, "draft", "CREATE TABLE d (id INT);"))

	_, err := svc.PublishBatch(ctx, []uuid.UUID{ready.ID, draft.ID}, "publisher")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeInvalidState {
		t.Fatalf("expected %s, got %v", codeInvalidState, err)
	}
	if st.applyCalls != 0 {
		t.Error("a non-conforming member must abort the whole batch")
	}
	audits := st.auditsByVerb("publish_batch")
	if len(audits) != 1 || audits[0].Result.OK || audits[0].Result.Code != codeInvalidState {
		t.Fatalf("expected one %s failure audit, got %+v", codeInvalidState, audits)
	}
	if audits[0].ChangeSetID == nil || *audits[0].ChangeSetID != draft.ID {
		t.Errorf("failure audit must name the offending member, got %+v", audits[0].ChangeSetID)
	}
}

// ── Diff and rollback ──────────────────────────────────────────────

func TestDiffBetweenChangeSets(t *testing.T) {
	svc, _, _, _ := newTestService()
	ctx := context.Background()

	base := mustPropose(t, svc, batchBundle(t, "base", "CREATE TABLE a (id INT);"))
	target := mustPropose(t, svc, batchBundle(t, "target", "CREATE TABLE a (id BIGINT);"))

	summary, err := svc.Diff(ctx, base.ID, target.ID)
	if err != nil {
		t.Fatalf("Diff failed: %v", err)
	}
	if len(summary.Modified) != 1 {
		t.Errorf("expected one modified artifact, got %+v", summary)
	}
	if !summary.HasBreaking() {
		t.Error("rewritten migration must be flagged breaking")
	}
}

func TestRollbackRevertsPointer(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	first, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "later"); err != nil {
		t.Fatal(err)
	}

	if err := svc.Rollback(ctx, first, "operator"); err != nil {
		t.Fatalf("Rollback failed: %v", err)
	}
	if st.activeSnap == nil || *st.activeSnap != first {
		t.Error("active pointer must revert to the earlier snapshot set")
	}
	if st.applyCalls != 0 {
		t.Error("rollback must not run migrations")
	}
	if audits := st.auditsByVerb("rollback_snapshot_set"); len(audits) != 1 || !audits[0].Result.OK {
		t.Errorf("expected one success rollback audit, got %+v", audits)
	}
}

func TestRollbackRejectsActiveSet(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	active, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed")
	if err != nil {
		t.Fatal(err)
	}
	err = svc.Rollback(ctx, active, "operator")
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != codeAlreadyActive {
		t.Fatalf("expected %s, got %v", codeAlreadyActive, err)
	}
	if domainErr.Status != http.StatusConflict {
		t.Errorf("re-activating the active set is a conflict, got status %d", domainErr.Status)
	}
	audits := st.auditsByVerb("rollback_snapshot_set")
	if len(audits) != 1 || audits[0].Result.OK || audits[0].Result.Code != codeAlreadyActive {
		t.Fatalf("expected one %s failure audit, got %+v", codeAlreadyActive, audits)
	}
	if audits[0].SnapshotSetID == nil || *audits[0].SnapshotSetID != active {
		t.Errorf("failure audit must name the snapshot set, got %+v", audits[0].SnapshotSetID)
	}
}

// ── Stale dry-run listing ──────────────────────────────────────────

func TestListStaleDryRuns(t *testing.T) {
	svc, st, _, _ := newTestService()
	ctx := context.Background()

	if _, err := st.CreateAndActivateSnapshotSet(ctx, nil, "seed"); err != nil {
		t.Fatal(err)
	}
	fresh := advanceToDryRunPassed(t, svc, batchBundle(t, "fresh", "CREATE TABLE f (id INT);"))
	stale := advanceToDryRunPassed(t, svc, batchBundle(t, "stale", "CREATE TABLE s (id INT);"))

	// Advance the active snapshot, then re-stamp only one member.
	next, err := st.CreateAndActivateSnapshotSet(ctx, nil, "advance")
	if err != nil {
		t.Fatal(err)
	}
	if err := st.SetEvaluatedAgainst(ctx, fresh.ID, next); err != nil {
		t.Fatal(err)
	}

	items, err := svc.ListStaleDryRuns(ctx)
	if err != nil {
		t.Fatalf("ListStaleDryRuns failed: %v", err)
	}
	if len(items) != 1 || items[0].ID != stale.ID {
		t.Errorf("expected only the stale change set, got %v", items)
	}
}
