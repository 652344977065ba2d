package store

import (
	"time"

	"github.com/google/uuid"
)

// ChangeSetStatus is the lifecycle state of a ChangeSet. Transitions are
// owned exclusively by the governance verb service.
type ChangeSetStatus string

const (
	StatusDraft        ChangeSetStatus = "draft"
	StatusValidated    ChangeSetStatus = "validated"
	StatusRejected     ChangeSetStatus = "rejected"
	StatusDryRunPassed ChangeSetStatus = "dry_run_passed"
	StatusDryRunFailed ChangeSetStatus = "dry_run_failed"
	StatusPublished    ChangeSetStatus = "published"
	StatusSuperseded   ChangeSetStatus = "superseded"
)

// IsTerminal reports whether a ChangeSet in this status can never move again.
func (s ChangeSetStatus) IsTerminal() bool {
	switch s {
	case StatusRejected, StatusDryRunFailed, StatusPublished, StatusSuperseded:
		return true
	}
	return false
}

// ArtifactType identifies the payload kind of a bundle artifact. Adding a
// type means extending this enum plus one Stage 1 syntax check.
type ArtifactType string

const (
	ArtifactMigrationSQL     ArtifactType = "migration_sql"
	ArtifactMigrationDownSQL ArtifactType = "migration_down_sql"
	ArtifactVerbYAML         ArtifactType = "verb_yaml"
	ArtifactAttributeJSON    ArtifactType = "attribute_json"
	ArtifactTaxonomyJSON     ArtifactType = "taxonomy_json"
	ArtifactDocJSON          ArtifactType = "doc_json"
)

// ParseArtifactType maps a manifest type string to an ArtifactType.
func ParseArtifactType(s string) (ArtifactType, bool) {
	switch ArtifactType(s) {
	case ArtifactMigrationSQL, ArtifactMigrationDownSQL, ArtifactVerbYAML,
		ArtifactAttributeJSON, ArtifactTaxonomyJSON, ArtifactDocJSON:
		return ArtifactType(s), true
	}
	return "", false
}

// ChangeSet is the unit of governance: a proposed bundle travelling through
// the staged approval pipeline. Never deleted, only superseded.
type ChangeSet struct {
	ID               uuid.UUID
	Status           ChangeSetStatus
	Title            string
	Rationale        string
	CreatedBy        string
	ContentHash      string
	HashVersion      string
	BreakingChange   bool
	DependsOn        []uuid.UUID
	Supersedes       *uuid.UUID
	SupersededBy     *uuid.UUID
	SupersededAt     *time.Time
	EvaluatedAgainst *uuid.UUID // snapshot set the last dry-run was evaluated against
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Artifact is one file-like unit inside a ChangeSet bundle. Inserted once at
// propose time, immutable thereafter.
type Artifact struct {
	ID          uuid.UUID
	ChangeSetID uuid.UUID
	Type        ArtifactType
	Ordinal     int
	Path        string
	Content     string
	ContentHash string
}

// ValidationReportRow is a persisted validation outcome for one
// (ChangeSet, stage) pair. ReportJSON holds the full report verbatim.
type ValidationReportRow struct {
	ID          uuid.UUID
	ChangeSetID uuid.UUID
	Stage       string
	OK          bool
	ReportJSON  []byte
	RanAt       time.Time
}

// Validation stages persisted alongside reports.
const (
	StageValidate = "validate"
	StageDryRun   = "dry_run"
)

// PublishBatch records one successful publish transaction.
type PublishBatch struct {
	ID            uuid.UUID
	ChangeSetIDs  []uuid.UUID
	SnapshotSetID uuid.UUID
	PublishedAt   time.Time
	Publisher     string
}

// SnapshotSet is the store-owned handle for "the currently live
// configuration". The governance service treats it as opaque.
type SnapshotSet struct {
	ID          uuid.UUID
	Description string
	CreatedBy   string
	CreatedAt   time.Time
}

// AuditResult is the outcome recorded on a governance audit entry.
type AuditResult struct {
	OK      bool   `json:"ok"`
	Detail  string `json:"detail,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// AuditEntry is one immutable row in the governance audit log.
type AuditEntry struct {
	ID             uuid.UUID
	Timestamp      time.Time
	Verb           string
	Actor          string
	ChangeSetID    *uuid.UUID
	SnapshotSetID  *uuid.UUID
	ActiveSnapshot *uuid.UUID // snapshot set considered active when the verb ran
	Result         AuditResult
	DurationMillis int64
	Metadata       map[string]any
}
