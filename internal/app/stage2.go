package app

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"semreg/api/internal/store"
	"semreg/api/internal/validate"
)

// DryRunReport is the Stage 2 outcome: scratch-schema migration results plus
// registry-aware checks, in the same error shape as Stage 1.
type DryRunReport struct {
	OK               bool                     `json:"ok"`
	Errors           []validate.Issue         `json:"errors"`
	Warnings         []validate.Issue         `json:"warnings"`
	MigrationResults []store.MigrationOutcome `json:"migration_results"`
	EvaluatedAgainst *uuid.UUID               `json:"evaluated_against_snapshot_set_id,omitempty"`
}

// runStage2 continues Stage 1 with database access: migrations run in a
// scratch schema (forward then down, so reversibility is exercised),
// deferred reference checks resolve against the published registry, and the
// Stage 1 DDL warnings escalate to errors unless the ChangeSet declares a
// breaking change.
func (s *Service) runStage2(ctx context.Context, cs store.ChangeSet, artifacts []store.Artifact) (DryRunReport, error) {
	var report DryRunReport

	stage1 := validate.Stage1(manifestFor(cs, artifacts), artifacts)
	report.Errors = append(report.Errors, stage1.Errors...)
	for _, w := range stage1.Warnings {
		if isDDLWarning(w.Code) && !cs.BreakingChange {
			w.Severity = validate.SeverityError
			report.Errors = append(report.Errors, w)
			continue
		}
		report.Warnings = append(report.Warnings, w)
	}

	outcomes, err := s.scratch.Run(ctx, forwardMigrations(artifacts), downMigrations(artifacts))
	if err != nil {
		return DryRunReport{}, fmt.Errorf("scratch run: %w", err)
	}
	report.MigrationResults = outcomes
	for _, outcome := range outcomes {
		if !outcome.OK {
			report.Errors = append(report.Errors, validate.Issue{
				Code:         validate.CodeMigrationFailed,
				Severity:     validate.SeverityError,
				Message:      fmt.Sprintf("Migration failed in scratch schema: %s", outcome.Error),
				ArtifactPath: outcome.Path,
			})
		}
	}

	refIssues, err := s.checkRegistryReferences(ctx, artifacts)
	if err != nil {
		return DryRunReport{}, err
	}
	report.Errors = append(report.Errors, refIssues...)

	report.OK = len(report.Errors) == 0
	return report, nil
}

func isDDLWarning(code string) bool {
	return code == validate.CodeNonTransactionalDDL || code == validate.CodeForbiddenDDL
}

// checkRegistryReferences resolves the references Stage 1 deferred: contract
// subject types and required attributes must exist either in this bundle or
// in the published registry.
func (s *Service) checkRegistryReferences(ctx context.Context, artifacts []store.Artifact) ([]validate.Issue, error) {
	declaredAttributes := make(map[string]bool)
	declaredEntityTypes := make(map[string]bool)
	for _, a := range artifacts {
		switch a.Type {
		case store.ArtifactAttributeJSON:
			if fqn := jsonStringField(a.Content, "fqn"); fqn != "" {
				declaredAttributes[fqn] = true
			}
		case store.ArtifactTaxonomyJSON:
			if entityType := jsonStringField(a.Content, "entity_type"); entityType != "" {
				declaredEntityTypes[entityType] = true
			}
		}
	}

	var issues []validate.Issue
	for _, a := range artifacts {
		if a.Type != store.ArtifactVerbYAML {
			continue
		}
		var contract map[string]any
		if err := yaml.Unmarshal([]byte(a.Content), &contract); err != nil {
			continue // syntax errors already reported
		}

		if subjectType, ok := contract["subject_entity_type"].(string); ok && !declaredEntityTypes[subjectType] {
			exists, err := s.store.HasPublishedEntityType(ctx, subjectType)
			if err != nil {
				return nil, err
			}
			if !exists {
				issues = append(issues, validate.Issue{
					Code:         validate.CodeMissingEntity,
					Severity:     validate.SeverityError,
					Message:      fmt.Sprintf("Entity type %q not found in bundle or registry", subjectType),
					ArtifactPath: a.Path,
				})
			}
		}

		required, _ := contract["required_attributes"].([]any)
		for _, raw := range required {
			fqn, ok := raw.(string)
			if !ok || declaredAttributes[fqn] {
				continue
			}
			exists, err := s.store.HasPublishedAttribute(ctx, fqn)
			if err != nil {
				return nil, err
			}
			if !exists {
				issues = append(issues, validate.Issue{
					Code:         validate.CodeMissingAttribute,
					Severity:     validate.SeverityError,
					Message:      fmt.Sprintf("Attribute %q not found in bundle or registry", fqn),
					ArtifactPath: a.Path,
				})
			}
		}
	}
	return issues, nil
}

func jsonStringField(content, field string) string {
	var value map[string]any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		return ""
	}
	s, _ := value[field].(string)
	return s
}
