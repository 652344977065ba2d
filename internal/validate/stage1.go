package validate

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/auxten/postgresql-parser/pkg/sql/parser"
	"gopkg.in/yaml.v3"

	"semreg/api/internal/bundle"
	"semreg/api/internal/hash"
	"semreg/api/internal/store"
)

// Stage1 runs pure validation on a manifest plus its artifact bundle.
//
// Three phases:
//  1. Artifact integrity (hash verification, syntax parsing)
//  2. Reference resolution (duplicate dependency detection)
//  3. Semantic consistency (DDL screening, contract and attribute shape)
func Stage1(m bundle.Manifest, artifacts []store.Artifact) Report {
	var errors, warnings []Issue

	checkArtifactIntegrity(m, artifacts, &errors, &warnings)
	checkReferences(m, &errors)
	checkSemantics(artifacts, &errors, &warnings)

	return Report{
		OK:       len(errors) == 0,
		Errors:   errors,
		Warnings: warnings,
	}
}

// ── Phase 1: artifact integrity ────────────────────────────────────

func checkArtifactIntegrity(m bundle.Manifest, artifacts []store.Artifact, errors, warnings *[]Issue) {
	byPath := make(map[string]store.Artifact, len(artifacts))
	for _, a := range artifacts {
		byPath[a.Path] = a
	}

	for _, entry := range m.Artifacts {
		artifact, ok := byPath[entry.Path]
		if !ok {
			*errors = append(*errors, Issue{
				Code:         CodeHashMissingArtifact,
				Severity:     SeverityError,
				Message:      fmt.Sprintf("Artifact declared in manifest not found in bundle: %s", entry.Path),
				ArtifactPath: entry.Path,
			})
			continue
		}

		if entry.ContentHash != "" {
			computed := hash.Artifact(string(artifact.Type), artifact.Content)
			if computed != entry.ContentHash {
				*errors = append(*errors, Issue{
					Code:     CodeHashMismatch,
					Severity: SeverityError,
					Message: fmt.Sprintf("Hash mismatch for %s: declared=%s, computed=%s",
						entry.Path, entry.ContentHash, computed),
					ArtifactPath: entry.Path,
				})
			}
		}

		switch artifact.Type {
		case store.ArtifactMigrationSQL, store.ArtifactMigrationDownSQL:
			checkSQLSyntax(artifact.Content, entry.Path, errors)
		case store.ArtifactVerbYAML:
			checkYAMLSyntax(artifact.Content, entry.Path, errors)
		case store.ArtifactAttributeJSON, store.ArtifactTaxonomyJSON, store.ArtifactDocJSON:
			checkJSONSyntax(artifact.Content, entry.Path, errors)
		}
	}

	// Orphans: present in the bundle but not declared in the manifest.
	declared := make(map[string]bool, len(m.Artifacts))
	for _, entry := range m.Artifacts {
		declared[entry.Path] = true
	}
	for _, a := range artifacts {
		if !declared[a.Path] {
			*warnings = append(*warnings, Issue{
				Code:         CodeOrphanArtifact,
				Severity:     SeverityWarning,
				Message:      fmt.Sprintf("Artifact present in bundle but not declared in manifest: %s", a.Path),
				ArtifactPath: a.Path,
			})
		}
	}
}

func checkSQLSyntax(content, path string, errors *[]Issue) {
	if _, err := parser.Parse(content); err != nil {
		*errors = append(*errors, Issue{
			Code:         CodeParseSQLSyntax,
			Severity:     SeverityError,
			Message:      fmt.Sprintf("SQL parse error in %s: %v", path, err),
			ArtifactPath: path,
			Line:         lineFromParseError(err.Error()),
		})
	}
}

// lineFromParseError pulls a line number out of a parser message when one is
// present. Best effort; zero means unknown.
func lineFromParseError(msg string) int {
	idx := strings.Index(msg, "line ")
	if idx < 0 {
		return 0
	}
	rest := msg[idx+len("line "):]
	end := 0
	for end < len(rest) && rest[end] >= '0' && rest[end] <= '9' {
		end++
	}
	n, err := strconv.Atoi(rest[:end])
	if err != nil {
		return 0
	}
	return n
}

func checkYAMLSyntax(content, path string, errors *[]Issue) {
	var value any
	if err := yaml.Unmarshal([]byte(content), &value); err != nil {
		*errors = append(*errors, Issue{
			Code:         CodeParseYAMLSyntax,
			Severity:     SeverityError,
			Message:      fmt.Sprintf("YAML parse error in %s: %v", path, err),
			ArtifactPath: path,
			Line:         lineFromParseError(err.Error()),
		})
	}
}

func checkJSONSyntax(content, path string, errors *[]Issue) {
	var value any
	if err := json.Unmarshal([]byte(content), &value); err != nil {
		line := 0
		if syntaxErr, ok := err.(*json.SyntaxError); ok {
			line = 1 + strings.Count(content[:syntaxErr.Offset], "\n")
		}
		*errors = append(*errors, Issue{
			Code:         CodeParseJSONSyntax,
			Severity:     SeverityError,
			Message:      fmt.Sprintf("JSON parse error in %s: %v", path, err),
			ArtifactPath: path,
			Line:         line,
		})
	}
}

// ── Phase 2: reference resolution ──────────────────────────────────

// checkReferences catches duplicate dependency declarations. Full cycle
// detection across the stored dependency graph needs the database and runs
// during the dry-run stage.
func checkReferences(m bundle.Manifest, errors *[]Issue) {
	seen := make(map[string]bool, len(m.DependsOn))
	for _, dep := range m.DependsOn {
		if seen[dep] {
			*errors = append(*errors, Issue{
				Code:     CodeCircularDependency,
				Severity: SeverityError,
				Message:  fmt.Sprintf("Duplicate dependency: %s", dep),
			})
		}
		seen[dep] = true
	}
}

// ── Phase 3: semantic consistency ──────────────────────────────────

func checkSemantics(artifacts []store.Artifact, errors, warnings *[]Issue) {
	for _, a := range artifacts {
		switch a.Type {
		case store.ArtifactMigrationSQL:
			checkForbiddenDDL(a.Content, a.Path, warnings)
		case store.ArtifactVerbYAML:
			checkVerbContract(a.Content, a.Path, errors)
		case store.ArtifactAttributeJSON:
			checkAttributeShape(a.Content, a.Path, errors)
		}
	}
}

// checkForbiddenDDL flags DDL patterns that are warnings here and become
// errors at dry-run time unless the manifest declares breaking_change.
func checkForbiddenDDL(sqlContent, path string, warnings *[]Issue) {
	upper := strings.ToUpper(sqlContent)

	if strings.Contains(upper, "CONCURRENTLY") {
		*warnings = append(*warnings, Issue{
			Code:         CodeNonTransactionalDDL,
			Severity:     SeverityWarning,
			Message:      "Migration contains CONCURRENTLY - cannot run in a transaction",
			ArtifactPath: path,
			Line:         findLineContaining(sqlContent, "CONCURRENTLY"),
		})
	}
	if strings.Contains(upper, "DROP TABLE") {
		*warnings = append(*warnings, Issue{
			Code:         CodeForbiddenDDL,
			Severity:     SeverityWarning,
			Message:      "Migration contains DROP TABLE - must declare breaking_change=true",
			ArtifactPath: path,
			Line:         findLineContaining(sqlContent, "DROP TABLE"),
		})
	}
	if strings.Contains(upper, "DROP COLUMN") {
		*warnings = append(*warnings, Issue{
			Code:         CodeForbiddenDDL,
			Severity:     SeverityWarning,
			Message:      "Migration contains DROP COLUMN - must declare breaking_change=true",
			ArtifactPath: path,
			Line:         findLineContaining(sqlContent, "DROP COLUMN"),
		})
	}
}

func findLineContaining(content, needle string) int {
	upperNeedle := strings.ToUpper(needle)
	for i, line := range strings.Split(content, "\n") {
		if strings.Contains(strings.ToUpper(line), upperNeedle) {
			return i + 1
		}
	}
	return 0
}

// checkVerbContract requires either fqn or both domain and action, plus a
// description.
func checkVerbContract(yamlContent, path string, errors *[]Issue) {
	var raw any
	if err := yaml.Unmarshal([]byte(yamlContent), &raw); err != nil {
		return // syntax error already reported in phase 1
	}
	value, _ := raw.(map[string]any)

	_, hasDomain := value["domain"]
	_, hasAction := value["action"]
	_, hasFQN := value["fqn"]
	_, hasDescription := value["description"]

	if !(hasFQN || (hasDomain && hasAction)) {
		*errors = append(*errors, Issue{
			Code:         CodeContractIncomplete,
			Severity:     SeverityError,
			Message:      "Verb contract must have either 'fqn' or both 'domain' and 'action'",
			ArtifactPath: path,
		})
	}
	if !hasDescription {
		*errors = append(*errors, Issue{
			Code:         CodeContractIncomplete,
			Severity:     SeverityError,
			Message:      "Verb contract must have a 'description' field",
			ArtifactPath: path,
		})
	}
}

// checkAttributeShape requires fqn and data_type on attribute definitions.
func checkAttributeShape(jsonContent, path string, errors *[]Issue) {
	var raw any
	if err := json.Unmarshal([]byte(jsonContent), &raw); err != nil {
		return // syntax error already reported in phase 1
	}
	value, _ := raw.(map[string]any)

	if _, ok := value["fqn"]; !ok {
		*errors = append(*errors, Issue{
			Code:         CodeAttributeMismatch,
			Severity:     SeverityError,
			Message:      "Attribute definition must have 'fqn' field",
			ArtifactPath: path,
		})
	}
	if _, ok := value["data_type"]; !ok {
		*errors = append(*errors, Issue{
			Code:         CodeAttributeMismatch,
			Severity:     SeverityError,
			Message:      "Attribute definition must have 'data_type' field",
			ArtifactPath: path,
		})
	}
}
