// Package diff produces structural summaries of artifact sets: what a
// ChangeSet adds, removes, and rewrites, and which of those moves are
// breaking. Used for change review and for publish-plan blast radius.
package diff

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"semreg/api/internal/store"
)

// Summary is the structural comparison of two artifact sets. Paths are
// sorted; BreakingChanges holds human-readable findings.
type Summary struct {
	Added           []string `json:"added"`
	Removed         []string `json:"removed"`
	Modified        []string `json:"modified"`
	BreakingChanges []string `json:"breaking_changes"`
}

// HasBreaking reports whether any finding is breaking.
func (s Summary) HasBreaking() bool {
	return len(s.BreakingChanges) > 0
}

// Compare diffs base against target, keyed by artifact path. Comparison is
// type-aware: migrations are compared textually and a rewritten migration is
// always breaking; contracts are compared by declared fields and a removed
// field is breaking.
func Compare(base, target []store.Artifact) Summary {
	baseByPath := make(map[string]store.Artifact, len(base))
	for _, a := range base {
		baseByPath[a.Path] = a
	}
	targetByPath := make(map[string]store.Artifact, len(target))
	for _, a := range target {
		targetByPath[a.Path] = a
	}

	var s Summary
	for path, a := range targetByPath {
		old, existed := baseByPath[path]
		if !existed {
			s.Added = append(s.Added, path)
			s.BreakingChanges = append(s.BreakingChanges, breakingInContent(a)...)
			continue
		}
		if old.ContentHash == a.ContentHash && old.Type == a.Type {
			continue
		}
		s.Modified = append(s.Modified, path)
		s.BreakingChanges = append(s.BreakingChanges, breakingInModification(old, a)...)
	}
	for path := range baseByPath {
		if _, kept := targetByPath[path]; !kept {
			s.Removed = append(s.Removed, path)
			s.BreakingChanges = append(s.BreakingChanges,
				fmt.Sprintf("artifact removed: %s", path))
		}
	}

	sort.Strings(s.Added)
	sort.Strings(s.Removed)
	sort.Strings(s.Modified)
	sort.Strings(s.BreakingChanges)
	return s
}

// Summarize treats a single artifact set as a diff from nothing. This is the
// blast-radius view used by publish planning.
func Summarize(artifacts []store.Artifact) Summary {
	return Compare(nil, artifacts)
}

// breakingInContent flags destructive DDL inside a migration regardless of
// whether the artifact is new or changed.
func breakingInContent(a store.Artifact) []string {
	if a.Type != store.ArtifactMigrationSQL {
		return nil
	}
	upper := strings.ToUpper(a.Content)
	var findings []string
	if strings.Contains(upper, "DROP TABLE") {
		findings = append(findings, fmt.Sprintf("destructive DDL (DROP TABLE) in %s", a.Path))
	}
	if strings.Contains(upper, "DROP COLUMN") {
		findings = append(findings, fmt.Sprintf("destructive DDL (DROP COLUMN) in %s", a.Path))
	}
	return findings
}

func breakingInModification(old, updated store.Artifact) []string {
	var findings []string

	switch updated.Type {
	case store.ArtifactMigrationSQL, store.ArtifactMigrationDownSQL:
		// A migration that may already have been applied must never change.
		findings = append(findings,
			fmt.Sprintf("migration rewritten: %s", updated.Path))
	case store.ArtifactVerbYAML:
		findings = append(findings, removedFields(updated.Path,
			yamlFields(old.Content), yamlFields(updated.Content))...)
	case store.ArtifactAttributeJSON, store.ArtifactTaxonomyJSON:
		findings = append(findings, removedFields(updated.Path,
			jsonFields(old.Content), jsonFields(updated.Content))...)
	}

	findings = append(findings, breakingInContent(updated)...)
	return findings
}

func removedFields(path string, before, after map[string]bool) []string {
	var findings []string
	for field := range before {
		if !after[field] {
			findings = append(findings,
				fmt.Sprintf("declared field %q removed from %s", field, path))
		}
	}
	return findings
}

func yamlFields(content string) map[string]bool {
	var raw any
	if err := yaml.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}
	return fieldSet(raw)
}

func jsonFields(content string) map[string]bool {
	var raw any
	if err := json.Unmarshal([]byte(content), &raw); err != nil {
		return nil
	}
	return fieldSet(raw)
}

func fieldSet(raw any) map[string]bool {
	value, ok := raw.(map[string]any)
	if !ok {
		return nil
	}
	fields := make(map[string]bool, len(value))
	for k := range value {
		fields[k] = true
	}
	return fields
}
