// Package bundle parses authoring bundles: a YAML manifest plus the artifact
// contents it names. A bundle is the input to propose; everything downstream
// operates on the stored ChangeSet.
package bundle

import (
	"fmt"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"semreg/api/internal/hash"
	"semreg/api/internal/store"
)

// Manifest is the bundle descriptor authors write.
type Manifest struct {
	Title          string             `yaml:"title"`
	Rationale      string             `yaml:"rationale"`
	BreakingChange bool               `yaml:"breaking_change"`
	DependsOn      []string           `yaml:"depends_on"`
	Supersedes     string             `yaml:"supersedes"`
	Artifacts      []ManifestArtifact `yaml:"artifacts"`
}

// ManifestArtifact names one artifact. ContentHash is optional; when present
// it is the author's claim and Stage 1 verifies it against the content.
type ManifestArtifact struct {
	Type        string `yaml:"type"`
	Path        string `yaml:"path"`
	ContentHash string `yaml:"content_hash"`
}

// ParseManifest decodes the manifest YAML.
func ParseManifest(data []byte) (Manifest, error) {
	var m Manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return Manifest{}, fmt.Errorf("parse manifest: %w", err)
	}
	if m.Title == "" {
		return Manifest{}, fmt.Errorf("manifest missing title")
	}
	return m, nil
}

// Bundle is a parsed manifest with resolved artifacts, ready to propose.
type Bundle struct {
	Manifest    Manifest
	Artifacts   []store.Artifact
	ContentHash string
	HashVersion string
	DependsOn   []uuid.UUID
	Supersedes  *uuid.UUID
}

// Build resolves the manifest against the supplied contents (keyed by path),
// computes artifact hashes and the bundle address, and assigns migration
// ordinals in manifest order.
func Build(m Manifest, contents map[string]string) (Bundle, error) {
	var artifacts []store.Artifact
	var refs []hash.ArtifactRef
	for i, ma := range m.Artifacts {
		artifactType, ok := store.ParseArtifactType(ma.Type)
		if !ok {
			return Bundle{}, fmt.Errorf("Unknown artifact type: %s", ma.Type)
		}
		content, ok := contents[ma.Path]
		if !ok {
			return Bundle{}, fmt.Errorf("Missing content for artifact: %s", ma.Path)
		}

		contentHash := hash.Artifact(string(artifactType), content)
		artifacts = append(artifacts, store.Artifact{
			ID:          uuid.New(),
			Type:        artifactType,
			Ordinal:     i,
			Path:        ma.Path,
			Content:     content,
			ContentHash: contentHash,
		})
		refs = append(refs, hash.ArtifactRef{
			Type: string(artifactType),
			Path: ma.Path,
			Hash: contentHash,
		})
	}

	dependsOn := make([]uuid.UUID, 0, len(m.DependsOn))
	for _, raw := range m.DependsOn {
		id, err := uuid.Parse(raw)
		if err != nil {
			return Bundle{}, fmt.Errorf("invalid depends_on id %q: %w", raw, err)
		}
		dependsOn = append(dependsOn, id)
	}

	var supersedes *uuid.UUID
	if m.Supersedes != "" {
		id, err := uuid.Parse(m.Supersedes)
		if err != nil {
			return Bundle{}, fmt.Errorf("invalid supersedes id %q: %w", m.Supersedes, err)
		}
		supersedes = &id
	}

	descriptor := hash.Descriptor{
		Title:          m.Title,
		Rationale:      m.Rationale,
		BreakingChange: m.BreakingChange,
		DependsOn:      m.DependsOn,
		Supersedes:     m.Supersedes,
	}
	return Bundle{
		Manifest:    m,
		Artifacts:   artifacts,
		ContentHash: hash.ChangeSet(descriptor, refs),
		HashVersion: hash.Version,
		DependsOn:   dependsOn,
		Supersedes:  supersedes,
	}, nil
}
