package bundle

import (
	"strings"
	"testing"

	"semreg/api/internal/hash"
	"semreg/api/internal/store"
)

const manifestYAML = `
title: add order verbs
rationale: orders need create/cancel
breaking_change: false
artifacts:
  - type: migration_sql
    path: migrations/001_orders.sql
  - type: verb_yaml
    path: verbs/order_create.yaml
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	if m.Title != "add order verbs" {
		t.Errorf("unexpected title: %q", m.Title)
	}
	if len(m.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(m.Artifacts))
	}
	if m.Artifacts[0].Type != "migration_sql" {
		t.Errorf("unexpected artifact type: %q", m.Artifacts[0].Type)
	}
}

func TestParseManifestRequiresTitle(t *testing.T) {
	_, err := ParseManifest([]byte("rationale: no title here"))
	if err == nil {
		t.Fatal("expected error for manifest without title")
	}
}

func TestParseManifestBadYAML(t *testing.T) {
	_, err := ParseManifest([]byte("title: [unclosed"))
	if err == nil {
		t.Fatal("expected error for malformed YAML")
	}
}

func TestBuildAssignsOrdinalsAndHashes(t *testing.T) {
	m, err := ParseManifest([]byte(manifestYAML))
	if err != nil {
		t.Fatalf("ParseManifest failed: %v", err)
	}
	contents := map[string]string{
		"migrations/001_orders.sql": "CREATE TABLE orders (id UUID PRIMARY KEY);",
		"verbs/order_create.yaml":   "fqn: order.create\ndescription: creates an order",
	}

	b, err := Build(m, contents)
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(b.Artifacts) != 2 {
		t.Fatalf("expected 2 artifacts, got %d", len(b.Artifacts))
	}
	for i, a := range b.Artifacts {
		if a.Ordinal != i {
			t.Errorf("artifact %d: expected ordinal %d, got %d", i, i, a.Ordinal)
		}
		want := hash.Artifact(string(a.Type), a.Content)
		if a.ContentHash != want {
			t.Errorf("artifact %s: hash mismatch", a.Path)
		}
	}
	if b.HashVersion != hash.Version {
		t.Errorf("unexpected hash version %q", b.HashVersion)
	}
	if b.ContentHash == "" {
		t.Error("expected a bundle content hash")
	}
}

func TestBuildRejectsUnknownArtifactType(t *testing.T) {
	m := Manifest{
		Title:     "t",
		Artifacts: []ManifestArtifact{{Type: "hologram", Path: "x"}},
	}
	_, err := Build(m, map[string]string{"x": "data"})
	if err == nil {
		t.Fatal("expected error for unknown artifact type")
	}
	if !strings.Contains(err.Error(), "Unknown artifact type") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildRejectsMissingContent(t *testing.T) {
	m := Manifest{
		Title:     "t",
		Artifacts: []ManifestArtifact{{Type: string(store.ArtifactDocJSON), Path: "docs/readme.json"}},
	}
	_, err := Build(m, map[string]string{})
	if err == nil {
		t.Fatal("expected error for missing content")
	}
	if !strings.Contains(err.Error(), "Missing content") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestBuildContentHashIsOrderIndependent(t *testing.T) {
	contents := map[string]string{
		"a.sql":  "CREATE TABLE a (id INT);",
		"b.yaml": "fqn: x.y\ndescription: d",
	}
	forward := Manifest{Title: "t", Artifacts: []ManifestArtifact{
		{Type: "migration_sql", Path: "a.sql"},
		{Type: "verb_yaml", Path: "b.yaml"},
	}}
	reversed := Manifest{Title: "t", Artifacts: []ManifestArtifact{
		{Type: "verb_yaml", Path: "b.yaml"},
		{Type: "migration_sql", Path: "a.sql"},
	}}

	bf, err := Build(forward, contents)
	if err != nil {
		t.Fatalf("Build forward failed: %v", err)
	}
	br, err := Build(reversed, contents)
	if err != nil {
		t.Fatalf("Build reversed failed: %v", err)
	}
	if bf.ContentHash != br.ContentHash {
		t.Error("artifact order changed the bundle address")
	}
}

func TestBuildParsesDependsOnAndSupersedes(t *testing.T) {
	m := Manifest{
		Title:      "t",
		DependsOn:  []string{"5a0a5a90-1111-4222-8333-444455556666"},
		Supersedes: "6b1b6ba1-2222-4333-8444-555566667777",
	}
	b, err := Build(m, map[string]string{})
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}
	if len(b.DependsOn) != 1 {
		t.Fatalf("expected 1 dependency, got %d", len(b.DependsOn))
	}
	if b.Supersedes == nil {
		t.Fatal("expected supersedes to be set")
	}

	m.DependsOn = []string{"not-a-uuid"}
	if _, err := Build(m, map[string]string{}); err == nil {
		t.Error("expected error for invalid depends_on id")
	}
}
