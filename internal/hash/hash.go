// Package hash computes the content addresses that make propose idempotent.
// Hashes are versioned: a change to any rule here requires bumping Version so
// old and new addresses never collide.
package hash

import (
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
)

// Version tags every hash produced by this package. Stored alongside the
// hash, so the dedupe index is scoped per scheme.
const Version = "v1"

const (
	artifactDomain  = "semreg/artifact/" + Version
	changeSetDomain = "semreg/changeset/" + Version
)

// Artifact hashes one artifact's content, scoped by its type. Two artifacts
// with identical bytes but different types hash differently, so a SQL file
// can never impersonate a contract.
func Artifact(artifactType, content string) string {
	h := sha256.New()
	h.Write([]byte(artifactDomain))
	h.Write([]byte{0})
	h.Write([]byte(artifactType))
	h.Write([]byte{0})
	h.Write([]byte(content))
	return hex.EncodeToString(h.Sum(nil))
}

// ArtifactRef is the (type, path, hash) triple contributing to a ChangeSet
// address.
type ArtifactRef struct {
	Type string
	Path string
	Hash string
}

// Descriptor carries every manifest field that contributes to a ChangeSet
// address. Two proposals are the same ChangeSet only when all of these match
// in addition to the artifact set; in particular flipping breaking_change or
// rewording the rationale yields a new address.
type Descriptor struct {
	Title          string
	Rationale      string
	BreakingChange bool
	DependsOn      []string
	Supersedes     string
}

// ChangeSet computes the bundle-level address. Neither artifact order nor
// depends_on order matters: bundles listing the same entries in different
// order share an address and dedupe into one ChangeSet.
func ChangeSet(d Descriptor, refs []ArtifactRef) string {
	lines := make([]string, 0, len(refs))
	for _, ref := range refs {
		lines = append(lines, ref.Type+"\x00"+ref.Path+"\x00"+ref.Hash)
	}
	sort.Strings(lines)

	deps := make([]string, len(d.DependsOn))
	copy(deps, d.DependsOn)
	sort.Strings(deps)

	breaking := "false"
	if d.BreakingChange {
		breaking = "true"
	}

	h := sha256.New()
	h.Write([]byte(changeSetDomain))
	h.Write([]byte{0})
	h.Write([]byte(d.Title))
	h.Write([]byte{0})
	h.Write([]byte(d.Rationale))
	h.Write([]byte{0})
	h.Write([]byte(breaking))
	h.Write([]byte{0})
	h.Write([]byte(d.Supersedes))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(deps, "\x00")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(lines, "\n")))
	return hex.EncodeToString(h.Sum(nil))
}
