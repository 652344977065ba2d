// Package validate implements pure (Stage 1) validation of authoring
// bundles: artifact integrity, reference resolution, and semantic
// consistency. Nothing here touches the database; checks that need the live
// registry run during the dry-run stage.
package validate

// Severity distinguishes blocking errors from advisory warnings.
type Severity string

const (
	SeverityError   Severity = "error"
	SeverityWarning Severity = "warning"
)

// Issue is one finding against a bundle.
type Issue struct {
	Code         string   `json:"code"`
	Severity     Severity `json:"severity"`
	Message      string   `json:"message"`
	ArtifactPath string   `json:"artifact_path,omitempty"`
	Line         int      `json:"line,omitempty"`
}

// Report is the full outcome of a validation run. OK is true iff no errors
// were recorded; warnings alone do not fail Stage 1.
type Report struct {
	OK       bool    `json:"ok"`
	Errors   []Issue `json:"errors"`
	Warnings []Issue `json:"warnings"`
}
