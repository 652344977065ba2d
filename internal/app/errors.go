package app

import "fmt"

type DomainError struct {
	Status  int
	Code    string
	Message string
	Details any
}

func (e *DomainError) Error() string {
	if e == nil {
		return ""
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func domainError(status int, code, message string, details any) *DomainError {
	return &DomainError{
		Status:  status,
		Code:    code,
		Message: message,
		Details: details,
	}
}

// Stable governance error codes. Precondition failures are InvalidInput
// (422), concurrency failures are Conflict (409), batch cycles are
// ConfigurationError (422); validation failures are not errors at all and
// travel inside reports.
const (
	codeInvalidState       = "INVALID_STATE"
	codeLockContention     = "PUBLISH_LOCK_CONTENTION"
	codeDriftDetected      = "PUBLISH_DRIFT_DETECTED"
	codeCircularDependency = "BATCH_CIRCULAR_DEPENDENCY"
	codeEmptyBatch         = "BATCH_EMPTY"
	codeInvalidBundle      = "INVALID_BUNDLE"
	codeAlreadyActive      = "SNAPSHOT_ALREADY_ACTIVE"
	codeNotFound           = "NOT_FOUND"
	codeSearchUnavailable  = "SEARCH_UNAVAILABLE"
	codeArchiveUnavailable = "ARCHIVE_UNAVAILABLE"
)
