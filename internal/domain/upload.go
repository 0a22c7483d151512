package domain

import "time"

// UploadOutcome classifies one upload request.
type UploadOutcome string

const (
	// UploadSucceeded means the service answered 200.
	UploadSucceeded UploadOutcome = "success"
	// UploadRejected means the service answered with another status.
	UploadRejected UploadOutcome = "rejected"
	// UploadFailed means no response was received.
	UploadFailed UploadOutcome = "error"
	// UploadCircuitOpen means the request was not sent because recent
	// attempts kept failing.
	UploadCircuitOpen UploadOutcome = "circuit_open"
	// UploadSkippedMissingData means a required value was absent.
	UploadSkippedMissingData UploadOutcome = "skipped_missing_data"
	// UploadSkippedNoCredentials means no API key or system id is set.
	UploadSkippedNoCredentials UploadOutcome = "skipped_no_credentials"
)

// Attempted reports whether the outcome involved a network request.
func (o UploadOutcome) Attempted() bool {
	switch o {
	case UploadSucceeded, UploadRejected, UploadFailed:
		return true
	default:
		return false
	}
}

// UploadResult describes one call to the uploader.
type UploadResult struct {
	Outcome    UploadOutcome `json:"outcome"`
	Time       time.Time     `json:"time"`
	StatusCode int           `json:"status_code,omitempty"`
	Message    string        `json:"message,omitempty"`
	Missing    []string      `json:"missing,omitempty"`
}

// UploadRecord is the persistent upload status: when the last upload
// succeeded and what the last attempt returned.
type UploadRecord struct {
	LastSuccess *time.Time `json:"last_success,omitempty"`
	LastAttempt *time.Time `json:"last_attempt,omitempty"`
	// LastStatus is the HTTP status code of the last attempt, or "Error"
	// when no response was received.
	LastStatus string `json:"last_status,omitempty"`
}
