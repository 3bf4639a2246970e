package engine

import (
	"errors"
	"fmt"
)

// SyncError represents a failure surfaced by the sync engine.
//
// Sync errors include:
//   - Network: a save attempt got no usable response
//   - Retries exhausted: every attempt of a batch failed
//   - Rejected: the server refused a patch as invalid
//   - Engine stopped: the engine no longer accepts calls
//   - Invalid patch: a change was refused before queueing
type SyncError struct {
	// Code identifies the error category.
	Code SyncErrorCode

	// EntityID identifies the affected card, when there is one.
	EntityID string

	// Message is a human-readable description.
	Message string

	// Err is the underlying cause.
	Err error
}

// SyncErrorCode categorizes sync errors.
type SyncErrorCode string

const (
	ErrCodeNetwork          SyncErrorCode = "NETWORK"
	ErrCodeRetriesExhausted SyncErrorCode = "RETRIES_EXHAUSTED"
	ErrCodeRejected         SyncErrorCode = "REJECTED"
	ErrCodeEngineStopped    SyncErrorCode = "ENGINE_STOPPED"
	ErrCodeInvalidPatch     SyncErrorCode = "INVALID_PATCH"
)

// Error implements the error interface.
func (e *SyncError) Error() string {
	msg := string(e.Code)
	if e.Message != "" {
		msg += ": " + e.Message
	}
	if e.EntityID != "" {
		msg = fmt.Sprintf("%s (card=%s)", msg, e.EntityID)
	}
	if e.Err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.Err)
	}
	return msg
}

// Unwrap returns the underlying cause.
func (e *SyncError) Unwrap() error {
	return e.Err
}

// ErrEngineStopped is returned by calls made after Stop or after Run returned.
var ErrEngineStopped = &SyncError{Code: ErrCodeEngineStopped, Message: "engine stopped"}

// hasCode reports whether any SyncError in err's chain carries code.
func hasCode(err error, code SyncErrorCode) bool {
	for err != nil {
		var se *SyncError
		if !errors.As(err, &se) {
			return false
		}
		if se.Code == code {
			return true
		}
		err = se.Err
	}
	return false
}

// IsNetworkError reports whether err is a transient network failure.
func IsNetworkError(err error) bool { return hasCode(err, ErrCodeNetwork) }

// IsRetriesExhausted reports whether err reports a batch that ran out of attempts.
func IsRetriesExhausted(err error) bool { return hasCode(err, ErrCodeRetriesExhausted) }

// IsRejected reports whether err is a server-side validation rejection.
func IsRejected(err error) bool { return hasCode(err, ErrCodeRejected) }

// IsEngineStopped reports whether err was caused by a stopped engine.
func IsEngineStopped(err error) bool { return hasCode(err, ErrCodeEngineStopped) }

// IsInvalidPatch reports whether a change was refused before queueing.
func IsInvalidPatch(err error) bool { return hasCode(err, ErrCodeInvalidPatch) }

func newInvalidPatchError(entityID, msg string, err error) *SyncError {
	return &SyncError{Code: ErrCodeInvalidPatch, EntityID: entityID, Message: msg, Err: err}
}

// newNetworkError marks a failed attempt as transient. Errors that already
// carry a code are returned unchanged.
func newNetworkError(err error) error {
	var se *SyncError
	if errors.As(err, &se) {
		return err
	}
	return &SyncError{Code: ErrCodeNetwork, Err: err}
}

// newExhaustedError creates a SyncError for a batch that ran out of attempts.
func newExhaustedError(attempts int, err error) *SyncError {
	return &SyncError{
		Code:    ErrCodeRetriesExhausted,
		Message: fmt.Sprintf("save failed after %d attempts", attempts),
		Err:     err,
	}
}

// newRejectedError creates a SyncError for a patch the server refused.
func newRejectedError(entityID, reason string) *SyncError {
	return &SyncError{Code: ErrCodeRejected, EntityID: entityID, Message: reason}
}
