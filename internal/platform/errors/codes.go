// Package errors provides coded errors shared by the translation pipeline
// and its transports.
package errors

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Input errors
	CodeInvalidArgument Code = "INVALID_ARGUMENT"
	CodeNotFound        Code = "NOT_FOUND"

	// Translation engine errors
	CodeEngineUnavailable Code = "ENGINE_UNAVAILABLE"
	CodeEngineRejected    Code = "ENGINE_REJECTED"

	// Translation cache errors
	CodeDuplicateClaim     Code = "DUPLICATE_CLAIM"
	CodeClaimLost          Code = "CLAIM_LOST"
	CodeIntegrityViolation Code = "INTEGRITY_VIOLATION"
	CodeStorageUnavailable Code = "STORAGE_UNAVAILABLE"

	// Participant errors
	CodeUnknownParticipantLanguage Code = "UNKNOWN_PARTICIPANT_LANGUAGE"
)

// Retryable reports whether an operation failing with c may succeed when
// attempted again.
func (c Code) Retryable() bool {
	switch c {
	case CodeEngineUnavailable, CodeStorageUnavailable:
		return true
	default:
		return false
	}
}

// WireCode maps domain codes to the status codes carried in websocket
// error frames and admin HTTP responses.
func (c Code) WireCode() string {
	switch c {
	case CodeInvalidArgument, CodeUnknownParticipantLanguage:
		return "INVALID_ARGUMENT"
	case CodeNotFound:
		return "NOT_FOUND"
	case CodeEngineUnavailable, CodeStorageUnavailable:
		return "UNAVAILABLE"
	case CodeDuplicateClaim:
		return "ALREADY_EXISTS"
	case CodeEngineRejected, CodeClaimLost:
		return "FAILED_PRECONDITION"
	default:
		return "INTERNAL"
	}
}
