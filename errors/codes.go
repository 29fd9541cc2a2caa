package errors

import "google.golang.org/grpc/codes"

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Lookup errors. Ownership mismatches are folded into these codes so a
	// caller can never distinguish "not yours" from "does not exist".
	CodeChallengeNotFound Code = "CHALLENGE_NOT_FOUND"
	CodePasskeyNotFound   Code = "PASSKEY_NOT_FOUND"
	CodeUserNotFound      Code = "USER_NOT_FOUND"
	CodeTokenNotFound     Code = "TOKEN_NOT_FOUND"

	// Ceremony errors
	CodeVerificationFailed Code = "VERIFICATION_FAILED"
	CodeCloneDetected      Code = "CLONE_DETECTED"

	// Recovery errors. Wrong code, reused code, and wrong user all report
	// the same code; expired, used, and absent tokens likewise.
	CodeInvalidRecoveryCode   Code = "INVALID_RECOVERY_CODE"
	CodeInvalidOrExpiredToken Code = "INVALID_OR_EXPIRED_TOKEN"

	// Validation errors
	CodeValidation  Code = "VALIDATION"
	CodeLastPasskey Code = "LAST_PASSKEY"

	// Conflict errors
	CodeEmailTaken Code = "EMAIL_TAKEN"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
	// CodeStorage marks infrastructure failures (connectivity, timeouts).
	// Unlike every other code it is retryable.
	CodeStorage Code = "STORAGE"
)

// GRPCCode maps domain codes to gRPC status codes for the transport layer.
func (c Code) GRPCCode() codes.Code {
	switch c {
	// NotFound - missing, expired, or foreign records
	case CodeChallengeNotFound,
		CodePasskeyNotFound,
		CodeUserNotFound,
		CodeTokenNotFound,
		CodeNotFound:
		return codes.NotFound

	// Unauthenticated - credential verification failures
	case CodeVerificationFailed,
		CodeCloneDetected,
		CodeInvalidRecoveryCode,
		CodeInvalidOrExpiredToken:
		return codes.Unauthenticated

	// InvalidArgument - validation failures, bad input
	case CodeValidation,
		CodeLastPasskey:
		return codes.InvalidArgument

	// AlreadyExists - uniqueness violations
	case CodeEmailTaken:
		return codes.AlreadyExists

	// Unavailable - infrastructure failures, retryable
	case CodeStorage:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// Retryable reports whether the error represents an infrastructure failure
// the caller may retry, as opposed to a rejected credential or input.
func Retryable(err error) bool {
	e, ok := err.(*Error)
	if !ok {
		return false
	}
	return e.Code == CodeStorage
}
