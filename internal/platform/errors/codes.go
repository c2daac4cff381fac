// Package errors provides structured, coded error handling for the
// relying-party services.
package errors

import (
	"net/http"

	"google.golang.org/grpc/codes"
)

// Code is a machine-readable error code.
type Code string

const (
	// CodeUnknown represents an unknown error.
	CodeUnknown Code = "UNKNOWN"

	// Ceremony errors
	CodeSessionExpiredOrInvalid          Code = "SESSION_EXPIRED_OR_INVALID"
	CodeUserMismatch                     Code = "USER_MISMATCH"
	CodeInvalidOrigin                    Code = "INVALID_ORIGIN"
	CodeRegistrationVerificationFailed   Code = "REGISTRATION_VERIFICATION_FAILED"
	CodeAuthenticationVerificationFailed Code = "AUTHENTICATION_VERIFICATION_FAILED"
	CodeCredentialNotFound               Code = "CREDENTIAL_NOT_FOUND"
	CodeCounterRegression                Code = "COUNTER_REGRESSION"

	// Backend delegation errors
	CodeBackendUnavailable        Code = "BACKEND_UNAVAILABLE"
	CodeBackendCredentialsMissing Code = "BACKEND_CREDENTIALS_MISSING"

	// Grant errors
	CodeGrantInvalid Code = "GRANT_INVALID"
	CodeGrantExpired Code = "GRANT_EXPIRED"

	// Storage errors
	CodeNotFound Code = "NOT_FOUND"
)

// GRPCCode maps domain codes to gRPC status codes.
func (c Code) GRPCCode() codes.Code {
	switch c {
	case CodeSessionExpiredOrInvalid,
		CodeInvalidOrigin,
		CodeGrantInvalid:
		return codes.InvalidArgument

	case CodeUserMismatch,
		CodeRegistrationVerificationFailed,
		CodeAuthenticationVerificationFailed:
		return codes.Unauthenticated

	case CodeCounterRegression,
		CodeGrantExpired,
		CodeBackendCredentialsMissing:
		return codes.FailedPrecondition

	case CodeNotFound,
		CodeCredentialNotFound:
		return codes.NotFound

	case CodeBackendUnavailable:
		return codes.Unavailable

	default:
		return codes.Internal
	}
}

// HTTPStatus maps domain codes to HTTP status codes for the HTTP surface.
func (c Code) HTTPStatus() int {
	switch c {
	case CodeSessionExpiredOrInvalid,
		CodeInvalidOrigin,
		CodeGrantInvalid:
		return http.StatusBadRequest

	case CodeUserMismatch,
		CodeRegistrationVerificationFailed,
		CodeAuthenticationVerificationFailed:
		return http.StatusUnauthorized

	case CodeCounterRegression,
		CodeGrantExpired,
		CodeBackendCredentialsMissing:
		return http.StatusConflict

	case CodeNotFound,
		CodeCredentialNotFound:
		return http.StatusNotFound

	case CodeBackendUnavailable:
		return http.StatusBadGateway

	default:
		return http.StatusInternalServerError
	}
}
