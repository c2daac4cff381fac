// Package delegate signs an authenticated user into an external backend
// after a successful passkey login.
//
// Delegation is a side channel: its outcome rides alongside the passkey
// result and never changes authentication success into failure. Every
// attempt classifies into exactly one status so callers can tell a missing
// configuration apart from an unreachable or rejecting backend.
package delegate

import (
	"encoding/json"
)

// Auth is the verified identity handed to the delegation step.
type Auth struct {
	UserID       string
	Username     string
	CredentialID string
	Platform     string
}

// Status classifies one delegation attempt.
type Status string

const (
	// StatusSuccess means the backend accepted the sign-in.
	StatusSuccess Status = "success"
	// StatusUpstreamFailure means the backend responded with a non-success
	// status.
	StatusUpstreamFailure Status = "upstream_failure"
	// StatusNetworkFailure means the backend was unreachable or timed out.
	StatusNetworkFailure Status = "network_failure"
	// StatusCredentialsMissing means no backend credentials are configured
	// for the user; no request was made.
	StatusCredentialsMissing Status = "credentials_missing"
	// StatusNotConfigured means delegation itself is disabled.
	StatusNotConfigured Status = "not_configured"
)

// Outcome is the side-channel result of one delegation attempt.
type Outcome struct {
	// Attempted reports whether a backend request was actually made.
	Attempted bool   `json:"attempted"`
	Success   bool   `json:"success"`
	Status    Status `json:"status"`
	// UpstreamStatus is the backend HTTP status when it responded.
	UpstreamStatus int    `json:"upstream_status,omitempty"`
	Message        string `json:"message,omitempty"`
	// Warning is set whenever the side channel did not succeed.
	Warning string `json:"warning,omitempty"`
	// Payload is the opaque backend response body on success.
	Payload json.RawMessage `json:"payload,omitempty"`
	// ConfiguredUserIDs lists users with backend credentials; attached only
	// on a credentials-missing outcome for diagnostics.
	ConfiguredUserIDs []string `json:"configured_user_ids,omitempty"`
}
