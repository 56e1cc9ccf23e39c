package gateway

import "errors"

// Sentinel errors for the gateway domain.
var (
	// ErrUnsupported: the op has no rule for this provider, or the transform
	// pair is not implemented. Fails fast, no retries.
	ErrUnsupported = errors.New("unsupported operation")
	// ErrNoCredential: every credential is excluded for the request's scope.
	ErrNoCredential = errors.New("no credential available")
	// ErrAuthFailed: upstream rejected the credential (401/403).
	ErrAuthFailed = errors.New("upstream auth failed")
	// ErrOAuthState: missing, expired, or ambiguous OAuth state.
	ErrOAuthState = errors.New("invalid oauth state")
	// ErrBadRequest: the inbound request could not be decoded or validated.
	ErrBadRequest = errors.New("bad request")
	// ErrNotFound: unknown provider, credential, or model.
	ErrNotFound = errors.New("not found")
	// ErrUnauthorized: inbound API key missing or invalid.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrProviderError: local provider failure (decode, config, token parse).
	ErrProviderError = errors.New("provider error")
)
