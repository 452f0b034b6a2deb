package auth

import "errors"

// Error taxonomy for the authentication components. Handlers map these
// to coarse client-facing categories; logs keep the specific cause.
var (
	// ErrMalformedRequest covers structurally invalid auth input:
	// missing headers, unparseable timestamps.
	ErrMalformedRequest = errors.New("malformed request")

	// ErrMalformedToken means the bearer token cannot be decoded.
	ErrMalformedToken = errors.New("malformed token")

	// ErrTokenExpired means the token is past its expiry.
	ErrTokenExpired = errors.New("token expired")

	// ErrBadSignature means the token signature does not validate
	// under the key version it claims.
	ErrBadSignature = errors.New("invalid token signature")

	// ErrStaleTimestamp means the request timestamp is outside the
	// allowed clock-skew window.
	ErrStaleTimestamp = errors.New("stale request timestamp")

	// ErrSignatureMismatch means the request HMAC does not match.
	ErrSignatureMismatch = errors.New("request signature mismatch")

	// ErrKeyNotFound means the claimed key version has aged out of the
	// key store. Permanent, not transient: the credential can never
	// become valid again.
	ErrKeyNotFound = errors.New("signing key version not found")

	// ErrNoKeys means the key store holds no valid keys. Fatal:
	// issuance and verification halt rather than failing open.
	ErrNoKeys = errors.New("no signing keys available")
)
