package security

import (
	"fmt"
	"time"
)

// AuthenticationError means the caller presented no credential, an unknown
// credential, or an expired one. The HTTP layer maps it to 401.
type AuthenticationError struct {
	Reason string
}

func (e *AuthenticationError) Error() string {
	return "authentication failed: " + e.Reason
}

// PermissionDeniedError means policy evaluated and said no: an ACL deny for
// an agent id, or a module/tool outside the allowlist. Required names the
// allowlist entry that would have permitted the action, so the caller's
// error carries a concrete remediation hint. Maps to 403.
type PermissionDeniedError struct {
	Message  string
	Required string
	Source   string
}

func (e *PermissionDeniedError) Error() string {
	return e.Message
}

// RateLimitedError carries the retry-after hint for a 429.
type RateLimitedError struct {
	RetryAfter time.Duration
	Limit      int
}

func (e *RateLimitedError) Error() string {
	return fmt.Sprintf("rate limit of %d requests per minute exceeded, retry in %s", e.Limit, e.RetryAfter.Round(time.Millisecond))
}
