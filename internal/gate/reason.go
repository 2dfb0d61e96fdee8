package gate

// Reason is a stable, machine-readable denial code.
type Reason string

const (
	ReasonNone          Reason = ""
	MissingCredential   Reason = "missing_credential"
	MalformedCredential Reason = "malformed_credential"
	UnknownCredential   Reason = "unknown_credential"
	InactiveCredential  Reason = "inactive_credential"
	ExpiredCredential   Reason = "expired_credential"
	ScopeDenied         Reason = "scope_denied"
	RateLimited         Reason = "rate_limited"
	QuotaExceeded       Reason = "quota_exceeded"
	InternalError       Reason = "internal_error"
)

// Message returns the default human-readable text for r.
func (r Reason) Message() string {
	switch r {
	case MissingCredential:
		return "An API key is required. Send it in the X-API-Key header or as a Bearer token."
	case MalformedCredential:
		return "The API key is not in a recognized format."
	case UnknownCredential:
		return "The API key is not valid."
	case InactiveCredential:
		return "The API key has been revoked."
	case ExpiredCredential:
		return "The API key has expired."
	case ScopeDenied:
		return "The API key does not grant access to this resource."
	case RateLimited:
		return "Too many requests for this API key."
	case QuotaExceeded:
		return "The monthly quota for this API key is exhausted."
	case InternalError:
		return "The request could not be authorized. Try again later."
	default:
		return ""
	}
}

// IsCredentialFailure reports whether r means the caller did not present a
// usable credential.
func (r Reason) IsCredentialFailure() bool {
	switch r {
	case MissingCredential, MalformedCredential, UnknownCredential, InactiveCredential, ExpiredCredential:
		return true
	}
	return false
}
