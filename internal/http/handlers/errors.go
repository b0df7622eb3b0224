package handlers

// Error codes carried in the "code" field of every error envelope. Clients
// branch on these rather than on the message text.
//
//	{"request_id": "e1b9be03-...", "code": "invalid_reference", "message": "seller and buyer must differ"}
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeUnauthorized     = "unauthorized"
	ErrCodeForbidden        = "forbidden"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"

	// ErrCodeRateLimited is written by the rate limiter middleware, which
	// cannot import this package.
	ErrCodeRateLimited = "too_many_requests"

	// Room directory and history.
	ErrCodeInvalidReference = "invalid_reference" // unknown product or user, or self-chat
	ErrCodeCreateFailed     = "create_failed"
	ErrCodeListFailed       = "list_failed"

	ErrCodeNotReady = "not_ready"
)
