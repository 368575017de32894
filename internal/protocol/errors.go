package protocol

// Client-facing error taxonomy. Kinds travel on the wire in the `type`
// field of `error` and `subscription_error` frames.
const (
	ErrAuth            = "AuthError"
	ErrCapacity        = "CapacityError"
	ErrValidation      = "ValidationError"
	ErrPayloadTooLarge = "PayloadTooLarge"
	ErrRateLimit       = "RateLimitExceeded"
	ErrNotSupported    = "NotSupported"
	ErrServer          = "ServerError"
	ErrBatch           = "BatchError"
)

// Error is a protocol-level failure destined for the client.
type Error struct {
	Kind       string
	Message    string
	Status     int   // HTTP-style status for subscription errors
	RetryAfter int64 // unix ms when the client may retry, 0 when unset
}

func (e *Error) Error() string {
	if e.Message == "" {
		return e.Kind
	}
	return e.Kind + ": " + e.Message
}
