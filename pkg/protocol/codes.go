package protocol

// Code is a peer error code.
type Code string

// Retryable codes signal that the peer is unhealthy or overloaded.
const (
	CodeTimeout           Code = "TIMEOUT"
	CodeModelError        Code = "MODEL_ERROR"
	CodeResourceExhausted Code = "RESOURCE_EXHAUSTED"
	CodeQueueFull         Code = "QUEUE_FULL"
	CodeRateLimit         Code = "RATE_LIMIT"
)

// Non-retryable codes are specific to one request or to the worker's own
// configuration.
const (
	CodeInvalidConfig    Code = "INVALID_CONFIG"
	CodeStreamNotFound   Code = "STREAM_NOT_FOUND"
	CodeAuthFailed       Code = "AUTH_FAILED"
	CodeFragmentTooLarge Code = "FRAGMENT_TOO_LARGE"
	CodeInvalidSequence  Code = "INVALID_SEQUENCE"
)

var retryable = map[Code]bool{
	CodeTimeout:           true,
	CodeModelError:        true,
	CodeResourceExhausted: true,
	CodeQueueFull:         true,
	CodeRateLimit:         true,

	CodeInvalidConfig:    false,
	CodeStreamNotFound:   false,
	CodeAuthFailed:       false,
	CodeFragmentTooLarge: false,
	CodeInvalidSequence:  false,
}

// IsRetryable reports whether code is retryable. Codes not in the table
// defer to the flag the peer sent alongside them.
func IsRetryable(code Code, flag bool) bool {
	if r, ok := retryable[code]; ok {
		return r
	}
	return flag
}

// Known reports whether code is one of the documented codes.
func Known(code Code) bool {
	_, ok := retryable[code]
	return ok
}
