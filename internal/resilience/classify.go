package resilience

import "github.com/MrWong99/streamdub/pkg/protocol"

// ClassifyCode maps a peer error code to a breaker [Outcome]. Codes outside
// the documented table fall back to the retryable flag the peer sent.
func ClassifyCode(code protocol.Code, retryable bool) Outcome {
	if protocol.IsRetryable(code, retryable) {
		return RetryableFailure
	}
	return NonRetryableFailure
}
