package resilience

import (
	"testing"

	"github.com/MrWong99/streamdub/pkg/protocol"
)

func TestClassifyCode(t *testing.T) {
	tests := []struct {
		code protocol.Code
		flag bool
		want Outcome
	}{
		{protocol.CodeTimeout, false, RetryableFailure},
		{protocol.CodeRateLimit, false, RetryableFailure},
		{protocol.CodeAuthFailed, true, NonRetryableFailure},
		{protocol.CodeInvalidSequence, true, NonRetryableFailure},
		{"UNLISTED", true, RetryableFailure},
		{"UNLISTED", false, NonRetryableFailure},
	}
	for _, tt := range tests {
		if got := ClassifyCode(tt.code, tt.flag); got != tt.want {
			t.Errorf("ClassifyCode(%s, %v) = %v, want %v", tt.code, tt.flag, got, tt.want)
		}
	}
}
