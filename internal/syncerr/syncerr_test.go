package syncerr

import (
	"context"
	"errors"
	"fmt"
	"net"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := errors.New("boom")
	tests := []struct {
		name string
		err  error
		want Kind
	}{
		{"nil", nil, KindUnknown},
		{"plain", base, KindUnknown},
		{"transport", Transport("propfind", base), KindTransport},
		{"wrapped protocol", fmt.Errorf("pull: %w", Protocol("report", base)), KindProtocol},
		{"cancelled", fmt.Errorf("pull: %w", context.Canceled), KindCancelled},
		{"cancelled inside transport", Transport("put", context.Canceled), KindCancelled},
		{"deadline", context.DeadlineExceeded, KindTransport},
		{"net op", &net.OpError{Op: "dial", Err: base}, KindTransport},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := KindOf(tt.err); got != tt.want {
				t.Errorf("KindOf = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNew_NilPassthrough(t *testing.T) {
	if err := New(KindProtocol, "op", nil); err != nil {
		t.Errorf("New(nil) = %v, want nil", err)
	}
}

func TestError_Message(t *testing.T) {
	err := LocalStore("upsert row", errors.New("disk full"))
	if got, want := err.Error(), "upsert row: disk full"; got != want {
		t.Errorf("Error() = %q, want %q", got, want)
	}
	if !IsRetryable(err) {
		t.Error("local store errors should be retryable")
	}
	if IsRetryable(Protocol("report", errors.New("bad xml"))) {
		t.Error("protocol errors should not be retryable")
	}
}
