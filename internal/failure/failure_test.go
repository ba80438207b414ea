package failure

import (
	"context"
	"errors"
	"fmt"
	"testing"
)

func TestKindOf(t *testing.T) {
	base := Permanent(KindCaptionsUnavailable, "resolve captions", errors.New("no track for de"))
	wrapped := fmt.Errorf("export: %w", base)

	if got := KindOf(wrapped); got != KindCaptionsUnavailable {
		t.Fatalf("KindOf = %q", got)
	}
	if IsRetryable(wrapped) {
		t.Fatalf("permanent error reported retryable")
	}
	if !Is(wrapped, KindCaptionsUnavailable) {
		t.Fatalf("Is should match kind")
	}
}

func TestIsRetryable_Defaults(t *testing.T) {
	if !IsRetryable(errors.New("boom")) {
		t.Fatalf("unclassified errors should be retried")
	}
	if IsRetryable(context.Canceled) {
		t.Fatalf("cancellation should not be retried")
	}
	if IsRetryable(nil) {
		t.Fatalf("nil is not retryable")
	}
	if got := KindOf(fmt.Errorf("call: %w", context.DeadlineExceeded)); got != KindTimeout {
		t.Fatalf("deadline kind = %q", got)
	}
	if got := KindOf(errors.New("x")); got != KindInternal {
		t.Fatalf("unclassified kind = %q", got)
	}
}

func TestError_Message(t *testing.T) {
	err := Newf(KindPayloadTooLarge, false, "compress", "output %d bytes exceeds ceiling", 10)
	want := "PayloadTooLarge: compress: output 10 bytes exceeds ceiling"
	if err.Error() != want {
		t.Fatalf("Error() = %q, want %q", err.Error(), want)
	}
	var classified interface{ ErrorKind() string }
	if !errors.As(error(err), &classified) || classified.ErrorKind() != "PayloadTooLarge" {
		t.Fatalf("ErrorKind not exposed")
	}
}
