package errs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestKindOfWrappedError(t *testing.T) {
	base := New(KindConflict, CodeStaleChain, "tail moved to seq %d", 7)
	wrapped := fmt.Errorf("append failed: %w", base)

	if KindOf(wrapped) != KindConflict {
		t.Fatalf("expected CONFLICT, got %s", KindOf(wrapped))
	}
	if CodeOf(wrapped) != CodeStaleChain {
		t.Fatalf("expected stale chain code, got %s", CodeOf(wrapped))
	}
}

func TestUntypedErrorIsInternal(t *testing.T) {
	if KindOf(errors.New("boom")) != KindInternal {
		t.Fatal("untyped errors must classify as INTERNAL")
	}
}

func TestRetriable(t *testing.T) {
	cases := []struct {
		err  error
		want bool
	}{
		{New(KindUnavailable, CodeUnavailable, "storage down"), true},
		{New(KindDeadlineExceeded, CodeDeadlineExceeded, "deadline"), true},
		{New(KindConflict, CodeStaleChain, "stale"), true},
		{New(KindConflict, CodeSealed, "sealed"), false},
		{New(KindIntegrityViolation, CodeHashMismatch, "bad hash"), false},
		{New(KindInvalidArgument, CodeInvalidArgument, "bad index"), false},
	}
	for _, c := range cases {
		if got := Retriable(c.err); got != c.want {
			t.Errorf("Retriable(%v) = %v, want %v", c.err, got, c.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	if HTTPStatus(KindConflict) != http.StatusConflict {
		t.Fatal("conflict must map to 409")
	}
	if HTTPStatus(KindResourceExhausted) != http.StatusTooManyRequests {
		t.Fatal("exhausted must map to 429")
	}
	if HTTPStatus(KindIntegrityViolation) != http.StatusUnprocessableEntity {
		t.Fatal("integrity violation must map to 422")
	}
}

func TestUnwrapPreservesCause(t *testing.T) {
	cause := errors.New("disk full")
	err := Wrap(cause, KindUnavailable, CodeUnavailable, "staging write failed")
	if !errors.Is(err, cause) {
		t.Fatal("wrapped cause must survive errors.Is")
	}
}
