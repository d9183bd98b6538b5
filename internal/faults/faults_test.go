package faults

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestFaultErrorFormat(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want string
	}{
		{
			name: "op and cause",
			err:  Wrap(KindTransientIO, "ingest.download", errors.New("connection reset")),
			want: "ingest.download: transient_io: connection reset",
		},
		{
			name: "op only",
			err:  &Fault{Kind: KindInvariant, Op: "store.commit"},
			want: "store.commit: invariant",
		},
		{
			name: "cause only",
			err:  &Fault{Kind: KindRedFlag, Err: errors.New("output too long")},
			want: "red_flag: output too long",
		},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := tc.err.Error(); got != tc.want {
				t.Errorf("Error() = %q, want %q", got, tc.want)
			}
		})
	}
}

func TestWrapNil(t *testing.T) {
	if err := Wrap(KindTransientIO, "noop", nil); err != nil {
		t.Errorf("Wrap(nil) = %v, want nil", err)
	}
}

func TestKindOfUnwrapsChains(t *testing.T) {
	inner := New(KindQuotaExceeded, "quota.acquire", "bucket empty")
	outer := fmt.Errorf("embedding batch: %w", inner)

	if got := KindOf(outer); got != KindQuotaExceeded {
		t.Errorf("KindOf(wrapped) = %v, want quota_exceeded", got)
	}
	if !Is(outer, KindQuotaExceeded) {
		t.Error("Is() should see through fmt.Errorf wrapping")
	}

	var f *Fault
	if !errors.As(outer, &f) {
		t.Fatal("errors.As should find the fault")
	}
	if f.Op != "quota.acquire" {
		t.Errorf("Op = %q, want quota.acquire", f.Op)
	}
}

func TestKindOfContextErrors(t *testing.T) {
	if got := KindOf(context.Canceled); got != KindCancelled {
		t.Errorf("KindOf(context.Canceled) = %v, want cancelled", got)
	}
	if got := KindOf(context.DeadlineExceeded); got != KindTransientIO {
		t.Errorf("KindOf(context.DeadlineExceeded) = %v, want transient_io", got)
	}
	if got := KindOf(nil); got != KindUnknown {
		t.Errorf("KindOf(nil) = %v, want unknown", got)
	}
}

func TestWrapPreservesCancellation(t *testing.T) {
	// A cancelled download must not masquerade as retryable I/O.
	err := Wrap(KindTransientIO, "ingest.download", fmt.Errorf("get: %w", context.Canceled))
	if got := KindOf(err); got != KindCancelled {
		t.Errorf("KindOf = %v, want cancelled", got)
	}
	if IsRetryable(err) {
		t.Error("cancelled operations must not be retryable")
	}
}

func TestIsRetryable(t *testing.T) {
	cases := []struct {
		kind Kind
		want bool
	}{
		{KindTransientIO, true},
		{KindQuotaExceeded, true},
		{KindRedFlag, false},
		{KindNoConvergence, false},
		{KindExtractionFailed, false},
		{KindPermanentIO, false},
		{KindCancelled, false},
		{KindInvariant, false},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "boom")
		if got := IsRetryable(err); got != tc.want {
			t.Errorf("IsRetryable(%v) = %v, want %v", tc.kind, got, tc.want)
		}
	}
}

func TestHTTPStatus(t *testing.T) {
	cases := []struct {
		kind Kind
		want int
	}{
		{KindRedFlag, http.StatusBadGateway},
		{KindNoConvergence, http.StatusBadGateway},
		{KindExtractionFailed, http.StatusUnprocessableEntity},
		{KindTransientIO, http.StatusServiceUnavailable},
		{KindPermanentIO, http.StatusBadRequest},
		{KindQuotaExceeded, http.StatusTooManyRequests},
		{KindCancelled, 499},
		{KindInvariant, http.StatusInternalServerError},
		{KindUnknown, http.StatusInternalServerError},
	}
	for _, tc := range cases {
		err := New(tc.kind, "op", "boom")
		if got := HTTPStatus(err); got != tc.want {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestKindFromHTTPStatus(t *testing.T) {
	cases := []struct {
		code int
		want Kind
	}{
		{200, KindUnknown},
		{204, KindUnknown},
		{429, KindQuotaExceeded},
		{408, KindTransientIO},
		{500, KindTransientIO},
		{503, KindTransientIO},
		{400, KindPermanentIO},
		{401, KindPermanentIO},
		{404, KindPermanentIO},
	}
	for _, tc := range cases {
		if got := KindFromHTTPStatus(tc.code); got != tc.want {
			t.Errorf("KindFromHTTPStatus(%d) = %v, want %v", tc.code, got, tc.want)
		}
	}
}
