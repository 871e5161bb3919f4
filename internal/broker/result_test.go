package broker

import (
	"context"
	"net/http"
	"testing"
)

func TestErrorKindHTTPStatus(t *testing.T) {
	t.Parallel()
	cases := []struct {
		kind ErrorKind
		want int
	}{
		{KindAuthFailed, http.StatusUnauthorized},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindNetwork, http.StatusBadGateway},
		{KindBadRequest, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindBroker, http.StatusBadGateway},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindCancelled, 499},
	}
	for _, tc := range cases {
		if got := tc.kind.HTTPStatus(); got != tc.want {
			t.Errorf("%s.HTTPStatus() = %d, want %d", tc.kind, got, tc.want)
		}
	}
}

func TestResultOK(t *testing.T) {
	t.Parallel()
	r := OK(42)
	if !r.IsOK() {
		t.Fatal("OK result reports not ok")
	}
	if r.Value != 42 {
		t.Errorf("Value = %d, want 42", r.Value)
	}
}

func TestResultFail(t *testing.T) {
	t.Parallel()
	r := Failf[int](KindNotFound, "account %d unknown", 7)
	if r.IsOK() {
		t.Fatal("Fail result reports ok")
	}
	if r.Err.Kind != KindNotFound {
		t.Errorf("Kind = %s, want NOT_FOUND", r.Err.Kind)
	}
	if got := r.Err.Error(); got != "NOT_FOUND: account 7 unknown" {
		t.Errorf("Error() = %q", got)
	}
}

func TestErrFromStatusClassification(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status    int
		kind      ErrorKind
		retriable bool
	}{
		{401, KindAuthFailed, false},
		{403, KindAuthFailed, false},
		{404, KindNotFound, false},
		{408, KindTimeout, true},
		{422, KindBadRequest, false},
		{429, KindRateLimited, true},
		{500, KindBroker, false},
		{503, KindBroker, false},
	}
	for _, tc := range cases {
		e := errFromStatus(tc.status, "body")
		if e.Kind != tc.kind {
			t.Errorf("status %d: kind = %s, want %s", tc.status, e.Kind, tc.kind)
		}
		if e.Retriable != tc.retriable {
			t.Errorf("status %d: retriable = %v, want %v", tc.status, e.Retriable, tc.retriable)
		}
		if e.Status != tc.status {
			t.Errorf("status %d not recorded", tc.status)
		}
	}
}

func TestErrFromContext(t *testing.T) {
	t.Parallel()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if e := errFromContext(ctx.Err()); e.Kind != KindCancelled {
		t.Errorf("cancelled context → %s, want CANCELLED", e.Kind)
	}
	if e := errFromContext(context.DeadlineExceeded); e.Kind != KindTimeout {
		t.Errorf("deadline → %s, want TIMEOUT", e.Kind)
	}
}
