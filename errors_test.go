package tradewind

import (
	"errors"
	"fmt"
	"testing"
)

func TestIsTransientErr(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		{"transient upstream", &ErrUpstream{Kind: FailureTransient, API: "explore"}, true},
		{"permanent upstream", &ErrUpstream{Kind: FailurePermanent, API: "explore"}, false},
		{"http 429", &ErrHTTP{Status: 429}, true},
		{"http 500", &ErrHTTP{Status: 500}, true},
		{"http 503", &ErrHTTP{Status: 503}, true},
		{"http 400", &ErrHTTP{Status: 400}, false},
		{"http 404", &ErrHTTP{Status: 404}, false},
		{"wrapped transient", fmt.Errorf("call failed: %w", &ErrUpstream{Kind: FailureTransient}), true},
		{"plain error", errors.New("boom"), false},
		{"budget exhausted", ErrBudgetExhausted, false},
		{"circuit open", ErrCircuitOpen, false},
	}
	for _, tc := range cases {
		if got := IsTransientErr(tc.err); got != tc.want {
			t.Errorf("%s: IsTransientErr = %v, want %v", tc.name, got, tc.want)
		}
	}
}

func TestErrUpstreamUnwrap(t *testing.T) {
	inner := &ErrHTTP{Status: 502, Body: "bad gateway"}
	err := &ErrUpstream{Kind: FailureTransient, API: "countryPages", Message: "bad gateway", Err: inner}

	var he *ErrHTTP
	if !errors.As(err, &he) || he.Status != 502 {
		t.Errorf("errors.As through ErrUpstream failed: %v", err)
	}
	if got := err.Error(); got != "countryPages: transient failure: bad gateway" {
		t.Errorf("Error() = %q", got)
	}
}

func TestIsProgrammingErr(t *testing.T) {
	for _, err := range []error{ErrNotPopulated, ErrUnknownIndex, ErrUnknownQueryType} {
		if !IsProgrammingErr(fmt.Errorf("wrapped: %w", err)) {
			t.Errorf("IsProgrammingErr(%v) = false, want true", err)
		}
	}
	if IsProgrammingErr(ErrBudgetExhausted) {
		t.Error("IsProgrammingErr(ErrBudgetExhausted) = true, want false")
	}
	if IsProgrammingErr(nil) {
		t.Error("IsProgrammingErr(nil) = true, want false")
	}
}

func TestFailureKindString(t *testing.T) {
	if got := FailureTransient.String(); got != "transient" {
		t.Errorf("got %q", got)
	}
	if got := FailurePermanent.String(); got != "permanent" {
		t.Errorf("got %q", got)
	}
}
