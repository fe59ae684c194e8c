package atlas

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	tradewind "github.com/tradewindhq/tradewind"
)

func newServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return srv
}

func TestExecute_Success(t *testing.T) {
	var gotBody graphqlRequest
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if err := json.NewDecoder(r.Body).Decode(&gotBody); err != nil {
			t.Errorf("decode request: %v", err)
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"data":{"countryYear":{"eci":1.2}}}`))
	})
	c := New("explore", srv.URL, WithBackoffBase(0))

	data, err := c.Execute(context.Background(), "query{...}", map[string]any{"countryId": 231}, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	var parsed map[string]any
	if err := json.Unmarshal(data, &parsed); err != nil {
		t.Fatalf("data not JSON: %v", err)
	}
	if gotBody.Query != "query{...}" {
		t.Errorf("posted query = %q", gotBody.Query)
	}
	if gotBody.Variables["countryId"] != float64(231) {
		t.Errorf("posted variables = %v", gotBody.Variables)
	}
}

func TestExecute_RetryBound(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	})
	c := New("explore", srv.URL, WithMaxRetries(2), WithBackoffBase(0))

	_, err := c.Execute(context.Background(), "q", nil, "")
	if !tradewind.IsTransientErr(err) {
		t.Fatalf("err = %v, want transient", err)
	}
	if n := calls.Load(); n != 3 {
		t.Errorf("got %d requests, want maxRetries+1 = 3", n)
	}
}

func TestExecute_PermanentNoRetry(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	})
	c := New("explore", srv.URL, WithMaxRetries(3), WithBackoffBase(0))

	_, err := c.Execute(context.Background(), "q", nil, "")
	var up *tradewind.ErrUpstream
	if !errors.As(err, &up) || up.Kind != tradewind.FailurePermanent {
		t.Fatalf("err = %v, want permanent upstream", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("got %d requests, want 1", n)
	}
}

func TestExecute_GraphQLErrorsArePermanent(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":null,"errors":[{"message":"unknown field"},{"message":"bad year"}]}`))
	})
	c := New("countryPages", srv.URL, WithBackoffBase(0))

	_, err := c.Execute(context.Background(), "q", nil, "")
	var up *tradewind.ErrUpstream
	if !errors.As(err, &up) {
		t.Fatalf("err = %v, want ErrUpstream", err)
	}
	if up.Kind != tradewind.FailurePermanent {
		t.Errorf("Kind = %v, want permanent", up.Kind)
	}
	if up.Message != "unknown field; bad year" {
		t.Errorf("Message = %q", up.Message)
	}
}

func TestExecute_EmptyResponseIsPermanent(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{}`))
	})
	c := New("explore", srv.URL, WithBackoffBase(0))

	_, err := c.Execute(context.Background(), "q", nil, "")
	var up *tradewind.ErrUpstream
	if !errors.As(err, &up) || up.Kind != tradewind.FailurePermanent {
		t.Fatalf("err = %v, want permanent upstream", err)
	}
}

func TestExecute_PartialErrorsStillSucceed(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"data":{"x":1},"errors":[{"message":"deprecated field"}]}`))
	})
	c := New("explore", srv.URL, WithBackoffBase(0))

	data, err := c.Execute(context.Background(), "q", nil, "")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(data) != `{"x":1}` {
		t.Errorf("data = %s", data)
	}
}

func TestExecute_CircuitOpenFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	cb := tradewind.NewCircuitBreaker(tradewind.CircuitBreakerConfig{
		Name: "explore", FailureThreshold: 2, RecoveryTimeout: time.Hour,
	})
	c := New("explore", srv.URL, WithCircuit(cb), WithMaxRetries(0), WithBackoffBase(0))

	c.Execute(context.Background(), "q", nil, "")
	c.Execute(context.Background(), "q", nil, "")
	if got := cb.State(); got != tradewind.CircuitOpen {
		t.Fatalf("circuit state = %q, want open after 2 transient failures", got)
	}

	before := calls.Load()
	_, err := c.Execute(context.Background(), "q", nil, "")
	if !errors.Is(err, tradewind.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if calls.Load() != before {
		t.Error("request was issued while circuit open")
	}
}

func TestExecute_BudgetConsumeOnSuccessOnly(t *testing.T) {
	var status atomic.Int32
	status.Store(http.StatusBadGateway)
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		code := int(status.Load())
		if code != http.StatusOK {
			w.WriteHeader(code)
			return
		}
		w.Write([]byte(`{"data":{"ok":true}}`))
	})
	budget := tradewind.NewBudgetTracker(2, time.Minute)
	c := New("explore", srv.URL, WithBudget(budget), WithMaxRetries(0), WithBackoffBase(0))

	// Failing calls never consume.
	c.Execute(context.Background(), "q", nil, "")
	c.Execute(context.Background(), "q", nil, "")
	if got := budget.Remaining(""); got != 2 {
		t.Fatalf("Remaining after failures = %d, want 2", got)
	}

	status.Store(http.StatusOK)
	if _, err := c.Execute(context.Background(), "q", nil, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := budget.Remaining(""); got != 1 {
		t.Errorf("Remaining after success = %d, want 1", got)
	}
}

func TestExecute_BudgetExhaustedFailsFast(t *testing.T) {
	var calls atomic.Int32
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Write([]byte(`{"data":{"ok":true}}`))
	})
	budget := tradewind.NewBudgetTracker(1, time.Minute)
	c := New("explore", srv.URL, WithBudget(budget), WithBackoffBase(0))

	if _, err := c.Execute(context.Background(), "q", nil, "sess"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, err := c.Execute(context.Background(), "q", nil, "sess")
	if !errors.Is(err, tradewind.ErrBudgetExhausted) {
		t.Fatalf("err = %v, want ErrBudgetExhausted", err)
	}
	if n := calls.Load(); n != 1 {
		t.Errorf("got %d requests, want 1", n)
	}
}

func TestExecute_RequestHeaders(t *testing.T) {
	srv := newServer(t, func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer sekrit" {
			t.Errorf("Authorization = %q", got)
		}
		if got := r.Header.Get("Content-Type"); got != "application/json" {
			t.Errorf("Content-Type = %q", got)
		}
		w.Write([]byte(`{"data":{"ok":true}}`))
	})
	c := New("explore", srv.URL, WithAPIKey("sekrit"), WithBackoffBase(0))

	if _, err := c.Execute(context.Background(), "q", nil, ""); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}
