package tradewind

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestWithRetry_Chat_SucceedsFirstAttempt(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{resp: ChatResponse{Content: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("got %q, want %q", resp.Content, "hello")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_Chat_RetriesOn429(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429, Body: "rate limited"}},
		{resp: ChatResponse{Content: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	resp, err := p.Chat(context.Background(), ChatRequest{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "hello" {
		t.Errorf("got %q, want %q", resp.Content, "hello")
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_Chat_RetriesTransientUpstream(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrUpstream{Kind: FailureTransient, API: "openai", Message: "timeout"}},
		{resp: ChatResponse{Content: "hello"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	if _, err := p.Chat(context.Background(), ChatRequest{}); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if stub.calls != 2 {
		t.Errorf("got %d calls, want 2", stub.calls)
	}
}

func TestWithRetry_Chat_PermanentErrorNoRetry(t *testing.T) {
	wantErr := &ErrHTTP{Status: 400, Body: "bad request"}
	stub := &stubProvider{results: []stubResult{{err: wantErr}}}
	p := WithRetry(stub, RetryBaseDelay(0))

	_, err := p.Chat(context.Background(), ChatRequest{})
	var got *ErrHTTP
	if !errors.As(err, &got) || got.Status != 400 {
		t.Fatalf("err = %v, want 400", err)
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1", stub.calls)
	}
}

func TestWithRetry_Chat_ExhaustsAttempts(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
		{err: &ErrHTTP{Status: 503}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0), RetryMaxAttempts(3))

	_, err := p.Chat(context.Background(), ChatRequest{})
	if err == nil {
		t.Fatal("expected error")
	}
	if stub.calls != 3 {
		t.Errorf("got %d calls, want 3", stub.calls)
	}
}

func TestWithRetry_Stream_NoRetryAfterDeltas(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{deltas: []string{"partial"}, err: &ErrHTTP{Status: 503}},
		{resp: ChatResponse{Content: "never reached"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan TextDelta, 16)
	_, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err == nil {
		t.Fatal("expected the stream error to pass through")
	}
	if stub.calls != 1 {
		t.Errorf("got %d calls, want 1 (no retry once deltas flowed)", stub.calls)
	}
}

func TestWithRetry_Stream_RetriesBeforeDeltas(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 429}},
		{deltas: []string{"a", "b"}, resp: ChatResponse{Content: "ab"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(0))

	ch := make(chan TextDelta, 16)
	resp, err := p.ChatStream(context.Background(), ChatRequest{}, ch)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if resp.Content != "ab" {
		t.Errorf("got %q, want %q", resp.Content, "ab")
	}
	var n int
	for range ch {
		n++
	}
	if n != 2 {
		t.Errorf("got %d deltas, want 2", n)
	}
}

func TestWithRetry_ContextCancelledDuringBackoff(t *testing.T) {
	stub := &stubProvider{results: []stubResult{
		{err: &ErrHTTP{Status: 503}},
		{resp: ChatResponse{Content: "never"}},
	}}
	p := WithRetry(stub, RetryBaseDelay(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()
	_, err := p.Chat(ctx, ChatRequest{})
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want context.Canceled", err)
	}
}

func TestRetryDelay_HonorsRetryAfter(t *testing.T) {
	err := &ErrHTTP{Status: 429, RetryAfter: 5 * time.Second}
	if d := retryDelay(time.Millisecond, 0, err); d < 5*time.Second {
		t.Errorf("delay = %v, want >= 5s", d)
	}
}

func TestParseRetryAfter(t *testing.T) {
	if d := ParseRetryAfter("7"); d != 7*time.Second {
		t.Errorf("ParseRetryAfter(7) = %v, want 7s", d)
	}
	if d := ParseRetryAfter(""); d != 0 {
		t.Errorf("ParseRetryAfter(empty) = %v, want 0", d)
	}
	if d := ParseRetryAfter("soon"); d != 0 {
		t.Errorf("ParseRetryAfter(soon) = %v, want 0", d)
	}
}
