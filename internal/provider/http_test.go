package provider

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/edforge/edforge/pkg/config"
)

func testClient(endpoint string, maxRetries int) *HTTPClient {
	return NewHTTPClient(config.ProviderConfig{
		Endpoint:    endpoint,
		Model:       "test-model",
		MaxRetries:  maxRetries,
		BaseBackoff: time.Millisecond,
		MaxBackoff:  5 * time.Millisecond,
		Timeout:     5 * time.Second,
	})
}

func completionServer(status int, promptTokens, completionTokens int) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if status != http.StatusOK {
			w.WriteHeader(status)
			return
		}
		fmt.Fprintf(w, `{"choices":[{"message":{"role":"assistant","content":"generated text"}}],"usage":{"prompt_tokens":%d,"completion_tokens":%d}}`,
			promptTokens, completionTokens)
	}))
}

func TestCompleteCountsRequestsAndTokens(t *testing.T) {
	srv := completionServer(http.StatusOK, 12, 30)
	defer srv.Close()
	c := testClient(srv.URL, 0)

	okBefore := testutil.ToFloat64(c.metrics.ProviderRequests.WithLabelValues("ok"))
	tokBefore := testutil.ToFloat64(c.metrics.ProviderTokens)

	resp, err := c.Complete(context.Background(), &CompletionRequest{Prompt: "explain fractions"})
	if err != nil {
		t.Fatalf("Complete failed: %v", err)
	}
	if resp.TotalTokens() != 42 {
		t.Errorf("TotalTokens = %d, want 42", resp.TotalTokens())
	}
	if got := testutil.ToFloat64(c.metrics.ProviderRequests.WithLabelValues("ok")) - okBefore; got != 1 {
		t.Errorf("ok requests counted %v, want 1", got)
	}
	if got := testutil.ToFloat64(c.metrics.ProviderTokens) - tokBefore; got != 42 {
		t.Errorf("tokens counted %v, want 42", got)
	}
}

func TestCompleteRetriesTransientAndCounts(t *testing.T) {
	srv := completionServer(http.StatusInternalServerError, 0, 0)
	defer srv.Close()
	c := testClient(srv.URL, 1)

	before := testutil.ToFloat64(c.metrics.ProviderRequests.WithLabelValues("transient"))

	_, err := c.Complete(context.Background(), &CompletionRequest{Prompt: "explain fractions"})
	if err == nil {
		t.Fatal("expected failure from a 500-only endpoint")
	}
	if !IsTransient(err) {
		t.Errorf("5xx failure not classified transient: %v", err)
	}
	// One initial attempt plus one retry.
	if got := testutil.ToFloat64(c.metrics.ProviderRequests.WithLabelValues("transient")) - before; got != 2 {
		t.Errorf("transient requests counted %v, want 2", got)
	}
}

func TestCompleteDoesNotRetryClientErrors(t *testing.T) {
	var mu sync.Mutex
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		calls++
		mu.Unlock()
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer srv.Close()
	c := testClient(srv.URL, 3)

	before := testutil.ToFloat64(c.metrics.ProviderRequests.WithLabelValues("error"))

	_, err := c.Complete(context.Background(), &CompletionRequest{Prompt: "explain fractions"})
	if err == nil {
		t.Fatal("expected failure from a 400 endpoint")
	}
	if IsTransient(err) {
		t.Errorf("4xx failure classified transient: %v", err)
	}
	mu.Lock()
	defer mu.Unlock()
	if calls != 1 {
		t.Errorf("client retried %d times on a 400, want a single call", calls)
	}
	if got := testutil.ToFloat64(c.metrics.ProviderRequests.WithLabelValues("error")) - before; got != 1 {
		t.Errorf("error requests counted %v, want 1", got)
	}
}

func TestTransientErrorKeepsCauseOnChain(t *testing.T) {
	err := TransientError(context.DeadlineExceeded)
	if !IsTransient(err) {
		t.Error("wrapped error lost the transient marker")
	}
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Error("wrapped error lost its cause")
	}
}
