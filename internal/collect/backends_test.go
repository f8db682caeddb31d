package collect

import (
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/sony/gobreaker"
)

func TestBreakerTransportPassesResponsesThrough(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	transport := NewBreakerTransport("test-ok", http.DefaultTransport)
	client := &http.Client{Transport: transport}

	resp, err := client.Get(srv.URL)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Errorf("status = %d, want 200", resp.StatusCode)
	}

	// Client errors are the caller's problem, not the backend's.
	for i := 0; i < 5; i++ {
		resp, err := client.Get(srv.URL + "/missing")
		if err != nil {
			t.Fatalf("get /missing: %v", err)
		}
		resp.Body.Close()
	}
	if transport.State() != gobreaker.StateClosed {
		t.Errorf("state = %s, want closed", transport.State())
	}
}

func TestBreakerTransportOpensAfterServerErrors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	transport := NewBreakerTransport("test-5xx", http.DefaultTransport)
	client := &http.Client{Transport: transport}

	// The first three 5xx responses still reach the caller.
	for i := 0; i < 3; i++ {
		resp, err := client.Get(srv.URL)
		if err != nil {
			t.Fatalf("request %d: %v", i, err)
		}
		resp.Body.Close()
		if resp.StatusCode != http.StatusBadGateway {
			t.Fatalf("request %d: status = %d, want 502", i, resp.StatusCode)
		}
	}

	if transport.State() != gobreaker.StateOpen {
		t.Fatalf("state = %s, want open after 3 consecutive failures", transport.State())
	}
	if _, err := client.Get(srv.URL); !errors.Is(err, gobreaker.ErrOpenState) {
		t.Fatalf("expected ErrOpenState, got %v", err)
	}
}
