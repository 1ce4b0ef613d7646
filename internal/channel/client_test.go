package channel

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/goccy/go-json"
)

func testOptions() Options {
	return Options{
		RequestsPerSecond: 1000,
		Burst:             10,
		UserAgent:         "sync-test",
		BreakerFailures:   3,
		BreakerTimeout:    time.Minute,
	}
}

func TestFetchPageRequest(t *testing.T) {
	var gotQuery map[string][]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/booking/reservations" {
			t.Errorf("path = %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "key" || pass != "secret" {
			t.Errorf("basic auth = %q, %q, %v", user, pass, ok)
		}
		if ua := r.Header.Get("User-Agent"); ua != "sync-test" {
			t.Errorf("user agent = %q", ua)
		}
		gotQuery = r.URL.Query()

		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]Reservation{
			{ID: "r1", ListingRef: "64b7f0c2a1d3e4f5a6b7c8d9", Type: "blocked", CheckIn: "2025-01-02", CheckOut: "2025-01-04"},
			{ID: "r2", ListingID: "L-2", Type: "maintenance", CheckIn: "2025-01-05"},
		})
	}))
	defer srv.Close()

	c := NewClient("org-1", Credentials{BaseURL: srv.URL + "/v1/", APIKey: "key", APISecret: "secret"}, testOptions())
	page, err := c.FetchPage(context.Background(), PageRequest{
		From:     "2025-01-01",
		To:       "2025-01-31",
		DateType: "arrival",
		Limit:    50,
		Skip:     40,
		Types:    []string{"blocked", "maintenance"},
		Timeout:  time.Second,
	})
	if err != nil {
		t.Fatalf("FetchPage: %v", err)
	}

	if len(page) != 2 || page[0].ID != "r1" || page[1].ListingID != "L-2" {
		t.Errorf("page = %+v", page)
	}

	want := map[string][]string{
		"from":     {"2025-01-01"},
		"to":       {"2025-01-31"},
		"dateType": {"arrival"},
		"limit":    {"20"},
		"skip":     {"40"},
		"type":     {"blocked", "maintenance"},
	}
	for key, values := range want {
		got := gotQuery[key]
		if len(got) != len(values) {
			t.Errorf("%s = %v, want %v", key, got, values)
			continue
		}
		for i := range values {
			if got[i] != values[i] {
				t.Errorf("%s = %v, want %v", key, got, values)
			}
		}
	}
}

func TestFetchPageNon2xx(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "invalid credentials", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := NewClient("org-1", Credentials{BaseURL: srv.URL, APIKey: "k", APISecret: "s"}, testOptions())
	_, err := c.FetchPage(context.Background(), PageRequest{From: "2025-01-01", To: "2025-01-31"})

	var fetchErr *RemoteFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want RemoteFetchError", err)
	}
	if fetchErr.StatusCode != http.StatusUnauthorized || fetchErr.Body != "invalid credentials" {
		t.Errorf("fetchErr = %+v", fetchErr)
	}
}

func TestFetchPageMalformedBody(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"error": "not a list"`))
	}))
	defer srv.Close()

	c := NewClient("org-1", Credentials{BaseURL: srv.URL}, testOptions())
	_, err := c.FetchPage(context.Background(), PageRequest{})

	var fetchErr *RemoteFetchError
	if !errors.As(err, &fetchErr) || fetchErr.StatusCode != http.StatusOK {
		t.Fatalf("err = %v, want RemoteFetchError with status 200", err)
	}
}

func TestFetchPageTimeout(t *testing.T) {
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-release:
		case <-r.Context().Done():
		}
	}))
	defer srv.Close()
	defer close(release)

	c := NewClient("org-1", Credentials{BaseURL: srv.URL}, testOptions())
	start := time.Now()
	_, err := c.FetchPage(context.Background(), PageRequest{Timeout: 50 * time.Millisecond})

	var fetchErr *RemoteFetchError
	if !errors.As(err, &fetchErr) || !fetchErr.Timeout {
		t.Fatalf("err = %v, want timeout RemoteFetchError", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("timeout took %v", elapsed)
	}
}

func TestFetchPageParentCanceled(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		<-r.Context().Done()
	}))
	defer srv.Close()

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	c := NewClient("org-1", Credentials{BaseURL: srv.URL}, testOptions())
	_, err := c.FetchPage(ctx, PageRequest{Timeout: 5 * time.Second})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	var fetchErr *RemoteFetchError
	if errors.As(err, &fetchErr) {
		t.Error("cancellation reported as a remote failure")
	}
}

func TestCircuitOpensAfterConsecutiveFailures(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	c := NewClient("org-breaker", Credentials{BaseURL: srv.URL}, testOptions())
	for i := 0; i < 3; i++ {
		if _, err := c.FetchPage(context.Background(), PageRequest{}); err == nil {
			t.Fatal("expected failure")
		}
	}

	_, err := c.FetchPage(context.Background(), PageRequest{})
	if !errors.Is(err, ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	var fetchErr *RemoteFetchError
	if !errors.As(err, &fetchErr) {
		t.Error("open circuit is not a RemoteFetchError")
	}
	if calls.Load() != 3 {
		t.Errorf("server calls = %d, want 3", calls.Load())
	}
	if c.BreakerState() != "open" {
		t.Errorf("state = %s", c.BreakerState())
	}
}

func TestMissingBaseURL(t *testing.T) {
	c := NewClient("org-1", Credentials{}, testOptions())
	_, err := c.FetchPage(context.Background(), PageRequest{})
	var fetchErr *RemoteFetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want RemoteFetchError", err)
	}
}

func TestClampLimit(t *testing.T) {
	for in, want := range map[int]int{0: 20, -1: 20, 5: 5, 20: 20, 21: 20, 100: 20} {
		if got := ClampLimit(in); got != want {
			t.Errorf("ClampLimit(%d) = %d, want %d", in, got, want)
		}
	}
}

func TestPoolReusesClients(t *testing.T) {
	pool := NewPool(testOptions())
	creds := Credentials{BaseURL: "https://api.example", APIKey: "k", APISecret: "s"}

	a := pool.Get("org-1", creds)
	if pool.Get("org-1", creds) != a {
		t.Error("same credentials returned a new client")
	}
	if pool.Get("org-2", creds) == a {
		t.Error("organizations share a client")
	}

	creds.APISecret = "rotated"
	if pool.Get("org-1", creds) == a {
		t.Error("rotated credentials kept the old client")
	}

	if states := pool.States(); len(states) != 2 || states["org-1"] != "closed" {
		t.Errorf("states = %v", states)
	}
}

func TestListingCandidates(t *testing.T) {
	r := Reservation{ListingID: "L-1", PropertyID: "P-1"}
	got := r.ListingCandidates()
	if len(got) != 3 || got[0] != "" || got[1] != "L-1" || got[2] != "P-1" {
		t.Errorf("candidates = %v", got)
	}
	if r.ExternalListingID() != "L-1" {
		t.Errorf("ExternalListingID = %q", r.ExternalListingID())
	}
}
