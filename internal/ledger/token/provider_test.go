package token

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestToken_CachedOutsideRefreshSkewReturnsWithoutFetch(t *testing.T) {
	p := NewProvider("http://unreachable.invalid", "id", "secret", "")
	p.token = "cached-token"
	p.expiry = time.Now().Add(time.Hour)

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "cached-token" {
		t.Errorf("Token() = %s, want cached-token", tok)
	}
}

func TestToken_RefreshesWhenWithinSkewOfExpiry(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "fresh-token", ExpiresIn: 3600})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "id", "secret", "")
	p.token = "stale-token"
	p.expiry = time.Now().Add(5 * time.Second) // inside refreshSkew (30s)

	tok, err := p.Token(context.Background())
	if err != nil {
		t.Fatalf("Token: %v", err)
	}
	if tok != "fresh-token" {
		t.Errorf("Token() = %s, want fresh-token", tok)
	}
	if calls != 1 {
		t.Errorf("expected exactly one token request, got %d", calls)
	}
}

func TestToken_ConcurrentCallersCoalesceIntoOneFetch(t *testing.T) {
	var calls int32
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		<-release
		json.NewEncoder(w).Encode(tokenResponse{AccessToken: "shared-token", ExpiresIn: 3600})
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "id", "secret", "")

	var wg sync.WaitGroup
	results := make([]string, 10)
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			tok, err := p.Token(context.Background())
			if err != nil {
				t.Errorf("caller %d: Token: %v", i, err)
				return
			}
			results[i] = tok
		}(i)
	}

	time.Sleep(50 * time.Millisecond) // let every goroutine reach the in-flight wait
	close(release)
	wg.Wait()

	if calls != 1 {
		t.Errorf("expected exactly one in-flight token request across 10 callers, got %d", calls)
	}
	for i, tok := range results {
		if tok != "shared-token" {
			t.Errorf("caller %d got %q, want shared-token", i, tok)
		}
	}
}

func TestToken_FailedRefreshDoesNotServeStaleToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	p := NewProvider(srv.URL, "id", "secret", "")
	p.token = "stale-token"
	p.expiry = time.Now().Add(-time.Second) // already expired

	if _, err := p.Token(context.Background()); err == nil {
		t.Fatal("expected an error from a failing refresh")
	}
	if p.token != "" {
		t.Errorf("expected the stale token to be cleared after a failed refresh, got %q", p.token)
	}
}
