// Package token implements the OAuth2 client-credentials Token Provider
// (component B, spec §4.B). No library in the retrieval pack wraps
// client-credentials token acquisition (no golang.org/x/oauth2), so
// this is built directly on
// go-resty/resty/v2 in the same style as internal/ledger's REST client,
// with the refresh/coalesce logic hand-rolled over sync.Mutex the way
// the teacher guards its in-memory caches elsewhere.
package token

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/go-resty/resty/v2"
)

const refreshSkew = 30 * time.Second

// Provider mints and caches bearer tokens via the OAuth2 client-credentials
// grant. A single in-flight refresh is shared by concurrent callers
// (§4.B); a cached token is never reused past its expiry even if refresh
// keeps failing — callers see Unauthenticated instead.
type Provider struct {
	http         *resty.Client
	tokenURL     string
	clientID     string
	clientSecret string
	scope        string

	mu      sync.Mutex
	token   string
	expiry  time.Time
	inFlight *tokenFuture
}

type tokenFuture struct {
	done  chan struct{}
	token string
	err   error
}

// NewProvider builds a Provider against tokenURL using the client
// credentials grant with clientID/clientSecret. scope may be empty.
func NewProvider(tokenURL, clientID, clientSecret, scope string) *Provider {
	return &Provider{
		http: resty.New().
			SetTimeout(10 * time.Second).
			SetRetryCount(2).
			SetRetryWaitTime(200 * time.Millisecond),
		tokenURL:     tokenURL,
		clientID:     clientID,
		clientSecret: clientSecret,
		scope:        scope,
	}
}

type tokenResponse struct {
	AccessToken string `json:"access_token"`
	ExpiresIn   int64  `json:"expires_in"`
	TokenType   string `json:"token_type"`
}

// Token returns a valid bearer token, refreshing if the cached one is
// within refreshSkew of expiry. Concurrent callers that arrive while a
// refresh is already underway block on that single refresh rather than
// each issuing their own request.
func (p *Provider) Token(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.token != "" && time.Until(p.expiry) > refreshSkew {
		tok := p.token
		p.mu.Unlock()
		return tok, nil
	}

	if p.inFlight != nil {
		fut := p.inFlight
		p.mu.Unlock()
		return waitFuture(ctx, fut)
	}

	fut := &tokenFuture{done: make(chan struct{})}
	p.inFlight = fut
	p.mu.Unlock()

	tok, expiry, err := p.fetch(ctx)

	p.mu.Lock()
	if err == nil {
		p.token = tok
		p.expiry = expiry
	} else {
		// Do not keep serving a cached token across a failed refresh once
		// this one has gone stale; next call retries from scratch.
		p.token = ""
	}
	fut.token, fut.err = tok, err
	p.inFlight = nil
	p.mu.Unlock()
	close(fut.done)

	if err != nil {
		return "", err
	}
	return tok, nil
}

func waitFuture(ctx context.Context, fut *tokenFuture) (string, error) {
	select {
	case <-fut.done:
		return fut.token, fut.err
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (p *Provider) fetch(ctx context.Context) (string, time.Time, error) {
	form := map[string]string{
		"grant_type":    "client_credentials",
		"client_id":     p.clientID,
		"client_secret": p.clientSecret,
	}
	if p.scope != "" {
		form["scope"] = p.scope
	}

	var out tokenResponse
	resp, err := p.http.R().
		SetContext(ctx).
		SetFormData(form).
		SetResult(&out).
		Post(p.tokenURL)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("token request: %w", err)
	}
	if resp.StatusCode() != 200 {
		var reason map[string]interface{}
		_ = json.Unmarshal(resp.Body(), &reason)
		return "", time.Time{}, fmt.Errorf("token request: status %d: %v", resp.StatusCode(), reason)
	}
	if out.AccessToken == "" {
		return "", time.Time{}, fmt.Errorf("token request: empty access_token in response")
	}

	lifetime := time.Duration(out.ExpiresIn) * time.Second
	if lifetime <= 0 {
		lifetime = 5 * time.Minute
	}
	return out.AccessToken, time.Now().Add(lifetime), nil
}
