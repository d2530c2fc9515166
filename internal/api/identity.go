package api

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

// expirySlack is subtracted from the reported token lifetime so a token is
// never used in its final minute.
const expirySlack = time.Minute

// TokenProvider exchanges a long-lived refresh token for short-lived ID
// tokens at an OAuth-style token endpoint and caches the result until it is
// close to expiry.
type TokenProvider struct {
	endpoint     string
	key          string
	refreshToken string
	httpc        *http.Client

	mu      sync.Mutex
	cached  string
	expires time.Time
}

// NewTokenProvider creates a provider. key is appended as the endpoint's
// query key parameter when non-empty.
func NewTokenProvider(endpoint, key, refreshToken string) *TokenProvider {
	return &TokenProvider{
		endpoint:     endpoint,
		key:          key,
		refreshToken: refreshToken,
		httpc:        &http.Client{Timeout: 15 * time.Second},
	}
}

// IDToken returns a cached token while it is still valid, refreshing
// otherwise.
func (p *TokenProvider) IDToken(ctx context.Context) (string, error) {
	p.mu.Lock()
	if p.cached != "" && time.Now().Before(p.expires) {
		tok := p.cached
		p.mu.Unlock()
		return tok, nil
	}
	p.mu.Unlock()
	return p.Refresh(ctx)
}

// Refresh unconditionally exchanges the refresh token and replaces the
// cached ID token.
func (p *TokenProvider) Refresh(ctx context.Context) (string, error) {
	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {p.refreshToken},
	}
	endpoint := p.endpoint
	if p.key != "" {
		endpoint += "?key=" + url.QueryEscape(p.key)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, strings.NewReader(form.Encode()))
	if err != nil {
		return "", fmt.Errorf("api: build refresh request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := p.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("api: refresh: %w", err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("api: read refresh response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return "", fmt.Errorf("api: refresh failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var tr struct {
		IDToken   string `json:"id_token"`
		ExpiresIn string `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &tr); err != nil {
		return "", fmt.Errorf("api: decode refresh response: %w", err)
	}
	if tr.IDToken == "" {
		return "", fmt.Errorf("api: refresh response has no id_token")
	}

	ttl := time.Hour
	if secs, err := strconv.Atoi(tr.ExpiresIn); err == nil && secs > 0 {
		ttl = time.Duration(secs) * time.Second
	}
	if ttl > expirySlack {
		ttl -= expirySlack
	}

	p.mu.Lock()
	p.cached = tr.IDToken
	p.expires = time.Now().Add(ttl)
	p.mu.Unlock()

	log.Printf("API: identity token refreshed, valid for %s", ttl)
	return tr.IDToken, nil
}

// Invalidate drops the cached token so the next IDToken call refreshes.
func (p *TokenProvider) Invalidate() {
	p.mu.Lock()
	p.cached = ""
	p.mu.Unlock()
}
