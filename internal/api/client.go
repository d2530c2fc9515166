// Package api talks to the assistant backend: room token issuance and the
// identity service that backs it.
package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"

	"github.com/elityaev/agent-harness/internal/proto"
	"github.com/elityaev/agent-harness/internal/util"
)

// IdentityTokens supplies the bearer token for backend calls. Implemented by
// TokenProvider; tests substitute a stub.
type IdentityTokens interface {
	IDToken(ctx context.Context) (string, error)
	Refresh(ctx context.Context) (string, error)
}

// Client issues room access tokens from the backend.
type Client struct {
	baseURL string
	apiKey  string
	tokens  IdentityTokens
	httpc   *http.Client
}

// NewClient creates a backend client. baseURL is the token service root
// without a trailing slash.
func NewClient(baseURL, apiKey string, tokens IdentityTokens) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		tokens:  tokens,
		httpc:   &http.Client{Timeout: util.DefaultFetchTimeout},
	}
}

// FetchToken requests a room token. The body is signed with HMAC-MD5 over
// the exact serialized bytes using the shared API key; a 401 triggers one
// bearer refresh and one retry, never more.
func (c *Client) FetchToken(ctx context.Context, req proto.TokenRequest) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("api: encode token request: %w", err)
	}

	bearer, err := c.tokens.IDToken(ctx)
	if err != nil {
		return "", fmt.Errorf("api: identity token: %w", err)
	}

	status, respBody, err := c.post(ctx, "/livekit-token/", body, bearer)
	if err != nil {
		return "", err
	}
	if status == http.StatusUnauthorized {
		log.Printf("API: token request unauthorized, refreshing bearer")
		bearer, err = c.tokens.Refresh(ctx)
		if err != nil {
			return "", fmt.Errorf("api: refresh identity token: %w", err)
		}
		status, respBody, err = c.post(ctx, "/livekit-token/", body, bearer)
		if err != nil {
			return "", err
		}
	}
	if status < 200 || status > 299 {
		return "", fmt.Errorf("api: token request failed: status %d: %s", status, strings.TrimSpace(string(respBody)))
	}

	var tr proto.TokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return "", fmt.Errorf("api: decode token response: %w", err)
	}
	if tr.Token == "" {
		return "", fmt.Errorf("api: empty token in response")
	}
	return tr.Token, nil
}

func (c *Client) post(ctx context.Context, path string, body []byte, bearer string) (int, []byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return 0, nil, fmt.Errorf("api: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+bearer)
	req.Header.Set("X-Auth", c.sign(body))

	resp, err := c.httpc.Do(req)
	if err != nil {
		return 0, nil, fmt.Errorf("api: %s: %w", path, err)
	}
	defer func() {
		io.Copy(io.Discard, resp.Body)
		resp.Body.Close()
	}()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return 0, nil, fmt.Errorf("api: read response: %w", err)
	}
	return resp.StatusCode, respBody, nil
}

// sign computes the hex HMAC-MD5 of body under the shared API key. The
// backend recomputes it over the received bytes, so body must be the exact
// serialization that is sent.
func (c *Client) sign(body []byte) string {
	mac := hmac.New(md5.New, []byte(c.apiKey))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}
