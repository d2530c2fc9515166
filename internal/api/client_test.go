package api

import (
	"context"
	"crypto/hmac"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/elityaev/agent-harness/internal/proto"
)

type stubTokens struct {
	token     string
	refreshes int32
}

func (s *stubTokens) IDToken(context.Context) (string, error) { return s.token, nil }
func (s *stubTokens) Refresh(context.Context) (string, error) {
	atomic.AddInt32(&s.refreshes, 1)
	s.token = "refreshed-" + s.token
	return s.token, nil
}

func tokenReq() proto.TokenRequest {
	done := true
	return proto.TokenRequest{
		R:              strings.Repeat("a", 32),
		Language:       "en",
		AppVersion:     "1.2.3",
		Platform:       "linux",
		OnboardingDone: &done,
	}
}

func TestFetchToken(t *testing.T) {
	t.Run("signs body and sends bearer", func(t *testing.T) {
		const apiKey = "shared-key"
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/livekit-token/" {
				t.Errorf("path = %q", r.URL.Path)
			}
			body, _ := io.ReadAll(r.Body)

			mac := hmac.New(md5.New, []byte(apiKey))
			mac.Write(body)
			if got, want := r.Header.Get("X-Auth"), hex.EncodeToString(mac.Sum(nil)); got != want {
				t.Errorf("X-Auth = %q, want %q", got, want)
			}
			if got := r.Header.Get("Authorization"); got != "Bearer id-1" {
				t.Errorf("Authorization = %q", got)
			}

			var req proto.TokenRequest
			if err := json.Unmarshal(body, &req); err != nil {
				t.Errorf("body not a token request: %v", err)
			}
			if len(req.R) != 32 {
				t.Errorf("nonce length = %d", len(req.R))
			}
			json.NewEncoder(w).Encode(proto.TokenResponse{Token: "room-token"})
		}))
		defer srv.Close()

		c := NewClient(srv.URL, apiKey, &stubTokens{token: "id-1"})
		tok, err := c.FetchToken(context.Background(), tokenReq())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "room-token" {
			t.Fatalf("token = %q", tok)
		}
	})

	t.Run("401 refreshes exactly once", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if atomic.AddInt32(&calls, 1) == 1 {
				w.WriteHeader(http.StatusUnauthorized)
				return
			}
			if got := r.Header.Get("Authorization"); got != "Bearer refreshed-id-1" {
				t.Errorf("retry Authorization = %q", got)
			}
			json.NewEncoder(w).Encode(proto.TokenResponse{Token: "room-token"})
		}))
		defer srv.Close()

		tokens := &stubTokens{token: "id-1"}
		c := NewClient(srv.URL, "k", tokens)
		tok, err := c.FetchToken(context.Background(), tokenReq())
		if err != nil {
			t.Fatal(err)
		}
		if tok != "room-token" {
			t.Fatalf("token = %q", tok)
		}
		if n := atomic.LoadInt32(&tokens.refreshes); n != 1 {
			t.Fatalf("refreshes = %d, want 1", n)
		}
	})

	t.Run("second 401 is fatal", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&calls, 1)
			w.WriteHeader(http.StatusUnauthorized)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "k", &stubTokens{token: "id-1"})
		if _, err := c.FetchToken(context.Background(), tokenReq()); err == nil {
			t.Fatal("expected error")
		}
		if n := atomic.LoadInt32(&calls); n != 2 {
			t.Fatalf("backend called %d times, want 2", n)
		}
	})

	t.Run("non-auth failure does not retry", func(t *testing.T) {
		var calls int32
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			atomic.AddInt32(&calls, 1)
			http.Error(w, "upstream unavailable", http.StatusBadGateway)
		}))
		defer srv.Close()

		c := NewClient(srv.URL, "k", &stubTokens{token: "id-1"})
		_, err := c.FetchToken(context.Background(), tokenReq())
		if err == nil || !strings.Contains(err.Error(), "status 502") {
			t.Fatalf("err = %v", err)
		}
		if n := atomic.LoadInt32(&calls); n != 1 {
			t.Fatalf("backend called %d times, want 1", n)
		}
	})
}

func TestTokenProvider(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Error(err)
		}
		if r.Form.Get("grant_type") != "refresh_token" || r.Form.Get("refresh_token") != "rt-1" {
			t.Errorf("form = %v", r.Form)
		}
		if r.URL.Query().Get("key") != "web-key" {
			t.Errorf("key = %q", r.URL.Query().Get("key"))
		}
		n := atomic.AddInt32(&calls, 1)
		json.NewEncoder(w).Encode(map[string]string{
			"id_token":   "id-" + hex.EncodeToString([]byte{byte(n)}),
			"expires_in": "3600",
		})
	}))
	defer srv.Close()

	p := NewTokenProvider(srv.URL, "web-key", "rt-1")

	first, err := p.IDToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	again, err := p.IDToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if first != again {
		t.Fatalf("cached token changed: %q vs %q", first, again)
	}
	if n := atomic.LoadInt32(&calls); n != 1 {
		t.Fatalf("endpoint called %d times, want 1", n)
	}

	p.Invalidate()
	third, err := p.IDToken(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if third == first {
		t.Fatal("invalidate did not force a refresh")
	}
}
