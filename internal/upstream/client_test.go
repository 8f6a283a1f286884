package upstream

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/ccrelay/ccrelay/internal/credential"
)

func noSleep(time.Duration) {}

func newTestClient(t *testing.T, url string) (*Client, *credential.Store) {
	t.Helper()
	store := credential.NewStore(t.TempDir())
	if err := store.Save(credential.Triple{Refresh: "r1", Access: "initial-access"}); err != nil {
		t.Fatalf("save: %v", err)
	}
	tokens := credential.NewAuthority(store, "http://unused.invalid", "client-id")
	c := New(Config{
		URL:         url,
		APIVersion:  "2023-06-01",
		BetaHeader:  "claude-code-20250219",
		UserAgent:   "claude-cli/2.1.2 (external, cli)",
		Timeout:     5 * time.Second,
		BaseBackoff: time.Millisecond,
		MaxRetries:  3,
	}, tokens)
	return c, store
}

func TestSendReturnsSuccessResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("Authorization"); got != "Bearer initial-access" {
			t.Errorf("unexpected bearer token: %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_ = json.NewEncoder(w).Encode(map[string]any{"type": "message"})
	}))
	defer srv.Close()

	restore := sleeper
	sleeper = noSleep
	defer func() { sleeper = restore }()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.Send(context.Background(), map[string]any{"model": "claude-opus-4"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
}

func TestSendRefreshesOnceOn401ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"expired"}`))
			return
		}
		if got := r.Header.Get("Authorization"); got != "Bearer refreshed-access" {
			t.Errorf("expected refreshed token on retry, got %q", got)
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message"}`))
	}))
	defer srv.Close()

	oauthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "refreshed-access", "refresh_token": "r2", "expires_in": 3600,
		})
	}))
	defer oauthSrv.Close()

	restore := sleeper
	sleeper = noSleep
	defer func() { sleeper = restore }()

	store := credential.NewStore(t.TempDir())
	_ = store.Save(credential.Triple{Refresh: "r1", Access: "initial-access"})
	tokens := credential.NewAuthority(store, oauthSrv.URL, "client-id")
	c := New(Config{URL: srv.URL, APIVersion: "2023-06-01", Timeout: 5 * time.Second, BaseBackoff: time.Millisecond, MaxRetries: 3}, tokens)

	resp, err := c.Send(context.Background(), map[string]any{"model": "claude-opus-4"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 2 {
		t.Fatalf("expected exactly 2 upstream calls, got %d", calls)
	}
}

func TestSendSurfaces401WhenRefreshFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"expired"}`))
	}))
	defer srv.Close()

	oauthSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer oauthSrv.Close()

	restore := sleeper
	sleeper = noSleep
	defer func() { sleeper = restore }()

	store := credential.NewStore(t.TempDir())
	_ = store.Save(credential.Triple{Refresh: "r1", Access: "initial-access"})
	tokens := credential.NewAuthority(store, oauthSrv.URL, "client-id")
	c := New(Config{URL: srv.URL, APIVersion: "2023-06-01", Timeout: 5 * time.Second, BaseBackoff: time.Millisecond, MaxRetries: 3}, tokens)

	resp, err := c.Send(context.Background(), map[string]any{"model": "claude-opus-4"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected 401 to surface, got %d", resp.StatusCode)
	}
}

func TestSendRetriesOn429ThenSucceeds(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n < 3 {
			w.WriteHeader(http.StatusTooManyRequests)
			_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
			return
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"type":"message"}`))
	}))
	defer srv.Close()

	restore := sleeper
	sleeper = noSleep
	defer func() { sleeper = restore }()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.Send(context.Background(), map[string]any{"model": "claude-opus-4"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected eventual 200, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 3 {
		t.Fatalf("expected 3 upstream calls, got %d", calls)
	}
}

func TestSendGivesUpAfterMaxRetriesOn429(t *testing.T) {
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":"rate_limited"}`))
	}))
	defer srv.Close()

	restore := sleeper
	sleeper = noSleep
	defer func() { sleeper = restore }()

	c, _ := newTestClient(t, srv.URL)
	resp, err := c.Send(context.Background(), map[string]any{"model": "claude-opus-4"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Fatalf("expected 429 to surface after exhausting retries, got %d", resp.StatusCode)
	}
	if atomic.LoadInt32(&calls) != 4 {
		t.Fatalf("expected 4 total attempts (1 + 3 retries), got %d", calls)
	}
}

func TestHaikuModelFiltersClaudeCodeBetaFlags(t *testing.T) {
	got := filterBetaForHaiku("oauth-2025-04-20,claude-code-20250219,fine-grained-tool-streaming-2025-05-14,interleaved-thinking-2025-05-14")
	if got != "oauth-2025-04-20,interleaved-thinking-2025-05-14" {
		t.Fatalf("unexpected filtered beta header: %q", got)
	}
}
