package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/ccrelay/ccrelay/internal/admission"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/credential"
	"github.com/ccrelay/ccrelay/internal/relay"
	"github.com/ccrelay/ccrelay/internal/telemetry"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

func newTestServer(t *testing.T, store *credential.Store) *Server {
	t.Helper()
	tokens := credential.NewAuthority(store, "http://unused.invalid", "client-id")
	up := upstream.New(upstream.Config{URL: "http://unused.invalid", Timeout: time.Second, MaxRetries: 0}, tokens)
	adm := admission.New(time.Minute, time.Second, time.Minute)
	cfg := &config.Config{Host: "127.0.0.1", Port: 0, UpstreamTimeout: time.Second}
	rl := relay.New(cfg, adm, up, telemetry.NewSink(10), nil)
	return New(cfg, store, rl)
}

func TestHealthIsAlwaysOpen(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	if err := store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"}); err != nil {
		t.Fatalf("save api key: %v", err)
	}
	srv := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected /health to bypass auth, got %d", rec.Code)
	}
}

func TestModelsRouteRejectsMissingKeyWhenConfigured(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	if err := store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"}); err != nil {
		t.Fatalf("save api key: %v", err)
	}
	srv := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without api key, got %d", rec.Code)
	}
}

func TestModelsRouteAllowsAllWhenNoKeyConfigured(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	srv := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 when no api key configured, got %d: %s", rec.Code, rec.Body.String())
	}
}

func TestModelsRouteAcceptsValidKey(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	if err := store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"}); err != nil {
		t.Fatalf("save api key: %v", err)
	}
	srv := newTestServer(t, store)

	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	srv.httpServer.Handler.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with valid api key, got %d: %s", rec.Code, rec.Body.String())
	}
}
