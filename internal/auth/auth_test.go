package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/ccrelay/ccrelay/internal/credential"
)

func okHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusOK) })
}

func TestAuthenticateAllowsAllWhenNoKeyConfigured(t *testing.T) {
	mw := NewMiddleware(credential.NewStore(t.TempDir()))
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 with no key configured, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsMissingTokenWhenConfigured(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	if err := store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"}); err != nil {
		t.Fatalf("save api key: %v", err)
	}
	mw := NewMiddleware(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	rec := httptest.NewRecorder()
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsBearerToken(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	_ = store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"})
	mw := NewMiddleware(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec := httptest.NewRecorder()
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateAcceptsXAPIKeyHeader(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	_ = store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"})
	mw := NewMiddleware(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "secret")
	rec := httptest.NewRecorder()
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
}

func TestAuthenticateRejectsWrongToken(t *testing.T) {
	store := credential.NewStore(t.TempDir())
	_ = store.SaveAPIKey(credential.APIKeyRecord{Key: "secret"})
	mw := NewMiddleware(store)
	req := httptest.NewRequest(http.MethodGet, "/v1/models", nil)
	req.Header.Set("x-api-key", "wrong")
	rec := httptest.NewRecorder()
	mw.Authenticate(okHandler()).ServeHTTP(rec, req)
	if rec.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", rec.Code)
	}
}
