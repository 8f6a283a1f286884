package credential

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func TestAccessTokenReturnsStoredValueWithoutRefresh(t *testing.T) {
	store := NewStore(t.TempDir())
	if err := store.Save(Triple{Refresh: "r1", Access: "stored-access", ExpiresAt: 1}); err != nil {
		t.Fatalf("save: %v", err)
	}

	a := NewAuthority(store, "http://unused.invalid", "client-id")
	tok, err := a.AccessToken(context.Background())
	if err != nil {
		t.Fatalf("access token: %v", err)
	}
	if tok != "stored-access" {
		t.Fatalf("expected stored access token regardless of expiresAt, got %q", tok)
	}
}

func TestAccessTokenNotAuthenticated(t *testing.T) {
	store := NewStore(t.TempDir())
	a := NewAuthority(store, "http://unused.invalid", "client-id")
	if _, err := a.AccessToken(context.Background()); err == nil {
		t.Fatalf("expected error when no credential is stored")
	}
}

func TestForceRefreshPersistsNewTriple(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body map[string]string
		_ = json.NewDecoder(r.Body).Decode(&body)
		if body["grant_type"] != "refresh_token" || body["refresh_token"] != "old-refresh" {
			t.Errorf("unexpected refresh request body: %+v", body)
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "new-access",
			"refresh_token": "new-refresh",
			"expires_in":    3600,
		})
	}))
	defer srv.Close()

	store := NewStore(t.TempDir())
	if err := store.Save(Triple{Refresh: "old-refresh", Access: "old-access"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	a := NewAuthority(store, srv.URL, "client-id")
	tok, err := a.ForceRefresh(context.Background())
	if err != nil {
		t.Fatalf("force refresh: %v", err)
	}
	if tok != "new-access" {
		t.Fatalf("expected new-access, got %q", tok)
	}

	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("load after refresh: %v", err)
	}
	if persisted.Access != "new-access" || persisted.Refresh != "new-refresh" {
		t.Fatalf("persisted triple not updated: %+v", persisted)
	}
}

func TestForceRefreshSurfacesUpstreamFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
	}))
	defer srv.Close()

	store := NewStore(t.TempDir())
	if err := store.Save(Triple{Refresh: "old-refresh", Access: "old-access"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	a := NewAuthority(store, srv.URL, "client-id")
	if _, err := a.ForceRefresh(context.Background()); err == nil {
		t.Fatalf("expected refresh failure to surface")
	}

	// Original credentials must remain untouched on failure.
	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("load after failed refresh: %v", err)
	}
	if persisted.Access != "old-access" {
		t.Fatalf("credential triple should be unchanged on failed refresh, got %+v", persisted)
	}
}

func TestForceRefreshKeepsOldRefreshTokenWhenOmitted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token": "new-access",
			"expires_in":   3600,
		})
	}))
	defer srv.Close()

	store := NewStore(t.TempDir())
	if err := store.Save(Triple{Refresh: "old-refresh", Access: "old-access"}); err != nil {
		t.Fatalf("save: %v", err)
	}

	a := NewAuthority(store, srv.URL, "client-id")
	if _, err := a.ForceRefresh(context.Background()); err != nil {
		t.Fatalf("force refresh: %v", err)
	}

	persisted, _ := store.Load()
	if persisted.Refresh != "old-refresh" {
		t.Fatalf("expected refresh token to be preserved when response omits one, got %q", persisted.Refresh)
	}
}
