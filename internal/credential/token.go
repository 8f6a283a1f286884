package credential

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// Authority hands out a usable access token and performs the single lazy
// OAuth refresh triggered by an upstream 401 (spec.md §4.2). Expiry clocks
// are never consulted on the read path — the upstream is authoritative,
// and a last-writer-wins policy on concurrent refreshes is acceptable
// because every write is itself a valid credential triple.
type Authority struct {
	store      *Store
	client     *http.Client
	tokenURL   string
	clientID   string

	mu sync.Mutex // serializes this process's own refreshes; concurrent
	// refreshes from other processes are tolerated, not prevented
}

func NewAuthority(store *Store, tokenURL, clientID string) *Authority {
	return &Authority{
		store:    store,
		client:   &http.Client{Timeout: 30 * time.Second},
		tokenURL: tokenURL,
		clientID: clientID,
	}
}

// AccessToken returns the stored access token without checking expiry.
func (a *Authority) AccessToken(ctx context.Context) (string, error) {
	t, err := a.store.Load()
	if err != nil {
		return "", err
	}
	return t.Access, nil
}

// ForceRefresh exchanges the stored refresh token for a new triple,
// persists it, and returns the new access token. Called only in response
// to an upstream 401. If the refresh call itself fails, the caller's 401
// surfaces to the client (spec.md §4.2, §4.6).
func (a *Authority) ForceRefresh(ctx context.Context) (string, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	cur, err := a.store.Load()
	if err != nil {
		return "", err
	}
	if cur.Refresh == "" {
		return "", fmt.Errorf("credential: no refresh token on record")
	}

	resp, err := a.callRefresh(ctx, cur.Refresh)
	if err != nil {
		return "", fmt.Errorf("oauth refresh: %w", err)
	}

	next := Triple{
		Refresh:   resp.RefreshToken,
		Access:    resp.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(resp.ExpiresIn) * time.Second).UnixMilli(),
	}
	if next.Refresh == "" {
		next.Refresh = cur.Refresh // some refresh responses omit a new refresh token
	}
	if err := a.store.Save(next); err != nil {
		return "", fmt.Errorf("persist refreshed credential: %w", err)
	}

	slog.Info("oauth token refreshed")
	return next.Access, nil
}

type oauthTokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
}

func (a *Authority) callRefresh(ctx context.Context, refreshToken string) (*oauthTokenResponse, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "refresh_token",
		"refresh_token": refreshToken,
		"client_id":     a.clientID,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.tokenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", "claude-cli/2.1.2 (external, cli)")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("oauth token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tr oauthTokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return nil, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return nil, fmt.Errorf("empty access_token in oauth response")
	}
	return &tr, nil
}

func truncate(b []byte, max int) string {
	if len(b) <= max {
		return string(b)
	}
	return string(b[:max]) + "..."
}
