package credential

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// PKCESession holds the verifier/state pair for a pending authorization-code
// login. Login itself is a thin external collaborator (spec.md §1
// Out-of-scope); these helpers exist so that collaborator has somewhere
// correct to call into for the PKCE math and the code exchange.
type PKCESession struct {
	CodeVerifier string
	State        string
}

// AuthorizeURL builds a PKCE-secured authorization URL for the manual
// browser-based OAuth login flow described in spec.md §6.
func AuthorizeURL(authorizeURL, clientID string) (string, PKCESession, error) {
	verifier, challenge, err := generatePKCE()
	if err != nil {
		return "", PKCESession{}, fmt.Errorf("generate pkce: %w", err)
	}
	state := generateState()

	params := url.Values{
		"response_type":         {"code"},
		"client_id":             {clientID},
		"redirect_uri":          {"https://console.anthropic.com/oauth/code/callback"},
		"scope":                 {"org:create_api_key user:profile user:inference"},
		"state":                 {state},
		"code_challenge":        {challenge},
		"code_challenge_method": {"S256"},
	}
	return authorizeURL + "?" + params.Encode(), PKCESession{CodeVerifier: verifier, State: state}, nil
}

// ExchangeCode trades an authorization code plus its PKCE verifier for a
// fresh credential triple at the OAuth token endpoint (grant_type=
// authorization_code, per spec.md §6).
func ExchangeCode(ctx context.Context, tokenURL, clientID, code string, session PKCESession) (Triple, error) {
	body, _ := json.Marshal(map[string]string{
		"grant_type":    "authorization_code",
		"client_id":     clientID,
		"code":          code,
		"state":         session.State,
		"redirect_uri":  "https://console.anthropic.com/oauth/code/callback",
		"code_verifier": session.CodeVerifier,
	})

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, tokenURL, bytes.NewReader(body))
	if err != nil {
		return Triple{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	client := &http.Client{Timeout: 30 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return Triple{}, err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Triple{}, err
	}
	if resp.StatusCode != http.StatusOK {
		return Triple{}, fmt.Errorf("token endpoint returned %d: %s", resp.StatusCode, truncate(respBody, 200))
	}

	var tr oauthTokenResponse
	if err := json.Unmarshal(respBody, &tr); err != nil {
		return Triple{}, fmt.Errorf("parse token response: %w", err)
	}
	if tr.AccessToken == "" {
		return Triple{}, fmt.Errorf("empty access_token in oauth response")
	}

	return Triple{
		Refresh:   tr.RefreshToken,
		Access:    tr.AccessToken,
		ExpiresAt: time.Now().Add(time.Duration(tr.ExpiresIn) * time.Second).UnixMilli(),
	}, nil
}

// ExtractCallbackCode pulls the authorization code out of either a full
// callback URL or a raw "code#state" string, matching the two input shapes
// the first-party CLI's own login flow accepts.
func ExtractCallbackCode(input string) string {
	s := strings.TrimSpace(input)
	if s == "" {
		return ""
	}
	if parsed, err := url.Parse(s); err == nil && parsed.Scheme != "" {
		if code := parsed.Query().Get("code"); code != "" {
			return code
		}
	}
	if i := strings.IndexAny(s, "#&?"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimPrefix(s, "code=")
}

func generatePKCE() (verifier, challenge string, err error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", "", err
	}
	verifier = base64.RawURLEncoding.EncodeToString(b)
	h := sha256.Sum256([]byte(verifier))
	challenge = base64.RawURLEncoding.EncodeToString(h[:])
	return verifier, challenge, nil
}

func generateState() string {
	b := make([]byte, 32)
	_, _ = rand.Read(b)
	return base64.RawURLEncoding.EncodeToString(b)
}
