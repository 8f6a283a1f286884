package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ccrelay/ccrelay/internal/credential"
)

// Config carries the fixed parts of every upstream call (spec.md §6
// "Upstream call").
type Config struct {
	URL        string
	APIVersion string
	BetaHeader string
	UserAgent  string

	Timeout     time.Duration
	BaseBackoff time.Duration
	MaxRetries  int
}

// Client issues the HTTP call to the upstream Messages endpoint (C6).
type Client struct {
	http   *http.Client
	tokens *credential.Authority
	cfg    Config
}

func New(cfg Config, tokens *credential.Authority) *Client {
	return &Client{
		http:   NewHTTPClient(cfg.Timeout),
		tokens: tokens,
		cfg:    cfg,
	}
}

// sleeper is overridable in tests so retry-policy tests don't actually
// sleep for seconds.
var sleeper = time.Sleep

// Send POSTs body to the upstream, applying the 401/429/529/network
// retry policy of spec.md §4.6. The returned response, when non-nil, is
// always the one the caller should render to its client — including a
// 401 that survived a failed refresh, or a 429/529 after retries are
// exhausted.
func (c *Client) Send(ctx context.Context, body map[string]any) (*http.Response, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("marshal upstream request: %w", err)
	}

	access, err := c.tokens.AccessToken(ctx)
	if err != nil {
		return nil, err
	}

	refreshed := false
	var lastErr error

	for attempt := 0; ; attempt++ {
		resp, err := c.do(ctx, payload, access)
		if err != nil {
			lastErr = err
			if attempt >= c.cfg.MaxRetries {
				return nil, fmt.Errorf("upstream request failed after %d attempts: %w", attempt+1, lastErr)
			}
			sleeper(backoffFor(attempt, c.cfg.BaseBackoff, ""))
			continue
		}

		if resp.StatusCode == http.StatusUnauthorized && !refreshed {
			savedBody, readErr := io.ReadAll(resp.Body)
			resp.Body.Close()
			if readErr != nil {
				savedBody = nil
			}

			newAccess, refreshErr := c.tokens.ForceRefresh(ctx)
			if refreshErr != nil {
				return synthesizeResponse(resp, savedBody), nil
			}
			access = newAccess
			refreshed = true
			continue
		}

		if (resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 529) && attempt < c.cfg.MaxRetries {
			retryAfter := resp.Header.Get("retry-after")
			resp.Body.Close()
			sleeper(backoffFor(attempt, c.cfg.BaseBackoff, retryAfter))
			continue
		}

		return resp, nil
	}
}

func (c *Client) do(ctx context.Context, payload []byte, access string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, withBetaQuery(c.cfg.URL), bytes.NewReader(payload))
	if err != nil {
		return nil, err
	}
	c.setHeaders(req, access, modelOf(payload))
	return c.http.Do(req)
}

func (c *Client) setHeaders(req *http.Request, access, model string) {
	beta := c.cfg.BetaHeader
	if strings.Contains(strings.ToLower(model), "haiku") {
		beta = filterBetaForHaiku(beta)
	}
	req.Header.Set("Authorization", "Bearer "+access)
	req.Header.Set("anthropic-version", c.cfg.APIVersion)
	req.Header.Set("anthropic-beta", beta)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)
	req.Header.Set("Accept", "application/json")
}

// filterBetaForHaiku removes claude-code-* and fine-grained-tool-streaming-*
// beta flags that do not apply to Haiku models.
func filterBetaForHaiku(betaHeader string) string {
	parts := strings.Split(betaHeader, ",")
	filtered := make([]string, 0, len(parts))
	for _, part := range parts {
		p := strings.TrimSpace(part)
		if strings.HasPrefix(p, "claude-code-") || strings.HasPrefix(p, "fine-grained-tool-streaming-") {
			continue
		}
		filtered = append(filtered, p)
	}
	return strings.Join(filtered, ",")
}

// withBetaQuery appends the beta=true query flag the first-party CLI sends
// on every Messages call, without disturbing a URL that already carries one.
func withBetaQuery(url string) string {
	if strings.Contains(url, "beta=true") {
		return url
	}
	if strings.Contains(url, "?") {
		return url + "&beta=true"
	}
	return url + "?beta=true"
}

func modelOf(payload []byte) string {
	var partial struct {
		Model string `json:"model"`
	}
	_ = json.Unmarshal(payload, &partial)
	return partial.Model
}

func backoffFor(attempt int, base time.Duration, retryAfter string) time.Duration {
	if retryAfter != "" {
		if secs, err := strconv.Atoi(strings.TrimSpace(retryAfter)); err == nil && secs >= 0 {
			return time.Duration(secs) * time.Second
		}
	}
	d := base
	for i := 0; i < attempt; i++ {
		d *= 2
	}
	return d
}

// synthesizeResponse rebuilds a usable *http.Response after its body has
// already been drained to decide whether a refresh was worth trying.
func synthesizeResponse(original *http.Response, body []byte) *http.Response {
	original.Body = io.NopCloser(bytes.NewReader(body))
	original.ContentLength = int64(len(body))
	return original
}
