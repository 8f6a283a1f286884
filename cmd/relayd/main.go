// Command relayd runs the local reverse proxy: it authenticates to
// Anthropic with a restricted OAuth credential, translates between the
// Chat-Completions, Responses, and native Messages wire protocols, and
// streams responses back in whichever shape the caller asked for.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ccrelay/ccrelay/internal/admission"
	"github.com/ccrelay/ccrelay/internal/config"
	"github.com/ccrelay/ccrelay/internal/configwatch"
	"github.com/ccrelay/ccrelay/internal/credential"
	"github.com/ccrelay/ccrelay/internal/events"
	"github.com/ccrelay/ccrelay/internal/relay"
	"github.com/ccrelay/ccrelay/internal/server"
	"github.com/ccrelay/ccrelay/internal/telemetry"
	"github.com/ccrelay/ccrelay/internal/upstream"
)

func main() {
	cfg := config.Load()

	logHandler := events.NewLogHandler(levelFor(cfg.LogLevel), 1000)
	slog.SetDefault(slog.New(logHandler))

	if len(os.Args) > 1 && os.Args[1] == "login" {
		if err := runLogin(cfg); err != nil {
			slog.Error("login failed", "error", err)
			os.Exit(1)
		}
		return
	}

	if err := run(cfg); err != nil {
		slog.Error("startup failed", "error", err)
		os.Exit(1)
	}
}

func run(cfg *config.Config) error {
	if cfg.Port <= 0 || cfg.Port > 65535 {
		return fmt.Errorf("invalid port %d", cfg.Port)
	}

	store := credential.NewStore(cfg.ConfigDir)
	if _, err := store.Load(); err != nil {
		if errors.Is(err, credential.ErrNotAuthenticated) {
			return fmt.Errorf("not authenticated: run the login flow before starting the proxy")
		}
		return fmt.Errorf("load credentials: %w", err)
	}

	tokens := credential.NewAuthority(store, cfg.OAuthTokenURL, cfg.OAuthClientID)

	upstreamClient := upstream.New(upstream.Config{
		URL:         cfg.ClaudeAPIURL,
		APIVersion:  cfg.ClaudeAPIVersion,
		BetaHeader:  cfg.ClaudeBetaHeader,
		UserAgent:   "claude-cli/2.1.2 (external, cli)",
		Timeout:     cfg.UpstreamTimeout,
		BaseBackoff: cfg.RetryBaseBackoff,
		MaxRetries:  cfg.MaxUpstreamRetries,
	}, tokens)

	adm := admission.New(cfg.SessionIdleWindow, cfg.DedupeWindow, 10*time.Minute)

	modelConfigPath := filepath.Join(cfg.ConfigDir, "config.json")
	models := configwatch.New(modelConfigPath, cfg.ConfigDebounce)

	sink := telemetry.NewSink(200)

	rl := relay.New(cfg, adm, upstreamClient, sink, models)
	srv := server.New(cfg, store, rl)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go runSweep(ctx, adm, cfg.AdmissionSweepPeriod)
	go models.Run(ctx)

	return srv.Run()
}

func runSweep(ctx context.Context, adm *admission.Controller, period time.Duration) {
	if period <= 0 {
		period = 30 * time.Second
	}
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			adm.RunSweep()
		}
	}
}

// runLogin drives the manual browser-based PKCE login flow: print the
// authorization URL, read back the callback code the user pastes in,
// exchange it, and persist the resulting credential.
func runLogin(cfg *config.Config) error {
	url, session, err := credential.AuthorizeURL(cfg.OAuthAuthorizeURL, cfg.OAuthClientID)
	if err != nil {
		return fmt.Errorf("build authorization url: %w", err)
	}

	fmt.Println("Open this URL, log in, then paste the full redirect URL or just the code:")
	fmt.Println(url)
	fmt.Print("> ")

	var input string
	if _, err := fmt.Scanln(&input); err != nil {
		return fmt.Errorf("read callback: %w", err)
	}
	code := credential.ExtractCallbackCode(input)
	if code == "" {
		code = input
	}

	triple, err := credential.ExchangeCode(context.Background(), cfg.OAuthTokenURL, cfg.OAuthClientID, code, session)
	if err != nil {
		return fmt.Errorf("exchange code: %w", err)
	}

	store := credential.NewStore(cfg.ConfigDir)
	if err := store.Save(triple); err != nil {
		return fmt.Errorf("save credential: %w", err)
	}
	fmt.Println("Logged in.")
	return nil
}

func levelFor(name string) slog.Level {
	switch name {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
