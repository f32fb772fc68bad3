// Package main is the entry point for the BridgeCal sync agent.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"golang.org/x/oauth2"

	"github.com/lagyu/bridgecal/internal/adapter/caldav"
	"github.com/lagyu/bridgecal/internal/adapter/google"
	"github.com/lagyu/bridgecal/internal/buildinfo"
	"github.com/lagyu/bridgecal/internal/config"
	"github.com/lagyu/bridgecal/internal/driver"
	"github.com/lagyu/bridgecal/internal/engine"
	"github.com/lagyu/bridgecal/internal/mapping"
)

func main() {
	configPath := flag.String("config", "", "path to config file")
	flag.Parse()

	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if flag.NArg() == 0 {
		printUsage()
		return
	}

	switch flag.Arg(0) {
	case "tick":
		os.Exit(runTick(logger, *configPath))
	case "watch":
		os.Exit(runWatch(logger, *configPath))
	case "version":
		fmt.Println(buildinfo.String())
		for k, v := range buildinfo.BuildInfo() {
			fmt.Printf("  %-12s %s\n", k+":", v)
		}
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n", flag.Arg(0))
		printUsage()
		os.Exit(driver.ExitConfigError)
	}
}

func printUsage() {
	fmt.Println("BridgeCal - Outlook/Google calendar mirror agent")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  tick     Run a single reconciliation pass and exit")
	fmt.Println("  watch    Run reconciliation passes on a fixed interval until stopped")
	fmt.Println("  version  Show version")
	fmt.Println()
	fmt.Println("Flags:")
	flag.PrintDefaults()
}

// loadConfig resolves, loads and validates the config, reconfiguring
// logger's level from cfg.LogLevel if set.
func loadConfig(logger *slog.Logger, explicitPath string) (*config.Config, *slog.Logger) {
	cfgPath, err := config.FindConfig(explicitPath)
	if err != nil {
		logger.Error("config", "error", err)
		os.Exit(driver.ExitConfigError)
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		logger.Error("failed to load config", "path", cfgPath, "error", err)
		os.Exit(driver.ExitConfigError)
	}

	if cfg.LogLevel != "" {
		level, err := config.ParseLogLevel(cfg.LogLevel)
		if err != nil {
			logger.Error("invalid log_level in config", "error", err)
			os.Exit(driver.ExitConfigError)
		}
		logger = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{
			Level:       level,
			ReplaceAttr: config.ReplaceLogLevelNames,
		}))
	}

	logger.Info("config loaded", "path", cfgPath,
		"past_days", cfg.Window.PastDays, "future_days", cfg.Window.FutureDays,
		"interval_seconds", cfg.Window.IntervalSeconds, "redaction_mode", cfg.Redaction)

	return cfg, logger
}

// buildDriver wires config, mapping store, adapters, and engine into a
// ready-to-run Driver. The caller owns closing the returned store.
func buildDriver(logger *slog.Logger, cfg *config.Config) (*driver.Driver, *mapping.Store) {
	store, err := mapping.Open(cfg.Mapping.Path)
	if err != nil {
		logger.Error("failed to open mapping store", "path", cfg.Mapping.Path, "error", err)
		os.Exit(driver.ExitConfigError)
	}

	outlookAdapter, googleAdapter, err := buildAdapters(logger, cfg)
	if err != nil {
		logger.Error("failed to construct adapters", "error", err)
		store.Close()
		os.Exit(driver.ExitConfigError)
	}

	redaction := engine.RedactionMode(cfg.Redaction)
	eng := engine.New(outlookAdapter, googleAdapter, store, redaction, logger)

	d := driver.New(eng, cfg.Window, logger)
	return d, store
}

// buildAdapters constructs the Outlook (CalDAV) and Google adapters from
// cfg. Credential acquisition is entirely out of scope (spec.md §1): the
// Outlook side reads a pre-provisioned password file for HTTP Basic auth
// against the CalDAV endpoint, and the Google side reads a pre-refreshed
// OAuth2 token cache written by some upstream process; neither performs a
// login or OAuth dance itself.
func buildAdapters(logger *slog.Logger, cfg *config.Config) (engine.Adapter, engine.Adapter, error) {
	outlookAdapter, err := caldav.New(&basicAuthClient{
		username: cfg.Outlook.Username,
		password: readSecretFile(cfg.Outlook.PasswordFile),
		client:   http.DefaultClient,
	}, cfg.Outlook.CalDAVURL)
	if err != nil {
		return nil, nil, fmt.Errorf("build outlook adapter: %w", err)
	}

	token, err := loadCachedToken(cfg.Google.TokenCacheFile)
	if err != nil {
		return nil, nil, fmt.Errorf("load google token cache: %w", err)
	}
	httpClient := oauth2.NewClient(context.Background(), oauth2.StaticTokenSource(token))
	googleAdapter, err := google.New(context.Background(), httpClient, cfg.Google.CalendarID)
	if err != nil {
		return nil, nil, fmt.Errorf("build google adapter: %w", err)
	}

	logger.Debug("adapters constructed", "outlook_url", cfg.Outlook.CalDAVURL, "google_calendar", cfg.Google.CalendarID)
	return outlookAdapter, googleAdapter, nil
}

// basicAuthClient implements webdav.HTTPClient, adding HTTP Basic auth to
// every outgoing request before delegating to client.
type basicAuthClient struct {
	username string
	password string
	client   *http.Client
}

func (b *basicAuthClient) Do(req *http.Request) (*http.Response, error) {
	if b.username != "" {
		req.SetBasicAuth(b.username, b.password)
	}
	return b.client.Do(req)
}

// readSecretFile reads a credential from disk, trimming surrounding
// whitespace. An empty or unreadable path yields an empty credential
// rather than an error; the adapter will simply fail auth on first use,
// which the CalDAV adapter classifies as AuthError.
func readSecretFile(path string) string {
	if path == "" {
		return ""
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// loadCachedToken reads a previously-acquired OAuth2 token from a JSON
// file written by an out-of-scope OAuth flow. Refreshing an expired token
// is also out of scope here; a stale token simply surfaces as an
// AuthError on the next Google API call.
func loadCachedToken(path string) (*oauth2.Token, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read token cache %s: %w", path, err)
	}
	var tok oauth2.Token
	if err := json.Unmarshal(data, &tok); err != nil {
		return nil, fmt.Errorf("parse token cache %s: %w", path, err)
	}
	return &tok, nil
}

func runTick(logger *slog.Logger, configPath string) int {
	cfg, logger := loadConfig(logger, configPath)
	d, store := buildDriver(logger, cfg)
	defer store.Close()

	_, code := d.RunOnce(context.Background())
	return code
}

func runWatch(logger *slog.Logger, configPath string) int {
	cfg, logger := loadConfig(logger, configPath)
	d, store := buildDriver(logger, cfg)
	defer store.Close()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	logger.Info("starting BridgeCal watch loop", "interval_seconds", cfg.Window.IntervalSeconds)
	code := d.RunLoop(ctx)
	logger.Info("BridgeCal watch loop stopped")
	return code
}
