// Package main provides the HTTP server that receives GitHub issue webhooks
// and posts usage reports.
//
// Configuration via environment variables:
//
//	WEBHOOK_SECRET             - Webhook signature secret, plaintext (required)
//	GITHUB_APP_ID              - GitHub App ID (required)
//	GITHUB_APP_INSTALLATION_ID - GitHub App installation ID (required)
//	GITHUB_APP_PRIVATE_KEY     - GitHub App private key, PEM with escaped newlines (required)
//	MODE_TOKEN                 - Mode API credentials, "key:secret" (required)
//	AGE_IDENTITY_FILE          - age identity file for "secure:" values
//	AGE_IDENTITY               - inline age identity, if no file is given
//	SCROOGE_CONFIG             - settings file (default: scrooge.yml)
//	PORT                       - HTTP server port (default: 8080)
//	TRUSTED_PROXIES            - comma-separated proxy CIDRs whose X-Forwarded-For is believed
//
// Credentials are read when each webhook is handled, so a missing one fails
// that delivery rather than startup.
//
// Usage:
//
//	go run ./cmd/server
package main

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/mapbox/scrooge/config"
	"github.com/mapbox/scrooge/handler"
	"github.com/mapbox/scrooge/secrets"
	"golang.org/x/time/rate"
)

// Idle rate limit buckets are dropped on this schedule.
const (
	sweepInterval = time.Minute
	maxIdle       = 10 * time.Minute
)

var (
	logger  *slog.Logger
	scrooge *handler.Handler
	limiter *IPRateLimiter
)

func main() {
	logger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	if err := initialize(); err != nil {
		logger.Error("failed to initialize", "error", err)
		os.Exit(1)
	}

	sweepCtx, stopSweep := context.WithCancel(context.Background())
	defer stopSweep()
	go limiter.Run(sweepCtx, sweepInterval, maxIdle)

	mux := http.NewServeMux()
	mux.Handle("/webhooks/github", limiter.LimitFunc(handleWebhook))
	mux.HandleFunc("/health", handleHealth)
	mux.HandleFunc("/", handleRoot)

	port := os.Getenv("PORT")
	if port == "" {
		port = "8080"
	}

	server := &http.Server{
		Addr:         ":" + port,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 180 * time.Second, // GitHub and Mode calls run inside the request
		IdleTimeout:  120 * time.Second,
	}

	// Graceful shutdown
	done := make(chan os.Signal, 1)
	signal.Notify(done, os.Interrupt, syscall.SIGTERM)

	go func() {
		logger.Info("starting server", "port", port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("server failed", "error", err)
			os.Exit(1)
		}
	}()

	<-done
	logger.Info("shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		logger.Error("shutdown failed", "error", err)
	}
}

func initialize() error {
	env := config.Environ()

	configPath := env["SCROOGE_CONFIG"]
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return err
	}

	opener, err := secrets.OpenerFromEnv(env)
	if err != nil {
		return err
	}

	trusted, err := ParseTrustedProxies(env["TRUSTED_PROXIES"])
	if err != nil {
		return err
	}
	// Deliveries are rare; bursts from one address are retries or abuse
	limiter = NewIPRateLimiter(rate.Every(time.Second), 10, trusted)

	scrooge, err = handler.New(handler.Options{
		Env:      env,
		Settings: settings,
		Opener:   opener,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	logger.Info("initialized",
		"config", configPath,
		"trigger_label", settings.TriggerLabel,
		"reports", len(settings.Mode.Reports),
		"trusted_proxies", len(trusted),
	)

	return nil
}

func handleRoot(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	jsonResponse(w, http.StatusOK, map[string]string{
		"name":   "scrooge",
		"status": "running",
	})
}

func handleHealth(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	payload, err := io.ReadAll(io.LimitReader(r.Body, handler.MaxPayloadSize))
	if err != nil {
		logger.Error("failed to read body", "error", err)
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}
	defer r.Body.Close()

	event := &handler.Event{
		Headers: flattenHeaders(r.Header),
		Body:    string(payload),
	}

	logger.Info("received webhook",
		"event", r.Header.Get("X-GitHub-Event"),
		"delivery", r.Header.Get("X-GitHub-Delivery"),
		"size", len(payload),
	)

	resp := scrooge.Handle(r.Context(), event)
	writeResponse(w, resp)
}

// flattenHeaders keeps the first value of each header.
func flattenHeaders(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for name, values := range h {
		if len(values) > 0 {
			headers[name] = values[0]
		}
	}
	return headers
}

func writeResponse(w http.ResponseWriter, resp *handler.Response) {
	for name, value := range resp.Headers {
		w.Header().Set(name, value)
	}
	if w.Header().Get("Content-Type") == "" {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	}
	w.WriteHeader(resp.StatusCode)
	_, _ = io.WriteString(w, resp.Body)
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}
