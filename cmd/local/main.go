// Package main provides local development tooling for the usage reporter.
//
// Commands:
//
//	invoke --event FILE   run the handler once against an event file
//	serve                 run a local webhook server
//	seal --recipient KEY  seal a value for use as a "secure:" environment value
//	render --results FILE format a Mode results file as a comment
//
// Environment variables are read from the process and from --env-file
// (default .env) when present. A missing .env file is not an error.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/mapbox/scrooge/config"
	"github.com/mapbox/scrooge/github"
	"github.com/mapbox/scrooge/handler"
	"github.com/mapbox/scrooge/secrets"
	"github.com/mapbox/scrooge/usage"
	"github.com/spf13/pflag"
	"github.com/tidwall/gjson"
)

const defaultEnvFile = ".env"

var logger *slog.Logger

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelDebug,
	}))

	if err := run(os.Args[1:], os.Stdout); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func run(args []string, stdout io.Writer) error {
	if len(args) == 0 {
		printUsage(stdout)
		return errors.New("missing command")
	}

	command, rest := args[0], args[1:]
	switch command {
	case "invoke":
		return runInvoke(rest, stdout)
	case "serve":
		return runServe(rest)
	case "seal":
		return runSeal(rest, stdout)
	case "render":
		return runRender(rest, stdout)
	case "help", "-h", "--help":
		printUsage(stdout)
		return nil
	default:
		printUsage(stdout)
		return fmt.Errorf("unknown command %q", command)
	}
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, `usage: local <command> [flags]

commands:
  invoke  --event FILE [--env-file FILE]   run the handler once and print the response
  serve   [--port N] [--env-file FILE]     run a local webhook server
  seal    --recipient KEY VALUE            seal VALUE for an age recipient
  render  --results FILE [--html]          format a Mode results file`)
}

// loadEnv returns the process environment overlaid with the env file.
// Values already in the process environment win, as with godotenv.Load.
func loadEnv(path string) (map[string]string, error) {
	env := config.Environ()

	fileEnv, err := godotenv.Read(path)
	if errors.Is(err, os.ErrNotExist) && path == defaultEnvFile {
		return env, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}

	for name, value := range fileEnv {
		if _, ok := env[name]; !ok {
			env[name] = value
		}
	}
	return env, nil
}

func newHandler(env map[string]string) (*handler.Handler, error) {
	configPath := env["SCROOGE_CONFIG"]
	if configPath == "" {
		configPath = config.DefaultConfigPath
	}
	settings, err := config.Load(configPath)
	if err != nil {
		return nil, err
	}

	opener, err := secrets.OpenerFromEnv(env)
	if err != nil {
		return nil, err
	}

	return handler.New(handler.Options{
		Env:      env,
		Settings: settings,
		Opener:   opener,
		Logger:   logger,
	})
}

// readEvent reads an event file. A file holding {"headers", "body"} is used
// as is; any other JSON is treated as a raw issues payload and signed with
// the webhook secret.
func readEvent(path, secret string) (*handler.Event, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read event: %w", err)
	}
	if !gjson.ValidBytes(data) {
		return nil, fmt.Errorf("%s: invalid JSON", path)
	}

	if gjson.GetBytes(data, "body").Type == gjson.String {
		var event handler.Event
		if err := json.Unmarshal(data, &event); err != nil {
			return nil, fmt.Errorf("failed to parse event: %w", err)
		}
		return &event, nil
	}

	return &handler.Event{
		Headers: map[string]string{
			github.SignatureHeader: github.NewWebhookHandler(secret, "").Sign(data),
			github.EventHeader:     "issues",
		},
		Body: string(data),
	}, nil
}

func runInvoke(args []string, stdout io.Writer) error {
	var eventPath, envFile string

	flagSet := pflag.NewFlagSet("invoke", pflag.ContinueOnError)
	flagSet.StringVar(&eventPath, "event", "", "path to an event JSON file (required)")
	flagSet.StringVar(&envFile, "env-file", defaultEnvFile, "environment file")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if eventPath == "" {
		return errors.New("--event is required")
	}

	env, err := loadEnv(envFile)
	if err != nil {
		return err
	}

	h, err := newHandler(env)
	if err != nil {
		return err
	}

	event, err := readEvent(eventPath, env[config.EnvWebhookSecret])
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	resp := h.Handle(ctx, event)

	enc := json.NewEncoder(stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(resp)
}

func runServe(args []string) error {
	var envFile, port string

	flagSet := pflag.NewFlagSet("serve", pflag.ContinueOnError)
	flagSet.StringVar(&envFile, "env-file", defaultEnvFile, "environment file")
	flagSet.StringVar(&port, "port", "8080", "HTTP port")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	env, err := loadEnv(envFile)
	if err != nil {
		return err
	}

	h, err := newHandler(env)
	if err != nil {
		return err
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/webhooks/github", webhookHandler(h))
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = io.WriteString(w, `{"status":"healthy"}`)
	})

	logger.Info("starting local server", "port", port)
	logger.Info("webhook endpoint", "url", fmt.Sprintf("http://localhost:%s/webhooks/github", port))

	return http.ListenAndServe(":"+port, mux)
}

// webhookHandler adapts an HTTP delivery to the handler, bounded the same way
// as the server.
func webhookHandler(h *handler.Handler) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		payload, err := io.ReadAll(io.LimitReader(r.Body, handler.MaxPayloadSize))
		if err != nil {
			http.Error(w, "failed to read body", http.StatusBadRequest)
			return
		}
		defer r.Body.Close()

		headers := make(map[string]string, len(r.Header))
		for name := range r.Header {
			headers[name] = r.Header.Get(name)
		}

		logger.Debug("received webhook", "event", r.Header.Get(github.EventHeader), "size", len(payload))

		resp := h.Handle(r.Context(), &handler.Event{Headers: headers, Body: string(payload)})
		w.WriteHeader(resp.StatusCode)
		_, _ = io.WriteString(w, resp.Body)
	}
}

func runSeal(args []string, stdout io.Writer) error {
	var recipients []string

	flagSet := pflag.NewFlagSet("seal", pflag.ContinueOnError)
	flagSet.StringArrayVar(&recipients, "recipient", nil, "age recipient (age1...); repeatable")
	if err := flagSet.Parse(args); err != nil {
		return err
	}

	rest := flagSet.Args()
	if len(rest) != 1 {
		return errors.New("exactly one value to seal is required")
	}

	sealed, err := secrets.Seal(rest[0], recipients...)
	if err != nil {
		return err
	}

	fmt.Fprintln(stdout, sealed)
	return nil
}

func runRender(args []string, stdout io.Writer) error {
	var resultsPath, date string
	var html bool

	flagSet := pflag.NewFlagSet("render", pflag.ContinueOnError)
	flagSet.StringVar(&resultsPath, "results", "", "path to a Mode results JSON file (required)")
	flagSet.StringVar(&date, "date", "", "report date, YYYY-MM-DD (default: today)")
	flagSet.BoolVar(&html, "html", false, "render HTML instead of markdown")
	if err := flagSet.Parse(args); err != nil {
		return err
	}
	if resultsPath == "" {
		return errors.New("--results is required")
	}

	now := time.Now()
	if date != "" {
		parsed, err := time.Parse(time.DateOnly, date)
		if err != nil {
			return fmt.Errorf("invalid --date: %w", err)
		}
		now = parsed
	}

	data, err := os.ReadFile(resultsPath)
	if err != nil {
		return fmt.Errorf("failed to read results: %w", err)
	}

	var reports []usage.Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return fmt.Errorf("failed to decode results: %w", err)
	}

	comment := usage.Comment(reports, now)
	if !html {
		fmt.Fprintln(stdout, strings.TrimPrefix(comment, "\n"))
		return nil
	}

	rendered, err := usage.RenderHTML(comment)
	if err != nil {
		return err
	}
	fmt.Fprint(stdout, rendered)
	return nil
}
