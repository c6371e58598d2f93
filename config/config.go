// Package config handles reporter settings and the credentials resolved from
// the process environment.
package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"
)

const (
	// DefaultConfigPath is the default path for the settings file.
	DefaultConfigPath = "scrooge.yml"

	// DefaultReportURL lists the runs of the account usage report.
	DefaultReportURL = "https://modeanalytics.com/api/mapbox/reports/056affb7f09e/runs/"

	// DefaultMaxConcurrent bounds concurrent report fetches.
	DefaultMaxConcurrent = 10

	defaultBaseURL      = "https://api.github.com"
	defaultUserAgent    = "github.com/mapbox/scrooge"
	defaultAccept       = "application/vnd.github.machine-man-preview+json"
	defaultTriggerLabel = "calc-usage"
)

// Environment variables holding credentials. Any but WEBHOOK_SECRET may be
// sealed.
const (
	EnvWebhookSecret  = "WEBHOOK_SECRET"
	EnvAppID          = "GITHUB_APP_ID"
	EnvInstallationID = "GITHUB_APP_INSTALLATION_ID"
	EnvPrivateKey     = "GITHUB_APP_PRIVATE_KEY"
	EnvModeToken      = "MODE_TOKEN"
)

// ConfigParseError indicates a settings file exists but contains invalid content.
// This is distinct from "file not found" errors, which should use default settings.
type ConfigParseError struct {
	Path string
	Err  error
}

func (e *ConfigParseError) Error() string {
	return fmt.Sprintf("invalid config at %s: %v", e.Path, e.Err)
}

func (e *ConfigParseError) Unwrap() error {
	return e.Err
}

// Settings holds the non-secret reporter settings.
type Settings struct {
	// GitHub configures the GitHub REST client.
	GitHub GitHubSettings `yaml:"github"`
	// Mode configures the analytics reports.
	Mode ModeSettings `yaml:"mode"`
	// TriggerLabel is the issue label that requests a usage report.
	TriggerLabel string `yaml:"trigger_label"`
}

// GitHubSettings configures the GitHub REST client.
type GitHubSettings struct {
	BaseURL   string `yaml:"base_url"`
	UserAgent string `yaml:"user_agent"`
	// Accept is sent on every GitHub call; the App endpoints require the
	// machine-man preview media type.
	Accept string `yaml:"accept"`
}

// ModeSettings configures the analytics reports.
type ModeSettings struct {
	// Reports lists report-run listing URLs. Each report's latest run is
	// fetched; results are concatenated in this order.
	Reports []string `yaml:"reports"`
	// MaxConcurrent bounds how many reports are fetched at once.
	MaxConcurrent int `yaml:"max_concurrent"`
}

// DefaultSettings returns the default settings.
func DefaultSettings() *Settings {
	return &Settings{
		GitHub: GitHubSettings{
			BaseURL:   defaultBaseURL,
			UserAgent: defaultUserAgent,
			Accept:    defaultAccept,
		},
		Mode: ModeSettings{
			Reports:       []string{DefaultReportURL},
			MaxConcurrent: DefaultMaxConcurrent,
		},
		TriggerLabel: defaultTriggerLabel,
	}
}

// Load reads settings from path.
// If the file doesn't exist, returns the default settings.
// If the file exists but is invalid, returns a ConfigParseError.
func Load(path string) (*Settings, error) {
	content, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return DefaultSettings(), nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	settings, err := Parse(content)
	if err != nil {
		return nil, &ConfigParseError{Path: path, Err: err}
	}
	return settings, nil
}

// Parse parses settings from YAML content on top of the defaults.
func Parse(content []byte) (*Settings, error) {
	settings := DefaultSettings()
	if err := yaml.Unmarshal(content, settings); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	if err := settings.Validate(); err != nil {
		return nil, err
	}

	return settings, nil
}

// Validate validates the settings, filling empty values with defaults.
func (s *Settings) Validate() error {
	if s.GitHub.BaseURL == "" {
		s.GitHub.BaseURL = defaultBaseURL
	}
	if s.GitHub.UserAgent == "" {
		s.GitHub.UserAgent = defaultUserAgent
	}
	if s.GitHub.Accept == "" {
		s.GitHub.Accept = defaultAccept
	}
	if s.TriggerLabel == "" {
		s.TriggerLabel = defaultTriggerLabel
	}
	if len(s.Mode.Reports) == 0 {
		s.Mode.Reports = []string{DefaultReportURL}
	}
	if s.Mode.MaxConcurrent == 0 {
		s.Mode.MaxConcurrent = DefaultMaxConcurrent
	}

	if err := validateURL(s.GitHub.BaseURL); err != nil {
		return fmt.Errorf("invalid github.base_url: %w", err)
	}
	for i, report := range s.Mode.Reports {
		if err := validateURL(report); err != nil {
			return fmt.Errorf("invalid mode.reports[%d]: %w", i, err)
		}
	}
	if s.Mode.MaxConcurrent < 0 {
		return fmt.Errorf("invalid mode.max_concurrent: %d (must be positive)", s.Mode.MaxConcurrent)
	}
	if strings.ContainsAny(s.TriggerLabel, "/?#") {
		return fmt.Errorf("invalid trigger_label: %q", s.TriggerLabel)
	}

	return nil
}

func validateURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%q: scheme must be http or https", raw)
	}
	if u.Host == "" {
		return fmt.Errorf("%q: missing host", raw)
	}
	return nil
}

// Environ returns a snapshot of the process environment.
func Environ() map[string]string {
	env := make(map[string]string)
	for _, kv := range os.Environ() {
		name, value, ok := strings.Cut(kv, "=")
		if !ok {
			continue
		}
		env[name] = value
	}
	return env
}

// MissingVarError indicates a required environment variable is empty or unset.
type MissingVarError struct {
	Name string
}

func (e *MissingVarError) Error() string {
	return fmt.Sprintf("%s is required", e.Name)
}

// Credentials holds the plaintext secrets for one invocation. The webhook
// secret is not among them: it is checked before anything is opened.
type Credentials struct {
	AppID          int64
	InstallationID int64
	// PrivateKey is the PEM-encoded GitHub App key.
	PrivateKey []byte
	ModeToken  string
}

// CredentialsFromEnv builds credentials from an already opened environment.
// The private key may carry literal "\n" sequences, which become newlines.
func CredentialsFromEnv(env map[string]string) (*Credentials, error) {
	for _, name := range []string{EnvAppID, EnvInstallationID, EnvPrivateKey, EnvModeToken} {
		if env[name] == "" {
			return nil, &MissingVarError{Name: name}
		}
	}

	appID, err := strconv.ParseInt(strings.TrimSpace(env[EnvAppID]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvAppID, err)
	}

	installationID, err := strconv.ParseInt(strings.TrimSpace(env[EnvInstallationID]), 10, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid %s: %w", EnvInstallationID, err)
	}

	return &Credentials{
		AppID:          appID,
		InstallationID: installationID,
		PrivateKey:     []byte(UnescapePrivateKey(env[EnvPrivateKey])),
		ModeToken:      env[EnvModeToken],
	}, nil
}

// UnescapePrivateKey turns literal "\n" sequences into newlines.
func UnescapePrivateKey(key string) string {
	return strings.ReplaceAll(key, `\n`, "\n")
}
