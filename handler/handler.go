// Package handler turns a labeled-issue webhook into a usage report comment.
//
// Each invocation runs the same fixed sequence: verify the signature, parse
// and gate the event, open credentials, issue an installation token, remove
// the trigger label, read the issue, fetch usage and post the comment. The
// first failure ends the invocation with a response tagged by its stage.
package handler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"regexp"
	"time"

	"github.com/mapbox/scrooge/config"
	"github.com/mapbox/scrooge/github"
	"github.com/mapbox/scrooge/mode"
	"github.com/mapbox/scrooge/secrets"
	"github.com/mapbox/scrooge/usage"
)

// Response bodies and stage tags.
const (
	BodyDone         = "Yep"
	BodyUnauthorized = "parse: Not Authorized!"

	StageParse    = "parse"
	StageValidate = "validate"
	StageDecrypt  = "decrypt"
	StageToken    = "token"
	StageRetrieve = "gh retrieve"
	StageUsage    = "usage"
	StageDisplay  = "gh display"
)

// MaxPayloadSize bounds the webhook bodies a runtime reads; issue events are
// far smaller.
const MaxPayloadSize = 5 << 20

// NoAccountMessage is posted to the issue when its body names no account.
const NoAccountMessage = "Could not parse Mapbox Account Name"

var (
	// ErrNoAccount indicates the issue body has no impersonate=<account> marker.
	ErrNoAccount = errors.New("no account name in issue body")
	// ErrNoUsage indicates the analytics reports returned no rows.
	ErrNoUsage = errors.New("usage reports returned no rows")
)

var accountPattern = regexp.MustCompile(`impersonate=([a-z0-9]+)`)

// Event is an inbound webhook delivery.
type Event struct {
	Headers map[string]string `json:"headers"`
	Body    string            `json:"body"`
}

// Response is the outcome of one invocation.
type Response struct {
	StatusCode int               `json:"statusCode"`
	Headers    map[string]string `json:"headers"`
	Body       string            `json:"body"`
}

// Options configures a Handler.
type Options struct {
	// Env is the environment snapshot credentials are read from. Values with
	// the sealed prefix are opened per invocation.
	Env      map[string]string
	Settings *config.Settings
	// Opener opens sealed values. Nil accepts plaintext values only.
	Opener *secrets.Opener
	// HTTPClient, if set, is used for every GitHub and Mode call.
	HTTPClient *http.Client
	Logger     *slog.Logger
	Now        func() time.Time
}

// Handler processes webhook deliveries. It holds no per-invocation state and
// is safe for concurrent use.
type Handler struct {
	env        map[string]string
	settings   *config.Settings
	opener     *secrets.Opener
	webhook    *github.WebhookHandler
	httpClient *http.Client
	logger     *slog.Logger
	now        func() time.Time
}

// New creates a handler. The webhook secret must be present in plaintext
// because verification happens before anything is decrypted.
func New(opts Options) (*Handler, error) {
	secret := opts.Env[config.EnvWebhookSecret]
	if secret == "" {
		return nil, &config.MissingVarError{Name: config.EnvWebhookSecret}
	}
	if secrets.IsSealed(secret) {
		return nil, fmt.Errorf("%s must not be sealed", config.EnvWebhookSecret)
	}

	settings := opts.Settings
	if settings == nil {
		settings = config.DefaultSettings()
	}
	opener := opts.Opener
	if opener == nil {
		opener = secrets.NewOpener()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	now := opts.Now
	if now == nil {
		now = time.Now
	}

	env := make(map[string]string, len(opts.Env))
	for k, v := range opts.Env {
		env[k] = v
	}

	return &Handler{
		env:        env,
		settings:   settings,
		opener:     opener,
		webhook:    github.NewWebhookHandler(secret, settings.TriggerLabel),
		httpClient: opts.HTTPClient,
		logger:     logger,
		now:        now,
	}, nil
}

// ParseAccount extracts the account name from an issue body.
func ParseAccount(body string) (string, error) {
	m := accountPattern.FindStringSubmatch(body)
	if m == nil {
		return "", ErrNoAccount
	}
	return m[1], nil
}

func respond(status int, body string) *Response {
	return &Response{
		StatusCode: status,
		Headers:    map[string]string{},
		Body:       body,
	}
}

func (h *Handler) fail(status int, stage string, err error) *Response {
	h.logger.Error("invocation failed", "stage", stage, "error", err)
	return respond(status, stage+": "+err.Error())
}

// Handle runs one invocation. It never returns nil.
func (h *Handler) Handle(ctx context.Context, event *Event) *Response {
	payload := []byte(event.Body)

	signature := github.HeaderValue(event.Headers, github.SignatureHeader)
	if err := h.webhook.VerifySignature(payload, signature); err != nil {
		h.logger.Error("signature verification failed", "error", err)
		return respond(http.StatusBadRequest, BodyUnauthorized)
	}

	if err := h.webhook.CheckEvent(payload); err != nil {
		if errors.Is(err, github.ErrInvalidPayload) {
			return h.fail(http.StatusBadRequest, StageParse, err)
		}
		h.logger.Info("skipping event", "reason", err)
		return respond(http.StatusOK, StageValidate+": "+err.Error())
	}

	issueEvent, err := h.webhook.ParseIssueEvent(payload)
	if err != nil {
		return h.fail(http.StatusBadRequest, StageParse, err)
	}

	repo, number, err := issueEvent.Target()
	if err != nil {
		return h.fail(http.StatusBadRequest, StageParse, err)
	}

	logger := h.logger.With("repo", repo, "issue", number)
	logger.Info("processing usage request")

	env, err := h.opener.OpenEnv(h.env)
	if err != nil {
		return h.fail(http.StatusInternalServerError, StageDecrypt, err)
	}
	creds, err := config.CredentialsFromEnv(env)
	if err != nil {
		return h.fail(http.StatusInternalServerError, StageDecrypt, err)
	}

	gh := github.NewClient(h.settings.GitHub.BaseURL, h.settings.GitHub.UserAgent, h.settings.GitHub.Accept)
	if h.httpClient != nil {
		gh.SetHTTPClient(h.httpClient)
	}

	token, err := github.NewTokenIssuer(gh, h.now).IssueToken(ctx, creds.AppID, creds.InstallationID, creds.PrivateKey)
	if err != nil {
		return h.fail(http.StatusInternalServerError, StageToken, err)
	}

	if err := gh.RemoveLabel(ctx, token, repo, number, h.webhook.TriggerLabel()); err != nil {
		return h.fail(http.StatusInternalServerError, StageRetrieve, err)
	}

	issue, err := gh.GetIssue(ctx, token, repo, number)
	if err != nil {
		return h.fail(http.StatusInternalServerError, StageRetrieve, err)
	}

	account, err := ParseAccount(issue.Body)
	if err != nil {
		logger.Warn("could not parse account", "error", err)
		if _, err := gh.CreateIssueComment(ctx, token, repo, number, usage.ErrorComment(NoAccountMessage)); err != nil {
			return h.fail(http.StatusInternalServerError, StageDisplay, err)
		}
		return respond(http.StatusOK, BodyDone)
	}
	logger = logger.With("account", account)

	modeClient := mode.NewClient(creds.ModeToken, h.settings.Mode.Reports, h.settings.Mode.MaxConcurrent, logger)
	if h.httpClient != nil {
		modeClient.SetHTTPClient(h.httpClient)
	}

	reports, err := modeClient.FetchAll(ctx)
	if err != nil {
		return h.fail(http.StatusInternalServerError, StageUsage, err)
	}
	if len(reports) == 0 {
		return h.fail(http.StatusInternalServerError, StageUsage, ErrNoUsage)
	}

	comment, err := gh.CreateIssueComment(ctx, token, repo, number, usage.Comment(reports, h.now()))
	if err != nil {
		return h.fail(http.StatusInternalServerError, StageDisplay, err)
	}

	logger.Info("usage report posted",
		"rows", len(reports),
		"comment_id", comment.ID,
		"url", comment.HTMLURL,
	)

	return respond(http.StatusOK, BodyDone)
}
