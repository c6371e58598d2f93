package github

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

const (
	// DefaultBaseURL is the GitHub REST API root.
	DefaultBaseURL = "https://api.github.com"
	// DefaultUserAgent identifies the reporter to GitHub.
	DefaultUserAgent = "github.com/mapbox/scrooge"
	// PreviewAccept is the media type the App endpoints are called with.
	PreviewAccept = "application/vnd.github.machine-man-preview+json"
)

// StatusError is returned when GitHub answers with a non-2xx status.
type StatusError struct {
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("status %d, body: %s", e.StatusCode, e.Body)
}

// Client provides methods to interact with the GitHub API.
// Credentials are passed per call; the client holds none.
type Client struct {
	httpClient *http.Client
	baseURL    string
	userAgent  string
	accept     string
}

// NewClient creates a new GitHub API client. Empty arguments select
// DefaultBaseURL, DefaultUserAgent and PreviewAccept.
func NewClient(baseURL, userAgent, accept string) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if accept == "" {
		accept = PreviewAccept
	}
	return &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		userAgent:  userAgent,
		accept:     accept,
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

// bearer authorizes a request with a signed app assertion.
func bearer(assertion string) string {
	return "Bearer " + assertion
}

// tokenAuth authorizes a request with an installation token.
func tokenAuth(token string) string {
	return "token " + token
}

// do sends a request and decodes a 2xx JSON response into out (if non-nil).
func (c *Client) do(ctx context.Context, method, path, authorization string, in, out any) error {
	var body io.Reader
	if in != nil {
		reqBody, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to marshal request: %w", err)
		}
		body = bytes.NewReader(reqBody)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", c.userAgent)
	req.Header.Set("Authorization", authorization)
	req.Header.Set("Accept", c.accept)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		respBody, _ := io.ReadAll(resp.Body)
		return &StatusError{StatusCode: resp.StatusCode, Body: string(respBody)}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// GetApp fetches the authenticated app. A successful call confirms that the
// assertion was signed with the app's registered key.
func (c *Client) GetApp(ctx context.Context, assertion string) (*App, error) {
	var app App
	if err := c.do(ctx, http.MethodGet, "/app", bearer(assertion), nil, &app); err != nil {
		return nil, fmt.Errorf("failed to get app: %w", err)
	}
	return &app, nil
}

// CreateInstallationToken exchanges an app assertion for an access token
// scoped to the given installation.
func (c *Client) CreateInstallationToken(ctx context.Context, assertion string, installationID int64) (*InstallationToken, error) {
	path := "/installations/" + strconv.FormatInt(installationID, 10) + "/access_tokens"

	var token InstallationToken
	if err := c.do(ctx, http.MethodPost, path, bearer(assertion), nil, &token); err != nil {
		return nil, fmt.Errorf("failed to create installation token: %w", err)
	}
	if token.Token == "" {
		return nil, fmt.Errorf("failed to create installation token: empty token in response")
	}
	return &token, nil
}

// RemoveLabel removes a label from an issue.
func (c *Client) RemoveLabel(ctx context.Context, token, fullName string, number int, label string) error {
	path := fmt.Sprintf("/repos/%s/issues/%d/labels/%s", fullName, number, url.PathEscape(label))

	if err := c.do(ctx, http.MethodDelete, path, tokenAuth(token), nil, nil); err != nil {
		return fmt.Errorf("failed to remove label: %w", err)
	}
	return nil
}

// GetIssue fetches an issue by number.
func (c *Client) GetIssue(ctx context.Context, token, fullName string, number int) (*Issue, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d", fullName, number)

	var issue Issue
	if err := c.do(ctx, http.MethodGet, path, tokenAuth(token), nil, &issue); err != nil {
		return nil, fmt.Errorf("failed to fetch issue: %w", err)
	}
	return &issue, nil
}

// CreateIssueComment posts a comment on an issue.
func (c *Client) CreateIssueComment(ctx context.Context, token, fullName string, number int, body string) (*IssueComment, error) {
	path := fmt.Sprintf("/repos/%s/issues/%d/comments", fullName, number)

	var comment IssueComment
	if err := c.do(ctx, http.MethodPost, path, tokenAuth(token), IssueCommentRequest{Body: body}, &comment); err != nil {
		return nil, fmt.Errorf("failed to create comment: %w", err)
	}
	return &comment, nil
}
