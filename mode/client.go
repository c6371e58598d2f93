// Package mode fetches account usage reports from the Mode Analytics API.
//
// A report is fetched in two dependent calls: the run listing, which names
// the latest run, and that run's result content.
package mode

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/mapbox/scrooge/usage"
	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
)

// MaxConcurrentFetches is the default bound on reports fetched at once.
const MaxConcurrentFetches = 10

// runTokenPath locates the latest run in a run listing.
const runTokenPath = "_embedded.report_runs.0.token"

// ErrNoRuns indicates a run listing without any runs.
var ErrNoRuns = errors.New("report has no runs")

// Client provides methods to fetch usage reports.
type Client struct {
	httpClient    *http.Client
	authorization string
	reports       []string
	maxConcurrent int64
	logger        *slog.Logger
}

// NewClient creates a Mode client for the given report-run listing URLs.
// The token is sent as HTTP basic credentials. A maxConcurrent below one
// selects MaxConcurrentFetches.
func NewClient(token string, reports []string, maxConcurrent int, logger *slog.Logger) *Client {
	if maxConcurrent < 1 {
		maxConcurrent = MaxConcurrentFetches
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Client{
		httpClient:    &http.Client{Timeout: 30 * time.Second},
		authorization: "Basic " + base64.StdEncoding.EncodeToString([]byte(token)),
		reports:       reports,
		maxConcurrent: int64(maxConcurrent),
		logger:        logger,
	}
}

// SetHTTPClient replaces the underlying HTTP client.
func (c *Client) SetHTTPClient(httpClient *http.Client) {
	c.httpClient = httpClient
}

// ResultsURL returns the result content URL of a run of the report.
func ResultsURL(reportURL, runToken string) string {
	return strings.TrimSuffix(reportURL, "/") + "/" + runToken + "/results/content.json"
}

// get fetches url and returns the (decompressed) body of a 200 response.
func (c *Client) get(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", c.authorization)
	req.Header.Set("Accept-Encoding", "gzip")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var body io.Reader = resp.Body
	if strings.EqualFold(resp.Header.Get("Content-Encoding"), "gzip") {
		gz, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("failed to open gzip body: %w", err)
		}
		defer gz.Close()
		body = gz
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("failed to read body: %w", err)
	}

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("status %d, body: %s", resp.StatusCode, string(data))
	}

	return data, nil
}

// LatestRunToken returns the token of the most recent run of a report.
func (c *Client) LatestRunToken(ctx context.Context, reportURL string) (string, error) {
	data, err := c.get(ctx, reportURL)
	if err != nil {
		return "", fmt.Errorf("failed to list report runs: %w", err)
	}

	if !gjson.ValidBytes(data) {
		return "", fmt.Errorf("failed to list report runs: invalid JSON")
	}

	token := gjson.GetBytes(data, runTokenPath)
	if !token.Exists() || token.String() == "" {
		return "", ErrNoRuns
	}

	return token.String(), nil
}

// FetchResults fetches and decodes the result rows of a run.
func (c *Client) FetchResults(ctx context.Context, resultsURL string) ([]usage.Report, error) {
	data, err := c.get(ctx, resultsURL)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch results: %w", err)
	}

	var reports []usage.Report
	if err := json.Unmarshal(data, &reports); err != nil {
		return nil, fmt.Errorf("failed to decode results: %w", err)
	}

	return reports, nil
}

// FetchReport fetches the results of the latest run of one report.
func (c *Client) FetchReport(ctx context.Context, reportURL string) ([]usage.Report, error) {
	runToken, err := c.LatestRunToken(ctx, reportURL)
	if err != nil {
		return nil, err
	}

	resultsURL := ResultsURL(reportURL, runToken)
	c.logger.Debug("fetching report results", "url", resultsURL)

	return c.FetchResults(ctx, resultsURL)
}

// FetchAll fetches every configured report, at most maxConcurrent at a time,
// and returns their rows in configuration order. Any failure fails the whole
// fetch.
func (c *Client) FetchAll(ctx context.Context) ([]usage.Report, error) {
	g, gctx := errgroup.WithContext(ctx)
	sem := semaphore.NewWeighted(c.maxConcurrent)
	results := make([][]usage.Report, len(c.reports))

	for i, reportURL := range c.reports {
		g.Go(func() error {
			if err := sem.Acquire(gctx, 1); err != nil {
				return err
			}
			defer sem.Release(1)

			reports, err := c.FetchReport(gctx, reportURL)
			if err != nil {
				if len(c.reports) > 1 {
					return fmt.Errorf("report %d/%d: %w", i+1, len(c.reports), err)
				}
				return err
			}
			results[i] = reports
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}

	var all []usage.Report
	for _, reports := range results {
		all = append(all, reports...)
	}

	c.logger.Info("fetched usage reports",
		"reports", len(c.reports),
		"rows", len(all),
	)

	return all, nil
}
