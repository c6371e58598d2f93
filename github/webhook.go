package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/tidwall/gjson"
)

const (
	// SignatureHeader carries the HMAC-SHA1 signature of the webhook payload.
	SignatureHeader = "X-Hub-Signature"
	// EventHeader carries the webhook event type.
	EventHeader = "X-GitHub-Event"

	// ActionLabeled is the issues event action sent when a label is added.
	ActionLabeled = "labeled"
	// DefaultTriggerLabel is the label whose addition requests a usage report.
	DefaultTriggerLabel = "calc-usage"
)

var (
	// ErrInvalidSignature indicates the webhook signature verification failed.
	ErrInvalidSignature = errors.New("invalid webhook signature")
	// ErrMissingSignature indicates the webhook signature header is missing.
	ErrMissingSignature = errors.New("missing webhook signature")

	// ErrInvalidPayload indicates the webhook body is not valid JSON.
	ErrInvalidPayload = errors.New("webhook payload is not valid JSON")

	// ErrNotLabeled indicates the event action is not "labeled".
	ErrNotLabeled = errors.New("event is not relevant - not labeled")
	// ErrMissingLabels indicates the event carries no issue label array.
	ErrMissingLabels = errors.New("event is missing issue or issue labels")
	// ErrNoTriggerLabel indicates none of the issue labels is the trigger label.
	ErrNoTriggerLabel = errors.New("event is not relevant - no trigger label")
	// ErrMissingRepository indicates the event has no repository full name.
	ErrMissingRepository = errors.New("event is missing repository")
	// ErrMissingIssue indicates the event has no issue number.
	ErrMissingIssue = errors.New("event is missing issue number")
)

// WebhookHandler handles GitHub issue webhook events.
type WebhookHandler struct {
	secret       []byte
	triggerLabel string
}

// NewWebhookHandler creates a new webhook handler with the given secret.
// An empty triggerLabel selects DefaultTriggerLabel.
func NewWebhookHandler(secret, triggerLabel string) *WebhookHandler {
	if triggerLabel == "" {
		triggerLabel = DefaultTriggerLabel
	}
	return &WebhookHandler{
		secret:       []byte(secret),
		triggerLabel: triggerLabel,
	}
}

// TriggerLabel returns the label name that makes an event relevant.
func (h *WebhookHandler) TriggerLabel() string {
	return h.triggerLabel
}

// Sign returns the signature header value for payload ("sha1=<hex>").
func (h *WebhookHandler) Sign(payload []byte) string {
	mac := hmac.New(sha1.New, h.secret)
	mac.Write(payload)
	return "sha1=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature verifies the webhook payload signature.
// The signature header must be exactly "sha1=<hex-encoded-signature>".
func (h *WebhookHandler) VerifySignature(payload []byte, signatureHeader string) error {
	if signatureHeader == "" {
		return ErrMissingSignature
	}

	if !strings.HasPrefix(signatureHeader, "sha1=") {
		return ErrInvalidSignature
	}

	// Byte-for-byte comparison of the full header value, in constant time
	if !hmac.Equal([]byte(signatureHeader), []byte(h.Sign(payload))) {
		return ErrInvalidSignature
	}

	return nil
}

// ParseIssueEvent decodes an issues webhook payload. Run it after
// CheckEvent: it rejects any field of an unexpected type.
func (h *WebhookHandler) ParseIssueEvent(payload []byte) (*IssueEvent, error) {
	var event IssueEvent
	if err := json.Unmarshal(payload, &event); err != nil {
		return nil, fmt.Errorf("failed to parse webhook payload: %w", err)
	}
	return &event, nil
}

// Target returns the repository full name and issue number the event refers
// to. It fails when either is missing.
func (e *IssueEvent) Target() (string, int, error) {
	if e.Repository == nil || e.Repository.FullName == "" {
		return "", 0, ErrMissingRepository
	}
	if e.Issue == nil || e.Issue.Number == 0 {
		return "", 0, ErrMissingIssue
	}
	return e.Repository.FullName, e.Issue.Number, nil
}

// CheckEvent reports why a payload should not trigger a usage report.
// It reads only the fields the gate needs, so a payload of any other shape
// is irrelevant rather than malformed. It returns nil when the action is
// "labeled" and issue.labels is an array holding the trigger label, and
// ErrInvalidPayload when the payload is not JSON at all.
func (h *WebhookHandler) CheckEvent(payload []byte) error {
	if !gjson.ValidBytes(payload) {
		return ErrInvalidPayload
	}

	action := gjson.GetBytes(payload, "action")
	if action.Type != gjson.String || action.Str != ActionLabeled {
		return ErrNotLabeled
	}

	labels := gjson.GetBytes(payload, "issue.labels")
	if !labels.IsArray() {
		return ErrMissingLabels
	}

	found := false
	labels.ForEach(func(_, label gjson.Result) bool {
		name := label.Get("name")
		found = name.Type == gjson.String && name.Str == h.triggerLabel
		return !found
	})
	if !found {
		return ErrNoTriggerLabel
	}

	return nil
}

// HeaderValue looks up a header in a plain header map. An exact match wins;
// otherwise the lookup falls back to a case-insensitive match.
func HeaderValue(headers map[string]string, name string) string {
	if v, ok := headers[name]; ok {
		return v
	}
	for k, v := range headers {
		if strings.EqualFold(k, name) {
			return v
		}
	}
	return ""
}
