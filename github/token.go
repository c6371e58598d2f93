package github

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/bradleyfalzon/ghinstallation/v2"
	"github.com/golang-jwt/jwt/v4"
)

// AssertionLifetime is how long a signed app assertion stays valid.
const AssertionLifetime = 10 * time.Minute

// Token issuance steps, as reported by StepError.
const (
	StepSign              = "sign assertion"
	StepAppIdentity       = "app identity"
	StepInstallationToken = "installation token"
)

// StepError identifies which step of token issuance failed.
type StepError struct {
	Step string
	Err  error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("%s: %v", e.Step, e.Err)
}

func (e *StepError) Unwrap() error {
	return e.Err
}

// SignAssertion creates an RS256 JWT identifying the app, valid for
// AssertionLifetime from now.
func SignAssertion(appID int64, privateKeyPEM []byte, now time.Time) (string, error) {
	key, err := jwt.ParseRSAPrivateKeyFromPEM(privateKeyPEM)
	if err != nil {
		return "", fmt.Errorf("failed to parse private key: %w", err)
	}

	claims := &jwt.RegisteredClaims{
		Issuer:    strconv.FormatInt(appID, 10),
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(now.Add(AssertionLifetime)),
	}

	signer := ghinstallation.NewRSASigner(jwt.SigningMethodRS256, key)
	assertion, err := signer.Sign(claims)
	if err != nil {
		return "", fmt.Errorf("failed to sign assertion: %w", err)
	}
	return assertion, nil
}

// TokenIssuer exchanges app credentials for installation tokens.
// Nothing is cached: every call signs a new assertion and requests a new token.
type TokenIssuer struct {
	client *Client
	now    func() time.Time
}

// NewTokenIssuer creates a token issuer. A nil now uses time.Now.
func NewTokenIssuer(client *Client, now func() time.Time) *TokenIssuer {
	if now == nil {
		now = time.Now
	}
	return &TokenIssuer{client: client, now: now}
}

// IssueToken signs an assertion, confirms it against GET /app and exchanges
// it for an installation token. Each step runs once; the first failure is
// returned as a *StepError.
func (t *TokenIssuer) IssueToken(ctx context.Context, appID, installationID int64, privateKeyPEM []byte) (string, error) {
	assertion, err := SignAssertion(appID, privateKeyPEM, t.now())
	if err != nil {
		return "", &StepError{Step: StepSign, Err: err}
	}

	if _, err := t.client.GetApp(ctx, assertion); err != nil {
		return "", &StepError{Step: StepAppIdentity, Err: err}
	}

	token, err := t.client.CreateInstallationToken(ctx, assertion, installationID)
	if err != nil {
		return "", &StepError{Step: StepInstallationToken, Err: err}
	}

	return token.Token, nil
}
