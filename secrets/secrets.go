// Package secrets resolves sealed configuration values.
//
// A sealed value is an environment value of the form "secure:<base64>",
// where the base64 payload is an age ciphertext. Values without the prefix
// are plaintext and pass through unchanged. Opening happens once per
// invocation; plaintext is never written back to the process environment.
package secrets

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"

	"filippo.io/age"
)

// SealedPrefix marks an environment value as an age ciphertext.
const SealedPrefix = "secure:"

// Environment variables naming the identities used to open sealed values.
const (
	EnvIdentityFile = "AGE_IDENTITY_FILE"
	EnvIdentity     = "AGE_IDENTITY"
)

// ErrNoIdentity indicates a sealed value was found but no identity is
// available to open it.
var ErrNoIdentity = errors.New("sealed value present but no identity configured")

// OpenError reports which variable could not be opened.
type OpenError struct {
	Name string
	Err  error
}

func (e *OpenError) Error() string {
	return fmt.Sprintf("%s: %v", e.Name, e.Err)
}

func (e *OpenError) Unwrap() error {
	return e.Err
}

// IsSealed reports whether value carries the sealed prefix.
func IsSealed(value string) bool {
	return strings.HasPrefix(value, SealedPrefix)
}

// Opener decrypts sealed values with a fixed set of age identities.
type Opener struct {
	identities []age.Identity
}

// NewOpener creates an opener. An opener without identities passes plaintext
// values through and fails on sealed ones.
func NewOpener(identities ...age.Identity) *Opener {
	return &Opener{identities: identities}
}

// ParseOpener reads age identities (one per line, "#" comments allowed) from r.
func ParseOpener(r io.Reader) (*Opener, error) {
	identities, err := age.ParseIdentities(r)
	if err != nil {
		return nil, fmt.Errorf("failed to parse identities: %w", err)
	}
	return NewOpener(identities...), nil
}

// OpenerFromEnv builds an opener from AGE_IDENTITY_FILE, or failing that
// from an inline AGE_IDENTITY. With neither set the opener has no identities.
func OpenerFromEnv(env map[string]string) (*Opener, error) {
	if path := env[EnvIdentityFile]; path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("failed to open identity file: %w", err)
		}
		defer f.Close()
		return ParseOpener(f)
	}
	if identity := env[EnvIdentity]; identity != "" {
		return ParseOpener(strings.NewReader(identity))
	}
	return NewOpener(), nil
}

// Open returns the plaintext of value. Plain values are returned as is.
func (o *Opener) Open(value string) (string, error) {
	if !IsSealed(value) {
		return value, nil
	}
	if len(o.identities) == 0 {
		return "", ErrNoIdentity
	}

	ciphertext, err := base64.StdEncoding.DecodeString(strings.TrimPrefix(value, SealedPrefix))
	if err != nil {
		return "", fmt.Errorf("failed to decode ciphertext: %w", err)
	}

	reader, err := age.Decrypt(bytes.NewReader(ciphertext), o.identities...)
	if err != nil {
		return "", fmt.Errorf("failed to decrypt: %w", err)
	}

	plaintext, err := io.ReadAll(reader)
	if err != nil {
		return "", fmt.Errorf("failed to read plaintext: %w", err)
	}
	return string(plaintext), nil
}

// OpenEnv returns a copy of env with every sealed value replaced by its
// plaintext. The first failure aborts; no partial mapping is returned.
func (o *Opener) OpenEnv(env map[string]string) (map[string]string, error) {
	names := make([]string, 0, len(env))
	for name := range env {
		names = append(names, name)
	}
	sort.Strings(names)

	resolved := make(map[string]string, len(env))
	for _, name := range names {
		value, err := o.Open(env[name])
		if err != nil {
			return nil, &OpenError{Name: name, Err: err}
		}
		resolved[name] = value
	}
	return resolved, nil
}

// Seal encrypts plaintext to the given age recipients (age1... strings) and
// returns a sealed value suitable for an environment variable.
func Seal(plaintext string, recipientKeys ...string) (string, error) {
	if len(recipientKeys) == 0 {
		return "", fmt.Errorf("at least one recipient is required")
	}

	recipients := make([]age.Recipient, 0, len(recipientKeys))
	for _, key := range recipientKeys {
		recipient, err := age.ParseX25519Recipient(key)
		if err != nil {
			return "", fmt.Errorf("failed to parse recipient %q: %w", key, err)
		}
		recipients = append(recipients, recipient)
	}

	var buf bytes.Buffer
	writer, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return "", fmt.Errorf("failed to create encryptor: %w", err)
	}
	if _, err := io.WriteString(writer, plaintext); err != nil {
		return "", fmt.Errorf("failed to write plaintext: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("failed to finalize encryption: %w", err)
	}

	return SealedPrefix + base64.StdEncoding.EncodeToString(buf.Bytes()), nil
}
