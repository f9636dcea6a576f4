// Package auth supplies per-account credentials as oauth2 token sources. The
// secret is read from an environment variable or a file on demand and never
// stored by pimsync.
package auth

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"golang.org/x/oauth2"
)

// Scheme selects how a secret is presented to the server.
type Scheme string

const (
	// SchemeBearer sends "Authorization: Bearer <secret>".
	SchemeBearer Scheme = "bearer"
	// SchemeBasic sends "Authorization: Basic base64(username:secret)", for
	// servers that only accept app passwords.
	SchemeBasic Scheme = "basic"
)

// fileRefresh is how long a secret read from a file is trusted before the
// file is read again, so rotated tokens are picked up without a restart.
const fileRefresh = 5 * time.Minute

// ErrNoCredential is returned when no secret source yields a value.
var ErrNoCredential = errors.New("no credential configured")

// Credential tells the provider where to find one account's secret.
type Credential struct {
	AccountID string
	Username  string
	Scheme    Scheme
	// TokenEnv names an environment variable holding the secret.
	TokenEnv string
	// TokenFile is a path to a file holding the secret. Used when TokenEnv
	// is empty or unset.
	TokenFile string
}

// Provider hands out a token source per account.
type Provider struct {
	mu      sync.Mutex
	creds   map[string]Credential
	sources map[string]oauth2.TokenSource
}

// NewProvider creates a provider for the given credentials.
func NewProvider(creds []Credential) *Provider {
	p := &Provider{
		creds:   make(map[string]Credential, len(creds)),
		sources: make(map[string]oauth2.TokenSource),
	}
	for _, c := range creds {
		p.creds[c.AccountID] = c
	}
	return p
}

// TokenSource returns the cached token source of an account. A nil source
// with a nil error means the account is configured without credentials.
func (p *Provider) TokenSource(accountID string) (oauth2.TokenSource, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if ts, ok := p.sources[accountID]; ok {
		return ts, nil
	}
	cred, ok := p.creds[accountID]
	if !ok {
		return nil, fmt.Errorf("unknown account %q", accountID)
	}
	if cred.TokenEnv == "" && cred.TokenFile == "" {
		return nil, nil
	}

	ts := oauth2.ReuseTokenSource(nil, &secretSource{cred: cred})
	p.sources[accountID] = ts
	return ts, nil
}

// secretSource reads the raw secret on every call.
type secretSource struct {
	cred Credential
}

func (s *secretSource) Token() (*oauth2.Token, error) {
	secret, fromFile, err := readSecret(s.cred)
	if err != nil {
		return nil, err
	}

	tok := &oauth2.Token{AccessToken: secret, TokenType: "Bearer"}
	if s.cred.Scheme == SchemeBasic {
		tok.TokenType = "Basic"
		tok.AccessToken = base64.StdEncoding.EncodeToString([]byte(s.cred.Username + ":" + secret))
	}
	if fromFile {
		tok.Expiry = time.Now().Add(fileRefresh)
	}
	return tok, nil
}

func readSecret(c Credential) (secret string, fromFile bool, err error) {
	if c.TokenEnv != "" {
		if v := strings.TrimSpace(os.Getenv(c.TokenEnv)); v != "" {
			return v, false, nil
		}
	}
	if c.TokenFile != "" {
		data, err := os.ReadFile(c.TokenFile)
		if err != nil {
			return "", false, fmt.Errorf("reading token file for account %q: %w", c.AccountID, err)
		}
		if v := strings.TrimSpace(string(data)); v != "" {
			return v, true, nil
		}
	}
	return "", false, fmt.Errorf("account %q: %w", c.AccountID, ErrNoCredential)
}

// ParseScheme maps a config value to a Scheme. Empty means bearer.
func ParseScheme(s string) (Scheme, error) {
	switch Scheme(strings.ToLower(strings.TrimSpace(s))) {
	case "", SchemeBearer:
		return SchemeBearer, nil
	case SchemeBasic:
		return SchemeBasic, nil
	default:
		return "", fmt.Errorf("unknown auth scheme %q", s)
	}
}
