// Package auth obtains and refreshes the bearer credentials for the
// platform connection.
package auth

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"
)

// ErrAuthFailed wraps any failure to obtain a token. Retryable.
var ErrAuthFailed = errors.New("auth: token acquisition failed")

// Provider hands out bearer tokens. Token is safe for concurrent use.
type Provider interface {
	// Token returns a bearer token valid until at least the returned
	// expiry. Callers must refresh before that instant.
	Token(ctx context.Context) (token string, expiry time.Time, err error)
}

// reuseMargin is how close to expiry a cached token may be before a
// fresh one is fetched.
const reuseMargin = 30 * time.Second

// ClientCredentials is the production provider: an OAuth2
// client-credentials grant against the platform's token endpoint.
type ClientCredentials struct {
	cfg clientcredentials.Config

	mu     sync.Mutex
	cached *oauth2.Token
}

// NewClientCredentials builds a provider from the configured client id,
// secret and token endpoint URL.
func NewClientCredentials(clientID, clientSecret, tokenURL string) (*ClientCredentials, error) {
	if clientID == "" || clientSecret == "" || tokenURL == "" {
		return nil, fmt.Errorf("%w: clientId, clientSecret and authTokenUrl are all required", ErrAuthFailed)
	}
	return &ClientCredentials{
		cfg: clientcredentials.Config{
			ClientID:     clientID,
			ClientSecret: clientSecret,
			TokenURL:     tokenURL,
		},
	}, nil
}

// Token returns a valid bearer token, reusing the cached one until it
// nears expiry.
func (p *ClientCredentials) Token(ctx context.Context) (string, time.Time, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	if p.cached != nil && p.cached.Expiry.After(time.Now().Add(reuseMargin)) {
		return p.cached.AccessToken, p.cached.Expiry, nil
	}

	tok, err := p.cfg.Token(ctx)
	if err != nil {
		return "", time.Time{}, fmt.Errorf("%w: %v", ErrAuthFailed, err)
	}
	p.cached = tok
	return tok.AccessToken, tok.Expiry, nil
}

// Static is a fixed-token provider for tests and local runs.
type Static struct {
	Value  string
	Expiry time.Time
}

func (s *Static) Token(ctx context.Context) (string, time.Time, error) {
	if s.Value == "" {
		return "", time.Time{}, ErrAuthFailed
	}
	exp := s.Expiry
	if exp.IsZero() {
		exp = time.Now().Add(time.Hour)
	}
	return s.Value, exp, nil
}
