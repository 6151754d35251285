// Package auth supplies OAuth2-authenticated HTTP clients per local account.
//
// An account named "work" is backed by client_secret_work.json (the installed
// application credentials downloaded from the cloud console) and token_work.json
// (the cached user token) in the secrets directory.
package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"
	yt "google.golang.org/api/youtube/v3"

	"ytsubs/internal/storage"
)

var (
	// ErrNoCredentials indicates an account has no usable client secret or token.
	ErrNoCredentials = errors.New("auth: no usable credentials")
	// ErrNoAccounts indicates no client secret files were found.
	ErrNoAccounts = errors.New("auth: no accounts found")
)

const (
	secretPrefix = "client_secret_"
	tokenPrefix  = "token_"
)

// Scopes requested for every account. Subscribing requires write access.
var Scopes = []string{yt.YoutubeForceSslScope}

// Provider builds authenticated clients from the files in a secrets directory.
type Provider struct {
	dir         string
	interactive bool
	out         io.Writer
	logger      *slog.Logger
	mu          sync.Mutex
}

// Option configures a Provider.
type Option func(*Provider)

// WithInteractive enables the browser consent flow when an account has no token.
// Consent instructions are written to out.
func WithInteractive(out io.Writer) Option {
	return func(p *Provider) {
		p.interactive = true
		p.out = out
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Provider) { p.logger = logger }
}

// NewProvider returns a provider reading secrets from dir.
func NewProvider(dir string, opts ...Option) *Provider {
	p := &Provider{dir: dir, out: io.Discard, logger: slog.Default()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// SecretPath returns the client secret file of account.
func (p *Provider) SecretPath(account string) string {
	return filepath.Join(p.dir, secretPrefix+account+".json")
}

// TokenPath returns the cached token file of account.
func (p *Provider) TokenPath(account string) string {
	return filepath.Join(p.dir, tokenPrefix+account+".json")
}

// Config loads the OAuth2 client configuration of account.
func (p *Provider) Config(account string) (*oauth2.Config, error) {
	data, err := os.ReadFile(p.SecretPath(account))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s has no client secret file", ErrNoCredentials, account)
		}
		return nil, fmt.Errorf("auth: read client secret: %w", err)
	}
	cfg, err := google.ConfigFromJSON(data, Scopes...)
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrNoCredentials, account, err)
	}
	return cfg, nil
}

// Client returns an HTTP client authorized as account. Refreshed tokens are
// written back to the token file. Without a cached token the consent flow runs
// if the provider is interactive; otherwise ErrNoCredentials is returned.
func (p *Provider) Client(ctx context.Context, account string) (*http.Client, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	cfg, err := p.Config(account)
	if err != nil {
		return nil, err
	}

	tok, err := p.loadToken(account)
	if err != nil {
		if !p.interactive {
			return nil, fmt.Errorf("%w: %s has no saved token (%v); run interactively once to authorize", ErrNoCredentials, account, err)
		}
		p.logger.Info("authorizing account", "account", account)
		tok, err = authorize(ctx, cfg, p.out)
		if err != nil {
			return nil, err
		}
		if err := p.saveToken(account, tok); err != nil {
			return nil, err
		}
	}

	// Refreshes must not be tied to the caller's cancellation.
	base := context.WithoutCancel(ctx)
	src := &persistingSource{
		base:   cfg.TokenSource(base, tok),
		last:   tok.AccessToken,
		save:   func(t *oauth2.Token) error { return p.saveToken(account, t) },
		logger: p.logger.With("account", account),
	}
	return oauth2.NewClient(base, src), nil
}

func (p *Provider) loadToken(account string) (*oauth2.Token, error) {
	var tok oauth2.Token
	if err := storage.ReadJSON(p.TokenPath(account), &tok); err != nil {
		return nil, err
	}
	if tok.AccessToken == "" && tok.RefreshToken == "" {
		return nil, storage.ErrStorageCorrupt
	}
	return &tok, nil
}

func (p *Provider) saveToken(account string, tok *oauth2.Token) error {
	if err := storage.WriteJSON(p.TokenPath(account), tok); err != nil {
		return fmt.Errorf("auth: save token for %s: %w", account, err)
	}
	return nil
}

// persistingSource writes a token back whenever the underlying source refreshes it.
type persistingSource struct {
	mu     sync.Mutex
	base   oauth2.TokenSource
	last   string
	save   func(*oauth2.Token) error
	logger *slog.Logger
}

func (s *persistingSource) Token() (*oauth2.Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tok, err := s.base.Token()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNoCredentials, err)
	}
	if tok.AccessToken != s.last {
		s.last = tok.AccessToken
		if err := s.save(tok); err != nil {
			s.logger.Warn("refreshed token not saved", "error", err)
		} else {
			s.logger.Debug("token refreshed", "expiry", tok.Expiry)
		}
	}
	return tok, nil
}

// DiscoverAccounts lists the account names that have a client secret file in dir.
func DiscoverAccounts(dir string) ([]string, error) {
	matches, err := filepath.Glob(filepath.Join(dir, secretPrefix+"*.json"))
	if err != nil {
		return nil, err
	}
	var accounts []string
	for _, m := range matches {
		name := strings.TrimSuffix(strings.TrimPrefix(filepath.Base(m), secretPrefix), ".json")
		if name != "" {
			accounts = append(accounts, name)
		}
	}
	if len(accounts) == 0 {
		return nil, fmt.Errorf("%w in %s (expected %s<name>.json)", ErrNoAccounts, dir, secretPrefix)
	}
	sort.Strings(accounts)
	return accounts, nil
}
