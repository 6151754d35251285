package youtube

import (
	"context"
	"net/http"
	"time"
)

// ClientSource yields an authenticated HTTP client for an account.
type ClientSource interface {
	Client(ctx context.Context, account string) (*http.Client, error)
}

// Connector binds accounts to API clients.
type Connector struct {
	tokens  ClientSource
	pacer   *Pacer
	timeout time.Duration
}

// NewConnector returns a connector sharing pacer across all accounts.
// A positive timeout bounds every individual request.
func NewConnector(tokens ClientSource, pacer *Pacer, timeout time.Duration) *Connector {
	return &Connector{tokens: tokens, pacer: pacer, timeout: timeout}
}

// Connect authenticates account and returns its API.
func (c *Connector) Connect(ctx context.Context, account string) (API, error) {
	client, err := c.tokens.Client(ctx, account)
	if err != nil {
		return nil, err
	}
	if c.timeout > 0 {
		bounded := *client
		bounded.Timeout = c.timeout
		client = &bounded
	}
	return NewDataAPI(ctx, client, c.pacer)
}
