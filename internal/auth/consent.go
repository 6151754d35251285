package auth

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"golang.org/x/oauth2"
)

// consentTimeout bounds how long the loopback listener waits for the browser.
const consentTimeout = 5 * time.Minute

// authorize runs the installed-application flow: the user opens the printed URL,
// consents, and the browser is redirected to a one-shot loopback listener.
func authorize(ctx context.Context, cfg *oauth2.Config, out io.Writer) (*oauth2.Token, error) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("auth: start loopback listener: %w", err)
	}
	defer ln.Close()

	flow := *cfg
	flow.RedirectURL = fmt.Sprintf("http://%s/", ln.Addr().String())

	state := uuid.NewString()
	verifier := oauth2.GenerateVerifier()
	authURL := flow.AuthCodeURL(state,
		oauth2.AccessTypeOffline,
		oauth2.ApprovalForce,
		oauth2.S256ChallengeOption(verifier))

	fmt.Fprintf(out, "Open this URL in a browser to authorize access:\n\n  %s\n\n", authURL)

	type result struct {
		code string
		err  error
	}
	done := make(chan result, 1)
	srv := &http.Server{
		ReadHeaderTimeout: 10 * time.Second,
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			q := r.URL.Query()
			switch {
			case q.Get("state") != state:
				http.Error(w, "state mismatch", http.StatusBadRequest)
				return
			case q.Get("error") != "":
				fmt.Fprintln(w, "Authorization was denied. You can close this window.")
				done <- result{err: fmt.Errorf("%w: consent denied: %s", ErrNoCredentials, q.Get("error"))}
			default:
				fmt.Fprintln(w, "Authorization complete. You can close this window.")
				done <- result{code: q.Get("code")}
			}
		}),
	}
	go srv.Serve(ln)
	defer srv.Close()

	ctx, cancel := context.WithTimeout(ctx, consentTimeout)
	defer cancel()

	var res result
	select {
	case res = <-done:
	case <-ctx.Done():
		return nil, fmt.Errorf("auth: waiting for consent: %w", ctx.Err())
	}
	if res.err != nil {
		return nil, res.err
	}
	if res.code == "" {
		return nil, errors.New("auth: redirect carried no authorization code")
	}

	tok, err := flow.Exchange(ctx, res.code, oauth2.VerifierOption(verifier))
	if err != nil {
		return nil, fmt.Errorf("auth: exchange authorization code: %w", err)
	}
	return tok, nil
}
