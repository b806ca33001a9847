package auth

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/go-jose/go-jose/v4"

	"veilo/pkg/errors"
)

// Directory is the user-store subset the authenticator consults after the
// credential itself has been verified.
type Directory interface {
	Lookup(ctx context.Context, identity string) (active bool, found bool, err error)
}

// Authenticator validates a connection's signed credential once, at the
// boundary. Identities leave here in exactly one canonical form; nothing
// downstream tries multiple formats.
type Authenticator struct {
	secret []byte
	issuer string
	users  Directory
	window *failureWindow
	clk    clock.Clock
	log    *slog.Logger
}

type Options struct {
	Secret        []byte
	Issuer        string
	FailureLimit  int
	FailureWindow time.Duration
	Clock         clock.Clock
}

func New(opts Options, users Directory, log *slog.Logger) *Authenticator {
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	return &Authenticator{
		secret: opts.Secret,
		issuer: opts.Issuer,
		users:  users,
		window: newFailureWindow(clk, opts.FailureLimit, opts.FailureWindow),
		clk:    clk,
		log:    log,
	}
}

type claims struct {
	Subject string `json:"sub"`
	Issuer  string `json:"iss"`
	Expiry  int64  `json:"exp"`
}

// Authenticate verifies the credential and resolves the canonical
// identity. Failures count against the origin's rolling window; success
// resets it.
func (a *Authenticator) Authenticate(ctx context.Context, token, origin string) (string, error) {
	if a.window.exceeded(origin) {
		return "", errors.RateLimited("too many authentication failures")
	}

	identity, err := a.verify(ctx, token)
	if err != nil {
		a.window.record(origin)
		a.log.Warn("authentication failed", "origin", origin, "error", err)
		return "", err
	}

	a.window.reset(origin)
	return identity, nil
}

func (a *Authenticator) verify(ctx context.Context, token string) (string, error) {
	if token == "" {
		return "", errors.Unauthenticated("missing credential")
	}

	jws, err := jose.ParseSigned(token, []jose.SignatureAlgorithm{jose.HS256})
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "malformed credential", err)
	}
	payload, err := jws.Verify(a.secret)
	if err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "invalid signature", err)
	}

	var c claims
	if err := json.Unmarshal(payload, &c); err != nil {
		return "", errors.Wrap(errors.CodeUnauthenticated, "malformed claims", err)
	}
	if a.issuer != "" && c.Issuer != a.issuer {
		return "", errors.Unauthenticated("unknown issuer")
	}
	if c.Expiry == 0 || a.clk.Now().After(time.Unix(c.Expiry, 0)) {
		return "", errors.Unauthenticated("credential expired")
	}

	identity := Canonical(c.Subject)
	if identity == "" {
		return "", errors.Unauthenticated("missing subject")
	}

	active, found, err := a.users.Lookup(ctx, identity)
	if err != nil {
		return "", err
	}
	if !found {
		return "", errors.Unauthenticated("unknown identity")
	}
	if !active {
		return "", errors.Unauthenticated("identity inactive")
	}
	return identity, nil
}

// SweepWindow ages out stale failure counters; called from a ticker.
func (a *Authenticator) SweepWindow() {
	a.window.Sweep()
}

// Canonical normalizes an identity to its single canonical form.
func Canonical(id string) string {
	return strings.ToLower(strings.TrimSpace(id))
}
