// Package push dispatches payloads to an identity's alternate delivery
// channels when the primary websocket channel is unreachable. The concrete
// delivery protocol lives behind Notifier; this package only runs the
// fallback policy: try every token independently, any success is enough.
package push

import (
	"context"
	"log/slog"
)

type Notifier interface {
	Notify(ctx context.Context, token string, payload any) error
}

// NotifierFunc adapts a function to Notifier.
type NotifierFunc func(ctx context.Context, token string, payload any) error

func (f NotifierFunc) Notify(ctx context.Context, token string, payload any) error {
	return f(ctx, token, payload)
}

// Discard is the default notifier: every attempt fails, so callers treat
// the recipient as offline.
var Discard = NotifierFunc(func(context.Context, string, any) error {
	return errNoChannel
})

type noChannelError struct{}

func (noChannelError) Error() string { return "no delivery channel configured" }

var errNoChannel = noChannelError{}

type Dispatcher struct {
	notifier Notifier
	log      *slog.Logger
}

func NewDispatcher(notifier Notifier, log *slog.Logger) *Dispatcher {
	if notifier == nil {
		notifier = Discard
	}
	return &Dispatcher{notifier: notifier, log: log}
}

// Dispatch attempts the tokens in registration order and reports whether a
// delivery was acknowledged. The first success stops the sweep; failures
// are logged, never retried.
func (d *Dispatcher) Dispatch(ctx context.Context, tokens []string, payload any) bool {
	for _, token := range tokens {
		if err := d.notifier.Notify(ctx, token, payload); err != nil {
			d.log.Debug("fallback channel failed", "error", err)
			continue
		}
		return true
	}
	return false
}
