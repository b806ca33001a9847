package push

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/stretchr/testify/assert"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestDispatchStopsAfterFirstSuccess(t *testing.T) {
	var attempted []string
	notifier := NotifierFunc(func(_ context.Context, token string, _ any) error {
		attempted = append(attempted, token)
		if token == "tok-2" {
			return nil
		}
		return errors.New("not acknowledged")
	})
	d := NewDispatcher(notifier, testLogger())

	delivered := d.Dispatch(context.Background(), []string{"tok-1", "tok-2", "tok-3"}, "payload")

	assert.True(t, delivered)
	assert.Equal(t, []string{"tok-1", "tok-2"}, attempted)
}

func TestDispatchReportsTotalFailure(t *testing.T) {
	attempts := 0
	notifier := NotifierFunc(func(context.Context, string, any) error {
		attempts++
		return errors.New("not acknowledged")
	})
	d := NewDispatcher(notifier, testLogger())

	delivered := d.Dispatch(context.Background(), []string{"tok-1", "tok-2"}, "payload")

	assert.False(t, delivered)
	assert.Equal(t, 2, attempts)
}

func TestNilNotifierDefaultsToDiscard(t *testing.T) {
	d := NewDispatcher(nil, testLogger())

	assert.False(t, d.Dispatch(context.Background(), []string{"tok-1"}, "payload"))
}
