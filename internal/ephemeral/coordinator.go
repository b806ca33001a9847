package ephemeral

import (
	"context"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"

	"veilo/internal/registry"
	"veilo/internal/store"
	"veilo/pkg/errors"
)

// Modes.
const (
	ModeGhost      = "ghost"
	ModeTimer      = "timer"
	ModeContinuous = "continuous-timer"
)

// Bilateral signal events, relayed verbatim to the counterpart.
const (
	EventGhostEntered          = "ghost-mode-entered"
	EventGhostExited           = "ghost-mode-exited"
	EventTimerActivated        = "timer-mode-activated"
	EventTimerDeactivated      = "timer-mode-deactivated"
	EventContinuousActivated   = "continuous-timer-activated"
	EventContinuousDeactivated = "continuous-timer-deactivated"
	EventTimerMessagesDeleted  = "timer-messages-deleted"
)

type SignalPayload struct {
	From         string `json:"from"`
	Peer         string `json:"peer"`
	DurationSecs int    `json:"durationSecs,omitempty"`
}

type DeletedPayload struct {
	Conversation string   `json:"conversation"`
	MessageIDs   []string `json:"messageIds"`
}

// MessageStore purges timer-scoped messages for a conversation pair.
type MessageStore interface {
	PurgeTimerScoped(ctx context.Context, a, b string) ([]string, error)
}

// SessionStore persists continuous-timer state for both directions of a
// pair so it survives reconnects.
type SessionStore interface {
	Activate(ctx context.Context, a, b, mode string, duration time.Duration, at time.Time) error
	Deactivate(ctx context.Context, a, b, mode string) error
	ActiveFor(ctx context.Context, owner, mode string) ([]store.EphemeralSession, error)
}

// Coordinator handles bilateral ghost/timer signaling between exactly two
// identities. Ghost and plain timer signals carry no persisted session
// state; a signal whose counterpart is offline is dropped, never queued.
type Coordinator struct {
	reg      *registry.Registry
	messages MessageStore
	sessions SessionStore
	clk      clock.Clock
	log      *slog.Logger
}

func NewCoordinator(reg *registry.Registry, messages MessageStore, sessions SessionStore,
	clk clock.Clock, log *slog.Logger) *Coordinator {
	if clk == nil {
		clk = clock.New()
	}
	return &Coordinator{reg: reg, messages: messages, sessions: sessions, clk: clk, log: log}
}

func (c *Coordinator) EnterGhost(ctx context.Context, from, peer string) error {
	return c.signal(from, peer, EventGhostEntered, 0)
}

func (c *Coordinator) ExitGhost(ctx context.Context, from, peer string) error {
	return c.signal(from, peer, EventGhostExited, 0)
}

func (c *Coordinator) ActivateTimer(ctx context.Context, from, peer string, duration time.Duration) error {
	return c.signal(from, peer, EventTimerActivated, int(duration.Seconds()))
}

// DeactivateTimer relays the deactivation signal and purges every
// timer-scoped message of the pair, pushing the exact deleted id list to
// both currently-connected parties so local views can drop them without a
// re-fetch.
func (c *Coordinator) DeactivateTimer(ctx context.Context, from, peer string) error {
	if err := c.signal(from, peer, EventTimerDeactivated, 0); err != nil {
		return err
	}

	ids, err := c.messages.PurgeTimerScoped(ctx, from, peer)
	if err != nil {
		c.log.Error("timer purge failed", "from", from, "peer", peer, "error", err)
		return err
	}

	deleted := DeletedPayload{Conversation: store.PairKey(from, peer), MessageIDs: ids}
	for _, party := range []string{from, peer} {
		if err := c.reg.Push(party, EventTimerMessagesDeleted, deleted); err != nil {
			c.log.Debug("deleted-id list dropped", "identity", party)
		}
	}
	c.log.Info("timer messages purged", "conversation", deleted.Conversation, "count", len(ids))
	return nil
}

// ActivateContinuous persists the session for both directions of the pair
// before emitting the bilateral signal.
func (c *Coordinator) ActivateContinuous(ctx context.Context, from, peer string, duration time.Duration) error {
	if err := c.sessions.Activate(ctx, from, peer, ModeContinuous, duration, c.clk.Now()); err != nil {
		c.log.Error("persist continuous session failed", "from", from, "peer", peer, "error", err)
		return err
	}
	return c.signal(from, peer, EventContinuousActivated, int(duration.Seconds()))
}

// Resume replays the identity's persisted continuous-timer sessions to a
// freshly connected client, so the mode survives a dropped connection.
func (c *Coordinator) Resume(ctx context.Context, identity string) error {
	sessions, err := c.sessions.ActiveFor(ctx, identity, ModeContinuous)
	if err != nil {
		return err
	}
	for _, s := range sessions {
		payload := SignalPayload{From: s.PeerID, Peer: identity, DurationSecs: s.DurationSecs}
		if err := c.reg.Push(identity, EventContinuousActivated, payload); err != nil {
			c.log.Debug("resume signal dropped", "identity", identity)
		}
	}
	return nil
}

func (c *Coordinator) DeactivateContinuous(ctx context.Context, from, peer string) error {
	if err := c.sessions.Deactivate(ctx, from, peer, ModeContinuous); err != nil {
		c.log.Error("remove continuous session failed", "from", from, "peer", peer, "error", err)
		return err
	}
	return c.signal(from, peer, EventContinuousDeactivated, 0)
}

func (c *Coordinator) signal(from, peer, event string, durationSecs int) error {
	if peer == "" {
		return errors.InvalidArg("missing peer")
	}
	if peer == from {
		return errors.InvalidArg("peer must differ from sender")
	}

	payload := SignalPayload{From: from, Peer: peer, DurationSecs: durationSecs}
	if err := c.reg.Push(peer, event, payload); err != nil {
		// At-most-once: no retry, no queue.
		c.log.Debug("ephemeral signal dropped", "event", event, "peer", peer)
	}
	return nil
}
