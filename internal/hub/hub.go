package hub

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"veilo/internal/auth"
	"veilo/internal/call"
	"veilo/internal/ephemeral"
	"veilo/internal/registry"
	"veilo/internal/status"
	"veilo/pkg/errors"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// Relations loads the presence-cache snapshot at connect time.
type Relations interface {
	ContactsOf(ctx context.Context, owner string) ([]string, error)
}

// Users records last-seen on disconnect.
type Users interface {
	TouchLastSeen(ctx context.Context, id string, t time.Time) error
}

// Hub authenticates connections, binds them into the registry and routes
// inbound events to the engines. Each handler is isolated: an error or
// panic in one never affects other connections.
type Hub struct {
	ctx       context.Context
	reg       *registry.Registry
	auth      *auth.Authenticator
	calls     *call.Engine
	status    *status.Engine
	ephemeral *ephemeral.Coordinator
	relations Relations
	users     Users
	log       *slog.Logger
}

func New(ctx context.Context, reg *registry.Registry, authn *auth.Authenticator,
	calls *call.Engine, statusEng *status.Engine, eph *ephemeral.Coordinator,
	relations Relations, users Users, log *slog.Logger) *Hub {
	return &Hub{
		ctx:       ctx,
		reg:       reg,
		auth:      authn,
		calls:     calls,
		status:    statusEng,
		ephemeral: eph,
		relations: relations,
		users:     users,
		log:       log,
	}
}

// HandleWS upgrades an authenticated websocket connection. The credential
// is validated before the upgrade; a replaced connection is told why it is
// going away, and the fresh one receives the initial contact snapshot.
func (h *Hub) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := bearerToken(r)
	identity, err := h.auth.Authenticate(r.Context(), token, originOf(r))
	if err != nil {
		code := http.StatusUnauthorized
		if errors.HasCode(err, errors.CodeRateLimited) {
			code = http.StatusTooManyRequests
		}
		http.Error(w, http.StatusText(code), code)
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Error("upgrade failed", "error", err)
		return
	}

	contacts, err := h.relations.ContactsOf(h.ctx, identity)
	if err != nil {
		h.log.Error("load contact snapshot failed", "identity", identity, "error", err)
	}

	client := NewClient(h.ctx, conn, identity, h.route, h.onDisconnect, h.log)
	_, evicted := h.reg.Register(identity, client, contacts)
	if evicted != nil {
		_ = evicted.Send(EventSessionReplaced, nil)
		evicted.Close("replaced by new connection")
	}

	go client.WritePump()
	go client.ReadPump()

	snapshot, err := h.status.Snapshot(h.ctx, identity)
	if err != nil {
		h.log.Error("build status snapshot failed", "identity", identity, "error", err)
		snapshot = nil
	}
	_ = client.Send(status.EventInitialSnapshot, snapshot)

	if err := h.ephemeral.Resume(h.ctx, identity); err != nil {
		h.log.Error("resume ephemeral sessions failed", "identity", identity, "error", err)
	}

	if _, err := h.status.BroadcastPresence(h.ctx, identity, true, nil); err != nil {
		h.log.Error("presence broadcast failed", "identity", identity, "error", err)
	}
}

func (h *Hub) onDisconnect(c *Client) {
	identity := c.Identity()
	if !h.reg.Unregister(identity, c) {
		// Already replaced by a reconnect; the new connection owns presence.
		return
	}

	h.calls.HangupAll(h.ctx, identity)

	now := time.Now()
	if err := h.users.TouchLastSeen(h.ctx, identity, now); err != nil {
		h.log.Error("touch last seen failed", "identity", identity, "error", err)
	}
	if _, err := h.status.BroadcastPresence(h.ctx, identity, false, &now); err != nil {
		h.log.Error("presence broadcast failed", "identity", identity, "error", err)
	}
}

// route dispatches one inbound envelope. Call errors are answered on the
// connection; status and ephemeral failures are invisible to the client
// and only logged.
func (h *Hub) route(c *Client, env Envelope) {
	defer func() {
		if r := recover(); r != nil {
			h.log.Error("handler panic", "event", env.Event, "identity", c.Identity(), "panic", r)
		}
	}()

	ctx := h.ctx
	from := c.Identity()

	switch env.Event {
	case EventHeartbeat:
		_ = c.Send(EventHeartbeatAck, nil)

	case EventCallInitiate:
		var p InitiatePayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.Initiate(ctx, from, auth.Canonical(p.Receiver), call.Type(p.Type), p.Offer))

	case EventCallAnswer:
		var p AnswerPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.Answer(ctx, from, p.CallID, p.Answer))

	case EventCallReject:
		var p CallIDPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.Reject(ctx, from, p.CallID))

	case EventCallEnd:
		var p CallIDPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.End(ctx, from, p.CallID))

	case EventCallICECandidate:
		var p CallSignalPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.RelayICE(ctx, from, p.CallID, p.Data))

	case EventCallQualityUpdate:
		var p CallSignalPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.RelayQuality(ctx, from, p.CallID, p.Data))

	case EventCallICERestart:
		var p CallSignalPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.reply(c, env.Event, err)
			return
		}
		h.reply(c, env.Event, h.calls.RelayICERestart(ctx, from, p.CallID, p.Data))

	case EventStatusUpdate:
		var p status.Update
		if err := unmarshal(env.Data, &p); err != nil {
			h.logOnly(env.Event, from, err)
			return
		}
		_, err := h.status.BroadcastStatus(ctx, from, p)
		h.logOnly(env.Event, from, err)

	case EventGhostEntered, EventGhostExited, EventTimerActivated, EventTimerDeactivated,
		EventContinuousActivated, EventContinuousDeactivated:
		var p EphemeralPayload
		if err := unmarshal(env.Data, &p); err != nil {
			h.logOnly(env.Event, from, err)
			return
		}
		h.logOnly(env.Event, from, h.routeEphemeral(ctx, env.Event, from, p))

	default:
		h.log.Warn("unknown event", "event", env.Event, "identity", from)
	}
}

func (h *Hub) routeEphemeral(ctx context.Context, event, from string, p EphemeralPayload) error {
	peer := auth.Canonical(p.Peer)
	duration := time.Duration(p.DurationSecs) * time.Second
	switch event {
	case EventGhostEntered:
		return h.ephemeral.EnterGhost(ctx, from, peer)
	case EventGhostExited:
		return h.ephemeral.ExitGhost(ctx, from, peer)
	case EventTimerActivated:
		return h.ephemeral.ActivateTimer(ctx, from, peer, duration)
	case EventTimerDeactivated:
		return h.ephemeral.DeactivateTimer(ctx, from, peer)
	case EventContinuousActivated:
		return h.ephemeral.ActivateContinuous(ctx, from, peer, duration)
	case EventContinuousDeactivated:
		return h.ephemeral.DeactivateContinuous(ctx, from, peer)
	}
	return nil
}

// reply answers a call-surface error on the connection. Unreachable
// receivers already produced a terminal call event, so they are logged
// without an extra error frame.
func (h *Hub) reply(c *Client, event string, err error) {
	if err == nil {
		return
	}
	code := errors.CodeOf(err)
	if code == errors.CodeUnreachable {
		h.log.Info("call delivery exhausted", "event", event, "identity", c.Identity())
		return
	}
	h.log.Warn("event rejected", "event", event, "identity", c.Identity(), "code", code, "error", err)
	_ = c.Send(EventError, ErrorPayload{Event: event, Code: string(code), Message: err.Error()})
}

// logOnly swallows status/ephemeral failures; that surface never answers
// the client with error frames.
func (h *Hub) logOnly(event, identity string, err error) {
	if err == nil {
		return
	}
	h.log.Warn("event failed", "event", event, "identity", identity, "error", err)
}

func unmarshal(raw json.RawMessage, v any) error {
	if len(raw) == 0 {
		return errors.InvalidArg("missing payload")
	}
	if err := json.Unmarshal(raw, v); err != nil {
		return errors.Wrap(errors.CodeInvalidArgument, "malformed payload", err)
	}
	return nil
}

func bearerToken(r *http.Request) string {
	if token := r.URL.Query().Get("token"); token != "" {
		return token
	}
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return ""
}

func originOf(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
