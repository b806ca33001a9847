package call

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"

	"veilo/internal/push"
	"veilo/internal/registry"
	"veilo/internal/store"
	"veilo/pkg/errors"
)

// Records is the durable call store collaborator.
type Records interface {
	Create(ctx context.Context, rec *store.CallRecord) error
	Save(ctx context.Context, rec *store.CallRecord) error
}

// Directory answers receiver existence and alternate delivery channels.
type Directory interface {
	Exists(ctx context.Context, identity string) (bool, error)
	PushTokens(ctx context.Context, identity string) ([]string, error)
}

type activeCall struct {
	rec   *store.CallRecord
	timer *clock.Timer
}

// Engine runs one state machine per call and owns the active-call table.
// Every transition guards on the current state before mutating, so a
// reject racing the ringing timeout is harmless: whichever checks second
// finds the call already terminal and backs off.
type Engine struct {
	reg      *registry.Registry
	records  Records
	users    Directory
	fallback *push.Dispatcher
	clk      clock.Clock
	ringFor  time.Duration
	log      *slog.Logger

	mu         sync.Mutex
	active     map[string]*activeCall
	byIdentity map[string]string
}

func NewEngine(reg *registry.Registry, records Records, users Directory,
	fallback *push.Dispatcher, clk clock.Clock, ringTimeout time.Duration, log *slog.Logger) *Engine {
	if clk == nil {
		clk = clock.New()
	}
	return &Engine{
		reg:        reg,
		records:    records,
		users:      users,
		fallback:   fallback,
		clk:        clk,
		ringFor:    ringTimeout,
		log:        log,
		active:     make(map[string]*activeCall),
		byIdentity: make(map[string]string),
	}
}

// Initiate starts a call. The caller is rejected locally if they already
// have an active call; the receiver being busy signals BUSY back. Neither
// case creates a record. On success the call is persisted RINGING, entered
// into the active table with a wall-clock timeout, and delivered to the
// receiver, falling back across alternate channels before giving up.
func (e *Engine) Initiate(ctx context.Context, caller string, receiver string, typ Type, offer json.RawMessage) error {
	if receiver == "" {
		return errors.InvalidArg("missing receiver")
	}
	if receiver == caller {
		return errors.InvalidArg("cannot call yourself")
	}
	if !typ.Valid() {
		e.pushCaller(caller, EventFailed, FailedPayload{Reason: "invalid call type"})
		return nil
	}

	exists, err := e.users.Exists(ctx, receiver)
	if err != nil {
		return err
	}
	if !exists {
		e.pushCaller(caller, EventFailed, FailedPayload{Reason: "receiver unknown"})
		return nil
	}

	e.mu.Lock()
	if _, busy := e.byIdentity[caller]; busy {
		e.mu.Unlock()
		return errors.StateConflict("caller already in a call")
	}
	if _, busy := e.byIdentity[receiver]; busy {
		e.mu.Unlock()
		e.pushCaller(caller, EventBusy, BusyPayload{Receiver: receiver})
		return nil
	}

	rec := &store.CallRecord{
		ID:         uuid.NewString(),
		CallerID:   caller,
		ReceiverID: receiver,
		Type:       string(typ),
		State:      string(StateRinging),
		OfferSDP:   string(offer),
	}
	ac := &activeCall{rec: rec}
	callID := rec.ID
	e.active[callID] = ac
	e.byIdentity[caller] = callID
	e.byIdentity[receiver] = callID
	ac.timer = e.clk.AfterFunc(e.ringFor, func() { e.timeout(callID) })
	e.mu.Unlock()

	if err := e.records.Create(ctx, rec); err != nil {
		e.log.Error("persist call record failed", "call_id", callID, "error", err)
	}

	incoming := IncomingPayload{CallID: callID, Caller: caller, Type: typ, Offer: offer}
	if err := e.reg.Push(receiver, EventIncoming, incoming); err != nil {
		tokens, tokErr := e.users.PushTokens(ctx, receiver)
		if tokErr != nil {
			e.log.Error("load push tokens failed", "identity", receiver, "error", tokErr)
		}
		if !e.fallback.Dispatch(ctx, tokens, incoming) {
			e.fail(ctx, callID, ReasonReceiverOffline)
			return errors.Unreachable(ReasonReceiverOffline)
		}
		e.log.Info("call delivered via fallback channel", "call_id", callID, "receiver", receiver)
	}

	e.pushCaller(caller, EventRinging, RingingPayload{CallID: callID, Receiver: receiver})
	e.log.Info("call ringing", "call_id", callID, "caller", caller, "receiver", receiver, "type", typ)
	return nil
}

// Answer moves a ringing call to CONNECTED and relays the SDP answer to
// the caller. Valid only from RINGING and only for the receiver.
func (e *Engine) Answer(ctx context.Context, from, callID string, answer json.RawMessage) error {
	if callID == "" {
		return errors.InvalidArg("missing call id")
	}

	e.mu.Lock()
	ac, ok := e.active[callID]
	if !ok {
		e.mu.Unlock()
		return errors.StateConflict("call is not active")
	}
	if ac.rec.ReceiverID != from {
		e.mu.Unlock()
		return errors.InvalidArg("only the receiver can answer")
	}
	if State(ac.rec.State) != StateRinging {
		e.mu.Unlock()
		return errors.StateConflict("call is not ringing")
	}
	ac.timer.Stop()
	now := e.clk.Now()
	ac.rec.State = string(StateConnected)
	ac.rec.StartedAt = &now
	ac.rec.AnswerSDP = string(answer)
	snapshot := *ac.rec
	e.mu.Unlock()

	if err := e.records.Save(ctx, &snapshot); err != nil {
		e.log.Error("persist call record failed", "call_id", callID, "error", err)
	}

	e.pushCaller(snapshot.CallerID, EventAnswered, AnsweredPayload{CallID: callID, Answer: answer})
	connected := ConnectedPayload{CallID: callID}
	e.pushCaller(snapshot.CallerID, EventConnected, connected)
	e.pushCaller(snapshot.ReceiverID, EventConnected, connected)
	e.log.Info("call connected", "call_id", callID)
	return nil
}

// Reject declines a ringing call. Valid only from RINGING and only for
// the receiver.
func (e *Engine) Reject(ctx context.Context, from, callID string) error {
	if callID == "" {
		return errors.InvalidArg("missing call id")
	}

	e.mu.Lock()
	ac, ok := e.active[callID]
	if !ok {
		e.mu.Unlock()
		return errors.StateConflict("call is not active")
	}
	if ac.rec.ReceiverID != from {
		e.mu.Unlock()
		return errors.InvalidArg("only the receiver can reject")
	}
	if State(ac.rec.State) != StateRinging {
		e.mu.Unlock()
		return errors.StateConflict("call is not ringing")
	}
	snapshot := e.terminateLocked(ac, StateRejected, "rejected")
	e.mu.Unlock()

	if err := e.records.Save(ctx, &snapshot); err != nil {
		e.log.Error("persist call record failed", "call_id", callID, "error", err)
	}

	e.pushCaller(snapshot.CallerID, EventRejected, RejectedPayload{CallID: callID})
	e.log.Info("call rejected", "call_id", callID)
	return nil
}

// End hangs up from RINGING or CONNECTED; either party may end. Duration
// is zero if the call never connected.
func (e *Engine) End(ctx context.Context, from, callID string) error {
	if callID == "" {
		return errors.InvalidArg("missing call id")
	}

	e.mu.Lock()
	ac, ok := e.active[callID]
	if !ok {
		e.mu.Unlock()
		return errors.StateConflict("call is not active")
	}
	if ac.rec.CallerID != from && ac.rec.ReceiverID != from {
		e.mu.Unlock()
		return errors.InvalidArg("not a call participant")
	}
	snapshot := e.terminateLocked(ac, StateEnded, "hangup")
	e.mu.Unlock()

	if err := e.records.Save(ctx, &snapshot); err != nil {
		e.log.Error("persist call record failed", "call_id", callID, "error", err)
	}

	other := snapshot.CallerID
	if from == snapshot.CallerID {
		other = snapshot.ReceiverID
	}
	e.pushCaller(other, EventEnded, EndedPayload{
		CallID:       callID,
		Reason:       "hangup",
		DurationSecs: snapshot.DurationSecs,
	})
	e.log.Info("call ended", "call_id", callID, "duration_secs", snapshot.DurationSecs)
	return nil
}

// RelayICE forwards an ICE candidate to the counterpart. Pure relay: no
// state transition, silently dropped if the counterpart is unreachable.
func (e *Engine) RelayICE(ctx context.Context, from, callID string, candidate json.RawMessage) error {
	return e.relay(from, callID, EventICECandidate, candidate)
}

// RelayQuality forwards quality metrics unmodified and stamps the latest
// reported rating onto the record at end time.
func (e *Engine) RelayQuality(ctx context.Context, from, callID string, metrics json.RawMessage) error {
	var rated struct {
		Rating int `json:"rating"`
	}
	if err := json.Unmarshal(metrics, &rated); err == nil && rated.Rating > 0 {
		e.mu.Lock()
		if ac, ok := e.active[callID]; ok {
			ac.rec.QualityRating = rated.Rating
		}
		e.mu.Unlock()
	}
	return e.relay(from, callID, EventQuality, metrics)
}

// RelayICERestart forwards a restart offer to the counterpart.
func (e *Engine) RelayICERestart(ctx context.Context, from, callID string, offer json.RawMessage) error {
	return e.relay(from, callID, EventICERestart, offer)
}

func (e *Engine) relay(from, callID, event string, data json.RawMessage) error {
	if callID == "" {
		return errors.InvalidArg("missing call id")
	}

	e.mu.Lock()
	ac, ok := e.active[callID]
	if !ok {
		e.mu.Unlock()
		return errors.StateConflict("call is not active")
	}
	var other string
	switch from {
	case ac.rec.CallerID:
		other = ac.rec.ReceiverID
	case ac.rec.ReceiverID:
		other = ac.rec.CallerID
	default:
		e.mu.Unlock()
		return errors.InvalidArg("not a call participant")
	}
	e.mu.Unlock()

	if err := e.reg.Push(other, event, RelayPayload{CallID: callID, From: from, Data: data}); err != nil {
		// At-most-once: no retry, no queue.
		e.log.Debug("relay dropped", "call_id", callID, "event", event)
	}
	return nil
}

// timeout fires from the ringing timer. The "still RINGING" check makes a
// race with reject or answer harmless.
func (e *Engine) timeout(callID string) {
	e.mu.Lock()
	ac, ok := e.active[callID]
	if !ok || State(ac.rec.State) != StateRinging {
		e.mu.Unlock()
		return
	}
	snapshot := e.terminateLocked(ac, StateMissed, "missed")
	e.mu.Unlock()

	ctx := context.Background()
	if err := e.records.Save(ctx, &snapshot); err != nil {
		e.log.Error("persist call record failed", "call_id", callID, "error", err)
	}

	e.pushCaller(snapshot.CallerID, EventTimeout, TimeoutPayload{CallID: callID})
	e.log.Info("call missed", "call_id", callID)
}

// fail terminates a ringing call whose receiver could not be reached.
func (e *Engine) fail(ctx context.Context, callID, reason string) {
	e.mu.Lock()
	ac, ok := e.active[callID]
	if !ok || State(ac.rec.State) != StateRinging {
		e.mu.Unlock()
		return
	}
	snapshot := e.terminateLocked(ac, StateFailed, reason)
	e.mu.Unlock()

	if err := e.records.Save(ctx, &snapshot); err != nil {
		e.log.Error("persist call record failed", "call_id", callID, "error", err)
	}

	e.pushCaller(snapshot.CallerID, EventFailed, FailedPayload{CallID: callID, Reason: reason})
	e.log.Info("call failed", "call_id", callID, "reason", reason)
}

// terminateLocked stops the timer, stamps end state and duration, and
// drops the call from the active table. Caller holds the mutex.
func (e *Engine) terminateLocked(ac *activeCall, final State, reason string) store.CallRecord {
	if ac.timer != nil {
		ac.timer.Stop()
	}
	now := e.clk.Now()
	ac.rec.State = string(final)
	ac.rec.EndedAt = &now
	ac.rec.EndReason = reason
	if ac.rec.StartedAt != nil {
		secs := int(now.Sub(*ac.rec.StartedAt).Seconds())
		if secs < 0 {
			secs = 0
		}
		ac.rec.DurationSecs = secs
	}
	delete(e.active, ac.rec.ID)
	delete(e.byIdentity, ac.rec.CallerID)
	delete(e.byIdentity, ac.rec.ReceiverID)
	return *ac.rec
}

func (e *Engine) pushCaller(identity, event string, data any) {
	if err := e.reg.Push(identity, event, data); err != nil {
		e.log.Debug("call event dropped", "identity", identity, "event", event)
	}
}

// ActiveCallOf returns the call id an identity is currently part of.
func (e *Engine) ActiveCallOf(identity string) (string, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	id, ok := e.byIdentity[identity]
	return id, ok
}

// StateOf reports the in-memory state of an active call.
func (e *Engine) StateOf(callID string) (State, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	ac, ok := e.active[callID]
	if !ok {
		return "", false
	}
	return State(ac.rec.State), true
}

// HangupAll ends any active call an identity participates in; invoked on
// disconnect so no call is left dangling without a transport.
func (e *Engine) HangupAll(ctx context.Context, identity string) {
	if callID, ok := e.ActiveCallOf(identity); ok {
		if err := e.End(ctx, identity, callID); err != nil {
			e.log.Debug("hangup on disconnect skipped", "call_id", callID, "error", err)
		}
	}
}
