package status

import (
	"context"
	"log/slog"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"

	"veilo/internal/registry"
	"veilo/internal/store"
	"veilo/pkg/errors"
)

// Outbound events. The legacy alias is kept for clients predating the
// contact_* naming.
const (
	EventStatusUpdate    = "contact_status_update"
	EventStatusAlias     = "status_update_received"
	EventOnlineStatus    = "contact_online_status"
	EventInitialSnapshot = "contacts_status_initial"
)

// Update is the transient status payload of one broadcast request; it is
// not a stored entity. Visibility never rides on it: the persisted policy
// is resolved server-side.
type Update struct {
	Label     string     `json:"label"`
	Text      string     `json:"text,omitempty"`
	Main      string     `json:"main,omitempty"`
	Sub       string     `json:"sub,omitempty"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
	Latitude  *float64   `json:"latitude,omitempty"`
	Longitude *float64   `json:"longitude,omitempty"`
}

type StatusPayload struct {
	Identity string `json:"identity"`
	Update
}

type PresencePayload struct {
	Identity string     `json:"identity"`
	Online   bool       `json:"online"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// ContactStatus is one entry of the initial snapshot a client receives on
// connect.
type ContactStatus struct {
	Identity string `json:"identity"`
	Online   bool   `json:"online"`
	Update
}

type UserStore interface {
	Get(ctx context.Context, id string) (*store.User, error)
	SaveStatus(ctx context.Context, id string, upd store.StatusUpdate) error
}

type RelationStore interface {
	ContactsOf(ctx context.Context, owner string) ([]string, error)
	ReverseRelations(ctx context.Context, subject string) ([]string, error)
}

type PolicyStore interface {
	Resolve(ctx context.Context, subject string) (store.Policy, error)
}

type pairKey struct {
	Subject   string
	Candidate string
}

// Engine resolves a subject's persisted privacy policy and fans a status
// or presence update out to the authorized, currently-connected audience.
// Per-pair authorization decisions are cached for a bounded TTL to
// amortize rapid repeated status changes.
type Engine struct {
	reg       *registry.Registry
	users     UserStore
	relations RelationStore
	policies  PolicyStore
	decisions *expirable.LRU[pairKey, bool]

	snapshotLimit int
	log           *slog.Logger
}

func NewEngine(reg *registry.Registry, users UserStore, relations RelationStore,
	policies PolicyStore, cacheSize int, decisionTTL time.Duration,
	snapshotLimit int, log *slog.Logger) *Engine {
	return &Engine{
		reg:           reg,
		users:         users,
		relations:     relations,
		policies:      policies,
		decisions:     expirable.NewLRU[pairKey, bool](cacheSize, nil, decisionTTL),
		snapshotLimit: snapshotLimit,
		log:           log,
	}
}

// BroadcastStatus persists the subject's status exactly once, then pushes
// it to every authorized connected recipient. Private policies persist
// without any fan-out. Returns how many recipients were delivered to.
func (e *Engine) BroadcastStatus(ctx context.Context, subject string, upd Update) (int, error) {
	if err := e.users.SaveStatus(ctx, subject, store.StatusUpdate{
		Label:     upd.Label,
		Text:      upd.Text,
		Main:      upd.Main,
		Sub:       upd.Sub,
		ExpiresAt: upd.ExpiresAt,
		Latitude:  upd.Latitude,
		Longitude: upd.Longitude,
	}); err != nil {
		if errors.HasCode(err, errors.CodeNotFound) {
			return 0, err
		}
		// In-memory fan-out proceeds; the store is retried on the next write.
		e.log.Error("persist status failed", "identity", subject, "error", err)
	}

	payload := StatusPayload{Identity: subject, Update: upd}
	return e.fanOut(ctx, subject, func(recipient string) bool {
		if err := e.reg.Push(recipient, EventStatusUpdate, payload); err != nil {
			return false
		}
		_ = e.reg.Push(recipient, EventStatusAlias, payload)
		return true
	})
}

// BroadcastPresence reuses recipient resolution keyed on connectivity
// rather than status fields; driven by connect and disconnect.
func (e *Engine) BroadcastPresence(ctx context.Context, subject string, online bool, lastSeen *time.Time) (int, error) {
	payload := PresencePayload{Identity: subject, Online: online, LastSeen: lastSeen}
	return e.fanOut(ctx, subject, func(recipient string) bool {
		return e.reg.Push(recipient, EventOnlineStatus, payload) == nil
	})
}

func (e *Engine) fanOut(ctx context.Context, subject string, deliver func(recipient string) bool) (int, error) {
	policy, err := e.policies.Resolve(ctx, subject)
	if err != nil {
		return 0, err
	}
	if policy.Mode == store.PolicyPrivate {
		return 0, nil
	}

	// Recipient universe: the presence-cache fast path unioned with the
	// persisted reverse query; the latter is the correctness boundary.
	universe := map[string]struct{}{}
	for _, id := range e.reg.ReverseContacts(subject) {
		universe[id] = struct{}{}
	}
	persisted, err := e.relations.ReverseRelations(ctx, subject)
	if err != nil {
		return 0, err
	}
	for _, id := range persisted {
		universe[id] = struct{}{}
	}
	delete(universe, subject)

	res := &resolver{engine: e, subject: subject, policy: policy}
	delivered := 0
	for candidate := range universe {
		// No offline queue for this signal class: disconnected recipients
		// get a fresh snapshot on their next connect instead.
		if !e.reg.IsConnected(candidate) {
			continue
		}
		ok, err := res.authorized(ctx, candidate)
		if err != nil {
			e.log.Error("authorization check failed", "subject", subject, "candidate", candidate, "error", err)
			continue
		}
		if !ok {
			continue
		}
		if deliver(candidate) {
			delivered++
		}
	}
	return delivered, nil
}

// Snapshot builds the contacts_status_initial payload for a freshly
// connected viewer: the current status of each of their contacts that the
// contact's own policy lets the viewer see.
func (e *Engine) Snapshot(ctx context.Context, viewer string) ([]ContactStatus, error) {
	contacts, err := e.relations.ContactsOf(ctx, viewer)
	if err != nil {
		return nil, err
	}
	if e.snapshotLimit > 0 && len(contacts) > e.snapshotLimit {
		contacts = contacts[:e.snapshotLimit]
	}

	out := make([]ContactStatus, 0, len(contacts))
	for _, contact := range contacts {
		policy, err := e.policies.Resolve(ctx, contact)
		if err != nil {
			e.log.Error("resolve policy failed", "identity", contact, "error", err)
			continue
		}
		if policy.Mode == store.PolicyPrivate {
			continue
		}
		res := &resolver{engine: e, subject: contact, policy: policy}
		ok, err := res.authorized(ctx, viewer)
		if err != nil || !ok {
			continue
		}
		u, err := e.users.Get(ctx, contact)
		if err != nil {
			continue
		}
		out = append(out, ContactStatus{
			Identity: contact,
			Online:   e.reg.IsConnected(contact),
			Update: Update{
				Label:     u.StatusLabel,
				Text:      u.StatusText,
				Main:      u.MainStatus,
				Sub:       u.SubStatus,
				ExpiresAt: u.StatusExpiresAt,
				Latitude:  u.Latitude,
				Longitude: u.Longitude,
			},
		})
	}
	return out, nil
}

// InvalidatePolicy drops every cached decision for a subject; called when
// their policy or relationships change.
func (e *Engine) InvalidatePolicy(subject string) {
	for _, key := range e.decisions.Keys() {
		if key.Subject == subject {
			e.decisions.Remove(key)
		}
	}
}

// resolver evaluates the (subject, candidate) predicate for one fan-out,
// loading the subject's contact union at most once.
type resolver struct {
	engine   *Engine
	subject  string
	policy   store.Policy
	contacts map[string]struct{}
}

func (r *resolver) authorized(ctx context.Context, candidate string) (bool, error) {
	key := pairKey{Subject: r.subject, Candidate: candidate}
	if ok, hit := r.engine.decisions.Get(key); hit {
		return ok, nil
	}

	ok, err := r.evaluate(ctx, candidate)
	if err != nil {
		return false, err
	}
	r.engine.decisions.Add(key, ok)
	return ok, nil
}

func (r *resolver) evaluate(ctx context.Context, candidate string) (bool, error) {
	switch r.policy.Mode {
	case store.PolicyPublic:
		return true, nil
	case store.PolicyContacts:
		if r.contacts == nil {
			ids, err := r.engine.relations.ContactsOf(ctx, r.subject)
			if err != nil {
				return false, err
			}
			r.contacts = make(map[string]struct{}, len(ids))
			for _, id := range ids {
				r.contacts[id] = struct{}{}
			}
		}
		_, ok := r.contacts[candidate]
		return ok, nil
	case store.PolicyGroups:
		_, ok := r.policy.GroupMembers[candidate]
		return ok, nil
	case store.PolicyCustom:
		_, ok := r.policy.Allowed[candidate]
		return ok, nil
	case store.PolicyPrivate:
		return false, nil
	}
	return false, nil
}
