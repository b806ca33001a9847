package registry

import (
	"log/slog"
	"sync"
	"time"

	"veilo/pkg/errors"
)

// Sender is the live transport handle the registry routes through. The
// websocket client implements it; tests substitute recorders.
type Sender interface {
	Send(event string, data any) error
	Close(reason string)
}

// Conn is one identity's live connection plus its presence-cache snapshot:
// the contact set loaded at authentication time, used to resolve fan-out
// audiences without a store round trip.
type Conn struct {
	Identity    string
	ConnectedAt time.Time

	sender   Sender
	contacts map[string]struct{}
}

func (c *Conn) Send(event string, data any) error {
	return c.sender.Send(event, data)
}

func (c *Conn) Close(reason string) {
	c.sender.Close(reason)
}

func (c *Conn) HasContact(id string) bool {
	_, ok := c.contacts[id]
	return ok
}

func (c *Conn) Contacts() []string {
	out := make([]string, 0, len(c.contacts))
	for id := range c.contacts {
		out = append(out, id)
	}
	return out
}

// Registry is the sole source of "is this identity reachable now". It owns
// the identity→connection map; no other engine mutates it.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
	log   *slog.Logger
}

func New(log *slog.Logger) *Registry {
	return &Registry{
		conns: make(map[string]*Conn),
		log:   log,
	}
}

// Register stores the connection for an identity, replacing any prior
// entry. The evicted connection (nil if none) is returned so the caller
// can notify and close it; a reconnect never requires manual eviction.
func (r *Registry) Register(identity string, sender Sender, contacts []string) (*Conn, *Conn) {
	set := make(map[string]struct{}, len(contacts))
	for _, id := range contacts {
		set[id] = struct{}{}
	}
	conn := &Conn{
		Identity:    identity,
		ConnectedAt: time.Now(),
		sender:      sender,
		contacts:    set,
	}

	r.mu.Lock()
	evicted := r.conns[identity]
	r.conns[identity] = conn
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Info("client registered", "identity", identity, "replaced", evicted != nil, "total_clients", total)
	return conn, evicted
}

// Unregister removes the identity only if it is still bound to the given
// sender; the teardown of a replaced connection must not evict the
// connection that replaced it. Reports whether an entry was removed.
func (r *Registry) Unregister(identity string, sender Sender) bool {
	r.mu.Lock()
	conn, ok := r.conns[identity]
	if !ok || conn.sender != sender {
		r.mu.Unlock()
		return false
	}
	delete(r.conns, identity)
	total := len(r.conns)
	r.mu.Unlock()

	r.log.Info("client unregistered", "identity", identity, "total_clients", total)
	return true
}

func (r *Registry) Lookup(identity string) (*Conn, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	conn, ok := r.conns[identity]
	return conn, ok
}

func (r *Registry) IsConnected(identity string) bool {
	_, ok := r.Lookup(identity)
	return ok
}

// Push routes an event to the identity's live connection.
func (r *Registry) Push(identity, event string, data any) error {
	conn, ok := r.Lookup(identity)
	if !ok {
		return errors.Unreachable("identity not connected")
	}
	if err := conn.Send(event, data); err != nil {
		return errors.Wrap(errors.CodeUnreachable, "send failed", err)
	}
	return nil
}

// ReverseContacts returns connected identities whose cached contact set
// contains the subject. This is the fan-out fast path; the persisted
// reverse query remains the correctness boundary.
func (r *Registry) ReverseContacts(subject string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	var out []string
	for identity, conn := range r.conns {
		if identity == subject {
			continue
		}
		if conn.HasContact(subject) {
			out = append(out, identity)
		}
	}
	return out
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.conns)
}
