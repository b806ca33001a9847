package status

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilo/internal/registry"
	"veilo/internal/store"
)

type sent struct {
	Event string
	Data  any
}

type recorder struct {
	mu     sync.Mutex
	events []sent
}

func (r *recorder) Send(event string, data any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, sent{Event: event, Data: data})
	return nil
}

func (r *recorder) Close(string) {}

func (r *recorder) byEvent(event string) []sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []sent
	for _, s := range r.events {
		if s.Event == event {
			out = append(out, s)
		}
	}
	return out
}

type fakeUsers struct {
	mu     sync.Mutex
	users  map[string]*store.User
	writes int
}

func (f *fakeUsers) Get(_ context.Context, id string) (*store.User, error) {
	if u, ok := f.users[id]; ok {
		return u, nil
	}
	return &store.User{ID: id, Active: true}, nil
}

func (f *fakeUsers) SaveStatus(_ context.Context, id string, upd store.StatusUpdate) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.writes++
	return nil
}

func (f *fakeUsers) writeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writes
}

type fakeRelations struct {
	contacts map[string][]string
	reverse  map[string][]string
}

func (f *fakeRelations) ContactsOf(_ context.Context, owner string) ([]string, error) {
	return f.contacts[owner], nil
}

func (f *fakeRelations) ReverseRelations(_ context.Context, subject string) ([]string, error) {
	return f.reverse[subject], nil
}

type fakePolicies struct {
	mu       sync.Mutex
	policies map[string]store.Policy
}

func (f *fakePolicies) Resolve(_ context.Context, subject string) (store.Policy, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if p, ok := f.policies[subject]; ok {
		return p, nil
	}
	return store.Policy{Mode: store.PolicyPublic}, nil
}

func (f *fakePolicies) set(subject string, p store.Policy) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.policies[subject] = p
}

type fixture struct {
	engine    *Engine
	reg       *registry.Registry
	users     *fakeUsers
	relations *fakeRelations
	policies  *fakePolicies
}

func newFixture() *fixture {
	log := slog.New(slog.NewTextHandler(io.Discard, nil))
	reg := registry.New(log)
	users := &fakeUsers{users: map[string]*store.User{}}
	relations := &fakeRelations{contacts: map[string][]string{}, reverse: map[string][]string{}}
	policies := &fakePolicies{policies: map[string]store.Policy{}}
	engine := NewEngine(reg, users, relations, policies, 128, 5*time.Minute, 50, log)
	return &fixture{engine: engine, reg: reg, users: users, relations: relations, policies: policies}
}

func (f *fixture) connect(identity string, contacts ...string) *recorder {
	rec := &recorder{}
	f.reg.Register(identity, rec, contacts)
	return rec
}

func TestPrivatePolicyPersistsWithoutFanOut(t *testing.T) {
	f := newFixture()
	f.policies.set("alice", store.Policy{Mode: store.PolicyPrivate})
	bob := f.connect("bob", "alice")
	f.relations.reverse["alice"] = []string{"bob"}

	delivered, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "busy"})
	require.NoError(t, err)

	assert.Equal(t, 0, delivered)
	assert.Equal(t, 1, f.users.writeCount())
	assert.Empty(t, bob.byEvent(EventStatusUpdate))
}

func TestCustomListDeliversOnlyToAllowList(t *testing.T) {
	f := newFixture()
	f.policies.set("alice", store.Policy{
		Mode:    store.PolicyCustom,
		Allowed: map[string]struct{}{"x": {}, "y": {}},
	})
	x := f.connect("x", "alice")
	y := f.connect("y", "alice")
	z := f.connect("z", "alice")
	f.relations.reverse["alice"] = []string{"x", "y", "z"}

	delivered, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "away"})
	require.NoError(t, err)

	assert.Equal(t, 2, delivered)
	assert.Len(t, x.byEvent(EventStatusUpdate), 1)
	assert.Len(t, y.byEvent(EventStatusUpdate), 1)
	assert.Empty(t, z.byEvent(EventStatusUpdate))

	payload := x.byEvent(EventStatusUpdate)[0].Data.(StatusPayload)
	assert.Equal(t, "alice", payload.Identity)
	assert.Equal(t, "away", payload.Label)
	// Compatibility alias rides along.
	assert.Len(t, x.byEvent(EventStatusAlias), 1)
}

func TestContactsPolicyUsesUnionOfRelationSources(t *testing.T) {
	f := newFixture()
	f.policies.set("alice", store.Policy{Mode: store.PolicyContacts})
	// bob is in alice's union, eve is not.
	f.relations.contacts["alice"] = []string{"bob"}
	bob := f.connect("bob", "alice")
	eve := f.connect("eve", "alice")
	f.relations.reverse["alice"] = []string{"bob", "eve"}

	delivered, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "at work"})
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	assert.Len(t, bob.byEvent(EventStatusUpdate), 1)
	assert.Empty(t, eve.byEvent(EventStatusUpdate))
}

func TestPersistedReverseQueryCatchesColdCaches(t *testing.T) {
	f := newFixture()
	// bob is connected but his presence-cache snapshot is empty; only the
	// persisted reverse query names him.
	bob := f.connect("bob")
	f.relations.reverse["alice"] = []string{"bob"}

	delivered, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "hello"})
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	assert.Len(t, bob.byEvent(EventStatusUpdate), 1)
}

func TestOfflineRecipientsReceiveNothing(t *testing.T) {
	f := newFixture()
	f.relations.reverse["alice"] = []string{"bob", "carol"}
	bob := f.connect("bob", "alice")
	// carol is offline: no queue, no error.

	delivered, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	assert.Len(t, bob.byEvent(EventStatusUpdate), 1)
	assert.Equal(t, 1, f.users.writeCount())
}

func TestPresenceBroadcastReusesRecipientResolution(t *testing.T) {
	f := newFixture()
	f.relations.reverse["alice"] = []string{"bob"}
	bob := f.connect("bob", "alice")

	lastSeen := time.Now()
	delivered, err := f.engine.BroadcastPresence(context.Background(), "alice", false, &lastSeen)
	require.NoError(t, err)

	require.Equal(t, 1, delivered)
	payload := bob.byEvent(EventOnlineStatus)[0].Data.(PresencePayload)
	assert.Equal(t, "alice", payload.Identity)
	assert.False(t, payload.Online)
	require.NotNil(t, payload.LastSeen)

	// Presence never persists a status write.
	assert.Equal(t, 0, f.users.writeCount())
}

func TestSnapshotHonorsEachContactsPolicy(t *testing.T) {
	f := newFixture()
	f.relations.contacts["viewer"] = []string{"open", "secret", "selective"}
	f.users.users["open"] = &store.User{ID: "open", StatusLabel: "around"}
	f.policies.set("secret", store.Policy{Mode: store.PolicyPrivate})
	f.policies.set("selective", store.Policy{
		Mode:    store.PolicyCustom,
		Allowed: map[string]struct{}{"someone-else": {}},
	})
	f.connect("open")

	snapshot, err := f.engine.Snapshot(context.Background(), "viewer")
	require.NoError(t, err)

	require.Len(t, snapshot, 1)
	assert.Equal(t, "open", snapshot[0].Identity)
	assert.Equal(t, "around", snapshot[0].Label)
	assert.True(t, snapshot[0].Online)
}

type failingSender struct{}

func (failingSender) Send(string, any) error { return errors.New("broken pipe") }

func (failingSender) Close(string) {}

func TestDeliveredCountExcludesFailedPushes(t *testing.T) {
	f := newFixture()
	f.reg.Register("bob", failingSender{}, []string{"alice"})
	carol := f.connect("carol", "alice")
	f.relations.reverse["alice"] = []string{"bob", "carol"}

	delivered, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "hi"})
	require.NoError(t, err)

	assert.Equal(t, 1, delivered)
	assert.Len(t, carol.byEvent(EventStatusUpdate), 1)
}

func TestInvalidatePolicyDropsCachedDecisions(t *testing.T) {
	f := newFixture()
	bob := f.connect("bob", "alice")
	f.relations.reverse["alice"] = []string{"bob"}

	_, err := f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "one"})
	require.NoError(t, err)
	require.Len(t, bob.byEvent(EventStatusUpdate), 1)

	// Tighten the policy. The cached pair decision would still allow bob
	// until the TTL expires, unless the subject is invalidated.
	f.policies.set("alice", store.Policy{Mode: store.PolicyCustom, Allowed: map[string]struct{}{}})
	f.engine.InvalidatePolicy("alice")

	_, err = f.engine.BroadcastStatus(context.Background(), "alice", Update{Label: "two"})
	require.NoError(t, err)
	assert.Len(t, bob.byEvent(EventStatusUpdate), 1)
}
