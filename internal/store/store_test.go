package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"veilo/pkg/errors"
)

var dbSeq int

func openTestDB(t *testing.T) *DB {
	t.Helper()
	dbSeq++
	dsn := fmt.Sprintf("file:store_test_%d?mode=memory&cache=shared", dbSeq)
	db, err := Open(dsn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func TestPairKeyIsDirectionless(t *testing.T) {
	assert.Equal(t, PairKey("alice", "bob"), PairKey("bob", "alice"))
	assert.Equal(t, "alice|bob", PairKey("bob", "alice"))
}

func TestUsersLookup(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Users.Create(ctx, &User{ID: "alice", Active: true}))
	require.NoError(t, db.Users.Create(ctx, &User{ID: "mallory", Active: false}))

	active, found, err := db.Users.Lookup(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, found)
	assert.True(t, active)

	active, found, err = db.Users.Lookup(ctx, "mallory")
	require.NoError(t, err)
	assert.True(t, found)
	assert.False(t, active)

	_, found, err = db.Users.Lookup(ctx, "nobody")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSaveStatusPersistsAllFields(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Users.Create(ctx, &User{ID: "alice", Active: true}))

	expiry := time.Now().Add(time.Hour).UTC().Truncate(time.Second)
	lat, lng := 52.52, 13.405
	require.NoError(t, db.Users.SaveStatus(ctx, "alice", StatusUpdate{
		Label:     "busy",
		Text:      "heads down",
		Main:      "work",
		Sub:       "deep-focus",
		ExpiresAt: &expiry,
		Latitude:  &lat,
		Longitude: &lng,
	}))

	u, err := db.Users.Get(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, "busy", u.StatusLabel)
	assert.Equal(t, "heads down", u.StatusText)
	assert.Equal(t, "work", u.MainStatus)
	assert.Equal(t, "deep-focus", u.SubStatus)
	require.NotNil(t, u.StatusExpiresAt)
	assert.Equal(t, expiry.Unix(), u.StatusExpiresAt.Unix())
	require.NotNil(t, u.Latitude)
	assert.Equal(t, lat, *u.Latitude)
}

func TestSaveStatusUnknownUser(t *testing.T) {
	db := openTestDB(t)

	err := db.Users.SaveStatus(context.Background(), "nobody", StatusUpdate{Label: "hi"})
	require.Error(t, err)
	assert.Equal(t, errors.CodeNotFound, errors.CodeOf(err))
}

func TestPushTokensKeepRegistrationOrder(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Users.AddPushToken(ctx, "bob", "tok-1", "fcm"))
	require.NoError(t, db.Users.AddPushToken(ctx, "bob", "tok-2", "apns"))

	tokens, err := db.Users.PushTokens(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, []string{"tok-1", "tok-2"}, tokens)
}

func TestContactsOfUnionsAndDeduplicates(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	// bob appears in all three sources; the union holds him once.
	require.NoError(t, db.Relations.AddContact(ctx, "alice", "bob"))
	require.NoError(t, db.Relations.AddConnection(ctx, "alice", "bob"))
	require.NoError(t, db.Relations.AddFriendship(ctx, "alice", "bob"))
	require.NoError(t, db.Relations.AddContact(ctx, "alice", "carol"))
	require.NoError(t, db.Relations.AddConnection(ctx, "alice", "dave"))
	require.NoError(t, db.Relations.AddFriendship(ctx, "alice", "eve"))

	contacts, err := db.Relations.ContactsOf(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol", "dave", "eve"}, contacts)
}

func TestReverseRelationsSpanAllSources(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Relations.AddContact(ctx, "bob", "alice"))
	require.NoError(t, db.Relations.AddConnection(ctx, "carol", "alice"))
	require.NoError(t, db.Relations.AddFriendship(ctx, "dave", "alice"))
	require.NoError(t, db.Relations.AddContact(ctx, "eve", "someone-else"))

	holders, err := db.Relations.ReverseRelations(ctx, "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"bob", "carol", "dave"}, holders)
}

func TestPolicyResolveDefaultsToPublic(t *testing.T) {
	db := openTestDB(t)

	policy, err := db.Policies.Resolve(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, PolicyPublic, policy.Mode)
}

func TestPolicyResolveCustomAllowList(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Policies.SetMode(ctx, "alice", PolicyCustom))
	require.NoError(t, db.Policies.AllowContact(ctx, "alice", "x"))
	require.NoError(t, db.Policies.AllowContact(ctx, "alice", "y"))

	policy, err := db.Policies.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, PolicyCustom, policy.Mode)
	assert.Contains(t, policy.Allowed, "x")
	assert.Contains(t, policy.Allowed, "y")
	assert.NotContains(t, policy.Allowed, "z")
}

func TestPolicyResolveGroupMembers(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	require.NoError(t, db.Policies.SetMode(ctx, "alice", PolicyGroups))
	require.NoError(t, db.Policies.AddGroupMember(ctx, "alice", "close-friends", "bob"))

	policy, err := db.Policies.Resolve(ctx, "alice")
	require.NoError(t, err)
	assert.Contains(t, policy.GroupMembers, "bob")
}

func TestCallRecordLifecycle(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	rec := &CallRecord{
		ID: "call-1", CallerID: "alice", ReceiverID: "bob",
		Type: "video", State: "RINGING",
	}
	require.NoError(t, db.Calls.Create(ctx, rec))

	now := time.Now()
	rec.State = "ENDED"
	rec.EndedAt = &now
	rec.DurationSecs = 17
	rec.EndReason = "hangup"
	require.NoError(t, db.Calls.Save(ctx, rec))

	var got CallRecord
	require.NoError(t, db.gorm.First(&got, "id = ?", "call-1").Error)
	assert.Equal(t, "ENDED", got.State)
	assert.Equal(t, 17, got.DurationSecs)
	assert.Equal(t, "hangup", got.EndReason)
}

func TestPurgeTimerScopedDeletesOnlyScopedPairMessages(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	seed := []Message{
		{ID: "m1", SenderID: "alice", RecipientID: "bob", TimerScoped: true},
		{ID: "m2", SenderID: "bob", RecipientID: "alice", TimerScoped: true},
		{ID: "m3", SenderID: "alice", RecipientID: "bob", TimerScoped: false},
		{ID: "m4", SenderID: "alice", RecipientID: "carol", TimerScoped: true},
	}
	for i := range seed {
		require.NoError(t, db.Messages.Append(ctx, &seed[i]))
	}

	ids, err := db.Messages.PurgeTimerScoped(ctx, "bob", "alice")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, ids)

	// The unscoped pair message and the other conversation survive.
	var remaining []string
	require.NoError(t, db.gorm.Model(&Message{}).Order("id").Pluck("id", &remaining).Error)
	assert.ElementsMatch(t, []string{"m3", "m4"}, remaining)

	// A second purge is a no-op with an empty id list.
	ids, err = db.Messages.PurgeTimerScoped(ctx, "alice", "bob")
	require.NoError(t, err)
	assert.Empty(t, ids)
}

func TestEphemeralSessionWrittenForBothDirections(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()
	at := time.Now()

	require.NoError(t, db.Ephemeral.Activate(ctx, "alice", "bob", "continuous-timer", time.Hour, at))

	forward, err := db.Ephemeral.ActiveFor(ctx, "alice", "continuous-timer")
	require.NoError(t, err)
	require.Len(t, forward, 1)
	assert.Equal(t, "bob", forward[0].PeerID)
	assert.Equal(t, 3600, forward[0].DurationSecs)

	backward, err := db.Ephemeral.ActiveFor(ctx, "bob", "continuous-timer")
	require.NoError(t, err)
	require.Len(t, backward, 1)
	assert.Equal(t, 3600, backward[0].DurationSecs)

	// Re-activation updates in place instead of duplicating rows.
	require.NoError(t, db.Ephemeral.Activate(ctx, "bob", "alice", "continuous-timer", 2*time.Hour, at))
	forward, err = db.Ephemeral.ActiveFor(ctx, "alice", "continuous-timer")
	require.NoError(t, err)
	require.Len(t, forward, 1)
	assert.Equal(t, 7200, forward[0].DurationSecs)

	require.NoError(t, db.Ephemeral.Deactivate(ctx, "alice", "bob", "continuous-timer"))
	forward, err = db.Ephemeral.ActiveFor(ctx, "alice", "continuous-timer")
	require.NoError(t, err)
	assert.Empty(t, forward)
	backward, err = db.Ephemeral.ActiveFor(ctx, "bob", "continuous-timer")
	require.NoError(t, err)
	assert.Empty(t, backward)
}
