package store

import (
	"context"

	"gorm.io/gorm"

	"veilo/pkg/errors"
)

// Relations answers relationship queries across the three persisted
// sources: device contacts, app connections and mutual friendships.
type Relations struct {
	db *gorm.DB
}

func (s *Relations) AddContact(ctx context.Context, owner, contact string) error {
	err := s.db.WithContext(ctx).Create(&Contact{OwnerID: owner, ContactID: contact}).Error
	if err != nil {
		return errors.Persistence("add contact", err)
	}
	return nil
}

func (s *Relations) AddConnection(ctx context.Context, user, peer string) error {
	err := s.db.WithContext(ctx).Create(&Connection{UserID: user, PeerID: peer}).Error
	if err != nil {
		return errors.Persistence("add connection", err)
	}
	return nil
}

func (s *Relations) AddFriendship(ctx context.Context, user, friend string) error {
	err := s.db.WithContext(ctx).Create(&Friendship{UserID: user, FriendID: friend}).Error
	if err != nil {
		return errors.Persistence("add friendship", err)
	}
	return nil
}

// ContactsOf returns the deduplicated union of the owner's device
// contacts, app connections and friendships. This is both the presence
// cache snapshot loaded at connect time and the contacts-only audience.
func (s *Relations) ContactsOf(ctx context.Context, owner string) ([]string, error) {
	set := map[string]struct{}{}

	var contacts []string
	if err := s.db.WithContext(ctx).Model(&Contact{}).Where("owner_id = ?", owner).
		Pluck("contact_id", &contacts).Error; err != nil {
		return nil, errors.Persistence("contacts of", err)
	}
	var peers []string
	if err := s.db.WithContext(ctx).Model(&Connection{}).Where("user_id = ?", owner).
		Pluck("peer_id", &peers).Error; err != nil {
		return nil, errors.Persistence("connections of", err)
	}
	var friends []string
	if err := s.db.WithContext(ctx).Model(&Friendship{}).Where("user_id = ?", owner).
		Pluck("friend_id", &friends).Error; err != nil {
		return nil, errors.Persistence("friends of", err)
	}

	for _, id := range contacts {
		set[id] = struct{}{}
	}
	for _, id := range peers {
		set[id] = struct{}{}
	}
	for _, id := range friends {
		set[id] = struct{}{}
	}
	delete(set, owner)

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}

// ReverseRelations returns identities that hold the subject in any of the
// three relationship sources. This persisted query is the correctness
// boundary of recipient resolution; the presence cache only accelerates it.
func (s *Relations) ReverseRelations(ctx context.Context, subject string) ([]string, error) {
	set := map[string]struct{}{}

	var owners []string
	if err := s.db.WithContext(ctx).Model(&Contact{}).Where("contact_id = ?", subject).
		Pluck("owner_id", &owners).Error; err != nil {
		return nil, errors.Persistence("reverse contacts", err)
	}
	var users []string
	if err := s.db.WithContext(ctx).Model(&Connection{}).Where("peer_id = ?", subject).
		Pluck("user_id", &users).Error; err != nil {
		return nil, errors.Persistence("reverse connections", err)
	}
	var friends []string
	if err := s.db.WithContext(ctx).Model(&Friendship{}).Where("friend_id = ?", subject).
		Pluck("user_id", &friends).Error; err != nil {
		return nil, errors.Persistence("reverse friends", err)
	}

	for _, id := range owners {
		set[id] = struct{}{}
	}
	for _, id := range users {
		set[id] = struct{}{}
	}
	for _, id := range friends {
		set[id] = struct{}{}
	}
	delete(set, subject)

	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id)
	}
	return out, nil
}
