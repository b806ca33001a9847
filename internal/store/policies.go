package store

import (
	"context"
	stderrors "errors"

	"gorm.io/gorm"

	"veilo/pkg/errors"
)

// Policy is a fully resolved privacy policy: the mode plus the allow-list
// sets the per-recipient predicate consults. Resolved from persisted rows
// only; client-asserted visibility is never read.
type Policy struct {
	Mode         string
	GroupMembers map[string]struct{}
	Allowed      map[string]struct{}
}

type Policies struct {
	db *gorm.DB
}

func (s *Policies) SetMode(ctx context.Context, owner, mode string) error {
	policy := PrivacyPolicy{UserID: owner, Mode: mode}
	err := s.db.WithContext(ctx).Save(&policy).Error
	if err != nil {
		return errors.Persistence("set policy mode", err)
	}
	return nil
}

func (s *Policies) AddGroupMember(ctx context.Context, owner, group, member string) error {
	err := s.db.WithContext(ctx).
		Create(&PolicyGroupMember{OwnerID: owner, GroupID: group, MemberID: member}).Error
	if err != nil {
		return errors.Persistence("add group member", err)
	}
	return nil
}

func (s *Policies) AllowContact(ctx context.Context, owner, contact string) error {
	err := s.db.WithContext(ctx).
		Create(&PolicyAllowedContact{OwnerID: owner, ContactID: contact}).Error
	if err != nil {
		return errors.Persistence("allow contact", err)
	}
	return nil
}

// Resolve loads the subject's persisted policy. A subject without a policy
// row is treated as public.
func (s *Policies) Resolve(ctx context.Context, subject string) (Policy, error) {
	var row PrivacyPolicy
	err := s.db.WithContext(ctx).First(&row, "user_id = ?", subject).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return Policy{Mode: PolicyPublic}, nil
		}
		return Policy{}, errors.Persistence("resolve policy", err)
	}

	policy := Policy{Mode: row.Mode}
	switch row.Mode {
	case PolicyGroups:
		var members []string
		if err := s.db.WithContext(ctx).Model(&PolicyGroupMember{}).
			Where("owner_id = ?", subject).Pluck("member_id", &members).Error; err != nil {
			return Policy{}, errors.Persistence("resolve group members", err)
		}
		policy.GroupMembers = toSet(members)
	case PolicyCustom:
		var allowed []string
		if err := s.db.WithContext(ctx).Model(&PolicyAllowedContact{}).
			Where("owner_id = ?", subject).Pluck("contact_id", &allowed).Error; err != nil {
			return Policy{}, errors.Persistence("resolve allowed contacts", err)
		}
		policy.Allowed = toSet(allowed)
	}
	return policy, nil
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}
