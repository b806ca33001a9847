package store

import (
	"context"

	"gorm.io/gorm"

	"veilo/pkg/errors"
)

type Messages struct {
	db *gorm.DB
}

func (s *Messages) Append(ctx context.Context, m *Message) error {
	if m.ConversationKey == "" {
		m.ConversationKey = PairKey(m.SenderID, m.RecipientID)
	}
	if err := s.db.WithContext(ctx).Create(m).Error; err != nil {
		return errors.Persistence("append message", err)
	}
	return nil
}

// PurgeTimerScoped deletes every timer-scoped message between the pair and
// returns the exact list of deleted ids, so connected parties can drop
// them locally without a re-fetch. Select and delete run in one
// transaction so the returned list matches what was removed.
func (s *Messages) PurgeTimerScoped(ctx context.Context, a, b string) ([]string, error) {
	key := PairKey(a, b)
	var ids []string

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Model(&Message{}).
			Where("conversation_key = ? AND timer_scoped = ?", key, true).
			Order("created_at").
			Pluck("id", &ids).Error; err != nil {
			return err
		}
		if len(ids) == 0 {
			return nil
		}
		return tx.Where("id IN ?", ids).Delete(&Message{}).Error
	})
	if err != nil {
		return nil, errors.Persistence("purge timer messages", err)
	}
	return ids, nil
}
