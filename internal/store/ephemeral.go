package store

import (
	"context"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"veilo/pkg/errors"
)

type EphemeralSessions struct {
	db *gorm.DB
}

// Activate persists a continuous-timer session for both ordered directions
// of the pair in one transaction, so either side's reconnect finds it.
func (s *EphemeralSessions) Activate(ctx context.Context, a, b, mode string, duration time.Duration, at time.Time) error {
	rows := []EphemeralSession{
		{OwnerID: a, PeerID: b, Mode: mode, DurationSecs: int(duration.Seconds()), ActivatedAt: at},
		{OwnerID: b, PeerID: a, Mode: mode, DurationSecs: int(duration.Seconds()), ActivatedAt: at},
	}
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for i := range rows {
			if err := tx.Clauses(clause.OnConflict{
				Columns:   []clause.Column{{Name: "owner_id"}, {Name: "peer_id"}, {Name: "mode"}},
				DoUpdates: clause.AssignmentColumns([]string{"duration_secs", "activated_at"}),
			}).Create(&rows[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return errors.Persistence("activate ephemeral session", err)
	}
	return nil
}

// Deactivate removes both directions of the pair's session.
func (s *EphemeralSessions) Deactivate(ctx context.Context, a, b, mode string) error {
	err := s.db.WithContext(ctx).
		Where("mode = ? AND ((owner_id = ? AND peer_id = ?) OR (owner_id = ? AND peer_id = ?))",
			mode, a, b, b, a).
		Delete(&EphemeralSession{}).Error
	if err != nil {
		return errors.Persistence("deactivate ephemeral session", err)
	}
	return nil
}

// ActiveFor lists the owner's persisted sessions of one mode; consulted on
// reconnect so the mode survives a dropped connection.
func (s *EphemeralSessions) ActiveFor(ctx context.Context, owner, mode string) ([]EphemeralSession, error) {
	var rows []EphemeralSession
	err := s.db.WithContext(ctx).
		Where("owner_id = ? AND mode = ?", owner, mode).Find(&rows).Error
	if err != nil {
		return nil, errors.Persistence("list ephemeral sessions", err)
	}
	return rows, nil
}
