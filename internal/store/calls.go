package store

import (
	"context"

	"gorm.io/gorm"

	"veilo/pkg/errors"
)

type Calls struct {
	db *gorm.DB
}

func (s *Calls) Create(ctx context.Context, rec *CallRecord) error {
	if err := s.db.WithContext(ctx).Create(rec).Error; err != nil {
		return errors.Persistence("create call record", err)
	}
	return nil
}

// Save writes the full record; transitions overwrite the prior row.
func (s *Calls) Save(ctx context.Context, rec *CallRecord) error {
	if err := s.db.WithContext(ctx).Save(rec).Error; err != nil {
		return errors.Persistence("save call record", err)
	}
	return nil
}
