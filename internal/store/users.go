package store

import (
	"context"
	stderrors "errors"
	"time"

	"gorm.io/gorm"

	"veilo/pkg/errors"
)

type Users struct {
	db *gorm.DB
}

func (s *Users) Create(ctx context.Context, u *User) error {
	if err := s.db.WithContext(ctx).Create(u).Error; err != nil {
		return errors.Persistence("create user", err)
	}
	return nil
}

func (s *Users) Get(ctx context.Context, id string) (*User, error) {
	var u User
	err := s.db.WithContext(ctx).First(&u, "id = ?", id).Error
	if err != nil {
		if stderrors.Is(err, gorm.ErrRecordNotFound) {
			return nil, errors.NotFound("user not found")
		}
		return nil, errors.Persistence("get user", err)
	}
	return &u, nil
}

func (s *Users) Exists(ctx context.Context, id string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Count(&count).Error
	if err != nil {
		return false, errors.Persistence("user exists", err)
	}
	return count > 0, nil
}

// Lookup reports whether an identity exists and is active; used by the
// authenticator after credential verification.
func (s *Users) Lookup(ctx context.Context, id string) (active bool, found bool, err error) {
	var u User
	dbErr := s.db.WithContext(ctx).Select("id", "active").First(&u, "id = ?", id).Error
	if dbErr != nil {
		if stderrors.Is(dbErr, gorm.ErrRecordNotFound) {
			return false, false, nil
		}
		return false, false, errors.Persistence("lookup user", dbErr)
	}
	return u.Active, true, nil
}

// StatusUpdate is the set of status fields a broadcast writes.
type StatusUpdate struct {
	Label     string
	Text      string
	Main      string
	Sub       string
	ExpiresAt *time.Time
	Latitude  *float64
	Longitude *float64
}

// SaveStatus persists the subject's status fields in a single write.
func (s *Users) SaveStatus(ctx context.Context, id string, upd StatusUpdate) error {
	res := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).Updates(map[string]any{
		"status_label":      upd.Label,
		"status_text":       upd.Text,
		"main_status":       upd.Main,
		"sub_status":        upd.Sub,
		"status_expires_at": upd.ExpiresAt,
		"latitude":          upd.Latitude,
		"longitude":         upd.Longitude,
	})
	if res.Error != nil {
		return errors.Persistence("save status", res.Error)
	}
	if res.RowsAffected == 0 {
		return errors.NotFound("user not found")
	}
	return nil
}

func (s *Users) TouchLastSeen(ctx context.Context, id string, t time.Time) error {
	err := s.db.WithContext(ctx).Model(&User{}).Where("id = ?", id).
		Update("last_seen_at", t).Error
	if err != nil {
		return errors.Persistence("touch last seen", err)
	}
	return nil
}

// PushTokens returns the identity's alternate delivery channel tokens in
// registration order.
func (s *Users) PushTokens(ctx context.Context, id string) ([]string, error) {
	var rows []PushToken
	err := s.db.WithContext(ctx).Where("user_id = ?", id).Order("id").Find(&rows).Error
	if err != nil {
		return nil, errors.Persistence("push tokens", err)
	}
	tokens := make([]string, 0, len(rows))
	for _, r := range rows {
		tokens = append(tokens, r.Token)
	}
	return tokens, nil
}

func (s *Users) AddPushToken(ctx context.Context, id, token, channel string) error {
	err := s.db.WithContext(ctx).Create(&PushToken{UserID: id, Token: token, Channel: channel}).Error
	if err != nil {
		return errors.Persistence("add push token", err)
	}
	return nil
}
