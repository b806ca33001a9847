package store

import (
	"fmt"

	"github.com/glebarez/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"
)

// DB bundles the typed stores the engines consume.
type DB struct {
	gorm *gorm.DB

	Users     *Users
	Relations *Relations
	Policies  *Policies
	Calls     *Calls
	Messages  *Messages
	Ephemeral *EphemeralSessions
}

func Open(dsn string) (*DB, error) {
	conn, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	if err := conn.AutoMigrate(
		&User{},
		&PushToken{},
		&Contact{},
		&Connection{},
		&Friendship{},
		&PrivacyPolicy{},
		&PolicyGroupMember{},
		&PolicyAllowedContact{},
		&CallRecord{},
		&Message{},
		&EphemeralSession{},
	); err != nil {
		return nil, fmt.Errorf("migrate: %w", err)
	}

	db := &DB{gorm: conn}
	db.Users = &Users{db: conn}
	db.Relations = &Relations{db: conn}
	db.Policies = &Policies{db: conn}
	db.Calls = &Calls{db: conn}
	db.Messages = &Messages{db: conn}
	db.Ephemeral = &EphemeralSessions{db: conn}
	return db, nil
}

func (d *DB) Close() error {
	sqlDB, err := d.gorm.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
