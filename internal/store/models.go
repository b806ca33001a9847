package store

import (
	"sort"
	"time"
)

// User is the projection of an account this core reads and writes: the
// active flag consulted at authentication time plus the status fields the
// fan-out engine broadcasts.
type User struct {
	ID          string `gorm:"primaryKey"`
	DisplayName string
	Active      bool `gorm:"not null;default:true"`

	StatusLabel     string
	StatusText      string
	MainStatus      string
	SubStatus       string
	StatusExpiresAt *time.Time
	Latitude        *float64
	Longitude       *float64

	LastSeenAt *time.Time
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// PushToken is an alternate delivery channel for an identity, tried when
// the primary websocket channel is unreachable.
type PushToken struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index;not null"`
	Token     string `gorm:"not null"`
	Channel   string
	CreatedAt time.Time
}

// Contact is a device-contact relationship (owner has contact in their
// address book).
type Contact struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   string `gorm:"index:idx_contact_pair,unique;not null"`
	ContactID string `gorm:"index:idx_contact_pair,unique;index;not null"`
	CreatedAt time.Time
}

// Connection is an in-app connection relationship.
type Connection struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index:idx_connection_pair,unique;not null"`
	PeerID    string `gorm:"index:idx_connection_pair,unique;index;not null"`
	CreatedAt time.Time
}

// Friendship is the mutual "friend" relation; one row per direction.
type Friendship struct {
	ID        uint   `gorm:"primaryKey"`
	UserID    string `gorm:"index:idx_friend_pair,unique;not null"`
	FriendID  string `gorm:"index:idx_friend_pair,unique;index;not null"`
	CreatedAt time.Time
}

// Privacy policy visibility modes.
const (
	PolicyPublic   = "public"
	PolicyContacts = "contacts"
	PolicyGroups   = "groups"
	PolicyCustom   = "custom"
	PolicyPrivate  = "private"
)

type PrivacyPolicy struct {
	UserID    string `gorm:"primaryKey"`
	Mode      string `gorm:"not null;default:public"`
	UpdatedAt time.Time
}

// PolicyGroupMember is a member of one of the owner's allow-listed groups.
type PolicyGroupMember struct {
	ID       uint   `gorm:"primaryKey"`
	OwnerID  string `gorm:"index;not null"`
	GroupID  string `gorm:"not null"`
	MemberID string `gorm:"not null"`
}

// PolicyAllowedContact is an explicit allow-list entry (custom mode).
type PolicyAllowedContact struct {
	ID        uint   `gorm:"primaryKey"`
	OwnerID   string `gorm:"index;not null"`
	ContactID string `gorm:"not null"`
}

// CallRecord is the durable call row; authoritative once negotiated.
type CallRecord struct {
	ID            string `gorm:"primaryKey"`
	CallerID      string `gorm:"index;not null"`
	ReceiverID    string `gorm:"index;not null"`
	Type          string `gorm:"not null"`
	State         string `gorm:"index;not null"`
	OfferSDP      string
	AnswerSDP     string
	StartedAt     *time.Time
	EndedAt       *time.Time
	DurationSecs  int
	EndReason     string
	QualityRating int
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Message carries only the fields the purge path needs. TimerScoped is the
// explicit predicate marking a message purge-eligible on timer-mode
// deactivation; it is set at write time, never inferred later.
type Message struct {
	ID              string `gorm:"primaryKey"`
	SenderID        string `gorm:"index;not null"`
	RecipientID     string `gorm:"index;not null"`
	ConversationKey string `gorm:"index;not null"`
	Body            string
	TimerScoped     bool `gorm:"index;not null;default:false"`
	CreatedAt       time.Time
}

// EphemeralSession persists continuous-timer state. Rows are written for
// both ordered directions of a pair so either side's reconnect finds it.
type EphemeralSession struct {
	ID           uint   `gorm:"primaryKey"`
	OwnerID      string `gorm:"index:idx_ephemeral_pair,unique;not null"`
	PeerID       string `gorm:"index:idx_ephemeral_pair,unique;not null"`
	Mode         string `gorm:"index:idx_ephemeral_pair,unique;not null"`
	DurationSecs int
	ActivatedAt  time.Time
}

// PairKey is the canonical conversation key for a pair of identities,
// identical regardless of direction.
func PairKey(a, b string) string {
	ids := []string{a, b}
	sort.Strings(ids)
	return ids[0] + "|" + ids[1]
}
