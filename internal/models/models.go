package models

import (
	"time"

	"github.com/google/uuid"
)

type User struct {
	ID           uuid.UUID `gorm:"type:uuid;primaryKey"`
	LoginName    string    `gorm:"uniqueIndex;size:64;not null"`
	PasswordHash string    `gorm:"not null"`
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

type Community struct {
	ID        uint      `gorm:"primaryKey"`
	Name      string    `gorm:"uniqueIndex;size:128;not null"`
	OwnerID   uuid.UUID `gorm:"type:uuid;not null"`
	CreatedAt time.Time
}

// Session 是一个协作绘画房间。EndedAt 非空即终态,不再出现在大厅列表。
type Session struct {
	ID              uuid.UUID  `gorm:"type:uuid;primaryKey"`
	OwnerID         uuid.UUID  `gorm:"type:uuid;index;not null"`
	Title           string     `gorm:"size:128;not null"`
	Width           int        `gorm:"not null"`
	Height          int        `gorm:"not null"`
	IsPublic        bool       `gorm:"not null;default:true"`
	MaxParticipants int        `gorm:"not null"`
	CommunityID     *uint      `gorm:"index"`
	SavedPostID     *uint      `gorm:"index"`
	CreatedAt       time.Time
	LastActivityAt  time.Time  `gorm:"index"`
	EndedAt         *time.Time `gorm:"index"`
}

// SessionParticipant 每个 (session, user) 仅一行,重进复用并重新激活。
type SessionParticipant struct {
	ID        uint      `gorm:"primaryKey"`
	SessionID uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_session_user;not null"`
	UserID    uuid.UUID `gorm:"type:uuid;uniqueIndex:idx_session_user;not null"`
	Active    bool      `gorm:"index;not null"`
	JoinedAt  time.Time
	LeftAt    *time.Time
}

// Image 记录成品 PNG 的内容寻址信息,实际字节在对象存储。
type Image struct {
	ID            uint   `gorm:"primaryKey"`
	FileHash      string `gorm:"uniqueIndex;size:64;not null"`
	Width         int    `gorm:"not null"`
	Height        int    `gorm:"not null"`
	PaintDuration int64  `gorm:"not null"` // 秒
	CreatedAt     time.Time
}

type Post struct {
	ID          uint      `gorm:"primaryKey"`
	UserID      uuid.UUID `gorm:"type:uuid;index;not null"`
	ImageID     uint      `gorm:"index;not null"`
	Title       string    `gorm:"size:128"`
	CommunityID *uint     `gorm:"index"`
	CreatedAt   time.Time
}

type RefreshToken struct {
	ID        uint      `gorm:"primaryKey"`
	UserID    uuid.UUID `gorm:"type:uuid;index;not null"`
	Token     string    `gorm:"uniqueIndex;size:128;not null"`
	ExpiresAt time.Time `gorm:"index;not null"`
	RevokedAt *time.Time
	CreatedAt time.Time
}
