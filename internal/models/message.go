package models

import "time"

// Message roles. The system message always sits at ordinal 0 and is never
// dropped by truncation.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
)

// Message is a single turn in a chat session. Ordinal is strictly
// increasing within a session and doubles as the pagination cursor. Only
// the most recent assistant message may own variants.
type Message struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	SessionID uint   `gorm:"not null;index:idx_session_ordinal,unique"`
	Role      string `gorm:"size:16;not null"`
	Content   string `gorm:"type:mediumtext;not null"`
	Ordinal   int    `gorm:"not null;index:idx_session_ordinal,unique"`
	CreatedAt time.Time
	UpdatedAt time.Time
}
