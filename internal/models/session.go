package models

import "time"

// ChatSession is an ordered conversation with an LLM provider. The session
// owns the truncation budget applied to outgoing completion requests.
type ChatSession struct {
	ID               uint   `gorm:"primaryKey;autoIncrement"`
	Title            string `gorm:"size:256"`
	Summary          string `gorm:"type:text"`
	Notes            string `gorm:"type:text"`
	TruncationBudget int    `gorm:"not null"`
	CreatedAt        time.Time
	UpdatedAt        time.Time

	Messages []Message `gorm:"foreignKey:SessionID"`
}
