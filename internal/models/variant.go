package models

import "time"

// MessageVariant is an alternate candidate response for an assistant
// message. Version is a monotonically increasing per-message counter.
// Exactly one variant (or the original content) is displayed at a time.
type MessageVariant struct {
	ID        uint   `gorm:"primaryKey;autoIncrement"`
	MessageID uint   `gorm:"not null;index"`
	Content   string `gorm:"type:mediumtext;not null"`
	Version   int    `gorm:"not null"`
	IsActive  bool   `gorm:"default:false"`
	CreatedAt time.Time
}

// SelectionRecord remembers which variant a session displays for a
// message. VariantCountAtSave detects staleness: when the live variant
// count no longer matches, the stored index is ignored and the latest
// variant wins. Index 0 always denotes the original message content.
type SelectionRecord struct {
	SessionID          uint `gorm:"primaryKey"`
	MessageID          uint `gorm:"primaryKey"`
	Index              int  `gorm:"column:selection_index;not null"`
	VariantCountAtSave int  `gorm:"not null"`
	UpdatedAt          time.Time
}
