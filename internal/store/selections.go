package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/variant"
)

// SelectionStore is the durable selection persistence port, keyed by
// session and message.
type SelectionStore struct {
	db *gorm.DB
}

// NewSelectionStore creates a SelectionStore.
func NewSelectionStore(db *gorm.DB) (*SelectionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: selection store: db is required")
	}
	return &SelectionStore{db: db}, nil
}

// Get loads the selection record for a message, or nil when none exists.
func (s *SelectionStore) Get(sessionID, messageID uint) (*variant.Selection, error) {
	var rec models.SelectionRecord
	err := s.db.Where("session_id = ? AND message_id = ?", sessionID, messageID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load selection: %w", err)
	}
	return &variant.Selection{Index: rec.Index, Count: rec.VariantCountAtSave}, nil
}

// Set upserts the selection record for a message.
func (s *SelectionStore) Set(sessionID, messageID uint, index, count int) error {
	rec := models.SelectionRecord{
		SessionID:          sessionID,
		MessageID:          messageID,
		Index:              index,
		VariantCountAtSave: count,
	}
	res := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "session_id"}, {Name: "message_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"selection_index", "variant_count_at_save"}),
	}).Create(&rec)
	if res.Error != nil {
		return fmt.Errorf("store: save selection: %w", res.Error)
	}
	return nil
}

// Clear removes the selection record for a message.
func (s *SelectionStore) Clear(sessionID, messageID uint) error {
	err := s.db.Where("session_id = ? AND message_id = ?", sessionID, messageID).
		Delete(&models.SelectionRecord{}).Error
	if err != nil {
		return fmt.Errorf("store: clear selection: %w", err)
	}
	return nil
}
