package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/parleyhq/parley/internal/models"
)

// VariantStore persists alternate responses for assistant messages.
type VariantStore struct {
	db *gorm.DB
}

// NewVariantStore creates a VariantStore.
func NewVariantStore(db *gorm.DB) (*VariantStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: variant store: db is required")
	}
	return &VariantStore{db: db}, nil
}

// Create persists a variant for a message.
func (s *VariantStore) Create(messageID uint, content string, version int) (*models.MessageVariant, error) {
	mv := models.MessageVariant{
		MessageID: messageID,
		Content:   content,
		Version:   version,
	}
	if err := s.db.Create(&mv).Error; err != nil {
		return nil, fmt.Errorf("store: create variant: %w", err)
	}
	return &mv, nil
}

// List returns a message's variants ordered by version.
func (s *VariantStore) List(messageID uint) ([]models.MessageVariant, error) {
	var variants []models.MessageVariant
	if err := s.db.Where("message_id = ?", messageID).
		Order("version").Find(&variants).Error; err != nil {
		return nil, fmt.Errorf("store: list variants: %w", err)
	}
	return variants, nil
}

// UpdateContent edits a persisted variant's content.
func (s *VariantStore) UpdateContent(variantID uint, content string) error {
	res := s.db.Model(&models.MessageVariant{}).Where("id = ?", variantID).Update("content", content)
	if res.Error != nil {
		return fmt.Errorf("store: update variant %d: %w", variantID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: update variant %d: not found", variantID)
	}
	return nil
}

// DeleteAll removes every variant for a message.
func (s *VariantStore) DeleteAll(messageID uint) error {
	if err := s.db.Where("message_id = ?", messageID).
		Delete(&models.MessageVariant{}).Error; err != nil {
		return fmt.Errorf("store: delete variants: %w", err)
	}
	return nil
}

// PruneNonLatest deletes variants and selection records belonging to
// assistant messages that are no longer the most recent assistant message
// of their session. The maintenance sweep runs this periodically; it backs
// the invariant that only the latest assistant message carries variants.
func (s *VariantStore) PruneNonLatest(sessionID uint) (int64, error) {
	var latest models.Message
	err := s.db.Where("session_id = ? AND role = ?", sessionID, models.RoleAssistant).
		Order("ordinal DESC").Limit(1).First(&latest).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		latest.ID = 0
	} else if err != nil {
		return 0, fmt.Errorf("store: prune variants: %w", err)
	}

	stale := s.db.Model(&models.Message{}).
		Select("id").
		Where("session_id = ? AND id != ?", sessionID, latest.ID)

	res := s.db.Where("message_id IN (?)", stale).Delete(&models.MessageVariant{})
	if res.Error != nil {
		return 0, fmt.Errorf("store: prune variants: %w", res.Error)
	}
	pruned := res.RowsAffected

	if err := s.db.Where("session_id = ? AND message_id IN (?)", sessionID, stale).
		Delete(&models.SelectionRecord{}).Error; err != nil {
		return pruned, fmt.Errorf("store: prune selections: %w", err)
	}
	return pruned, nil
}
