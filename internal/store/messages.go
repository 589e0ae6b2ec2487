package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/parleyhq/parley/internal/models"
)

// MessageStore persists conversation messages.
type MessageStore struct {
	db *gorm.DB
}

// NewMessageStore creates a MessageStore.
func NewMessageStore(db *gorm.DB) (*MessageStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: message store: db is required")
	}
	return &MessageStore{db: db}, nil
}

// Append adds a message at the next ordinal for the session.
func (s *MessageStore) Append(sessionID uint, role, content string) (*models.Message, error) {
	var msg models.Message
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var maxOrdinal int
		if err := tx.Model(&models.Message{}).
			Where("session_id = ?", sessionID).
			Select("COALESCE(MAX(ordinal), -1)").Scan(&maxOrdinal).Error; err != nil {
			return err
		}
		msg = models.Message{
			SessionID: sessionID,
			Role:      role,
			Content:   content,
			Ordinal:   maxOrdinal + 1,
		}
		return tx.Create(&msg).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: append message: %w", err)
	}
	return &msg, nil
}

// History returns the full ordered message list for a session.
func (s *MessageStore) History(sessionID uint) ([]models.Message, error) {
	var msgs []models.Message
	if err := s.db.Where("session_id = ?", sessionID).
		Order("ordinal").Find(&msgs).Error; err != nil {
		return nil, fmt.Errorf("store: load history: %w", err)
	}
	return msgs, nil
}

// Page returns up to limit messages older than beforeID (all when
// beforeID is 0), in chronological order, plus whether older ones remain.
// The smallest returned message id is the cursor for the next page.
func (s *MessageStore) Page(sessionID uint, limit int, beforeID uint) ([]models.Message, bool, error) {
	if limit <= 0 {
		limit = 50
	}
	q := s.db.Where("session_id = ?", sessionID)
	if beforeID > 0 {
		q = q.Where("id < ?", beforeID)
	}

	var msgs []models.Message
	if err := q.Order("id DESC").Limit(limit + 1).Find(&msgs).Error; err != nil {
		return nil, false, fmt.Errorf("store: page messages: %w", err)
	}

	hasMore := len(msgs) > limit
	if hasMore {
		msgs = msgs[:limit]
	}
	// Flip back to chronological order.
	for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
		msgs[i], msgs[j] = msgs[j], msgs[i]
	}
	return msgs, hasMore, nil
}

// Get loads a message by id. Returns nil when it does not exist.
func (s *MessageStore) Get(messageID uint) (*models.Message, error) {
	var msg models.Message
	if err := s.db.First(&msg, messageID).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load message %d: %w", messageID, err)
	}
	return &msg, nil
}

// UpdateContent replaces a message's canonical content.
func (s *MessageStore) UpdateContent(messageID uint, content string) error {
	res := s.db.Model(&models.Message{}).Where("id = ?", messageID).Update("content", content)
	if res.Error != nil {
		return fmt.Errorf("store: update message %d: %w", messageID, res.Error)
	}
	if res.RowsAffected == 0 {
		return fmt.Errorf("store: update message %d: not found", messageID)
	}
	return nil
}

// Delete removes a message.
func (s *MessageStore) Delete(messageID uint) error {
	if err := s.db.Delete(&models.Message{}, messageID).Error; err != nil {
		return fmt.Errorf("store: delete message %d: %w", messageID, err)
	}
	return nil
}

// LatestAssistant returns the most recent assistant message for a session,
// or nil when the session has none.
func (s *MessageStore) LatestAssistant(sessionID uint) (*models.Message, error) {
	var msg models.Message
	err := s.db.Where("session_id = ? AND role = ?", sessionID, models.RoleAssistant).
		Order("ordinal DESC").Limit(1).First(&msg).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: latest assistant message: %w", err)
	}
	return &msg, nil
}
