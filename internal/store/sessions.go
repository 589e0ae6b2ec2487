// Package store implements GORM-backed persistence for sessions, messages,
// variants, and durable selection records.
package store

import (
	"errors"
	"fmt"

	"gorm.io/gorm"

	"github.com/parleyhq/parley/internal/models"
	"github.com/parleyhq/parley/internal/truncate"
)

// SessionStore persists chat sessions.
type SessionStore struct {
	db *gorm.DB
}

// NewSessionStore creates a SessionStore.
func NewSessionStore(db *gorm.DB) (*SessionStore, error) {
	if db == nil {
		return nil, fmt.Errorf("store: session store: db is required")
	}
	return &SessionStore{db: db}, nil
}

// Create starts a new session with its ordinal-0 system message. The
// truncation budget is clamped to the supported range.
func (s *SessionStore) Create(title, systemPrompt string, budget int) (*models.ChatSession, error) {
	session := models.ChatSession{
		Title:            title,
		TruncationBudget: truncate.ClampBudget(budget),
	}
	err := s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(&session).Error; err != nil {
			return err
		}
		system := models.Message{
			SessionID: session.ID,
			Role:      models.RoleSystem,
			Content:   systemPrompt,
			Ordinal:   0,
		}
		return tx.Create(&system).Error
	})
	if err != nil {
		return nil, fmt.Errorf("store: create session: %w", err)
	}
	return &session, nil
}

// Get loads a session by id. Returns nil when it does not exist.
func (s *SessionStore) Get(id uint) (*models.ChatSession, error) {
	var session models.ChatSession
	if err := s.db.First(&session, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: load session %d: %w", id, err)
	}
	return &session, nil
}

// List returns all sessions, most recently updated first.
func (s *SessionStore) List() ([]models.ChatSession, error) {
	var sessions []models.ChatSession
	if err := s.db.Order("updated_at DESC").Find(&sessions).Error; err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	return sessions, nil
}

// UpdateSummary replaces the session summary.
func (s *SessionStore) UpdateSummary(id uint, summary string) error {
	res := s.db.Model(&models.ChatSession{}).Where("id = ?", id).Update("summary", summary)
	if res.Error != nil {
		return fmt.Errorf("store: update summary for session %d: %w", id, res.Error)
	}
	return nil
}

// UpdateNotes replaces the session notes.
func (s *SessionStore) UpdateNotes(id uint, notes string) error {
	res := s.db.Model(&models.ChatSession{}).Where("id = ?", id).Update("notes", notes)
	if res.Error != nil {
		return fmt.Errorf("store: update notes for session %d: %w", id, res.Error)
	}
	return nil
}
