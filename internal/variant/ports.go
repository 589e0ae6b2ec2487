package variant

import (
	"context"

	"github.com/parleyhq/parley/internal/models"
)

// Selection points at the displayed content for a message. Index 0 always
// denotes the original (non-variant) content; index k>0 denotes variant k.
// Count records the variant count at save time for staleness detection.
type Selection struct {
	Index int
	Count int
}

// SelectionStore is the durable selection persistence port.
type SelectionStore interface {
	Get(sessionID, messageID uint) (*Selection, error)
	Set(sessionID, messageID uint, index, count int) error
	Clear(sessionID, messageID uint) error
}

// VariantStore persists committed variants.
type VariantStore interface {
	Create(messageID uint, content string, version int) (*models.MessageVariant, error)
	List(messageID uint) ([]models.MessageVariant, error)
	DeleteAll(messageID uint) error
}

// MessageStore provides the message operations the manager needs: reading
// original content and promoting a variant to canonical content.
type MessageStore interface {
	Get(messageID uint) (*models.Message, error)
	UpdateContent(messageID uint, content string) error
}

// GenerateFunc produces new variant content, emitting deltas as they
// arrive. The chat runtime supplies a closure that calls the provider with
// the session history.
type GenerateFunc func(ctx context.Context, onDelta func(delta, content string)) (string, error)
