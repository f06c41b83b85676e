// Package history persists finished conversation turns. Persistence is best
// effort: the voice engine works the same with or without a store.
package history

import (
	"context"
	"errors"
	"time"
)

// TurnRecord is one persisted user or assistant turn.
type TurnRecord struct {
	ID             string    `json:"id"`
	SessionID      string    `json:"session_id"`
	ConversationID string    `json:"conversation_id,omitempty"`
	UserID         string    `json:"user_id,omitempty"`
	Role           string    `json:"role"`
	Content        string    `json:"content"`
	Modality       string    `json:"modality"`
	PIIRedacted    bool      `json:"pii_redacted"`
	CreatedAt      time.Time `json:"created_at"`
}

var ErrInvalidSessionID = errors.New("history: session id is required")

// Store records turns keyed by session identifier.
type Store interface {
	RecordTurn(ctx context.Context, sessionID string, rec TurnRecord) error
	// SessionTurns returns up to limit most recent turns in chronological
	// order. limit <= 0 returns all of them.
	SessionTurns(ctx context.Context, sessionID string, limit int) ([]TurnRecord, error)
	Close() error
}

// normalize fills defaults shared by every backend.
func normalize(sessionID string, rec TurnRecord, newID func() string) (TurnRecord, error) {
	if sessionID == "" {
		return TurnRecord{}, ErrInvalidSessionID
	}
	rec.SessionID = sessionID
	if rec.ID == "" {
		rec.ID = newID()
	}
	if rec.Modality == "" {
		rec.Modality = "voice"
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = time.Now().UTC()
	}
	return rec, nil
}
