package store

import (
	"context"

	"codexwatch/internal/models"
)

// Store defines the persistence interface for the session repository.
// Sessions own their messages; deleting a session cascades to them.
type Store interface {
	// Sessions
	CreateSession(ctx context.Context, s *models.Session) error
	GetSession(ctx context.Context, id string) (*models.Session, error)
	ListSessions(ctx context.Context) ([]*models.Session, error)
	UpdateSession(ctx context.Context, s *models.Session) error
	DeleteSession(ctx context.Context, id string) error
	DeleteAllSessions(ctx context.Context) (int64, error)

	// Messages
	ListMessages(ctx context.Context, sessionID string) ([]*models.Message, error)
	CreateMessages(ctx context.Context, msgs []*models.Message) error
	DeleteMessages(ctx context.Context, sessionID string) (int64, error)

	// Outgoing messages
	CreateOutgoing(ctx context.Context, m *models.OutgoingMessage) error
	ListOutgoing(ctx context.Context) ([]*models.OutgoingMessage, error)
	ListOutgoingByStatus(ctx context.Context, statuses []models.OutgoingStatus) ([]*models.OutgoingMessage, error)
	ListOutgoingBySession(ctx context.Context, sessionID string) ([]*models.OutgoingMessage, error)
	UpdateOutgoing(ctx context.Context, m *models.OutgoingMessage) error
	DeleteOutgoing(ctx context.Context, id string) error

	// Lifecycle
	Migrate(ctx context.Context) error
	Close() error
}
