package models

import "time"

// OutgoingStatus represents the delivery state of an outgoing message.
type OutgoingStatus string

const (
	OutgoingStatusPending OutgoingStatus = "pending"
	OutgoingStatusSending OutgoingStatus = "sending"
	OutgoingStatusSent    OutgoingStatus = "sent"
	OutgoingStatusFailed  OutgoingStatus = "failed"
)

// OutgoingMessage is a user-composed message queued for delivery to the
// external CLI tool. It is removed once a rescan observes the tool echoing
// the same text back into the session log.
type OutgoingMessage struct {
	ID        string
	SessionID string
	Text      string
	Cwd       string
	Status    OutgoingStatus
	LastError string
	CreatedAt time.Time
}
