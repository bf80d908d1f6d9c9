package models

import "time"

// Session is one imported conversation, unique per source log file.
// Messages are owned by the session and cascade-deleted with it.
type Session struct {
	ID               string // repository entity ID
	SessionID        string // logical session ID from the log's session_meta
	SourcePath       string
	SourceModTime    time.Time
	SourceFileSize   int64
	LastParsedOffset int64
	StartedAt        time.Time
	LastActivityAt   time.Time
	Title            string
	Cwd              string
	Preview          string
	CreatedAt        time.Time
	UpdatedAt        time.Time
}
