package models

import (
	"time"
)

// Notification is a human-readable event. Recipient nil means broadcast to
// everyone.
type Notification struct {
	ID        int       `json:"id" db:"id"`
	Recipient *int      `json:"recipient,omitempty" db:"recipient"`
	Title     string    `json:"title" db:"title"`
	Message   string    `json:"message" db:"message"`
	IsRead    bool      `json:"is_read" db:"is_read"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
}
