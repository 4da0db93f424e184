package domain

import (
	"time"

	"github.com/google/uuid"
)

// Notification is an operator inbox message.
type Notification struct {
	ID         uuid.UUID `json:"id"`
	Subject    string    `json:"subject"`
	Message    string    `json:"message"`
	Federation string    `json:"federation,omitempty"`
	Read       bool      `json:"read"`
	CreatedAt  time.Time `json:"created_at"`
}
