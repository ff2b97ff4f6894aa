package models

import (
	"time"

	"github.com/google/uuid"
)

// Letter is sealed, immutable content promoted out of a draft. The engine
// never sees plaintext outside a claimed delivery's processing.
type Letter struct {
	ID          uuid.UUID `json:"id"`
	OwnerID     string    `json:"owner_id"`
	SealedTitle string    `json:"sealed_title"`
	SealedBody  string    `json:"sealed_body"`
	CreatedAt   time.Time `json:"created_at"`
}

// Draft is the mutable, pre-scheduling working copy. A draft with a
// promoted letter that has at least one delivery is never reaped.
type Draft struct {
	ID       uuid.UUID  `json:"id"`
	OwnerID  string     `json:"owner_id"`
	Title    string     `json:"title"`
	BodyRich string     `json:"body_rich"`
	BodyHTML string     `json:"body_html"`
	LetterID *uuid.UUID `json:"letter_id,omitempty"`

	LastSavedAt time.Time `json:"last_saved_at"`
	CreatedAt   time.Time `json:"created_at"`
}
