package models

import (
	"time"

	"github.com/google/uuid"
)

// Account is an owner of documents and mailbox configs.
type Account struct {
	ID        uuid.UUID `db:"id"`
	Email     string    `db:"email"`
	CreatedAt time.Time `db:"created_at"`
}
