package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local user with its federation key material.
type Account struct {
	Id            uuid.UUID
	Username      string
	DisplayName   string
	Summary       string
	CreatedAt     time.Time
	WebPublicKey  string // PEM
	WebPrivateKey string // PEM, never leaves the server
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tUsername: %s \n\tCreatedAt: %s", acc.Id, acc.Username, acc.CreatedAt)
}
