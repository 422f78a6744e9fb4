package domain

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Account is a local, federation-addressable account.
type Account struct {
	Id            uuid.UUID
	Nickname      string
	PasswordHash  string
	DisplayName   string
	Summary       string
	WebPublicKey  string
	WebPrivateKey string
	CreatedAt     time.Time
}

func (acc *Account) ToString() string {
	return fmt.Sprintf("\n\tId: %s \n\tNickname: %s \n\tCREATED_AT: %s)", acc.Id, acc.Nickname, acc.CreatedAt)
}

// Session is a cookie session created by a successful Basic login.
type Session struct {
	Token     string
	AccountId uuid.UUID
	ExpiresAt time.Time
}
