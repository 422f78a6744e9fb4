package domain

import (
	"time"

	"github.com/google/uuid"
)

// ScheduledPost is an outbox submission held back until ScheduledAt.
type ScheduledPost struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	ActivityJSON string
	ScheduledAt  time.Time
	CreatedAt    time.Time
}

// Share is an offered item that is withdrawn once ExpiresAt passes.
type Share struct {
	Id        uuid.UUID
	AccountId uuid.UUID
	ObjectURI string
	Name      string
	ExpiresAt time.Time
	CreatedAt time.Time
}
