package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount represents a cached federated actor. It is also the
// persistent tier of the actor key cache.
type RemoteAccount struct {
	Id            uuid.UUID
	Username      string
	Domain        string
	ActorURI      string
	DisplayName   string
	InboxURI      string
	SharedInbox   string
	KeyId         string
	PublicKeyPem  string
	LastFetchedAt time.Time
}

// DeliveryInbox prefers the shared inbox so one POST serves every follower
// on the same server.
func (r *RemoteAccount) DeliveryInbox() string {
	if r.SharedInbox != "" {
		return r.SharedInbox
	}
	return r.InboxURI
}

// ActorKey is an entry of the actor key cache.
type ActorKey struct {
	ActorIRI     string
	KeyId        string
	PublicKeyPem string
	FetchedAt    time.Time
}

// Fresh reports whether the key was fetched within ttl of now.
func (k *ActorKey) Fresh(now time.Time, ttl time.Duration) bool {
	return k != nil && now.Sub(k.FetchedAt) < ttl
}

// Follow represents a follow relationship. Exactly one side is local.
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // follower, local or remote
	TargetAccountId uuid.UUID // followed, local or remote
	URI             string    // ActivityPub Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// Activity is the processed-activity log used for deduplication.
type Activity struct {
	Id           uuid.UUID
	ActivityURI  string
	ActivityType string
	ActorURI     string
	ObjectURI    string
	RawJSON      string
	Processed    bool
	CreatedAt    time.Time
	Local        bool
}

// OutboxEntry is one activity persisted in a local account's outbox.
type OutboxEntry struct {
	Id           uuid.UUID
	AccountId    uuid.UUID
	ActivityURI  string
	ActivityType string
	ObjectURI    string
	RawJSON      string
	CreatedAt    time.Time
}

// DeliveryAttempt is an in-memory outbound POST of one activity to one
// inbox. It is never persisted.
type DeliveryAttempt struct {
	InboxURI string
	Payload  []byte
	Attempts int
	LastErr  error
}
