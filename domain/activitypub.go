package domain

import (
	"time"

	"github.com/google/uuid"
)

// RemoteAccount is a cached federated actor.
type RemoteAccount struct {
	Id             uuid.UUID
	Username       string
	Domain         string
	ActorURI       string
	DisplayName    string
	Summary        string
	InboxURI       string
	SharedInboxURI string
	OutboxURI      string
	PublicKeyPem   string
	AvatarURL      string
	LastFetchedAt  time.Time
}

// Inbox returns the preferred delivery target for the actor: the shared
// inbox of its server when advertised, the personal inbox otherwise.
func (acc *RemoteAccount) Inbox() string {
	if acc.SharedInboxURI != "" {
		return acc.SharedInboxURI
	}
	return acc.InboxURI
}

// Follow represents a follow relationship between a local and a remote
// account (either direction).
type Follow struct {
	Id              uuid.UUID
	AccountId       uuid.UUID // the follower
	TargetAccountId uuid.UUID // the account being followed
	URI             string    // Follow activity URI
	CreatedAt       time.Time
	Accepted        bool
}

// RemoteStatus is a status received from a remote actor via an inbound
// Create activity.
type RemoteStatus struct {
	Id         uuid.UUID
	ObjectURI  string
	ActorURI   string
	Content    string
	Published  time.Time
	Latitude   *float64
	Longitude  *float64
	PlaceName  string
	Tombstoned bool
	CreatedAt  time.Time
}

// InboundActivity is a dedup marker for a received activity id.
type InboundActivity struct {
	ActivityURI string
	ReceivedAt  time.Time
}

type DeliveryStatus string

const (
	DeliveryPending  DeliveryStatus = "pending"
	DeliveryInflight DeliveryStatus = "inflight"
	DeliveryDead     DeliveryStatus = "dead"
)

// DeliveryJob is one unit of outbound federation work. At most one job
// exists per (activity URI, inbox URI) pair; terminal success removes the
// row, terminal failure keeps it with status "dead" for inspection.
type DeliveryJob struct {
	Id            uuid.UUID
	ActivityURI   string
	InboxURI      string
	Payload       string // complete activity JSON
	Attempts      int
	Status        DeliveryStatus
	NextAttemptAt time.Time
	ClaimedAt     *time.Time
	LastError     string
	CreatedAt     time.Time
}
