package federation

import (
	"time"

	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
)

// Storage is the narrow persistence surface the federation core depends on.
// *db.DB implements it; tests substitute fakes.
type Storage interface {
	// local actors
	ReadAccByUsername(username string) (error, *domain.Account)
	ReadAccById(id uuid.UUID) (error, *domain.Account)

	// remote actor cache
	ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount)
	SaveRemoteAccount(acc *domain.RemoteAccount) error
	ExpireRemoteAccount(uri string) error
	DeleteRemoteAccount(acc *domain.RemoteAccount) error

	// follows
	CreateFollow(follow *domain.Follow) error
	ReadFollowByURI(uri string) (error, *domain.Follow)
	DeleteFollowByURI(uri string) error
	AcceptFollowByURI(uri string) error
	ReadFollowerAccounts(accountId uuid.UUID) (error, *[]domain.RemoteAccount)

	// remote statuses
	CreateRemoteStatus(status *domain.RemoteStatus) error
	ReadRemoteStatusByObjectURI(uri string) (error, *domain.RemoteStatus)
	TombstoneRemoteStatus(uri string) error

	// inbound dedup
	RecordInboundActivity(activityURI string, receivedAt time.Time) error
	HasInboundActivity(activityURI string) (error, bool)

	// delivery jobs
	EnqueueDelivery(job *domain.DeliveryJob) error
	ReadEligibleDeliveries(now time.Time, limit int) (error, *[]domain.DeliveryJob)
	ClaimDelivery(id uuid.UUID, at time.Time) (error, bool)
	CompleteDelivery(id uuid.UUID) error
	RescheduleDelivery(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error
	MarkDeliveryDead(id uuid.UUID, attempts int, lastError string) error
	ResetInflightDeliveries() error
}
