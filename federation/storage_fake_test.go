package federation

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
)

// fakeStorage is an in-memory Storage for exercising the federation core
// without sqlite.
type fakeStorage struct {
	mu sync.Mutex

	accounts       map[string]*domain.Account
	remoteAccounts map[string]*domain.RemoteAccount
	follows        map[string]*domain.Follow
	statuses       map[string]*domain.RemoteStatus
	inbound        map[string]time.Time
	jobs           map[uuid.UUID]*domain.DeliveryJob

	// injected failures
	enqueueErr       error
	recordInboundErr error
}

func newFakeStorage() *fakeStorage {
	return &fakeStorage{
		accounts:       make(map[string]*domain.Account),
		remoteAccounts: make(map[string]*domain.RemoteAccount),
		follows:        make(map[string]*domain.Follow),
		statuses:       make(map[string]*domain.RemoteStatus),
		inbound:        make(map[string]time.Time),
		jobs:           make(map[uuid.UUID]*domain.DeliveryJob),
	}
}

func (s *fakeStorage) ReadAccByUsername(username string) (error, *domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.accounts[username]
	if !ok {
		return fmt.Errorf("no account %s", username), nil
	}
	return nil, acc
}

func (s *fakeStorage) ReadAccById(id uuid.UUID) (error, *domain.Account) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, acc := range s.accounts {
		if acc.Id == id {
			return nil, acc
		}
	}
	return fmt.Errorf("no account %s", id), nil
}

func (s *fakeStorage) ReadRemoteAccountByURI(uri string) (error, *domain.RemoteAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	acc, ok := s.remoteAccounts[uri]
	if !ok {
		return nil, nil
	}
	copied := *acc
	return nil, &copied
}

func (s *fakeStorage) SaveRemoteAccount(acc *domain.RemoteAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *acc
	s.remoteAccounts[acc.ActorURI] = &copied
	return nil
}

func (s *fakeStorage) ExpireRemoteAccount(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if acc, ok := s.remoteAccounts[uri]; ok {
		acc.LastFetchedAt = time.Time{}
	}
	return nil
}

func (s *fakeStorage) DeleteRemoteAccount(acc *domain.RemoteAccount) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.remoteAccounts, acc.ActorURI)
	for uri, follow := range s.follows {
		if follow.AccountId == acc.Id || follow.TargetAccountId == acc.Id {
			delete(s.follows, uri)
		}
	}
	return nil
}

func (s *fakeStorage) CreateFollow(follow *domain.Follow) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	// uri is unique in storage; a second insert is a no-op
	if _, ok := s.follows[follow.URI]; ok {
		return nil
	}
	copied := *follow
	s.follows[follow.URI] = &copied
	return nil
}

func (s *fakeStorage) ReadFollowByURI(uri string) (error, *domain.Follow) {
	s.mu.Lock()
	defer s.mu.Unlock()
	follow, ok := s.follows[uri]
	if !ok {
		return nil, nil
	}
	copied := *follow
	return nil, &copied
}

func (s *fakeStorage) DeleteFollowByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.follows, uri)
	return nil
}

func (s *fakeStorage) AcceptFollowByURI(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if follow, ok := s.follows[uri]; ok {
		follow.Accepted = true
	}
	return nil
}

func (s *fakeStorage) ReadFollowerAccounts(accountId uuid.UUID) (error, *[]domain.RemoteAccount) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var followers []domain.RemoteAccount
	for _, follow := range s.follows {
		if follow.TargetAccountId != accountId || !follow.Accepted {
			continue
		}
		for _, acc := range s.remoteAccounts {
			if acc.Id == follow.AccountId {
				followers = append(followers, *acc)
			}
		}
	}
	return nil, &followers
}

func (s *fakeStorage) CreateRemoteStatus(status *domain.RemoteStatus) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	copied := *status
	s.statuses[status.ObjectURI] = &copied
	return nil
}

func (s *fakeStorage) ReadRemoteStatusByObjectURI(uri string) (error, *domain.RemoteStatus) {
	s.mu.Lock()
	defer s.mu.Unlock()
	status, ok := s.statuses[uri]
	if !ok {
		return nil, nil
	}
	copied := *status
	return nil, &copied
}

func (s *fakeStorage) TombstoneRemoteStatus(uri string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if status, ok := s.statuses[uri]; ok {
		status.Tombstoned = true
		status.Content = ""
	}
	return nil
}

func (s *fakeStorage) RecordInboundActivity(activityURI string, receivedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.recordInboundErr != nil {
		return s.recordInboundErr
	}
	if _, ok := s.inbound[activityURI]; !ok {
		s.inbound[activityURI] = receivedAt
	}
	return nil
}

func (s *fakeStorage) HasInboundActivity(activityURI string) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.inbound[activityURI]
	return nil, ok
}

func (s *fakeStorage) EnqueueDelivery(job *domain.DeliveryJob) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	for _, existing := range s.jobs {
		if existing.ActivityURI == job.ActivityURI && existing.InboxURI == job.InboxURI {
			return nil
		}
	}
	copied := *job
	s.jobs[job.Id] = &copied
	return nil
}

func (s *fakeStorage) ReadEligibleDeliveries(now time.Time, limit int) (error, *[]domain.DeliveryJob) {
	s.mu.Lock()
	defer s.mu.Unlock()

	inflight := make(map[string]bool)
	for _, job := range s.jobs {
		if job.Status == domain.DeliveryInflight {
			inflight[job.InboxURI] = true
		}
	}

	var eligible []domain.DeliveryJob
	for _, job := range s.jobs {
		if len(eligible) >= limit {
			break
		}
		if job.Status != domain.DeliveryPending || job.NextAttemptAt.After(now) || inflight[job.InboxURI] {
			continue
		}
		eligible = append(eligible, *job)
	}
	return nil, &eligible
}

func (s *fakeStorage) ClaimDelivery(id uuid.UUID, at time.Time) (error, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok || job.Status != domain.DeliveryPending {
		return nil, false
	}
	job.Status = domain.DeliveryInflight
	job.ClaimedAt = &at
	return nil, true
}

func (s *fakeStorage) CompleteDelivery(id uuid.UUID) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.jobs, id)
	return nil
}

func (s *fakeStorage) RescheduleDelivery(id uuid.UUID, attempts int, nextAttemptAt time.Time, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("no job %s", id)
	}
	job.Status = domain.DeliveryPending
	job.Attempts = attempts
	job.NextAttemptAt = nextAttemptAt
	job.LastError = lastError
	job.ClaimedAt = nil
	return nil
}

func (s *fakeStorage) MarkDeliveryDead(id uuid.UUID, attempts int, lastError string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return fmt.Errorf("no job %s", id)
	}
	job.Status = domain.DeliveryDead
	job.Attempts = attempts
	job.LastError = lastError
	job.ClaimedAt = nil
	return nil
}

func (s *fakeStorage) ResetInflightDeliveries() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Status == domain.DeliveryInflight {
			job.Status = domain.DeliveryPending
			job.ClaimedAt = nil
		}
	}
	return nil
}

// jobsByStatus returns all jobs currently in the given status.
func (s *fakeStorage) jobsByStatus(status domain.DeliveryStatus) []domain.DeliveryJob {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []domain.DeliveryJob
	for _, job := range s.jobs {
		if job.Status == status {
			out = append(out, *job)
		}
	}
	return out
}

// rewind makes every pending job immediately eligible again.
func (s *fakeStorage) rewind() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		job.NextAttemptAt = time.Now().Add(-time.Second)
	}
}

func (s *fakeStorage) jobCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.jobs)
}
