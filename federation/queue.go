package federation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
	"github.com/mammut-social/mammut/util"
)

const (
	claimBatchSize = 50
	pollInterval   = 2 * time.Second

	backoffBase = 2 * time.Second
	backoffCap  = 5 * time.Minute
)

// errNonRetryable marks local failures no retry can recover from: an
// undecodable payload, a missing signing account, an unusable key or inbox
// URI. Transport errors stay retryable.
var errNonRetryable = errors.New("non-retryable delivery failure")

// Queue is the durable outbound delivery queue. Jobs live in storage; the
// queue claims them atomically, signs and sends the HTTP POST, and routes
// the outcome to delivered, retry-with-backoff or dead-letter.
type Queue struct {
	store  Storage
	conf   *util.AppConfig
	client *http.Client
	logger *log.Logger
}

func NewQueue(store Storage, conf *util.AppConfig) *Queue {
	return &Queue{
		store:  store,
		conf:   conf,
		client: &http.Client{Timeout: 30 * time.Second},
		logger: log.WithPrefix("delivery"),
	}
}

// Enqueue inserts a pending job for (activity, inbox). Re-enqueueing an
// existing non-terminal job is a no-op.
func (q *Queue) Enqueue(activityURI, inboxURI string, payload []byte) error {
	job := &domain.DeliveryJob{
		Id:            uuid.New(),
		ActivityURI:   activityURI,
		InboxURI:      inboxURI,
		Payload:       string(payload),
		Attempts:      0,
		Status:        domain.DeliveryPending,
		NextAttemptAt: time.Now(),
		CreatedAt:     time.Now(),
	}
	return q.store.EnqueueDelivery(job)
}

// Recover demotes jobs left inflight by a previous process back to pending.
func (q *Queue) Recover() error {
	return q.store.ResetInflightDeliveries()
}

// RunWorker processes eligible jobs until the context is cancelled. Workers
// sleep between polls when the queue is drained.
func (q *Queue) RunWorker(ctx context.Context) {
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			for q.ProcessOnce(ctx) > 0 {
				if ctx.Err() != nil {
					return
				}
			}
		}
	}
}

// ProcessOnce claims and delivers one batch of eligible jobs, returning how
// many were processed.
func (q *Queue) ProcessOnce(ctx context.Context) int {
	err, jobs := q.store.ReadEligibleDeliveries(time.Now(), claimBatchSize)
	if err != nil {
		q.logger.Error("Failed to read delivery queue", "err", err)
		return 0
	}
	if jobs == nil || len(*jobs) == 0 {
		return 0
	}

	processed := 0
	for _, job := range *jobs {
		if ctx.Err() != nil {
			return processed
		}
		err, claimed := q.store.ClaimDelivery(job.Id, time.Now())
		if err != nil {
			q.logger.Error("Failed to claim job", "job", job.Id, "err", err)
			continue
		}
		if !claimed {
			// another worker got there first
			continue
		}
		q.deliver(ctx, &job)
		processed++
	}
	return processed
}

// deliver sends one claimed job and routes the outcome.
func (q *Queue) deliver(ctx context.Context, job *domain.DeliveryJob) {
	status, err := q.send(ctx, job)

	switch {
	case err == nil && status >= 200 && status < 300:
		q.logger.Info("Delivered", "inbox", job.InboxURI, "activity", job.ActivityURI)
		if err := q.store.CompleteDelivery(job.Id); err != nil {
			q.logger.Error("Failed to complete job", "job", job.Id, "err", err)
		}

	case err == nil && status >= 400 && status < 500 && status != http.StatusTooManyRequests:
		// The destination will never accept this request; retrying cannot help.
		q.logger.Warn("Delivery rejected, dead-lettering", "inbox", job.InboxURI, "status", status)
		q.markDead(job, fmt.Sprintf("http status %d", status))

	case errors.Is(err, errNonRetryable):
		q.logger.Warn("Delivery cannot be sent, dead-lettering", "inbox", job.InboxURI, "err", err)
		q.markDead(job, err.Error())

	default:
		reason := fmt.Sprintf("http status %d", status)
		if err != nil {
			reason = err.Error()
		}
		q.retryOrDead(job, reason)
	}
}

func (q *Queue) retryOrDead(job *domain.DeliveryJob, reason string) {
	attempts := job.Attempts + 1
	if attempts >= q.conf.DeliveryMaxAttempts() {
		q.logger.Warn("Giving up on delivery", "inbox", job.InboxURI, "attempts", attempts, "reason", reason)
		q.markDead(job, reason)
		return
	}

	delay := Backoff(attempts)
	q.logger.Info("Delivery failed, will retry", "inbox", job.InboxURI, "attempt", attempts, "in", delay, "reason", reason)
	if err := q.store.RescheduleDelivery(job.Id, attempts, time.Now().Add(delay), reason); err != nil {
		q.logger.Error("Failed to reschedule job", "job", job.Id, "err", err)
	}
}

func (q *Queue) markDead(job *domain.DeliveryJob, reason string) {
	if err := q.store.MarkDeliveryDead(job.Id, job.Attempts+1, reason); err != nil {
		q.logger.Error("Failed to dead-letter job", "job", job.Id, "err", err)
	}
}

// send signs and posts the job's payload to its destination inbox. The
// signing account is looked up from the activity's actor URI.
func (q *Queue) send(ctx context.Context, job *domain.DeliveryJob) (int, error) {
	acc, err := q.signingAccount(job.Payload)
	if err != nil {
		return 0, fmt.Errorf("%w: %v", errNonRetryable, err)
	}

	body := []byte(job.Payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, job.InboxURI, bytes.NewReader(body))
	if err != nil {
		return 0, fmt.Errorf("%w: failed to create request: %v", errNonRetryable, err)
	}

	req.Header.Set("Content-Type", "application/activity+json")
	req.Header.Set("Accept", "application/activity+json")
	req.Header.Set("User-Agent", util.UserAgent())

	keyID := ActorURI(q.conf.Conf.Domain, acc.Username) + "#main-key"
	if err := SignRequest(req, body, acc.WebPrivateKey, keyID); err != nil {
		return 0, fmt.Errorf("%w: failed to sign request: %v", errNonRetryable, err)
	}

	resp, err := q.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	return resp.StatusCode, nil
}

func (q *Queue) signingAccount(payload string) (*domain.Account, error) {
	actorURI, err := actorFromPayload(payload)
	if err != nil {
		return nil, err
	}
	username := usernameFromActorURI(actorURI)
	if username == "" {
		return nil, fmt.Errorf("invalid actor URI: %s", actorURI)
	}
	err, acc := q.store.ReadAccByUsername(username)
	if err != nil || acc == nil {
		return nil, fmt.Errorf("failed to get local account %q: %w", username, err)
	}
	return acc, nil
}

func actorFromPayload(payload string) (string, error) {
	activity, err := Decode([]byte(payload))
	if err != nil {
		return "", fmt.Errorf("failed to parse activity payload: %w", err)
	}
	return activity.Actor, nil
}

// usernameFromActorURI extracts the username from a local actor URI.
// "https://example.com/users/alice" -> "alice"
func usernameFromActorURI(uri string) string {
	parts := strings.Split(strings.TrimSuffix(uri, "/"), "/")
	if len(parts) < 2 {
		return ""
	}
	return strings.TrimPrefix(parts[len(parts)-1], "@")
}

// Backoff returns the retry delay after the given attempt count:
// exponential from a 2s base, capped at 5m, with ±20% jitter so retries
// against a recovering destination don't synchronize.
func Backoff(attempt int) time.Duration {
	delay := backoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= backoffCap {
			delay = backoffCap
			break
		}
	}
	jitter := 1 + (rand.Float64()*0.4 - 0.2)
	return time.Duration(float64(delay) * jitter)
}
