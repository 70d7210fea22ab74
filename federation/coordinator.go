package federation

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
	"github.com/mammut-social/mammut/domain"
	"github.com/mammut-social/mammut/util"
)

// Coordinator expands local activities into per-destination delivery jobs
// and owns the delivery worker pool.
type Coordinator struct {
	store     Storage
	queue     *Queue
	directory *Directory
	conf      *util.AppConfig
	logger    *log.Logger

	mu     sync.Mutex
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewCoordinator(store Storage, queue *Queue, directory *Directory, conf *util.AppConfig) *Coordinator {
	return &Coordinator{
		store:     store,
		queue:     queue,
		directory: directory,
		conf:      conf,
		logger:    log.WithPrefix("federation"),
	}
}

// Publish fans an activity out to the follower inboxes of the given local
// account. Followers behind the same shared inbox collapse into one job.
func (c *Coordinator) Publish(activity *Activity, acc *domain.Account) error {
	payload, err := activity.Marshal()
	if err != nil {
		return fmt.Errorf("failed to marshal activity: %w", err)
	}

	err, followers := c.store.ReadFollowerAccounts(acc.Id)
	if err != nil {
		return fmt.Errorf("failed to get followers: %w", err)
	}
	if followers == nil || len(*followers) == 0 {
		c.logger.Info("No followers to deliver to", "user", acc.Username)
		return nil
	}

	inboxes := make(map[string]bool)
	for _, follower := range *followers {
		inboxes[follower.Inbox()] = true
	}

	for inbox := range inboxes {
		if err := c.queue.Enqueue(activity.ID, inbox, payload); err != nil {
			c.logger.Error("Failed to queue delivery", "inbox", inbox, "err", err)
		}
	}

	c.logger.Info("Queued activity", "type", activity.Type, "activity", activity.ID, "destinations", len(inboxes))
	return nil
}

// PublishNote encodes and fans out a Create activity for a local note.
func (c *Coordinator) PublishNote(note *domain.Note, acc *domain.Account) error {
	if !note.Federated {
		return nil
	}
	return c.Publish(EncodeCreate(note, acc, c.conf.Conf.Domain), acc)
}

// PublishDelete fans out a Delete (Tombstone) for a local note.
func (c *Coordinator) PublishDelete(note *domain.Note, acc *domain.Account) error {
	return c.Publish(EncodeDelete(note, acc, c.conf.Conf.Domain), acc)
}

// SendFollow resolves the target (handle or actor URI), records a pending
// follow and queues the Follow activity to the target's own inbox.
func (c *Coordinator) SendFollow(ctx context.Context, acc *domain.Account, target string) error {
	actorURI := target
	if !strings.HasPrefix(target, "https://") {
		uri, err := c.directory.Webfinger(ctx, target)
		if err != nil {
			return fmt.Errorf("failed to resolve handle %q: %w", target, err)
		}
		actorURI = uri
	}

	remote, err := c.directory.Resolve(ctx, actorURI)
	if err != nil {
		return fmt.Errorf("failed to resolve actor: %w", err)
	}

	follow := EncodeFollow(acc, remote.ActorURI, c.conf.Conf.Domain, "")

	record := &domain.Follow{
		Id:              uuid.New(),
		AccountId:       acc.Id,
		TargetAccountId: remote.Id,
		URI:             follow.ID,
		Accepted:        false, // pending until Accept arrives
		CreatedAt:       time.Now(),
	}
	if err := c.store.CreateFollow(record); err != nil {
		return fmt.Errorf("failed to store follow: %w", err)
	}

	payload, err := follow.Marshal()
	if err != nil {
		return err
	}
	// Follow goes to the personal inbox, not the shared one.
	return c.queue.Enqueue(follow.ID, remote.InboxURI, payload)
}

// StartWorkers recovers interrupted jobs and launches the delivery worker
// pool with the given concurrency.
func (c *Coordinator) StartWorkers(count int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.cancel != nil {
		return
	}

	if err := c.queue.Recover(); err != nil {
		c.logger.Error("Failed to recover inflight deliveries", "err", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.cancel = cancel

	c.logger.Info("Starting delivery workers", "count", count)
	for i := 0; i < count; i++ {
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.queue.RunWorker(ctx)
		}()
	}
}

// StopWorkers signals cooperative shutdown and waits up to the given
// timeout. Jobs still inflight after that are demoted on the next startup.
func (c *Coordinator) StopWorkers(timeout time.Duration) {
	c.mu.Lock()
	cancel := c.cancel
	c.cancel = nil
	c.mu.Unlock()
	if cancel == nil {
		return
	}
	cancel()

	done := make(chan struct{})
	go func() {
		c.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		c.logger.Info("Delivery workers stopped")
	case <-time.After(timeout):
		c.logger.Warn("Delivery workers did not stop in time")
	}
}
