package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/conduit/internal/domain"
)

type scheduledCommit struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// offsetCommitter commits the offsets of every scheduled source task on a fixed interval.
type offsetCommitter struct {
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger

	mu        sync.Mutex
	scheduled map[domain.TaskID]*scheduledCommit
	closed    bool
}

func newOffsetCommitter(interval time.Duration, clock clockwork.Clock, workerID string, logger *slog.Logger) *offsetCommitter {
	return &offsetCommitter{
		interval:  interval,
		clock:     clock,
		logger:    logger.With("component", "offset-committer", "worker_id", workerID),
		scheduled: make(map[domain.TaskID]*scheduledCommit),
	}
}

func (c *offsetCommitter) schedule(id domain.TaskID, commit func(ctx context.Context) error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		c.logger.Warn("offset committer closed, not scheduling task", "task_id", id.String())
		return
	}
	if _, exists := c.scheduled[id]; exists {
		return
	}

	ctx, cancel := context.WithCancel(context.Background())
	sc := &scheduledCommit{cancel: cancel, done: make(chan struct{})}
	c.scheduled[id] = sc

	go func() {
		defer close(sc.done)

		ticker := c.clock.NewTicker(c.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.Chan():
				c.logger.Debug("committing offsets", "task_id", id.String())
				if err := commit(ctx); err != nil {
					c.logger.Error("offset commit failed", "task_id", id.String(), "error", err)
				}
			}
		}
	}()
}

// remove stops periodic commits for id and waits for a commit in progress to finish.
func (c *offsetCommitter) remove(id domain.TaskID) {
	c.mu.Lock()
	sc, ok := c.scheduled[id]
	delete(c.scheduled, id)
	c.mu.Unlock()

	if !ok {
		return
	}
	sc.cancel()
	<-sc.done
}

// close cancels every schedule and waits up to timeout for in-flight commits.
func (c *offsetCommitter) close(timeout time.Duration) error {
	c.mu.Lock()
	c.closed = true
	pending := make([]*scheduledCommit, 0, len(c.scheduled))
	for id, sc := range c.scheduled {
		sc.cancel()
		pending = append(pending, sc)
		delete(c.scheduled, id)
	}
	c.mu.Unlock()

	var expired <-chan time.Time
	if timeout > 0 {
		expired = c.clock.After(timeout)
	}

	for _, sc := range pending {
		select {
		case <-sc.done:
			continue
		default:
		}

		if expired == nil {
			return c.timeoutError(timeout)
		}
		select {
		case <-sc.done:
		case <-expired:
			return c.timeoutError(timeout)
		}
	}
	return nil
}

func (c *offsetCommitter) timeoutError(timeout time.Duration) error {
	return domain.NewTimeoutError("offset committer did not finish in time", domain.ErrTimeout,
		domain.WithComponent("worker.offsetCommitter"),
		domain.WithContextDetail("timeout", timeout.String()))
}

func (c *offsetCommitter) scheduledCount() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.scheduled)
}
