package distlock

import (
	"context"
	"log/slog"
	"path"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const component = "distlock"

// Lock is a named, non-reentrant mutual exclusion built on ephemeral nodes under root.
// A holder that requests the same name again blocks until someone releases it.
//
// Waiters are woken by a one-shot child watch on root. Because such notifications can
// be lost, a refresher compares the child version periodically and runs the same
// service pass when it moved.
type Lock struct {
	client ports.CoordinationClient
	root   string
	cfg    config
	clock  clockwork.Clock
	logger *slog.Logger

	mu      sync.Mutex
	waiters map[string][]*waiter

	lastVersion atomic.Int64
	started     atomic.Bool

	// armed is true while a child watch on root is registered and has not fired.
	armed atomic.Bool

	ctx       context.Context
	cancel    context.CancelFunc
	closeOnce sync.Once
	wg        sync.WaitGroup
}

var _ ports.Lock = (*Lock)(nil)

func New(client ports.CoordinationClient, root string, opts ...Option) *Lock {
	cfg := defaultConfig()
	for _, opt := range opts {
		opt(&cfg)
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Lock{
		client:  client,
		root:    path.Clean("/" + strings.Trim(root, "/")),
		cfg:     cfg,
		clock:   cfg.clock,
		logger:  cfg.logger.With("component", component, "root", root),
		waiters: make(map[string][]*waiter),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start creates the root node, arms the first watch and launches the refresher.
func (l *Lock) Start(ctx context.Context) error {
	if !l.started.CompareAndSwap(false, true) {
		return domain.ErrAlreadyStarted
	}

	if err := l.client.CreatePersistent(ctx, l.root); err != nil {
		l.started.Store(false)
		return l.coordinationError("start", "", err)
	}

	_, version, err := l.client.ListChildrenWithVersion(ctx, l.root)
	if err != nil {
		l.started.Store(false)
		return l.coordinationError("start", "", err)
	}
	l.lastVersion.Store(version)

	if err := l.armWatch("start"); err != nil {
		l.started.Store(false)
		return err
	}

	if l.cfg.refresher {
		l.wg.Add(1)
		go l.refresh()
	}

	l.logger.Info("distributed lock started", "version", version, "refresher", l.cfg.refresher)
	return nil
}

// Close stops the background work and wakes every blocked caller with ErrClosed.
// Held locks are not released; they disappear with the coordination session.
func (l *Lock) Close() error {
	l.closeOnce.Do(func() {
		l.cancel()
		l.wg.Wait()
	})
	return nil
}

// TryLock makes a single acquisition attempt.
func (l *Lock) TryLock(ctx context.Context, name, data string) (bool, error) {
	if err := l.checkStarted(); err != nil {
		return false, err
	}

	created, err := l.client.CreateEphemeral(ctx, l.nodePath(name), []byte(data))
	if err != nil {
		return false, l.coordinationError("try_lock", name, err)
	}
	if created {
		metrics.RecordLockAcquisition("immediate")
	}
	return created, nil
}

// Lock blocks until name is acquired, ctx is done or the lock is closed.
// A cancelled caller never ends up holding the lock.
func (l *Lock) Lock(ctx context.Context, name, data string) error {
	acquired, err := l.TryLock(ctx, name, data)
	if err != nil || acquired {
		return err
	}

	start := l.clock.Now()
	w := newWaiter(name, data)
	l.addWaiter(w)
	defer func() {
		metrics.RecordLockWait(l.clock.Since(start).Seconds())
	}()

	if err := l.attempt(ctx, w); err != nil {
		l.abandon(w)
		return err
	}

	for {
		select {
		case <-w.done:
			return nil

		case <-ctx.Done():
			return l.abandonWithCause(w, ctx.Err())

		case <-l.ctx.Done():
			return l.abandonWithCause(w, domain.ErrClosed)

		case <-l.clock.After(l.cfg.pollInterval):
			l.logger.Warn("still waiting for distributed lock",
				"lock", name,
				"waited", l.clock.Since(start))

			if err := l.attempt(ctx, w); err != nil {
				l.abandon(w)
				return err
			}
		}
	}
}

// Unlock deletes the node; releasing a name that is not held is not an error.
func (l *Lock) Unlock(ctx context.Context, name string) error {
	if _, err := l.client.Delete(ctx, l.nodePath(name)); err != nil {
		return l.coordinationError("unlock", name, err)
	}
	return nil
}

// Waiting reports how many local callers are blocked on name.
func (l *Lock) Waiting(name string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.waiters[name])
}

// attempt tries to create the node on behalf of w. It is the caller's own retry path.
func (l *Lock) attempt(ctx context.Context, w *waiter) error {
	if w.isResolved() {
		return nil
	}

	created, err := l.client.CreateEphemeral(ctx, l.nodePath(w.name), []byte(w.data))
	if err != nil {
		return l.coordinationError("lock", w.name, err)
	}
	if created {
		l.hand(ctx, w, "retry")
	}
	return nil
}

// hand marks w granted after its node was created. If w was abandoned meanwhile the
// node is deleted again so nobody holds it on its behalf.
func (l *Lock) hand(ctx context.Context, w *waiter, mode string) {
	if w.grant() {
		l.removeWaiter(w)
		metrics.RecordLockAcquisition(mode)
		return
	}

	if _, err := l.client.Delete(ctx, l.nodePath(w.name)); err != nil {
		l.logger.Error("failed to release lock acquired for an abandoned waiter", "lock", w.name, "error", err)
	}
}

func (l *Lock) abandonWithCause(w *waiter, cause error) error {
	if l.abandon(w) {
		return cause
	}

	releaseCtx, cancel := context.WithTimeout(context.Background(), l.cfg.pollInterval)
	defer cancel()
	if err := l.Unlock(releaseCtx, w.name); err != nil {
		l.logger.Error("failed to release lock granted to a cancelled caller", "lock", w.name, "error", err)
	}
	return cause
}

// abandon returns false when w had already been granted.
func (l *Lock) abandon(w *waiter) bool {
	abandoned := w.abandon()
	l.removeWaiter(w)
	return abandoned
}

func (l *Lock) addWaiter(w *waiter) {
	l.mu.Lock()
	l.waiters[w.name] = append(l.waiters[w.name], w)
	l.mu.Unlock()
	metrics.AddLockWaiters(1)
}

func (l *Lock) removeWaiter(w *waiter) {
	l.mu.Lock()
	defer l.mu.Unlock()

	queue := l.waiters[w.name]
	for i, candidate := range queue {
		if candidate == w {
			queue = append(queue[:i], queue[i+1:]...)
			metrics.AddLockWaiters(-1)
			break
		}
	}
	if len(queue) == 0 {
		delete(l.waiters, w.name)
	} else {
		l.waiters[w.name] = queue
	}
}

// heads returns the oldest unresolved waiter of each name.
func (l *Lock) heads() map[string]*waiter {
	l.mu.Lock()
	defer l.mu.Unlock()

	heads := make(map[string]*waiter, len(l.waiters))
	for name, queue := range l.waiters {
		for _, w := range queue {
			if !w.isResolved() {
				heads[name] = w
				break
			}
		}
	}
	return heads
}

// armWatch registers the child watch unless one is already pending. The coordination
// client does not deduplicate registrations on the same path.
func (l *Lock) armWatch(trigger string) error {
	if !l.armed.CompareAndSwap(false, true) {
		return nil
	}
	if err := l.client.WatchChildren(l.ctx, l.root, l.onChildrenChanged); err != nil {
		l.armed.Store(false)
		if l.ctx.Err() != nil {
			return nil
		}
		l.logger.Warn("failed to arm child watch", "trigger", trigger, "error", err)
		return l.coordinationError("watch", "", err)
	}
	metrics.RecordWatchRearm(trigger)
	return nil
}

func (l *Lock) onChildrenChanged() {
	l.armed.Store(false)
	if l.ctx.Err() != nil {
		return
	}

	_ = l.armWatch("watch")
	l.service("watch")
}

// service lists the children and re-attempts acquisition for every waiting name that is free.
func (l *Lock) service(trigger string) {
	heads := l.heads()

	children, version, err := l.client.ListChildrenWithVersion(l.ctx, l.root)
	if err != nil {
		if l.ctx.Err() == nil {
			l.logger.Warn("failed to list lock nodes", "trigger", trigger, "error", err)
		}
		return
	}
	l.lastVersion.Store(version)

	if len(heads) == 0 {
		return
	}

	present := make(map[string]struct{}, len(children))
	for _, child := range children {
		present[child] = struct{}{}
	}

	for name, w := range heads {
		if _, held := present[name]; held {
			continue
		}

		created, err := l.client.CreateEphemeral(l.ctx, l.nodePath(name), []byte(w.data))
		if err != nil {
			l.logger.Warn("failed to acquire lock for waiter", "lock", name, "trigger", trigger, "error", err)
			continue
		}
		if created {
			l.logger.Debug("lock handed to waiter", "lock", name, "trigger", trigger)
			l.hand(l.ctx, w, trigger)
		}
	}
}

// refresh is the safety net for lost watch notifications.
func (l *Lock) refresh() {
	defer l.wg.Done()

	select {
	case <-l.ctx.Done():
		return
	case <-l.clock.After(l.cfg.refreshDelay):
	}

	ticker := l.clock.NewTicker(l.cfg.refreshInterval)
	defer ticker.Stop()

	for {
		l.checkVersion()

		select {
		case <-l.ctx.Done():
			return
		case <-ticker.Chan():
		}
	}
}

func (l *Lock) checkVersion() {
	version, err := l.client.CurrentVersion(l.ctx, l.root)
	if err != nil {
		if l.ctx.Err() == nil {
			l.logger.Warn("failed to read lock root version", "error", err)
		}
		return
	}

	last := l.lastVersion.Load()
	if version == last {
		return
	}

	l.logger.Debug("lock root changed without notification", "last_version", last, "version", version)
	l.lastVersion.Store(version)
	_ = l.armWatch("refresh")
	l.service("refresh")
}

func (l *Lock) checkStarted() error {
	if !l.started.Load() {
		return domain.NewCoordinationError("distributed lock not started", domain.ErrNotStarted,
			domain.WithComponent(component))
	}
	if l.ctx.Err() != nil {
		return domain.NewCoordinationError("distributed lock closed", domain.ErrClosed,
			domain.WithComponent(component))
	}
	return nil
}

func (l *Lock) nodePath(name string) string {
	return path.Join(l.root, name)
}

func (l *Lock) coordinationError(op, name string, err error) error {
	if domain.IsConnection(err) {
		return err
	}
	return domain.NewCoordinationError("distributed lock operation failed", err,
		domain.WithComponent(component),
		domain.WithOperation(op),
		domain.WithContextDetail("lock", name))
}

// PollInterval is exposed for callers that size their own timeouts around Lock.
func (l *Lock) PollInterval() time.Duration {
	return l.cfg.pollInterval
}
