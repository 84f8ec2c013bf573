package etcd

import (
	"context"
	"errors"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.etcd.io/etcd/api/v3/mvccpb"
	"go.etcd.io/etcd/api/v3/v3rpc/rpctypes"
	etcd "go.etcd.io/etcd/client/v3"
	"go.etcd.io/etcd/client/v3/concurrency"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"google.golang.org/grpc"
	grpcBackoff "google.golang.org/grpc/backoff"

	"github.com/eleven-am/conduit/internal/domain"
)

const component = "coordination.etcd"

const (
	childCountBits = 20
	childCountMask = 1<<childCountBits - 1
)

// Client maps the coordination model onto etcd keys. A node is a key equal to its
// path; ephemeral nodes are attached to the lease of a session that is re-created
// with backoff whenever it expires. Versions are derived from the children, see directChildren.
type Client struct {
	client *etcd.Client
	owned  bool
	ttl    time.Duration
	logger *slog.Logger

	mu       sync.RWMutex
	session  *concurrency.Session
	lastRevs map[string]int64

	ctx     context.Context
	cancel  context.CancelFunc
	closing atomic.Bool
	wg      sync.WaitGroup
}

// New connects to the cluster described by cfg and waits for the first session.
func New(ctx context.Context, cfg domain.LockConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("component", "etcd-client")

	if len(cfg.Endpoints) == 0 {
		return nil, domain.NewConfigurationError("etcd endpoints are required", domain.NewConfigError("lock.endpoints", domain.ErrInvalidConfig),
			domain.WithComponent(component))
	}

	dialTimeout := cfg.DialTimeout
	if dialTimeout <= 0 {
		dialTimeout = domain.DefaultLockDialTimeout
	}
	ttl := cfg.SessionTTL
	if ttl < time.Second {
		ttl = domain.DefaultLockSessionTTL
	}

	startTime := time.Now()
	logger.Info("connecting to etcd", "endpoints", strings.Join(cfg.Endpoints, ";"), "dial_timeout", dialTimeout)

	raw, err := etcd.New(etcd.Config{
		Context:             context.Background(),
		Endpoints:           cfg.Endpoints,
		DialTimeout:         dialTimeout,
		Username:            cfg.Username,
		Password:            cfg.Password,
		Logger:              newZapBridge(logger),
		PermitWithoutStream: true,
		DialOptions: []grpc.DialOption{
			grpc.WithConnectParams(grpc.ConnectParams{
				Backoff: grpcBackoff.Config{
					BaseDelay:  100 * time.Millisecond,
					Multiplier: 1.5,
					Jitter:     0.2,
					MaxDelay:   15 * time.Second,
				},
				MinConnectTimeout: dialTimeout,
			}),
		},
	})
	if err != nil {
		return nil, domain.NewCoordinationError("cannot create etcd client", err, domain.WithComponent(component))
	}

	connectCtx, connectCancel := context.WithTimeout(ctx, dialTimeout)
	defer connectCancel()
	if _, err := raw.MemberList(connectCtx); err != nil {
		_ = raw.Close()
		return nil, domain.NewCoordinationError("cannot get etcd cluster members", err, domain.WithComponent(component))
	}

	c := newClient(raw, ttl, logger)
	c.owned = true
	if err := c.startSession(ctx); err != nil {
		_ = raw.Close()
		return nil, err
	}

	logger.Info("connected to etcd", "elapsed", time.Since(startTime))
	return c, nil
}

// NewFromClient wraps an existing etcd client; the caller keeps ownership of raw.
func NewFromClient(ctx context.Context, raw *etcd.Client, ttl time.Duration, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	c := newClient(raw, ttl, logger.With("component", "etcd-client"))
	if err := c.startSession(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func newClient(raw *etcd.Client, ttl time.Duration, logger *slog.Logger) *Client {
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		client:   raw,
		ttl:      ttl,
		logger:   logger,
		lastRevs: make(map[string]int64),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// startSession creates the first session synchronously, then keeps re-creating it in the background.
func (c *Client) startSession(ctx context.Context) error {
	session, err := concurrency.NewSession(c.client, concurrency.WithTTL(ttlSeconds(c.ttl)))
	if err != nil {
		return domain.NewCoordinationError("cannot create etcd session", err, domain.WithComponent(component))
	}
	if _, err := c.client.KeepAliveOnce(ctx, session.Lease()); err != nil {
		_ = session.Close()
		return domain.NewCoordinationError("etcd session keep-alive failed", err, domain.WithComponent(component))
	}

	c.mu.Lock()
	c.session = session
	c.mu.Unlock()

	c.wg.Add(1)
	go c.keepSession(session)
	return nil
}

func (c *Client) keepSession(session *concurrency.Session) {
	defer c.wg.Done()

	b := newSessionBackoff()
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-session.Done():
		}
		if c.closing.Load() {
			return
		}

		c.logger.Warn("etcd session expired, ephemeral nodes were released", "lease", session.Lease())
		c.mu.Lock()
		c.session = nil
		c.mu.Unlock()

		for {
			delay := b.NextBackOff()
			select {
			case <-c.ctx.Done():
				return
			case <-time.After(delay):
			}

			next, err := concurrency.NewSession(c.client, concurrency.WithTTL(ttlSeconds(c.ttl)))
			if err != nil {
				c.logger.Error("cannot re-create etcd session", "error", err, "backoff", delay)
				continue
			}
			b.Reset()
			session = next
			c.mu.Lock()
			c.session = next
			c.mu.Unlock()
			c.logger.Info("re-created etcd session", "lease", next.Lease())
			break
		}
	}
}

func (c *Client) lease() (etcd.LeaseID, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.session == nil {
		return 0, domain.NewCoordinationError("etcd session unavailable", nil, domain.WithComponent(component))
	}
	return c.session.Lease(), nil
}

func (c *Client) CreatePersistent(ctx context.Context, path string) error {
	key := normalize(path)
	_, err := c.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, "")).
		Commit()
	if err != nil {
		return c.wrap("create_persistent", path, err)
	}
	return nil
}

func (c *Client) CreateEphemeral(ctx context.Context, path string, data []byte) (bool, error) {
	lease, err := c.lease()
	if err != nil {
		return false, err
	}

	key := normalize(path)
	resp, err := c.client.Txn(ctx).
		If(etcd.Compare(etcd.CreateRevision(key), "=", 0)).
		Then(etcd.OpPut(key, string(data), etcd.WithLease(lease))).
		Commit()
	if err != nil {
		return false, c.wrap("create_ephemeral", path, err)
	}
	return resp.Succeeded, nil
}

func (c *Client) Delete(ctx context.Context, path string) (bool, error) {
	if _, err := c.client.Delete(ctx, normalize(path)); err != nil {
		return false, c.wrap("delete", path, err)
	}
	return true, nil
}

// ListChildrenWithVersion reports a version scoped to the direct children of path, so
// writes elsewhere in the store do not look like child changes.
func (c *Client) ListChildrenWithVersion(ctx context.Context, path string) ([]string, int64, error) {
	dir := normalize(path)
	resp, err := c.client.Get(ctx, dir+"/", etcd.WithPrefix(), etcd.WithKeysOnly())
	if err != nil {
		return nil, 0, c.wrap("list_children", path, err)
	}

	children, version := directChildren(dir, resp.Kvs)

	c.mu.Lock()
	c.lastRevs[dir] = resp.Header.Revision
	c.mu.Unlock()

	return children, version, nil
}

// WatchChildren starts right after the last listed revision of path, so a change made between
// listing and registering still fires the watch.
func (c *Client) WatchChildren(ctx context.Context, path string, callback func()) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	dir := normalize(path)
	opts := []etcd.OpOption{etcd.WithPrefix()}
	c.mu.RLock()
	if rev, ok := c.lastRevs[dir]; ok {
		opts = append(opts, etcd.WithRev(rev+1))
	}
	c.mu.RUnlock()

	watchCtx, cancel := context.WithCancel(c.ctx)
	ch := c.client.Watch(etcd.WithRequireLeader(watchCtx), dir+"/", opts...)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer cancel()

		for resp := range ch {
			if err := resp.Err(); err != nil {
				if errors.Is(err, rpctypes.ErrCompacted) {
					// The next watch must not start from a compacted revision.
					c.mu.Lock()
					delete(c.lastRevs, dir)
					c.mu.Unlock()
				}
				c.logger.Warn("child watch interrupted", "path", dir, "error", err)
				callback()
				return
			}
			for _, ev := range resp.Events {
				rest := strings.TrimPrefix(string(ev.Kv.Key), dir+"/")
				if rest != "" && !strings.Contains(rest, "/") {
					callback()
					return
				}
			}
		}
	}()
	return nil
}

func (c *Client) CurrentVersion(ctx context.Context, path string) (int64, error) {
	dir := normalize(path)
	resp, err := c.client.Get(ctx, dir+"/", etcd.WithPrefix(), etcd.WithKeysOnly())
	if err != nil {
		return 0, c.wrap("current_version", path, err)
	}
	_, version := directChildren(dir, resp.Kvs)
	return version, nil
}

// Close revokes the session lease, which deletes every ephemeral node of this client.
func (c *Client) Close() error {
	if !c.closing.CompareAndSwap(false, true) {
		return nil
	}

	c.mu.Lock()
	session := c.session
	c.session = nil
	c.mu.Unlock()

	var err error
	if session != nil {
		err = session.Close()
	}
	c.cancel()
	c.wg.Wait()

	if c.owned {
		if closeErr := c.client.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}

	if err != nil {
		return c.wrap("close", "", err)
	}
	return nil
}

// Raw exposes the underlying etcd client.
func (c *Client) Raw() *etcd.Client {
	return c.client
}

func (c *Client) wrap(op, path string, err error) error {
	return domain.NewCoordinationError("etcd operation failed", err,
		domain.WithComponent(component),
		domain.WithOperation(op),
		domain.WithContextDetail("path", path))
}

// directChildren filters kvs down to the direct children of dir. The version combines the
// newest ModRevision with the child count: a create raises the first, a delete lowers the
// second. It is only meaningful for equality checks.
func directChildren(dir string, kvs []*mvccpb.KeyValue) ([]string, int64) {
	children := make([]string, 0, len(kvs))
	var newest int64
	for _, kv := range kvs {
		rest := strings.TrimPrefix(string(kv.Key), dir+"/")
		if rest == "" || strings.Contains(rest, "/") {
			continue
		}
		children = append(children, rest)
		if kv.ModRevision > newest {
			newest = kv.ModRevision
		}
	}
	return children, newest<<childCountBits | int64(len(children))&childCountMask
}

func normalize(path string) string {
	path = strings.TrimRight(path, "/")
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return path
}

func ttlSeconds(ttl time.Duration) int {
	seconds := int(ttl / time.Second)
	if seconds < 1 {
		seconds = 1
	}
	return seconds
}

func newSessionBackoff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.RandomizationFactor = 0.2
	b.InitialInterval = 50 * time.Millisecond
	b.Multiplier = 2
	b.MaxInterval = 1 * time.Minute
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// newZapBridge forwards warnings and errors of the etcd client into the slog logger.
func newZapBridge(logger *slog.Logger) *zap.Logger {
	encoder := zapcore.NewJSONEncoder(zap.NewProductionEncoderConfig())
	core := zapcore.NewCore(encoder, zapcore.AddSync(slogWriter{logger: logger}), zapcore.WarnLevel)
	return zap.New(core)
}

type slogWriter struct {
	logger *slog.Logger
}

func (w slogWriter) Write(p []byte) (int, error) {
	w.logger.Warn("etcd client", "entry", strings.TrimRight(string(p), "\n"))
	return len(p), nil
}
