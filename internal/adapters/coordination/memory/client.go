package memory

import (
	"context"
	"sync/atomic"

	"github.com/eleven-am/conduit/internal/domain"
)

// Client is one session on a Server and implements ports.CoordinationClient.
type Client struct {
	server  *Server
	session int64
	closed  atomic.Bool
}

func (c *Client) SessionID() int64 {
	return c.session
}

func (c *Client) CreatePersistent(ctx context.Context, path string) error {
	if err := c.check(ctx); err != nil {
		return err
	}
	return c.server.createPersistent(clean(path))
}

func (c *Client) CreateEphemeral(ctx context.Context, path string, data []byte) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	return c.server.createEphemeral(c.session, clean(path), data)
}

func (c *Client) Delete(ctx context.Context, path string) (bool, error) {
	if err := c.check(ctx); err != nil {
		return false, err
	}
	return c.server.delete(clean(path))
}

func (c *Client) ListChildrenWithVersion(ctx context.Context, path string) ([]string, int64, error) {
	if err := c.check(ctx); err != nil {
		return nil, 0, err
	}
	return c.server.listChildren(clean(path))
}

func (c *Client) WatchChildren(ctx context.Context, path string, callback func()) error {
	if err := c.check(ctx); err != nil {
		return err
	}

	return c.server.watchChildren(clean(path), func() {
		if !c.closed.Load() {
			callback()
		}
	})
}

func (c *Client) CurrentVersion(ctx context.Context, path string) (int64, error) {
	if err := c.check(ctx); err != nil {
		return 0, err
	}
	return c.server.currentVersion(clean(path))
}

// Close ends the session and removes every ephemeral node it created.
func (c *Client) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.server.expireSession(c.session)
	return nil
}

func (c *Client) check(ctx context.Context) error {
	if c.closed.Load() {
		return domain.NewCoordinationError("session closed", domain.ErrClosed,
			domain.WithComponent("coordination.memory"),
			domain.WithContextDetail("session", c.session))
	}
	return ctx.Err()
}
