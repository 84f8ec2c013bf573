package ports

import "context"

// CoordinationClient is the narrow view of a hierarchical coordination service.
//
// Paths are slash separated. Ephemeral nodes live as long as the client session.
// A child-set version increases every time a direct child is created or deleted.
type CoordinationClient interface {
	CreatePersistent(ctx context.Context, path string) error

	// CreateEphemeral returns false with a nil error when the node already exists.
	CreateEphemeral(ctx context.Context, path string, data []byte) (bool, error)

	// Delete returns true when the node was removed or was already absent.
	Delete(ctx context.Context, path string) (bool, error)

	ListChildrenWithVersion(ctx context.Context, path string) ([]string, int64, error)

	// WatchChildren registers a one-shot watch. The callback runs at most once, on the
	// next change of the child set, and must re-register to keep observing.
	WatchChildren(ctx context.Context, path string, callback func()) error

	CurrentVersion(ctx context.Context, path string) (int64, error)

	Close() error
}
