package ports

import "context"

// Lock is a named, non-reentrant, cross-process mutual exclusion primitive.
type Lock interface {
	Lock(ctx context.Context, name, data string) error
	TryLock(ctx context.Context, name, data string) (bool, error)
	Unlock(ctx context.Context, name string) error
}
