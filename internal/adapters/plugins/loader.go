package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type loaderKey struct{}

// Loader is the isolated execution context of one plugin group. Calls into plugin code go
// through Run, which scopes the loader into the context and turns panics into plugin errors.
type Loader struct {
	name   string
	logger *slog.Logger
}

func NewLoader(name string, logger *slog.Logger) *Loader {
	if logger == nil {
		logger = slog.Default()
	}
	return &Loader{
		name:   name,
		logger: logger.With("component", "plugin-loader", "loader", name),
	}
}

func (l *Loader) Name() string {
	return l.name
}

func (l *Loader) Run(ctx context.Context, fn func(ctx context.Context) error) (err error) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("plugin panicked", "panic", r, "stack", string(debug.Stack()))
			err = domain.NewPluginError(
				fmt.Sprintf("plugin code in loader %s panicked", l.name),
				fmt.Errorf("panic: %v", r),
				domain.WithComponent("plugins.Loader"),
				domain.WithContextDetail("loader", l.name),
			)
		}
	}()

	return fn(WithLoader(ctx, l))
}

// WithLoader returns a context carrying the active loader.
func WithLoader(ctx context.Context, loader ports.PluginLoader) context.Context {
	return context.WithValue(ctx, loaderKey{}, loader)
}

// LoaderFrom returns the loader active in ctx, if any.
func LoaderFrom(ctx context.Context) (ports.PluginLoader, bool) {
	loader, ok := ctx.Value(loaderKey{}).(ports.PluginLoader)
	return loader, ok && loader != nil
}
