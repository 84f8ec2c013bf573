package plugins

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const DelegatingLoaderName = "delegating"

type (
	ConnectorFactory      func() ports.Connector
	TaskFactory           func() ports.Task
	ConverterFactory      func() ports.Converter
	TransformationFactory func() ports.Transformation
)

type entry[T any] struct {
	loader  *Loader
	factory func() T
}

type RegisterOption func(*registerOptions)

type registerOptions struct {
	loader string
}

// InLoader groups a class with every other class registered under the same loader name.
func InLoader(name string) RegisterOption {
	return func(o *registerOptions) {
		o.loader = name
	}
}

// Registry maps plugin class names to factories and the loader each class runs in.
type Registry struct {
	mu              sync.RWMutex
	connectors      map[string]entry[ports.Connector]
	tasks           map[string]entry[ports.Task]
	converters      map[string]entry[ports.Converter]
	transformations map[string]entry[ports.Transformation]
	loaders         map[string]*Loader
	delegating      *Loader
	logger          *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}

	return &Registry{
		connectors:      make(map[string]entry[ports.Connector]),
		tasks:           make(map[string]entry[ports.Task]),
		converters:      make(map[string]entry[ports.Converter]),
		transformations: make(map[string]entry[ports.Transformation]),
		loaders:         make(map[string]*Loader),
		delegating:      NewLoader(DelegatingLoaderName, logger),
		logger:          logger.With("component", "plugin-registry"),
	}
}

func (r *Registry) RegisterConnector(class string, factory ConnectorFactory, opts ...RegisterOption) error {
	if factory == nil {
		return r.invalidFactory("connector", class)
	}
	return register(r, r.connectors, "connector", class, func() ports.Connector { return factory() }, opts)
}

func (r *Registry) RegisterTask(class string, factory TaskFactory, opts ...RegisterOption) error {
	if factory == nil {
		return r.invalidFactory("task", class)
	}
	return register(r, r.tasks, "task", class, func() ports.Task { return factory() }, opts)
}

func (r *Registry) RegisterConverter(class string, factory ConverterFactory, opts ...RegisterOption) error {
	if factory == nil {
		return r.invalidFactory("converter", class)
	}
	return register(r, r.converters, "converter", class, func() ports.Converter { return factory() }, opts)
}

func (r *Registry) RegisterTransformation(typ string, factory TransformationFactory, opts ...RegisterOption) error {
	if factory == nil {
		return r.invalidFactory("transformation", typ)
	}
	return register(r, r.transformations, "transformation", typ, func() ports.Transformation { return factory() }, opts)
}

func (r *Registry) invalidFactory(kind, class string) error {
	return domain.NewValidationError(
		fmt.Sprintf("%s factory for %q cannot be nil", kind, class),
		domain.ErrInvalidInput,
		domain.WithComponent("plugins.Registry"),
	)
}

func register[T any](r *Registry, table map[string]entry[T], kind, class string, factory func() T, opts []RegisterOption) error {
	if class == "" {
		return domain.NewValidationError(
			fmt.Sprintf("%s class cannot be empty", kind),
			domain.ErrInvalidInput,
			domain.WithComponent("plugins.Registry"),
		)
	}

	options := registerOptions{loader: class}
	for _, opt := range opts {
		opt(&options)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := table[class]; exists {
		return domain.NewAlreadyExistsError(kind+" class", class, domain.WithComponent("plugins.Registry"))
	}

	loader, ok := r.loaders[options.loader]
	if !ok {
		loader = NewLoader(options.loader, r.logger)
		r.loaders[options.loader] = loader
	}

	table[class] = entry[T]{loader: loader, factory: factory}
	r.logger.Debug("registered plugin", "kind", kind, "class", class, "loader", loader.Name())
	return nil
}

// LoaderFor returns the loader a class was registered under.
func (r *Registry) LoaderFor(class string) (ports.PluginLoader, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if e, ok := r.connectors[class]; ok {
		return e.loader, nil
	}
	if e, ok := r.tasks[class]; ok {
		return e.loader, nil
	}
	if e, ok := r.converters[class]; ok {
		return e.loader, nil
	}
	if e, ok := r.transformations[class]; ok {
		return e.loader, nil
	}
	return nil, domain.NewNotFoundError("plugin class", class, domain.WithComponent("plugins.Registry"))
}

func (r *Registry) DelegatingLoader() ports.PluginLoader {
	return r.delegating
}

func (r *Registry) NewConnector(ctx context.Context, class string) (ports.Connector, error) {
	r.mu.RLock()
	e, ok := r.connectors[class]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("connector class", class, domain.WithComponent("plugins.Registry"))
	}
	return instantiate(ctx, e, "connector", class)
}

func (r *Registry) NewTask(ctx context.Context, class string) (ports.Task, error) {
	r.mu.RLock()
	e, ok := r.tasks[class]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("task class", class, domain.WithComponent("plugins.Registry"))
	}
	return instantiate(ctx, e, "task", class)
}

func (r *Registry) NewConverter(ctx context.Context, class string) (ports.Converter, error) {
	r.mu.RLock()
	e, ok := r.converters[class]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("converter class", class, domain.WithComponent("plugins.Registry"))
	}
	return instantiate(ctx, e, "converter", class)
}

func (r *Registry) NewTransformation(ctx context.Context, typ string) (ports.Transformation, error) {
	r.mu.RLock()
	e, ok := r.transformations[typ]
	r.mu.RUnlock()
	if !ok {
		return nil, domain.NewNotFoundError("transformation type", typ, domain.WithComponent("plugins.Registry"))
	}
	return instantiate(ctx, e, "transformation", typ)
}

func instantiate[T any](ctx context.Context, e entry[T], kind, class string) (T, error) {
	var (
		instance T
		created  bool
	)

	err := e.loader.Run(ctx, func(context.Context) error {
		instance = e.factory()
		created = any(instance) != nil
		return nil
	})
	if err != nil {
		var zero T
		return zero, err
	}
	if !created {
		var zero T
		return zero, domain.NewPluginError(
			fmt.Sprintf("%s factory for %s returned nil", kind, class),
			nil,
			domain.WithComponent("plugins.Registry"),
			domain.WithContextDetail("class", class),
		)
	}
	return instance, nil
}

func (r *Registry) ConnectorClasses() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	classes := make([]string, 0, len(r.connectors))
	for class := range r.connectors {
		classes = append(classes, class)
	}
	sort.Strings(classes)
	return classes
}

func (r *Registry) HasConnector(class string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()

	_, ok := r.connectors[class]
	return ok
}
