package ports

import "context"

// PluginLoader is the isolated execution context a plugin class runs in.
type PluginLoader interface {
	Name() string
	Run(ctx context.Context, fn func(ctx context.Context) error) error
}

type PluginRegistry interface {
	LoaderFor(class string) (PluginLoader, error)
	DelegatingLoader() PluginLoader

	NewConnector(ctx context.Context, class string) (Connector, error)
	NewTask(ctx context.Context, class string) (Task, error)
	NewConverter(ctx context.Context, class string) (Converter, error)
	NewTransformation(ctx context.Context, typ string) (Transformation, error)

	ConnectorClasses() []string
}
