package worker

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type workerConnector struct {
	name      string
	connector ports.Connector
	connCtx   ports.ConnectorContext
	listener  ports.ConnectorStatusListener
	loader    ports.PluginLoader
	logger    *slog.Logger

	mu    sync.Mutex
	props map[string]string
	state domain.LifecycleState
}

func newWorkerConnector(name string, connector ports.Connector, connCtx ports.ConnectorContext, listener ports.ConnectorStatusListener, loader ports.PluginLoader, logger *slog.Logger) *workerConnector {
	return &workerConnector{
		name:      name,
		connector: connector,
		connCtx:   connCtx,
		listener:  listener,
		loader:    loader,
		logger:    logger.With("connector", name),
		state:     domain.LifecycleInit,
	}
}

// initialize must run inside the connector's loader.
func (c *workerConnector) initialize(cfg *domain.ConnectorConfig) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.props = domain.CopyProps(cfg.Originals)
	c.connector.Initialize(c.connCtx)
}

// apply moves the connector to target and must run inside its loader. A failed connector
// stays failed.
func (c *workerConnector) apply(ctx context.Context, target domain.TargetState) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state == domain.LifecycleFailed {
		c.logger.Warn("cannot transition failed connector", "target", target)
		return nil
	}

	switch target {
	case domain.TargetStateStarted:
		if c.state == domain.LifecycleStarted {
			return nil
		}
		resuming := c.state == domain.LifecyclePaused
		if err := c.connector.Start(ctx, domain.CopyProps(c.props)); err != nil {
			c.state = domain.LifecycleFailed
			return err
		}
		c.state = domain.LifecycleStarted
		if resuming {
			c.listener.OnResume(c.name)
		} else {
			c.listener.OnStartup(c.name)
		}

	case domain.TargetStatePaused:
		if c.state == domain.LifecyclePaused {
			return nil
		}
		if c.state == domain.LifecycleStarted {
			if err := c.connector.Stop(); err != nil {
				c.state = domain.LifecycleFailed
				return err
			}
		}
		c.state = domain.LifecyclePaused
		c.listener.OnPause(c.name)

	default:
		return domain.NewValidationError("unknown target state", domain.ErrInvalidInput,
			domain.WithComponent("worker.workerConnector"),
			domain.WithContextDetail("target_state", string(target)))
	}
	return nil
}

// transitionTo applies target inside the loader and reports failures to the listener.
func (c *workerConnector) transitionTo(ctx context.Context, target domain.TargetState) {
	err := c.loader.Run(ctx, func(ctx context.Context) error {
		return c.apply(ctx, target)
	})
	if err != nil {
		c.logger.Error("connector state transition failed", "target", target, "error", err)
		c.markFailed()
		c.listener.OnFailure(c.name, err)
	}
}

func (c *workerConnector) markFailed() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state = domain.LifecycleFailed
}

// shutdown must run inside the connector's loader.
func (c *workerConnector) shutdown() {
	c.mu.Lock()
	wasStarted := c.state == domain.LifecycleStarted
	c.state = domain.LifecycleStopped
	c.mu.Unlock()

	if wasStarted {
		if err := c.connector.Stop(); err != nil {
			c.logger.Error("error while stopping connector", "error", err)
			c.listener.OnFailure(c.name, err)
			return
		}
	}
	c.listener.OnShutdown(c.name)
}

func (c *workerConnector) isRunning() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state == domain.LifecycleStarted
}

func (c *workerConnector) lifecycle() domain.LifecycleState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// StartConnector instantiates, initializes and moves a connector to initialState. Any
// failure is reported to listener and nothing is registered.
func (w *Worker) StartConnector(ctx context.Context, name string, props map[string]string, connCtx ports.ConnectorContext, listener ports.ConnectorStatusListener, initialState domain.TargetState) error {
	if listener == nil {
		listener = noopConnectorListener{}
	}
	if err := w.checkStarted("worker.StartConnector"); err != nil {
		return err
	}
	if w.hasConnector(name) {
		return domain.NewAlreadyExistsError("connector", name, domain.WithComponent("worker.StartConnector"))
	}

	wc, err := w.buildConnector(ctx, name, props, connCtx, listener, initialState)
	if err != nil {
		w.logger.Error("failed to start connector", "connector", name, "error", err)
		metrics.RecordStartFailure(w.workerID, "connector")
		listener.OnFailure(name, err)
		return domain.NewPluginError(fmt.Sprintf("failed to start connector %s", name), err,
			domain.WithComponent("worker.StartConnector"),
			domain.WithWorkerID(w.workerID),
			domain.WithContextDetail("connector", name))
	}

	w.mu.Lock()
	if _, exists := w.connectors[name]; exists {
		w.mu.Unlock()
		_ = wc.loader.Run(w.runContext(), func(context.Context) error {
			wc.shutdown()
			return nil
		})
		return domain.NewAlreadyExistsError("connector", name, domain.WithComponent("worker.StartConnector"))
	}
	w.connectors[name] = wc
	w.mu.Unlock()

	w.recordCounts()
	w.logger.Info("finished creating connector", "connector", name)
	return nil
}

func (w *Worker) buildConnector(ctx context.Context, name string, props map[string]string, connCtx ports.ConnectorContext, listener ports.ConnectorStatusListener, initialState domain.TargetState) (*workerConnector, error) {
	cfg, err := domain.ParseConnectorConfig(props)
	if err != nil {
		return nil, err
	}

	w.logger.Info("creating connector", "connector", name, "class", cfg.Class)
	connector, err := w.plugins.NewConnector(ctx, cfg.Class)
	if err != nil {
		return nil, err
	}

	loader, err := w.plugins.LoaderFor(cfg.Class)
	if err != nil {
		return nil, err
	}

	wc := newWorkerConnector(name, connector, connCtx, listener, loader, w.logger)
	err = loader.Run(w.runContext(), func(ctx context.Context) error {
		wc.initialize(cfg)
		return wc.apply(ctx, initialState)
	})
	if err != nil {
		return nil, err
	}
	return wc, nil
}

// StopConnector removes the connector and shuts it down. Unknown names return false.
func (w *Worker) StopConnector(name string) bool {
	w.logger.Info("stopping connector", "connector", name)

	w.mu.Lock()
	wc, ok := w.connectors[name]
	delete(w.connectors, name)
	w.mu.Unlock()

	if !ok {
		w.logger.Warn("ignoring stop request for unowned connector", "connector", name)
		return false
	}

	err := wc.loader.Run(w.runContext(), func(context.Context) error {
		wc.shutdown()
		return nil
	})
	if err != nil {
		w.logger.Error("connector shutdown failed", "connector", name, "error", err)
		wc.listener.OnFailure(name, err)
	}

	w.recordCounts()
	w.logger.Info("stopped connector", "connector", name)
	return true
}

// ConnectorTaskConfigs asks the connector to partition its work into at most maxTasks
// task configs. sinkTopics, when non-nil, is written into every config.
func (w *Worker) ConnectorTaskConfigs(name string, maxTasks int, sinkTopics []string) ([]map[string]string, error) {
	wc, err := w.connector(name)
	if err != nil {
		return nil, err
	}

	var result []map[string]string
	err = wc.loader.Run(w.runContext(), func(context.Context) error {
		taskClass := wc.connector.TaskClass()
		configs, err := wc.connector.TaskConfigs(maxTasks)
		if err != nil {
			return err
		}

		result = make([]map[string]string, 0, len(configs))
		for _, props := range configs {
			taskConfig := domain.CopyProps(props)
			taskConfig[domain.TaskClassConfig] = taskClass
			if sinkTopics != nil {
				taskConfig[domain.TopicsConfig] = strings.Join(sinkTopics, ",")
			}
			result = append(result, taskConfig)
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewPluginError(fmt.Sprintf("connector %s failed to generate task configs", name), err,
			domain.WithComponent("worker.ConnectorTaskConfigs"),
			domain.WithContextDetail("connector", name))
	}
	return result, nil
}

func (w *Worker) IsRunning(name string) bool {
	w.mu.RLock()
	wc, ok := w.connectors[name]
	w.mu.RUnlock()
	return ok && wc.isRunning()
}

func (w *Worker) IsSinkConnector(name string) (bool, error) {
	wc, err := w.connector(name)
	if err != nil {
		return false, err
	}

	var sink bool
	err = wc.loader.Run(w.runContext(), func(context.Context) error {
		sink = wc.connector.Kind() == ports.ConnectorKindSink
		return nil
	})
	return sink, err
}

// ConnectorState reports the lifecycle state of a connector running on this worker.
func (w *Worker) ConnectorState(name string) (domain.LifecycleState, bool) {
	w.mu.RLock()
	wc, ok := w.connectors[name]
	w.mu.RUnlock()
	if !ok {
		return "", false
	}
	return wc.lifecycle(), true
}

func (w *Worker) hasConnector(name string) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.connectors[name]
	return ok
}

func (w *Worker) connector(name string) (*workerConnector, error) {
	w.mu.RLock()
	defer w.mu.RUnlock()

	wc, ok := w.connectors[name]
	if !ok {
		return nil, domain.NewNotFoundError("connector", name, domain.WithWorkerID(w.workerID))
	}
	return wc, nil
}

type noopConnectorListener struct{}

func (noopConnectorListener) OnStartup(string)        {}
func (noopConnectorListener) OnPause(string)          {}
func (noopConnectorListener) OnResume(string)         {}
func (noopConnectorListener) OnFailure(string, error) {}
func (noopConnectorListener) OnShutdown(string)       {}
