package worker

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Deps are the collaborators a Worker runs connectors and tasks against.
type Deps struct {
	Plugins   ports.PluginRegistry
	Offsets   ports.OffsetBackingStore
	Producers ports.ProducerFactory
	Consumers ports.ConsumerFactory
	// Lock is handed to source tasks when the worker config enables locking.
	Lock   ports.Lock
	Clock  clockwork.Clock
	Logger *slog.Logger
}

// Worker runs the connectors and tasks assigned to this process. Every call into plugin
// code happens inside the plugin's loader.
type Worker struct {
	config      *domain.WorkerConfig
	workerID    string
	plugins     ports.PluginRegistry
	offsetStore ports.OffsetBackingStore
	producers   ports.ProducerFactory
	consumers   ports.ConsumerFactory
	lock        ports.Lock
	clock       clockwork.Clock
	logger      *slog.Logger

	defaultKeyConverter    ports.Converter
	defaultValueConverter  ports.Converter
	internalKeyConverter   ports.Converter
	internalValueConverter ports.Converter
	producerProps          map[string]string

	mu         sync.RWMutex
	started    bool
	connectors map[string]*workerConnector
	tasks      map[domain.TaskID]*workerTask

	// Rebuilt by Start after a Stop.
	ctx       context.Context
	cancel    context.CancelFunc
	committer *offsetCommitter
}

func New(cfg *domain.WorkerConfig, deps Deps) (*Worker, error) {
	if cfg == nil {
		return nil, domain.NewConfigurationError("worker config is required", domain.ErrInvalidConfig,
			domain.WithComponent("worker.New"))
	}
	if cfg.Logger == nil && deps.Logger != nil {
		cfg.Logger = deps.Logger
	}
	if err := cfg.Validate(); err != nil {
		return nil, domain.NewConfigurationError("invalid worker config", err,
			domain.WithComponent("worker.New"))
	}
	if deps.Plugins == nil || deps.Offsets == nil {
		return nil, domain.NewConfigurationError("plugin registry and offset store are required", domain.ErrInvalidConfig,
			domain.WithComponent("worker.New"))
	}
	if cfg.Lock.Enabled && deps.Lock == nil {
		return nil, domain.NewConfigurationError("task locking is enabled but no lock was provided",
			domain.NewConfigError("lock.enabled", domain.ErrInvalidConfig),
			domain.WithComponent("worker.New"))
	}

	logger := deps.Logger
	if logger == nil {
		logger = cfg.Logger
	}
	if logger == nil {
		logger = slog.Default()
	}
	clock := deps.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	ctx, cancel := context.WithCancel(context.Background())
	w := &Worker{
		config:      cfg,
		workerID:    cfg.WorkerID,
		plugins:     deps.Plugins,
		offsetStore: deps.Offsets,
		producers:   deps.Producers,
		consumers:   deps.Consumers,
		clock:       clock,
		logger:      logger.With("component", "worker", "worker_id", cfg.WorkerID),
		ctx:         ctx,
		cancel:      cancel,
		connectors:  make(map[string]*workerConnector),
		tasks:       make(map[domain.TaskID]*workerTask),
	}
	if cfg.Lock.Enabled {
		w.lock = deps.Lock
	}

	converters := []struct {
		target *ports.Converter
		config domain.ConverterConfig
		isKey  bool
	}{
		{&w.defaultKeyConverter, cfg.KeyConverter, true},
		{&w.defaultValueConverter, cfg.ValueConverter, false},
		{&w.internalKeyConverter, cfg.InternalKeyConverter, true},
		{&w.internalValueConverter, cfg.InternalValueConverter, false},
	}
	for _, c := range converters {
		conv, err := w.newConverter(ctx, c.config, c.isKey)
		if err != nil {
			cancel()
			return nil, err
		}
		*c.target = conv
	}

	w.producerProps = buildProducerProps(cfg)
	w.committer = newOffsetCommitter(cfg.OffsetFlushInterval, clock, w.workerID, w.logger)
	return w, nil
}

func buildProducerProps(cfg *domain.WorkerConfig) map[string]string {
	props := map[string]string{
		"bootstrap.servers":                     strings.Join(cfg.BootstrapServers, ","),
		"key.serializer":                        "bytes",
		"value.serializer":                      "bytes",
		"request.timeout.ms":                    strconv.Itoa(math.MaxInt32),
		"retries":                               strconv.Itoa(math.MaxInt32),
		"max.block.ms":                          strconv.FormatInt(math.MaxInt64, 10),
		"acks":                                  "all",
		"max.in.flight.requests.per.connection": "1",
	}
	for k, v := range cfg.Producer {
		props[k] = v
	}
	return props
}

func (w *Worker) consumerProps(connector string) map[string]string {
	props := map[string]string{
		"bootstrap.servers":  strings.Join(w.config.BootstrapServers, ","),
		"group.id":           "connect-" + connector,
		"enable.auto.commit": "false",
		"auto.offset.reset":  "earliest",
		"key.deserializer":   "bytes",
		"value.deserializer": "bytes",
	}
	for k, v := range w.config.Consumer {
		props[k] = v
	}
	return props
}

// newConverter instantiates and configures a converter inside the loader of its class.
func (w *Worker) newConverter(ctx context.Context, cfg domain.ConverterConfig, isKey bool) (ports.Converter, error) {
	conv, err := w.plugins.NewConverter(ctx, cfg.Class)
	if err != nil {
		return nil, err
	}

	loader, err := w.plugins.LoaderFor(cfg.Class)
	if err != nil {
		loader = w.plugins.DelegatingLoader()
	}

	err = loader.Run(ctx, func(context.Context) error {
		return conv.Configure(domain.CopyProps(cfg.Props), isKey)
	})
	if err != nil {
		return nil, domain.NewConfigurationError(fmt.Sprintf("failed to configure converter %s", cfg.Class), err,
			domain.WithComponent("worker.newConverter"),
			domain.WithContextDetail("is_key", isKey))
	}
	return conv, nil
}

// Start starts the offset store. Connectors and tasks can be started afterwards.
func (w *Worker) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.started {
		return domain.ErrAlreadyStarted
	}

	w.logger.Info("worker starting")
	if err := w.offsetStore.Start(ctx); err != nil {
		return domain.NewStorageError("failed to start offset store", err,
			domain.WithComponent("worker.Start"),
			domain.WithWorkerID(w.workerID))
	}

	if w.ctx.Err() != nil {
		w.ctx, w.cancel = context.WithCancel(context.Background())
		w.committer = newOffsetCommitter(w.config.OffsetFlushInterval, w.clock, w.workerID, w.logger)
	}
	w.started = true
	w.logger.Info("worker started")
	return nil
}

// Stop shuts down whatever the herder left running, then the committer and offset store,
// all within the graceful shutdown timeout.
func (w *Worker) Stop() error {
	w.mu.RLock()
	started := w.started
	cancel, committer := w.cancel, w.committer
	w.mu.RUnlock()
	if !started {
		return domain.ErrNotStarted
	}

	w.logger.Info("worker stopping")
	limit := w.clock.Now().Add(w.config.TaskShutdownGracefulTimeout)

	if names := w.ConnectorNames(); len(names) > 0 {
		w.logger.Warn("shutting down connectors uncleanly; herder should have stopped them first", "connectors", names)
		for _, name := range names {
			w.StopConnector(name)
		}
	}

	if ids := w.TaskIDs(); len(ids) > 0 {
		w.logger.Warn("shutting down tasks uncleanly; herder should have stopped them first", "tasks", ids)
		w.StopAndAwaitTasks(ids...)
	}

	var result *multierror.Error
	remaining := limit.Sub(w.clock.Now())
	if remaining < 0 {
		remaining = 0
	}
	if err := committer.close(remaining); err != nil {
		result = multierror.Append(result, err)
	}
	if err := w.offsetStore.Stop(); err != nil {
		result = multierror.Append(result, domain.NewStorageError("failed to stop offset store", err,
			domain.WithComponent("worker.Stop")))
	}
	cancel()

	w.mu.Lock()
	w.started = false
	w.mu.Unlock()

	w.logger.Info("worker stopped")
	return result.ErrorOrNil()
}

func (w *Worker) checkStarted(component string) error {
	w.mu.RLock()
	defer w.mu.RUnlock()

	if !w.started {
		return domain.NewResourceError("worker is not started", domain.ErrNotStarted,
			domain.WithComponent(component),
			domain.WithWorkerID(w.workerID))
	}
	return nil
}

// runContext is the context connectors and tasks run under until Stop.
func (w *Worker) runContext() context.Context {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.ctx
}

func (w *Worker) offsetCommitter() *offsetCommitter {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.committer
}

func (w *Worker) WorkerID() string {
	return w.workerID
}

func (w *Worker) Plugins() ports.PluginRegistry {
	return w.plugins
}

func (w *Worker) InternalKeyConverter() ports.Converter {
	return w.internalKeyConverter
}

func (w *Worker) InternalValueConverter() ports.Converter {
	return w.internalValueConverter
}

// ConnectorNames returns the connectors running on this worker, sorted.
func (w *Worker) ConnectorNames() []string {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.connectors))
	for name := range w.connectors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// TaskIDs returns the tasks running on this worker, sorted by connector then index.
func (w *Worker) TaskIDs() []domain.TaskID {
	w.mu.RLock()
	defer w.mu.RUnlock()

	ids := make([]domain.TaskID, 0, len(w.tasks))
	for id := range w.tasks {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i].Less(ids[j]) })
	return ids
}

// SetTargetState moves a connector and all of its tasks to state.
func (w *Worker) SetTargetState(name string, state domain.TargetState) {
	w.logger.Info("setting connector target state", "connector", name, "state", state)

	w.mu.RLock()
	connector := w.connectors[name]
	var tasks []*workerTask
	for id, task := range w.tasks {
		if id.Connector == name {
			tasks = append(tasks, task)
		}
	}
	w.mu.RUnlock()

	if connector != nil {
		connector.transitionTo(w.runContext(), state)
	}

	sort.Slice(tasks, func(i, j int) bool { return tasks[i].id.Less(tasks[j].id) })
	for _, task := range tasks {
		err := task.loader.Run(w.runContext(), func(context.Context) error {
			task.transitionTo(state)
			return nil
		})
		if err != nil {
			w.logger.Warn("task state transition failed", "task_id", task.id.String(), "error", err)
		}
	}
}

func (w *Worker) recordCounts() {
	w.mu.RLock()
	connectors, tasks := len(w.connectors), len(w.tasks)
	w.mu.RUnlock()

	metrics.SetConnectorsRunning(w.workerID, connectors)
	metrics.SetTasksRunning(w.workerID, tasks)
}
