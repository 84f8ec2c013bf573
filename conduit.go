// Package conduit runs data-movement connectors and their tasks inside a worker process.
//
// A herder decides which connectors and tasks a worker owns and drives the worker through
// StartConnector, StartTask, SetTargetState and the stop calls. The worker runs every task
// on its own goroutine, isolates plugin code behind loaders, commits source offsets and,
// when locking is enabled, makes sure a source task runs on at most one worker at a time.
//
// Basic usage:
//
//	cfg := conduit.NewWorkerConfig("worker-1", logger)
//	runtime, err := conduit.New(ctx, cfg,
//	    conduit.WithProducerFactory(producers),
//	    conduit.WithConsumerFactory(consumers))
//	runtime.Registry().RegisterConnector("jdbc-source", newJDBCSource)
//	runtime.Start(ctx)
//
//	runtime.Worker().StartConnector(ctx, "orders", props, connCtx, listener, conduit.TargetStateStarted)
package conduit

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"

	"github.com/hashicorp/go-multierror"
	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/conduit/internal/adapters/coordination/etcd"
	"github.com/eleven-am/conduit/internal/adapters/coordination/memory"
	"github.com/eleven-am/conduit/internal/adapters/distlock"
	"github.com/eleven-am/conduit/internal/adapters/load_balancer"
	"github.com/eleven-am/conduit/internal/adapters/offsets"
	"github.com/eleven-am/conduit/internal/adapters/plugins"
	"github.com/eleven-am/conduit/internal/core/worker"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// Worker runs the connectors and tasks assigned to this process.
type Worker = worker.Worker

// Registry maps plugin classes to factories and the loaders they run in.
type Registry = plugins.Registry

// RegisterOption customises a plugin registration, for example InLoader.
type RegisterOption = plugins.RegisterOption

// Lock is a named, non-reentrant lock shared by every worker of the fleet.
type Lock = distlock.Lock

// Assigner decides which node of the fleet owns a key.
type Assigner = load_balancer.Assigner

// HashRing maps routing keys onto weighted targets with consistent hashing.
type HashRing[T any] = load_balancer.WeightedHashRing[T]

// LocalCoordinationServer is an in-process coordination service for single-process
// deployments and tests.
type LocalCoordinationServer = memory.Server

type TaskID = domain.TaskID

type TargetState = domain.TargetState

type LifecycleState = domain.LifecycleState

const (
	TargetStateStarted = domain.TargetStateStarted
	TargetStatePaused  = domain.TargetStatePaused
)

// Plugin contracts implemented by connector authors.
type (
	Connector               = ports.Connector
	ConnectorKind           = ports.ConnectorKind
	ConnectorContext        = ports.ConnectorContext
	Task                    = ports.Task
	SourceTask              = ports.SourceTask
	SourceTaskContext       = ports.SourceTaskContext
	SinkTask                = ports.SinkTask
	SinkTaskContext         = ports.SinkTaskContext
	Converter               = ports.Converter
	Transformation          = ports.Transformation
	ConnectorStatusListener = ports.ConnectorStatusListener
	TaskStatusListener      = ports.TaskStatusListener
	OffsetStorageReader     = ports.OffsetStorageReader
)

const (
	ConnectorKindSource = ports.ConnectorKindSource
	ConnectorKindSink   = ports.ConnectorKindSink
)

// Records and message bus contracts.
type (
	Record           = ports.Record
	SourceRecord     = ports.SourceRecord
	SinkRecord       = ports.SinkRecord
	TopicPartition   = ports.TopicPartition
	ProducerRecord   = ports.ProducerRecord
	ConsumerRecord   = ports.ConsumerRecord
	RecordMetadata   = ports.RecordMetadata
	Producer         = ports.Producer
	ProducerFactory  = ports.ProducerFactory
	Consumer         = ports.Consumer
	ConsumerFactory  = ports.ConsumerFactory
	OffsetStore      = ports.OffsetBackingStore
	CoordinationPort = ports.CoordinationClient
)

type options struct {
	registry     *plugins.Registry
	offsetStore  ports.OffsetBackingStore
	producers    ports.ProducerFactory
	consumers    ports.ConsumerFactory
	coordination ports.CoordinationClient
	clock        clockwork.Clock
}

type Option func(*options)

// WithRegistry uses registry instead of a fresh one with the builtin plugins.
func WithRegistry(registry *Registry) Option {
	return func(o *options) {
		o.registry = registry
	}
}

// WithOffsetStore replaces the store derived from the worker data directory.
func WithOffsetStore(store OffsetStore) Option {
	return func(o *options) {
		o.offsetStore = store
	}
}

func WithProducerFactory(factory ProducerFactory) Option {
	return func(o *options) {
		o.producers = factory
	}
}

func WithConsumerFactory(factory ConsumerFactory) Option {
	return func(o *options) {
		o.consumers = factory
	}
}

// WithCoordinationClient backs the task lock with client instead of dialing etcd. The
// caller keeps ownership of client.
func WithCoordinationClient(client CoordinationPort) Option {
	return func(o *options) {
		o.coordination = client
	}
}

func WithClock(clock clockwork.Clock) Option {
	return func(o *options) {
		o.clock = clock
	}
}

// Runtime wires a Worker to its plugin registry, offset store and optional task lock.
type Runtime struct {
	config   *WorkerConfig
	registry *plugins.Registry
	worker   *worker.Worker
	lock     *distlock.Lock
	logger   *slog.Logger

	ownedClient ports.CoordinationClient

	mu      sync.Mutex
	started bool
}

// New builds a runtime from cfg. When cfg.Lock is enabled and no coordination client was
// supplied, New dials the configured etcd endpoints.
func New(ctx context.Context, cfg *WorkerConfig, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		cfg = DefaultWorkerConfig()
	}
	if err := cfg.ApplyDefaults(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := &options{}
	for _, opt := range opts {
		opt(o)
	}

	logger := cfg.Logger.With("component", "conduit", "worker_id", cfg.WorkerID)
	rt := &Runtime{
		config: cfg,
		logger: logger,
	}

	rt.registry = o.registry
	if rt.registry == nil {
		rt.registry = plugins.NewRegistry(cfg.Logger)
		if err := rt.registry.RegisterBuiltins(); err != nil {
			return nil, err
		}
	}

	store := o.offsetStore
	if store == nil {
		store = newOffsetStore(cfg)
	}

	clock := o.clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	var lock ports.Lock
	if cfg.Lock.Enabled {
		client := o.coordination
		if client == nil {
			dialed, err := etcd.New(ctx, cfg.Lock, cfg.Logger)
			if err != nil {
				return nil, err
			}
			client = dialed
			rt.ownedClient = dialed
		}

		lockOpts := append(distlock.FromConfig(cfg.Lock), distlock.WithLogger(cfg.Logger), distlock.WithClock(clock))
		rt.lock = distlock.New(client, cfg.Lock.RootPath, lockOpts...)
		lock = rt.lock
	}

	w, err := worker.New(cfg, worker.Deps{
		Plugins:   rt.registry,
		Offsets:   store,
		Producers: o.producers,
		Consumers: o.consumers,
		Lock:      lock,
		Clock:     clock,
		Logger:    cfg.Logger,
	})
	if err != nil {
		rt.closeClient()
		return nil, err
	}
	rt.worker = w
	return rt, nil
}

func newOffsetStore(cfg *WorkerConfig) ports.OffsetBackingStore {
	if cfg.DataDir == "" {
		return offsets.NewMemoryStore()
	}
	return offsets.NewBadgerStore(filepath.Join(cfg.DataDir, "offsets"), cfg.Logger)
}

// Start starts the task lock, when enabled, and then the worker.
func (r *Runtime) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.started {
		return domain.ErrAlreadyStarted
	}

	if r.lock != nil {
		if err := r.lock.Start(ctx); err != nil {
			return err
		}
	}
	if err := r.worker.Start(ctx); err != nil {
		if r.lock != nil {
			_ = r.lock.Close()
		}
		return err
	}

	r.started = true
	r.logger.Info("conduit runtime started", "lock_enabled", r.lock != nil)
	return nil
}

// Stop stops the worker, then releases the lock and the coordination client it dialed.
func (r *Runtime) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.started {
		return domain.ErrNotStarted
	}

	var result *multierror.Error
	if err := r.worker.Stop(); err != nil {
		result = multierror.Append(result, err)
	}
	if r.lock != nil {
		if err := r.lock.Close(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.closeClient(); err != nil {
		result = multierror.Append(result, err)
	}

	r.started = false
	r.logger.Info("conduit runtime stopped")
	return result.ErrorOrNil()
}

func (r *Runtime) closeClient() error {
	if r.ownedClient == nil {
		return nil
	}
	err := r.ownedClient.Close()
	r.ownedClient = nil
	return err
}

func (r *Runtime) Worker() *Worker {
	return r.worker
}

func (r *Runtime) Registry() *Registry {
	return r.registry
}

// Lock returns the task lock, or nil when locking is disabled.
func (r *Runtime) Lock() *Lock {
	return r.lock
}

func (r *Runtime) Config() *WorkerConfig {
	return r.config
}

// NewAssigner returns an assigner that owns keys on behalf of nodeID.
func NewAssigner(nodeID string) *Assigner {
	return load_balancer.NewAssigner(nodeID)
}

// NewHashRing returns an empty weighted hash ring.
func NewHashRing[T any]() *HashRing[T] {
	return load_balancer.NewWeightedHashRing[T]()
}

// NewLocalCoordinationServer returns an in-process coordination service. Connect one
// client per worker and pass it with WithCoordinationClient.
func NewLocalCoordinationServer(logger *slog.Logger) *LocalCoordinationServer {
	return memory.NewServer(logger)
}

// InLoader registers a plugin in the named loader so that it is isolated from plugins in
// other loaders.
func InLoader(name string) RegisterOption {
	return plugins.InLoader(name)
}
