package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/adapters/transforms"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// taskRuntime is the source or sink specific half of a running task.
type taskRuntime interface {
	kind() ports.ConnectorKind
	execute(ctx context.Context, t *workerTask) error
	// stop is called once, inside the loader, when the task is asked to stop.
	stop(ctx context.Context)
	close(ctx context.Context) error
}

type workerTask struct {
	id       domain.TaskID
	listener ports.TaskStatusListener
	loader   ports.PluginLoader
	runtime  taskRuntime
	clock    clockwork.Clock
	logger   *slog.Logger

	ctx        context.Context
	cancelRun  context.CancelFunc
	stopCtx    context.Context
	cancelStop context.CancelFunc
	done       chan struct{}

	mu        sync.Mutex
	target    domain.TargetState
	state     domain.LifecycleState
	stopping  bool
	cancelled bool
	changed   chan struct{}
}

func newWorkerTask(parent context.Context, id domain.TaskID, listener ports.TaskStatusListener, loader ports.PluginLoader, runtime taskRuntime, initialState domain.TargetState, clock clockwork.Clock, logger *slog.Logger) *workerTask {
	ctx, cancelRun := context.WithCancel(parent)
	stopCtx, cancelStop := context.WithCancel(ctx)

	return &workerTask{
		id:         id,
		listener:   listener,
		loader:     loader,
		runtime:    runtime,
		clock:      clock,
		logger:     logger.With("task_id", id.String()),
		ctx:        ctx,
		cancelRun:  cancelRun,
		stopCtx:    stopCtx,
		cancelStop: cancelStop,
		done:       make(chan struct{}),
		target:     initialState,
		state:      domain.LifecycleInit,
		changed:    make(chan struct{}),
	}
}

func (t *workerTask) run() {
	defer close(t.done)
	defer t.cancelRun()

	err := t.loader.Run(t.ctx, func(ctx context.Context) error {
		defer func() {
			if err := t.runtime.close(ctx); err != nil {
				t.logger.Warn("error while closing task resources", "error", err)
			}
		}()
		return t.execute(ctx)
	})

	if err != nil {
		if t.isCancelled() {
			t.logger.Debug("cancelled task exited with error", "error", err)
			return
		}
		t.logger.Error("task failed", "error", err)
		t.setState(domain.LifecycleFailed)
		t.report(func(l ports.TaskStatusListener) { l.OnFailure(t.id, err) })
		return
	}

	t.setState(domain.LifecycleStopped)
	t.report(func(l ports.TaskStatusListener) { l.OnShutdown(t.id) })
}

func (t *workerTask) execute(ctx context.Context) error {
	if t.shouldPause() {
		t.onPause()
		if !t.awaitUnpaused() {
			return nil
		}
	}
	return t.runtime.execute(ctx, t)
}

// stop asks the task to finish without waiting for it.
func (t *workerTask) stop() {
	t.mu.Lock()
	if t.stopping {
		t.mu.Unlock()
		return
	}
	t.stopping = true
	t.signalLocked()
	t.mu.Unlock()

	t.cancelStop()
	err := t.loader.Run(t.ctx, func(ctx context.Context) error {
		t.runtime.stop(ctx)
		return nil
	})
	if err != nil {
		t.logger.Warn("error while signalling task to stop", "error", err)
	}
}

// awaitStop waits up to timeout for the task goroutine to exit.
func (t *workerTask) awaitStop(timeout time.Duration) bool {
	select {
	case <-t.done:
		return true
	default:
	}
	if timeout <= 0 {
		return false
	}

	select {
	case <-t.done:
		return true
	case <-t.clock.After(timeout):
		return false
	}
}

// cancel aborts the task and silences any further status reports.
func (t *workerTask) cancel() {
	t.mu.Lock()
	t.cancelled = true
	t.state = domain.LifecycleCancelled
	t.signalLocked()
	t.mu.Unlock()

	t.cancelRun()
}

func (t *workerTask) transitionTo(target domain.TargetState) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.stopping || t.target == target {
		return
	}
	t.target = target
	t.signalLocked()
}

func (t *workerTask) signalLocked() {
	close(t.changed)
	t.changed = make(chan struct{})
}

func (t *workerTask) shouldPause() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.target == domain.TargetStatePaused
}

func (t *workerTask) isStopping() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.stopping
}

func (t *workerTask) isCancelled() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cancelled
}

// awaitUnpaused blocks while the target state is paused. It returns false when the task
// is stopping.
func (t *workerTask) awaitUnpaused() bool {
	for {
		t.mu.Lock()
		if t.stopping || t.cancelled {
			t.mu.Unlock()
			return false
		}
		if t.target != domain.TargetStatePaused {
			t.mu.Unlock()
			return true
		}
		changed := t.changed
		t.mu.Unlock()

		select {
		case <-changed:
		case <-t.stopCtx.Done():
			return false
		}
	}
}

// pauseIfRequested handles a pause between batches. It returns false when the task
// should exit instead of resuming.
func (t *workerTask) pauseIfRequested() bool {
	if !t.shouldPause() {
		return true
	}
	t.onPause()
	if !t.awaitUnpaused() {
		return false
	}
	t.onResume()
	return true
}

func (t *workerTask) onStartup() {
	t.setState(domain.LifecycleStarted)
	t.report(func(l ports.TaskStatusListener) { l.OnStartup(t.id) })
}

func (t *workerTask) onPause() {
	t.setState(domain.LifecyclePaused)
	t.report(func(l ports.TaskStatusListener) { l.OnPause(t.id) })
}

func (t *workerTask) onResume() {
	t.setState(domain.LifecycleStarted)
	t.report(func(l ports.TaskStatusListener) { l.OnResume(t.id) })
}

func (t *workerTask) setState(state domain.LifecycleState) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.cancelled {
		t.state = state
	}
}

func (t *workerTask) lifecycle() domain.LifecycleState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *workerTask) report(fn func(ports.TaskStatusListener)) {
	if t.isCancelled() {
		return
	}
	fn(t.listener)
}

// StartTask builds the task, picks the source or sink runtime for it and launches it on
// its own goroutine. Any failure is reported to listener and nothing is registered.
func (w *Worker) StartTask(ctx context.Context, id domain.TaskID, connProps, taskProps map[string]string, listener ports.TaskStatusListener, initialState domain.TargetState) error {
	w.logger.Info("creating task", "task_id", id.String())

	if listener == nil {
		listener = noopTaskListener{}
	}
	if err := w.checkStarted("worker.StartTask"); err != nil {
		return err
	}
	if w.hasTask(id) {
		return domain.NewAlreadyExistsError("task", id.String(), domain.WithComponent("worker.StartTask"))
	}

	task, err := w.buildTask(ctx, id, connProps, taskProps, listener, initialState)
	if err != nil {
		w.logger.Error("failed to start task", "task_id", id.String(), "error", err)
		metrics.RecordStartFailure(w.workerID, "task")
		listener.OnFailure(id, err)
		return domain.NewPluginError(fmt.Sprintf("failed to start task %s", id), err,
			domain.WithComponent("worker.StartTask"),
			domain.WithWorkerID(w.workerID),
			domain.WithContextDetail("task_id", id.String()))
	}

	w.mu.Lock()
	if _, exists := w.tasks[id]; exists {
		w.mu.Unlock()
		_ = task.loader.Run(w.runContext(), func(ctx context.Context) error {
			return task.runtime.close(ctx)
		})
		return domain.NewAlreadyExistsError("task", id.String(), domain.WithComponent("worker.StartTask"))
	}
	w.tasks[id] = task
	// Scheduled under w.mu so a concurrent stop always finds the schedule to remove.
	if source, ok := task.runtime.(*sourceRuntime); ok {
		w.committer.schedule(id, func(ctx context.Context) error {
			return task.loader.Run(ctx, source.commitOffsets)
		})
	}
	w.mu.Unlock()

	go task.run()

	w.recordCounts()
	return nil
}

func (w *Worker) buildTask(ctx context.Context, id domain.TaskID, connProps, taskProps map[string]string, listener ports.TaskStatusListener, initialState domain.TargetState) (*workerTask, error) {
	connCfg, err := domain.ParseConnectorConfig(connProps)
	if err != nil {
		return nil, err
	}
	taskCfg, err := domain.ParseTaskConfig(taskProps)
	if err != nil {
		return nil, err
	}

	loader, err := w.plugins.LoaderFor(connCfg.Class)
	if err != nil {
		loader = w.plugins.DelegatingLoader()
	}

	var built *workerTask
	err = loader.Run(ctx, func(ctx context.Context) error {
		task, err := w.plugins.NewTask(ctx, taskCfg.Class)
		if err != nil {
			return err
		}
		w.logger.Info("instantiated task", "task_id", id.String(), "class", taskCfg.Class)

		keyConverter, err := w.taskConverter(ctx, taskCfg.KeyConverter, connCfg.KeyConverter, w.defaultKeyConverter, true)
		if err != nil {
			return err
		}
		valueConverter, err := w.taskConverter(ctx, taskCfg.ValueConverter, connCfg.ValueConverter, w.defaultValueConverter, false)
		if err != nil {
			return err
		}

		chain, err := transforms.BuildChain(ctx, w.plugins, connCfg.Transforms)
		if err != nil {
			return err
		}

		runtime, err := w.buildRuntime(id, task, taskCfg, keyConverter, valueConverter, chain)
		if err != nil {
			if closeErr := chain.Close(); closeErr != nil {
				w.logger.Warn("failed to close transformation chain", "task_id", id.String(), "error", closeErr)
			}
			return err
		}

		built = newWorkerTask(w.runContext(), id, listener, loader, runtime, initialState, w.clock, w.logger)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return built, nil
}

// taskConverter resolves a converter from the task config, then the connector config,
// then the worker default.
func (w *Worker) taskConverter(ctx context.Context, taskLevel, connectorLevel *domain.ConverterConfig, fallback ports.Converter, isKey bool) (ports.Converter, error) {
	switch {
	case taskLevel != nil:
		return w.newConverter(ctx, *taskLevel, isKey)
	case connectorLevel != nil:
		return w.newConverter(ctx, *connectorLevel, isKey)
	default:
		return fallback, nil
	}
}

func (w *Worker) buildRuntime(id domain.TaskID, task ports.Task, taskCfg *domain.TaskConfig, keyConverter, valueConverter ports.Converter, chain *transforms.Chain) (taskRuntime, error) {
	switch typed := task.(type) {
	case ports.SourceTask:
		if w.producers == nil {
			return nil, domain.NewConfigurationError("source tasks need a producer factory", domain.ErrInvalidConfig,
				domain.WithComponent("worker.buildRuntime"))
		}
		producer, err := w.producers.NewProducer(domain.CopyProps(w.producerProps))
		if err != nil {
			return nil, err
		}
		return newSourceRuntime(w, id, typed, taskCfg, keyConverter, valueConverter, chain, producer), nil

	case ports.SinkTask:
		if w.consumers == nil {
			return nil, domain.NewConfigurationError("sink tasks need a consumer factory", domain.ErrInvalidConfig,
				domain.WithComponent("worker.buildRuntime"))
		}
		if len(taskCfg.Topics) == 0 {
			return nil, domain.NewConfigurationError("sink task has no topics",
				domain.NewConfigError(domain.TopicsConfig, domain.ErrInvalidConfig),
				domain.WithComponent("worker.buildRuntime"))
		}
		consumer, err := w.consumers.NewConsumer(w.consumerProps(id.Connector))
		if err != nil {
			return nil, err
		}
		return newSinkRuntime(w, id, typed, taskCfg, keyConverter, valueConverter, chain, consumer), nil

	default:
		return nil, domain.NewConfigurationError(
			fmt.Sprintf("task %T must implement either SourceTask or SinkTask", task),
			domain.ErrInvalidConfig,
			domain.WithComponent("worker.buildRuntime"))
	}
}

// StopAndAwaitTask stops one task and waits for it within the graceful timeout.
func (w *Worker) StopAndAwaitTask(id domain.TaskID) {
	w.StopAndAwaitTasks(id)
}

// StopAndAwaitTasks signals every task first, then waits for each in order against one
// shared deadline. Tasks that miss it are cancelled.
func (w *Worker) StopAndAwaitTasks(ids ...domain.TaskID) {
	for _, id := range ids {
		w.stopTask(id)
	}
	w.awaitStopTasks(ids)
}

func (w *Worker) StopAndAwaitAllTasks() {
	w.StopAndAwaitTasks(w.TaskIDs()...)
}

func (w *Worker) stopTask(id domain.TaskID) {
	w.mu.RLock()
	task, ok := w.tasks[id]
	w.mu.RUnlock()

	if !ok {
		w.logger.Warn("ignoring stop request for unowned task", "task_id", id.String())
		return
	}

	w.logger.Info("stopping task", "task_id", id.String())
	if task.runtime.kind() == ports.ConnectorKindSource {
		w.offsetCommitter().remove(id)
	}
	task.stop()
}

func (w *Worker) awaitStopTasks(ids []domain.TaskID) {
	deadline := w.clock.Now().Add(w.config.TaskShutdownGracefulTimeout)
	for _, id := range ids {
		remaining := deadline.Sub(w.clock.Now())
		if remaining < 0 {
			remaining = 0
		}
		w.awaitStopTask(id, remaining)
	}
}

func (w *Worker) awaitStopTask(id domain.TaskID, timeout time.Duration) {
	w.mu.Lock()
	task, ok := w.tasks[id]
	delete(w.tasks, id)
	w.mu.Unlock()

	if !ok {
		w.logger.Warn("ignoring await stop request for non-present task", "task_id", id.String())
		return
	}

	if !task.awaitStop(timeout) {
		w.logger.Error("graceful stop of task failed, cancelling it", "task_id", id.String(), "timeout", timeout)
		task.cancel()
		metrics.RecordForcedCancellation(w.workerID)
	}
	w.recordCounts()
}

// TaskState reports the lifecycle state of a task running on this worker.
func (w *Worker) TaskState(id domain.TaskID) (domain.LifecycleState, bool) {
	w.mu.RLock()
	task, ok := w.tasks[id]
	w.mu.RUnlock()
	if !ok {
		return "", false
	}
	return task.lifecycle(), true
}

func (w *Worker) hasTask(id domain.TaskID) bool {
	w.mu.RLock()
	defer w.mu.RUnlock()
	_, ok := w.tasks[id]
	return ok
}

type noopTaskListener struct{}

func (noopTaskListener) OnStartup(domain.TaskID)        {}
func (noopTaskListener) OnPause(domain.TaskID)          {}
func (noopTaskListener) OnResume(domain.TaskID)         {}
func (noopTaskListener) OnFailure(domain.TaskID, error) {}
func (noopTaskListener) OnShutdown(domain.TaskID)       {}
