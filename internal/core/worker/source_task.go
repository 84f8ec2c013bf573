package worker

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/go-multierror"

	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/adapters/offsets"
	"github.com/eleven-am/conduit/internal/adapters/transforms"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const idlePollBackoff = 50 * time.Millisecond

type sourceTaskContext struct {
	reader ports.OffsetStorageReader
}

func (c *sourceTaskContext) OffsetReader() ports.OffsetStorageReader {
	return c.reader
}

// sourceRuntime polls a source task and writes its records through a dedicated producer.
// When a lock is configured the task holds it for as long as it runs.
type sourceRuntime struct {
	id             domain.TaskID
	workerID       string
	task           ports.SourceTask
	props          map[string]string
	keyConverter   ports.Converter
	valueConverter ports.Converter
	chain          *transforms.Chain
	producer       ports.Producer
	reader         *offsets.StorageReader
	writer         *offsets.StorageWriter
	lock           ports.Lock
	config         *domain.WorkerConfig
	logger         *slog.Logger

	started  atomic.Bool
	locked   atomic.Bool
	stopOnce sync.Once
	commitMu sync.Mutex
}

func newSourceRuntime(w *Worker, id domain.TaskID, task ports.SourceTask, taskCfg *domain.TaskConfig, keyConverter, valueConverter ports.Converter, chain *transforms.Chain, producer ports.Producer) *sourceRuntime {
	logger := w.logger.With("task_id", id.String(), "kind", "source")
	return &sourceRuntime{
		id:             id,
		workerID:       w.workerID,
		task:           task,
		props:          taskCfg.Originals,
		keyConverter:   keyConverter,
		valueConverter: valueConverter,
		chain:          chain,
		producer:       producer,
		reader:         offsets.NewStorageReader(w.offsetStore, id.Connector, w.internalKeyConverter, w.internalValueConverter, logger),
		writer:         offsets.NewStorageWriter(w.offsetStore, id.Connector, w.internalKeyConverter, w.internalValueConverter, logger),
		lock:           w.lock,
		config:         w.config,
		logger:         logger,
	}
}

func (r *sourceRuntime) kind() ports.ConnectorKind {
	return ports.ConnectorKindSource
}

func (r *sourceRuntime) execute(ctx context.Context, t *workerTask) error {
	if r.lock != nil {
		r.logger.Info("acquiring task lock", "lock", r.id.LockName())
		if err := r.lock.Lock(t.stopCtx, r.id.LockName(), r.workerID); err != nil {
			if t.isStopping() {
				return nil
			}
			return err
		}
		r.locked.Store(true)
		r.logger.Info("acquired task lock", "lock", r.id.LockName())
	}

	r.task.Initialize(&sourceTaskContext{reader: r.reader})
	if err := r.task.Start(ctx, domain.CopyProps(r.props)); err != nil {
		return err
	}
	r.started.Store(true)
	t.onStartup()

	for !t.isStopping() {
		if !t.pauseIfRequested() {
			break
		}

		records, err := r.task.Poll(ctx)
		if err != nil {
			if t.isStopping() {
				break
			}
			return err
		}
		if len(records) == 0 {
			select {
			case <-t.clock.After(idlePollBackoff):
			case <-t.stopCtx.Done():
			}
			continue
		}

		if err := r.sendRecords(ctx, records); err != nil {
			return err
		}
	}

	return r.commitOffsets(ctx)
}

func (r *sourceRuntime) sendRecords(ctx context.Context, records []*ports.SourceRecord) error {
	for _, record := range records {
		transformed, err := r.chain.Apply(&record.Record)
		if err != nil {
			return err
		}
		if transformed == nil {
			continue
		}

		key, err := r.keyConverter.FromConnectData(transformed.Topic, transformed.Key)
		if err != nil {
			return err
		}
		value, err := r.valueConverter.FromConnectData(transformed.Topic, transformed.Value)
		if err != nil {
			return err
		}

		metadata, err := r.producer.Send(ctx, &ports.ProducerRecord{
			Topic:     transformed.Topic,
			Partition: transformed.Partition,
			Key:       key,
			Value:     value,
			Timestamp: transformed.Timestamp,
			Headers:   transformed.Headers,
		})
		if err != nil {
			return domain.NewPluginError("failed to send source record", err,
				domain.WithComponent("worker.sourceRuntime"),
				domain.WithContextDetail("topic", transformed.Topic))
		}

		if record.SourcePartition != nil {
			if err := r.writer.Offset(record.SourcePartition, record.SourceOffset); err != nil {
				return err
			}
		}
		if err := r.task.CommitRecord(ctx, record, metadata); err != nil {
			r.logger.Warn("task failed to commit record", "topic", transformed.Topic, "error", err)
		}
	}
	return nil
}

// commitOffsets flushes buffered offsets to the backing store and then lets the task commit.
func (r *sourceRuntime) commitOffsets(ctx context.Context) error {
	r.commitMu.Lock()
	defer r.commitMu.Unlock()

	if err := r.producer.Flush(ctx); err != nil {
		metrics.RecordOffsetCommit(r.workerID, "failure")
		return err
	}

	flushing, err := r.writer.BeginFlush()
	if err != nil {
		metrics.RecordOffsetCommit(r.workerID, "failure")
		return err
	}

	if flushing {
		flushCtx, cancel := context.WithTimeout(ctx, r.config.OffsetFlushTimeout)
		err := r.writer.DoFlush(flushCtx)
		cancel()
		if err != nil {
			r.logger.Error("failed to flush offsets", "error", err)
			metrics.RecordOffsetCommit(r.workerID, "failure")
			return err
		}
	}

	if err := r.task.Commit(ctx); err != nil {
		r.logger.Warn("task commit hook failed", "error", err)
	}
	metrics.RecordOffsetCommit(r.workerID, "success")
	return nil
}

func (r *sourceRuntime) stop(context.Context) {
	if r.started.Load() {
		r.stopTask()
	}
}

func (r *sourceRuntime) stopTask() {
	r.stopOnce.Do(func() {
		if err := r.task.Stop(); err != nil {
			r.logger.Warn("source task stop returned an error", "error", err)
		}
	})
}

func (r *sourceRuntime) close(context.Context) error {
	if r.started.Load() {
		r.stopTask()
	}

	var result *multierror.Error
	if err := r.producer.Close(r.config.TaskShutdownGracefulTimeout); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.chain.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if r.locked.Load() {
		ctx, cancel := context.WithTimeout(context.Background(), r.config.TaskShutdownGracefulTimeout)
		if err := r.lock.Unlock(ctx, r.id.LockName()); err != nil {
			result = multierror.Append(result, err)
		} else {
			r.logger.Info("released task lock", "lock", r.id.LockName())
		}
		cancel()
	}
	return result.ErrorOrNil()
}
