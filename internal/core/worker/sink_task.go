package worker

import (
	"context"
	"log/slog"
	"sync/atomic"

	"github.com/hashicorp/go-multierror"

	"github.com/eleven-am/conduit/internal/adapters/metrics"
	"github.com/eleven-am/conduit/internal/adapters/transforms"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type sinkTaskContext struct {
	consumer        ports.Consumer
	commitRequested atomic.Bool
}

func (c *sinkTaskContext) Assignment() []ports.TopicPartition {
	return c.consumer.Assignment()
}

func (c *sinkTaskContext) RequestCommit() {
	c.commitRequested.Store(true)
}

// sinkRuntime consumes the task's topics and delivers converted records to the sink task.
// Consumer offsets are committed only after the task has flushed them.
type sinkRuntime struct {
	id             domain.TaskID
	workerID       string
	task           ports.SinkTask
	props          map[string]string
	topics         []string
	keyConverter   ports.Converter
	valueConverter ports.Converter
	chain          *transforms.Chain
	consumer       ports.Consumer
	taskCtx        *sinkTaskContext
	config         *domain.WorkerConfig
	logger         *slog.Logger

	started  atomic.Bool
	consumed map[ports.TopicPartition]int64
}

func newSinkRuntime(w *Worker, id domain.TaskID, task ports.SinkTask, taskCfg *domain.TaskConfig, keyConverter, valueConverter ports.Converter, chain *transforms.Chain, consumer ports.Consumer) *sinkRuntime {
	return &sinkRuntime{
		id:             id,
		workerID:       w.workerID,
		task:           task,
		props:          taskCfg.Originals,
		topics:         taskCfg.Topics,
		keyConverter:   keyConverter,
		valueConverter: valueConverter,
		chain:          chain,
		consumer:       consumer,
		taskCtx:        &sinkTaskContext{consumer: consumer},
		config:         w.config,
		logger:         w.logger.With("task_id", id.String(), "kind", "sink"),
		consumed:       make(map[ports.TopicPartition]int64),
	}
}

func (r *sinkRuntime) kind() ports.ConnectorKind {
	return ports.ConnectorKindSink
}

func (r *sinkRuntime) execute(ctx context.Context, t *workerTask) error {
	r.task.Initialize(r.taskCtx)
	if err := r.task.Start(ctx, domain.CopyProps(r.props)); err != nil {
		return err
	}
	r.started.Store(true)

	if err := r.consumer.Subscribe(r.topics); err != nil {
		return domain.NewPluginError("failed to subscribe sink consumer", err,
			domain.WithComponent("worker.sinkRuntime"),
			domain.WithContextDetail("topics", r.topics))
	}
	t.onStartup()

	lastCommit := t.clock.Now()
	for !t.isStopping() {
		if !t.pauseIfRequested() {
			break
		}

		records, err := r.consumer.Poll(t.stopCtx, r.config.SinkPollTimeout)
		if err != nil {
			if t.isStopping() {
				break
			}
			return err
		}

		if err := r.deliver(ctx, records); err != nil {
			return err
		}

		if t.clock.Since(lastCommit) >= r.config.OffsetFlushInterval || r.taskCtx.commitRequested.Swap(false) {
			r.commit(ctx)
			lastCommit = t.clock.Now()
		}
	}

	r.commit(ctx)
	return nil
}

func (r *sinkRuntime) deliver(ctx context.Context, records []*ports.ConsumerRecord) error {
	if len(records) == 0 {
		return nil
	}

	batch := make([]*ports.SinkRecord, 0, len(records))
	for _, rec := range records {
		r.consumed[ports.TopicPartition{Topic: rec.Topic, Partition: rec.Partition}] = rec.Offset + 1

		key, err := r.keyConverter.ToConnectData(rec.Topic, rec.Key)
		if err != nil {
			return err
		}
		value, err := r.valueConverter.ToConnectData(rec.Topic, rec.Value)
		if err != nil {
			return err
		}

		transformed, err := r.chain.Apply(&ports.Record{
			Topic:     rec.Topic,
			Partition: rec.Partition,
			Key:       key,
			Value:     value,
			Timestamp: rec.Timestamp,
			Headers:   rec.Headers,
		})
		if err != nil {
			return err
		}
		if transformed == nil {
			continue
		}
		batch = append(batch, &ports.SinkRecord{Record: *transformed, Offset: rec.Offset})
	}

	if len(batch) == 0 {
		return nil
	}
	return r.task.Put(ctx, batch)
}

// commit flushes the task and then commits the consumed offsets. A failed flush leaves
// the consumer offsets where they were.
func (r *sinkRuntime) commit(ctx context.Context) {
	if len(r.consumed) == 0 {
		return
	}

	offsets := make(map[ports.TopicPartition]int64, len(r.consumed))
	for tp, offset := range r.consumed {
		offsets[tp] = offset
	}

	flushCtx, cancel := context.WithTimeout(ctx, r.config.OffsetFlushTimeout)
	defer cancel()

	if err := r.task.Flush(flushCtx, offsets); err != nil {
		r.logger.Error("sink task flush failed, skipping offset commit", "error", err)
		metrics.RecordOffsetCommit(r.workerID, "failure")
		return
	}
	if err := r.consumer.Commit(flushCtx, offsets); err != nil {
		r.logger.Error("failed to commit consumer offsets", "error", err)
		metrics.RecordOffsetCommit(r.workerID, "failure")
		return
	}
	metrics.RecordOffsetCommit(r.workerID, "success")
}

func (r *sinkRuntime) stop(context.Context) {}

func (r *sinkRuntime) close(context.Context) error {
	var result *multierror.Error
	if r.started.Load() {
		if err := r.task.Stop(); err != nil {
			result = multierror.Append(result, err)
		}
	}
	if err := r.consumer.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	if err := r.chain.Close(); err != nil {
		result = multierror.Append(result, err)
	}
	return result.ErrorOrNil()
}

