package worker

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/conduit/internal/adapters/offsets"
	"github.com/eleven-am/conduit/internal/adapters/plugins"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeConnector partitions its work into numbered task configs.
type fakeConnector struct {
	kind     ports.ConnectorKind
	startErr error
	panicOn  string

	mu      sync.Mutex
	starts  int
	stops   int
	started map[string]string
}

func (c *fakeConnector) Kind() ports.ConnectorKind { return c.kind }

func (c *fakeConnector) Initialize(ports.ConnectorContext) {
	if c.panicOn == "initialize" {
		panic("connector exploded")
	}
}

func (c *fakeConnector) Start(_ context.Context, props map[string]string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.startErr != nil {
		return c.startErr
	}
	c.starts++
	c.started = props
	return nil
}

func (c *fakeConnector) TaskClass() string { return "fake-source-task" }

func (c *fakeConnector) TaskConfigs(maxTasks int) ([]map[string]string, error) {
	configs := make([]map[string]string, 0, maxTasks)
	for i := 0; i < maxTasks; i++ {
		configs = append(configs, map[string]string{"shard": string(rune('a' + i))})
	}
	return configs, nil
}

func (c *fakeConnector) Stop() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.stops++
	return nil
}

func (c *fakeConnector) counts() (int, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.starts, c.stops
}

// fakeSourceTask emits one record per value sent on feed. When stubborn it ignores Stop
// and only returns from Poll once its context is cancelled.
type fakeSourceTask struct {
	feed     chan *ports.SourceRecord
	stopped  chan struct{}
	stubborn bool
	pollErr  error

	stopOnce  sync.Once
	commits   atomic.Int32
	committed atomic.Int32
	reader    ports.OffsetStorageReader
}

func newFakeSourceTask() *fakeSourceTask {
	return &fakeSourceTask{
		feed:    make(chan *ports.SourceRecord, 16),
		stopped: make(chan struct{}),
	}
}

func (t *fakeSourceTask) Initialize(ctx ports.SourceTaskContext) { t.reader = ctx.OffsetReader() }

func (t *fakeSourceTask) Start(context.Context, map[string]string) error { return nil }

func (t *fakeSourceTask) Poll(ctx context.Context) ([]*ports.SourceRecord, error) {
	if t.pollErr != nil {
		return nil, t.pollErr
	}
	if t.stubborn {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	select {
	case rec := <-t.feed:
		return []*ports.SourceRecord{rec}, nil
	case <-t.stopped:
		return nil, nil
	case <-time.After(10 * time.Millisecond):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (t *fakeSourceTask) Commit(context.Context) error {
	t.commits.Add(1)
	return nil
}

func (t *fakeSourceTask) CommitRecord(context.Context, *ports.SourceRecord, *ports.RecordMetadata) error {
	t.committed.Add(1)
	return nil
}

func (t *fakeSourceTask) Stop() error {
	t.stopOnce.Do(func() { close(t.stopped) })
	return nil
}

type fakeSinkTask struct {
	mu      sync.Mutex
	put     []*ports.SinkRecord
	flushed []map[ports.TopicPartition]int64
	stopped bool
}

func (t *fakeSinkTask) Initialize(ports.SinkTaskContext)               {}
func (t *fakeSinkTask) Start(context.Context, map[string]string) error { return nil }

func (t *fakeSinkTask) Put(_ context.Context, records []*ports.SinkRecord) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.put = append(t.put, records...)
	return nil
}

func (t *fakeSinkTask) Flush(_ context.Context, offsets map[ports.TopicPartition]int64) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.flushed = append(t.flushed, offsets)
	return nil
}

func (t *fakeSinkTask) Stop() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.stopped = true
	return nil
}

func (t *fakeSinkTask) snapshot() ([]*ports.SinkRecord, []map[ports.TopicPartition]int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]*ports.SinkRecord(nil), t.put...), append([]map[ports.TopicPartition]int64(nil), t.flushed...), t.stopped
}

// plainTask implements neither SourceTask nor SinkTask.
type plainTask struct{}

func (plainTask) Start(context.Context, map[string]string) error { return nil }
func (plainTask) Stop() error                                    { return nil }

type fakeProducer struct {
	mu     sync.Mutex
	sent   []*ports.ProducerRecord
	props  map[string]string
	closed bool
}

func (p *fakeProducer) Send(_ context.Context, rec *ports.ProducerRecord) (*ports.RecordMetadata, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.sent = append(p.sent, rec)
	return &ports.RecordMetadata{Topic: rec.Topic, Partition: 0, Offset: int64(len(p.sent) - 1)}, nil
}

func (p *fakeProducer) Flush(context.Context) error { return nil }

func (p *fakeProducer) Close(time.Duration) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakeProducer) records() []*ports.ProducerRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*ports.ProducerRecord(nil), p.sent...)
}

type fakeProducers struct {
	mu        sync.Mutex
	producers []*fakeProducer
}

func (f *fakeProducers) NewProducer(props map[string]string) (ports.Producer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p := &fakeProducer{props: props}
	f.producers = append(f.producers, p)
	return p, nil
}

func (f *fakeProducers) last() *fakeProducer {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.producers) == 0 {
		return nil
	}
	return f.producers[len(f.producers)-1]
}

type fakeConsumer struct {
	feed chan *ports.ConsumerRecord

	mu        sync.Mutex
	topics    []string
	committed []map[ports.TopicPartition]int64
	closed    bool
	props     map[string]string
}

func (c *fakeConsumer) Subscribe(topics []string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.topics = topics
	return nil
}

func (c *fakeConsumer) Poll(ctx context.Context, timeout time.Duration) ([]*ports.ConsumerRecord, error) {
	select {
	case rec := <-c.feed:
		return []*ports.ConsumerRecord{rec}, nil
	case <-time.After(timeout):
		return nil, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *fakeConsumer) Commit(_ context.Context, offsets map[ports.TopicPartition]int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.committed = append(c.committed, offsets)
	return nil
}

func (c *fakeConsumer) Assignment() []ports.TopicPartition { return nil }

func (c *fakeConsumer) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

type fakeConsumers struct {
	consumer *fakeConsumer
}

func (f *fakeConsumers) NewConsumer(props map[string]string) (ports.Consumer, error) {
	f.consumer.mu.Lock()
	f.consumer.props = props
	f.consumer.mu.Unlock()
	return f.consumer, nil
}

// mockConnectorListener records connector status callbacks through testify's mock.
type mockConnectorListener struct {
	mock.Mock
}

func (m *mockConnectorListener) OnStartup(connector string)            { m.Called(connector) }
func (m *mockConnectorListener) OnPause(connector string)              { m.Called(connector) }
func (m *mockConnectorListener) OnResume(connector string)             { m.Called(connector) }
func (m *mockConnectorListener) OnFailure(connector string, err error) { m.Called(connector, err) }
func (m *mockConnectorListener) OnShutdown(connector string)           { m.Called(connector) }

type taskEvent struct {
	kind string
	id   domain.TaskID
	err  error
}

// recordingTaskListener delivers task status callbacks on a channel since they arrive
// from the task goroutine.
type recordingTaskListener struct {
	events chan taskEvent
}

func newRecordingTaskListener() *recordingTaskListener {
	return &recordingTaskListener{events: make(chan taskEvent, 64)}
}

func (l *recordingTaskListener) OnStartup(id domain.TaskID) {
	l.events <- taskEvent{kind: "startup", id: id}
}

func (l *recordingTaskListener) OnPause(id domain.TaskID) {
	l.events <- taskEvent{kind: "pause", id: id}
}

func (l *recordingTaskListener) OnResume(id domain.TaskID) {
	l.events <- taskEvent{kind: "resume", id: id}
}

func (l *recordingTaskListener) OnFailure(id domain.TaskID, err error) {
	l.events <- taskEvent{kind: "failure", id: id, err: err}
}

func (l *recordingTaskListener) OnShutdown(id domain.TaskID) {
	l.events <- taskEvent{kind: "shutdown", id: id}
}

func (l *recordingTaskListener) expect(t *testing.T, kind string) taskEvent {
	t.Helper()
	select {
	case ev := <-l.events:
		require.Equal(t, kind, ev.kind, "unexpected task event (err=%v)", ev.err)
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for %s event", kind)
		return taskEvent{}
	}
}

func (l *recordingTaskListener) expectNone(t *testing.T, within time.Duration) {
	t.Helper()
	select {
	case ev := <-l.events:
		t.Fatalf("unexpected task event %s", ev.kind)
	case <-time.After(within):
	}
}

type harness struct {
	worker    *Worker
	registry  *plugins.Registry
	store     *offsets.MemoryStore
	producers *fakeProducers
	consumer  *fakeConsumer
	source    *fakeSourceTask
	sink      *fakeSinkTask
	connector *fakeConnector
}

type harnessOption func(cfg *domain.WorkerConfig, deps *Deps)

func withLock(lock ports.Lock) harnessOption {
	return func(cfg *domain.WorkerConfig, deps *Deps) {
		cfg.Lock.Enabled = true
		deps.Lock = lock
	}
}

func withGracefulTimeout(timeout time.Duration) harnessOption {
	return func(cfg *domain.WorkerConfig, _ *Deps) {
		cfg.TaskShutdownGracefulTimeout = timeout
	}
}

func newHarness(t *testing.T, opts ...harnessOption) *harness {
	t.Helper()

	h := &harness{
		registry:  plugins.NewRegistry(quietLogger()),
		store:     offsets.NewMemoryStore(),
		producers: &fakeProducers{},
		consumer:  &fakeConsumer{feed: make(chan *ports.ConsumerRecord, 16)},
		source:    newFakeSourceTask(),
		sink:      &fakeSinkTask{},
		connector: &fakeConnector{kind: ports.ConnectorKindSource},
	}

	require.NoError(t, h.registry.RegisterBuiltins())
	require.NoError(t, h.registry.RegisterConnector("fake-source", func() ports.Connector { return h.connector }, plugins.InLoader("fake")))
	require.NoError(t, h.registry.RegisterConnector("fake-sink", func() ports.Connector { return &fakeConnector{kind: ports.ConnectorKindSink} }, plugins.InLoader("fake")))
	require.NoError(t, h.registry.RegisterConnector("exploding", func() ports.Connector { return &fakeConnector{panicOn: "initialize"} }))
	require.NoError(t, h.registry.RegisterConnector("failing", func() ports.Connector { return &fakeConnector{startErr: errors.New("cannot reach database")} }))
	require.NoError(t, h.registry.RegisterTask("fake-source-task", func() ports.Task { return h.source }, plugins.InLoader("fake")))
	require.NoError(t, h.registry.RegisterTask("fake-sink-task", func() ports.Task { return h.sink }, plugins.InLoader("fake")))
	require.NoError(t, h.registry.RegisterTask("plain-task", func() ports.Task { return plainTask{} }, plugins.InLoader("fake")))

	cfg := domain.NewWorkerConfig("worker-1", quietLogger())
	cfg.TaskShutdownGracefulTimeout = time.Second
	cfg.OffsetFlushInterval = time.Hour
	cfg.SinkPollTimeout = 20 * time.Millisecond

	deps := Deps{
		Plugins:   h.registry,
		Offsets:   h.store,
		Producers: h.producers,
		Consumers: &fakeConsumers{consumer: h.consumer},
		Logger:    quietLogger(),
	}
	for _, opt := range opts {
		opt(cfg, &deps)
	}

	w, err := New(cfg, deps)
	require.NoError(t, err)
	require.NoError(t, w.Start(context.Background()))
	h.worker = w

	t.Cleanup(func() {
		_ = w.Stop()
	})
	return h
}

func sourceConnectorProps(name string) map[string]string {
	return map[string]string{
		domain.ConnectorNameConfig:  name,
		domain.ConnectorClassConfig: "fake-source",
	}
}

func sinkConnectorProps(name string) map[string]string {
	return map[string]string{
		domain.ConnectorNameConfig:  name,
		domain.ConnectorClassConfig: "fake-sink",
	}
}
