package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/conduit/internal/adapters/coordination/memory"
	"github.com/eleven-am/conduit/internal/adapters/distlock"
	"github.com/eleven-am/conduit/internal/adapters/offsets"
	"github.com/eleven-am/conduit/internal/adapters/plugins"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

func sourceRecord(table string, position int, value string) *ports.SourceRecord {
	return &ports.SourceRecord{
		Record: ports.Record{
			Topic: "orders-topic",
			Key:   "k",
			Value: value,
		},
		SourcePartition: map[string]interface{}{"table": table},
		SourceOffset:    map[string]interface{}{"position": position},
	}
}

func sourceTaskProps() map[string]string {
	return map[string]string{domain.TaskClassConfig: "fake-source-task"}
}

func TestNew_Validation(t *testing.T) {
	cfg := domain.NewWorkerConfig("worker-1", quietLogger())

	_, err := New(nil, Deps{})
	assert.True(t, domain.IsInvalidConfig(err))

	_, err = New(cfg, Deps{Offsets: offsets.NewMemoryStore()})
	assert.True(t, domain.IsInvalidConfig(err))

	locked := domain.NewWorkerConfig("worker-1", quietLogger())
	locked.Lock.Enabled = true
	_, err = New(locked, Deps{Plugins: newHarness(t).registry, Offsets: offsets.NewMemoryStore()})
	assert.True(t, domain.IsInvalidConfig(err))

	unknown := domain.NewWorkerConfig("worker-1", quietLogger())
	unknown.KeyConverter = domain.ConverterConfig{Class: "avro"}
	_, err = New(unknown, Deps{Plugins: newHarness(t).registry, Offsets: offsets.NewMemoryStore()})
	assert.True(t, domain.IsNotFound(err))
}

func TestWorker_StartStop(t *testing.T) {
	h := newHarness(t)

	assert.ErrorIs(t, h.worker.Start(context.Background()), domain.ErrAlreadyStarted)
	require.NoError(t, h.worker.Stop())
	assert.ErrorIs(t, h.worker.Stop(), domain.ErrNotStarted)

	err := h.worker.StartConnector(context.Background(), "orders", sourceConnectorProps("orders"), nil, nil, domain.TargetStateStarted)
	assert.ErrorIs(t, err, domain.ErrNotStarted)
	assert.Empty(t, h.worker.ConnectorNames())
}

func TestWorker_ConnectorLifecycle(t *testing.T) {
	h := newHarness(t)

	listener := &mockConnectorListener{}
	listener.Test(t)
	listener.On("OnStartup", "orders").Once()
	listener.On("OnPause", "orders").Once()
	listener.On("OnResume", "orders").Once()
	listener.On("OnShutdown", "orders").Once()

	props := sourceConnectorProps("orders")
	props["table"] = "orders"
	require.NoError(t, h.worker.StartConnector(context.Background(), "orders", props, nil, listener, domain.TargetStateStarted))

	assert.True(t, h.worker.IsRunning("orders"))
	assert.Equal(t, []string{"orders"}, h.worker.ConnectorNames())
	assert.Equal(t, "orders", h.connector.started["table"])

	h.worker.SetTargetState("orders", domain.TargetStatePaused)
	assert.False(t, h.worker.IsRunning("orders"))
	state, ok := h.worker.ConnectorState("orders")
	require.True(t, ok)
	assert.Equal(t, domain.LifecyclePaused, state)

	h.worker.SetTargetState("orders", domain.TargetStateStarted)
	assert.True(t, h.worker.IsRunning("orders"))

	starts, stops := h.connector.counts()
	assert.Equal(t, 2, starts)
	assert.Equal(t, 1, stops)

	assert.True(t, h.worker.StopConnector("orders"))
	assert.False(t, h.worker.StopConnector("orders"))
	assert.False(t, h.worker.IsRunning("orders"))
	assert.Empty(t, h.worker.ConnectorNames())

	_, stops = h.connector.counts()
	assert.Equal(t, 2, stops)
	listener.AssertExpectations(t)
}

func TestWorker_StartConnectorPaused(t *testing.T) {
	h := newHarness(t)

	listener := &mockConnectorListener{}
	listener.Test(t)
	listener.On("OnPause", "orders").Once()
	listener.On("OnResume", "orders").Once()
	listener.On("OnShutdown", "orders").Once()

	require.NoError(t, h.worker.StartConnector(context.Background(), "orders", sourceConnectorProps("orders"), nil, listener, domain.TargetStatePaused))
	assert.False(t, h.worker.IsRunning("orders"))

	starts, stops := h.connector.counts()
	assert.Zero(t, starts)
	assert.Zero(t, stops)

	h.worker.SetTargetState("orders", domain.TargetStateStarted)
	assert.True(t, h.worker.IsRunning("orders"))

	assert.True(t, h.worker.StopConnector("orders"))
	listener.AssertExpectations(t)
}

func TestWorker_StartConnectorDuplicate(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.worker.StartConnector(ctx, "orders", sourceConnectorProps("orders"), nil, nil, domain.TargetStateStarted))

	second := &mockConnectorListener{}
	second.Test(t)
	err := h.worker.StartConnector(ctx, "orders", sourceConnectorProps("orders"), nil, second, domain.TargetStateStarted)
	require.Error(t, err)
	assert.True(t, domain.IsAlreadyExists(err))

	starts, _ := h.connector.counts()
	assert.Equal(t, 1, starts)
	assert.Equal(t, []string{"orders"}, h.worker.ConnectorNames())
	second.AssertNotCalled(t, "OnFailure", mock.Anything, mock.Anything)
}

func TestWorker_StartConnectorConcurrent(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.RegisterConnector("fresh-source", func() ports.Connector {
		return &fakeConnector{kind: ports.ConnectorKindSource}
	}))

	props := map[string]string{
		domain.ConnectorNameConfig:  "orders",
		domain.ConnectorClassConfig: "fresh-source",
	}

	var (
		wg        sync.WaitGroup
		succeeded atomic.Int32
		duplicate atomic.Int32
	)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			err := h.worker.StartConnector(context.Background(), "orders", props, nil, nil, domain.TargetStateStarted)
			switch {
			case err == nil:
				succeeded.Add(1)
			case domain.IsAlreadyExists(err):
				duplicate.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), succeeded.Load())
	assert.Equal(t, int32(7), duplicate.Load())
	assert.Equal(t, []string{"orders"}, h.worker.ConnectorNames())
}

func TestWorker_StartConnectorFailures(t *testing.T) {
	tests := []struct {
		name  string
		props map[string]string
		check func(t *testing.T, err error)
	}{
		{
			name:  "panicking connector",
			props: map[string]string{domain.ConnectorNameConfig: "bad", domain.ConnectorClassConfig: "exploding"},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "connector exploded")
			},
		},
		{
			name:  "start error",
			props: map[string]string{domain.ConnectorNameConfig: "bad", domain.ConnectorClassConfig: "failing"},
			check: func(t *testing.T, err error) {
				assert.Contains(t, err.Error(), "cannot reach database")
			},
		},
		{
			name:  "unknown class",
			props: map[string]string{domain.ConnectorNameConfig: "bad", domain.ConnectorClassConfig: "mystery"},
			check: func(t *testing.T, err error) {
				assert.True(t, domain.IsNotFound(err))
			},
		},
		{
			name:  "missing class",
			props: map[string]string{domain.ConnectorNameConfig: "bad"},
			check: func(t *testing.T, err error) {
				assert.True(t, domain.IsInvalidConfig(err))
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)

			listener := &mockConnectorListener{}
			listener.Test(t)
			listener.On("OnFailure", "bad", mock.Anything).Once()

			err := h.worker.StartConnector(context.Background(), "bad", tt.props, nil, listener, domain.TargetStateStarted)
			require.Error(t, err)
			assert.Equal(t, domain.CategoryPlugin, domain.GetErrorCategory(err))
			tt.check(t, err)

			assert.Empty(t, h.worker.ConnectorNames())
			_, ok := h.worker.ConnectorState("bad")
			assert.False(t, ok)
			listener.AssertExpectations(t)
		})
	}
}

func TestWorker_ConnectorTaskConfigs(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.worker.StartConnector(context.Background(), "orders", sourceConnectorProps("orders"), nil, nil, domain.TargetStateStarted))

	configs, err := h.worker.ConnectorTaskConfigs("orders", 2, nil)
	require.NoError(t, err)
	require.Len(t, configs, 2)
	for _, cfg := range configs {
		assert.Equal(t, "fake-source-task", cfg[domain.TaskClassConfig])
		assert.NotContains(t, cfg, domain.TopicsConfig)
	}
	assert.Equal(t, "a", configs[0]["shard"])
	assert.Equal(t, "b", configs[1]["shard"])

	configs, err = h.worker.ConnectorTaskConfigs("orders", 1, []string{"events", "audit"})
	require.NoError(t, err)
	require.Len(t, configs, 1)
	assert.Equal(t, "events,audit", configs[0][domain.TopicsConfig])

	_, err = h.worker.ConnectorTaskConfigs("missing", 1, nil)
	assert.True(t, domain.IsNotFound(err))
}

func TestWorker_IsSinkConnector(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	require.NoError(t, h.worker.StartConnector(ctx, "orders", sourceConnectorProps("orders"), nil, nil, domain.TargetStateStarted))
	require.NoError(t, h.worker.StartConnector(ctx, "archive", sinkConnectorProps("archive"), nil, nil, domain.TargetStateStarted))

	sink, err := h.worker.IsSinkConnector("archive")
	require.NoError(t, err)
	assert.True(t, sink)

	sink, err = h.worker.IsSinkConnector("orders")
	require.NoError(t, err)
	assert.False(t, sink)

	_, err = h.worker.IsSinkConnector("missing")
	assert.True(t, domain.IsNotFound(err))
}

func TestWorker_SourceTask(t *testing.T) {
	server := memory.NewServer(quietLogger())
	client := server.Connect()
	lock := distlock.New(client, domain.DefaultLockRootPath, distlock.WithLogger(quietLogger()))
	require.NoError(t, lock.Start(context.Background()))
	t.Cleanup(func() {
		_ = lock.Close()
		_ = client.Close()
	})

	h := newHarness(t, withLock(lock))
	id := domain.NewTaskID("orders", 0)
	listener := newRecordingTaskListener()

	require.NoError(t, h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"), sourceTaskProps(), listener, domain.TargetStateStarted))
	listener.expect(t, "startup")

	assert.Equal(t, []domain.TaskID{id}, h.worker.TaskIDs())
	assert.Contains(t, server.Children(domain.DefaultLockRootPath), id.LockName())
	data, ok := server.Data(domain.DefaultLockRootPath + "/" + id.LockName())
	require.True(t, ok)
	assert.Equal(t, "worker-1", string(data))

	h.source.feed <- sourceRecord("orders", 1, "first")
	h.source.feed <- sourceRecord("orders", 2, "second")

	producer := h.producers.last()
	require.NotNil(t, producer)
	require.Eventually(t, func() bool { return len(producer.records()) == 2 }, 2*time.Second, 5*time.Millisecond)

	sent := producer.records()
	assert.Equal(t, "orders-topic", sent[0].Topic)
	assert.Contains(t, string(sent[0].Value), `"payload":"first"`)
	assert.Contains(t, string(sent[1].Value), `"payload":"second"`)
	assert.Equal(t, "all", producer.props["acks"])

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")

	assert.Empty(t, h.worker.TaskIDs())
	assert.Empty(t, server.Children(domain.DefaultLockRootPath))
	assert.Equal(t, int32(2), h.source.committed.Load())
	assert.GreaterOrEqual(t, h.source.commits.Load(), int32(1))
	assert.True(t, producer.closed)

	reader := offsets.NewStorageReader(h.store, "orders", h.worker.InternalKeyConverter(), h.worker.InternalValueConverter(), quietLogger())
	offset, err := reader.Offset(context.Background(), map[string]interface{}{"table": "orders"})
	require.NoError(t, err)
	assert.Equal(t, xjson.Number("2"), offset["position"])
}

func TestWorker_SourceTaskSeesCommittedOffsets(t *testing.T) {
	h := newHarness(t)
	id := domain.NewTaskID("orders", 0)

	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"), sourceTaskProps(), listener, domain.TargetStateStarted))
	listener.expect(t, "startup")

	h.source.feed <- sourceRecord("orders", 7, "value")
	require.Eventually(t, func() bool { return len(h.producers.last().records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")

	offset, err := h.source.reader.Offset(context.Background(), map[string]interface{}{"table": "orders"})
	require.NoError(t, err)
	assert.Equal(t, xjson.Number("7"), offset["position"])

	missing, err := h.source.reader.Offset(context.Background(), map[string]interface{}{"table": "customers"})
	require.NoError(t, err)
	assert.Nil(t, missing)
}

func TestWorker_TaskConverterPrecedence(t *testing.T) {
	tests := []struct {
		name      string
		connProps map[string]string
		taskProps map[string]string
		key       string
	}{
		{
			name:      "task level wins",
			connProps: map[string]string{domain.KeyConverterClassConfig: "bytes"},
			taskProps: map[string]string{domain.KeyConverterClassConfig: "string"},
			key:       "k",
		},
		{
			name:      "connector level",
			connProps: map[string]string{domain.KeyConverterClassConfig: "string"},
			key:       "k",
		},
		{
			name: "worker default",
			key:  `"payload":"k"`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newHarness(t)
			id := domain.NewTaskID("orders", 0)

			connProps := sourceConnectorProps("orders")
			for k, v := range tt.connProps {
				connProps[k] = v
			}
			taskProps := sourceTaskProps()
			for k, v := range tt.taskProps {
				taskProps[k] = v
			}

			listener := newRecordingTaskListener()
			require.NoError(t, h.worker.StartTask(context.Background(), id, connProps, taskProps, listener, domain.TargetStateStarted))
			listener.expect(t, "startup")

			h.source.feed <- sourceRecord("orders", 1, "value")
			producer := h.producers.last()
			require.Eventually(t, func() bool { return len(producer.records()) == 1 }, 2*time.Second, 5*time.Millisecond)

			key := string(producer.records()[0].Key)
			if strings.HasPrefix(tt.key, `"`) {
				assert.Contains(t, key, tt.key)
			} else {
				assert.Equal(t, tt.key, key)
			}

			h.worker.StopAndAwaitTask(id)
			listener.expect(t, "shutdown")
		})
	}
}

func TestWorker_SourceTaskTransforms(t *testing.T) {
	h := newHarness(t)
	id := domain.NewTaskID("orders", 0)

	connProps := sourceConnectorProps("orders")
	connProps[domain.ValueConverterClassConfig] = "string"
	connProps["transforms"] = "route"
	connProps["transforms.route.type"] = "regex-router"
	connProps["transforms.route.regex"] = "orders-(.*)"
	connProps["transforms.route.replacement"] = "archive-$1"

	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(context.Background(), id, connProps, sourceTaskProps(), listener, domain.TargetStateStarted))
	listener.expect(t, "startup")

	h.source.feed <- sourceRecord("orders", 1, "value")
	producer := h.producers.last()
	require.Eventually(t, func() bool { return len(producer.records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	assert.Equal(t, "archive-topic", producer.records()[0].Topic)
	assert.Equal(t, "value", string(producer.records()[0].Value))

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")
}

func TestWorker_SinkTask(t *testing.T) {
	h := newHarness(t)
	id := domain.NewTaskID("archive", 0)

	connProps := sinkConnectorProps("archive")
	connProps[domain.KeyConverterClassConfig] = "string"
	connProps[domain.ValueConverterClassConfig] = "string"
	taskProps := map[string]string{
		domain.TaskClassConfig: "fake-sink-task",
		domain.TopicsConfig:    "events",
	}

	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(context.Background(), id, connProps, taskProps, listener, domain.TargetStateStarted))
	listener.expect(t, "startup")

	h.consumer.mu.Lock()
	assert.Equal(t, []string{"events"}, h.consumer.topics)
	assert.Equal(t, "connect-archive", h.consumer.props["group.id"])
	assert.Equal(t, "false", h.consumer.props["enable.auto.commit"])
	h.consumer.mu.Unlock()

	h.consumer.feed <- &ports.ConsumerRecord{Topic: "events", Partition: 0, Offset: 41, Key: []byte("k"), Value: []byte("v1")}
	h.consumer.feed <- &ports.ConsumerRecord{Topic: "events", Partition: 0, Offset: 42, Key: []byte("k"), Value: []byte("v2")}

	require.Eventually(t, func() bool {
		put, _, _ := h.sink.snapshot()
		return len(put) == 2
	}, 2*time.Second, 5*time.Millisecond)

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")

	put, flushed, stopped := h.sink.snapshot()
	assert.Equal(t, "v1", put[0].Value)
	assert.Equal(t, int64(41), put[0].Offset)
	assert.Equal(t, "k", put[1].Key)
	assert.True(t, stopped)

	events := ports.TopicPartition{Topic: "events", Partition: 0}
	require.NotEmpty(t, flushed)
	assert.Equal(t, int64(43), flushed[len(flushed)-1][events])

	h.consumer.mu.Lock()
	defer h.consumer.mu.Unlock()
	require.NotEmpty(t, h.consumer.committed)
	assert.Equal(t, int64(43), h.consumer.committed[len(h.consumer.committed)-1][events])
	assert.True(t, h.consumer.closed)
}

func TestWorker_SinkTaskWithoutTopics(t *testing.T) {
	h := newHarness(t)
	id := domain.NewTaskID("archive", 0)
	listener := newRecordingTaskListener()

	err := h.worker.StartTask(context.Background(), id, sinkConnectorProps("archive"),
		map[string]string{domain.TaskClassConfig: "fake-sink-task"}, listener, domain.TargetStateStarted)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidConfig(err))
	listener.expect(t, "failure")
	assert.Empty(t, h.worker.TaskIDs())
}

func TestWorker_StartTaskFailures(t *testing.T) {
	h := newHarness(t)
	listener := newRecordingTaskListener()

	err := h.worker.StartTask(context.Background(), domain.NewTaskID("orders", 0), sourceConnectorProps("orders"),
		map[string]string{domain.TaskClassConfig: "plain-task"}, listener, domain.TargetStateStarted)
	require.Error(t, err)
	assert.Equal(t, domain.CategoryPlugin, domain.GetErrorCategory(err))
	assert.True(t, domain.IsInvalidConfig(err))
	listener.expect(t, "failure")

	err = h.worker.StartTask(context.Background(), domain.NewTaskID("orders", 1), sourceConnectorProps("orders"),
		map[string]string{}, listener, domain.TargetStateStarted)
	require.Error(t, err)
	assert.True(t, domain.IsInvalidConfig(err))
	listener.expect(t, "failure")

	assert.Empty(t, h.worker.TaskIDs())
}

func TestWorker_StartTaskDuplicate(t *testing.T) {
	h := newHarness(t)
	id := domain.NewTaskID("orders", 0)

	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"), sourceTaskProps(), listener, domain.TargetStateStarted))
	listener.expect(t, "startup")

	second := newRecordingTaskListener()
	err := h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"), sourceTaskProps(), second, domain.TargetStateStarted)
	require.Error(t, err)
	assert.True(t, domain.IsAlreadyExists(err))
	second.expectNone(t, 50*time.Millisecond)

	assert.Equal(t, []domain.TaskID{id}, h.worker.TaskIDs())
}

func TestWorker_TaskFailure(t *testing.T) {
	h := newHarness(t)
	require.NoError(t, h.registry.RegisterTask("broken-task", func() ports.Task {
		task := newFakeSourceTask()
		task.pollErr = errors.New("source offline")
		return task
	}))

	id := domain.NewTaskID("orders", 0)
	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"),
		map[string]string{domain.TaskClassConfig: "broken-task"}, listener, domain.TargetStateStarted))

	listener.expect(t, "startup")
	ev := listener.expect(t, "failure")
	assert.Contains(t, ev.err.Error(), "source offline")

	state, ok := h.worker.TaskState(id)
	require.True(t, ok)
	assert.Equal(t, domain.LifecycleFailed, state)
}

func TestWorker_TaskPauseResume(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := domain.NewTaskID("orders", 0)

	require.NoError(t, h.worker.StartConnector(ctx, "orders", sourceConnectorProps("orders"), nil, nil, domain.TargetStatePaused))

	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(ctx, id, sourceConnectorProps("orders"), sourceTaskProps(), listener, domain.TargetStatePaused))
	listener.expect(t, "pause")
	listener.expectNone(t, 100*time.Millisecond)

	state, _ := h.worker.TaskState(id)
	assert.Equal(t, domain.LifecyclePaused, state)

	h.worker.SetTargetState("orders", domain.TargetStateStarted)
	listener.expect(t, "startup")
	assert.True(t, h.worker.IsRunning("orders"))

	h.worker.SetTargetState("orders", domain.TargetStatePaused)
	listener.expect(t, "pause")
	assert.False(t, h.worker.IsRunning("orders"))

	h.worker.SetTargetState("orders", domain.TargetStateStarted)
	listener.expect(t, "resume")

	h.source.feed <- sourceRecord("orders", 1, "value")
	require.Eventually(t, func() bool { return len(h.producers.last().records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")
}

func TestWorker_StopWhilePaused(t *testing.T) {
	h := newHarness(t)
	id := domain.NewTaskID("orders", 0)

	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"), sourceTaskProps(), listener, domain.TargetStatePaused))
	listener.expect(t, "pause")

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")
	assert.Empty(t, h.worker.TaskIDs())
}

func TestWorker_StopAndAwaitTasksSharesDeadline(t *testing.T) {
	const graceful = 300 * time.Millisecond
	h := newHarness(t, withGracefulTimeout(graceful))
	require.NoError(t, h.registry.RegisterTask("stubborn-task", func() ports.Task {
		task := newFakeSourceTask()
		task.stubborn = true
		return task
	}))

	stubbornProps := map[string]string{domain.TaskClassConfig: "stubborn-task"}
	ids := []domain.TaskID{domain.NewTaskID("orders", 0), domain.NewTaskID("orders", 1), domain.NewTaskID("orders", 2)}
	listeners := []*recordingTaskListener{newRecordingTaskListener(), newRecordingTaskListener(), newRecordingTaskListener()}
	taskProps := []map[string]string{stubbornProps, stubbornProps, sourceTaskProps()}

	for i, id := range ids {
		require.NoError(t, h.worker.StartTask(context.Background(), id, sourceConnectorProps("orders"), taskProps[i], listeners[i], domain.TargetStateStarted))
		listeners[i].expect(t, "startup")
	}

	started := time.Now()
	h.worker.StopAndAwaitTasks(ids...)
	elapsed := time.Since(started)

	assert.GreaterOrEqual(t, elapsed, graceful)
	assert.Less(t, elapsed, 2*graceful-50*time.Millisecond)
	assert.Empty(t, h.worker.TaskIDs())

	listeners[2].expect(t, "shutdown")
	listeners[0].expectNone(t, 100*time.Millisecond)
	listeners[1].expectNone(t, 10*time.Millisecond)
}

func TestWorker_StopCleansUpLeftovers(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	id := domain.NewTaskID("orders", 0)

	connListener := &mockConnectorListener{}
	connListener.Test(t)
	connListener.On("OnStartup", "orders").Once()
	connListener.On("OnShutdown", "orders").Once()
	require.NoError(t, h.worker.StartConnector(ctx, "orders", sourceConnectorProps("orders"), nil, connListener, domain.TargetStateStarted))

	taskListener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(ctx, id, sourceConnectorProps("orders"), sourceTaskProps(), taskListener, domain.TargetStateStarted))
	taskListener.expect(t, "startup")

	require.Equal(t, 1, h.worker.committer.scheduledCount())

	h.source.feed <- sourceRecord("orders", 3, "value")
	require.Eventually(t, func() bool { return len(h.producers.last().records()) == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, h.worker.Stop())
	taskListener.expect(t, "shutdown")

	assert.Empty(t, h.worker.ConnectorNames())
	assert.Empty(t, h.worker.TaskIDs())
	assert.Zero(t, h.worker.committer.scheduledCount())
	assert.Equal(t, 1, h.store.Len())
	connListener.AssertExpectations(t)
}

func registerFreshSourceTask(t *testing.T, h *harness) map[string]string {
	t.Helper()
	require.NoError(t, h.registry.RegisterTask("fresh-source-task", func() ports.Task {
		return newFakeSourceTask()
	}, plugins.InLoader("fake")))
	return map[string]string{domain.TaskClassConfig: "fresh-source-task"}
}

func TestWorker_RestartAfterStop(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskProps := registerFreshSourceTask(t, h)

	require.NoError(t, h.worker.Stop())
	require.NoError(t, h.worker.Start(ctx))

	id := domain.NewTaskID("orders", 0)
	listener := newRecordingTaskListener()
	require.NoError(t, h.worker.StartTask(ctx, id, sourceConnectorProps("orders"), taskProps, listener, domain.TargetStateStarted))
	listener.expect(t, "startup")

	state, ok := h.worker.TaskState(id)
	require.True(t, ok)
	assert.Equal(t, domain.LifecycleStarted, state)
	assert.Equal(t, 1, h.worker.offsetCommitter().scheduledCount())

	require.NoError(t, h.worker.StartConnector(ctx, "orders", sourceConnectorProps("orders"), nil, nil, domain.TargetStateStarted))
	assert.True(t, h.worker.IsRunning("orders"))

	h.worker.StopAndAwaitTask(id)
	listener.expect(t, "shutdown")
	listener.expectNone(t, 50*time.Millisecond)
	assert.True(t, h.worker.StopConnector("orders"))
}

func TestWorker_TaskRestartsUnderSameID(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskProps := registerFreshSourceTask(t, h)
	id := domain.NewTaskID("orders", 0)

	for i := 0; i < 3; i++ {
		listener := newRecordingTaskListener()
		require.NoError(t, h.worker.StartTask(ctx, id, sourceConnectorProps("orders"), taskProps, listener, domain.TargetStateStarted), "start %d", i)
		listener.expect(t, "startup")
		require.Equal(t, 1, h.worker.offsetCommitter().scheduledCount())

		h.worker.StopAndAwaitTask(id)
		listener.expect(t, "shutdown")
		assert.Empty(t, h.worker.TaskIDs())
		assert.Zero(t, h.worker.offsetCommitter().scheduledCount())
	}
}

func TestWorker_TaskStopRightAfterStartLeavesNoSchedule(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	taskProps := registerFreshSourceTask(t, h)
	id := domain.NewTaskID("orders", 0)

	for i := 0; i < 50; i++ {
		require.NoError(t, h.worker.StartTask(ctx, id, sourceConnectorProps("orders"), taskProps, nil, domain.TargetStateStarted))
		h.worker.StopAndAwaitTask(id)
		require.Zero(t, h.worker.offsetCommitter().scheduledCount(), "iteration %d", i)
	}
}

func TestWorker_ConnectorRestartsUnderSameName(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()

	var built []*fakeConnector
	require.NoError(t, h.registry.RegisterConnector("fresh-source", func() ports.Connector {
		c := &fakeConnector{kind: ports.ConnectorKindSource}
		built = append(built, c)
		return c
	}, plugins.InLoader("fake")))

	props := map[string]string{
		domain.ConnectorNameConfig:  "orders",
		domain.ConnectorClassConfig: "fresh-source",
	}

	for i := 0; i < 3; i++ {
		require.NoError(t, h.worker.StartConnector(ctx, "orders", props, nil, nil, domain.TargetStateStarted), "start %d", i)
		assert.True(t, h.worker.IsRunning("orders"))
		require.True(t, h.worker.StopConnector("orders"))
		assert.Empty(t, h.worker.ConnectorNames())
	}

	require.Len(t, built, 3)
	for _, c := range built {
		starts, stops := c.counts()
		assert.Equal(t, 1, starts)
		assert.Equal(t, 1, stops)
	}
}
