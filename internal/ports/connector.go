package ports

import (
	"context"

	"github.com/eleven-am/conduit/internal/domain"
)

type ConnectorKind string

const (
	ConnectorKindSource ConnectorKind = "source"
	ConnectorKindSink   ConnectorKind = "sink"
)

// ConnectorContext lets a running connector talk back to the runtime.
type ConnectorContext interface {
	RequestTaskReconfiguration()
	RaiseError(err error)
}

type Connector interface {
	Kind() ConnectorKind
	Initialize(ctx ConnectorContext)
	Start(ctx context.Context, props map[string]string) error
	TaskClass() string
	TaskConfigs(maxTasks int) ([]map[string]string, error)
	Stop() error
}

// Task is the unit a connector partitions its work into. Concrete tasks implement
// either SourceTask or SinkTask.
type Task interface {
	Start(ctx context.Context, props map[string]string) error
	Stop() error
}

type SourceTaskContext interface {
	OffsetReader() OffsetStorageReader
}

type SourceTask interface {
	Task
	Initialize(ctx SourceTaskContext)
	// Poll returns the next batch, or nil when nothing is ready yet.
	Poll(ctx context.Context) ([]*SourceRecord, error)
	Commit(ctx context.Context) error
	CommitRecord(ctx context.Context, record *SourceRecord, metadata *RecordMetadata) error
}

type SinkTaskContext interface {
	Assignment() []TopicPartition
	RequestCommit()
}

type SinkTask interface {
	Task
	Initialize(ctx SinkTaskContext)
	Put(ctx context.Context, records []*SinkRecord) error
	Flush(ctx context.Context, offsets map[TopicPartition]int64) error
}

type ConnectorStatusListener interface {
	OnStartup(connector string)
	OnPause(connector string)
	OnResume(connector string)
	OnFailure(connector string, err error)
	OnShutdown(connector string)
}

type TaskStatusListener interface {
	OnStartup(id domain.TaskID)
	OnPause(id domain.TaskID)
	OnResume(id domain.TaskID)
	OnFailure(id domain.TaskID, err error)
	OnShutdown(id domain.TaskID)
}
