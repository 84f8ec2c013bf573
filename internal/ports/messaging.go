package ports

import (
	"context"
	"time"
)

type ProducerRecord struct {
	Topic     string
	Partition int32
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string]string
}

type RecordMetadata struct {
	Topic     string
	Partition int32
	Offset    int64
}

// Producer is the outbound message-bus client a source task writes through.
type Producer interface {
	Send(ctx context.Context, record *ProducerRecord) (*RecordMetadata, error)
	Flush(ctx context.Context) error
	Close(timeout time.Duration) error
}

type ProducerFactory interface {
	NewProducer(props map[string]string) (Producer, error)
}

type ConsumerRecord struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	Headers   map[string]string
}

// Consumer is the inbound message-bus client a sink task reads through.
type Consumer interface {
	Subscribe(topics []string) error
	Poll(ctx context.Context, timeout time.Duration) ([]*ConsumerRecord, error)
	Commit(ctx context.Context, offsets map[TopicPartition]int64) error
	Assignment() []TopicPartition
	Close() error
}

type ConsumerFactory interface {
	NewConsumer(props map[string]string) (Consumer, error)
}
