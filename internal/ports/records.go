package ports

import (
	"fmt"
	"time"
)

// AnyPartition leaves partition choice to the producer.
const AnyPartition int32 = -1

type TopicPartition struct {
	Topic     string `json:"topic"`
	Partition int32  `json:"partition"`
}

func (tp TopicPartition) String() string {
	return fmt.Sprintf("%s-%d", tp.Topic, tp.Partition)
}

// Record is the connector-facing view shared by source and sink records; transformations operate on it.
type Record struct {
	Topic     string
	Partition int32
	Key       interface{}
	Value     interface{}
	Timestamp time.Time
	Headers   map[string]string
}

func (r *Record) Clone() *Record {
	out := *r
	if r.Headers != nil {
		out.Headers = make(map[string]string, len(r.Headers))
		for k, v := range r.Headers {
			out.Headers[k] = v
		}
	}
	return &out
}

type SourceRecord struct {
	Record
	SourcePartition map[string]interface{}
	SourceOffset    map[string]interface{}
}

type SinkRecord struct {
	Record
	Offset int64
}

func (r *SinkRecord) TopicPartition() TopicPartition {
	return TopicPartition{Topic: r.Topic, Partition: r.Partition}
}
