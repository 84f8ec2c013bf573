package transforms

import (
	"fmt"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

const (
	InsertFieldType = "insert-field"

	StaticFieldConfig    = "static.field"
	StaticValueConfig    = "static.value"
	TopicFieldConfig     = "topic.field"
	PartitionFieldConfig = "partition.field"
	TimestampFieldConfig = "timestamp.field"
)

// InsertField adds static and record metadata fields to map values.
// Tombstones pass through untouched.
type InsertField struct {
	staticField    string
	staticValue    string
	topicField     string
	partitionField string
	timestampField string
}

func NewInsertField() *InsertField {
	return &InsertField{}
}

func (t *InsertField) Configure(props map[string]string) error {
	t.staticField = props[StaticFieldConfig]
	t.staticValue = props[StaticValueConfig]
	t.topicField = props[TopicFieldConfig]
	t.partitionField = props[PartitionFieldConfig]
	t.timestampField = props[TimestampFieldConfig]

	if t.staticField == "" && t.topicField == "" && t.partitionField == "" && t.timestampField == "" {
		return domain.NewConfigurationError("insert-field needs at least one field to insert",
			domain.NewConfigError(StaticFieldConfig, domain.ErrInvalidConfig),
			domain.WithComponent("transforms.InsertField"))
	}
	return nil
}

func (t *InsertField) Apply(record *ports.Record) (*ports.Record, error) {
	if record.Value == nil {
		return record, nil
	}

	value, ok := record.Value.(map[string]interface{})
	if !ok {
		return nil, domain.NewValidationError(
			fmt.Sprintf("insert-field requires a map value, got %T", record.Value),
			domain.ErrInvalidInput,
			domain.WithComponent("transforms.InsertField"),
			domain.WithContextDetail("topic", record.Topic))
	}

	patch := make(map[string]interface{})
	if t.staticField != "" {
		patch[t.staticField] = t.staticValue
	}
	if t.topicField != "" {
		patch[t.topicField] = record.Topic
	}
	if t.partitionField != "" && record.Partition != ports.AnyPartition {
		patch[t.partitionField] = record.Partition
	}
	if t.timestampField != "" && !record.Timestamp.IsZero() {
		patch[t.timestampField] = record.Timestamp.UnixMilli()
	}

	merged, err := domain.MergeValues(value, patch)
	if err != nil {
		return nil, err
	}

	out := record.Clone()
	out.Value = merged
	return out, nil
}

func (t *InsertField) Close() error {
	return nil
}
