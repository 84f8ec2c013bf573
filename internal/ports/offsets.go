package ports

import "context"

// OffsetBackingStore persists serialized source offsets. Keys and values are opaque bytes.
type OffsetBackingStore interface {
	Start(ctx context.Context) error
	Stop() error
	Get(ctx context.Context, keys [][]byte) (map[string][]byte, error)
	Set(ctx context.Context, values map[string][]byte) error
}

// OffsetStorageReader gives a source task the last committed offsets of its partitions.
type OffsetStorageReader interface {
	Offset(ctx context.Context, partition map[string]interface{}) (map[string]interface{}, error)
	// Offsets answers in input order, with nil for partitions that have no committed offset.
	Offsets(ctx context.Context, partitions []map[string]interface{}) ([]map[string]interface{}, error)
}
