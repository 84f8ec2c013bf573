package offsets

import (
	"context"
	"log/slog"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

// StorageReader reads the offsets one namespace (a connector name) committed to the backing store.
type StorageReader struct {
	store          ports.OffsetBackingStore
	namespace      string
	keyConverter   ports.Converter
	valueConverter ports.Converter
	logger         *slog.Logger
}

func NewStorageReader(store ports.OffsetBackingStore, namespace string, keyConverter, valueConverter ports.Converter, logger *slog.Logger) *StorageReader {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageReader{
		store:          store,
		namespace:      namespace,
		keyConverter:   keyConverter,
		valueConverter: valueConverter,
		logger:         logger.With("component", "offset-reader", "namespace", namespace),
	}
}

func (r *StorageReader) Offset(ctx context.Context, partition map[string]interface{}) (map[string]interface{}, error) {
	results, err := r.Offsets(ctx, []map[string]interface{}{partition})
	if err != nil {
		return nil, err
	}
	return results[0], nil
}

func (r *StorageReader) Offsets(ctx context.Context, partitions []map[string]interface{}) ([]map[string]interface{}, error) {
	keys := make([][]byte, len(partitions))
	for i, partition := range partitions {
		key, err := encodeKey(r.keyConverter, r.namespace, partition)
		if err != nil {
			return nil, err
		}
		keys[i] = key
	}

	raw, err := r.store.Get(ctx, keys)
	if err != nil {
		return nil, domain.NewStorageError("failed to fetch offsets", err,
			domain.WithComponent("offsets.StorageReader"),
			domain.WithContextDetail("namespace", r.namespace))
	}

	results := make([]map[string]interface{}, len(partitions))
	for i, key := range keys {
		data, ok := raw[string(key)]
		if !ok || data == nil {
			continue
		}

		decoded, err := r.valueConverter.ToConnectData(r.namespace, data)
		if err != nil {
			r.logger.Error("failed to decode offset, ignoring it", "partition", partitions[i], "error", err)
			continue
		}

		offset, ok := decoded.(map[string]interface{})
		if !ok {
			r.logger.Error("stored offset is not a map, ignoring it", "partition", partitions[i])
			continue
		}
		results[i] = offset
	}
	return results, nil
}

func encodeKey(converter ports.Converter, namespace string, partition map[string]interface{}) ([]byte, error) {
	if partition == nil {
		return nil, domain.NewValidationError("source partition cannot be nil", domain.ErrInvalidInput,
			domain.WithComponent("offsets.encodeKey"),
			domain.WithContextDetail("namespace", namespace))
	}

	key, err := converter.FromConnectData(namespace, []interface{}{namespace, partition})
	if err != nil {
		return nil, domain.NewValidationError("failed to encode offset key", err,
			domain.WithComponent("offsets.encodeKey"),
			domain.WithContextDetail("namespace", namespace))
	}
	return key, nil
}
