package offsets

import (
	"context"
	"log/slog"
	"sync"

	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
)

type pendingOffset struct {
	partition map[string]interface{}
	offset    map[string]interface{}
}

// StorageWriter buffers the latest offset per source partition and flushes them as one
// snapshot. Only one flush is in progress at a time; a cancelled or failed flush puts its
// snapshot back without overwriting newer offsets.
type StorageWriter struct {
	store          ports.OffsetBackingStore
	namespace      string
	keyConverter   ports.Converter
	valueConverter ports.Converter
	logger         *slog.Logger

	mu       sync.Mutex
	data     map[string]pendingOffset
	toFlush  map[string]pendingOffset
	flushing bool
}

func NewStorageWriter(store ports.OffsetBackingStore, namespace string, keyConverter, valueConverter ports.Converter, logger *slog.Logger) *StorageWriter {
	if logger == nil {
		logger = slog.Default()
	}
	return &StorageWriter{
		store:          store,
		namespace:      namespace,
		keyConverter:   keyConverter,
		valueConverter: valueConverter,
		logger:         logger.With("component", "offset-writer", "namespace", namespace),
		data:           make(map[string]pendingOffset),
	}
}

// Offset records the latest offset for partition. A nil offset deletes the stored value on flush.
func (w *StorageWriter) Offset(partition, offset map[string]interface{}) error {
	key, err := encodeKey(w.keyConverter, w.namespace, partition)
	if err != nil {
		return err
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	w.data[string(key)] = pendingOffset{partition: partition, offset: offset}
	return nil
}

// BeginFlush snapshots the pending offsets. It returns false when there is nothing to flush.
func (w *StorageWriter) BeginFlush() (bool, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.flushing {
		return false, domain.NewResourceError("offset flush already in progress", domain.ErrAlreadyStarted,
			domain.WithComponent("offsets.StorageWriter"),
			domain.WithContextDetail("namespace", w.namespace))
	}
	if len(w.data) == 0 {
		return false, nil
	}

	w.toFlush = w.data
	w.data = make(map[string]pendingOffset)
	w.flushing = true
	return true, nil
}

// DoFlush writes the snapshot taken by BeginFlush. On error the snapshot is restored.
func (w *StorageWriter) DoFlush(ctx context.Context) error {
	w.mu.Lock()
	if !w.flushing {
		w.mu.Unlock()
		return nil
	}
	snapshot := w.toFlush
	w.mu.Unlock()

	values := make(map[string][]byte, len(snapshot))
	for key, pending := range snapshot {
		if pending.offset == nil {
			values[key] = nil
			continue
		}

		encoded, err := w.valueConverter.FromConnectData(w.namespace, pending.offset)
		if err != nil {
			w.logger.Error("failed to encode offset", "partition", pending.partition, "error", err)
			w.CancelFlush()
			return domain.NewValidationError("failed to encode offset", err,
				domain.WithComponent("offsets.StorageWriter"),
				domain.WithContextDetail("namespace", w.namespace))
		}
		values[key] = encoded
	}

	if err := w.store.Set(ctx, values); err != nil {
		w.CancelFlush()
		return domain.NewStorageError("failed to flush offsets", err,
			domain.WithComponent("offsets.StorageWriter"),
			domain.WithContextDetail("namespace", w.namespace),
			domain.WithContextDetail("count", len(values)))
	}

	w.mu.Lock()
	w.toFlush = nil
	w.flushing = false
	w.mu.Unlock()
	return nil
}

func (w *StorageWriter) CancelFlush() {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.flushing {
		return
	}
	for key, pending := range w.toFlush {
		if _, newer := w.data[key]; !newer {
			w.data[key] = pending
		}
	}
	w.toFlush = nil
	w.flushing = false
}

func (w *StorageWriter) Pending() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}
