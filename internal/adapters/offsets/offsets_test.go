package offsets

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eleven-am/conduit/internal/adapters/converters"
	"github.com/eleven-am/conduit/internal/domain"
	"github.com/eleven-am/conduit/internal/ports"
	"github.com/eleven-am/conduit/internal/xjson"
)

func internalConverter(t *testing.T, isKey bool) ports.Converter {
	t.Helper()
	c := converters.NewJSONConverter()
	require.NoError(t, c.Configure(map[string]string{converters.SchemasEnableConfig: "false"}, isKey))
	return c
}

type failingStore struct {
	ports.OffsetBackingStore
	fail bool
}

func (f *failingStore) Set(ctx context.Context, values map[string][]byte) error {
	if f.fail {
		return errors.New("disk full")
	}
	return f.OffsetBackingStore.Set(ctx, values)
}

func TestBackingStores(t *testing.T) {
	stores := map[string]func(t *testing.T) ports.OffsetBackingStore{
		"memory": func(*testing.T) ports.OffsetBackingStore { return NewMemoryStore() },
		"badger": func(t *testing.T) ports.OffsetBackingStore { return NewBadgerStore("", nil) },
	}

	for name, build := range stores {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			store := build(t)

			_, err := store.Get(ctx, [][]byte{[]byte("k")})
			assert.ErrorIs(t, err, domain.ErrNotStarted)

			require.NoError(t, store.Start(ctx))
			defer store.Stop()

			require.NoError(t, store.Set(ctx, map[string][]byte{"a": []byte("1"), "b": []byte("2")}))

			got, err := store.Get(ctx, [][]byte{[]byte("a"), []byte("b"), []byte("missing")})
			require.NoError(t, err)
			assert.Equal(t, map[string][]byte{"a": []byte("1"), "b": []byte("2")}, got)

			require.NoError(t, store.Set(ctx, map[string][]byte{"a": nil}))
			got, err = store.Get(ctx, [][]byte{[]byte("a")})
			require.NoError(t, err)
			assert.Empty(t, got)
		})
	}
}

func TestBadgerStore_PersistsAcrossRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	store := NewBadgerStore(dir, nil)
	require.NoError(t, store.Start(ctx))
	assert.ErrorIs(t, store.Start(ctx), domain.ErrAlreadyStarted)
	require.NoError(t, store.Set(ctx, map[string][]byte{"orders": []byte(`{"pos":5}`)}))
	require.NoError(t, store.Stop())

	reopened := NewBadgerStore(dir, nil)
	require.NoError(t, reopened.Start(ctx))
	defer reopened.Stop()

	got, err := reopened.Get(ctx, [][]byte{[]byte("orders")})
	require.NoError(t, err)
	assert.Equal(t, `{"pos":5}`, string(got["orders"]))
}

func TestWriterAndReader(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	require.NoError(t, store.Start(ctx))

	keyConv, valueConv := internalConverter(t, true), internalConverter(t, false)
	writer := NewStorageWriter(store, "orders-connector", keyConv, valueConv, nil)
	reader := NewStorageReader(store, "orders-connector", keyConv, valueConv, nil)

	p1 := map[string]interface{}{"table": "orders"}
	p2 := map[string]interface{}{"table": "customers"}
	missing := map[string]interface{}{"table": "unknown"}

	require.NoError(t, writer.Offset(p1, map[string]interface{}{"pos": 10}))
	require.NoError(t, writer.Offset(p1, map[string]interface{}{"pos": 11}))
	require.NoError(t, writer.Offset(p2, map[string]interface{}{"pos": 3}))

	started, err := writer.BeginFlush()
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, writer.DoFlush(ctx))

	results, err := reader.Offsets(ctx, []map[string]interface{}{p2, missing, p1})
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, map[string]interface{}{"pos": xjson.Number("3")}, results[0])
	assert.Nil(t, results[1])
	assert.Equal(t, map[string]interface{}{"pos": xjson.Number("11")}, results[2])

	started, err = writer.BeginFlush()
	require.NoError(t, err)
	assert.False(t, started, "nothing new to flush")

	other := NewStorageReader(store, "other-connector", keyConv, valueConv, nil)
	offset, err := other.Offset(ctx, p1)
	require.NoError(t, err)
	assert.Nil(t, offset, "namespaces are isolated")

	_, err = reader.Offset(ctx, nil)
	assert.ErrorIs(t, err, domain.ErrInvalidInput)
}

func TestWriter_FailedFlushRestoresSnapshot(t *testing.T) {
	ctx := context.Background()
	inner := NewMemoryStore()
	require.NoError(t, inner.Start(ctx))
	store := &failingStore{OffsetBackingStore: inner, fail: true}

	keyConv, valueConv := internalConverter(t, true), internalConverter(t, false)
	writer := NewStorageWriter(store, "c", keyConv, valueConv, nil)
	partition := map[string]interface{}{"file": "a.log"}

	require.NoError(t, writer.Offset(partition, map[string]interface{}{"line": 1}))
	started, err := writer.BeginFlush()
	require.NoError(t, err)
	require.True(t, started)

	_, err = writer.BeginFlush()
	assert.ErrorIs(t, err, domain.ErrAlreadyStarted, "one flush at a time")

	require.NoError(t, writer.Offset(partition, map[string]interface{}{"line": 2}))
	require.Error(t, writer.DoFlush(ctx))
	assert.Equal(t, 1, writer.Pending())

	store.fail = false
	started, err = writer.BeginFlush()
	require.NoError(t, err)
	require.True(t, started)
	require.NoError(t, writer.DoFlush(ctx))

	offset, err := NewStorageReader(store, "c", keyConv, valueConv, nil).Offset(ctx, partition)
	require.NoError(t, err)
	assert.Equal(t, map[string]interface{}{"line": xjson.Number("2")}, offset, "newer offset wins over the restored snapshot")
}

func TestWriter_CancelFlush(t *testing.T) {
	store := NewMemoryStore()
	keyConv, valueConv := internalConverter(t, true), internalConverter(t, false)
	writer := NewStorageWriter(store, "c", keyConv, valueConv, nil)

	require.NoError(t, writer.Offset(map[string]interface{}{"p": 1}, map[string]interface{}{"o": 1}))
	started, err := writer.BeginFlush()
	require.NoError(t, err)
	require.True(t, started)
	assert.Equal(t, 0, writer.Pending())

	writer.CancelFlush()
	assert.Equal(t, 1, writer.Pending())

	writer.CancelFlush()
	assert.Equal(t, 1, writer.Pending())
}
