package offsets

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"

	"github.com/dgraph-io/badger/v3"

	"github.com/eleven-am/conduit/internal/domain"
)

const keyPrefix = "offset:"

// BadgerStore keeps serialized offsets in a local badger database. An empty directory
// opens an in-memory database.
type BadgerStore struct {
	dir    string
	logger *slog.Logger

	mu sync.RWMutex
	db *badger.DB
}

func NewBadgerStore(dir string, logger *slog.Logger) *BadgerStore {
	if logger == nil {
		logger = slog.Default()
	}
	return &BadgerStore{
		dir:    dir,
		logger: logger.With("component", "offset-store", "backend", "badger"),
	}
}

func (s *BadgerStore) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db != nil {
		return domain.ErrAlreadyStarted
	}

	opts := badger.DefaultOptions(s.dir)
	if s.dir == "" {
		opts = opts.WithInMemory(true)
	} else if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return domain.NewStorageError("failed to create offset directory", err,
			domain.WithComponent("offsets.BadgerStore"),
			domain.WithContextDetail("dir", s.dir))
	}
	opts.Logger = &badgerLogger{logger: s.logger}

	db, err := badger.Open(opts)
	if err != nil {
		return domain.NewStorageError("failed to open offset database", err,
			domain.WithComponent("offsets.BadgerStore"),
			domain.WithContextDetail("dir", s.dir))
	}

	s.db = db
	s.logger.Info("offset store started", "dir", s.dir, "in_memory", s.dir == "")
	return nil
}

func (s *BadgerStore) Stop() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.db == nil {
		return nil
	}

	err := s.db.Close()
	s.db = nil
	if err != nil {
		return domain.NewStorageError("failed to close offset database", err,
			domain.WithComponent("offsets.BadgerStore"))
	}
	s.logger.Info("offset store stopped")
	return nil
}

func (s *BadgerStore) Get(ctx context.Context, keys [][]byte) (map[string][]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return nil, domain.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	result := make(map[string][]byte, len(keys))
	err := s.db.View(func(txn *badger.Txn) error {
		for _, key := range keys {
			item, err := txn.Get(storageKey(key))
			if err != nil {
				if errors.Is(err, badger.ErrKeyNotFound) {
					continue
				}
				return err
			}

			value, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			result[string(key)] = value
		}
		return nil
	})
	if err != nil {
		return nil, domain.NewStorageError("failed to read offsets", err,
			domain.WithComponent("offsets.BadgerStore"))
	}
	return result, nil
}

func (s *BadgerStore) Set(ctx context.Context, values map[string][]byte) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.db == nil {
		return domain.ErrNotStarted
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	err := s.db.Update(func(txn *badger.Txn) error {
		for key, value := range values {
			if value == nil {
				if err := txn.Delete(storageKey([]byte(key))); err != nil {
					return err
				}
				continue
			}
			if err := txn.Set(storageKey([]byte(key)), value); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return domain.NewStorageError("failed to write offsets", err,
			domain.WithComponent("offsets.BadgerStore"),
			domain.WithContextDetail("count", len(values)))
	}
	return nil
}

func storageKey(key []byte) []byte {
	out := make([]byte, 0, len(keyPrefix)+len(key))
	out = append(out, keyPrefix...)
	return append(out, key...)
}

type badgerLogger struct {
	logger *slog.Logger
}

func (b *badgerLogger) Errorf(format string, args ...interface{}) {
	b.logger.Error(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Warningf(format string, args ...interface{}) {
	b.logger.Warn(fmt.Sprintf(format, args...))
}

func (b *badgerLogger) Infof(string, ...interface{}) {}

func (b *badgerLogger) Debugf(string, ...interface{}) {}
