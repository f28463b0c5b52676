package journal

import (
	"encoding/base64"
	"errors"
	"fmt"
	"log/slog"

	"github.com/dgraph-io/badger/v4"
)

// Store is the key/value backend of a Journal. Keys are
// visited in ascending byte order.
type Store interface {
	Put(key string, value []byte) error
	ForEach(fn func(key string, value []byte) error) error
	Close() error
}

const bucket = "decisions/"

// BadgerStore is a Store on a Badger database.
type BadgerStore struct {
	db *badger.DB
}

// OpenBadger opens or creates a Badger database at path.
// keyBase64, when set, must decode to 32 bytes and enables
// encryption at rest.
func OpenBadger(path string, keyBase64 string) (*BadgerStore, error) {
	const errCtx = "opening journal store"

	if path == "" {
		return nil, fmt.Errorf("%s: path is required", errCtx)
	}

	opts := badger.DefaultOptions(path).WithLogger(badgerLogger{})

	if keyBase64 != "" {
		key, err := base64.StdEncoding.DecodeString(keyBase64)
		if err != nil {
			return nil, fmt.Errorf(
				"%s: decode encryption key: %w", errCtx, err,
			)
		}

		if len(key) != 32 {
			return nil, fmt.Errorf(
				"%s: encryption key must be 32 bytes", errCtx,
			)
		}

		opts = opts.WithEncryptionKey(key).WithIndexCacheSize(8 << 20)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", errCtx, err)
	}

	return &BadgerStore{db: db}, nil
}

// Put stores value under key, replacing any previous value.
func (bs *BadgerStore) Put(key string, value []byte) error {
	if key == "" {
		return errors.New("journal key is required")
	}

	return bs.db.Update(func(txn *badger.Txn) error {
		return txn.Set([]byte(bucket+key), value)
	})
}

// ForEach visits every record in key order.
func (bs *BadgerStore) ForEach(fn func(key string, value []byte) error) error {
	prefix := []byte(bucket)

	return bs.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			item := it.Item()
			key := string(item.Key()[len(prefix):])

			if err := item.Value(func(val []byte) error {
				return fn(key, val)
			}); err != nil {
				return err
			}
		}

		return nil
	})
}

// Close flushes and closes the database.
func (bs *BadgerStore) Close() error {
	if bs.db == nil {
		return nil
	}

	return bs.db.Close()
}

// badgerLogger routes Badger's internal logging to slog.
// Info and debug chatter is demoted to debug.
type badgerLogger struct{}

func (badgerLogger) Errorf(format string, args ...interface{}) {
	slog.Error(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Warningf(format string, args ...interface{}) {
	slog.Warn(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Infof(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "badger")
}

func (badgerLogger) Debugf(format string, args ...interface{}) {
	slog.Debug(fmt.Sprintf(format, args...), "component", "badger")
}
