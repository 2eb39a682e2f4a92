package cache

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/dgraph-io/badger/v4"
)

// Warm record kinds.
const (
	recordInline  byte = 1
	recordColdRef byte = 2
)

// warmKeyPrefix namespaces cache records inside the badger keyspace.
const warmKeyPrefix = "cache/"

var errCorruptRecord = errors.New("corrupt warm record")

// warmRecord is what the warm tier stores per key: either the value itself
// or the content digest of a cold-tier object holding it.
type warmRecord struct {
	kind    byte
	payload []byte
}

func (r warmRecord) encode() []byte {
	out := make([]byte, 0, len(r.payload)+1)
	out = append(out, r.kind)

	return append(out, r.payload...)
}

func decodeWarmRecord(data []byte) (warmRecord, error) {
	if len(data) == 0 {
		return warmRecord{}, errCorruptRecord
	}

	kind := data[0]
	if kind != recordInline && kind != recordColdRef {
		return warmRecord{}, fmt.Errorf("%w: kind %d", errCorruptRecord, kind)
	}

	return warmRecord{kind: kind, payload: data[1:]}, nil
}

// warmTier is the authoritative durable tier backed by badger.
type warmTier struct {
	db *badger.DB
}

// openWarmTier opens badger at dir, or in memory when inMemory is set or dir is empty.
func openWarmTier(dir string, inMemory bool, logger *slog.Logger) (*warmTier, error) {
	var opts badger.Options

	if inMemory || dir == "" {
		opts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		mkErr := os.MkdirAll(dir, 0o750)
		if mkErr != nil {
			return nil, fmt.Errorf("create warm cache directory %s: %w", dir, mkErr)
		}

		opts = badger.DefaultOptions(dir)
	}

	opts = opts.WithNumVersionsToKeep(1)

	if logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: logger})
	} else {
		opts = opts.WithLogger(nil)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open warm cache: %w", err)
	}

	return &warmTier{db: db}, nil
}

func (w *warmTier) get(key string) (warmRecord, bool, error) {
	var raw []byte

	err := w.db.View(func(txn *badger.Txn) error {
		item, getErr := txn.Get([]byte(warmKeyPrefix + key))
		if getErr != nil {
			return getErr
		}

		var copyErr error

		raw, copyErr = item.ValueCopy(nil)

		return copyErr
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return warmRecord{}, false, nil
	}

	if err != nil {
		return warmRecord{}, false, fmt.Errorf("read warm record: %w", err)
	}

	record, decodeErr := decodeWarmRecord(raw)
	if decodeErr != nil {
		return warmRecord{}, false, decodeErr
	}

	return record, true, nil
}

func (w *warmTier) put(key string, record warmRecord, ttl time.Duration) error {
	err := w.db.Update(func(txn *badger.Txn) error {
		entry := badger.NewEntry([]byte(warmKeyPrefix+key), record.encode())
		if ttl > 0 {
			entry = entry.WithTTL(ttl)
		}

		return txn.SetEntry(entry)
	})
	if err != nil {
		return fmt.Errorf("write warm record: %w", err)
	}

	return nil
}

func (w *warmTier) delete(key string) error {
	err := w.db.Update(func(txn *badger.Txn) error {
		return txn.Delete([]byte(warmKeyPrefix + key))
	})
	if err != nil {
		return fmt.Errorf("delete warm record: %w", err)
	}

	return nil
}

func (w *warmTier) close() error {
	return w.db.Close()
}

// badgerLogger routes badger's internal logging into slog.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...any) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...any) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...any) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
