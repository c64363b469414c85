package storage

import (
	"bytes"
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"path/filepath"
	"time"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/google/uuid"
)

var errBadgerClosed = errors.New("badger store is closed")

const (
	readingPrefix  = "reading:"
	auditPrefix    = "audit:"
	auditAllPrefix = "audit-all:"
	keySuffixLen   = 16 // timestamp (8) + sequence (8)
)

// BadgerBackend stores JSON values under keys ordered by
// prefix|machine|NUL|timestamp|sequence so a reverse prefix scan yields the
// newest rows first.
type BadgerBackend struct {
	db    *badger.DB
	seq   *badger.Sequence
	now   func() time.Time
	newID func() string
}

func NewBadgerBackend(path string) (*BadgerBackend, error) {
	opts := badger.DefaultOptions(filepath.Clean(path))
	opts = opts.WithLogger(nil)
	opts = opts.WithValueLogFileSize(1 << 20)
	return openBadger(opts)
}

// NewInMemoryBadgerBackend is a badger instance with no files on disk.
func NewInMemoryBadgerBackend() (*BadgerBackend, error) {
	opts := badger.DefaultOptions("").WithInMemory(true).WithLogger(nil)
	return openBadger(opts)
}

func openBadger(opts badger.Options) (*BadgerBackend, error) {
	db, err := badger.Open(opts)
	if err != nil {
		return nil, err
	}
	seq, err := db.GetSequence([]byte("seq:rows"), 256)
	if err != nil {
		_ = db.Close()
		return nil, err
	}
	return &BadgerBackend{db: db, seq: seq, now: time.Now, newID: uuid.NewString}, nil
}

func (b *BadgerBackend) Ping(context.Context) error {
	if b.db.IsClosed() {
		return errBadgerClosed
	}
	return nil
}

func (b *BadgerBackend) Close() error {
	if b.seq != nil {
		_ = b.seq.Release()
	}
	return b.db.Close()
}

func (b *BadgerBackend) AppendReading(_ context.Context, reading Reading) (Reading, error) {
	reading, err := prepareReading(reading, b.now())
	if err != nil {
		return Reading{}, err
	}
	seq, err := b.seq.Next()
	if err != nil {
		return Reading{}, err
	}
	data, err := json.Marshal(reading)
	if err != nil {
		return Reading{}, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		return txn.Set(rowKey(machinePrefix(readingPrefix, reading.MachineID), reading.Timestamp, seq), data)
	})
	if err != nil {
		return Reading{}, err
	}
	return reading, nil
}

func (b *BadgerBackend) RecentReadings(_ context.Context, machineID string, limit int) ([]Reading, error) {
	limit = clampLimit(limit)
	out := []Reading{}
	if limit == 0 {
		return out, nil
	}
	err := b.scanNewest(machinePrefix(readingPrefix, machineID), limit, func(v []byte) error {
		var rec Reading
		if err := json.Unmarshal(v, &rec); err != nil {
			return err
		}
		out = append(out, rec)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// AppendAuditEntry writes the per-machine key and the global index key in one
// transaction, so either both exist or neither does.
func (b *BadgerBackend) AppendAuditEntry(_ context.Context, entry AuditEntry) (AuditEntry, error) {
	entry, err := prepareAuditEntry(entry, b.now(), b.newID)
	if err != nil {
		return AuditEntry{}, err
	}
	seq, err := b.seq.Next()
	if err != nil {
		return AuditEntry{}, err
	}
	data, err := json.Marshal(entry)
	if err != nil {
		return AuditEntry{}, err
	}
	err = b.db.Update(func(txn *badger.Txn) error {
		if err := txn.Set(rowKey(machinePrefix(auditPrefix, entry.MachineID), entry.Timestamp, seq), data); err != nil {
			return err
		}
		return txn.Set(rowKey([]byte(auditAllPrefix), entry.Timestamp, seq), data)
	})
	if err != nil {
		return AuditEntry{}, err
	}
	return entry, nil
}

func (b *BadgerBackend) LatestAuditEntry(_ context.Context, machineID string) (AuditEntry, error) {
	prefix := []byte(auditAllPrefix)
	if machineID != "" {
		prefix = machinePrefix(auditPrefix, machineID)
	}
	var (
		rec   AuditEntry
		found bool
	)
	err := b.scanNewest(prefix, 1, func(v []byte) error {
		found = true
		return json.Unmarshal(v, &rec)
	})
	if err != nil {
		return AuditEntry{}, err
	}
	if !found {
		return AuditEntry{}, ErrNotFound
	}
	return rec, nil
}

func (b *BadgerBackend) scanNewest(prefix []byte, limit int, fn func([]byte) error) error {
	return b.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		opts.PrefetchSize = limit
		it := txn.NewIterator(opts)
		defer it.Close()
		seek := append(append([]byte{}, prefix...), bytes.Repeat([]byte{0xFF}, keySuffixLen+1)...)
		count := 0
		for it.Seek(seek); it.ValidForPrefix(prefix) && count < limit; it.Next() {
			if err := it.Item().Value(fn); err != nil {
				return err
			}
			count++
		}
		return nil
	})
}

func machinePrefix(kind, machineID string) []byte {
	key := make([]byte, 0, len(kind)+len(machineID)+1)
	key = append(key, kind...)
	key = append(key, machineID...)
	return append(key, 0)
}

func rowKey(prefix []byte, ts time.Time, seq uint64) []byte {
	key := make([]byte, len(prefix)+keySuffixLen)
	copy(key, prefix)
	// Flip the sign bit so pre-1970 timestamps still sort before later ones.
	binary.BigEndian.PutUint64(key[len(prefix):], uint64(ts.UnixNano())^(1<<63))
	binary.BigEndian.PutUint64(key[len(prefix)+8:], seq)
	return key
}
