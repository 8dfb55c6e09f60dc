package auditchain

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/dgraph-io/badger/v4"
	"github.com/klauspost/compress/zstd"
	"github.com/sirupsen/logrus"
)

// prefixEntry is followed by the big-endian sequence so
// that badger's key order is chain order.
const prefixEntry = "audit:entry:"

// BadgerConfig configures a BadgerStore.
type BadgerConfig struct {
	// Path is the badger directory. Ignored when InMemory.
	Path     string
	InMemory bool
	// SyncWrites fsyncs every append.
	SyncWrites bool
	Logger     *logrus.Logger
}

// BadgerStore persists entries in badger as
// zstd-compressed CBOR.
type BadgerStore struct {
	db  *badger.DB
	enc *zstd.Encoder
	dec *zstd.Decoder
	log *logrus.Logger
}

// OpenBadgerStore opens or creates the store.
func OpenBadgerStore(cfg BadgerConfig) (*BadgerStore, error) {
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
		cfg.Logger.SetLevel(logrus.WarnLevel)
	}
	if !cfg.InMemory && cfg.Path == "" {
		return nil, errors.New("auditchain: badger path is required")
	}

	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = badger.DefaultOptions("").WithInMemory(true)
	}
	opts.Logger = cfg.Logger
	opts.SyncWrites = cfg.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open audit store: %w", err)
	}

	enc, err := zstd.NewWriter(nil)
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("zstd writer: %w", err)
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		enc.Close()
		db.Close()
		return nil, fmt.Errorf("zstd reader: %w", err)
	}

	return &BadgerStore{db: db, enc: enc, dec: dec, log: cfg.Logger}, nil
}

func entryKey(seq uint64) []byte {
	k := make([]byte, len(prefixEntry)+8)
	copy(k, prefixEntry)
	binary.BigEndian.PutUint64(k[len(prefixEntry):], seq)
	return k
}

func (s *BadgerStore) encode(e Entry) ([]byte, error) {
	raw, err := MarshalEntry(e)
	if err != nil {
		return nil, err
	}
	return s.enc.EncodeAll(raw, nil), nil
}

func (s *BadgerStore) decode(val []byte) (Entry, error) {
	raw, err := s.dec.DecodeAll(val, nil)
	if err != nil {
		return Entry{}, fmt.Errorf("decompress entry: %w", err)
	}
	return UnmarshalEntry(raw)
}

func (s *BadgerStore) Append(e Entry) error {
	val, err := s.encode(e)
	if err != nil {
		return err
	}
	key := entryKey(e.Sequence)
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(key)
		switch {
		case err == nil:
			return fmt.Errorf("%w: %d", ErrSequenceExists, e.Sequence)
		case !errors.Is(err, badger.ErrKeyNotFound):
			return err
		}
		return txn.Set(key, val)
	})
}

func (s *BadgerStore) Iterate(fn func(Entry) error) error {
	prefix := []byte(prefixEntry)
	return s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			var e Entry
			err := it.Item().Value(func(val []byte) error {
				var derr error
				e, derr = s.decode(val)
				return derr
			})
			if err != nil {
				return fmt.Errorf("read entry %x: %w", it.Item().Key(), err)
			}
			if err := fn(e); err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *BadgerStore) Last() (Entry, bool, error) {
	var (
		e     Entry
		found bool
	)
	prefix := []byte(prefixEntry)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		it := txn.NewIterator(opts)
		defer it.Close()

		it.Seek(entryKey(^uint64(0)))
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		found = true
		return it.Item().Value(func(val []byte) error {
			var derr error
			e, derr = s.decode(val)
			return derr
		})
	})
	return e, found, err
}

func (s *BadgerStore) Len() (int, error) {
	n := 0
	prefix := []byte(prefixEntry)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

// Close flushes and closes the underlying database.
func (s *BadgerStore) Close() error {
	s.enc.Close()
	s.dec.Close()
	if err := s.db.Close(); err != nil {
		s.log.Errorf("close audit store: %v", err)
		return err
	}
	return nil
}
