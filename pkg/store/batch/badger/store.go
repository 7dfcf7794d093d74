// Package badger provides a persistent batch store backed by BadgerDB.
//
// Batch records must survive process restarts: a paused or failed batch is
// resumed or retried after the daemon comes back, and terminal records are
// the operator's audit trail of what was serviced. BadgerDB's WAL-based
// crash recovery covers the daemon dying mid-write.
//
// Storage model: one key per batch, "b:<uuid>", holding the JSON-encoded
// operation. JSON keeps records debuggable (badger's CLI can dump them) and
// the write rate is one small record per state transition, so binary
// encoding would buy nothing.
package badger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	badger "github.com/dgraph-io/badger/v4"
	"github.com/offsvc/wimforge/pkg/batch"
)

// keyPrefix namespaces batch records within the database.
const keyPrefix = "b:"

// BadgerStore implements batch.Store on a BadgerDB database.
//
// Thread safety: BadgerDB transactions provide isolation; no additional
// locking is needed for the single-writer-per-batch access pattern the
// orchestrator guarantees.
type BadgerStore struct {
	db *badger.DB
}

// Options configures the store.
type Options struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory runs BadgerDB without persistence (tests, one-shot runs).
	InMemory bool
}

// NewBadgerStore opens (or creates) the database.
func NewBadgerStore(opts Options) (*BadgerStore, error) {
	var badgerOpts badger.Options
	if opts.InMemory {
		badgerOpts = badger.DefaultOptions("").WithInMemory(true)
	} else {
		if opts.Path == "" {
			return nil, fmt.Errorf("badger store: path is required")
		}
		badgerOpts = badger.DefaultOptions(opts.Path)
	}
	badgerOpts = badgerOpts.WithLogger(nil)

	db, err := badger.Open(badgerOpts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger database: %w", err)
	}
	return &BadgerStore{db: db}, nil
}

func key(id string) []byte {
	return []byte(keyPrefix + id)
}

func (s *BadgerStore) Create(ctx context.Context, op *batch.Operation) error {
	if op.ID == "" {
		return fmt.Errorf("cannot store batch with empty id")
	}

	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(op.ID)); err == nil {
			return fmt.Errorf("batch %s already exists", op.ID)
		} else if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		return s.put(txn, op)
	})
}

func (s *BadgerStore) Get(ctx context.Context, id string) (*batch.Operation, error) {
	var op *batch.Operation
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(key(id))
		if errors.Is(err, badger.ErrKeyNotFound) {
			return batch.ErrNotFound
		}
		if err != nil {
			return err
		}
		return item.Value(func(val []byte) error {
			op = &batch.Operation{}
			return json.Unmarshal(val, op)
		})
	})
	if err != nil {
		return nil, err
	}
	return op, nil
}

func (s *BadgerStore) Update(ctx context.Context, op *batch.Operation) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(op.ID)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return batch.ErrNotFound
			}
			return err
		}
		return s.put(txn, op)
	})
}

func (s *BadgerStore) put(txn *badger.Txn, op *batch.Operation) error {
	data, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode batch %s: %w", op.ID, err)
	}
	return txn.Set(key(op.ID), data)
}

func (s *BadgerStore) List(ctx context.Context) ([]*batch.Operation, error) {
	var out []*batch.Operation

	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(keyPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				op := &batch.Operation{}
				if err := json.Unmarshal(val, op); err != nil {
					return err
				}
				out = append(out, op)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.After(out[j].CreatedAt)
	})
	return out, nil
}

func (s *BadgerStore) Delete(ctx context.Context, id string) error {
	return s.db.Update(func(txn *badger.Txn) error {
		if _, err := txn.Get(key(id)); err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return batch.ErrNotFound
			}
			return err
		}
		return txn.Delete(key(id))
	})
}

func (s *BadgerStore) Close() error {
	return s.db.Close()
}
