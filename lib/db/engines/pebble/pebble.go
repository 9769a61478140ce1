package pebble

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/placement/lib/db"
	"github.com/cockroachdb/pebble"
	"github.com/cockroachdb/pebble/vfs"
	"github.com/lni/dragonboat/v4/logger"
	"sync/atomic"
)

var log = logger.GetLogger("db")

// partitionSep separates the partition name from the key
const partitionSep byte = 0x00

// pebbleImpl is the pebble backed implementation of db.IEngine
type pebbleImpl struct {
	db       *pebble.DB
	dir      string
	inMemory bool
	closed   atomic.Bool
}

// NewPebbleDB opens (or creates) a durable engine in dir
func NewPebbleDB(dir string) (db.IEngine, error) {
	return open(dir, false)
}

// NewInMemoryPebbleDB opens an engine backed by an in-memory filesystem.
// All data is lost on Close. Used by tests and single node experiments.
func NewInMemoryPebbleDB() (db.IEngine, error) {
	return open("", true)
}

func open(dir string, inMemory bool) (db.IEngine, error) {
	opts := &pebble.Options{}
	if inMemory {
		opts.FS = vfs.NewMem()
	}

	pdb, err := pebble.Open(dir, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open pebble db in '%s': %w", dir, err)
	}

	log.Infof("opened pebble engine (dir=%q, in-memory=%t)", dir, inMemory)

	return &pebbleImpl{
		db:       pdb,
		dir:      dir,
		inMemory: inMemory,
	}, nil
}

// --------------------------------------------------------------------------
// Interface Methods (docu see db.IEngine)
// --------------------------------------------------------------------------

func (e *pebbleImpl) Set(p db.Partition, key string, value []byte) error {
	if e.closed.Load() {
		return db.ErrClosed
	}
	return e.db.Set(encodeKey(p, key), value, pebble.Sync)
}

func (e *pebbleImpl) Delete(p db.Partition, key string) error {
	if e.closed.Load() {
		return db.ErrClosed
	}
	return e.db.Delete(encodeKey(p, key), pebble.Sync)
}

func (e *pebbleImpl) NewBatch() db.IBatch {
	return &batchImpl{
		parent: e,
		batch:  e.db.NewBatch(),
	}
}

func (e *pebbleImpl) Get(p db.Partition, key string) ([]byte, bool, error) {
	if e.closed.Load() {
		return nil, false, db.ErrClosed
	}

	val, closer, err := e.db.Get(encodeKey(p, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	defer closer.Close()

	// the slice returned by pebble is only valid until closer.Close()
	out := make([]byte, len(val))
	copy(out, val)
	return out, true, nil
}

func (e *pebbleImpl) Has(p db.Partition, key string) (bool, error) {
	if e.closed.Load() {
		return false, db.ErrClosed
	}

	_, closer, err := e.db.Get(encodeKey(p, key))
	if errors.Is(err, pebble.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, closer.Close()
}

func (e *pebbleImpl) Scan(p db.Partition, prefix string, fn func(key string, value []byte) bool) error {
	if e.closed.Load() {
		return db.ErrClosed
	}

	lower := encodeKey(p, prefix)
	iter := e.db.NewIter(&pebble.IterOptions{
		LowerBound: lower,
		UpperBound: upperBound(lower),
	})

	offset := len(p) + 1
	for iter.First(); iter.Valid(); iter.Next() {
		if !fn(string(iter.Key()[offset:]), iter.Value()) {
			break
		}
	}

	return iter.Close()
}

func (e *pebbleImpl) GetInfo() db.DatabaseInfo {
	info := db.DatabaseInfo{
		DbType:     db.ImplPebble,
		Partitions: db.Partitions(),
		Metadata: map[string]interface{}{
			"dir":       e.dir,
			"in_memory": e.inMemory,
		},
	}
	if !e.closed.Load() {
		info.SizeBytes = e.db.Metrics().DiskSpaceUsage()
	}
	return info
}

func (e *pebbleImpl) Close() error {
	if !e.closed.CompareAndSwap(false, true) {
		return nil
	}
	return e.db.Close()
}

// --------------------------------------------------------------------------
// Batch
// --------------------------------------------------------------------------

// batchImpl wraps a pebble batch. The first error is remembered and returned by Commit.
type batchImpl struct {
	parent *pebbleImpl
	batch  *pebble.Batch
	err    error
	done   bool
}

func (b *batchImpl) Set(p db.Partition, key string, value []byte) {
	if b.err == nil {
		b.err = b.batch.Set(encodeKey(p, key), value, nil)
	}
}

func (b *batchImpl) Delete(p db.Partition, key string) {
	if b.err == nil {
		b.err = b.batch.Delete(encodeKey(p, key), nil)
	}
}

func (b *batchImpl) DeletePrefix(p db.Partition, prefix string) {
	if b.err == nil {
		lower := encodeKey(p, prefix)
		b.err = b.batch.DeleteRange(lower, upperBound(lower), nil)
	}
}

func (b *batchImpl) Commit() error {
	if b.done {
		return fmt.Errorf("batch already committed or closed")
	}
	b.done = true
	defer b.batch.Close()

	if b.err != nil {
		return b.err
	}
	if b.parent.closed.Load() {
		return db.ErrClosed
	}
	return b.batch.Commit(pebble.Sync)
}

func (b *batchImpl) Close() {
	if !b.done {
		b.done = true
		_ = b.batch.Close()
	}
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// encodeKey builds the physical key <partition>\x00<key>
func encodeKey(p db.Partition, key string) []byte {
	buf := make([]byte, 0, len(p)+1+len(key))
	buf = append(buf, p...)
	buf = append(buf, partitionSep)
	buf = append(buf, key...)
	return buf
}

// upperBound returns the smallest key greater than every key with the given prefix
func upperBound(prefix []byte) []byte {
	end := make([]byte, len(prefix))
	copy(end, prefix)
	for i := len(end) - 1; i >= 0; i-- {
		if end[i] < 0xff {
			end[i]++
			return end[:i+1]
		}
	}
	return nil // prefix is all 0xff, no upper bound
}
