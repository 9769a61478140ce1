package storage

import (
	"errors"
	"fmt"
	"sync"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/lni/dragonboat/v4/logger"
	"go.etcd.io/raft/v3"
	pb "go.etcd.io/raft/v3/raftpb"
)

var log = logger.GetLogger("storage")

var (
	// ErrSnapshotOutOfDate is returned by ApplySnapshot when the snapshot is older than the local log
	ErrSnapshotOutOfDate = errors.New("storage: snapshot is older than the first log index")
	// ErrDecode is returned when persisted data cannot be decoded
	ErrDecode = errors.New("storage: failed to decode persisted data")
)

// RaftMachineStorage is the durable log and snapshot store of a consensus group.
// It persists entries, hard state, conf state and snapshots in the raft partition
// of the engine and dumps the cluster partition into snapshots.
//
// It implements raft.Storage. The raft goroutine reads concurrently to the
// driver which writes, so every method takes the lock.
type RaftMachineStorage struct {
	mu     sync.RWMutex
	engine db.IEngine
}

var _ raft.Storage = (*RaftMachineStorage)(nil)

// New creates a storage on top of engine. Existing state is picked up as is.
func New(engine db.IEngine) *RaftMachineStorage {
	return &RaftMachineStorage{engine: engine}
}

// --------------------------------------------------------------------------
// Log Operations
// --------------------------------------------------------------------------

// Append persists entries atomically. Entries at or below the last index are
// overwritten and the stale tail is removed.
// Appending before the first index or after a gap is a fatal error.
func (s *RaftMachineStorage) Append(entries []pb.Entry) error {
	if len(entries) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	first := s.firstIndex()
	last := s.lastIndex()
	start := entries[0].Index

	if start < first {
		fatalf("append at index %d but log is compacted up to %d", start, first-1)
	}
	if start > last+1 {
		fatalf("append at index %d leaves a gap after last index %d", start, last)
	}

	batch := s.engine.NewBatch()
	defer batch.Close()

	for i, e := range entries {
		if e.Index != start+uint64(i) {
			fatalf("append of non contiguous entries: expected index %d, got %d", start+uint64(i), e.Index)
		}
		data, err := e.Marshal()
		if err != nil {
			return fmt.Errorf("failed to encode entry %d: %w", e.Index, err)
		}
		batch.Set(db.PartitionRaft, entryKey(e.Index), data)
		batch.Set(db.PartitionRaft, uncommitKey(e.Index), nil)
	}

	newLast := entries[len(entries)-1].Index
	for idx := newLast + 1; idx <= last; idx++ {
		batch.Delete(db.PartitionRaft, entryKey(idx))
		batch.Delete(db.PartitionRaft, uncommitKey(idx))
	}

	batch.Set(db.PartitionRaft, keyLastIndex, encodeUint64(newLast))
	batch.Set(db.PartitionRaft, keyFirstIndex, encodeUint64(first))

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to append entries %d..%d: %w", start, newLast, err)
	}
	return nil
}

// CommitIndex marks idx as committed and applied. The entry is removed from the
// uncommitted set and the hard state commit/term move forward to it.
// An unknown index is logged and ignored.
func (s *RaftMachineStorage) CommitIndex(idx uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok, err := s.entry(idx)
	if err != nil {
		return err
	}
	if !ok {
		log.Warningf("commit of index %d which is not stored locally, ignoring", idx)
		return nil
	}

	hs := s.hardState()
	if entry.Term > hs.Term {
		hs.Term = entry.Term
	}
	if idx > hs.Commit {
		hs.Commit = idx
	}
	hsData, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode hard state: %w", err)
	}

	batch := s.engine.NewBatch()
	defer batch.Close()

	batch.Delete(db.PartitionRaft, uncommitKey(idx))
	batch.Set(db.PartitionRaft, keyHardState, hsData)
	if idx > s.appliedIndex() {
		batch.Set(db.PartitionRaft, keyAppliedIndex, encodeUint64(idx))
	}

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to commit index %d: %w", idx, err)
	}
	return nil
}

// EntriesRange returns the entries in [low, high] that are stored locally.
// Missing entries are omitted.
func (s *RaftMachineStorage) EntriesRange(low, high uint64) ([]pb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if first := s.firstIndex(); low < first {
		low = first
	}
	if last := s.lastIndex(); high > last {
		high = last
	}
	if high < low {
		return nil, nil
	}

	var out []pb.Entry
	for idx := low; ; idx++ {
		e, ok, err := s.entry(idx)
		if err != nil {
			return nil, err
		}
		if ok {
			out = append(out, e)
		}
		if idx == high {
			break
		}
	}
	return out, nil
}

// UncommittedIndexes returns all appended but not yet committed indexes in ascending order
func (s *RaftMachineStorage) UncommittedIndexes() []uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []uint64
	err := s.engine.Scan(db.PartitionRaft, prefixUncommit, func(key string, _ []byte) bool {
		idx, err := parseIndexKey(prefixUncommit, key)
		if err != nil {
			log.Warningf("invalid uncommitted index key %s: %v", key, err)
			return true
		}
		out = append(out, idx)
		return true
	})
	if err != nil {
		log.Errorf("failed to scan uncommitted indexes: %v", err)
	}
	return out
}

// --------------------------------------------------------------------------
// Snapshot Operations
// --------------------------------------------------------------------------

// CreateSnapshot dumps the cluster partition into a snapshot at the applied index,
// persists it and compacts the log up to and including that index.
// If nothing was applied since the last snapshot, the last snapshot is returned.
func (s *RaftMachineStorage) CreateSnapshot() (pb.Snapshot, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	current := s.snapshot()
	applied := s.appliedIndex()
	if applied <= current.Metadata.Index {
		return current, nil
	}

	term, err := s.term(applied)
	if err != nil {
		return pb.Snapshot{}, fmt.Errorf("failed to resolve term of applied index %d: %w", applied, err)
	}

	var pairs []kvPair
	err = s.engine.Scan(db.PartitionCluster, "", func(key string, value []byte) bool {
		v := make([]byte, len(value))
		copy(v, value)
		pairs = append(pairs, kvPair{Key: key, Value: v})
		return true
	})
	if err != nil {
		return pb.Snapshot{}, fmt.Errorf("failed to dump cluster partition: %w", err)
	}

	snap := pb.Snapshot{
		Data: encodeSnapshotData(pairs),
		Metadata: pb.SnapshotMetadata{
			Index:     applied,
			Term:      term,
			ConfState: s.confState(),
		},
	}
	snapData, err := snap.Marshal()
	if err != nil {
		return pb.Snapshot{}, fmt.Errorf("failed to encode snapshot: %w", err)
	}

	first := s.firstIndex()
	last := s.lastIndex()

	batch := s.engine.NewBatch()
	defer batch.Close()

	batch.Set(db.PartitionRaft, keySnapshot, snapData)
	for idx := first; idx <= applied; idx++ {
		batch.Delete(db.PartitionRaft, entryKey(idx))
		batch.Delete(db.PartitionRaft, uncommitKey(idx))
	}
	batch.Set(db.PartitionRaft, keyFirstIndex, encodeUint64(applied+1))
	if last < applied {
		batch.Set(db.PartitionRaft, keyLastIndex, encodeUint64(applied))
	}

	if err := batch.Commit(); err != nil {
		return pb.Snapshot{}, fmt.Errorf("failed to persist snapshot at %d: %w", applied, err)
	}

	log.Infof("created snapshot at index %d (term %d, %d keys), log compacted to %d", applied, term, len(pairs), applied+1)
	return snap, nil
}

// ApplySnapshot replaces the cluster partition with the content of snap and resets the log to it.
// Returns ErrSnapshotOutOfDate (without any change) if snap is older than the first index.
func (s *RaftMachineStorage) ApplySnapshot(snap pb.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	idx := snap.Metadata.Index
	if first := s.firstIndex(); idx < first {
		return fmt.Errorf("%w: snapshot index %d, first index %d", ErrSnapshotOutOfDate, idx, first)
	}

	pairs, err := decodeSnapshotData(snap.Data)
	if err != nil {
		return err
	}
	snapData, err := snap.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode snapshot: %w", err)
	}

	hs := s.hardState()
	if snap.Metadata.Term > hs.Term {
		hs.Term = snap.Metadata.Term
	}
	if idx > hs.Commit {
		hs.Commit = idx
	}
	hsData, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode hard state: %w", err)
	}
	csData, err := snap.Metadata.ConfState.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode conf state: %w", err)
	}

	batch := s.engine.NewBatch()
	defer batch.Close()

	batch.DeletePrefix(db.PartitionCluster, "")
	for _, p := range pairs {
		batch.Set(db.PartitionCluster, p.Key, p.Value)
	}

	batch.DeletePrefix(db.PartitionRaft, prefixEntry)
	batch.DeletePrefix(db.PartitionRaft, prefixUncommit)
	batch.Set(db.PartitionRaft, keySnapshot, snapData)
	batch.Set(db.PartitionRaft, keyHardState, hsData)
	batch.Set(db.PartitionRaft, keyConfState, csData)
	batch.Set(db.PartitionRaft, keyFirstIndex, encodeUint64(idx+1))
	batch.Set(db.PartitionRaft, keyLastIndex, encodeUint64(idx))
	batch.Set(db.PartitionRaft, keyAppliedIndex, encodeUint64(idx))

	if err := batch.Commit(); err != nil {
		return fmt.Errorf("failed to apply snapshot at %d: %w", idx, err)
	}

	log.Infof("applied snapshot at index %d (term %d, %d keys)", idx, snap.Metadata.Term, len(pairs))
	return nil
}

// --------------------------------------------------------------------------
// State Operations
// --------------------------------------------------------------------------

// FirstIndex returns the index of the first stored entry.
// Without a marker it is the entry after the last snapshot.
func (s *RaftMachineStorage) FirstIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.firstIndex(), nil
}

// LastIndex returns the index of the last stored entry.
// Without a marker it is the index of the last snapshot.
func (s *RaftMachineStorage) LastIndex() (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastIndex(), nil
}

// AppliedIndex returns the last index passed to CommitIndex or installed by a snapshot
func (s *RaftMachineStorage) AppliedIndex() uint64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.appliedIndex()
}

// SetHardState persists hs
func (s *RaftMachineStorage) SetHardState(hs pb.HardState) error {
	data, err := hs.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode hard state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Set(db.PartitionRaft, keyHardState, data); err != nil {
		return fmt.Errorf("failed to persist hard state: %w", err)
	}
	return nil
}

// HardState returns the persisted hard state, the zero value if none (or an unreadable one) is stored
func (s *RaftMachineStorage) HardState() pb.HardState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.hardState()
}

// SetConfState persists cs
func (s *RaftMachineStorage) SetConfState(cs pb.ConfState) error {
	data, err := cs.Marshal()
	if err != nil {
		return fmt.Errorf("failed to encode conf state: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.engine.Set(db.PartitionRaft, keyConfState, data); err != nil {
		return fmt.Errorf("failed to persist conf state: %w", err)
	}
	return nil
}

// ConfState returns the persisted conf state, falling back to the one of the last snapshot
func (s *RaftMachineStorage) ConfState() pb.ConfState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.confState()
}

// --------------------------------------------------------------------------
// raft.Storage
// --------------------------------------------------------------------------

// InitialState returns the persisted hard and conf state.
// Unlike HardState it fails on corrupt data, a node must not restart from a zero state by accident.
func (s *RaftMachineStorage) InitialState() (pb.HardState, pb.ConfState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var hs pb.HardState
	raw, ok, err := s.engine.Get(db.PartitionRaft, keyHardState)
	if err != nil {
		log.Errorf("failed to read hard state, starting from zero state: %v", err)
	} else if ok {
		if err := hs.Unmarshal(raw); err != nil {
			return pb.HardState{}, pb.ConfState{}, fmt.Errorf("%w: hard state: %v", ErrDecode, err)
		}
	}
	return hs, s.confState(), nil
}

// Entries returns the entries in [lo, hi) limited to maxSize bytes (at least one entry is returned)
func (s *RaftMachineStorage) Entries(lo, hi, maxSize uint64) ([]pb.Entry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if lo < s.firstIndex() {
		return nil, raft.ErrCompacted
	}
	if hi > s.lastIndex()+1 {
		return nil, raft.ErrUnavailable
	}

	var (
		out  []pb.Entry
		size uint64
	)
	for idx := lo; idx < hi; idx++ {
		e, ok, err := s.entry(idx)
		if err != nil {
			return nil, err
		}
		if !ok {
			// compacted concurrently, return what is contiguous
			break
		}
		size += uint64(e.Size())
		if len(out) > 0 && size > maxSize {
			break
		}
		out = append(out, e)
	}

	if len(out) == 0 && lo < hi {
		return nil, raft.ErrUnavailable
	}
	return out, nil
}

// Term returns the term of entry i
func (s *RaftMachineStorage) Term(i uint64) (uint64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.term(i)
}

// Snapshot returns the last persisted snapshot (empty if none)
func (s *RaftMachineStorage) Snapshot() (pb.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.snapshot(), nil
}

// fatalf logs and panics. Used for log invariant violations the node cannot recover from.
func fatalf(format string, args ...interface{}) {
	msg := fmt.Sprintf(format, args...)
	log.Errorf("%s", msg)
	panic(msg)
}

// --------------------------------------------------------------------------
// Helper Methods (caller holds the lock)
// --------------------------------------------------------------------------

func (s *RaftMachineStorage) term(i uint64) (uint64, error) {
	snap := s.snapshot()
	if i == snap.Metadata.Index {
		return snap.Metadata.Term, nil
	}
	if i < s.firstIndex() {
		return 0, raft.ErrCompacted
	}
	if i > s.lastIndex() {
		return 0, raft.ErrUnavailable
	}
	e, ok, err := s.entry(i)
	if err != nil {
		return 0, err
	}
	if !ok {
		return 0, raft.ErrUnavailable
	}
	return e.Term, nil
}

func (s *RaftMachineStorage) entry(idx uint64) (pb.Entry, bool, error) {
	raw, ok, err := s.engine.Get(db.PartitionRaft, entryKey(idx))
	if err != nil {
		log.Errorf("failed to read entry %d: %v", idx, err)
		return pb.Entry{}, false, nil
	}
	if !ok {
		return pb.Entry{}, false, nil
	}
	var e pb.Entry
	if err := e.Unmarshal(raw); err != nil {
		return pb.Entry{}, false, fmt.Errorf("%w: entry %d: %v", ErrDecode, idx, err)
	}
	return e, true, nil
}

func (s *RaftMachineStorage) readUint64(key string) (uint64, bool) {
	raw, ok, err := s.engine.Get(db.PartitionRaft, key)
	if err != nil {
		log.Errorf("failed to read %s: %v", key, err)
		return 0, false
	}
	if !ok {
		return 0, false
	}
	v, err := decodeUint64(raw)
	if err != nil {
		log.Errorf("failed to decode %s: %v", key, err)
		return 0, false
	}
	return v, true
}

func (s *RaftMachineStorage) firstIndex() uint64 {
	if v, ok := s.readUint64(keyFirstIndex); ok {
		return v
	}
	return s.snapshot().Metadata.Index + 1
}

func (s *RaftMachineStorage) lastIndex() uint64 {
	if v, ok := s.readUint64(keyLastIndex); ok {
		return v
	}
	return s.snapshot().Metadata.Index
}

func (s *RaftMachineStorage) appliedIndex() uint64 {
	if v, ok := s.readUint64(keyAppliedIndex); ok {
		return v
	}
	return s.snapshot().Metadata.Index
}

func (s *RaftMachineStorage) hardState() pb.HardState {
	var hs pb.HardState
	raw, ok, err := s.engine.Get(db.PartitionRaft, keyHardState)
	if err != nil {
		log.Errorf("failed to read hard state: %v", err)
		return hs
	}
	if !ok {
		return hs
	}
	if err := hs.Unmarshal(raw); err != nil {
		log.Errorf("failed to decode hard state: %v", err)
		return pb.HardState{}
	}
	return hs
}

func (s *RaftMachineStorage) confState() pb.ConfState {
	raw, ok, err := s.engine.Get(db.PartitionRaft, keyConfState)
	if err != nil {
		log.Errorf("failed to read conf state: %v", err)
	}
	if ok {
		var cs pb.ConfState
		if err := cs.Unmarshal(raw); err != nil {
			log.Errorf("failed to decode conf state: %v", err)
			return s.snapshot().Metadata.ConfState
		}
		return cs
	}
	return s.snapshot().Metadata.ConfState
}

func (s *RaftMachineStorage) snapshot() pb.Snapshot {
	var snap pb.Snapshot
	raw, ok, err := s.engine.Get(db.PartitionRaft, keySnapshot)
	if err != nil {
		log.Errorf("failed to read snapshot: %v", err)
		return snap
	}
	if !ok {
		return snap
	}
	if err := snap.Unmarshal(raw); err != nil {
		log.Errorf("failed to decode snapshot: %v", err)
		return pb.Snapshot{}
	}
	return snap
}
