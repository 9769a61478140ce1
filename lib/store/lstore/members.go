package lstore

import (
	"strconv"
	"strings"

	"github.com/ValentinKolb/placement/lib/db"
	"github.com/ValentinKolb/placement/lib/store"
)

// MemberStorage persists the rpc address of every consensus group member.
// The records live in the cluster partition and therefore travel with snapshots.
type MemberStorage struct {
	engine db.IEngine
}

// NewMemberStorage creates a member registry on top of engine
func NewMemberStorage(engine db.IEngine) *MemberStorage {
	return &MemberStorage{engine: engine}
}

// SaveMember records the address of a member.
// Every replica writes it when applying the conf change, so the record carries no create time.
func (s *MemberStorage) SaveMember(nodeID uint64, addr string) error {
	if err := s.engine.Set(db.PartitionCluster, store.KeyMember(nodeID), NewStorageDataWrapAt([]byte(addr), 0).Encode()); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to save member %d: %v", nodeID, err)
	}
	return nil
}

// DeleteMember removes a member
func (s *MemberStorage) DeleteMember(nodeID uint64) error {
	if err := s.engine.Delete(db.PartitionCluster, store.KeyMember(nodeID)); err != nil {
		return store.Errorf(store.RetCInternalError, "failed to delete member %d: %v", nodeID, err)
	}
	return nil
}

// ListMembers returns all recorded members (id -> address)
func (s *MemberStorage) ListMembers() (map[uint64]string, error) {
	prefix := store.KeyMemberPrefix()
	members := make(map[uint64]string)
	err := s.engine.Scan(db.PartitionCluster, prefix, func(key string, value []byte) bool {
		id, err := strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
		if err != nil {
			log.Warningf("ignoring invalid member key %s", key)
			return true
		}
		wrap, err := DecodeStorageDataWrap(value)
		if err != nil {
			log.Warningf("ignoring corrupt member record %s: %v", key, err)
			return true
		}
		members[id] = string(wrap.Data)
		return true
	})
	if err != nil {
		return nil, store.Errorf(store.RetCInternalError, "failed to list members: %v", err)
	}
	return members, nil
}
