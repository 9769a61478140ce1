package apply

import (
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// ErrDecode is returned when a StorageData envelope cannot be decoded
var ErrDecode = errors.New("apply: failed to decode storage data")

// StorageDataType defines the possible commands of the state machine.
type StorageDataType uint8

const (
	StorageDataTUnknown               StorageDataType = iota
	StorageDataTKVSet                                 // Insert or update a key of the kv namespace.
	StorageDataTKVDelete                              // Delete a key of the kv namespace.
	StorageDataTClusterRegisterNode                   // Register (or update) a node of a managed cluster.
	StorageDataTClusterUnregisterNode                 // Remove a node of a managed cluster.
)

func (t StorageDataType) String() string {
	switch t {
	case StorageDataTKVSet:
		return "KVSet"
	case StorageDataTKVDelete:
		return "KVDelete"
	case StorageDataTClusterRegisterNode:
		return "ClusterRegisterNode"
	case StorageDataTClusterUnregisterNode:
		return "ClusterUnregisterNode"
	default:
		return fmt.Sprintf("Unknown(%d)", t)
	}
}

// valid returns whether t is a known command type
func (t StorageDataType) valid() bool {
	return t >= StorageDataTKVSet && t <= StorageDataTClusterUnregisterNode
}

// StorageData is the command envelope stored as payload of a log entry
type StorageData struct {
	ID         uuid.UUID       // correlates the committed entry with the waiting proposer
	Type       StorageDataType // selects the handler of the data router
	CreateTime uint64          // unix seconds on the proposer, every replica stores the same value
	Value      []byte          // type specific payload
}

// NewStorageData creates an envelope with a fresh id, stamped with the current time
func NewStorageData(t StorageDataType, value []byte) StorageData {
	return StorageData{
		ID:         uuid.New(),
		Type:       t,
		CreateTime: uint64(time.Now().Unix()),
		Value:      value,
	}
}

// storageDataHeader is the size of id + type + create time
const storageDataHeader = 16 + 1 + 8

// Serialize serializes the envelope into a byte array with the format:
// 16 bytes id,
// 1 byte type,
// 8 bytes create time (big endian),
// N bytes value
func (d StorageData) Serialize() []byte {
	result := make([]byte, storageDataHeader+len(d.Value))
	copy(result[:16], d.ID[:])
	result[16] = byte(d.Type)
	binary.BigEndian.PutUint64(result[17:storageDataHeader], d.CreateTime)
	copy(result[storageDataHeader:], d.Value)
	return result
}

// DeserializeStorageData is the inverse of Serialize. All errors wrap ErrDecode.
func DeserializeStorageData(data []byte) (StorageData, error) {
	if len(data) < storageDataHeader {
		return StorageData{}, fmt.Errorf("%w: data too short (%d bytes)", ErrDecode, len(data))
	}

	var d StorageData
	copy(d.ID[:], data[:16])
	d.Type = StorageDataType(data[16])
	if !d.Type.valid() {
		return StorageData{}, fmt.Errorf("%w: unknown type %d", ErrDecode, data[16])
	}
	d.CreateTime = binary.BigEndian.Uint64(data[17:storageDataHeader])
	if len(data) > storageDataHeader {
		d.Value = make([]byte, len(data)-storageDataHeader)
		copy(d.Value, data[storageDataHeader:])
	}
	return d, nil
}
