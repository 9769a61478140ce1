package lstore

import (
	"encoding/binary"
	"fmt"
	"time"
)

// StorageDataWrap is the envelope of every value in the cluster partition.
// It carries the raw payload plus the time it was written.
type StorageDataWrap struct {
	Data       []byte
	CreateTime uint64 // unix seconds
}

// NewStorageDataWrap wraps data with the current time
func NewStorageDataWrap(data []byte) StorageDataWrap {
	return NewStorageDataWrapAt(data, uint64(time.Now().Unix()))
}

// NewStorageDataWrapAt wraps data with a given create time.
// Writes of committed commands use the time of the proposal so all replicas store the same bytes.
func NewStorageDataWrapAt(data []byte, createTime uint64) StorageDataWrap {
	return StorageDataWrap{
		Data:       data,
		CreateTime: createTime,
	}
}

// Encode serializes the envelope: 8 bytes create time (big endian) followed by the payload
func (w StorageDataWrap) Encode() []byte {
	buf := make([]byte, 8+len(w.Data))
	binary.BigEndian.PutUint64(buf[:8], w.CreateTime)
	copy(buf[8:], w.Data)
	return buf
}

// DecodeStorageDataWrap is the inverse of Encode
func DecodeStorageDataWrap(b []byte) (StorageDataWrap, error) {
	if len(b) < 8 {
		return StorageDataWrap{}, fmt.Errorf("data too short for storage envelope: %d bytes", len(b))
	}
	data := make([]byte, len(b)-8)
	copy(data, b[8:])
	return StorageDataWrap{
		Data:       data,
		CreateTime: binary.BigEndian.Uint64(b[:8]),
	}, nil
}
