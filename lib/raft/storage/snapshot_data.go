package storage

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// snapshotMagic identifies the format of the snapshot payload
var snapshotMagic = []byte{'P', 'C', 'S', '1'}

// kvPair is one key of the cluster partition
type kvPair struct {
	Key   string
	Value []byte
}

// encodeSnapshotData serializes a full dump of the cluster partition:
//
//	magic (4 bytes) | count (uvarint) | { keyLen (uvarint) | key | valueLen (uvarint) | value }*
func encodeSnapshotData(pairs []kvPair) []byte {
	var buf bytes.Buffer
	buf.Write(snapshotMagic)

	tmp := make([]byte, binary.MaxVarintLen64)
	writeUvarint := func(v uint64) {
		n := binary.PutUvarint(tmp, v)
		buf.Write(tmp[:n])
	}

	writeUvarint(uint64(len(pairs)))
	for _, p := range pairs {
		writeUvarint(uint64(len(p.Key)))
		buf.WriteString(p.Key)
		writeUvarint(uint64(len(p.Value)))
		buf.Write(p.Value)
	}
	return buf.Bytes()
}

// decodeSnapshotData is the inverse of encodeSnapshotData.
// All errors wrap ErrDecode.
func decodeSnapshotData(data []byte) ([]kvPair, error) {
	if len(data) == 0 {
		return nil, nil
	}
	if len(data) < len(snapshotMagic) || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, fmt.Errorf("%w: invalid snapshot header", ErrDecode)
	}
	data = data[len(snapshotMagic):]

	readUvarint := func() (uint64, error) {
		v, n := binary.Uvarint(data)
		if n <= 0 {
			return 0, fmt.Errorf("%w: invalid varint in snapshot", ErrDecode)
		}
		data = data[n:]
		return v, nil
	}
	readBytes := func() ([]byte, error) {
		l, err := readUvarint()
		if err != nil {
			return nil, err
		}
		if uint64(len(data)) < l {
			return nil, fmt.Errorf("%w: snapshot truncated", ErrDecode)
		}
		out := make([]byte, l)
		copy(out, data[:l])
		data = data[l:]
		return out, nil
	}

	count, err := readUvarint()
	if err != nil {
		return nil, err
	}
	// every pair needs at least two bytes, this bounds the allocation
	if count > uint64(len(data))/2 {
		return nil, fmt.Errorf("%w: snapshot claims %d pairs in %d bytes", ErrDecode, count, len(data))
	}

	pairs := make([]kvPair, 0, count)
	for i := uint64(0); i < count; i++ {
		key, err := readBytes()
		if err != nil {
			return nil, err
		}
		value, err := readBytes()
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, kvPair{Key: string(key), Value: value})
	}
	if len(data) != 0 {
		return nil, fmt.Errorf("%w: %d trailing bytes in snapshot", ErrDecode, len(data))
	}
	return pairs, nil
}
