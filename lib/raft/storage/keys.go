package storage

import (
	"encoding/binary"
	"fmt"
	"strconv"
	"strings"
)

// Key layout of the raft partition
const (
	keyFirstIndex   = "/raft/first_index"
	keyLastIndex    = "/raft/last_index"
	keyHardState    = "/raft/hard_state"
	keyConfState    = "/raft/conf_state"
	keySnapshot     = "/raft/snapshot"
	keyAppliedIndex = "/raft/applied_index"

	prefixEntry    = "/raft/entry/"
	prefixUncommit = "/raft/uncommit_index/"
)

// indexes are zero padded so that a prefix scan returns them in log order
func entryKey(idx uint64) string {
	return fmt.Sprintf("%s%020d", prefixEntry, idx)
}

func uncommitKey(idx uint64) string {
	return fmt.Sprintf("%s%020d", prefixUncommit, idx)
}

func parseIndexKey(prefix, key string) (uint64, error) {
	return strconv.ParseUint(strings.TrimPrefix(key, prefix), 10, 64)
}

func encodeUint64(v uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, v)
	return buf
}

func decodeUint64(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("%w: expected 8 bytes, got %d", ErrDecode, len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
