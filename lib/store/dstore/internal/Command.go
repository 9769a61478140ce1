package internal

import (
	"encoding/binary"
	"fmt"
)

// Command is the payload of a kv or registry command (the value of a StorageData envelope).
// The command type is carried by the envelope.
type Command struct {
	Key   string
	Value []byte
}

// SizeBytes returns the exact number of bytes needed to serialize this command
func (command *Command) SizeBytes() int {
	return 4 + len(command.Key) + len(command.Value) // KeyLen + Key + Value
}

// Serialize serializes a command into a byte array with the format:
// 4 bytes for key length (big endian),
// N bytes for key data,
// N bytes for value data (optional)
func (command *Command) Serialize() []byte {
	result := make([]byte, command.SizeBytes())

	// Set key length (4 bytes, big endian)
	binary.BigEndian.PutUint32(result[0:4], uint32(len(command.Key)))

	// Copy key and value bytes
	copy(result[4:4+len(command.Key)], command.Key)
	copy(result[4+len(command.Key):], command.Value)

	return result
}

// Deserialize extracts all Command fields from a byte array.
func (command *Command) Deserialize(data []byte) error {
	if len(data) < 4 {
		return fmt.Errorf("data too short for command")
	}

	keyLen := binary.BigEndian.Uint32(data[0:4])
	if uint64(len(data)) < 4+uint64(keyLen) {
		return fmt.Errorf("data too short for key of length %d", keyLen)
	}

	command.Key = string(data[4 : 4+keyLen])

	if len(data) > 4+int(keyLen) {
		command.Value = make([]byte, len(data)-(4+int(keyLen)))
		copy(command.Value, data[4+int(keyLen):])
	} else {
		command.Value = nil
	}

	return nil
}

// EncodeNodeID encodes a node id as command value
func EncodeNodeID(id uint64) []byte {
	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, id)
	return buf
}

// DecodeNodeID is the inverse of EncodeNodeID
func DecodeNodeID(b []byte) (uint64, error) {
	if len(b) != 8 {
		return 0, fmt.Errorf("invalid node id of %d bytes", len(b))
	}
	return binary.BigEndian.Uint64(b), nil
}
