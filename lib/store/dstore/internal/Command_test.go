package internal

import (
	"bytes"
	"encoding/binary"
	"testing"
)

// TestSerializeDeserialize tests both Serialize and Deserialize methods
func TestSerializeDeserialize(t *testing.T) {
	tests := []struct {
		name    string
		command Command
	}{
		{name: "Standard command with value", command: Command{Key: "testkey", Value: []byte("testvalue")}},
		{name: "Command without value", command: Command{Key: "testkey"}},
		{name: "Command with empty key", command: Command{Value: []byte(`{"node_id":1}`)}},
		{name: "Command with binary value", command: Command{Key: "binary", Value: []byte{0, 1, 2, 3, 254, 255}}},
		{name: "Command with Unicode key", command: Command{Key: "你好世界", Value: []byte("unicode test")}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			data := tt.command.Serialize()
			if tt.command.SizeBytes() != len(data) {
				t.Errorf("SizeBytes() = %d, but serialized data length = %d", tt.command.SizeBytes(), len(data))
			}

			var newCommand Command
			if err := newCommand.Deserialize(data); err != nil {
				t.Fatalf("Deserialize() error = %v", err)
			}
			if newCommand.Key != tt.command.Key {
				t.Errorf("Key mismatch: got %q, want %q", newCommand.Key, tt.command.Key)
			}
			if !bytes.Equal(newCommand.Value, tt.command.Value) {
				t.Errorf("Value mismatch: got %v, want %v", newCommand.Value, tt.command.Value)
			}
		})
	}
}

// TestDeserializeErrors tests error cases in Deserialize
func TestDeserializeErrors(t *testing.T) {
	tests := []struct {
		name        string
		data        []byte
		expectedErr string
	}{
		{name: "Empty data", data: []byte{}, expectedErr: "data too short for command"},
		{name: "Data too short", data: []byte{1, 2}, expectedErr: "data too short for command"},
		{
			name: "Invalid key length",
			data: func() []byte {
				data := make([]byte, 6)
				binary.BigEndian.PutUint32(data[0:4], 1000)
				return data
			}(),
			expectedErr: "data too short for key of length 1000",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var cmd Command
			err := cmd.Deserialize(tt.data)
			if err == nil || err.Error() != tt.expectedErr {
				t.Errorf("Deserialize() error = %v, want %q", err, tt.expectedErr)
			}
		})
	}
}

func TestNodeID(t *testing.T) {
	id, err := DecodeNodeID(EncodeNodeID(42))
	if err != nil || id != 42 {
		t.Errorf("DecodeNodeID = %d, %v", id, err)
	}
	if _, err := DecodeNodeID([]byte{1}); err == nil {
		t.Errorf("expected error for short id")
	}
}
