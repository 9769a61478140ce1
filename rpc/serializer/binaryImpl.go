package serializer

import (
	"encoding/binary"
	"fmt"

	"github.com/ValentinKolb/placement/rpc/common"
)

// NewBinarySerializer creates a new serializer using a custom binary format
// optimized for speed and efficiency
func NewBinarySerializer() IRPCSerializer {
	return &binarySerializerImpl{}
}

// binarySerializerImpl implements IRPCSerializer using a custom binary format:
//
//	MsgType (1 byte) | flags (1 byte) | optional fields in flag order
//
// Strings and byte slices are prefixed by a 4 byte big endian length,
// Code is a uvarint and Ok a single byte.
type binarySerializerImpl struct {
}

// Bit flags to indicate which optional fields are present
const (
	hasKey   byte = 1 << 0
	hasValue byte = 1 << 1
	hasOk    byte = 1 << 2
	hasCode  byte = 1 << 3
	hasErr   byte = 1 << 4
	hasMeta  byte = 1 << 5
)

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (b binarySerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	result := make([]byte, 2, b.sizeBytes(msg))
	result[0] = byte(msg.MsgType)

	var flags byte
	if msg.Key != "" {
		flags |= hasKey
		result = appendField(result, []byte(msg.Key))
	}
	if msg.Value != nil {
		flags |= hasValue
		result = appendField(result, msg.Value)
	}
	if msg.Ok {
		flags |= hasOk
		result = append(result, 1)
	}
	if msg.Code != 0 {
		flags |= hasCode
		result = binary.AppendUvarint(result, msg.Code)
	}
	if msg.Err != "" {
		flags |= hasErr
		result = appendField(result, []byte(msg.Err))
	}
	if msg.Meta != nil {
		flags |= hasMeta
		result = appendField(result, msg.Meta)
	}

	// Set flags byte after knowing which fields are present
	result[1] = flags

	return result, nil
}

func (b binarySerializerImpl) Deserialize(data []byte, msg *common.Message) error {
	if len(data) < 2 {
		return fmt.Errorf("%w: data too short for message header", ErrDecode)
	}

	*msg = common.Message{MsgType: common.MessageType(data[0])}
	flags := data[1]
	r := reader{data: data, pos: 2}

	if flags&hasKey != 0 {
		key, err := r.field("key")
		if err != nil {
			return err
		}
		msg.Key = string(key)
	}
	if flags&hasValue != 0 {
		value, err := r.field("value")
		if err != nil {
			return err
		}
		msg.Value = value
	}
	if flags&hasOk != 0 {
		if r.pos+1 > len(data) {
			return fmt.Errorf("%w: data too short for Ok flag", ErrDecode)
		}
		msg.Ok = data[r.pos] != 0
		r.pos++
	}
	if flags&hasCode != 0 {
		code, n := binary.Uvarint(data[r.pos:])
		if n <= 0 {
			return fmt.Errorf("%w: invalid code", ErrDecode)
		}
		msg.Code = code
		r.pos += n
	}
	if flags&hasErr != 0 {
		errMsg, err := r.field("error")
		if err != nil {
			return err
		}
		msg.Err = string(errMsg)
	}
	if flags&hasMeta != 0 {
		meta, err := r.field("meta")
		if err != nil {
			return err
		}
		msg.Meta = meta
	}

	if r.pos != len(data) {
		return fmt.Errorf("%w: %d trailing bytes", ErrDecode, len(data)-r.pos)
	}
	return nil
}

// --------------------------------------------------------------------------
// Helper Methods
// --------------------------------------------------------------------------

// sizeBytes calculates the total size needed for serialization
func (b binarySerializerImpl) sizeBytes(msg common.Message) int {
	// 1 byte for MsgType + 1 byte for flags
	size := 2

	if msg.Key != "" {
		size += 4 + len(msg.Key)
	}
	if msg.Value != nil {
		size += 4 + len(msg.Value)
	}
	if msg.Ok {
		size += 1
	}
	if msg.Code != 0 {
		size += binary.MaxVarintLen64
	}
	if msg.Err != "" {
		size += 4 + len(msg.Err)
	}
	if msg.Meta != nil {
		size += 4 + len(msg.Meta)
	}

	return size
}

// appendField appends a length prefixed byte slice
func appendField(dst, field []byte) []byte {
	dst = binary.BigEndian.AppendUint32(dst, uint32(len(field)))
	return append(dst, field...)
}

// reader reads length prefixed fields
type reader struct {
	data []byte
	pos  int
}

// field reads a length prefixed field. The result is a copy (empty, not nil, for length 0).
func (r *reader) field(name string) ([]byte, error) {
	if r.pos+4 > len(r.data) {
		return nil, fmt.Errorf("%w: data too short for %s length", ErrDecode, name)
	}
	n := int(binary.BigEndian.Uint32(r.data[r.pos : r.pos+4]))
	r.pos += 4

	if n < 0 || r.pos+n > len(r.data) {
		return nil, fmt.Errorf("%w: data too short for %s data", ErrDecode, name)
	}
	out := make([]byte, n)
	copy(out, r.data[r.pos:r.pos+n])
	r.pos += n
	return out, nil
}
