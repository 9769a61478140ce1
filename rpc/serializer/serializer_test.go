package serializer

import (
	"errors"
	"reflect"
	"testing"

	"github.com/ValentinKolb/placement/lib/store"
	"github.com/ValentinKolb/placement/rpc/common"
)

// testSerializers is a map of serializer name to factory function
var testSerializers = map[string]func() IRPCSerializer{
	"JSON":   NewJSONSerializer,
	"GOB":    NewGOBSerializer,
	"Binary": NewBinarySerializer,
}

// testMessages creates a set of test messages with different fields filled
func testMessages() []common.Message {
	return []common.Message{
		{MsgType: common.MsgTSuccess},
		*common.NewSetRequest("test-key", []byte("test-value")),
		*common.NewGetResponse([]byte("test-value"), true, nil),
		*common.NewExistsResponse(true, nil),
		*common.NewSetResponse(store.NewError(store.RetCNoLeader, "no leader")),
		*common.NewRaftRequest(common.MsgTRaftAppend, []byte{0, 1, 2, 3, 255}),
		*common.NewTransferLeaderRequest(7),
		*common.NewUnregisterNodeRequest("mqtt", 3),
		*common.NewErrorResponse(errors.New("boom")),
		{
			MsgType: common.MsgTClusterStatus,
			Key:     "complete",
			Value:   []byte("value"),
			Ok:      true,
			Code:    uint64(store.RetCCommitTimeout),
			Err:     "timeout",
			Meta:    []byte("meta"),
		},
	}
}

func TestSerializerRoundTrip(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range testMessages() {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Fatalf("Failed to serialize message %d: %v", i, err)
				}

				// reuse a dirty message to make sure no field survives
				result := common.Message{Key: "stale", Ok: true, Code: 99, Meta: []byte("stale")}
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Fatalf("Failed to deserialize message %d: %v", i, err)
				}

				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v", i, msg, result)
				}
			}
		})
	}
}

func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for msgType := common.MsgTSuccess; msgType <= common.MsgTClusterStatus; msgType++ {
				data, err := serializer.Serialize(common.Message{MsgType: msgType})
				if err != nil {
					t.Fatalf("Failed to serialize message type %s: %v", msgType, err)
				}
				var result common.Message
				if err := serializer.Deserialize(data, &result); err != nil {
					t.Fatalf("Failed to deserialize message type %s: %v", msgType, err)
				}
				if result.MsgType != msgType {
					t.Errorf("Expected %s, got %s", msgType, result.MsgType)
				}
			}
		})
	}
}

func TestResponseError(t *testing.T) {
	serializer := NewBinarySerializer()

	data, _ := serializer.Serialize(*common.NewDeleteResponse(store.NewError(store.RetCValidation, "key cannot be empty")))
	var resp common.Message
	if err := serializer.Deserialize(data, &resp); err != nil {
		t.Fatal(err)
	}

	err := resp.ResponseError()
	if !store.IsCode(err, store.RetCValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	data, _ = serializer.Serialize(*common.NewDeleteResponse(nil))
	_ = serializer.Deserialize(data, &resp)
	if err := resp.ResponseError(); err != nil {
		t.Errorf("expected no error, got %v", err)
	}
}

func TestBinaryEmptySlices(t *testing.T) {
	serializer := NewBinarySerializer()
	msg := common.Message{MsgType: common.MsgTKVGet, Value: []byte{}, Meta: []byte{}}

	data, _ := serializer.Serialize(msg)
	var result common.Message
	if err := serializer.Deserialize(data, &result); err != nil {
		t.Fatal(err)
	}
	if result.Value == nil || len(result.Value) != 0 {
		t.Errorf("expected empty (non nil) value, got %#v", result.Value)
	}
	if result.Meta == nil || len(result.Meta) != 0 {
		t.Errorf("expected empty (non nil) meta, got %#v", result.Meta)
	}
}

func TestDeserializeMalformed(t *testing.T) {
	valid, _ := NewBinarySerializer().Serialize(*common.NewSetRequest("key", []byte("value")))

	tests := []struct {
		name string
		data []byte
	}{
		{name: "empty", data: nil},
		{name: "header only", data: []byte{byte(common.MsgTKVSet)}},
		{name: "truncated key", data: valid[:5]},
		{name: "truncated value", data: valid[:len(valid)-1]},
		{name: "trailing bytes", data: append(append([]byte{}, valid...), 0)},
		{name: "bad code", data: []byte{byte(common.MsgTKVSet), hasCode}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var msg common.Message
			err := NewBinarySerializer().Deserialize(tt.data, &msg)
			if !errors.Is(err, ErrDecode) {
				t.Errorf("expected ErrDecode, got %v", err)
			}
		})
	}

	for name, factory := range map[string]func() IRPCSerializer{"JSON": NewJSONSerializer, "GOB": NewGOBSerializer} {
		var msg common.Message
		if err := factory().Deserialize([]byte("{not valid"), &msg); !errors.Is(err, ErrDecode) {
			t.Errorf("%s: expected ErrDecode, got %v", name, err)
		}
	}
}

func TestByName(t *testing.T) {
	for _, name := range []string{"", "binary", "json", "gob"} {
		if _, err := ByName(name); err != nil {
			t.Errorf("ByName(%q) failed: %v", name, err)
		}
	}
	if _, err := ByName("xml"); err == nil {
		t.Errorf("expected unknown serializer to fail")
	}
}

func BenchmarkSerialize(b *testing.B) {
	msg := *common.NewSetRequest("medium-length-key-for-testing", make([]byte, 1024))

	for name, factory := range testSerializers {
		b.Run(name, func(b *testing.B) {
			serializer := factory()
			for i := 0; i < b.N; i++ {
				data, err := serializer.Serialize(msg)
				if err != nil {
					b.Fatalf("Failed to serialize: %v", err)
				}
				var out common.Message
				if err := serializer.Deserialize(data, &out); err != nil {
					b.Fatalf("Failed to deserialize: %v", err)
				}
			}
		})
	}
}
