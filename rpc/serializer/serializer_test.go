package serializer

import (
	"reflect"
	"testing"

	"github.com/ValentinKolb/rTable/rpc/common"
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
		// Basic message with just a type
		{MsgType: common.MsgTSuccess},

		// Insert request
		{
			MsgType: common.MsgTKVInsert,
			Key:     "test-key",
			Value:   []byte("test-value"),
		},

		// Get response
		{
			MsgType: common.MsgTKVGet,
			Key:     "test-key",
			Value:   []byte("test-value"),
			Ok:      true,
		},

		// Range request and response
		{
			MsgType: common.MsgTKVRange,
			Key:     "a",
			To:      "z",
			Max:     10,
		},
		{
			MsgType: common.MsgTKVRange,
			Rows: []common.Row{
				{Key: "a", Value: []byte("1")},
				{Key: "b", Value: []byte("22")},
			},
		},

		// Error response with return code
		{
			MsgType: common.MsgTKVInsert,
			Code:    4,
			Err:     "test error message",
		},

		// Message with all fields filled
		{
			MsgType: common.MsgTKVInfo,
			Key:     "from",
			To:      "to",
			Max:     7,
			Value:   []byte("test-value"),
			Rows:    []common.Row{{Key: "k", Value: []byte("v")}},
			Ok:      true,
			Code:    1,
			Err:     "error",
			Meta:    []byte(`{"dbType":"pebble"}`),
		},
	}
}

// TestSerializerRoundTrip tests that messages can be serialized and deserialized correctly
func TestSerializerRoundTrip(t *testing.T) {
	messages := testMessages()

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			for i, msg := range messages {
				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message %d: %v", i, err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message %d: %v", i, err)
					continue
				}

				// Compare
				if !reflect.DeepEqual(msg, result) {
					t.Errorf("Message %d doesn't match after round trip:\nOriginal: %+v\nResult: %+v",
						i, msg, result)
				}
			}
		})
	}
}

func TestDeserializeReusedMessage(t *testing.T) {
	stale := common.Message{
		MsgType: common.MsgTKVRange,
		Key:     "stale",
		To:      "stale",
		Max:     9,
		Value:   []byte("stale"),
		Rows:    []common.Row{{Key: "stale", Value: []byte("stale")}},
		Ok:      true,
		Code:    3,
		Err:     "stale",
		Meta:    []byte("stale"),
	}

	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()
			for i, msg := range testMessages() {
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Fatalf("Failed to serialize message %d: %v", i, err)
				}
				var fresh common.Message
				if err := serializer.Deserialize(data, &fresh); err != nil {
					t.Fatalf("Failed to deserialize message %d: %v", i, err)
				}

				reused := stale
				if err := serializer.Deserialize(data, &reused); err != nil {
					t.Fatalf("Failed to deserialize message %d into a used message: %v", i, err)
				}
				if !reflect.DeepEqual(fresh, reused) {
					t.Errorf("Message %d depends on the previous content:\nFresh: %+v\nReused: %+v", i, fresh, reused)
				}
			}
		})
	}
}

// TestMessageTypes tests each message type with each serializer
func TestMessageTypes(t *testing.T) {
	for name, factory := range testSerializers {
		t.Run(name, func(t *testing.T) {
			serializer := factory()

			// Test each message type (don't test for MsgTUnknown since this should raise an error)
			for msgType := common.MsgTSuccess; msgType <= common.MsgTKVInfo; msgType++ {
				msg := common.Message{MsgType: msgType}

				// Serialize
				data, err := serializer.Serialize(msg)
				if err != nil {
					t.Errorf("Failed to serialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Deserialize
				var result common.Message
				err = serializer.Deserialize(data, &result)
				if err != nil {
					t.Errorf("Failed to deserialize message type %s: %v", msgType.String(), err)
					continue
				}

				// Check type
				if result.MsgType != msgType {
					t.Errorf("Message type doesn't match after round trip: Expected %s, got %s",
						msgType.String(), result.MsgType.String())
				}
			}
		})
	}
}

// TestBinarySerializerSpecific tests specific edge cases for the binary serializer
func TestBinarySerializerSpecific(t *testing.T) {
	serializer := NewBinarySerializer()

	// Test cases for empty or zero values, the binary format keeps empty slices apart from nil
	testCases := []struct {
		name string
		msg  common.Message
	}{
		{
			name: "Empty message",
			msg:  common.Message{},
		},
		{
			name: "Message with empty strings and zero values",
			msg: common.Message{
				MsgType: common.MsgTKVInsert,
				Value:   []byte{},
				Meta:    []byte{},
			},
		},
		{
			name: "Message with empty strings but Ok=true",
			msg: common.Message{
				MsgType: common.MsgTKVGet,
				Ok:      true,
			},
		},
		{
			name: "Range response without rows",
			msg: common.Message{
				MsgType: common.MsgTKVRange,
				Rows:    []common.Row{},
			},
		},
		{
			name: "Row with empty key and value",
			msg: common.Message{
				MsgType: common.MsgTKVRange,
				Rows:    []common.Row{{Key: "", Value: []byte{}}},
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			// Serialize
			data, err := serializer.Serialize(tc.msg)
			if err != nil {
				t.Fatalf("Failed to serialize: %v", err)
			}

			// Deserialize into a message with stale content
			result := common.Message{Key: "stale", Value: []byte("stale"), Rows: []common.Row{{Key: "stale"}}, Code: 9}
			if err := serializer.Deserialize(data, &result); err != nil {
				t.Fatalf("Failed to deserialize: %v", err)
			}

			if !reflect.DeepEqual(tc.msg, result) {
				t.Errorf("Message doesn't match after round trip:\nOriginal: %+v\nResult: %+v", tc.msg, result)
			}
		})
	}
}

// TestInvalidBinaryData tests how the binary serializer handles corrupt or invalid data
func TestInvalidBinaryData(t *testing.T) {
	serializer := NewBinarySerializer()

	testCases := []struct {
		name        string
		data        []byte
		expectError bool
	}{
		{
			name:        "Empty data",
			data:        []byte{},
			expectError: true,
		},
		{
			name:        "Too short header",
			data:        []byte{1, 0}, // Message type and half of the flags
			expectError: true,
		},
		{
			name:        "Valid header only",
			data:        []byte{1, 0, 0}, // Message type 1, no flags
			expectError: false,
		},
		{
			name:        "Invalid length for key",
			data:        []byte{1, 0, 1, 0, 0, 0, 5, 'a', 'b', 'c'}, // Claims key length 5 but only 3 bytes provided
			expectError: true,
		},
		{
			name:        "Invalid length for value",
			data:        []byte{1, 0, 8, 0, 0, 0, 10}, // Claims value length 10 but no bytes provided
			expectError: true,
		},
		{
			name:        "Too many rows",
			data:        []byte{1, 0, 16, 0xff, 0xff, 0xff, 0xff}, // Claims 2^32-1 rows
			expectError: true,
		},
		{
			name:        "Trailing bytes",
			data:        []byte{1, 0, 0, 42},
			expectError: true,
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			var msg common.Message
			err := serializer.Deserialize(tc.data, &msg)

			if tc.expectError && err == nil {
				t.Errorf("Expected error but got none")
			} else if !tc.expectError && err != nil {
				t.Errorf("Did not expect error but got: %v", err)
			}
		})
	}
}
