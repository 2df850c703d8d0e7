package common

import (
	"encoding/json"
	"fmt"
)

// --------------------------------------------------------------------------
// Message Structure
// --------------------------------------------------------------------------

// Message represents a single message used for both requests and responses.
// Which fields are used depends on the type of message.
type Message struct {
	// Type of message
	MsgType MessageType `json:"msg_type"`

	// General fields
	Key   string `json:"key,omitempty"`   // Used for: Insert, Get, Has, Delete, Range (lower bound)
	To    string `json:"to,omitempty"`    // Used for: Range (upper bound)
	Max   uint32 `json:"max,omitempty"`   // Used for: Range (0 = no limit)
	Value []byte `json:"value,omitempty"` // Used for: Insert (request), Get (response)

	// Response only fields
	Rows []Row  `json:"rows,omitempty"` // Used for: Range responses
	Ok   bool   `json:"ok,omitempty"`   // Used for: Get, Has, Delete responses
	Code uint64 `json:"code,omitempty"` // Return code of the store if Err is set
	Err  string `json:"err,omitempty"`  // Empty if no error, otherwise contains the error message

	// Meta information
	Meta []byte `json:"meta,omitempty"` // Used for: Info responses (json encoded db.DatabaseInfo)
}

// Row is one row of a Range response.
type Row struct {
	Key   string `json:"key"`
	Value []byte `json:"value"`
}

// CodedError is implemented by errors that carry a return code (e.g. store.Error).
type CodedError interface {
	error
	ErrorCode() uint64
	ErrorMessage() string
}

// setError fills Err and Code of a response.
func (m *Message) setError(err error) {
	if err == nil {
		return
	}
	m.Err = err.Error()
	if ce, ok := err.(CodedError); ok {
		m.Code = ce.ErrorCode()
		m.Err = ce.ErrorMessage()
	}
}

// --------------------------------------------------------------------------
// Message Factory Functions
// --------------------------------------------------------------------------

// NewInsertRequest creates a new Insert request
func NewInsertRequest(key string, value []byte) *Message {
	return &Message{
		MsgType: MsgTKVInsert,
		Key:     key,
		Value:   value,
	}
}

// NewInsertResponse creates a new Insert response
func NewInsertResponse(err error) *Message {
	msg := &Message{
		MsgType: MsgTKVInsert,
	}
	msg.setError(err)
	return msg
}

// NewDeleteRequest creates a new Delete request
func NewDeleteRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVDelete,
		Key:     key,
	}
}

// NewDeleteResponse creates a new Delete response
func NewDeleteResponse(deleted bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVDelete,
		Ok:      deleted,
	}
	msg.setError(err)
	return msg
}

// NewGetRequest creates a new Get request
func NewGetRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVGet,
		Key:     key,
	}
}

// NewGetResponse creates a new Get response
func NewGetResponse(value []byte, ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVGet,
		Ok:      ok,
		Value:   value,
	}
	msg.setError(err)
	return msg
}

// NewHasRequest creates a new Has request
func NewHasRequest(key string) *Message {
	return &Message{
		MsgType: MsgTKVHas,
		Key:     key,
	}
}

// NewHasResponse creates a new Has response
func NewHasResponse(ok bool, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVHas,
		Ok:      ok,
	}
	msg.setError(err)
	return msg
}

// NewRangeRequest creates a new Range request
func NewRangeRequest(from, to string, max uint32) *Message {
	return &Message{
		MsgType: MsgTKVRange,
		Key:     from,
		To:      to,
		Max:     max,
	}
}

// NewRangeResponse creates a new Range response
func NewRangeResponse(rows []Row, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVRange,
		Rows:    rows,
	}
	msg.setError(err)
	return msg
}

// NewInfoRequest creates a new Info request
func NewInfoRequest() *Message {
	return &Message{
		MsgType: MsgTKVInfo,
	}
}

// NewInfoResponse creates a new Info response, info is passed as meta
func NewInfoResponse(info []byte, err error) *Message {
	msg := &Message{
		MsgType: MsgTKVInfo,
		Meta:    info,
	}
	msg.setError(err)
	return msg
}

// NewErrorResponse creates a new Error response
func NewErrorResponse(err string) *Message {
	return &Message{
		MsgType: MsgTError,
		Err:     err,
	}
}

// --------------------------------------------------------------------------
// Message Type Definition
// --------------------------------------------------------------------------

// MessageType defines the type of message used in RPC communication.
type MessageType uint8

// String returns the string representation of a MessageType.
func (t MessageType) String() string {
	switch t {
	case MsgTKVInsert:
		return "insert"
	case MsgTKVDelete:
		return "delete"
	case MsgTKVGet:
		return "get"
	case MsgTKVHas:
		return "has"
	case MsgTKVRange:
		return "range"
	case MsgTKVInfo:
		return "info"
	case MsgTError:
		return "error"
	case MsgTSuccess:
		return "success"
	default:
		return "unknown"
	}
}

// MarshalJSON implements the json.Marshaller interface for MessageType.
// This allows MessageType to be serialized as a string in JSON.
func (t MessageType) MarshalJSON() ([]byte, error) {
	return json.Marshal(t.String())
}

// UnmarshalJSON implements the json.Unmarshaler interface for MessageType.
// This allows MessageType to be deserialized from a string in JSON.
func (t *MessageType) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	// Convert string back to MessageType
	switch s {
	case "insert":
		*t = MsgTKVInsert
	case "delete":
		*t = MsgTKVDelete
	case "get":
		*t = MsgTKVGet
	case "has":
		*t = MsgTKVHas
	case "range":
		*t = MsgTKVRange
	case "info":
		*t = MsgTKVInfo
	case "error":
		*t = MsgTError
	case "success":
		*t = MsgTSuccess
	default:
		return fmt.Errorf("unknown message type: %s", s)
	}

	return nil
}

// --------------------------------------------------------------------------
// Message Type Constants
// --------------------------------------------------------------------------

const (
	// General message types

	MsgTUnknown MessageType = iota
	MsgTSuccess             // Indicates a successful operation
	MsgTError               // Indicates an error occurred

	// IStore operations

	MsgTKVInsert // Insert or replace a key-value pair
	MsgTKVDelete // Delete a key-value pair
	MsgTKVGet    // Get a value by key
	MsgTKVHas    // Check if a key exists
	MsgTKVRange  // Get all pairs of a key range
	MsgTKVInfo   // Get information about the database of the shard
)
