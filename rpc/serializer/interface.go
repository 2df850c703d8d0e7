package serializer

import "github.com/ValentinKolb/rTable/rpc/common"

// IRPCSerializer converts rpc messages (store requests and their replies) to bytes and back.
// Implementations are stateless and safe for concurrent use.
type IRPCSerializer interface {
	// Serialize encodes msg.
	Serialize(msg common.Message) ([]byte, error)
	// Deserialize decodes b into msg. Every field of msg is overwritten, so a message
	// value can be reused across calls.
	Deserialize(b []byte, msg *common.Message) error
}
