package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/rTable/rpc/common"
)

// NewJSONSerializer creates a serializer that encodes messages as json objects.
// Message types are written by name (see common.MessageType.MarshalJSON), values and
// range rows as base64 strings.
func NewJSONSerializer() IRPCSerializer {
	return jsonSerializerImpl{}
}

type jsonSerializerImpl struct{}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IRPCSerializer)
// --------------------------------------------------------------------------

func (jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	// json leaves fields that are absent in b untouched
	*msg = common.Message{}
	return json.Unmarshal(b, msg)
}
