package serializer

import (
	"encoding/json"

	"github.com/ValentinKolb/dDoc/sync/common"
)

// NewJSONSerializer creates a new serializer using json encoding. It is
// not wire-compatible with the binary format and exists for debugging and
// for tooling that wants human-readable captures.
func NewJSONSerializer() IMessageSerializer {
	return &jsonSerializerImpl{}
}

// jsonSerializerImpl implements the IMessageSerializer interface using json encoding
type jsonSerializerImpl struct {
}

// --------------------------------------------------------------------------
// Interface Methods (docu see serializer.IMessageSerializer)
// --------------------------------------------------------------------------

func (j jsonSerializerImpl) Serialize(msg common.Message) ([]byte, error) {
	return json.Marshal(msg)
}

func (j jsonSerializerImpl) Deserialize(b []byte, msg *common.Message) error {
	return json.Unmarshal(b, msg)
}
