package canopy

import (
	"github.com/golang/protobuf/proto"
)

// protobufCodec implements Codec for EncodingProtocolBuffers. Unlike the
// other three encodings it requires v to already be a proto.Message; call
// payload types that want to support this encoding implement that interface
// alongside their JSON/msgpack struct tags.
type protobufCodec struct{}

func (protobufCodec) Encoding() Encoding { return EncodingProtocolBuffers }

func (protobufCodec) Marshal(v interface{}) ([]byte, error) {
	msg, ok := v.(proto.Message)
	if !ok {
		return nil, NewCallError(ErrCodeInvalidData, "%T does not implement proto.Message", v)
	}
	return proto.Marshal(msg)
}

func (protobufCodec) Unmarshal(data []byte, v interface{}) error {
	msg, ok := v.(proto.Message)
	if !ok {
		return NewCallError(ErrCodeInvalidData, "%T does not implement proto.Message", v)
	}
	return proto.Unmarshal(data, msg)
}

func init() {
	RegisterCodec(protobufCodec{})
}
