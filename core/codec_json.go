package canopy

import goccyjson "github.com/goccy/go-json"

// jsonCodec implements Codec for EncodingYASJSON using goccy/go-json, a
// drop-in encoding/json replacement with a faster decoder; call payloads
// cross zone boundaries frequently enough that the allocation savings matter
// on this hot path.
type jsonCodec struct{}

func (jsonCodec) Encoding() Encoding { return EncodingYASJSON }

func (jsonCodec) Marshal(v interface{}) ([]byte, error) {
	return goccyjson.Marshal(v)
}

func (jsonCodec) Unmarshal(data []byte, v interface{}) error {
	return goccyjson.Unmarshal(data, v)
}

func init() {
	RegisterCodec(jsonCodec{})
}
