package canopy

// Codec turns a Go value destined for the wire into bytes and back. Canopy
// treats serialisation as pluggable: a call site picks an Encoding, and the
// Codec registered for it performs the actual marshal/unmarshal. This is the
// Go-native shape of the encode/decode primitives described for each
// payload_envelope.
type Codec interface {
	Encoding() Encoding
	Marshal(v interface{}) ([]byte, error)
	Unmarshal(data []byte, v interface{}) error
}

var codecRegistry = map[Encoding]Codec{}

// RegisterCodec installs c as the Codec used for its Encoding. Call during
// init() from each codec_*.go file; a later registration for the same
// Encoding replaces an earlier one, which tests use to swap in fakes.
func RegisterCodec(c Codec) {
	codecRegistry[c.Encoding()] = c
}

// CodecFor returns the registered Codec for enc, or an error if none is registered.
func CodecFor(enc Encoding) (Codec, error) {
	c, ok := codecRegistry[enc]
	if !ok {
		return nil, NewCallError(ErrCodeInvalidData, "no codec registered for %v", enc)
	}
	return c, nil
}

// Marshal encodes v using the Codec registered for enc.
func Marshal(enc Encoding, v interface{}) ([]byte, error) {
	c, err := CodecFor(enc)
	if err != nil {
		return nil, err
	}
	data, err := c.Marshal(v)
	if err != nil {
		return nil, NewCallError(ErrCodeInvalidData, "marshal with %v: %v", enc, err)
	}
	return data, nil
}

// Unmarshal decodes data into v using the Codec registered for enc.
func Unmarshal(enc Encoding, data []byte, v interface{}) error {
	c, err := CodecFor(enc)
	if err != nil {
		return err
	}
	if err := c.Unmarshal(data, v); err != nil {
		return NewCallError(ErrCodeProxyDeserialisationError, "unmarshal with %v: %v", enc, err)
	}
	return nil
}
